package exporter

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"cyclerdata/pkg/contracts/domain"
)

const (
	runsSheet  = "Runs"
	stepsSheet = "Steps"

	maxSheetName = 31
)

var runHeaders = []string{"test_id", "channel_id", "start_time", "program", "barcode", "steps", "records", "warnings", "ended", "sheet"}

// XLSXExporter writes runs to a workbook: a Runs overview, a Steps summary
// and one sheet of samples per run
type XLSXExporter struct {
	logger *slog.Logger
}

// NewXLSXExporter creates a workbook exporter
func NewXLSXExporter(logger *slog.Logger) *XLSXExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &XLSXExporter{logger: logger}
}

// RunSheetName is the workbook sheet holding a run's samples
func RunSheetName(run domain.TestRun) string {
	name := fmt.Sprintf("T%d-C%s", run.TestID, sanitize(run.ChannelID))
	if len(name) > maxSheetName {
		name = name[:maxSheetName]
	}
	return name
}

// ExportFile writes the workbook to path
func (x *XLSXExporter) ExportFile(runs []domain.TestRun, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if err := x.Export(runs, file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Export writes the workbook to w
func (x *XLSXExporter) Export(runs []domain.TestRun, w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", runsSheet); err != nil {
		return fmt.Errorf("failed to name overview sheet: %w", err)
	}

	sheets := make([]string, len(runs))
	for i, run := range runs {
		sheets[i] = uniqueSheet(f, RunSheetName(run))
		if _, err := f.NewSheet(sheets[i]); err != nil {
			return fmt.Errorf("failed to add sheet %s: %w", sheets[i], err)
		}
		if err := writeRunSheet(f, sheets[i], run); err != nil {
			return fmt.Errorf("failed to write sheet %s: %w", sheets[i], err)
		}
	}

	if err := writeRunsSheet(f, runs, sheets); err != nil {
		return err
	}
	if _, err := f.NewSheet(stepsSheet); err != nil {
		return fmt.Errorf("failed to add steps sheet: %w", err)
	}
	if err := writeStepsSheet(f, runs); err != nil {
		return err
	}
	f.SetActiveSheet(0)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	x.logger.Info("Workbook exported",
		slog.Int("runs", len(runs)),
		slog.Int("sheets", len(f.GetSheetList())))
	return nil
}

func uniqueSheet(f *excelize.File, name string) string {
	candidate := name
	for n := 2; ; n++ {
		if idx, _ := f.GetSheetIndex(candidate); idx < 0 {
			return candidate
		}
		suffix := fmt.Sprintf("~%d", n)
		base := name
		if len(base)+len(suffix) > maxSheetName {
			base = base[:maxSheetName-len(suffix)]
		}
		candidate = base + suffix
	}
}

func headerRow(headers []string) []interface{} {
	row := make([]interface{}, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	return row
}

func writeRows(f *excelize.File, sheet string, headers []string, rows func(yield func([]interface{}) error) error) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}

	if err := sw.SetRow("A1", headerRow(headers)); err != nil {
		return err
	}
	r := 2
	err = rows(func(values []interface{}) error {
		cell, err := excelize.CoordinatesToCellName(1, r)
		if err != nil {
			return err
		}
		r++
		return sw.SetRow(cell, values)
	})
	if err != nil {
		return err
	}
	return sw.Flush()
}

func writeRunSheet(f *excelize.File, sheet string, run domain.TestRun) error {
	return writeRows(f, sheet, SampleHeaders, func(yield func([]interface{}) error) error {
		for _, step := range run.Steps {
			for _, s := range step.Samples {
				var temp interface{}
				if s.Temperature != nil {
					temp = *s.Temperature
				}
				err := yield([]interface{}{
					run.TestID,
					run.ChannelID,
					step.Cycle,
					step.Index,
					step.ProgramStep,
					step.Mode.String(),
					s.Index,
					formatTime(s.Timestamp),
					s.TestTime.Seconds(),
					s.StepTime.Seconds(),
					s.Voltage,
					s.Current,
					temp,
					s.Capacity,
					s.Energy,
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func writeRunsSheet(f *excelize.File, runs []domain.TestRun, sheets []string) error {
	return writeRows(f, runsSheet, runHeaders, func(yield func([]interface{}) error) error {
		for i, run := range runs {
			sum := run.Summary()
			err := yield([]interface{}{
				sum.TestID,
				sum.ChannelID,
				formatTime(sum.StartTime),
				run.Program,
				run.Barcode,
				sum.Steps,
				sum.Records,
				sum.Warnings,
				formatBool(sum.Ended),
				sheets[i],
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func writeStepsSheet(f *excelize.File, runs []domain.TestRun) error {
	return writeRows(f, stepsSheet, StepHeaders, func(yield func([]interface{}) error) error {
		for _, row := range StepRows(runs) {
			values := make([]interface{}, len(row))
			for i, v := range row {
				values[i] = v
			}
			if err := yield(values); err != nil {
				return err
			}
		}
		return nil
	})
}
