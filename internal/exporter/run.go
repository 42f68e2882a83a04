package exporter

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"

	"cyclerdata/pkg/contracts/domain"
)

// Decimal places per measurement column
const (
	voltagePrec     = 4
	currentPrec     = 4
	temperaturePrec = 1
	capacityPrec    = 6
	energyPrec      = 6
)

// SampleHeaders are the columns of a run's time-series export
var SampleHeaders = []string{
	"test_id", "channel_id", "cycle", "step", "program_step", "mode",
	"record_index", "timestamp", "test_time_s", "step_time_s",
	"voltage_V", "current_A", "temperature_C", "capacity_Ah", "energy_Wh",
}

// StepHeaders are the columns of the per-step summary export
var StepHeaders = []string{
	"test_id", "channel_id", "step", "cycle", "program_step", "mode",
	"start_index", "end_index", "records", "duration_s",
	"entry_capacity_Ah", "end_capacity_Ah", "entry_energy_Wh", "end_energy_Wh",
	"warnings",
}

// RunExporter writes assembled test runs as CSV
type RunExporter struct {
	csvWriter *CSVWriter
	logger    *slog.Logger
}

// NewRunExporter creates a run exporter writing under baseDir
func NewRunExporter(baseDir string, logger *slog.Logger) *RunExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunExporter{
		csvWriter: NewCSVWriter(baseDir, logger),
		logger:    logger,
	}
}

// RunFileName is the export file name of a run, e.g. "test42_ch3.csv"
func RunFileName(run domain.TestRun, ext string) string {
	return fmt.Sprintf("test%d_ch%s.%s", run.TestID, sanitize(run.ChannelID), ext)
}

// ExportRuns writes one time-series CSV per run plus steps_summary.csv
// into outputDir and returns the written paths
func (e *RunExporter) ExportRuns(runs []domain.TestRun, outputDir string) ([]string, error) {
	var paths []string
	for _, run := range runs {
		path := filepath.Join(outputDir, RunFileName(run, "csv"))
		sw, err := e.csvWriter.CreateStreamWriter(path, SampleHeaders)
		if err != nil {
			return paths, err
		}
		if err := writeSamples(sw, run); err != nil {
			sw.Close()
			return paths, fmt.Errorf("failed to export test %d channel %s: %w", run.TestID, run.ChannelID, err)
		}
		if err := sw.Close(); err != nil {
			return paths, err
		}
		paths = append(paths, e.csvWriter.resolvePath(path))
	}

	summary := filepath.Join(outputDir, "steps_summary.csv")
	if err := e.csvWriter.WriteCSV(summary, WriteOptions{
		Headers:   StepHeaders,
		Records:   StepRows(runs),
		BOMPrefix: true,
	}); err != nil {
		return paths, fmt.Errorf("failed to write step summary: %w", err)
	}
	paths = append(paths, e.csvWriter.resolvePath(summary))

	e.logger.Info("Runs exported",
		slog.Int("runs", len(runs)),
		slog.String("output_dir", outputDir))
	return paths, nil
}

// WriteRunCSV streams one run's samples to w
func WriteRunCSV(w io.Writer, run domain.TestRun) error {
	sw, err := NewStreamWriter(w, SampleHeaders)
	if err != nil {
		return err
	}
	if err := writeSamples(sw, run); err != nil {
		return err
	}
	return sw.Close()
}

func writeSamples(sw *StreamWriter, run domain.TestRun) error {
	for _, step := range run.Steps {
		for _, s := range step.Samples {
			if err := sw.WriteRecord(SampleRow(run, step, s)); err != nil {
				return err
			}
		}
	}
	return nil
}

// SampleRow converts one sample to its CSV row
func SampleRow(run domain.TestRun, step domain.Step, s domain.Sample) []string {
	return []string{
		formatUint(run.TestID),
		run.ChannelID,
		formatUint(uint64(step.Cycle)),
		strconv.Itoa(step.Index),
		formatUint(uint64(step.ProgramStep)),
		step.Mode.String(),
		formatUint(s.Index),
		formatTime(s.Timestamp),
		formatSeconds(s.TestTime),
		formatSeconds(s.StepTime),
		formatFloat(s.Voltage, voltagePrec),
		formatFloat(s.Current, currentPrec),
		formatOptional(s.Temperature, temperaturePrec),
		formatFloat(s.Capacity, capacityPrec),
		formatFloat(s.Energy, energyPrec),
	}
}

// StepRows builds the step summary rows of every run
func StepRows(runs []domain.TestRun) [][]string {
	var rows [][]string
	for _, run := range runs {
		for _, step := range run.Steps {
			var endCap, endEnergy float64
			if n := len(step.Samples); n > 0 {
				endCap = step.Samples[n-1].Capacity
				endEnergy = step.Samples[n-1].Energy
			}
			rows = append(rows, []string{
				formatUint(run.TestID),
				run.ChannelID,
				strconv.Itoa(step.Index),
				formatUint(uint64(step.Cycle)),
				formatUint(uint64(step.ProgramStep)),
				step.Mode.String(),
				formatUint(step.StartIndex),
				formatUint(step.EndIndex),
				strconv.Itoa(step.Len()),
				formatSeconds(step.Duration()),
				formatFloat(step.EntryCapacity, capacityPrec),
				formatFloat(endCap, capacityPrec),
				formatFloat(step.EntryEnergy, energyPrec),
				formatFloat(endEnergy, energyPrec),
				strconv.Itoa(len(step.Warnings)),
			})
		}
	}
	return rows
}

// sanitize keeps channel ids usable in file and sheet names
func sanitize(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch r {
		case '/', '\\', ':', '*', '?', '[', ']', ' ':
			out[i] = '_'
		}
	}
	return string(out)
}
