// Command cyclergen writes a synthetic cycler archive, and optionally seeds
// a SQL data store with the same records. It exists to exercise cyclerdump,
// cyclerd and the remote sources without rig hardware.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"cyclerdata/internal/app"
	"cyclerdata/internal/config"
	"cyclerdata/internal/container"
	"cyclerdata/internal/infrastructure"
	"cyclerdata/internal/remote/sqlstore"
	"cyclerdata/internal/synth"
	"cyclerdata/internal/units"
	"cyclerdata/pkg/contracts"
	"cyclerdata/pkg/contracts/domain"
)

const (
	flagOut           = "out"
	flagKind          = "kind"
	flagProfile       = "profile"
	flagRecords       = "records"
	flagCycles        = "cycles"
	flagStepLen       = "step-len"
	flagChannels      = "channels"
	flagTest          = "test"
	flagBarcode       = "barcode"
	flagModel         = "model"
	flagStart         = "start"
	flagFormatVersion = "format-version"
	flagTruncate      = "truncate"
	flagScaleTable    = "scale-table"
	flagSQLDriver     = "sql-driver"
	flagSQLDSN        = "sql-dsn"

	profileChargeRest = "charge-rest"
	profileCycles     = "cycles"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		slog.Error("cyclergen failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "cyclergen",
		Usage:     "write a synthetic battery cycler archive",
		Version:   contracts.GetFullVersionString(),
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagOut,
				Aliases:  []string{"o"},
				Usage:    "archive `FILE` to write",
				Required: true,
			},
			&cli.StringFlag{
				Name:  flagKind,
				Usage: "container kind: raw or zip; default from the file extension",
			},
			&cli.StringFlag{
				Name:  flagProfile,
				Value: profileCycles,
				Usage: "record profile: cycles or charge-rest",
			},
			&cli.IntFlag{
				Name:  flagRecords,
				Value: 1000,
				Usage: "records per channel for the charge-rest profile",
			},
			&cli.IntFlag{
				Name:  flagCycles,
				Value: 3,
				Usage: "cycles per channel for the cycles profile",
			},
			&cli.IntFlag{
				Name:  flagStepLen,
				Value: 60,
				Usage: "records per step for the cycles profile",
			},
			&cli.IntSliceFlag{
				Name:  flagChannels,
				Value: cli.NewIntSlice(1),
				Usage: "channel numbers to generate",
			},
			&cli.Uint64Flag{
				Name:  flagTest,
				Value: 1,
				Usage: "test id",
			},
			&cli.StringFlag{
				Name:  flagBarcode,
				Usage: "cell barcode",
			},
			&cli.StringFlag{
				Name:  flagModel,
				Value: synth.DefaultModel,
				Usage: "rig model of every channel; must be in the scale table",
			},
			&cli.TimestampFlag{
				Name:   flagStart,
				Layout: time.RFC3339,
				Usage:  "test start time (RFC 3339); default now",
			},
			&cli.IntFlag{
				Name:  flagFormatVersion,
				Value: 2,
				Usage: "record layout version",
			},
			&cli.IntFlag{
				Name:  flagTruncate,
				Usage: "append this many bytes of a partial record to every channel",
			},
			&cli.StringFlag{
				Name:  flagScaleTable,
				Usage: "scale table `FILE`; default the built-in table",
			},
			&cli.StringFlag{
				Name:  flagSQLDriver,
				Value: "sqlite",
				Usage: "SQL store driver for --sql-dsn",
			},
			&cli.StringFlag{
				Name:  flagSQLDSN,
				Usage: "also insert the records into the SQL store at `DSN`",
			},
		},
		Action: generate,
	}
}

// generate is the command action
func generate(c *cli.Context) error {
	cfg := config.Default()
	cfg.Logging.Output = "console"
	logger, err := infrastructure.NewLogger(cfg.Logging, c.App.ErrWriter)
	if err != nil {
		return err
	}

	table, err := units.LoadTable(c.String(flagScaleTable))
	if err != nil {
		return err
	}
	model := c.String(flagModel)
	if !table.HasModel(model) {
		return fmt.Errorf("model %q is not in the scale table", model)
	}

	out := c.String(flagOut)
	kind, err := containerKind(c.String(flagKind), out)
	if err != nil {
		return err
	}

	start := time.Now().UTC().Truncate(time.Second)
	if ts := c.Timestamp(flagStart); ts != nil {
		start = ts.UTC()
	}

	a := synth.Archive{
		Kind:    kind,
		Version: c.Int(flagFormatVersion),
		TestID:  c.Uint64(flagTest),
		Start:   start,
		Barcode: c.String(flagBarcode),
		Program: c.String(flagProfile) + ".xml",
	}

	records := make(map[int][]domain.Record)
	for _, ch := range c.IntSlice(flagChannels) {
		if ch < 0 {
			return fmt.Errorf("invalid channel %d", ch)
		}
		recs, err := profile(c, a.TestID, strconv.Itoa(ch), start)
		if err != nil {
			return err
		}
		records[ch] = recs
		a.Channels = append(a.Channels, synth.Channel{
			ID:      ch,
			Model:   model,
			Records: recs,
			Tail:    make([]byte, c.Int(flagTruncate)),
		})
	}

	if err := writeArchive(a, out, units.NewConverter(table)); err != nil {
		return err
	}
	logger.Info("Archive written",
		slog.String("path", out),
		slog.String("kind", string(kind)),
		slog.Int("channels", len(a.Channels)))
	fmt.Fprintf(c.App.Writer, "wrote %s\n", out)

	if dsn := c.String(flagSQLDSN); dsn != "" {
		return seed(c.Context, c.String(flagSQLDriver), dsn, a, records, logger)
	}
	return nil
}

// profile builds one channel's records
func profile(c *cli.Context, testID uint64, channel string, start time.Time) ([]domain.Record, error) {
	switch c.String(flagProfile) {
	case profileChargeRest:
		if c.Int(flagRecords) < 1 {
			return nil, fmt.Errorf("--records must be positive")
		}
		return synth.ChargeRest(c.Int(flagRecords), testID, channel, start), nil
	case profileCycles:
		if c.Int(flagCycles) < 1 || c.Int(flagStepLen) < 1 {
			return nil, fmt.Errorf("--cycles and --step-len must be positive")
		}
		return synth.Cycles(c.Int(flagCycles), c.Int(flagStepLen), testID, channel, start), nil
	default:
		return nil, fmt.Errorf("unknown profile %q", c.String(flagProfile))
	}
}

// containerKind picks the container from the flag or the file extension
func containerKind(flag, path string) (container.Kind, error) {
	switch strings.ToLower(flag) {
	case string(container.KindRaw):
		return container.KindRaw, nil
	case string(container.KindZip):
		return container.KindZip, nil
	case "":
	default:
		return "", fmt.Errorf("unknown container kind %q", flag)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ndax", ".zip":
		return container.KindZip, nil
	default:
		return container.KindRaw, nil
	}
}

func writeArchive(a synth.Archive, path string, conv *units.Converter) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := a.Write(f, conv); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// seed inserts every channel's records into the SQL store
func seed(ctx context.Context, driver, dsn string, a synth.Archive, records map[int][]domain.Record, logger *slog.Logger) error {
	remote := config.Default().Remote
	remote.SQLDriver = driver
	remote.SQLDSN = dsn

	store, db, err := app.OpenStore(ctx, remote, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, ch := range a.Channels {
		info := sqlstore.TestInfo{
			TestID:    a.TestID,
			ChannelID: strconv.Itoa(ch.ID),
			StartTime: a.Start,
			Barcode:   a.Barcode,
			Program:   a.Program,
		}
		if err := store.Insert(ctx, info, records[ch.ID]); err != nil {
			return fmt.Errorf("channel %d: %w", ch.ID, err)
		}
	}
	logger.Info("Store seeded",
		slog.Uint64("test_id", a.TestID),
		slog.Int("channels", len(a.Channels)))
	return nil
}
