// Command cyclerdump decodes cycler archives, or downloads a channel from a
// BTS server or a SQL data store, and exports the assembled test runs.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"cyclerdata/internal/app"
	"cyclerdata/internal/assembler"
	"cyclerdata/internal/config"
	"cyclerdata/internal/exporter"
	"cyclerdata/internal/files"
	"cyclerdata/internal/infrastructure"
	"cyclerdata/internal/pipeline"
	"cyclerdata/internal/remote/bts"
	"cyclerdata/internal/services"
	"cyclerdata/internal/validation"
	"cyclerdata/pkg/contracts"
	"cyclerdata/pkg/contracts/domain"
)

const (
	flagConfig        = "config"
	flagOut           = "out"
	flagFormat        = "format"
	flagFormatVersion = "format-version"
	flagGapTolerance  = "gap-tolerance"
	flagConcurrency   = "concurrency"
	flagBTS           = "bts"
	flagBTSStatus     = "bts-status"
	flagSQLDriver     = "sql-driver"
	flagSQLDSN        = "sql-dsn"
	flagChannel       = "channel"
	flagTest          = "test"
	flagFrom          = "from"
	flagTo            = "to"
	flagDebug         = "debug"

	formatCSV  = "csv"
	formatXLSX = "xlsx"
	formatJSON = "json"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		slog.Error("cyclerdump failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "cyclerdump",
		Usage:     "decode battery cycler data and export test runs",
		ArgsUsage: "[archive|dir ...]",
		Version:   contracts.GetFullVersionString(),
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:    flagOut,
				Aliases: []string{"o"},
				Value:   ".",
				Usage:   "output `DIR`",
			},
			&cli.StringFlag{
				Name:  flagFormat,
				Value: formatCSV,
				Usage: "export format: csv, xlsx or json",
			},
			&cli.IntFlag{
				Name:  flagFormatVersion,
				Usage: "decode with this record layout version instead of the archive's",
			},
			&cli.Uint64Flag{
				Name:  flagGapTolerance,
				Usage: "largest record index gap accepted without failing a channel",
			},
			&cli.IntFlag{
				Name:  flagConcurrency,
				Usage: "channels decoded at once",
			},
			&cli.StringFlag{
				Name:  flagBTS,
				Usage: "download from the BTS server at `HOST:PORT`",
			},
			&cli.BoolFlag{
				Name:  flagBTSStatus,
				Usage: "print the status and inquiry snapshot of the BTS channels (all, or --channel) instead of downloading",
			},
			&cli.StringFlag{
				Name:  flagSQLDriver,
				Usage: "SQL store driver: sqlite or pgx",
			},
			&cli.StringFlag{
				Name:  flagSQLDSN,
				Usage: "read from the SQL store at `DSN`",
			},
			&cli.StringFlag{
				Name:  flagChannel,
				Usage: "remote channel key, e.g. 1-1-3",
			},
			&cli.Uint64Flag{
				Name:  flagTest,
				Usage: "remote test id; 0 selects the channel's current test on BTS",
			},
			&cli.StringFlag{
				Name:  flagFrom,
				Usage: "skip remote records before this RFC 3339 time",
			},
			&cli.StringFlag{
				Name:  flagTo,
				Usage: "skip remote records after this RFC 3339 time",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Action: dump,
	}
}

// dump is the command action
func dump(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	format := strings.ToLower(c.String(flagFormat))
	switch format {
	case formatCSV, formatXLSX, formatJSON:
	default:
		return fmt.Errorf("unsupported format %q", format)
	}

	logger, err := infrastructure.NewLogger(cfg.Logging, c.App.ErrWriter)
	if err != nil {
		return err
	}
	defer infrastructure.CloseLogFile()

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), logger)
	if err != nil {
		return err
	}
	defer providers.Shutdown(context.Background())

	metrics, err := infrastructure.CreateDecodeMetrics(providers.Meter)
	if err != nil {
		return err
	}
	p, err := app.NewPipeline(cfg, logger, providers, metrics)
	if err != nil {
		return err
	}

	d := &dumper{
		cfg:     cfg,
		out:     c.String(flagOut),
		format:  format,
		stdout:  c.App.Writer,
		logger:  logger,
		metrics: metrics,
		p:       p,
		files:   validation.NewFileValidator(logger),
	}

	ctx := c.Context
	switch {
	case c.Bool(flagBTSStatus):
		return d.btsStatus(ctx, c.String(flagChannel))
	case c.NArg() > 0:
		paths, err := files.NewDiscovery("").Expand(c.Args().Slice())
		if err != nil {
			return err
		}
		if err := d.files.ValidateArchives(paths); err != nil {
			return err
		}
		return d.fromArchives(ctx, paths)
	case cfg.Remote.SQLDSN != "" && !c.IsSet(flagBTS):
		q, err := remoteQuery(c)
		if err != nil {
			return err
		}
		return d.fromSQL(ctx, q)
	case c.IsSet(flagBTS):
		q, err := remoteQuery(c)
		if err != nil {
			return err
		}
		return d.fromBTS(ctx, q)
	default:
		return fmt.Errorf("nothing to decode: pass archive paths, --bts or --sql-dsn")
	}
}

// loadConfig loads the config file and applies the command line overrides
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return nil, err
	}
	if c.IsSet(flagFormatVersion) {
		cfg.Decode.Version = c.Int(flagFormatVersion)
	}
	if c.IsSet(flagGapTolerance) {
		cfg.Decode.GapTolerance = c.Uint64(flagGapTolerance)
	}
	if c.IsSet(flagConcurrency) {
		cfg.Decode.Concurrency = c.Int(flagConcurrency)
	}
	if c.IsSet(flagBTS) {
		cfg.Remote.BTSAddress = c.String(flagBTS)
	}
	if c.IsSet(flagSQLDriver) {
		cfg.Remote.SQLDriver = c.String(flagSQLDriver)
	}
	if c.IsSet(flagSQLDSN) {
		cfg.Remote.SQLDSN = c.String(flagSQLDSN)
	}
	if c.Bool(flagDebug) {
		cfg.Logging.Level = "debug"
	}
	// the summary owns stdout
	if cfg.Logging.Output == "both" {
		cfg.Logging.Output = "file"
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return cfg, nil
}

// remoteQuery builds the query of a BTS or SQL download
func remoteQuery(c *cli.Context) (domain.Query, error) {
	q := domain.Query{
		TestID:    c.Uint64(flagTest),
		ChannelID: c.String(flagChannel),
	}
	if q.ChannelID == "" {
		return q, fmt.Errorf("--channel is required for remote sources")
	}
	var err error
	if q.From, err = parseTime(c.String(flagFrom)); err != nil {
		return q, fmt.Errorf("--from: %w", err)
	}
	if q.To, err = parseTime(c.String(flagTo)); err != nil {
		return q, fmt.Errorf("--to: %w", err)
	}
	return q, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// dumper decodes one kind of input and exports what it assembled
type dumper struct {
	cfg     *config.Config
	out     string
	format  string
	stdout  io.Writer
	logger  *slog.Logger
	metrics *infrastructure.DecodeMetrics
	p       *pipeline.Pipeline
	files   *validation.FileValidator
}

// fromArchives decodes every archive and exports its runs. With more than one
// archive each gets its own subdirectory named after the file. A failed
// channel does not stop the others from being exported; the failures are
// returned together.
func (d *dumper) fromArchives(ctx context.Context, paths []string) error {
	var failed error
	for _, path := range paths {
		res, err := d.p.DecodeFile(ctx, path)
		if err != nil {
			failed = multierr.Append(failed, fmt.Errorf("%s: %w", path, err))
			continue
		}
		printSummary(d.stdout, res)

		dir := d.out
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if len(paths) > 1 {
			dir = filepath.Join(d.out, stem)
		}
		if err := d.export(res.Runs(), dir, stem); err != nil {
			return err
		}
		failed = multierr.Append(failed, res.Err())
	}
	return failed
}

// dialBTS connects to the configured BTS server and loads its channel map
func (d *dumper) dialBTS(ctx context.Context) (*bts.Client, error) {
	remote := d.cfg.Remote
	opts := []bts.Option{
		bts.WithChunkSize(remote.ChunkSize),
		bts.WithLogger(d.logger),
		bts.WithChunkCounter(d.metrics.RemoteChunksFetched),
	}
	if remote.RequestsPerSecond > 0 {
		opts = append(opts, bts.WithLimiter(rate.NewLimiter(rate.Limit(remote.RequestsPerSecond), 1)))
	}

	dialCtx, cancel := context.WithTimeout(ctx, remote.Timeout)
	defer cancel()
	return bts.Dial(dialCtx, &net.Dialer{}, remote.BTSAddress, opts...)
}

// fromBTS downloads one channel from the configured BTS server
func (d *dumper) fromBTS(ctx context.Context, q domain.Query) error {
	client, err := d.dialBTS(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	name := fmt.Sprintf("bts:%s/%s", d.cfg.Remote.BTSAddress, q.ChannelID)
	runs, err := d.p.AssembleSource(ctx, name, bts.NewSource(client, q, time.Local), assembler.RunMeta{})
	if err != nil {
		return err
	}
	printRuns(d.stdout, name, runs)
	return d.export(runs, d.out, fmt.Sprintf("bts_ch%s", q.ChannelID))
}

// btsStatus prints a read-only status and inquiry snapshot of one channel,
// or of every channel when key is empty
func (d *dumper) btsStatus(ctx context.Context, key string) error {
	client, err := d.dialBTS(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var keys []string
	if key != "" {
		keys = []string{key}
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Remote.Timeout)
	defer cancel()

	status, err := client.Status(ctx, keys...)
	if err != nil {
		return err
	}
	inquiry, err := client.Inquire(ctx, keys...)
	if err != nil {
		return err
	}
	printStatus(d.stdout, "bts:"+d.cfg.Remote.BTSAddress, status, inquiry)
	return nil
}

// fromSQL reads one stored test run
func (d *dumper) fromSQL(ctx context.Context, q domain.Query) error {
	store, db, err := app.OpenStore(ctx, d.cfg.Remote, d.logger)
	if err != nil {
		return err
	}
	defer db.Close()

	run, err := services.NewStoreService(store, d.p, d.logger).Run(ctx, q)
	if err != nil {
		return err
	}
	runs := []domain.TestRun{run}
	printRuns(d.stdout, fmt.Sprintf("sql:test%d/%s", q.TestID, q.ChannelID), runs)
	return d.export(runs, d.out, fmt.Sprintf("test%d", q.TestID))
}

// export writes runs to dir in the selected format. stem names the XLSX
// workbook.
func (d *dumper) export(runs []domain.TestRun, dir, stem string) error {
	if len(runs) == 0 {
		d.logger.Warn("Nothing to export", slog.String("output_dir", dir))
		return nil
	}
	if err := d.files.ValidateOutputDirectory(dir); err != nil {
		return err
	}

	var paths []string
	switch d.format {
	case formatCSV:
		written, err := exporter.NewRunExporter("", d.logger).ExportRuns(runs, dir)
		if err != nil {
			return err
		}
		paths = written
	case formatXLSX:
		path := filepath.Join(dir, stem+".xlsx")
		if err := exporter.NewXLSXExporter(d.logger).ExportFile(runs, path); err != nil {
			return err
		}
		paths = append(paths, path)
	case formatJSON:
		for _, run := range runs {
			path := filepath.Join(dir, exporter.RunFileName(run, "json"))
			data, err := json.MarshalIndent(run, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode test %d channel %s: %w", run.TestID, run.ChannelID, err)
			}
			if err := os.WriteFile(path, data, 0644); err != nil {
				return err
			}
			paths = append(paths, path)
		}
	}

	for _, p := range paths {
		fmt.Fprintf(d.stdout, "wrote %s\n", p)
	}
	return nil
}

// printSummary prints one line per channel of an archive
func printSummary(w io.Writer, res *pipeline.Result) {
	fmt.Fprintf(w, "%s: test %d, format version %d, %d channel(s)\n",
		res.Source, res.Descriptor.TestID, res.Descriptor.Version, len(res.Channels))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tMODEL\tRUNS\tRECORDS\tWARNINGS\tTRUNCATED\tDURATION\tERROR")
	for _, ch := range res.Channels {
		records := 0
		for _, r := range ch.Runs {
			records += r.RecordCount()
		}
		errText := "-"
		if ch.Err != nil {
			errText = ch.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			ch.ChannelID, ch.Model, len(ch.Runs), records, len(ch.Warnings()),
			ch.Stats.TruncatedBytes, ch.Duration.Round(time.Millisecond), errText)
	}
	tw.Flush()
}

// printRuns prints one line per run of a remote source
func printRuns(w io.Writer, source string, runs []domain.TestRun) {
	fmt.Fprintf(w, "%s: %d run(s)\n", source, len(runs))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TEST\tCHANNEL\tSTART\tSTEPS\tRECORDS\tWARNINGS\tENDED")
	for _, r := range runs {
		s := r.Summary()
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%t\n",
			s.TestID, s.ChannelID, s.StartTime.Format(time.RFC3339), s.Steps, s.Records, s.Warnings, s.Ended)
	}
	tw.Flush()
}

// statusIdentity are the attributes every status row repeats from the
// channel map, plus the element texts
var statusIdentity = map[string]bool{
	"ip": true, "devtype": true, "devid": true, "subdevid": true, "chlid": true,
	"Channelid": true, "status": true, "inquire": true,
}

// printStatus prints one line per channel: its status and the inquiry
// values as sorted key=value pairs
func printStatus(w io.Writer, source string, status, inquiry map[string]bts.Row) {
	keys := slices.Sorted(maps.Keys(status))
	fmt.Fprintf(w, "%s: %d channel(s)\n", source, len(keys))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANNEL\tSTATUS\tDETAIL")
	for _, k := range keys {
		st, ok := status[k].String("status")
		if !ok {
			st = "-"
		}

		row := inquiry[k]
		var detail []string
		for _, field := range slices.Sorted(maps.Keys(row)) {
			if statusIdentity[field] {
				continue
			}
			v, ok := row.String(field)
			if !ok {
				v = "--"
			}
			detail = append(detail, field+"="+v)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", k, st, strings.Join(detail, " "))
	}
	tw.Flush()
}
