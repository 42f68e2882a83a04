package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"cyclerdata/internal/assembler"
	"cyclerdata/internal/container"
	"cyclerdata/internal/decoder"
	"cyclerdata/internal/errors"
	"cyclerdata/internal/infrastructure"
	"cyclerdata/internal/units"
	"cyclerdata/pkg/contracts/domain"
)

// DefaultConcurrency bounds the channels decoded at once when Options
// leaves it unset
const DefaultConcurrency = 4

// Options configures a Pipeline. The zero value decodes with the default
// registry and scale table, zero gap tolerance and no deadline.
type Options struct {
	// Version, when non-zero, replaces the descriptor's format version
	Version      int
	GapTolerance uint64
	Concurrency  int
	// Deadline bounds a whole DecodeArchive call
	Deadline time.Duration

	Registry  *decoder.Registry
	Converter *units.Converter
	Logger    *slog.Logger

	Tracer  trace.Tracer
	Metrics *infrastructure.DecodeMetrics
}

// Pipeline decodes archives channel by channel: decoder, converter and
// assembler run per channel, channels run concurrently.
type Pipeline struct {
	opts      Options
	decoder   *decoder.Decoder
	converter *units.Converter
	logger    *slog.Logger
	telemetry *telemetry
}

// New creates a pipeline
func New(opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Converter == nil {
		opts.Converter = units.NewConverter(units.DefaultTable())
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	logger := infrastructure.WithComponent(opts.Logger, "pipeline")

	return &Pipeline{
		opts:      opts,
		decoder:   decoder.NewDecoder(opts.Registry, opts.Logger),
		converter: opts.Converter,
		logger:    logger,
		telemetry: newTelemetry(opts.Tracer, opts.Metrics),
	}
}

// ChannelResult is the outcome of one channel. Runs holds whatever was
// assembled before Err, if any.
type ChannelResult struct {
	ChannelID string           `json:"channel_id"`
	Model     string           `json:"model"`
	Runs      []domain.TestRun `json:"runs"`
	Stats     decoder.Stats    `json:"stats"`
	Duration  time.Duration    `json:"duration"`
	Err       error            `json:"-"`
}

// Warnings returns every step warning across the channel's runs
func (c ChannelResult) Warnings() []domain.StepIntegrityWarning {
	var out []domain.StepIntegrityWarning
	for _, r := range c.Runs {
		out = append(out, r.Warnings()...)
	}
	return out
}

// Result is the decoded content of one archive
type Result struct {
	Source     string                  `json:"source"`
	Descriptor *container.Descriptor   `json:"descriptor"`
	Steps      []container.ProgramStep `json:"steps,omitempty"`
	Channels   []ChannelResult         `json:"channels"`
}

// Err combines the channel failures, nil when every channel decoded
func (r *Result) Err() error {
	var err error
	for _, c := range r.Channels {
		err = multierr.Append(err, c.Err)
	}
	return err
}

// Runs returns the test runs of every channel in channel order
func (r *Result) Runs() []domain.TestRun {
	var out []domain.TestRun
	for _, c := range r.Channels {
		out = append(out, c.Runs...)
	}
	return out
}

// Channel looks up a channel result by id
func (r *Result) Channel(id string) (ChannelResult, bool) {
	for _, c := range r.Channels {
		if c.ChannelID == id {
			return c, true
		}
	}
	return ChannelResult{}, false
}

// DecodeFile extracts and decodes the archive at path
func (p *Pipeline) DecodeFile(ctx context.Context, path string) (*Result, error) {
	a, err := container.Open(path)
	if err != nil {
		return nil, err
	}
	return p.DecodeArchive(ctx, a)
}

// DecodeArchive decodes every channel of a. A channel failure is recorded
// on its ChannelResult and never stops the other channels; the returned
// error is reserved for archive-level problems such as a bad descriptor.
func (p *Pipeline) DecodeArchive(ctx context.Context, a *container.Archive) (*Result, error) {
	if p.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Deadline)
		defer cancel()
	}
	ctx = infrastructure.EnsureTraceID(ctx)

	ctx, span := p.telemetry.startArchive(ctx, a)
	defer span.End()
	start := time.Now()

	desc, err := a.Descriptor()
	if err != nil {
		p.telemetry.finishArchive(ctx, span, nil, err)
		return nil, err
	}
	steps, err := a.Steps()
	if err != nil {
		p.telemetry.finishArchive(ctx, span, nil, err)
		return nil, err
	}

	res := &Result{
		Source:     a.Source,
		Descriptor: desc,
		Steps:      steps,
	}

	channels := a.Channels()
	res.Channels = make([]ChannelResult, len(channels))

	var g errgroup.Group
	g.SetLimit(p.opts.Concurrency)
	for i, ch := range channels {
		g.Go(func() error {
			res.Channels[i] = p.decodeChannel(ctx, a, desc, ch)
			return nil
		})
	}
	g.Wait()

	p.telemetry.finishArchive(ctx, span, res, nil)
	p.logger.InfoContext(ctx, "archive decoded",
		slog.String("source", a.Source),
		slog.Int("channels", len(channels)),
		slog.Int("runs", len(res.Runs())),
		slog.Int("failed", len(multierr.Errors(res.Err()))),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (p *Pipeline) decodeChannel(ctx context.Context, a *container.Archive, desc *container.Descriptor, ch int) (cr ChannelResult) {
	id := strconv.Itoa(ch)
	cr.ChannelID = id
	start := time.Now()

	entry, ok := desc.Channel(ch)
	if ok {
		cr.Model = entry.Model
	}

	ctx, span := p.telemetry.startChannel(ctx, a.Source, id, cr.Model)
	defer span.End()

	defer func() {
		cr.Duration = time.Since(start)
		p.telemetry.finishChannel(ctx, span, cr)
	}()

	if !ok {
		cr.Err = &errors.ContainerFormatError{
			Source: a.Source,
			Reason: fmt.Sprintf("channel %d is not listed in the descriptor", ch),
		}
		return cr
	}

	stream, err := p.openStream(a, desc, ch)
	if err != nil {
		cr.Err = err
		return cr
	}
	cr.Stats = stream.Stats()

	asm := assembler.New(p.opts.GapTolerance, p.logger)
	asm.Meta = metaFrom(desc)
	cr.Runs, cr.Err = asm.Assemble(ctx, p.convert(ctx, stream, id, p.scaleKey(entry)))
	cr.Err = cancelled(ctx, a.Source, cr.Err)

	if cr.Err != nil {
		p.logger.WarnContext(ctx, "channel failed",
			slog.String("channel_id", id),
			slog.String("error_type", string(errors.TypeOf(cr.Err))),
			slog.String("error", cr.Err.Error()),
		)
	}
	return cr
}

func (p *Pipeline) openStream(a *container.Archive, desc *container.Descriptor, ch int) (*decoder.Stream, error) {
	payload, ok := a.Payload(container.ChannelPayload(ch))
	if !ok {
		return nil, &errors.ContainerFormatError{
			Source: a.Source,
			Reason: fmt.Sprintf("no record payload for channel %d", ch),
		}
	}
	return p.decoder.Decode(payload, p.version(desc), strconv.Itoa(ch))
}

func (p *Pipeline) version(desc *container.Descriptor) int {
	if p.opts.Version != 0 {
		if p.opts.Version != desc.FormatVersion() {
			p.logger.Debug("format version overridden",
				slog.Int("descriptor", desc.FormatVersion()),
				slog.Int("override", p.opts.Version),
			)
		}
		return p.opts.Version
	}
	return desc.FormatVersion()
}

// convert scales a raw stream lazily. Ranging it again restarts from the
// first record.
func (p *Pipeline) convert(ctx context.Context, stream *decoder.Stream, channel, model string) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		n := int64(0)
		defer func() {
			p.telemetry.recordsDecoded(ctx, channel, n)
		}()

		for raw, err := range stream.All() {
			if err != nil {
				yield(domain.Record{}, err)
				return
			}
			rec, err := p.converter.Convert(raw, model)
			if err != nil {
				yield(domain.Record{}, err)
				return
			}
			n++
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// ChannelSource exposes one archive channel as a RecordSource, so archive
// and remote channels can be consumed the same way
func (p *Pipeline) ChannelSource(a *container.Archive, ch int) (domain.RecordSource, error) {
	desc, err := a.Descriptor()
	if err != nil {
		return nil, err
	}
	entry, ok := desc.Channel(ch)
	if !ok {
		return nil, &errors.ContainerFormatError{
			Source: a.Source,
			Reason: fmt.Sprintf("channel %d is not listed in the descriptor", ch),
		}
	}
	stream, err := p.openStream(a, desc, ch)
	if err != nil {
		return nil, err
	}

	id := strconv.Itoa(ch)
	return domain.RecordSourceFunc(func(ctx context.Context) iter.Seq2[domain.Record, error] {
		return p.convert(ctx, stream, id, p.scaleKey(entry))
	}), nil
}

// scaleKey picks the scale table model for a channel, preferring scales
// specific to its current range
func (p *Pipeline) scaleKey(entry container.DescriptorChannel) string {
	return p.converter.Table().ModelKey(entry.Model, entry.Range)
}

// AssembleSource assembles the records of any RecordSource, typically a
// remote one, with the pipeline's gap tolerance and telemetry
func (p *Pipeline) AssembleSource(ctx context.Context, name string, src domain.RecordSource, meta assembler.RunMeta) ([]domain.TestRun, error) {
	if p.opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Deadline)
		defer cancel()
	}
	ctx = infrastructure.EnsureTraceID(ctx)

	cr := ChannelResult{}
	start := time.Now()
	ctx, span := p.telemetry.startChannel(ctx, name, "", "")
	defer span.End()

	asm := assembler.New(p.opts.GapTolerance, p.logger)
	asm.Meta = meta
	cr.Runs, cr.Err = asm.Assemble(ctx, countRecords(ctx, p.telemetry, src.Records(ctx)))
	cr.Err = cancelled(ctx, name, cr.Err)
	if len(cr.Runs) > 0 {
		cr.ChannelID = cr.Runs[0].ChannelID
	}
	cr.Duration = time.Since(start)
	p.telemetry.finishChannel(ctx, span, cr)

	return cr.Runs, cr.Err
}

func countRecords(ctx context.Context, t *telemetry, seq iter.Seq2[domain.Record, error]) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		n := int64(0)
		channel := ""
		defer func() {
			t.recordsDecoded(ctx, channel, n)
		}()
		for rec, err := range seq {
			if err == nil {
				n++
				channel = rec.ChannelID
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

// cancelled reports a context stop as CancelledError unless the failure is
// already classified as one
func cancelled(ctx context.Context, source string, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	var ce *errors.CancelledError
	if stderrors.As(err, &ce) {
		return err
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return &errors.CancelledError{Source: source, Cause: err}
	}
	return err
}

func metaFrom(desc *container.Descriptor) assembler.RunMeta {
	return assembler.RunMeta{
		Program:   desc.Program,
		Barcode:   desc.Barcode,
		StartTime: desc.StartTime(),
	}
}
