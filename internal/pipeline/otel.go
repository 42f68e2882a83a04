package pipeline

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"cyclerdata/internal/container"
	"cyclerdata/internal/errors"
	"cyclerdata/internal/infrastructure"
)

const (
	TracerName = "cyclerdata.pipeline"
)

// telemetry holds the pipeline's spans and instruments. Both default to
// no-ops so a Pipeline never needs a configured provider.
type telemetry struct {
	tracer  trace.Tracer
	metrics *infrastructure.DecodeMetrics
}

func newTelemetry(tracer trace.Tracer, metrics *infrastructure.DecodeMetrics) *telemetry {
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	if metrics == nil {
		// noop instruments cannot fail to register
		metrics, _ = infrastructure.CreateDecodeMetrics(noop.NewMeterProvider().Meter(TracerName))
	}
	return &telemetry{tracer: tracer, metrics: metrics}
}

// startArchive creates a span for a whole archive decode
func (t *telemetry) startArchive(ctx context.Context, a *container.Archive) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "pipeline.archive",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("archive.source", a.Source),
			attribute.String("archive.kind", string(a.Kind)),
			attribute.Int("archive.channels", len(a.Channels())),
		),
	)
}

// finishArchive records the archive outcome on span and the archive counter
func (t *telemetry) finishArchive(ctx context.Context, span trace.Span, res *Result, err error) {
	status := "success"
	switch {
	case err != nil:
		status = "failure"
		infrastructure.RecordError(ctx, err)
	case res.Err() != nil:
		status = "partial"
		span.SetStatus(codes.Error, fmt.Sprintf("%d channel(s) failed", countFailed(res)))
	default:
		span.SetStatus(codes.Ok, "archive decoded")
	}

	if res != nil {
		span.SetAttributes(
			attribute.Int("archive.runs", len(res.Runs())),
			attribute.Int("archive.failed_channels", countFailed(res)),
		)
	}
	t.metrics.ArchivesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// startChannel creates a span for one channel and marks it active
func (t *telemetry) startChannel(ctx context.Context, source, channel, model string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "pipeline.channel",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("archive.source", source),
			attribute.String("channel.id", channel),
			attribute.String("channel.model", model),
		),
	)
	t.metrics.ActiveChannels.Add(ctx, 1)
	return ctx, span
}

// finishChannel records a channel's counts, duration and failure
func (t *telemetry) finishChannel(ctx context.Context, span trace.Span, cr ChannelResult) {
	t.metrics.ActiveChannels.Add(ctx, -1)

	warnings := int64(len(cr.Warnings()))
	span.SetAttributes(
		attribute.String("channel.id", cr.ChannelID),
		attribute.Int("channel.runs", len(cr.Runs)),
		attribute.Int("channel.records", cr.Stats.Records),
		attribute.Int("channel.truncated_bytes", cr.Stats.TruncatedBytes),
		attribute.Int64("channel.warnings", warnings),
		attribute.Float64("channel.duration_seconds", cr.Duration.Seconds()),
	)

	status := "success"
	if cr.Err != nil {
		status = "failure"
		infrastructure.RecordError(ctx, cr.Err)
		t.metrics.ChannelsFailed.Add(ctx, 1,
			metric.WithAttributes(attribute.String("error_type", string(errors.TypeOf(cr.Err)))),
		)
	} else {
		span.SetStatus(codes.Ok, "channel decoded")
	}

	t.metrics.ChannelsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	t.metrics.ChannelDuration.Record(ctx, cr.Duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
	if cr.Stats.TruncatedBytes > 0 {
		t.metrics.TruncatedBytes.Add(ctx, int64(cr.Stats.TruncatedBytes))
	}
	if warnings > 0 {
		t.metrics.StepWarnings.Add(ctx, warnings)
	}
}

func (t *telemetry) recordsDecoded(ctx context.Context, channel string, n int64) {
	if n == 0 {
		return
	}
	t.metrics.RecordsDecoded.Add(ctx, n, metric.WithAttributes(attribute.String("channel_id", channel)))
}

func countFailed(res *Result) int {
	n := 0
	for _, c := range res.Channels {
		if c.Err != nil {
			n++
		}
	}
	return n
}
