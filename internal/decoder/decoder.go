package decoder

import (
	"iter"
	"log/slog"
	"time"

	"cyclerdata/internal/errors"
	"cyclerdata/pkg/contracts/domain"
)

// Decoder turns channel payloads into raw record streams
type Decoder struct {
	registry *Registry
	logger   *slog.Logger
}

// NewDecoder creates a decoder over a layout registry. A nil registry uses
// DefaultRegistry.
func NewDecoder(registry *Registry, logger *slog.Logger) *Decoder {
	if registry == nil {
		registry = DefaultRegistry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{
		registry: registry,
		logger:   logger.With(slog.String("component", "decoder")),
	}
}

// Stats summarises a stream's payload
type Stats struct {
	Version        int   `json:"version"`
	Records        int   `json:"records"`         // complete records
	TruncatedBytes int   `json:"truncated_bytes"` // trailing bytes of an incomplete record
	PayloadBytes   int64 `json:"payload_bytes"`
}

// Stream is the decoded view of one channel payload. It holds no iteration
// state; All can be ranged over any number of times.
type Stream struct {
	layout  *Layout
	payload []byte
	channel string
	stats   Stats
	logger  *slog.Logger
}

// Decode selects the layout for version and checks every record's
// discriminator. A payload containing any unknown record kind is rejected
// as a whole with UnknownRecordKindError.
func (d *Decoder) Decode(payload []byte, version int, channel string) (*Stream, error) {
	layout, err := d.registry.LayoutFor(version)
	if err != nil {
		return nil, &errors.UnsupportedVersionError{ChannelID: channel, Version: version}
	}

	s := &Stream{
		layout:  layout,
		payload: payload,
		channel: channel,
		stats: Stats{
			Version:        layout.Version,
			Records:        len(payload) / layout.Width,
			TruncatedBytes: len(payload) % layout.Width,
			PayloadBytes:   int64(len(payload)),
		},
		logger: d.logger.With(slog.String("channel_id", channel), slog.Int("version", layout.Version)),
	}

	for i := 0; i < s.stats.Records; i++ {
		off := i * layout.Width
		kind := payload[off+layout.KindOffset]
		if _, ok := handlers[kind]; !ok {
			return nil, &errors.UnknownRecordKindError{
				ChannelID: channel,
				Version:   layout.Version,
				Offset:    int64(off),
				Record:    i,
				Kind:      kind,
			}
		}
	}

	return s, nil
}

// Layout returns the stream's decode table
func (s *Stream) Layout() *Layout {
	return s.layout
}

// Stats returns the record count and truncated tail size
func (s *Stream) Stats() Stats {
	return s.stats
}

// All yields every complete record in payload order. A truncated tail is
// skipped after the last full record and logged at debug level.
func (s *Stream) All() iter.Seq2[domain.RawRecord, error] {
	return func(yield func(domain.RawRecord, error) bool) {
		w := s.layout.Width
		for i := 0; i < s.stats.Records; i++ {
			off := i * w
			rec, err := s.decodeAt(off, i)
			if !yield(rec, err) || err != nil {
				return
			}
		}

		if s.stats.TruncatedBytes > 0 {
			s.logger.Debug("truncated record at end of payload",
				slog.Int("records", s.stats.Records),
				slog.Int("truncated_bytes", s.stats.TruncatedBytes),
				slog.Int64("offset", int64(s.stats.Records*w)),
			)
		}
	}
}

// Collect decodes the whole stream into a slice
func (s *Stream) Collect() ([]domain.RawRecord, error) {
	out := make([]domain.RawRecord, 0, s.stats.Records)
	for rec, err := range s.All() {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Stream) decodeAt(off, n int) (domain.RawRecord, error) {
	buf := s.payload[off : off+s.layout.Width]
	kind := buf[s.layout.KindOffset]

	h, ok := handlers[kind]
	if !ok {
		return domain.RawRecord{}, &errors.UnknownRecordKindError{
			ChannelID: s.channel,
			Version:   s.layout.Version,
			Offset:    int64(off),
			Record:    n,
			Kind:      kind,
		}
	}

	rec := domain.RawRecord{
		Kind:      h.kind,
		Offset:    int64(off),
		ChannelID: s.channel,
	}
	h.decode(s.layout, buf, &rec)
	return rec, nil
}

// decodeIdentity fills the fields every record kind carries
func decodeIdentity(l *Layout, buf []byte, out *domain.RawRecord) {
	get := func(name string) int64 {
		f, ok := l.byName[name]
		if !ok {
			return 0
		}
		v, _ := l.read(buf, f)
		return v
	}

	out.Index = uint64(get(FieldIndex))
	out.TestID = uint64(get(FieldTestID))
	out.Cycle = uint32(get(FieldCycle))
	out.ProgramStep = uint32(get(FieldProgramStep))
	out.Mode = domain.StepMode(get(FieldMode))
	out.Timestamp = time.Unix(0, 0).Add(time.Duration(get(FieldTimestamp)) * l.TimeUnit).UTC()
}

// decodeMeasurement fills identity plus every measurement field present
func decodeMeasurement(l *Layout, buf []byte, out *domain.RawRecord) {
	decodeIdentity(l, buf, out)

	out.Values = make(map[string]int64, len(domain.MeasurementFields))
	for _, name := range domain.MeasurementFields {
		f, ok := l.byName[name]
		if !ok {
			continue
		}
		if v, present := l.read(buf, f); present {
			out.Values[name] = v
		}
	}
}
