package bts

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"cyclerdata/internal/errors"
	"cyclerdata/pkg/contracts/domain"
)

// Attribute names of a download row
const (
	attrSeq      = "seqid"
	attrTestID   = "testid"
	attrCycle    = "cycle"
	attrStep     = "step"
	attrStepType = "steptype"
	attrTestTime = "testtime"
	attrStepTime = "steptime"
	attrVoltage  = "volt"
	attrCurrent  = "curr"
	attrTemp     = "temp"
	attrCapacity = "cap"
	attrEnergy   = "eng"
	attrAbsTime  = "atime"
	attrEnd      = "end"
)

// absTimeLayout is the server's wall-clock format, in server local time
const absTimeLayout = "2006-01-02 15:04:05"

// Source streams one channel's recorded rows as converted records.
// Download rows are already in engineering units (V, A, °C, Ah, Wh, s).
type Source struct {
	client   *Client
	query    domain.Query
	location *time.Location
	logger   *slog.Logger
}

// NewSource returns a RecordSource for q. q.ChannelID must be a key of the
// client's channel map; a TestID of 0 selects the channel's current test.
func NewSource(client *Client, q domain.Query, loc *time.Location) *Source {
	if loc == nil {
		loc = time.Local
	}
	return &Source{
		client:   client,
		query:    q,
		location: loc,
		logger:   client.logger.With(slog.String("channel_id", q.ChannelID)),
	}
}

// Records implements domain.RecordSource. Each call downloads the channel
// again from the first row, in chunks, until the server returns a short
// chunk. Rows outside the query's time range are skipped.
func (s *Source) Records(ctx context.Context) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		if _, ok := s.client.Channel(s.query.ChannelID); !ok {
			yield(domain.Record{}, &errors.NoSuchTestError{
				Source:    s.client.Addr(),
				TestID:    s.query.TestID,
				ChannelID: s.query.ChannelID,
			})
			return
		}

		chunk := s.client.ChunkSize()
		pos := 1
		prevStep := int64(-1)
		for {
			rows, err := s.client.Download(ctx, s.query.ChannelID, s.query.TestID, pos, chunk)
			if err != nil {
				yield(domain.Record{}, err)
				return
			}
			if pos == 1 && len(rows) == 0 {
				yield(domain.Record{}, &errors.NoSuchTestError{
					Source:    s.client.Addr(),
					TestID:    s.query.TestID,
					ChannelID: s.query.ChannelID,
				})
				return
			}

			for i, row := range rows {
				rec, err := s.record(row, uint64(pos+i))
				if err != nil {
					yield(domain.Record{}, fmt.Errorf("channel %s row %d: %w", s.query.ChannelID, pos+i, err))
					return
				}
				if rec.Kind != domain.RecordKindEndMarker {
					if prevStep >= 0 && int64(rec.ProgramStep) != prevStep {
						rec.Kind = domain.RecordKindStepTransition
					}
					prevStep = int64(rec.ProgramStep)
				}
				if !s.query.Contains(rec.Timestamp) {
					continue
				}
				if !yield(rec, nil) {
					return
				}
			}

			s.logger.DebugContext(ctx, "chunk downloaded",
				slog.Int("startpos", pos),
				slog.Int("rows", len(rows)),
			)
			if len(rows) < chunk {
				return
			}
			pos += len(rows)
		}
	}
}

// record maps a download row to a Record. pos is the row's 1-based
// position, used as the index when the row carries no sequence number.
func (s *Source) record(row Row, pos uint64) (domain.Record, error) {
	rec := domain.Record{
		Kind:      domain.RecordKindSample,
		Index:     pos,
		ChannelID: s.query.ChannelID,
		TestID:    s.query.TestID,
	}

	if v, ok := row.Int(attrSeq); ok {
		rec.Index = uint64(v)
	}
	if v, ok := row.Int(attrTestID); ok {
		rec.TestID = uint64(v)
	}
	if v, ok := row.Int(attrCycle); ok {
		rec.Cycle = uint32(v)
	}
	if v, ok := row.Int(attrStep); ok {
		rec.ProgramStep = uint32(v)
	}

	mode, err := rowMode(row)
	if err != nil {
		return rec, err
	}
	rec.Mode = mode
	if v, ok := row.Int(attrEnd); ok && v != 0 {
		rec.Kind = domain.RecordKindEndMarker
	}

	rec.TestTime = seconds(row, attrTestTime)
	rec.StepTime = seconds(row, attrStepTime)
	rec.Voltage, _ = row.Float(attrVoltage)
	rec.Current, _ = row.Float(attrCurrent)
	rec.Capacity, _ = row.Float(attrCapacity)
	rec.Energy, _ = row.Float(attrEnergy)
	if t, ok := row.Float(attrTemp); ok {
		rec.Temperature = &t
	}

	if ts, ok := row.String(attrAbsTime); ok {
		parsed, err := time.ParseInLocation(absTimeLayout, ts, s.location)
		if err != nil {
			return rec, fmt.Errorf("bad %s %q: %w", attrAbsTime, ts, err)
		}
		rec.Timestamp = parsed.UTC()
	}
	return rec, nil
}

// rowMode reads the step type, sent either as a mode code or a vendor name
func rowMode(row Row) (domain.StepMode, error) {
	switch v := row[attrStepType].(type) {
	case nil:
		return domain.StepModeUnknown, nil
	case int64:
		return domain.StepMode(v), nil
	case string:
		return domain.ParseStepMode(strings.ReplaceAll(v, " ", "_"))
	default:
		return domain.StepModeUnknown, fmt.Errorf("bad %s %v", attrStepType, v)
	}
}

func seconds(row Row, key string) time.Duration {
	v, ok := row.Float(key)
	if !ok {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
