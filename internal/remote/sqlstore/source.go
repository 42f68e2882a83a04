package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"cyclerdata/pkg/contracts/domain"
)

// Source streams one stored test as converted records
type Source struct {
	store *Store
	query domain.Query
}

// Source returns a RecordSource for q
func (s *Store) Source(q domain.Query) *Source {
	return &Source{store: s, query: q}
}

// Records implements domain.RecordSource. Every call checks the store is
// reachable, resolves the test and runs the query again.
func (src *Source) Records(ctx context.Context) iter.Seq2[domain.Record, error] {
	return func(yield func(domain.Record, error) bool) {
		s, q := src.store, src.query

		if err := s.Ping(ctx); err != nil {
			yield(domain.Record{}, err)
			return
		}
		if _, err := s.Test(ctx, q.TestID, q.ChannelID); err != nil {
			yield(domain.Record{}, err)
			return
		}

		query, args := src.selectRecords()
		rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
		if err != nil {
			yield(domain.Record{}, s.classify(ctx, err))
			return
		}
		defer rows.Close()

		n := 0
		for rows.Next() {
			rec, err := scanRecord(rows, q)
			if err != nil {
				yield(domain.Record{}, fmt.Errorf("channel %s test %d after %d records: %w", q.ChannelID, q.TestID, n, err))
				return
			}
			n++
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Record{}, s.classify(ctx, err))
			return
		}

		s.logger.DebugContext(ctx, "records streamed",
			slog.Uint64("test_id", q.TestID),
			slog.String("channel_id", q.ChannelID),
			slog.Int("records", n),
		)
	}
}

func (src *Source) selectRecords() (string, []any) {
	q := src.query
	var b strings.Builder
	b.WriteString(`SELECT seq, kind, cycle, program_step, mode, step_time_us, test_time_us, recorded_at_us,
		voltage_v, current_a, temperature_c, capacity_ah, energy_wh
		FROM records WHERE test_id = ? AND channel_id = ?`)
	args := []any{q.TestID, q.ChannelID}
	if !q.From.IsZero() {
		b.WriteString(" AND recorded_at_us >= ?")
		args = append(args, q.From.UnixMicro())
	}
	if !q.To.IsZero() {
		b.WriteString(" AND recorded_at_us <= ?")
		args = append(args, q.To.UnixMicro())
	}
	b.WriteString(" ORDER BY seq")
	return b.String(), args
}

func scanRecord(rows *sql.Rows, q domain.Query) (domain.Record, error) {
	var (
		rec                        domain.Record
		seq, kind, cycle, step     int64
		mode, stepUS, testUS, atUS int64
		temp                       sql.NullFloat64
	)
	if err := rows.Scan(&seq, &kind, &cycle, &step, &mode, &stepUS, &testUS, &atUS,
		&rec.Voltage, &rec.Current, &temp, &rec.Capacity, &rec.Energy); err != nil {
		return rec, fmt.Errorf("scan record: %w", err)
	}

	rec.Kind = domain.RecordKind(kind)
	switch rec.Kind {
	case domain.RecordKindSample, domain.RecordKindStepTransition, domain.RecordKindEndMarker:
	default:
		return rec, fmt.Errorf("record %d has unknown kind %d", seq, kind)
	}

	rec.Index = uint64(seq)
	rec.TestID = q.TestID
	rec.ChannelID = q.ChannelID
	rec.Cycle = uint32(cycle)
	rec.ProgramStep = uint32(step)
	rec.Mode = domain.StepMode(mode)
	rec.StepTime = time.Duration(stepUS) * time.Microsecond
	rec.TestTime = time.Duration(testUS) * time.Microsecond
	rec.Timestamp = fromMicros(atUS)
	if temp.Valid {
		t := temp.Float64
		rec.Temperature = &t
	}
	return rec, nil
}
