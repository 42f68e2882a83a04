package assembler

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"time"

	"cyclerdata/internal/errors"
	"cyclerdata/pkg/contracts/domain"
)

// RunMeta is descriptor metadata stamped onto every assembled TestRun
type RunMeta struct {
	Program   string
	Barcode   string
	StartTime time.Time // used for the first run when set
}

// Assembler groups one channel's converted records into test runs and
// steps, validating ordering and monotonic invariants on the way.
type Assembler struct {
	// GapTolerance is the largest number of missing (or repeated) record
	// indices reported as a warning. Anything larger is fatal.
	GapTolerance uint64

	Meta   RunMeta
	Logger *slog.Logger
}

// New creates an assembler with the given gap tolerance
func New(gapTolerance uint64, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		GapTolerance: gapTolerance,
		Logger:       logger.With(slog.String("component", "assembler")),
	}
}

// Assemble consumes seq, which must hold the records of a single channel,
// and returns its test runs in stream order.
//
// Each test id observed yields exactly one TestRun. A run closes when the
// test id changes or on an end marker; records of a test id seen earlier
// resume its run and are flagged with a run_reopened warning.
// A new Step starts on a step-transition record or when the mode changes;
// the transition record is the first sample of the new step.
//
// Record indices are checked across the whole channel, test boundaries
// included, so an index restart counts as a regression.
//
// On a fatal sequence gap, a source error or cancellation, the runs as of
// their last close are returned together with the error.
func (a *Assembler) Assemble(ctx context.Context, seq iter.Seq2[domain.Record, error]) ([]domain.TestRun, error) {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	st := &state{asm: a, logger: logger, pos: make(map[uint64]int)}

	for rec, err := range seq {
		if err != nil {
			return st.done, st.wrap(err)
		}
		if err := ctx.Err(); err != nil {
			return st.done, st.wrap(err)
		}
		if err := st.add(rec); err != nil {
			return st.done, err
		}
	}

	st.closeRun(false)
	logger.Debug("channel assembled",
		slog.String("channel_id", st.channel),
		slog.Int("runs", len(st.done)),
		slog.Int("records", st.records),
	)
	return st.done, nil
}

// state is the per-call assembly state for one channel
type state struct {
	asm    *Assembler
	logger *slog.Logger

	channel string
	records int
	done    []domain.TestRun
	run     *domain.TestRun
	pos     map[uint64]int // test id -> index in done
	runPos  int            // index in done of a resumed run, -1 for a new one
	resumed bool
	step    *domain.Step

	// prev spans the whole channel
	prev     uint64
	havePrev bool
}

func (s *state) wrap(err error) error {
	if s.run != nil {
		return fmt.Errorf("channel %s test %d after record %d: %w", s.channel, s.run.TestID, s.prev, err)
	}
	return fmt.Errorf("channel %s: %w", s.channel, err)
}

func (s *state) add(rec domain.Record) error {
	if s.channel == "" {
		s.channel = rec.ChannelID
	}
	s.records++

	if s.run != nil && rec.TestID != s.run.TestID {
		s.closeRun(false)
	}
	if s.run == nil {
		s.openRun(rec)
	}

	warning, err := s.checkSequence(rec)
	if err != nil {
		return err
	}

	if rec.Kind == domain.RecordKindEndMarker {
		if warning != nil && s.step != nil {
			s.attach(s.step, *warning)
		}
		s.resumed = false
		s.closeRun(true)
		return nil
	}

	if s.step == nil || rec.Kind == domain.RecordKindStepTransition || rec.Mode != s.step.Mode {
		s.closeStep()
		s.openStep(rec)
	}

	if s.resumed {
		s.resumed = false
		s.attach(s.step, domain.StepIntegrityWarning{
			Kind:        domain.WarningRunReopened,
			RecordIndex: rec.Index,
			Message:     fmt.Sprintf("test %d resumed at record %d after its run was closed", rec.TestID, rec.Index),
		})
	}
	if warning != nil {
		s.attach(s.step, *warning)
	}

	s.step.Samples = append(s.step.Samples, rec.Sample())
	s.step.EndIndex = max(s.step.EndIndex, rec.Index)
	return nil
}

// checkSequence compares rec's index with its predecessor on the channel.
// A skip or regression within tolerance is returned as a warning.
func (s *state) checkSequence(rec domain.Record) (*domain.StepIntegrityWarning, error) {
	defer func() {
		s.prev = rec.Index
		s.havePrev = true
	}()

	if !s.havePrev {
		return nil, nil
	}

	var (
		size uint64
		kind domain.WarningKind
	)
	switch {
	case rec.Index == s.prev+1:
		return nil, nil
	case rec.Index > s.prev:
		size = rec.Index - s.prev - 1
		kind = domain.WarningSequenceGap
	default:
		size = s.prev - rec.Index + 1
		kind = domain.WarningSequenceRegression
	}

	if size > s.asm.GapTolerance {
		return nil, &errors.SequenceGapError{
			TestID:    rec.TestID,
			ChannelID: rec.ChannelID,
			Previous:  s.prev,
			Next:      rec.Index,
			Gap:       size,
			Tolerance: s.asm.GapTolerance,
		}
	}

	msg := fmt.Sprintf("%d record(s) missing between %d and %d", size, s.prev, rec.Index)
	if kind == domain.WarningSequenceRegression {
		msg = fmt.Sprintf("index went from %d back to %d", s.prev, rec.Index)
	}
	return &domain.StepIntegrityWarning{
		Kind:        kind,
		TestID:      rec.TestID,
		ChannelID:   rec.ChannelID,
		RecordIndex: rec.Index,
		Previous:    float64(s.prev),
		Current:     float64(rec.Index),
		Message:     msg,
	}, nil
}

func (s *state) openRun(rec domain.Record) {
	if i, ok := s.pos[rec.TestID]; ok {
		run := s.done[i]
		run.Steps = slices.Clone(run.Steps)
		run.Ended = false
		s.run, s.runPos, s.resumed = &run, i, true
		return
	}

	start := rec.Timestamp.Add(-rec.TestTime)
	if len(s.done) == 0 && !s.asm.Meta.StartTime.IsZero() {
		start = s.asm.Meta.StartTime
	}
	s.run = &domain.TestRun{
		TestID:    rec.TestID,
		ChannelID: rec.ChannelID,
		StartTime: start,
		Program:   s.asm.Meta.Program,
		Barcode:   s.asm.Meta.Barcode,
	}
	s.runPos = -1
}

func (s *state) closeRun(ended bool) {
	if s.run == nil {
		return
	}
	s.closeStep()
	s.run.Ended = ended
	if s.runPos >= 0 {
		s.done[s.runPos] = *s.run
	} else {
		s.pos[s.run.TestID] = len(s.done)
		s.done = append(s.done, *s.run)
	}
	s.run = nil
}

func (s *state) openStep(rec domain.Record) {
	s.step = &domain.Step{
		Index:         len(s.run.Steps) + 1,
		Mode:          rec.Mode,
		ProgramStep:   rec.ProgramStep,
		Cycle:         rec.Cycle,
		StartIndex:    rec.Index,
		EndIndex:      rec.Index,
		EntryCapacity: rec.Capacity,
		EntryEnergy:   rec.Energy,
	}
}

// closeStep validates the open step and appends it to the run
func (s *state) closeStep() {
	if s.step == nil {
		return
	}
	s.validateStep(s.step)
	s.run.Steps = append(s.run.Steps, *s.step)
	s.step = nil
}

// validateStep checks that capacity and energy never fall inside an
// accumulating step
func (s *state) validateStep(step *domain.Step) {
	if !step.Mode.IsAccumulating() {
		return
	}
	for i := 1; i < len(step.Samples); i++ {
		prev, cur := step.Samples[i-1], step.Samples[i]
		if cur.Capacity < prev.Capacity {
			s.attach(step, domain.StepIntegrityWarning{
				Kind:        domain.WarningCapacityDecrease,
				RecordIndex: cur.Index,
				Previous:    prev.Capacity,
				Current:     cur.Capacity,
				Message:     fmt.Sprintf("capacity fell from %g to %g Ah", prev.Capacity, cur.Capacity),
			})
		}
		if cur.Energy < prev.Energy {
			s.attach(step, domain.StepIntegrityWarning{
				Kind:        domain.WarningEnergyDecrease,
				RecordIndex: cur.Index,
				Previous:    prev.Energy,
				Current:     cur.Energy,
				Message:     fmt.Sprintf("energy fell from %g to %g Wh", prev.Energy, cur.Energy),
			})
		}
	}
}

func (s *state) attach(step *domain.Step, w domain.StepIntegrityWarning) {
	w.TestID = s.run.TestID
	w.ChannelID = s.run.ChannelID
	w.StepIndex = step.Index
	step.Warnings = append(step.Warnings, w)

	s.logger.Warn("step integrity warning",
		slog.String("kind", string(w.Kind)),
		slog.Uint64("test_id", w.TestID),
		slog.String("channel_id", w.ChannelID),
		slog.Int("step", w.StepIndex),
		slog.Uint64("record_index", w.RecordIndex),
		slog.String("detail", w.Message),
	)
}
