package assembler

import (
	"context"
	stderrors "errors"
	"io"
	"iter"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclerdata/internal/errors"
	"cyclerdata/internal/shared/testutil"
	"cyclerdata/pkg/contracts/domain"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// builder produces a channel's records with consecutive indices
type builder struct {
	testID uint64
	next   uint64
	recs   []domain.Record
	cap    float64
}

func newBuilder(testID uint64) *builder {
	return &builder{testID: testID, next: 1}
}

func (b *builder) step(mode domain.StepMode, n int, capStep float64) *builder {
	for i := 0; i < n; i++ {
		kind := domain.RecordKindSample
		if i == 0 {
			kind = domain.RecordKindStepTransition
		}
		if mode.IsAccumulating() && i > 0 {
			b.cap += capStep
		}
		b.recs = append(b.recs, domain.Record{
			Kind:      kind,
			Index:     b.next,
			TestID:    b.testID,
			ChannelID: "1",
			Mode:      mode,
			StepTime:  time.Duration(i) * time.Second,
			TestTime:  time.Duration(b.next-1) * time.Second,
			Timestamp: t0.Add(time.Duration(b.next-1) * time.Second),
			Voltage:   3.7,
			Current:   1,
			Capacity:  b.cap,
			Energy:    b.cap * 3.7,
		})
		b.next++
	}
	return b
}

func (b *builder) end() *builder {
	b.recs = append(b.recs, domain.Record{
		Kind:      domain.RecordKindEndMarker,
		Index:     b.next,
		TestID:    b.testID,
		ChannelID: "1",
		Mode:      domain.StepModeEnd,
		Timestamp: t0.Add(time.Duration(b.next-1) * time.Second),
	})
	b.next++
	return b
}

func (b *builder) source() iter.Seq2[domain.Record, error] {
	return domain.SliceSource(b.recs).Records(context.Background())
}

func TestAssemble_ChargeThenRest(t *testing.T) {
	b := newBuilder(42).
		step(domain.StepModeCCCharge, 60, 0.01).
		step(domain.StepModeRest, 40, 0)

	logger, logs := testutil.NewTestLogger(t)
	runs, err := New(0, logger).Assemble(context.Background(), b.source())
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.Equal(t, uint64(42), run.TestID)
	assert.Equal(t, "1", run.ChannelID)
	assert.Equal(t, t0, run.StartTime)
	assert.False(t, run.Ended)
	require.Len(t, run.Steps, 2)

	charge, rest := run.Steps[0], run.Steps[1]
	assert.Equal(t, 1, charge.Index)
	assert.Equal(t, domain.StepModeCCCharge, charge.Mode)
	assert.Equal(t, 60, charge.Len())
	assert.Equal(t, uint64(1), charge.StartIndex)
	assert.Equal(t, uint64(60), charge.EndIndex)

	assert.Equal(t, 2, rest.Index)
	assert.Equal(t, domain.StepModeRest, rest.Mode)
	assert.Equal(t, 40, rest.Len())
	assert.Equal(t, uint64(61), rest.StartIndex)
	assert.Equal(t, uint64(100), rest.EndIndex)
	assert.InDelta(t, charge.Samples[59].Capacity, rest.EntryCapacity, 1e-12)

	assert.Empty(t, run.Warnings())
	assert.Equal(t, 100, run.RecordCount())
	assert.Empty(t, logs.GetRecordsByLevel(slog.LevelWarn))
}

func TestAssemble_TransitionRecordOpensStep(t *testing.T) {
	// Two consecutive CC charge steps in the program: same mode, split by a transition
	b := newBuilder(1).
		step(domain.StepModeCCCharge, 5, 0.1).
		step(domain.StepModeCCCharge, 5, 0.1)

	runs, err := New(0, nil).Assemble(context.Background(), b.source())
	require.NoError(t, err)
	require.Len(t, runs[0].Steps, 2)
	assert.Equal(t, uint64(6), runs[0].Steps[1].StartIndex)
	assert.Equal(t, uint64(6), runs[0].Steps[1].Samples[0].Index)
}

func TestAssemble_ModeChangeWithoutTransition(t *testing.T) {
	b := newBuilder(1).step(domain.StepModeCCCharge, 5, 0.1)
	b.recs = append(b.recs, domain.Record{
		Kind: domain.RecordKindSample, Index: 6, TestID: 1, ChannelID: "1", Mode: domain.StepModeRest,
	})

	runs, err := New(0, nil).Assemble(context.Background(), b.source())
	require.NoError(t, err)
	require.Len(t, runs[0].Steps, 2)
	assert.Equal(t, domain.StepModeRest, runs[0].Steps[1].Mode)
	assert.Equal(t, 1, runs[0].Steps[1].Len())
}

func TestAssemble_SequenceGaps(t *testing.T) {
	tests := []struct {
		name      string
		tolerance uint64
		indices   []uint64
		wantKind  domain.WarningKind
		wantFatal bool
		wantGap   uint64
	}{
		{name: "gap within tolerance", tolerance: 2, indices: []uint64{1, 2, 5, 6}, wantKind: domain.WarningSequenceGap},
		{name: "gap at tolerance", tolerance: 3, indices: []uint64{1, 5}, wantKind: domain.WarningSequenceGap},
		{name: "gap beyond tolerance", tolerance: 2, indices: []uint64{1, 2, 6}, wantFatal: true, wantGap: 3},
		{name: "repeat within tolerance", tolerance: 1, indices: []uint64{1, 2, 2, 3}, wantKind: domain.WarningSequenceRegression},
		{name: "repeat with zero tolerance", tolerance: 0, indices: []uint64{1, 2, 2}, wantFatal: true, wantGap: 1},
		{name: "large regression", tolerance: 5, indices: []uint64{10, 11, 3}, wantFatal: true, wantGap: 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var recs []domain.Record
			for _, idx := range tt.indices {
				recs = append(recs, domain.Record{
					Kind: domain.RecordKindSample, Index: idx, TestID: 5, ChannelID: "2", Mode: domain.StepModeRest,
				})
			}

			runs, err := New(tt.tolerance, nil).Assemble(context.Background(), domain.SliceSource(recs).Records(context.Background()))

			if tt.wantFatal {
				require.Error(t, err)
				var ge *errors.SequenceGapError
				require.True(t, stderrors.As(err, &ge))
				assert.Equal(t, tt.wantGap, ge.Gap)
				assert.Equal(t, tt.tolerance, ge.Tolerance)
				assert.Equal(t, "2", ge.ChannelID)
				assert.Equal(t, uint64(5), ge.TestID)
				assert.Empty(t, runs)
				return
			}

			require.NoError(t, err)
			require.Len(t, runs, 1)
			warnings := runs[0].Warnings()
			require.Len(t, warnings, 1)
			assert.Equal(t, tt.wantKind, warnings[0].Kind)
			assert.Equal(t, 1, warnings[0].StepIndex)
			assert.Equal(t, "2", warnings[0].ChannelID)
			// Gaps are reported, never dropped
			assert.Equal(t, len(tt.indices), runs[0].RecordCount())
		})
	}
}

func TestAssemble_GapFailureKeepsCompletedRuns(t *testing.T) {
	b := newBuilder(1).step(domain.StepModeCCCharge, 10, 0.1).end()
	b.testID = 2
	b.step(domain.StepModeRest, 3, 0)
	b.next += 50
	b.step(domain.StepModeRest, 3, 0)

	runs, err := New(5, nil).Assemble(context.Background(), b.source())
	require.Error(t, err)

	var ge *errors.SequenceGapError
	require.True(t, stderrors.As(err, &ge))
	assert.Equal(t, uint64(2), ge.TestID)

	require.Len(t, runs, 1)
	assert.Equal(t, uint64(1), runs[0].TestID)
	assert.True(t, runs[0].Ended)
}

func TestAssemble_CapacityDecrease(t *testing.T) {
	b := newBuilder(7).
		step(domain.StepModeCCCharge, 20, 0.01).
		step(domain.StepModeRest, 10, 0).
		step(domain.StepModeCCDischarge, 20, 0.01)

	// Inject a capacity drop at record 11 of the charge step
	b.recs[10].Capacity = b.recs[9].Capacity - 0.005

	logger, logs := testutil.NewTestLogger(t)
	runs, err := New(0, logger).Assemble(context.Background(), b.source())
	require.NoError(t, err)
	require.Len(t, runs, 1)

	steps := runs[0].Steps
	require.Len(t, steps, 3)

	require.Len(t, steps[0].Warnings, 1)
	w := steps[0].Warnings[0]
	assert.Equal(t, domain.WarningCapacityDecrease, w.Kind)
	assert.Equal(t, uint64(11), w.RecordIndex)
	assert.Equal(t, 1, w.StepIndex)
	assert.Equal(t, uint64(7), w.TestID)
	assert.Greater(t, w.Previous, w.Current)

	// Later steps are assembled untouched
	assert.Equal(t, 10, steps[1].Len())
	assert.Empty(t, steps[1].Warnings)
	assert.Equal(t, 20, steps[2].Len())
	assert.Empty(t, steps[2].Warnings)

	testutil.AssertLogContains(t, logs, slog.LevelWarn, "step integrity warning")
	testutil.AssertLogAttr(t, logs, "kind", string(domain.WarningCapacityDecrease))
}

func TestAssemble_RestIgnoresCapacityDecrease(t *testing.T) {
	b := newBuilder(7).step(domain.StepModeRest, 5, 0)
	b.recs[3].Capacity = -1

	runs, err := New(0, nil).Assemble(context.Background(), b.source())
	require.NoError(t, err)
	assert.Empty(t, runs[0].Warnings())
}

func TestAssemble_PartitionsByTestID(t *testing.T) {
	b := newBuilder(100).step(domain.StepModeCCCharge, 5, 0.1)
	b.testID = 101
	b.step(domain.StepModeCCDischarge, 7, 0.1)

	runs, err := New(0, nil).Assemble(context.Background(), b.source())
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, uint64(100), runs[0].TestID)
	assert.Equal(t, 5, runs[0].RecordCount())
	assert.Equal(t, uint64(101), runs[1].TestID)
	assert.Equal(t, 7, runs[1].RecordCount())
	assert.Equal(t, 1, runs[1].Steps[0].Index)
	assert.Equal(t, uint64(6), runs[1].Steps[0].StartIndex)
	assert.Empty(t, runs[1].Warnings())
}

func TestAssemble_IndicesSpanTheChannel(t *testing.T) {
	// test 1 at 1..5, test 2 restarting at 1..5, an end marker at 6, then
	// test 2 again at index 2
	records := func() []domain.Record {
		b := newBuilder(1).step(domain.StepModeCCCharge, 5, 0.1)
		b.testID, b.next = 2, 1
		b.step(domain.StepModeRest, 5, 0).end()
		b.next = 2
		b.step(domain.StepModeRest, 1, 0)
		return b.recs
	}

	t.Run("restart beyond tolerance is fatal", func(t *testing.T) {
		runs, err := New(0, nil).Assemble(context.Background(), domain.SliceSource(records()).Records(context.Background()))
		require.Error(t, err)

		var ge *errors.SequenceGapError
		require.True(t, stderrors.As(err, &ge))
		assert.Equal(t, uint64(2), ge.TestID)
		assert.Equal(t, uint64(5), ge.Previous)
		assert.Equal(t, uint64(1), ge.Next)
		assert.Equal(t, uint64(5), ge.Gap)

		require.Len(t, runs, 1)
		assert.Equal(t, uint64(1), runs[0].TestID)
	})

	t.Run("restart within tolerance is flagged", func(t *testing.T) {
		runs, err := New(10, nil).Assemble(context.Background(), domain.SliceSource(records()).Records(context.Background()))
		require.NoError(t, err)
		require.Len(t, runs, 2, "one run per test id")
		assert.Empty(t, runs[0].Warnings())

		run := runs[1]
		assert.Equal(t, uint64(2), run.TestID)
		assert.False(t, run.Ended, "records resumed after the end marker")
		require.Len(t, run.Steps, 2)
		assert.Equal(t, 6, run.RecordCount())

		var kinds []domain.WarningKind
		for _, w := range run.Warnings() {
			kinds = append(kinds, w.Kind)
		}
		assert.Equal(t, []domain.WarningKind{
			domain.WarningSequenceRegression,
			domain.WarningRunReopened,
			domain.WarningSequenceRegression,
		}, kinds)
	})
}

func TestAssemble_RepeatedTestIDResumesRun(t *testing.T) {
	b := newBuilder(1).step(domain.StepModeCCCharge, 3, 0.1)
	b.testID = 2
	b.step(domain.StepModeRest, 3, 0)
	b.testID = 1
	b.step(domain.StepModeCCDischarge, 2, 0.1)

	logger, logs := testutil.NewTestLogger(t)
	runs, err := New(0, logger).Assemble(context.Background(), b.source())
	require.NoError(t, err)
	require.Len(t, runs, 2)

	first := runs[0]
	assert.Equal(t, uint64(1), first.TestID)
	assert.Equal(t, 5, first.RecordCount())
	require.Len(t, first.Steps, 2)
	assert.Equal(t, 2, first.Steps[1].Index)
	assert.Equal(t, uint64(7), first.Steps[1].StartIndex)

	warnings := first.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, domain.WarningRunReopened, warnings[0].Kind)
	assert.Equal(t, uint64(7), warnings[0].RecordIndex)
	assert.Equal(t, 2, warnings[0].StepIndex)
	testutil.AssertLogAttr(t, logs, "kind", string(domain.WarningRunReopened))
}

func TestAssemble_EndMarker(t *testing.T) {
	b := newBuilder(3).step(domain.StepModeCCCharge, 4, 0.1).end()

	runs, err := New(0, nil).Assemble(context.Background(), b.source())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Ended)
	assert.Equal(t, 4, runs[0].RecordCount(), "end marker is not a sample")

	// Records after the marker continue the same run
	b.step(domain.StepModeRest, 2, 0)
	runs, err = New(0, nil).Assemble(context.Background(), b.source())
	require.NoError(t, err)
	require.Len(t, runs, 1)

	run := runs[0]
	assert.False(t, run.Ended)
	assert.Equal(t, 6, run.RecordCount())
	require.Len(t, run.Steps, 2)
	assert.Equal(t, uint64(6), run.Steps[1].StartIndex)
	require.Len(t, run.Warnings(), 1)
	assert.Equal(t, domain.WarningRunReopened, run.Warnings()[0].Kind)
}

func TestAssemble_RegressionKeepsEndIndex(t *testing.T) {
	var recs []domain.Record
	for _, idx := range []uint64{1, 2, 3, 2} {
		recs = append(recs, domain.Record{
			Kind: domain.RecordKindSample, Index: idx, TestID: 5, ChannelID: "2", Mode: domain.StepModeRest,
		})
	}

	runs, err := New(2, nil).Assemble(context.Background(), domain.SliceSource(recs).Records(context.Background()))
	require.NoError(t, err)
	step := runs[0].Steps[0]
	assert.Equal(t, uint64(1), step.StartIndex)
	assert.Equal(t, uint64(3), step.EndIndex)
	assert.Equal(t, 4, step.Len())
}

func TestAssemble_SourceError(t *testing.T) {
	b := newBuilder(1).step(domain.StepModeCCCharge, 3, 0.1).end().step(domain.StepModeRest, 3, 0)

	failing := func(yield func(domain.Record, error) bool) {
		for _, r := range b.recs[:6] {
			if !yield(r, nil) {
				return
			}
		}
		yield(domain.Record{}, &errors.SourceUnavailableError{Source: "bts", Cause: io.ErrUnexpectedEOF})
	}

	runs, err := New(0, nil).Assemble(context.Background(), failing)
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "channel 1")
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Ended)
}

func TestAssemble_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := newBuilder(1).step(domain.StepModeCCCharge, 3, 0.1)
	runs, err := New(0, nil).Assemble(ctx, b.source())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, runs)
}

func TestAssemble_MetaIsStamped(t *testing.T) {
	start := t0.Add(-time.Minute)
	a := New(0, nil)
	a.Meta = RunMeta{Program: "formation.xml", Barcode: "CELL-9", StartTime: start}

	b := newBuilder(1).step(domain.StepModeRest, 2, 0).end()
	b.testID = 2
	b.step(domain.StepModeRest, 2, 0)
	runs, err := a.Assemble(context.Background(), b.source())
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, start, runs[0].StartTime)
	assert.Equal(t, "formation.xml", runs[0].Program)
	assert.Equal(t, "CELL-9", runs[1].Barcode)
	assert.Equal(t, runs[1].Steps[0].Samples[0].Timestamp.Add(-runs[1].Steps[0].Samples[0].TestTime), runs[1].StartTime)
}

func TestAssemble_EmptyStream(t *testing.T) {
	runs, err := New(0, nil).Assemble(context.Background(), domain.SliceSource(nil).Records(context.Background()))
	require.NoError(t, err)
	assert.Empty(t, runs)
}
