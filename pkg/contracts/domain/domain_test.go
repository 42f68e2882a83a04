package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStepMode(t *testing.T) {
	tests := []struct {
		name    string
		want    StepMode
		wantErr bool
	}{
		{"CC_Chg", StepModeCCCharge, false},
		{" cc_dchg ", StepModeCCDischarge, false},
		{"Rest", StepModeRest, false},
		{"End", StepModeEnd, false},
		{"Pulse", StepModeUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStepMode(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStepMode_IsAccumulating(t *testing.T) {
	assert.True(t, StepModeCCCharge.IsAccumulating())
	assert.True(t, StepModeCPDischarge.IsAccumulating())
	assert.False(t, StepModeRest.IsAccumulating())
	assert.False(t, StepModeEnd.IsAccumulating())
	assert.Equal(t, "CC_Chg", StepModeCCCharge.String())
}

func TestQuery_Contains(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	q := Query{From: base, To: base.Add(time.Minute)}

	assert.True(t, q.Contains(base))
	assert.True(t, q.Contains(base.Add(time.Minute)))
	assert.False(t, q.Contains(base.Add(-time.Second)))
	assert.False(t, q.Contains(base.Add(2*time.Minute)))
	assert.True(t, Query{}.Contains(time.Time{}), "an open range contains everything")
}

func TestParseChannelAddress(t *testing.T) {
	a, err := ParseChannelAddress("13-5-2")
	require.NoError(t, err)
	assert.Equal(t, ChannelAddress{DeviceID: 13, SubDeviceID: 5, Channel: 2}, a)
	assert.Equal(t, "13-5-2", a.String())

	for _, bad := range []string{"", "1-2", "1-x-3", "1--1-3"} {
		_, err := ParseChannelAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestTestRun_Summary(t *testing.T) {
	run := TestRun{
		TestID:    4,
		ChannelID: "1",
		Ended:     true,
		Steps: []Step{
			{Samples: make([]Sample, 3), Warnings: []StepIntegrityWarning{{Kind: "sequence_gap"}}},
			{Samples: make([]Sample, 2)},
		},
	}

	s := run.Summary()
	assert.Equal(t, 2, s.Steps)
	assert.Equal(t, 5, s.Records)
	assert.Equal(t, 1, s.Warnings)
	assert.True(t, s.Ended)
}

func TestSliceSource(t *testing.T) {
	src := SliceSource{{Index: 1}, {Index: 2}}

	var idx []uint64
	for rec, err := range src.Records(context.Background()) {
		require.NoError(t, err)
		idx = append(idx, rec.Index)
	}
	assert.Equal(t, []uint64{1, 2}, idx)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for _, err := range src.Records(ctx) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}
