package synth

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cyclerdata/internal/container"
	"cyclerdata/pkg/contracts/domain"
)

func TestChargeRest(t *testing.T) {
	recs := ChargeRest(100, 7, "3", FixtureStart)
	require.Len(t, recs, 100)

	assert.Equal(t, domain.StepModeCCCharge, recs[59].Mode)
	assert.Equal(t, domain.StepModeRest, recs[60].Mode)
	assert.Equal(t, domain.RecordKindStepTransition, recs[60].Kind)
	assert.Equal(t, recs[59].Capacity, recs[99].Capacity, "rest holds capacity")
	for i, r := range recs {
		assert.Equal(t, uint64(i+1), r.Index)
	}
}

func TestCycles(t *testing.T) {
	recs := Cycles(2, 5, 1, "1", FixtureStart)
	require.Len(t, recs, 2*4*5+1)

	last := recs[len(recs)-1]
	assert.Equal(t, domain.RecordKindEndMarker, last.Kind)
	assert.Equal(t, uint64(41), last.Index)
	assert.Equal(t, 40*time.Second, last.TestTime)

	for i := 1; i < len(recs)-1; i++ {
		if recs[i].Mode == recs[i-1].Mode && recs[i].Mode.IsAccumulating() {
			assert.GreaterOrEqual(t, recs[i].Capacity, recs[i-1].Capacity)
			assert.GreaterOrEqual(t, recs[i].Energy, recs[i-1].Energy)
		}
	}
}

func TestArchiveWrite(t *testing.T) {
	for _, kind := range []container.Kind{container.KindRaw, container.KindZip} {
		t.Run(string(kind), func(t *testing.T) {
			a := ChargeRestArchive(kind, 10, 1, 4)
			a.Steps = []container.ProgramStep{
				{Index: 1, Mode: domain.StepModeCCCharge},
				{Index: 2, Mode: domain.StepModeRest},
			}
			data, err := a.Bytes()
			require.NoError(t, err)

			arc, err := container.Read(bytes.NewReader(data), int64(len(data)), "synthetic")
			require.NoError(t, err)
			assert.Equal(t, kind, arc.Kind)
			assert.Equal(t, []int{1, 4}, arc.Channels())

			desc, err := arc.Descriptor()
			require.NoError(t, err)
			assert.Equal(t, 2, desc.FormatVersion())
			assert.Equal(t, "CELL-0001", desc.Barcode)
			assert.True(t, FixtureStart.Equal(desc.StartTime()))
			ch, ok := desc.Channel(4)
			require.True(t, ok)
			assert.Equal(t, DefaultModel, ch.Model)

			steps, err := arc.Steps()
			require.NoError(t, err)
			require.Len(t, steps, 2)
			assert.Equal(t, domain.StepModeRest, steps[1].Mode)

			payload, ok := arc.Payload(container.ChannelPayload(1))
			require.True(t, ok)
			assert.Len(t, payload, 10*56)
		})
	}
}

func TestArchiveWrite_V1AndTail(t *testing.T) {
	a := ChargeRestArchive(container.KindRaw, 5, 2)
	a.Version = 1
	a.Channels[0].Tail = []byte{0x55, 0x01, 0x02}

	entries, err := a.Entries(nil)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, container.PayloadDescriptor, entries[0].Name)
	assert.Len(t, entries[1].Data, 5*40+3)
}

func TestArchiveWrite_UnknownModel(t *testing.T) {
	a := ChargeRestArchive(container.KindRaw, 5, 1)
	a.Channels[0].Model = "NOPE"
	_, err := a.Bytes()
	assert.Error(t, err)
}
