// Package synth generates synthetic cycler tests and writes them as
// archives. It backs the cyclergen command and the package tests that need
// a realistic archive on disk.
package synth

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"time"

	"cyclerdata/internal/container"
	"cyclerdata/internal/decoder"
	"cyclerdata/internal/units"
	"cyclerdata/pkg/contracts/domain"
)

// DefaultModel is a model present in the built-in scale table
const DefaultModel = "BTS4000-5V6A"

// ChargeRest returns n records of one test: the first 60% a CC charge at
// 0.5 A, the rest a rest step opened by a step-transition record.
func ChargeRest(n int, testID uint64, channel string, start time.Time) []domain.Record {
	recs := make([]domain.Record, n)
	charge := n * 6 / 10
	for i := range recs {
		r := domain.Record{
			Kind:        domain.RecordKindSample,
			Index:       uint64(i + 1),
			TestID:      testID,
			ChannelID:   channel,
			Cycle:       1,
			ProgramStep: 1,
			Mode:        domain.StepModeCCCharge,
			StepTime:    time.Duration(i) * time.Second,
			TestTime:    time.Duration(i) * time.Second,
			Timestamp:   start.Add(time.Duration(i) * time.Second),
			Voltage:     3.6 + float64(i)*0.001,
			Current:     0.5,
			Capacity:    float64(i) * 0.0001,
			Energy:      float64(i) * 0.00037,
		}
		if i >= charge {
			r.Mode = domain.StepModeRest
			r.ProgramStep = 2
			r.Current = 0
			r.Capacity = float64(charge-1) * 0.0001
			r.Energy = float64(charge-1) * 0.00037
			r.StepTime = time.Duration(i-charge) * time.Second
			if i == charge {
				r.Kind = domain.RecordKindStepTransition
			}
		}
		temp := 25.0 + float64(i%10)/10
		r.Temperature = &temp
		recs[i] = r
	}
	return recs
}

// Cycles returns a complete test of the given number of charge, rest,
// discharge, rest cycles with stepLen records per step, closed by an end
// marker. Capacity and energy restart at zero in every accumulating step.
func Cycles(cycles, stepLen int, testID uint64, channel string, start time.Time) []domain.Record {
	plan := []struct {
		mode    domain.StepMode
		current float64
	}{
		{domain.StepModeCCCharge, 1.0},
		{domain.StepModeRest, 0},
		{domain.StepModeCCDischarge, -1.0},
		{domain.StepModeRest, 0},
	}

	var (
		recs  []domain.Record
		index uint64
		clock time.Duration
		volt  = 3.2
	)
	for c := 1; c <= cycles; c++ {
		for s, st := range plan {
			for i := 0; i < stepLen; i++ {
				index++
				kind := domain.RecordKindSample
				if i == 0 {
					kind = domain.RecordKindStepTransition
				}
				volt += st.current * 0.002
				var capacity, energy float64
				if st.mode.IsAccumulating() {
					capacity = math.Abs(st.current) * float64(i) / 3600
					energy = capacity * volt
				}
				temp := 25 + 0.5*st.current
				recs = append(recs, domain.Record{
					Kind:        kind,
					Index:       index,
					TestID:      testID,
					ChannelID:   channel,
					Cycle:       uint32(c),
					ProgramStep: uint32(s + 1),
					Mode:        st.mode,
					StepTime:    time.Duration(i) * time.Second,
					TestTime:    clock,
					Timestamp:   start.Add(clock),
					Voltage:     volt,
					Current:     st.current,
					Temperature: &temp,
					Capacity:    capacity,
					Energy:      energy,
				})
				clock += time.Second
			}
		}
	}

	index++
	recs = append(recs, domain.Record{
		Kind:      domain.RecordKindEndMarker,
		Index:     index,
		TestID:    testID,
		ChannelID: channel,
		Cycle:     uint32(cycles),
		Mode:      domain.StepModeEnd,
		TestTime:  clock,
		Timestamp: start.Add(clock),
	})
	return recs
}

// Channel is one channel of a synthetic archive. Tail is appended to the
// encoded payload as-is, e.g. to simulate a truncated last record.
type Channel struct {
	ID      int
	Model   string
	Range   string
	Records []domain.Record
	Tail    []byte
}

// Archive describes a synthetic archive
type Archive struct {
	Kind     container.Kind
	Version  int
	TestID   uint64
	Start    time.Time
	Barcode  string
	Program  string
	Steps    []container.ProgramStep
	Channels []Channel
}

// Entries encodes the archive's logical payloads. Records are scaled back
// to raw integers with conv; nil uses the built-in scale table.
func (a Archive) Entries(conv *units.Converter) ([]container.Entry, error) {
	if conv == nil {
		conv = units.NewConverter(units.DefaultTable())
	}
	version := a.Version
	if version == 0 {
		version = 2
	}
	layout, err := decoder.DefaultRegistry.LayoutFor(version)
	if err != nil {
		return nil, err
	}

	desc := &container.Descriptor{
		Version: version,
		TestID:  a.TestID,
		Barcode: a.Barcode,
		Program: a.Program,
	}
	if !a.Start.IsZero() {
		desc.Start = a.Start.UTC().Format(time.RFC3339)
	}

	var entries []container.Entry
	for _, ch := range a.Channels {
		model := ch.Model
		if model == "" {
			model = DefaultModel
		}
		desc.Channels = append(desc.Channels, container.DescriptorChannel{ID: ch.ID, Model: model, Range: ch.Range})
		key := conv.Table().ModelKey(model, ch.Range)

		var buf bytes.Buffer
		enc := decoder.NewEncoder(&buf, layout)
		for _, rec := range ch.Records {
			raw, err := conv.Raw(rec, key)
			if err != nil {
				return nil, fmt.Errorf("channel %d: %w", ch.ID, err)
			}
			if err := enc.Encode(raw); err != nil {
				return nil, fmt.Errorf("channel %d: %w", ch.ID, err)
			}
		}
		buf.Write(ch.Tail)
		entries = append(entries, container.Entry{Name: container.ChannelPayload(ch.ID), Data: buf.Bytes()})
	}

	descData, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	entries = append([]container.Entry{{Name: container.PayloadDescriptor, Data: descData}}, entries...)

	if len(a.Steps) > 0 {
		stepData, err := container.MarshalSteps(a.Steps)
		if err != nil {
			return nil, fmt.Errorf("marshal steps: %w", err)
		}
		entries = append(entries, container.Entry{Name: container.PayloadSteps, Data: stepData})
	}
	return entries, nil
}

// Write encodes the archive to w in its container kind, raw by default
func (a Archive) Write(w io.Writer, conv *units.Converter) error {
	entries, err := a.Entries(conv)
	if err != nil {
		return err
	}
	if a.Kind == container.KindZip {
		return container.WriteZip(w, entries)
	}
	return container.WriteRaw(w, entries)
}

// FixtureStart is the start time stamped on ChargeRestArchive
var FixtureStart = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// ChargeRestArchive is a one-test archive with a ChargeRest profile of n
// records on each of the given channels
func ChargeRestArchive(kind container.Kind, n int, channels ...int) Archive {
	a := Archive{
		Kind:    kind,
		Version: 2,
		TestID:  42,
		Start:   FixtureStart,
		Barcode: "CELL-0001",
		Program: "formation.xml",
	}
	for _, ch := range channels {
		a.Channels = append(a.Channels, Channel{
			ID:      ch,
			Model:   DefaultModel,
			Records: ChargeRest(n, a.TestID, "", FixtureStart),
		})
	}
	return a
}

// Bytes encodes the archive in memory
func (a Archive) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := a.Write(&buf, nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
