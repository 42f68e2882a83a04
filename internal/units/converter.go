package units

import (
	"math"
	"time"

	"cyclerdata/internal/errors"
	"cyclerdata/pkg/contracts/domain"
)

// Converter applies a scale table to raw records. It holds no mutable
// state and may be shared between goroutines.
type Converter struct {
	table *ScaleTable
}

// NewConverter creates a converter over table
func NewConverter(table *ScaleTable) *Converter {
	return &Converter{table: table}
}

// Table returns the converter's scale table
func (c *Converter) Table() *ScaleTable {
	return c.table
}

// Convert turns a raw record into physical units using model's scales.
// An unknown model, or a present field without a scale, yields
// UnknownScaleError and the zero Record.
func (c *Converter) Convert(raw domain.RawRecord, model string) (domain.Record, error) {
	if !c.table.HasModel(model) {
		return domain.Record{}, &errors.UnknownScaleError{
			Model:       model,
			ChannelID:   raw.ChannelID,
			RecordIndex: raw.Index,
		}
	}

	physical := make(map[string]float64, len(raw.Values))
	for field, v := range raw.Values {
		s, ok := c.table.Lookup(model, field)
		if !ok {
			return domain.Record{}, &errors.UnknownScaleError{
				Model:       model,
				Field:       field,
				ChannelID:   raw.ChannelID,
				RecordIndex: raw.Index,
			}
		}
		physical[field] = s.Apply(v)
	}

	rec := domain.Record{
		Kind:        raw.Kind,
		Index:       raw.Index,
		TestID:      raw.TestID,
		ChannelID:   raw.ChannelID,
		Cycle:       raw.Cycle,
		ProgramStep: raw.ProgramStep,
		Mode:        raw.Mode,
		Timestamp:   raw.Timestamp,
		StepTime:    seconds(physical[domain.FieldStepTime]),
		TestTime:    seconds(physical[domain.FieldTestTime]),
		Voltage:     physical[domain.FieldVoltage],
		Current:     physical[domain.FieldCurrent],
		Capacity:    physical[domain.FieldCapacity],
		Energy:      physical[domain.FieldEnergy],
	}
	if t, ok := physical[domain.FieldTemperature]; ok {
		rec.Temperature = &t
	}
	return rec, nil
}

// Raw is the inverse of Convert: it rounds each physical value to the
// nearest raw integer under model's scales. Nil temperature is omitted.
func (c *Converter) Raw(rec domain.Record, model string) (domain.RawRecord, error) {
	if !c.table.HasModel(model) {
		return domain.RawRecord{}, &errors.UnknownScaleError{Model: model, ChannelID: rec.ChannelID, RecordIndex: rec.Index}
	}

	raw := domain.RawRecord{
		Kind:        rec.Kind,
		Index:       rec.Index,
		TestID:      rec.TestID,
		ChannelID:   rec.ChannelID,
		Cycle:       rec.Cycle,
		ProgramStep: rec.ProgramStep,
		Mode:        rec.Mode,
		Timestamp:   rec.Timestamp,
	}
	if rec.Kind == domain.RecordKindEndMarker {
		return raw, nil
	}

	physical := map[string]float64{
		domain.FieldVoltage:  rec.Voltage,
		domain.FieldCurrent:  rec.Current,
		domain.FieldCapacity: rec.Capacity,
		domain.FieldEnergy:   rec.Energy,
		domain.FieldStepTime: rec.StepTime.Seconds(),
		domain.FieldTestTime: rec.TestTime.Seconds(),
	}
	if rec.Temperature != nil {
		physical[domain.FieldTemperature] = *rec.Temperature
	}

	raw.Values = make(map[string]int64, len(physical))
	for field, v := range physical {
		s, ok := c.table.Lookup(model, field)
		if !ok {
			return domain.RawRecord{}, &errors.UnknownScaleError{Model: model, Field: field, ChannelID: rec.ChannelID, RecordIndex: rec.Index}
		}
		raw.Values[field] = s.Inverse(v)
	}
	return raw, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
