package domain

import (
	"fmt"
	"strings"
	"time"
)

// RecordKind discriminates what a decoded record represents
type RecordKind uint8

const (
	RecordKindSample         RecordKind = iota + 1 // Sampled instant
	RecordKindStepTransition                       // First instant of a new step
	RecordKindEndMarker                            // Test finished on this channel
)

// String returns the wire-independent name of the kind
func (k RecordKind) String() string {
	switch k {
	case RecordKindSample:
		return "sample"
	case RecordKindStepTransition:
		return "step_transition"
	case RecordKindEndMarker:
		return "end_marker"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// StepMode is the control mode of a step in a test program.
// Codes follow the numbering used by the cycler's step editor.
type StepMode uint8

const (
	StepModeUnknown     StepMode = 0
	StepModeRest        StepMode = 1
	StepModeCCCharge    StepMode = 2
	StepModeCCDischarge StepMode = 3
	StepModeCVCharge    StepMode = 4
	StepModeCCCVCharge  StepMode = 5
	StepModeCPCharge    StepMode = 6
	StepModeCPDischarge StepMode = 7
	StepModeCRDischarge StepMode = 8
	StepModePause       StepMode = 9
	StepModeCycle       StepMode = 10
	StepModeEnd         StepMode = 11
)

var stepModeNames = map[StepMode]string{
	StepModeUnknown:     "Unknown",
	StepModeRest:        "Rest",
	StepModeCCCharge:    "CC_Chg",
	StepModeCCDischarge: "CC_DChg",
	StepModeCVCharge:    "CV_Chg",
	StepModeCCCVCharge:  "CCCV_Chg",
	StepModeCPCharge:    "CP_Chg",
	StepModeCPDischarge: "CP_DChg",
	StepModeCRDischarge: "CR_DChg",
	StepModePause:       "Pause",
	StepModeCycle:       "Cycle",
	StepModeEnd:         "End",
}

// String returns the vendor step name, e.g. "CC_Chg"
func (m StepMode) String() string {
	if name, ok := stepModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// IsAccumulating reports whether capacity and energy integrate during the step.
// Charge and discharge modes accumulate; rest, pause and control markers do not.
func (m StepMode) IsAccumulating() bool {
	switch m {
	case StepModeCCCharge, StepModeCCDischarge, StepModeCVCharge, StepModeCCCVCharge,
		StepModeCPCharge, StepModeCPDischarge, StepModeCRDischarge:
		return true
	default:
		return false
	}
}

// ParseStepMode maps a vendor step name (case-insensitive) to a StepMode
func ParseStepMode(name string) (StepMode, error) {
	name = strings.TrimSpace(name)
	for mode, n := range stepModeNames {
		if strings.EqualFold(n, name) {
			return mode, nil
		}
	}
	return StepModeUnknown, fmt.Errorf("unknown step mode %q", name)
}

// Field names shared by decode layouts and scale tables
const (
	FieldVoltage     = "voltage"
	FieldCurrent     = "current"
	FieldTemperature = "temperature"
	FieldCapacity    = "capacity"
	FieldEnergy      = "energy"
	FieldStepTime    = "step_time"
	FieldTestTime    = "test_time"
)

// MeasurementFields lists the raw fields a UnitConverter must scale
var MeasurementFields = []string{
	FieldVoltage,
	FieldCurrent,
	FieldTemperature,
	FieldCapacity,
	FieldEnergy,
	FieldStepTime,
	FieldTestTime,
}

// RawRecord is one record as it sits on the wire, before unit conversion.
// Measurement values are the integer encodings found in the payload.
type RawRecord struct {
	Kind        RecordKind `json:"kind"`
	Offset      int64      `json:"offset"` // byte offset within the payload
	Index       uint64     `json:"index"`
	TestID      uint64     `json:"test_id"`
	ChannelID   string     `json:"channel_id"`
	Cycle       uint32     `json:"cycle"`
	ProgramStep uint32     `json:"program_step"`
	Mode        StepMode   `json:"mode"`
	Timestamp   time.Time  `json:"timestamp"`

	// Values holds the raw integer encoding per measurement field.
	// A field missing from Values was not present in the layout or was
	// flagged absent by its sentinel.
	Values map[string]int64 `json:"values"`
}

// Value returns the raw value for field and whether it is present
func (r RawRecord) Value(field string) (int64, bool) {
	v, ok := r.Values[field]
	return v, ok
}

// Record is one converted sample or transition event in physical units.
// Voltage in V, current in A, temperature in °C, capacity in Ah, energy in Wh.
type Record struct {
	Kind        RecordKind    `json:"kind"`
	Index       uint64        `json:"index"`
	TestID      uint64        `json:"test_id"`
	ChannelID   string        `json:"channel_id"`
	Cycle       uint32        `json:"cycle"`
	ProgramStep uint32        `json:"program_step"`
	Mode        StepMode      `json:"mode"`
	StepTime    time.Duration `json:"step_time"`
	TestTime    time.Duration `json:"test_time"`
	Timestamp   time.Time     `json:"timestamp"`
	Voltage     float64       `json:"voltage"`
	Current     float64       `json:"current"`
	Temperature *float64      `json:"temperature,omitempty"`
	Capacity    float64       `json:"capacity"`
	Energy      float64       `json:"energy"`
}

// Sample is the part of a Record kept in a Step's time series
type Sample struct {
	Index       uint64        `json:"index"`
	StepTime    time.Duration `json:"step_time"`
	TestTime    time.Duration `json:"test_time"`
	Timestamp   time.Time     `json:"timestamp"`
	Voltage     float64       `json:"voltage"`
	Current     float64       `json:"current"`
	Temperature *float64      `json:"temperature,omitempty"`
	Capacity    float64       `json:"capacity"`
	Energy      float64       `json:"energy"`
}

// Sample strips the record's identity and returns its time-series point
func (r Record) Sample() Sample {
	return Sample{
		Index:       r.Index,
		StepTime:    r.StepTime,
		TestTime:    r.TestTime,
		Timestamp:   r.Timestamp,
		Voltage:     r.Voltage,
		Current:     r.Current,
		Temperature: r.Temperature,
		Capacity:    r.Capacity,
		Energy:      r.Energy,
	}
}
