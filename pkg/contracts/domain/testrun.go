package domain

import (
	"fmt"
	"time"
)

// WarningKind classifies a recoverable integrity problem found during assembly
type WarningKind string

const (
	WarningSequenceGap        WarningKind = "sequence_gap"        // Indices skipped, within tolerance
	WarningSequenceRegression WarningKind = "sequence_regression" // Index repeated or went backwards
	WarningCapacityDecrease   WarningKind = "capacity_decrease"   // Cumulative capacity dropped
	WarningEnergyDecrease     WarningKind = "energy_decrease"     // Cumulative energy dropped
	WarningRunReopened        WarningKind = "run_reopened"        // Records of a closed run resumed
)

// StepIntegrityWarning records a non-fatal invariant violation attached to a Step
type StepIntegrityWarning struct {
	Kind        WarningKind `json:"kind"`
	TestID      uint64      `json:"test_id"`
	ChannelID   string      `json:"channel_id"`
	StepIndex   int         `json:"step_index"`
	RecordIndex uint64      `json:"record_index"`
	Previous    float64     `json:"previous"`
	Current     float64     `json:"current"`
	Message     string      `json:"message"`
}

func (w StepIntegrityWarning) String() string {
	return fmt.Sprintf("test %d channel %s step %d record %d: %s: %s",
		w.TestID, w.ChannelID, w.StepIndex, w.RecordIndex, w.Kind, w.Message)
}

// Step is a contiguous span of records sharing one step mode
type Step struct {
	Index         int                    `json:"index"`
	Mode          StepMode               `json:"mode"`
	ProgramStep   uint32                 `json:"program_step"`
	Cycle         uint32                 `json:"cycle"`
	StartIndex    uint64                 `json:"start_index"` // index of the first record
	EndIndex      uint64                 `json:"end_index"`   // highest index in the step
	EntryCapacity float64                `json:"entry_capacity"`
	EntryEnergy   float64                `json:"entry_energy"`
	Samples       []Sample               `json:"samples"`
	Warnings      []StepIntegrityWarning `json:"warnings,omitempty"`
}

// Len returns the number of records in the step's span
func (s Step) Len() int {
	return len(s.Samples)
}

// Duration returns the step time of the last sample
func (s Step) Duration() time.Duration {
	if len(s.Samples) == 0 {
		return 0
	}
	return s.Samples[len(s.Samples)-1].StepTime
}

// TestRun is one execution of a test program on one channel
type TestRun struct {
	TestID    uint64    `json:"test_id"`
	ChannelID string    `json:"channel_id"`
	StartTime time.Time `json:"start_time"`
	Program   string    `json:"program,omitempty"`
	Barcode   string    `json:"barcode,omitempty"`
	Ended     bool      `json:"ended"` // an end marker closed the run
	Steps     []Step    `json:"steps"`
}

// Warnings returns every step warning of the run in step order
func (t TestRun) Warnings() []StepIntegrityWarning {
	var out []StepIntegrityWarning
	for _, s := range t.Steps {
		out = append(out, s.Warnings...)
	}
	return out
}

// RecordCount returns the number of samples across all steps
func (t TestRun) RecordCount() int {
	n := 0
	for _, s := range t.Steps {
		n += len(s.Samples)
	}
	return n
}

// RunSummary is a flat per-run digest for listings and exports
type RunSummary struct {
	TestID    uint64    `json:"test_id"`
	ChannelID string    `json:"channel_id"`
	StartTime time.Time `json:"start_time"`
	Steps     int       `json:"steps"`
	Records   int       `json:"records"`
	Warnings  int       `json:"warnings"`
	Ended     bool      `json:"ended"`
}

// Summary builds the run's RunSummary
func (t TestRun) Summary() RunSummary {
	return RunSummary{
		TestID:    t.TestID,
		ChannelID: t.ChannelID,
		StartTime: t.StartTime,
		Steps:     len(t.Steps),
		Records:   t.RecordCount(),
		Warnings:  len(t.Warnings()),
		Ended:     t.Ended,
	}
}
