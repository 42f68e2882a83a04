// Package assembler builds ordered TestRun → Step → Sample trees from a
// channel's converted record stream.
//
// Index gaps up to the configured tolerance and falling capacity or energy
// inside charge/discharge steps become StepIntegrityWarnings on the step.
// A gap beyond tolerance stops the channel with SequenceGapError.
package assembler
