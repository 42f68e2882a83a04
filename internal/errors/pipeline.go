package errors

import (
	"errors"
	"fmt"
)

// ErrorType represents the class of a pipeline failure
type ErrorType string

const (
	ErrorTypeFormat      ErrorType = "format"      // container or record layout not recognised
	ErrorTypeCorrupt     ErrorType = "corrupt"     // checksum mismatch inside a recognised container
	ErrorTypeScale       ErrorType = "scale"       // no scale entry for a model/field
	ErrorTypeSequence    ErrorType = "sequence"    // sequence gap beyond tolerance
	ErrorTypeUnavailable ErrorType = "unavailable" // remote store unreachable
	ErrorTypeNotFound    ErrorType = "not_found"   // remote store has no such test/channel
	ErrorTypeCancelled   ErrorType = "cancelled"   // caller cancelled or deadline passed
)

// Classified is implemented by every error in this package
type Classified interface {
	error
	Type() ErrorType
	Retryable() bool
}

// ContainerFormatError is returned when an archive's magic header or
// internal structure is not recognised.
type ContainerFormatError struct {
	Source string
	Offset int64
	Reason string
	Cause  error
}

func (e *ContainerFormatError) Error() string {
	msg := fmt.Sprintf("[%s] container %s: %s (offset %d)", ErrorTypeFormat, e.Source, e.Reason, e.Offset)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ContainerFormatError) Unwrap() error   { return e.Cause }
func (e *ContainerFormatError) Type() ErrorType { return ErrorTypeFormat }
func (e *ContainerFormatError) Retryable() bool { return false }

// ContainerCorruptError is returned when a payload checksum does not match
type ContainerCorruptError struct {
	Source   string
	Payload  string
	Expected uint32
	Actual   uint32
	Cause    error
}

func (e *ContainerCorruptError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] container %s: payload %s: %v", ErrorTypeCorrupt, e.Source, e.Payload, e.Cause)
	}
	return fmt.Sprintf("[%s] container %s: payload %s: checksum %08x, want %08x",
		ErrorTypeCorrupt, e.Source, e.Payload, e.Actual, e.Expected)
}

func (e *ContainerCorruptError) Unwrap() error   { return e.Cause }
func (e *ContainerCorruptError) Type() ErrorType { return ErrorTypeCorrupt }
func (e *ContainerCorruptError) Retryable() bool { return false }

// UnknownRecordKindError is returned when a record's discriminator byte
// has no registered handler. The whole stream is rejected.
type UnknownRecordKindError struct {
	ChannelID string
	Version   int
	Offset    int64
	Record    int // zero-based record number in the stream
	Kind      byte
}

func (e *UnknownRecordKindError) Error() string {
	return fmt.Sprintf("[%s] channel %s: unknown record kind 0x%02x at byte offset %d (record %d, layout v%d)",
		ErrorTypeFormat, e.ChannelID, e.Kind, e.Offset, e.Record, e.Version)
}

func (e *UnknownRecordKindError) Type() ErrorType { return ErrorTypeFormat }
func (e *UnknownRecordKindError) Retryable() bool { return false }

// UnsupportedVersionError is returned when no decode layout exists for a format version
type UnsupportedVersionError struct {
	ChannelID string
	Version   int
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("[%s] channel %s: no decode layout for format version %d", ErrorTypeFormat, e.ChannelID, e.Version)
}

func (e *UnsupportedVersionError) Type() ErrorType { return ErrorTypeFormat }
func (e *UnsupportedVersionError) Retryable() bool { return false }

// UnknownScaleError is returned when the scale table has no entry for a model
type UnknownScaleError struct {
	Model       string
	Field       string
	ChannelID   string
	RecordIndex uint64
}

func (e *UnknownScaleError) Error() string {
	msg := fmt.Sprintf("[%s] no scale for model %q", ErrorTypeScale, e.Model)
	if e.Field != "" {
		msg += fmt.Sprintf(" field %q", e.Field)
	}
	if e.ChannelID != "" {
		msg += fmt.Sprintf(" (channel %s record %d)", e.ChannelID, e.RecordIndex)
	}
	return msg
}

func (e *UnknownScaleError) Type() ErrorType { return ErrorTypeScale }
func (e *UnknownScaleError) Retryable() bool { return false }

// SequenceGapError is returned when consecutive record indices differ by
// more than the configured tolerance. Assembly of the channel stops.
type SequenceGapError struct {
	TestID    uint64
	ChannelID string
	Previous  uint64
	Next      uint64
	Gap       uint64
	Tolerance uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("[%s] test %d channel %s: sequence gap of %d between records %d and %d exceeds tolerance %d",
		ErrorTypeSequence, e.TestID, e.ChannelID, e.Gap, e.Previous, e.Next, e.Tolerance)
}

func (e *SequenceGapError) Type() ErrorType { return ErrorTypeSequence }
func (e *SequenceGapError) Retryable() bool { return false }

// SourceUnavailableError reports a connectivity failure of a remote source.
// It is transient: the caller may retry.
type SourceUnavailableError struct {
	Source string
	Cause  error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("[%s] source %s unavailable: %v", ErrorTypeUnavailable, e.Source, e.Cause)
}

func (e *SourceUnavailableError) Unwrap() error   { return e.Cause }
func (e *SourceUnavailableError) Type() ErrorType { return ErrorTypeUnavailable }
func (e *SourceUnavailableError) Retryable() bool { return true }

// NoSuchTestError reports that a reachable source does not know the test
type NoSuchTestError struct {
	Source    string
	TestID    uint64
	ChannelID string
}

func (e *NoSuchTestError) Error() string {
	return fmt.Sprintf("[%s] source %s: no test %d on channel %s", ErrorTypeNotFound, e.Source, e.TestID, e.ChannelID)
}

func (e *NoSuchTestError) Type() ErrorType { return ErrorTypeNotFound }
func (e *NoSuchTestError) Retryable() bool { return false }

// CancelledError reports that a remote query stopped because its context
// was cancelled or its deadline passed. Cause is the context error.
type CancelledError struct {
	Source string
	Cause  error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("[%s] source %s: %v", ErrorTypeCancelled, e.Source, e.Cause)
}

func (e *CancelledError) Unwrap() error   { return e.Cause }
func (e *CancelledError) Type() ErrorType { return ErrorTypeCancelled }
func (e *CancelledError) Retryable() bool { return false }

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var c Classified
	if errors.As(err, &c) {
		return c.Retryable()
	}
	return false
}

// TypeOf returns the type of the first classified error in err's chain,
// or the empty string.
func TypeOf(err error) ErrorType {
	var c Classified
	if errors.As(err, &c) {
		return c.Type()
	}
	return ""
}
