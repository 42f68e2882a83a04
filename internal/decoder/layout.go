package decoder

import (
	"encoding/binary"
	"fmt"
	"time"

	"cyclerdata/pkg/contracts/domain"
)

// Identity field names. Measurement fields use the domain.Field* names.
const (
	FieldKind        = "kind"
	FieldMode        = "mode"
	FieldProgramStep = "program_step"
	FieldCycle       = "cycle"
	FieldTestID      = "test_id"
	FieldIndex       = "index"
	FieldTimestamp   = "timestamp"
)

// Field locates one fixed-width integer inside a record
type Field struct {
	Name   string
	Offset int
	Width  int // 1, 2, 4 or 8 bytes
	Signed bool

	// Sentinel marks the field absent when HasSentinel is set and the raw
	// value equals it.
	Sentinel    int64
	HasSentinel bool
}

// Layout is the decode table for one format version. Every record in a
// stream has the same width; the byte at KindOffset selects the handler.
type Layout struct {
	Version    int
	Width      int
	Order      binary.ByteOrder
	KindOffset int

	// TimeUnit is the resolution of the timestamp field (Unix epoch based)
	TimeUnit time.Duration

	Fields []Field

	byName map[string]Field
}

// Field returns the named field
func (l *Layout) Field(name string) (Field, bool) {
	f, ok := l.byName[name]
	return f, ok
}

// HasField reports whether records of this layout carry the field
func (l *Layout) HasField(name string) bool {
	_, ok := l.byName[name]
	return ok
}

// validate checks that every field fits the record and indexes by name
func (l *Layout) validate() error {
	if l.Version <= 0 {
		return fmt.Errorf("layout version %d must be positive", l.Version)
	}
	if l.Width <= 0 {
		return fmt.Errorf("layout v%d: width %d must be positive", l.Version, l.Width)
	}
	if l.Order == nil {
		return fmt.Errorf("layout v%d: byte order is required", l.Version)
	}
	if l.KindOffset < 0 || l.KindOffset >= l.Width {
		return fmt.Errorf("layout v%d: kind offset %d outside record", l.Version, l.KindOffset)
	}
	if l.TimeUnit <= 0 {
		return fmt.Errorf("layout v%d: time unit must be positive", l.Version)
	}

	l.byName = make(map[string]Field, len(l.Fields))
	for _, f := range l.Fields {
		switch f.Width {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("layout v%d: field %s has width %d", l.Version, f.Name, f.Width)
		}
		if f.Offset < 0 || f.Offset+f.Width > l.Width {
			return fmt.Errorf("layout v%d: field %s [%d,%d) outside %d-byte record",
				l.Version, f.Name, f.Offset, f.Offset+f.Width, l.Width)
		}
		if f.Offset <= l.KindOffset && l.KindOffset < f.Offset+f.Width {
			return fmt.Errorf("layout v%d: field %s overlaps the kind byte", l.Version, f.Name)
		}
		if _, dup := l.byName[f.Name]; dup {
			return fmt.Errorf("layout v%d: duplicate field %s", l.Version, f.Name)
		}
		l.byName[f.Name] = f
	}

	for _, name := range []string{FieldIndex, FieldTestID, FieldMode, FieldTimestamp} {
		if _, ok := l.byName[name]; !ok {
			return fmt.Errorf("layout v%d: missing required field %s", l.Version, name)
		}
	}
	return nil
}

// read extracts a field's value from one record
func (l *Layout) read(rec []byte, f Field) (int64, bool) {
	b := rec[f.Offset : f.Offset+f.Width]

	var v int64
	switch f.Width {
	case 1:
		if f.Signed {
			v = int64(int8(b[0]))
		} else {
			v = int64(b[0])
		}
	case 2:
		u := l.Order.Uint16(b)
		if f.Signed {
			v = int64(int16(u))
		} else {
			v = int64(u)
		}
	case 4:
		u := l.Order.Uint32(b)
		if f.Signed {
			v = int64(int32(u))
		} else {
			v = int64(u)
		}
	case 8:
		v = int64(l.Order.Uint64(b))
	}

	if f.HasSentinel && v == f.Sentinel {
		return 0, false
	}
	return v, true
}

// write stores v into a field of one record
func (l *Layout) write(rec []byte, f Field, v int64) error {
	if !fits(v, f) {
		return fmt.Errorf("value %d does not fit field %s (%d bytes, signed=%t)", v, f.Name, f.Width, f.Signed)
	}

	b := rec[f.Offset : f.Offset+f.Width]
	switch f.Width {
	case 1:
		b[0] = byte(v)
	case 2:
		l.Order.PutUint16(b, uint16(v))
	case 4:
		l.Order.PutUint32(b, uint32(v))
	case 8:
		l.Order.PutUint64(b, uint64(v))
	}
	return nil
}

func fits(v int64, f Field) bool {
	if f.Width == 8 {
		return f.Signed || v >= 0
	}
	bits := uint(f.Width * 8)
	if f.Signed {
		lim := int64(1) << (bits - 1)
		return v >= -lim && v < lim
	}
	return v >= 0 && v < int64(1)<<bits
}

// V1 is the 40-byte layout of early firmware. It has no temperature
// channel, 32-bit capacity and energy, and second-resolution timestamps.
var V1 = &Layout{
	Version:    1,
	Width:      40,
	Order:      binary.LittleEndian,
	KindOffset: 0,
	TimeUnit:   time.Second,
	Fields: []Field{
		{Name: FieldMode, Offset: 1, Width: 1},
		{Name: FieldProgramStep, Offset: 2, Width: 2},
		{Name: FieldCycle, Offset: 4, Width: 2},
		{Name: FieldTestID, Offset: 6, Width: 2},
		{Name: FieldIndex, Offset: 8, Width: 4},
		{Name: FieldTimestamp, Offset: 12, Width: 4},
		{Name: domain.FieldStepTime, Offset: 16, Width: 4},
		{Name: domain.FieldTestTime, Offset: 20, Width: 4},
		{Name: domain.FieldVoltage, Offset: 24, Width: 4, Signed: true},
		{Name: domain.FieldCurrent, Offset: 28, Width: 4, Signed: true},
		{Name: domain.FieldCapacity, Offset: 32, Width: 4},
		{Name: domain.FieldEnergy, Offset: 36, Width: 4},
	},
}

// V2 is the 56-byte layout. It adds an optional auxiliary temperature
// (0x7FFF when no sensor is fitted), widens capacity and energy to 64 bits
// and timestamps to milliseconds.
var V2 = &Layout{
	Version:    2,
	Width:      56,
	Order:      binary.LittleEndian,
	KindOffset: 0,
	TimeUnit:   time.Millisecond,
	Fields: []Field{
		{Name: FieldMode, Offset: 1, Width: 1},
		{Name: FieldProgramStep, Offset: 2, Width: 2},
		{Name: FieldCycle, Offset: 4, Width: 2},
		{Name: domain.FieldTemperature, Offset: 6, Width: 2, Signed: true, Sentinel: 0x7FFF, HasSentinel: true},
		{Name: FieldTestID, Offset: 8, Width: 4},
		{Name: FieldIndex, Offset: 12, Width: 4},
		{Name: FieldTimestamp, Offset: 16, Width: 8, Signed: true},
		{Name: domain.FieldStepTime, Offset: 24, Width: 4},
		{Name: domain.FieldTestTime, Offset: 28, Width: 4},
		{Name: domain.FieldVoltage, Offset: 32, Width: 4, Signed: true},
		{Name: domain.FieldCurrent, Offset: 36, Width: 4, Signed: true},
		{Name: domain.FieldCapacity, Offset: 40, Width: 8, Signed: true},
		{Name: domain.FieldEnergy, Offset: 48, Width: 8, Signed: true},
	},
}
