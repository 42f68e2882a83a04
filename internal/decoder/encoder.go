package decoder

import (
	"fmt"
	"io"

	"cyclerdata/pkg/contracts/domain"
)

// Encoder writes raw records in a layout's wire format
type Encoder struct {
	w      io.Writer
	layout *Layout
	buf    []byte
}

// NewEncoder creates an encoder writing records of layout to w
func NewEncoder(w io.Writer, layout *Layout) *Encoder {
	return &Encoder{w: w, layout: layout, buf: make([]byte, layout.Width)}
}

// Encode writes one record. Measurement fields missing from rec.Values are
// written as the field's sentinel when it has one, zero otherwise.
func (e *Encoder) Encode(rec domain.RawRecord) error {
	kind, ok := kindBytes[rec.Kind]
	if !ok {
		return fmt.Errorf("record %d: cannot encode kind %s", rec.Index, rec.Kind)
	}

	clear(e.buf)
	e.buf[e.layout.KindOffset] = kind

	var ts int64
	if !rec.Timestamp.IsZero() {
		ts = rec.Timestamp.UnixNano() / int64(e.layout.TimeUnit)
	}
	identity := map[string]int64{
		FieldMode:        int64(rec.Mode),
		FieldProgramStep: int64(rec.ProgramStep),
		FieldCycle:       int64(rec.Cycle),
		FieldTestID:      int64(rec.TestID),
		FieldIndex:       int64(rec.Index),
		FieldTimestamp:   ts,
	}

	for _, f := range e.layout.Fields {
		v, ok := identity[f.Name]
		if !ok {
			v, ok = rec.Values[f.Name]
		}
		if !ok {
			if !f.HasSentinel {
				continue
			}
			v = f.Sentinel
		}
		if err := e.layout.write(e.buf, f, v); err != nil {
			return fmt.Errorf("record %d: %w", rec.Index, err)
		}
	}

	if _, err := e.w.Write(e.buf); err != nil {
		return fmt.Errorf("write record %d: %w", rec.Index, err)
	}
	return nil
}

// EncodeAll writes every record in order
func (e *Encoder) EncodeAll(recs []domain.RawRecord) error {
	for _, r := range recs {
		if err := e.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
