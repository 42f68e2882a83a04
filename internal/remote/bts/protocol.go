package bts

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Wire framing of the BTS XML-over-TCP protocol
const (
	frameHeader = `<?xml version="1.0" encoding="UTF-8" ?><bts version="1.0">`
	frameFooter = `</bts>`
	Terminator  = "\n\n#\r\n"

	maxReplySize = 64 << 20
)

// nullValue is how the server writes an empty attribute
const nullValue = "--"

// frame wraps a command body in the request envelope
func frame(body string) []byte {
	var b bytes.Buffer
	b.Grow(len(frameHeader) + len(body) + len(frameFooter) + len(Terminator))
	b.WriteString(frameHeader)
	b.WriteString(body)
	b.WriteString(frameFooter)
	b.WriteString(Terminator)
	return b.Bytes()
}

// readFrame reads one terminator-delimited reply and strips the terminator
func readFrame(rd *bufio.Reader) (string, error) {
	var buf strings.Builder
	for {
		chunk, err := rd.ReadString('\n')
		buf.WriteString(chunk)
		if strings.HasSuffix(buf.String(), Terminator) {
			return strings.TrimSuffix(buf.String(), Terminator), nil
		}
		if err != nil {
			if err == io.EOF && buf.Len() > 0 {
				err = io.ErrUnexpectedEOF
			}
			return "", err
		}
		if buf.Len() > maxReplySize {
			return "", fmt.Errorf("reply exceeds %d bytes without terminator", maxReplySize)
		}
	}
}

// Row is one element of a reply list. Values are auto-typed: "--" is nil,
// a number containing "." is a float64, another number is an int64, and
// anything else stays a string.
type Row map[string]any

// parseValue applies the server's value typing rules
func parseValue(s string) any {
	if s == nullValue {
		return nil
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
		return s
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	return s
}

// Int returns an integer value, converting floats
func (r Row) Int(key string) (int64, bool) {
	switch v := r[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Float returns a numeric value as float64
func (r Row) Float(key string) (float64, bool) {
	switch v := r[key].(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// String returns a value formatted as text; nil values report false
func (r Row) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return "", false
	}
	if s, ok := v.(string); ok {
		return s, true
	}
	return fmt.Sprint(v), true
}

// merge returns a copy of r overlaid with over; keys in over win
func (r Row) merge(over Row) Row {
	out := make(Row, len(r)+len(over))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// parseRows extracts the children of the <listName> element under the
// reply root. Each child's attributes become a Row; non-blank element
// text is stored under the element's own tag name.
func parseRows(reply, listName string) ([]Row, error) {
	dec := xml.NewDecoder(strings.NewReader(reply))

	var (
		rows    []Row
		depth   int
		inList  bool
		found   bool
		current Row
		tag     string
		text    strings.Builder
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse reply: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case !inList && depth == 2 && t.Name.Local == listName:
				inList, found = true, true
			case inList && depth == 3:
				current = make(Row, len(t.Attr)+1)
				for _, a := range t.Attr {
					current[a.Name.Local] = parseValue(a.Value)
				}
				tag = t.Name.Local
				text.Reset()
			}
		case xml.CharData:
			if inList && depth == 3 {
				text.Write(t)
			}
		case xml.EndElement:
			switch {
			case inList && depth == 3:
				if s := strings.TrimSpace(text.String()); s != "" {
					current[tag] = parseValue(s)
				}
				rows = append(rows, current)
				current = nil
			case inList && depth == 2:
				inList = false
			}
			depth--
		}
	}

	if !found {
		return nil, fmt.Errorf("reply has no <%s> element", listName)
	}
	return rows, nil
}

// replyCommand returns the <cmd> text of a reply, if any
func replyCommand(reply string) string {
	start := strings.Index(reply, "<cmd>")
	end := strings.Index(reply, "</cmd>")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(reply[start+len("<cmd>") : end])
}
