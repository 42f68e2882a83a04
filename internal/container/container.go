package container

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"cyclerdata/internal/errors"
)

// Logical payload names shared by every container encoding
const (
	PayloadDescriptor = "descriptor"
	PayloadSteps      = "steps"

	channelPrefix = "records-channel-"
)

// Kind identifies the container encoding
type Kind string

const (
	KindZip Kind = "zip" // .ndax-style zip archive
	KindRaw Kind = "raw" // .nda-style single file
)

var (
	zipMagic = []byte("PK\x03\x04")
	rawMagic = []byte("NEWARE\x00\x01")
)

// ChannelPayload returns the logical payload name for a channel's record stream
func ChannelPayload(channel int) string {
	return channelPrefix + strconv.Itoa(channel)
}

// ParseChannelPayload extracts the channel number from a record payload name
func ParseChannelPayload(name string) (int, bool) {
	if !strings.HasPrefix(name, channelPrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, channelPrefix))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// Archive holds the extracted payloads of one container. It is immutable
// once returned by Open or Read.
type Archive struct {
	Source string
	Kind   Kind

	// Ignored lists member names present in the container that map to no
	// logical payload.
	Ignored []string

	payloads map[string][]byte
}

// Payloads returns the logical payloads keyed by name. The returned map is
// a copy; the byte slices are shared and must not be modified.
func (a *Archive) Payloads() map[string][]byte {
	out := make(map[string][]byte, len(a.payloads))
	for k, v := range a.payloads {
		out[k] = v
	}
	return out
}

// Payload returns a single logical payload
func (a *Archive) Payload(name string) ([]byte, bool) {
	p, ok := a.payloads[name]
	return p, ok
}

// Channels returns the channel numbers with a record payload, ascending
func (a *Archive) Channels() []int {
	var chans []int
	for name := range a.payloads {
		if n, ok := ParseChannelPayload(name); ok {
			chans = append(chans, n)
		}
	}
	sort.Ints(chans)
	return chans
}

// Descriptor parses the archive's descriptor payload
func (a *Archive) Descriptor() (*Descriptor, error) {
	raw, ok := a.payloads[PayloadDescriptor]
	if !ok {
		return nil, &errors.ContainerFormatError{Source: a.Source, Reason: "missing descriptor payload"}
	}
	d, err := ParseDescriptor(bytes.NewReader(raw))
	if err != nil {
		return nil, &errors.ContainerFormatError{Source: a.Source, Reason: "invalid descriptor", Cause: err}
	}
	return d, nil
}

// Steps parses the optional step-program payload. It returns nil when the
// archive carries none.
func (a *Archive) Steps() ([]ProgramStep, error) {
	raw, ok := a.payloads[PayloadSteps]
	if !ok {
		return nil, nil
	}
	steps, err := ParseSteps(bytes.NewReader(raw))
	if err != nil {
		return nil, &errors.ContainerFormatError{Source: a.Source, Reason: "invalid step program", Cause: err}
	}
	return steps, nil
}

// Open extracts the container at path. The file is closed before Open returns.
func Open(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat container: %w", err)
	}

	return Read(f, info.Size(), filepath.Base(path))
}

// Read extracts a container from r. source names the container in errors.
func Read(r io.ReaderAt, size int64, source string) (*Archive, error) {
	head := make([]byte, len(rawMagic))
	n, err := r.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return nil, &errors.ContainerFormatError{Source: source, Reason: "read magic", Cause: err}
	}
	head = head[:n]

	var a *Archive
	switch {
	case bytes.HasPrefix(head, zipMagic):
		a, err = readZip(r, size, source)
	case bytes.Equal(head, rawMagic):
		a, err = readRaw(r, size, source)
	default:
		return nil, &errors.ContainerFormatError{Source: source, Reason: fmt.Sprintf("unknown magic %q", head)}
	}
	if err != nil {
		return nil, err
	}

	if _, ok := a.payloads[PayloadDescriptor]; !ok {
		return nil, &errors.ContainerFormatError{Source: source, Reason: "missing descriptor payload"}
	}
	return a, nil
}

func (a *Archive) add(name string, data []byte, offset int64) error {
	if a.payloads == nil {
		a.payloads = make(map[string][]byte)
	}
	if _, dup := a.payloads[name]; dup {
		return &errors.ContainerFormatError{Source: a.Source, Offset: offset, Reason: fmt.Sprintf("duplicate payload %q", name)}
	}
	a.payloads[name] = data
	return nil
}
