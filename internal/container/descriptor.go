package container

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"cyclerdata/pkg/contracts/domain"
)

// Descriptor is the test metadata carried in an archive's descriptor payload:
//
//	<TestInfo formatVersion="2" testId="42" startTime="2024-03-01T08:00:00Z"
//	          barcode="CELL-0001" program="formation.xml">
//	  <channel id="1" model="BTS4000-5V6A" range="6A"/>
//	</TestInfo>
type Descriptor struct {
	XMLName  xml.Name            `xml:"TestInfo"`
	Version  int                 `xml:"formatVersion,attr"`
	TestID   uint64              `xml:"testId,attr"`
	Start    string              `xml:"startTime,attr"`
	Barcode  string              `xml:"barcode,attr"`
	Program  string              `xml:"program,attr"`
	Channels []DescriptorChannel `xml:"channel"`

	startTime time.Time
}

// DescriptorChannel names the hardware model and current range of a channel.
// Together they select the scale table entry (see units.ScaleTable.ModelKey).
type DescriptorChannel struct {
	ID    int    `xml:"id,attr"`
	Model string `xml:"model,attr"`
	Range string `xml:"range,attr"`
}

// ParseDescriptor decodes and validates a descriptor document
func ParseDescriptor(r io.Reader) (*Descriptor, error) {
	var d Descriptor
	if err := xml.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}

	if d.Version <= 0 {
		return nil, fmt.Errorf("descriptor has no format version")
	}

	if s := strings.TrimSpace(d.Start); s != "" {
		ts, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, fmt.Errorf("descriptor start time %q: %w", s, err)
		}
		d.startTime = ts
	}

	seen := make(map[int]bool, len(d.Channels))
	for _, ch := range d.Channels {
		if seen[ch.ID] {
			return nil, fmt.Errorf("descriptor lists channel %d twice", ch.ID)
		}
		if strings.TrimSpace(ch.Model) == "" {
			return nil, fmt.Errorf("descriptor channel %d has no model", ch.ID)
		}
		seen[ch.ID] = true
	}

	return &d, nil
}

// FormatVersion is the record layout version for every channel payload
func (d *Descriptor) FormatVersion() int {
	return d.Version
}

// StartTime returns the parsed test start time, zero when absent
func (d *Descriptor) StartTime() time.Time {
	return d.startTime
}

// Channel returns the descriptor entry for a channel
func (d *Descriptor) Channel(id int) (DescriptorChannel, bool) {
	for _, ch := range d.Channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return DescriptorChannel{}, false
}

// Marshal encodes the descriptor as an XML document
func (d *Descriptor) Marshal() ([]byte, error) {
	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// ProgramStep is one declared step of the test program
type ProgramStep struct {
	Index int             `xml:"index,attr"`
	Name  string          `xml:"type,attr"`
	Mode  domain.StepMode `xml:"-"`
}

type stepProgram struct {
	XMLName xml.Name      `xml:"StepProgram"`
	Steps   []ProgramStep `xml:"Step"`
}

// ParseSteps decodes a step-program document:
//
//	<StepProgram><Step index="1" type="CC_Chg"/>...</StepProgram>
func ParseSteps(r io.Reader) ([]ProgramStep, error) {
	var p stepProgram
	if err := xml.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode step program: %w", err)
	}
	for i := range p.Steps {
		mode, err := domain.ParseStepMode(p.Steps[i].Name)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", p.Steps[i].Index, err)
		}
		p.Steps[i].Mode = mode
	}
	return p.Steps, nil
}

// MarshalSteps encodes a step program document
func MarshalSteps(steps []ProgramStep) ([]byte, error) {
	p := stepProgram{Steps: make([]ProgramStep, len(steps))}
	for i, s := range steps {
		p.Steps[i] = ProgramStep{Index: s.Index, Name: s.Mode.String()}
	}
	out, err := xml.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
