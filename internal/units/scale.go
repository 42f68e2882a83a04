package units

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v2"

	"cyclerdata/pkg/contracts/domain"
)

//go:embed default_scales.yaml
var defaultScalesYAML []byte

// Scale converts a raw integer to a physical value: raw*Multiplier + Offset
type Scale struct {
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	Offset     float64 `yaml:"offset" json:"offset"`
	Unit       string  `yaml:"unit" json:"unit"`
}

// Apply converts a raw value to physical units
func (s Scale) Apply(raw int64) float64 {
	return float64(raw)*s.Multiplier + s.Offset
}

// Inverse converts a physical value back to the nearest raw integer
func (s Scale) Inverse(physical float64) int64 {
	return int64(math.Round((physical - s.Offset) / s.Multiplier))
}

// Entry is one (model, field) row of a scale table
type Entry struct {
	Model string
	Field string
	Scale
}

// ScaleTable maps (model, field) to a Scale. It is read-only after
// construction and safe for concurrent use.
type ScaleTable struct {
	models map[string]map[string]Scale
}

// NewScaleTable builds a table from entries. Every field must be a known
// measurement field, every multiplier non-zero, and no (model, field) pair
// may repeat.
func NewScaleTable(entries []Entry) (*ScaleTable, error) {
	known := make(map[string]bool, len(domain.MeasurementFields))
	for _, f := range domain.MeasurementFields {
		known[f] = true
	}

	t := &ScaleTable{models: make(map[string]map[string]Scale)}
	for _, e := range entries {
		if e.Model == "" {
			return nil, fmt.Errorf("scale entry for field %q has no model", e.Field)
		}
		if !known[e.Field] {
			return nil, fmt.Errorf("model %q: unknown field %q", e.Model, e.Field)
		}
		if e.Multiplier == 0 || math.IsNaN(e.Multiplier) || math.IsInf(e.Multiplier, 0) {
			return nil, fmt.Errorf("model %q field %q: invalid multiplier %v", e.Model, e.Field, e.Multiplier)
		}
		if math.IsNaN(e.Offset) || math.IsInf(e.Offset, 0) {
			return nil, fmt.Errorf("model %q field %q: invalid offset %v", e.Model, e.Field, e.Offset)
		}

		fields, ok := t.models[e.Model]
		if !ok {
			fields = make(map[string]Scale)
			t.models[e.Model] = fields
		}
		if _, dup := fields[e.Field]; dup {
			return nil, fmt.Errorf("model %q field %q listed twice", e.Model, e.Field)
		}
		fields[e.Field] = e.Scale
	}
	return t, nil
}

// Lookup returns the scale for a model's field
func (t *ScaleTable) Lookup(model, field string) (Scale, bool) {
	fields, ok := t.models[model]
	if !ok {
		return Scale{}, false
	}
	s, ok := fields[field]
	return s, ok
}

// HasModel reports whether the table has any entry for model
func (t *ScaleTable) HasModel(model string) bool {
	_, ok := t.models[model]
	return ok
}

// ModelKey returns the table key for a channel's model and current range:
// "model/range" when the table has range-specific scales, model otherwise.
func (t *ScaleTable) ModelKey(model, currentRange string) string {
	if currentRange != "" {
		if key := model + "/" + currentRange; t.HasModel(key) {
			return key
		}
	}
	return model
}

// Models lists the table's models in sorted order
func (t *ScaleTable) Models() []string {
	out := make([]string, 0, len(t.models))
	for m := range t.models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Entries returns every row sorted by model then field
func (t *ScaleTable) Entries() []Entry {
	var out []Entry
	for _, m := range t.Models() {
		fields := make([]string, 0, len(t.models[m]))
		for f := range t.models[m] {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		for _, f := range fields {
			out = append(out, Entry{Model: m, Field: f, Scale: t.models[m][f]})
		}
	}
	return out
}

// scaleFile is the YAML document layout:
//
//	models:
//	  BTS4000-5V6A:
//	    voltage: {multiplier: 0.0001, unit: V}
//	    current: {multiplier: 0.0001, unit: A}
type scaleFile struct {
	Models map[string]map[string]Scale `yaml:"models"`
}

// ParseYAML reads a scale table document from r
func ParseYAML(r io.Reader) (*ScaleTable, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read scale table: %w", err)
	}

	var doc scaleFile
	if err := yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("parse scale table: %w", err)
	}
	if len(doc.Models) == 0 {
		return nil, fmt.Errorf("scale table defines no models")
	}

	var entries []Entry
	for model, fields := range doc.Models {
		for field, s := range fields {
			entries = append(entries, Entry{Model: model, Field: field, Scale: s})
		}
	}
	return NewScaleTable(entries)
}

// MarshalYAML encodes the table in the document layout read by ParseYAML
func (t *ScaleTable) MarshalYAML() (interface{}, error) {
	return scaleFile{Models: t.models}, nil
}

// LoadTable reads a scale table file. An empty path returns DefaultTable.
func LoadTable(path string) (*ScaleTable, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scale table: %w", err)
	}
	defer f.Close()

	t, err := ParseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// DefaultTable returns the built-in scale table for common rig models
func DefaultTable() *ScaleTable {
	t, err := ParseYAML(bytes.NewReader(defaultScalesYAML))
	if err != nil {
		panic(fmt.Sprintf("built-in scale table: %v", err))
	}
	return t
}
