package decoder

import (
	"fmt"
	"sort"
	"sync"

	"cyclerdata/internal/errors"
	"cyclerdata/pkg/contracts/domain"
)

// Record discriminator bytes
const (
	KindSample         byte = 0x55
	KindStepTransition byte = 0x56
	KindEndMarker      byte = 0x5A
)

// kindHandler decodes the body of one record of a given kind
type kindHandler struct {
	kind   domain.RecordKind
	decode func(l *Layout, rec []byte, out *domain.RawRecord)
}

// handlers maps every known discriminator to its handler. A byte missing
// from the map is an unknown record kind.
var handlers = map[byte]kindHandler{
	KindSample:         {kind: domain.RecordKindSample, decode: decodeMeasurement},
	KindStepTransition: {kind: domain.RecordKindStepTransition, decode: decodeMeasurement},
	KindEndMarker:      {kind: domain.RecordKindEndMarker, decode: decodeIdentity},
}

// kindBytes is the inverse of handlers, used by the encoder
var kindBytes = map[domain.RecordKind]byte{
	domain.RecordKindSample:         KindSample,
	domain.RecordKindStepTransition: KindStepTransition,
	domain.RecordKindEndMarker:      KindEndMarker,
}

// Registry holds decode layouts keyed by format version
type Registry struct {
	mu      sync.RWMutex
	layouts map[int]*Layout
}

// NewRegistry creates a registry holding the given layouts
func NewRegistry(layouts ...*Layout) (*Registry, error) {
	r := &Registry{layouts: make(map[int]*Layout)}
	for _, l := range layouts {
		if err := r.Register(l); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry holds the built-in V1 and V2 layouts
var DefaultRegistry = mustRegistry(V1, V2)

func mustRegistry(layouts ...*Layout) *Registry {
	r, err := NewRegistry(layouts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register validates a layout and adds it. A version can be registered once.
func (r *Registry) Register(l *Layout) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.layouts[l.Version]; exists {
		return fmt.Errorf("layout v%d already registered", l.Version)
	}
	if err := l.validate(); err != nil {
		return err
	}
	r.layouts[l.Version] = l
	return nil
}

// LayoutFor returns the layout registered for version
func (r *Registry) LayoutFor(version int) (*Layout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.layouts[version]
	if !ok {
		return nil, &errors.UnsupportedVersionError{Version: version}
	}
	return l, nil
}

// Versions lists the registered format versions in ascending order
func (r *Registry) Versions() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int, 0, len(r.layouts))
	for v := range r.layouts {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
