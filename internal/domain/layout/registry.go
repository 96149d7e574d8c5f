// Package layout maps one incoming event to the destination rows and tables
// a connection expects. Layouts are pure functions kept in a Registry keyed
// by layout id, so new layouts register without touching existing ones.
package layout

import (
	"sort"
	"sync"

	"github.com/okian/rotor/internal/domain/failure"
	"github.com/okian/rotor/internal/domain/model"
)

// Built-in layout ids.
const (
	JitsuLegacy        = "jitsu-legacy"
	Segment            = "segment"
	SegmentSingleTable = "segment-single-table"
	Passthrough        = "passthrough"
)

// DefaultTable receives rows from layouts without a per-type table.
const DefaultTable = "events"

// Func transforms an event into zero or more rows. It must not modify the
// event it receives and must return the same rows for the same input.
type Func func(ev model.Event) ([]model.TransformedRow, error)

// Registry holds the known layouts.
type Registry struct {
	mu      sync.RWMutex
	layouts map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{layouts: make(map[string]Func)}
}

// DefaultRegistry creates a registry holding the built-in layouts.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// built-in ids are distinct, Register cannot fail here
	_ = r.Register(JitsuLegacy, jitsuLegacy)
	_ = r.Register(Segment, segmentMultiTable)
	_ = r.Register(SegmentSingleTable, segmentSingleTable)
	_ = r.Register(Passthrough, passthrough)
	return r
}

// Register adds a layout under id.
func (r *Registry) Register(id string, fn Func) error {
	if id == "" || fn == nil {
		return ErrInvalidLayout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.layouts[id]; exists {
		return ErrDuplicateLayout
	}
	r.layouts[id] = fn
	return nil
}

// Lookup returns the layout registered under id.
func (r *Registry) Lookup(id string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.layouts[id]
	return fn, ok
}

// IDs returns the registered layout ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.layouts))
	for id := range r.layouts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Transform runs the layout registered under id. An unknown id is a
// validation failure.
func (r *Registry) Transform(ev model.Event, id string) ([]model.TransformedRow, error) {
	fn, ok := r.Lookup(id)
	if !ok {
		return nil, failure.NewValidation("unknown layout %q", id)
	}
	return fn(ev)
}
