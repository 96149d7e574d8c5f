// Package dedupe drops events whose messageId was accepted recently.
package dedupe

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/okian/rotor/pkg/metrics"
)

// DefaultMaxSize is the number of message ids remembered by default.
const DefaultMaxSize = 50000

// Deduper records seen message ids so each event is enqueued at most once.
type Deduper interface {
	// SeenAndRecord reports whether id was already seen and records it if
	// not. The check and the record happen atomically.
	SeenAndRecord(ctx context.Context, id string) bool

	// Unrecord forgets id so a rejected event can be resubmitted, for
	// example after the queue refused it.
	Unrecord(ctx context.Context, id string)

	Size() int64
}

// inMemoryDeduper remembers the last maxSize ids in a ring; the oldest id
// is forgotten first. A non-positive maxSize remembers every id.
type inMemoryDeduper struct {
	mu      sync.Mutex
	seen    map[string]uint64
	ring    []string
	next    uint64
	maxSize int
	size    atomic.Int64
}

// NewInMemoryDeduper creates a deduper.
func NewInMemoryDeduper(opts ...Option) Deduper {
	d := &inMemoryDeduper{maxSize: DefaultMaxSize}
	for _, opt := range opts {
		opt(d)
	}
	d.seen = make(map[string]uint64)
	if d.maxSize > 0 {
		d.ring = make([]string, d.maxSize)
	}
	return d
}

func (d *inMemoryDeduper) SeenAndRecord(_ context.Context, id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[id]; ok {
		metrics.RecordEventDuplicate()
		return true
	}

	if d.ring != nil {
		slot := d.next % uint64(len(d.ring))
		// the slot's previous owner is evicted only if it was not
		// unrecorded and re-added since
		if old := d.ring[slot]; old != "" && d.next >= uint64(len(d.ring)) {
			if seq, ok := d.seen[old]; ok && seq == d.next-uint64(len(d.ring)) {
				delete(d.seen, old)
				d.size.Add(-1)
			}
		}
		d.ring[slot] = id
	}
	d.seen[id] = d.next
	d.next++
	d.size.Add(1)
	return false
}

func (d *inMemoryDeduper) Unrecord(_ context.Context, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		delete(d.seen, id)
		d.size.Add(-1)
	}
}

func (d *inMemoryDeduper) Size() int64 {
	return d.size.Load()
}
