package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/rotor/internal/domain/model"
	"github.com/okian/rotor/pkg/logger"
	"github.com/okian/rotor/pkg/metrics"
	"github.com/spaolacci/murmur3"
)

type buffered struct {
	ev        model.Event
	expiresAt time.Time
}

type anonShard struct {
	mu   sync.Mutex
	keys map[string][]buffered
}

// MemoryAnonymousStore buffers anonymous events in process memory. Keys
// are striped over murmur3-selected shards so adds and evictions for
// different anonymous ids do not contend.
type MemoryAnonymousStore struct {
	shards          []*anonShard
	maxEventsPerKey int
	nowF            func() time.Time
	log             logger.Logger
	count           atomic.Int64
}

// NewMemoryAnonymousStore creates an empty store.
func NewMemoryAnonymousStore(opts ...Option) *MemoryAnonymousStore {
	o := newOptions(opts)
	s := &MemoryAnonymousStore{
		shards:          make([]*anonShard, o.shards),
		maxEventsPerKey: o.maxEventsPerKey,
		nowF:            o.nowF,
		log:             o.log,
	}
	for i := range s.shards {
		s.shards[i] = &anonShard{keys: make(map[string][]buffered)}
	}
	return s
}

func (s *MemoryAnonymousStore) shard(key string) *anonShard {
	return s.shards[murmur3.Sum32([]byte(key))%uint32(len(s.shards))]
}

// AddEvent appends a copy of ev to the buffer of anonymousID.
func (s *MemoryAnonymousStore) AddEvent(ctx context.Context, collection, anonymousID string, ev model.Event, windowDays int) error {
	if collection == "" || anonymousID == "" {
		return ErrInvalidKey
	}
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("anonymous_add", float64(time.Since(start).Milliseconds())) }()

	now := s.nowF()
	key := storeKey(collection, anonymousID)
	sh := s.shard(key)

	sh.mu.Lock()
	list := live(sh.keys[key], now)
	dropped := len(sh.keys[key]) - len(list)
	list = append(list, buffered{ev: ev.Clone(), expiresAt: expiry(now, windowDays)})
	if s.maxEventsPerKey > 0 && len(list) > s.maxEventsPerKey {
		over := len(list) - s.maxEventsPerKey
		list = list[over:]
		dropped += over
		s.log.Debug(ctx, "anonymous buffer full, oldest dropped",
			logger.String("collection", collection), logger.Int("dropped", over))
	}
	sh.keys[key] = list
	sh.mu.Unlock()

	n := s.count.Add(int64(1 - dropped))
	metrics.UpdateStoreRecords("anonymous", int(n))
	return nil
}

// EvictEvents removes and returns the unexpired events of anonymousID in
// insertion order.
func (s *MemoryAnonymousStore) EvictEvents(_ context.Context, collection, anonymousID string) ([]model.Event, error) {
	if collection == "" || anonymousID == "" {
		return nil, ErrInvalidKey
	}
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("anonymous_evict", float64(time.Since(start).Milliseconds())) }()

	key := storeKey(collection, anonymousID)
	sh := s.shard(key)

	sh.mu.Lock()
	list := sh.keys[key]
	delete(sh.keys, key)
	sh.mu.Unlock()

	if len(list) == 0 {
		return nil, nil
	}
	n := s.count.Add(-int64(len(list)))
	metrics.UpdateStoreRecords("anonymous", int(n))

	kept := live(list, s.nowF())
	out := make([]model.Event, len(kept))
	for i, b := range kept {
		out[i] = b.ev
	}
	return out, nil
}

// Purge drops expired events from every shard.
func (s *MemoryAnonymousStore) Purge(_ context.Context) (int, error) {
	now := s.nowF()
	total := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, list := range sh.keys {
			kept := live(list, now)
			total += len(list) - len(kept)
			if len(kept) == 0 {
				delete(sh.keys, key)
				continue
			}
			sh.keys[key] = kept
		}
		sh.mu.Unlock()
	}
	n := s.count.Add(-int64(total))
	metrics.UpdateStoreRecords("anonymous", int(n))
	return total, nil
}

// Len returns the number of buffered events, expired ones included until
// they are purged.
func (s *MemoryAnonymousStore) Len() int {
	return int(s.count.Load())
}

// live returns the entries of list that have not expired at now, reusing
// list's backing array.
func live(list []buffered, now time.Time) []buffered {
	kept := list[:0]
	for _, b := range list {
		if now.Before(b.expiresAt) {
			kept = append(kept, b)
		}
	}
	return kept
}
