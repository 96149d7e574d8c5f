package repository

import (
	"context"
	"sync"
	"time"

	"github.com/okian/rotor/internal/domain/model"
	"github.com/okian/rotor/internal/domain/profile"
	"github.com/okian/rotor/pkg/metrics"
)

type traitsDoc struct {
	profile   profile.Profile
	expiresAt time.Time
}

type eventDoc struct {
	doc       profile.EventDoc
	expiresAt time.Time
}

// MemoryProfileStore keeps profile collections in process memory.
type MemoryProfileStore struct {
	mu          sync.RWMutex
	collections map[string]profile.CollectionSpec
	traits      map[string]map[string]*traitsDoc
	events      map[string][]eventDoc
	nowF        func() time.Time
}

// NewMemoryProfileStore creates an empty store.
func NewMemoryProfileStore(opts ...Option) *MemoryProfileStore {
	o := newOptions(opts)
	return &MemoryProfileStore{
		collections: make(map[string]profile.CollectionSpec),
		traits:      make(map[string]map[string]*traitsDoc),
		events:      make(map[string][]eventDoc),
		nowF:        o.nowF,
	}
}

// EnsureCollection registers spec. Calling it again for the same name is
// a no-op.
func (s *MemoryProfileStore) EnsureCollection(_ context.Context, spec profile.CollectionSpec) error {
	if spec.Name == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[spec.Name]; ok {
		return nil
	}
	s.collections[spec.Name] = spec
	if spec.Kind == profile.KindTraits {
		s.traits[spec.Name] = make(map[string]*traitsDoc)
	}
	return nil
}

// UpsertTraits merges u into the profile document, creating it on first
// write.
func (s *MemoryProfileStore) UpsertTraits(_ context.Context, collection string, u profile.TraitsUpdate) error {
	if u.ProfileID == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.collections[collection]
	if !ok || spec.Kind != profile.KindTraits {
		return ErrUnknownCollection
	}
	docs := s.traits[collection]
	at := u.At.UTC()

	doc, ok := docs[u.ProfileID]
	if !ok || !s.nowF().Before(doc.expiresAt) {
		doc = &traitsDoc{profile: profile.Profile{
			ProfileID:     u.ProfileID,
			ProfileIDHash: u.ProfileIDHash,
			CreatedAt:     at,
		}}
		docs[u.ProfileID] = doc
	}
	doc.profile.Traits = profile.MergeTraits(doc.profile.Traits, u.Traits, u.Precedence)
	doc.profile.UpdatedAt = at
	doc.expiresAt = expiry(at, spec.TTLDays)

	metrics.UpdateStoreRecords("profile_traits", len(docs))
	return nil
}

// AppendEvent stores a copy of doc in the raw collection.
func (s *MemoryProfileStore) AppendEvent(_ context.Context, collection string, doc profile.EventDoc) error {
	if doc.ProfileID == "" {
		return ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, ok := s.collections[collection]
	if !ok || spec.Kind != profile.KindRaw {
		return ErrUnknownCollection
	}
	doc.Event = doc.Event.Clone()
	s.events[collection] = append(s.events[collection], eventDoc{
		doc:       doc,
		expiresAt: expiry(doc.Timestamp.UTC(), spec.TTLDays),
	})
	metrics.UpdateStoreRecords("profile_events", len(s.events[collection]))
	return nil
}

// GetProfile returns a copy of the stored profile.
func (s *MemoryProfileStore) GetProfile(_ context.Context, collection, profileID string) (profile.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.traits[collection][profileID]
	if !ok || !s.nowF().Before(doc.expiresAt) {
		return profile.Profile{}, profile.ErrNotFound
	}
	p := doc.profile
	p.Traits = model.CloneObject(p.Traits)
	return p, nil
}

// Events returns the raw events stored for profileID in append order.
func (s *MemoryProfileStore) Events(_ context.Context, collection, profileID string) []profile.EventDoc {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.nowF()
	var out []profile.EventDoc
	for _, e := range s.events[collection] {
		if e.doc.ProfileID == profileID && now.Before(e.expiresAt) {
			d := e.doc
			d.Event = d.Event.Clone()
			out = append(out, d)
		}
	}
	return out
}

// Purge drops expired documents from every collection.
func (s *MemoryProfileStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowF()
	total := 0
	for _, docs := range s.traits {
		for id, doc := range docs {
			if !now.Before(doc.expiresAt) {
				delete(docs, id)
				total++
			}
		}
	}
	for name, list := range s.events {
		kept := list[:0]
		for _, e := range list {
			if now.Before(e.expiresAt) {
				kept = append(kept, e)
			}
		}
		total += len(list) - len(kept)
		s.events[name] = kept
	}
	return total, nil
}
