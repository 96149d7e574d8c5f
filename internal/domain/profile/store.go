package profile

import (
	"context"
	"sync"
	"time"

	"github.com/okian/rotor/internal/domain/model"
)

// Precedence decides which side wins when trait keys collide on upsert.
type Precedence string

const (
	// PrecedenceExisting keeps stored values and only fills absent keys.
	PrecedenceExisting Precedence = "existing"
	// PrecedenceIncoming lets the latest identify overwrite stored values.
	PrecedenceIncoming Precedence = "incoming"
)

// ParsePrecedence maps a config value to a Precedence. Empty means existing.
func ParsePrecedence(s string) (Precedence, error) {
	switch Precedence(s) {
	case "", PrecedenceExisting:
		return PrecedenceExisting, nil
	case PrecedenceIncoming:
		return PrecedenceIncoming, nil
	}
	return "", ErrInvalidPrecedence
}

// CollectionKind distinguishes the two collections of a profile builder.
type CollectionKind string

const (
	KindRaw    CollectionKind = "raw"
	KindTraits CollectionKind = "traits"
)

// CollectionSpec describes a collection to create on first use. Both kinds
// are indexed on (profile id hash, profile id); traits collections are
// additionally unique on the profile id.
type CollectionSpec struct {
	Name    string
	Kind    CollectionKind
	TTLDays int
}

// TraitsUpdate is one merge-upsert into a traits collection.
type TraitsUpdate struct {
	ProfileID     string
	ProfileIDHash int32
	Traits        map[string]any
	Precedence    Precedence
	At            time.Time
}

// EventDoc is one entry in the append-only raw collection.
type EventDoc struct {
	ProfileID     string
	ProfileIDHash int32
	Timestamp     time.Time
	Event         model.Event
}

// Profile is a stored traits document.
type Profile struct {
	ProfileID     string         `json:"profileId"`
	ProfileIDHash int32          `json:"profileIdHash"`
	Traits        map[string]any `json:"traits"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Store persists profiles. Implementations return ErrNotFound from
// GetProfile for unknown ids.
type Store interface {
	EnsureCollection(ctx context.Context, spec CollectionSpec) error
	UpsertTraits(ctx context.Context, collection string, u TraitsUpdate) error
	AppendEvent(ctx context.Context, collection string, doc EventDoc) error
	GetProfile(ctx context.Context, collection, profileID string) (Profile, error)
}

// Notifier triggers the downstream bulk loader after a profile write.
type Notifier interface {
	Notify(ctx context.Context, profileID string, priority int) error
}

// MergeTraits combines stored and incoming traits into a new object
// according to p. With PrecedenceExisting a stored key wins unless its
// value is null.
func MergeTraits(stored, incoming map[string]any, p Precedence) map[string]any {
	out := make(map[string]any, len(stored)+len(incoming))
	for k, v := range stored {
		out[k] = model.CloneValue(v)
	}
	for k, v := range incoming {
		if p != PrecedenceIncoming {
			if cur, ok := out[k]; ok && cur != nil {
				continue
			}
		}
		out[k] = model.CloneValue(v)
	}
	return out
}

// RawCollection names the append-only event collection of a builder.
func RawCollection(workspaceID, builderID string) string {
	return "profiles-raw-" + workspaceID + "-" + builderID
}

// TraitsCollection names the traits collection of a builder.
func TraitsCollection(workspaceID, builderID string) string {
	return "profiles-traits-" + workspaceID + "-" + builderID
}

// CollectionCache remembers which collections were already ensured so the
// store is asked at most once per collection for the cache's lifetime.
// A failed ensure is not cached.
type CollectionCache struct {
	mu    sync.Mutex
	ready map[string]struct{}
}

// NewCollectionCache creates an empty cache.
func NewCollectionCache() *CollectionCache {
	return &CollectionCache{ready: make(map[string]struct{})}
}

// Ensure creates spec through store unless it was created before.
func (c *CollectionCache) Ensure(ctx context.Context, store Store, spec CollectionSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ready[spec.Name]; ok {
		return nil
	}
	if err := store.EnsureCollection(ctx, spec); err != nil {
		return err
	}
	c.ready[spec.Name] = struct{}{}
	return nil
}

// Len returns the number of cached collections.
func (c *CollectionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ready)
}
