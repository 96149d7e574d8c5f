// Package repository holds the storage adapters behind the identity and
// profile domains: in-memory stores for single-node deployments and tests,
// and PostgreSQL stores for everything else.
package repository

import (
	"context"
	"time"

	"github.com/okian/rotor/internal/domain/identity"
	"github.com/okian/rotor/internal/domain/profile"
)

// AnonymousStore is an identity.AnonymousStore that can drop expired
// entries on demand.
type AnonymousStore interface {
	identity.AnonymousStore
	Purger
}

// ProfileStore is a profile.Store that can drop expired documents.
type ProfileStore interface {
	profile.Store
	Purger
}

// Purger removes expired entries and reports how many were dropped.
type Purger interface {
	Purge(ctx context.Context) (int, error)
}

// defaultWindowDays applies when a caller passes a non-positive window.
const defaultWindowDays = identity.DefaultLookbackDays

func expiry(now time.Time, days int) time.Time {
	if days <= 0 {
		days = defaultWindowDays
	}
	return now.Add(time.Duration(days) * 24 * time.Hour)
}

func storeKey(collection, anonymousID string) string {
	return collection + "\x00" + anonymousID
}

var (
	_ AnonymousStore = (*MemoryAnonymousStore)(nil)
	_ AnonymousStore = (*PostgresAnonymousStore)(nil)
	_ ProfileStore   = (*MemoryProfileStore)(nil)
	_ ProfileStore   = (*PostgresProfileStore)(nil)
)
