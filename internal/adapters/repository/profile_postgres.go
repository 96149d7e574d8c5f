package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/okian/rotor/internal/domain/profile"
)

var profileSchema = []string{
	`CREATE TABLE IF NOT EXISTS profile_collections (
		name     TEXT PRIMARY KEY,
		kind     TEXT    NOT NULL,
		ttl_days INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profile_traits (
		collection      TEXT        NOT NULL,
		profile_id      TEXT        NOT NULL,
		profile_id_hash INTEGER     NOT NULL,
		traits          JSONB       NOT NULL DEFAULT '{}'::jsonb,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (collection, profile_id)
	)`,
	`CREATE INDEX IF NOT EXISTS profile_traits_hash_idx ON profile_traits (collection, profile_id_hash, profile_id)`,
	`CREATE TABLE IF NOT EXISTS profile_events (
		id              BIGSERIAL PRIMARY KEY,
		collection      TEXT        NOT NULL,
		profile_id      TEXT        NOT NULL,
		profile_id_hash INTEGER     NOT NULL,
		event           JSONB       NOT NULL,
		ts              TIMESTAMPTZ NOT NULL,
		expires_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS profile_events_hash_idx ON profile_events (collection, profile_id_hash, profile_id)`,
}

// Existing values win unless null, so nulls are stripped before the
// stored side is laid over the incoming one.
const upsertExisting = `INSERT INTO profile_traits
	(collection, profile_id, profile_id_hash, traits, created_at, updated_at, expires_at)
	VALUES ($1, $2, $3, $4::jsonb, $5, $5, $6)
	ON CONFLICT (collection, profile_id) DO UPDATE SET
		traits     = EXCLUDED.traits || jsonb_strip_nulls(profile_traits.traits),
		updated_at = EXCLUDED.updated_at,
		expires_at = EXCLUDED.expires_at`

const upsertIncoming = `INSERT INTO profile_traits
	(collection, profile_id, profile_id_hash, traits, created_at, updated_at, expires_at)
	VALUES ($1, $2, $3, $4::jsonb, $5, $5, $6)
	ON CONFLICT (collection, profile_id) DO UPDATE SET
		traits     = profile_traits.traits || EXCLUDED.traits,
		updated_at = EXCLUDED.updated_at,
		expires_at = EXCLUDED.expires_at`

// PostgresProfileStore keeps profile collections as rows keyed by
// collection name in two shared tables.
type PostgresProfileStore struct {
	db   *sql.DB
	nowF func() time.Time

	mu    sync.RWMutex
	specs map[string]profile.CollectionSpec
}

// NewPostgresProfileStore wraps db. Call Migrate before first use.
func NewPostgresProfileStore(db *sql.DB, opts ...Option) *PostgresProfileStore {
	o := newOptions(opts)
	return &PostgresProfileStore{db: db, nowF: o.nowF, specs: make(map[string]profile.CollectionSpec)}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *PostgresProfileStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db, profileSchema)
}

// EnsureCollection records spec. An existing registration keeps its
// original kind and TTL.
func (s *PostgresProfileStore) EnsureCollection(ctx context.Context, spec profile.CollectionSpec) error {
	if spec.Name == "" {
		return ErrInvalidKey
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profile_collections (name, kind, ttl_days) VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING`,
		spec.Name, string(spec.Kind), spec.TTLDays)
	if err != nil {
		return fmt.Errorf("ensure collection %s: %w", spec.Name, err)
	}

	var kind string
	err = s.db.QueryRowContext(ctx,
		`SELECT kind, ttl_days FROM profile_collections WHERE name = $1`, spec.Name).Scan(&kind, &spec.TTLDays)
	if err != nil {
		return fmt.Errorf("load collection %s: %w", spec.Name, err)
	}
	spec.Kind = profile.CollectionKind(kind)

	s.mu.Lock()
	s.specs[spec.Name] = spec
	s.mu.Unlock()
	return nil
}

func (s *PostgresProfileStore) spec(name string, kind profile.CollectionKind) (profile.CollectionSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[name]
	if !ok || spec.Kind != kind {
		return profile.CollectionSpec{}, ErrUnknownCollection
	}
	return spec, nil
}

// UpsertTraits merges u into the stored document in a single statement.
func (s *PostgresProfileStore) UpsertTraits(ctx context.Context, collection string, u profile.TraitsUpdate) error {
	if u.ProfileID == "" {
		return ErrInvalidKey
	}
	spec, err := s.spec(collection, profile.KindTraits)
	if err != nil {
		return err
	}
	traits := u.Traits
	if traits == nil {
		traits = map[string]any{}
	}
	raw, err := json.Marshal(traits)
	if err != nil {
		return fmt.Errorf("encode traits: %w", err)
	}

	stmt := upsertExisting
	if u.Precedence == profile.PrecedenceIncoming {
		stmt = upsertIncoming
	}
	at := u.At.UTC()
	if _, err := s.db.ExecContext(ctx, stmt,
		collection, u.ProfileID, u.ProfileIDHash, string(raw), at, expiry(at, spec.TTLDays)); err != nil {
		return fmt.Errorf("upsert traits: %w", err)
	}
	return nil
}

// AppendEvent inserts doc into the raw collection.
func (s *PostgresProfileStore) AppendEvent(ctx context.Context, collection string, doc profile.EventDoc) error {
	if doc.ProfileID == "" {
		return ErrInvalidKey
	}
	spec, err := s.spec(collection, profile.KindRaw)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ts := doc.Timestamp.UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profile_events (collection, profile_id, profile_id_hash, event, ts, expires_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)`,
		collection, doc.ProfileID, doc.ProfileIDHash, string(raw), ts, expiry(ts, spec.TTLDays))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// GetProfile loads an unexpired traits document.
func (s *PostgresProfileStore) GetProfile(ctx context.Context, collection, profileID string) (profile.Profile, error) {
	var (
		p   profile.Profile
		raw []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT profile_id, profile_id_hash, traits, created_at, updated_at
		 FROM profile_traits WHERE collection = $1 AND profile_id = $2 AND expires_at > $3`,
		collection, profileID, s.nowF()).Scan(&p.ProfileID, &p.ProfileIDHash, &raw, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return profile.Profile{}, profile.ErrNotFound
		}
		return profile.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if err := json.Unmarshal(raw, &p.Traits); err != nil {
		return profile.Profile{}, fmt.Errorf("decode traits: %w", err)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

// Purge deletes expired documents from both tables.
func (s *PostgresProfileStore) Purge(ctx context.Context) (int, error) {
	now := s.nowF()
	total := 0
	for _, table := range []string{"profile_traits", "profile_events"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE expires_at <= $1`, now)
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("purge %s: %w", table, err)
		}
		total += int(n)
	}
	return total, nil
}
