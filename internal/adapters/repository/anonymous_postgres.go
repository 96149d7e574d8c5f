package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/golang/snappy"
	"github.com/okian/rotor/internal/domain/model"
	"github.com/okian/rotor/pkg/logger"
	"github.com/okian/rotor/pkg/metrics"
)

var anonymousSchema = []string{
	`CREATE TABLE IF NOT EXISTS anonymous_events (
		id           BIGSERIAL PRIMARY KEY,
		collection   TEXT        NOT NULL,
		anonymous_id TEXT        NOT NULL,
		payload      BYTEA       NOT NULL,
		expires_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS anonymous_events_key_idx ON anonymous_events (collection, anonymous_id)`,
	`CREATE INDEX IF NOT EXISTS anonymous_events_expires_idx ON anonymous_events (expires_at)`,
}

// PostgresAnonymousStore buffers anonymous events in PostgreSQL. Payloads
// are snappy-compressed JSON.
type PostgresAnonymousStore struct {
	db   *sql.DB
	nowF func() time.Time
	log  logger.Logger
}

// NewPostgresAnonymousStore wraps db. Call Migrate before first use.
func NewPostgresAnonymousStore(db *sql.DB, opts ...Option) *PostgresAnonymousStore {
	o := newOptions(opts)
	return &PostgresAnonymousStore{db: db, nowF: o.nowF, log: o.log}
}

// Migrate creates the table and indexes if they do not exist.
func (s *PostgresAnonymousStore) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db, anonymousSchema)
}

// AddEvent inserts ev for anonymousID, expiring after windowDays.
func (s *PostgresAnonymousStore) AddEvent(ctx context.Context, collection, anonymousID string, ev model.Event, windowDays int) error {
	if collection == "" || anonymousID == "" {
		return ErrInvalidKey
	}
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("anonymous_add", float64(time.Since(start).Milliseconds())) }()

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode anonymous event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anonymous_events (collection, anonymous_id, payload, expires_at) VALUES ($1, $2, $3, $4)`,
		collection, anonymousID, snappy.Encode(nil, raw), expiry(s.nowF(), windowDays))
	if err != nil {
		return fmt.Errorf("insert anonymous event: %w", err)
	}
	return nil
}

// EvictEvents deletes every row of anonymousID in one statement and returns
// the unexpired ones in insertion order. Concurrent evictions of the same
// key each receive a disjoint set of rows.
func (s *PostgresAnonymousStore) EvictEvents(ctx context.Context, collection, anonymousID string) ([]model.Event, error) {
	if collection == "" || anonymousID == "" {
		return nil, ErrInvalidKey
	}
	start := time.Now()
	defer func() { metrics.RecordStoreLatency("anonymous_evict", float64(time.Since(start).Milliseconds())) }()

	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM anonymous_events WHERE collection = $1 AND anonymous_id = $2 RETURNING id, payload, expires_at`,
		collection, anonymousID)
	if err != nil {
		return nil, fmt.Errorf("evict anonymous events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type evicted struct {
		id int64
		ev model.Event
	}
	now := s.nowF()
	var got []evicted
	for rows.Next() {
		var (
			id        int64
			payload   []byte
			expiresAt time.Time
		)
		if err := rows.Scan(&id, &payload, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan anonymous event: %w", err)
		}
		if !now.Before(expiresAt) {
			continue
		}
		ev, err := decodeAnonymous(payload)
		if err != nil {
			s.log.Warn(ctx, "dropping undecodable anonymous event",
				logger.String("collection", collection), logger.Error(err))
			continue
		}
		got = append(got, evicted{id: id, ev: ev})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("evict anonymous events: %w", err)
	}

	sort.Slice(got, func(i, j int) bool { return got[i].id < got[j].id })
	out := make([]model.Event, len(got))
	for i, e := range got {
		out[i] = e.ev
	}
	return out, nil
}

// Purge deletes expired rows.
func (s *PostgresAnonymousStore) Purge(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM anonymous_events WHERE expires_at <= $1`, s.nowF())
	if err != nil {
		return 0, fmt.Errorf("purge anonymous events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge anonymous events: %w", err)
	}
	return int(n), nil
}

func decodeAnonymous(payload []byte) (model.Event, error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	var ev model.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return ev, nil
}
