// Package config defines the service configuration, its defaults and its
// validation.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/okian/rotor/internal/adapters/delivery"
	"github.com/okian/rotor/internal/domain/identity"
	"github.com/okian/rotor/internal/domain/layout"
	"github.com/okian/rotor/internal/domain/profile"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// EventQueueSize bounds the in-memory event queue.
	EventQueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of pipeline workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize sets how many message ids the intake remembers.
	DedupeSize int `koanf:"dedupe_size"`

	Store       StoreConfig        `koanf:"store"`
	Delivery    DeliveryConfig     `koanf:"delivery"`
	Connections []ConnectionConfig `koanf:"connections"`
	Profiles    ProfilesConfig     `koanf:"profiles"`
}

// StoreConfig selects the backing store for anonymous events and profiles.
type StoreConfig struct {
	Driver          string `koanf:"driver"`
	DSN             string `koanf:"dsn"`
	MaxEventsPerKey int    `koanf:"max_events_per_key"`
	PurgeIntervalMS int    `koanf:"purge_interval_ms"`
	LookbackDays    int    `koanf:"lookback_days"`
}

// PurgeInterval returns the janitor period.
func (s StoreConfig) PurgeInterval() time.Duration {
	return time.Duration(s.PurgeIntervalMS) * time.Millisecond
}

// DeliveryConfig bounds HTTP delivery and its retries.
type DeliveryConfig struct {
	Concurrency      int `koanf:"concurrency"`
	TimeoutMS        int `koanf:"timeout_ms"`
	MaxPayloadBytes  int `koanf:"max_payload_bytes"`
	MaxAttempts      int `koanf:"max_attempts"`
	BackoffInitialMS int `koanf:"backoff_initial_ms"`
	BackoffMaxMS     int `koanf:"backoff_max_ms"`
}

// Timeout returns the per-call timeout.
func (d DeliveryConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// BackoffInitial returns the first retry interval.
func (d DeliveryConfig) BackoffInitial() time.Duration {
	return time.Duration(d.BackoffInitialMS) * time.Millisecond
}

// BackoffMax returns the retry interval cap.
func (d DeliveryConfig) BackoffMax() time.Duration {
	return time.Duration(d.BackoffMaxMS) * time.Millisecond
}

// ConnectionConfig describes one destination and how events reach it.
type ConnectionConfig struct {
	ID                string            `koanf:"id"`
	Type              string            `koanf:"type"`
	Layout            string            `koanf:"layout"`
	Endpoint          string            `koanf:"endpoint"`
	AuthToken         string            `koanf:"auth_token"`
	Method            string            `koanf:"method"`
	Headers           map[string]string `koanf:"headers"`
	PayloadTemplate   string            `koanf:"payload_template"`
	Env               map[string]string `koanf:"env"`
	Deduplicate       bool              `koanf:"deduplicate"`
	PrimaryKey        []string          `koanf:"primary_key"`
	UserRecognition   bool              `koanf:"user_recognition"`
	IdentifyingTraits []string          `koanf:"identifying_traits"`
}

// ProfilesConfig enables the profile builder.
type ProfilesConfig struct {
	Enabled          bool   `koanf:"enabled"`
	WorkspaceID      string `koanf:"workspace_id"`
	ProfileBuilderID string `koanf:"profile_builder_id"`
	WindowDays       int    `koanf:"window_days"`
	BulkLoaderURL    string `koanf:"bulk_loader_url"`
	BulkLoaderToken  string `koanf:"bulk_loader_token"`
	TraitsPrecedence string `koanf:"traits_precedence"`
}

// New returns a Config holding the defaults.
func New() *Config {
	return &Config{
		LogLevel:       "info",
		Addr:           ":9080",
		EventQueueSize: 100_000,
		WorkerCount:    runtime.NumCPU() * 4,
		DedupeSize:     500_000,
		Store: StoreConfig{
			Driver:          DriverMemory,
			PurgeIntervalMS: 300_000,
			LookbackDays:    identity.DefaultLookbackDays,
		},
		Delivery: DeliveryConfig{
			Concurrency:      delivery.DefaultConcurrency,
			TimeoutMS:        int(delivery.DefaultTimeout / time.Millisecond),
			MaxPayloadBytes:  delivery.DefaultMaxPayloadBytes,
			MaxAttempts:      3,
			BackoffInitialMS: 200,
			BackoffMaxMS:     5_000,
		},
		Profiles: ProfilesConfig{
			WindowDays:       profile.DefaultWindowDays,
			TraitsPrecedence: string(profile.PrecedenceExisting),
		},
	}
}

// Validate checks cross-field rules. Every error wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return invalid("addr must not be empty")
	}
	if c.EventQueueSize <= 0 {
		return invalid("queue_size must be positive, got %d", c.EventQueueSize)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DSN == "" {
			return invalid("store.dsn is required for the postgres driver")
		}
	default:
		return invalid("unknown store.driver %q", c.Store.Driver)
	}
	if c.Store.MaxEventsPerKey < 0 {
		return invalid("store.max_events_per_key must not be negative")
	}

	d := c.Delivery
	if d.Concurrency <= 0 || d.TimeoutMS <= 0 || d.MaxPayloadBytes <= 0 || d.MaxAttempts <= 0 {
		return invalid("delivery concurrency, timeout_ms, max_payload_bytes and max_attempts must be positive")
	}

	seen := make(map[string]struct{}, len(c.Connections))
	for i, conn := range c.Connections {
		if conn.ID == "" {
			return invalid("connections[%d]: id is required", i)
		}
		if _, ok := seen[conn.ID]; ok {
			return invalid("connections[%d]: duplicate id %q", i, conn.ID)
		}
		seen[conn.ID] = struct{}{}

		switch conn.Type {
		case "", delivery.TypeBulker, delivery.TypeWebhook:
		default:
			return invalid("connection %s: unknown type %q", conn.ID, conn.Type)
		}
		if conn.Endpoint == "" {
			return invalid("connection %s: endpoint is required", conn.ID)
		}
		if _, ok := layout.DefaultRegistry().Lookup(conn.Layout); !ok {
			return invalid("connection %s: unknown layout %q", conn.ID, conn.Layout)
		}
	}

	if p := c.Profiles; p.Enabled {
		if p.WorkspaceID == "" || p.ProfileBuilderID == "" {
			return invalid("profiles.workspace_id and profiles.profile_builder_id are required")
		}
		if _, err := profile.ParsePrecedence(p.TraitsPrecedence); err != nil {
			return invalid("profiles.traits_precedence: %v", err)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
