// Package service wires the intake, the queue, the worker pool and the
// event pipeline into one runnable unit and implements the dependencies
// of the HTTP API.
package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/okian/rotor/internal/adapters/delivery"
	eventqueue "github.com/okian/rotor/internal/adapters/mq/queue"
	workerpool "github.com/okian/rotor/internal/adapters/mq/worker"
	"github.com/okian/rotor/internal/adapters/repository"
	"github.com/okian/rotor/internal/config"
	"github.com/okian/rotor/internal/domain/dedupe"
	"github.com/okian/rotor/internal/domain/identity"
	"github.com/okian/rotor/internal/domain/model"
	"github.com/okian/rotor/internal/domain/pipeline"
	"github.com/okian/rotor/internal/domain/profile"
	"github.com/okian/rotor/pkg/logger"
)

// Service runs the event pipeline behind a bounded queue.
type Service struct {
	mu  sync.RWMutex
	cfg *config.Config

	deduper    dedupe.Deduper
	eventQueue eventqueue.Queue
	workerPool *workerpool.Pool
	pipeline   *pipeline.Pipeline
	builder    *profile.Builder
	janitor    *repository.Janitor
	db         *sql.DB

	anonymous repository.AnonymousStore
	profiles  repository.ProfileStore
	client    *delivery.Client

	processed atomic.Int64
	failed    atomic.Int64

	started bool
	logger  logger.Logger
}

// New constructs a Service from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the stores, builds the pipeline and launches the workers.
func (s *Service) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	s.logger.Info(ctx, "starting rotor service...")

	if err := s.openStores(ctx); err != nil {
		return err
	}
	defer func() {
		if err != nil && s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}
	}()

	if s.client == nil {
		s.client = delivery.NewClient(
			delivery.WithConcurrency(s.cfg.Delivery.Concurrency),
			delivery.WithTimeout(s.cfg.Delivery.Timeout()),
			delivery.WithMaxPayloadBytes(s.cfg.Delivery.MaxPayloadBytes),
			delivery.WithLogger(s.logger.Named("delivery")),
		)
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(s.logger.Named("pipeline")),
		pipeline.WithRecognizer(identity.NewRecognizer(s.anonymous,
			identity.WithLookbackDays(s.cfg.Store.LookbackDays),
			identity.WithLogger(s.logger.Named("identity")))),
		pipeline.WithRetryPolicy(pipeline.RetryPolicy{
			MaxAttempts:     s.cfg.Delivery.MaxAttempts,
			InitialInterval: s.cfg.Delivery.BackoffInitial(),
			MaxInterval:     s.cfg.Delivery.BackoffMax(),
		}),
	}
	if s.cfg.Profiles.Enabled {
		b, err := s.newBuilder()
		if err != nil {
			return err
		}
		s.builder = b
		opts = append(opts, pipeline.WithProfiles(b))
	}

	p, err := pipeline.New(s.connections(), opts...)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	s.pipeline = p

	s.deduper = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.cfg.DedupeSize))
	s.eventQueue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.cfg.EventQueueSize))
	s.workerPool = workerpool.NewPool(s.cfg.WorkerCount, s.eventQueue,
		workerpool.ProcessorFunc(s.process), workerpool.WithLogger(s.logger.Named("worker")))
	s.workerPool.Start(ctx)

	s.janitor = repository.NewJanitor(s.cfg.Store.PurgeInterval(), s.logger.Named("janitor"),
		map[string]repository.Purger{"anonymous": s.anonymous, "profiles": s.profiles})
	s.janitor.Start(ctx)

	s.started = true
	s.logger.Info(ctx, "rotor service started",
		logger.Int("workers", s.workerPool.Size()),
		logger.Int("queueSize", s.cfg.EventQueueSize),
		logger.Int("connections", len(s.cfg.Connections)),
		logger.String("store", s.cfg.Store.Driver),
		logger.Bool("profiles", s.cfg.Profiles.Enabled),
	)
	return nil
}

func (s *Service) openStores(ctx context.Context) error {
	if s.anonymous != nil && s.profiles != nil {
		return nil
	}
	storeOpts := []repository.Option{
		repository.WithMaxEventsPerKey(s.cfg.Store.MaxEventsPerKey),
		repository.WithLogger(s.logger.Named("repository")),
	}

	switch s.cfg.Store.Driver {
	case config.DriverPostgres:
		db, err := repository.OpenPostgres(ctx, s.cfg.Store.DSN)
		if err != nil {
			return err
		}
		anon := repository.NewPostgresAnonymousStore(db, storeOpts...)
		if err := anon.Migrate(ctx); err != nil {
			_ = db.Close()
			return err
		}
		prof := repository.NewPostgresProfileStore(db, storeOpts...)
		if err := prof.Migrate(ctx); err != nil {
			_ = db.Close()
			return err
		}
		s.db = db
		if s.anonymous == nil {
			s.anonymous = anon
		}
		if s.profiles == nil {
			s.profiles = prof
		}
	default:
		if s.anonymous == nil {
			s.anonymous = repository.NewMemoryAnonymousStore(storeOpts...)
		}
		if s.profiles == nil {
			s.profiles = repository.NewMemoryProfileStore(storeOpts...)
		}
	}
	return nil
}

func (s *Service) newBuilder() (*profile.Builder, error) {
	pc := s.cfg.Profiles
	precedence, err := profile.ParsePrecedence(pc.TraitsPrecedence)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	opts := []profile.Option{profile.WithLogger(s.logger.Named("profile"))}
	if pc.BulkLoaderURL != "" {
		opts = append(opts, profile.WithNotifier(
			delivery.NewBulkLoaderNotifier(s.client, pc.BulkLoaderURL, pc.ProfileBuilderID, pc.BulkLoaderToken)))
	}
	return profile.NewBuilder(s.profiles, profile.Config{
		WorkspaceID:      pc.WorkspaceID,
		ProfileBuilderID: pc.ProfileBuilderID,
		WindowDays:       pc.WindowDays,
		TraitsPrecedence: precedence,
	}, opts...), nil
}

func (s *Service) connections() []pipeline.Connection {
	out := make([]pipeline.Connection, 0, len(s.cfg.Connections))
	for _, c := range s.cfg.Connections {
		typ := c.Type
		if typ == "" {
			typ = delivery.TypeBulker
		}
		out = append(out, pipeline.Connection{
			ID:                c.ID,
			DestinationType:   typ,
			Layout:            c.Layout,
			Deduplicate:       c.Deduplicate,
			PrimaryKey:        c.PrimaryKey,
			UserRecognition:   c.UserRecognition,
			IdentifyingTraits: c.IdentifyingTraits,
			Sink: s.client.For(delivery.Destination{
				ID:              c.ID,
				Type:            typ,
				Endpoint:        c.Endpoint,
				AuthToken:       c.AuthToken,
				Method:          c.Method,
				Headers:         c.Headers,
				PayloadTemplate: c.PayloadTemplate,
				Env:             c.Env,
			}),
		})
	}
	return out
}

// process is the worker-side entry point for one event.
func (s *Service) process(ctx context.Context, ev model.Event) error {
	_, err := s.pipeline.Process(ctx, ev)
	if err != nil {
		s.failed.Add(1)
		return err
	}
	s.processed.Add(1)
	return nil
}

// Stop drains the queue, stops the workers and closes the stores.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping rotor service...")

	var firstErr error
	if err := s.workerPool.Shutdown(ctx); err != nil {
		firstErr = err
	}
	s.janitor.Stop()
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close postgres: %w", err)
		}
		s.db = nil
	}

	s.started = false
	s.logger.Info(ctx, "rotor service stopped",
		logger.Any("processed", s.processed.Load()), logger.Any("failed", s.failed.Load()))
	return firstErr
}

// SeenAndRecord reports whether the message id was already accepted.
func (s *Service) SeenAndRecord(ctx context.Context, id string) bool {
	return s.deduper.SeenAndRecord(ctx, id)
}

// Unrecord forgets a message id.
func (s *Service) Unrecord(ctx context.Context, id string) {
	s.deduper.Unrecord(ctx, id)
}

// Size returns the number of remembered message ids.
func (s *Service) Size() int64 {
	if s.deduper == nil {
		return 0
	}
	return s.deduper.Size()
}

// Enqueue submits ev for asynchronous processing.
func (s *Service) Enqueue(ctx context.Context, ev model.Event) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return s.eventQueue.Enqueue(ctx, ev)
}

// Profile returns the stored traits of profileID.
func (s *Service) Profile(ctx context.Context, profileID string) (profile.Profile, error) {
	s.mu.RLock()
	b := s.builder
	s.mu.RUnlock()
	if b == nil {
		return profile.Profile{}, ErrProfilesDisabled
	}
	return b.Get(ctx, profileID)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ctx := context.Background()
	stats := map[string]interface{}{
		"started":     s.started,
		"queueSize":   s.cfg.EventQueueSize,
		"dedupeSize":  s.cfg.DedupeSize,
		"connections": len(s.cfg.Connections),
		"store":       s.cfg.Store.Driver,
		"profiles":    s.cfg.Profiles.Enabled,
		"processed":   s.processed.Load(),
		"failed":      s.failed.Load(),
	}
	if s.started {
		stats["workerCount"] = s.workerPool.Size()
		stats["queueLength"] = s.eventQueue.Len(ctx)
		stats["dedupeEntries"] = s.deduper.Size()
	}
	return stats
}
