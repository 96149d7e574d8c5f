// Package pipeline runs one event through every configured connection:
// identity recognition, layout, delivery with retries, and finally the
// profile builder.
//
// Connections are independent. A failure on one is logged and reported
// in the joined error but never stops the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/okian/rotor/internal/domain/failure"
	"github.com/okian/rotor/internal/domain/identity"
	"github.com/okian/rotor/internal/domain/layout"
	"github.com/okian/rotor/internal/domain/model"
	"github.com/okian/rotor/internal/domain/profile"
	"github.com/okian/rotor/pkg/logger"
	"github.com/okian/rotor/pkg/metrics"
)

// Retry defaults.
const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

// Sink delivers one row to a destination.
type Sink interface {
	ID() string
	Deliver(ctx context.Context, row model.TransformedRow) (model.Event, error)
}

// Recognizer is the identity stage.
type Recognizer interface {
	Recognize(ctx context.Context, ev model.Event, cfg identity.Config) (identity.Outcome, error)
}

// ProfileBuilder is the profile stage.
type ProfileBuilder interface {
	Process(ctx context.Context, ev model.Event) (profile.Result, error)
}

// Connection binds a layout and a sink.
type Connection struct {
	ID                string
	DestinationType   string
	Layout            string
	Deduplicate       bool
	PrimaryKey        []string
	UserRecognition   bool
	IdentifyingTraits []string
	Sink              Sink
}

func (c Connection) identity() identity.Config {
	return identity.Config{
		ConnectionID:      c.ID,
		DestinationType:   c.DestinationType,
		Deduplicate:       c.Deduplicate,
		PrimaryKey:        c.PrimaryKey,
		IdentifyingTraits: c.IdentifyingTraits,
	}
}

// RetryPolicy bounds delivery retries. Intervals grow exponentially from
// InitialInterval up to MaxInterval.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Result summarises one Process call.
type Result struct {
	Delivered  int
	Failed     int
	Buffered   bool
	Recognized int
	Profile    *profile.Result
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	connections []Connection
	layouts     *layout.Registry
	recognizer  Recognizer
	profiles    ProfileBuilder
	retry       RetryPolicy
	log         logger.Logger
}

// New validates connections and creates a Pipeline.
func New(connections []Connection, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		layouts: layout.DefaultRegistry(),
		retry: RetryPolicy{
			MaxAttempts:     DefaultMaxAttempts,
			InitialInterval: DefaultInitialInterval,
			MaxInterval:     DefaultMaxInterval,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.Get().Named("pipeline")
	}

	seen := make(map[string]struct{}, len(connections))
	for _, c := range connections {
		if c.ID == "" || c.Sink == nil {
			return nil, fmt.Errorf("%w: connection %q needs an id and a sink", ErrInvalidConnection, c.ID)
		}
		if _, ok := p.layouts.Lookup(c.Layout); !ok {
			return nil, fmt.Errorf("%w: connection %s: unknown layout %q", ErrInvalidConnection, c.ID, c.Layout)
		}
		if _, ok := seen[c.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateConnection, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	p.connections = append([]Connection(nil), connections...)
	return p, nil
}

// Connections returns the configured connection ids in order.
func (p *Pipeline) Connections() []string {
	ids := make([]string, len(p.connections))
	for i, c := range p.connections {
		ids[i] = c.ID
	}
	return ids
}

// Process runs ev through every connection and the profile builder. The
// returned error joins every connection and profile failure.
func (p *Pipeline) Process(ctx context.Context, ev model.Event) (Result, error) {
	var (
		res  Result
		errs []error
	)
	for _, c := range p.connections {
		if err := p.processConnection(ctx, ev, c, &res); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.ID, err))
		}
	}

	if p.profiles != nil {
		pr, err := p.profiles.Process(ctx, ev)
		res.Profile = &pr
		if err != nil {
			p.log.Error(ctx, "profile write failed", logger.MessageID(ev.MessageID()), logger.Error(err))
			errs = append(errs, fmt.Errorf("profile: %w", err))
		}
	}

	metrics.RecordEventProcessed()
	return res, errors.Join(errs...)
}

func (p *Pipeline) processConnection(ctx context.Context, ev model.Event, c Connection, res *Result) error {
	msgID := logger.MessageID(ev.MessageID())
	events := []model.Event{ev}

	if c.UserRecognition && p.recognizer != nil {
		out, err := p.recognizer.Recognize(ctx, ev, c.identity())
		if err != nil {
			metrics.RecordRecognitionDegraded(string(failure.KindOf(err)))
			p.log.Warn(ctx, "recognition degraded to pass-through", msgID,
				logger.String("connection", c.ID), logger.Error(err))
		}
		if out.Buffered {
			res.Buffered = true
			metrics.RecordEventBuffered()
		}
		if out.Recognized > 0 {
			res.Recognized += out.Recognized
			metrics.RecordEventsRecognized(out.Recognized)
		}
		events = out.Deliverables(ev)
	}

	var errs []error
	for _, e := range events {
		rows, err := p.layouts.Transform(e, c.Layout)
		if err != nil {
			res.Failed++
			p.log.Error(ctx, "layout failed", logger.MessageID(e.MessageID()),
				logger.String("connection", c.ID), logger.String("layout", c.Layout), logger.Error(err))
			errs = append(errs, err)
			continue
		}
		metrics.RecordRowsTransformed(c.Layout, len(rows))
		for _, row := range rows {
			if err := p.deliver(ctx, c, row); err != nil {
				res.Failed++
				errs = append(errs, err)
				continue
			}
			res.Delivered++
		}
	}
	return errors.Join(errs...)
}

// deliver sends row, retrying with exponential backoff while
// failure.Classify says the error is worth another attempt.
func (p *Pipeline) deliver(ctx context.Context, c Connection, row model.TransformedRow) error {
	attempt := 0
	op := func() (model.Event, error) {
		attempt++
		ev, err := c.Sink.Deliver(ctx, row)
		if err == nil {
			return ev, nil
		}
		if failure.Classify(err, attempt, p.retry.MaxAttempts) == failure.Fatal {
			return nil, backoff.Permanent(err)
		}
		metrics.RecordDeliveryRetry(c.ID)
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retry.InitialInterval
	b.MaxInterval = p.retry.MaxInterval

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.retry.MaxAttempts)))
	if err != nil {
		p.log.Error(ctx, "delivery gave up", logger.MessageID(rowMessageID(row.Event)),
			logger.String("connection", c.ID), logger.String("table", row.Table),
			logger.Int("attempts", attempt), logger.Error(err))
		return fmt.Errorf("deliver to %s after %d attempt(s): %w", c.Sink.ID(), attempt, err)
	}
	return nil
}

func rowMessageID(ev model.Event) string {
	if id := ev.MessageID(); id != "" {
		return id
	}
	id, _ := ev["message_id"].(string)
	return id
}
