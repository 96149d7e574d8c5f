// Package identity attributes buffered anonymous events to a user once an
// identify call resolves the anonymous id.
//
// Per (connection, anonymousId) a key moves from unseen to buffered when an
// anonymous page, track or screen event arrives, and from buffered to
// resolved when an identify carrying a user id or an identifying trait
// evicts the buffer. Expiry of buffered events is left to the store.
package identity

import (
	"context"

	"github.com/okian/rotor/internal/domain/failure"
	"github.com/okian/rotor/internal/domain/fields"
	"github.com/okian/rotor/internal/domain/model"
	"github.com/okian/rotor/pkg/logger"
)

// ProfilesDestination is the destination type exempt from the
// deduplication precondition.
const ProfilesDestination = "profiles"

// DefaultLookbackDays is how long anonymous events stay buffered.
const DefaultLookbackDays = 30

// DefaultIdentifyingTraits are used when a connection names none.
var DefaultIdentifyingTraits = []string{"email"}

// AnonymousStore is the windowed store buffering anonymous events.
//
// EvictEvents must be an atomic pop: every event added for the key before
// the eviction is either returned by it or left for a later eviction, never
// lost. Events are returned in insertion order.
type AnonymousStore interface {
	AddEvent(ctx context.Context, collection, anonymousID string, ev model.Event, windowDays int) error
	EvictEvents(ctx context.Context, collection, anonymousID string) ([]model.Event, error)
}

// Config is the per-connection recognition setup.
type Config struct {
	ConnectionID      string
	DestinationType   string
	Deduplicate       bool
	PrimaryKey        []string
	IdentifyingTraits []string
}

// Action tells the caller what to deliver.
type Action int

const (
	// PassThrough delivers the original event unchanged.
	PassThrough Action = iota
	// Replace delivers Outcome.Events instead of the original event.
	Replace
)

func (a Action) String() string {
	if a == Replace {
		return "replace"
	}
	return "pass_through"
}

// Outcome is the result of recognizing one event.
type Outcome struct {
	Action Action
	Events []model.Event
	// Buffered is set when the event was added to the anonymous store.
	Buffered bool
	// Recognized counts buffered events re-emitted with the resolved identity.
	Recognized int
}

// Deliverables returns the events the caller should send on.
func (o Outcome) Deliverables(original model.Event) []model.Event {
	if o.Action == Replace {
		return o.Events
	}
	return []model.Event{original}
}

// CollectionName is the anonymous-event collection of a connection.
func CollectionName(connectionID string) string {
	return "anonymous-events-" + connectionID
}

// Recognizer runs identity recognition against an AnonymousStore.
type Recognizer struct {
	store        AnonymousStore
	log          logger.Logger
	lookbackDays int
}

// NewRecognizer creates a Recognizer backed by store.
func NewRecognizer(store AnonymousStore, opts ...Option) *Recognizer {
	r := &Recognizer{
		store:        store,
		lookbackDays: DefaultLookbackDays,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logger.Get().Named("identity")
	}
	return r
}

// Recognize buffers anonymous events and, on identify, evicts and merges
// them. The event passed in is never modified. On a store error the
// returned outcome is PassThrough so callers can degrade gracefully.
func (r *Recognizer) Recognize(ctx context.Context, ev model.Event, cfg Config) (Outcome, error) {
	pass := Outcome{Action: PassThrough}
	msgID := logger.MessageID(ev.MessageID())

	if cfg.DestinationType != ProfilesDestination && (!cfg.Deduplicate || len(cfg.PrimaryKey) == 0) {
		r.log.Error(ctx, "user recognition requires deduplication with a primary key; passing event through",
			msgID, logger.String("connection", cfg.ConnectionID))
		return pass, nil
	}

	traitKeys := cfg.IdentifyingTraits
	if len(traitKeys) == 0 {
		traitKeys = DefaultIdentifyingTraits
	}
	collection := CollectionName(cfg.ConnectionID)

	switch ev.Type() {
	case model.TypePage, model.TypeTrack, model.TypeScreen:
		if ev.AnonymousID() == "" || ev.UserID() != "" || hasAny(ev.ContextTraits(), traitKeys) {
			return pass, nil
		}
		if err := r.store.AddEvent(ctx, collection, ev.AnonymousID(), ev.Clone(), r.lookbackDays); err != nil {
			return pass, asStoreError("add event", err)
		}
		r.log.Debug(ctx, "anonymous event buffered", msgID, logger.String("anonymousId", ev.AnonymousID()))
		return Outcome{Action: PassThrough, Buffered: true}, nil

	case model.TypeIdentify:
		if ev.UserID() == "" && !hasAny(ev.Traits(), traitKeys) {
			r.log.Warn(ctx, "identify without user id or identifying traits dropped", msgID)
			return Outcome{Action: Replace}, nil
		}
		if ev.AnonymousID() == "" {
			return pass, nil
		}
		evicted, err := r.store.EvictEvents(ctx, collection, ev.AnonymousID())
		if err != nil {
			return pass, asStoreError("evict events", err)
		}
		out := make([]model.Event, 0, 1+len(evicted))
		out = append(out, ev)
		for _, buffered := range evicted {
			out = append(out, merge(buffered, ev))
		}
		if len(evicted) > 0 {
			r.log.Info(ctx, "anonymous events recognized", msgID,
				logger.String("anonymousId", ev.AnonymousID()), logger.Int("count", len(evicted)))
		}
		return Outcome{Action: Replace, Events: out, Recognized: len(evicted)}, nil
	}

	return pass, nil
}

// merge copies identify's user id and traits into a copy of buffered and
// stamps it with the identify messageId. Identify values win.
func merge(buffered, identify model.Event) model.Event {
	out := buffered.Clone()
	if uid := identify.UserID(); uid != "" {
		out["userId"] = uid
	}
	if traits := identify.Traits(); len(traits) > 0 {
		target := out.Traits()
		if target == nil {
			target = map[string]any{}
			out["traits"] = target
		}
		fields.Transfer(target, model.CloneObject(traits))

		ctx := out.Context()
		if ctx == nil {
			ctx = map[string]any{}
			out["context"] = ctx
		}
		ctxTraits := model.Object(ctx["traits"])
		if ctxTraits == nil {
			ctxTraits = map[string]any{}
			ctx["traits"] = ctxTraits
		}
		fields.Transfer(ctxTraits, model.CloneObject(traits))
	}
	out[model.IdentifiedByField] = identify.MessageID()
	return out
}

func hasAny(traits map[string]any, keys []string) bool {
	for _, k := range keys {
		v, ok := traits[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return true
	}
	return false
}

func asStoreError(op string, err error) error {
	if failure.IsStore(err) {
		return err
	}
	return failure.NewStore(op, err)
}
