package profile

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/okian/rotor/internal/domain/failure"
	"github.com/okian/rotor/internal/domain/fields"
	"github.com/okian/rotor/internal/domain/model"
	"github.com/okian/rotor/pkg/logger"
	"github.com/okian/rotor/pkg/metrics"
)

// DefaultWindowDays is the retention of profile collections.
const DefaultWindowDays = 365

// Config selects the collections a Builder writes to.
type Config struct {
	WorkspaceID      string
	ProfileBuilderID string
	WindowDays       int
	TraitsPrecedence Precedence
}

// Result describes what Process did with an event.
type Result struct {
	Skipped       bool
	ProfileID     string
	ProfileIDHash int32
	TraitsUpdated bool
	Notified      bool
}

// Builder writes events into the profile store.
type Builder struct {
	store    Store
	cache    *CollectionCache
	notifier Notifier
	cfg      Config
	log      logger.Logger
	nowF     func() time.Time
}

// NewBuilder creates a Builder over store.
func NewBuilder(store Store, cfg Config, opts ...Option) *Builder {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultWindowDays
	}
	if cfg.TraitsPrecedence == "" {
		cfg.TraitsPrecedence = PrecedenceExisting
	}
	b := &Builder{
		store: store,
		cfg:   cfg,
		nowF:  time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.cache == nil {
		b.cache = NewCollectionCache()
	}
	if b.log == nil {
		b.log = logger.Get().Named("profile")
	}
	return b
}

// RawCollection is the event collection this builder appends to.
func (b *Builder) RawCollection() string {
	return RawCollection(b.cfg.WorkspaceID, b.cfg.ProfileBuilderID)
}

// TraitsCollection is the traits collection this builder upserts into.
func (b *Builder) TraitsCollection() string {
	return TraitsCollection(b.cfg.WorkspaceID, b.cfg.ProfileBuilderID)
}

// Process stores ev under its profile. Events without a profile id are
// skipped. Store failures are fatal for the event and returned as
// StoreError; a failed bulk-loader notification is only logged.
func (b *Builder) Process(ctx context.Context, ev model.Event) (Result, error) {
	msgID := logger.MessageID(ev.MessageID())
	profileID := ProfileID(ev)
	if profileID == "" {
		b.log.Debug(ctx, "event has no profile id, skipping profile write", msgID)
		return Result{Skipped: true}, nil
	}
	res := Result{ProfileID: profileID, ProfileIDHash: Int32Hash(profileID)}
	now := b.nowF().UTC()

	if err := b.ensureCollections(ctx); err != nil {
		metrics.RecordProfileWrite("failure")
		return res, err
	}

	if ev.Type() == model.TypeIdentify {
		traits := map[string]any{}
		fields.Transfer(traits, model.CloneObject(ev.ContextTraits()))
		fields.Transfer(traits, model.CloneObject(ev.Traits()))
		start := time.Now()
		err := b.store.UpsertTraits(ctx, b.TraitsCollection(), TraitsUpdate{
			ProfileID:     profileID,
			ProfileIDHash: res.ProfileIDHash,
			Traits:        traits,
			Precedence:    b.cfg.TraitsPrecedence,
			At:            now,
		})
		metrics.RecordStoreLatency("upsert_traits", float64(time.Since(start).Milliseconds()))
		if err != nil {
			metrics.RecordProfileWrite("failure")
			return res, storeErr("upsert traits", err)
		}
		res.TraitsUpdated = true
	}

	start := time.Now()
	err := b.store.AppendEvent(ctx, b.RawCollection(), EventDoc{
		ProfileID:     profileID,
		ProfileIDHash: res.ProfileIDHash,
		Timestamp:     now,
		Event:         ev.Without(model.InternalParams...),
	})
	metrics.RecordStoreLatency("append_event", float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RecordProfileWrite("failure")
		return res, storeErr("append event", err)
	}
	metrics.RecordProfileWrite("success")

	if b.notifier != nil {
		priority := Priority(ev)
		if err := b.notifier.Notify(ctx, profileID, priority); err != nil {
			metrics.RecordBulkLoaderNotify("failure")
			b.log.Error(ctx, "bulk loader notification failed", msgID,
				logger.String("profileId", profileID), logger.Int("priority", priority), logger.Error(err))
		} else {
			metrics.RecordBulkLoaderNotify("success")
			res.Notified = true
		}
	}
	return res, nil
}

// Get returns the stored traits document of profileID.
func (b *Builder) Get(ctx context.Context, profileID string) (Profile, error) {
	return b.store.GetProfile(ctx, b.TraitsCollection(), profileID)
}

func (b *Builder) ensureCollections(ctx context.Context) error {
	specs := []CollectionSpec{
		{Name: b.RawCollection(), Kind: KindRaw, TTLDays: b.cfg.WindowDays},
		{Name: b.TraitsCollection(), Kind: KindTraits, TTLDays: b.cfg.WindowDays},
	}
	for _, spec := range specs {
		if err := b.cache.Ensure(ctx, b.store, spec); err != nil {
			return storeErr(fmt.Sprintf("ensure collection %s", spec.Name), err)
		}
	}
	return nil
}

// ProfileID returns the explicit profile id parameter or the user id.
func ProfileID(ev model.Event) string {
	if v := paramString(ev[model.ProfileIDParam]); v != "" {
		return v
	}
	return ev.UserID()
}

// Priority reads the bulk-loader priority parameter. Missing, malformed or
// out-of-range values yield 0.
func Priority(ev model.Event) int {
	switch v := ev[model.ProfilePriorityParam].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		if math.IsNaN(v) || v < float64(math.MinInt) || v >= -float64(math.MinInt) {
			return 0
		}
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n
		}
	}
	return 0
}

func paramString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	}
	return ""
}

func storeErr(op string, err error) error {
	if failure.IsStore(err) {
		return err
	}
	return failure.NewStore(op, err)
}
