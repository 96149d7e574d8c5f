package identity

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/okian/rotor/internal/domain/failure"
	"github.com/okian/rotor/internal/domain/model"
	"github.com/okian/rotor/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

// fakeStore is an in-memory AnonymousStore for tests.
type fakeStore struct {
	mu       sync.Mutex
	buffered map[string][]model.Event
	days     []int
	addErr   error
	evictErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{buffered: make(map[string][]model.Event)}
}

func (f *fakeStore) AddEvent(_ context.Context, collection, anonymousID string, ev model.Event, windowDays int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	key := collection + "/" + anonymousID
	f.buffered[key] = append(f.buffered[key], ev)
	f.days = append(f.days, windowDays)
	return nil
}

func (f *fakeStore) EvictEvents(_ context.Context, collection, anonymousID string) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evictErr != nil {
		return nil, f.evictErr
	}
	key := collection + "/" + anonymousID
	out := f.buffered[key]
	delete(f.buffered, key)
	return out, nil
}

func (f *fakeStore) count(collection, anonymousID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buffered[collection+"/"+anonymousID])
}

var recognitionCfg = Config{
	ConnectionID:    "conn-1",
	DestinationType: "bulker",
	Deduplicate:     true,
	PrimaryKey:      []string{"message_id"},
}

func page(id string) model.Event {
	return model.Event{"type": "page", "anonymousId": "a1", "messageId": id}
}

func TestRecognizeScenario(t *testing.T) {
	Convey("Given a recognizer with an empty store", t, func() {
		ctx := context.Background()
		store := newFakeStore()
		r := NewRecognizer(store, WithLogger(logger.NewNop()))

		Convey("When two anonymous pages arrive", func() {
			o1, err1 := r.Recognize(ctx, page("1"), recognitionCfg)
			o2, err2 := r.Recognize(ctx, page("2"), recognitionCfg)

			Convey("Then each is buffered and passed through", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(o1.Action, ShouldEqual, PassThrough)
				So(o1.Buffered, ShouldBeTrue)
				So(o2.Buffered, ShouldBeTrue)
				So(store.count(CollectionName("conn-1"), "a1"), ShouldEqual, 2)
				So(store.days, ShouldResemble, []int{DefaultLookbackDays, DefaultLookbackDays})
			})

			Convey("When the identify arrives", func() {
				identify := model.Event{
					"type":        "identify",
					"anonymousId": "a1",
					"userId":      "u1",
					"traits":      map[string]any{"email": "e@x.com"},
					"messageId":   "3",
				}
				out, err := r.Recognize(ctx, identify, recognitionCfg)

				Convey("Then the identify and both merged pages are emitted in order", func() {
					So(err, ShouldBeNil)
					So(out.Action, ShouldEqual, Replace)
					So(out.Recognized, ShouldEqual, 2)
					So(len(out.Events), ShouldEqual, 3)
					So(out.Events[0], ShouldResemble, identify)

					for i, ev := range out.Events[1:] {
						So(ev.MessageID(), ShouldEqual, []string{"1", "2"}[i])
						So(ev.UserID(), ShouldEqual, "u1")
						So(ev.Traits()["email"], ShouldEqual, "e@x.com")
						So(ev.ContextTraits()["email"], ShouldEqual, "e@x.com")
						So(ev[model.IdentifiedByField], ShouldEqual, "3")
					}
				})

				Convey("Then the buffer is empty", func() {
					So(store.count(CollectionName("conn-1"), "a1"), ShouldEqual, 0)
				})

				Convey("Then a second identify emits only itself", func() {
					again, err := r.Recognize(ctx, identify, recognitionCfg)
					So(err, ShouldBeNil)
					So(again.Action, ShouldEqual, Replace)
					So(again.Events, ShouldResemble, []model.Event{identify})
					So(again.Deliverables(identify), ShouldResemble, []model.Event{identify})
				})
			})
		})
	})
}

func TestRecognizeRules(t *testing.T) {
	Convey("Given a recognizer", t, func() {
		ctx := context.Background()
		store := newFakeStore()
		r := NewRecognizer(store, WithLogger(logger.NewNop()), WithLookbackDays(7))

		Convey("When the connection lacks deduplication", func() {
			cfg := recognitionCfg
			cfg.Deduplicate = false
			out, err := r.Recognize(ctx, page("1"), cfg)

			So(err, ShouldBeNil)
			So(out.Action, ShouldEqual, PassThrough)
			So(out.Buffered, ShouldBeFalse)
			So(store.count(CollectionName("conn-1"), "a1"), ShouldEqual, 0)

			Convey("Then the profiles destination is exempt", func() {
				cfg.DestinationType = ProfilesDestination
				out, err := r.Recognize(ctx, page("1"), cfg)
				So(err, ShouldBeNil)
				So(out.Buffered, ShouldBeTrue)
			})
		})

		Convey("When an anonymous event already carries an identifying trait", func() {
			ev := page("1")
			ev["context"] = map[string]any{"traits": map[string]any{"email": "e@x.com"}}
			out, err := r.Recognize(ctx, ev, recognitionCfg)
			So(err, ShouldBeNil)
			So(out.Buffered, ShouldBeFalse)
		})

		Convey("When the event has a user id or is not recognizable", func() {
			withUser := page("1")
			withUser["userId"] = "u1"
			group := model.Event{"type": "group", "anonymousId": "a1", "messageId": "g"}

			o1, _ := r.Recognize(ctx, withUser, recognitionCfg)
			o2, _ := r.Recognize(ctx, group, recognitionCfg)
			So(o1.Buffered, ShouldBeFalse)
			So(o2.Action, ShouldEqual, PassThrough)
			So(store.count(CollectionName("conn-1"), "a1"), ShouldEqual, 0)
		})

		Convey("When the lookback window is configured", func() {
			_, err := r.Recognize(ctx, page("1"), recognitionCfg)
			So(err, ShouldBeNil)
			So(store.days, ShouldResemble, []int{7})
		})

		Convey("When an identify has neither user id nor identifying trait", func() {
			_, _ = r.Recognize(ctx, page("1"), recognitionCfg)
			identify := model.Event{"type": "identify", "anonymousId": "a1", "messageId": "3",
				"traits": map[string]any{"name": "Ann"}}
			out, err := r.Recognize(ctx, identify, recognitionCfg)

			So(err, ShouldBeNil)
			So(out.Action, ShouldEqual, Replace)
			So(len(out.Deliverables(identify)), ShouldEqual, 0)
			So(out.Recognized, ShouldEqual, 0)
			So(store.count(CollectionName("conn-1"), "a1"), ShouldEqual, 1)
		})

		Convey("When an identify resolves by a custom trait", func() {
			cfg := recognitionCfg
			cfg.IdentifyingTraits = []string{"phone"}
			_, _ = r.Recognize(ctx, page("1"), cfg)
			identify := model.Event{"type": "identify", "anonymousId": "a1", "messageId": "3",
				"traits": map[string]any{"phone": "555"}}
			out, err := r.Recognize(ctx, identify, cfg)

			So(err, ShouldBeNil)
			So(len(out.Events), ShouldEqual, 2)
			_, hasUser := out.Events[1]["userId"]
			So(hasUser, ShouldBeFalse)
			So(out.Events[1].Traits()["phone"], ShouldEqual, "555")
		})

		Convey("When buffered events carry their own traits", func() {
			ev := page("1")
			ev["traits"] = map[string]any{"plan": "free", "email": "old@x.com"}
			_, _ = r.Recognize(ctx, ev, recognitionCfg)
			identify := model.Event{"type": "identify", "anonymousId": "a1", "userId": "u1", "messageId": "3",
				"traits": map[string]any{"email": "new@x.com"}}
			out, _ := r.Recognize(ctx, identify, recognitionCfg)

			So(out.Events[1].Traits(), ShouldResemble, map[string]any{"plan": "free", "email": "new@x.com"})
		})

		Convey("When the store fails", func() {
			store.addErr = errors.New("down")
			out, err := r.Recognize(ctx, page("1"), recognitionCfg)
			So(failure.IsStore(err), ShouldBeTrue)
			So(out.Action, ShouldEqual, PassThrough)

			store.evictErr = errors.New("down")
			identify := model.Event{"type": "identify", "anonymousId": "a1", "userId": "u1", "messageId": "3"}
			out, err = r.Recognize(ctx, identify, recognitionCfg)
			So(failure.IsStore(err), ShouldBeTrue)
			So(out.Deliverables(identify), ShouldResemble, []model.Event{identify})
		})
	})
}
