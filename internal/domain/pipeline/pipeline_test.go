package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/okian/rotor/internal/domain/failure"
	"github.com/okian/rotor/internal/domain/identity"
	"github.com/okian/rotor/internal/domain/layout"
	"github.com/okian/rotor/internal/domain/model"
	"github.com/okian/rotor/internal/domain/profile"
	"github.com/okian/rotor/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

type recordingSink struct {
	id string

	mu    sync.Mutex
	rows  []model.TransformedRow
	calls int
	fail  func(call int) error
}

func (s *recordingSink) ID() string { return s.id }

func (s *recordingSink) Deliver(_ context.Context, row model.TransformedRow) (model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail != nil {
		if err := s.fail(s.calls); err != nil {
			return nil, err
		}
	}
	s.rows = append(s.rows, row)
	return row.Event, nil
}

type memStore struct {
	mu   sync.Mutex
	keys map[string][]model.Event
	err  error
}

func newMemStore() *memStore { return &memStore{keys: map[string][]model.Event{}} }

func (m *memStore) AddEvent(_ context.Context, coll, anon string, ev model.Event, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.keys[coll+"/"+anon] = append(m.keys[coll+"/"+anon], ev)
	return nil
}

func (m *memStore) EvictEvents(_ context.Context, coll, anon string) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := m.keys[coll+"/"+anon]
	delete(m.keys, coll+"/"+anon)
	return out, nil
}

type stubProfiles struct {
	seen []string
	err  error
}

func (s *stubProfiles) Process(_ context.Context, ev model.Event) (profile.Result, error) {
	s.seen = append(s.seen, ev.MessageID())
	return profile.Result{ProfileID: ev.UserID()}, s.err
}

func fastRetry() Option {
	return WithRetryPolicy(RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond})
}

func unavailable(int) error {
	return failure.Retry(failure.NewHTTP(http.StatusServiceUnavailable, "down"))
}

func TestNew(t *testing.T) {
	Convey("Given connection sets", t, func() {
		sink := &recordingSink{id: "s"}
		nop := WithLogger(logger.NewNop())

		Convey("When a layout is unknown", func() {
			_, err := New([]Connection{{ID: "c", Layout: "nope", Sink: sink}}, nop)
			So(errors.Is(err, ErrInvalidConnection), ShouldBeTrue)
		})

		Convey("When a sink is missing", func() {
			_, err := New([]Connection{{ID: "c", Layout: layout.Segment}}, nop)
			So(errors.Is(err, ErrInvalidConnection), ShouldBeTrue)
		})

		Convey("When ids repeat", func() {
			_, err := New([]Connection{
				{ID: "c", Layout: layout.Segment, Sink: sink},
				{ID: "c", Layout: layout.Passthrough, Sink: sink},
			}, nop)
			So(errors.Is(err, ErrDuplicateConnection), ShouldBeTrue)
		})

		Convey("When the set is valid", func() {
			p, err := New([]Connection{
				{ID: "a", Layout: layout.Segment, Sink: sink},
				{ID: "b", Layout: layout.Passthrough, Sink: sink},
			}, nop)
			So(err, ShouldBeNil)
			So(p.Connections(), ShouldResemble, []string{"a", "b"})
		})
	})
}

func TestProcessDelivery(t *testing.T) {
	Convey("Given a segment connection", t, func() {
		ctx := context.Background()
		sink := &recordingSink{id: "wh"}
		p, err := New([]Connection{{ID: "c1", Layout: layout.Segment, Sink: sink}},
			WithLogger(logger.NewNop()), fastRetry())
		So(err, ShouldBeNil)

		ev := model.Event{"type": "track", "event": "Signed Up", "messageId": "m1",
			"anonymousId": "a1", "properties": map[string]any{"plan": "pro"}}

		Convey("When a track is processed", func() {
			res, err := p.Process(ctx, ev)

			Convey("Then both rows are delivered", func() {
				So(err, ShouldBeNil)
				So(res.Delivered, ShouldEqual, 2)
				So(len(sink.rows), ShouldEqual, 2)
				So(sink.rows[0].Table, ShouldEqual, "tracks")
				So(sink.rows[1].Table, ShouldEqual, "Signed Up")
			})
		})

		Convey("When the sink is briefly unavailable", func() {
			sink.fail = func(call int) error {
				if call <= 2 {
					return unavailable(call)
				}
				return nil
			}
			res, err := p.Process(ctx, model.Event{"type": "page", "messageId": "m2", "anonymousId": "a1"})

			Convey("Then the row is retried until it lands", func() {
				So(err, ShouldBeNil)
				So(res.Delivered, ShouldEqual, 1)
				So(sink.calls, ShouldEqual, 3)
			})
		})

		Convey("When the sink stays unavailable", func() {
			sink.fail = unavailable
			res, err := p.Process(ctx, model.Event{"type": "page", "messageId": "m3", "anonymousId": "a1"})

			Convey("Then delivery gives up after the attempt budget", func() {
				So(err, ShouldNotBeNil)
				So(res.Failed, ShouldEqual, 1)
				So(sink.calls, ShouldEqual, 3)
				So(failure.StatusCode(err), ShouldEqual, http.StatusServiceUnavailable)
			})
		})

		Convey("When the payload is rejected as too large", func() {
			sink.fail = func(int) error {
				return failure.Retry(failure.NewValidation("payload too large"))
			}
			_, err := p.Process(ctx, model.Event{"type": "page", "messageId": "m4", "anonymousId": "a1"})

			Convey("Then it is not retried", func() {
				So(failure.IsValidation(err), ShouldBeTrue)
				So(sink.calls, ShouldEqual, 1)
			})
		})
	})

	Convey("Given two connections where one fails", t, func() {
		bad := &recordingSink{id: "bad", fail: func(int) error { return errors.New("boom") }}
		good := &recordingSink{id: "good"}
		p, err := New([]Connection{
			{ID: "bad", Layout: layout.Passthrough, Sink: bad},
			{ID: "good", Layout: layout.Passthrough, Sink: good},
		}, WithLogger(logger.NewNop()), fastRetry())
		So(err, ShouldBeNil)

		res, err := p.Process(context.Background(), model.Event{"type": "page", "messageId": "m", "anonymousId": "a"})

		Convey("Then the other connection still delivers", func() {
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "connection bad")
			So(bad.calls, ShouldEqual, 1)
			So(len(good.rows), ShouldEqual, 1)
			So(res.Delivered, ShouldEqual, 1)
			So(res.Failed, ShouldEqual, 1)
		})
	})
}

func TestProcessRecognition(t *testing.T) {
	Convey("Given a deduplicated passthrough connection with recognition", t, func() {
		ctx := context.Background()
		store := newMemStore()
		sink := &recordingSink{id: "s"}
		profiles := &stubProfiles{}
		p, err := New([]Connection{{
			ID: "conn", Layout: layout.Passthrough, Sink: sink,
			Deduplicate: true, PrimaryKey: []string{"message_id"}, UserRecognition: true,
		}},
			WithLogger(logger.NewNop()),
			WithRecognizer(identity.NewRecognizer(store, identity.WithLogger(logger.NewNop()))),
			WithProfiles(profiles),
			fastRetry())
		So(err, ShouldBeNil)

		Convey("When two anonymous pages are followed by an identify", func() {
			r1, err := p.Process(ctx, model.Event{"type": "page", "anonymousId": "a1", "messageId": "1"})
			So(err, ShouldBeNil)
			So(r1.Buffered, ShouldBeTrue)
			_, err = p.Process(ctx, model.Event{"type": "page", "anonymousId": "a1", "messageId": "2"})
			So(err, ShouldBeNil)

			r3, err := p.Process(ctx, model.Event{"type": "identify", "anonymousId": "a1", "userId": "u1",
				"messageId": "3", "traits": map[string]any{"email": "e@x.com"}})

			Convey("Then the identify and both recognized pages are delivered", func() {
				So(err, ShouldBeNil)
				So(r3.Recognized, ShouldEqual, 2)
				So(len(sink.rows), ShouldEqual, 5)

				tail := sink.rows[2:]
				So(tail[0].Event.MessageID(), ShouldEqual, "3")
				for i, row := range tail[1:] {
					So(row.Event.MessageID(), ShouldEqual, []string{"1", "2"}[i])
					So(row.Event.UserID(), ShouldEqual, "u1")
					So(row.Event[model.IdentifiedByField], ShouldEqual, "3")
					So(row.Event.Traits()["email"], ShouldEqual, "e@x.com")
				}
				So(profiles.seen, ShouldResemble, []string{"1", "2", "3"})
			})
		})

		Convey("When an identify carries no user id or identifying trait", func() {
			res, err := p.Process(ctx, model.Event{"type": "identify", "anonymousId": "a1", "messageId": "7",
				"traits": map[string]any{"name": "Ann"}})

			Convey("Then nothing is delivered to the connection", func() {
				So(err, ShouldBeNil)
				So(res.Delivered, ShouldEqual, 0)
				So(len(sink.rows), ShouldEqual, 0)
			})
		})

		Convey("When the store is down", func() {
			store.err = errors.New("unreachable")
			res, err := p.Process(ctx, model.Event{"type": "page", "anonymousId": "a1", "messageId": "9"})

			Convey("Then the event passes through", func() {
				So(err, ShouldBeNil)
				So(res.Buffered, ShouldBeFalse)
				So(len(sink.rows), ShouldEqual, 1)
			})
		})
	})

	Convey("Given a failing profile builder", t, func() {
		sink := &recordingSink{id: "s"}
		p, err := New([]Connection{{ID: "c", Layout: layout.Passthrough, Sink: sink}},
			WithLogger(logger.NewNop()), WithProfiles(&stubProfiles{err: failure.NewStore("append", errors.New("down"))}))
		So(err, ShouldBeNil)

		res, err := p.Process(context.Background(), model.Event{"type": "identify", "userId": "u", "messageId": "m"})

		Convey("Then delivery still happens and the store error is reported", func() {
			So(len(sink.rows), ShouldEqual, 1)
			So(failure.IsStore(err), ShouldBeTrue)
			So(res.Profile, ShouldNotBeNil)
			So(res.Profile.ProfileID, ShouldEqual, "u")
		})
	})
}
