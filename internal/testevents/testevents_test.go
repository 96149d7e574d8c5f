package testevents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/okian/rotor/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	if err := logger.InitWithWriter(&strings.Builder{}); err != nil {
		panic(err)
	}
}

// fakeService records identify traits and serves them back as profiles.
type fakeService struct {
	mu       sync.Mutex
	profiles map[string]map[string]any
	seen     map[string]bool
	dropPlan bool
}

func newFakeService() *fakeService {
	return &fakeService{profiles: map[string]map[string]any{}, seen: map[string]bool{}}
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		var events []Event
		if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		ack := AckResponse{Status: "accepted"}
		for _, ev := range events {
			id, _ := ev["messageId"].(string)
			ack.MessageIDs = append(ack.MessageIDs, id)
			if f.seen[id] {
				ack.Duplicates++
				continue
			}
			f.seen[id] = true
			ack.Accepted++
			if ev["type"] == "identify" {
				traits, _ := ev["traits"].(map[string]any)
				if f.dropPlan {
					traits = map[string]any{"plan": "other"}
				}
				f.profiles[ev["userId"].(string)] = traits
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(ack)
	})
	mux.HandleFunc("/profiles/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/profiles/")
		f.mu.Lock()
		traits, ok := f.profiles[id]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(Profile{ProfileID: id, Traits: traits})
	})
	return mux
}

func TestGenerateSessions(t *testing.T) {
	Convey("Given a generator config", t, func() {
		stats := &Stats{}
		sessions := generateSessions(context.Background(), &Config{Users: 3, EventsPerUser: 2}, stats)

		Convey("Then each session ends with an identify carrying the plan", func() {
			So(sessions, ShouldHaveLength, 3)
			So(stats.EventsGenerated, ShouldEqual, 9)
			for _, s := range sessions {
				So(s.Events, ShouldHaveLength, 3)
				last := s.Events[2]
				So(last["type"], ShouldEqual, "identify")
				So(last["userId"], ShouldEqual, s.UserID)
				So(last["anonymousId"], ShouldEqual, s.AnonymousID)
				So(last["traits"].(map[string]any)["plan"], ShouldEqual, s.Plan)
				So(s.Events[0]["anonymousId"], ShouldEqual, s.AnonymousID)
				So(s.Events[0]["userId"], ShouldBeNil)
			}
		})

		Convey("Then message ids are unique", func() {
			ids := map[string]bool{}
			for _, s := range sessions {
				for _, ev := range s.Events {
					ids[ev["messageId"].(string)] = true
				}
			}
			So(ids, ShouldHaveLength, 9)
		})
	})
}

func TestRun(t *testing.T) {
	Convey("Given a cooperative service", t, func() {
		fake := newFakeService()
		srv := httptest.NewServer(fake.handler())
		defer srv.Close()

		cfg := &Config{
			BaseURL:       srv.URL,
			Users:         20,
			EventsPerUser: 3,
			Workers:       4,
			Timeout:       time.Second,
			OutputFile:    filepath.Join(t.TempDir(), "out", "events.json"),
		}

		Convey("Then the run verifies every profile", func() {
			So(Run(context.Background(), cfg), ShouldBeNil)
		})

		Convey("When the service stores the wrong traits", func() {
			fake.dropPlan = true
			err := Run(context.Background(), cfg)
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "unexpected traits")
		})
	})

	Convey("Given an unreachable service", t, func() {
		err := Run(context.Background(), &Config{BaseURL: "http://127.0.0.1:1", Workers: 1, Timeout: 100 * time.Millisecond})
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "health check")
	})
}
