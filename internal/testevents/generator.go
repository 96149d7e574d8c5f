package testevents

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/okian/rotor/pkg/logger"
)

var (
	plans = []string{"free", "starter", "pro", "enterprise"}
	pages = []string{"/", "/pricing", "/docs", "/blog", "/signup"}
)

// generateSessions builds one session per user. Every event carries a
// fresh messageId so resubmission can be detected as a duplicate.
func generateSessions(ctx context.Context, config *Config, stats *Stats) []Session {
	logger.Get().Info(ctx, "generating sessions",
		logger.Int("users", config.Users), logger.Int("eventsPerUser", config.EventsPerUser))

	base := time.Now().UTC()
	sessions := make([]Session, config.Users)
	for i := range sessions {
		s := Session{
			AnonymousID: uuid.NewString(),
			UserID:      "user-" + uuid.NewString(),
			Plan:        plans[i%len(plans)],
		}
		for j := 0; j < config.EventsPerUser; j++ {
			s.Events = append(s.Events, anonymousEvent(s.AnonymousID, j, base.Add(time.Duration(j)*time.Second)))
		}
		s.Events = append(s.Events, Event{
			"type":        "identify",
			"messageId":   uuid.NewString(),
			"anonymousId": s.AnonymousID,
			"userId":      s.UserID,
			"timestamp":   base.Add(time.Duration(config.EventsPerUser) * time.Second).Format(time.RFC3339Nano),
			"traits": map[string]any{
				"plan":  s.Plan,
				"email": fmt.Sprintf("%s@example.com", s.UserID),
			},
		})
		stats.EventsGenerated += len(s.Events)
		sessions[i] = s
	}
	return sessions
}

func anonymousEvent(anonymousID string, n int, at time.Time) Event {
	ev := Event{
		"messageId":   uuid.NewString(),
		"anonymousId": anonymousID,
		"timestamp":   at.Format(time.RFC3339Nano),
	}
	if n%2 == 0 {
		ev["type"] = "page"
		ev["context"] = map[string]any{"page": map[string]any{"path": pages[n%len(pages)]}}
		return ev
	}
	ev["type"] = "track"
	ev["event"] = "Button Clicked"
	ev["properties"] = map[string]any{"position": n}
	return ev
}
