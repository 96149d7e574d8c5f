package testevents

import (
	"context"
	"fmt"
	"sync"

	"github.com/okian/rotor/pkg/logger"
)

// verifyProfiles checks that every identified user has a profile whose
// plan trait matches what was sent.
func verifyProfiles(ctx context.Context, config *Config, sessions []Session, stats *Stats) error {
	logger.Get().Info(ctx, "verifying profiles", logger.Int("profiles", len(sessions)))

	client := newHTTPClient(config.BaseURL, config.Timeout)
	var (
		mu                         sync.Mutex
		matched, missing, mismatch int
		firstErr                   error
	)

	jobs := make(chan Session)
	var wg sync.WaitGroup
	for w := 0; w < config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				p, found, err := client.GetProfile(ctx, s.UserID)
				mu.Lock()
				switch {
				case err != nil:
					if firstErr == nil {
						firstErr = err
					}
				case !found:
					missing++
				case p.Traits["plan"] != s.Plan:
					mismatch++
					if config.Verbose {
						logger.Get().Warn(ctx, "profile trait mismatch",
							logger.String("userId", s.UserID),
							logger.String("want", s.Plan), logger.Any("got", p.Traits["plan"]))
					}
				default:
					matched++
				}
				mu.Unlock()
			}
		}()
	}
	for _, s := range sessions {
		jobs <- s
	}
	close(jobs)
	wg.Wait()

	stats.ProfilesMatched, stats.ProfilesMissing, stats.ProfilesMismatch = matched, missing, mismatch
	if firstErr != nil {
		return fmt.Errorf("fetch profile: %w", firstErr)
	}
	if mismatch > 0 {
		return fmt.Errorf("%d profile(s) carry unexpected traits", mismatch)
	}
	if matched == 0 {
		return fmt.Errorf("no profiles found; are profiles enabled on the service?")
	}
	return nil
}
