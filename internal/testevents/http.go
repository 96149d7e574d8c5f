package testevents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/rotor/pkg/logger"
)

// HTTPClient wraps http.Client with the service's base URL.
type HTTPClient struct {
	client  *http.Client
	baseURL string
}

func newHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{client: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

// Get performs a GET request against path.
func (c *HTTPClient) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.client.Do(req)
}

// PostEvents posts events as one batch and decodes the acknowledgement.
func (c *HTTPClient) PostEvents(ctx context.Context, events []Event) (AckResponse, int, error) {
	body, err := json.Marshal(events)
	if err != nil {
		return AckResponse{}, 0, fmt.Errorf("marshal events: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return AckResponse{}, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return AckResponse{}, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return AckResponse{}, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return AckResponse{}, resp.StatusCode, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, raw)
	}
	var ack AckResponse
	if err := json.Unmarshal(raw, &ack); err != nil {
		return AckResponse{}, resp.StatusCode, fmt.Errorf("decode ack: %w", err)
	}
	return ack, resp.StatusCode, nil
}

// GetProfile fetches a profile. A missing profile returns found=false.
func (c *HTTPClient) GetProfile(ctx context.Context, id string) (Profile, bool, error) {
	resp, err := c.Get(ctx, "/profiles/"+url.PathEscape(id))
	if err != nil {
		return Profile{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Profile{}, false, nil
	default:
		return Profile{}, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var p Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return Profile{}, false, fmt.Errorf("decode profile: %w", err)
	}
	return p, true, nil
}

// submitSessions posts every session from a pool of workers. Within a
// session the anonymous events go first and the identify last.
func submitSessions(ctx context.Context, config *Config, sessions []Session, stats *Stats) error {
	logger.Get().Info(ctx, "submitting sessions",
		logger.Int("sessions", len(sessions)), logger.Int("workers", config.Workers))

	client := newHTTPClient(config.BaseURL, config.Timeout)
	var accepted, duplicate, failed atomic.Int64

	jobs := make(chan Session, config.Workers*2)
	var wg sync.WaitGroup
	for w := 0; w < config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for s := range jobs {
				last := len(s.Events) - 1
				for _, batch := range [][]Event{s.Events[:last], s.Events[last:]} {
					if len(batch) == 0 {
						continue
					}
					ack, status, err := client.PostEvents(ctx, batch)
					if err != nil {
						failed.Add(1)
						if config.Verbose {
							logger.Get().Warn(ctx, "submission failed",
								logger.String("userId", s.UserID), logger.Int("status", status), logger.Error(err))
						}
						break
					}
					accepted.Add(int64(ack.Accepted))
					duplicate.Add(int64(ack.Duplicates))
				}
			}
		}()
	}

	for _, s := range sessions {
		select {
		case jobs <- s:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()

	stats.EventsAccepted = int(accepted.Load())
	stats.EventsDuplicate = int(duplicate.Load())
	stats.RequestsFailed = int(failed.Load())
	logger.Get().Info(ctx, "submission completed",
		logger.Int("accepted", stats.EventsAccepted),
		logger.Int("duplicates", stats.EventsDuplicate),
		logger.Int("failedRequests", stats.RequestsFailed))
	if stats.EventsAccepted == 0 {
		return fmt.Errorf("no events were accepted")
	}
	return nil
}
