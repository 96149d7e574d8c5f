// Package delivery sends transformed rows to HTTP sinks and triggers the
// profile bulk loader.
//
// Every error leaving Deliver is wrapped retryable; whether a failed
// delivery is retried is decided by the caller.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okian/rotor/internal/domain/failure"
	"github.com/okian/rotor/internal/domain/model"
	"github.com/okian/rotor/pkg/logger"
	"github.com/okian/rotor/pkg/metrics"
)

// Destination types.
const (
	TypeBulker  = "bulker"
	TypeWebhook = "webhook"
)

// Defaults.
const (
	DefaultConcurrency     = 10
	DefaultTimeout         = 2 * time.Second
	DefaultMaxPayloadBytes = 1_000_000
)

// Destination is the read-only sink configuration of a connection.
type Destination struct {
	ID              string
	Type            string
	Endpoint        string
	AuthToken       string
	Method          string
	Headers         map[string]string
	PayloadTemplate string
	Env             map[string]string
}

// Client delivers rows over a bounded connection pool.
type Client struct {
	httpClient      *http.Client
	concurrency     int
	timeout         time.Duration
	maxPayloadBytes int
	log             logger.Logger
}

// NewClient creates a Client. Unless an http.Client is injected, the
// transport caps connections per host at the configured concurrency and
// bounds dial and response-header waits by the call timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		concurrency:     DefaultConcurrency,
		timeout:         DefaultTimeout,
		maxPayloadBytes: DefaultMaxPayloadBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: c.timeout, KeepAlive: 30 * time.Second}).DialContext,
			MaxConnsPerHost:       c.concurrency,
			MaxIdleConnsPerHost:   c.concurrency,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: c.timeout,
			TLSHandshakeTimeout:   c.timeout,
		}}
	}
	if c.log == nil {
		c.log = logger.Get().Named("delivery")
	}
	return c
}

// Deliver sends row to dest and returns the delivered event on HTTP 200.
func (c *Client) Deliver(ctx context.Context, row model.TransformedRow, dest Destination) (model.Event, error) {
	start := time.Now()
	err := c.deliver(ctx, row, dest)
	metrics.RecordDeliveryLatency(dest.ID, float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RecordDelivery(dest.ID, "failure")
		c.log.Warn(ctx, "delivery failed", logger.MessageID(messageID(row.Event)),
			logger.String("destination", dest.ID), logger.String("table", row.Table), logger.Error(err))
		return nil, failure.Retry(err)
	}
	metrics.RecordDelivery(dest.ID, "success")
	c.log.Debug(ctx, "row delivered", logger.MessageID(messageID(row.Event)),
		logger.String("destination", dest.ID), logger.String("table", row.Table))
	return row.Event, nil
}

// For binds the client to one destination.
func (c *Client) For(dest Destination) *BoundSink {
	return &BoundSink{client: c, dest: dest}
}

func (c *Client) deliver(ctx context.Context, row model.TransformedRow, dest Destination) error {
	switch dest.Type {
	case TypeBulker, "":
		body, err := json.Marshal(row.Event)
		if err != nil {
			return failure.NewValidation("marshal row: %v", err)
		}
		target, err := bulkerURL(dest, row.Table)
		if err != nil {
			return err
		}
		headers := map[string]string{"Content-Type": "application/json"}
		if dest.AuthToken != "" {
			headers["Authorization"] = "Bearer " + dest.AuthToken
		}
		return c.send(ctx, http.MethodPost, target, headers, body)

	case TypeWebhook:
		body, err := RenderPayload(dest.PayloadTemplate, []model.Event{row.Event}, dest.Env)
		if err != nil {
			return err
		}
		method := strings.ToUpper(strings.TrimSpace(dest.Method))
		if method == "" {
			method = http.MethodPost
		}
		headers := map[string]string{"Content-Type": "application/json"}
		for k, v := range dest.Headers {
			headers[k] = v
		}
		return c.send(ctx, method, dest.Endpoint, headers, body)
	}
	return failure.NewValidation("unknown destination type %q", dest.Type)
}

// send enforces the payload cap before touching the network and maps any
// non-200 answer to an HTTPError.
func (c *Client) send(ctx context.Context, method, target string, headers map[string]string, body []byte) error {
	if len(body) > c.maxPayloadBytes {
		return failure.NewValidation("payload too large: %d bytes exceeds %d", len(body), c.maxPayloadBytes)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return failure.NewValidation("build request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, redact(target), err)
	}
	defer func() { _ = resp.Body.Close() }()

	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return failure.NewHTTP(resp.StatusCode, string(excerpt))
	}
	return nil
}

func bulkerURL(dest Destination, table string) (string, error) {
	if dest.Endpoint == "" {
		return "", failure.NewValidation("destination %s has no endpoint", dest.ID)
	}
	base := strings.TrimSuffix(dest.Endpoint, "/")
	return fmt.Sprintf("%s/post/%s?tableName=%s", base, url.PathEscape(dest.ID), url.QueryEscape(table)), nil
}

// redact drops the query string so tokens in URLs never reach logs.
func redact(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}

func messageID(ev model.Event) string {
	if id := ev.MessageID(); id != "" {
		return id
	}
	// flattened rows carry message_id
	if id, ok := ev["message_id"].(string); ok {
		return id
	}
	if id, ok := ev["event_id"].(string); ok {
		return id
	}
	return ""
}

// BoundSink is a Client bound to one destination.
type BoundSink struct {
	client *Client
	dest   Destination
}

// ID returns the destination id.
func (s *BoundSink) ID() string { return s.dest.ID }

// Deliver sends row to the bound destination.
func (s *BoundSink) Deliver(ctx context.Context, row model.TransformedRow) (model.Event, error) {
	return s.client.Deliver(ctx, row, s.dest)
}
