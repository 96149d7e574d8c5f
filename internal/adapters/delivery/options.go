package delivery

import (
	"net/http"
	"time"

	"github.com/okian/rotor/pkg/logger"
)

// Option configures a Client.
type Option func(*Client)

// WithConcurrency caps concurrent connections per sink host.
func WithConcurrency(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithTimeout bounds every delivery call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMaxPayloadBytes sets the largest body that may be sent.
func WithMaxPayloadBytes(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxPayloadBytes = n
		}
	}
}

// WithHTTPClient injects the HTTP client, replacing the pooled default.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}
