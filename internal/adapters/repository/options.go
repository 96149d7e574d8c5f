package repository

import (
	"time"

	"github.com/okian/rotor/pkg/logger"
)

// DefaultShards is the lock-stripe count of the memory anonymous store.
const DefaultShards = 64

// Option configures the stores in this package. Options that do not apply
// to a store are ignored by it.
type Option func(*options)

type options struct {
	shards          int
	maxEventsPerKey int
	nowF            func() time.Time
	log             logger.Logger
}

func newOptions(opts []Option) options {
	o := options{
		shards: DefaultShards,
		nowF:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Get().Named("repository")
	}
	return o
}

// WithShards sets the number of lock stripes.
func WithShards(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.shards = n
		}
	}
}

// WithMaxEventsPerKey caps the events buffered per anonymous id. The oldest
// event is dropped when the cap is exceeded. Zero means unbounded.
func WithMaxEventsPerKey(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.maxEventsPerKey = n
		}
	}
}

// WithClock replaces the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.nowF = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}
