package profile

import (
	"time"

	"github.com/okian/rotor/pkg/logger"
)

// Option configures a Builder.
type Option func(*Builder)

// WithCollectionCache shares a collection cache between builders.
func WithCollectionCache(c *CollectionCache) Option {
	return func(b *Builder) {
		if c != nil {
			b.cache = c
		}
	}
}

// WithNotifier sets the bulk-loader notifier.
func WithNotifier(n Notifier) Option {
	return func(b *Builder) {
		b.notifier = n
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.nowF = now
		}
	}
}
