package pipeline

import (
	"github.com/okian/rotor/internal/domain/layout"
	"github.com/okian/rotor/pkg/logger"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLayouts replaces the default layout registry.
func WithLayouts(r *layout.Registry) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.layouts = r
		}
	}
}

// WithRecognizer enables identity recognition for connections that ask
// for it.
func WithRecognizer(r Recognizer) Option {
	return func(p *Pipeline) {
		p.recognizer = r
	}
}

// WithProfiles enables the profile builder stage.
func WithProfiles(b ProfileBuilder) Option {
	return func(p *Pipeline) {
		p.profiles = b
	}
}

// WithRetryPolicy sets how failed deliveries are retried.
func WithRetryPolicy(rp RetryPolicy) Option {
	return func(p *Pipeline) {
		if rp.MaxAttempts > 0 {
			p.retry.MaxAttempts = rp.MaxAttempts
		}
		if rp.InitialInterval > 0 {
			p.retry.InitialInterval = rp.InitialInterval
		}
		if rp.MaxInterval > 0 {
			p.retry.MaxInterval = rp.MaxInterval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}
