package identity

import "github.com/okian/rotor/pkg/logger"

// Option configures a Recognizer.
type Option func(*Recognizer)

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return func(r *Recognizer) {
		if l != nil {
			r.log = l
		}
	}
}

// WithLookbackDays sets how long anonymous events stay buffered.
func WithLookbackDays(days int) Option {
	return func(r *Recognizer) {
		if days > 0 {
			r.lookbackDays = days
		}
	}
}
