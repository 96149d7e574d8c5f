package api

import "github.com/okian/rotor/pkg/logger"

type options struct {
	maxBodyBytes int64
	log          logger.Logger
}

// Option configures the Server.
type Option func(*options)

// WithMaxBodyBytes bounds the accepted POST /events body.
func WithMaxBodyBytes(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBodyBytes = n
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
