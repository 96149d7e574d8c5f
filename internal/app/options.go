package service

import (
	"github.com/okian/rotor/internal/adapters/delivery"
	"github.com/okian/rotor/internal/adapters/repository"
	"github.com/okian/rotor/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAnonymousStore replaces the store selected by the config driver.
func WithAnonymousStore(st repository.AnonymousStore) Option {
	return func(s *Service) {
		s.anonymous = st
	}
}

// WithProfileStore replaces the store selected by the config driver.
func WithProfileStore(st repository.ProfileStore) Option {
	return func(s *Service) {
		s.profiles = st
	}
}

// WithDeliveryClient replaces the delivery client built from config.
func WithDeliveryClient(c *delivery.Client) Option {
	return func(s *Service) {
		s.client = c
	}
}
