package service

import (
	"errors"
	"fmt"

	"github.com/okian/rotor/internal/domain/profile"
)

// Sentinel kinds for service errors.
var (
	ErrNotStarted = errors.New("service not started")
	// ErrProfilesDisabled matches profile.ErrNotFound so callers can map it
	// to a missing resource.
	ErrProfilesDisabled = fmt.Errorf("profiles disabled: %w", profile.ErrNotFound)
)
