package pipeline

import "errors"

// Sentinel kinds for pipeline setup errors.
var (
	ErrInvalidConnection   = errors.New("invalid connection")
	ErrDuplicateConnection = errors.New("duplicate connection id")
)
