package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrInvalidKey        = errors.New("collection and id are required")
	ErrUnknownCollection = errors.New("collection has not been ensured")
	ErrClosed            = errors.New("store is closed")
)
