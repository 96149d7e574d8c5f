package profile

import "errors"

var (
	ErrNotFound          = errors.New("profile not found")
	ErrInvalidPrecedence = errors.New("traits precedence must be existing or incoming")
)
