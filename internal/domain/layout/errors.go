package layout

import "errors"

var (
	ErrInvalidLayout   = errors.New("layout id and func are required")
	ErrDuplicateLayout = errors.New("layout already registered")
)
