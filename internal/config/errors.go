package config

import "errors"

// ErrInvalidConfig wraps every validation failure; ErrLoadConfig wraps
// failures to read the file or environment.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)
