// Package failure defines the error taxonomy shared by the pipeline stages
// and the retry-vs-fatal rule the orchestrator applies to it.
//
// Stages never decide whether a failure is retried. The delivery layer wraps
// everything it returns in a RetryError; the orchestrator calls Classify with
// the attempt count to decide.
package failure

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Kind classifies errors by origin.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindHTTP         Kind = "http"
	KindStore        Kind = "store"
	KindPrecondition Kind = "precondition"
	KindUnknown      Kind = "unknown"
)

// maxBodyExcerpt bounds the response body kept on an HTTPError.
const maxBodyExcerpt = 1000

// ValidationError is a fatal input or configuration problem
// (payload too large, unknown layout, malformed config).
type ValidationError struct {
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation: %s: %v", e.Message, e.Cause)
	}
	return "validation: " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// HTTPError is a non-200 answer from a sink.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("http error: status %d: %s", e.StatusCode, e.Body)
}

// StoreError is a failure of the key-value/document store.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }

// RetryError marks its cause as eligible for orchestrator-driven retry.
type RetryError struct {
	Cause error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Cause)
}

func (e *RetryError) Unwrap() error { return e.Cause }

// NewValidation creates a ValidationError.
func NewValidation(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NewHTTP creates an HTTPError, keeping at most maxBodyExcerpt bytes of body
// cut on a rune boundary.
func NewHTTP(status int, body string) *HTTPError {
	if len(body) > maxBodyExcerpt {
		cut := maxBodyExcerpt
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut]
	}
	return &HTTPError{StatusCode: status, Body: body}
}

// NewStore wraps cause as a StoreError for op. A nil cause yields nil.
func NewStore(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &StoreError{Op: op, Cause: cause}
}

// Retry wraps err in a RetryError. A nil err yields nil and an already
// retryable err is returned as is.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	var re *RetryError
	if errors.As(err, &re) {
		return err
	}
	return &RetryError{Cause: err}
}

// IsRetryable reports whether err (or its chain) was wrapped by Retry.
func IsRetryable(err error) bool {
	var re *RetryError
	return errors.As(err, &re)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStore reports whether err carries a StoreError.
func IsStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// KindOf returns the most specific Kind found in err's chain.
func KindOf(err error) Kind {
	var (
		ve *ValidationError
		he *HTTPError
		se *StoreError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &he):
		return KindHTTP
	case errors.As(err, &se):
		return KindStore
	default:
		return KindUnknown
	}
}

// StatusCode returns the sink status code carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}

// Decision is the orchestrator's verdict on a failed attempt.
type Decision int

const (
	Fatal Decision = iota
	RetryLater
)

func (d Decision) String() string {
	if d == RetryLater {
		return "retry"
	}
	return "fatal"
}

// Classify decides whether attempt (1-based) should be retried.
// Validation and store failures are fatal even when wrapped retryable.
func Classify(err error, attempt, maxAttempts int) Decision {
	if err == nil {
		return Fatal
	}
	switch KindOf(err) {
	case KindValidation, KindStore:
		return Fatal
	}
	if !IsRetryable(err) {
		return Fatal
	}
	if attempt >= maxAttempts {
		return Fatal
	}
	return RetryLater
}
