package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for validation failures.
var (
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrInvalidOffer     = errors.New("invalid offer")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrIdentityMismatch = errors.New("identity mismatch")
	ErrPriceOutOfRange  = errors.New("price out of range")
	ErrEmptyPriceMatrix = errors.New("empty price matrix")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// ErrorClass tells the worker whether a failed scrape may be retried.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
)

// ScrapeError is a classified failure returned by a provider scraper.
type ScrapeError struct {
	Class    ErrorClass
	Provider Provider
	Op       string
	Err      error
	// RetryAfter is the provider's minimum wait hint for transient failures.
	RetryAfter time.Duration
}

func (e *ScrapeError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Provider, e.Op, e.Class, e.Err)
}

func (e *ScrapeError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable scrape failure.
func Transient(p Provider, op string, err error) *ScrapeError {
	return &ScrapeError{Class: ClassTransient, Provider: p, Op: op, Err: err}
}

// Permanent wraps err as a non-retryable scrape failure.
func Permanent(p Provider, op string, err error) *ScrapeError {
	return &ScrapeError{Class: ClassPermanent, Provider: p, Op: op, Err: err}
}

// Classify maps an arbitrary error to a class. Explicit ScrapeErrors win and
// validation failures are permanent.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.Class
	}
	var ve *ValidationError
	if errors.As(err, &ve) || errors.Is(err, ErrIdentityMismatch) || errors.Is(err, ErrUnknownProvider) {
		return ClassPermanent
	}
	// Timeouts, network errors and anything unrecognised.
	return ClassTransient
}

// RetryAfter returns the wait hint carried by a ScrapeError in err's chain.
func RetryAfter(err error) time.Duration {
	var se *ScrapeError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
