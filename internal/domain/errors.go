package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrLockHeld            = errors.New("lock already held")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnknownVenue        = errors.New("unknown venue")
	ErrUnknownOrder        = errors.New("unknown order")
	ErrExecutionNotFound   = errors.New("execution not found")
	ErrNotCancellable      = errors.New("execution not cancellable")
	ErrVenueDegraded       = errors.New("venue degraded")
	ErrTradingHalted       = errors.New("trading halted")
)

// TransientError is a retryable adapter failure (network, timeout, 5xx).
type TransientError struct {
	Venue VenueID
	Op    string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s: transient: %v", e.Venue, e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// AuthError means the venue refused our credentials.
type AuthError struct {
	Venue VenueID
	Op    string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s: auth: %v", e.Venue, e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RejectedError means the venue refused an order (size, funds, price band).
type RejectedError struct {
	Venue  VenueID
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: order rejected: %s", e.Venue, e.Reason)
}

// StaleDataError marks a quote too old for the detector.
type StaleDataError struct {
	Venue VenueID
	Age   time.Duration
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("%s: quote stale (age %s)", e.Venue, e.Age)
}

// IsTransient reports whether err wraps a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuth reports whether err wraps an *AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRejected reports whether err wraps a *RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// ErrorKind returns a short label for metrics and logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case IsAuth(err):
		return "auth"
	case IsRejected(err):
		return "rejected"
	case IsTransient(err):
		return "transient"
	default:
		var se *StaleDataError
		if errors.As(err, &se) {
			return "stale"
		}
		return "other"
	}
}
