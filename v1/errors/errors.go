// Package errors holds the sentinel errors shared by the latch packages.
package errors

import "errors"

var (
	ErrTimeout        = errors.New("latch: timeout")
	ErrConnectionLoss = errors.New("latch: connection to coordination store lost")

	// ErrInvalidLease is returned when a non-positive lease duration is provided.
	ErrInvalidLease = errors.New("latch: lease duration must be positive")
	// ErrMalformedValue is returned when a stamped lock value cannot be parsed.
	ErrMalformedValue = errors.New("latch: malformed lock value")
	// ErrAttemptsExhausted is returned when a bounded acquire policy gives up.
	ErrAttemptsExhausted = errors.New("latch: acquire attempts exhausted")
)
