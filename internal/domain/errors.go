package domain

import (
	"errors"
	"fmt"
)

// RejectionError is a business-level refusal from the exchange (bad
// quantity, order not found, ...). It must not be retried blindly; the
// caller schedules a corrective rebalance instead.
type RejectionError struct {
	Code   int
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("exchange rejection (code %d): %s", e.Code, e.Reason)
}

// TransientError wraps timeouts, rate limits and network failures. Safe
// to retry with backoff.
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient exchange error: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// IsRejection reports whether err is (or wraps) a RejectionError.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// ErrMonitorNotFound is returned by the store for unknown monitor keys.
var ErrMonitorNotFound = errors.New("monitor not found")

// ErrMonitorExists is returned by the store when adding a key that is
// already tracked.
var ErrMonitorExists = errors.New("monitor already exists")

// ErrTxnNotFound is returned for commit/rollback of an unknown or
// already-finished transaction.
var ErrTxnNotFound = errors.New("transaction not found")
