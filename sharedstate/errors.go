package sharedstate

import "errors"

// Store errors
var (
	ErrEmptyKey             = errors.New("state key cannot be empty")
	ErrKeyTooLong           = errors.New("state key exceeds maximum length")
	ErrCapacityExceeded     = errors.New("state store is full")
	ErrKeyNotFound          = errors.New("state key not found")
	ErrValueMismatch        = errors.New("current value does not match expected value")
	ErrNotNumeric           = errors.New("state value is not numeric")
	ErrTooManySubscriptions = errors.New("maximum number of state subscriptions reached")
	ErrSubscriptionNotFound = errors.New("state subscription not found")
	ErrNilCallback          = errors.New("state change callback cannot be nil")
	ErrTypeMismatch         = errors.New("state value has an incompatible type")
)
