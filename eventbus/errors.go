package eventbus

import "errors"

// Bus errors
var (
	ErrQueueFull            = errors.New("event queue is full")
	ErrNilHandler           = errors.New("event handler cannot be nil")
	ErrSubscriptionNotFound = errors.New("event subscription not found")
	ErrHandlerPanic         = errors.New("event handler panicked")
	ErrEmptyEventType       = errors.New("event type cannot be empty")
)
