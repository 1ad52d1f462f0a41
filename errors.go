package arrowmq

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed matches every ClosedError.
	ErrClosed = errors.New("arrowmq: closed")

	// ErrConnectionClosed is the cause attached to resources that were still
	// open when their Connection was closed, and the error returned when
	// creating resources on a closed or failed connection.
	ErrConnectionClosed = errors.New("arrowmq: connection closed")

	// ErrRecovering is returned when creating resources while a reconnect
	// is in progress. Unlike ErrConnectionClosed it is temporary.
	ErrRecovering = errors.New("arrowmq: connection is recovering")

	ErrInvalidConfig = errors.New("arrowmq: invalid configuration")
)

// ClosedError is returned by every operation on a producer, consumer or
// request-reply client once it is closed or has failed permanently.
//
// Cause is nil when the user closed the resource. Otherwise it is the
// failure that terminated it, e.g. an authorization failure or the error
// that made connection recovery give up.
type ClosedError struct {
	Resource string
	Cause    error
}

func (e *ClosedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("arrowmq: %s closed", e.Resource)
	}
	return fmt.Sprintf("arrowmq: %s closed: %v", e.Resource, e.Cause)
}

func (e *ClosedError) Unwrap() error { return e.Cause }

func (e *ClosedError) Is(target error) bool { return target == ErrClosed }
