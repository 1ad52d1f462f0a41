package connection

import (
	"errors"
	"fmt"
)

// ConditionUnauthorizedAccess is the AMQP error condition brokers use to deny access.
const ConditionUnauthorizedAccess = "amqp:unauthorized-access"

var (
	// ErrClosed matches any ClosedError.
	ErrClosed = errors.New("connection: closed")

	// ErrUnauthorized matches failures caused by missing or invalid credentials
	// or permissions. These are never fixed by reconnecting.
	ErrUnauthorized = errors.New("connection: unauthorized access")

	// ErrStaleDelivery is returned when settling a message whose delivering link
	// no longer exists. The broker redelivers such messages.
	ErrStaleDelivery = errors.New("connection: message was delivered on a link that is no longer attached")

	ErrInvalidEndpoint = errors.New("connection: invalid endpoint")
)

// ClosedError reports that a connection, session or link is closed.
type ClosedError struct {
	// Err is the underlying engine error. It may be nil for a local close.
	Err error

	// Remote is true when the peer closed it.
	Remote bool

	// Condition is the AMQP error condition sent by the peer, if any.
	Condition string
}

func (e *ClosedError) Error() string {
	switch {
	case e.Condition != "" && e.Err != nil:
		return fmt.Sprintf("connection: closed (%s): %v", e.Condition, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("connection: closed: %v", e.Err)
	case e.Condition != "":
		return fmt.Sprintf("connection: closed (%s)", e.Condition)
	default:
		return ErrClosed.Error()
	}
}

func (e *ClosedError) Unwrap() error { return e.Err }

func (e *ClosedError) Is(target error) bool {
	switch target {
	case ErrClosed:
		return true
	case ErrUnauthorized:
		return e.Condition == ConditionUnauthorizedAccess
	}
	return false
}

// IsClosed reports whether err signals that the link or connection is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsUnauthorized reports whether err is an authorization failure.
// It is the default classification of non-retriable errors.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// ClosedByPeer reports whether err says the peer closed the connection.
func ClosedByPeer(err error) bool {
	var ce *ClosedError
	if errors.As(err, &ce) {
		return ce.Remote
	}
	return false
}
