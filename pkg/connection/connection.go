// Package connection defines what the client needs from an AMQP 1.0
// protocol engine: opening a connection to an endpoint, attaching sender and
// receiver links on it, and being told when it goes away.
//
// The amqpconn subpackage implements it on top of github.com/Azure/go-amqp.
// Everything above this package (recovery, producers, consumers) only sees
// these interfaces, which keeps it testable with in-memory fakes.
package connection

import (
	"context"

	"github.com/arrowmq/arrowmq.go/pkg/message"
)

// Dialer opens connections.
type Dialer interface {
	// Dial opens a connection to ep. Failures caused by bad credentials
	// must match ErrUnauthorized.
	Dial(ctx context.Context, ep Endpoint) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (Conn, error) {
	return f(ctx, ep)
}

// Conn is one live transport connection.
type Conn interface {
	NewSender(ctx context.Context, address string, opts *SenderOptions) (Sender, error)
	NewReceiver(ctx context.Context, address string, opts *ReceiverOptions) (Receiver, error)

	// Endpoint is the endpoint this connection was opened to.
	Endpoint() Endpoint

	// Done is closed once the connection is closed, locally or by the peer.
	Done() <-chan struct{}

	// Err returns why the connection closed, or nil while it is open
	// or after a clean local close.
	Err() error

	Close() error
}

// IsOpen reports whether c has not been closed yet.
func IsOpen(c Conn) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.Done():
		return false
	default:
		return true
	}
}

// SenderOptions configures a sender link.
type SenderOptions struct {
	Name string

	// Capabilities are the target capabilities, e.g. "queue" or "topic".
	Capabilities []string
}

// ReceiverOptions configures a receiver link.
type ReceiverOptions struct {
	Name string

	// Credit is the link credit kept outstanding. Zero uses the engine default.
	Credit int32

	// Capabilities are the source capabilities, e.g. "queue" or "topic".
	Capabilities []string

	// Selector is a JMS-style message selector filter.
	Selector string

	// NoLocal asks the broker not to deliver messages published on this connection.
	NoLocal bool

	// DynamicAddress asks the broker to create a temporary source address;
	// address passed to NewReceiver is ignored and Receiver.Address returns it.
	DynamicAddress bool
}

// Sender is an attached sender link.
type Sender interface {
	// Send transfers msg and waits for the broker to settle it.
	Send(ctx context.Context, msg *message.Message) error
	Close(ctx context.Context) error
}

// ModifyOptions are the outcome details of Receiver.Modify.
type ModifyOptions struct {
	DeliveryFailed    bool
	UndeliverableHere bool
	Annotations       map[string]any
}

// Receiver is an attached receiver link.
type Receiver interface {
	// Receive blocks until a message arrives.
	Receive(ctx context.Context) (*message.Message, error)

	Accept(ctx context.Context, msg *message.Message) error
	Reject(ctx context.Context, msg *message.Message) error
	Modify(ctx context.Context, msg *message.Message, opts ModifyOptions) error
	Release(ctx context.Context, msg *message.Message) error

	// Address is the source address, which for a dynamic receiver is
	// assigned by the broker.
	Address() string

	Close(ctx context.Context) error
}
