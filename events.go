package arrowmq

import (
	"github.com/arrowmq/arrowmq.go/pkg/connection"
)

// ConnectionClosedFunc is called when the current connection goes away.
// closedByPeer is false when the network failed without a close from the broker.
type ConnectionClosedFunc func(closedByPeer bool, err error)

// ConnectionRecoveredFunc is called after a reconnect, once every resource
// has been recovered, with the endpoint that accepted the new connection.
type ConnectionRecoveredFunc func(endpoint connection.Endpoint)

// ConnectionRecoveryErrorFunc is called when recovery gives up. Every
// remaining resource has been terminated with err by then, and no further
// reconnects are attempted.
type ConnectionRecoveryErrorFunc func(err error)

// callbacks are run one at a time, in the order the events happened, on a
// goroutine of their own.
type callbacks struct {
	onClosed        ConnectionClosedFunc
	onRecovered     ConnectionRecoveredFunc
	onRecoveryError ConnectionRecoveryErrorFunc
}

func (cb callbacks) closed(closedByPeer bool, err error) {
	if cb.onClosed != nil {
		cb.onClosed(closedByPeer, err)
	}
}

func (cb callbacks) recovered(ep connection.Endpoint) {
	if cb.onRecovered != nil {
		cb.onRecovered(ep)
	}
}

func (cb callbacks) recoveryError(err error) {
	if cb.onRecoveryError != nil {
		cb.onRecoveryError(err)
	}
}
