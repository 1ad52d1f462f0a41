package amqpconn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/go-amqp"

	"github.com/arrowmq/arrowmq.go/pkg/connection"
)

// classify maps go-amqp errors onto the connection package errors, so the
// layers above can tell a closed link or connection from an ordinary failure.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var (
		connErr *amqp.ConnError
		sessErr *amqp.SessionError
		linkErr *amqp.LinkError
	)
	switch {
	case errors.As(err, &connErr):
		return closed(err, connErr.RemoteErr)
	case errors.As(err, &sessErr):
		return closed(err, sessErr.RemoteErr)
	case errors.As(err, &linkErr):
		return closed(err, linkErr.RemoteErr)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr.Condition == amqp.ErrCondUnauthorizedAccess {
		return fmt.Errorf("%w: %w", connection.ErrUnauthorized, err)
	}
	return err
}

func closed(err error, remote *amqp.Error) error {
	ce := &connection.ClosedError{Err: err, Remote: remote != nil}
	if remote != nil {
		ce.Condition = string(remote.Condition)
	}
	return ce
}

// classifyDial maps a failed connection open. SASL authentication failures
// carry no AMQP condition, only the outcome text.
func classifyDial(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "sasl") && strings.Contains(msg, "auth") {
		return fmt.Errorf("%w: %w", connection.ErrUnauthorized, err)
	}
	return classify(err)
}
