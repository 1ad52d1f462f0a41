package arrowmq

import (
	"context"
	"fmt"

	"github.com/arrowmq/arrowmq.go/pkg/connection"
	"github.com/arrowmq/arrowmq.go/pkg/message"
)

const (
	kindConsumer = "consumer"

	// DefaultCredit is the link credit of a consumer that sets none.
	DefaultCredit = 200
)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Address     string
	RoutingType RoutingType

	// Queue, when set, consumes from that queue of Address using the fully
	// qualified queue name Address::Queue.
	Queue string

	// Credit is the number of messages the broker may deliver ahead of
	// Receive calls. Zero means DefaultCredit.
	Credit int32

	// FilterExpression is a JMS-style selector.
	FilterExpression string

	// NoLocalFilter skips messages published on the same connection.
	NoLocalFilter bool
}

func (cfg ConsumerConfig) validate() error {
	if cfg.Address == "" {
		return fmt.Errorf("%w: consumer address is empty", ErrInvalidConfig)
	}
	if !cfg.RoutingType.valid() {
		return fmt.Errorf("%w: unknown routing type %v", ErrInvalidConfig, cfg.RoutingType)
	}
	if cfg.Credit < 0 {
		return fmt.Errorf("%w: negative credit", ErrInvalidConfig)
	}
	return nil
}

func (cfg ConsumerConfig) source() string {
	if cfg.Queue == "" {
		return cfg.Address
	}
	return cfg.Address + "::" + cfg.Queue
}

func (cfg ConsumerConfig) credit() int32 {
	if cfg.Credit == 0 {
		return DefaultCredit
	}
	return cfg.Credit
}

// consumerLink is one receiver link. It does not recover.
type consumerLink struct {
	receiver connection.Receiver
}

func openConsumerLink(cfg ConsumerConfig) innerFactory[*consumerLink] {
	return func(ctx context.Context, conn connection.Conn) (*consumerLink, error) {
		r, err := conn.NewReceiver(ctx, cfg.source(), &connection.ReceiverOptions{
			Credit:       cfg.credit(),
			Capabilities: cfg.RoutingType.capabilities(),
			Selector:     cfg.FilterExpression,
			NoLocal:      cfg.NoLocalFilter,
		})
		if err != nil {
			return nil, err
		}
		return &consumerLink{receiver: r}, nil
	}
}

func (l *consumerLink) close(ctx context.Context) error {
	return l.receiver.Close(ctx)
}

// Consumer receives messages from one address or queue. It survives
// connection loss: a pending Receive keeps waiting across a reconnect and
// completes with a message from the new link.
//
// A message must be settled through the consumer that received it. Settling
// a message whose link was replaced by a reconnect fails with
// connection.ErrStaleDelivery; the broker redelivers such messages.
//
// Consumer is safe for concurrent use.
type Consumer struct {
	res *resource[*consumerLink]
	cfg ConsumerConfig
}

// CreateConsumer opens a consumer on the current connection.
func (c *Connection) CreateConsumer(ctx context.Context, cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	id := c.resources.Reserve()
	cons := &Consumer{
		res: newResource(id, kindConsumer, openConsumerLink(cfg), c, c.logger, c.metrics),
		cfg: cfg,
	}
	if err := c.register(ctx, id, cons.res); err != nil {
		return nil, err
	}
	return cons, nil
}

// Receive blocks until a message arrives.
func (c *Consumer) Receive(ctx context.Context) (*message.Message, error) {
	return do(ctx, c.res, func(ctx context.Context, l *consumerLink) (*message.Message, error) {
		return l.receiver.Receive(ctx)
	})
}

// Accept settles msg as processed.
func (c *Consumer) Accept(ctx context.Context, msg *message.Message) error {
	return c.settle(ctx, func(ctx context.Context, r connection.Receiver) error {
		return r.Accept(ctx, msg)
	})
}

// Reject settles msg as invalid; the broker will not redeliver it.
func (c *Consumer) Reject(ctx context.Context, msg *message.Message) error {
	return c.settle(ctx, func(ctx context.Context, r connection.Receiver) error {
		return r.Reject(ctx, msg)
	})
}

// Modify returns msg to the broker with a modified outcome.
func (c *Consumer) Modify(ctx context.Context, msg *message.Message, opts connection.ModifyOptions) error {
	return c.settle(ctx, func(ctx context.Context, r connection.Receiver) error {
		return r.Modify(ctx, msg, opts)
	})
}

// Release returns msg to the broker unprocessed.
func (c *Consumer) Release(ctx context.Context, msg *message.Message) error {
	return c.settle(ctx, func(ctx context.Context, r connection.Receiver) error {
		return r.Release(ctx, msg)
	})
}

func (c *Consumer) settle(ctx context.Context, f func(context.Context, connection.Receiver) error) error {
	_, err := do(ctx, c.res, func(ctx context.Context, l *consumerLink) (struct{}, error) {
		return struct{}{}, f(ctx, l.receiver)
	})
	return err
}

func (c *Consumer) Address() string { return c.cfg.source() }

// Close closes the consumer. Blocked and later calls fail with ErrClosed.
// Unsettled messages are redelivered by the broker.
func (c *Consumer) Close() error {
	return c.res.close()
}
