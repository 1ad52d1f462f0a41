package arrowmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arrowmq/arrowmq.go/pkg/connection"
	"github.com/arrowmq/arrowmq.go/pkg/message"
)

const kindProducer = "producer"

// ProducerConfig configures a Producer. Durable, Priority and TTL are
// defaults applied to messages that do not set them.
type ProducerConfig struct {
	Address     string
	RoutingType RoutingType

	Durable  *bool
	Priority *uint8
	TTL      time.Duration
}

func (cfg ProducerConfig) validate() error {
	if cfg.Address == "" {
		return fmt.Errorf("%w: producer address is empty", ErrInvalidConfig)
	}
	if !cfg.RoutingType.valid() {
		return fmt.Errorf("%w: unknown routing type %v", ErrInvalidConfig, cfg.RoutingType)
	}
	if cfg.TTL < 0 {
		return fmt.Errorf("%w: negative TTL", ErrInvalidConfig)
	}
	return nil
}

// producerLink is one sender link. It does not recover.
type producerLink struct {
	cfg    ProducerConfig
	sender connection.Sender
}

func openProducerLink(cfg ProducerConfig) innerFactory[*producerLink] {
	return func(ctx context.Context, conn connection.Conn) (*producerLink, error) {
		s, err := conn.NewSender(ctx, cfg.Address, &connection.SenderOptions{
			Capabilities: cfg.RoutingType.capabilities(),
		})
		if err != nil {
			return nil, err
		}
		return &producerLink{cfg: cfg, sender: s}, nil
	}
}

func (l *producerLink) send(ctx context.Context, msg *message.Message) error {
	return l.sender.Send(ctx, l.withDefaults(msg))
}

func (l *producerLink) withDefaults(msg *message.Message) *message.Message {
	cfg := l.cfg
	if (msg.Durable != nil || cfg.Durable == nil) &&
		(msg.Priority != nil || cfg.Priority == nil) &&
		(msg.TTL != 0 || cfg.TTL == 0) {
		return msg
	}
	m := msg.Clone()
	if m.Durable == nil {
		m.Durable = cfg.Durable
	}
	if m.Priority == nil {
		m.Priority = cfg.Priority
	}
	if m.TTL == 0 {
		m.TTL = cfg.TTL
	}
	return m
}

func (l *producerLink) close(ctx context.Context) error {
	return l.sender.Close(ctx)
}

// Producer sends messages to one address. It survives connection loss:
// a Send that hits a lost connection waits for recovery and is retried, so
// a message may be delivered more than once but is never silently dropped.
//
// Producer is safe for concurrent use.
type Producer struct {
	res *resource[*producerLink]
	cfg ProducerConfig
}

// CreateProducer opens a producer on the current connection.
func (c *Connection) CreateProducer(ctx context.Context, cfg ProducerConfig) (*Producer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	id := c.resources.Reserve()
	p := &Producer{
		res: newResource(id, kindProducer, openProducerLink(cfg), c, c.logger, c.metrics),
		cfg: cfg,
	}
	if err := c.register(ctx, id, p.res); err != nil {
		return nil, err
	}
	return p, nil
}

// Send sends msg and waits for the broker to accept it.
func (p *Producer) Send(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return errors.New("arrowmq: nil message")
	}
	_, err := do(ctx, p.res, func(ctx context.Context, l *producerLink) (struct{}, error) {
		return struct{}{}, l.send(ctx, msg)
	})
	return err
}

func (p *Producer) Address() string { return p.cfg.Address }

// Close closes the producer. Blocked and later calls fail with ErrClosed.
func (p *Producer) Close() error {
	return p.res.close()
}
