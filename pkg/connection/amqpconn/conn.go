// Package amqpconn implements the connection interfaces with
// github.com/Azure/go-amqp. Every link gets its own session.
package amqpconn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/Azure/go-amqp"

	"github.com/arrowmq/arrowmq.go/pkg/connection"
	"github.com/arrowmq/arrowmq.go/pkg/message"
)

const (
	noLocalFilterName = "apache.org:no-local-filter:list"
	noLocalFilterCode = uint64(0x0000468C00000003)
)

type Conn struct {
	conn          *amqp.Conn
	endpoint      connection.Endpoint
	closedLocally atomic.Bool
}

var _ connection.Conn = (*Conn)(nil)

func newConn(c *amqp.Conn, ep connection.Endpoint) *Conn {
	return &Conn{conn: c, endpoint: ep}
}

func (c *Conn) Endpoint() connection.Endpoint { return c.endpoint }

func (c *Conn) Done() <-chan struct{} { return c.conn.Done() }

func (c *Conn) Err() error {
	select {
	case <-c.conn.Done():
	default:
		return nil
	}
	if c.closedLocally.Load() {
		return nil
	}
	// go-amqp blocks in Err until the connection is closed, hence the Done check.
	return classify(c.conn.Err())
}

func (c *Conn) Close() error {
	select {
	case <-c.conn.Done():
		// Already gone; Err keeps reporting the original cause.
		return nil
	default:
	}
	c.closedLocally.Store(true)
	return ignoreClosed(c.conn.Close())
}

func (c *Conn) NewSender(ctx context.Context, address string, opts *connection.SenderOptions) (connection.Sender, error) {
	if opts == nil {
		opts = &connection.SenderOptions{}
	}
	sess, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}

	snd, err := sess.NewSender(ctx, address, &amqp.SenderOptions{
		Name:               opts.Name,
		TargetCapabilities: opts.Capabilities,
	})
	if err != nil {
		_ = sess.Close(context.Background())
		return nil, classify(err)
	}
	return &sender{session: sess, sender: snd}, nil
}

func (c *Conn) NewReceiver(ctx context.Context, address string, opts *connection.ReceiverOptions) (connection.Receiver, error) {
	if opts == nil {
		opts = &connection.ReceiverOptions{}
	}
	sess, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}

	ro := receiverOptions(opts)
	if opts.DynamicAddress {
		address = ""
	}
	rcv, err := sess.NewReceiver(ctx, address, ro)
	if err != nil {
		_ = sess.Close(context.Background())
		return nil, classify(err)
	}
	return &receiver{
		session:    sess,
		receiver:   rcv,
		deliveries: make(map[*message.Message]*amqp.Message),
	}, nil
}

func receiverOptions(opts *connection.ReceiverOptions) *amqp.ReceiverOptions {
	ro := &amqp.ReceiverOptions{
		Name:               opts.Name,
		Credit:             opts.Credit,
		SourceCapabilities: opts.Capabilities,
		DynamicAddress:     opts.DynamicAddress,
	}
	if opts.Selector != "" {
		ro.Filters = append(ro.Filters, amqp.NewSelectorFilter(opts.Selector))
	}
	if opts.NoLocal {
		ro.Filters = append(ro.Filters, amqp.NewLinkFilter(noLocalFilterName, noLocalFilterCode, []string{"NoLocalFilter{}"}))
	}
	return ro
}

type sender struct {
	session *amqp.Session
	sender  *amqp.Sender
}

func (s *sender) Send(ctx context.Context, msg *message.Message) error {
	return classify(s.sender.Send(ctx, toAMQP(msg), nil))
}

func (s *sender) Close(ctx context.Context) error {
	err := s.sender.Close(ctx)
	return errors.Join(ignoreClosed(err), ignoreClosed(s.session.Close(ctx)))
}

type receiver struct {
	session  *amqp.Session
	receiver *amqp.Receiver

	mu         sync.Mutex
	deliveries map[*message.Message]*amqp.Message
}

func (r *receiver) Receive(ctx context.Context) (*message.Message, error) {
	in, err := r.receiver.Receive(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}

	m := fromAMQP(in)
	r.mu.Lock()
	if r.deliveries != nil {
		r.deliveries[m] = in
	}
	r.mu.Unlock()
	return m, nil
}

// take removes the pending delivery of msg.
func (r *receiver) take(msg *message.Message) (*amqp.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.deliveries[msg]
	if !ok {
		return nil, connection.ErrStaleDelivery
	}
	delete(r.deliveries, msg)
	return in, nil
}

func (r *receiver) Accept(ctx context.Context, msg *message.Message) error {
	in, err := r.take(msg)
	if err != nil {
		return err
	}
	return classify(r.receiver.AcceptMessage(ctx, in))
}

func (r *receiver) Reject(ctx context.Context, msg *message.Message) error {
	in, err := r.take(msg)
	if err != nil {
		return err
	}
	return classify(r.receiver.RejectMessage(ctx, in, nil))
}

func (r *receiver) Modify(ctx context.Context, msg *message.Message, opts connection.ModifyOptions) error {
	in, err := r.take(msg)
	if err != nil {
		return err
	}
	return classify(r.receiver.ModifyMessage(ctx, in, &amqp.ModifyMessageOptions{
		DeliveryFailed:    opts.DeliveryFailed,
		UndeliverableHere: opts.UndeliverableHere,
		Annotations:       toAnnotations(opts.Annotations),
	}))
}

func (r *receiver) Release(ctx context.Context, msg *message.Message) error {
	in, err := r.take(msg)
	if err != nil {
		return err
	}
	return classify(r.receiver.ReleaseMessage(ctx, in))
}

func (r *receiver) Address() string { return r.receiver.Address() }

func (r *receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	r.deliveries = nil
	r.mu.Unlock()

	err := r.receiver.Close(ctx)
	return errors.Join(ignoreClosed(err), ignoreClosed(r.session.Close(ctx)))
}

// ignoreClosed drops errors reporting that the link or session is already gone.
func ignoreClosed(err error) error {
	if err == nil || connection.IsClosed(classify(err)) {
		return nil
	}
	return err
}
