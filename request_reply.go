package arrowmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"github.com/arrowmq/arrowmq.go/pkg/connection"
	"github.com/arrowmq/arrowmq.go/pkg/message"
)

const (
	kindRequestReply = "request-reply client"

	replyCredit = 100
)

var errNoReplyAddress = errors.New("arrowmq: broker did not assign a reply address")

// RequestReplyClientConfig configures a RequestReplyClient.
type RequestReplyClientConfig struct {
	// Timeout, when positive, bounds every Send including the time spent
	// waiting for recovery.
	Timeout time.Duration
}

func (cfg RequestReplyClientConfig) validate() error {
	if cfg.Timeout < 0 {
		return fmt.Errorf("%w: negative request timeout", ErrInvalidConfig)
	}
	return nil
}

type reply struct {
	msg *message.Message
	err error
}

// requestReplyLink is an anonymous sender plus a receiver on a temporary
// reply address. Replies are matched to requests by correlation id.
type requestReplyLink struct {
	sender   connection.Sender
	receiver connection.Receiver
	replyTo  string

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	pending map[string]chan reply
	// err is set once the link stopped dispatching replies.
	err error
}

func openRequestReplyLink(ctx context.Context, conn connection.Conn) (*requestReplyLink, error) {
	s, err := conn.NewSender(ctx, "", nil)
	if err != nil {
		return nil, err
	}
	r, err := conn.NewReceiver(ctx, "", &connection.ReceiverOptions{
		Credit:         replyCredit,
		DynamicAddress: true,
	})
	if err != nil {
		closeQuietly(s.Close)
		return nil, err
	}
	if r.Address() == "" {
		closeQuietly(r.Close)
		closeQuietly(s.Close)
		return nil, errNoReplyAddress
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	l := &requestReplyLink{
		sender:   s,
		receiver: r,
		replyTo:  r.Address(),
		cancel:   cancel,
		done:     make(chan struct{}),
		pending:  make(map[string]chan reply),
	}
	go l.dispatch(dispatchCtx)
	return l, nil
}

func (l *requestReplyLink) dispatch(ctx context.Context) {
	defer close(l.done)

	for {
		msg, err := l.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = &connection.ClosedError{Err: ctx.Err()}
			}
			l.fail(err)
			return
		}
		// Replies are not redelivered; settle before handing them out.
		_ = l.receiver.Accept(ctx, msg)

		key := correlationKey(msg.CorrelationID)
		l.mu.Lock()
		ch, ok := l.pending[key]
		delete(l.pending, key)
		l.mu.Unlock()
		if ok {
			ch <- reply{msg: msg}
		}
	}
}

// fail ends every pending request with err. Later requests fail with err too.
func (l *requestReplyLink) fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.err == nil {
		l.err = err
	}
	for key, ch := range l.pending {
		ch <- reply{err: l.err}
		delete(l.pending, key)
	}
}

// request sends msg, which must carry a message id, and waits for the reply.
func (l *requestReplyLink) request(ctx context.Context, msg *message.Message) (*message.Message, error) {
	key := correlationKey(msg.MessageID)
	ch := make(chan reply, 1)

	l.mu.Lock()
	if l.err != nil {
		err := l.err
		l.mu.Unlock()
		return nil, err
	}
	l.pending[key] = ch
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.pending[key] == ch {
			delete(l.pending, key)
		}
		l.mu.Unlock()
	}()

	m := msg.Clone()
	m.ReplyTo = l.replyTo
	if err := l.sender.Send(ctx, m); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *requestReplyLink) close(ctx context.Context) error {
	l.fail(&connection.ClosedError{})
	l.cancel()
	err := errors.Join(l.receiver.Close(ctx), l.sender.Close(ctx))
	<-l.done
	return err
}

func correlationKey(id any) string {
	return fmt.Sprintf("%T:%v", id, id)
}

func closeQuietly(f func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), innerCloseTimeout)
	defer cancel()
	_ = f(ctx)
}

// RequestReplyClient sends requests and waits for their replies on a
// temporary reply address. It survives connection loss: a request whose
// link is lost is sent again on the recovered link, so a responder may see
// the same request more than once.
//
// RequestReplyClient is safe for concurrent use.
type RequestReplyClient struct {
	res *resource[*requestReplyLink]
	cfg RequestReplyClientConfig
}

// CreateRequestReplyClient opens a request-reply client on the current connection.
func (c *Connection) CreateRequestReplyClient(ctx context.Context, cfg RequestReplyClientConfig) (*RequestReplyClient, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	id := c.resources.Reserve()
	client := &RequestReplyClient{
		res: newResource(id, kindRequestReply, openRequestReplyLink, c, c.logger, c.metrics),
		cfg: cfg,
	}
	if err := c.register(ctx, id, client.res); err != nil {
		return nil, err
	}
	return client, nil
}

// Send sends msg to address and returns the reply, which is the first
// message whose correlation id equals the request's message id. A message
// without a message id gets a random UUID. Concurrent requests must use
// distinct message ids.
func (c *RequestReplyClient) Send(ctx context.Context, address string, routingType RoutingType, msg *message.Message) (*message.Message, error) {
	if msg == nil {
		return nil, errors.New("arrowmq: nil message")
	}
	if address == "" {
		return nil, fmt.Errorf("%w: request address is empty", ErrInvalidConfig)
	}
	if !routingType.valid() {
		return nil, fmt.Errorf("%w: unknown routing type %v", ErrInvalidConfig, routingType)
	}

	req := msg.Clone()
	req.To = address
	if req.MessageID == nil {
		req.MessageID = uuid.Must(uuid.NewV4()).String()
	}
	if v := routingType.annotation(); v != nil {
		req.SetAnnotation(routingTypeAnnotation, v)
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	return do(ctx, c.res, func(ctx context.Context, l *requestReplyLink) (*message.Message, error) {
		return l.request(ctx, req)
	})
}

// Close closes the client. Pending and later requests fail with ErrClosed.
func (c *RequestReplyClient) Close() error {
	return c.res.close()
}
