package arrowmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arrowmq/arrowmq.go/pkg/connection"
	"github.com/arrowmq/arrowmq.go/pkg/logger"
	"github.com/arrowmq/arrowmq.go/pkg/message"
	"github.com/arrowmq/arrowmq.go/pkg/recovery"
)

var errConnectionReset = errors.New("connection reset by peer")

// fakeBroker routes messages between the links of every fakeConn it serves.
type fakeBroker struct {
	mu        sync.Mutex
	receivers map[string][]*fakeReceiver
	backlog   map[string][]*message.Message
	published []*message.Message
	// attachErrs fails link attaches to an address.
	attachErrs map[string]error
	// sendErrs fails sends to an address.
	sendErrs map[string]error
	dynamic  int
	// onPublish runs after a message is routed, outside the broker lock.
	onPublish func(address string, msg *message.Message)
	// onAttach runs before a link to an address attaches, outside the broker lock.
	onAttach func(address string)
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		receivers:  make(map[string][]*fakeReceiver),
		backlog:    make(map[string][]*message.Message),
		attachErrs: make(map[string]error),
		sendErrs:   make(map[string]error),
	}
}

func (b *fakeBroker) setAttachErr(address string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachErrs[address] = err
}

func (b *fakeBroker) setSendErr(address string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErrs[address] = err
}

func (b *fakeBroker) setOnPublish(f func(address string, msg *message.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPublish = f
}

func (b *fakeBroker) setOnAttach(f func(address string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onAttach = f
}

func (b *fakeBroker) attachErr(address string) error {
	b.mu.Lock()
	err, hook := b.attachErrs[address], b.onAttach
	b.mu.Unlock()
	if hook != nil {
		hook(address)
	}
	return err
}

func (b *fakeBroker) publishedTo(address string) []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*message.Message
	for _, m := range b.published {
		if m.To == address {
			out = append(out, m)
		}
	}
	return out
}

func (b *fakeBroker) publish(address string, msg *message.Message) error {
	b.mu.Lock()
	if err := b.sendErrs[address]; err != nil {
		b.mu.Unlock()
		return err
	}
	m := msg.Clone()
	m.To = address
	b.published = append(b.published, m)

	delivered := false
	for _, r := range b.receivers[address] {
		if r.alive() {
			r.deliver(m)
			delivered = true
			break
		}
	}
	if !delivered {
		b.backlog[address] = append(b.backlog[address], m)
	}
	hook := b.onPublish
	b.mu.Unlock()

	if hook != nil {
		hook(address, m)
	}
	return nil
}

func (b *fakeBroker) addReceiver(r *fakeReceiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receivers[r.address] = append(b.receivers[r.address], r)
	for _, m := range b.backlog[r.address] {
		r.deliver(m)
	}
	delete(b.backlog, r.address)
}

func (b *fakeBroker) dynamicAddress() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dynamic++
	return fmt.Sprintf("temp-queue-%d", b.dynamic)
}

type fakeConn struct {
	broker *fakeBroker
	ep     connection.Endpoint
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	err       error
	senders   []*fakeSender
	receivers []*fakeReceiver
}

func newFakeConn(ep connection.Endpoint, b *fakeBroker) *fakeConn {
	return &fakeConn{broker: b, ep: ep, done: make(chan struct{})}
}

func (c *fakeConn) closeWith(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

// kill simulates the broker dropping the connection.
func (c *fakeConn) kill() {
	c.closeWith(&connection.ClosedError{Err: errConnectionReset, Remote: true, Condition: "amqp:connection:forced"})
}

func (c *fakeConn) linkErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return &connection.ClosedError{}
}

func (c *fakeConn) Endpoint() connection.Endpoint { return c.ep }

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *fakeConn) NewSender(ctx context.Context, address string, opts *connection.SenderOptions) (connection.Sender, error) {
	if !connection.IsOpen(c) {
		return nil, c.linkErr()
	}
	if err := c.broker.attachErr(address); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &connection.SenderOptions{}
	}
	s := &fakeSender{conn: c, address: address, opts: *opts, closed: make(chan struct{})}

	c.mu.Lock()
	c.senders = append(c.senders, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeConn) NewReceiver(ctx context.Context, address string, opts *connection.ReceiverOptions) (connection.Receiver, error) {
	if !connection.IsOpen(c) {
		return nil, c.linkErr()
	}
	if opts == nil {
		opts = &connection.ReceiverOptions{}
	}
	if opts.DynamicAddress {
		address = c.broker.dynamicAddress()
	}
	if err := c.broker.attachErr(address); err != nil {
		return nil, err
	}
	r := &fakeReceiver{
		conn:      c,
		address:   address,
		opts:      *opts,
		queue:     make(chan *message.Message, 100),
		closed:    make(chan struct{}),
		delivered: make(map[*message.Message]bool),
	}

	c.mu.Lock()
	c.receivers = append(c.receivers, r)
	c.mu.Unlock()
	c.broker.addReceiver(r)
	return r, nil
}

func (c *fakeConn) sender(i int) *fakeSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senders[i]
}

func (c *fakeConn) receiver(i int) *fakeReceiver {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivers[i]
}

type fakeSender struct {
	conn    *fakeConn
	address string
	opts    connection.SenderOptions
	closed  chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
}

func (s *fakeSender) detach(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *fakeSender) linkErr() error {
	select {
	case <-s.conn.done:
		return s.conn.linkErr()
	case <-s.closed:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	default:
		return nil
	}
}

func (s *fakeSender) Send(ctx context.Context, msg *message.Message) error {
	if err := s.linkErr(); err != nil {
		return err
	}
	address := s.address
	if address == "" {
		address = msg.To
	}
	return s.conn.broker.publish(address, msg)
}

func (s *fakeSender) Close(ctx context.Context) error {
	s.detach(&connection.ClosedError{})
	return nil
}

type fakeReceiver struct {
	conn    *fakeConn
	address string
	opts    connection.ReceiverOptions
	queue   chan *message.Message
	closed  chan struct{}
	once    sync.Once

	mu        sync.Mutex
	err       error
	delivered map[*message.Message]bool
	accepted  []*message.Message
}

func (r *fakeReceiver) alive() bool {
	return r.linkErr() == nil
}

func (r *fakeReceiver) deliver(m *message.Message) {
	r.queue <- m
}

func (r *fakeReceiver) detach(err error) {
	r.once.Do(func() {
		r.mu.Lock()
		r.err = err
		r.mu.Unlock()
		close(r.closed)
	})
}

func (r *fakeReceiver) linkErr() error {
	select {
	case <-r.conn.done:
		return r.conn.linkErr()
	case <-r.closed:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.err
	default:
		return nil
	}
}

func (r *fakeReceiver) Receive(ctx context.Context) (*message.Message, error) {
	if err := r.linkErr(); err != nil {
		return nil, err
	}
	select {
	case m := <-r.queue:
		r.mu.Lock()
		r.delivered[m] = true
		r.mu.Unlock()
		return m, nil
	case <-r.conn.done:
		return nil, r.conn.linkErr()
	case <-r.closed:
		return nil, r.linkErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *fakeReceiver) settle(msg *message.Message) error {
	if err := r.linkErr(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.delivered[msg] {
		return connection.ErrStaleDelivery
	}
	delete(r.delivered, msg)
	r.accepted = append(r.accepted, msg)
	return nil
}

func (r *fakeReceiver) Accept(ctx context.Context, msg *message.Message) error {
	return r.settle(msg)
}

func (r *fakeReceiver) Reject(ctx context.Context, msg *message.Message) error {
	return r.settle(msg)
}

func (r *fakeReceiver) Modify(ctx context.Context, msg *message.Message, _ connection.ModifyOptions) error {
	return r.settle(msg)
}

func (r *fakeReceiver) Release(ctx context.Context, msg *message.Message) error {
	return r.settle(msg)
}

func (r *fakeReceiver) Address() string { return r.address }

func (r *fakeReceiver) Close(ctx context.Context) error {
	r.detach(&connection.ClosedError{})
	return nil
}

func (r *fakeReceiver) acceptedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accepted)
}

// fakeDialer opens fakeConns. Each attempt consumes the next scripted
// result; once the script is exhausted, fallback is returned.
type fakeDialer struct {
	broker *fakeBroker

	mu       sync.Mutex
	attempts []connection.Endpoint
	script   []error
	fallback error
	conns    []*fakeConn
}

func newFakeDialer(script ...error) *fakeDialer {
	return &fakeDialer{broker: newFakeBroker(), script: script}
}

func (d *fakeDialer) Dial(ctx context.Context, ep connection.Endpoint) (connection.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempts = append(d.attempts, ep)
	var err error
	if len(d.script) > 0 {
		err, d.script = d.script[0], d.script[1:]
	} else {
		err = d.fallback
	}
	if err != nil {
		return nil, err
	}

	c := newFakeConn(ep, d.broker)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFallback(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = err
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.attempts)
}

func (d *fakeDialer) hosts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	hosts := make([]string, 0, len(d.attempts))
	for _, ep := range d.attempts {
		hosts = append(hosts, ep.Host)
	}
	return hosts
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testEndpoint(host string) connection.Endpoint {
	return connection.Endpoint{Scheme: connection.SchemeAMQP, Host: host, Port: 5672}
}

func constantPolicy(t *testing.T, retries int, delay time.Duration) recovery.Policy {
	t.Helper()
	p, err := recovery.Constant(retries, delay)
	require.NoError(t, err)
	return p
}

// harness is a Connection on a fakeDialer with its callbacks captured.
type harness struct {
	t           *testing.T
	dialer      *fakeDialer
	broker      *fakeBroker
	conn        *Connection
	recovered   chan connection.Endpoint
	closed      chan bool
	recoveryErr chan error
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	d := newFakeDialer()
	h := &harness{
		t:           t,
		dialer:      d,
		broker:      d.broker,
		recovered:   make(chan connection.Endpoint, 16),
		closed:      make(chan bool, 16),
		recoveryErr: make(chan error, 4),
	}

	base := []Option{
		WithDialer(d),
		WithLogger(logger.Nop()),
		WithRecoveryPolicy(constantPolicy(t, recovery.Unbounded, time.Millisecond)),
		WithOnConnectionRecovered(func(ep connection.Endpoint) {
			select {
			case h.recovered <- ep:
			default:
			}
		}),
		WithOnConnectionClosed(func(closedByPeer bool, _ error) {
			select {
			case h.closed <- closedByPeer:
			default:
			}
		}),
		WithOnConnectionRecoveryError(func(err error) {
			select {
			case h.recoveryErr <- err:
			default:
			}
		}),
	}

	conn, err := Connect(context.Background(), []connection.Endpoint{testEndpoint("broker-a")}, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	h.conn = conn
	return h
}

func (h *harness) waitRecovered() connection.Endpoint {
	h.t.Helper()
	select {
	case ep := <-h.recovered:
		return ep
	case <-time.After(2 * time.Second):
		h.t.Fatal("connection was not recovered")
		return connection.Endpoint{}
	}
}

func (h *harness) waitRecoveryError() error {
	h.t.Helper()
	select {
	case err := <-h.recoveryErr:
		return err
	case <-time.After(2 * time.Second):
		h.t.Fatal("recovery did not fail")
		return nil
	}
}

// killCurrent drops the connection most recently opened by the dialer.
func (h *harness) killCurrent() *fakeConn {
	h.t.Helper()
	c := h.dialer.conn(h.dialer.connCount() - 1)
	c.kill()
	return c
}

func ctxWithTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
