package arrowmq

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/arrowmq/arrowmq.go/internal/mailbox"
	"github.com/arrowmq/arrowmq.go/internal/registry"
	"github.com/arrowmq/arrowmq.go/pkg/connection"
	"github.com/arrowmq/arrowmq.go/pkg/logger"
	"github.com/arrowmq/arrowmq.go/pkg/metrics"
	"github.com/arrowmq/arrowmq.go/pkg/recovery"
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateRecovering
	StateClosed
)

func (state State) String() string {
	switch state {
	case StateDisconnected:
		return "Disconnected"
	case StateConnected:
		return "Connected"
	case StateRecovering:
		return "Recovering"
	case StateClosed:
		return "Closed"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case StateDisconnected:
		switch newState {
		case StateConnected, StateClosed:
			return nil
		}
	case StateConnected:
		switch newState {
		case StateRecovering, StateClosed:
			return nil
		}
	case StateRecovering:
		switch newState {
		// Recovering to Disconnected happens when recovery gives up.
		case StateConnected, StateDisconnected, StateClosed:
			return nil
		}
	}

	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

type eventKind int

const (
	// eventRecoveryRequested is posted by a resource whose link closed.
	eventRecoveryRequested eventKind = iota
	// eventConnectionLost is posted when a connection's Done channel closes.
	eventConnectionLost
)

type event struct {
	kind eventKind
	id   uint64
	conn connection.Conn
}

// Connection is a connection to the broker that recovers itself, and every
// producer, consumer and request-reply client created from it, when the
// underlying transport connection is lost.
//
// Recovery runs on a single goroutine that handles one event at a time.
// While it reconnects, operations on the resources block until the resource
// is recovered, terminated, or the operation's context is done.
type Connection struct {
	endpoints      []connection.Endpoint
	policy         recovery.Policy
	dialer         connection.Dialer
	logger         logger.Logger
	metrics        *metrics.Metrics
	connectTimeout time.Duration
	isFatal        ErrorClassifier
	callbacks      callbacks

	resources *registry.Registry[recoverable]
	events    *mailbox.Mailbox[event]
	// notifications holds user callbacks, run in order by their own goroutine
	// so a slow callback never stalls recovery and callbacks may call Close.
	notifications *mailbox.Mailbox[func()]

	// stateMu guards state, conn and connEnd. The recovery loop is the only
	// writer of conn after Connect returns.
	stateMu sync.Mutex
	state   State
	conn    connection.Conn
	// connEnd settles how the end of conn is reported, once.
	connEnd *sync.Once

	cancel    context.CancelFunc
	loopDone  chan struct{}
	watchers  sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

var _ supervisor = (*Connection)(nil)

func newConnection(endpoints []connection.Endpoint) *Connection {
	return &Connection{
		endpoints: slices.Clone(endpoints),
		policy:    recovery.Default(),
		logger:    logger.Default(),
		isFatal:   connection.IsUnauthorized,
		resources: registry.New[recoverable](),
		events:    mailbox.New[event](),
		state:     StateDisconnected,
		loopDone:  make(chan struct{}),

		notifications: mailbox.New[func()](),
	}
}

func (c *Connection) start(ctx context.Context) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return fmt.Errorf("arrowmq: failed to connect: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	end := new(sync.Once)
	c.stateMu.Lock()
	c.conn, c.connEnd = conn, end
	err = c.transitionLocked(StateConnected)
	c.stateMu.Unlock()
	if err != nil {
		cancel()
		_ = conn.Close()
		return err
	}

	c.logger.Info("arrowmq.Connection connected", "endpoint", conn.Endpoint())
	c.watch(loopCtx, conn, end)
	go c.run(loopCtx)
	go c.runNotifications()
	return nil
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Endpoint returns the endpoint of the current transport connection.
// It reports false while no connection is established.
func (c *Connection) Endpoint() (connection.Endpoint, bool) {
	conn := c.current()
	if conn == nil {
		return connection.Endpoint{}, false
	}
	return conn.Endpoint(), true
}

func (c *Connection) transition(newState State) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.transitionLocked(newState)
}

func (c *Connection) transitionLocked(newState State) error {
	if err := c.state.validateTransitionTo(newState); err != nil {
		return err
	}
	c.state = newState
	c.metrics.SetState(int(newState))
	c.logger.Debug("arrowmq.Connection state transitioned", "new_state", newState)
	return nil
}

func (c *Connection) current() connection.Conn {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.conn
}

// swapCurrent replaces the current connection and returns the previous one
// with its end.
func (c *Connection) swapCurrent(conn connection.Conn, end *sync.Once) (connection.Conn, *sync.Once) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	prev, prevEnd := c.conn, c.connEnd
	c.conn, c.connEnd = conn, end
	return prev, prevEnd
}

// reportEnd raises ConnectionClosed for conn if it is already down. Only the
// first call per connection counts: a connection retired while still open is
// never reported, and a lost one is reported once by the loop or its watcher.
func (c *Connection) reportEnd(conn connection.Conn, end *sync.Once) {
	end.Do(func() {
		if connection.IsOpen(conn) {
			return
		}
		err := conn.Err()
		c.logger.Warn("arrowmq.Connection lost", "endpoint", conn.Endpoint(), "error", err)
		c.notify(func() { c.callbacks.closed(connection.ClosedByPeer(err), err) })
	})
}

// connect opens a connection following the recovery policy. Attempt i
// targets endpoints[i mod len(endpoints)]; fatal errors stop immediately.
func (c *Connection) connect(ctx context.Context) (connection.Conn, error) {
	attempt := 0

	opts := []retry.Option{
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// attempt-1 retries have been made so far
			return !c.isFatal(err) && !recovery.Exhausted(c.policy, attempt-1)
		}),
		retry.DelayType(func(_ uint, _ error, _ retry.DelayContext) time.Duration {
			// attempt is the number of failed attempts so far, i.e. the
			// 1-based number of the retry about to happen.
			return c.policy.Delay(attempt)
		}),
	}
	// Attempts is a hard cap; RetryIf stops first once the policy is spent.
	if n := c.policy.RetryCount(); n == recovery.Unbounded {
		opts = append(opts, retry.UntilSucceeded())
	} else {
		opts = append(opts, retry.Attempts(uint(n)+1))
	}

	conn, err := retry.NewWithData[connection.Conn](opts...).Do(func() (connection.Conn, error) {
		ep := c.endpoints[attempt%len(c.endpoints)]
		attempt++

		conn, err := c.dial(ctx, ep)
		if err != nil {
			c.logger.Warn("arrowmq.Connection failed to connect", "endpoint", ep, "attempt", attempt, "error", err)
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.isFatal(err) {
			return nil, err
		}
		return nil, fmt.Errorf("gave up after %d attempts: %w", attempt, err)
	}
	return conn, nil
}

func (c *Connection) dial(ctx context.Context, ep connection.Endpoint) (connection.Conn, error) {
	if c.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := c.dialer.Dial(ctx, ep)
	c.metrics.ConnectAttempt(ep.String(), time.Since(start), err)
	return conn, err
}

// watch reports the loss of conn to the user and to the recovery loop.
func (c *Connection) watch(ctx context.Context, conn connection.Conn, end *sync.Once) {
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()

		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
		}

		c.reportEnd(conn, end)
		c.events.Post(event{kind: eventConnectionLost, conn: conn})
	}()
}

func (c *Connection) notify(f func()) {
	c.notifications.Post(f)
}

// runNotifications exits once Close has been called and queued callbacks ran.
func (c *Connection) runNotifications() {
	for {
		f, err := c.notifications.Receive(context.Background())
		if err != nil {
			return
		}
		f()
	}
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.loopDone)

	for {
		ev, err := c.events.Receive(ctx)
		if err != nil {
			return
		}
		if !c.handle(ctx, ev) {
			return
		}
	}
}

// handle processes one event to completion. It returns false when the loop must stop.
func (c *Connection) handle(ctx context.Context, ev event) bool {
	conn := c.current()

	switch ev.kind {
	case eventConnectionLost:
		if ev.conn != conn {
			// already replaced
			return true
		}
	case eventRecoveryRequested:
		if connection.IsOpen(conn) {
			if c.recoverStale(ctx, conn) {
				return true
			}
			if ctx.Err() != nil {
				return false
			}
		}
	}
	return c.reconnect(ctx)
}

// recoverStale re-attaches the resources whose links closed while conn
// stayed open, then resumes every resource. It returns false when the
// failure calls for a full reconnect.
func (c *Connection) recoverStale(ctx context.Context, conn connection.Conn) bool {
	for _, e := range c.resources.Snapshot() {
		if !e.Value.stale() || !c.resources.Contains(e.ID) {
			continue
		}

		err := e.Value.recover(ctx, conn)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		if !c.resources.Contains(e.ID) {
			// closed by its user while being recovered
			continue
		}
		if !connection.IsOpen(conn) || (connection.IsClosed(err) && !c.isFatal(err)) {
			c.logger.Info("arrowmq.Connection escalating to reconnect", "resource", e.Value.kind(), "id", e.ID, "error", err)
			return false
		}
		c.drop(e, err)
	}

	for _, e := range c.resources.Snapshot() {
		e.Value.resume()
	}
	return true
}

// reconnect replaces the current connection and recovers every resource on
// the new one. It returns false when the loop must stop.
func (c *Connection) reconnect(ctx context.Context) bool {
	if err := c.transition(StateRecovering); err != nil {
		c.logger.Debug("arrowmq.Connection skipped reconnect", "error", err)
		return false
	}

	for {
		if old, oldEnd := c.swapCurrent(nil, nil); old != nil {
			c.reportEnd(old, oldEnd)
			_ = old.Close()
		}
		for _, e := range c.resources.Snapshot() {
			e.Value.suspend()
		}

		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.fail(err)
			}
			return false
		}
		end := new(sync.Once)
		c.swapCurrent(conn, end)
		c.watch(ctx, conn, end)

		if !c.recoverAll(ctx, conn) {
			if ctx.Err() != nil {
				return false
			}
			c.logger.Warn("arrowmq.Connection lost during recovery, reconnecting", "endpoint", conn.Endpoint())
			continue
		}

		if err := c.transition(StateConnected); err != nil {
			return false
		}
		c.metrics.Recovered()
		c.logger.Info("arrowmq.Connection recovered", "endpoint", conn.Endpoint(), "resources", c.resources.Len())
		ep := conn.Endpoint()
		c.notify(func() { c.callbacks.recovered(ep) })
		return true
	}
}

// recoverAll recovers and resumes every resource in registration order.
// A resource that fails to recover is terminated on its own, unless conn
// itself went away, in which case it returns false.
func (c *Connection) recoverAll(ctx context.Context, conn connection.Conn) bool {
	for _, e := range c.resources.Snapshot() {
		if !c.resources.Contains(e.ID) {
			// closed by its user during this pass
			continue
		}

		if err := e.Value.recover(ctx, conn); err != nil {
			if ctx.Err() != nil || !connection.IsOpen(conn) {
				return false
			}
			if !c.resources.Contains(e.ID) {
				continue
			}
			c.drop(e, err)
			continue
		}
		e.Value.resume()
	}
	return true
}

func (c *Connection) drop(e registry.Entry[recoverable], err error) {
	c.logger.Warn("arrowmq.Connection failed to recover resource", "resource", e.Value.kind(), "id", e.ID, "error", err)
	c.deregister(e.ID)
	e.Value.terminate(err)
}

// fail terminates every resource after recovery gave up.
func (c *Connection) fail(err error) {
	c.logger.Error("arrowmq.Connection recovery failed", "error", err)

	if terr := c.transition(StateDisconnected); terr != nil {
		c.logger.Debug("arrowmq.Connection state unchanged", "error", terr)
	}
	c.events.Close()
	for _, e := range c.resources.Drain() {
		c.metrics.ResourceDeregistered(e.Value.kind())
		e.Value.terminate(err)
	}

	c.metrics.RecoveryFailed()
	c.notify(func() { c.callbacks.recoveryError(err) })
}

// Close stops recovery, closes every resource created from c that is still
// open, then closes the transport connection. It does not wait for a
// reconnect in progress to finish.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.stateMu.Lock()
		if err := c.transitionLocked(StateClosed); err != nil {
			c.logger.Debug("arrowmq.Connection close from unexpected state", "error", err)
			c.state = StateClosed
		}
		c.stateMu.Unlock()

		c.cancel()
		<-c.loopDone
		c.watchers.Wait()
		c.events.Close()

		for _, e := range c.resources.Drain() {
			c.metrics.ResourceDeregistered(e.Value.kind())
			e.Value.terminate(ErrConnectionClosed)
		}

		if conn, _ := c.swapCurrent(nil, nil); conn != nil {
			c.closeErr = conn.Close()
		}
		c.notifications.Close()
		c.logger.Debug("arrowmq.Connection closed")
	})
	return c.closeErr
}

// register opens r on the current connection and adds it to the registry.
func (c *Connection) register(ctx context.Context, id uint64, r recoverable) error {
	c.stateMu.Lock()
	state, conn := c.state, c.conn
	c.stateMu.Unlock()

	switch {
	case state == StateClosed || state == StateDisconnected:
		return ErrConnectionClosed
	case conn == nil:
		return ErrRecovering
	}

	if err := r.recover(ctx, conn); err != nil {
		return fmt.Errorf("arrowmq: failed to open %s: %w", r.kind(), err)
	}

	c.stateMu.Lock()
	if c.state == StateClosed || c.state == StateDisconnected {
		c.stateMu.Unlock()
		r.terminate(ErrConnectionClosed)
		return ErrConnectionClosed
	}
	c.resources.Put(id, r)
	c.stateMu.Unlock()

	c.metrics.ResourceRegistered(r.kind())
	c.logger.Debug("arrowmq.Connection registered resource", "resource", r.kind(), "id", id)
	return nil
}

func (c *Connection) requestRecovery(id uint64) {
	c.events.Post(event{kind: eventRecoveryRequested, id: id})
}

func (c *Connection) deregister(id uint64) {
	if r, ok := c.resources.Remove(id); ok {
		c.metrics.ResourceDeregistered(r.kind())
	}
}

func (c *Connection) fatal(err error) bool {
	return c.isFatal(err)
}
