package arrowmq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arrowmq/arrowmq.go/internal/gate"
	"github.com/arrowmq/arrowmq.go/pkg/connection"
	"github.com/arrowmq/arrowmq.go/pkg/logger"
	"github.com/arrowmq/arrowmq.go/pkg/metrics"
)

// innerCloseTimeout bounds closing a replaced or terminated link.
const innerCloseTimeout = 5 * time.Second

// recoverable is what the coordinator drives across reconnects.
// Only the recovery loop calls recover, suspend and resume.
type recoverable interface {
	kind() string

	// recover replaces the inner link with one opened on conn.
	recover(ctx context.Context, conn connection.Conn) error
	suspend()
	resume()
	// terminate fails the resource permanently. A nil cause means closed by the user.
	terminate(cause error)

	// stale reports whether an operation saw the inner link closed since
	// the last recover.
	stale() bool
}

// supervisor is the coordinator as seen by a resource.
type supervisor interface {
	requestRecovery(id uint64)
	deregister(id uint64)
	fatal(err error) bool
}

// inner is a non-recovering link owned by a resource.
type inner interface {
	close(ctx context.Context) error
}

type innerFactory[T inner] func(ctx context.Context, conn connection.Conn) (T, error)

// resource implements recoverable around an inner link of type T.
type resource[T inner] struct {
	id       uint64
	name     string
	factory  innerFactory[T]
	sup      supervisor
	logger   logger.Logger
	metrics  *metrics.Metrics
	gate     *gate.Gate
	isStale  atomic.Bool
	userOnce sync.Once

	// mu guards the inner link and serializes gate transitions with it.
	mu         sync.Mutex
	current    T
	hasCurrent bool
	// generation increments on every recover, so an operation that failed on
	// an already replaced link retries instead of requesting another recovery.
	generation uint64
}

var _ recoverable = (*resource[inner])(nil)

func newResource[T inner](id uint64, name string, factory innerFactory[T], sup supervisor, log logger.Logger, m *metrics.Metrics) *resource[T] {
	return &resource[T]{
		id:      id,
		name:    name,
		factory: factory,
		sup:     sup,
		logger:  log,
		metrics: m,
		gate:    gate.New(),
	}
}

func (r *resource[T]) kind() string { return r.name }

func (r *resource[T]) stale() bool { return r.isStale.Load() }

func (r *resource[T]) recover(ctx context.Context, conn connection.Conn) error {
	next, err := r.factory(ctx, conn)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if state, _ := r.gate.State(); state == gate.Terminated {
		r.mu.Unlock()
		closeInner(next)
		return r.closedError()
	}
	prev, hadPrev := r.current, r.hasCurrent
	r.current, r.hasCurrent = next, true
	r.generation++
	r.isStale.Store(false)
	r.mu.Unlock()

	if hadPrev {
		closeInner(prev)
	}
	r.logger.Debug("arrowmq resource recovered", "resource", r.name, "id", r.id, "endpoint", conn.Endpoint())
	return nil
}

func (r *resource[T]) suspend() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gate.Close() {
		r.metrics.ResourceSuspended(r.name)
		r.logger.Debug("arrowmq resource suspended", "resource", r.name, "id", r.id)
	}
}

func (r *resource[T]) resume() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gate.Open() {
		r.metrics.ResourceResumed()
		r.logger.Debug("arrowmq resource resumed", "resource", r.name, "id", r.id)
	}
}

func (r *resource[T]) terminate(cause error) {
	r.mu.Lock()
	state, _ := r.gate.State()
	if !r.gate.Terminate(cause) {
		r.mu.Unlock()
		return
	}
	prev, hadPrev := r.current, r.hasCurrent
	var zero T
	r.current, r.hasCurrent = zero, false
	r.mu.Unlock()

	failed := cause != nil && !errors.Is(cause, ErrConnectionClosed)
	r.metrics.ResourceTerminated(r.name, state == gate.Closed, failed)
	if cause != nil {
		r.logger.Warn("arrowmq resource terminated", "resource", r.name, "id", r.id, "error", cause)
	} else {
		r.logger.Debug("arrowmq resource closed", "resource", r.name, "id", r.id)
	}
	if hadPrev {
		closeInner(prev)
	}
}

// close is the user-initiated close. It is idempotent.
func (r *resource[T]) close() error {
	r.userOnce.Do(func() {
		r.sup.deregister(r.id)
		r.terminate(nil)
	})
	return nil
}

func (r *resource[T]) closedError() error {
	_, cause := r.gate.State()
	return &ClosedError{Resource: r.name, Cause: cause}
}

// link returns the current inner link and its generation.
func (r *resource[T]) link() (T, uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.generation, r.hasCurrent
}

// linkClosed handles an operation that found the link of generation gen closed.
func (r *resource[T]) linkClosed(gen uint64, err error) {
	r.mu.Lock()
	replaced := r.generation != gen
	r.mu.Unlock()
	if replaced {
		return
	}
	if state, _ := r.gate.State(); state == gate.Terminated {
		return
	}

	r.logger.Info("arrowmq resource link closed, requesting recovery", "resource", r.name, "id", r.id, "error", err)
	r.isStale.Store(true)
	r.suspend()
	r.sup.requestRecovery(r.id)
}

// do runs op against the current link, waiting out recoveries.
//
// A closed link suspends the resource, asks the coordinator for recovery and
// retries op once the resource is resumed. A fatal closure terminates the
// resource. Context errors are returned as is.
func do[T inner, R any](ctx context.Context, r *resource[T], op func(context.Context, T) (R, error)) (R, error) {
	var zero R
	for {
		if err := r.gate.Wait(ctx); err != nil {
			if errors.Is(err, gate.ErrTerminated) {
				return zero, r.closedError()
			}
			return zero, err
		}

		link, gen, ok := r.link()
		if !ok {
			// terminated between Wait and link
			continue
		}

		res, err := op(ctx, link)
		switch {
		case err == nil:
			return res, nil
		case ctx.Err() != nil:
			return zero, ctx.Err()
		case !connection.IsClosed(err):
			return zero, err
		case r.sup.fatal(err):
			r.sup.deregister(r.id)
			r.terminate(err)
			return zero, r.closedError()
		}
		r.linkClosed(gen, err)
	}
}

func closeInner(in inner) {
	ctx, cancel := context.WithTimeout(context.Background(), innerCloseTimeout)
	defer cancel()
	_ = in.close(ctx)
}
