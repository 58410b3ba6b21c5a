// Package executor runs operations as individually cancellable units.
//
// Cancellation escalates in two steps. RequestCancel first sets the unit's
// cooperative flag and waits a grace period for the operation to return on
// its own. If it is still running afterwards the unit is forcibly
// terminated: its context is cancelled, it is dropped from the active set,
// and nobody waits for it any longer. A goroutine cannot be killed, so an
// operation that ignores both signals keeps running detached until it
// returns.
package executor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultGracePeriod is how long RequestCancel waits before forcing.
	DefaultGracePeriod = 100 * time.Millisecond
	// DefaultMaxConcurrent bounds the number of running units.
	DefaultMaxConcurrent = 64
)

var (
	// ErrUnknownUnit is returned by RequestCancel for ids not in the active set.
	ErrUnknownUnit = errors.New("unknown unit")
	// ErrClosed is returned by Schedule after Close.
	ErrClosed = errors.New("executor closed")
	// ErrPanic wraps a value recovered from a panicking operation.
	ErrPanic = errors.New("operation panicked")
)

// forcedInFlight counts forced units whose goroutine has not yet returned,
// across every Executor in the process.
var forcedInFlight atomic.Int64

// IsForcedTermination reports whether any forced termination is still in
// flight in this process. Operations use it to tell an expected abort from
// a genuine failure.
func IsForcedTermination() bool {
	return forcedInFlight.Load() > 0
}

// Operation is the work carried by a unit. It should return promptly once
// ctx is done or u.Cancelled() reports true.
type Operation func(ctx context.Context, u *Unit) error

// Executor schedules operations and tracks the active ones.
type Executor struct {
	grace   time.Duration
	max     int64
	logger  *slog.Logger
	metrics *Metrics

	sem     *semaphore.Weighted
	running sync.WaitGroup

	mu     sync.Mutex
	units  map[string]*Unit
	closed bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithGracePeriod overrides DefaultGracePeriod.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.grace = d
		}
	}
}

// WithMaxConcurrent overrides DefaultMaxConcurrent.
func WithMaxConcurrent(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.max = int64(n)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// New returns an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		grace:  DefaultGracePeriod,
		max:    DefaultMaxConcurrent,
		logger: slog.Default(),
		units:  make(map[string]*Unit),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sem = semaphore.NewWeighted(e.max)
	e.logger = e.logger.With("component", "executor")
	return e
}

// Schedule starts op on its own goroutine once a concurrency slot is free.
// ctx bounds only the wait for a slot; the unit's own context is detached
// from ctx's cancellation but keeps its values.
func (e *Executor) Schedule(ctx context.Context, op Operation) (*Unit, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for executor slot: %w", err)
	}

	id, err := ulid.New(ulid.Timestamp(time.Now()), rand.Reader)
	if err != nil {
		e.sem.Release(1)
		return nil, fmt.Errorf("generating unit id: %w", err)
	}
	u := newUnit(ctx, id.String())

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.sem.Release(1)
		return nil, ErrClosed
	}
	e.units[u.id] = u
	e.metrics.setActive(len(e.units))
	e.running.Add(1)
	e.mu.Unlock()

	e.metrics.incScheduled()
	go e.run(u, op)
	return u, nil
}

func (e *Executor) run(u *Unit, op Operation) {
	defer e.running.Done()
	defer e.sem.Release(1)

	err := invoke(u, op)

	if u.markFinished() {
		forcedInFlight.Add(-1)
	}
	e.remove(u.id)
	if err != nil {
		e.metrics.incFailures()
		e.logFailure(u, err)
	}
	u.complete(err)
}

func invoke(u *Unit, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return op(u.ctx, u)
}

// logFailure logs at WARN when the failure is the expected fallout of a
// forced termination and at ERROR otherwise.
func (e *Executor) logFailure(u *Unit, err error) {
	aborted := errors.Is(err, context.Canceled) && (u.Forced() || IsForcedTermination())
	if aborted {
		e.logger.Warn("unit aborted by forced termination", "unit", u.id, "error", err)
		return
	}
	e.logger.Error("unit failed", "unit", u.id, "error", err)
}

// RequestCancel asks the unit to stop, escalating to forced termination
// once the grace period has passed. The unit is removed from the active set
// in every case.
func (e *Executor) RequestCancel(id string) error {
	e.mu.Lock()
	u, ok := e.units[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownUnit)
	}

	u.cancelled.Store(true)
	select {
	case <-u.done:
		e.remove(id)
		return nil
	default:
	}

	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case <-u.done:
	case <-timer.C:
		e.force(u)
	}
	e.remove(id)
	return nil
}

func (e *Executor) force(u *Unit) {
	if !u.markForced() {
		return
	}
	forcedInFlight.Add(1)
	e.metrics.incForced()
	e.logger.Warn("forcing unit termination", "unit", u.id, "grace", e.grace)
	u.cancel()
}

// CancelAll requests cancellation of every unit active when it is called,
// concurrently, and removes them from the active set. Units scheduled while
// it runs are left alone.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.units))
	for id := range e.units {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.RequestCancel(id)
		}()
	}
	wg.Wait()

	e.mu.Lock()
	for _, id := range ids {
		delete(e.units, id)
	}
	e.metrics.setActive(len(e.units))
	e.mu.Unlock()
}

// Active returns the number of units in the active set.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.units)
}

// Close refuses new work, cancels every active unit and waits for their
// goroutines to return or for ctx to end.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.CancelAll()

	done := make(chan struct{})
	go func() {
		e.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Executor) remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.units[id]; ok {
		delete(e.units, id)
		e.metrics.setActive(len(e.units))
	}
}

// Do schedules op and waits for its result. If ctx ends first the unit is
// cancelled through RequestCancel and ctx.Err() is returned.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context, u *Unit) (T, error)) (T, error) {
	var (
		zero   T
		result T
	)
	u, err := e.Schedule(ctx, func(ctx context.Context, u *Unit) error {
		v, err := op(ctx, u)
		result = v
		return err
	})
	if err != nil {
		return zero, err
	}

	select {
	case <-u.Done():
		if err := u.Err(); err != nil {
			return zero, err
		}
		return result, nil
	case <-ctx.Done():
		_ = e.RequestCancel(u.ID())
		return zero, ctx.Err()
	}
}
