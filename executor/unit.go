package executor

import (
	"context"
	"sync"
	"sync/atomic"
)

// Unit is one scheduled operation. All methods are safe for concurrent use.
type Unit struct {
	id        string
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}

	mu       sync.Mutex
	finished bool
	forced   bool
	err      error
}

func newUnit(parent context.Context, id string) *Unit {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Unit{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ID returns the unit's ULID.
func (u *Unit) ID() string { return u.id }

// Cancelled reports whether cancellation was requested. Operations should
// poll it at safe points and return early.
func (u *Unit) Cancelled() bool { return u.cancelled.Load() }

// Context is cancelled when the unit is forcibly terminated or finishes.
func (u *Unit) Context() context.Context { return u.ctx }

// Done is closed once the operation has returned.
func (u *Unit) Done() <-chan struct{} { return u.done }

// Err returns the operation's error once Done is closed, nil before.
func (u *Unit) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

// Forced reports whether the unit was forcibly terminated.
func (u *Unit) Forced() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.forced
}

// Wait blocks until the operation returns or ctx ends.
func (u *Unit) Wait(ctx context.Context) error {
	select {
	case <-u.done:
		return u.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markFinished records that the operation returned and reports whether it
// had been forced.
func (u *Unit) markFinished() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.finished = true
	return u.forced
}

// markForced flags a still-running unit as forced. It returns false if the
// operation already returned.
func (u *Unit) markForced() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.finished || u.forced {
		return false
	}
	u.forced = true
	return true
}

func (u *Unit) complete(err error) {
	u.mu.Lock()
	u.err = err
	u.mu.Unlock()
	u.cancel()
	close(u.done)
}
