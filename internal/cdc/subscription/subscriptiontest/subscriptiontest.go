// Package subscriptiontest provides scripted subscription handles for tests.
package subscriptiontest

import (
	"context"
	"sync"
	"time"

	"github.com/janovincze/tsbridge/internal/cdc"
	"github.com/janovincze/tsbridge/internal/cdc/source/pool"
	"github.com/janovincze/tsbridge/internal/cdc/subscription"
)

// Step is one scripted poll result.
type Step struct {
	Rows cdc.RowBatch
	Err  error
}

// Handle replays its steps in order. Once the script is exhausted every poll
// waits out its timeout and reports no data.
type Handle struct {
	id string

	mu       sync.Mutex
	steps    []Step
	drain    cdc.RowBatch
	closeErr error
	polls    int
	closes   int
	drained  bool
	closed   bool
}

// NewHandle creates a handle with the given script.
func NewHandle(id string, steps ...Step) *Handle {
	return &Handle{id: id, steps: steps}
}

// ID returns the subscription id.
func (h *Handle) ID() string {
	return h.id
}

// Poll returns the next scripted step.
func (h *Handle) Poll(ctx context.Context, timeout time.Duration) (cdc.RowBatch, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, subscription.ErrClosed
	}
	h.polls++
	if len(h.steps) > 0 {
		s := h.steps[0]
		h.steps = h.steps[1:]
		h.mu.Unlock()
		return s.Rows, s.Err
	}
	h.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close marks the handle closed. The drain rows are returned once, on the
// first draining close.
func (h *Handle) Close(ctx context.Context, drain bool) (cdc.RowBatch, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closes++
	if h.closed {
		return nil, nil
	}
	h.closed = true
	if !drain {
		return nil, h.closeErr
	}
	h.drained = true
	return h.drain, h.closeErr
}

// Polls returns how many times Poll was called.
func (h *Handle) Polls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.polls
}

// Closes returns how many times Close was called.
func (h *Handle) Closes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

// Closed reports whether the handle has been closed.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Drained reports whether the handle was closed with drain set.
func (h *Handle) Drained() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drained
}

// Opener hands out scripted handles and records every open.
type Opener struct {
	// Steps is the script given to every opened handle.
	Steps []Step

	// Drain is returned by a draining Close of an opened handle.
	Drain cdc.RowBatch

	// CloseErr is returned by Close of an opened handle.
	CloseErr error

	// OpenErr, when set, fails every Open.
	OpenErr error

	mu      sync.Mutex
	specs   []subscription.Spec
	handles []*Handle
}

// Open returns a new scripted handle.
func (o *Opener) Open(ctx context.Context, conn pool.Conn, spec subscription.Spec) (subscription.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.specs = append(o.specs, spec)
	if o.OpenErr != nil {
		return nil, o.OpenErr
	}
	h := NewHandle(spec.ID, append([]Step(nil), o.Steps...)...)
	h.drain = o.Drain
	h.closeErr = o.CloseErr
	o.handles = append(o.handles, h)
	return h, nil
}

// Specs returns every spec Open was called with.
func (o *Opener) Specs() []subscription.Spec {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]subscription.Spec(nil), o.specs...)
}

// Handles returns the handles opened so far.
func (o *Opener) Handles() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Handle(nil), o.handles...)
}

var (
	_ subscription.Handle = (*Handle)(nil)
	_ subscription.Opener = (*Opener)(nil)
)
