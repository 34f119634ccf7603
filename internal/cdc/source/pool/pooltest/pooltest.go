// Package pooltest provides an in-memory Pool for tests.
package pooltest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/janovincze/tsbridge/internal/cdc/source/pool"
)

// ErrNoQueries is returned by Conn.Query; fake connections carry no data.
var ErrNoQueries = errors.New("pooltest: fake connection does not run queries")

// Conn is a fake connection handed out by Pool.
type Conn struct {
	ID int
}

// Query always fails.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, ErrNoQueries
}

// Ping always succeeds.
func (c *Conn) Ping(ctx context.Context) error {
	return nil
}

// Pool is a fake pool that records acquisitions and releases.
type Pool struct {
	// AcquireDelay is waited out (or ctx) before each Acquire returns.
	AcquireDelay time.Duration

	// AcquireErr is returned by Acquire when set.
	AcquireErr error

	// Acquiring, when set, is closed as soon as the first Acquire begins.
	Acquiring chan struct{}

	mu          sync.Mutex
	next        int
	outstanding map[*Conn]bool
	acquired    int
	released    int
	signalOnce  sync.Once
}

// Acquire hands out a new fake connection.
func (p *Pool) Acquire(ctx context.Context) (pool.Conn, error) {
	if p.Acquiring != nil {
		p.signalOnce.Do(func() { close(p.Acquiring) })
	}
	if p.AcquireDelay > 0 {
		select {
		case <-time.After(p.AcquireDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outstanding == nil {
		p.outstanding = make(map[*Conn]bool)
	}
	p.next++
	c := &Conn{ID: p.next}
	p.outstanding[c] = true
	p.acquired++
	return c, nil
}

// Release returns c. Unknown or already released connections are ignored.
func (p *Pool) Release(c pool.Conn) {
	fc, ok := c.(*Conn)
	if !ok || fc == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.outstanding[fc] {
		return
	}
	delete(p.outstanding, fc)
	p.released++
}

// Outstanding returns the number of connections not yet released.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

// Acquired returns the number of successful acquisitions.
func (p *Pool) Acquired() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

// Released returns the number of effective releases.
func (p *Pool) Released() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

var _ pool.Pool = (*Pool)(nil)
