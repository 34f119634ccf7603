// Package subscription opens and polls server-side subscriptions over a
// pooled source connection.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/janovincze/tsbridge/internal/cdc"
	"github.com/janovincze/tsbridge/internal/cdc/source/pool"
)

// ErrClosed is returned by Poll on a closed handle.
var ErrClosed = errors.New("subscription: handle closed")

// Handle is an open subscription cursor.
type Handle interface {
	// ID returns the subscription identifier the handle was opened with.
	ID() string

	// Poll returns the rows that arrived since the previous poll. When there
	// are none it waits out timeout and returns a nil batch with a nil error.
	Poll(ctx context.Context, timeout time.Duration) (cdc.RowBatch, error)

	// Close releases the server-side cursor. With drain set it returns the
	// rows that were fetched but not yet handed out. Close is idempotent.
	Close(ctx context.Context, drain bool) (cdc.RowBatch, error)
}

// Spec describes the subscription to open.
type Spec struct {
	// ID names the subscription.
	ID string

	// SQL is the filter query.
	SQL string

	// Restart replays all matching rows instead of only new ones.
	Restart bool

	// TimestampColumn is the column the cursor advances on.
	TimestampColumn string

	// FetchSize caps the rows fetched per round trip.
	FetchSize int
}

// Opener establishes subscriptions on a connection.
type Opener interface {
	// Open creates the cursor described by spec on conn. Failures wrap
	// cdc.ErrSubscriptionOpen.
	Open(ctx context.Context, conn pool.Conn, spec Spec) (Handle, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, conn pool.Conn, spec Spec) (Handle, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, conn pool.Conn, spec Spec) (Handle, error) {
	return f(ctx, conn, spec)
}

// ValidateFilter checks that sql can be used as a subscription filter: a
// single SELECT statement without a trailing semicolon.
func ValidateFilter(sql string) error {
	s := strings.TrimSpace(sql)
	if s == "" {
		return errors.New("filter query is empty")
	}
	if len(s) < 6 || !strings.EqualFold(s[:6], "select") {
		return fmt.Errorf("filter query must start with SELECT: %q", s)
	}
	if strings.HasSuffix(s, ";") {
		return errors.New("filter query must not end with a semicolon")
	}
	return nil
}

// Validate checks spec before anything is sent to the server.
func (s Spec) Validate() error {
	if s.ID == "" {
		return errors.New("subscription id is required")
	}
	if err := ValidateFilter(s.SQL); err != nil {
		return err
	}
	if s.TimestampColumn == "" {
		return errors.New("timestamp column is required")
	}
	if s.FetchSize < 0 {
		return fmt.Errorf("fetch size must not be negative, got %d", s.FetchSize)
	}
	return nil
}
