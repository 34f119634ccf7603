package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/janovincze/tsbridge/internal/cdc"
	"github.com/janovincze/tsbridge/internal/cdc/source/pool"
)

// DefaultFetchSize is used when Spec.FetchSize is zero.
const DefaultFetchSize = 500

// PgxOpener opens tailing cursors on PostgreSQL or TimescaleDB sessions. The
// cursor re-runs the filter query for rows whose timestamp column is past
// the last delivered value. A full page is completed with every row sharing
// its last timestamp, so rows written at the same instant are never split
// across the watermark.
type PgxOpener struct {
	logger *slog.Logger
}

// NewPgxOpener creates an opener.
func NewPgxOpener(logger *slog.Logger) *PgxOpener {
	if logger == nil {
		logger = slog.Default()
	}
	return &PgxOpener{logger: logger.With("component", "subscription")}
}

// Open validates the filter, probes it on conn and returns a handle. When
// spec.Restart is false the cursor starts after the newest row currently
// matching the filter.
func (o *PgxOpener) Open(ctx context.Context, conn pool.Conn, spec Spec) (Handle, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: no connection", cdc.ErrSubscriptionOpen)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", cdc.ErrSubscriptionOpen, err)
	}
	if spec.FetchSize == 0 {
		spec.FetchSize = DefaultFetchSize
	}

	q := newQueries(spec)

	// The probe fails fast on malformed SQL, missing columns or permissions.
	if err := probe(ctx, conn, q.probe); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", cdc.ErrSubscriptionOpen, spec.ID, err)
	}

	h := &pgxHandle{
		spec:    spec,
		conn:    conn,
		queries: q,
		logger:  o.logger.With("subscription", spec.ID),
	}

	if !spec.Restart {
		mark, ok, err := queryWatermark(ctx, conn, q.watermark)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: read watermark: %v", cdc.ErrSubscriptionOpen, spec.ID, err)
		}
		h.watermark, h.hasMark = mark, ok
	}

	h.logger.Info("subscription opened",
		"restart", spec.Restart,
		"watermark", h.watermark,
		"fetch_size", spec.FetchSize,
	)
	return h, nil
}

type queries struct {
	probe     string
	watermark string
	initial   string
	tail      string
	ties      string
}

func newQueries(spec Spec) queries {
	filter := strings.TrimSpace(spec.SQL)
	ts := "sub." + pgx.Identifier{spec.TimestampColumn}.Sanitize()
	from := "FROM (" + filter + ") AS sub"

	return queries{
		probe:     fmt.Sprintf("SELECT %s %s LIMIT 0", ts, from),
		watermark: fmt.Sprintf("SELECT max(%s)::text %s", ts, from),
		initial:   fmt.Sprintf("SELECT * %s ORDER BY %s LIMIT %d", from, ts, spec.FetchSize),
		tail:      fmt.Sprintf("SELECT * %s WHERE %s > $1 ORDER BY %s LIMIT %d", from, ts, ts, spec.FetchSize),
		ties:      fmt.Sprintf("SELECT * %s WHERE %s = $1", from, ts),
	}
}

func probe(ctx context.Context, conn pool.Conn, sql string) error {
	rows, err := conn.Query(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return err
	}
	rows.Close()
	return rows.Err()
}

func queryWatermark(ctx context.Context, conn pool.Conn, sql string) (string, bool, error) {
	rows, err := conn.Query(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return "", false, err
	}
	defer rows.Close()

	var (
		mark string
		ok   bool
	)
	if rows.Next() {
		if raw := rows.RawValues(); len(raw) > 0 && raw[0] != nil {
			mark, ok = string(raw[0]), true
		}
	}
	rows.Close()
	return mark, ok, rows.Err()
}

// pgxHandle is the cursor state of one subscription. Rows are fetched in
// simple protocol so every value arrives in its text form.
type pgxHandle struct {
	spec    Spec
	conn    pool.Conn
	queries queries
	logger  *slog.Logger

	mu        sync.Mutex
	watermark string
	hasMark   bool
	pending   cdc.RowBatch
	broken    bool
	closed    bool
}

func (h *pgxHandle) ID() string {
	return h.spec.ID
}

func (h *pgxHandle) Poll(ctx context.Context, timeout time.Duration) (cdc.RowBatch, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if len(h.pending) > 0 {
		return h.takePending(), nil
	}

	// timeout only bounds the idle wait. pgx closes the session when a
	// query outlives its context, so the fetch runs under ctx alone.
	deadline := time.Now().Add(timeout)
	n, err := h.fetch(ctx)
	if err != nil {
		h.broken = true
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	if n == 0 {
		// Nothing new; hold the caller for the rest of the poll window.
		if err := sleep(ctx, time.Until(deadline)); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return h.takePending(), nil
}

func (h *pgxHandle) Close(ctx context.Context, drain bool) (cdc.RowBatch, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, nil
	}
	h.closed = true

	if !drain {
		h.pending = nil
		h.logger.Debug("subscription closed")
		return nil, nil
	}

	var err error
	if !h.broken {
		_, err = h.fetch(ctx)
	}
	rows := h.takePending()
	h.logger.Debug("subscription closed", "drained", len(rows))
	if err != nil {
		return rows, fmt.Errorf("drain %s: %w", h.spec.ID, err)
	}
	return rows, nil
}

// fetch reads the next page, appends it to pending and advances the
// watermark. It returns the number of rows fetched.
func (h *pgxHandle) fetch(ctx context.Context) (int, error) {
	var (
		fetched cdc.RowBatch
		stamps  []string
		err     error
	)
	if h.hasMark {
		fetched, stamps, err = h.query(ctx, h.queries.tail, h.watermark)
	} else {
		fetched, stamps, err = h.query(ctx, h.queries.initial)
	}
	if err != nil {
		return 0, err
	}

	if len(fetched) == h.spec.FetchSize {
		if last := stamps[len(stamps)-1]; last != "" {
			// Replace the trailing rows at the last timestamp with all of them.
			cut := len(fetched)
			for cut > 0 && stamps[cut-1] == last {
				cut--
			}
			ties, tieStamps, err := h.query(ctx, h.queries.ties, last)
			if err != nil {
				return 0, fmt.Errorf("complete rows at %s: %w", last, err)
			}
			fetched = append(fetched[:cut], ties...)
			stamps = append(stamps[:cut], tieStamps...)
		}
	}

	for i := len(stamps) - 1; i >= 0; i-- {
		if stamps[i] != "" {
			h.watermark, h.hasMark = stamps[i], true
			break
		}
	}
	h.pending = append(h.pending, fetched...)
	return len(fetched), nil
}

// query runs sql and returns the rows with the text form of each row's
// timestamp. A NULL timestamp is returned as "".
func (h *pgxHandle) query(ctx context.Context, sql string, args ...any) (cdc.RowBatch, []string, error) {
	rows, err := h.conn.Query(ctx, sql, append([]any{pgx.QueryExecModeSimpleProtocol}, args...)...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	tsIndex := -1
	for i, fd := range fields {
		if fd.Name == h.spec.TimestampColumn {
			tsIndex = i
			break
		}
	}
	if tsIndex < 0 {
		return nil, nil, fmt.Errorf("timestamp column %q not in result set", h.spec.TimestampColumn)
	}

	var (
		batch  cdc.RowBatch
		stamps []string
	)
	for rows.Next() {
		raw := rows.RawValues()
		row := make(cdc.Row, len(fields))
		for i, fd := range fields {
			row[i].Label = fd.Name
			if raw[i] == nil {
				row[i].Null = true
				continue
			}
			row[i].Value = string(raw[i])
		}
		batch = append(batch, row)
		stamps = append(stamps, string(raw[tsIndex]))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return batch, stamps, nil
}

func (h *pgxHandle) takePending() cdc.RowBatch {
	out := h.pending
	h.pending = nil
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ensure PgxOpener implements Opener.
var _ Opener = (*PgxOpener)(nil)
