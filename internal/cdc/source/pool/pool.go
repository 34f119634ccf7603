// Package pool adapts a pgx connection pool to the acquire/release contract
// the polling engine relies on.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/janovincze/tsbridge/internal/cdc"
)

// Conn is one pooled database session.
type Conn interface {
	// Query runs sql and returns the result rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)

	// Ping checks the session is alive.
	Ping(ctx context.Context) error
}

// Pool hands out connections.
type Pool interface {
	// Acquire returns a connection, waiting a bounded amount of time.
	Acquire(ctx context.Context) (Conn, error)

	// Release returns conn to the pool. Releasing nil, an already released
	// connection or one the pool never handed out is a no-op.
	Release(conn Conn)
}

// Stats is a snapshot of pool usage.
type Stats struct {
	Acquired int32 `json:"acquired"`
	Idle     int32 `json:"idle"`
	Total    int32 `json:"total"`
	Max      int32 `json:"max"`
}

// Config holds the pool parameters.
type Config struct {
	// URL is the connection URL of the source database.
	URL string

	// User and Password override the credentials in URL.
	User     string
	Password string

	// Charset and Timezone are applied to every session.
	Charset  string
	Timezone string

	// MinConns and MaxConns fix the pool size.
	MinConns int32
	MaxConns int32

	// AcquireTimeout bounds the wait for a free connection.
	AcquireTimeout time.Duration

	// ConnectTimeout bounds establishing a new session.
	ConnectTimeout time.Duration

	// ValidationQuery is run on every acquired connection.
	ValidationQuery string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Charset:         "UTF-8",
		Timezone:        "UTC-8",
		MinConns:        10,
		MaxConns:        10,
		AcquireTimeout:  30 * time.Second,
		ConnectTimeout:  10 * time.Second,
		ValidationQuery: "SELECT 1",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: pool: connection URL is required", cdc.ErrConfig)
	}
	if c.MaxConns < 1 {
		return fmt.Errorf("%w: pool: max connections must be at least 1, got %d", cdc.ErrConfig, c.MaxConns)
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("%w: pool: min connections must be between 0 and %d, got %d", cdc.ErrConfig, c.MaxConns, c.MinConns)
	}
	if c.AcquireTimeout <= 0 {
		return fmt.Errorf("%w: pool: acquire timeout must be positive", cdc.ErrConfig)
	}
	return nil
}

// PgxPool implements Pool on top of pgxpool.
type PgxPool struct {
	pool   *pgxpool.Pool
	config Config
	logger *slog.Logger
}

// New creates the pool. Sessions are opened lazily, so an unreachable
// database surfaces on the first Acquire.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*PgxPool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: pool: parse connection URL: %v", cdc.ErrConfig, err)
	}
	if cfg.User != "" {
		poolCfg.ConnConfig.User = cfg.User
	}
	if cfg.Password != "" {
		poolCfg.ConnConfig.Password = cfg.Password
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if poolCfg.ConnConfig.RuntimeParams == nil {
		poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
	}
	if cfg.Charset != "" {
		poolCfg.ConnConfig.RuntimeParams["client_encoding"] = cfg.Charset
	}
	if cfg.Timezone != "" {
		poolCfg.ConnConfig.RuntimeParams["timezone"] = cfg.Timezone
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns

	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PgxPool{
		pool:   p,
		config: cfg,
		logger: logger.With("component", "source-pool"),
	}, nil
}

// Acquire returns a validated connection. It fails with
// cdc.ErrResourceExhausted when none becomes available within the acquire
// timeout.
func (p *PgxPool) Acquire(ctx context.Context) (Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.config.AcquireTimeout)
	defer cancel()

	c, err := p.pool.Acquire(acquireCtx)
	if err != nil {
		if ctx.Err() == nil && errors.Is(acquireCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no connection within %s", cdc.ErrResourceExhausted, p.config.AcquireTimeout)
		}
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if err := p.validate(acquireCtx, c); err != nil {
		// The session is broken, do not hand it back for reuse.
		c.Conn().Close(context.Background())
		c.Release()
		return nil, fmt.Errorf("validate connection: %w", err)
	}

	stat := p.pool.Stat()
	p.logger.Debug("connection acquired",
		"acquired", stat.AcquiredConns(),
		"idle", stat.IdleConns(),
	)

	return &pgxConn{Conn: c, owner: p}, nil
}

func (p *PgxPool) validate(ctx context.Context, c *pgxpool.Conn) error {
	if p.config.ValidationQuery == "" {
		return c.Ping(ctx)
	}
	_, err := c.Exec(ctx, p.config.ValidationQuery)
	return err
}

// Release returns conn to the pool.
func (p *PgxPool) Release(conn Conn) {
	c, ok := conn.(*pgxConn)
	if !ok || c == nil || c.owner != p {
		return
	}
	c.release()
}

// Ping checks the database is reachable.
func (p *PgxPool) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Stats returns current pool usage.
func (p *PgxPool) Stats() Stats {
	stat := p.pool.Stat()
	return Stats{
		Acquired: stat.AcquiredConns(),
		Idle:     stat.IdleConns(),
		Total:    stat.TotalConns(),
		Max:      stat.MaxConns(),
	}
}

// Close closes every connection in the pool.
func (p *PgxPool) Close() {
	p.logger.Info("closing source pool")
	p.pool.Close()
}

// pgxConn wraps a pooled connection so that releasing it is idempotent.
type pgxConn struct {
	*pgxpool.Conn
	owner *PgxPool
	once  sync.Once
}

func (c *pgxConn) release() {
	c.once.Do(c.Conn.Release)
}

// Ensure PgxPool implements Pool.
var _ Pool = (*PgxPool)(nil)
