package deadletter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// Schema creates the dead-letter table.
const Schema = `
CREATE SCHEMA IF NOT EXISTS tsbridge;
CREATE TABLE IF NOT EXISTS tsbridge.dead_letter_rows (
	id              UUID PRIMARY KEY,
	subscription_id TEXT NOT NULL,
	target          TEXT NOT NULL,
	sequence        BIGINT NOT NULL,
	row_data        JSONB NOT NULL,
	error_message   TEXT NOT NULL,
	error_type      TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	expires_at      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS dead_letter_rows_subscription_idx
	ON tsbridge.dead_letter_rows (subscription_id, created_at);
`

const selectRows = `
	SELECT id, subscription_id, target, sequence, row_data,
	       error_message, error_type, created_at, expires_at
	FROM tsbridge.dead_letter_rows
`

// PostgresManager implements Manager using PostgreSQL.
type PostgresManager struct {
	db     *sql.DB
	logger *slog.Logger
	owned  bool
}

// PostgresConfig holds configuration for the PostgreSQL manager.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// MaxOpenConns is the maximum number of open connections.
	MaxOpenConns int

	// ConnMaxLifetime is the maximum lifetime of a connection.
	ConnMaxLifetime time.Duration

	// CreateSchema creates the table on startup.
	CreateSchema bool
}

// OpenPostgresManager connects to the database named by cfg.DSN.
func OpenPostgresManager(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*PostgresManager, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	m := NewPostgresManager(db, logger)
	m.owned = true

	if cfg.CreateSchema {
		if _, err := db.ExecContext(ctx, Schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("create dead letter schema: %w", err)
		}
	}
	return m, nil
}

// NewPostgresManager creates a manager on an existing database handle. The
// handle is not closed by Close.
func NewPostgresManager(db *sql.DB, logger *slog.Logger) *PostgresManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresManager{
		db:     db,
		logger: logger.With("component", "dead-letter"),
	}
}

// Write adds a failed row.
func (m *PostgresManager) Write(ctx context.Context, row FailedRow) error {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO tsbridge.dead_letter_rows (
			id, subscription_id, target, sequence, row_data,
			error_message, error_type, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := m.db.ExecContext(ctx, query,
		row.ID,
		row.SubscriptionID,
		row.Target,
		row.Sequence,
		[]byte(row.RowData),
		row.ErrorMessage,
		string(row.ErrorType),
		row.CreatedAt,
		row.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter row: %w", err)
	}

	m.logger.Debug("row added to dead letter store",
		"id", row.ID,
		"subscription", row.SubscriptionID,
		"target", row.Target,
		"error_type", row.ErrorType,
	)
	return nil
}

// Read returns up to limit rows, oldest first.
func (m *PostgresManager) Read(ctx context.Context, limit int) ([]FailedRow, error) {
	return m.queryRows(ctx, selectRows+` ORDER BY created_at ASC LIMIT $1`, limit)
}

// ReadBySubscription returns up to limit rows of one subscription.
func (m *PostgresManager) ReadBySubscription(ctx context.Context, subscriptionID string, limit int) ([]FailedRow, error) {
	return m.queryRows(ctx, selectRows+` WHERE subscription_id = $1 ORDER BY created_at ASC LIMIT $2`, subscriptionID, limit)
}

func (m *PostgresManager) queryRows(ctx context.Context, query string, args ...any) ([]FailedRow, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letter rows: %w", err)
	}
	defer rows.Close()

	var out []FailedRow
	for rows.Next() {
		var (
			r         FailedRow
			errorType string
			data      []byte
			expiresAt sql.NullTime
		)
		err := rows.Scan(
			&r.ID,
			&r.SubscriptionID,
			&r.Target,
			&r.Sequence,
			&data,
			&r.ErrorMessage,
			&errorType,
			&r.CreatedAt,
			&expiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter row: %w", err)
		}
		r.RowData = data
		r.ErrorType = ErrorType(errorType)
		if expiresAt.Valid {
			r.ExpiresAt = &expiresAt.Time
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letter rows: %w", err)
	}
	return out, nil
}

// Delete removes a row.
func (m *PostgresManager) Delete(ctx context.Context, id string) error {
	result, err := m.db.ExecContext(ctx, `DELETE FROM tsbridge.dead_letter_rows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter row: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("row not found: %s", id)
	}
	return nil
}

// Cleanup removes expired rows.
func (m *PostgresManager) Cleanup(ctx context.Context) (int64, error) {
	result, err := m.db.ExecContext(ctx,
		`DELETE FROM tsbridge.dead_letter_rows WHERE expires_at IS NOT NULL AND expires_at < $1`,
		time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired rows: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	if n > 0 {
		m.logger.Info("cleaned up expired dead letter rows", "count", n)
	}
	return n, nil
}

// Count returns the number of stored rows.
func (m *PostgresManager) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tsbridge.dead_letter_rows`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dead letter rows: %w", err)
	}
	return count, nil
}

// Close closes the database handle if the manager opened it.
func (m *PostgresManager) Close() error {
	if !m.owned {
		return nil
	}
	return m.db.Close()
}

// Ensure PostgresManager implements Manager.
var _ Manager = (*PostgresManager)(nil)
