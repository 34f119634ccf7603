// Package deadletter keeps the rows the polling loop had to skip.
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/janovincze/tsbridge/internal/cdc"
)

// ErrorType classifies why a row was skipped.
type ErrorType string

const (
	// ErrorTypeTranscode marks a row that could not be turned into records.
	ErrorTypeTranscode ErrorType = "transcode"
	// ErrorTypeEmit marks a record the downstream emitter rejected.
	ErrorTypeEmit ErrorType = "emit"
)

// FailedRow is one skipped row.
type FailedRow struct {
	// ID is the unique identifier for this dead-letter entry.
	ID string `json:"id"`

	// SubscriptionID is the subscription that fetched the row.
	SubscriptionID string `json:"subscription_id"`

	// Target is the routing target of the row.
	Target string `json:"target"`

	// Sequence is the ordinal of the row within its run.
	Sequence int64 `json:"sequence"`

	// RowData is the row as a JSON object, nulls preserved.
	RowData json.RawMessage `json:"row_data"`

	// ErrorMessage is the error that caused the row to be skipped.
	ErrorMessage string `json:"error_message"`

	// ErrorType classifies the failure.
	ErrorType ErrorType `json:"error_type"`

	// CreatedAt is when the row was written.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is when the row becomes eligible for cleanup.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Manager stores failed rows.
type Manager interface {
	// Write adds a failed row.
	Write(ctx context.Context, row FailedRow) error

	// Read returns up to limit rows, oldest first.
	Read(ctx context.Context, limit int) ([]FailedRow, error)

	// ReadBySubscription returns up to limit rows of one subscription.
	ReadBySubscription(ctx context.Context, subscriptionID string, limit int) ([]FailedRow, error)

	// Delete removes a row.
	Delete(ctx context.Context, id string) error

	// Cleanup removes expired rows and returns how many were removed.
	Cleanup(ctx context.Context) (int64, error)

	// Count returns the number of stored rows.
	Count(ctx context.Context) (int64, error)

	// Close releases any resources held by the manager.
	Close() error
}

// FromRow creates a FailedRow for row. The returned entry has no ID; the
// manager assigns one on Write.
func FromRow(subscriptionID, target string, seq int64, row cdc.Row, err error, errType ErrorType, retention time.Duration) (FailedRow, error) {
	data, marshalErr := json.Marshal(row.Map())
	if marshalErr != nil {
		return FailedRow{}, marshalErr
	}

	now := time.Now()
	var expiresAt *time.Time
	if retention > 0 {
		t := now.Add(retention)
		expiresAt = &t
	}

	return FailedRow{
		SubscriptionID: subscriptionID,
		Target:         target,
		Sequence:       seq,
		RowData:        data,
		ErrorMessage:   err.Error(),
		ErrorType:      errType,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
	}, nil
}

// Values decodes the stored row data.
func (f *FailedRow) Values() (map[string]any, error) {
	var values map[string]any
	if err := json.Unmarshal(f.RowData, &values); err != nil {
		return nil, err
	}
	return values, nil
}
