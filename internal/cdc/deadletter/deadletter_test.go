package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/janovincze/tsbridge/internal/cdc"
)

func failedRow(sub string, expires *time.Time) FailedRow {
	return FailedRow{
		SubscriptionID: sub,
		Target:         "d.t",
		RowData:        []byte(`{"val":"1"}`),
		ErrorMessage:   "boom",
		ErrorType:      ErrorTypeEmit,
		ExpiresAt:      expires,
	}
}

func TestFromRow(t *testing.T) {
	row := cdc.Row{
		{Label: "ts", Value: "2024-01-01T00:00:00"},
		{Label: "val", Null: true},
	}

	f, err := FromRow("TOPIC-1", "d.t", 7, row, errors.New("bad row"), ErrorTypeTranscode, time.Hour)
	if err != nil {
		t.Fatalf("FromRow() error = %v", err)
	}
	if f.SubscriptionID != "TOPIC-1" || f.Target != "d.t" || f.Sequence != 7 {
		t.Errorf("FromRow() = %+v, want subscription TOPIC-1, target d.t, sequence 7", f)
	}
	if f.ErrorMessage != "bad row" {
		t.Errorf("ErrorMessage = %q, want %q", f.ErrorMessage, "bad row")
	}
	if f.ExpiresAt == nil || !f.ExpiresAt.After(f.CreatedAt) {
		t.Errorf("ExpiresAt = %v, want after CreatedAt", f.ExpiresAt)
	}

	values, err := f.Values()
	if err != nil {
		t.Fatalf("Values() error = %v", err)
	}
	if v, ok := values["val"]; !ok || v != nil {
		t.Errorf("values[val] = %v (present %v), want nil present", v, ok)
	}

	f, _ = FromRow("TOPIC-1", "d.t", 1, row, errors.New("x"), ErrorTypeEmit, 0)
	if f.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil without retention", f.ExpiresAt)
	}
}

func TestMemoryManager(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryManager()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	for _, r := range []FailedRow{
		failedRow("TOPIC-1", &past),
		failedRow("TOPIC-2", &future),
		failedRow("TOPIC-1", nil),
	} {
		if err := m.Write(ctx, r); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}

	rows, _ := m.Read(ctx, 2)
	if len(rows) != 2 {
		t.Fatalf("Read(2) returned %d rows, want 2", len(rows))
	}
	if rows[0].ID == "" || rows[0].ID == rows[1].ID {
		t.Errorf("IDs = %q, %q, want distinct non-empty", rows[0].ID, rows[1].ID)
	}
	if rows[0].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	bySub, _ := m.ReadBySubscription(ctx, "TOPIC-1", 0)
	if len(bySub) != 2 {
		t.Errorf("ReadBySubscription() returned %d rows, want 2", len(bySub))
	}

	removed, err := m.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}

	if n, _ := m.Count(ctx); n != 2 {
		t.Errorf("Count() = %d, want 2", n)
	}

	rows, _ = m.Read(ctx, 0)
	if err := m.Delete(ctx, rows[0].ID); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
	if err := m.Delete(ctx, rows[0].ID); err == nil {
		t.Error("second Delete() error = nil, want not found")
	}
	if n, _ := m.Count(ctx); n != 1 {
		t.Errorf("Count() after Delete = %d, want 1", n)
	}
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 * * * *", false},
		{"*/5 * * * *", false},
		{"not a schedule", true},
		{"0 * * * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			if err := ValidateSchedule(tt.expr); (err != nil) != tt.wantErr {
				t.Errorf("ValidateSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestCleaner(t *testing.T) {
	if _, err := NewCleaner(NewMemoryManager(), "bogus", 0, nil); err == nil {
		t.Error("NewCleaner(bogus) error = nil, want error")
	}

	m := NewMemoryManager()
	past := time.Now().Add(-time.Second)
	_ = m.Write(context.Background(), failedRow("TOPIC-1", &past))

	c, err := NewCleaner(m, "", 0, nil)
	if err != nil {
		t.Fatalf("NewCleaner() error = %v", err)
	}
	c.Start()
	c.run()
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}

	if n, _ := m.Count(context.Background()); n != 0 {
		t.Errorf("Count() after cleanup = %d, want 0", n)
	}
}

func TestPostgresManager_CloseBorrowedHandle(t *testing.T) {
	m := NewPostgresManager(nil, nil)
	if err := m.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
