package subscription

import (
	"context"
	"errors"
	"testing"

	"github.com/janovincze/tsbridge/internal/cdc/source/pool"
)

func TestSpec_Validate(t *testing.T) {
	valid := Spec{ID: "TOPIC-1", SQL: "select * from d.t", TimestampColumn: "ts"}

	tests := []struct {
		name    string
		mutate  func(*Spec)
		wantErr bool
	}{
		{"valid", func(*Spec) {}, false},
		{"missing id", func(s *Spec) { s.ID = "" }, true},
		{"bad filter", func(s *Spec) { s.SQL = "show tables" }, true},
		{"missing timestamp column", func(s *Spec) { s.TimestampColumn = "" }, true},
		{"negative fetch size", func(s *Spec) { s.FetchSize = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			if err := s.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpenerFunc(t *testing.T) {
	want := errors.New("boom")
	var got Spec
	o := OpenerFunc(func(ctx context.Context, conn pool.Conn, spec Spec) (Handle, error) {
		got = spec
		return nil, want
	})

	_, err := o.Open(context.Background(), nil, Spec{ID: "TOPIC-9"})
	if !errors.Is(err, want) {
		t.Errorf("Open() error = %v, want %v", err, want)
	}
	if got.ID != "TOPIC-9" {
		t.Errorf("spec.ID = %q, want %q", got.ID, "TOPIC-9")
	}
}
