package transcode

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/janovincze/tsbridge/internal/cdc"
)

func TestMode_Valid(t *testing.T) {
	tests := []struct {
		mode Mode
		want bool
	}{
		{ModeBytes, true},
		{ModeColumn, true},
		{ModeStructured, true},
		{Mode("avro"), false},
		{Mode(""), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			if got := tt.mode.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTarget_Path(t *testing.T) {
	tests := []struct {
		name   string
		target Target
		want   string
	}{
		{"database and table", Target{Database: "d", Table: "t"}, "d.t"},
		{"with super table", Target{Database: "d", SuperTable: "s", Table: "t"}, "d.s.t"},
		{"table only", Target{Table: "t"}, "t"},
		{"empty", Target{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.target.Path(); got != tt.want {
				t.Errorf("Path() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBytesTranscoder(t *testing.T) {
	tc, err := New(ModeBytes, Target{Database: "d", Table: "t"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	row := cdc.Row{
		{Label: "ts", Value: "2024-01-01T00:00:00"},
		{Label: "val", Value: "42"},
	}

	records, err := tc.Transcode(row)
	if err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Transcode() returned %d records, want 1", len(records))
	}

	rec := records[0]
	if got := rec.Target(); got != "d.t" {
		t.Errorf("TARGET = %q, want %q", got, "d.t")
	}
	if got, _ := rec.Metadata.Get(cdc.MetaAction); got != "INSERT" {
		t.Errorf("ACTION = %q, want %q", got, "INSERT")
	}
	if len(rec.Metadata) != 2 {
		t.Errorf("Metadata = %v, want only TARGET and ACTION", rec.Metadata)
	}

	want := `{"ts":"2024-01-01T00:00:00","val":"42"}`
	if string(rec.Payload) != want {
		t.Errorf("Payload = %s, want %s", rec.Payload, want)
	}

	var decoded map[string]string
	if err := json.Unmarshal(rec.Payload, &decoded); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
}

func TestBytesTranscoder_NullValue(t *testing.T) {
	tc, _ := New(ModeBytes, Target{Database: "d", Table: "t"})

	records, err := tc.Transcode(cdc.Row{{Label: "ts", Value: "1"}, {Label: "val", Null: true}})
	if err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}

	want := `{"ts":"1","val":null}`
	if string(records[0].Payload) != want {
		t.Errorf("Payload = %s, want %s", records[0].Payload, want)
	}
}

func TestColumnTranscoder(t *testing.T) {
	tc, _ := New(ModeColumn, Target{Database: "d", SuperTable: "s", Table: "t"})

	row := cdc.Row{
		{Label: "ts", Value: "2024-01-01T00:00:00"},
		{Label: "val", Value: "42"},
		{Label: "note", Null: true},
	}

	records, err := tc.Transcode(row)
	if err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}
	if len(records) != len(row) {
		t.Fatalf("Transcode() returned %d records, want %d", len(records), len(row))
	}

	for i, rec := range records {
		col, _ := rec.Metadata.Get(cdc.MetaColumn)
		if col != row[i].Label {
			t.Errorf("record %d COLUMN = %q, want %q", i, col, row[i].Label)
		}
		if rec.Target() != "d.s.t" {
			t.Errorf("record %d TARGET = %q, want %q", i, rec.Target(), "d.s.t")
		}
		if string(rec.Payload) != row[i].Value {
			t.Errorf("record %d Payload = %q, want %q", i, rec.Payload, row[i].Value)
		}
		null, ok := rec.Metadata.Get(cdc.MetaNull)
		if row[i].Null != ok || (ok && null != "true") {
			t.Errorf("record %d NULL = %q (present %v), want present only for null columns", i, null, ok)
		}
	}
}

func TestColumnTranscoder_NullAndEmptyDiffer(t *testing.T) {
	tc, _ := New(ModeColumn, Target{Database: "d", Table: "t"})

	records, err := tc.Transcode(cdc.Row{
		{Label: "empty", Value: ""},
		{Label: "missing", Null: true},
	})
	if err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}
	if _, ok := records[0].Metadata.Get(cdc.MetaNull); ok {
		t.Error("empty string marked as NULL")
	}
	if null, _ := records[1].Metadata.Get(cdc.MetaNull); null != "true" {
		t.Errorf("NULL column metadata = %q, want %q", null, "true")
	}
}

func TestStructuredTranscoder(t *testing.T) {
	tc, _ := New(ModeStructured, Target{Database: "d", Table: "t"})

	records, err := tc.Transcode(cdc.Row{{Label: "ts", Value: "1"}, {Label: "val", Null: true}})
	if err != nil {
		t.Fatalf("Transcode() error = %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("Transcode() returned %d records, want 1", len(records))
	}

	rec := records[0]
	if !rec.Structured() {
		t.Fatal("Structured() = false, want true")
	}
	if len(rec.Value.Fields) != 2 {
		t.Fatalf("Fields = %v, want 2 fields", rec.Value.Fields)
	}

	ts, _ := rec.Value.Field("ts")
	if ts.Type != StringType || ts.Value == nil || *ts.Value != "1" {
		t.Errorf("field ts = %+v", ts)
	}
	val, ok := rec.Value.Field("val")
	if !ok {
		t.Fatal("null field dropped")
	}
	if val.Value != nil {
		t.Errorf("field val Value = %v, want nil", *val.Value)
	}
}

func TestTranscode_BadRows(t *testing.T) {
	tests := []struct {
		name string
		row  cdc.Row
	}{
		{"no columns", cdc.Row{}},
		{"empty label", cdc.Row{{Label: "", Value: "1"}}},
		{"duplicate label", cdc.Row{{Label: "a", Value: "1"}, {Label: "a", Value: "2"}}},
	}

	for _, mode := range []Mode{ModeBytes, ModeColumn, ModeStructured} {
		tc, _ := New(mode, Target{Database: "d", Table: "t"})
		for _, tt := range tests {
			t.Run(string(mode)+"/"+tt.name, func(t *testing.T) {
				_, err := tc.Transcode(tt.row)
				if !errors.Is(err, cdc.ErrTranscode) {
					t.Errorf("Transcode() error = %v, want ErrTranscode", err)
				}
			})
		}
	}
}

func TestNew_UnsupportedMode(t *testing.T) {
	if _, err := New(Mode("avro"), Target{}); !errors.Is(err, cdc.ErrConfig) {
		t.Errorf("New() error = %v, want ErrConfig", err)
	}
}

func TestTranscode_Deterministic(t *testing.T) {
	tc, _ := New(ModeBytes, Target{Database: "d", Table: "t"})
	row := cdc.Row{{Label: "b", Value: "2"}, {Label: "a", Value: "1"}}

	first, _ := tc.Transcode(row)
	second, _ := tc.Transcode(row)
	if string(first[0].Payload) != string(second[0].Payload) {
		t.Errorf("payloads differ: %s vs %s", first[0].Payload, second[0].Payload)
	}
	if string(first[0].Payload) != `{"b":"2","a":"1"}` {
		t.Errorf("Payload = %s, want column order preserved", first[0].Payload)
	}
}
