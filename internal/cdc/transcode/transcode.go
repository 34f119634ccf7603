// Package transcode converts fetched rows into output records with routing
// metadata.
package transcode

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/janovincze/tsbridge/internal/cdc"
)

// Mode selects the output record variant.
type Mode string

const (
	// ModeBytes emits one record per row whose payload is the row as a flat
	// JSON object.
	ModeBytes Mode = "bytes"

	// ModeColumn emits one record per column, payload is the column value.
	ModeColumn Mode = "column"

	// ModeStructured emits one record per row with a self-describing
	// structured payload.
	ModeStructured Mode = "structured"
)

// StringType is the type assigned to every structured field.
const StringType = "string"

// Valid reports whether m names a supported variant.
func (m Mode) Valid() bool {
	switch m {
	case ModeBytes, ModeColumn, ModeStructured:
		return true
	default:
		return false
	}
}

// Target names the table the records are routed to.
type Target struct {
	Database   string
	SuperTable string
	Table      string
}

// Path returns the routing path: database.table, or database.stable.table
// when a super table is set. Empty parts are left out.
func (t Target) Path() string {
	parts := make([]string, 0, 3)
	for _, p := range []string{t.Database, t.SuperTable, t.Table} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ".")
}

// Transcoder turns one row into output records.
type Transcoder interface {
	Transcode(row cdc.Row) ([]cdc.OutputRecord, error)
}

// New returns the transcoder for mode.
func New(mode Mode, target Target) (Transcoder, error) {
	base := cdc.Metadata{
		{Key: cdc.MetaTarget, Value: target.Path()},
		{Key: cdc.MetaAction, Value: string(cdc.OperationInsert)},
	}

	switch mode {
	case ModeBytes:
		return &bytesTranscoder{metadata: base}, nil
	case ModeColumn:
		return &columnTranscoder{metadata: base}, nil
	case ModeStructured:
		return &structuredTranscoder{metadata: base}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported mode %q", cdc.ErrConfig, mode)
	}
}

// Func adapts a function to the Transcoder interface.
type Func func(row cdc.Row) ([]cdc.OutputRecord, error)

// Transcode calls f(row).
func (f Func) Transcode(row cdc.Row) ([]cdc.OutputRecord, error) {
	return f(row)
}

type bytesTranscoder struct {
	metadata cdc.Metadata
}

func (t *bytesTranscoder) Transcode(row cdc.Row) ([]cdc.OutputRecord, error) {
	if err := checkLabels(row); err != nil {
		return nil, err
	}
	payload, err := EncodeJSON(row)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", cdc.ErrTranscode, err)
	}
	return []cdc.OutputRecord{cdc.NewBytesRecord(payload, t.metadata)}, nil
}

type columnTranscoder struct {
	metadata cdc.Metadata
}

func (t *columnTranscoder) Transcode(row cdc.Row) ([]cdc.OutputRecord, error) {
	if err := checkLabels(row); err != nil {
		return nil, err
	}
	records := make([]cdc.OutputRecord, 0, len(row))
	for _, f := range row {
		md := t.metadata.With(cdc.MetaColumn, f.Label)
		if f.Null {
			records = append(records, cdc.NewBytesRecord(nil, md.With(cdc.MetaNull, "true")))
			continue
		}
		records = append(records, cdc.NewBytesRecord([]byte(f.Value), md))
	}
	return records, nil
}

type structuredTranscoder struct {
	metadata cdc.Metadata
}

func (t *structuredTranscoder) Transcode(row cdc.Row) ([]cdc.OutputRecord, error) {
	if err := checkLabels(row); err != nil {
		return nil, err
	}
	value := &cdc.StructuredValue{Fields: make([]cdc.StructuredField, len(row))}
	for i, f := range row {
		field := cdc.StructuredField{Name: f.Label, Type: StringType}
		if !f.Null {
			v := f.Value
			field.Value = &v
		}
		value.Fields[i] = field
	}
	return []cdc.OutputRecord{cdc.NewStructuredRecord(value, t.metadata)}, nil
}

// EncodeJSON renders the row as a flat JSON object in column order. NULL
// values are written as null.
func EncodeJSON(row cdc.Row) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range row {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Label)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if f.Null {
			buf.WriteString("null")
			continue
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func checkLabels(row cdc.Row) error {
	if len(row) == 0 {
		return fmt.Errorf("%w: row has no columns", cdc.ErrTranscode)
	}
	seen := make(map[string]struct{}, len(row))
	for i, f := range row {
		if f.Label == "" {
			return fmt.Errorf("%w: column %d has no label", cdc.ErrTranscode, i+1)
		}
		if _, dup := seen[f.Label]; dup {
			return fmt.Errorf("%w: duplicate column label %q", cdc.ErrTranscode, f.Label)
		}
		seen[f.Label] = struct{}{}
	}
	return nil
}
