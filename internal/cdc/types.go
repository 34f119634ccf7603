// Package cdc provides the row and record model shared by the subscription
// polling engine and its collaborators.
package cdc

import (
	"strings"
)

// Operation represents the kind of change carried by an output record.
type Operation string

const (
	// OperationInsert represents an INSERT operation. Subscription rows are
	// append-only, so it is the only kind the engine produces.
	OperationInsert Operation = "INSERT"
)

// Routing metadata keys.
const (
	// MetaTarget is the routing path of the target table (database.table or
	// database.stable.table). Always present.
	MetaTarget = "TARGET"

	// MetaAction is the operation kind. Always present.
	MetaAction = "ACTION"

	// MetaColumn is the column label for per-column records.
	MetaColumn = "COLUMN"

	// MetaNull is set to "true" on a per-column record whose value is NULL,
	// which tells it apart from an empty string.
	MetaNull = "NULL"

	// MetaSubscription is the id of the subscription that produced the record.
	MetaSubscription = "SUBSCRIPTION"

	// MetaSequence is the ordinal of the source row within one run.
	MetaSequence = "SEQUENCE"
)

// Field is one column of a fetched row.
type Field struct {
	// Label is the column label from the result set.
	Label string `json:"label"`

	// Value is the column value rendered as text. Empty when Null is set.
	Value string `json:"value"`

	// Null marks an SQL NULL value.
	Null bool `json:"null,omitempty"`
}

// Row is a single fetched row in result-set column order.
type Row []Field

// Labels returns the column labels of the row in order.
func (r Row) Labels() []string {
	labels := make([]string, len(r))
	for i, f := range r {
		labels[i] = f.Label
	}
	return labels
}

// Get returns the field with the given label.
func (r Row) Get(label string) (Field, bool) {
	for _, f := range r {
		if f.Label == label {
			return f, true
		}
	}
	return Field{}, false
}

// Map returns the row as a label to value map. NULL values map to nil so that
// every column stays present.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r))
	for _, f := range r {
		if f.Null {
			m[f.Label] = nil
			continue
		}
		m[f.Label] = f.Value
	}
	return m
}

// RowBatch is the set of rows returned by one poll. An empty batch means no
// new rows have arrived yet; it never signals the end of the stream.
type RowBatch []Row

// Empty reports whether the batch carries no rows.
func (b RowBatch) Empty() bool {
	return len(b) == 0
}

// Pair is a single routing metadata entry.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metadata is an ordered list of routing metadata entries.
type Metadata []Pair

// Get returns the value stored under key.
func (m Metadata) Get(key string) (string, bool) {
	for _, p := range m {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// With returns a copy of m with key set to value. An existing key keeps its
// position.
func (m Metadata) With(key, value string) Metadata {
	out := make(Metadata, len(m), len(m)+1)
	copy(out, m)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, Pair{Key: key, Value: value})
}

// Map returns the metadata as a plain map.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, len(m))
	for _, p := range m {
		out[p.Key] = p.Value
	}
	return out
}

// String renders the metadata as key=value pairs for logging.
func (m Metadata) String() string {
	parts := make([]string, len(m))
	for i, p := range m {
		parts[i] = p.Key + "=" + p.Value
	}
	return strings.Join(parts, ",")
}

// StructuredField is one string-typed field of a structured payload.
type StructuredField struct {
	Name  string  `json:"name" msgpack:"name"`
	Type  string  `json:"type" msgpack:"type"`
	Value *string `json:"value" msgpack:"value"`
}

// StructuredValue is a self-describing record whose field set is the
// row's column labels.
type StructuredValue struct {
	Fields []StructuredField `json:"fields" msgpack:"fields"`
}

// Field returns the named field.
func (v *StructuredValue) Field(name string) (StructuredField, bool) {
	for _, f := range v.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return StructuredField{}, false
}

// OutputRecord is one message handed to the downstream emitter. Exactly one of
// Payload and Value is set.
type OutputRecord struct {
	// Payload is the raw message body.
	Payload []byte

	// Value is the structured message body.
	Value *StructuredValue

	// Metadata carries the routing information.
	Metadata Metadata
}

// NewBytesRecord creates a record with a raw payload. The payload and
// metadata are copied.
func NewBytesRecord(payload []byte, md Metadata) OutputRecord {
	p := make([]byte, len(payload))
	copy(p, payload)
	return OutputRecord{Payload: p, Metadata: append(Metadata(nil), md...)}
}

// NewStructuredRecord creates a record with a structured payload.
func NewStructuredRecord(v *StructuredValue, md Metadata) OutputRecord {
	return OutputRecord{Value: v, Metadata: append(Metadata(nil), md...)}
}

// Target returns the routing target of the record.
func (r OutputRecord) Target() string {
	t, _ := r.Metadata.Get(MetaTarget)
	return t
}

// Structured reports whether the record carries a structured payload.
func (r OutputRecord) Structured() bool {
	return r.Value != nil
}

// WithMetadata returns a copy of the record with key set to value.
func (r OutputRecord) WithMetadata(key, value string) OutputRecord {
	r.Metadata = r.Metadata.With(key, value)
	return r
}
