package core

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// Well-known rtl_433 JSON keys.
const (
	FieldModel = "model"
	FieldID    = "id"
	FieldTime  = "time"
)

// Record is one decoded rtl_433 event. It is immutable once built and may be
// shared between any number of subscriptions.
type Record struct {
	fields map[string]any
	id     string
	hasID  bool
	raw    []byte
}

// NewRecord wraps decoded fields. The map is owned by the record afterwards.
// raw is the original line and may be nil.
func NewRecord(fields map[string]any, raw []byte) *Record {
	if fields == nil {
		fields = map[string]any{}
	}
	r := &Record{fields: fields, raw: raw}
	if v, ok := fields[FieldID]; ok && v != nil {
		r.id = formatID(v)
		r.hasID = true
	}
	return r
}

// NewRecordWithID is NewRecord for parsers that already hold the id exactly
// as it appeared on the wire.
func NewRecordWithID(fields map[string]any, id string, raw []byte) *Record {
	r := NewRecord(fields, raw)
	if r.hasID && id != "" {
		r.id = id
	}
	return r
}

// Model returns the "model" field, or "" when absent or not a string.
func (r *Record) Model() string {
	s, _ := r.fields[FieldModel].(string)
	return s
}

// Time returns the "time" field, or "" when absent or not a string.
func (r *Record) Time() string {
	s, _ := r.fields[FieldTime].(string)
	return s
}

// ID returns the raw device identifier.
func (r *Record) ID() (any, bool) {
	if !r.hasID {
		return nil, false
	}
	return r.fields[FieldID], true
}

// IDString returns the device identifier in string form ("8807" for both
// "8807" and 8807). It is empty when the record carries no id.
func (r *Record) IDString() string {
	return r.id
}

// HasID reports whether the record carries a device identifier.
func (r *Record) HasID() bool {
	return r.hasID
}

// Has reports whether field is present, regardless of its value.
func (r *Record) Has(field string) bool {
	_, ok := r.fields[field]
	return ok
}

// Get returns a field value.
func (r *Record) Get(field string) (any, bool) {
	v, ok := r.fields[field]
	return v, ok
}

// Float returns a numeric field as float64.
func (r *Record) Float(field string) (float64, bool) {
	switch v := r.fields[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Fields returns a shallow copy of the decoded fields.
func (r *Record) Fields() map[string]any {
	return maps.Clone(r.fields)
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.fields)
}

// Raw returns the line the record was decoded from, if known.
func (r *Record) Raw() []byte {
	return r.raw
}

// MarshalJSON encodes the decoded fields.
func (r *Record) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.fields)
}

func (r *Record) String() string {
	return fmt.Sprintf("%s[%s]@%s", r.Model(), r.id, r.Time())
}

func formatID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprint(id)
	}
}
