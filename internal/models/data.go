package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Data is the schema-less extension bag attached to every event.
// It is stored as a JSON object in the additional_data column and never
// promoted into first-class columns.
type Data map[string]any

// Clone returns a shallow copy of d. A nil bag clones to an empty one.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a new bag holding base with overrides applied on top.
func Merge(base, overrides Data) Data {
	out := base.Clone()
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Encode serializes d to a JSON object string. A nil bag encodes as "{}".
func (d Data) Encode() (string, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return "", fmt.Errorf("encode additional data: %w", err)
	}
	return string(b), nil
}

// Value implements driver.Valuer.
func (d Data) Value() (driver.Value, error) {
	return d.Encode()
}

// Scan implements sql.Scanner for TEXT and BLOB columns.
func (d *Data) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = Data{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan additional data: unsupported type %T", src)
	}
	if len(raw) == 0 {
		*d = Data{}
		return nil
	}
	out := Data{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode additional data: %w", err)
	}
	*d = out
	return nil
}

// Float returns the numeric value stored under key.
func (d Data) Float(key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// String returns the string stored under key.
func (d Data) String(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}
