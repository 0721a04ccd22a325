// Package record defines the open, schema-less document stored per source.
//
// A Record is a plain field map. Sources disagree on which fields exist, so
// nothing but the identifier is first-class; it lives under a configurable
// key (DefaultIDField unless a source says otherwise).
package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"maps"
	"strconv"
	"strings"
)

// DefaultIDField is the key grant portals publish their identifier under.
const DefaultIDField = "competition_id"

var (
	ErrNotObject    = errors.New("record is not a JSON object")
	ErrTrailingData = errors.New("trailing data after record")
)

// Record is a single document. Values are whatever JSON decoding produces,
// with numbers kept as json.Number so they round-trip unchanged.
type Record map[string]any

// ID returns the identifier stored under field. Strings are returned as-is,
// JSON numbers in their literal form. Empty or absent identifiers report false.
func (r Record) ID(field string) (string, bool) {
	v, ok := r[field]
	if !ok || v == nil {
		return "", false
	}
	var id string
	switch t := v.(type) {
	case string:
		id = t
	case json.Number:
		id = t.String()
	case float64:
		id = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return "", false
	}
	if strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	return maps.Clone(r)
}

// Merge overlays next onto prev and returns the result as a new Record.
// Fields only in prev are retained; fields in next win. Nested values are
// replaced wholesale, not merged.
func Merge(prev, next Record) Record {
	out := make(Record, len(prev)+len(next))
	maps.Copy(out, prev)
	maps.Copy(out, next)
	return out
}

// Decode parses a single JSON object.
func Decode(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, ErrTrailingData
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return Record(obj), nil
}

// Encode renders r as compact single-line JSON without a trailing newline.
// HTML characters are not escaped; grant descriptions are full of them.
func Encode(r Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any(r)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
