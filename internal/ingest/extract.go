package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/theory/jsonpath"

	"optrack/internal/record"
)

// Extractor fills a record's identifier field from a JSONPath expression
// evaluated against the record, for portals that nest their identifier
// (for example "$.opportunity.number").
type Extractor struct {
	field string
	path  *jsonpath.Path
}

// NewExtractor compiles expr. The result is stored under field, or
// record.DefaultIDField when field is empty.
func NewExtractor(field, expr string) (*Extractor, error) {
	if field == "" {
		field = record.DefaultIDField
	}
	p, err := jsonpath.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse id path %q: %w", expr, err)
	}
	return &Extractor{field: field, path: p}, nil
}

// Extract returns the first scalar the path selects.
func (e *Extractor) Extract(rec record.Record) (string, bool) {
	for _, node := range e.path.Select(map[string]any(rec)) {
		if id, ok := scalarID(node); ok {
			return id, true
		}
	}
	return "", false
}

// Fill returns rec with the identifier field set. Records that already
// carry an identifier, or where the path selects nothing, are returned
// unchanged.
func (e *Extractor) Fill(rec record.Record) record.Record {
	if _, ok := rec.ID(e.field); ok {
		return rec
	}
	id, ok := e.Extract(rec)
	if !ok {
		return rec
	}
	out := rec.Clone()
	out[e.field] = id
	return out
}

func scalarID(v any) (string, bool) {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case json.Number:
		s = t.String()
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
