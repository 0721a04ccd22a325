// Package ingest reads candidate records and observed identifiers produced
// by scrapers, and watches an inbox directory for new files of either kind.
package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"optrack/internal/logging"
	"optrack/internal/record"
)

// maxLineSize bounds a single JSONL line. Detail pages with embedded
// attachments can be large, but not this large.
const maxLineSize = 16 << 20

var ErrNotObjectArray = errors.New("candidate array holds a non-object element")

// Candidates is the outcome of reading one input.
type Candidates struct {
	Records []record.Record
	// Skipped counts lines or elements that were not JSON objects.
	Skipped int
}

// Reader decodes candidate records from JSONL or a JSON array and fills in
// their identifiers.
type Reader struct {
	ids    *Extractor
	logger *slog.Logger
}

// NewReader creates a Reader. A nil extractor leaves records as they are.
// The logger is scoped with component="ingest".
func NewReader(ids *Extractor, logger *slog.Logger) *Reader {
	return &Reader{ids: ids, logger: logging.Default(logger).With("component", "ingest")}
}

// Read consumes r. Input starting with '[' is one JSON array; anything else
// is JSONL with one object per line. Blank lines are ignored; malformed
// lines are counted and logged, not fatal.
func (rd *Reader) Read(r io.Reader) (Candidates, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Candidates{}, nil
		}
		return Candidates{}, err
	}
	if first == '[' {
		return rd.readArray(br)
	}
	return rd.readLines(br)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}

func (rd *Reader) readArray(r io.Reader) (Candidates, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var items []any
	if err := dec.Decode(&items); err != nil {
		return Candidates{}, fmt.Errorf("decode candidate array: %w", err)
	}
	var out Candidates
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			out.Skipped++
			rd.logger.Warn("skipping candidate", "position", i, "error", ErrNotObjectArray)
			continue
		}
		out.Records = append(out.Records, rd.prepare(record.Record(obj)))
	}
	return out, nil
}

func (rd *Reader) readLines(r io.Reader) (Candidates, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	var out Candidates
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		rec, err := record.Decode(line)
		if err != nil {
			out.Skipped++
			rd.logger.Warn("skipping candidate line", "line", lineNo, "error", err)
			continue
		}
		out.Records = append(out.Records, rd.prepare(rec))
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read candidates: %w", err)
	}
	return out, nil
}

func (rd *Reader) prepare(rec record.Record) record.Record {
	if rd.ids == nil {
		return rec
	}
	return rd.ids.Fill(rec)
}
