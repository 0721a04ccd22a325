package store

import (
	"errors"
	"fmt"
	"time"

	"optrack/internal/atomicfile"
)

// slot locates the current version of a record in the log.
type slot struct {
	Line   int64
	Offset int64
}

// IndexFile is the on-disk shape of {source}_grants_index.json.
//
// Site, Count, LastUpdated and Index are the format older tooling reads and
// writes. Offsets, LogLines and LogSize were added later; an index without
// them (or whose LogSize disagrees with the log on disk) is rebuilt on open.
type IndexFile struct {
	Site        string           `json:"site"`
	Count       int              `json:"count"`
	LastUpdated string           `json:"last_updated"`
	Index       map[string]int64 `json:"index"`
	Offsets     map[string]int64 `json:"offsets,omitempty"`
	LogLines    *int64           `json:"log_lines,omitempty"`
	LogSize     *int64           `json:"log_size,omitempty"`
}

// ReadIndex loads an index file without opening the store. It takes no lock
// and is meant for read-only reporting.
func ReadIndex(path string) (*IndexFile, error) {
	var f IndexFile
	if err := atomicfile.ReadJSON(path, &f); err != nil {
		return nil, err
	}
	if f.Index == nil {
		f.Index = map[string]int64{}
	}
	return &f, nil
}

// LastUpdatedTime parses LastUpdated. Both RFC 3339 and the zone-less
// ISO layout written by older tooling are accepted.
func (f *IndexFile) LastUpdatedTime() (time.Time, bool) {
	return ParseTimestamp(f.LastUpdated)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses a last_updated value in any layout the data dir may hold.
func ParseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// matches reports whether the index describes a log of exactly size bytes
// and carries an offset for every entry.
func (f *IndexFile) matches(size int64) bool {
	if f.LogSize == nil || f.LogLines == nil || *f.LogSize != size {
		return false
	}
	if len(f.Offsets) != len(f.Index) {
		return false
	}
	for id, line := range f.Index {
		off, ok := f.Offsets[id]
		if !ok || off < 0 || off >= size || line < 0 || line >= *f.LogLines {
			return false
		}
	}
	return true
}

func (f *IndexFile) slots() map[string]slot {
	m := make(map[string]slot, len(f.Index))
	for id, line := range f.Index {
		m[id] = slot{Line: line, Offset: f.Offsets[id]}
	}
	return m
}

func newIndexFile(site string, index map[string]slot, lines, size int64, now time.Time) *IndexFile {
	f := &IndexFile{
		Site:        site,
		Count:       len(index),
		LastUpdated: now.Format(time.RFC3339Nano),
		Index:       make(map[string]int64, len(index)),
		Offsets:     make(map[string]int64, len(index)),
		LogLines:    &lines,
		LogSize:     &size,
	}
	for id, s := range index {
		f.Index[id] = s.Line
		f.Offsets[id] = s.Offset
	}
	return f
}

var errIndexUnusable = errors.New("index does not match record log")

func describeMismatch(f *IndexFile, size int64) error {
	switch {
	case f.LogSize == nil:
		return fmt.Errorf("%w: no log_size recorded", errIndexUnusable)
	case *f.LogSize != size:
		return fmt.Errorf("%w: log_size %d, log is %d bytes", errIndexUnusable, *f.LogSize, size)
	default:
		return fmt.Errorf("%w: offsets incomplete", errIndexUnusable)
	}
}
