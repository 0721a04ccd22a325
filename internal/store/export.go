package store

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"optrack/internal/atomicfile"
	"optrack/internal/record"
)

// Snapshot is the legacy aggregate format: every current record of a source
// in one JSON document.
type Snapshot struct {
	Site        string                   `json:"site"`
	Grants      map[string]record.Record `json:"grants"`
	LastUpdated string                   `json:"last_updated"`
	Count       int                      `json:"count"`
}

// LoadLegacy reads a legacy snapshot file.
func LoadLegacy(path string) (*Snapshot, error) {
	var doc Snapshot
	if err := atomicfile.ReadJSON(path, &doc); err != nil {
		return nil, err
	}
	if doc.Grants == nil {
		doc.Grants = map[string]record.Record{}
	}
	return &doc, nil
}

// Snapshot materializes every indexed record with a single pass over the log.
// Records whose line cannot be read are left out and logged.
func (s *Store) Snapshot() (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	grants := make(map[string]record.Record, len(s.index))
	_, err := s.scanLocked(func(lineNo, _ int64, _ []byte, rec record.Record, id string) error {
		if sl, ok := s.index[id]; ok && sl.Line == lineNo {
			grants[id] = rec
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	if missing := len(s.index) - len(grants); missing > 0 {
		s.logger.Warn("snapshot is missing unreadable records", "missing", missing)
	}
	return &Snapshot{
		Site:        s.cfg.Source,
		Grants:      grants,
		LastUpdated: s.cfg.Now().Format(time.RFC3339Nano),
		Count:       len(grants),
	}, nil
}

// ExportLegacy writes the current snapshot to {source}_grants.json for
// consumers of the aggregate format and returns the path written.
func (s *Store) ExportLegacy() (string, error) {
	snap, err := s.Snapshot()
	if err != nil {
		return "", err
	}
	if err := atomicfile.WriteJSON(s.files.Legacy, snap, s.cfg.FileMode); err != nil {
		return "", fmt.Errorf("export legacy snapshot: %w", err)
	}
	s.logger.Info("exported legacy snapshot", "path", s.files.Legacy, "records", snap.Count)
	return s.files.Legacy, nil
}

// InitializeFromLegacy loads a legacy snapshot into an empty store and
// returns how many records were stored. A record without an identifier
// takes its map key as identifier. It fails with ErrNotEmpty if the store
// already holds data.
func (s *Store) InitializeFromLegacy(doc *Snapshot) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.initializeFromLegacyLocked(doc)
}

func (s *Store) initializeFromLegacyLocked(doc *Snapshot) (int, error) {
	if len(s.index) > 0 || s.log.size > 0 {
		return 0, ErrNotEmpty
	}
	if doc == nil || len(doc.Grants) == 0 {
		return 0, nil
	}

	recs := make([]record.Record, 0, len(doc.Grants))
	for _, key := range slices.Sorted(maps.Keys(doc.Grants)) {
		rec := doc.Grants[key].Clone()
		if rec == nil {
			rec = record.Record{}
		}
		if _, ok := rec.ID(s.cfg.IDField); !ok {
			rec[s.cfg.IDField] = key
		}
		recs = append(recs, rec)
	}
	res, err := s.bulkUpsertLocked(recs)
	if err != nil {
		return res.New, err
	}
	return res.New, nil
}
