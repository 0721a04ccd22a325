// Package store implements the per-source record store: an append-only JSONL
// log of record versions plus a persisted index from identifier to the
// location of the current version.
//
// File layout in the data dir, per source:
//
//	{source}_grants_data.jsonl   record log, one JSON object per line
//	{source}_grants_index.json   id -> line/offset, plus site/count/last_updated
//	{source}_grants.json         legacy aggregate snapshot (import/export only)
//	{source}.lock                advisory writer lock
//
// Updates never rewrite the log. An upsert appends the merged record and
// repoints the index; Compact drops superseded versions.
package store

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"optrack/internal/atomicfile"
	"optrack/internal/idset"
	"optrack/internal/logging"
	"optrack/internal/record"
)

type Config struct {
	// Dir is the data dir shared by all sources.
	Dir string

	// Source names the portal this store belongs to. It is embedded in file
	// names after SanitizeSource.
	Source string

	// IDField is the record key holding the identifier.
	// Defaults to record.DefaultIDField.
	IDField string

	FileMode os.FileMode
	Now      func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	// The store scopes it with component="store" and source=<Source>.
	Logger *slog.Logger

	// ArchiveOnCompact keeps a zstd-compressed copy of the log as it was
	// before each compaction.
	ArchiveOnCompact bool

	// SkipLegacyImport disables importing {source}_grants.json into an
	// empty store on open.
	SkipLegacyImport bool
}

// Meta is the store-level metadata persisted with the index.
type Meta struct {
	Site        string
	Count       int
	LastUpdated time.Time
}

type UpsertResult struct {
	ID      string
	Created bool
	Line    int64
}

type BulkResult struct {
	New     int
	Updated int
	Skipped int
}

// Store is the record store of one source. All methods are safe for
// concurrent use; operations are serialized.
//
// Logging:
//   - Logger is dependency-injected via Config.Logger
//   - Lifecycle events (open, rebuild, compaction, import/export) log at info
//   - Skipped and corrupt lines log at warn; nothing logs per record above debug
type Store struct {
	mu       sync.Mutex
	cfg      Config
	files    Files
	lockFile *os.File
	log      *recordLog
	index    map[string]slot
	updated  time.Time
	closed   bool

	logger *slog.Logger
}

// Open opens (or lazily creates) the store of cfg.Source in cfg.Dir.
// It fails with ErrSourceLocked if another process holds the source.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, ErrMissingDir
	}
	if cfg.Source == "" {
		return nil, ErrMissingSource
	}
	cfg.IDField = cmp.Or(cfg.IDField, record.DefaultIDField)
	cfg.FileMode = cmp.Or(cfg.FileMode, 0o644)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	files := FilesFor(cfg.Dir, cfg.Source)
	lockFile, err := acquireLock(files.Lock, cfg.FileMode)
	if err != nil {
		return nil, err
	}

	s := &Store{
		cfg:      cfg,
		files:    files,
		lockFile: lockFile,
		index:    make(map[string]slot),
		logger:   logging.Default(cfg.Logger).With("component", "store", "source", cfg.Source),
	}
	if err := s.load(); err != nil {
		_ = s.release()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	for _, target := range []string{s.files.Data, s.files.Index, s.files.Legacy} {
		for _, p := range atomicfile.RemoveOrphans(target) {
			s.logger.Info("removed orphan temp file", "path", p)
		}
	}

	log, err := openLog(s.files.Data, s.cfg.FileMode)
	if err != nil {
		return err
	}
	s.log = log

	idx, err := ReadIndex(s.files.Index)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		idx = nil
	default:
		s.logger.Warn("index unreadable, rebuilding from record log", "error", err)
		idx = nil
	}

	if !log.exists() {
		if idx != nil && len(idx.Index) > 0 {
			s.logger.Warn("record log missing but index present, starting empty", "index_entries", len(idx.Index))
		}
		return s.importLegacyIfEmpty()
	}

	removed, err := log.repairTail()
	if err != nil {
		return fmt.Errorf("repair record log: %w", err)
	}
	if removed > 0 {
		s.logger.Warn("truncated partial trailing line", "bytes", removed)
	}

	if idx != nil && idx.matches(log.size) {
		s.index = idx.slots()
		log.lines = *idx.LogLines
		if t, ok := idx.LastUpdatedTime(); ok {
			s.updated = t
		}
	} else {
		if idx != nil {
			s.logger.Info("rebuilding index", "reason", describeMismatch(idx, log.size))
		}
		if err := s.rebuildIndexLocked(); err != nil {
			return err
		}
		if err := s.saveIndexLocked(); err != nil {
			s.logger.Warn("failed to persist rebuilt index", "error", err)
		}
	}

	if len(s.index) == 0 && log.size == 0 {
		return s.importLegacyIfEmpty()
	}
	s.logger.Debug("opened store", "records", len(s.index), "log_lines", log.lines, "log_bytes", log.size)
	return nil
}

// importLegacyIfEmpty seeds an empty store from the legacy snapshot, if any.
// An unreadable snapshot is logged and ignored.
func (s *Store) importLegacyIfEmpty() error {
	if s.cfg.SkipLegacyImport {
		return nil
	}
	doc, err := LoadLegacy(s.files.Legacy)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("legacy snapshot unreadable, not importing", "path", s.files.Legacy, "error", err)
		}
		return nil
	}
	n, err := s.initializeFromLegacyLocked(doc)
	if err != nil {
		return fmt.Errorf("import legacy snapshot: %w", err)
	}
	s.logger.Info("migrated legacy snapshot to append-only store", "records", n)
	return nil
}

type scanStats struct {
	lines   int64
	skipped int64
}

// scanLocked decodes every log line and hands the parseable, identified ones
// to fn. Unparseable lines and lines without an identifier are logged and skipped.
func (s *Store) scanLocked(fn func(lineNo, offset int64, raw []byte, rec record.Record, id string) error) (scanStats, error) {
	var st scanStats
	lines, err := s.log.scan(func(lineNo, offset int64, raw []byte) error {
		rec, err := record.Decode(raw)
		if err != nil {
			st.skipped++
			s.logger.Warn("skipping unparseable log line", "line", lineNo, "error", err)
			return nil
		}
		id, ok := rec.ID(s.cfg.IDField)
		if !ok {
			st.skipped++
			s.logger.Warn("skipping log line without identifier", "line", lineNo, "field", s.cfg.IDField)
			return nil
		}
		return fn(lineNo, offset, raw, rec, id)
	})
	st.lines = lines
	return st, err
}

// rebuildIndexLocked derives the index from one pass over the log. The last
// valid line per identifier wins.
func (s *Store) rebuildIndexLocked() error {
	index := make(map[string]slot)
	st, err := s.scanLocked(func(lineNo, offset int64, _ []byte, _ record.Record, id string) error {
		index[id] = slot{Line: lineNo, Offset: offset}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}
	s.index = index
	s.log.lines = st.lines
	s.logger.Info("rebuilt index from record log", "records", len(index), "lines", st.lines, "skipped", st.skipped)
	return nil
}

func (s *Store) saveIndexLocked() error {
	now := s.cfg.Now()
	f := newIndexFile(s.cfg.Source, s.index, s.log.lines, s.log.size, now)
	if err := atomicfile.WriteJSON(s.files.Index, f, s.cfg.FileMode); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	s.updated = now
	return nil
}

// Has reports whether id is indexed. It does no IO.
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Get returns the current version of id. It returns ErrNotFound when the id
// was never stored and a *RetrievalError when it is indexed but unreadable.
func (s *Store) Get(id string) (record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (record.Record, error) {
	sl, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	retrievalErr := func(err error) error {
		return &RetrievalError{Source: s.cfg.Source, ID: id, Line: sl.Line, Err: err}
	}
	line, err := s.log.readLine(sl.Offset)
	if err != nil {
		return nil, retrievalErr(err)
	}
	rec, err := record.Decode(line)
	if err != nil {
		return nil, retrievalErr(err)
	}
	if got, _ := rec.ID(s.cfg.IDField); got != id {
		return nil, retrievalErr(fmt.Errorf("line holds record %q", got))
	}
	return rec, nil
}

// undoEntry restores one index entry on rollback.
type undoEntry struct {
	id      string
	prev    slot
	existed bool
}

// mark is the log position a rollback returns to.
type mark struct {
	size  int64
	lines int64
}

func (s *Store) markLocked() mark {
	return mark{size: s.log.size, lines: s.log.lines}
}

func (s *Store) rollbackLocked(m mark, undo []undoEntry) {
	for i := len(undo) - 1; i >= 0; i-- {
		u := undo[i]
		if u.existed {
			s.index[u.id] = u.prev
		} else {
			delete(s.index, u.id)
		}
	}
	if err := s.log.truncate(m.size, m.lines); err != nil {
		s.logger.Error("rollback failed, index will be rebuilt on next open", "error", err)
	}
}

// commitLocked makes appended lines durable and then persists the index.
func (s *Store) commitLocked() error {
	if err := s.log.sync(); err != nil {
		return fmt.Errorf("sync record log: %w", err)
	}
	return s.saveIndexLocked()
}

// Upsert stores rec. If its identifier is already stored, rec is merged onto
// the previous version (fields in rec win, fields only in the previous
// version are kept) and the merged record is appended.
func (s *Store) Upsert(rec record.Record) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return UpsertResult{}, ErrClosed
	}

	m := s.markLocked()
	res, u, err := s.upsertLocked(rec)
	if err != nil {
		return UpsertResult{}, err
	}
	if err := s.commitLocked(); err != nil {
		s.rollbackLocked(m, []undoEntry{u})
		return UpsertResult{}, err
	}
	return res, nil
}

func (s *Store) upsertLocked(rec record.Record) (UpsertResult, undoEntry, error) {
	id, ok := rec.ID(s.cfg.IDField)
	if !ok {
		return UpsertResult{}, undoEntry{}, fmt.Errorf("%w: field %q", ErrMissingIdentifier, s.cfg.IDField)
	}

	prev, existed := s.index[id]
	doc := rec
	if existed {
		old, err := s.getLocked(id)
		if err != nil {
			s.logger.Warn("previous version unreadable, storing update without merge", "id", id, "error", err)
		} else {
			doc = record.Merge(old, rec)
		}
	}

	line, err := record.Encode(doc)
	if err != nil {
		return UpsertResult{}, undoEntry{}, fmt.Errorf("%w: %s: %w", ErrInvalidRecord, id, err)
	}
	lineNo, offset, err := s.log.append(line)
	if err != nil {
		return UpsertResult{}, undoEntry{}, err
	}
	s.index[id] = slot{Line: lineNo, Offset: offset}
	return UpsertResult{ID: id, Created: !existed, Line: lineNo}, undoEntry{id: id, prev: prev, existed: existed}, nil
}

// BulkUpsert upserts recs in order and persists the index once at the end.
//
// Records without an identifier (or that cannot be encoded) are counted in
// Skipped and do not abort the batch. An IO error stops the batch; records
// applied before it are kept and the returned result counts them.
func (s *Store) BulkUpsert(recs []record.Record) (BulkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return BulkResult{}, ErrClosed
	}
	return s.bulkUpsertLocked(recs)
}

func (s *Store) bulkUpsertLocked(recs []record.Record) (BulkResult, error) {
	var res BulkResult
	m := s.markLocked()
	undo := make([]undoEntry, 0, len(recs))

	var ioErr error
	for i, rec := range recs {
		r, u, err := s.upsertLocked(rec)
		if err != nil {
			if errors.Is(err, ErrMissingIdentifier) || errors.Is(err, ErrInvalidRecord) {
				res.Skipped++
				s.logger.Warn("skipping record", "position", i, "error", err)
				continue
			}
			ioErr = err
			break
		}
		undo = append(undo, u)
		if r.Created {
			res.New++
		} else {
			res.Updated++
		}
		s.logger.Debug("upserted record", "id", r.ID, "created", r.Created)
	}

	if len(undo) == 0 {
		return res, ioErr
	}
	if err := s.commitLocked(); err != nil {
		s.rollbackLocked(m, undo)
		return BulkResult{Skipped: res.Skipped}, errors.Join(ioErr, err)
	}
	s.logger.Info("bulk upsert complete", "new", res.New, "updated", res.Updated, "skipped", res.Skipped, "total", len(s.index))
	return res, ioErr
}

// AllIDs returns a copy of the indexed identifiers.
func (s *Store) AllIDs() idset.Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(idset.Set, len(s.index))
	for id := range s.index {
		ids.Add(id)
	}
	return ids
}

func (s *Store) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Meta{Site: s.cfg.Source, Count: len(s.index), LastUpdated: s.updated}
}

// Stats returns the current shape of the record log.
func (s *Store) Stats() LogStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() LogStats {
	return LogStats{Lines: s.log.lines, Live: int64(len(s.index)), Bytes: s.log.size}
}

// NeedsCompaction asks policy about the current log.
func (s *Store) NeedsCompaction(policy CompactionPolicy) bool {
	if policy == nil {
		return false
	}
	return policy.ShouldCompact(s.Stats())
}

func (s *Store) Source() string { return s.cfg.Source }

func (s *Store) Files() Files { return s.files }

// Close releases the log handle and the writer lock. Further calls return ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.release()
}

func (s *Store) release() error {
	var errs []error
	if s.log != nil {
		errs = append(errs, s.log.close())
	}
	if s.lockFile != nil {
		errs = append(errs, s.lockFile.Close())
		s.lockFile = nil
	}
	return errors.Join(errs...)
}
