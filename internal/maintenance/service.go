// Package maintenance owns the open stores of a long-running process and
// runs compaction, export and inbox ingestion against them.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"optrack/internal/callgroup"
	"optrack/internal/idset"
	"optrack/internal/logging"
	"optrack/internal/record"
	"optrack/internal/store"
)

var ErrClosed = errors.New("maintenance service closed")

type Config struct {
	DataDir string
	IDField string

	// Policy decides whether CompactIfNeeded compacts. Defaults to
	// store.NeverPolicy.
	Policy store.CompactionPolicy

	ArchiveOnCompact bool

	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	// The service scopes this logger with component="maintenance" and
	// passes it on to the stores it opens.
	Logger *slog.Logger
}

// Service opens stores on first use and keeps them open until Close, so a
// daemon holds each source's writer lock for its whole lifetime.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	stores map[string]*store.Store
	closed bool

	compactions callgroup.Group[string, store.CompactResult]
}

func New(cfg Config) *Service {
	if cfg.Policy == nil {
		cfg.Policy = store.NeverPolicy{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "maintenance"),
		stores: make(map[string]*store.Store),
	}
}

// Store returns the open store of source, opening it if needed.
func (s *Service) Store(source string) (*store.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if st, ok := s.stores[source]; ok {
		return st, nil
	}
	st, err := store.Open(store.Config{
		Dir:              s.cfg.DataDir,
		Source:           source,
		IDField:          s.cfg.IDField,
		Now:              s.cfg.Now,
		Logger:           s.cfg.Logger,
		ArchiveOnCompact: s.cfg.ArchiveOnCompact,
	})
	if err != nil {
		return nil, err
	}
	s.stores[source] = st
	s.logger.Debug("opened store", "source", source)
	return st, nil
}

// Sources returns sources with files in the data dir plus any opened here.
func (s *Service) Sources() ([]string, error) {
	sources, err := store.Discover(s.cfg.DataDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	s.mu.Lock()
	for name := range s.stores {
		if !slices.Contains(sources, name) {
			sources = append(sources, name)
		}
	}
	s.mu.Unlock()
	slices.Sort(sources)
	return sources, nil
}

// Stored returns the stored identifiers of source. Its signature matches
// reconcile.StoredFunc.
func (s *Service) Stored(_ context.Context, source string) (idset.Set, error) {
	st, err := s.Store(source)
	if err != nil {
		return nil, err
	}
	return st.AllIDs(), nil
}

// Ingest bulk-upserts candidate records into source.
func (s *Service) Ingest(_ context.Context, source string, recs []record.Record) (store.BulkResult, error) {
	st, err := s.Store(source)
	if err != nil {
		return store.BulkResult{}, err
	}
	return st.BulkUpsert(recs)
}

// Compact compacts source. Concurrent requests for the same source share
// one compaction.
func (s *Service) Compact(ctx context.Context, source string) (store.CompactResult, error) {
	st, err := s.Store(source)
	if err != nil {
		return store.CompactResult{}, err
	}
	if s.compactions.InFlight(source) {
		s.logger.Info("compaction already running, waiting for it", "source", source)
	}
	select {
	case r := <-s.compactions.DoChan(source, st.Compact):
		return r.Val, r.Err
	case <-ctx.Done():
		return store.CompactResult{}, ctx.Err()
	}
}

// CompactIfNeeded compacts source when the configured policy asks for it.
func (s *Service) CompactIfNeeded(ctx context.Context, source string) (store.CompactResult, bool, error) {
	st, err := s.Store(source)
	if err != nil {
		return store.CompactResult{}, false, err
	}
	if !st.NeedsCompaction(s.cfg.Policy) {
		return store.CompactResult{}, false, nil
	}
	res, err := s.Compact(ctx, source)
	return res, err == nil, err
}

// SourceError ties a per-source failure to its source.
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string { return fmt.Sprintf("source %s: %v", e.Source, e.Err) }

func (e *SourceError) Unwrap() error { return e.Err }

// CompactAll runs CompactIfNeeded on every source. A failing source does
// not stop the others; all failures are joined in the returned error.
func (s *Service) CompactAll(ctx context.Context) (map[string]store.CompactResult, error) {
	sources, err := s.Sources()
	if err != nil {
		return nil, err
	}
	out := make(map[string]store.CompactResult)
	var errs []error
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, compacted, err := s.CompactIfNeeded(ctx, source)
		if err != nil {
			s.logger.Error("compaction failed", "source", source, "error", err)
			errs = append(errs, &SourceError{Source: source, Err: err})
			continue
		}
		if compacted {
			out[source] = res
		}
	}
	return out, errors.Join(errs...)
}

// ExportAll writes the legacy snapshot of every source and returns the
// written paths by source.
func (s *Service) ExportAll(ctx context.Context) (map[string]string, error) {
	sources, err := s.Sources()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	var errs []error
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		st, err := s.Store(source)
		if err == nil {
			var path string
			if path, err = st.ExportLegacy(); err == nil {
				out[source] = path
				continue
			}
		}
		s.logger.Error("export failed", "source", source, "error", err)
		errs = append(errs, &SourceError{Source: source, Err: err})
	}
	return out, errors.Join(errs...)
}

// Close closes every open store.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for name, st := range s.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, &SourceError{Source: name, Err: err})
		}
	}
	clear(s.stores)
	return errors.Join(errs...)
}
