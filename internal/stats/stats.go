// Package stats reports per-source storage and tracking state.
//
// Collection is read-only: it reads index, legacy and run-report files
// directly and takes no store locks, so it can run next to a writer.
package stats

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"time"

	"optrack/internal/idset"
	"optrack/internal/logging"
	"optrack/internal/reconcile"
	"optrack/internal/store"

	"golang.org/x/sync/errgroup"
)

// Storage formats a source can be in.
const (
	FormatAppendOnly = "append_only"
	FormatLegacyJSON = "legacy_json"
	FormatUnknown    = "unknown"
)

// recentRuns is how many run reports are searched for the latest pull.
const recentRuns = 5

// SeenSource supplies seen-sets. *seen.Tracker satisfies it.
type SeenSource interface {
	IDs(source string) idset.Set
	Sources() []string
}

// Storage holds on-disk sizes in bytes.
type Storage struct {
	LegacyJSON int64 `json:"legacy_json_size"`
	JSONL      int64 `json:"jsonl_size"`
	Index      int64 `json:"index_size"`
	CSV        int64 `json:"csv_size"`
	Archives   int64 `json:"archive_size"`
	Total      int64 `json:"total_size"`
}

// Pull describes the most recent reconciliation run that found something.
type Pull struct {
	Timestamp  time.Time `json:"timestamp"`
	NewGrants  int       `json:"new_grants"`
	TotalFound int       `json:"total_found"`
	NewIDs     []string  `json:"new_ids,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
}

// Source is the report for one source.
type Source struct {
	Name          string    `json:"source"`
	StorageFormat string    `json:"storage_format"`
	RecordCount   int       `json:"grant_count"`
	SeenCount     int       `json:"seen_ids_count"`
	PendingCount  int       `json:"pending_count"`
	PendingIDs    []string  `json:"pending_ids,omitempty"`
	LogLines      int64     `json:"log_lines"`
	LastUpdated   time.Time `json:"last_updated"`
	Storage       Storage   `json:"storage_stats"`
	LatestPull    Pull      `json:"latest_pull"`
}

// Summary totals every source.
type Summary struct {
	Sources      int   `json:"sources"`
	Records      int   `json:"total_grants"`
	Seen         int   `json:"total_seen_ids"`
	Pending      int   `json:"total_pending"`
	StorageBytes int64 `json:"total_storage_size"`
}

// Report is a full stats run.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	Sources     []Source  `json:"sources"`
	Summary     Summary   `json:"summary"`
}

// Config configures a Collector.
type Config struct {
	DataDir string
	RunsDir string
	Seen    SeenSource

	// Concurrency bounds how many sources are read at once. Defaults to 4.
	Concurrency int

	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	// The collector scopes this logger with component="stats".
	Logger *slog.Logger
}

type Collector struct {
	cfg    Config
	logger *slog.Logger
}

func NewCollector(cfg Config) *Collector {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Collector{cfg: cfg, logger: logging.Default(cfg.Logger).With("component", "stats")}
}

// Sources returns every source known from store files or seen-sets.
func (c *Collector) Sources() ([]string, error) {
	sources, err := store.Discover(c.cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if c.cfg.Seen != nil {
		for _, s := range c.cfg.Seen.Sources() {
			if !slices.Contains(sources, s) {
				sources = append(sources, s)
			}
		}
	}
	slices.Sort(sources)
	return sources, nil
}

// Collect builds the report for the given sources, or for every known
// source if none are given. Sources are read concurrently; a source whose
// files are unreadable is reported with what could be read and a warning.
func (c *Collector) Collect(ctx context.Context, sources ...string) (*Report, error) {
	if len(sources) == 0 {
		var err error
		if sources, err = c.Sources(); err != nil {
			return nil, err
		}
	}

	reports, err := reconcile.LoadRecentReports(c.cfg.RunsDir, recentRuns)
	if err != nil {
		c.logger.Warn("run reports unreadable", "error", err)
	}

	out := make([]Source, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for i, name := range sources {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = c.collectSource(name, reports)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r := &Report{GeneratedAt: c.cfg.Now(), Sources: out}
	r.Summary.Sources = len(out)
	for _, s := range out {
		r.Summary.Records += s.RecordCount
		r.Summary.Seen += s.SeenCount
		r.Summary.Pending += s.PendingCount
		r.Summary.StorageBytes += s.Storage.Total
	}
	return r, nil
}

func (c *Collector) collectSource(name string, reports []*reconcile.Report) Source {
	logger := c.logger.With("source", name)
	files := store.FilesFor(c.cfg.DataDir, name)
	s := Source{Name: name, StorageFormat: FormatUnknown}

	s.Storage.LegacyJSON = fileSize(files.Legacy)
	s.Storage.JSONL = fileSize(files.Data)
	s.Storage.Index = fileSize(files.Index)
	s.Storage.CSV = fileSize(files.CSV)
	if archives, err := store.ListArchives(c.cfg.DataDir, name); err == nil {
		for _, a := range archives {
			s.Storage.Archives += fileSize(a)
		}
	}
	s.Storage.Total = s.Storage.LegacyJSON + s.Storage.JSONL + s.Storage.Index + s.Storage.CSV + s.Storage.Archives

	stored := idset.Of()
	if idx, err := store.ReadIndex(files.Index); err == nil {
		s.StorageFormat = FormatAppendOnly
		s.RecordCount = len(idx.Index)
		if idx.LogLines != nil {
			s.LogLines = *idx.LogLines
		}
		if t, ok := idx.LastUpdatedTime(); ok {
			s.LastUpdated = t
		}
		for id := range idx.Index {
			stored.Add(id)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		logger.Warn("index unreadable", "error", err)
	}

	if s.StorageFormat == FormatUnknown {
		if doc, err := store.LoadLegacy(files.Legacy); err == nil {
			s.StorageFormat = FormatLegacyJSON
			s.RecordCount = len(doc.Grants)
			if t, ok := store.ParseTimestamp(doc.LastUpdated); ok {
				s.LastUpdated = t
			}
			for id := range doc.Grants {
				stored.Add(id)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("legacy snapshot unreadable", "error", err)
		}
	}

	if c.cfg.Seen != nil {
		seenIDs := c.cfg.Seen.IDs(name)
		pending := seenIDs.Minus(stored)
		s.SeenCount = seenIDs.Len()
		s.PendingCount = pending.Len()
		s.PendingIDs = pending.Sorted()
	}

	s.LatestPull = Pull{Timestamp: s.LastUpdated, TotalFound: s.RecordCount}
	for _, r := range reports {
		site, ok := r.Sites[name]
		if !ok || site.NewCount == 0 {
			continue
		}
		ts, _ := r.CompletedTime()
		s.LatestPull = Pull{
			Timestamp:  ts,
			NewGrants:  site.NewCount,
			TotalFound: site.AfterCount,
			NewIDs:     site.NewIDs,
			RunID:      r.RunID,
		}
		break
	}
	return s
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
