// Package seen tracks which identifiers have been observed per source.
//
// Seen-sets only grow: nothing is ever removed or expired. Each change is
// persisted before Add returns, so a crash never forgets an identifier that
// a caller was told is new.
package seen

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"optrack/internal/idset"
	"optrack/internal/logging"
)

// Config configures a Tracker.
type Config struct {
	// Dir holds the per-source seen files. Ignored when Store is set.
	Dir string

	// Store overrides file persistence, e.g. with a MemoryStore in tests.
	// If both Dir and Store are empty, seen-sets live in memory only.
	Store Store

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	// The tracker scopes this logger with component="seen-tracker".
	Logger *slog.Logger
}

// Tracker holds the seen-set of every source. Safe for concurrent use.
//
// Logging:
//   - Logger is dependency-injected via Config.Logger
//   - Tracker owns its scoped logger (component="seen-tracker")
//   - Loading, migration and additions log at info; unreadable files at warn
type Tracker struct {
	mu    sync.RWMutex
	sets  map[string]idset.Set
	store Store

	logger *slog.Logger
}

// New creates a Tracker and loads every persisted seen-set. Unreadable files
// degrade to empty sets with a warning; only a failure to list the
// directory is returned.
func New(cfg Config) (*Tracker, error) {
	logger := logging.Default(cfg.Logger).With("component", "seen-tracker")

	st := cfg.Store
	switch {
	case st != nil:
	case cfg.Dir != "":
		st = NewFileStore(cfg.Dir, cfg.Now, logger)
	default:
		st = NewMemoryStore()
	}

	sets, err := st.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load seen ids: %w", err)
	}
	if sets == nil {
		sets = make(map[string]idset.Set)
	}

	t := &Tracker{sets: sets, store: st, logger: logger}
	total := 0
	for _, ids := range sets {
		total += ids.Len()
	}
	logger.Info("loaded seen ids", "sources", len(sets), "ids", total)
	return t, nil
}

// IDs returns a copy of the seen-set of source; empty for unknown sources.
func (t *Tracker) IDs(source string) idset.Set {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sets[source].Clone()
}

// Has reports whether id has been seen for source.
func (t *Tracker) Has(source, id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sets[source].Has(id)
}

// Count returns the size of the seen-set of source.
func (t *Tracker) Count(source string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sets[source].Len()
}

// Sources lists every tracked source in lexical order.
func (t *Tracker) Sources() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.sets))
	for src := range t.sets {
		out = append(out, src)
	}
	slices.Sort(out)
	return out
}

// Add merges ids into the seen-set of source and returns how many were not
// seen before. Empty ids are ignored. The set is persisted only when it
// changed. If persisting fails the in-memory set is left unchanged.
func (t *Tracker) Add(source string, ids idset.Set) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current := t.sets[source]
	fresh := ids.Minus(current)
	delete(fresh, "")
	if fresh.Len() == 0 {
		return 0, nil
	}

	next := current.Union(fresh)
	if err := t.store.Save(source, next); err != nil {
		return 0, err
	}
	t.sets[source] = next
	t.logger.Info("added seen ids", "source", source, "new", fresh.Len(), "total", next.Len())
	return fresh.Len(), nil
}

// AddOne adds a single id and reports whether it was new.
func (t *Tracker) AddOne(source, id string) (bool, error) {
	n, err := t.Add(source, idset.Of(id))
	return n > 0, err
}
