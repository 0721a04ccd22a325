package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"optrack/internal/logging"
	"optrack/internal/reconcile"
)

// Inbox layout: <inbox>/<source>/<file>. Handled files are moved under
// ProcessedDir or FailedDir, keeping the source directory.
const (
	ProcessedDir = ".processed"
	FailedDir    = ".failed"
)

const (
	defaultSettle       = time.Second
	defaultPollInterval = 30 * time.Second
	movedTimeLayout     = "20060102T150405Z"
)

var inboxPatterns = []string{"*/*.{json,jsonl}", "*/*.ids"}

// Kind says how an inbox file is interpreted.
type Kind int

const (
	// KindCandidates files hold full records (.json, .jsonl).
	KindCandidates Kind = iota
	// KindObserved files hold a listing scan (.ids).
	KindObserved
)

func (k Kind) String() string {
	switch k {
	case KindCandidates:
		return "candidates"
	case KindObserved:
		return "observed"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

func kindOf(path string) Kind {
	if filepath.Ext(path) == ".ids" {
		return KindObserved
	}
	return KindCandidates
}

// Handler receives parsed inbox files. An error moves the file to FailedDir.
type Handler interface {
	HandleCandidates(ctx context.Context, source string, c Candidates) error
	HandleObserved(ctx context.Context, source string, obs reconcile.Observation) error
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Inbox   string
	Handler Handler

	// Extractors maps a source to its identifier extractor.
	Extractors map[string]*Extractor

	// Settle is how long a file must go unmodified before it is read.
	// Defaults to one second.
	Settle time.Duration

	// PollInterval rescans the inbox to catch missed events. Defaults to
	// 30 seconds; negative disables polling.
	PollInterval time.Duration

	Now func() time.Time

	// Logger for structured logging. If nil, logging is disabled.
	// The watcher scopes this logger with component="inbox".
	Logger *slog.Logger
}

// Watcher feeds inbox files to a Handler. Run and Drain must not be
// called concurrently.
type Watcher struct {
	cfg     WatcherConfig
	logger  *slog.Logger
	pending map[string]struct{}
}

// DrainResult counts files handled by Drain.
type DrainResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Inbox == "" {
		return nil, errors.New("inbox directory is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("inbox handler is required")
	}
	cfg.Settle = cmp.Or(cfg.Settle, defaultSettle)
	cfg.PollInterval = cmp.Or(cfg.PollInterval, defaultPollInterval)
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Watcher{
		cfg:     cfg,
		logger:  logging.Default(cfg.Logger).With("component", "inbox"),
		pending: make(map[string]struct{}),
	}, nil
}

// Drain handles every file currently in the inbox, without waiting for
// files to settle. Files are handled in path order.
func (w *Watcher) Drain(ctx context.Context) (DrainResult, error) {
	var res DrainResult
	paths, err := w.discover()
	if err != nil {
		return res, err
	}
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		err := w.handle(ctx, path)
		switch {
		case err == nil:
			res.Processed++
		case interrupted(err):
			return res, err
		default:
			res.Failed++
		}
	}
	return res, nil
}

// Run watches the inbox until ctx is cancelled. Files already present are
// handled once they settle, as are files created later.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Inbox, 0o750); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	dirs, err := w.sourceDirs()
	if err != nil {
		return err
	}
	for _, dir := range append([]string{w.cfg.Inbox}, dirs...) {
		if err := watcher.Add(dir); err != nil {
			w.logger.Warn("failed to watch directory", "dir", dir, "error", err)
		}
	}
	w.rescan()
	w.logger.Info("watching inbox", "dir", w.cfg.Inbox, "sources", len(dirs))

	settle := time.NewTicker(max(w.cfg.Settle/2, 10*time.Millisecond))
	defer settle.Stop()

	var pollCh <-chan time.Time
	if w.cfg.PollInterval > 0 {
		poll := time.NewTicker(w.cfg.PollInterval)
		defer poll.Stop()
		pollCh = poll.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(event, watcher)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", "error", err)

		case <-pollCh:
			w.rescan()

		case <-settle.C:
			w.flushSettled(ctx)
		}
	}
}

func (w *Watcher) handleFSEvent(event fsnotify.Event, watcher *fsnotify.Watcher) {
	switch {
	case event.Has(fsnotify.Create) || event.Has(fsnotify.Write):
		if w.isSourceDir(event.Name) {
			if err := watcher.Add(event.Name); err != nil {
				w.logger.Warn("failed to watch directory", "dir", event.Name, "error", err)
			}
			// Files may have landed before the watch was added.
			w.rescan()
			return
		}
		if w.matches(event.Name) {
			w.pending[event.Name] = struct{}{}
		}

	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		delete(w.pending, event.Name)
	}
}

func (w *Watcher) rescan() {
	paths, err := w.discover()
	if err != nil {
		w.logger.Warn("inbox discovery failed", "error", err)
		return
	}
	for _, p := range paths {
		w.pending[p] = struct{}{}
	}
}

// flushSettled handles pending files that have not been modified for the
// settle period.
func (w *Watcher) flushSettled(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	now := w.cfg.Now()
	var ready []string
	for path := range w.pending {
		info, err := os.Stat(path)
		if err != nil {
			delete(w.pending, path)
			continue
		}
		if now.Sub(info.ModTime()) >= w.cfg.Settle {
			ready = append(ready, path)
		}
	}
	slices.Sort(ready)
	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		delete(w.pending, path)
		if err := w.handle(ctx, path); interrupted(err) {
			w.pending[path] = struct{}{}
		}
	}
}

// handle reads, dispatches and moves one file. A file whose handling was
// interrupted by cancellation stays in the inbox.
func (w *Watcher) handle(ctx context.Context, path string) error {
	source := w.sourceOf(path)
	kind := kindOf(path)
	logger := w.logger.With("source", source, "file", filepath.Base(path), "kind", kind)

	err := w.dispatch(ctx, source, kind, path)
	if interrupted(err) {
		logger.Info("inbox file interrupted, left in place", "error", err)
		return err
	}
	dest := ProcessedDir
	if err != nil {
		dest = FailedDir
		logger.Error("inbox file failed", "error", err)
	} else {
		logger.Info("inbox file processed")
	}
	if mvErr := w.move(path, source, dest); mvErr != nil {
		logger.Warn("failed to move inbox file", "dest", dest, "error", mvErr)
	}
	return err
}

func interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (w *Watcher) dispatch(ctx context.Context, source string, kind Kind, path string) error {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	switch kind {
	case KindObserved:
		obs, skipped, err := ReadObserved(f)
		if err != nil {
			return err
		}
		if skipped > 0 {
			w.logger.Warn("skipped observed lines", "source", source, "skipped", skipped)
		}
		return w.cfg.Handler.HandleObserved(ctx, source, obs)
	default:
		c, err := NewReader(w.cfg.Extractors[source], w.cfg.Logger).Read(f)
		if err != nil {
			return err
		}
		return w.cfg.Handler.HandleCandidates(ctx, source, c)
	}
}

func (w *Watcher) move(path, source, dest string) error {
	dir := filepath.Join(w.cfg.Inbox, dest, source)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	name := w.cfg.Now().UTC().Format(movedTimeLayout) + "-" + filepath.Base(path)
	return os.Rename(path, filepath.Join(dir, name))
}

// discover lists inbox files in path order, skipping hidden sources and
// hidden files (in-progress writes).
func (w *Watcher) discover() ([]string, error) {
	var out []string
	for _, pattern := range inboxPatterns {
		matches, err := doublestar.Glob(os.DirFS(w.cfg.Inbox), pattern)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if p := filepath.Join(w.cfg.Inbox, m); w.matches(p) {
				out = append(out, p)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func (w *Watcher) sourceDirs() ([]string, error) {
	entries, err := os.ReadDir(w.cfg.Inbox)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			dirs = append(dirs, filepath.Join(w.cfg.Inbox, e.Name()))
		}
	}
	return dirs, nil
}

func (w *Watcher) isSourceDir(path string) bool {
	if filepath.Dir(path) != filepath.Clean(w.cfg.Inbox) || strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// matches reports whether path is a handleable inbox file.
func (w *Watcher) matches(path string) bool {
	rel, err := filepath.Rel(w.cfg.Inbox, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	source, name, ok := strings.Cut(rel, "/")
	if !ok || strings.HasPrefix(source, ".") || strings.HasPrefix(name, ".") {
		return false
	}
	for _, pattern := range inboxPatterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) sourceOf(path string) string {
	return filepath.Base(filepath.Dir(path))
}
