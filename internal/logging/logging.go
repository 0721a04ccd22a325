// Package logging provides utilities for structured logging across optrack.
//
// Design principles:
//   - Logging is dependency-injected, never global
//   - Each component owns its own scoped logger
//   - Logger scoping happens once at construction time
//   - slog.With() is used to attach default attributes ("component", "source")
//   - If no logger is provided, a discard logger is used
//
// Global configuration (output format, level, destination) belongs only in main().
// Components must never call slog.SetDefault or access global loggers.
//
// Logging is intentionally sparse:
//   - No logging inside tight loops (log scans, bulk upserts) above debug level
//   - Lifecycle boundaries and skipped/corrupt data are the intended log points
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// discardHandler is a handler that discards all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that discards all output.
// Use this as a default when no logger is provided.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns the provided logger if non-nil, otherwise returns a discard logger.
// This is the standard pattern for optional logger parameters:
//
//	func NewComponent(logger *slog.Logger) *Component {
//	    logger = logging.Default(logger)
//	    return &Component{logger: logger.With("component", "name")}
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// componentKey is the attribute key components scope their loggers with.
const componentKey = "component"

// levels is the mutable level table shared by a filter handler and all of
// its WithAttrs/WithGroup clones.
type levels struct {
	mu        sync.RWMutex
	def       slog.Level
	overrides map[string]slog.Level
}

// floor returns the lowest level any component may currently emit at.
func (l *levels) floor() slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lvl := l.def
	for _, o := range l.overrides {
		if o < lvl {
			lvl = o
		}
	}
	return lvl
}

func (l *levels) forComponent(component string) slog.Level {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if component != "" {
		if o, ok := l.overrides[component]; ok {
			return o
		}
	}
	return l.def
}

// ComponentFilterHandler filters records by a per-component minimum level.
// The component is taken from a "component" attribute, either pre-attached
// via Logger.With or passed on the individual record. Records without a
// component use the default level.
type ComponentFilterHandler struct {
	next      slog.Handler
	levels    *levels
	component string // set when a WithAttrs clone carries a component attribute
}

// NewComponentFilterHandler wraps next with per-component level filtering.
// next should accept all levels; filtering happens here.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next: next,
		levels: &levels{
			def:       defaultLevel,
			overrides: make(map[string]slog.Level),
		},
	}
}

// SetLevel overrides the minimum level for one component.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	h.levels.overrides[component] = level
}

// ClearLevel removes a component override. Unknown components are a no-op.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.mu.Lock()
	defer h.levels.mu.Unlock()
	delete(h.levels.overrides, component)
}

// Level returns the effective level for a component.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	return h.levels.forComponent(component)
}

// DefaultLevel returns the level used for components without an override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	h.levels.mu.RLock()
	defer h.levels.mu.RUnlock()
	return h.levels.def
}

func (h *ComponentFilterHandler) Enabled(_ context.Context, level slog.Level) bool {
	if h.component != "" {
		return level >= h.levels.forComponent(h.component)
	}
	// The record may still carry a component attribute, so only the lowest
	// configured level can be rejected here. Handle makes the final call.
	return level >= h.levels.floor()
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.component
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == componentKey {
			component = a.Value.String()
			return false
		}
		return true
	})
	if r.Level < h.levels.forComponent(component) {
		return nil
	}
	if h.next == nil {
		return nil
	}
	return h.next.Handle(ctx, r)
}

func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	component := h.component
	for _, a := range attrs {
		if a.Key == componentKey {
			component = a.Value.String()
		}
	}
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithAttrs(attrs)
	}
	return &ComponentFilterHandler{next: next, levels: h.levels, component: component}
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	var next slog.Handler
	if h.next != nil {
		next = h.next.WithGroup(name)
	}
	return &ComponentFilterHandler{next: next, levels: h.levels, component: h.component}
}

// ParseLevelSpec parses a level specification of the form
// "info" or "warn,store=debug,seen-tracker=error". It returns the default
// level (the last bare level, info if none) and the per-component overrides.
func ParseLevelSpec(spec string) (slog.Level, map[string]slog.Level, error) {
	def := slog.LevelInfo
	overrides := make(map[string]slog.Level)
	for part := range strings.SplitSeq(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		component, levelStr, hasComponent := strings.Cut(part, "=")
		if !hasComponent {
			levelStr = component
		}
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(strings.TrimSpace(levelStr))); err != nil {
			return 0, nil, fmt.Errorf("invalid log level %q: %w", levelStr, err)
		}
		if hasComponent {
			overrides[strings.TrimSpace(component)] = lvl
		} else {
			def = lvl
		}
	}
	return def, overrides, nil
}
