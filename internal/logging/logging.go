// Package logging wires structured logging through the depot core without a
// global logger: every constructor of a component that logs takes an
// *slog.Logger, substitutes a discard logger when none is given, and scopes
// it with a "component" attribute. Nothing in this module calls slog.SetDefault; output format,
// destination, and level selection belong to main() alone.
//
// Logging here is deliberately sparse: lifecycle boundaries (a pack sealed,
// a submit launched or committed, a ticket reaped) are logged; hot inner
// loops (the chunker's byte scan, the tree arena's per-file placement) are
// not.
package logging

import (
	"context"
	"log/slog"
	"sync"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (h discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h discardHandler) WithGroup(string) slog.Handler           { return h }

// Discard returns a logger that drops everything written to it.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default substitutes a discard logger for a nil logger parameter, the
// standard shape every logging constructor in this module follows:
//
//	func Open(root string, limits Limits, logger *slog.Logger) (*Manager, error) {
//	    logger = logging.Default(logger).With("component", "repository")
//	    ...
//	}
func Default(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return Discard()
	}
	return logger
}

// ComponentFilterHandler wraps a base slog.Handler and lets an operator set
// a minimum level per "component" attribute at runtime, independent of the
// handler's own level. Components that never call SetLevel fall back to a
// single default level.
type ComponentFilterHandler struct {
	next         slog.Handler
	defaultLevel slog.Level

	// boundComponent is set once a WithAttrs/With call has fixed the
	// "component" attribute for every record this handler (or a derivative)
	// will ever emit, so Handle doesn't need to re-scan the record's attrs.
	boundComponent string
	componentBound bool

	levels *componentLevels
}

// componentLevels is the mutable level table shared by a ComponentFilterHandler
// and every handler derived from it via WithAttrs/WithGroup.
type componentLevels struct {
	mu     sync.RWMutex
	byName map[string]slog.Level
}

func (l *componentLevels) get(component string) (slog.Level, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lvl, ok := l.byName[component]
	return lvl, ok
}

func (l *componentLevels) set(component string, level slog.Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byName[component] = level
}

func (l *componentLevels) clear(component string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byName, component)
}

// NewComponentFilterHandler returns a handler over next whose per-record
// minimum level defaults to defaultLevel until SetLevel names a component
// explicitly.
func NewComponentFilterHandler(next slog.Handler, defaultLevel slog.Level) *ComponentFilterHandler {
	return &ComponentFilterHandler{
		next:         next,
		defaultLevel: defaultLevel,
		levels:       &componentLevels{byName: make(map[string]slog.Level)},
	}
}

// Enabled always defers to Handle: the component attribute that decides the
// effective minimum level isn't available until the record itself exists.
func (h *ComponentFilterHandler) Enabled(context.Context, slog.Level) bool {
	return true
}

func (h *ComponentFilterHandler) Handle(ctx context.Context, r slog.Record) error {
	component := h.boundComponent
	if !h.componentBound {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key != "component" {
				return true
			}
			if s, ok := a.Value.Resolve().Any().(string); ok {
				component = s
			}
			return false
		})
	}

	minLevel := h.defaultLevel
	if lvl, ok := h.levels.get(component); ok {
		minLevel = lvl
	}
	if r.Level < minLevel {
		return nil
	}
	if !h.next.Enabled(ctx, r.Level) {
		return nil
	}
	return h.next.Handle(ctx, r)
}

// WithAttrs binds "component", if present in attrs, as this handler's fixed
// component for every future record — matching how every package in this
// module that logs calls logger.With("component", "<name>") exactly once at
// construction.
func (h *ComponentFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	derived := &ComponentFilterHandler{
		next:           h.next.WithAttrs(attrs),
		defaultLevel:   h.defaultLevel,
		boundComponent: h.boundComponent,
		componentBound: h.componentBound,
		levels:         h.levels,
	}
	for _, a := range attrs {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				derived.boundComponent = s
				derived.componentBound = true
			}
		}
	}
	return derived
}

func (h *ComponentFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilterHandler{
		next:           h.next.WithGroup(name),
		defaultLevel:   h.defaultLevel,
		boundComponent: h.boundComponent,
		componentBound: h.componentBound,
		levels:         h.levels,
	}
}

// SetLevel overrides the minimum level for component, effective immediately
// across every handler sharing this filter's level table.
func (h *ComponentFilterHandler) SetLevel(component string, level slog.Level) {
	h.levels.set(component, level)
}

// ClearLevel reverts component to DefaultLevel. A no-op if it had no
// override.
func (h *ComponentFilterHandler) ClearLevel(component string) {
	h.levels.clear(component)
}

// Level returns component's effective minimum level.
func (h *ComponentFilterHandler) Level(component string) slog.Level {
	if lvl, ok := h.levels.get(component); ok {
		return lvl
	}
	return h.defaultLevel
}

// DefaultLevel returns the level applied to components with no override.
func (h *ComponentFilterHandler) DefaultLevel() slog.Level {
	return h.defaultLevel
}
