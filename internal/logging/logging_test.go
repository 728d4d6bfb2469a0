package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestDiscardNeverPanics(t *testing.T) {
	logger := Discard()
	if logger == nil {
		t.Fatal("Discard() returned nil")
	}
	logger.Info("should vanish")
	logger.Error("should also vanish")
}

func TestDefaultSubstitutesDiscardOnlyForNil(t *testing.T) {
	if got := Default(nil); got.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Default(nil) must be a discard logger")
	}

	var buf bytes.Buffer
	real := slog.New(slog.NewTextHandler(&buf, nil))
	if got := Default(real); got != real {
		t.Error("Default(logger) must return the same logger unchanged")
	}
}

// recorder is a minimal slog.Handler that appends every accepted record to a
// shared slice, so derived handlers (via WithAttrs/WithGroup) still feed the
// same count.
type recorder struct {
	mu   *sync.Mutex
	logs *[]slog.Record
}

func newRecorder() *recorder {
	return &recorder{mu: &sync.Mutex{}, logs: &[]slog.Record{}}
}

func (r *recorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *recorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.logs = append(*r.logs, rec)
	return nil
}

func (r *recorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *recorder) WithGroup(string) slog.Handler      { return r }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(*r.logs)
}

func TestComponentFilterHandlerDefaultLevelGate(t *testing.T) {
	cases := []struct {
		name      string
		level     slog.Level
		wantLogs  int
		component string
	}{
		{"info passes at default info", slog.LevelInfo, 1, "repository"},
		{"warn passes at default info", slog.LevelWarn, 1, "repository"},
		{"debug blocked at default info", slog.LevelDebug, 0, "repository"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := newRecorder()
			filter := NewComponentFilterHandler(rec, slog.LevelInfo)
			logger := slog.New(filter)
			logger.Log(context.Background(), tc.level, "msg", "component", tc.component)
			if got := rec.count(); got != tc.wantLogs {
				t.Errorf("got %d records, want %d", got, tc.wantLogs)
			}
		})
	}
}

func TestComponentFilterHandlerPerComponentOverride(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Debug("hidden", "component", "tree")
	if rec.count() != 0 {
		t.Fatalf("expected debug to be filtered before override, got %d", rec.count())
	}

	filter.SetLevel("tree", slog.LevelDebug)
	logger.Debug("visible now", "component", "tree")
	if rec.count() != 1 {
		t.Errorf("expected 1 record after override, got %d", rec.count())
	}

	// A sibling component with no override stays at the default.
	logger.Debug("still hidden", "component", "submit")
	if rec.count() != 1 {
		t.Errorf("unrelated component should not inherit the override, got %d", rec.count())
	}

	filter.ClearLevel("tree")
	logger.Debug("hidden again", "component", "tree")
	if rec.count() != 1 {
		t.Errorf("expected override removal to restore filtering, got %d", rec.count())
	}
}

func TestComponentFilterHandlerLevelAccessors(t *testing.T) {
	filter := NewComponentFilterHandler(Discard().Handler(), slog.LevelWarn)

	if lvl := filter.Level("unconfigured"); lvl != slog.LevelWarn {
		t.Errorf("unconfigured component should report the default, got %v", lvl)
	}
	if lvl := filter.DefaultLevel(); lvl != slog.LevelWarn {
		t.Errorf("DefaultLevel() = %v, want LevelWarn", lvl)
	}

	filter.SetLevel("repository", slog.LevelError)
	if lvl := filter.Level("repository"); lvl != slog.LevelError {
		t.Errorf("Level(repository) = %v, want LevelError", lvl)
	}

	filter.ClearLevel("never-set") // must not panic
}

func TestComponentFilterHandlerBoundComponentSurvivesWith(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)

	// Mirrors how every logging package in this module scopes its logger once at
	// construction: logging.Default(l).With("component", "<name>").
	scoped := slog.New(filter).With("component", "wal")

	filter.SetLevel("wal", slog.LevelDebug)
	scoped.Debug("replaying log")
	if rec.count() != 1 {
		t.Errorf("expected the pre-bound component to pick up the override, got %d records", rec.count())
	}
}

func TestComponentFilterHandlerNoComponentAttrUsesDefault(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	logger.Info("no component here")
	logger.Debug("still no component")
	if rec.count() != 1 {
		t.Errorf("expected only the info-level record, got %d", rec.count())
	}
}

func TestComponentFilterHandlerWithGroupStillFilters(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter.WithGroup("depot"))

	logger.Info("grouped info", "component", "tree")
	logger.Debug("grouped debug", "component", "tree")
	if rec.count() != 1 {
		t.Errorf("WithGroup should not bypass the level filter, got %d records", rec.count())
	}
}

func TestComponentFilterHandlerIsolatesTwoScopedLoggers(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filter := NewComponentFilterHandler(base, slog.LevelInfo)
	logger := slog.New(filter)

	repoLogger := logger.With("component", "repository")
	treeLogger := logger.With("component", "tree")

	repoLogger.Debug("repo debug before override")
	treeLogger.Debug("tree debug before override")
	if buf.Len() != 0 {
		t.Fatalf("expected no output before any override, got: %s", buf.String())
	}

	filter.SetLevel("repository", slog.LevelDebug)
	repoLogger.Debug("repo debug after override")
	treeLogger.Debug("tree debug after override")

	out := buf.String()
	if !strings.Contains(out, "repo debug after override") {
		t.Errorf("expected repository's debug line, got: %s", out)
	}
	if strings.Contains(out, "tree debug after override") {
		t.Errorf("tree should remain filtered, got: %s", out)
	}
}

func TestComponentFilterHandlerConcurrentAccess(t *testing.T) {
	rec := newRecorder()
	filter := NewComponentFilterHandler(rec, slog.LevelInfo)
	logger := slog.New(filter)

	const workers = 12
	const perWorker = 200

	var wg sync.WaitGroup
	wg.Add(workers * 2)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				logger.Info("steady info", "component", "shard")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				filter.SetLevel("shard", slog.LevelDebug)
				filter.ClearLevel("shard")
			}
		}()
	}
	wg.Wait()

	if got, want := rec.count(), workers*perWorker; got != want {
		t.Errorf("expected every info-level record to survive, got %d want %d", got, want)
	}
}
