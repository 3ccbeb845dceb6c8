package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// DefaultDebounce collapses the burst of events a single save produces.
const DefaultDebounce = 2 * time.Second

// Watcher emits due signals when a workbook file backing a mapping changes.
//
// Parent directories are watched rather than the files themselves because
// spreadsheet applications save by writing a temp file and renaming it over
// the original, which drops a watch on the file.
type Watcher struct {
	runner   Runner
	debounce time.Duration
	paths    map[string][]string // cleaned workbook path -> mapping ids

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewWatcher selects the workbook-backed mappings. Mappings of other source
// types are ignored.
func NewWatcher(r Runner, mappings []core.WorksheetMapping, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		runner:   r,
		debounce: debounce,
		paths:    make(map[string][]string),
		timers:   make(map[string]*time.Timer),
	}
	for _, m := range mappings {
		if m.Source.Type != core.SourceWorkbook {
			continue
		}
		p := cleanPath(m.Source.ID)
		w.paths[p] = append(w.paths[p], m.ID)
	}
	return w
}

// Empty reports whether no mapping is watched.
func (w *Watcher) Empty() bool {
	return len(w.paths) == 0
}

// Run watches until ctx is cancelled, then waits for cycles it started.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Empty() {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	dirs := make(map[string]bool)
	for p := range w.paths {
		dir := filepath.Dir(p)
		if dirs[dir] {
			continue
		}
		if err := fw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}
	slog.Info("watcher started", "files", len(w.paths), "debounce", w.debounce)

	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("watcher stopped")
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("file watcher error", "error", err)
		}
	}
}

// handle schedules a debounced cycle for every mapping backed by the
// changed file and returns their ids.
func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) []string {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return nil
	}
	ids := w.paths[cleanPath(ev.Name)]
	for _, id := range ids {
		w.schedule(ctx, id)
	}
	return ids
}

func (w *Watcher) schedule(ctx context.Context, mappingID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[mappingID]; ok && t.Stop() {
		t.Reset(w.debounce)
		return
	}

	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()

		w.mu.Lock()
		if w.timers[mappingID] == t {
			delete(w.timers, mappingID)
		}
		w.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		slog.Debug("workbook changed", "mapping_id", mappingID)
		if rec, err := w.runner.RunCycle(core.ContextWithTrigger(ctx, core.TriggerWatch), mappingID); err != nil {
			slog.Warn("watch cycle failed", "mapping_id", mappingID, "failed_in", rec.FailedIn, "error", err)
		}
	})
	w.timers[mappingID] = t
}

// stop cancels pending timers and waits for running cycles.
func (w *Watcher) stop() {
	w.mu.Lock()
	for id, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func cleanPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}
