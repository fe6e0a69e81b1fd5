package signal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"citywatch/internal/logging"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Handler receives each parsed signal. Handlers run on the watcher
// goroutine, so long-running work should hand off internally.
type Handler func(ctx context.Context, sig Signal)

// Watcher monitors the spool directory for *.json signal files,
// debounces rapid writes, and dispatches each settled file exactly once.
// Processed files are moved to spool/processed; malformed ones to
// spool/rejected.
type Watcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	spoolDir    string
	handler     Handler
	log         *zap.Logger
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats Stats
}

// Stats tracks watcher activity.
type Stats struct {
	FilesSeen  int
	Dispatched int
	Rejected   int
	Errors     int
}

func NewWatcher(spoolDir string, handler Handler, log *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{
		watcher:     fsw,
		spoolDir:    spoolDir,
		handler:     handler,
		log:         log,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching the spool directory and drains any signals
// already spooled. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.spoolDir, 0755); err != nil {
		return err
	}
	if err := w.watcher.Add(w.spoolDir); err != nil {
		return err
	}
	logging.Signal("watching spool directory: %s", w.spoolDir)

	w.drainExisting(ctx)
	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		w.log.Error("closing spool watcher", zap.Error(err))
	}
	logging.Signal("spool watcher stopped")
}

// Running reports whether the event loop is active.
func (w *Watcher) Running() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStats returns a snapshot of watcher activity.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// drainExisting dispatches signals spooled before the watcher started.
func (w *Watcher) drainExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.spoolDir)
	if err != nil {
		w.log.Warn("reading spool directory", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		w.process(ctx, filepath.Join(w.spoolDir, entry.Name()))
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("spool watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".json") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	logging.Signal("spool event: %s %s", event.Op, event.Name)

	w.mu.Lock()
	w.debounceMap[event.Name] = time.Now()
	w.mu.Unlock()
}

// processSettled dispatches files whose events settled past the
// debounce window.
func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	for _, path := range settled {
		w.process(ctx, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	w.mu.Lock()
	w.stats.FilesSeen++
	w.mu.Unlock()

	sig, err := ParseFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.log.Warn("rejecting malformed signal",
			zap.String("path", path),
			zap.Error(err))
		w.archive(path, "rejected")
		w.mu.Lock()
		w.stats.Rejected++
		w.mu.Unlock()
		return
	}

	logging.Signal("signal %s: %s", sig.ID, sig.Topic())
	w.handler(ctx, sig)
	w.archive(path, "processed")

	w.mu.Lock()
	w.stats.Dispatched++
	w.mu.Unlock()
}

// archive moves a spool file into a subdirectory so it is never
// dispatched twice.
func (w *Watcher) archive(path, subdir string) {
	dir := filepath.Join(w.spoolDir, subdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		w.log.Warn("creating archive dir", zap.Error(err))
		return
	}
	if err := os.Rename(path, filepath.Join(dir, filepath.Base(path))); err != nil && !os.IsNotExist(err) {
		w.log.Warn("archiving spool file", zap.String("path", path), zap.Error(err))
	}
}
