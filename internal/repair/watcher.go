package repair

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"codebridge/internal/logging"
)

// Watcher serves the table described by a policy file and swaps in a new
// table whenever the file changes. A file that fails to load leaves the
// previous table in place. Watcher is itself a Fixer, so the controller
// never sees the reload.
type Watcher struct {
	path    string
	current atomic.Pointer[Table]

	mu          sync.Mutex
	watcher     *fsnotify.Watcher
	pending     time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats WatcherStats
}

// WatcherStats tracks reload activity.
type WatcherStats struct {
	Reloads     int
	Errors      int
	LastReload  time.Time
	LastError   string
	LastEventOp string
	LastEventAt time.Time
}

// NewWatcher loads the policy once; an unreadable file is an error here.
func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("repair policy watcher needs a file path")
	}
	table, err := LoadTable(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		path:        filepath.Clean(path),
		watcher:     fw,
		debounceDur: 200 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	w.current.Store(table)
	return w, nil
}

// Fix delegates to the current table.
func (w *Watcher) Fix(code, stderr string) (string, bool) {
	return w.current.Load().Fix(code, stderr)
}

// Match delegates to the current table.
func (w *Watcher) Match(code, stderr string) (string, string, bool) {
	return w.current.Load().Match(code, stderr)
}

// Table returns the table in effect.
func (w *Watcher) Table() *Table {
	return w.current.Load()
}

// Stats returns a copy of the reload statistics.
func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Start watches the policy file's directory; editors often replace files
// by rename, which a watch on the file itself would miss.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		return err
	}
	logging.Repair("Watching repair policy %s", w.path)

	go w.run(ctx)
	return nil
}

// Stop ends watching and releases the fsnotify handle.
func (w *Watcher) Stop() {
	w.mu.Lock()
	wasRunning := w.running
	w.running = false
	w.mu.Unlock()

	if wasRunning {
		close(w.stopCh)
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		logging.RepairWarn("Policy watcher close: %v", err)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
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
			logging.RepairWarn("Policy watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.stats.LastError = err.Error()
			w.mu.Unlock()

		case <-ticker.C:
			w.processPending()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}
	logging.RepairDebug("Policy event %s on %s", event.Op, event.Name)

	w.mu.Lock()
	w.pending = time.Now()
	w.stats.LastEventOp = event.Op.String()
	w.stats.LastEventAt = w.pending
	w.mu.Unlock()
}

func (w *Watcher) processPending() {
	w.mu.Lock()
	if w.pending.IsZero() || time.Since(w.pending) < w.debounceDur {
		w.mu.Unlock()
		return
	}
	w.pending = time.Time{}
	w.mu.Unlock()

	w.Reload()
}

// Reload re-reads the policy file now.
func (w *Watcher) Reload() error {
	table, err := LoadTable(w.path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.stats.Errors++
		w.stats.LastError = err.Error()
		logging.RepairWarn("Keeping previous repair table: %v", err)
		return err
	}
	w.current.Store(table)
	w.stats.Reloads++
	w.stats.LastReload = time.Now()
	logging.Repair("Reloaded repair policy: %d imports, rules %v", len(table.imports), table.RuleNames())
	return nil
}
