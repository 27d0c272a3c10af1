// Package fswatch implements collab.Watcher over fsnotify: a recursive
// inotify/kqueue watch of the configured roots that batches raw
// filesystem events into collab.EventRecord batches and reports
// overflow (a dropped-event condition fsnotify itself can signal via a
// full kernel queue) so the core can schedule a corrective rebuild.
package fswatch

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/filetrie/filetrie/internal/collab"
)

// ApplyFunc is called with each batch fsnotify produces within one
// coalescing window.
type ApplyFunc func([]collab.EventRecord) error

// OverflowFunc is called for every error fsnotify reports, a kernel
// event queue overflow among them. A watch add that fails for a newly
// created directory is not reported.
type OverflowFunc func()

// Watcher is the production collab.Watcher, wrapping one fsnotify.Watcher
// recursively registered over every directory under the configured roots.
type Watcher struct {
	fsw      *fsnotify.Watcher
	roots    []string
	ignore   []string
	apply    ApplyFunc
	overflow OverflowFunc
	logger   log.Logger
	coalesce time.Duration

	mu sync.Mutex
}

// New creates a Watcher over roots. Run must be called to start
// delivering events; IgnorePrefixes may be called before or after Run.
func New(roots []string, apply ApplyFunc, overflow OverflowFunc, logger log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	w := &Watcher{
		fsw:      fsw,
		roots:    roots,
		apply:    apply,
		overflow: overflow,
		logger:   logger,
		coalesce: 200 * time.Millisecond,
	}
	for _, root := range roots {
		if err := w.addTree(root); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// IgnorePrefixes implements collab.Watcher.
func (w *Watcher) IgnorePrefixes(prefixes []string) {
	w.mu.Lock()
	w.ignore = append(w.ignore, prefixes...)
	w.mu.Unlock()
}

func (w *Watcher) ignored(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.ignore {
		if p != "" && (path == p || len(path) > len(p) && path[:len(p)+1] == p+string(os.PathSeparator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d == nil || !d.IsDir() {
			return nil
		}
		return w.fsw.Add(path)
	})
}

// Run drains fsnotify's event channel until done is closed, coalescing
// bursts into batches at most coalesce apart before invoking apply.
func (w *Watcher) Run(done <-chan struct{}) {
	var batch []collab.EventRecord
	timer := time.NewTimer(w.coalesce)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	flush := func() {
		if len(batch) == 0 {
			return
		}
		pending := batch
		batch = nil
		if err := w.apply(pending); err != nil {
			level.Warn(w.logger).Log("msg", "apply batch failed", "err", err)
		}
	}

	for {
		select {
		case <-done:
			flush()
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				flush()
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			rec, isDir := toEventRecord(ev)
			if isDir && ev.Op&fsnotify.Create != 0 {
				_ = w.fsw.Add(ev.Name)
			}
			if rec != nil {
				batch = append(batch, *rec)
				if !armed {
					timer.Reset(w.coalesce)
					armed = true
				}
			}

		case _, ok := <-w.fsw.Errors:
			if !ok {
				flush()
				return
			}
			w.overflow()

		case <-timer.C:
			armed = false
			flush()
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

func toEventRecord(ev fsnotify.Event) (*collab.EventRecord, bool) {
	info, statErr := os.Lstat(ev.Name)
	isDir := statErr == nil && info.IsDir()

	switch {
	case ev.Op&fsnotify.Create != 0:
		return &collab.EventRecord{Kind: collab.Create, Path: ev.Name, Timestamp: time.Now()}, isDir
	case ev.Op&fsnotify.Write != 0:
		return &collab.EventRecord{Kind: collab.Modify, Path: ev.Name, Timestamp: time.Now()}, isDir
	case ev.Op&fsnotify.Remove != 0:
		return &collab.EventRecord{Kind: collab.Delete, Path: ev.Name, Timestamp: time.Now()}, isDir
	case ev.Op&fsnotify.Rename != 0:
		// fsnotify reports a rename as a Rename on the old name; the new
		// name arrives as a separate Create. Treat the old-name event as
		// a delete and let the paired Create establish the new path.
		return &collab.EventRecord{Kind: collab.Delete, Path: ev.Name, Timestamp: time.Now()}, isDir
	default:
		return nil, isDir
	}
}
