// Package core implements TieredCore (spec §4.8): the orchestrator
// that ties the in-memory MutableDelta, the on-disk LSM directory, the
// write-ahead log and the overlay shadow state into one consistent
// query/apply/flush/compact/rebuild surface.
//
// Global mutable state is deliberately narrow: one atomic index
// pointer (deltaPtr) and two gates (applyGate, rebuildMu), matching
// spec §5's "only the atomic index pointer and the rebuild/apply gates
// have explicit lifecycles" constraint. Unlike the teacher's
// raft-wal, which wraps its whole on-disk+in-memory snapshot in one
// atomic.Value, TieredCore keeps the on-disk layer list inside
// lsmdir.Directory's own RWMutex and only atomically swaps the
// writable delta — Directory is already safe for concurrent reads, so
// duplicating its locking into a second snapshot type would just be
// two sources of truth for the same on-disk state.
package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/filetrie/filetrie/internal/collab"
	"github.com/filetrie/filetrie/internal/config"
	"github.com/filetrie/filetrie/internal/delta"
	"github.com/filetrie/filetrie/internal/ferrors"
	"github.com/filetrie/filetrie/internal/lsmdir"
	"github.com/filetrie/filetrie/internal/overlay"
	"github.com/filetrie/filetrie/internal/query"
	"github.com/filetrie/filetrie/internal/scheduler"
	"github.com/filetrie/filetrie/internal/walog"
)

// TieredCore is the single orchestrator spec §4.8 describes. Exactly
// one instance exists per daemon process.
type TieredCore struct {
	cfg    config.Config
	dir    *lsmdir.Directory
	wal    *walog.WAL
	ov     *overlay.State
	sched  *scheduler.AdaptiveScheduler
	walker collab.Walker
	alloc  collab.Allocator
	logger log.Logger

	deltaPtr atomic.Pointer[delta.MutableDelta]

	// applyGate is held in shared mode by ApplyEvents and in exclusive
	// mode by FlushNow, so a flush never observes a torn delta mid-apply.
	applyGate sync.RWMutex

	// rebuildMu serializes rebuild starts and the final pointer swap.
	rebuildMu       sync.Mutex
	rebuildInFlight int32 // atomic bool
	lastRebuildAt   time.Time

	pendingMu sync.Mutex
	pending   map[string]collab.EventRecord // nil outside a rebuild

	l1 *l1Cache
}

// New opens TieredCore against an already-opened Directory/WAL/Overlay
// triple: performs the cold-start staleness check, replays any WAL
// tail the manifest's checkpoint hasn't absorbed, and (if stale)
// schedules an immediate rebuild.
func New(cfg config.Config, dir *lsmdir.Directory, wal *walog.WAL, ov *overlay.State, sched *scheduler.AdaptiveScheduler, walker collab.Walker, alloc collab.Allocator, logger log.Logger) (*TieredCore, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if alloc == nil {
		alloc = collab.NoopAllocator{}
	}

	tc := &TieredCore{
		cfg:    cfg,
		dir:    dir,
		wal:    wal,
		ov:     ov,
		sched:  sched,
		walker: walker,
		alloc:  alloc,
		logger: logger,
		l1:     newL1Cache(),
	}

	stale, reason := isStale(cfg.Roots, dir.Manifest().LastBuildNs)

	md := delta.New(cfg.Roots)
	if !stale {
		events, err := wal.Replay(dir.Manifest().WALSealID)
		if err != nil {
			return nil, ferrors.IO("core: wal replay", err)
		}
		for _, ev := range events {
			applyOne(md, ov, ev, logger)
		}
	} else {
		level.Warn(logger).Log("msg", "on-disk index stale, starting empty", "reason", reason)
	}
	tc.deltaPtr.Store(md)

	if stale && !cfg.NoBuild {
		tc.triggerRebuild("cold-start staleness: " + reason)
	}

	return tc, nil
}

// applyOne applies a single event to md/ov. Create/Modify events stat
// the path themselves since collab.EventRecord carries no FileKey —
// the watcher reports only kind/path/from_path/timestamp (spec §6).
func applyOne(md *delta.MutableDelta, ov *overlay.State, ev collab.EventRecord, logger log.Logger) {
	switch ev.Kind {
	case collab.Create, collab.Modify:
		dev, ino, size, mtimeNs, err := statFile(ev.Path)
		if err != nil {
			// Already gone by the time we got to it; treat as a delete.
			if docid, ok := md.Lookup(ev.Path); ok {
				md.Delete(docid)
			}
			ov.MarkDeleted(ev.Path)
			return
		}
		if _, err := md.Upsert(delta.FileKey{Dev: dev, Ino: ino}, ev.Path, size, mtimeNs); err != nil {
			level.Warn(logger).Log("msg", "upsert failed", "path", ev.Path, "err", err)
			return
		}
		ov.MarkUpserted(ev.Path)

	case collab.Delete:
		if docid, ok := md.Lookup(ev.Path); ok {
			md.Delete(docid)
		}
		ov.MarkDeleted(ev.Path)

	case collab.Rename:
		if docid, ok := md.Lookup(ev.FromPath); ok {
			if _, err := md.Rename(docid, ev.Path); err != nil {
				level.Warn(logger).Log("msg", "rename failed", "from", ev.FromPath, "to", ev.Path, "err", err)
			}
		} else if dev, ino, size, mtimeNs, err := statFile(ev.Path); err == nil {
			_, _ = md.Upsert(delta.FileKey{Dev: dev, Ino: ino}, ev.Path, size, mtimeNs)
		}
		ov.MarkDeleted(ev.FromPath)
		ov.MarkUpserted(ev.Path)
	}
}

// ApplyEvents implements spec §4.8's event-apply path: WAL append,
// OverlayState update, MutableDelta update, L1 invalidation. When a
// rebuild is in flight, events are also buffered into pending_events
// (spec §4.8 step 1) so the new delta that swap replaces this one with
// sees them too.
func (tc *TieredCore) ApplyEvents(batch []collab.EventRecord) error {
	tc.applyGate.RLock()
	defer tc.applyGate.RUnlock()

	if err := tc.wal.AppendBatch(batch); err != nil {
		return ferrors.IO("core: wal append", err)
	}

	md := tc.deltaPtr.Load()
	rebuilding := atomic.LoadInt32(&tc.rebuildInFlight) == 1

	if rebuilding {
		tc.pendingMu.Lock()
		if tc.pending == nil {
			tc.pending = make(map[string]collab.EventRecord)
		}
		for _, ev := range batch {
			tc.pending[ev.Path] = ev
		}
		tc.pendingMu.Unlock()
	}

	for _, ev := range batch {
		applyOne(md, tc.ov, ev, tc.logger)
	}

	tc.l1.invalidate()
	return nil
}

// NotifyOverflow schedules a rebuild (subject to cooldown/coalescing)
// after the watcher reports a dropped-event condition.
func (tc *TieredCore) NotifyOverflow() {
	tc.triggerRebuild("watcher overflow")
}

// Query implements spec §4.8's cross-layer merge: L1 lookup, then
// MutableDelta, then on-disk deltas newest-to-oldest, then base,
// stopping at limit or exhaustion. blocked accumulates every path
// already resolved by a newer layer so an older layer's stale copy
// never resurfaces.
func (tc *TieredCore) Query(m query.Matcher, limit int) ([]collab.QueryResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	key := l1Key{query: m.CacheKey(), limit: limit}
	if cached, ok := tc.l1.get(key); ok {
		return cached, nil
	}

	blocked := make(map[string]struct{})
	for _, p := range tc.ov.DeletedPaths() {
		blocked[p] = struct{}{}
	}

	results := make([]collab.QueryResult, 0, limit)

	md := tc.deltaPtr.Load()
	for _, r := range md.Query(m.AsDeltaMatcher(), limit) {
		if len(results) >= limit {
			break
		}
		if _, isBlocked := blocked[r.Path]; isBlocked {
			continue
		}
		results = append(results, collab.QueryResult{Path: r.Path, Score: r.Score})
		blocked[r.Path] = struct{}{}
	}

	if len(results) < limit {
		// Deltas/Base each hand back an Acquire()'d Container (spec §5):
		// a concurrent compaction or flush may swap the directory's base
		// or delta list out from under this query, but it cannot unmap a
		// segment this query still holds a reference to.
		deltas := tc.dir.Deltas() // oldest-first; walk newest-first
		for i := len(deltas) - 1; i >= 0 && len(results) < limit; i-- {
			layer := deltas[i]
			for _, p := range layer.Tombstones() {
				blocked[string(p)] = struct{}{}
			}
			results = queryContainer(layer.Container(), m, blocked, limit, results)
		}
		for _, l := range deltas {
			_ = l.Container().Release()
		}
	}

	if len(results) < limit {
		if base := tc.dir.Base(); base != nil {
			results = queryContainer(base, m, blocked, limit, results)
			_ = base.Release()
		}
	}

	tc.l1.put(key, results)
	return results, nil
}

// Close releases the on-disk directory and the WAL file handle. The
// live MutableDelta needs no cleanup; it is garbage.
func (tc *TieredCore) Close() error {
	werr := tc.wal.Close()
	derr := tc.dir.Close()
	if werr != nil {
		return werr
	}
	return derr
}
