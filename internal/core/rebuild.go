package core

import (
	"io/fs"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"

	"github.com/filetrie/filetrie/internal/collab"
	"github.com/filetrie/filetrie/internal/delta"
	"github.com/filetrie/filetrie/internal/scheduler"
)

// isStale implements spec §4.8's cold-start staleness check: walk each
// root's directory subtree comparing only directory mtimes against
// lastBuildNs, early-exiting on the first mtime newer than the
// recorded build time.
func isStale(roots []string, lastBuildNs int64) (bool, string) {
	if lastBuildNs == 0 {
		return true, "no prior build recorded"
	}
	for _, root := range roots {
		stale := false
		staleAt := ""
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if stale {
				return filepath.SkipAll
			}
			if err != nil {
				return nil // unreadable entries can't prove staleness
			}
			if !d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if info.ModTime().UnixNano() > lastBuildNs {
				stale = true
				staleAt = path
				return filepath.SkipAll
			}
			return nil
		})
		if stale {
			return true, staleAt + " modified after last build"
		}
	}
	return false, ""
}

// approxTreeSize estimates the corpus size for the scheduler's
// small-tree fast path, summing every on-disk layer's record count
// plus the live delta's.
func (tc *TieredCore) approxTreeSize() int {
	n := tc.deltaPtr.Load().DocCount()
	if base := tc.dir.Base(); base != nil {
		n += base.MetaCount()
		_ = base.Release()
	}
	for _, l := range tc.dir.Deltas() {
		n += l.Container().MetaCount()
		_ = l.Container().Release()
	}
	return n
}

// triggerRebuild coalesces concurrent triggers into a single pending
// rebuild and enforces the configured cooldown floor between starts
// (spec §4.8, §9's 5s default).
func (tc *TieredCore) triggerRebuild(reason string) {
	if !atomic.CompareAndSwapInt32(&tc.rebuildInFlight, 0, 1) {
		return // already running or queued; this trigger coalesces into it
	}

	// pending_events buffering (spec §4.8 step 1) starts the instant the
	// rebuild is marked in flight, not when the background goroutine
	// wakes up from its cooldown sleep: ApplyEvents already checks
	// rebuildInFlight and would otherwise buffer into a nil map that
	// runRebuild later overwrites, silently dropping every event applied
	// during the cooldown window.
	tc.pendingMu.Lock()
	tc.pending = make(map[string]collab.EventRecord)
	tc.pendingMu.Unlock()

	tc.rebuildMu.Lock()
	wait := tc.cfg.RebuildCooldown - time.Since(tc.lastRebuildAt)
	tc.rebuildMu.Unlock()

	go func() {
		if wait > 0 {
			time.Sleep(wait)
		}
		tc.runRebuild(reason)
		atomic.StoreInt32(&tc.rebuildInFlight, 0)
	}()
}

// runRebuild implements spec §4.8's rebuild body: buffer concurrent
// events into pending_events, walk the full tree into a fresh delta,
// drain pending_events into it, then swap under the rebuild mutex and
// anchor the result as the directory's sole base so on-disk layers
// never diverge from the live delta after a rebuild.
func (tc *TieredCore) runRebuild(reason string) {
	level.Info(tc.logger).Log("msg", "rebuild starting", "reason", reason)

	strategy := tc.sched.SelectStrategy(scheduler.Task{RootHintSize: tc.approxTreeSize()})
	scanStrategy := collab.ScanStrategy{
		Parallel:      strategy.Parallel,
		Shards:        strategy.Shards,
		PerShardDepth: strategy.PerShardDepth,
	}

	fresh := delta.New(tc.cfg.Roots)
	err := tc.walker.ForEachMeta(tc.cfg.Roots, scanStrategy, func(dev, ino uint64, absolutePath string, size uint64, mtimeNs int64) error {
		_, err := fresh.Upsert(delta.FileKey{Dev: dev, Ino: ino}, absolutePath, size, mtimeNs)
		return err
	})
	if err != nil {
		level.Warn(tc.logger).Log("msg", "rebuild walk failed, aborting", "err", err)
		tc.pendingMu.Lock()
		tc.pending = nil
		tc.pendingMu.Unlock()
		return
	}

	tc.pendingMu.Lock()
	pending := tc.pending
	tc.pending = nil
	tc.pendingMu.Unlock()
	for _, ev := range pending {
		applyOne(fresh, tc.ov, ev, tc.logger)
	}

	// Snapshot exactly what's shadowed by the events just folded into
	// fresh, mirroring FlushNow's Subtract discipline: the new base is
	// about to embed everything fresh knows, so only this snapshot's
	// deletes stop being needed as an overlay shadow. writeAndLoadSegment
	// and CommitCompaction below are the slow, I/O-bound steps (spec
	// §4.8 step 4's "off the critical path"), so events applied to the
	// still-live old delta while they run must not be lost, and marks
	// added to the overlay after this snapshot must survive too.
	preCommitShadow := tc.ov.SidecarPaths()

	buildNs := latestDirMtime(tc.cfg.Roots)

	tc.rebuildMu.Lock()
	in := buildInputFromDelta(fresh)
	newID, container, err := tc.writeAndLoadSegment(in)
	if err != nil {
		tc.rebuildMu.Unlock()
		level.Warn(tc.logger).Log("msg", "rebuild anchor failed", "err", err)
		return
	}
	if err := tc.dir.CommitCompaction(newID, container, buildNs); err != nil {
		_ = container.Release()
		tc.rebuildMu.Unlock()
		level.Warn(tc.logger).Log("msg", "rebuild commit failed", "err", err)
		return
	}

	// Exclude ApplyEvents for the final drain+swap: any event recorded
	// into tc.pending since the first drain above (while the write/commit
	// ran against the old, now-discarded md) must be replayed onto the
	// new live delta rather than lost, and nothing new can be buffered
	// mid-swap to race with that replay.
	tc.applyGate.Lock()
	tc.pendingMu.Lock()
	trailing := tc.pending
	tc.pending = nil
	tc.pendingMu.Unlock()
	newMD := delta.New(tc.cfg.Roots)
	for _, ev := range trailing {
		applyOne(newMD, tc.ov, ev, tc.logger)
	}
	tc.deltaPtr.Store(newMD)
	tc.ov.Subtract(preCommitShadow)
	tc.applyGate.Unlock()

	tc.lastRebuildAt = time.Now()
	tc.rebuildMu.Unlock()

	tc.l1.invalidate()
	tc.alloc.Trim()

	if err := tc.dir.GCStale(); err != nil {
		level.Warn(tc.logger).Log("msg", "rebuild gc_stale failed", "err", err)
	}

	level.Info(tc.logger).Log("msg", "rebuild complete", "docs", fresh.DocCount())
}

// latestDirMtime returns the newest directory mtime under roots, used
// as the freshly-persisted manifest's last_build_ns so the next
// cold-start staleness check has an accurate baseline.
func latestDirMtime(roots []string) int64 {
	var latest int64
	for _, root := range roots {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if ns := info.ModTime().UnixNano(); ns > latest {
				latest = ns
			}
			return nil
		})
	}
	if latest == 0 {
		return time.Now().UnixNano()
	}
	return latest
}
