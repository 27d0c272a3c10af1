package core

import (
	"github.com/go-kit/log/level"

	"github.com/filetrie/filetrie/internal/delta"
	"github.com/filetrie/filetrie/internal/ferrors"
	"github.com/filetrie/filetrie/internal/segment"
)

// compact implements spec §4.8's compaction: merge base plus every
// delta, oldest to newest, into one new base segment, then gc_stale
// the now-unreferenced files. A MutableDelta is reused as the merge
// engine purely for its FileKey/path-hash dedup machinery — each
// on-disk record's stored Size/MtimeNs is carried through unchanged,
// nothing is re-stat'd.
func (tc *TieredCore) compact() error {
	// Base/Deltas hand back Acquire()'d Containers (spec §5); release
	// them on every exit path so a concurrent rebuild's gc_stale isn't
	// blocked forever on a reference this merge forgot to drop.
	base := tc.dir.Base()
	deltas := tc.dir.Deltas()
	defer func() {
		if base != nil {
			_ = base.Release()
		}
		for _, l := range deltas {
			_ = l.Container().Release()
		}
	}()
	if len(deltas) == 0 {
		return nil
	}

	merged := delta.New(tc.cfg.Roots)

	mergeLiveRecords := func(c *segment.Container) {
		_, roots, err := c.Roots()
		if err != nil || roots == nil {
			return
		}
		arena := c.PathArena()
		tomb := c.Tombstones()
		n := c.MetaCount()
		for i := 0; i < n; i++ {
			id := uint32(i)
			if tomb.Contains(id) {
				continue
			}
			rec, ok := c.MetaAt(delta.DocId(id))
			if !ok {
				continue
			}
			absPath := segmentAbsolutePath(roots, arena, rec)
			if _, err := merged.Upsert(rec.Key, absPath, rec.Size, rec.MtimeNs); err != nil {
				level.Warn(tc.logger).Log("msg", "compaction: upsert failed", "path", absPath, "err", err)
			}
		}
	}

	if base != nil {
		mergeLiveRecords(base)
	}
	for _, l := range deltas {
		for _, p := range l.Tombstones() {
			if docid, ok := merged.Lookup(string(p)); ok {
				merged.Delete(docid)
			}
		}
		mergeLiveRecords(l.Container())
	}

	in := buildInputFromDelta(merged)
	newID, container, err := tc.writeAndLoadSegment(in)
	if err != nil {
		return err
	}

	// rebuildMu brackets only the commit, not the merge/write above, so
	// this slow path never serializes a concurrent rebuild or flush
	// behind the whole compaction — only behind the final manifest
	// mutation those paths also guard with the same mutex.
	tc.rebuildMu.Lock()
	lastBuildNs := tc.dir.Manifest().LastBuildNs
	if err := tc.dir.CommitCompaction(newID, container, lastBuildNs); err != nil {
		_ = container.Release()
		tc.rebuildMu.Unlock()
		return ferrors.IO("core: commit compaction", err)
	}
	tc.rebuildMu.Unlock()
	tc.l1.invalidate()

	if err := tc.dir.GCStale(); err != nil {
		level.Warn(tc.logger).Log("msg", "gc_stale failed", "err", err)
	}
	return nil
}
