package core

import (
	"github.com/go-kit/log/level"

	"github.com/filetrie/filetrie/internal/delta"
	"github.com/filetrie/filetrie/internal/ferrors"
	"github.com/filetrie/filetrie/internal/lsmdir"
	"github.com/filetrie/filetrie/internal/segment"
)

// buildInputFromDelta captures md's full state into a segment.BuildInput.
// Callers must not mutate md concurrently with this call.
func buildInputFromDelta(md *delta.MutableDelta) segment.BuildInput {
	metas, live := md.Metas()
	return segment.BuildInput{
		Roots:      md.Roots(),
		Arena:      md.Arena().Bytes(),
		Metas:      metas,
		Live:       live,
		Postings:   md.Postings(),
		Tombstones: md.Tombstones(),
	}
}

// writeAndLoadSegment writes in to a freshly allocated segment id under
// tc.dir and maps it back in, returning both for the caller to commit.
func (tc *TieredCore) writeAndLoadSegment(in segment.BuildInput) (uint64, *segment.Container, error) {
	id := tc.dir.AllocateID()
	path := lsmdir.SegmentPath(tc.dir.Path(), id)
	if err := segment.Write(path, in); err != nil {
		return 0, nil, ferrors.IO("core: write segment", err)
	}
	c, err := segment.Load(path)
	if err != nil {
		return 0, nil, ferrors.IO("core: load freshly written segment", err)
	}
	return id, c, nil
}

// FlushNow implements spec §4.8's flush: seal the WAL, swap in a fresh
// empty MutableDelta under the exclusive apply gate, then (outside the
// gate) serialize the old delta into a new segment, write its `.del`
// sidecar from the overlay, and commit it to the directory. On the
// very first flush (no base, no deltas yet) the new segment becomes
// the base directly rather than an appended delta (spec §4.7).
//
// An IoError here leaves the manifest untouched and the WAL un-cleaned
// up; the next boot's WAL replay reconstructs the lost delta, per spec
// §6's IoError policy.
func (tc *TieredCore) FlushNow() error {
	tc.applyGate.Lock()
	old := tc.deltaPtr.Load()
	if !old.Dirty() && tc.ov.DeletedCount() == 0 {
		tc.applyGate.Unlock()
		return nil
	}
	sealID, err := tc.wal.Seal()
	if err != nil {
		tc.applyGate.Unlock()
		return ferrors.IO("core: wal seal", err)
	}
	tc.deltaPtr.Store(delta.New(tc.cfg.Roots))
	tc.applyGate.Unlock()
	tc.l1.invalidate()

	// Snapshot exactly what's shadowed *before* the slow segment write
	// below, mirroring runRebuild's preCommitShadow discipline: writing
	// and loading the segment is the I/O-bound step off the critical
	// path (spec §4.8 step 4), and a delete applied to the *new* live
	// delta while it runs has no other shadow yet — capturing the
	// snapshot afterward would fold that delete into this segment's
	// sidecar and then Subtract it straight out of the overlay,
	// resurrecting the deleted path on the next query.
	shadowed := tc.ov.SidecarPaths()

	in := buildInputFromDelta(old)
	id, container, err := tc.writeAndLoadSegment(in)
	if err != nil {
		return err
	}

	// rebuildMu is spec §5's "rebuild mutex"; taking it here too (never
	// nested with applyGate, which is already released by this point)
	// extends it to cover every directory-structure mutation, not just
	// rebuild's own. Without this, a concurrent runRebuild's final
	// CommitCompaction (which unconditionally resets delta_ids to empty)
	// could land between this CommitAppendDelta and its manifest write,
	// silently orphaning the delta segment flush just persisted. Scoped
	// to just the commit, not the compaction call below, so a slow
	// compact() (its own, separately rebuildMu-guarded write) doesn't
	// serialize a concurrent rebuild behind this entire function.
	tc.rebuildMu.Lock()
	isBase := !tc.dir.HasBase() && tc.dir.DeltaCount() == 0

	if err := tc.dir.CommitAppendDelta(id, sealID, shadowed, container, isBase); err != nil {
		_ = container.Release()
		tc.rebuildMu.Unlock()
		return ferrors.IO("core: commit flush", err)
	}
	tc.rebuildMu.Unlock()

	// Subtract exactly what was just persisted into this segment's `.del`
	// sidecar (spec §4.8 step 7: "snapshot subtracted is the one we just
	// persisted"). A wholesale Clear() here would also discard
	// deleted/upserted marks made by events applied to the *new* delta
	// while this flush ran off the critical path (step 4) — those paths
	// have no other shadow yet, so erasing them would resurrect a stale
	// hit from an older on-disk layer on the next query.
	tc.ov.Subtract(shadowed)
	tc.l1.invalidate()

	if err := tc.wal.Cleanup(sealID); err != nil {
		level.Warn(tc.logger).Log("msg", "wal cleanup failed", "err", err)
	}

	if len(tc.dir.Manifest().DeltaIDs) >= tc.cfg.CompactionThreshold {
		if err := tc.compact(); err != nil {
			level.Warn(tc.logger).Log("msg", "compaction failed", "err", err)
		}
	}

	return nil
}
