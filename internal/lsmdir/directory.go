package lsmdir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/filetrie/filetrie/internal/segment"
)

// Directory owns the on-disk layout described in spec §4.5: one
// MANIFEST.bin plus the seg-{id}.db/.del files it references. All
// mutation goes through Directory so the manifest and the segment
// files it names never drift out of sync.
type Directory struct {
	path string

	mu       sync.RWMutex
	manifest Manifest
	base     *segment.Container
	deltas   []Layer // oldest-first, matching manifest.DeltaIDs order
}

// Layer pairs a loaded delta segment with its tombstone sidecar.
type Layer struct {
	id         uint64
	container  *segment.Container
	tombstones [][]byte // sidecar: absolute paths shadowed by this segment
}

// Open opens dir, creating an empty manifest if none exists yet, and
// loads every segment the manifest references. A failed delta segment
// is skipped with a warning (returned in the aggregated error); a
// failed base segment fails the open entirely, per spec §4.5: Open
// returns a nil Directory and the error. Neither Open nor the daemon
// falls back to an empty index in that case; the daemon exits.
func Open(dir string) (*Directory, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("lsmdir: mkdir: %w", err)
	}

	m, err := readManifest(dir)
	if os.IsNotExist(err) {
		m = emptyManifest()
	} else if err != nil {
		return nil, err
	}

	d := &Directory{path: dir, manifest: m}

	var warnings *multierror.Error

	if m.BaseID != nil {
		c, err := segment.Load(SegmentPath(dir, *m.BaseID))
		if err != nil {
			return nil, fmt.Errorf("lsmdir: base segment %016x: %w", *m.BaseID, err)
		}
		d.base = c
	}

	for _, id := range m.DeltaIDs {
		c, err := segment.Load(SegmentPath(dir, id))
		if err != nil {
			warnings = multierror.Append(warnings, fmt.Errorf("lsmdir: delta segment %016x skipped: %w", id, err))
			continue
		}
		tomb, err := readSidecar(SidecarPath(dir, id))
		if err != nil {
			warnings = multierror.Append(warnings, fmt.Errorf("lsmdir: sidecar %016x skipped: %w", id, err))
		}
		d.deltas = append(d.deltas, Layer{id: id, container: c, tombstones: tomb})
	}

	return d, warnings.ErrorOrNil()
}

// Path returns the directory's root path, so callers that write new
// segment files can derive SegmentPath/SidecarPath themselves.
func (d *Directory) Path() string {
	return d.path
}

// Manifest returns a copy of the current manifest.
func (d *Directory) Manifest() Manifest {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.manifest
}

// Base returns the current base segment, or nil if none exists yet.
// The returned Container carries an extra reference the caller owns
// and must Release() once done with it (spec §5: readers hold a
// mapped segment's refcount above zero for as long as they touch its
// mmap'd bytes, so a concurrent CommitCompaction/CommitAppendDelta
// replacing this same container can never unmap it out from under an
// in-flight query). Acquiring under d.mu's RLock, which every commit
// path also takes in its exclusive form before releasing a displaced
// container, guarantees the refcount can't already be at zero here.
func (d *Directory) Base() *segment.Container {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.base == nil {
		return nil
	}
	d.base.Acquire()
	return d.base
}

// HasBase reports whether a base segment exists, without acquiring a
// reference — for callers that only need the fact, not the bytes.
func (d *Directory) HasBase() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.base != nil
}

// DeltaCount returns the number of loaded delta layers, without
// acquiring a reference on any of them.
func (d *Directory) DeltaCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.deltas)
}

// Deltas returns the loaded delta layers, oldest-first. Each returned
// Layer's Container carries an extra reference the caller owns and
// must Release() once done with it, for the same reason as Base().
func (d *Directory) Deltas() []Layer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Layer, len(d.deltas))
	copy(out, d.deltas)
	for _, l := range out {
		l.container.Acquire()
	}
	return out
}

func (l Layer) ID() uint64                    { return l.id }
func (l Layer) Container() *segment.Container { return l.container }
func (l Layer) Tombstones() [][]byte          { return l.tombstones }

// AllocateID returns the next manifest id and advances next_id. It
// does not persist the manifest; call CommitAppendDelta/CommitCompaction
// once the caller has the segment bytes ready to write.
func (d *Directory) AllocateID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.manifest.NextID
	d.manifest.NextID++
	return id
}

// CommitAppendDelta persists a freshly flushed delta segment: writes
// the sidecar, appends the id to the manifest's delta list, records
// the seal id, and atomically rewrites MANIFEST.bin. It is also used
// for the spec §4.7 bootstrap case by the caller passing isBase=true,
// in which case the new segment becomes the base rather than a delta.
func (d *Directory) CommitAppendDelta(id uint64, sealID uint64, shadowed [][]byte, container *segment.Container, isBase bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := writeSidecar(SidecarPath(d.path, id), shadowed); err != nil {
		return fmt.Errorf("lsmdir: write sidecar: %w", err)
	}

	next := d.manifest
	next.WALSealID = sealID
	if isBase {
		baseID := id
		next.BaseID = &baseID
	} else {
		ids := make([]uint64, len(next.DeltaIDs), len(next.DeltaIDs)+1)
		copy(ids, next.DeltaIDs)
		next.DeltaIDs = append(ids, id)
	}

	if err := atomicWriteManifest(d.path, next); err != nil {
		return err
	}
	d.manifest = next

	if isBase {
		if d.base != nil {
			_ = d.base.Release()
		}
		d.base = container
	} else {
		d.deltas = append(d.deltas, Layer{id: id, container: container, tombstones: shadowed})
	}
	return nil
}

// CommitCompaction replaces the base and clears the delta list after a
// background compaction merges every Layer into one new base segment.
func (d *Directory) CommitCompaction(newBaseID uint64, container *segment.Container, lastBuildNs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.manifest
	next.BaseID = &newBaseID
	next.DeltaIDs = []uint64{}
	next.LastBuildNs = lastBuildNs

	if err := atomicWriteManifest(d.path, next); err != nil {
		return err
	}

	staleDeltas := d.deltas
	staleBase := d.base

	d.manifest = next
	d.base = container
	d.deltas = nil

	for _, l := range staleDeltas {
		_ = l.container.Release()
	}
	if staleBase != nil {
		_ = staleBase.Release()
	}
	return nil
}

// SetLastBuildNs persists a new last_build_ns without touching the
// segment lists.
func (d *Directory) SetLastBuildNs(ns int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	next := d.manifest
	next.LastBuildNs = ns
	if err := atomicWriteManifest(d.path, next); err != nil {
		return err
	}
	d.manifest = next
	return nil
}

// GCStale deletes any seg-*.db/.del pair under the directory whose id
// is not referenced by the current manifest, per spec §4.5.
func (d *Directory) GCStale() error {
	d.mu.RLock()
	referenced := map[uint64]bool{}
	if d.manifest.BaseID != nil {
		referenced[*d.manifest.BaseID] = true
	}
	for _, id := range d.manifest.DeltaIDs {
		referenced[id] = true
	}
	d.mu.RUnlock()

	entries, err := os.ReadDir(d.path)
	if err != nil {
		return fmt.Errorf("lsmdir: readdir: %w", err)
	}

	var errs *multierror.Error
	for _, e := range entries {
		name := e.Name()
		var id uint64
		if _, err := fmt.Sscanf(name, "seg-%016x.db", &id); err == nil {
			if !referenced[id] {
				if err := os.Remove(filepath.Join(d.path, name)); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
			continue
		}
		if _, err := fmt.Sscanf(name, "seg-%016x.del", &id); err == nil {
			if !referenced[id] {
				if err := os.Remove(filepath.Join(d.path, name)); err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}
	}
	return errs.ErrorOrNil()
}

// Close releases every mapped segment container.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs *multierror.Error
	if d.base != nil {
		if err := d.base.Release(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	for _, l := range d.deltas {
		if err := l.container.Release(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
