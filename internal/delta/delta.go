// Package delta implements the in-memory mutable half of the tiered
// index: the PathArena, the trigram PostingMap, and MutableDelta, the
// writable index that sits in front of the immutable on-disk segments.
package delta

import (
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"

	"github.com/filetrie/filetrie/internal/ferrors"
)

// DocId is a 32-bit identifier assigned monotonically by the
// MutableDelta that issued it. It is not meaningful across deltas.
type DocId uint32

// FileKey deduplicates hardlinks and correlates events to DocIds within
// one MutableDelta.
type FileKey struct {
	Dev uint64
	Ino uint64
}

// PathHandle is a root-relative byte slice into a PathArena.
type PathHandle struct {
	RootID  uint16
	Offset  uint32
	Length  uint16
}

// MetaRecord is the fixed-size-on-disk record kept for every live DocId.
type MetaRecord struct {
	Key     FileKey
	Path    PathHandle
	Size    uint64
	MtimeNs int64 // -1 == unknown
}

// MtimeUnknown is the sentinel §3 reserves for an unknown modification time.
const MtimeUnknown = int64(-1)

// QueryResult is one hit from MutableDelta.Query.
type QueryResult struct {
	Path  string
	DocId DocId
	Score float64
}

// Matcher is the minimal interface MutableDelta needs from
// internal/query.Matcher: a literal prefix to drive trigram extraction
// and an exact predicate to apply to full reconstructed paths.
type Matcher interface {
	// LiteralTrigramSource returns the string trigrams should be
	// extracted from (the literal prefix for globs, or the whole
	// literal for non-glob queries).
	LiteralTrigramSource() string
	// Matches applies the matcher's exact predicate to an absolute path.
	Matches(absolutePath string) bool
	// Score rates how strong a match absolutePath is for this query.
	Score(absolutePath string) float64
}

// MutableDelta owns the PathArena, the per-DocId metadata table, the
// trigram PostingMap, the FileKey/path-hash reverse lookups and the
// per-delta DocId tombstone bitmap.
//
// Three independent reader-writer locks guard disjoint state: metaMu
// guards metas+arena, PostingMap guards itself, keysMu guards the
// FileKey and path-hash maps. No method ever holds more than one of
// these three locks at once, which makes the lock-ordering discipline
// spec §5 calls for (PostingMap -> Meta/Arena -> FileKey/path-hash)
// trivially deadlock-free: a function that only ever acquires one lock
// at a time cannot participate in a lock-order cycle.
type MutableDelta struct {
	roots []string

	arena    *PathArena
	postings *PostingMap

	metaMu sync.RWMutex
	metas  []MetaRecord // indexed by DocId
	live   []bool       // parallel to metas; false once tombstoned

	keysMu     sync.RWMutex
	byFileKey  map[FileKey]DocId
	byPathHash map[uint64][]DocId // hash -> candidate DocIds, re-verified by byte compare

	tombMu sync.Mutex
	tomb   *roaring.Bitmap

	dirty int32 // atomic bool
}

// New returns an empty MutableDelta bound to roots (used for
// longest-prefix matching on upsert).
func New(roots []string) *MutableDelta {
	return &MutableDelta{
		roots:      append([]string(nil), roots...),
		arena:      NewPathArena(1 << 16),
		postings:   NewPostingMap(),
		byFileKey:  make(map[FileKey]DocId),
		byPathHash: make(map[uint64][]DocId),
		tomb:       roaring.New(),
	}
}

func pathHash(absolutePath string) uint64 {
	return xxhash.Sum64String(absolutePath)
}

// splitRoot performs longest-prefix matching against the configured
// roots, returning the owning root's index and the root-relative
// remainder (without a leading separator).
func (d *MutableDelta) splitRoot(absolutePath string) (rootID uint16, relative string, err error) {
	bestIdx := -1
	bestLen := -1
	for i, r := range d.roots {
		r = strings.TrimRight(r, string(filepath.Separator))
		if absolutePath == r || strings.HasPrefix(absolutePath, r+string(filepath.Separator)) {
			if len(r) > bestLen {
				bestLen = len(r)
				bestIdx = i
			}
		}
	}
	if bestIdx < 0 {
		return 0, "", ferrors.OutsideRoots(absolutePath)
	}
	rel := strings.TrimPrefix(absolutePath[bestLen:], string(filepath.Separator))
	return uint16(bestIdx), rel, nil
}

func (d *MutableDelta) absolutePath(rec MetaRecord) string {
	rel := d.arena.Slice(rec.Path.Offset, rec.Path.Length)
	return d.roots[rec.Path.RootID] + string(filepath.Separator) + string(rel)
}

func basename(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return p
	}
	return p[i+1:]
}

// Upsert implements spec §4.3's fast-path/slow-path Create/Modify
// semantics: a filekey already mapped to a DocId whose path matches
// absolutePath byte-for-byte is a metadata-only update; anything else
// re-derives the root split, appends to the arena and diffs trigrams.
func (d *MutableDelta) Upsert(key FileKey, absolutePath string, size uint64, mtimeNs int64) (DocId, error) {
	d.keysMu.RLock()
	existing, found := d.byFileKey[key]
	d.keysMu.RUnlock()

	if found {
		d.metaMu.RLock()
		rec := d.metas[existing]
		samePath := d.absolutePath(rec) == absolutePath
		d.metaMu.RUnlock()

		if samePath {
			d.metaMu.Lock()
			d.metas[existing].Size = size
			d.metas[existing].MtimeNs = mtimeNs
			d.metaMu.Unlock()
			return existing, nil
		}
	}

	rootID, relative, err := d.splitRoot(absolutePath)
	if err != nil {
		return 0, err
	}

	var docID DocId
	var oldBasenameTrigrams []Trigram
	if found {
		docID = existing
		d.metaMu.RLock()
		oldRec := d.metas[docID]
		oldBasenameTrigrams = ExtractTrigrams(basename(d.absolutePath(oldRec)))
		d.metaMu.RUnlock()
	} else {
		// Reserve a DocId slot under metaMu, then try to claim key under
		// keysMu. The initial RLock-check above only ruled out that *this*
		// call saw an existing mapping — two concurrent Upserts of the
		// same not-yet-seen FileKey (e.g. a hardlink discovered by two
		// parallel rebuild-walk shards) can both reach here with
		// found=false and must not both win a DocId for one file. Neither
		// critical section below ever nests with the other, preserving
		// the single-lock-at-a-time discipline; the loser's reserved slot
		// is simply left non-live, like a tombstoned DocId.
		d.metaMu.Lock()
		docID = DocId(len(d.metas))
		d.metas = append(d.metas, MetaRecord{})
		d.live = append(d.live, false)
		d.metaMu.Unlock()

		d.keysMu.Lock()
		if winner, already := d.byFileKey[key]; already {
			d.keysMu.Unlock()
			found = true
			docID = winner
		} else {
			d.byFileKey[key] = docID
			d.keysMu.Unlock()
		}

		if found {
			// The winner publishes byFileKey[key] as part of claiming it,
			// which can race ahead of its own metas[docID] write below —
			// reading here immediately could see the reserved slot's zero
			// MetaRecord instead of the winner's real one. live[docID]
			// flips true in the same metaMu critical section as the
			// winner's metas[docID] write, so polling it is a safe
			// readiness signal without a fourth lock or nesting metaMu
			// inside keysMu.
			for {
				d.metaMu.RLock()
				ready := d.live[docID]
				oldRec := d.metas[docID]
				d.metaMu.RUnlock()
				if ready {
					oldBasenameTrigrams = ExtractTrigrams(basename(d.absolutePath(oldRec)))
					break
				}
				runtime.Gosched()
			}
		}
	}

	newBasenameTrigrams := ExtractTrigrams(basename(absolutePath))

	for _, t := range oldBasenameTrigrams {
		d.postings.Remove(t, uint32(docID))
	}
	for _, t := range newBasenameTrigrams {
		d.postings.Insert(t, uint32(docID))
	}

	off, length := d.arena.Append([]byte(relative))
	rec := MetaRecord{
		Key:     key,
		Path:    PathHandle{RootID: rootID, Offset: off, Length: length},
		Size:    size,
		MtimeNs: mtimeNs,
	}

	d.metaMu.Lock()
	d.metas[docID] = rec
	d.live[docID] = true
	d.metaMu.Unlock()

	// The old path-hash entry for this docID, if the path changed, is
	// left in place: it re-verifies away on next Lookup since byte
	// comparison against the current record will fail. Path-hash is a
	// candidate index, not a source of truth.
	d.keysMu.Lock()
	d.byFileKey[key] = docID
	h := pathHash(absolutePath)
	d.byPathHash[h] = appendDocIDUnique(d.byPathHash[h], docID)
	d.keysMu.Unlock()

	atomic.StoreInt32(&d.dirty, 1)
	return docID, nil
}

func appendDocIDUnique(ids []DocId, id DocId) []DocId {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// Delete removes docid's trigrams and reverse-lookup entries and marks
// it tombstoned. The MetaRecord's path handle is preserved so flush can
// still emit a .del sidecar entry for it.
func (d *MutableDelta) Delete(docid DocId) {
	d.metaMu.RLock()
	if int(docid) >= len(d.metas) || !d.live[docid] {
		d.metaMu.RUnlock()
		return
	}
	rec := d.metas[docid]
	absPath := d.absolutePath(rec)
	d.metaMu.RUnlock()

	for _, t := range ExtractTrigrams(basename(absPath)) {
		d.postings.Remove(t, uint32(docid))
	}

	d.metaMu.Lock()
	d.live[docid] = false
	d.metaMu.Unlock()

	d.keysMu.Lock()
	delete(d.byFileKey, rec.Key)
	h := pathHash(absPath)
	d.byPathHash[h] = removeDocID(d.byPathHash[h], docid)
	d.keysMu.Unlock()

	d.tombMu.Lock()
	d.tomb.Add(uint32(docid))
	d.tombMu.Unlock()

	atomic.StoreInt32(&d.dirty, 1)
}

func removeDocID(ids []DocId, id DocId) []DocId {
	out := ids[:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

// Rename is a keyed upsert that preserves the DocId: it looks up docid's
// FileKey from the existing record and re-issues Upsert for
// newAbsolutePath, carrying over size/mtime. A no-op rename (source ==
// destination) costs one extra path comparison and returns immediately.
func (d *MutableDelta) Rename(docid DocId, newAbsolutePath string) (DocId, error) {
	d.metaMu.RLock()
	if int(docid) >= len(d.metas) || !d.live[docid] {
		d.metaMu.RUnlock()
		return docid, nil
	}
	rec := d.metas[docid]
	oldPath := d.absolutePath(rec)
	d.metaMu.RUnlock()

	if oldPath == newAbsolutePath {
		return docid, nil
	}
	return d.Upsert(rec.Key, newAbsolutePath, rec.Size, rec.MtimeNs)
}

// IsTombstoned reports whether docid has been deleted in this delta.
func (d *MutableDelta) IsTombstoned(docid DocId) bool {
	d.tombMu.Lock()
	defer d.tombMu.Unlock()
	return d.tomb.Contains(uint32(docid))
}

// Dirty reports whether any mutation has happened since construction.
func (d *MutableDelta) Dirty() bool {
	return atomic.LoadInt32(&d.dirty) != 0
}

// DocCount returns the number of DocId slots ever allocated (including
// tombstoned ones), for StatsReporter.
func (d *MutableDelta) DocCount() int {
	d.metaMu.RLock()
	defer d.metaMu.RUnlock()
	return len(d.metas)
}

// TombstoneCardinality returns the number of tombstoned DocIds.
func (d *MutableDelta) TombstoneCardinality() uint64 {
	d.tombMu.Lock()
	defer d.tombMu.Unlock()
	return d.tomb.GetCardinality()
}

// Arena exposes the backing PathArena, for StatsReporter and segment export.
func (d *MutableDelta) Arena() *PathArena { return d.arena }

// Postings exposes the backing PostingMap, for StatsReporter and segment export.
func (d *MutableDelta) Postings() *PostingMap { return d.postings }

// Roots returns the configured root directories this delta splits paths against.
func (d *MutableDelta) Roots() []string { return append([]string(nil), d.roots...) }

// Metas returns a snapshot of the metadata table alongside a
// liveness bitmap, for segment export.
func (d *MutableDelta) Metas() ([]MetaRecord, []bool) {
	d.metaMu.RLock()
	defer d.metaMu.RUnlock()
	metas := append([]MetaRecord(nil), d.metas...)
	live := append([]bool(nil), d.live...)
	return metas, live
}

// Tombstones returns a clone of the per-delta DocId tombstone bitmap.
func (d *MutableDelta) Tombstones() *roaring.Bitmap {
	d.tombMu.Lock()
	defer d.tombMu.Unlock()
	return d.tomb.Clone()
}

// Query runs the single-delta half of spec §4.8's cross-layer merge:
// extract trigrams from the matcher's literal prefix (or brute-scan if
// fewer than 3 bytes are available), intersect postings, reconstruct
// paths, apply the matcher's exact predicate, skip tombstoned DocIds,
// and return up to limit results in insertion order.
func (d *MutableDelta) Query(m Matcher, limit int) []QueryResult {
	source := m.LiteralTrigramSource()
	trigrams := ExtractTrigrams(source)

	var candidates *roaring.Bitmap
	if len(trigrams) == 0 {
		candidates = d.allLiveDocIDs()
	} else {
		candidates = d.postings.Intersect(trigrams)
	}

	results := make([]QueryResult, 0, limit)
	it := candidates.Iterator()
	for it.HasNext() && len(results) < limit {
		id := DocId(it.Next())

		d.metaMu.RLock()
		if int(id) >= len(d.metas) || !d.live[id] {
			d.metaMu.RUnlock()
			continue
		}
		rec := d.metas[id]
		absPath := d.absolutePath(rec)
		d.metaMu.RUnlock()

		if d.IsTombstoned(id) {
			continue
		}
		if !m.Matches(absPath) {
			continue
		}
		results = append(results, QueryResult{Path: absPath, DocId: id, Score: m.Score(absPath)})
	}
	return results
}

func (d *MutableDelta) allLiveDocIDs() *roaring.Bitmap {
	d.metaMu.RLock()
	defer d.metaMu.RUnlock()
	bm := roaring.New()
	for i, alive := range d.live {
		if alive {
			bm.Add(uint32(i))
		}
	}
	return bm
}

// Lookup resolves an absolute path to its DocId via the path-hash
// reverse map, re-verifying byte-for-byte on hash collision.
func (d *MutableDelta) Lookup(absolutePath string) (DocId, bool) {
	h := pathHash(absolutePath)
	d.keysMu.RLock()
	candidates := append([]DocId(nil), d.byPathHash[h]...)
	d.keysMu.RUnlock()

	for _, id := range candidates {
		d.metaMu.RLock()
		if int(id) >= len(d.metas) || !d.live[id] {
			d.metaMu.RUnlock()
			continue
		}
		rec := d.metas[id]
		absPath := d.absolutePath(rec)
		d.metaMu.RUnlock()
		if absPath == absolutePath {
			return id, true
		}
	}
	return 0, false
}
