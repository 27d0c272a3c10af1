package delta

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// Trigram is three consecutive bytes of a lowercased basename (or full
// path, for full-path queries), packed into the low 24 bits of a
// uint32 for use as a map key.
type Trigram uint32

// PackTrigram encodes three bytes into a Trigram key.
func PackTrigram(b0, b1, b2 byte) Trigram {
	return Trigram(uint32(b0)<<16 | uint32(b1)<<8 | uint32(b2))
}

// Bytes unpacks a Trigram back into its three constituent bytes.
func (t Trigram) Bytes() [3]byte {
	return [3]byte{byte(t >> 16), byte(t >> 8), byte(t)}
}

// ExtractTrigrams lowercases s and emits every 3-byte window. Strings
// shorter than 3 bytes yield none, per spec §4.3 — callers fall back to
// a brute scan in that case.
func ExtractTrigrams(s string) []Trigram {
	if len(s) < 3 {
		return nil
	}
	lower := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		lower[i] = c
	}
	out := make([]Trigram, 0, len(lower)-2)
	for i := 0; i+3 <= len(lower); i++ {
		out = append(out, PackTrigram(lower[i], lower[i+1], lower[i+2]))
	}
	return out
}

// PostingMap maps a trigram to a compressed bitmap of DocIds. The
// roaring representation gives the range-run + array + dense-word
// hybrid the spec requires along with sub-linear union/intersect and a
// serialized-size accessor, the same library other_examples'
// harshagw-postings indexer uses for exactly this role.
type PostingMap struct {
	mu       sync.RWMutex
	postings map[Trigram]*roaring.Bitmap
}

// NewPostingMap returns an empty PostingMap.
func NewPostingMap() *PostingMap {
	return &PostingMap{postings: make(map[Trigram]*roaring.Bitmap)}
}

// Insert adds docID to trigram's posting list, creating it if absent.
func (p *PostingMap) Insert(trigram Trigram, docID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bm, ok := p.postings[trigram]
	if !ok {
		bm = roaring.New()
		p.postings[trigram] = bm
	}
	bm.Add(docID)
}

// Remove removes docID from trigram's posting list. An empty posting
// list is pruned from the map so Get/serialized size stay accurate.
func (p *PostingMap) Remove(trigram Trigram, docID uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bm, ok := p.postings[trigram]
	if !ok {
		return
	}
	bm.Remove(docID)
	if bm.IsEmpty() {
		delete(p.postings, trigram)
	}
}

// Get returns a read-only clone of trigram's posting list, or nil if
// trigram has no postings. Cloning here (rather than returning the live
// bitmap) lets callers release the PostingMap lock before touching the
// MetaRecord table, honoring the lock-ordering discipline in spec §5.
func (p *PostingMap) Get(trigram Trigram) *roaring.Bitmap {
	p.mu.RLock()
	defer p.mu.RUnlock()
	bm, ok := p.postings[trigram]
	if !ok {
		return nil
	}
	return bm.Clone()
}

// Intersect returns the AND of the posting lists for every trigram in
// trigrams. A missing trigram makes the whole intersection empty.
func (p *PostingMap) Intersect(trigrams []Trigram) *roaring.Bitmap {
	if len(trigrams) == 0 {
		return roaring.New()
	}
	p.mu.RLock()
	bitmaps := make([]*roaring.Bitmap, 0, len(trigrams))
	for _, t := range trigrams {
		bm, ok := p.postings[t]
		if !ok {
			p.mu.RUnlock()
			return roaring.New()
		}
		// Clone while still holding the lock, same as Get: Insert/Remove
		// mutate a trigram's bitmap in place under p.mu, so AND-reducing
		// the live bitmaps after unlocking would race with them.
		bitmaps = append(bitmaps, bm.Clone())
	}
	p.mu.RUnlock()

	result := bitmaps[0]
	for _, bm := range bitmaps[1:] {
		result.And(bm)
	}
	return result
}

// SerializedSize returns the sum of each posting list's on-disk size,
// for StatsReporter.
func (p *PostingMap) SerializedSize() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total uint64
	for _, bm := range p.postings {
		total += bm.GetSerializedSizeInBytes()
	}
	return total
}

// Len returns the number of distinct trigrams with at least one posting.
func (p *PostingMap) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.postings)
}

// Trigrams returns a sorted snapshot of trigram keys, for building a
// segment's trigram table (spec §4.4: strictly sorted, binary-searchable).
func (p *PostingMap) Trigrams() []Trigram {
	p.mu.RLock()
	out := make([]Trigram, 0, len(p.postings))
	for t := range p.postings {
		out = append(out, t)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
