package segment

import (
	"bytes"
	"encoding/binary"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"

	"github.com/filetrie/filetrie/internal/delta"
)

// BuildInput is everything Write needs to serialize a MutableDelta (or
// a compaction's merged view) into a segment container. Metas/Live are
// full per-DocId slices — every record ever allocated, including
// tombstoned ones, since spec §3 requires a segment never physically
// remove a record outside of compaction.
type BuildInput struct {
	Roots      []string
	Arena      []byte
	Metas      []delta.MetaRecord
	Live       []bool
	Postings   *delta.PostingMap
	Tombstones *roaring.Bitmap
}

// RootsHash returns a stable hash of the ordered root list, persisted
// alongside RootId so an index whose root set differs from runtime is
// refused (spec §3).
func RootsHash(roots []string) uint64 {
	h := xxhash.New()
	for _, r := range roots {
		_, _ = h.Write([]byte(r))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func encodeRoots(roots []string) []byte {
	var buf bytes.Buffer
	var hashBuf [8]byte
	binary.LittleEndian.PutUint64(hashBuf[:], RootsHash(roots))
	buf.Write(hashBuf[:])

	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(roots)))
	buf.Write(countBuf[:])

	for _, r := range roots {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(r)))
		buf.Write(lenBuf[:])
		buf.WriteString(r)
	}
	return buf.Bytes()
}

// DecodeRoots parses the Roots section produced by encodeRoots.
func DecodeRoots(b []byte) (storedHash uint64, roots []string, err error) {
	if len(b) < 12 {
		return 0, nil, errShortSection("roots")
	}
	storedHash = binary.LittleEndian.Uint64(b[0:8])
	count := binary.LittleEndian.Uint32(b[8:12])
	off := 12
	roots = make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+4 > len(b) {
			return 0, nil, errShortSection("roots")
		}
		l := binary.LittleEndian.Uint32(b[off : off+4])
		off += 4
		if off+int(l) > len(b) {
			return 0, nil, errShortSection("roots")
		}
		roots = append(roots, string(b[off:off+int(l)]))
		off += int(l)
	}
	return storedHash, roots, nil
}

func encodeMetas(metas []delta.MetaRecord) []byte {
	b := make([]byte, len(metas)*MetaRecordSize)
	for i, m := range metas {
		o := i * MetaRecordSize
		binary.LittleEndian.PutUint64(b[o:o+8], m.Key.Dev)
		binary.LittleEndian.PutUint64(b[o+8:o+16], m.Key.Ino)
		binary.LittleEndian.PutUint16(b[o+16:o+18], m.Path.RootID)
		binary.LittleEndian.PutUint32(b[o+18:o+22], m.Path.Offset)
		binary.LittleEndian.PutUint16(b[o+22:o+24], m.Path.Length)
		binary.LittleEndian.PutUint64(b[o+24:o+32], m.Size)
		binary.LittleEndian.PutUint64(b[o+32:o+40], uint64(m.MtimeNs))
	}
	return b
}

func decodeMetaAt(b []byte, i int) delta.MetaRecord {
	o := i * MetaRecordSize
	return delta.MetaRecord{
		Key: delta.FileKey{
			Dev: binary.LittleEndian.Uint64(b[o : o+8]),
			Ino: binary.LittleEndian.Uint64(b[o+8 : o+16]),
		},
		Path: delta.PathHandle{
			RootID: binary.LittleEndian.Uint16(b[o+16 : o+18]),
			Offset: binary.LittleEndian.Uint32(b[o+18 : o+22]),
			Length: binary.LittleEndian.Uint16(b[o+22 : o+24]),
		},
		Size:    binary.LittleEndian.Uint64(b[o+24 : o+32]),
		MtimeNs: int64(binary.LittleEndian.Uint64(b[o+32 : o+40])),
	}
}

// encodeTrigramTableAndPostings builds the sorted trigram table and the
// postings blob it points into, from a PostingMap. Each posting is
// serialized with roaring's own WriteTo format so Container.DecodePosting
// can hand the bytes straight to roaring's FromBuffer.
func encodeTrigramTableAndPostings(postings *delta.PostingMap) (table []byte, blob []byte) {
	trigrams := postings.Trigrams()
	table = make([]byte, len(trigrams)*TrigramEntrySize)
	var postBuf bytes.Buffer

	for i, t := range trigrams {
		bm := postings.Get(t)
		start := postBuf.Len()
		if bm != nil {
			_, _ = bm.WriteTo(&postBuf)
		}
		n := postBuf.Len() - start

		o := i * TrigramEntrySize
		tb := t.Bytes()
		table[o] = tb[0]
		table[o+1] = tb[1]
		table[o+2] = tb[2]
		table[o+3] = 0 // pad
		binary.LittleEndian.PutUint32(table[o+4:o+8], uint32(start))
		binary.LittleEndian.PutUint32(table[o+8:o+12], uint32(n))
	}
	return table, postBuf.Bytes()
}

func encodeTombstones(bm *roaring.Bitmap) []byte {
	if bm == nil {
		bm = roaring.New()
	}
	var buf bytes.Buffer
	_, _ = bm.WriteTo(&buf)
	return buf.Bytes()
}

type shortSectionError string

func errShortSection(section string) error { return shortSectionError(section) }

func (e shortSectionError) Error() string { return "segment: short " + string(e) + " section" }
