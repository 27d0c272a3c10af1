package segment

import (
	"bufio"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/edsrzf/mmap-go"

	"github.com/filetrie/filetrie/internal/delta"
	"github.com/filetrie/filetrie/internal/ferrors"
)

const streamBufSize = 64 * 1024

// streamChecksum computes the CRC32C of the length bytes at offset in f
// using a fixed-size buffer, never holding the whole section in memory
// at once. This is the "streaming verify" spec §4.4 calls for: it lands
// the reads in the kernel page cache without faulting pages into
// process RSS the way mmap-then-checksum would.
func streamChecksum(f *os.File, offset, length int64) (uint32, error) {
	h := crc32.New(crc32cTable)
	sr := io.NewSectionReader(f, offset, length)
	buf := make([]byte, streamBufSize)
	br := bufio.NewReaderSize(sr, streamBufSize)
	if _, err := io.CopyBuffer(h, br, buf); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

// Load implements spec §4.4's load protocol: open read-write, read the
// header, verify the manifest checksum via a streaming read, then
// stream-verify every descriptor's section before ever memory-mapping
// the file. Only once every checksum passes is the file mapped
// read-only and typed views constructed.
func Load(path string) (*Container, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	closeOnErr := true
	defer func() {
		if closeOnErr {
			f.Close()
		}
	}()

	var headerBuf [HeaderSize]byte
	if _, err := io.ReadFull(f, headerBuf[:]); err != nil {
		return nil, ferrors.Corruption(path+": short header", err)
	}
	header := UnmarshalHeader(headerBuf[:])
	if header.Magic != Magic {
		return nil, ferrors.Corruption(path+": bad magic", nil)
	}
	if !header.VersionCompatible() {
		return nil, ferrors.Corruption(path+": incompatible format version", nil)
	}
	if header.State != StateCommitted {
		return nil, ferrors.Corruption(path+": segment not committed", nil)
	}

	manifestChecksum, err := streamChecksum(f, HeaderSize, int64(header.ManifestLen))
	if err != nil {
		return nil, ferrors.Corruption(path+": manifest read", err)
	}
	if manifestChecksum != header.ManifestChecksum {
		return nil, ferrors.Corruption(path+": manifest checksum mismatch", nil)
	}

	manifestBytes := make([]byte, header.ManifestLen)
	if _, err := f.ReadAt(manifestBytes, HeaderSize); err != nil {
		return nil, ferrors.Corruption(path+": manifest re-read", err)
	}
	if len(manifestBytes)%DescriptorSize != 0 {
		return nil, ferrors.Corruption(path+": malformed manifest", nil)
	}

	n := len(manifestBytes) / DescriptorSize
	descriptors := make([]Descriptor, n)
	for i := 0; i < n; i++ {
		descriptors[i] = UnmarshalDescriptor(manifestBytes[i*DescriptorSize : (i+1)*DescriptorSize])
	}

	for _, d := range descriptors {
		if d.Len == 0 {
			continue
		}
		sum, err := streamChecksum(f, int64(d.Offset), int64(d.Len))
		if err != nil {
			return nil, ferrors.Corruption(fmt.Sprintf("%s: section %d read", path, d.Kind), err)
		}
		if sum != d.Checksum {
			return nil, ferrors.Corruption(fmt.Sprintf("%s: section %d checksum mismatch", path, d.Kind), nil)
		}
	}

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("segment: mmap: %w", err)
	}

	c := &Container{
		path:        path,
		file:        f,
		mapped:      mapped,
		descriptors: descriptors,
		refCount:    1,
	}
	closeOnErr = false
	return c, nil
}

// Container is a loaded, memory-mapped segment file exposing typed
// views over its sub-sections. It is reference-counted: readers that
// hold a snapshot referencing this Container call Acquire/Release, and
// the file is unmapped and closed only once nothing still holds it.
// The count does not delay unlinking: gc_stale removes an unreferenced
// file even while a Container still has it mapped.
type Container struct {
	path        string
	file        *os.File
	mapped      mmap.MMap
	descriptors []Descriptor

	refCount int64 // atomic

	tombOnce sync.Once
	tomb     *roaring.Bitmap
}

// Acquire increments the reference count. Call before retaining a
// Container beyond the scope that loaded it.
func (c *Container) Acquire() { atomic.AddInt64(&c.refCount, 1) }

// Release decrements the reference count and unmaps/closes the
// underlying file once it reaches zero.
func (c *Container) Release() error {
	if atomic.AddInt64(&c.refCount, -1) > 0 {
		return nil
	}
	err := c.mapped.Unmap()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	return err
}

func (c *Container) Path() string { return c.path }

func (c *Container) section(kind SectionKind) []byte {
	for _, d := range c.descriptors {
		if d.Kind == kind {
			if d.Len == 0 {
				return nil
			}
			return c.mapped[d.Offset : d.Offset+d.Len]
		}
	}
	return nil
}

// Roots returns the stored root-list hash and the roots themselves, so
// the caller can refuse a segment whose root set differs from runtime.
func (c *Container) Roots() (hash uint64, roots []string, err error) {
	b := c.section(KindRoots)
	if b == nil {
		return 0, nil, nil
	}
	return DecodeRoots(b)
}

// PathArena returns the raw path-arena bytes backing every MetaRecord's
// PathHandle in this segment.
func (c *Container) PathArena() []byte {
	return c.section(KindPathArena)
}

// MetaCount returns the number of MetaRecord slots in this segment.
func (c *Container) MetaCount() int {
	return len(c.section(KindMetas)) / MetaRecordSize
}

// MetaAt returns the MetaRecord at DocId i, bounds-checked.
func (c *Container) MetaAt(i delta.DocId) (delta.MetaRecord, bool) {
	b := c.section(KindMetas)
	if int(i)*MetaRecordSize+MetaRecordSize > len(b) {
		return delta.MetaRecord{}, false
	}
	return decodeMetaAt(b, int(i)), true
}

// LookupTrigram binary-searches the strictly-sorted trigram table for
// an exact trigram match, returning the offset/length into the postings
// blob.
func (c *Container) LookupTrigram(t delta.Trigram) (offset, length uint32, found bool) {
	table := c.section(KindTrigramTable)
	n := len(table) / TrigramEntrySize
	tb := t.Bytes()

	i := sort.Search(n, func(i int) bool {
		o := i * TrigramEntrySize
		return compareTrigramBytes(table[o:o+3], tb[:]) >= 0
	})
	if i >= n {
		return 0, 0, false
	}
	o := i * TrigramEntrySize
	if compareTrigramBytes(table[o:o+3], tb[:]) != 0 {
		return 0, 0, false
	}
	return readU32(table[o+4 : o+8]), readU32(table[o+8 : o+12]), true
}

func compareTrigramBytes(a, b []byte) int {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func readU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// DecodePosting lazily decodes the posting bitmap at (offset,length)
// into the postings blob. It is never cached globally — each query hit
// decodes independently, per spec §4.4.
func (c *Container) DecodePosting(offset, length uint32) (*roaring.Bitmap, error) {
	blob := c.section(KindPostingsBlob)
	if int(offset)+int(length) > len(blob) {
		return nil, ferrors.Corruption(c.path+": posting out of range", nil)
	}
	bm := roaring.New()
	if length == 0 {
		return bm, nil
	}
	if _, err := bm.FromBuffer(blob[offset : offset+length]); err != nil {
		return nil, ferrors.Corruption(c.path+": posting decode", err)
	}
	return bm, nil
}

// Tombstones returns this segment's DocId tombstone bitmap, decoded
// once on first access and cached for the Container's lifetime.
func (c *Container) Tombstones() *roaring.Bitmap {
	c.tombOnce.Do(func() {
		b := c.section(KindTombstones)
		bm := roaring.New()
		if len(b) > 0 {
			_, _ = bm.FromBuffer(b)
		}
		c.tomb = bm
	})
	return c.tomb
}
