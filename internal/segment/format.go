// Package segment implements the immutable, memory-mapped on-disk
// segment container described in spec §3 and §4.4: a header, a
// manifest of typed checksummed sub-sections, and lazy-decoded
// postings. Segments are written once, verified by streaming the file
// descriptor before anything is memory-mapped, and never mutated after
// the COMMITTED header is in place.
package segment

import (
	"encoding/binary"
	"hash/crc32"
)

// Magic identifies a filetrie segment file.
const Magic = uint32(0x46545347) // "FTSG"

// FormatMajor/FormatMinor implement the one-version tolerance
// SPEC_FULL.md §4 documents: a loader refuses a differing major version
// but accepts any known minor revision.
const (
	FormatMajor = uint32(1)
	FormatMinor = uint32(0)
	FormatVersion = FormatMajor<<16 | FormatMinor
)

// State is the header's commit marker.
type State uint32

const (
	StateIncomplete State = 0
	StateCommitted  State = 1
)

const HeaderSize = 20

// Header is the first 20 bytes of a segment file.
type Header struct {
	Magic            uint32
	Version          uint32
	State            State
	ManifestLen      uint32
	ManifestChecksum uint32
}

func (h Header) MarshalBinary() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Version)
	binary.LittleEndian.PutUint32(b[8:12], uint32(h.State))
	binary.LittleEndian.PutUint32(b[12:16], h.ManifestLen)
	binary.LittleEndian.PutUint32(b[16:20], h.ManifestChecksum)
	return b
}

func UnmarshalHeader(b []byte) Header {
	return Header{
		Magic:            binary.LittleEndian.Uint32(b[0:4]),
		Version:          binary.LittleEndian.Uint32(b[4:8]),
		State:            State(binary.LittleEndian.Uint32(b[8:12])),
		ManifestLen:      binary.LittleEndian.Uint32(b[12:16]),
		ManifestChecksum: binary.LittleEndian.Uint32(b[16:20]),
	}
}

// VersionCompatible reports whether a loaded header's version is
// usable: same major, any minor.
func (h Header) VersionCompatible() bool {
	return h.Version>>16 == FormatMajor
}

// SectionKind enumerates the typed sub-sections a manifest describes.
type SectionKind uint32

const (
	KindRoots SectionKind = iota + 1
	KindPathArena
	KindMetas
	KindTrigramTable
	KindPostingsBlob
	KindTombstones
)

const DescriptorSize = 28

// Descriptor is one manifest entry pointing at a checksummed sub-section.
type Descriptor struct {
	Kind     SectionKind
	Version  uint32
	Offset   uint64
	Len      uint64
	Checksum uint32
}

func (d Descriptor) MarshalBinary() []byte {
	b := make([]byte, DescriptorSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(d.Kind))
	binary.LittleEndian.PutUint32(b[4:8], d.Version)
	binary.LittleEndian.PutUint64(b[8:16], d.Offset)
	binary.LittleEndian.PutUint64(b[16:24], d.Len)
	binary.LittleEndian.PutUint32(b[24:28], d.Checksum)
	return b
}

func UnmarshalDescriptor(b []byte) Descriptor {
	return Descriptor{
		Kind:     SectionKind(binary.LittleEndian.Uint32(b[0:4])),
		Version:  binary.LittleEndian.Uint32(b[4:8]),
		Offset:   binary.LittleEndian.Uint64(b[8:16]),
		Len:      binary.LittleEndian.Uint64(b[16:24]),
		Checksum: binary.LittleEndian.Uint32(b[24:28]),
	}
}

// MetaRecordSize is the fixed on-disk MetaRecord layout per spec §6:
// dev(u64)|ino(u64)|root_id(u16)|path_off(u32)|path_len(u16)|size(u64)|mtime_ns(i64)
const MetaRecordSize = 40

// TrigramEntrySize is the fixed on-disk TrigramEntry layout per spec §6:
// trigram([3]byte)|pad(u8)|posting_off(u32)|posting_len(u32)
const TrigramEntrySize = 12

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C (Castagnoli) checksum spec §3/§4.4
// mandates bit-exactly for every segment sub-section.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, crc32cTable)
}

// align8 rounds n up to the next 8-byte boundary, per spec §4.4's
// "sub-section bytes at their declared offsets, 8-byte aligned".
func align8(n uint64) uint64 {
	return (n + 7) &^ 7
}
