package segment

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write serializes in into a new segment file at finalPath, following
// spec §4.4's write protocol: write an INCOMPLETE header, write the
// manifest and sub-sections, fsync, seek back and overwrite with a
// COMMITTED header, fsync — then atomically replace the final file via
// tmp + fsync(tmp) + rename + fsync(dir).
func Write(finalPath string, in BuildInput) (err error) {
	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("segment: create temp file: %w", err)
	}
	defer func() {
		cerr := f.Close()
		if err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	rootsBytes := encodeRoots(in.Roots)
	metasBytes := encodeMetas(in.Metas)
	tableBytes, postingsBytes := encodeTrigramTableAndPostings(in.Postings)
	tombBytes := encodeTombstones(in.Tombstones)

	sections := []struct {
		kind SectionKind
		data []byte
	}{
		{KindRoots, rootsBytes},
		{KindPathArena, in.Arena},
		{KindMetas, metasBytes},
		{KindTrigramTable, tableBytes},
		{KindPostingsBlob, postingsBytes},
		{KindTombstones, tombBytes},
	}

	descriptors := make([]Descriptor, len(sections))
	manifestLen := uint64(len(sections)) * DescriptorSize
	cursor := align8(uint64(HeaderSize) + manifestLen) // manifest immediately follows header; sub-sections follow manifest
	for i, s := range sections {
		descriptors[i] = Descriptor{
			Kind:     s.kind,
			Version:  FormatVersion,
			Offset:   cursor,
			Len:      uint64(len(s.data)),
			Checksum: Checksum(s.data),
		}
		cursor = align8(cursor + uint64(len(s.data)))
	}

	manifestBytes := make([]byte, 0, manifestLen)
	for _, d := range descriptors {
		manifestBytes = append(manifestBytes, d.MarshalBinary()...)
	}

	incompleteHeader := Header{
		Magic:            Magic,
		Version:          FormatVersion,
		State:            StateIncomplete,
		ManifestLen:      uint32(len(manifestBytes)),
		ManifestChecksum: Checksum(manifestBytes),
	}
	if _, err = f.WriteAt(incompleteHeader.MarshalBinary(), 0); err != nil {
		return fmt.Errorf("segment: write incomplete header: %w", err)
	}
	if _, err = f.WriteAt(manifestBytes, HeaderSize); err != nil {
		return fmt.Errorf("segment: write manifest: %w", err)
	}
	for i, s := range sections {
		if len(s.data) == 0 {
			continue
		}
		if _, err = f.WriteAt(s.data, int64(descriptors[i].Offset)); err != nil {
			return fmt.Errorf("segment: write section %d: %w", s.kind, err)
		}
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("segment: fsync before commit: %w", err)
	}

	committedHeader := incompleteHeader
	committedHeader.State = StateCommitted
	if _, err = f.WriteAt(committedHeader.MarshalBinary(), 0); err != nil {
		return fmt.Errorf("segment: write committed header: %w", err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("segment: fsync after commit: %w", err)
	}

	if err = os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("segment: rename into place: %w", err)
	}

	dir, derr := os.Open(filepath.Dir(finalPath))
	if derr == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return nil
}
