package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filetrie/filetrie/internal/delta"
	"github.com/filetrie/filetrie/internal/ferrors"
)

func buildTestInput() BuildInput {
	arena := delta.NewPathArena(64)
	off1, len1 := arena.Append([]byte("src/main.go"))
	off2, len2 := arena.Append([]byte("src/readme.md"))

	metas := []delta.MetaRecord{
		{Key: delta.FileKey{Dev: 1, Ino: 100}, Path: delta.PathHandle{RootID: 0, Offset: off1, Length: len1}, Size: 128, MtimeNs: 10},
		{Key: delta.FileKey{Dev: 1, Ino: 101}, Path: delta.PathHandle{RootID: 0, Offset: off2, Length: len2}, Size: 256, MtimeNs: 20},
	}

	postings := delta.NewPostingMap()
	for _, t := range delta.ExtractTrigrams("main.go") {
		postings.Insert(t, 0)
	}
	for _, t := range delta.ExtractTrigrams("readme.md") {
		postings.Insert(t, 1)
	}

	return BuildInput{
		Roots:      []string{"/repo"},
		Arena:      arena.Bytes(),
		Metas:      metas,
		Live:       []bool{true, true},
		Postings:   postings,
		Tombstones: roaring.New(),
	}
}

func TestWriteLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg-0000000000000001.db")

	in := buildTestInput()
	require.NoError(t, Write(path, in))

	c, err := Load(path)
	require.NoError(t, err)
	defer c.Release()

	hash, roots, err := c.Roots()
	require.NoError(t, err)
	assert.Equal(t, RootsHash([]string{"/repo"}), hash)
	assert.Equal(t, []string{"/repo"}, roots)

	assert.Equal(t, 2, c.MetaCount())
	m0, ok := c.MetaAt(0)
	require.True(t, ok)
	assert.Equal(t, uint64(100), m0.Key.Ino)
	assert.Equal(t, uint64(128), m0.Size)

	_, ok = c.MetaAt(2)
	assert.False(t, ok, "out-of-range DocId must be rejected")

	tri := delta.PackTrigram('m', 'a', 'i')
	off, length, found := c.LookupTrigram(tri)
	require.True(t, found)
	bm, err := c.DecodePosting(off, length)
	require.NoError(t, err)
	assert.True(t, bm.Contains(0))

	_, _, found = c.LookupTrigram(delta.PackTrigram('z', 'z', 'z'))
	assert.False(t, found)

	assert.True(t, c.Tombstones().IsEmpty())
}

func TestLoadRejectsTamperedSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg-0000000000000002.db")

	require.NoError(t, Write(path, buildTestInput()))

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	// Flip a byte well past the header/manifest, inside a data section,
	// so the checksum mismatch is in a sub-section rather than the header.
	_, err = f.WriteAt([]byte{0xff}, HeaderSize+int64(DescriptorSize)*6+8)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ferrors.ErrCorruption)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg-0000000000000003.db")
	require.NoError(t, os.WriteFile(path, make([]byte, HeaderSize), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ferrors.ErrCorruption)
}
