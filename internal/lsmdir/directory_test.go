package lsmdir

import (
	"os"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filetrie/filetrie/internal/delta"
	"github.com/filetrie/filetrie/internal/segment"
)

func writeTestSegment(t *testing.T, path string) {
	t.Helper()
	arena := delta.NewPathArena(16)
	off, length := arena.Append([]byte("a.txt"))
	in := segment.BuildInput{
		Roots: []string{"/r"},
		Arena: arena.Bytes(),
		Metas: []delta.MetaRecord{
			{Key: delta.FileKey{Dev: 1, Ino: 1}, Path: delta.PathHandle{Offset: off, Length: length}, Size: 1},
		},
		Live:       []bool{true},
		Postings:   delta.NewPostingMap(),
		Tombstones: roaring.New(),
	}
	require.NoError(t, segment.Write(path, in))
}

func TestOpenEmptyDirectory(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)
	defer d.Close()

	assert.Nil(t, d.Base())
	assert.Empty(t, d.Deltas())
	assert.Equal(t, uint64(0), d.Manifest().NextID)
}

func TestCommitAppendDeltaThenReopen(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)

	id := d.AllocateID()
	segPath := SegmentPath(dir, id)
	writeTestSegment(t, segPath)
	c, err := segment.Load(segPath)
	require.NoError(t, err)

	require.NoError(t, d.CommitAppendDelta(id, 7, [][]byte{[]byte("/r/old.txt")}, c, false))
	require.NoError(t, d.Close())

	d2, err := Open(dir)
	require.NoError(t, err)
	defer d2.Close()

	assert.Nil(t, d2.Base())
	require.Len(t, d2.Deltas(), 1)
	assert.Equal(t, id, d2.Deltas()[0].ID())
	assert.Equal(t, [][]byte{[]byte("/r/old.txt")}, d2.Deltas()[0].Tombstones())
	assert.Equal(t, uint64(7), d2.Manifest().WALSealID)
}

func TestBootstrapBecomesBase(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)
	defer d.Close()

	id := d.AllocateID()
	segPath := SegmentPath(dir, id)
	writeTestSegment(t, segPath)
	c, err := segment.Load(segPath)
	require.NoError(t, err)

	require.NoError(t, d.CommitAppendDelta(id, 1, nil, c, true))
	assert.NotNil(t, d.Base())
	assert.Empty(t, d.Deltas())
	require.NotNil(t, d.Manifest().BaseID)
	assert.Equal(t, id, *d.Manifest().BaseID)
}

func TestOpenSkipsCorruptDeltaButFailsOnCorruptBase(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(dir)
	require.NoError(t, err)

	baseID := d.AllocateID()
	writeTestSegment(t, SegmentPath(dir, baseID))
	baseC, err := segment.Load(SegmentPath(dir, baseID))
	require.NoError(t, err)
	require.NoError(t, d.CommitAppendDelta(baseID, 1, nil, baseC, true))

	deltaID := d.AllocateID()
	writeTestSegment(t, SegmentPath(dir, deltaID))
	deltaC, err := segment.Load(SegmentPath(dir, deltaID))
	require.NoError(t, err)
	require.NoError(t, d.CommitAppendDelta(deltaID, 2, nil, deltaC, false))
	require.NoError(t, d.Close())

	// Corrupt only the delta segment file.
	require.NoError(t, os.Truncate(SegmentPath(dir, deltaID), 4))

	d2, err := Open(dir)
	require.Error(t, err, "a corrupt delta should be reported, not silently succeed")
	require.NotNil(t, d2, "a corrupt delta must not fail the whole directory load")
	assert.NotNil(t, d2.Base())
	assert.Empty(t, d2.Deltas())
	d2.Close()
}
