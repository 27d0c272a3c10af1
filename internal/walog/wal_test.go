package walog

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filetrie/filetrie/internal/collab"
)

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(dir, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestAppendAndReplay(t *testing.T) {
	w := openTestWAL(t)

	events := []collab.EventRecord{
		{Kind: collab.Create, Path: "/r/a.txt", Timestamp: time.Now()},
		{Kind: collab.Rename, Path: "/r/b.txt", FromPath: "/r/a.txt", Timestamp: time.Now()},
	}
	require.NoError(t, w.AppendBatch(events))

	replayed, err := w.Replay(0)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, collab.Create, replayed[0].Kind)
	assert.Equal(t, "/r/a.txt", replayed[0].Path)
	assert.Equal(t, collab.Rename, replayed[1].Kind)
	assert.Equal(t, "/r/a.txt", replayed[1].FromPath)
}

func TestSealThenReplaySeesBothFiles(t *testing.T) {
	w := openTestWAL(t)

	require.NoError(t, w.AppendBatch([]collab.EventRecord{
		{Kind: collab.Create, Path: "/r/before.txt", Timestamp: time.Now()},
	}))
	sealID, err := w.Seal()
	require.NoError(t, err)
	assert.NotZero(t, sealID)

	require.NoError(t, w.AppendBatch([]collab.EventRecord{
		{Kind: collab.Create, Path: "/r/after.txt", Timestamp: time.Now()},
	}))

	replayed, err := w.Replay(0)
	require.NoError(t, err)
	require.Len(t, replayed, 2)
	assert.Equal(t, "/r/before.txt", replayed[0].Path)
	assert.Equal(t, "/r/after.txt", replayed[1].Path)
}

func TestReplayFromCheckpointExcludesSubsumedSeals(t *testing.T) {
	w := openTestWAL(t)

	require.NoError(t, w.AppendBatch([]collab.EventRecord{
		{Kind: collab.Create, Path: "/r/one.txt", Timestamp: time.Now()},
	}))
	sealID, err := w.Seal()
	require.NoError(t, err)

	require.NoError(t, w.AppendBatch([]collab.EventRecord{
		{Kind: collab.Create, Path: "/r/two.txt", Timestamp: time.Now()},
	}))

	replayed, err := w.Replay(sealID)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "/r/two.txt", replayed[0].Path)
}

func TestCleanupRemovesOnlyOldSeals(t *testing.T) {
	w := openTestWAL(t)

	require.NoError(t, w.AppendBatch([]collab.EventRecord{{Kind: collab.Create, Path: "/r/a", Timestamp: time.Now()}}))
	id1, err := w.Seal()
	require.NoError(t, err)

	require.NoError(t, w.AppendBatch([]collab.EventRecord{{Kind: collab.Create, Path: "/r/b", Timestamp: time.Now()}}))
	id2, err := w.Seal()
	require.NoError(t, err)
	require.Greater(t, id2, id1)

	require.NoError(t, w.Cleanup(id1))

	_, err = os.Stat(sealedFilePath(w.dir, id1))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(sealedFilePath(w.dir, id2))
	assert.NoError(t, err)
}

func TestReplayDropsTruncatedTail(t *testing.T) {
	w := openTestWAL(t)
	require.NoError(t, w.AppendBatch([]collab.EventRecord{
		{Kind: collab.Create, Path: "/r/whole.txt", Timestamp: time.Now()},
	}))
	require.NoError(t, w.Close())

	// Append a truncated record header (claims more payload bytes than exist).
	path := filepath.Join(w.dir, activeFileName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], 100)
	_, err = f.Write(header[:])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(w.dir, WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer w2.Close()

	replayed, err := w2.Replay(0)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, "/r/whole.txt", replayed[0].Path)
}
