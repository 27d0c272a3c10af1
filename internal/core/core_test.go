package core

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/filetrie/filetrie/internal/collab"
	"github.com/filetrie/filetrie/internal/config"
	"github.com/filetrie/filetrie/internal/lsmdir"
	"github.com/filetrie/filetrie/internal/overlay"
	"github.com/filetrie/filetrie/internal/query"
	"github.com/filetrie/filetrie/internal/scheduler"
	"github.com/filetrie/filetrie/internal/walog"
)

type fakeSampler struct{}

func (fakeSampler) LoadAverage1Min() (float64, error)   { return 0, nil }
func (fakeSampler) FreeMemoryFraction() (float64, error) { return 0.9, nil }

// fakeWalker walks the real OS filesystem under roots, exercising the
// same statFile path ApplyEvents uses so rebuild and live-apply agree
// on FileKey derivation.
type fakeWalker struct{}

func (fakeWalker) ForEachMeta(roots []string, _ collab.ScanStrategy, cb collab.MetaCallback) error {
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			dev, ino, size, mtimeNs, serr := statFile(path)
			if serr != nil {
				return nil
			}
			return cb(dev, ino, path, size, mtimeNs)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func newTestCore(t *testing.T, root string) (*TieredCore, config.Config) {
	t.Helper()
	dataDir := t.TempDir()

	cfg := config.Default()
	cfg.Roots = []string{root}
	cfg.CompactionThreshold = 1
	// Avoid the cold-start staleness check scheduling a background
	// rebuild goroutine that would outlive the test: tests drive
	// ApplyEvents/FlushNow/runRebuild explicitly instead.
	cfg.NoBuild = true

	dir, err := lsmdir.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dir.Close() })

	wal, err := walog.Open(dataDir, walog.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = wal.Close() })

	ov := overlay.New()
	sched := scheduler.NewWithSampler(fakeSampler{}, 4)

	tc, err := New(cfg, dir, wal, ov, sched, fakeWalker{}, nil, log.NewNopLogger())
	require.NoError(t, err)
	return tc, cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestApplyEventsThenQueryFindsUpsertedFile(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "alpha.txt"), "hello")

	tc, _ := newTestCore(t, root)

	err := tc.ApplyEvents([]collab.EventRecord{
		{Kind: collab.Create, Path: filepath.Join(root, "alpha.txt")},
	})
	require.NoError(t, err)

	results, err := tc.Query(query.Compile("alpha"), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, filepath.Join(root, "alpha.txt"), results[0].Path)
}

func TestDeleteShadowsQueryResult(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "bravo.txt")
	writeFile(t, path, "hello")

	tc, _ := newTestCore(t, root)
	require.NoError(t, tc.ApplyEvents([]collab.EventRecord{{Kind: collab.Create, Path: path}}))

	results, err := tc.Query(query.Compile("bravo"), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	require.NoError(t, tc.ApplyEvents([]collab.EventRecord{{Kind: collab.Delete, Path: path}}))

	results, err = tc.Query(query.Compile("bravo"), 10)
	require.NoError(t, err)
	require.Len(t, results, 0)
}

func TestFlushNowMovesRecordsToOnDiskSegment(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "charlie.txt")
	writeFile(t, path, "hello")

	tc, _ := newTestCore(t, root)
	require.NoError(t, tc.ApplyEvents([]collab.EventRecord{{Kind: collab.Create, Path: path}}))
	require.NoError(t, tc.FlushNow())

	require.Equal(t, 0, tc.deltaPtr.Load().DocCount())
	require.True(t, tc.HasBase())

	results, err := tc.Query(query.Compile("charlie"), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestFlushThenDeleteShadowsOnDiskHit(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "delta.txt")
	writeFile(t, path, "hello")

	tc, _ := newTestCore(t, root)
	require.NoError(t, tc.ApplyEvents([]collab.EventRecord{{Kind: collab.Create, Path: path}}))
	require.NoError(t, tc.FlushNow())

	require.NoError(t, tc.ApplyEvents([]collab.EventRecord{{Kind: collab.Delete, Path: path}}))

	results, err := tc.Query(query.Compile("delta"), 10)
	require.NoError(t, err)
	require.Len(t, results, 0)
}

func TestCompactionMergesDeltasIntoOneBase(t *testing.T) {
	root := t.TempDir()
	p1 := filepath.Join(root, "echo1.txt")
	p2 := filepath.Join(root, "echo2.txt")
	writeFile(t, p1, "1")
	writeFile(t, p2, "2")

	tc, _ := newTestCore(t, root)

	require.NoError(t, tc.ApplyEvents([]collab.EventRecord{{Kind: collab.Create, Path: p1}}))
	require.NoError(t, tc.FlushNow())
	require.NoError(t, tc.ApplyEvents([]collab.EventRecord{{Kind: collab.Create, Path: p2}}))
	require.NoError(t, tc.FlushNow()) // second flush appends a delta, crossing CompactionThreshold=1

	require.Equal(t, 0, tc.DeltaSegmentCount())
	require.True(t, tc.HasBase())

	r1, err := tc.Query(query.Compile("echo1"), 10)
	require.NoError(t, err)
	require.Len(t, r1, 1)
	r2, err := tc.Query(query.Compile("echo2"), 10)
	require.NoError(t, err)
	require.Len(t, r2, 1)
}

func TestRebuildAnchorsFullTreeAsNewBase(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "foxtrot.txt"), "x")

	tc, _ := newTestCore(t, root)
	tc.runRebuild("test")

	require.True(t, tc.HasBase())
	results, err := tc.Query(query.Compile("foxtrot"), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestIsStaleDetectsDirectoryModifiedAfterLastBuild(t *testing.T) {
	root := t.TempDir()

	stale, _ := isStale([]string{root}, 0)
	require.True(t, stale, "no prior build recorded is always stale")

	future := time.Now().Add(time.Hour).UnixNano()
	stale, _ = isStale([]string{root}, future)
	require.False(t, stale)

	past := time.Now().Add(-time.Hour).UnixNano()
	require.NoError(t, os.Mkdir(filepath.Join(root, "newdir"), 0o755))
	stale, reason := isStale([]string{root}, past)
	require.True(t, stale, "root's own mtime just advanced past last_build_ns")
	require.NotEmpty(t, reason)
}

func TestApplyEventsDuringRebuildBuffersIntoPending(t *testing.T) {
	root := t.TempDir()
	tc, _ := newTestCore(t, root)

	atomic.StoreInt32(&tc.rebuildInFlight, 1)
	defer atomic.StoreInt32(&tc.rebuildInFlight, 0)

	late := filepath.Join(root, "hotel.txt")
	require.NoError(t, tc.ApplyEvents([]collab.EventRecord{{Kind: collab.Create, Path: late}}))

	require.EqualValues(t, 1, tc.PendingEventCount())
}
