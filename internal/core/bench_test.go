package core

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	hdrhistogram_writer "github.com/benmathews/hdrhistogram-writer"
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

// These benchmarks replace the teacher's raft-wal-vs-bolt StoreLogs/GetLog
// comparison (dreamsxin-wal/bench/bench_test.go) with the two operations
// this index actually lives or dies by: applying a batch of filesystem
// events, and answering a query. Latencies are recorded into an
// HdrHistogram rather than read off testing.B's own mean, so the tail
// is visible too.
func BenchmarkApplyEvents(b *testing.B) {
	root := b.TempDir()
	tc := newBenchCore(b, root)

	hist := hdrhistogram.New(1, 1_000_000_000, 3)
	paths := make([]string, 1000)
	for i := range paths {
		p := filepath.Join(root, fmt.Sprintf("file-%04d.txt", i))
		require.NoError(b, os.WriteFile(p, []byte("x"), 0o644))
		paths[i] = p
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev := collab.EventRecord{Kind: collab.Modify, Path: paths[i%len(paths)]}
		start := time.Now()
		if err := tc.ApplyEvents([]collab.EventRecord{ev}); err != nil {
			b.Fatalf("apply: %v", err)
		}
		_ = hist.RecordValue(time.Since(start).Nanoseconds())
	}
	b.StopTimer()

	writeHistogramLog(b, "apply_events", hist)
}

func BenchmarkQuery(b *testing.B) {
	root := b.TempDir()
	tc := newBenchCore(b, root)

	for i := 0; i < 1000; i++ {
		p := filepath.Join(root, fmt.Sprintf("file-%04d.txt", i))
		require.NoError(b, os.WriteFile(p, []byte("x"), 0o644))
		require.NoError(b, tc.ApplyEvents([]collab.EventRecord{{Kind: collab.Create, Path: p}}))
	}
	require.NoError(b, tc.FlushNow())

	m := query.Compile("file-0500")
	hist := hdrhistogram.New(1, 1_000_000_000, 3)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		if _, err := tc.Query(m, 10); err != nil {
			b.Fatalf("query: %v", err)
		}
		_ = hist.RecordValue(time.Since(start).Nanoseconds())
	}
	b.StopTimer()

	writeHistogramLog(b, "query", hist)
}

// newBenchCore wires the same collaborators newTestCore uses for the
// regular unit tests, against testing.B instead of testing.T.
func newBenchCore(b *testing.B, root string) *TieredCore {
	b.Helper()
	dataDir := b.TempDir()

	cfg := config.Default()
	cfg.Roots = []string{root}
	cfg.NoBuild = true

	dir, err := lsmdir.Open(dataDir)
	require.NoError(b, err)
	b.Cleanup(func() { _ = dir.Close() })

	wal, err := walog.Open(dataDir, walog.WithRegisterer(prometheus.NewRegistry()))
	require.NoError(b, err)
	b.Cleanup(func() { _ = wal.Close() })

	ov := overlay.New()
	sched := scheduler.NewWithSampler(fakeSampler{}, 4)

	tc, err := New(cfg, dir, wal, ov, sched, fakeWalker{}, nil, log.NewNopLogger())
	require.NoError(b, err)
	return tc
}

// writeHistogramLog dumps hist in HdrHistogram's standard interval-log
// format, the same artifact benmathews/hdrhistogram-writer produces for
// the teacher's own latency-sensitive benchmarks, plus a one-line
// percentile summary through b.Logf.
func writeHistogramLog(b *testing.B, name string, hist *hdrhistogram.Histogram) {
	b.Helper()
	f, err := os.Create(filepath.Join(b.TempDir(), name+".hgrm"))
	if err != nil {
		b.Logf("histogram log: %v", err)
		return
	}
	defer f.Close()

	w := hdrhistogram_writer.NewHistogramLogWriter(f, time.Now())
	w.OutputLogFormatVersion()
	w.OutputStartTime(time.Now())
	w.OutputLegend()
	if err := w.OutputIntervalHistogram(hist); err != nil {
		b.Logf("histogram write: %v", err)
	}

	b.Logf("%s: p50=%dns p99=%dns p99.9=%dns mean=%.0fns",
		name,
		hist.ValueAtQuantile(50),
		hist.ValueAtQuantile(99),
		hist.ValueAtQuantile(99.9),
		hist.Mean(),
	)
}
