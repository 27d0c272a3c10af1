// Command filetried is the daemon entry point spec §6 describes: it
// wires the collaborators (watcher, walker, allocator, HTTP surface)
// around internal/core.TieredCore and runs until signaled.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/filetrie/filetrie/internal/collab"
	"github.com/filetrie/filetrie/internal/config"
	"github.com/filetrie/filetrie/internal/core"
	"github.com/filetrie/filetrie/internal/fswalk"
	"github.com/filetrie/filetrie/internal/fswatch"
	"github.com/filetrie/filetrie/internal/lsmdir"
	"github.com/filetrie/filetrie/internal/overlay"
	"github.com/filetrie/filetrie/internal/query"
	"github.com/filetrie/filetrie/internal/scheduler"
	"github.com/filetrie/filetrie/internal/stats"
	"github.com/filetrie/filetrie/internal/walog"
)

func main() {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	if err := run(logger); err != nil {
		level.Error(logger).Log("msg", "fatal startup error", "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	dataDir := cfg.SnapshotPath + ".d"
	if cfg.NoSnapshot {
		if err := os.RemoveAll(dataDir); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("no_snapshot: clearing %s: %w", dataDir, err)
		}
	}

	reg := prometheus.NewRegistry()

	dir, err := lsmdir.Open(dataDir)
	if err != nil {
		if dir == nil {
			return fmt.Errorf("lsmdir: %w", err)
		}
		level.Warn(logger).Log("msg", "lsmdir: delta segments skipped", "err", err)
	}
	defer dir.Close()

	wal, err := walog.Open(dataDir, walog.WithLogger(logger), walog.WithRegisterer(reg))
	if err != nil {
		return fmt.Errorf("walog: %w", err)
	}
	defer wal.Close()

	ov := overlay.New()
	sched := scheduler.New()
	walker := fswalk.New()

	tc, err := core.New(cfg, dir, wal, ov, sched, walker, collab.NoopAllocator{}, logger)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}
	defer tc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var watcher *fswatch.Watcher
	if !cfg.NoWatch {
		watcher, err = fswatch.New(cfg.Roots, tc.ApplyEvents, tc.NotifyOverflow, logger)
		if err != nil {
			return fmt.Errorf("fswatch: %w", err)
		}
		watcher.IgnorePrefixes(append([]string{dataDir}, cfg.IgnorePaths...))
		defer watcher.Close()

		watchDone := make(chan struct{})
		go func() {
			watcher.Run(watchDone)
		}()
		go func() {
			<-ctx.Done()
			close(watchDone)
		}()
	}

	reporter := stats.New(tc, reg, logger)
	go reporter.Run(ctx, cfg.StatsInterval)

	go runFlushLoop(ctx, tc, cfg.FlushInterval, logger)

	srv := newHTTPServer(cfg.HTTPPort, tc, reporter, reg)
	errCh := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	level.Info(logger).Log("msg", "shutting down")
	return nil
}

// runFlushLoop is the background flush worker spec §5 names alongside
// the rebuild worker. FlushNow is a cheap no-op when nothing is dirty,
// so a fixed interval is sufficient rather than a dirty-tracking signal.
func runFlushLoop(ctx context.Context, tc *core.TieredCore, interval time.Duration, logger log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tc.FlushNow(); err != nil {
				level.Warn(logger).Log("msg", "periodic flush failed", "err", err)
			}
		}
	}
}

func newHTTPServer(port uint16, tc *core.TieredCore, reporter *stats.Reporter, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", searchHandler(tc))
	mux.HandleFunc("/status", statusHandler(reporter))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:    ":" + strconv.Itoa(int(port)),
		Handler: mux,
	}
}

// searchHandler implements spec §6's GET /search?q=…&limit=….
func searchHandler(tc *core.TieredCore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			http.Error(w, "missing q", http.StatusBadRequest)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		results, err := tc.Query(query.Compile(q), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(results)
	}
}

// statusHandler implements spec §6's GET /status.
func statusHandler(reporter *stats.Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := reporter.Snapshot()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	}
}
