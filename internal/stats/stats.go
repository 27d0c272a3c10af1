// Package stats implements StatsReporter (spec §4.10): a periodic
// structured report that distinguishes heap (dirty anon) from
// file-backed resident memory from shadow (overlay + pending-event)
// memory, plus the core's structural counters.
package stats

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filetrie/filetrie/internal/collab"
)

// Source supplies the structural counters a report needs; the core
// implements it, so this package depends only on this interface and
// never imports internal/core.
type Source interface {
	ArenaBytes() uint64
	ArenaCapacity() uint64
	PostingBytes() uint64
	MetaLen() uint64
	MetaCapacity() uint64
	TombstoneCardinality() uint64
	OverlayDeletedCount() uint64
	OverlayUpsertedCount() uint64
	OverlayBytes() uint64
	PendingEventCount() uint64
	DeltaSegmentCount() int
	HasBase() bool
}

// Reporter samples a Source plus this process's own memory/fault
// counters on an interval and emits both a structured log line and a
// set of prometheus gauges.
type Reporter struct {
	source Source
	logger log.Logger

	lastMinor uint64
	lastMajor uint64

	arenaBytes      prometheus.Gauge
	arenaCapacity   prometheus.Gauge
	postingBytes    prometheus.Gauge
	metaLen         prometheus.Gauge
	metaCapacity    prometheus.Gauge
	tombstoneCard   prometheus.Gauge
	overlayDeleted  prometheus.Gauge
	overlayUpserted prometheus.Gauge
	overlayBytes    prometheus.Gauge
	pendingEvents   prometheus.Gauge
	deltaSegments   prometheus.Gauge
	hasBase         prometheus.Gauge
	residentAnon    prometheus.Gauge
	residentDirty   prometheus.Gauge
	residentClean   prometheus.Gauge
	minorFaults     prometheus.Counter
	majorFaults     prometheus.Counter
}

// New builds a Reporter sampling source, registering its gauges
// against reg and logging each report through logger.
func New(source Source, reg prometheus.Registerer, logger log.Logger) *Reporter {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f := promauto.With(reg)
	return &Reporter{
		source:          source,
		logger:          logger,
		arenaBytes:      f.NewGauge(prometheus.GaugeOpts{Name: "arena_bytes"}),
		arenaCapacity:   f.NewGauge(prometheus.GaugeOpts{Name: "arena_capacity_bytes"}),
		postingBytes:    f.NewGauge(prometheus.GaugeOpts{Name: "posting_serialized_bytes"}),
		metaLen:         f.NewGauge(prometheus.GaugeOpts{Name: "meta_table_len"}),
		metaCapacity:    f.NewGauge(prometheus.GaugeOpts{Name: "meta_table_capacity"}),
		tombstoneCard:   f.NewGauge(prometheus.GaugeOpts{Name: "tombstone_cardinality"}),
		overlayDeleted:  f.NewGauge(prometheus.GaugeOpts{Name: "overlay_deleted_count"}),
		overlayUpserted: f.NewGauge(prometheus.GaugeOpts{Name: "overlay_upserted_count"}),
		overlayBytes:    f.NewGauge(prometheus.GaugeOpts{Name: "overlay_bytes"}),
		pendingEvents:   f.NewGauge(prometheus.GaugeOpts{Name: "pending_event_count"}),
		deltaSegments:   f.NewGauge(prometheus.GaugeOpts{Name: "delta_segment_count"}),
		hasBase:         f.NewGauge(prometheus.GaugeOpts{Name: "has_base_segment"}),
		residentAnon:    f.NewGauge(prometheus.GaugeOpts{Name: "resident_anonymous_bytes"}),
		residentDirty:   f.NewGauge(prometheus.GaugeOpts{Name: "resident_private_dirty_bytes"}),
		residentClean:   f.NewGauge(prometheus.GaugeOpts{Name: "resident_private_clean_bytes"}),
		minorFaults:     f.NewCounter(prometheus.CounterOpts{Name: "minor_page_faults_total"}),
		majorFaults:     f.NewCounter(prometheus.CounterOpts{Name: "major_page_faults_total"}),
	}
}

// Snapshot produces one collab.StatusSnapshot: the Source's structural
// counters plus this process's current memory/fault readings.
func (r *Reporter) Snapshot() (collab.StatusSnapshot, error) {
	rollup, err := readSmapsRollup()
	if err != nil {
		return collab.StatusSnapshot{}, err
	}
	faults, err := readPageFaultCounts()
	if err != nil {
		return collab.StatusSnapshot{}, err
	}

	return collab.StatusSnapshot{
		ArenaBytes:           r.source.ArenaBytes(),
		ArenaCapacity:        r.source.ArenaCapacity(),
		PostingBytes:         r.source.PostingBytes(),
		MetaLen:              r.source.MetaLen(),
		MetaCapacity:         r.source.MetaCapacity(),
		TombstoneCardinality: r.source.TombstoneCardinality(),
		OverlayDeletedCount:  r.source.OverlayDeletedCount(),
		OverlayUpsertedCount: r.source.OverlayUpsertedCount(),
		OverlayBytes:         r.source.OverlayBytes(),
		PendingEventCount:    r.source.PendingEventCount(),
		DeltaSegmentCount:    r.source.DeltaSegmentCount(),
		HasBase:              r.source.HasBase(),
		ResidentAnonBytes:    rollup.AnonymousKB * 1024,
		ResidentDirtyBytes:   rollup.PrivateDirtyKB * 1024,
		ResidentCleanBytes:   rollup.PrivateCleanKB * 1024,
		MajorFaults:          faults.Major,
		MinorFaults:          faults.Minor,
	}, nil
}

// tick samples, updates gauges, and logs one report line.
func (r *Reporter) tick() {
	snap, err := r.Snapshot()
	if err != nil {
		level.Warn(r.logger).Log("msg", "stats sample failed", "err", err)
		return
	}

	r.arenaBytes.Set(float64(snap.ArenaBytes))
	r.arenaCapacity.Set(float64(snap.ArenaCapacity))
	r.postingBytes.Set(float64(snap.PostingBytes))
	r.metaLen.Set(float64(snap.MetaLen))
	r.metaCapacity.Set(float64(snap.MetaCapacity))
	r.tombstoneCard.Set(float64(snap.TombstoneCardinality))
	r.overlayDeleted.Set(float64(snap.OverlayDeletedCount))
	r.overlayUpserted.Set(float64(snap.OverlayUpsertedCount))
	r.overlayBytes.Set(float64(snap.OverlayBytes))
	r.pendingEvents.Set(float64(snap.PendingEventCount))
	r.deltaSegments.Set(float64(snap.DeltaSegmentCount))
	if snap.HasBase {
		r.hasBase.Set(1)
	} else {
		r.hasBase.Set(0)
	}
	r.residentAnon.Set(float64(snap.ResidentAnonBytes))
	r.residentDirty.Set(float64(snap.ResidentDirtyBytes))
	r.residentClean.Set(float64(snap.ResidentCleanBytes))

	if snap.MinorFaults >= r.lastMinor {
		r.minorFaults.Add(float64(snap.MinorFaults - r.lastMinor))
	}
	if snap.MajorFaults >= r.lastMajor {
		r.majorFaults.Add(float64(snap.MajorFaults - r.lastMajor))
	}
	r.lastMinor = snap.MinorFaults
	r.lastMajor = snap.MajorFaults

	level.Info(r.logger).Log(
		"msg", "stats report",
		"arena_bytes", snap.ArenaBytes,
		"posting_bytes", snap.PostingBytes,
		"meta_len", snap.MetaLen,
		"tombstones", snap.TombstoneCardinality,
		"overlay_deleted", snap.OverlayDeletedCount,
		"overlay_upserted", snap.OverlayUpsertedCount,
		"pending_events", snap.PendingEventCount,
		"delta_segments", snap.DeltaSegmentCount,
		"has_base", snap.HasBase,
		"resident_anon_bytes", snap.ResidentAnonBytes,
		"resident_dirty_bytes", snap.ResidentDirtyBytes,
		"resident_clean_bytes", snap.ResidentCleanBytes,
		"minor_faults_total", snap.MinorFaults,
		"major_faults_total", snap.MajorFaults,
	)
}

// Run samples and logs every interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick()
		}
	}
}
