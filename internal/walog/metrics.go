// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package walog

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type walMetrics struct {
	recordsAppended  prometheus.Counter
	bytesAppended    prometheus.Counter
	appendBatches    prometheus.Counter
	seals            prometheus.Counter
	recordsReplayed  prometheus.Counter
	cleanups         *prometheus.CounterVec
	lastSealAgeSecs  prometheus.Gauge
	droppedTailBytes prometheus.Counter
}

func newWALMetrics(reg prometheus.Registerer) *walMetrics {
	return &walMetrics{
		recordsAppended: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_records_appended",
			Help: "wal_records_appended counts individual event records appended" +
				" to the active log file.",
		}),
		bytesAppended: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_bytes_appended",
			Help: "wal_bytes_appended counts encoded record bytes, including the" +
				" length and checksum prefix.",
		}),
		appendBatches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_append_batches",
			Help: "wal_append_batches counts calls to AppendBatch.",
		}),
		seals: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_seals",
			Help: "wal_seals counts how many times the active log file was" +
				" sealed and replaced.",
		}),
		recordsReplayed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_records_replayed",
			Help: "wal_records_replayed counts records returned by Replay across" +
				" every call since process start.",
		}),
		cleanups: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "wal_cleanups",
				Help: "wal_cleanups counts Cleanup calls categorized by whether" +
					" they removed any sealed file.",
			},
			[]string{"removed"},
		),
		lastSealAgeSecs: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "wal_last_seal_age_seconds",
			Help: "wal_last_seal_age_seconds is set each time the active log is" +
				" sealed and records the age in seconds of the file that was sealed.",
		}),
		droppedTailBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "wal_dropped_tail_bytes",
			Help: "wal_dropped_tail_bytes counts bytes discarded from a truncated" +
				" trailing record encountered during replay.",
		}),
	}
}
