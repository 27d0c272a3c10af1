// Package collab names the collaborators spec.md §1 and §6 deliberately
// place outside the core's scope. The watcher, the walker and the
// allocator are interfaces; the HTTP surface is represented only by its
// response types (QueryResult, StatusSnapshot), and the command-line
// entry point has no type here. The core depends only on these, so it
// can be built and tested without the real implementations (fsnotify,
// the filesystem walker, glibc/mimalloc bindings).
package collab

import "time"

// EventKind enumerates the four change kinds the watcher reports and
// the WAL persists (spec §4.6).
type EventKind uint8

const (
	Create EventKind = iota + 1
	Delete
	Modify
	Rename
)

func (k EventKind) String() string {
	switch k {
	case Create:
		return "create"
	case Delete:
		return "delete"
	case Modify:
		return "modify"
	case Rename:
		return "rename"
	default:
		return "unknown"
	}
}

// EventRecord is the unit the Watcher hands to the core and the WAL
// persists. FromPath is only meaningful for Rename.
type EventRecord struct {
	Kind      EventKind
	Path      string
	FromPath  string
	Timestamp time.Time
}

// Watcher is the filesystem-event notification collaborator. The core
// never constructs one; it only consumes batches through ApplyEvents
// and reports overflow through NotifyOverflow.
type Watcher interface {
	// IgnorePrefixes installs the path-ignore list the watcher must
	// respect, at minimum the snapshot path and its .d/ variant.
	IgnorePrefixes(prefixes []string)
}

// MetaCallback is invoked by a Walker once per regular file found under
// the configured roots.
type MetaCallback func(dev, ino uint64, absolutePath string, size uint64, mtimeNs int64) error

// ScanStrategy mirrors AdaptiveScheduler's Strategy (spec §4.9) for the
// Walker's parallelism hint.
type ScanStrategy struct {
	Parallel      bool
	Shards        int
	PerShardDepth int
}

// Walker performs the full filesystem scan used by cold start and
// rebuild. Respects .gitignore-style ignore files per spec §6.
type Walker interface {
	ForEachMeta(roots []string, strategy ScanStrategy, cb MetaCallback) error
}

// Allocator is the process-global allocator's optional trim hook
// (glibc malloc_trim or mimalloc collect are interchangeable per §6).
type Allocator interface {
	Trim()
}

// NoopAllocator is used when no allocator integration is configured.
type NoopAllocator struct{}

func (NoopAllocator) Trim() {}

// QueryResult is one hit returned to the HTTP surface. Field tags match
// spec §6's GET /search response shape: {"path": string, "score": number}.
type QueryResult struct {
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// StatusSnapshot is what GET /status renders; fields mirror
// stats.Report so the HTTP layer need not import internal/stats
// directly in collaborator-only builds.
type StatusSnapshot struct {
	ArenaBytes           uint64 `json:"arena_bytes"`
	ArenaCapacity        uint64 `json:"arena_capacity_bytes"`
	PostingBytes         uint64 `json:"posting_serialized_bytes"`
	MetaLen              uint64 `json:"meta_table_len"`
	MetaCapacity         uint64 `json:"meta_table_capacity"`
	TombstoneCardinality uint64 `json:"tombstone_cardinality"`
	OverlayDeletedCount  uint64 `json:"overlay_deleted_count"`
	OverlayUpsertedCount uint64 `json:"overlay_upserted_count"`
	OverlayBytes         uint64 `json:"overlay_bytes"`
	PendingEventCount    uint64 `json:"pending_event_count"`
	DeltaSegmentCount    int    `json:"delta_segment_count"`
	HasBase              bool   `json:"has_base_segment"`
	ResidentAnonBytes    uint64 `json:"resident_anonymous_bytes"`
	ResidentDirtyBytes   uint64 `json:"resident_private_dirty_bytes"`
	ResidentCleanBytes   uint64 `json:"resident_private_clean_bytes"`
	MajorFaults          uint64 `json:"major_page_faults_total"`
	MinorFaults          uint64 `json:"minor_page_faults_total"`
}
