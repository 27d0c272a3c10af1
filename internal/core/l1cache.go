package core

import (
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/filetrie/filetrie/internal/collab"
)

// l1Cache is spec §4.8's L1 hot-query cache: invalidated wholesale
// (never per-entry) on any event apply, flush, compaction or rebuild,
// since any of those can change which paths are live at any layer.
//
// Backed by an immutable.SortedMap the way the teacher's wal.go snapshots
// its segment table (&immutable.SortedMap[uint64, segmentState]{}):
// readers take a lock-free snapshot via the atomic pointer, Set builds
// a new persistent version without disturbing concurrent readers of
// the old one, and invalidate is just a pointer swap to a fresh map.
type l1Cache struct {
	m atomic.Pointer[immutable.SortedMap[string, []collab.QueryResult]]
}

func newL1Cache() *l1Cache {
	c := &l1Cache{}
	c.m.Store(&immutable.SortedMap[string, []collab.QueryResult]{})
	return c
}

func l1CacheKey(query string, limit int) string {
	return fmt.Sprintf("%d#%s", limit, query)
}

func (c *l1Cache) get(key l1Key) ([]collab.QueryResult, bool) {
	return c.m.Load().Get(l1CacheKey(key.query, key.limit))
}

func (c *l1Cache) put(key l1Key, results []collab.QueryResult) {
	for {
		old := c.m.Load()
		next := old.Set(l1CacheKey(key.query, key.limit), results)
		if c.m.CompareAndSwap(old, next) {
			return
		}
	}
}

// invalidate drops every cached entry.
func (c *l1Cache) invalidate() {
	c.m.Store(&immutable.SortedMap[string, []collab.QueryResult]{})
}

// l1Key identifies a cached query by its normalized query string and
// result limit.
type l1Key struct {
	query string
	limit int
}
