package core

import (
	"path/filepath"

	"github.com/RoaringBitmap/roaring"

	"github.com/filetrie/filetrie/internal/collab"
	"github.com/filetrie/filetrie/internal/delta"
	"github.com/filetrie/filetrie/internal/query"
	"github.com/filetrie/filetrie/internal/segment"
)

// segmentAbsolutePath reconstructs a MetaRecord's absolute path from a
// loaded segment's arena and root list, mirroring
// MutableDelta.absolutePath exactly so an on-disk hit and an in-memory
// hit for the same file produce byte-identical paths.
func segmentAbsolutePath(roots []string, arena []byte, rec delta.MetaRecord) string {
	rel := arena[rec.Path.Offset : rec.Path.Offset+uint32(rec.Path.Length)]
	return roots[rec.Path.RootID] + string(filepath.Separator) + string(rel)
}

// intersectTrigrams looks up every trigram's posting list in c and
// intersects them; an absent trigram means no candidate can match.
func intersectTrigrams(c *segment.Container, trigrams []delta.Trigram) (*roaring.Bitmap, error) {
	var result *roaring.Bitmap
	for _, t := range trigrams {
		off, length, found := c.LookupTrigram(t)
		if !found {
			return roaring.New(), nil
		}
		bm, err := c.DecodePosting(off, length)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = bm
		} else {
			result = roaring.And(result, bm)
		}
	}
	if result == nil {
		return roaring.New(), nil
	}
	return result, nil
}

// queryContainer runs the on-disk half of spec §4.8's cross-layer
// merge against one segment.Container: intersect postings on the
// matcher's literal trigrams (or scan every live, non-tombstoned
// record when the literal is too short to extract any), apply the
// matcher's exact predicate, and merge each candidate into blocked
// following the block-then-add rule so an older layer's hit never
// resurrects a path a newer layer already shadowed.
func queryContainer(c *segment.Container, m query.Matcher, blocked map[string]struct{}, limit int, results []collab.QueryResult) []collab.QueryResult {
	dm := m.AsDeltaMatcher()
	trigrams := m.QueryTrigrams()

	_, roots, err := c.Roots()
	if err != nil || roots == nil {
		return results
	}
	arena := c.PathArena()
	tomb := c.Tombstones()

	var candidateIDs []uint32
	if len(trigrams) == 0 {
		n := c.MetaCount()
		candidateIDs = make([]uint32, n)
		for i := range candidateIDs {
			candidateIDs[i] = uint32(i)
		}
	} else {
		bm, err := intersectTrigrams(c, trigrams)
		if err != nil {
			return results
		}
		candidateIDs = bm.ToArray()
	}

	for _, id := range candidateIDs {
		if len(results) >= limit {
			break
		}
		if tomb.Contains(id) {
			continue
		}
		rec, ok := c.MetaAt(delta.DocId(id))
		if !ok {
			continue
		}
		absPath := segmentAbsolutePath(roots, arena, rec)

		if _, isBlocked := blocked[absPath]; isBlocked {
			continue
		}
		if !dm.Matches(absPath) {
			continue
		}

		results = append(results, collab.QueryResult{
			Path:  absPath,
			Score: dm.Score(absPath),
		})
		blocked[absPath] = struct{}{}
	}
	return results
}
