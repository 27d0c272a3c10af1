package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type literalMatcher struct{ literal string }

func (m literalMatcher) LiteralTrigramSource() string { return m.literal }
func (m literalMatcher) Matches(absolutePath string) bool {
	return basename(absolutePath) == m.literal || absolutePath == m.literal ||
		containsSubstr(absolutePath, m.literal)
}
func (m literalMatcher) Score(string) float64 { return 1.0 }

func containsSubstr(haystack, needle string) bool {
	return len(needle) > 0 && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func TestUpsertFastPath(t *testing.T) {
	d := New([]string{"/tmp/R"})
	key := FileKey{Dev: 1, Ino: 1}

	id1, err := d.Upsert(key, "/tmp/R/a.txt", 10, 100)
	require.NoError(t, err)

	id2, err := d.Upsert(key, "/tmp/R/a.txt", 20, 200)
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "same filekey+path must reuse DocId via fast path")

	metas, live := d.Metas()
	assert.True(t, live[id1])
	assert.Equal(t, uint64(20), metas[id1].Size)
	assert.Equal(t, int64(200), metas[id1].MtimeNs)
}

func TestUpsertOutsideRoots(t *testing.T) {
	d := New([]string{"/tmp/R"})
	_, err := d.Upsert(FileKey{Dev: 1, Ino: 1}, "/other/a.txt", 1, 1)
	require.Error(t, err)
}

func TestDeleteThenQuery(t *testing.T) {
	d := New([]string{"/tmp/R"})
	key := FileKey{Dev: 1, Ino: 2}
	id, err := d.Upsert(key, "/tmp/R/x.txt", 1, 1)
	require.NoError(t, err)

	results := d.Query(literalMatcher{literal: "x.txt"}, 10)
	require.Len(t, results, 1)
	assert.Equal(t, "/tmp/R/x.txt", results[0].Path)

	d.Delete(id)
	assert.True(t, d.IsTombstoned(id))

	results = d.Query(literalMatcher{literal: "x.txt"}, 10)
	assert.Empty(t, results)
}

func TestDeleteThenRecreatePreservesNewest(t *testing.T) {
	d := New([]string{"/tmp/R"})
	key := FileKey{Dev: 1, Ino: 3}

	id, err := d.Upsert(key, "/tmp/R/y.txt", 10, 1)
	require.NoError(t, err)
	d.Delete(id)

	id2, err := d.Upsert(key, "/tmp/R/y.txt", 20, 2)
	require.NoError(t, err)

	results := d.Query(literalMatcher{literal: "y.txt"}, 10)
	require.Len(t, results, 1)
	metas, live := d.Metas()
	assert.True(t, live[id2])
	assert.Equal(t, uint64(20), metas[id2].Size)
}

func TestRenameNoOp(t *testing.T) {
	d := New([]string{"/tmp/R"})
	key := FileKey{Dev: 1, Ino: 4}
	id, err := d.Upsert(key, "/tmp/R/same.txt", 1, 1)
	require.NoError(t, err)

	id2, err := d.Rename(id, "/tmp/R/same.txt")
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestRenamePreservesDocId(t *testing.T) {
	d := New([]string{"/tmp/R"})
	key := FileKey{Dev: 1, Ino: 5}
	id, err := d.Upsert(key, "/tmp/R/old.txt", 1, 1)
	require.NoError(t, err)

	id2, err := d.Rename(id, "/tmp/R/new.txt")
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	results := d.Query(literalMatcher{literal: "new.txt"}, 10)
	require.Len(t, results, 1)
	assert.Equal(t, "/tmp/R/new.txt", results[0].Path)
}

func TestQueryEachDocIdOnce(t *testing.T) {
	d := New([]string{"/tmp/R"})
	key := FileKey{Dev: 1, Ino: 1}
	_, err := d.Upsert(key, "/tmp/R/once.txt", 1, 1)
	require.NoError(t, err)

	// Re-upserting the same FileKey+path hits the fast path and must not
	// duplicate the DocId's postings or query hits.
	_, err = d.Upsert(key, "/tmp/R/once.txt", 2, 2)
	require.NoError(t, err)

	results := d.Query(literalMatcher{literal: "once.txt"}, 100)
	assert.Len(t, results, 1)
}

func TestExtractTrigramsShortString(t *testing.T) {
	assert.Empty(t, ExtractTrigrams("ab"))
	assert.Len(t, ExtractTrigrams("abc"), 1)
	assert.Len(t, ExtractTrigrams("abcd"), 2)
}

func TestExtractTrigramsLowercases(t *testing.T) {
	a := ExtractTrigrams("ABC")
	b := ExtractTrigrams("abc")
	assert.Equal(t, a, b)
}
