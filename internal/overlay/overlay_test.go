package overlay

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarkDeletedThenUpsertedMovesBetweenSets(t *testing.T) {
	s := New()
	s.MarkDeleted("/r/a.txt")
	assert.True(t, s.IsDeleted("/r/a.txt"))
	assert.Equal(t, 1, s.DeletedCount())

	s.MarkUpserted("/r/a.txt")
	assert.False(t, s.IsDeleted("/r/a.txt"))
	assert.Equal(t, 0, s.DeletedCount())
	assert.Equal(t, 1, s.UpsertedCount())
}

func TestSidecarPathsExcludesRebornPaths(t *testing.T) {
	s := New()
	s.MarkDeleted("/r/gone.txt")
	s.MarkDeleted("/r/reborn.txt")
	s.MarkUpserted("/r/reborn.txt")

	got := s.SidecarPaths()
	var strs []string
	for _, b := range got {
		strs = append(strs, string(b))
	}
	sort.Strings(strs)
	assert.Equal(t, []string{"/r/gone.txt"}, strs)
}

func TestClearResetsBothSets(t *testing.T) {
	s := New()
	s.MarkDeleted("/r/a")
	s.MarkUpserted("/r/b")
	s.Clear()
	assert.Equal(t, 0, s.DeletedCount())
	assert.Equal(t, 0, s.UpsertedCount())
	assert.Empty(t, s.DeletedPaths())
}

func TestSubtractLeavesConcurrentMarksIntact(t *testing.T) {
	s := New()
	s.MarkDeleted("/r/gone.txt")
	shadowed := s.SidecarPaths()

	// Simulate events applied to the new delta while a flush exports
	// the old one off the critical path: these must survive Subtract.
	s.MarkDeleted("/r/also-gone.txt")
	s.MarkUpserted("/r/new.txt")

	s.Subtract(shadowed)

	assert.False(t, s.IsDeleted("/r/gone.txt"))
	assert.True(t, s.IsDeleted("/r/also-gone.txt"))
	assert.Equal(t, 1, s.UpsertedCount())
}

func TestByteSizeSumsPathLengths(t *testing.T) {
	s := New()
	s.MarkDeleted("abcde")
	s.MarkUpserted("xy")
	assert.Equal(t, uint64(7), s.ByteSize())
}
