package query

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/filetrie/filetrie/internal/delta"
)

func TestCompileClassifiesQueryKind(t *testing.T) {
	assert.Equal(t, Contains, Compile("bravo").Kind)
	assert.Equal(t, GlobBasename, Compile("*.rs").Kind)
	assert.Equal(t, GlobFullPath, Compile("docs/*.md").Kind)
}

func TestContainsMatch(t *testing.T) {
	m := Compile("bravo")
	assert.True(t, m.Match("/tmp/R/docs/bravo.md"))
	assert.False(t, m.Match("/tmp/R/alpha.rs"))
}

func TestGlobBasenameMatch(t *testing.T) {
	m := Compile("*.rs")
	assert.True(t, m.Match("/tmp/R/alpha.rs"))
	assert.False(t, m.Match("/tmp/R/docs/bravo.md"))
}

func TestGlobFullPathMatch(t *testing.T) {
	m := Compile("docs/*.md")
	assert.True(t, m.Match("docs/bravo.md"))
	assert.False(t, m.Match("other/bravo.md"))
}

func TestExactMatchScoresOne(t *testing.T) {
	m := Compile("bravo.md")
	assert.Equal(t, 1.0, m.Score("/tmp/R/docs/bravo.md", nil))
}

func TestPartialMatchScoresByTrigramOverlap(t *testing.T) {
	m := Compile("brav")
	pathTrigrams := delta.ExtractTrigrams("bravo.md")
	score := m.Score("/tmp/R/docs/bravo.md", pathTrigrams)
	assert.Greater(t, score, 0.0)
	assert.LessOrEqual(t, score, 1.0)
}

func TestScoreNeverBelowFloor(t *testing.T) {
	m := Compile("zzz")
	score := m.Score("/tmp/R/docs/bravo.md", delta.ExtractTrigrams("bravo.md"))
	assert.GreaterOrEqual(t, score, minScore)
}

func TestQueryTrigramsEmptyWhenLiteralSpansPathSeparator(t *testing.T) {
	// PostingMap only ever indexes a document's basename trigrams, so a
	// literal/prefix spanning a path separator can't be intersected
	// against anything and must fall back to a brute scan instead of
	// silently returning zero candidates.
	assert.Empty(t, Compile("docs/bravo").QueryTrigrams())
	assert.Empty(t, Compile("docs/*.md").QueryTrigrams())
	assert.NotEmpty(t, Compile("bravo").QueryTrigrams())
}
