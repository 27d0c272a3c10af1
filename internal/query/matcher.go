// Package query implements Matcher, the small compiled-once tagged
// union spec §9 calls for so a query string is parsed a single time
// and reused as a cheap predicate across every layer a merge visits,
// plus the scoring rule results are ranked by.
package query

import (
	"path/filepath"
	"strings"

	"github.com/filetrie/filetrie/internal/delta"
)

// Kind discriminates the three ways a query string can match a path.
type Kind int

const (
	// Contains matches when the literal query string appears anywhere
	// in the absolute path (case-sensitive, per spec §4.8's trigram
	// extraction being lowercase-normalized only for indexing, not for
	// the final exact predicate).
	Contains Kind = iota
	// GlobFullPath matches the whole absolute path against a
	// filepath.Match-style pattern.
	GlobFullPath
	// GlobBasename matches only the final path element against a
	// filepath.Match-style pattern.
	GlobBasename
)

// Matcher is a compiled query: its Kind plus whatever Kind-specific
// state (literal text or glob pattern) is needed to test a path
// without re-parsing the query string each time.
type Matcher struct {
	Kind    Kind
	Literal string
	Pattern string

	literalSource string
	queryTrigrams []delta.Trigram
}

// isGlobPattern reports whether s contains any filepath.Match
// metacharacter.
func isGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// Compile builds a Matcher from a raw query string. A query containing
// glob metacharacters anywhere is treated as GlobBasename unless it
// also contains a path separator, in which case it's GlobFullPath;
// anything else is a plain Contains substring match.
func Compile(q string) Matcher {
	m := Matcher{}
	switch {
	case isGlobPattern(q) && strings.ContainsRune(q, '/'):
		m.Kind = GlobFullPath
		m.Pattern = q
	case isGlobPattern(q):
		m.Kind = GlobBasename
		m.Pattern = q
	default:
		m.Kind = Contains
		m.Literal = q
	}

	literalPart := q
	if m.Kind != Contains {
		literalPart = longestLiteralPrefix(q)
	}

	// PostingMap only ever indexes a document's basename trigrams (spec
	// §4.3's delete() "removes all trigrams of its basename"), so a
	// literal/prefix that spans a path separator has no posting list to
	// intersect against — extracting trigrams from it would only ever
	// return an empty candidate set, turning a real match into a false
	// negative. Leaving queryTrigrams and literalSource empty here falls
	// through to the same brute-scan path §9 already specifies for
	// literals under 3 bytes, in both the segments and the delta.
	if !strings.ContainsRune(literalPart, '/') {
		m.literalSource = literalPart
		m.queryTrigrams = delta.ExtractTrigrams(literalPart)
	}
	return m
}

// longestLiteralPrefix returns the portion of a glob pattern before
// its first metacharacter, used to choose which trigrams to intersect
// postings on (spec §4.8: "extract trigrams from the query's literal
// prefix... for non-glob queries, the whole literal").
func longestLiteralPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

// QueryTrigrams returns the trigrams extracted from this matcher's
// literal/prefix portion, used to intersect postings before the exact
// predicate is applied.
func (m Matcher) QueryTrigrams() []delta.Trigram {
	return m.queryTrigrams
}

// Match reports whether absolutePath satisfies this matcher's exact
// predicate. Trigram intersection is only a candidate filter; Match is
// always the final authority.
func (m Matcher) Match(absolutePath string) bool {
	switch m.Kind {
	case Contains:
		return strings.Contains(absolutePath, m.Literal)
	case GlobFullPath:
		ok, err := filepath.Match(m.Pattern, absolutePath)
		return err == nil && ok
	case GlobBasename:
		ok, err := filepath.Match(m.Pattern, filepath.Base(absolutePath))
		return err == nil && ok
	default:
		return false
	}
}

// IsExact reports whether absolutePath is a whole-string match rather
// than a partial/substring one, used by Score to assign 1.0.
func (m Matcher) IsExact(absolutePath string) bool {
	switch m.Kind {
	case Contains:
		return absolutePath == m.Literal || filepath.Base(absolutePath) == m.Literal
	case GlobFullPath:
		return m.Pattern == absolutePath
	case GlobBasename:
		return m.Pattern == filepath.Base(absolutePath)
	default:
		return false
	}
}

// minScore is the floor applied to a partial-match's trigram-overlap
// ranking, per DESIGN.md's score-formula decision.
const minScore = 0.1

// Score ranks a matched path: 1.0 for an exact literal/basename match,
// otherwise matched_trigrams/total_query_trigrams floored at minScore,
// following google-codesearch's match-count-weighted ranking tradition.
func (m Matcher) Score(absolutePath string, pathTrigrams []delta.Trigram) float64 {
	if m.IsExact(absolutePath) {
		return 1.0
	}
	if len(m.queryTrigrams) == 0 {
		return minScore
	}

	present := make(map[delta.Trigram]struct{}, len(pathTrigrams))
	for _, t := range pathTrigrams {
		present[t] = struct{}{}
	}

	matched := 0
	for _, t := range m.queryTrigrams {
		if _, ok := present[t]; ok {
			matched++
		}
	}

	frac := float64(matched) / float64(len(m.queryTrigrams))
	if frac < minScore {
		return minScore
	}
	return frac
}

// CacheKey returns a string uniquely identifying this compiled query,
// used as half of the L1 hot-cache key (the other half is the limit).
func (m Matcher) CacheKey() string {
	switch m.Kind {
	case Contains:
		return "c:" + m.Literal
	case GlobFullPath:
		return "f:" + m.Pattern
	case GlobBasename:
		return "b:" + m.Pattern
	default:
		return ""
	}
}

// AsDeltaMatcher adapts this Matcher to the narrow three-method
// interface internal/delta.MutableDelta.Query expects, so a single
// compiled Matcher can drive both the in-memory delta and the on-disk
// segment merge in internal/core.
func (m Matcher) AsDeltaMatcher() DeltaMatcher {
	return DeltaMatcher{m: m}
}

// DeltaMatcher satisfies internal/delta's Matcher interface
// (LiteralTrigramSource, Matches, Score) by delegating to a compiled
// query.Matcher, extracting the candidate path's own basename trigrams
// on demand rather than requiring the caller to supply them.
type DeltaMatcher struct {
	m Matcher
}

// LiteralTrigramSource returns the literal/prefix text postings are
// intersected on before the exact predicate runs.
func (d DeltaMatcher) LiteralTrigramSource() string {
	return d.m.literalSource
}

// Matches reports whether absolutePath satisfies the compiled query.
func (d DeltaMatcher) Matches(absolutePath string) bool {
	return d.m.Match(absolutePath)
}

// Score ranks absolutePath against the compiled query, deriving the
// candidate's own basename trigrams for the overlap computation.
func (d DeltaMatcher) Score(absolutePath string) float64 {
	return d.m.Score(absolutePath, delta.ExtractTrigrams(filepath.Base(absolutePath)))
}
