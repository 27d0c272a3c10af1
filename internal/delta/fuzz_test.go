package delta

import (
	"testing"

	"github.com/google/gofuzz"
)

// TestFuzzExtractTrigramsNeverPanics throws random strings (including
// non-UTF8 byte sequences smuggled through a Go string) at
// ExtractTrigrams, asserting it never panics and always returns
// len(s)-2 trigrams for s of 3 or more bytes, per its own doc comment.
func TestFuzzExtractTrigramsNeverPanics(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 256)

	for i := 0; i < 500; i++ {
		var s string
		f.Fuzz(&s)

		var trigrams []Trigram
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("ExtractTrigrams panicked on %q: %v", s, r)
				}
			}()
			trigrams = ExtractTrigrams(s)
		}()

		if len(s) < 3 {
			if len(trigrams) != 0 {
				t.Fatalf("expected no trigrams for short string %q, got %d", s, len(trigrams))
			}
			continue
		}
		if len(trigrams) != len(s)-2 {
			t.Fatalf("expected %d trigrams for %q, got %d", len(s)-2, s, len(trigrams))
		}
	}
}
