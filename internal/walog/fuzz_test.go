package walog

import (
	"testing"
	"time"

	"github.com/google/gofuzz"

	"github.com/filetrie/filetrie/internal/collab"
)

// TestFuzzDecodePayloadRoundTrip feeds gofuzz-generated EventRecords
// through encode/decode and checks that kind, path and from_path come
// back unchanged. TestFuzzDecodePayloadNeverPanics below throws raw
// random bytes directly at decodePayload, asserting it never panics on
// a truncated or corrupt record — spec §4.6's crash-tolerance
// requirement applies equally to a deliberately adversarial byte
// stream, not just a torn write.
func TestFuzzDecodePayloadRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0).NumElements(0, 64)

	for i := 0; i < 200; i++ {
		var ev collab.EventRecord
		f.Fuzz(&ev)
		ev.Timestamp = ev.Timestamp.Round(time.Second)

		// from_path only round-trips for Rename events (spec §4.6: the
		// field isn't even written for any other kind).
		if ev.Kind != collab.Rename {
			ev.FromPath = ""
		}

		encoded := encodePayload(ev)
		decoded, err := decodePayload(encoded)
		if err != nil {
			t.Fatalf("round trip failed for %+v: %v", ev, err)
		}
		if decoded.Kind != ev.Kind || decoded.Path != ev.Path || decoded.FromPath != ev.FromPath {
			t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, ev)
		}
	}
}

func TestFuzzDecodePayloadNeverPanics(t *testing.T) {
	f := fuzz.New().NumElements(0, 256)

	for i := 0; i < 500; i++ {
		var garbage []byte
		f.Fuzz(&garbage)

		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("decodePayload panicked on %v: %v", garbage, r)
				}
			}()
			_, _ = decodePayload(garbage)
		}()
	}
}
