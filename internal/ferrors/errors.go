// Package ferrors defines the error taxonomy the index engine reasons
// about at its boundaries. Every sentinel here can be matched with
// errors.Is, through the wrappers below, by a caller that needs to tell
// the kinds apart rather than just log and move on.
package ferrors

import "errors"

var (
	// ErrCorruption covers checksum mismatch, truncated record, magic
	// mismatch or a roots-list mismatch on an on-disk segment or WAL
	// record. The offending segment or WAL tail is excluded by the caller.
	ErrCorruption = errors.New("filetrie: corruption detected")

	// ErrOutsideRoots is returned when an event's absolute path does not
	// fall under any configured root directory.
	ErrOutsideRoots = errors.New("filetrie: path outside configured roots")

	// ErrOverflow marks a watcher-reported dropped-event condition.
	ErrOverflow = errors.New("filetrie: watcher overflow")

	// ErrIO wraps a transient disk error at the manifest/segment write
	// level. The caller aborts the operation (not the process) on the
	// first failure; no write is retried.
	ErrIO = errors.New("filetrie: io error")

	// ErrStale marks a cold-start staleness detection: the on-disk
	// segments predate a change under the configured roots.
	ErrStale = errors.New("filetrie: on-disk index is stale")

	// ErrFatal marks a condition that should terminate the process with a
	// non-zero exit code (failed to open data directory, failed to bind
	// the query port).
	ErrFatal = errors.New("filetrie: fatal startup error")
)

// Corruption wraps err so errors.Is(result, ErrCorruption) succeeds while
// preserving the original error text for logs.
func Corruption(context string, err error) error {
	return &wrapped{context: context, sentinel: ErrCorruption, cause: err}
}

// OutsideRoots wraps the path that failed longest-prefix matching.
func OutsideRoots(path string) error {
	return &wrapped{context: path, sentinel: ErrOutsideRoots}
}

// IO wraps a transient disk error with the operation that failed.
func IO(context string, err error) error {
	return &wrapped{context: context, sentinel: ErrIO, cause: err}
}

// Stale reports why the cold-start check decided the on-disk index is stale.
func Stale(context string) error {
	return &wrapped{context: context, sentinel: ErrStale}
}

// Fatal wraps an unrecoverable startup error.
func Fatal(context string, err error) error {
	return &wrapped{context: context, sentinel: ErrFatal, cause: err}
}

type wrapped struct {
	context  string
	sentinel error
	cause    error
}

func (w *wrapped) Error() string {
	if w.cause != nil {
		return w.context + ": " + w.cause.Error()
	}
	return w.context
}

func (w *wrapped) Unwrap() error {
	if w.cause != nil {
		return w.cause
	}
	return w.sentinel
}

// Is lets errors.Is(w, ErrCorruption) etc. succeed without unwrapping
// through cause, since cause may be a foreign error (os.PathError, etc.)
// that doesn't chain back to our sentinels.
func (w *wrapped) Is(target error) bool {
	return target == w.sentinel
}
