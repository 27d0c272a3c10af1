// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package walog implements the append-only event-batch write-ahead log
// described in spec §4.6. It adapts the teacher WAL's rotation and
// crash-tolerant-tail discipline to a single always-open "events.wal"
// file that gets sealed (renamed aside) rather than rotated by size,
// since the unit recorded here is a filesystem-change event batch, not
// a replicated log index range.
package walog

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/filetrie/filetrie/internal/collab"
	"github.com/filetrie/filetrie/internal/ferrors"
)

const activeFileName = "events.wal"

// walMagic/walVersion form the 8-byte file header spec §4.6/§6 requires
// at the start of every WAL file (active and sealed alike), ahead of
// the first len|crc|payload record.
const (
	walMagic      uint32 = 0x57414c31 // "WAL1"
	walVersion    uint32 = 1
	walHeaderSize int64  = 8
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// encodeWALHeader returns the 8-byte magic(u32)|version(u32) header.
func encodeWALHeader() []byte {
	buf := make([]byte, walHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], walMagic)
	binary.LittleEndian.PutUint32(buf[4:8], walVersion)
	return buf
}

// checkWALHeader reads and validates the header at the start of f,
// which must already contain at least walHeaderSize bytes.
func checkWALHeader(f *os.File) error {
	var buf [8]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		return ferrors.IO("walog: read header", err)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	version := binary.LittleEndian.Uint32(buf[4:8])
	if magic != walMagic {
		return ferrors.Corruption("walog: bad magic", nil)
	}
	if version != walVersion {
		return ferrors.Corruption("walog: unsupported version", nil)
	}
	return nil
}

// Option configures a WAL at Open time.
type Option func(*WAL)

// WithLogger installs a structured logger; defaults to a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(w *WAL) { w.logger = l }
}

// WithRegisterer installs the prometheus registerer metrics are
// registered against; defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(w *WAL) { w.reg = reg }
}

// WithFsync controls whether every AppendBatch calls fsync. Spec §4.6
// treats this as implementer's choice since replay only ever needs to
// recover the span between the last manifest checkpoint and a crash;
// default true trades a little throughput for a smaller recovery window.
func WithFsync(enabled bool) Option {
	return func(w *WAL) { w.fsync = enabled }
}

// WAL is the event-batch write-ahead log for one LSM directory.
type WAL struct {
	dir    string
	logger log.Logger
	reg    prometheus.Registerer

	metrics *walMetrics
	fsync   bool

	mu         sync.Mutex
	active     *os.File
	activeSize int64
	createTime time.Time
}

// Open opens (or creates) the events.wal file in dir.
func Open(dir string, opts ...Option) (*WAL, error) {
	w := &WAL{
		dir:    dir,
		logger: log.NewNopLogger(),
		reg:    prometheus.DefaultRegisterer,
		fsync:  true,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.metrics = newWALMetrics(w.reg)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("walog: mkdir: %w", err)
	}

	path := filepath.Join(dir, activeFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("walog: open active file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("walog: stat active file: %w", err)
	}

	if info.Size() == 0 {
		if _, err := f.Write(encodeWALHeader()); err != nil {
			f.Close()
			return nil, ferrors.IO("walog: write header", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, ferrors.IO("walog: sync header", err)
		}
		info, err = f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("walog: stat active file: %w", err)
		}
	} else if err := checkWALHeader(f); err != nil {
		f.Close()
		return nil, err
	}

	w.active = f
	w.activeSize = info.Size()
	w.createTime = info.ModTime()
	return w, nil
}

// encodeRecord serializes one event as len(u32)|crc32c(u32)|payload.
func encodeRecord(e collab.EventRecord) []byte {
	payload := encodePayload(e)
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(payload, crc32cTable))
	copy(buf[8:], payload)
	return buf
}

// encodePayload lays out kind(u8)|ts_secs(u64)|ts_nanos(u32)|path_len(u32)|
// path_bytes, with a trailing from_len(u32)|from_bytes present only for
// Rename events (spec §4.6) — every other kind has no FromPath to carry.
func encodePayload(e collab.EventRecord) []byte {
	path := []byte(e.Path)
	size := 1 + 8 + 4 + 4 + len(path)
	var from []byte
	if e.Kind == collab.Rename {
		from = []byte(e.FromPath)
		size += 4 + len(from)
	}

	buf := make([]byte, size)
	off := 0
	buf[off] = byte(e.Kind)
	off++
	binary.LittleEndian.PutUint64(buf[off:off+8], uint64(e.Timestamp.Unix()))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(e.Timestamp.Nanosecond()))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(path)))
	off += 4
	copy(buf[off:], path)
	off += len(path)
	if e.Kind == collab.Rename {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(from)))
		off += 4
		copy(buf[off:], from)
	}
	return buf
}

func decodePayload(b []byte) (collab.EventRecord, error) {
	const fixedHeader = 1 + 8 + 4 + 4
	if len(b) < fixedHeader {
		return collab.EventRecord{}, ferrors.Corruption("walog: short payload", nil)
	}
	off := 0
	kind := collab.EventKind(b[off])
	off++
	secs := int64(binary.LittleEndian.Uint64(b[off : off+8]))
	off += 8
	nanos := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	pathLen := int(binary.LittleEndian.Uint32(b[off : off+4]))
	off += 4
	if pathLen < 0 || off+pathLen > len(b) {
		return collab.EventRecord{}, ferrors.Corruption("walog: truncated path", nil)
	}
	path := string(b[off : off+pathLen])
	off += pathLen

	var from string
	if kind == collab.Rename {
		if off+4 > len(b) {
			return collab.EventRecord{}, ferrors.Corruption("walog: truncated from-path length", nil)
		}
		fromLen := int(binary.LittleEndian.Uint32(b[off : off+4]))
		off += 4
		if fromLen < 0 || off+fromLen > len(b) {
			return collab.EventRecord{}, ferrors.Corruption("walog: truncated from-path", nil)
		}
		from = string(b[off : off+fromLen])
		off += fromLen
	}

	return collab.EventRecord{
		Kind:      kind,
		Path:      path,
		FromPath:  from,
		Timestamp: time.Unix(secs, int64(nanos)),
	}, nil
}

// AppendBatch writes every event record in order. Per spec §4.6 a
// short/truncated tail left by a crash mid-batch is tolerated silently
// on the next Replay rather than treated as corruption: correctness
// only depends on replay recovering everything committed before the
// crash point, not on partial writes being detected as errors here.
func (w *WAL) AppendBatch(events []collab.EventRecord) error {
	if len(events) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var nBytes int64
	for _, e := range events {
		rec := encodeRecord(e)
		n, err := w.active.Write(rec)
		if err != nil {
			return ferrors.IO("walog: append", err)
		}
		nBytes += int64(n)
	}
	if w.fsync {
		if err := w.active.Sync(); err != nil {
			return ferrors.IO("walog: fsync", err)
		}
	}
	w.activeSize += nBytes
	w.metrics.appendBatches.Inc()
	w.metrics.recordsAppended.Add(float64(len(events)))
	w.metrics.bytesAppended.Add(float64(nBytes))
	return nil
}

// Seal renames the active file aside as events.wal.seal-{id:016x} and
// opens a fresh, empty events.wal. The seal id is derived from the
// wall clock but bumped if needed to stay strictly greater than the
// newest sealed file still present in the directory. Ids of sealed
// files that Cleanup has already removed are not remembered, so once
// they are gone the wall clock alone orders the next id.
func (w *WAL) Seal() (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	sealID := uint64(time.Now().UnixNano())
	if sealID <= w.lastSealIDLocked() {
		sealID = w.lastSealIDLocked() + 1
	}

	if err := w.active.Close(); err != nil {
		return 0, ferrors.IO("walog: close before seal", err)
	}

	activePath := filepath.Join(w.dir, activeFileName)
	sealedPath := sealedFilePath(w.dir, sealID)
	if err := os.Rename(activePath, sealedPath); err != nil {
		return 0, ferrors.IO("walog: rename to sealed", err)
	}

	dirHandle, err := os.Open(w.dir)
	if err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}

	f, err := os.OpenFile(activePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return 0, ferrors.IO("walog: create fresh active file", err)
	}
	if _, err := f.Write(encodeWALHeader()); err != nil {
		f.Close()
		return 0, ferrors.IO("walog: write header for fresh active file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return 0, ferrors.IO("walog: sync header for fresh active file", err)
	}

	w.metrics.seals.Inc()
	w.metrics.lastSealAgeSecs.Set(time.Since(w.createTime).Seconds())
	level.Debug(w.logger).Log("msg", "sealed wal", "seal_id", sealID)

	w.active = f
	w.activeSize = walHeaderSize
	w.createTime = time.Now()
	return sealID, nil
}

func (w *WAL) lastSealIDLocked() uint64 {
	ids, err := w.sealedIDsLocked()
	if err != nil || len(ids) == 0 {
		return 0
	}
	return ids[len(ids)-1]
}

func sealedFilePath(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s.seal-%016x", activeFileName, id))
}

func (w *WAL) sealedIDsLocked() ([]uint64, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, e := range entries {
		var id uint64
		if _, err := fmt.Sscanf(e.Name(), activeFileName+".seal-%016x", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Replay decodes every event recorded since fromCheckpoint (exclusive):
// every sealed file with id > fromCheckpoint, oldest first, followed by
// the current active file's tail. A truncated trailing record in any
// file is dropped silently rather than surfaced as an error.
func (w *WAL) Replay(fromCheckpoint uint64) ([]collab.EventRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, err := w.sealedIDsLocked()
	if err != nil {
		return nil, fmt.Errorf("walog: list sealed files: %w", err)
	}

	var out []collab.EventRecord
	for _, id := range ids {
		if id <= fromCheckpoint {
			continue
		}
		recs, err := w.replayFile(sealedFilePath(w.dir, id))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}

	if err := w.active.Sync(); err != nil {
		return nil, ferrors.IO("walog: sync before replaying active tail", err)
	}
	recs, err := w.replayFile(filepath.Join(w.dir, activeFileName))
	if err != nil {
		return nil, err
	}
	out = append(out, recs...)

	w.metrics.recordsReplayed.Add(float64(len(out)))
	return out, nil
}

func (w *WAL) replayFile(path string) ([]collab.EventRecord, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("walog: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var fileHeader [8]byte
	if _, err := io.ReadFull(r, fileHeader[:]); err != nil {
		return nil, nil // too short to even carry the file header; nothing to replay
	}
	if magic := binary.LittleEndian.Uint32(fileHeader[0:4]); magic != walMagic {
		level.Warn(w.logger).Log("msg", "dropping wal file with bad magic", "file", path)
		return nil, nil
	}
	if version := binary.LittleEndian.Uint32(fileHeader[4:8]); version != walVersion {
		level.Warn(w.logger).Log("msg", "dropping wal file with unsupported version", "file", path)
		return nil, nil
	}

	var out []collab.EventRecord
	var header [8]byte
	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return out, nil
		}
		length := binary.LittleEndian.Uint32(header[0:4])
		wantCRC := binary.LittleEndian.Uint32(header[4:8])

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			level.Warn(w.logger).Log("msg", "dropping truncated wal tail", "file", path)
			w.metrics.droppedTailBytes.Add(float64(len(header) + len(payload)))
			return out, nil
		}
		if crc32.Checksum(payload, crc32cTable) != wantCRC {
			level.Warn(w.logger).Log("msg", "dropping corrupt wal record", "file", path)
			w.metrics.droppedTailBytes.Add(float64(len(header) + len(payload)))
			return out, nil
		}
		rec, err := decodePayload(payload)
		if err != nil {
			level.Warn(w.logger).Log("msg", "dropping undecodable wal record", "file", path, "err", err)
			continue
		}
		out = append(out, rec)
	}
}

// Cleanup removes every sealed file with id <= upToCheckpoint, once the
// manifest no longer needs them for recovery.
func (w *WAL) Cleanup(upToCheckpoint uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids, err := w.sealedIDsLocked()
	if err != nil {
		return fmt.Errorf("walog: list sealed files: %w", err)
	}

	removed := false
	for _, id := range ids {
		if id > upToCheckpoint {
			continue
		}
		if err := os.Remove(sealedFilePath(w.dir, id)); err != nil && !os.IsNotExist(err) {
			w.metrics.cleanups.WithLabelValues("false").Inc()
			return fmt.Errorf("walog: remove sealed file %016x: %w", id, err)
		}
		removed = true
	}
	w.metrics.cleanups.WithLabelValues(fmt.Sprintf("%t", removed)).Inc()
	return nil
}

// Close closes the active file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active.Close()
}
