// Package wal
//
// (C) Copyright Basalt
//
// Licensed under the Mozilla Public License, v. 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.mozilla.org/en-US/MPL/2.0/
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package wal

// Segmented append-only write-ahead log. Every mutation is encoded, written
// to the current segment, flushed and fsynced before Append returns, so a
// committed entry is on disk. Segments are named wal-%06d.log with a
// monotonically increasing index; rotation happens when a segment would
// exceed its configured maximum size. Recovery reads segments in ascending
// index order and stops at the first truncated record.

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	segmentPattern = "wal-%06d.log"
	segmentGlob    = "wal-*.log"

	// Fixed portion of an encoded entry: type byte, timestamp, key length
	// and value length fields.
	entryOverhead = 1 + 8 + 4 + 4
)

// EntryKind is the type of operation recorded in a WAL entry.
type EntryKind byte

const (
	Put    EntryKind = 0
	Delete EntryKind = 1
)

// Entry is a single mutation recorded in the log. Value is empty for
// deletes.
type Entry struct {
	Kind      EntryKind
	Key       string
	Value     []byte
	Timestamp int64
}

// Stats describes the on-disk state of the log.
type Stats struct {
	FileCount   int    // Number of segment files
	TotalSize   int64  // Combined size of all segments in bytes
	EntryCount  int64  // Number of entries across all segments
	CurrentFile string // Name of the segment currently being appended to
}

// WAL is the write-ahead log over a set of segment files in one directory.
type WAL struct {
	dir        string
	perm       os.FileMode
	maxSegSize int64

	file    *os.File
	writer  *bufio.Writer
	index   uint64 // Index of the open segment
	size    int64  // Size of the open segment
	entries int64  // Entries across all segments
	closed  bool
}

// ErrClosed is returned when appending to a closed log.
var ErrClosed = errors.New("wal: log is closed")

// Open opens the write-ahead log in the given directory, creating the first
// segment if none exist. Appends always go to the segment with the highest
// index.
func Open(dir string, maxSegSize int64, perm os.FileMode) (*WAL, error) {
	if maxSegSize <= 0 {
		return nil, errors.New("wal: segment max size must be positive")
	}

	indexes, err := segmentIndexes(dir)
	if err != nil {
		return nil, err
	}

	w := &WAL{
		dir:        dir,
		perm:       perm,
		maxSegSize: maxSegSize,
		index:      1,
	}

	// Count the entries already on disk so Stats stays accurate across
	// restarts. Truncated tails are not an error here, same as recovery.
	var tailValid int64 = -1
	for _, idx := range indexes {
		entries, valid, err := readSegment(w.segmentPath(idx))
		if err != nil {
			return nil, err
		}
		w.entries += int64(len(entries))
		tailValid = valid
	}

	if len(indexes) > 0 {
		w.index = indexes[len(indexes)-1]

		// Drop any torn record from the active segment so new appends
		// continue from the last complete entry.
		path := w.segmentPath(w.index)
		if info, err := os.Stat(path); err == nil && tailValid >= 0 && info.Size() > tailValid {
			if err := os.Truncate(path, tailValid); err != nil {
				return nil, fmt.Errorf("wal: trim torn tail of segment %d: %w", w.index, err)
			}
		}
	}

	if err := w.openSegment(w.index); err != nil {
		return nil, err
	}

	return w, nil
}

// Append serializes the entry, writes it to the current segment and syncs
// the file. The entry is durable once Append returns nil.
func (w *WAL) Append(entry *Entry) error {
	if w.closed {
		return ErrClosed
	}

	record := encodeEntry(entry)

	// Rotate before the write would push the segment past its limit. A
	// single oversized entry still goes into an empty segment whole.
	if w.size > 0 && w.size+int64(len(record)) > w.maxSegSize {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	if _, err := w.writer.Write(record); err != nil {
		return fmt.Errorf("wal: append: %w", err)
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}

	w.size += int64(len(record))
	w.entries++

	return nil
}

// ReadAll returns every entry across all segments in write order. A
// truncated record at the tail of a segment marks the recovery boundary for
// that segment and is skipped without error.
func (w *WAL) ReadAll() ([]*Entry, error) {
	indexes, err := segmentIndexes(w.dir)
	if err != nil {
		return nil, err
	}

	var all []*Entry
	for _, idx := range indexes {
		entries, _, err := readSegment(w.segmentPath(idx))
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}

	return all, nil
}

// Rotate closes the current segment and opens the next one. It returns the
// index of the segment that was closed. Used by the engine after a flush so
// the closed segments can be truncated away.
func (w *WAL) Rotate() (uint64, error) {
	if w.closed {
		return 0, ErrClosed
	}

	prev := w.index
	if err := w.rotate(); err != nil {
		return 0, err
	}

	return prev, nil
}

// Truncate deletes every segment whose index is at or below the given
// index. The currently open segment is never removed. The entry counter is
// adjusted by re-scanning what remains.
func (w *WAL) Truncate(beforeIndex uint64) error {
	indexes, err := segmentIndexes(w.dir)
	if err != nil {
		return err
	}

	for _, idx := range indexes {
		if idx > beforeIndex || idx == w.index {
			continue
		}
		if err := os.Remove(w.segmentPath(idx)); err != nil {
			return fmt.Errorf("wal: truncate segment %d: %w", idx, err)
		}
	}

	remaining, err := segmentIndexes(w.dir)
	if err != nil {
		return err
	}

	var entries int64
	for _, idx := range remaining {
		segEntries, _, err := readSegment(w.segmentPath(idx))
		if err != nil {
			return err
		}
		entries += int64(len(segEntries))
	}
	w.entries = entries

	return nil
}

// CurrentIndex returns the index of the segment currently being appended
// to.
func (w *WAL) CurrentIndex() uint64 {
	return w.index
}

// Stats returns the on-disk state of the log.
func (w *WAL) Stats() (*Stats, error) {
	indexes, err := segmentIndexes(w.dir)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		FileCount:   len(indexes),
		EntryCount:  w.entries,
		CurrentFile: fmt.Sprintf(segmentPattern, w.index),
	}

	for _, idx := range indexes {
		info, err := os.Stat(w.segmentPath(idx))
		if err != nil {
			return nil, err
		}
		stats.TotalSize += info.Size()
	}

	return stats, nil
}

// Close flushes and closes the current segment. Further appends fail with
// ErrClosed.
func (w *WAL) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: close flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: close sync: %w", err)
	}

	return w.file.Close()
}

func (w *WAL) segmentPath(index uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf(segmentPattern, index))
}

func (w *WAL) openSegment(index uint64) error {
	f, err := os.OpenFile(w.segmentPath(index), os.O_CREATE|os.O_WRONLY|os.O_APPEND, w.perm)
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", index, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: stat segment %d: %w", index, err)
	}

	w.file = f
	w.writer = bufio.NewWriter(f)
	w.index = index
	w.size = info.Size()

	return nil
}

func (w *WAL) rotate() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: rotate flush: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: rotate sync: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: rotate close: %w", err)
	}

	return w.openSegment(w.index + 1)
}

// encodeEntry serializes an entry to its on-disk record:
//
//	[total_len u32][type u8][timestamp i64][key_len u32][key][value_len u32][value]
//
// All integers little-endian; total_len covers every field after itself.
func encodeEntry(entry *Entry) []byte {
	total := entryOverhead + len(entry.Key) + len(entry.Value)
	buf := make([]byte, 4+total)

	binary.LittleEndian.PutUint32(buf[0:], uint32(total))
	buf[4] = byte(entry.Kind)
	binary.LittleEndian.PutUint64(buf[5:], uint64(entry.Timestamp))
	binary.LittleEndian.PutUint32(buf[13:], uint32(len(entry.Key)))
	copy(buf[17:], entry.Key)

	off := 17 + len(entry.Key)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(entry.Value)))
	copy(buf[off+4:], entry.Value)

	return buf
}

// decodeEntry parses one record body (everything after total_len).
func decodeEntry(body []byte) (*Entry, error) {
	if len(body) < entryOverhead {
		return nil, errors.New("wal: record too short")
	}

	entry := &Entry{
		Kind:      EntryKind(body[0]),
		Timestamp: int64(binary.LittleEndian.Uint64(body[1:9])),
	}

	// Length arithmetic in uint64 so a corrupt key_len cannot wrap the
	// bounds checks and slice out of range.
	keyLen := uint64(binary.LittleEndian.Uint32(body[9:13]))
	if uint64(len(body)) < 13+keyLen+4 {
		return nil, errors.New("wal: record truncated at key")
	}
	entry.Key = string(body[13 : 13+keyLen])

	valOff := 13 + keyLen
	valLen := uint64(binary.LittleEndian.Uint32(body[valOff : valOff+4]))
	if uint64(len(body)) != valOff+4+valLen {
		return nil, errors.New("wal: record length mismatch")
	}
	entry.Value = make([]byte, valLen)
	copy(entry.Value, body[valOff+4:])

	return entry, nil
}

// readSegment reads every complete entry from one segment file. A partial
// record at end of file is treated as the recovery boundary, not an error.
// The returned size is the byte offset of that boundary, the length of the
// valid prefix of the segment.
func readSegment(path string) ([]*Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("wal: open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header := make([]byte, 4)

	var entries []*Entry
	var valid int64
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			break // End of segment or partial header
		}

		total := binary.LittleEndian.Uint32(header)
		body := make([]byte, total)
		if _, err := io.ReadFull(reader, body); err != nil {
			break // Partial record at the tail, recovery stops here
		}

		entry, err := decodeEntry(body)
		if err != nil {
			break // Malformed tail is treated the same as a truncated one
		}

		entries = append(entries, entry)
		valid += int64(4 + total)
	}

	return entries, valid, nil
}

// segmentIndexes lists the segment indexes present in the directory in
// ascending order. Discovery relies on the filename alone.
func segmentIndexes(dir string) ([]uint64, error) {
	matches, err := filepath.Glob(filepath.Join(dir, segmentGlob))
	if err != nil {
		return nil, err
	}

	indexes := make([]uint64, 0, len(matches))
	for _, match := range matches {
		name := filepath.Base(match)
		name = strings.TrimPrefix(name, "wal-")
		name = strings.TrimSuffix(name, ".log")
		idx, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		indexes = append(indexes, idx)
	}

	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	return indexes, nil
}
