// Package sstable
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
package sstable

// Immutable sorted-run file. Layout, front to back:
//
//	[data entries][index section][bloom filter section][metadata section][footer]
//
// Each data entry is a length-framed record, body optionally compressed:
//
//	[body_len u32][flags u8][timestamp i64][key_len u32][key][value_len u32][value]
//
// Index, filter and metadata sections are bson documents; the fixed-size
// footer at the end of the file holds their offsets and lengths plus a
// magic number. All integers are little-endian.
//
// File names encode the level and a sequence number (level_%d_%06d.sst) so
// both are recoverable from a directory listing alone.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/basaltdb/basalt/bloomfilter"
)

const (
	// Footer: index offset/len, filter offset/len, meta offset/len, magic.
	footerSize = 8 + 4 + 8 + 4 + 8 + 4 + 4

	magic uint32 = 0x6273746C // "bstl"

	filenamePrefix = "level_"
	filenameSuffix = ".sst"

	flagDeleted byte = 1 << 0

	// Default false-positive probability for the existence filter.
	FilterProbability = 0.01
)

// Compression selects how data entry bodies are compressed on disk.
type Compression int

const (
	NoCompression Compression = iota
	SnappyCompression
	S2Compression
)

var (
	// ErrWriterClosed is returned when writing to or closing an already
	// closed writer.
	ErrWriterClosed = errors.New("sstable: writer is closed")

	// ErrOutOfOrderWrite is returned when entries are not written in
	// strictly increasing key order. This is a caller bug, not a condition
	// to recover from.
	ErrOutOfOrderWrite = errors.New("sstable: entries must be written in strictly increasing key order")

	// ErrNoEntries is returned by Close when a positive entry count was
	// expected but nothing was written.
	ErrNoEntries = errors.New("sstable: no entries written")
)

// Entry is a single key-value pair stored in an SSTable. Keys are unique
// within one file; Deleted marks a tombstone.
type Entry struct {
	Key       string
	Value     []byte
	Deleted   bool
	Timestamp int64
}

// Metadata describes an SSTable file, stored in its metadata section.
type Metadata struct {
	EntryCount  int64       // Number of entries, tombstones included
	DataSize    int64       // Size of the data section in bytes
	Level       int         // Level the file was written for
	Compression Compression // How entry bodies are encoded
	MinKey      string      // Smallest key in the file
	MaxKey      string      // Largest key in the file
}

// indexEntry maps a key to the offset of its data record.
type indexEntry struct {
	Key    string
	Offset int64
}

// indexDoc wraps the index slice so it serializes as one bson document.
type indexDoc struct {
	Entries []indexEntry
}

// Filename returns the file name for a level and sequence number.
func Filename(level int, seq uint64) string {
	return fmt.Sprintf("%s%d_%06d%s", filenamePrefix, level, seq, filenameSuffix)
}

// ParseFilename extracts level and sequence number from an SSTable file
// name. ok is false for names that do not follow the convention.
func ParseFilename(name string) (level int, seq uint64, ok bool) {
	if !strings.HasPrefix(name, filenamePrefix) || !strings.HasSuffix(name, filenameSuffix) {
		return 0, 0, false
	}

	body := strings.TrimSuffix(strings.TrimPrefix(name, filenamePrefix), filenameSuffix)
	parts := strings.SplitN(body, "_", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}

	level, err := strconv.Atoi(parts[0])
	if err != nil || level < 0 {
		return 0, 0, false
	}

	seq, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}

	return level, seq, true
}

// Writer builds one SSTable file. Entries must arrive in strictly
// increasing key order; the writer tracks the index and existence filter as
// it goes and finalizes all sections in Close.
type Writer struct {
	file        *os.File
	path        string
	level       int
	expected    uint
	compression Compression

	filter  *bloomfilter.BloomFilter
	index   []indexEntry
	offset  int64
	count   int64
	lastKey string
	minKey  string
	closed  bool
}

// NewWriter creates an SSTable writer. expectedEntries sizes the existence
// filter to bound its false-positive rate.
func NewWriter(path string, level int, expectedEntries uint, compression Compression, perm os.FileMode) (*Writer, error) {
	filter, err := bloomfilter.New(expectedEntries, FilterProbability)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", filepath.Base(path), err)
	}

	return &Writer{
		file:        f,
		path:        path,
		level:       level,
		expected:    expectedEntries,
		compression: compression,
		filter:      filter,
	}, nil
}

// WriteEntry appends one entry to the data section.
func (w *Writer) WriteEntry(entry *Entry) error {
	if w.closed {
		return ErrWriterClosed
	}

	if w.count > 0 && entry.Key <= w.lastKey {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrderWrite, entry.Key, w.lastKey)
	}

	body := encodeEntryBody(entry)
	body, err := compress(body, w.compression)
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	if _, err := w.file.Write(frame); err != nil {
		return fmt.Errorf("sstable: write entry: %w", err)
	}

	w.index = append(w.index, indexEntry{Key: entry.Key, Offset: w.offset})
	w.filter.Add([]byte(entry.Key))

	if w.count == 0 {
		w.minKey = entry.Key
	}
	w.lastKey = entry.Key
	w.offset += int64(len(frame))
	w.count++

	return nil
}

// Count returns the number of entries written so far.
func (w *Writer) Count() int64 {
	return w.count
}

// Close finalizes the index, filter, metadata and footer, syncs and closes
// the file. Closing twice is an error, as is closing with zero entries when
// entries were expected.
func (w *Writer) Close() error {
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true

	if w.count == 0 && w.expected > 0 {
		_ = w.file.Close()
		return ErrNoEntries
	}

	indexData, err := bson.Marshal(indexDoc{Entries: w.index})
	if err != nil {
		_ = w.file.Close()
		return err
	}

	filterData, err := w.filter.Serialize()
	if err != nil {
		_ = w.file.Close()
		return err
	}

	metaData, err := bson.Marshal(Metadata{
		EntryCount:  w.count,
		DataSize:    w.offset,
		Level:       w.level,
		Compression: w.compression,
		MinKey:      w.minKey,
		MaxKey:      w.lastKey,
	})
	if err != nil {
		_ = w.file.Close()
		return err
	}

	indexOff := w.offset
	filterOff := indexOff + int64(len(indexData))
	metaOff := filterOff + int64(len(filterData))

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:], uint64(indexOff))
	binary.LittleEndian.PutUint32(footer[8:], uint32(len(indexData)))
	binary.LittleEndian.PutUint64(footer[12:], uint64(filterOff))
	binary.LittleEndian.PutUint32(footer[20:], uint32(len(filterData)))
	binary.LittleEndian.PutUint64(footer[24:], uint64(metaOff))
	binary.LittleEndian.PutUint32(footer[32:], uint32(len(metaData)))
	binary.LittleEndian.PutUint32(footer[36:], magic)

	for _, section := range [][]byte{indexData, filterData, metaData, footer} {
		if _, err := w.file.Write(section); err != nil {
			_ = w.file.Close()
			return fmt.Errorf("sstable: write section: %w", err)
		}
	}

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("sstable: sync: %w", err)
	}

	return w.file.Close()
}

// Discard abandons the output: the file is closed and removed. Used when a
// merge produces no surviving entries.
func (w *Writer) Discard() error {
	if !w.closed {
		w.closed = true
		_ = w.file.Close()
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Reader provides point lookups and iteration over one SSTable file. The
// index, filter and metadata are loaded into memory on open; data entries
// are read on demand.
type Reader struct {
	file   *os.File
	path   string
	meta   Metadata
	filter *bloomfilter.BloomFilter
	index  []indexEntry
}

// Open opens an SSTable file and loads its footer sections. A file whose
// footer, filter or metadata cannot be decoded is reported as corrupt.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", filepath.Base(path), err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: stat: %w", err)
	}
	if info.Size() < footerSize {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: %s: file too small", filepath.Base(path))
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, info.Size()-footerSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}

	if binary.LittleEndian.Uint32(footer[36:]) != magic {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: %s: bad magic", filepath.Base(path))
	}

	indexOff := int64(binary.LittleEndian.Uint64(footer[0:]))
	indexLen := binary.LittleEndian.Uint32(footer[8:])
	filterOff := int64(binary.LittleEndian.Uint64(footer[12:]))
	filterLen := binary.LittleEndian.Uint32(footer[20:])
	metaOff := int64(binary.LittleEndian.Uint64(footer[24:]))
	metaLen := binary.LittleEndian.Uint32(footer[32:])

	r := &Reader{file: f, path: path}

	if err := r.loadSections(indexOff, indexLen, filterOff, filterLen, metaOff, metaLen); err != nil {
		_ = f.Close()
		return nil, err
	}

	return r, nil
}

func (r *Reader) loadSections(indexOff int64, indexLen uint32, filterOff int64, filterLen uint32, metaOff int64, metaLen uint32) error {
	indexData := make([]byte, indexLen)
	if _, err := r.file.ReadAt(indexData, indexOff); err != nil {
		return fmt.Errorf("sstable: read index: %w", err)
	}
	var doc indexDoc
	if err := bson.Unmarshal(indexData, &doc); err != nil {
		return fmt.Errorf("sstable: decode index: %w", err)
	}
	r.index = doc.Entries

	filterData := make([]byte, filterLen)
	if _, err := r.file.ReadAt(filterData, filterOff); err != nil {
		return fmt.Errorf("sstable: read filter: %w", err)
	}
	filter, err := bloomfilter.Deserialize(filterData)
	if err != nil {
		return fmt.Errorf("sstable: decode filter: %w", err)
	}
	r.filter = filter

	metaData := make([]byte, metaLen)
	if _, err := r.file.ReadAt(metaData, metaOff); err != nil {
		return fmt.Errorf("sstable: read metadata: %w", err)
	}
	if err := bson.Unmarshal(metaData, &r.meta); err != nil {
		return fmt.Errorf("sstable: decode metadata: %w", err)
	}

	return nil
}

// Get looks up a key. It consults the existence filter first, then binary
// searches the index and reads one record. found is false both for keys
// the file never held and for filter false positives.
func (r *Reader) Get(key string) (*Entry, bool, error) {
	if !r.filter.Contains([]byte(key)) {
		return nil, false, nil
	}

	i := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].Key >= key
	})
	if i >= len(r.index) || r.index[i].Key != key {
		return nil, false, nil
	}

	entry, _, err := r.readEntryAt(r.index[i].Offset)
	if err != nil {
		return nil, false, err
	}

	return entry, true, nil
}

// Metadata returns the file's metadata section.
func (r *Reader) Metadata() *Metadata {
	meta := r.meta
	return &meta
}

// Path returns the file path the reader was opened with.
func (r *Reader) Path() string {
	return r.path
}

// Iterator returns a one-pass iterator over all entries in ascending key
// order. It is not restartable.
func (r *Reader) Iterator() *Iterator {
	return &Iterator{reader: r}
}

// Close closes the underlying file. Entries already read remain valid.
func (r *Reader) Close() error {
	return r.file.Close()
}

// readEntryAt decodes the record starting at the given data offset and
// returns the entry plus the offset of the next record.
func (r *Reader) readEntryAt(offset int64) (*Entry, int64, error) {
	var lenBuf [4]byte
	if _, err := r.file.ReadAt(lenBuf[:], offset); err != nil {
		return nil, 0, fmt.Errorf("sstable: read entry frame: %w", err)
	}

	bodyLen := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, bodyLen)
	if _, err := r.file.ReadAt(body, offset+4); err != nil {
		return nil, 0, fmt.Errorf("sstable: read entry body: %w", err)
	}

	body, err := decompress(body, r.meta.Compression)
	if err != nil {
		return nil, 0, err
	}

	entry, err := decodeEntryBody(body)
	if err != nil {
		return nil, 0, err
	}

	return entry, offset + 4 + int64(bodyLen), nil
}

// Iterator walks one SSTable's data section front to back, which is
// ascending key order by construction.
type Iterator struct {
	reader *Reader
	offset int64
	err    error
}

// HasNext reports whether another entry remains. It returns false after a
// read error as well; Err exposes the cause.
func (it *Iterator) HasNext() bool {
	return it.err == nil && it.offset < it.reader.meta.DataSize
}

// Next returns the next entry in key order. ok is false once the iterator
// is exhausted or has failed.
func (it *Iterator) Next() (*Entry, bool) {
	if !it.HasNext() {
		return nil, false
	}

	entry, next, err := it.reader.readEntryAt(it.offset)
	if err != nil {
		it.err = err
		return nil, false
	}

	it.offset = next
	return entry, true
}

// Err returns the first error the iterator hit, if any.
func (it *Iterator) Err() error {
	return it.err
}

// encodeEntryBody serializes the record body (everything after the length
// frame, before compression).
func encodeEntryBody(entry *Entry) []byte {
	buf := make([]byte, 1+8+4+len(entry.Key)+4+len(entry.Value))

	if entry.Deleted {
		buf[0] |= flagDeleted
	}
	binary.LittleEndian.PutUint64(buf[1:], uint64(entry.Timestamp))
	binary.LittleEndian.PutUint32(buf[9:], uint32(len(entry.Key)))
	copy(buf[13:], entry.Key)

	off := 13 + len(entry.Key)
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(entry.Value)))
	copy(buf[off+4:], entry.Value)

	return buf
}

func decodeEntryBody(body []byte) (*Entry, error) {
	if len(body) < 17 {
		return nil, errors.New("sstable: entry body too short")
	}

	entry := &Entry{
		Deleted:   body[0]&flagDeleted != 0,
		Timestamp: int64(binary.LittleEndian.Uint64(body[1:9])),
	}

	// Length arithmetic in uint64 so a corrupt key length cannot wrap the
	// bounds checks and slice out of range.
	keyLen := uint64(binary.LittleEndian.Uint32(body[9:13]))
	if uint64(len(body)) < 13+keyLen+4 {
		return nil, errors.New("sstable: entry body truncated at key")
	}
	entry.Key = string(body[13 : 13+keyLen])

	valOff := 13 + keyLen
	valLen := uint64(binary.LittleEndian.Uint32(body[valOff : valOff+4]))
	if uint64(len(body)) != valOff+4+valLen {
		return nil, errors.New("sstable: entry body length mismatch")
	}
	entry.Value = make([]byte, valLen)
	copy(entry.Value, body[valOff+4:])

	return entry, nil
}

func compress(data []byte, option Compression) ([]byte, error) {
	switch option {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		return snappy.Encode(nil, data), nil
	case S2Compression:
		return s2.Encode(nil, data), nil
	default:
		return nil, fmt.Errorf("sstable: unknown compression option %d", option)
	}
}

func decompress(data []byte, option Compression) ([]byte, error) {
	switch option {
	case NoCompression:
		return data, nil
	case SnappyCompression:
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("sstable: snappy decode: %w", err)
		}
		return decoded, nil
	case S2Compression:
		decoded, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("sstable: s2 decode: %w", err)
		}
		return decoded, nil
	default:
		return nil, fmt.Errorf("sstable: unknown compression option %d", option)
	}
}
