// Package basalt
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
package basalt

// Basalt is an embedded log-structured merge-tree key-value store. A write
// lands in the write-ahead log first, then in the in-memory memtable; once
// the memtable crosses its size threshold it is flushed to a level-0
// SSTable. Reads consult the memtable, then SSTables newest to oldest. A
// background loop periodically merges SSTable levels, deduplicating by
// recency and physically dropping tombstones once nothing older can
// resurface.

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basaltdb/basalt/compaction"
	"github.com/basaltdb/basalt/memtable"
	"github.com/basaltdb/basalt/sstable"
	"github.com/basaltdb/basalt/wal"
)

// Defaults applied by Open for zero-valued config fields
const (
	DefaultFlushThreshold     = 4 * 1024 * 1024
	DefaultWALSegmentMaxSize  = 16 * 1024 * 1024
	DefaultCompactionInterval = 10 * time.Second
	DefaultPermission         = os.FileMode(0755)

	logFileName = "basalt.log"
)

// Compression options re-exported for configuration convenience.
const (
	NoCompression     = sstable.NoCompression
	SnappyCompression = sstable.SnappyCompression
	S2Compression     = sstable.S2Compression
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist or has
	// been deleted.
	ErrKeyNotFound = errors.New("basalt: key not found")

	// ErrClosed is returned when calling into an engine that has been
	// closed.
	ErrClosed = errors.New("basalt: engine is closed")
)

// Config configures a DB instance.
type Config struct {
	Directory          string              // Directory holding WAL segments and SSTables
	Permission         os.FileMode         // Directory and file permissions
	FlushThreshold     uint64              // Memtable size in bytes that triggers a flush
	WALSegmentMaxSize  int64               // Maximum size of one WAL segment
	CompactionInterval time.Duration       // How often the background compactor runs
	MaxLevels          int                 // Highest SSTable level
	MaxL0Files         int                 // Level-0 file count that triggers compaction
	LevelBaseSize      int64               // Size threshold for level 1
	LevelMultiplier    int                 // Per-level threshold growth factor
	Compression        sstable.Compression // SSTable entry compression
	Logging            bool                // Redirect the standard logger into the data directory
}

// engine lifecycle states
type state int

const (
	stateOpen state = iota
	stateClosing
	stateClosed
)

// DB is the storage engine. All foreground operations are guarded by one
// read-write lock; the background compactor only touches the filesystem
// namespace and runs concurrently with both readers and writers.
type DB struct {
	config *Config

	lock        sync.RWMutex
	state       state
	wal         *wal.WAL
	memtable    *memtable.MemTable
	deletedKeys map[string]struct{}

	seq       atomic.Uint64 // SSTable sequence counter, shared with the compactor
	compactor *compaction.Engine

	quit    chan struct{}
	wg      sync.WaitGroup
	logFile *os.File
}

// Open opens the engine: the data directory is created if absent, the
// write-ahead log is opened and fully replayed into a fresh memtable, and
// the background compaction loop is started. A WAL that cannot be replayed
// is fatal; the engine refuses to open rather than serve inconsistent
// state.
func Open(config *Config) (*DB, error) {
	if config == nil {
		return nil, errors.New("basalt: config cannot be nil")
	}
	if config.Directory == "" {
		return nil, errors.New("basalt: directory cannot be empty")
	}

	applyDefaults(config)

	switch config.Compression {
	case sstable.NoCompression, sstable.SnappyCompression, sstable.S2Compression:
	default:
		return nil, errors.New("basalt: invalid compression option")
	}

	if err := os.MkdirAll(config.Directory, config.Permission); err != nil {
		return nil, err
	}

	db := &DB{
		config:      config,
		memtable:    memtable.New(),
		deletedKeys: make(map[string]struct{}),
		quit:        make(chan struct{}),
	}

	if config.Logging {
		logFile, err := os.OpenFile(filepath.Join(config.Directory, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, config.Permission)
		if err != nil {
			return nil, err
		}
		log.SetOutput(logFile)
		db.logFile = logFile
	}

	log.Println("Opening basalt in", config.Directory)

	w, err := wal.Open(config.Directory, config.WALSegmentMaxSize, config.Permission)
	if err != nil {
		return nil, fmt.Errorf("basalt: open wal: %w", err)
	}
	db.wal = w

	if err := db.replayWAL(); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("basalt: wal recovery: %w", err)
	}

	maxSeq, err := maxSSTableSeq(config.Directory)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	db.seq.Store(maxSeq)

	strategy := &compaction.SizeTieredStrategy{
		MaxL0Files:     config.MaxL0Files,
		BaseSize:       config.LevelBaseSize,
		SizeMultiplier: config.LevelMultiplier,
		MaxLevels:      config.MaxLevels,
	}
	db.compactor = compaction.NewEngine(config.Directory, strategy, config.Compression, config.MaxLevels, config.Permission, db.nextSeq)

	db.wg.Add(1)
	go db.compactionLoop()

	log.Println("Basalt opened successfully")

	return db, nil
}

func applyDefaults(config *Config) {
	if config.Permission == 0 {
		config.Permission = DefaultPermission
	}
	if config.FlushThreshold == 0 {
		config.FlushThreshold = DefaultFlushThreshold
	}
	if config.WALSegmentMaxSize <= 0 {
		config.WALSegmentMaxSize = DefaultWALSegmentMaxSize
	}
	if config.CompactionInterval <= 0 {
		config.CompactionInterval = DefaultCompactionInterval
	}
	if config.MaxLevels <= 0 {
		config.MaxLevels = compaction.DefaultMaxLevels
	}
	if config.MaxL0Files <= 0 {
		config.MaxL0Files = compaction.DefaultMaxL0Files
	}
	if config.LevelBaseSize <= 0 {
		config.LevelBaseSize = compaction.DefaultBaseSize
	}
	if config.LevelMultiplier <= 0 {
		config.LevelMultiplier = compaction.DefaultSizeMultiplier
	}
}

// replayWAL rebuilds the memtable and deleted-key set from the log.
func (db *DB) replayWAL() error {
	entries, err := db.wal.ReadAll()
	if err != nil {
		return err
	}

	for _, entry := range entries {
		switch entry.Kind {
		case wal.Put:
			db.memtable.Put(entry.Key, entry.Value, entry.Timestamp)
			delete(db.deletedKeys, entry.Key)
		case wal.Delete:
			db.memtable.Delete(entry.Key, entry.Timestamp)
			db.deletedKeys[entry.Key] = struct{}{}
		default:
			return fmt.Errorf("unknown wal entry kind %d", entry.Kind)
		}
	}

	if len(entries) > 0 {
		log.Println("Replayed", len(entries), "WAL entries")
	}

	return nil
}

// Put writes a key-value pair. The WAL append is the durability gate: the
// memtable is only mutated once the entry is on disk. If the write pushes
// the memtable past its threshold a flush runs synchronously; a flush
// failure is logged but does not fail the Put that triggered it.
func (db *DB) Put(key string, value []byte) error {
	if len(key) == 0 {
		return errors.New("basalt: key cannot be empty")
	}

	db.lock.Lock()
	defer db.lock.Unlock()

	if db.state != stateOpen {
		return ErrClosed
	}

	timestamp := time.Now().UnixNano()

	if err := db.wal.Append(&wal.Entry{Kind: wal.Put, Key: key, Value: value, Timestamp: timestamp}); err != nil {
		return err
	}

	db.memtable.Put(key, value, timestamp)
	delete(db.deletedKeys, key)

	if db.memtable.Size() >= db.config.FlushThreshold {
		if err := db.flushLocked(); err != nil {
			log.Println("Flush after put failed, will retry:", err)
		}
	}

	return nil
}

// Get retrieves a value. Lookup order: the deleted-key set, the memtable,
// then SSTables newest to oldest; the first hit wins. A corrupt SSTable is
// skipped rather than failing the whole lookup.
func (db *DB) Get(key string) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("basalt: key cannot be empty")
	}

	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.state != stateOpen {
		return nil, ErrClosed
	}

	if _, deleted := db.deletedKeys[key]; deleted {
		return nil, ErrKeyNotFound
	}

	if entry, ok := db.memtable.Lookup(key); ok {
		if entry.Deleted {
			return nil, ErrKeyNotFound
		}
		return entry.Value, nil
	}

	// A candidate file can vanish between the directory scan and the open
	// when a compaction finishes in between; its contents live on in the
	// merged output, so rescan and retry instead of reporting a miss.
	for attempt := 0; attempt < 3; attempt++ {
		paths, err := db.sstablePaths()
		if err != nil {
			return nil, err
		}

		stale := false
		for _, path := range paths {
			reader, err := sstable.Open(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					stale = true
					continue
				}
				log.Println("Skipping unreadable sstable:", err)
				continue
			}

			entry, found, err := reader.Get(key)
			_ = reader.Close()
			if err != nil {
				log.Println("Skipping sstable after read error:", err)
				continue
			}
			if found {
				if entry.Deleted {
					return nil, ErrKeyNotFound
				}
				return entry.Value, nil
			}
		}

		if !stale {
			break
		}
	}

	return nil, ErrKeyNotFound
}

// Delete removes a key by recording a tombstone. The key is masked
// immediately via the deleted-key set and reaches disk as a tombstone entry
// at the next flush.
func (db *DB) Delete(key string) error {
	if len(key) == 0 {
		return errors.New("basalt: key cannot be empty")
	}

	db.lock.Lock()
	defer db.lock.Unlock()

	if db.state != stateOpen {
		return ErrClosed
	}

	timestamp := time.Now().UnixNano()

	if err := db.wal.Append(&wal.Entry{Kind: wal.Delete, Key: key, Timestamp: timestamp}); err != nil {
		return err
	}

	db.memtable.Delete(key, timestamp)
	db.deletedKeys[key] = struct{}{}

	if db.memtable.Size() >= db.config.FlushThreshold {
		if err := db.flushLocked(); err != nil {
			log.Println("Flush after delete failed, will retry:", err)
		}
	}

	return nil
}

// Flush writes the memtable to a new level-0 SSTable and truncates the
// WAL segments it covered. A no-op when there is nothing buffered.
func (db *DB) Flush() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.state != stateOpen {
		return ErrClosed
	}

	return db.flushLocked()
}

func (db *DB) flushLocked() error {
	if db.memtable.EntryCount() == 0 {
		return nil
	}

	path := filepath.Join(db.config.Directory, sstable.Filename(0, db.nextSeq()))

	writer, err := sstable.NewWriter(path, 0, uint(db.memtable.EntryCount()), db.config.Compression, db.config.Permission)
	if err != nil {
		return err
	}

	iter := db.memtable.Iterator()
	for iter.HasNext() {
		entry, _ := iter.Next()
		if err := writer.WriteEntry(&sstable.Entry{
			Key:       entry.Key,
			Value:     entry.Value,
			Deleted:   entry.Deleted,
			Timestamp: entry.Timestamp,
		}); err != nil {
			_ = writer.Discard()
			return err
		}
	}

	if err := writer.Close(); err != nil {
		_ = writer.Discard()
		return err
	}

	log.Println("Flushed memtable to", filepath.Base(path))

	// Everything buffered is now durable in the SSTable; start a fresh
	// memtable and drop the WAL segments that covered it.
	db.memtable = memtable.New()
	db.deletedKeys = make(map[string]struct{})

	closedSeg, err := db.wal.Rotate()
	if err != nil {
		return err
	}
	if err := db.wal.Truncate(closedSeg); err != nil {
		return err
	}

	return nil
}

// PrefixSearch returns the values of all live keys beginning with the
// given prefix, newest version winning.
func (db *DB) PrefixSearch(prefix string) ([][]byte, error) {
	if len(prefix) == 0 {
		return nil, errors.New("basalt: prefix cannot be empty")
	}

	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.state != stateOpen {
		return nil, ErrClosed
	}

	memSeen := make(map[string]struct{})
	var memResult [][]byte

	iter := db.memtable.Iterator()
	for iter.HasNext() {
		entry, _ := iter.Next()
		if !strings.HasPrefix(entry.Key, prefix) {
			continue
		}
		memSeen[entry.Key] = struct{}{}
		if !entry.Deleted {
			memResult = append(memResult, entry.Value)
		}
	}

	// Same vanished-file handling as Get: a compaction finishing between
	// the scan and the open moves data, it never loses it, so start over.
	var result [][]byte
	for attempt := 0; attempt < 3; attempt++ {
		result = append([][]byte(nil), memResult...)
		seen := make(map[string]struct{}, len(memSeen))
		for key := range memSeen {
			seen[key] = struct{}{}
		}

		paths, err := db.sstablePaths()
		if err != nil {
			return nil, err
		}

		stale := false
		for _, path := range paths {
			reader, err := sstable.Open(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					stale = true
					continue
				}
				log.Println("Skipping unreadable sstable:", err)
				continue
			}

			it := reader.Iterator()
			for it.HasNext() {
				entry, ok := it.Next()
				if !ok {
					break
				}
				if !strings.HasPrefix(entry.Key, prefix) {
					continue
				}
				if _, already := seen[entry.Key]; already {
					continue
				}
				seen[entry.Key] = struct{}{}
				if !entry.Deleted {
					result = append(result, entry.Value)
				}
			}
			_ = reader.Close()
		}

		if !stale {
			break
		}
	}

	return result, nil
}

// Stats describes the engine's current state.
type Stats struct {
	MemtableSize    uint64
	MemtableEntries int64
	DeletedKeys     int
	SSTableCount    int
	LevelCounts     []int
	WAL             *wal.Stats
}

// Stats returns a snapshot of engine statistics.
func (db *DB) Stats() (*Stats, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.state == stateClosed {
		return nil, ErrClosed
	}

	levels, err := db.compactor.ScanLevels()
	if err != nil {
		return nil, err
	}

	walStats, err := db.wal.Stats()
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		MemtableSize:    db.memtable.Size(),
		MemtableEntries: db.memtable.EntryCount(),
		DeletedKeys:     len(db.deletedKeys),
		LevelCounts:     make([]int, len(levels)),
		WAL:             walStats,
	}
	for i, level := range levels {
		stats.LevelCounts[i] = len(level.Files)
		stats.SSTableCount += len(level.Files)
	}

	return stats, nil
}

// Close stops the background compactor, performs a final flush and closes
// the WAL. Calling Close more than once is a no-op. A compaction already
// in flight finishes; only future ticks are cancelled.
func (db *DB) Close() error {
	db.lock.Lock()
	if db.state != stateOpen {
		db.lock.Unlock()
		return nil
	}
	db.state = stateClosing
	db.lock.Unlock()

	close(db.quit)
	db.wg.Wait()

	db.lock.Lock()
	defer db.lock.Unlock()

	if err := db.flushLocked(); err != nil {
		return err
	}

	if err := db.wal.Close(); err != nil {
		return err
	}

	db.state = stateClosed

	log.Println("Basalt closed")

	if db.logFile != nil {
		// Point the standard logger away from the redirect file before
		// closing it, or later log calls would write to a closed file.
		log.SetOutput(os.Stderr)
		if err := db.logFile.Close(); err != nil {
			return err
		}
	}

	return nil
}

// compactionLoop runs the compactor on a fixed interval until Close. A
// failed tick is logged and retried on the next fire.
func (db *DB) compactionLoop() {
	defer db.wg.Done()

	ticker := time.NewTicker(db.config.CompactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := db.compactor.CompactIfNeeded(); err != nil {
				log.Println("Compaction tick failed:", err)
			}
		case <-db.quit:
			return
		}
	}
}

// nextSeq hands out the next SSTable sequence number. Flush and compaction
// share it so concurrently created files never collide.
func (db *DB) nextSeq() uint64 {
	return db.seq.Add(1)
}

// sstablePaths lists SSTable files ordered newest to oldest: level 0 first
// (highest sequence first within a level), then each higher level.
func (db *DB) sstablePaths() ([]string, error) {
	levels, err := db.compactor.ScanLevels()
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, level := range levels {
		for _, file := range level.Files {
			paths = append(paths, file.Path)
		}
	}

	return paths, nil
}

// maxSSTableSeq finds the highest sequence number used by any SSTable in
// the directory so new files continue the series after a restart.
func maxSSTableSeq(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	var max uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, seq, ok := sstable.ParseFilename(entry.Name()); ok && seq > max {
			max = seq
		}
	}

	return max, nil
}
