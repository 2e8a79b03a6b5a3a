// Package compaction
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
package compaction

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basaltdb/basalt/sstable"
)

// writeTable creates one SSTable on disk for test setup.
func writeTable(t *testing.T, dir string, level int, seq uint64, entries []*sstable.Entry) string {
	t.Helper()

	path := filepath.Join(dir, sstable.Filename(level, seq))
	writer, err := sstable.NewWriter(path, level, uint(len(entries)), sstable.NoCompression, 0644)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	for _, entry := range entries {
		if err := writer.WriteEntry(entry); err != nil {
			t.Fatalf("Failed to write entry: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}
	return path
}

func singleEntry(key, value string, timestamp int64) []*sstable.Entry {
	return []*sstable.Entry{{Key: key, Value: []byte(value), Timestamp: timestamp}}
}

// seqCounter returns a nextSeq function starting above any fixture file.
func seqCounter(start uint64) func() uint64 {
	seq := start
	return func() uint64 {
		seq++
		return seq
	}
}

func TestScanLevels(t *testing.T) {
	dir := t.TempDir()

	writeTable(t, dir, 0, 1, singleEntry("a", "1", 1))
	writeTable(t, dir, 0, 3, singleEntry("b", "2", 2))
	writeTable(t, dir, 1, 2, singleEntry("c", "3", 3))

	// Unrelated files must be ignored
	if err := os.WriteFile(filepath.Join(dir, "wal-000001.log"), []byte("x"), 0644); err != nil {
		t.Fatalf("Failed to write decoy: %v", err)
	}

	engine := NewEngine(dir, NewSizeTieredStrategy(), sstable.NoCompression, DefaultMaxLevels, 0644, seqCounter(10))

	levels, err := engine.ScanLevels()
	if err != nil {
		t.Fatalf("Failed to scan levels: %v", err)
	}

	if len(levels) != DefaultMaxLevels+1 {
		t.Fatalf("Expected %d levels, got %d", DefaultMaxLevels+1, len(levels))
	}
	if len(levels[0].Files) != 2 || len(levels[1].Files) != 1 {
		t.Fatalf("Unexpected grouping: L0=%d L1=%d", len(levels[0].Files), len(levels[1].Files))
	}

	// Newest (highest sequence) first within a level
	if levels[0].Files[0].Seq != 3 || levels[0].Files[1].Seq != 1 {
		t.Errorf("L0 not ordered newest first: %+v", levels[0].Files)
	}
	if levels[0].TotalSize == 0 {
		t.Error("TotalSize should account for file sizes")
	}
}

func TestStrategyL0FileCountTrigger(t *testing.T) {
	strategy := NewSizeTieredStrategy()

	levels := make([]LevelInfo, DefaultMaxLevels+1)
	for i := 0; i < 3; i++ {
		levels[0].Files = append(levels[0].Files, FileInfo{Seq: uint64(i + 1), Size: 10})
	}

	if strategy.ShouldCompact(levels) {
		t.Error("Three L0 files should not trigger with the default threshold of four")
	}

	levels[0].Files = append(levels[0].Files, FileInfo{Seq: 4, Size: 10})
	if !strategy.ShouldCompact(levels) {
		t.Fatal("Four L0 files should trigger regardless of size")
	}

	job := strategy.SelectSSTables(levels)
	if job == nil {
		t.Fatal("Expected a job")
	}
	if job.SourceLevel != 0 || job.TargetLevel != 1 {
		t.Errorf("Expected L0 -> L1 job, got %d -> %d", job.SourceLevel, job.TargetLevel)
	}
	if len(job.Inputs) != 4 {
		t.Errorf("Expected all 4 L0 files as inputs, got %d", len(job.Inputs))
	}
}

func TestStrategyLevelSizeTrigger(t *testing.T) {
	strategy := &SizeTieredStrategy{MaxL0Files: 4, BaseSize: 100, SizeMultiplier: 10, MaxLevels: 7}

	levels := make([]LevelInfo, 8)
	levels[1].Files = []FileInfo{{Seq: 1, Size: 60}}
	levels[1].TotalSize = 60

	if strategy.ShouldCompact(levels) {
		t.Error("Level 1 under its threshold should not trigger")
	}

	levels[1].Files = append(levels[1].Files, FileInfo{Seq: 2, Size: 60})
	levels[1].TotalSize = 120

	job := strategy.SelectSSTables(levels)
	if job == nil {
		t.Fatal("Level 1 above its threshold should trigger")
	}
	if job.SourceLevel != 1 || job.TargetLevel != 2 {
		t.Errorf("Expected L1 -> L2 job, got %d -> %d", job.SourceLevel, job.TargetLevel)
	}

	// Level 2's threshold is BaseSize * multiplier
	levels[1] = LevelInfo{Level: 1}
	levels[2].Files = []FileInfo{{Seq: 3, Size: 500}}
	levels[2].TotalSize = 500
	if strategy.ShouldCompact(levels) {
		t.Error("Level 2 at 500 bytes should be under its 1000-byte threshold")
	}
}

func TestStrategyL0HasPriority(t *testing.T) {
	strategy := &SizeTieredStrategy{MaxL0Files: 2, BaseSize: 10, SizeMultiplier: 10, MaxLevels: 7}

	levels := make([]LevelInfo, 8)
	levels[0].Files = []FileInfo{{Seq: 1, Size: 1}, {Seq: 2, Size: 1}}
	levels[1].Files = []FileInfo{{Seq: 3, Size: 1000}}
	levels[1].TotalSize = 1000

	job := strategy.SelectSSTables(levels)
	if job == nil || job.SourceLevel != 0 {
		t.Fatalf("L0 should win over a tripped deeper level, got %+v", job)
	}
}

func TestStrategyLastLevelSelfCompacts(t *testing.T) {
	strategy := &SizeTieredStrategy{MaxL0Files: 4, BaseSize: 1, SizeMultiplier: 1, MaxLevels: 3}

	levels := make([]LevelInfo, 4)
	levels[3].Files = []FileInfo{{Seq: 1, Size: 100}}
	levels[3].TotalSize = 100

	if strategy.ShouldCompact(levels) {
		t.Error("A single file at the last level should not self-compact")
	}

	levels[3].Files = append(levels[3].Files, FileInfo{Seq: 2, Size: 100})
	levels[3].TotalSize = 200

	job := strategy.SelectSSTables(levels)
	if job == nil {
		t.Fatal("Two files at the last level should compact")
	}
	if job.SourceLevel != 3 || job.TargetLevel != 3 {
		t.Errorf("Last level should compact onto itself, got %d -> %d", job.SourceLevel, job.TargetLevel)
	}
}

func TestCompactMergesLevelZero(t *testing.T) {
	dir := t.TempDir()

	// Four generations of the same key plus distinct keys, oldest first
	writeTable(t, dir, 0, 1, []*sstable.Entry{
		{Key: "key", Value: []byte("gen1"), Timestamp: 1},
		{Key: "only1", Value: []byte("v1"), Timestamp: 1},
	})
	writeTable(t, dir, 0, 2, singleEntry("key", "gen2", 2))
	writeTable(t, dir, 0, 3, singleEntry("key", "gen3", 3))
	writeTable(t, dir, 0, 4, []*sstable.Entry{
		{Key: "key", Value: []byte("gen4"), Timestamp: 4},
		{Key: "only4", Value: []byte("v4"), Timestamp: 4},
	})

	engine := NewEngine(dir, NewSizeTieredStrategy(), sstable.NoCompression, DefaultMaxLevels, 0644, seqCounter(4))

	if err := engine.CompactIfNeeded(); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}

	levels, err := engine.ScanLevels()
	if err != nil {
		t.Fatalf("Failed to scan levels: %v", err)
	}
	if len(levels[0].Files) != 0 {
		t.Errorf("L0 inputs should be removed, %d remain", len(levels[0].Files))
	}
	if len(levels[1].Files) != 1 {
		t.Fatalf("Expected one L1 output, got %d", len(levels[1].Files))
	}

	reader, err := sstable.Open(levels[1].Files[0].Path)
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	defer reader.Close()

	if reader.Metadata().EntryCount != 3 {
		t.Errorf("Expected 3 deduplicated entries, got %d", reader.Metadata().EntryCount)
	}

	entry, found, err := reader.Get("key")
	if err != nil || !found {
		t.Fatalf("Merged key missing: found=%v err=%v", found, err)
	}
	if string(entry.Value) != "gen4" {
		t.Errorf("Newest generation should win, got %q", entry.Value)
	}

	for _, key := range []string{"only1", "only4"} {
		if _, found, err := reader.Get(key); err != nil || !found {
			t.Errorf("Key %q lost in merge: found=%v err=%v", key, found, err)
		}
	}
}

func TestCompactPurgesTombstonesAtBottom(t *testing.T) {
	dir := t.TempDir()

	strategy := &SizeTieredStrategy{MaxL0Files: 4, BaseSize: 1, SizeMultiplier: 10, MaxLevels: 7}

	writeTable(t, dir, 1, 1, []*sstable.Entry{
		{Key: "dead", Deleted: true, Timestamp: 5},
		{Key: "live", Value: []byte("v"), Timestamp: 5},
	})

	engine := NewEngine(dir, strategy, sstable.NoCompression, 7, 0644, seqCounter(1))

	// Nothing exists below level 1, so the tombstone can be dropped
	if err := engine.CompactIfNeeded(); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}

	levels, err := engine.ScanLevels()
	if err != nil {
		t.Fatalf("Failed to scan levels: %v", err)
	}
	if len(levels[1].Files) != 0 || len(levels[2].Files) != 1 {
		t.Fatalf("Expected single L2 output, got L1=%d L2=%d", len(levels[1].Files), len(levels[2].Files))
	}

	reader, err := sstable.Open(levels[2].Files[0].Path)
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	defer reader.Close()

	if _, found, _ := reader.Get("dead"); found {
		t.Error("Tombstone should be physically removed")
	}
	if _, found, _ := reader.Get("live"); !found {
		t.Error("Live key lost during tombstone purge")
	}
}

func TestCompactKeepsTombstonesAboveOlderData(t *testing.T) {
	dir := t.TempDir()

	strategy := &SizeTieredStrategy{MaxL0Files: 2, BaseSize: 1 << 30, SizeMultiplier: 10, MaxLevels: 7}

	// Older value lives at level 2; the L0 tombstone must survive the
	// L0 -> L1 merge or the value would resurface.
	writeTable(t, dir, 2, 1, singleEntry("key", "ancient", 1))
	writeTable(t, dir, 0, 2, []*sstable.Entry{{Key: "key", Deleted: true, Timestamp: 10}})
	writeTable(t, dir, 0, 3, singleEntry("other", "v", 10))

	engine := NewEngine(dir, strategy, sstable.NoCompression, 7, 0644, seqCounter(3))

	if err := engine.CompactIfNeeded(); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}

	levels, err := engine.ScanLevels()
	if err != nil {
		t.Fatalf("Failed to scan levels: %v", err)
	}
	if len(levels[1].Files) != 1 {
		t.Fatalf("Expected one L1 output, got %d", len(levels[1].Files))
	}

	reader, err := sstable.Open(levels[1].Files[0].Path)
	if err != nil {
		t.Fatalf("Failed to open output: %v", err)
	}
	defer reader.Close()

	entry, found, err := reader.Get("key")
	if err != nil || !found {
		t.Fatalf("Tombstone missing from output: found=%v err=%v", found, err)
	}
	if !entry.Deleted {
		t.Error("Expected the tombstone to be retained, not the value")
	}
}

func TestCompactAllTombstonesDiscardsOutput(t *testing.T) {
	dir := t.TempDir()

	strategy := &SizeTieredStrategy{MaxL0Files: 4, BaseSize: 1, SizeMultiplier: 10, MaxLevels: 7}

	writeTable(t, dir, 1, 1, []*sstable.Entry{
		{Key: "a", Deleted: true, Timestamp: 1},
		{Key: "b", Deleted: true, Timestamp: 1},
	})

	engine := NewEngine(dir, strategy, sstable.NoCompression, 7, 0644, seqCounter(1))

	if err := engine.CompactIfNeeded(); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}

	// All entries were purged tombstones; no output file should remain
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to list dir: %v", err)
	}
	for _, entry := range entries {
		t.Errorf("Unexpected leftover file %q", entry.Name())
	}
}

func TestCompactNoOpUnderThresholds(t *testing.T) {
	dir := t.TempDir()

	writeTable(t, dir, 0, 1, singleEntry("a", "1", 1))
	writeTable(t, dir, 1, 2, singleEntry("b", "2", 2))

	engine := NewEngine(dir, NewSizeTieredStrategy(), sstable.NoCompression, DefaultMaxLevels, 0644, seqCounter(2))

	if err := engine.CompactIfNeeded(); err != nil {
		t.Fatalf("CompactIfNeeded failed: %v", err)
	}

	levels, err := engine.ScanLevels()
	if err != nil {
		t.Fatalf("Failed to scan levels: %v", err)
	}
	if len(levels[0].Files) != 1 || len(levels[1].Files) != 1 {
		t.Error("No files should move when no threshold is tripped")
	}
}
