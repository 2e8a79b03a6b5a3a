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
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/basaltdb/basalt/merge"
	"github.com/basaltdb/basalt/sstable"
)

// Size-tiered policy defaults
const (
	DefaultMaxL0Files     = 4
	DefaultBaseSize       = 10 * 1024 * 1024
	DefaultSizeMultiplier = 10
	DefaultMaxLevels      = 7
)

// FileInfo describes one SSTable discovered on disk. Level and sequence
// come from the file name alone.
type FileInfo struct {
	Path string
	Seq  uint64
	Size int64
}

// LevelInfo is the set of SSTables at one level.
type LevelInfo struct {
	Level     int
	Files     []FileInfo
	TotalSize int64
}

// Job names the inputs and target of one compaction. Jobs are ephemeral,
// created by a strategy and consumed by the engine.
type Job struct {
	SourceLevel int
	TargetLevel int
	Inputs      []string
}

// Strategy decides when compaction is needed and which SSTables to merge.
type Strategy interface {
	ShouldCompact(levels []LevelInfo) bool
	SelectSSTables(levels []LevelInfo) *Job
}

// SizeTieredStrategy triggers on level 0 once it accumulates MaxL0Files
// files regardless of their size, with priority over every other level.
// Level i >= 1 triggers once its cumulative byte size exceeds
// BaseSize * SizeMultiplier^(i-1). One job is selected per invocation.
type SizeTieredStrategy struct {
	MaxL0Files     int
	BaseSize       int64
	SizeMultiplier int
	MaxLevels      int
}

// NewSizeTieredStrategy returns the strategy with default thresholds.
func NewSizeTieredStrategy() *SizeTieredStrategy {
	return &SizeTieredStrategy{
		MaxL0Files:     DefaultMaxL0Files,
		BaseSize:       DefaultBaseSize,
		SizeMultiplier: DefaultSizeMultiplier,
		MaxLevels:      DefaultMaxLevels,
	}
}

// ShouldCompact reports whether any level has tripped its threshold.
func (s *SizeTieredStrategy) ShouldCompact(levels []LevelInfo) bool {
	return s.pickLevel(levels) >= 0
}

// SelectSSTables builds the job for the highest-priority tripped level: all
// of that level's files merge into one output at the next level. The last
// level compacts onto itself.
func (s *SizeTieredStrategy) SelectSSTables(levels []LevelInfo) *Job {
	level := s.pickLevel(levels)
	if level < 0 {
		return nil
	}

	target := level + 1
	if target > s.MaxLevels {
		target = s.MaxLevels
	}

	job := &Job{SourceLevel: level, TargetLevel: target}
	for _, file := range levels[level].Files {
		job.Inputs = append(job.Inputs, file.Path)
	}

	return job
}

func (s *SizeTieredStrategy) pickLevel(levels []LevelInfo) int {
	if len(levels) == 0 {
		return -1
	}

	// Level 0 triggers on file count alone and beats every other level.
	if len(levels[0].Files) >= s.MaxL0Files {
		return 0
	}

	threshold := s.BaseSize
	for i := 1; i < len(levels); i++ {
		// The last level compacts onto itself, which is only worthwhile
		// with at least two files to merge.
		minFiles := 1
		if i >= s.MaxLevels {
			minFiles = 2
		}
		if len(levels[i].Files) >= minFiles && levels[i].TotalSize > threshold {
			return i
		}
		threshold *= int64(s.SizeMultiplier)
	}

	return -1
}

// Engine executes compaction jobs. It interacts only with the filesystem
// namespace, so it can run concurrently with foreground reads and writes:
// inputs are opened before the output replaces them and deleted only after
// the output writer has closed successfully.
type Engine struct {
	dir         string
	strategy    Strategy
	compression sstable.Compression
	maxLevels   int
	perm        os.FileMode
	nextSeq     func() uint64
}

// NewEngine creates a compaction engine over one data directory. nextSeq
// must hand out sequence numbers that never collide with concurrent flush
// output.
func NewEngine(dir string, strategy Strategy, compression sstable.Compression, maxLevels int, perm os.FileMode, nextSeq func() uint64) *Engine {
	return &Engine{
		dir:         dir,
		strategy:    strategy,
		compression: compression,
		maxLevels:   maxLevels,
		perm:        perm,
		nextSeq:     nextSeq,
	}
}

// ScanLevels lists the SSTables on disk grouped by parsed level. The
// result always spans levels 0 through the configured maximum. Files within
// a level are ordered newest first.
func (e *Engine) ScanLevels() ([]LevelInfo, error) {
	dirEntries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("compaction: list %s: %w", e.dir, err)
	}

	levels := make([]LevelInfo, e.maxLevels+1)
	for i := range levels {
		levels[i].Level = i
	}

	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}

		level, seq, ok := sstable.ParseFilename(dirEntry.Name())
		if !ok || level > e.maxLevels {
			continue
		}

		info, err := dirEntry.Info()
		if err != nil {
			continue // File vanished mid-scan, likely a finished compaction
		}

		levels[level].Files = append(levels[level].Files, FileInfo{
			Path: filepath.Join(e.dir, dirEntry.Name()),
			Seq:  seq,
			Size: info.Size(),
		})
		levels[level].TotalSize += info.Size()
	}

	for i := range levels {
		files := levels[i].Files
		sort.Slice(files, func(a, b int) bool { return files[a].Seq > files[b].Seq })
	}

	return levels, nil
}

// CompactIfNeeded asks the strategy whether a level needs compacting and,
// if so, executes the selected job. A failure leaves all input files intact
// so the next tick can retry.
func (e *Engine) CompactIfNeeded() error {
	levels, err := e.ScanLevels()
	if err != nil {
		return err
	}

	if !e.strategy.ShouldCompact(levels) {
		return nil
	}

	job := e.strategy.SelectSSTables(levels)
	if job == nil || len(job.Inputs) == 0 {
		return nil
	}

	return e.execute(job, levels)
}

func (e *Engine) execute(job *Job, levels []LevelInfo) error {
	log.Printf("compaction: merging %d file(s) from level %d into level %d", len(job.Inputs), job.SourceLevel, job.TargetLevel)

	readers := make([]*sstable.Reader, 0, len(job.Inputs))
	defer func() {
		for _, r := range readers {
			_ = r.Close()
		}
	}()

	var totalEntries int64
	for _, path := range job.Inputs {
		r, err := sstable.Open(path)
		if err != nil {
			return fmt.Errorf("compaction: open input: %w", err)
		}
		readers = append(readers, r)
		totalEntries += r.Metadata().EntryCount
	}

	outPath := filepath.Join(e.dir, sstable.Filename(job.TargetLevel, e.nextSeq()))
	writer, err := sstable.NewWriter(outPath, job.TargetLevel, uint(totalEntries), e.compression, e.perm)
	if err != nil {
		return fmt.Errorf("compaction: create output: %w", err)
	}

	sources := make([]merge.EntryIterator, len(readers))
	for i, r := range readers {
		sources[i] = r.Iterator()
	}

	// Tombstones may be dropped only when nothing older than the output
	// can still hold the key: no file at or below the target level outside
	// this job's inputs.
	dropTombstones := e.safeToPurge(job, levels)

	merger := merge.New(sources)
	for merger.HasNext() {
		entry, err := merger.Next()
		if err != nil {
			_ = writer.Discard()
			return fmt.Errorf("compaction: merge: %w", err)
		}

		if entry.Deleted && dropTombstones {
			continue
		}

		if err := writer.WriteEntry(entry); err != nil {
			_ = writer.Discard()
			return fmt.Errorf("compaction: write output: %w", err)
		}
	}

	if writer.Count() == 0 {
		// Every surviving entry was a purged tombstone; there is nothing
		// to keep.
		if err := writer.Discard(); err != nil {
			return fmt.Errorf("compaction: discard empty output: %w", err)
		}
	} else if err := writer.Close(); err != nil {
		_ = writer.Discard()
		return fmt.Errorf("compaction: close output: %w", err)
	}

	// The output is durable; the inputs can go. Readers holding open
	// handles on them keep working, the directory entries just disappear.
	for _, path := range job.Inputs {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("compaction: remove input: %w", err)
		}
	}

	log.Printf("compaction: level %d -> %d complete, output %s", job.SourceLevel, job.TargetLevel, filepath.Base(outPath))

	return nil
}

// safeToPurge reports whether tombstones can be physically removed by this
// job. That holds only when no SSTable outside the job's inputs exists at
// the target level or deeper, since such a file could hold an older version
// the tombstone still needs to mask.
func (e *Engine) safeToPurge(job *Job, levels []LevelInfo) bool {
	inputs := make(map[string]struct{}, len(job.Inputs))
	for _, path := range job.Inputs {
		inputs[path] = struct{}{}
	}

	for level := job.TargetLevel; level < len(levels); level++ {
		for _, file := range levels[level].Files {
			if _, isInput := inputs[file.Path]; !isInput {
				return false
			}
		}
	}

	return true
}
