// Package merge
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
package merge

import (
	"container/heap"
	"errors"

	"github.com/basaltdb/basalt/sstable"
)

// EntryIterator is the source interface the merger consumes. Each source
// must yield entries in ascending key order with unique keys.
// *sstable.Iterator satisfies it.
type EntryIterator interface {
	HasNext() bool
	Next() (*sstable.Entry, bool)
	Err() error
}

// Merger combines any number of sorted sources into one globally sorted,
// globally deduplicated stream. For entries sharing a key the one with the
// larger timestamp wins; on an exact timestamp tie the source with the
// lower index wins, so exactly one entry per key survives either way.
type Merger struct {
	heap mergeHeap
	err  error
}

// item is one heap element: the head entry of a source plus the source it
// came from.
type item struct {
	entry  *sstable.Entry
	source int
	iter   EntryIterator
}

// mergeHeap is a binary min-heap ordered by (key asc, timestamp desc,
// source asc).
type mergeHeap []*item

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if h[i].entry.Key != h[j].entry.Key {
		return h[i].entry.Key < h[j].entry.Key
	}
	if h[i].entry.Timestamp != h[j].entry.Timestamp {
		return h[i].entry.Timestamp > h[j].entry.Timestamp
	}
	return h[i].source < h[j].source
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// New creates a merger over the given sources. Each source's first entry is
// pulled immediately to seed the heap.
func New(sources []EntryIterator) *Merger {
	m := &Merger{heap: make(mergeHeap, 0, len(sources))}

	for i, src := range sources {
		if entry, ok := src.Next(); ok {
			m.heap = append(m.heap, &item{entry: entry, source: i, iter: src})
		} else if err := src.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.heap)

	return m
}

// HasNext reports whether another merged entry remains.
func (m *Merger) HasNext() bool {
	return m.err == nil && m.heap.Len() > 0
}

// Next pops the smallest key. All other pending entries with the same key
// are discarded, their sources advanced, so each key is emitted exactly
// once with its newest value.
func (m *Merger) Next() (*sstable.Entry, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.heap.Len() == 0 {
		return nil, errors.New("merge: no more entries")
	}

	winner := heap.Pop(&m.heap).(*item)

	// Capture the winning entry now: advance repoints winner.entry at the
	// source's next entry.
	entry := winner.entry
	if err := m.advance(winner); err != nil {
		return nil, err
	}

	// Drop older versions of the same key from the remaining sources.
	for m.heap.Len() > 0 && m.heap[0].entry.Key == entry.Key {
		stale := heap.Pop(&m.heap).(*item)
		if err := m.advance(stale); err != nil {
			return nil, err
		}
	}

	return entry, nil
}

// advance pulls the next entry from an item's source and re-pushes it onto
// the heap.
func (m *Merger) advance(it *item) error {
	entry, ok := it.iter.Next()
	if !ok {
		if err := it.iter.Err(); err != nil {
			m.err = err
			return err
		}
		return nil
	}

	it.entry = entry
	heap.Push(&m.heap, it)

	return nil
}
