// Package memtable
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
package memtable

import (
	"github.com/google/btree"
)

// Degree of the underlying B-tree (default)
const btreeDegree = 16

// Entry is a key-value pair buffered in memory. Deleted marks a tombstone;
// a tombstone keeps the key visible to the flush path so the delete reaches
// disk.
type Entry struct {
	Key       string
	Value     []byte
	Deleted   bool
	Timestamp int64
}

// MemTable is the mutable in-memory buffer of recent writes, ordered by
// key. It is not safe for concurrent use; the engine serializes access
// under its own lock. A memtable is discarded wholesale after a flush, never
// merged in place.
type MemTable struct {
	tree    *btree.BTreeG[*Entry]
	size    uint64 // Sum of key and value bytes currently held
	entries int64  // Number of entries including tombstones
}

// New creates an empty memtable.
func New() *MemTable {
	return &MemTable{
		tree: btree.NewG(btreeDegree, func(a, b *Entry) bool {
			return a.Key < b.Key
		}),
	}
}

// Put inserts or overwrites a key. Overwriting replaces the prior entry in
// place, no duplicate is retained.
func (m *MemTable) Put(key string, value []byte, timestamp int64) {
	m.set(&Entry{Key: key, Value: value, Timestamp: timestamp})
}

// Delete records a logical tombstone for the key.
func (m *MemTable) Delete(key string, timestamp int64) {
	m.set(&Entry{Key: key, Deleted: true, Timestamp: timestamp})
}

func (m *MemTable) set(entry *Entry) {
	prev, replaced := m.tree.ReplaceOrInsert(entry)
	if replaced {
		m.size -= uint64(len(prev.Key) + len(prev.Value))
	} else {
		m.entries++
	}
	m.size += uint64(len(entry.Key) + len(entry.Value))
}

// Get returns the value for the key. A tombstoned key reports found=false.
func (m *MemTable) Get(key string) ([]byte, bool) {
	entry, ok := m.tree.Get(&Entry{Key: key})
	if !ok || entry.Deleted {
		return nil, false
	}
	return entry.Value, true
}

// Lookup returns the raw entry for the key, tombstones included. The engine
// uses it to distinguish "deleted here" from "not present here".
func (m *MemTable) Lookup(key string) (*Entry, bool) {
	return m.tree.Get(&Entry{Key: key})
}

// Size returns the approximate byte size of all buffered keys and values.
func (m *MemTable) Size() uint64 {
	return m.size
}

// EntryCount returns the number of entries, tombstones included.
func (m *MemTable) EntryCount() int64 {
	return m.entries
}

// Iterator returns an ordered iterator over all entries in ascending key
// order. It operates on a snapshot taken at creation time; used only during
// flush.
func (m *MemTable) Iterator() *Iterator {
	snapshot := make([]*Entry, 0, m.entries)
	m.tree.Ascend(func(entry *Entry) bool {
		snapshot = append(snapshot, entry)
		return true
	})
	return &Iterator{entries: snapshot}
}

// Iterator walks memtable entries in ascending key order.
type Iterator struct {
	entries []*Entry
	pos     int
}

// HasNext reports whether another entry remains.
func (it *Iterator) HasNext() bool {
	return it.pos < len(it.entries)
}

// Next returns the next entry. ok is false once the iterator is exhausted.
func (it *Iterator) Next() (*Entry, bool) {
	if it.pos >= len(it.entries) {
		return nil, false
	}
	entry := it.entries[it.pos]
	it.pos++
	return entry, true
}
