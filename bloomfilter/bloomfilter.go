// Package bloomfilter
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
package bloomfilter

import (
	"errors"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
	"go.mongodb.org/mongo-driver/bson"
)

// BloomFilter is the existence filter attached to every SSTable. A negative
// answer is definitive, a positive answer may be a false positive.
//
// We derive the probe positions from two independent 64-bit hashes
// (xxhash and xxh3) using double hashing: position(i) = h1 + i*h2 (mod m).
type BloomFilter struct {
	Bitset    []byte // Bit array packed into bytes
	Size      uint64 // Number of bits (m)
	HashCount uint64 // Number of probe positions (k)
}

// New creates a bloom filter sized for the expected number of keys and the
// desired false-positive probability.
//
// Optimal sizing:
//
//	m = -n * ln(p) / (ln2)^2
//	k = (m/n) * ln2
func New(expectedKeys uint, probability float64) (*BloomFilter, error) {
	if expectedKeys == 0 {
		expectedKeys = 1
	}

	if probability <= 0 || probability >= 1 {
		return nil, errors.New("probability must be between 0 and 1 exclusive")
	}

	n := float64(expectedKeys)
	m := math.Ceil(-n * math.Log(probability) / (math.Ln2 * math.Ln2))
	k := math.Round(m / n * math.Ln2)

	size := uint64(m)
	if size < 8 {
		size = 8
	}

	hashCount := uint64(k)
	if hashCount < 1 {
		hashCount = 1
	}

	return &BloomFilter{
		Bitset:    make([]byte, (size+7)/8),
		Size:      size,
		HashCount: hashCount,
	}, nil
}

// Add inserts a key into the filter.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := hashKey(key)
	for i := uint64(0); i < bf.HashCount; i++ {
		pos := (h1 + i*h2) % bf.Size
		bf.Bitset[pos/8] |= 1 << (pos % 8)
	}
}

// Contains reports whether the key may be present. False means the key was
// never added.
func (bf *BloomFilter) Contains(key []byte) bool {
	h1, h2 := hashKey(key)
	for i := uint64(0); i < bf.HashCount; i++ {
		pos := (h1 + i*h2) % bf.Size
		if bf.Bitset[pos/8]&(1<<(pos%8)) == 0 {
			return false
		}
	}
	return true
}

// hashKey computes the two base hashes for double hashing. h2 must never be
// zero or every probe would land on the same bit.
func hashKey(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	h2 := xxh3.Hash(key)
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}

// Serialize encodes the filter for storage inside an SSTable.
func (bf *BloomFilter) Serialize() ([]byte, error) {
	if bf == nil {
		return nil, errors.New("bloom filter is nil")
	}
	return bson.Marshal(bf)
}

// Deserialize reconstructs a filter from its serialized form.
func Deserialize(data []byte) (*BloomFilter, error) {
	if len(data) == 0 {
		return nil, errors.New("data is empty")
	}

	var bf BloomFilter
	if err := bson.Unmarshal(data, &bf); err != nil {
		return nil, err
	}

	if bf.Size == 0 || bf.HashCount == 0 || uint64(len(bf.Bitset)) != (bf.Size+7)/8 {
		return nil, errors.New("malformed bloom filter")
	}

	return &bf, nil
}
