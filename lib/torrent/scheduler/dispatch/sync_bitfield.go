// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package dispatch

import (
	"sync"

	"github.com/willf/bitset"
)

// syncBitfield is a thread-safe bitfield.
type syncBitfield struct {
	mu sync.RWMutex
	b  *bitset.BitSet
}

func newSyncBitfield(b *bitset.BitSet) *syncBitfield {
	s := &syncBitfield{
		b: bitset.New(b.Len()),
	}
	for i, e := b.NextSet(0); e; i, e = b.NextSet(i + 1) {
		s.b.Set(i)
	}
	return s
}

// Len returns the number of bits in the bitfield.
func (s *syncBitfield) Len() uint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.b.Len()
}

// Has returns true if i is set.
func (s *syncBitfield) Has(i uint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.b.Test(i)
}

// Complete returns true if all bits are set.
func (s *syncBitfield) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.b.All()
}

// Set sets i.
func (s *syncBitfield) Set(i uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.b.Set(i)
}

// SetAll sets every bit in the bitfield.
func (s *syncBitfield) SetAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := uint(0); i < s.b.Len(); i++ {
		s.b.Set(i)
	}
}

// GetAllSet returns the indexes of all set bits.
func (s *syncBitfield) GetAllSet() []uint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var set []uint
	for i, e := s.b.NextSet(0); e; i, e = s.b.NextSet(i + 1) {
		set = append(set, i)
	}
	return set
}

// Copy returns a copy of the underlying bitset.
func (s *syncBitfield) Copy() *bitset.BitSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.b.Clone()
}

// Intersection returns the intersection of the bitfield with b.
func (s *syncBitfield) Intersection(b *bitset.BitSet) *bitset.BitSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.b.Intersection(b)
}
