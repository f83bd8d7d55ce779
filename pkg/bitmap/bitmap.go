// Copyright 2018 The gVisor Authors.
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

// Package bitmap provides a fixed-capacity bitmap used to track page frame
// ownership.
package bitmap

import (
	"fmt"
	"iter"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are
// supported by this Bitmap implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap is a set of integers in [0, Size()).
type Bitmap struct {
	// count is the number of set bits.
	count uint32

	// size is the number of addressable bits.
	size uint32

	// words holds 64 bits each. Bits at or above size in the last word are
	// always clear.
	words []uint64
}

// New returns an empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	if size > MaxBitEntryLimit {
		panic(fmt.Sprintf("bitmap size %d exceeds limit %d", size, MaxBitEntryLimit))
	}
	return Bitmap{
		size:  size,
		words: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of addressable bits.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.count
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	return i < b.size && b.words[i/64]&(1<<(i%64)) != 0
}

// Add sets bit i. i must be less than Size().
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
	w := &b.words[i/64]
	if mask := uint64(1) << (i % 64); *w&mask == 0 {
		*w |= mask
		b.count++
	}
}

// Remove clears bit i. Bits out of range are ignored.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		return
	}
	w := &b.words[i/64]
	if mask := uint64(1) << (i % 64); *w&mask != 0 {
		*w &^= mask
		b.count--
	}
}

// FindZero returns the first clear bit at or after hint, wrapping around to
// the start of the bitmap. It returns false if every bit is set.
func (b *Bitmap) FindZero(hint uint32) (uint32, bool) {
	if b.count == b.size {
		return 0, false
	}
	if hint >= b.size {
		hint = 0
	}
	if i, ok := b.firstZeroIn(hint, b.size); ok {
		return i, true
	}
	return b.firstZeroIn(0, hint)
}

// firstZeroIn returns the first clear bit in [start, end).
func (b *Bitmap) firstZeroIn(start, end uint32) (uint32, bool) {
	for start < end {
		wi := start / 64
		// Treat bits below start as set.
		w := b.words[wi] | (1<<(start%64) - 1)
		if w != math.MaxUint64 {
			i := wi*64 + uint32(bits.TrailingZeros64(^w))
			return i, i < end
		}
		start = (wi + 1) * 64
	}
	return 0, false
}

// Ones iterates over the set bits in increasing order.
func (b *Bitmap) Ones() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		for wi, w := range b.words {
			for w != 0 {
				if !yield(uint32(wi)*64 + uint32(bits.TrailingZeros64(w))) {
					return
				}
				// Clear the lowest set bit.
				w &= w - 1
			}
		}
	}
}
