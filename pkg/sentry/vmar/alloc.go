// Copyright 2026 The gVisor Authors.
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

package vmar

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/bits"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// forEachGapLocked calls fn for every free range between r's children, in
// address order, until fn returns false.
//
// Preconditions: as.mu must be locked.
func (r *Region) forEachGapLocked(fn func(gap hostarch.AddrRange) bool) {
	prev := r.base
	cont := true
	r.children.Ascend(func(c RegionOrMapping) bool {
		n := c.node()
		if n.base > prev {
			cont = fn(hostarch.AddrRange{Start: prev, End: n.base})
		}
		prev = n.end()
		return cont
	})
	if cont && prev < r.end() {
		fn(hostarch.AddrRange{Start: prev, End: r.end()})
	}
}

// spotsIn returns the lowest base in gap that is aligned to align and leaves
// room for size bytes, and the number of such bases.
func spotsIn(gap hostarch.AddrRange, size, align uint64) (first hostarch.Addr, n uint64) {
	if gap.Length() < size {
		return 0, 0
	}
	start := bits.AlignUp(uint64(gap.Start), align)
	last := uint64(gap.End) - size
	if start < uint64(gap.Start) || start > last {
		return 0, 0
	}
	return hostarch.Addr(start), (last-start)/align + 1
}

// allocSpotLocked picks a base for a new child of the given size and
// alignment. By default the lowest fit is used. FlagMapHigh picks the
// highest fit. With ASLR enabled, and unless FlagCompact is set, any fit is
// chosen with equal probability. It returns ERANGE if nothing fits.
//
// Preconditions: as.mu must be locked. size > 0. align is a power of two.
func (r *Region) allocSpotLocked(size, align uint64, flags Flags) (hostarch.Addr, error) {
	var (
		total      uint64
		lowest     hostarch.Addr
		highest    hostarch.Addr
		haveLowest bool
	)
	r.forEachGapLocked(func(gap hostarch.AddrRange) bool {
		first, n := spotsIn(gap, size, align)
		if n == 0 {
			return true
		}
		if !haveLowest {
			lowest, haveLowest = first, true
		}
		highest = first + hostarch.Addr((n-1)*align)
		total += n
		return true
	})
	switch {
	case total == 0:
		return 0, linuxerr.ERANGE
	case bits.IsOn(flags, FlagMapHigh):
		return highest, nil
	case r.as.rng != nil && !bits.IsOn(flags, FlagCompact):
		return r.nthSpotLocked(size, align, uint64(r.as.rng.Int63n(int64(total)))), nil
	default:
		return lowest, nil
	}
}

// nthSpotLocked returns the n-th (from zero) fit counted in address order.
//
// Preconditions: as.mu must be locked. n is less than the number of fits.
func (r *Region) nthSpotLocked(size, align, n uint64) hostarch.Addr {
	var (
		base  hostarch.Addr
		found bool
	)
	r.forEachGapLocked(func(gap hostarch.AddrRange) bool {
		first, count := spotsIn(gap, size, align)
		if n < count {
			base, found = first+hostarch.Addr(n*align), true
			return false
		}
		n -= count
		return true
	})
	if !found {
		panic(fmt.Sprintf("%v: fit %d out of range", r, n))
	}
	return base
}

// checkGapLocked returns ERANGE if [base, base+size) overlaps a child of r.
//
// Preconditions: as.mu must be locked. The range is within r.
func (r *Region) checkGapLocked(base hostarch.Addr, size uint64) error {
	ar := hostarch.AddrRange{Start: base, End: base + hostarch.Addr(size)}
	if len(r.overlappingLocked(ar)) != 0 {
		return linuxerr.ERANGE
	}
	return nil
}
