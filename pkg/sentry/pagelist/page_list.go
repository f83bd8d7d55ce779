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

// Package pagelist implements the sparse offset-to-page map that backs a
// memory object.
//
// A PageList maps page-aligned byte offsets of an object to PageOrMarker
// slots. Slots are grouped into nodes of FanOut consecutive pages, and only
// nodes with content are kept in the index, so an empty list costs nothing
// and a sparse one costs a node per populated NodeSpan.
//
// Each list has a skew, which shifts all of its offsets by a constant amount
// before they are grouped into nodes. A clone created at an unaligned offset
// of its parent picks a skew that makes its nodes line up with the parent's,
// so MergeFrom can move whole nodes between the two lists.
//
// No method of PageList or SpliceList locks; callers serialize access with
// the lock of the owning object.
package pagelist

import (
	"fmt"
	"math"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

const (
	// FanOut is the number of slots in a node.
	FanOut = 32

	// NodeSpan is the number of bytes covered by a node.
	NodeSpan = hostarch.PageSize * FanOut

	// MaxSize is the exclusive upper bound of offsets a PageList can hold.
	// It leaves room for the skew to be added to any valid offset.
	MaxSize = math.MaxUint64 &^ (2*NodeSpan - 1)

	// degree is the btree degree used for node indexes.
	degree = 8
)

// checkInvariants enables a full validation of the node index after every
// mutating operation.
const checkInvariants = false

// NodeOffset returns the key of the node holding offset in a list with the
// given skew.
func NodeOffset(offset, skew uint64) uint64 {
	return (offset + skew) &^ (NodeSpan - 1)
}

// NodeIndex returns the slot index of offset within its node.
func NodeIndex(offset, skew uint64) int {
	return int(((offset + skew) / hostarch.PageSize) % FanOut)
}

// PageList is a sparse map from object offsets to PageOrMarker slots.
//
// The zero value is an empty list with no skew.
type PageList struct {
	// nodes holds every node with at least one non-Empty slot, keyed by
	// node offset. nodes is allocated on first use.
	nodes *btree.BTreeG[*node]

	// skew is added to every offset before it is mapped to a node. skew is
	// always less than NodeSpan.
	skew uint64
}

func (pl *PageList) tree() *btree.BTreeG[*node] {
	if pl.nodes == nil {
		pl.nodes = btree.NewG(degree, nodeLess)
	}
	return pl.nodes
}

// Skew returns the list's skew.
func (pl *PageList) Skew() uint64 {
	return pl.skew
}

// InitializeSkew sets the skew of a clone created at offset within a parent
// whose list has skew parentSkew.
//
// Preconditions: pl.IsEmpty().
func (pl *PageList) InitializeSkew(parentSkew, offset uint64) {
	if !pl.IsEmpty() {
		panic("InitializeSkew on a non-empty page list")
	}
	pl.skew = (parentSkew + offset) % NodeSpan
}

func (pl *PageList) find(key uint64) *node {
	if pl.nodes == nil {
		return nil
	}
	n, _ := pl.nodes.Get(&node{offset: key})
	return n
}

// erase removes n from the index and returns it.
func (pl *PageList) erase(n *node) *node {
	removed, ok := pl.nodes.Delete(n)
	if !ok {
		panic(fmt.Sprintf("page list node at %#x is not indexed", n.offset))
	}
	return removed
}

// gc drops n if it has become empty.
func (pl *PageList) gc(n *node) {
	if n.isEmpty() {
		pl.erase(n).drop()
	}
}

// LookupOrAllocate returns the slot for offset, allocating a node to hold it
// if needed. It returns nil if offset is not representable.
//
// A caller that decides not to fill a returned Empty slot must give it back
// with ReturnEmptySlot.
func (pl *PageList) LookupOrAllocate(offset uint64) *PageOrMarker {
	if offset >= MaxSize {
		return nil
	}
	key := NodeOffset(offset, pl.skew)
	n := pl.find(key)
	if n == nil {
		n = &node{offset: key}
		pl.tree().ReplaceOrInsert(n)
	}
	return n.lookup(NodeIndex(offset, pl.skew))
}

// Lookup returns the slot for offset, or nil if no node covers offset. The
// returned slot must not be modified.
func (pl *PageList) Lookup(offset uint64) *PageOrMarker {
	if offset >= MaxSize {
		return nil
	}
	n := pl.find(NodeOffset(offset, pl.skew))
	if n == nil {
		return nil
	}
	return n.lookup(NodeIndex(offset, pl.skew))
}

// LookupMutable returns the slot for offset if it holds content, or nil. The
// caller may replace the slot's content in place but must not leave it Empty;
// use RemoveContent for that.
func (pl *PageList) LookupMutable(offset uint64) *PageOrMarker {
	slot := pl.Lookup(offset)
	if slot == nil || slot.IsEmpty() {
		return nil
	}
	return slot
}

// RemoveContent removes and returns the content at offset. It returns Empty
// if there was none.
func (pl *PageList) RemoveContent(offset uint64) PageOrMarker {
	if offset >= MaxSize {
		return PageOrMarker{}
	}
	n := pl.find(NodeOffset(offset, pl.skew))
	if n == nil {
		return PageOrMarker{}
	}
	v := n.lookup(NodeIndex(offset, pl.skew)).Take()
	pl.gc(n)
	pl.maybeValidate()
	return v
}

// ReturnEmptySlot gives back a slot obtained from LookupOrAllocate that the
// caller left Empty.
func (pl *PageList) ReturnEmptySlot(offset uint64) {
	n := pl.find(NodeOffset(offset, pl.skew))
	if n == nil {
		panic(fmt.Sprintf("ReturnEmptySlot(%#x): no node", offset))
	}
	if slot := n.lookup(NodeIndex(offset, pl.skew)); !slot.IsEmpty() {
		panic(fmt.Sprintf("ReturnEmptySlot(%#x): slot holds %v", offset, slot))
	}
	pl.gc(n)
	pl.maybeValidate()
}

// IsEmpty returns true if the list has no content.
func (pl *PageList) IsEmpty() bool {
	return pl.nodes == nil || pl.nodes.Len() == 0
}

// HasNoPageOrRef returns true if no slot owns a page or reference. It visits
// every node.
func (pl *PageList) HasNoPageOrRef() bool {
	if pl.nodes == nil {
		return true
	}
	ok := true
	pl.nodes.Ascend(func(n *node) bool {
		ok = n.hasNoPageOrRef()
		return ok
	})
	return ok
}

// ForEveryPage calls fn for every non-Empty slot in offset order until fn
// returns false.
func (pl *PageList) ForEveryPage(fn func(slot *PageOrMarker, offset uint64) bool) {
	pl.ForEveryPageInRange(fn, 0, MaxSize)
}

// ForEveryPageInRange calls fn for every non-Empty slot in [start, end) in
// offset order until fn returns false. fn may modify the slot but must not
// leave it Empty.
func (pl *PageList) ForEveryPageInRange(fn func(slot *PageOrMarker, offset uint64) bool, start, end uint64) {
	if pl.nodes == nil || start >= end {
		return
	}
	pl.nodes.AscendGreaterOrEqual(&node{offset: NodeOffset(start, pl.skew)}, func(n *node) bool {
		if n.offset >= end+pl.skew {
			return false
		}
		for i := range n.slots {
			slot := &n.slots[i]
			if slot.IsEmpty() {
				continue
			}
			off := n.slotOffset(i, pl.skew)
			if off < start {
				continue
			}
			if off >= end {
				return false
			}
			if !fn(slot, off) {
				return false
			}
		}
		return true
	})
}

// RemovePages removes all content in [start, end), passing each removed value
// and its offset to fn.
func (pl *PageList) RemovePages(fn func(content PageOrMarker, offset uint64), start, end uint64) {
	if pl.nodes == nil || start >= end {
		return
	}
	var touched []*node
	pl.nodes.AscendGreaterOrEqual(&node{offset: NodeOffset(start, pl.skew)}, func(n *node) bool {
		if n.offset >= end+pl.skew {
			return false
		}
		touched = append(touched, n)
		return true
	})
	for _, n := range touched {
		for i := range n.slots {
			off := n.slotOffset(i, pl.skew)
			if n.slots[i].IsEmpty() || off < start || off >= end {
				continue
			}
			fn(n.slots[i].Take(), off)
		}
		pl.gc(n)
	}
	pl.maybeValidate()
}

// RemoveAllContent removes everything in the list, passing each removed value
// to fn.
func (pl *PageList) RemoveAllContent(fn func(content PageOrMarker)) {
	pl.RemovePages(func(content PageOrMarker, _ uint64) {
		fn(content)
	}, 0, MaxSize)
}

// releaseContent passes a page held by content to release. Markers need no
// release.
func releaseContent(content PageOrMarker, offset uint64, release func(p *pgalloc.Page, offset uint64)) {
	switch {
	case content.IsPage():
		release(content.ReleasePage(), offset)
	case content.IsReference():
		panic("compressed references are not supported")
	}
}

// MergeFrom moves the content of other in [offset, endOffset) into pl, such
// that other's offset becomes pl's offset 0. other is left empty.
//
// Content of other outside the range is discarded, with pages passed to
// release. Where pl already has content, the incoming page is passed to
// release. Otherwise the incoming content is moved in, and migrate is called
// on incoming pages first so the caller can update its accounting. offsets
// passed to release and migrate are relative to other.
//
// When the skews line up, whole nodes of other are moved into pl without
// copying; otherwise content is moved slot by slot with the same result.
func (pl *PageList) MergeFrom(other *PageList, offset, endOffset uint64, release func(p *pgalloc.Page, offset uint64), migrate func(slot *PageOrMarker, offset uint64)) {
	if offset%hostarch.PageSize != 0 || endOffset%hostarch.PageSize != 0 || offset > endOffset {
		panic(fmt.Sprintf("MergeFrom: bad range [%#x, %#x)", offset, endOffset))
	}
	drop := func(content PageOrMarker, off uint64) {
		releaseContent(content, off, release)
	}
	if offset != 0 {
		other.RemovePages(drop, 0, offset)
	}
	other.RemovePages(drop, endOffset, MaxSize)
	if other.IsEmpty() {
		return
	}

	if (other.skew+offset)%NodeSpan != pl.skew {
		if log.IsLogging(log.Debug) {
			log.Debugf("pagelist: merging %d nodes page by page (skew %#x, other skew %#x, offset %#x)", other.nodes.Len(), pl.skew, other.skew, offset)
		}
		pl.mergeSlowly(other, offset, release, migrate)
		return
	}

	// Shift so that the node of other holding offset maps to the node of pl
	// holding 0.
	nodeShift := NodeOffset(offset, other.skew)
	for other.nodes.Len() > 0 {
		n, _ := other.nodes.DeleteMin()
		srcKey := n.offset
		n.offset -= nodeShift
		target := pl.find(n.offset)
		if target == nil {
			for i := range n.slots {
				if n.slots[i].IsPage() {
					migrate(&n.slots[i], srcKey+uint64(i)*hostarch.PageSize-other.skew)
				}
			}
			pl.tree().ReplaceOrInsert(n)
			continue
		}
		for i := range n.slots {
			incoming := n.slots[i].Take()
			if incoming.IsEmpty() {
				continue
			}
			srcOffset := srcKey + uint64(i)*hostarch.PageSize - other.skew
			dst := target.lookup(i)
			if dst.IsEmpty() {
				if incoming.IsPage() {
					migrate(&incoming, srcOffset)
				}
				*dst = incoming.Take()
				continue
			}
			releaseContent(incoming, srcOffset, release)
		}
		n.drop()
	}
	pl.maybeValidate()
}

// mergeSlowly is MergeFrom for lists whose nodes do not line up.
//
// Preconditions: other has no content outside of [offset, MaxSize).
func (pl *PageList) mergeSlowly(other *PageList, offset uint64, release func(p *pgalloc.Page, offset uint64), migrate func(slot *PageOrMarker, offset uint64)) {
	other.RemovePages(func(incoming PageOrMarker, srcOffset uint64) {
		dst := pl.LookupOrAllocate(srcOffset - offset)
		if !dst.IsEmpty() {
			releaseContent(incoming, srcOffset, release)
			return
		}
		if incoming.IsPage() {
			migrate(&incoming, srcOffset)
		}
		*dst = incoming.Take()
	}, offset, MaxSize)
}

// MergeOnto moves all content of pl into other, which must have the same
// skew. Content of pl replaces content of other at the same offset, and the
// displaced pages are passed to release. pl is left empty.
func (pl *PageList) MergeOnto(other *PageList, release func(p *pgalloc.Page)) {
	if pl.skew != other.skew {
		panic(fmt.Sprintf("MergeOnto: skew %#x != %#x", pl.skew, other.skew))
	}
	if pl.nodes == nil {
		return
	}
	for pl.nodes.Len() > 0 {
		n, _ := pl.nodes.DeleteMin()
		target := other.find(n.offset)
		if target == nil {
			other.tree().ReplaceOrInsert(n)
			continue
		}
		for i := range n.slots {
			if n.slots[i].IsEmpty() {
				continue
			}
			old := target.lookup(i).Take()
			*target.lookup(i) = n.slots[i].Take()
			releaseContent(old, 0, func(p *pgalloc.Page, _ uint64) {
				release(p)
			})
		}
		n.drop()
	}
	other.maybeValidate()
}

// TakePages moves the content of [offset, offset+length) into a new
// SpliceList. Whole nodes inside the range are moved without copying.
//
// Preconditions: pl.Skew() == 0. offset and length are page-aligned.
func (pl *PageList) TakePages(offset, length uint64) *SpliceList {
	if pl.skew != 0 {
		panic("TakePages on a skewed page list")
	}
	if offset%hostarch.PageSize != 0 || length%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("TakePages(%#x, %#x): unaligned range", offset, length))
	}
	end := offset + length
	if end < offset || end > MaxSize {
		panic(fmt.Sprintf("TakePages(%#x, %#x): range overflows", offset, length))
	}
	sl := newSpliceList(offset, length)

	// Pages before the first whole node go to the head.
	for NodeIndex(offset, 0) != 0 && offset < end {
		*sl.head.lookup(NodeIndex(offset, 0)) = pl.RemoveContent(offset)
		offset += hostarch.PageSize
	}

	// Whole nodes are spliced out of the index.
	for NodeOffset(offset, 0) != NodeOffset(end, 0) {
		if n := pl.find(NodeOffset(offset, 0)); n != nil {
			sl.middle.ReplaceOrInsert(pl.erase(n))
		}
		offset += NodeSpan
	}

	// And the remainder goes to the tail.
	for offset < end {
		*sl.tail.lookup(NodeIndex(offset, 0)) = pl.RemoveContent(offset)
		offset += hostarch.PageSize
	}
	pl.maybeValidate()
	return sl
}

func (pl *PageList) maybeValidate() {
	if checkInvariants {
		if err := pl.validate(); err != nil {
			panic(err)
		}
	}
}

// validate checks that every indexed node is non-empty and correctly keyed.
func (pl *PageList) validate() error {
	if pl.nodes == nil {
		return nil
	}
	var err error
	pl.nodes.Ascend(func(n *node) bool {
		switch {
		case n.offset%NodeSpan != 0:
			err = fmt.Errorf("node key %#x is not node-aligned", n.offset)
		case n.isEmpty():
			err = fmt.Errorf("empty node indexed at %#x", n.offset)
		}
		return err == nil
	})
	return err
}
