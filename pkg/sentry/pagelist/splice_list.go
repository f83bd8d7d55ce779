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

package pagelist

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// SpliceList holds a range of content taken out of a PageList by TakePages.
// It is consumed in order with Pop.
//
// The owner of a SpliceList must either Pop it to completion or call Free.
// A SpliceList is not safe for concurrent use.
type SpliceList struct {
	offset uint64
	length uint64

	// pos is the number of bytes already popped.
	pos uint64

	// head holds the pages before the first node boundary in the range, and
	// tail the pages after the last one. Both are keyed like the source
	// list's nodes but never indexed.
	head node
	tail node

	// middle holds the whole nodes taken from the source list.
	middle *btree.BTreeG[*node]
}

func newSpliceList(offset, length uint64) *SpliceList {
	return &SpliceList{
		offset: offset,
		length: length,
		head:   node{offset: NodeOffset(offset, 0)},
		tail:   node{offset: NodeOffset(offset+length, 0)},
		middle: btree.NewG(degree, nodeLess),
	}
}

// Offset returns the offset of the first page in the source list.
func (sl *SpliceList) Offset() uint64 {
	return sl.offset
}

// Length returns the length of the range in bytes.
func (sl *SpliceList) Length() uint64 {
	return sl.length
}

// Position returns the number of bytes already popped.
func (sl *SpliceList) Position() uint64 {
	return sl.pos
}

// IsDone returns true if every page has been popped.
func (sl *SpliceList) IsDone() bool {
	return sl.pos >= sl.length
}

// Pop removes and returns the next slot of the range. Pop returns Empty for
// offsets that had no content.
//
// Preconditions: !sl.IsDone().
func (sl *SpliceList) Pop() PageOrMarker {
	if sl.IsDone() {
		panic("Pop from a drained splice list")
	}
	cur := sl.offset + sl.pos
	idx := NodeIndex(cur, 0)
	key := NodeOffset(cur, 0)

	var res PageOrMarker
	switch {
	case NodeIndex(sl.offset, 0) != 0 && key == sl.head.offset:
		// The range started mid-node and cur is still in that node.
		res = sl.head.lookup(idx).Take()
	case key != sl.tail.offset:
		if n, ok := sl.middle.Get(&node{offset: key}); ok {
			res = n.lookup(idx).Take()
			if n.isEmpty() {
				sl.middle.Delete(n)
			}
		}
	default:
		res = sl.tail.lookup(idx).Take()
	}
	sl.pos += hostarch.PageSize

	if res.IsReference() {
		panic(fmt.Sprintf("popped %v at %#x: compressed references are not supported", res, cur))
	}
	return res
}

// Free pops all remaining slots and returns their pages to a.
func (sl *SpliceList) Free(a pgalloc.Allocator) {
	for !sl.IsDone() {
		if v := sl.Pop(); v.IsPage() {
			a.FreePage(v.ReleasePage())
		}
	}
}
