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

	"gvisor.dev/vmcore/pkg/hostarch"
)

// node is a run of FanOut consecutive slots. offset is the node-aligned key
// of the first slot, in skewed list coordinates.
type node struct {
	offset uint64
	slots  [FanOut]PageOrMarker
}

func nodeLess(a, b *node) bool {
	return a.offset < b.offset
}

// lookup returns slot i.
func (n *node) lookup(i int) *PageOrMarker {
	return &n.slots[i]
}

// isEmpty returns true if every slot is Empty.
func (n *node) isEmpty() bool {
	for i := range n.slots {
		if !n.slots[i].IsEmpty() {
			return false
		}
	}
	return true
}

// hasNoPageOrRef returns true if no slot owns a page or reference. Markers
// are ignored.
func (n *node) hasNoPageOrRef() bool {
	for i := range n.slots {
		if n.slots[i].IsPageOrRef() {
			return false
		}
	}
	return true
}

// slotOffset returns the unskewed offset of slot i.
func (n *node) slotOffset(i int, skew uint64) uint64 {
	return n.offset + uint64(i)*hostarch.PageSize - skew
}

// drop is called on a node that is being discarded rather than moved into
// another list. Dropping a node that still owns content would leak it.
func (n *node) drop() {
	if !n.hasNoPageOrRef() {
		panic(fmt.Sprintf("dropping page list node at %#x that still owns pages", n.offset))
	}
}
