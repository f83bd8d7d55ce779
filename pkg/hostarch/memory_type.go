// Copyright 2025 The gVisor Authors.
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

package hostarch

import (
	"fmt"
)

// MemoryType specifies CPU memory access behavior for a mapping.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is normal cacheable memory (x86 WB, ARM64 normal
	// write-back). It must be the zero value.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteCombine is x86 WC, or ARM64 normal non-cacheable.
	MemoryTypeWriteCombine

	// MemoryTypeUncached is x86 UC or UC-, or ARM64 Device-nGnRnE.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

var memoryTypeNames = [NumMemoryTypes]struct {
	long, short string
}{
	MemoryTypeWriteBack:    {"WriteBack", "WB"},
	MemoryTypeWriteCombine: {"WriteCombine", "WC"},
	MemoryTypeUncached:     {"Uncached", "UC"},
}

// Valid returns true if mt is one of the defined memory types.
func (mt MemoryType) Valid() bool {
	return mt < NumMemoryTypes
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	if !mt.Valid() {
		return fmt.Sprintf("%d", mt)
	}
	return memoryTypeNames[mt].long
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	if !mt.Valid() {
		return fmt.Sprintf("%02d", mt)
	}
	return memoryTypeNames[mt].short
}

// ParseMemoryType returns the memory type named s, in either its String or
// ShortString form.
func ParseMemoryType(s string) (MemoryType, error) {
	for mt, n := range memoryTypeNames {
		if s == n.long || s == n.short {
			return MemoryType(mt), nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}
