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

package vmar

import (
	"bytes"
	"fmt"
	"strings"
)

// Dump returns a description of the whole tree, one node per line in the
// style of /proc/[pid]/maps, with children indented below their region.
func (as *Aspace) Dump() string {
	as.mu.Lock()
	defer as.mu.Unlock()
	var b bytes.Buffer
	if as.root.state != stateAlive {
		fmt.Fprintf(&b, "%v: %v\n", as, as.root.state)
		return b.String()
	}
	b.Write(mapsEntryLocked(infoLocked(as.root, 0)))
	as.root.walkLocked(1, func(info NodeInfo) bool {
		b.Write(mapsEntryLocked(info))
		return true
	})
	return b.String()
}

// mapsEntryLocked returns the maps entry for info, including the trailing
// newline.
//
// Preconditions: as.mu must be locked.
func mapsEntryLocked(info NodeInfo) []byte {
	var b bytes.Buffer
	b.WriteString(strings.Repeat("  ", info.Depth))
	start, end := uint64(info.Range.Start), uint64(info.Range.End)
	if info.IsMapping {
		fmt.Fprintf(&b, "%08x-%08x %sp %08x %s %s ",
			start, end, info.Perms, info.ObjectOffset, info.MemoryType.ShortString(), info.Object.Name())
	} else {
		fmt.Fprintf(&b, "%08x-%08x %s- vmar ", start, end, info.Flags.maxPerms())
	}

	if info.Name != "" {
		// Pad until the 74th character, as Linux does.
		if pad := 73 - b.Len(); pad > 0 {
			b.WriteString(strings.Repeat(" ", pad))
		}
		b.WriteString(info.Name)
	}
	b.WriteString("\n")
	return b.Bytes()
}
