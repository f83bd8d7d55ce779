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
	"strings"

	"gvisor.dev/vmcore/pkg/hostarch"
)

// Flags control the capabilities and placement of regions and mappings.
type Flags uint32

const (
	// FlagCanMapRead allows readable mappings below a region.
	FlagCanMapRead Flags = 1 << iota

	// FlagCanMapWrite allows writable mappings below a region.
	FlagCanMapWrite

	// FlagCanMapExecute allows executable mappings below a region.
	FlagCanMapExecute

	// FlagCanMapSpecific allows children of a region to be placed at a
	// caller-chosen offset.
	FlagCanMapSpecific

	// FlagSpecific places a new child at the requested offset instead of
	// searching for a free spot.
	FlagSpecific

	// FlagSpecificOverwrite is FlagSpecific, but mappings already in the
	// requested range are unmapped first. It only applies to mappings.
	FlagSpecificOverwrite

	// FlagCompact asks for the new child to be placed close to its siblings,
	// even when address randomization is enabled.
	FlagCompact

	// FlagMapHigh asks for the highest free spot instead of the lowest.
	FlagMapHigh
)

const (
	canMapFlags    = FlagCanMapRead | FlagCanMapWrite | FlagCanMapExecute | FlagCanMapSpecific
	specificFlags  = FlagSpecific | FlagSpecificOverwrite
	placementFlags = specificFlags | FlagCompact | FlagMapHigh
	allFlags       = canMapFlags | placementFlags
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagCanMapRead, "CanMapRead"},
	{FlagCanMapWrite, "CanMapWrite"},
	{FlagCanMapExecute, "CanMapExecute"},
	{FlagCanMapSpecific, "CanMapSpecific"},
	{FlagSpecific, "Specific"},
	{FlagSpecificOverwrite, "SpecificOverwrite"},
	{FlagCompact, "Compact"},
	{FlagMapHigh, "MapHigh"},
}

// String implements fmt.Stringer.
func (f Flags) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// specific returns true if f requests a caller-chosen offset.
func (f Flags) specific() bool {
	return f&specificFlags != 0
}

// canMapFlagsFor returns the FlagCanMap* bits needed to map with perms.
func canMapFlagsFor(perms hostarch.AccessType) Flags {
	var f Flags
	if perms.Read {
		f |= FlagCanMapRead
	}
	if perms.Write {
		f |= FlagCanMapWrite
	}
	if perms.Execute {
		f |= FlagCanMapExecute
	}
	return f
}

// maxPerms returns the permissions allowed by f's FlagCanMap* bits.
func (f Flags) maxPerms() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    f&FlagCanMapRead != 0,
		Write:   f&FlagCanMapWrite != 0,
		Execute: f&FlagCanMapExecute != 0,
	}
}

// isValidMappingFlags returns true if a node with flags f may hold a mapping
// with perms.
func (f Flags) isValidMappingFlags(perms hostarch.AccessType) bool {
	return f.maxPerms().SupersetOf(perms)
}

// ParseFlag returns the flag named name, as printed by Flags.String.
func ParseFlag(name string) (Flags, bool) {
	for _, fn := range flagNames {
		if fn.name == name {
			return fn.flag, true
		}
	}
	return 0, false
}
