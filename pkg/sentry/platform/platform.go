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

// Package platform provides the interface between the address-space core and
// the MMU that ultimately backs its mappings.
package platform

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// MapOpts are the options for installing a page.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType

	// User indicates the page is a user page.
	User bool
}

// String implements fmt.Stringer.
func (o MapOpts) String() string {
	return fmt.Sprintf("%s/%s", o.AccessType, o.MemoryType.ShortString())
}

// AddressSpace represents a virtual address space in which pages can be
// installed.
//
// Implementations must be safe for concurrent use; callers serialize
// conflicting updates to the same range themselves.
type AddressSpace interface {
	// MapPage installs page at addr, replacing any existing translation.
	//
	// Preconditions: addr must be page-aligned. opts.AccessType.Any() ==
	// true. The caller must keep page allocated for as long as it is
	// mapped.
	MapPage(addr hostarch.Addr, page *pgalloc.Page, opts MapOpts) error

	// Unmap removes all translations in [addr, addr+length).
	//
	// Preconditions: addr is page-aligned. length > 0.
	Unmap(addr hostarch.Addr, length uint64)

	// Release releases this address space. No methods may be called after
	// Release.
	Release()
}
