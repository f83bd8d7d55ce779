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

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/platform"
	"gvisor.dev/vmcore/pkg/sentry/vmo"
)

// Mapping is a leaf of an address space tree that maps a range of a memory
// object.
//
// Mapping implements vmo.MappingSpace. Changes to base, size and objOffset
// are made with both as.mu and the object lock held, so Invalidate may read
// them with only the object lock.
type Mapping struct {
	vmarNode

	// obj is the backing object. m holds a reference on obj while alive.
	// obj is immutable.
	obj *vmo.Object

	// objOffset is the object offset mapped at base.
	objOffset uint64

	// perms and memType are protected by as.mu.
	perms   hostarch.AccessType
	memType hostarch.MemoryType
}

var _ vmo.MappingSpace = (*Mapping)(nil)

// String implements fmt.Stringer.
func (m *Mapping) String() string {
	return fmt.Sprintf("mapping %q", m.name)
}

// Object returns the backing object.
func (m *Mapping) Object() *vmo.Object {
	return m.obj
}

// ObjectOffset returns the object offset mapped at Base().
func (m *Mapping) ObjectOffset() uint64 {
	m.as.mu.Lock()
	defer m.as.mu.Unlock()
	return m.objOffset
}

// Perms returns the mapping's current permissions.
func (m *Mapping) Perms() hostarch.AccessType {
	m.as.mu.Lock()
	defer m.as.mu.Unlock()
	return m.perms
}

// Invalidate implements vmo.MappingSpace.Invalidate.
func (m *Mapping) Invalidate(offset, length uint64) {
	start := max(offset, m.objOffset)
	end := min(offset+length, m.objOffset+m.size)
	if start >= end {
		return
	}
	m.as.pt.Unmap(m.base+hostarch.Addr(start-m.objOffset), end-start)
}

// Destroy implements RegionOrMapping.Destroy.
func (m *Mapping) Destroy() error {
	m.as.mu.Lock()
	defer m.as.mu.Unlock()
	return m.destroyLocked()
}

// Preconditions: as.mu must be locked.
func (m *Mapping) destroyLocked() error {
	if err := m.checkAliveLocked(); err != nil {
		return err
	}
	m.obj.Lock()
	m.as.pt.Unmap(m.base, m.size)
	m.obj.RemoveMappingLocked(m)
	m.removeFromParentLocked()
	m.obj.Unlock()
	m.obj.DecRef()
	return nil
}

// Unmap removes [addr, addr+length) from m, which must contain it. Removing
// the middle of m splits it in two. Removing all of it destroys m.
func (m *Mapping) Unmap(addr hostarch.Addr, length uint64) error {
	m.as.mu.Lock()
	defer m.as.mu.Unlock()
	if err := m.checkAliveLocked(); err != nil {
		return err
	}
	ar, err := m.checkSubrangeLocked(addr, length)
	if err != nil {
		return err
	}
	return m.unmapLocked(ar)
}

// Preconditions: as.mu must be locked. ar is a page-aligned subrange of m.
func (m *Mapping) unmapLocked(ar hostarch.AddrRange) error {
	if ar == m.rangeLocked() {
		return m.destroyLocked()
	}
	m.obj.Lock()
	defer m.obj.Unlock()
	m.as.pt.Unmap(ar.Start, ar.Length())
	switch {
	case ar.Start == m.base:
		m.parent.children.Delete(m)
		m.objOffset += ar.Length()
		m.base = ar.End
		m.size -= ar.Length()
		m.parent.children.ReplaceOrInsert(m)
	case ar.End == m.end():
		m.size -= ar.Length()
	default:
		m.splitLocked(ar.End)
		m.size = uint64(ar.Start - m.base)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("vmar: %v: unmapped %v, %v left", m, ar, m.rangeLocked())
	}
	return nil
}

// splitLocked splits m at addr. m keeps [m.base, addr) and the returned
// mapping, which is inserted next to m, covers the rest.
//
// Preconditions:
//   - as.mu must be locked.
//   - The object lock must be held.
//   - m.base < addr < m.end(). addr is page-aligned.
func (m *Mapping) splitLocked(addr hostarch.Addr) *Mapping {
	right := &Mapping{
		vmarNode: vmarNode{
			as:     m.as,
			name:   m.name,
			base:   addr,
			size:   uint64(m.end() - addr),
			flags:  m.flags,
			parent: m.parent,
		},
		obj:       m.obj,
		objOffset: m.objOffset + uint64(addr-m.base),
		perms:     m.perms,
		memType:   m.memType,
	}
	m.size = uint64(addr - m.base)
	m.obj.IncRef()
	m.obj.AddMappingLocked(right)
	m.parent.insertLocked(right)
	return right
}

// Protect sets the permissions of [addr, addr+length) of m, splitting m at
// the boundaries. perms must be allowed by m's flags.
func (m *Mapping) Protect(addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	m.as.mu.Lock()
	defer m.as.mu.Unlock()
	if err := m.checkAliveLocked(); err != nil {
		return err
	}
	ar, err := m.checkSubrangeLocked(addr, length)
	if err != nil {
		return err
	}
	if !m.flags.isValidMappingFlags(perms) {
		return linuxerr.EACCES
	}
	m.protectLocked(ar, perms)
	return nil
}

// Preconditions: as.mu must be locked. ar is a page-aligned subrange of m.
// m.flags allow perms.
func (m *Mapping) protectLocked(ar hostarch.AddrRange, perms hostarch.AccessType) {
	if perms == m.perms {
		return
	}
	m.obj.Lock()
	defer m.obj.Unlock()
	target := m
	if ar.Start > m.base {
		target = m.splitLocked(ar.Start)
	}
	if ar.End < target.end() {
		target.splitLocked(ar.End)
	}
	target.perms = perms
	// Installed pages are refaulted with the new permissions.
	m.as.pt.Unmap(ar.Start, ar.Length())
}

// PageFault implements RegionOrMapping.PageFault.
func (m *Mapping) PageFault(addr hostarch.Addr, at hostarch.AccessType) error {
	m.as.mu.Lock()
	defer m.as.mu.Unlock()
	return m.pageFaultLocked(addr, at)
}

// pageFaultLocked installs the page backing addr. Pages that m's object
// still shares with an ancestor are installed without write access, so that
// a later write faults again and takes a private copy.
//
// Preconditions: as.mu must be locked.
func (m *Mapping) pageFaultLocked(addr hostarch.Addr, at hostarch.AccessType) error {
	if err := m.checkAliveLocked(); err != nil {
		return err
	}
	if !m.rangeLocked().Contains(addr) {
		return linuxerr.ENOENT
	}
	if !at.Any() {
		at = hostarch.Read
	}
	if !m.perms.SupersetOf(at) {
		return linuxerr.EACCES
	}
	pageAddr := addr.RoundDown()
	offset := m.objOffset + uint64(pageAddr-m.base)

	m.obj.Lock()
	defer m.obj.Unlock()
	page, owned, err := m.obj.GetPageLocked(offset, at.Write)
	if err != nil {
		if linuxerr.Equals(linuxerr.ENOMEM, err) {
			m.as.oomLog.Warningf("%v: %v: out of memory faulting %v at object offset %#x", m.as, m, addr, offset)
		}
		return err
	}
	opts := platform.MapOpts{
		AccessType: m.perms,
		MemoryType: m.memType,
		User:       true,
	}
	if !owned {
		opts.AccessType.Write = false
	}
	return m.as.pt.MapPage(pageAddr, page, opts)
}
