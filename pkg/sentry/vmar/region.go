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

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/bits"
	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/vmo"
)

// Region is an interior node of an address space tree. Its children are
// non-overlapping sub-regions and mappings; the addresses between them are
// free.
type Region struct {
	vmarNode

	// children is keyed by base address. It is protected by as.mu.
	children *btree.BTreeG[RegionOrMapping]
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	return fmt.Sprintf("vmar %q", r.name)
}

// RegionOpts are options to Region.CreateSubRegion.
type RegionOpts struct {
	// Offset is the new region's offset from the parent's base. It must be
	// zero unless Flags has FlagSpecific.
	Offset uint64

	// Size is rounded up to a page.
	Size uint64

	// Align is the required alignment of the new region's base. Zero means
	// a page. Align must be a power of two no smaller than a page.
	Align uint64

	// Flags holds the new region's FlagCanMap* capabilities, which must be a
	// subset of the parent's, and placement flags.
	Flags Flags

	Name string
}

// MappingOpts are options to Region.CreateMapping.
type MappingOpts struct {
	// Offset, Size and Align are as in RegionOpts.
	Offset uint64
	Size   uint64
	Align  uint64

	// Flags holds placement flags. FlagCanMapRead, FlagCanMapWrite and
	// FlagCanMapExecute may be included to let Protect raise permissions
	// beyond Perms later.
	Flags Flags

	// Perms are the initial permissions. They must be allowed by the
	// region.
	Perms hostarch.AccessType

	MemoryType hostarch.MemoryType

	// Object backs the mapping starting at ObjectOffset. The mapping takes
	// its own reference on Object.
	Object       *vmo.Object
	ObjectOffset uint64

	Name string
}

// NodeInfo describes a node visited by Region.Walk.
type NodeInfo struct {
	Node  RegionOrMapping
	Depth int
	Range hostarch.AddrRange
	Flags Flags
	Name  string

	// The fields below are only set for mappings.
	IsMapping    bool
	Perms        hostarch.AccessType
	MemoryType   hostarch.MemoryType
	Object       *vmo.Object
	ObjectOffset uint64
}

// CreateSubRegion creates a region below r.
func (r *Region) CreateSubRegion(opts RegionOpts) (*Region, error) {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()
	if err := r.checkAliveLocked(); err != nil {
		return nil, err
	}
	if opts.Flags&^allFlags != 0 || bits.IsAnyOn(opts.Flags, FlagSpecificOverwrite) {
		return nil, linuxerr.EINVAL
	}
	if opts.Flags&canMapFlags&^r.flags != 0 {
		return nil, linuxerr.EINVAL
	}
	size, ok := hostarch.PageRoundUp(opts.Size)
	if !ok {
		return nil, linuxerr.EINVAL
	}
	base, err := r.placeLocked(opts.Offset, size, opts.Align, opts.Flags)
	if err != nil {
		return nil, err
	}
	if opts.Flags.specific() {
		if err := r.checkGapLocked(base, size); err != nil {
			return nil, err
		}
	}
	child := &Region{
		vmarNode: vmarNode{
			as:     r.as,
			name:   opts.Name,
			base:   base,
			size:   size,
			flags:  opts.Flags,
			parent: r,
		},
		children: newChildTree(),
	}
	r.insertLocked(child)
	return child, nil
}

// CreateMapping maps opts.Object into r.
func (r *Region) CreateMapping(opts MappingOpts) (*Mapping, error) {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()
	if err := r.checkAliveLocked(); err != nil {
		return nil, err
	}
	if opts.Object == nil || opts.Flags&^allFlags != 0 || bits.IsAnyOn(opts.Flags, FlagCanMapSpecific) {
		return nil, linuxerr.EINVAL
	}
	if !opts.MemoryType.Valid() || !hostarch.IsPageAligned(opts.ObjectOffset) {
		return nil, linuxerr.EINVAL
	}
	if opts.Flags&canMapFlags&^r.flags != 0 {
		return nil, linuxerr.EINVAL
	}
	if !r.flags.isValidMappingFlags(opts.Perms) {
		return nil, linuxerr.EACCES
	}
	size, ok := hostarch.PageRoundUp(opts.Size)
	if !ok {
		return nil, linuxerr.EINVAL
	}
	if end := opts.ObjectOffset + size; end < opts.ObjectOffset {
		return nil, linuxerr.EINVAL
	}
	base, err := r.placeLocked(opts.Offset, size, opts.Align, opts.Flags)
	if err != nil {
		return nil, err
	}
	ar := hostarch.AddrRange{Start: base, End: base + hostarch.Addr(size)}
	overwrite := bits.IsAnyOn(opts.Flags, FlagSpecificOverwrite)
	if overwrite {
		if err := r.checkUnmapLocked(ar); err != nil {
			return nil, err
		}
	} else if opts.Flags.specific() {
		if err := r.checkGapLocked(base, size); err != nil {
			return nil, err
		}
	}

	m := &Mapping{
		vmarNode: vmarNode{
			as:     r.as,
			name:   opts.Name,
			base:   base,
			size:   size,
			flags:  opts.Flags | canMapFlagsFor(opts.Perms),
			parent: r,
		},
		obj:       opts.Object,
		objOffset: opts.ObjectOffset,
		perms:     opts.Perms,
		memType:   opts.MemoryType,
	}
	if !opts.Object.TryIncRef() {
		return nil, linuxerr.EBADFD
	}
	cu := cleanup.Make(opts.Object.DecRef)
	defer cu.Clean()
	opts.Object.AddMapping(m)
	cu.Add(func() { opts.Object.RemoveMapping(m) })
	if overwrite {
		if err := r.unmapLocked(ar); err != nil {
			return nil, err
		}
	}
	r.insertLocked(m)
	cu.Release()
	return m, nil
}

// placeLocked returns the base address for a new child of r.
//
// Preconditions: as.mu must be locked. size is page-aligned.
func (r *Region) placeLocked(offset, size, align uint64, flags Flags) (hostarch.Addr, error) {
	if size == 0 {
		return 0, linuxerr.EINVAL
	}
	if align == 0 {
		align = hostarch.PageSize
	}
	if align < hostarch.PageSize || !bits.IsPowerOfTwo(align) {
		return 0, linuxerr.EINVAL
	}
	if !flags.specific() {
		if offset != 0 {
			return 0, linuxerr.EINVAL
		}
		return r.allocSpotLocked(size, align, flags)
	}
	if !bits.IsOn(r.flags, FlagCanMapSpecific) {
		return 0, linuxerr.EACCES
	}
	if !bits.IsAligned(offset, align) {
		return 0, linuxerr.EINVAL
	}
	base, ok := r.base.AddLength(offset)
	if !ok {
		return 0, linuxerr.EINVAL
	}
	ar, ok := base.ToRange(size)
	if !ok || !r.rangeLocked().IsSupersetOf(ar) {
		return 0, linuxerr.EINVAL
	}
	return base, nil
}

// insertLocked makes c a live child of r.
//
// Preconditions: as.mu must be locked. c does not overlap any child of r.
func (r *Region) insertLocked(c RegionOrMapping) {
	n := c.node()
	if n.state != stateNotReady {
		panic(fmt.Sprintf("inserting %v in state %v", c, n.state))
	}
	n.state = stateAlive
	r.children.ReplaceOrInsert(c)
	if log.IsLogging(log.Debug) {
		log.Debugf("vmar: %v: created %v at %v flags %v", r, c, n.rangeLocked(), n.flags)
	}
}

// removeFromParentLocked unlinks n and marks it dead.
//
// Preconditions: as.mu must be locked.
func (n *vmarNode) removeFromParentLocked() {
	if p := n.parent; p != nil {
		if _, ok := p.children.Delete(pivot(n.base)); !ok {
			panic(fmt.Sprintf("node at %v missing from %v", n.base, p))
		}
	}
	n.parent = nil
	n.state = stateDead
}

// findChildLocked returns the child of r containing addr, or nil.
//
// Preconditions: as.mu must be locked.
func (r *Region) findChildLocked(addr hostarch.Addr) RegionOrMapping {
	var found RegionOrMapping
	r.children.DescendLessOrEqual(pivot(addr), func(c RegionOrMapping) bool {
		if c.node().rangeLocked().Contains(addr) {
			found = c
		}
		return false
	})
	return found
}

// overlappingLocked returns the children of r that overlap ar, in address
// order.
//
// Preconditions: as.mu must be locked.
func (r *Region) overlappingLocked(ar hostarch.AddrRange) []RegionOrMapping {
	var out []RegionOrMapping
	r.children.DescendLessOrEqual(pivot(ar.Start), func(c RegionOrMapping) bool {
		if n := c.node(); n.base < ar.Start && n.end() > ar.Start {
			out = append(out, c)
		}
		return false
	})
	r.children.AscendGreaterOrEqual(pivot(ar.Start), func(c RegionOrMapping) bool {
		if c.node().base >= ar.End {
			return false
		}
		out = append(out, c)
		return true
	})
	return out
}

// FindRegion returns the child of r containing addr, or nil if addr is in a
// gap or r is dead. It does not descend into sub-regions.
func (r *Region) FindRegion(addr hostarch.Addr) RegionOrMapping {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()
	if r.state != stateAlive {
		return nil
	}
	return r.findChildLocked(addr)
}

// NumChildren returns the number of r's direct children.
func (r *Region) NumChildren() int {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()
	return r.children.Len()
}

// Unmap removes [addr, addr+length) from r. Sub-regions overlapping the
// range must lie entirely within it and are destroyed; mappings are
// destroyed, trimmed or split.
func (r *Region) Unmap(addr hostarch.Addr, length uint64) error {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()
	if err := r.checkAliveLocked(); err != nil {
		return err
	}
	ar, err := r.checkSubrangeLocked(addr, length)
	if err != nil {
		return err
	}
	return r.unmapLocked(ar)
}

// checkUnmapLocked returns ERANGE if unmapping ar would cut through a
// sub-region.
//
// Preconditions: as.mu must be locked.
func (r *Region) checkUnmapLocked(ar hostarch.AddrRange) error {
	for _, c := range r.overlappingLocked(ar) {
		if _, ok := c.(*Region); ok && !ar.IsSupersetOf(c.node().rangeLocked()) {
			return linuxerr.ERANGE
		}
	}
	return nil
}

// Preconditions: as.mu must be locked. ar is within r.
func (r *Region) unmapLocked(ar hostarch.AddrRange) error {
	if err := r.checkUnmapLocked(ar); err != nil {
		return err
	}
	for _, c := range r.overlappingLocked(ar) {
		cr := c.node().rangeLocked()
		if ar.IsSupersetOf(cr) {
			if err := c.destroyLocked(); err != nil {
				panic(fmt.Sprintf("destroying %v: %v", c, err))
			}
			continue
		}
		if err := c.(*Mapping).unmapLocked(ar.Intersect(cr)); err != nil {
			return err
		}
	}
	return nil
}

// PageFault implements RegionOrMapping.PageFault. It returns ENOENT if addr
// is not covered by a mapping.
func (r *Region) PageFault(addr hostarch.Addr, at hostarch.AccessType) error {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()
	return r.pageFaultLocked(addr, at)
}

// Preconditions: as.mu must be locked.
func (r *Region) pageFaultLocked(addr hostarch.Addr, at hostarch.AccessType) error {
	if err := r.checkAliveLocked(); err != nil {
		return err
	}
	c := r.findChildLocked(addr)
	if c == nil {
		return linuxerr.ENOENT
	}
	return c.pageFaultLocked(addr, at)
}

// Destroy implements RegionOrMapping.Destroy.
func (r *Region) Destroy() error {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()
	return r.destroyLocked()
}

// Preconditions: as.mu must be locked.
func (r *Region) destroyLocked() error {
	if err := r.checkAliveLocked(); err != nil {
		return err
	}
	var children []RegionOrMapping
	r.children.Ascend(func(c RegionOrMapping) bool {
		children = append(children, c)
		return true
	})
	for _, c := range children {
		if err := c.destroyLocked(); err != nil {
			panic(fmt.Sprintf("destroying %v: %v", c, err))
		}
	}
	r.removeFromParentLocked()
	if log.IsLogging(log.Debug) {
		log.Debugf("vmar: destroyed %v with %d children", r, len(children))
	}
	return nil
}

// Protect sets the permissions of every mapping in [addr, addr+length),
// descending into sub-regions. The range must be fully mapped (ENOMEM
// otherwise), and perms must be allowed by every mapping in it (EACCES
// otherwise). Nothing is changed on failure.
func (r *Region) Protect(addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()
	if err := r.checkAliveLocked(); err != nil {
		return err
	}
	ar, err := r.checkSubrangeLocked(addr, length)
	if err != nil {
		return err
	}
	var ms []*Mapping
	r.collectMappingsLocked(ar, &ms)
	next := ar.Start
	for _, m := range ms {
		if m.base > next {
			return linuxerr.ENOMEM
		}
		if !m.flags.isValidMappingFlags(perms) {
			return linuxerr.EACCES
		}
		next = m.end()
	}
	if next < ar.End {
		return linuxerr.ENOMEM
	}
	for _, m := range ms {
		m.protectLocked(ar.Intersect(m.rangeLocked()), perms)
	}
	return nil
}

// collectMappingsLocked appends the mappings overlapping ar below r to ms, in
// address order.
//
// Preconditions: as.mu must be locked.
func (r *Region) collectMappingsLocked(ar hostarch.AddrRange, ms *[]*Mapping) {
	for _, c := range r.overlappingLocked(ar) {
		switch c := c.(type) {
		case *Region:
			c.collectMappingsLocked(ar.Intersect(c.rangeLocked()), ms)
		case *Mapping:
			*ms = append(*ms, c)
		}
	}
}

// Walk calls fn for every node below r, in address order with regions
// before their children, until fn returns false. Direct children of r have
// depth 1. fn is called with the aspace locked and must not call back into
// the tree.
func (r *Region) Walk(fn func(info NodeInfo) bool) {
	r.as.mu.Lock()
	defer r.as.mu.Unlock()
	r.walkLocked(1, fn)
}

// Preconditions: as.mu must be locked.
func (r *Region) walkLocked(depth int, fn func(info NodeInfo) bool) bool {
	cont := true
	r.children.Ascend(func(c RegionOrMapping) bool {
		cont = fn(infoLocked(c, depth))
		if sub, ok := c.(*Region); ok && cont {
			cont = sub.walkLocked(depth+1, fn)
		}
		return cont
	})
	return cont
}

// Preconditions: as.mu must be locked.
func infoLocked(c RegionOrMapping, depth int) NodeInfo {
	n := c.node()
	info := NodeInfo{
		Node:  c,
		Depth: depth,
		Range: n.rangeLocked(),
		Flags: n.flags,
		Name:  n.name,
	}
	if m, ok := c.(*Mapping); ok {
		info.IsMapping = true
		info.Perms = m.perms
		info.MemoryType = m.memType
		info.Object = m.obj
		info.ObjectOffset = m.objOffset
	}
	return info
}
