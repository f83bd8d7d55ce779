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

// Package vmo implements page-providing memory objects and their copy-on-write
// clones.
//
// Lock order:
//
//	vmar.Aspace.mu
//	  hierarchy.mu
//	    pagetables.PageTables.mu
//	      pgalloc.MemoryFile.mu
package vmo

import (
	"fmt"
	"sync"

	"gvisor.dev/vmcore/pkg/bits"
	"gvisor.dev/vmcore/pkg/cleanup"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/pagelist"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// hierarchy is shared by an object and all of its clones, transitively.
type hierarchy struct {
	mu sync.Mutex
}

// Object is a memory object whose content is tracked page by page.
//
// An Object created by CreateClone reads through to its parent at every
// offset where it has no content of its own, and takes a private copy of a
// parent page on the first write. Writes to the parent remain visible to
// the clone at offsets the clone has not copied.
type Object struct {
	objectRefs

	name string
	mf   pgalloc.Allocator
	h    *hierarchy

	// All fields below are protected by h.mu.

	// size is the size of the object in bytes. size is page-aligned.
	size uint64

	// pages holds the object's own content.
	pages pagelist.PageList

	// parent is the object o was cloned from, or nil. Offsets in
	// [0, parentLimit) read through to parent at parentOffset.
	parent       *Object
	parentOffset uint64
	parentLimit  uint64

	// children are o's clones.
	children []*Object

	// mappings are notified when content is freed or replaced.
	mappings map[MappingSpace]struct{}

	// userDead is set when the last reference is dropped. An object with no
	// users that still has more than one child stays in the hierarchy to
	// provide content to them.
	userDead bool

	// collapsed is set once o has left the hierarchy.
	collapsed bool
}

// New creates an object of the given size, rounded up to a page, that
// allocates pages from mf. The caller holds the only reference.
func New(mf pgalloc.Allocator, size uint64, name string) (*Object, error) {
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size == 0 || size > pagelist.MaxSize {
		return nil, linuxerr.EINVAL
	}
	o := &Object{
		name:     name,
		mf:       mf,
		h:        &hierarchy{},
		size:     size,
		mappings: make(map[MappingSpace]struct{}),
	}
	o.InitRefs()
	return o, nil
}

// Name returns the object's name.
func (o *Object) Name() string {
	return o.name
}

// String implements fmt.Stringer.
func (o *Object) String() string {
	return fmt.Sprintf("vmo %q", o.name)
}

// Size returns the object's size in bytes.
func (o *Object) Size() uint64 {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	return o.size
}

// Parent returns the object o currently reads through to, or nil.
func (o *Object) Parent() *Object {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	return o.parent
}

// Lock locks the lock shared by o's hierarchy.
func (o *Object) Lock() {
	o.h.mu.Lock()
}

// Unlock unlocks the lock shared by o's hierarchy.
func (o *Object) Unlock() {
	o.h.mu.Unlock()
}

// CommittedPages returns the number of pages owned by o itself.
func (o *Object) CommittedPages() uint64 {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	var n uint64
	o.pages.ForEveryPage(func(slot *pagelist.PageOrMarker, _ uint64) bool {
		if slot.IsPage() {
			n++
		}
		return true
	})
	return n
}

// DecRef drops a reference on o. Dropping the last reference frees o's
// content, or hands it to o's only clone.
func (o *Object) DecRef() {
	o.decRef(func() {
		o.h.mu.Lock()
		defer o.h.mu.Unlock()
		o.userDead = true
		o.maybeCollapseLocked()
	})
}

// Preconditions: o.h.mu must be locked.
func (o *Object) checkAliveLocked() error {
	if o.userDead {
		return linuxerr.EBADFD
	}
	return nil
}

// checkRangeLocked validates a page-aligned range of o.
//
// Preconditions: o.h.mu must be locked.
func (o *Object) checkRangeLocked(offset, length uint64) error {
	if !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(length) {
		return linuxerr.EINVAL
	}
	if end := offset + length; end < offset || end > o.size {
		return linuxerr.ERANGE
	}
	return nil
}

// findPageLocked returns the page providing o's content at offset and the
// object that owns it. It returns a nil page if the content is zero.
//
// Preconditions: o.h.mu must be locked. offset is page-aligned.
func (o *Object) findPageLocked(offset uint64) (*pgalloc.Page, *Object) {
	x, off := o, offset
	for {
		if slot := x.pages.Lookup(off); slot != nil {
			switch {
			case slot.IsPage():
				return slot.Page(), x
			case slot.IsMarker():
				return nil, nil
			case slot.IsReference():
				panic(fmt.Sprintf("%v: compressed references are not supported", x))
			}
		}
		if x.parent == nil || off >= x.parentLimit {
			return nil, nil
		}
		off += x.parentOffset
		x = x.parent
	}
}

// GetPage is GetPageLocked with the object lock taken.
func (o *Object) GetPage(offset uint64, write bool) (*pgalloc.Page, bool, error) {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	return o.GetPageLocked(offset, write)
}

// GetPageLocked returns the page holding o's content at offset for a fault
// of the given kind. owned is true if the page belongs to o itself; a page
// that is not owned must not be mapped writable.
//
// Write faults, and faults on zero content, give o a page of its own.
//
// Preconditions: o.h.mu must be locked.
func (o *Object) GetPageLocked(offset uint64, write bool) (page *pgalloc.Page, owned bool, err error) {
	if err := o.checkAliveLocked(); err != nil {
		return nil, false, err
	}
	if offset >= o.size {
		return nil, false, linuxerr.ERANGE
	}
	offset = hostarch.PageRoundDown(offset)
	cur, owner := o.findPageLocked(offset)
	if owner == o {
		return cur, true, nil
	}
	if cur != nil && !write {
		return cur, false, nil
	}

	slot := o.pages.LookupOrAllocate(offset)
	p, err := o.mf.AllocPage()
	if err != nil {
		if slot.IsEmpty() {
			o.pages.ReturnEmptySlot(offset)
		}
		return nil, false, err
	}
	if cur != nil {
		// Copy-on-write of an ancestor's page, which may be mapped
		// read-only through o.
		p.CopyFrom(cur)
		o.invalidateLocked(offset, hostarch.PageSize)
	}
	*slot = pagelist.PageOf(p)
	return p, true, nil
}

// Read copies o's content at offset into dst.
func (o *Object) Read(dst []byte, offset uint64) error {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	if err := o.checkAliveLocked(); err != nil {
		return err
	}
	end := offset + uint64(len(dst))
	if end < offset || end > o.size {
		return linuxerr.ERANGE
	}
	for off := offset; off < end; {
		pageOff := hostarch.PageRoundDown(off)
		stop := min(end, pageOff+hostarch.PageSize)
		out := dst[off-offset : stop-offset]
		if p, _ := o.findPageLocked(pageOff); p != nil {
			copy(out, p.Data()[off-pageOff:])
		} else {
			clear(out)
		}
		off = stop
	}
	return nil
}

// Write copies src into o at offset. Either all of src is written or, if
// pages cannot be allocated, o is left unchanged.
func (o *Object) Write(src []byte, offset uint64) error {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	if err := o.checkAliveLocked(); err != nil {
		return err
	}
	end := offset + uint64(len(src))
	if end < offset || end > o.size {
		return linuxerr.ERANGE
	}
	if len(src) == 0 {
		return nil
	}
	start := bits.AlignDown(offset, hostarch.PageSize)
	stop := bits.AlignUp(end, hostarch.PageSize)
	return o.stageLocked(start, stop, func(pageOff uint64, p *pgalloc.Page) {
		from, to := max(offset, pageOff), min(end, pageOff+hostarch.PageSize)
		copy(p.Data()[from-pageOff:to-pageOff], src[from-offset:to-offset])
	})
}

// Commit gives o a page of its own at every offset of the range.
func (o *Object) Commit(offset, length uint64) error {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	if err := o.checkAliveLocked(); err != nil {
		return err
	}
	if err := o.checkRangeLocked(offset, length); err != nil {
		return err
	}
	return o.stageLocked(offset, offset+length, nil)
}

// stageLocked gives o a page of its own at every offset of [start, end)
// where it has none, building the new pages in a scratch list and installing
// all of them at once, so a failed allocation leaves o untouched. New pages
// start with o's current content. Once every allocation has succeeded, fill
// is applied to each page of the range, including pages o already owned,
// which are written in place.
//
// Preconditions: o.h.mu must be locked. start and end are page-aligned.
func (o *Object) stageLocked(start, end uint64, fill func(pageOff uint64, p *pgalloc.Page)) error {
	var scratch pagelist.PageList
	scratch.InitializeSkew(0, o.pages.Skew())
	cu := cleanup.Make(func() {
		scratch.RemoveAllContent(func(v pagelist.PageOrMarker) {
			o.mf.FreePage(v.ReleasePage())
		})
	})
	defer cu.Clean()

	var owned []uint64
	for off := start; off < end; off += hostarch.PageSize {
		cur, owner := o.findPageLocked(off)
		if owner == o {
			owned = append(owned, off)
			continue
		}
		p, err := o.mf.AllocPage()
		if err != nil {
			return err
		}
		*scratch.LookupOrAllocate(off) = pagelist.PageOf(p)
		if cur != nil {
			p.CopyFrom(cur)
		}
	}
	cu.Release()

	if fill != nil {
		scratch.ForEveryPage(func(slot *pagelist.PageOrMarker, off uint64) bool {
			fill(off, slot.Page())
			return true
		})
		for _, off := range owned {
			fill(off, o.pages.Lookup(off).Page())
		}
	}
	// Markers at the new offsets are the only thing displaced.
	scratch.MergeOnto(&o.pages, func(p *pgalloc.Page) {
		panic(fmt.Sprintf("%v: staging displaced owned page %v", o, p))
	})
	o.invalidateLocked(start, end-start)
	return nil
}

// ZeroRange sets o's content in the range to zero, freeing o's pages there.
// A clone keeps markers at offsets that would otherwise read through to its
// parent.
func (o *Object) ZeroRange(offset, length uint64) error {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	if err := o.checkAliveLocked(); err != nil {
		return err
	}
	if err := o.checkRangeLocked(offset, length); err != nil {
		return err
	}
	end := offset + length
	var freed []*pgalloc.Page
	o.pages.RemovePages(func(v pagelist.PageOrMarker, _ uint64) {
		if v.IsPage() {
			freed = append(freed, v.ReleasePage())
		}
	}, offset, end)
	if o.parent != nil {
		for off := offset; off < min(end, o.parentLimit); off += hostarch.PageSize {
			*o.pages.LookupOrAllocate(off) = pagelist.Marker()
		}
	}
	o.invalidateLocked(offset, length)
	for _, p := range freed {
		o.mf.FreePage(p)
	}
	return nil
}

// CreateClone creates a copy-on-write clone of o covering [offset,
// offset+size) of o. The range may extend past the end of o; the clone reads
// zeroes there. The caller holds the only reference to the clone.
func (o *Object) CreateClone(offset, size uint64, name string) (*Object, error) {
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size == 0 || !hostarch.IsPageAligned(offset) {
		return nil, linuxerr.EINVAL
	}
	if end := offset + size; end < offset || end > pagelist.MaxSize {
		return nil, linuxerr.EINVAL
	}

	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	if err := o.checkAliveLocked(); err != nil {
		return nil, err
	}
	c := &Object{
		name:         name,
		mf:           o.mf,
		h:            o.h,
		size:         size,
		parent:       o,
		parentOffset: offset,
		mappings:     make(map[MappingSpace]struct{}),
	}
	if offset < o.size {
		c.parentLimit = min(size, o.size-offset)
	}
	c.pages.InitializeSkew(o.pages.Skew(), offset)
	c.InitRefs()
	o.children = append(o.children, c)
	return c, nil
}

// TakePages removes the content of [offset, offset+length) from o and
// returns it. Only objects that are not clones support TakePages.
func (o *Object) TakePages(offset, length uint64) (*pagelist.SpliceList, error) {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	if err := o.checkAliveLocked(); err != nil {
		return nil, err
	}
	if err := o.checkRangeLocked(offset, length); err != nil {
		return nil, err
	}
	if o.parent != nil || o.pages.Skew() != 0 {
		return nil, linuxerr.EOPNOTSUPP
	}
	o.invalidateLocked(offset, length)
	return o.pages.TakePages(offset, length), nil
}

// SupplyPages installs the content of sl at offset. Offsets where o already
// has content keep it, and the supplied page is freed. sl is drained on
// success and untouched on failure.
func (o *Object) SupplyPages(offset uint64, sl *pagelist.SpliceList) error {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	if err := o.checkAliveLocked(); err != nil {
		return err
	}
	length := sl.Length() - sl.Position()
	if err := o.checkRangeLocked(offset, length); err != nil {
		return err
	}
	first := sl.Position()
	for !sl.IsDone() {
		off := offset + sl.Position() - first
		v := sl.Pop()
		if v.IsEmpty() {
			continue
		}
		slot := o.pages.LookupOrAllocate(off)
		if slot.IsEmpty() {
			*slot = v.Take()
			continue
		}
		if v.IsPage() {
			o.mf.FreePage(v.ReleasePage())
		}
	}
	o.invalidateLocked(offset, length)
	return nil
}

// maybeCollapseLocked removes o from the hierarchy if it has no users and at
// most one child left.
//
// Preconditions: o.h.mu must be locked.
func (o *Object) maybeCollapseLocked() {
	if !o.userDead || o.collapsed {
		return
	}
	switch len(o.children) {
	case 0:
		o.pages.RemoveAllContent(func(v pagelist.PageOrMarker) {
			if v.IsPage() {
				o.mf.FreePage(v.ReleasePage())
			}
		})
		o.finishCollapseLocked()
		if p := o.parent; p != nil {
			p.removeChildLocked(o)
			o.parent = nil
			p.maybeCollapseLocked()
		}

	case 1:
		c := o.children[0]
		if log.IsLogging(log.Debug) {
			log.Debugf("vmo: collapsing %v into %v", o, c)
		}
		c.pages.MergeFrom(&o.pages, c.parentOffset, c.parentOffset+c.parentLimit, func(p *pgalloc.Page, _ uint64) {
			o.mf.FreePage(p)
		}, func(*pagelist.PageOrMarker, uint64) {})
		o.finishCollapseLocked()

		// c now reads through to o's parent directly, but only where it
		// previously could see through o.
		if o.parent != nil {
			limit := uint64(0)
			if c.parentOffset < o.parentLimit {
				limit = o.parentLimit - c.parentOffset
			}
			c.parentLimit = min(c.parentLimit, limit)
			c.parentOffset += o.parentOffset
			o.parent.replaceChildLocked(o, c)
		} else {
			c.parentLimit = 0
			c.parentOffset = 0
		}
		c.parent = o.parent
		o.parent = nil
		o.children = nil
	}
}

// Preconditions: o.h.mu must be locked.
func (o *Object) finishCollapseLocked() {
	if !o.pages.HasNoPageOrRef() {
		panic(fmt.Sprintf("%v left the hierarchy still owning pages", o))
	}
	o.collapsed = true
}

// Preconditions: o.h.mu must be locked.
func (o *Object) removeChildLocked(c *Object) {
	for i, child := range o.children {
		if child == c {
			o.children = append(o.children[:i], o.children[i+1:]...)
			return
		}
	}
	panic(fmt.Sprintf("%v is not a child of %v", c, o))
}

// Preconditions: o.h.mu must be locked.
func (o *Object) replaceChildLocked(old, c *Object) {
	for i, child := range o.children {
		if child == old {
			o.children[i] = c
			return
		}
	}
	panic(fmt.Sprintf("%v is not a child of %v", old, o))
}
