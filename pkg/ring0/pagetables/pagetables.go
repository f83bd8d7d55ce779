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

// Package pagetables provides a software implementation of page tables.
//
// Translations are kept at page granularity in an ordered tree, which makes
// range operations proportional to the number of installed pages rather
// than the size of the range.
package pagetables

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/platform"
)

// degree is the btree degree used for the PTE index.
const degree = 16

// PTE is a page table entry.
type PTE struct {
	addr hostarch.Addr
	page *pgalloc.Page
	opts platform.MapOpts
}

// Addr returns the virtual address translated by the entry.
func (p *PTE) Addr() hostarch.Addr {
	return p.addr
}

// Page returns the page the entry maps to.
func (p *PTE) Page() *pgalloc.Page {
	return p.page
}

// Opts returns the mapping options.
func (p *PTE) Opts() platform.MapOpts {
	return p.opts
}

func pteLess(a, b *PTE) bool {
	return a.addr < b.addr
}

// PageTables is a set of page tables.
//
// PageTables implements platform.AddressSpace.
type PageTables struct {
	mu sync.Mutex

	// ptes holds all valid entries, ordered by address.
	ptes *btree.BTreeG[*PTE]

	// released is set by Release.
	released bool
}

var _ platform.AddressSpace = (*PageTables)(nil)

// New returns new PageTables.
func New() *PageTables {
	return &PageTables{
		ptes: btree.NewG(degree, pteLess),
	}
}

// MapPage implements platform.AddressSpace.MapPage.
//
// Mapping with no access is equivalent to Unmap of a single page.
func (p *PageTables) MapPage(addr hostarch.Addr, page *pgalloc.Page, opts platform.MapOpts) error {
	if !addr.IsPageAligned() || page == nil || !opts.MemoryType.Valid() {
		return linuxerr.EINVAL
	}
	if !opts.AccessType.Any() {
		p.Unmap(addr, hostarch.PageSize)
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkReleased()
	p.ptes.ReplaceOrInsert(&PTE{addr: addr, page: page, opts: opts})
	return nil
}

// Unmap implements platform.AddressSpace.Unmap.
func (p *PageTables) Unmap(addr hostarch.Addr, length uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkReleased()
	var doomed []*PTE
	p.iterateRange(addr, length, func(pte *PTE) bool {
		doomed = append(doomed, pte)
		return true
	})
	for _, pte := range doomed {
		p.ptes.Delete(pte)
	}
}

// Release implements platform.AddressSpace.Release.
func (p *PageTables) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkReleased()
	p.ptes.Clear(false)
	p.released = true
}

// Lookup returns the page and options mapped at the given virtual address.
func (p *PageTables) Lookup(addr hostarch.Addr) (page *pgalloc.Page, opts platform.MapOpts, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pte, ok := p.ptes.Get(&PTE{addr: addr.RoundDown()})
	if !ok {
		return nil, platform.MapOpts{}, false
	}
	return pte.page, pte.opts, true
}

// Translate returns the physical address for the given virtual address.
func (p *PageTables) Translate(addr hostarch.Addr) (physical uint64, at hostarch.AccessType, ok bool) {
	page, opts, ok := p.Lookup(addr)
	if !ok {
		return 0, hostarch.NoAccess, false
	}
	return page.PhysAddr() + addr.PageOffset(), opts.AccessType, true
}

// Walk calls fn for every entry in [addr, addr+length) in address order,
// stopping early if fn returns false. fn must not call back into p.
func (p *PageTables) Walk(addr hostarch.Addr, length uint64, fn func(pte *PTE) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterateRange(addr, length, fn)
}

// Len returns the number of valid entries.
func (p *PageTables) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptes.Len()
}

// iterateRange visits entries in [addr, addr+length), clamping at the top of
// the address space.
//
// Preconditions: p.mu must be locked.
func (p *PageTables) iterateRange(addr hostarch.Addr, length uint64, fn func(pte *PTE) bool) {
	if length == 0 {
		return
	}
	end, ok := addr.AddLength(length)
	if !ok {
		p.ptes.AscendGreaterOrEqual(&PTE{addr: addr}, fn)
		return
	}
	p.ptes.AscendRange(&PTE{addr: addr}, &PTE{addr: end}, fn)
}

// Preconditions: p.mu must be locked.
func (p *PageTables) checkReleased() {
	if p.released {
		panic(fmt.Sprintf("PageTables %p used after Release", p))
	}
}
