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

// Package pgalloc contains the page frame allocator consumed by page lists
// and address spaces.
package pgalloc

import (
	"fmt"
	"slices"
	"sync"

	"gvisor.dev/vmcore/pkg/bitmap"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
)

// Page is a single page frame handed out by a MemoryFile. A Page has exactly
// one owner at a time; ownership ends with FreePage.
type Page struct {
	// frame is the page frame number within file.
	frame uint32

	// data is the page's backing store. len(data) == hostarch.PageSize.
	data []byte

	file *MemoryFile
}

// Frame returns the page frame number.
func (p *Page) Frame() uint32 {
	return p.frame
}

// PhysAddr returns the offset of the page within its MemoryFile.
func (p *Page) PhysAddr() uint64 {
	return uint64(p.frame) << hostarch.PageShift
}

// Data returns the page's contents. The returned slice aliases the page.
func (p *Page) Data() []byte {
	return p.data
}

// CopyFrom replaces p's contents with src's.
func (p *Page) CopyFrom(src *Page) {
	copy(p.data, src.data)
}

// String implements fmt.Stringer.
func (p *Page) String() string {
	return fmt.Sprintf("page#%d", p.frame)
}

// Allocator allocates and frees page frames.
type Allocator interface {
	// AllocPage returns a zeroed page owned by the caller, or ENOMEM.
	AllocPage() (*Page, error)

	// FreePage returns a page previously returned by AllocPage.
	FreePage(p *Page)
}

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Pages is the number of page frames the MemoryFile may hand out.
	Pages uint32
}

// Usage is a snapshot of MemoryFile accounting.
type Usage struct {
	// InUse is the number of pages currently allocated.
	InUse uint64

	// Allocs is the number of successful AllocPage calls.
	Allocs uint64

	// Frees is the number of FreePage calls.
	Frees uint64

	// Failed is the number of AllocPage calls that returned ENOMEM.
	Failed uint64
}

// MemoryFile is an Allocator with a fixed page budget.
//
// MemoryFile is safe for concurrent use.
type MemoryFile struct {
	mu sync.Mutex

	// frames has a bit set for every allocated frame.
	frames bitmap.Bitmap

	// live maps each allocated frame to the Page that owns it.
	live []*Page

	// hint is where the next search for a free frame starts.
	hint uint32

	usage Usage
}

// NewMemoryFile creates a MemoryFile.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Pages == 0 || opts.Pages > bitmap.MaxBitEntryLimit {
		return nil, linuxerr.EINVAL
	}
	return &MemoryFile{
		frames: bitmap.New(opts.Pages),
		live:   make([]*Page, opts.Pages),
	}, nil
}

// AllocPage implements Allocator.AllocPage.
func (f *MemoryFile) AllocPage() (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	frame, ok := f.frames.FindZero(f.hint)
	if !ok {
		f.usage.Failed++
		if log.IsLogging(log.Debug) {
			log.Debugf("pgalloc: budget of %d pages exhausted", f.frames.Size())
		}
		return nil, linuxerr.ENOMEM
	}
	f.frames.Add(frame)
	f.hint = frame + 1
	p := &Page{
		frame: frame,
		data:  make([]byte, hostarch.PageSize),
		file:  f,
	}
	f.live[frame] = p
	f.usage.InUse++
	f.usage.Allocs++
	return p, nil
}

// FreePage implements Allocator.FreePage.
//
// Freeing a page that is not currently allocated from f is a fatal error, as
// it indicates that two owners believed they held the same page.
func (f *MemoryFile) FreePage(p *Page) {
	if p == nil || p.file != f {
		panic(fmt.Sprintf("FreePage(%v): page not allocated from this MemoryFile", p))
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.live[p.frame] != p {
		panic(fmt.Sprintf("FreePage(%v): page is not live (double free?)", p))
	}
	f.live[p.frame] = nil
	f.frames.Remove(p.frame)
	p.data = nil
	f.usage.InUse--
	f.usage.Frees++
}

// Usage returns a snapshot of f's accounting.
func (f *MemoryFile) Usage() Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage
}

// TotalPages returns the page budget of f.
func (f *MemoryFile) TotalPages() uint32 {
	return f.frames.Size()
}

// LivePages returns the frame numbers of all allocated pages in increasing
// order.
func (f *MemoryFile) LivePages() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Collect(f.frames.Ones())
}
