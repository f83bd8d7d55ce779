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

// Package vmar implements address space trees: regions that carve up a
// range of virtual addresses, and mappings that make memory objects visible
// in them.
//
// Lock order:
//
//	Aspace.mu
//	  vmo object lock
//	    platform.AddressSpace
package vmar

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/platform"
)

// Options configures an Aspace.
type Options struct {
	// Name names the aspace and its root region.
	Name string

	// Base and Size give the range covered by the root region. Both must be
	// page-aligned.
	Base hostarch.Addr
	Size uint64

	// ASLR enables randomized placement of children created without
	// FlagSpecific or FlagCompact.
	ASLR bool

	// Seed seeds the placement randomization.
	Seed int64
}

// Aspace is an address space: a tree of regions and mappings rooted at a
// single region, and the MMU that mappings are installed into.
type Aspace struct {
	name string

	// pt receives page installations and removals. pt is immutable.
	pt platform.AddressSpace

	// oomLog reports allocation failures on the fault path.
	oomLog log.Logger

	// mu serializes all changes to the tree.
	mu sync.Mutex

	// root is the root region. root is immutable.
	root *Region

	// rng is non-nil if ASLR is enabled.
	rng *rand.Rand

	released bool
}

// New returns an aspace covering opts.Base and opts.Size, backed by pt. The
// root region may hold mappings of any permissions.
func New(opts Options, pt platform.AddressSpace) (*Aspace, error) {
	if pt == nil || opts.Size == 0 || !opts.Base.IsPageAligned() || !hostarch.IsPageAligned(opts.Size) {
		return nil, linuxerr.EINVAL
	}
	if _, ok := opts.Base.ToRange(opts.Size); !ok {
		return nil, linuxerr.EINVAL
	}
	as := &Aspace{
		name:   opts.Name,
		pt:     pt,
		oomLog: log.BasicRateLimitedLogger(time.Second),
	}
	if opts.ASLR {
		as.rng = rand.New(rand.NewSource(opts.Seed))
	}
	as.root = &Region{
		vmarNode: vmarNode{
			as:    as,
			name:  opts.Name,
			base:  opts.Base,
			size:  opts.Size,
			flags: canMapFlags,
			state: stateAlive,
		},
		children: newChildTree(),
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("vmar: new aspace %q %v aslr=%t", opts.Name, as.root.rangeLocked(), opts.ASLR)
	}
	return as, nil
}

// String implements fmt.Stringer.
func (as *Aspace) String() string {
	return fmt.Sprintf("aspace %q", as.name)
}

// Name returns the aspace's name.
func (as *Aspace) Name() string {
	return as.name
}

// Root returns the root region.
func (as *Aspace) Root() *Region {
	return as.root
}

// AddressSpace returns the MMU that mappings are installed into.
func (as *Aspace) AddressSpace() platform.AddressSpace {
	return as.pt
}

// PageFault resolves a fault at addr against the whole tree.
func (as *Aspace) PageFault(addr hostarch.Addr, at hostarch.AccessType) error {
	return as.root.PageFault(addr, at)
}

// Release destroys the tree, dropping all object references held by its
// mappings, and releases the MMU. A second Release returns EBADFD.
func (as *Aspace) Release() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.released {
		return linuxerr.EBADFD
	}
	as.released = true
	if as.root.state == stateAlive {
		if err := as.root.destroyLocked(); err != nil {
			panic(fmt.Sprintf("destroying root of %v: %v", as, err))
		}
	}
	as.pt.Release()
	return nil
}
