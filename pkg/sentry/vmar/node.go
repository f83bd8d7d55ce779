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
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
)

// lifeCycleState is the state of a region or mapping. Transitions only go
// forward.
type lifeCycleState int

const (
	stateNotReady lifeCycleState = iota
	stateAlive
	stateDead
)

// String implements fmt.Stringer.
func (s lifeCycleState) String() string {
	switch s {
	case stateNotReady:
		return "NotReady"
	case stateAlive:
		return "Alive"
	case stateDead:
		return "Dead"
	default:
		return fmt.Sprintf("lifeCycleState(%d)", int(s))
	}
}

// RegionOrMapping is a node of an address space tree: a *Region or a
// *Mapping.
type RegionOrMapping interface {
	// Base returns the node's start address.
	Base() hostarch.Addr

	// Size returns the node's length in bytes.
	Size() uint64

	// Range returns [Base(), Base()+Size()).
	Range() hostarch.AddrRange

	// Flags returns the node's flags.
	Flags() Flags

	// Name returns the name given at creation.
	Name() string

	// Parent returns the region containing the node, or nil for a root
	// region or a destroyed node.
	Parent() *Region

	// IsAlive returns true until the node is destroyed.
	IsAlive() bool

	// Destroy removes the node from its parent. Destroying a region
	// destroys everything below it. A second Destroy returns EBADFD.
	Destroy() error

	// PageFault resolves a fault at addr.
	PageFault(addr hostarch.Addr, at hostarch.AccessType) error

	// Preconditions: as.mu must be locked.
	destroyLocked() error

	// Preconditions: as.mu must be locked.
	pageFaultLocked(addr hostarch.Addr, at hostarch.AccessType) error

	node() *vmarNode
}

// vmarNode holds the state common to regions and mappings.
type vmarNode struct {
	// as is the owning address space. as is immutable.
	as *Aspace

	// name is immutable.
	name string

	// All fields below are protected by as.mu. base and size of a mapping
	// are additionally protected by its object's lock.

	base  hostarch.Addr
	size  uint64
	flags Flags
	state lifeCycleState

	// parent is nil for the root region and after the node is destroyed.
	parent *Region
}

func (n *vmarNode) node() *vmarNode {
	return n
}

// end returns the node's end address. It cannot overflow.
func (n *vmarNode) end() hostarch.Addr {
	return n.base + hostarch.Addr(n.size)
}

func (n *vmarNode) rangeLocked() hostarch.AddrRange {
	return hostarch.AddrRange{Start: n.base, End: n.end()}
}

// Base implements RegionOrMapping.Base.
func (n *vmarNode) Base() hostarch.Addr {
	n.as.mu.Lock()
	defer n.as.mu.Unlock()
	return n.base
}

// Size implements RegionOrMapping.Size.
func (n *vmarNode) Size() uint64 {
	n.as.mu.Lock()
	defer n.as.mu.Unlock()
	return n.size
}

// Range implements RegionOrMapping.Range.
func (n *vmarNode) Range() hostarch.AddrRange {
	n.as.mu.Lock()
	defer n.as.mu.Unlock()
	return n.rangeLocked()
}

// Flags implements RegionOrMapping.Flags.
func (n *vmarNode) Flags() Flags {
	n.as.mu.Lock()
	defer n.as.mu.Unlock()
	return n.flags
}

// Name implements RegionOrMapping.Name.
func (n *vmarNode) Name() string {
	return n.name
}

// Parent implements RegionOrMapping.Parent.
func (n *vmarNode) Parent() *Region {
	n.as.mu.Lock()
	defer n.as.mu.Unlock()
	return n.parent
}

// IsAlive implements RegionOrMapping.IsAlive.
func (n *vmarNode) IsAlive() bool {
	n.as.mu.Lock()
	defer n.as.mu.Unlock()
	return n.state == stateAlive
}

// Preconditions: as.mu must be locked.
func (n *vmarNode) checkAliveLocked() error {
	if n.state != stateAlive {
		return linuxerr.EBADFD
	}
	return nil
}

// checkSubrangeLocked validates that [addr, addr+length) is a page-aligned,
// non-empty subrange of n.
//
// Preconditions: as.mu must be locked.
func (n *vmarNode) checkSubrangeLocked(addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	if !addr.IsPageAligned() || length == 0 || !hostarch.IsPageAligned(length) {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	ar, ok := addr.ToRange(length)
	if !ok || !n.rangeLocked().IsSupersetOf(ar) {
		return hostarch.AddrRange{}, linuxerr.EINVAL
	}
	return ar, nil
}

// childDegree is the B-tree degree used for region children.
const childDegree = 8

func childLess(a, b RegionOrMapping) bool {
	return a.node().base < b.node().base
}

func newChildTree() *btree.BTreeG[RegionOrMapping] {
	return btree.NewG(childDegree, childLess)
}

// pivot returns a key for searching a child tree at addr.
func pivot(addr hostarch.Addr) RegionOrMapping {
	return &Mapping{vmarNode: vmarNode{base: addr}}
}
