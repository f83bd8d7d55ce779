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
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/ring0/pagetables"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/platform"
	"gvisor.dev/vmcore/pkg/sentry/vmo"
)

const page = hostarch.PageSize

type unmapCall struct {
	Addr   hostarch.Addr
	Length uint64
}

// recordingAS records Unmap calls made to the wrapped page tables.
type recordingAS struct {
	*pagetables.PageTables

	mu     sync.Mutex
	unmaps []unmapCall
}

func (r *recordingAS) Unmap(addr hostarch.Addr, length uint64) {
	r.mu.Lock()
	r.unmaps = append(r.unmaps, unmapCall{addr, length})
	r.mu.Unlock()
	r.PageTables.Unmap(addr, length)
}

func newTestFile(t *testing.T, pages uint32) *pgalloc.MemoryFile {
	t.Helper()
	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{Pages: pages})
	if err != nil {
		t.Fatalf("NewMemoryFile failed: %v", err)
	}
	return mf
}

func newTestObject(t *testing.T, mf *pgalloc.MemoryFile, size uint64) *vmo.Object {
	t.Helper()
	o, err := vmo.New(mf, size, "obj")
	if err != nil {
		t.Fatalf("vmo.New failed: %v", err)
	}
	return o
}

func newTestAspace(t *testing.T, opts Options) (*Aspace, *pagetables.PageTables) {
	t.Helper()
	pt := pagetables.New()
	as, err := New(opts, pt)
	if err != nil {
		t.Fatalf("New(%+v) failed: %v", opts, err)
	}
	return as, pt
}

// summary is the comparable part of a NodeInfo.
type summary struct {
	Depth        int
	Start, End   hostarch.Addr
	Name         string
	Perms        string
	ObjectOffset uint64
}

func snapshot(r *Region) []summary {
	var s []summary
	r.Walk(func(info NodeInfo) bool {
		e := summary{
			Depth: info.Depth,
			Start: info.Range.Start,
			End:   info.Range.End,
			Name:  info.Name,
		}
		if info.IsMapping {
			e.Perms = info.Perms.String()
			e.ObjectOffset = info.ObjectOffset
		}
		s = append(s, e)
		return true
	})
	return s
}

// checkTree verifies that the children of every region are live, ordered,
// non-overlapping and contained in their parent.
func checkTree(t *testing.T, r *Region) {
	t.Helper()
	r.as.mu.Lock()
	defer r.as.mu.Unlock()
	if err := checkTreeLocked(r); err != nil {
		t.Fatal(err)
	}
}

func checkTreeLocked(r *Region) error {
	prev := r.base
	var err error
	r.children.Ascend(func(c RegionOrMapping) bool {
		n := c.node()
		switch {
		case n.state != stateAlive:
			err = fmt.Errorf("%v in %v is %v", c, r, n.state)
		case n.parent != r:
			err = fmt.Errorf("%v in %v has parent %v", c, r, n.parent)
		case n.base < prev:
			err = fmt.Errorf("%v at %v overlaps its predecessor ending at %v", c, n.rangeLocked(), prev)
		case n.end() > r.end():
			err = fmt.Errorf("%v at %v extends past %v", c, n.rangeLocked(), r.rangeLocked())
		}
		if err != nil {
			return false
		}
		prev = n.end()
		if sub, ok := c.(*Region); ok {
			err = checkTreeLocked(sub)
		}
		return err == nil
	})
	return err
}

func TestNew(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts Options
		pt   bool
	}{
		{name: "no page tables", opts: Options{Size: page}},
		{name: "empty", opts: Options{}, pt: true},
		{name: "unaligned base", opts: Options{Base: 0x10, Size: page}, pt: true},
		{name: "unaligned size", opts: Options{Size: 10}, pt: true},
		{name: "overflow", opts: Options{Base: ^hostarch.Addr(0) &^ (page - 1), Size: 2 * page}, pt: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var pt platform.AddressSpace
			if tc.pt {
				pt = pagetables.New()
			}
			if _, err := New(tc.opts, pt); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("New(%+v) = %v, want EINVAL", tc.opts, err)
			}
		})
	}
}

func TestRegionOverlapRejected(t *testing.T) {
	as, _ := newTestAspace(t, Options{Name: "root", Size: 0x10000})
	root := as.Root()
	if _, err := root.CreateSubRegion(RegionOpts{Size: 0x8000, Flags: FlagSpecific | FlagCanMapRead, Name: "a"}); err != nil {
		t.Fatalf("CreateSubRegion failed: %v", err)
	}
	before := snapshot(root)
	if _, err := root.CreateSubRegion(RegionOpts{Offset: 0x4000, Size: 0x4000, Flags: FlagSpecific, Name: "b"}); !linuxerr.Equals(linuxerr.ERANGE, err) {
		t.Fatalf("overlapping CreateSubRegion = %v, want ERANGE", err)
	}
	if diff := cmp.Diff(before, snapshot(root)); diff != "" {
		t.Errorf("tree changed (-want +got):\n%s", diff)
	}
	// The rest of the region is still available.
	if _, err := root.CreateSubRegion(RegionOpts{Offset: 0x8000, Size: 0x8000, Flags: FlagSpecific, Name: "c"}); err != nil {
		t.Errorf("adjacent CreateSubRegion failed: %v", err)
	}
	checkTree(t, root)
}

func TestPartialUnmapSplit(t *testing.T) {
	for _, tc := range []struct {
		name  string
		unmap func(as *Aspace, m *Mapping) error
	}{
		{
			name: "mapping",
			unmap: func(_ *Aspace, m *Mapping) error {
				return m.Unmap(0x2000, 0x1000)
			},
		},
		{
			name: "region",
			unmap: func(as *Aspace, _ *Mapping) error {
				return as.Root().Unmap(0x2000, 0x1000)
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mf := newTestFile(t, 16)
			obj := newTestObject(t, mf, 4*page)
			rec := &recordingAS{PageTables: pagetables.New()}
			as, err := New(Options{Name: "split", Size: 0x10000}, rec)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			m, err := as.Root().CreateMapping(MappingOpts{
				Offset: 0x1000,
				Size:   0x4000,
				Flags:  FlagSpecific,
				Perms:  hostarch.ReadWrite,
				Object: obj,
				Name:   "m",
			})
			if err != nil {
				t.Fatalf("CreateMapping failed: %v", err)
			}
			for addr := hostarch.Addr(0x1000); addr < 0x5000; addr += page {
				if err := as.PageFault(addr, hostarch.Write); err != nil {
					t.Fatalf("PageFault(%v) failed: %v", addr, err)
				}
			}

			if err := tc.unmap(as, m); err != nil {
				t.Fatalf("Unmap failed: %v", err)
			}
			if diff := cmp.Diff([]unmapCall{{0x2000, 0x1000}}, rec.unmaps); diff != "" {
				t.Errorf("Unmap calls mismatch (-want +got):\n%s", diff)
			}
			want := []summary{
				{Depth: 1, Start: 0x1000, End: 0x2000, Name: "m", Perms: "rw-"},
				{Depth: 1, Start: 0x3000, End: 0x5000, Name: "m", Perms: "rw-", ObjectOffset: 0x2000},
			}
			if diff := cmp.Diff(want, snapshot(as.Root())); diff != "" {
				t.Errorf("tree mismatch (-want +got):\n%s", diff)
			}
			if _, _, ok := rec.Lookup(0x2000); ok {
				t.Errorf("page at 0x2000 still mapped")
			}
			p, _, ok := rec.Lookup(0x3000)
			if !ok {
				t.Fatalf("page at 0x3000 unmapped")
			}
			if want, _, _ := obj.GetPage(0x2000, false); p != want {
				t.Errorf("page at 0x3000 = %v, want %v", p, want)
			}
			if got := obj.ReadRefs(); got != 3 {
				t.Errorf("object refs = %d, want 3", got)
			}
			if err := as.PageFault(0x2000, hostarch.Read); !linuxerr.Equals(linuxerr.ENOENT, err) {
				t.Errorf("PageFault in the hole = %v, want ENOENT", err)
			}
			checkTree(t, as.Root())
		})
	}
}

func TestCreateValidation(t *testing.T) {
	mf := newTestFile(t, 1)
	obj := newTestObject(t, mf, 4*page)
	as, _ := newTestAspace(t, Options{Size: 0x10000})
	root := as.Root()
	if _, err := root.CreateMapping(MappingOpts{Offset: 0x8000, Size: 0x8000, Flags: FlagSpecific, Perms: hostarch.Read, Object: obj}); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	sub, err := root.CreateSubRegion(RegionOpts{Size: 0x4000, Flags: FlagCanMapRead, Name: "ro"})
	if err != nil {
		t.Fatalf("CreateSubRegion failed: %v", err)
	}

	for _, tc := range []struct {
		name   string
		create func() error
		want   *errors.Error
	}{
		{
			name:   "zero size",
			create: func() error { _, err := root.CreateSubRegion(RegionOpts{}); return err },
			want:   linuxerr.EINVAL,
		},
		{
			name:   "bad alignment",
			create: func() error { _, err := root.CreateSubRegion(RegionOpts{Size: page, Align: 3 * page}); return err },
			want:   linuxerr.EINVAL,
		},
		{
			name:   "offset without specific",
			create: func() error { _, err := root.CreateSubRegion(RegionOpts{Offset: page, Size: page}); return err },
			want:   linuxerr.EINVAL,
		},
		{
			name: "outside parent",
			create: func() error {
				_, err := root.CreateSubRegion(RegionOpts{Offset: 0xf000, Size: 0x2000, Flags: FlagSpecific})
				return err
			},
			want: linuxerr.EINVAL,
		},
		{
			name: "unknown flags",
			create: func() error {
				_, err := root.CreateSubRegion(RegionOpts{Size: page, Flags: 1 << 20})
				return err
			},
			want: linuxerr.EINVAL,
		},
		{
			name: "overwrite region",
			create: func() error {
				_, err := root.CreateSubRegion(RegionOpts{Size: page, Flags: FlagSpecificOverwrite})
				return err
			},
			want: linuxerr.EINVAL,
		},
		{
			name: "flags not a subset",
			create: func() error {
				_, err := sub.CreateSubRegion(RegionOpts{Size: page, Flags: FlagCanMapWrite})
				return err
			},
			want: linuxerr.EINVAL,
		},
		{
			name:   "specific not allowed",
			create: func() error { _, err := sub.CreateSubRegion(RegionOpts{Size: page, Flags: FlagSpecific}); return err },
			want:   linuxerr.EACCES,
		},
		{
			name: "perms not allowed",
			create: func() error {
				_, err := sub.CreateMapping(MappingOpts{Size: page, Perms: hostarch.ReadWrite, Object: obj})
				return err
			},
			want: linuxerr.EACCES,
		},
		{
			name: "can-map flags not a subset",
			create: func() error {
				_, err := sub.CreateMapping(MappingOpts{Size: page, Flags: FlagCanMapExecute, Perms: hostarch.Read, Object: obj})
				return err
			},
			want: linuxerr.EINVAL,
		},
		{
			name:   "no object",
			create: func() error { _, err := root.CreateMapping(MappingOpts{Size: page, Perms: hostarch.Read}); return err },
			want:   linuxerr.EINVAL,
		},
		{
			name: "bad memory type",
			create: func() error {
				_, err := root.CreateMapping(MappingOpts{Size: page, Perms: hostarch.Read, MemoryType: hostarch.NumMemoryTypes, Object: obj})
				return err
			},
			want: linuxerr.EINVAL,
		},
		{
			name: "unaligned object offset",
			create: func() error {
				_, err := root.CreateMapping(MappingOpts{Size: page, Perms: hostarch.Read, Object: obj, ObjectOffset: 1})
				return err
			},
			want: linuxerr.EINVAL,
		},
		{
			name: "specific overlap",
			create: func() error {
				_, err := root.CreateMapping(MappingOpts{Offset: 0x7000, Size: 0x2000, Flags: FlagSpecific, Perms: hostarch.Read, Object: obj})
				return err
			},
			want: linuxerr.ERANGE,
		},
		{
			name: "no gap",
			create: func() error {
				_, err := root.CreateMapping(MappingOpts{Size: 0x8000, Perms: hostarch.Read, Object: obj})
				return err
			},
			want: linuxerr.ERANGE,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := snapshot(root)
			if err := tc.create(); !linuxerr.Equals(tc.want, err) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
			if diff := cmp.Diff(before, snapshot(root)); diff != "" {
				t.Errorf("tree changed (-want +got):\n%s", diff)
			}
		})
	}
	if got := obj.ReadRefs(); got != 2 {
		t.Errorf("object refs = %d, want 2", got)
	}
}

func TestAllocSpot(t *testing.T) {
	mf := newTestFile(t, 1)
	obj := newTestObject(t, mf, 0x10000)
	as, _ := newTestAspace(t, Options{Base: 0x10000, Size: 0x10000})
	root := as.Root()
	for _, tc := range []struct {
		name  string
		size  uint64
		align uint64
		flags Flags
		want  hostarch.Addr
	}{
		{name: "lowest", size: page, want: 0x10000},
		{name: "next", size: 2 * page, want: 0x11000},
		{name: "high", size: page, flags: FlagMapHigh, want: 0x1f000},
		{name: "aligned", size: page, align: 4 * page, want: 0x14000},
		{name: "fills hole", size: page, want: 0x13000},
		{name: "aligned high", size: 2 * page, align: 2 * page, flags: FlagMapHigh, want: 0x1c000},
	} {
		m, err := root.CreateMapping(MappingOpts{Size: tc.size, Align: tc.align, Flags: tc.flags, Perms: hostarch.Read, Object: obj, Name: tc.name})
		if err != nil {
			t.Fatalf("%s: CreateMapping failed: %v", tc.name, err)
		}
		if got := m.Base(); got != tc.want {
			t.Errorf("%s: base = %v, want %v", tc.name, got, tc.want)
		}
	}
	if _, err := root.CreateMapping(MappingOpts{Size: 0x8000, Perms: hostarch.Read, Object: obj}); !linuxerr.Equals(linuxerr.ERANGE, err) {
		t.Errorf("CreateMapping without room = %v, want ERANGE", err)
	}
	checkTree(t, root)
}

func TestASLR(t *testing.T) {
	mf := newTestFile(t, 1)
	obj := newTestObject(t, mf, page)
	opts := Options{Base: 0x100000, Size: 0x1000000, ASLR: true, Seed: 42}
	as1, _ := newTestAspace(t, opts)
	as2, _ := newTestAspace(t, opts)

	lowest := true
	for i := 0; i < 16; i++ {
		m1, err := as1.Root().CreateMapping(MappingOpts{Size: page, Perms: hostarch.Read, Object: obj})
		if err != nil {
			t.Fatalf("CreateMapping failed: %v", err)
		}
		m2, err := as2.Root().CreateMapping(MappingOpts{Size: page, Perms: hostarch.Read, Object: obj})
		if err != nil {
			t.Fatalf("CreateMapping failed: %v", err)
		}
		if m1.Base() != m2.Base() {
			t.Errorf("mapping %d: bases %v and %v differ with the same seed", i, m1.Base(), m2.Base())
		}
		if m1.Base() != opts.Base+hostarch.Addr(i*page) {
			lowest = false
		}
	}
	if lowest {
		t.Errorf("randomized placement picked the lowest fit every time")
	}
	checkTree(t, as1.Root())

	as3, _ := newTestAspace(t, opts)
	m, err := as3.Root().CreateMapping(MappingOpts{Size: page, Flags: FlagCompact, Perms: hostarch.Read, Object: obj})
	if err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	if got := m.Base(); got != opts.Base {
		t.Errorf("compact base = %v, want %v", got, opts.Base)
	}
}

func TestPageFault(t *testing.T) {
	mf := newTestFile(t, 2)
	obj := newTestObject(t, mf, 4*page)
	as, pt := newTestAspace(t, Options{Base: 0x400000, Size: 0x100000})
	root := as.Root()
	if _, err := root.CreateMapping(MappingOpts{Offset: 0x1000, Size: 2 * page, Flags: FlagSpecific, Perms: hostarch.ReadWrite, Object: obj, ObjectOffset: page}); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	if _, err := root.CreateMapping(MappingOpts{Offset: 0x10000, Size: page, Flags: FlagSpecific, Perms: hostarch.Read, Object: obj}); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	if _, err := root.CreateMapping(MappingOpts{Offset: 0x20000, Size: 8 * page, Flags: FlagSpecific, Perms: hostarch.Read, Object: obj}); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}

	if err := as.PageFault(0x401010, hostarch.Read); err != nil {
		t.Fatalf("PageFault failed: %v", err)
	}
	p, opts, ok := pt.Lookup(0x401000)
	if !ok {
		t.Fatalf("no page installed")
	}
	if want, _, _ := obj.GetPage(page, false); p != want {
		t.Errorf("installed page = %v, want %v", p, want)
	}
	if opts.AccessType != hostarch.ReadWrite || !opts.User {
		t.Errorf("installed with %+v, want user read-write", opts)
	}

	for _, tc := range []struct {
		name string
		addr hostarch.Addr
		at   hostarch.AccessType
		want *errors.Error
	}{
		{name: "gap", addr: 0x408000, at: hostarch.Read, want: linuxerr.ENOENT},
		{name: "outside aspace", addr: 0x10, at: hostarch.Read, want: linuxerr.ENOENT},
		{name: "write to read-only", addr: 0x410000, at: hostarch.Write, want: linuxerr.EACCES},
		{name: "execute", addr: 0x401000, at: hostarch.Execute, want: linuxerr.EACCES},
		{name: "past object end", addr: 0x425000, at: hostarch.Read, want: linuxerr.ERANGE},
		{name: "last free page", addr: 0x402000, at: hostarch.Write, want: nil},
		{name: "exhausted", addr: 0x410000, at: hostarch.Read, want: linuxerr.ENOMEM},
	} {
		if err := as.PageFault(tc.addr, tc.at); !linuxerr.Equals(tc.want, err) {
			t.Errorf("%s: PageFault(%v, %v) = %v, want %v", tc.name, tc.addr, tc.at, err, tc.want)
		}
	}
	if got := pt.Len(); got != 2 {
		t.Errorf("installed pages = %d, want 2", got)
	}
}

func TestCopyOnWriteFault(t *testing.T) {
	mf := newTestFile(t, 16)
	parent := newTestObject(t, mf, 2*page)
	if err := parent.Write([]byte("hello"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	clone, err := parent.CreateClone(0, 2*page, "clone")
	if err != nil {
		t.Fatalf("CreateClone failed: %v", err)
	}
	as, pt := newTestAspace(t, Options{Base: 0x10000, Size: 0x10000})
	m, err := as.Root().CreateMapping(MappingOpts{Size: 2 * page, Perms: hostarch.ReadWrite, Object: clone})
	if err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	addr := m.Base()

	if err := as.PageFault(addr, hostarch.Read); err != nil {
		t.Fatalf("read PageFault failed: %v", err)
	}
	p, opts, _ := pt.Lookup(addr)
	parentPage, _, _ := parent.GetPage(0, false)
	if p != parentPage || opts.AccessType != hostarch.Read {
		t.Errorf("read fault installed %v with %v, want %v read-only", p, opts, parentPage)
	}

	// Writing the parent's page revokes the clone's translation.
	if err := parent.Write([]byte("HELLO"), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if _, _, ok := pt.Lookup(addr); ok {
		t.Errorf("stale translation survived a write to the parent")
	}

	if err := as.PageFault(addr, hostarch.Write); err != nil {
		t.Fatalf("write PageFault failed: %v", err)
	}
	p, opts, _ = pt.Lookup(addr)
	parentPage, _, _ = parent.GetPage(0, false)
	if p == parentPage || opts.AccessType != hostarch.ReadWrite {
		t.Errorf("write fault installed %v with %v, want a private read-write page", p, opts)
	}
	if got := string(p.Data()[:5]); got != "HELLO" {
		t.Errorf("private page holds %q, want %q", got, "HELLO")
	}
	copy(p.Data(), "howdy")
	buf := make([]byte, 5)
	if err := parent.Read(buf, 0); err != nil || string(buf) != "HELLO" {
		t.Errorf("parent Read = %q, %v, want %q", buf, err, "HELLO")
	}
}

func TestDestroy(t *testing.T) {
	mf := newTestFile(t, 4)
	obj := newTestObject(t, mf, page)
	as, pt := newTestAspace(t, Options{Size: 0x10000})
	root := as.Root()

	m, err := root.CreateMapping(MappingOpts{Size: page, Perms: hostarch.Read, Object: obj})
	if err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	if err := m.PageFault(m.Base(), hostarch.Read); err != nil {
		t.Fatalf("PageFault failed: %v", err)
	}
	if got := obj.ReadRefs(); got != 2 {
		t.Errorf("object refs = %d, want 2", got)
	}
	if err := m.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if err := m.Destroy(); !linuxerr.Equals(linuxerr.EBADFD, err) {
		t.Errorf("second Destroy = %v, want EBADFD", err)
	}
	if err := m.Unmap(0, page); !linuxerr.Equals(linuxerr.EBADFD, err) {
		t.Errorf("Unmap of a dead mapping = %v, want EBADFD", err)
	}
	if got := pt.Len(); got != 0 {
		t.Errorf("installed pages = %d, want 0", got)
	}
	if got := obj.ReadRefs(); got != 1 {
		t.Errorf("object refs = %d, want 1", got)
	}

	sub, err := root.CreateSubRegion(RegionOpts{Size: 0x4000, Flags: FlagCanMapRead | FlagCanMapWrite, Name: "sub"})
	if err != nil {
		t.Fatalf("CreateSubRegion failed: %v", err)
	}
	inner, err := sub.CreateSubRegion(RegionOpts{Size: 0x2000, Flags: FlagCanMapRead, Name: "inner"})
	if err != nil {
		t.Fatalf("CreateSubRegion failed: %v", err)
	}
	leaf, err := inner.CreateMapping(MappingOpts{Size: page, Perms: hostarch.Read, Object: obj})
	if err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	base := sub.Base()
	if err := sub.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	for _, n := range []RegionOrMapping{sub, inner, leaf} {
		if n.IsAlive() || n.Parent() != nil {
			t.Errorf("%v still alive after its region was destroyed", n)
		}
	}
	if got := root.FindRegion(base); got != nil {
		t.Errorf("FindRegion(%v) = %v, want nil", base, got)
	}
	if _, err := sub.CreateMapping(MappingOpts{Size: page, Perms: hostarch.Read, Object: obj}); !linuxerr.Equals(linuxerr.EBADFD, err) {
		t.Errorf("CreateMapping in a dead region = %v, want EBADFD", err)
	}
	if err := sub.Destroy(); !linuxerr.Equals(linuxerr.EBADFD, err) {
		t.Errorf("second Destroy = %v, want EBADFD", err)
	}
	if got := obj.ReadRefs(); got != 1 {
		t.Errorf("object refs = %d, want 1", got)
	}
	if got := root.NumChildren(); got != 0 {
		t.Errorf("root has %d children, want 0", got)
	}
}

func TestRegionUnmap(t *testing.T) {
	mf := newTestFile(t, 4)
	obj := newTestObject(t, mf, 4*page)
	as, _ := newTestAspace(t, Options{Size: 0x10000})
	root := as.Root()
	mustMap := func(offset, size uint64, name string) {
		t.Helper()
		if _, err := root.CreateMapping(MappingOpts{Offset: offset, Size: size, Flags: FlagSpecific, Perms: hostarch.Read, Object: obj, Name: name}); err != nil {
			t.Fatalf("CreateMapping(%s) failed: %v", name, err)
		}
	}
	mustMap(0x1000, 0x2000, "a")
	if _, err := root.CreateSubRegion(RegionOpts{Offset: 0x4000, Size: 0x4000, Flags: FlagSpecific | FlagCanMapRead, Name: "sub"}); err != nil {
		t.Fatalf("CreateSubRegion failed: %v", err)
	}
	mustMap(0x9000, 0x2000, "b")

	before := snapshot(root)
	if err := root.Unmap(0x5000, 0x1000); !linuxerr.Equals(linuxerr.ERANGE, err) {
		t.Fatalf("Unmap through a sub-region = %v, want ERANGE", err)
	}
	if err := root.Unmap(0x2000, 0x3000); !linuxerr.Equals(linuxerr.ERANGE, err) {
		t.Fatalf("Unmap across a sub-region boundary = %v, want ERANGE", err)
	}
	if diff := cmp.Diff(before, snapshot(root)); diff != "" {
		t.Errorf("tree changed (-want +got):\n%s", diff)
	}
	if err := root.Unmap(0x2000, 0x8000); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	want := []summary{
		{Depth: 1, Start: 0x1000, End: 0x2000, Name: "a", Perms: "r--"},
		{Depth: 1, Start: 0xa000, End: 0xb000, Name: "b", Perms: "r--", ObjectOffset: page},
	}
	if diff := cmp.Diff(want, snapshot(root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
	if err := root.Unmap(0x2001, page); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("unaligned Unmap = %v, want EINVAL", err)
	}
	if err := root.Unmap(0xf000, 0x2000); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("Unmap past the region = %v, want EINVAL", err)
	}
	// Unmapping free space is not an error.
	if err := root.Unmap(0xc000, 0x1000); err != nil {
		t.Errorf("Unmap of a gap failed: %v", err)
	}
	checkTree(t, root)
}

func TestSpecificOverwrite(t *testing.T) {
	mf := newTestFile(t, 4)
	obj := newTestObject(t, mf, 4*page)
	as, _ := newTestAspace(t, Options{Size: 0x10000})
	root := as.Root()
	if _, err := root.CreateMapping(MappingOpts{Offset: 0x1000, Size: 0x2000, Flags: FlagSpecific, Perms: hostarch.Read, Object: obj, Name: "a"}); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	if _, err := root.CreateMapping(MappingOpts{Offset: 0x2000, Size: 0x2000, Flags: FlagSpecificOverwrite, Perms: hostarch.Read, Object: obj, Name: "b"}); err != nil {
		t.Fatalf("overwriting CreateMapping failed: %v", err)
	}
	if _, err := root.CreateSubRegion(RegionOpts{Offset: 0x8000, Size: 0x4000, Flags: FlagSpecific | FlagCanMapRead, Name: "sub"}); err != nil {
		t.Fatalf("CreateSubRegion failed: %v", err)
	}
	want := []summary{
		{Depth: 1, Start: 0x1000, End: 0x2000, Name: "a", Perms: "r--"},
		{Depth: 1, Start: 0x2000, End: 0x4000, Name: "b", Perms: "r--"},
		{Depth: 1, Start: 0x8000, End: 0xc000, Name: "sub"},
	}
	if diff := cmp.Diff(want, snapshot(root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
	if got := obj.ReadRefs(); got != 3 {
		t.Errorf("object refs = %d, want 3", got)
	}

	if _, err := root.CreateMapping(MappingOpts{Offset: 0xa000, Size: 0x4000, Flags: FlagSpecificOverwrite, Perms: hostarch.Read, Object: obj, Name: "c"}); !linuxerr.Equals(linuxerr.ERANGE, err) {
		t.Fatalf("overwrite through a sub-region = %v, want ERANGE", err)
	}
	if diff := cmp.Diff(want, snapshot(root)); diff != "" {
		t.Errorf("tree changed (-want +got):\n%s", diff)
	}
	if got := obj.ReadRefs(); got != 3 {
		t.Errorf("object refs after failed overwrite = %d, want 3", got)
	}

	if _, err := root.CreateMapping(MappingOpts{Offset: 0x8000, Size: 0x4000, Flags: FlagSpecificOverwrite, Perms: hostarch.Read, Object: obj, Name: "d"}); err != nil {
		t.Fatalf("overwrite of a whole sub-region failed: %v", err)
	}
	want[2] = summary{Depth: 1, Start: 0x8000, End: 0xc000, Name: "d", Perms: "r--"}
	if diff := cmp.Diff(want, snapshot(root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
}

func TestProtect(t *testing.T) {
	mf := newTestFile(t, 8)
	obj := newTestObject(t, mf, 4*page)
	as, pt := newTestAspace(t, Options{Size: 0x10000})
	root := as.Root()
	m, err := root.CreateMapping(MappingOpts{Offset: 0x1000, Size: 3 * page, Flags: FlagSpecific, Perms: hostarch.ReadWrite, Object: obj, Name: "m"})
	if err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	for addr := hostarch.Addr(0x1000); addr < 0x4000; addr += page {
		if err := as.PageFault(addr, hostarch.Write); err != nil {
			t.Fatalf("PageFault(%v) failed: %v", addr, err)
		}
	}

	if err := m.Protect(0x2000, page, hostarch.Read); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	want := []summary{
		{Depth: 1, Start: 0x1000, End: 0x2000, Name: "m", Perms: "rw-"},
		{Depth: 1, Start: 0x2000, End: 0x3000, Name: "m", Perms: "r--", ObjectOffset: page},
		{Depth: 1, Start: 0x3000, End: 0x4000, Name: "m", Perms: "rw-", ObjectOffset: 2 * page},
	}
	if diff := cmp.Diff(want, snapshot(root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
	if _, _, ok := pt.Lookup(0x2000); ok {
		t.Errorf("page at 0x2000 still installed after Protect")
	}
	if _, _, ok := pt.Lookup(0x1000); !ok {
		t.Errorf("page at 0x1000 removed by Protect")
	}
	if err := as.PageFault(0x2000, hostarch.Write); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("write fault on read-only piece = %v, want EACCES", err)
	}
	if err := m.Protect(0x1000, page, hostarch.Execute); !linuxerr.Equals(linuxerr.EACCES, err) {
		t.Errorf("Protect beyond the mapping's flags = %v, want EACCES", err)
	}

	if err := root.Protect(0x1000, 3*page, hostarch.Read); err != nil {
		t.Fatalf("Region.Protect failed: %v", err)
	}
	for i := range want {
		want[i].Perms = "r--"
	}
	if diff := cmp.Diff(want, snapshot(root)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
	if err := root.Protect(0x1000, 4*page, hostarch.ReadWrite); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Protect over a gap = %v, want ENOMEM", err)
	}
	if diff := cmp.Diff(want, snapshot(root)); diff != "" {
		t.Errorf("tree changed by failed Protect (-want +got):\n%s", diff)
	}

	x, err := root.CreateMapping(MappingOpts{Offset: 0x8000, Size: page, Flags: FlagSpecific | FlagCanMapExecute, Perms: hostarch.Read, Object: obj, Name: "x"})
	if err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	rx := hostarch.AccessType{Read: true, Execute: true}
	if err := x.Protect(0x8000, page, rx); err != nil {
		t.Errorf("Protect to r-x failed: %v", err)
	}
	if got := x.Perms(); got != rx {
		t.Errorf("Perms() = %v, want %v", got, rx)
	}
	checkTree(t, root)
}

func TestDump(t *testing.T) {
	mf := newTestFile(t, 1)
	obj, err := vmo.New(mf, 2*page, "data")
	if err != nil {
		t.Fatalf("vmo.New failed: %v", err)
	}
	as, _ := newTestAspace(t, Options{Name: "proc", Size: 0x10000})
	sub, err := as.Root().CreateSubRegion(RegionOpts{Offset: 0x4000, Size: 0x4000, Flags: FlagSpecific | FlagCanMapRead, Name: "libs"})
	if err != nil {
		t.Fatalf("CreateSubRegion failed: %v", err)
	}
	if _, err := sub.CreateMapping(MappingOpts{Size: page, Perms: hostarch.Read, Object: obj, ObjectOffset: page, Name: "text"}); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	if _, err := as.Root().CreateMapping(MappingOpts{Size: 2 * page, Perms: hostarch.ReadWrite, MemoryType: hostarch.MemoryTypeUncached, Object: obj}); err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	line := func(prefix, name string) string {
		return fmt.Sprintf("%-73s%s\n", prefix, name)
	}
	want := line("00000000-00010000 rwx- vmar ", "proc") +
		"  00000000-00002000 rw-p 00000000 UC data \n" +
		line("  00004000-00008000 r--- vmar ", "libs") +
		line("    00004000-00005000 r--p 00001000 WB data ", "text")
	if diff := cmp.Diff(want, as.Dump()); diff != "" {
		t.Errorf("Dump mismatch (-want +got):\n%s", diff)
	}
}

func TestRelease(t *testing.T) {
	mf := newTestFile(t, 4)
	obj := newTestObject(t, mf, page)
	as, _ := newTestAspace(t, Options{Size: 0x10000})
	sub, err := as.Root().CreateSubRegion(RegionOpts{Size: 0x4000, Flags: FlagCanMapRead})
	if err != nil {
		t.Fatalf("CreateSubRegion failed: %v", err)
	}
	m, err := sub.CreateMapping(MappingOpts{Size: page, Perms: hostarch.Read, Object: obj})
	if err != nil {
		t.Fatalf("CreateMapping failed: %v", err)
	}
	if err := as.PageFault(m.Base(), hostarch.Read); err != nil {
		t.Fatalf("PageFault failed: %v", err)
	}
	if err := as.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := as.Release(); !linuxerr.Equals(linuxerr.EBADFD, err) {
		t.Errorf("second Release = %v, want EBADFD", err)
	}
	if got := obj.ReadRefs(); got != 1 {
		t.Errorf("object refs = %d, want 1", got)
	}
	if err := as.PageFault(0, hostarch.Read); !linuxerr.Equals(linuxerr.EBADFD, err) {
		t.Errorf("PageFault after Release = %v, want EBADFD", err)
	}
	if m.IsAlive() {
		t.Errorf("mapping alive after Release")
	}
	obj.DecRef()
	if got := mf.Usage().InUse; got != 0 {
		t.Errorf("pages in use = %d, want 0", got)
	}
}

func TestNonOverlapRandomOps(t *testing.T) {
	mf := newTestFile(t, 1)
	obj := newTestObject(t, mf, 8*page)
	as, _ := newTestAspace(t, Options{Size: 0x100000, ASLR: true, Seed: 7})
	root := as.Root()
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		regions := []*Region{root}
		nodes := []RegionOrMapping{}
		root.Walk(func(info NodeInfo) bool {
			nodes = append(nodes, info.Node)
			if r, ok := info.Node.(*Region); ok {
				regions = append(regions, r)
			}
			return true
		})
		r := regions[rng.Intn(len(regions))]
		size := uint64(1+rng.Intn(8)) * page
		var flags Flags
		var offset uint64
		if rng.Intn(2) == 0 {
			flags = FlagSpecific
			offset = uint64(rng.Intn(int(r.Size()/page))) * page
		}

		var err error
		switch rng.Intn(4) {
		case 0:
			_, err = r.CreateSubRegion(RegionOpts{Offset: offset, Size: size, Flags: flags | r.Flags()&canMapFlags})
		case 1:
			_, err = r.CreateMapping(MappingOpts{Offset: offset, Size: size, Flags: flags, Perms: hostarch.Read, Object: obj})
		case 2:
			err = root.Unmap(hostarch.Addr(rng.Intn(0x100))*page, size)
		case 3:
			if len(nodes) > 0 {
				err = nodes[rng.Intn(len(nodes))].Destroy()
			}
		}
		switch {
		case err == nil,
			linuxerr.Equals(linuxerr.ERANGE, err),
			linuxerr.Equals(linuxerr.EINVAL, err):
		default:
			t.Fatalf("op %d: unexpected error %v", i, err)
		}
		checkTree(t, root)
	}
	if err := as.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if got := obj.ReadRefs(); got != 1 {
		t.Errorf("object refs after Release = %d, want 1", got)
	}
}

func TestIndependentAspaces(t *testing.T) {
	const workers = 8
	mf := newTestFile(t, 128)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			obj, err := vmo.New(mf, 4*page, fmt.Sprintf("obj%d", i))
			if err != nil {
				return err
			}
			defer obj.DecRef()
			pt := pagetables.New()
			as, err := New(Options{Name: fmt.Sprintf("as%d", i), Base: 0x100000, Size: 0x100000, ASLR: true, Seed: int64(i)}, pt)
			if err != nil {
				return err
			}
			m, err := as.Root().CreateMapping(MappingOpts{Size: 4 * page, Perms: hostarch.ReadWrite, Object: obj})
			if err != nil {
				return err
			}
			for j := 0; j < 4; j++ {
				if err := as.PageFault(m.Base()+hostarch.Addr(j*page), hostarch.Write); err != nil {
					return fmt.Errorf("worker %d: fault %d: %w", i, j, err)
				}
			}
			if err := obj.Write([]byte{byte(i)}, 0); err != nil {
				return err
			}
			if got := pt.Len(); got != 3 {
				return fmt.Errorf("worker %d: %d pages installed after write, want 3", i, got)
			}
			if err := as.PageFault(m.Base(), hostarch.Read); err != nil {
				return err
			}
			p, _, _ := pt.Lookup(m.Base())
			if got := p.Data()[0]; got != byte(i) {
				return fmt.Errorf("worker %d: read %d through the mapping", i, got)
			}
			return as.Release()
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := mf.Usage().InUse; got != 0 {
		t.Errorf("pages in use = %d, want 0", got)
	}
}
