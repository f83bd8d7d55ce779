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

package scenario

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/log"
	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
	"gvisor.dev/vmcore/pkg/sentry/vmar"
	"gvisor.dev/vmcore/pkg/sentry/vmo"
)

// Runner runs scenarios against one aspace, resolving the names steps give
// to objects, regions and mappings.
type Runner struct {
	as  *vmar.Aspace
	mf  pgalloc.Allocator
	out io.Writer

	// objects holds one reference on each object.
	objects  map[string]*vmo.Object
	regions  map[string]*vmar.Region
	mappings map[string]*vmar.Mapping
}

// NewRunner returns a Runner for as. Objects are allocated from mf. dump
// steps write to out, which may be nil.
func NewRunner(as *vmar.Aspace, mf pgalloc.Allocator, out io.Writer) *Runner {
	return &Runner{
		as:       as,
		mf:       mf,
		out:      out,
		objects:  make(map[string]*vmo.Object),
		regions:  map[string]*vmar.Region{RootName: as.Root()},
		mappings: make(map[string]*vmar.Mapping),
	}
}

// Run runs the steps of s in order, stopping at the first step whose outcome
// differs from its expectation.
func (r *Runner) Run(ctx context.Context, s *Scenario) error {
	for i := range s.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		st := &s.Steps[i]
		err := r.step(st)
		if err != nil && !isOpError(err) {
			return fmt.Errorf("%s: step %d (%s): %w", s.Name, i, st.Op, err)
		}
		if log.IsLogging(log.Debug) {
			log.Debugf("%s: step %d %s %s: %v", s.Name, i, st.Op, st.describe(), err)
		}
		if st.ExpectError == "" {
			if err != nil {
				return fmt.Errorf("%s: step %d (%s): %w", s.Name, i, st.Op, err)
			}
			continue
		}
		want, _ := linuxerr.FromName(st.ExpectError)
		if !linuxerr.Equals(want, err) {
			return fmt.Errorf("%s: step %d (%s): got error %v, want %s", s.Name, i, st.Op, err, st.ExpectError)
		}
	}
	return nil
}

// Close drops the runner's object references. Objects still mapped stay
// alive until their mappings are destroyed.
func (r *Runner) Close() {
	for _, name := range slices.Sorted(maps.Keys(r.objects)) {
		r.objects[name].DecRef()
	}
	clear(r.objects)
}

// step runs st. Fields that fail to parse are reported before anything is
// changed, so scenarios built without Parse are held to the same rules.
func (r *Runner) step(st *Step) error {
	if err := st.check(); err != nil {
		return err
	}
	switch st.Op {
	case "vmo":
		if err := r.checkNewObject(st.Name); err != nil {
			return err
		}
		o, err := vmo.New(r.mf, st.Size, st.Name)
		if err != nil {
			return err
		}
		r.objects[st.Name] = o
		return nil

	case "clone":
		if err := r.checkNewObject(st.Name); err != nil {
			return err
		}
		src, err := r.object(st.Object)
		if err != nil {
			return err
		}
		o, err := src.CreateClone(st.Offset, st.Size, st.Name)
		if err != nil {
			return err
		}
		r.objects[st.Name] = o
		return nil

	case "vmar":
		if err := r.checkNewNode(st.Name); err != nil {
			return err
		}
		parent, err := r.region(st.parent())
		if err != nil {
			return err
		}
		flags, _ := st.flags()
		c, err := parent.CreateSubRegion(vmar.RegionOpts{
			Offset: st.Offset,
			Size:   st.Size,
			Align:  st.Align,
			Flags:  flags,
			Name:   st.Name,
		})
		if err != nil {
			return err
		}
		r.regions[st.Name] = c
		return nil

	case "map":
		if err := r.checkNewNode(st.Name); err != nil {
			return err
		}
		parent, err := r.region(st.parent())
		if err != nil {
			return err
		}
		o, err := r.object(st.Object)
		if err != nil {
			return err
		}
		flags, _ := st.flags()
		perms, _ := parsePerms(st.Perms)
		mt, _ := st.memoryType()
		m, err := parent.CreateMapping(vmar.MappingOpts{
			Offset:       st.Offset,
			Size:         st.Size,
			Align:        st.Align,
			Flags:        flags,
			Perms:        perms,
			MemoryType:   mt,
			Object:       o,
			ObjectOffset: st.ObjectOffset,
			Name:         st.Name,
		})
		if err != nil {
			return err
		}
		r.mappings[st.Name] = m
		return nil

	case "fault":
		at, _ := parsePerms(st.Access)
		return r.as.PageFault(hostarch.Addr(st.Addr), at)

	case "unmap":
		if m, ok := r.mappings[st.target()]; ok {
			return m.Unmap(hostarch.Addr(st.Addr), st.Size)
		}
		reg, err := r.region(st.target())
		if err != nil {
			return err
		}
		return reg.Unmap(hostarch.Addr(st.Addr), st.Size)

	case "protect":
		perms, _ := parsePerms(st.Perms)
		if m, ok := r.mappings[st.target()]; ok {
			return m.Protect(hostarch.Addr(st.Addr), st.Size, perms)
		}
		reg, err := r.region(st.target())
		if err != nil {
			return err
		}
		return reg.Protect(hostarch.Addr(st.Addr), st.Size, perms)

	case "write":
		o, err := r.object(st.Object)
		if err != nil {
			return err
		}
		return o.Write([]byte(st.Data), st.Offset)

	case "read":
		o, err := r.object(st.Object)
		if err != nil {
			return err
		}
		buf := make([]byte, len(st.Data))
		if err := o.Read(buf, st.Offset); err != nil {
			return err
		}
		if !bytes.Equal(buf, []byte(st.Data)) {
			return fmt.Errorf("read %q at %#x of %s, want %q", buf, st.Offset, st.Object, st.Data)
		}
		return nil

	case "commit":
		o, err := r.object(st.Object)
		if err != nil {
			return err
		}
		return o.Commit(st.Offset, st.Size)

	case "zero":
		o, err := r.object(st.Object)
		if err != nil {
			return err
		}
		return o.ZeroRange(st.Offset, st.Size)

	case "destroy":
		if m, ok := r.mappings[st.target()]; ok {
			return m.Destroy()
		}
		reg, err := r.region(st.target())
		if err != nil {
			return err
		}
		return reg.Destroy()

	case "release":
		return r.as.Release()

	case "dump":
		if r.out != nil {
			io.WriteString(r.out, r.as.Dump())
		}
		return nil

	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
}

func (r *Runner) object(name string) (*vmo.Object, error) {
	o, ok := r.objects[name]
	if !ok {
		return nil, fmt.Errorf("no object named %q", name)
	}
	return o, nil
}

func (r *Runner) region(name string) (*vmar.Region, error) {
	reg, ok := r.regions[name]
	if !ok {
		return nil, fmt.Errorf("no region named %q", name)
	}
	return reg, nil
}

func (r *Runner) checkNewObject(name string) error {
	if name == "" {
		return fmt.Errorf("object needs a name")
	}
	if _, ok := r.objects[name]; ok {
		return fmt.Errorf("object %q already exists", name)
	}
	return nil
}

func (r *Runner) checkNewNode(name string) error {
	if name == "" {
		return fmt.Errorf("node needs a name")
	}
	_, isRegion := r.regions[name]
	_, isMapping := r.mappings[name]
	if isRegion || isMapping {
		return fmt.Errorf("%q already exists", name)
	}
	return nil
}
