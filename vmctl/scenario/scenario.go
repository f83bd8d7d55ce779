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

// Package scenario runs scripted sequences of object and address-space
// operations. A scenario is a TOML file holding a list of steps:
//
//	name = "cow"
//
//	[[step]]
//	op = "vmo"
//	name = "a"
//	size = 0x4000
//
//	[[step]]
//	op = "map"
//	name = "m"
//	object = "a"
//	size = 0x4000
//	perms = "rw-"
//
//	[[step]]
//	op = "fault"
//	addr = 0x10000
//	access = "w"
//	expect_error = "EACCES"
//
// A step with expect_error succeeds only if the operation fails with that
// errno.
package scenario

import (
	goerrors "errors"
	"fmt"
	"io"
	"slices"

	"github.com/BurntSushi/toml"
	"gvisor.dev/vmcore/pkg/errors"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/hostarch"
	"gvisor.dev/vmcore/pkg/sentry/vmar"
)

// RootName names the aspace's root region in steps.
const RootName = "root"

// Scenario is a named list of steps.
type Scenario struct {
	Name  string `toml:"name"`
	Steps []Step `toml:"step"`
}

// Step is a single operation. Which fields are used depends on Op:
//
//	vmo      Name Size
//	clone    Name Object Offset Size
//	vmar     Name Parent Offset Size Align Flags
//	map      Name Parent Offset Size Align Flags Perms MemoryType Object ObjectOffset
//	fault    Addr Access
//	unmap    Target Addr Size
//	protect  Target Addr Size Perms
//	write    Object Offset Data
//	read     Object Offset Data
//	commit   Object Offset Size
//	zero     Object Offset Size
//	destroy  Target
//	release
//	dump
type Step struct {
	Op string `toml:"op"`

	Name   string `toml:"name"`
	Parent string `toml:"parent"`
	Target string `toml:"target"`
	Object string `toml:"object"`

	Addr         uint64 `toml:"addr"`
	Offset       uint64 `toml:"offset"`
	Size         uint64 `toml:"size"`
	Align        uint64 `toml:"align"`
	ObjectOffset uint64 `toml:"object_offset"`

	Flags      []string `toml:"flags"`
	Perms      string   `toml:"perms"`
	Access     string   `toml:"access"`
	MemoryType string   `toml:"memory_type"`

	// Data is written by write, and compared against the object's content
	// by read.
	Data string `toml:"data"`

	// ExpectError is an errno name such as "ENOMEM".
	ExpectError string `toml:"expect_error"`
}

var ops = []string{
	"vmo", "clone", "vmar", "map", "fault", "unmap", "protect",
	"write", "read", "commit", "zero", "destroy", "release", "dump",
}

// Parse parses a scenario from TOML.
func Parse(data string) (*Scenario, error) {
	var s Scenario
	md, err := toml.Decode(data, &s)
	if err != nil {
		return nil, err
	}
	return check(&s, md)
}

// Load reads a scenario from a TOML file. If the file does not name the
// scenario, its path is used.
func Load(path string) (*Scenario, error) {
	var s Scenario
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = path
	}
	return check(&s, md)
}

func check(s *Scenario, md toml.MetaData) (*Scenario, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown keys: %v", undecoded)
	}
	for i := range s.Steps {
		if err := s.Steps[i].check(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return s, nil
}

func (st *Step) check() error {
	if !slices.Contains(ops, st.Op) {
		return fmt.Errorf("unknown op %q", st.Op)
	}
	if _, err := st.flags(); err != nil {
		return err
	}
	if _, err := parsePerms(st.Perms); err != nil {
		return err
	}
	if _, err := parsePerms(st.Access); err != nil {
		return err
	}
	if _, err := st.memoryType(); err != nil {
		return err
	}
	if st.ExpectError != "" {
		if _, ok := linuxerr.FromName(st.ExpectError); !ok {
			return fmt.Errorf("unknown errno %q", st.ExpectError)
		}
	}
	return nil
}

func (st *Step) flags() (vmar.Flags, error) {
	var f vmar.Flags
	for _, name := range st.Flags {
		flag, ok := vmar.ParseFlag(name)
		if !ok {
			return 0, fmt.Errorf("unknown flag %q", name)
		}
		f |= flag
	}
	return f, nil
}

func (st *Step) memoryType() (hostarch.MemoryType, error) {
	if st.MemoryType == "" {
		return hostarch.MemoryTypeWriteBack, nil
	}
	return hostarch.ParseMemoryType(st.MemoryType)
}

// parsePerms parses permissions written as in /proc/[pid]/maps, e.g. "rw-".
// Dashes are ignored, so "rw" is the same as "rw-".
func parsePerms(s string) (hostarch.AccessType, error) {
	var at hostarch.AccessType
	for _, c := range s {
		switch c {
		case 'r':
			at.Read = true
		case 'w':
			at.Write = true
		case 'x':
			at.Execute = true
		case '-':
		default:
			return at, fmt.Errorf("invalid permissions %q", s)
		}
	}
	return at, nil
}

// Dump writes a one-line summary of each step to w.
func (s *Scenario) Dump(w io.Writer) {
	fmt.Fprintf(w, "scenario %q: %d steps\n", s.Name, len(s.Steps))
	for i, st := range s.Steps {
		fmt.Fprintf(w, "  %3d %-8s %s", i, st.Op, st.describe())
		if st.ExpectError != "" {
			fmt.Fprintf(w, " => %s", st.ExpectError)
		}
		fmt.Fprintln(w)
	}
}

func (st *Step) describe() string {
	switch st.Op {
	case "vmo":
		return fmt.Sprintf("%s size=%#x", st.Name, st.Size)
	case "clone":
		return fmt.Sprintf("%s of %s [%#x, +%#x)", st.Name, st.Object, st.Offset, st.Size)
	case "vmar", "map":
		return fmt.Sprintf("%s in %s offset=%#x size=%#x", st.Name, st.parent(), st.Offset, st.Size)
	case "fault":
		return fmt.Sprintf("%#x %s", st.Addr, st.Access)
	case "unmap", "protect":
		return fmt.Sprintf("%s [%#x, +%#x)", st.target(), st.Addr, st.Size)
	case "write", "read", "commit", "zero":
		return fmt.Sprintf("%s offset=%#x", st.Object, st.Offset)
	case "destroy":
		return st.target()
	default:
		return ""
	}
}

func (st *Step) parent() string {
	if st.Parent == "" {
		return RootName
	}
	return st.Parent
}

func (st *Step) target() string {
	if st.Target == "" {
		return RootName
	}
	return st.Target
}

// isOpError returns true if err came from the operation itself rather than
// from a malformed step.
func isOpError(err error) bool {
	var e *errors.Error
	return goerrors.As(err, &e)
}
