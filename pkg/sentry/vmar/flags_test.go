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
	"testing"

	"gvisor.dev/vmcore/pkg/hostarch"
)

func TestFlagsString(t *testing.T) {
	for _, tc := range []struct {
		flags Flags
		want  string
	}{
		{0, "0"},
		{FlagCanMapRead | FlagCanMapWrite, "CanMapRead|CanMapWrite"},
		{FlagSpecific | FlagMapHigh, "Specific|MapHigh"},
	} {
		if got := tc.flags.String(); got != tc.want {
			t.Errorf("Flags(%#x).String() = %q, want %q", uint32(tc.flags), got, tc.want)
		}
	}
}

func TestParseFlag(t *testing.T) {
	for _, fn := range flagNames {
		got, ok := ParseFlag(fn.name)
		if !ok || got != fn.flag {
			t.Errorf("ParseFlag(%q) = %v, %t, want %v", fn.name, got, ok, fn.flag)
		}
	}
	if _, ok := ParseFlag("canmapread"); ok {
		t.Errorf("ParseFlag(canmapread) succeeded")
	}
}

func TestMaxPerms(t *testing.T) {
	for _, perms := range []hostarch.AccessType{hostarch.NoAccess, hostarch.Read, hostarch.ReadWrite, hostarch.AnyAccess} {
		if got := canMapFlagsFor(perms).maxPerms(); got != perms {
			t.Errorf("canMapFlagsFor(%v).maxPerms() = %v", perms, got)
		}
	}
}
