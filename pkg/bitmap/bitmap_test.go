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

package bitmap

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{0, 5, 63, 64, 129} {
		b.Add(i)
	}
	b.Add(5)
	if got, want := b.Count(), uint32(5); got != want {
		t.Errorf("Count() = %d, want %d", got, want)
	}
	if diff := cmp.Diff([]uint32{0, 5, 63, 64, 129}, slices.Collect(b.Ones())); diff != "" {
		t.Errorf("Ones() mismatch (-want +got):\n%s", diff)
	}

	b.Remove(63)
	b.Remove(63)
	b.Remove(1000)
	if b.Contains(63) || b.Contains(1000) {
		t.Errorf("Contains(63) or Contains(1000) = true after Remove")
	}
	if got, want := b.Count(), uint32(4); got != want {
		t.Errorf("Count() = %d, want %d", got, want)
	}
}

func TestOnesStopsEarly(t *testing.T) {
	b := New(200)
	b.Add(3)
	b.Add(100)
	b.Add(150)
	var got []uint32
	for i := range b.Ones() {
		got = append(got, i)
		if i >= 100 {
			break
		}
	}
	if diff := cmp.Diff([]uint32{3, 100}, got); diff != "" {
		t.Errorf("Ones() with break mismatch (-want +got):\n%s", diff)
	}
}

func TestFindZero(t *testing.T) {
	b := New(70)
	for i := uint32(0); i < 66; i++ {
		b.Add(i)
	}
	b.Remove(20)
	for _, tc := range []struct {
		hint uint32
		want uint32
	}{
		{0, 20},
		{21, 66},
		{67, 67},
		// Past the end wraps to the start.
		{70, 20},
		{1000, 20},
	} {
		got, ok := b.FindZero(tc.hint)
		if !ok || got != tc.want {
			t.Errorf("FindZero(%d) = %d, %t, want %d, true", tc.hint, got, ok, tc.want)
		}
	}

	// Only bit 20 is clear. The search from 21 must wrap to find it.
	for i := uint32(66); i < 70; i++ {
		b.Add(i)
	}
	if got, ok := b.FindZero(21); !ok || got != 20 {
		t.Errorf("FindZero(21) = %d, %t, want 20, true", got, ok)
	}

	// Bits past Size() in the last word are not addressable.
	b.Add(20)
	if got, ok := b.FindZero(0); ok {
		t.Errorf("FindZero(0) on a full bitmap = %d, want none", got)
	}
}
