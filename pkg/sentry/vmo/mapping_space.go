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

package vmo

// MappingSpace is implemented by mappings of an Object, so that the Object
// can revoke translations of content that it frees or replaces.
type MappingSpace interface {
	// Invalidate removes any installed translations of object offsets
	// [offset, offset+length).
	//
	// Invalidate must not take locks preceding the object lock in the lock
	// order.
	//
	// Preconditions:
	//   - The object's lock is held.
	//   - offset and length are page-aligned. length > 0.
	Invalidate(offset, length uint64)
}

// AddMapping registers ms to be notified of invalidations.
func (o *Object) AddMapping(ms MappingSpace) {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	o.AddMappingLocked(ms)
}

// AddMappingLocked is AddMapping with the object lock held.
//
// Preconditions: The object's lock must be held.
func (o *Object) AddMappingLocked(ms MappingSpace) {
	o.mappings[ms] = struct{}{}
}

// RemoveMapping unregisters ms.
func (o *Object) RemoveMapping(ms MappingSpace) {
	o.h.mu.Lock()
	defer o.h.mu.Unlock()
	o.RemoveMappingLocked(ms)
}

// RemoveMappingLocked is RemoveMapping with the object lock held.
//
// Preconditions: The object's lock must be held.
func (o *Object) RemoveMappingLocked(ms MappingSpace) {
	delete(o.mappings, ms)
}

// invalidateLocked invalidates [offset, offset+length) of o in every mapping
// of o and of every clone that reads through o at those offsets.
//
// Preconditions: o.h.mu must be locked.
func (o *Object) invalidateLocked(offset, length uint64) {
	if length == 0 {
		return
	}
	end := offset + length
	for ms := range o.mappings {
		ms.Invalidate(offset, length)
	}
	for _, c := range o.children {
		start, stop := max(offset, c.parentOffset), min(end, c.parentOffset+c.parentLimit)
		if start < stop {
			c.invalidateLocked(start-c.parentOffset, stop-start)
		}
	}
}
