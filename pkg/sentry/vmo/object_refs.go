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

import (
	"fmt"
	"sync/atomic"

	"gvisor.dev/vmcore/pkg/log"
)

// logRefs enables logging of every reference count change.
const logRefs = false

// objectRefs is the reference count of an Object.
//
// The low 32 bits of count hold real references. The high 32 bits hold
// speculative references taken by TryIncRef, so that TryIncRef can tell a
// live count from zero with a single atomic add.
type objectRefs struct {
	count atomic.Int64
}

const speculativeRef = 1 << 32

// InitRefs sets the count to one reference.
func (r *objectRefs) InitRefs() {
	r.count.Store(1)
}

// ReadRefs returns the current number of references. The result is only
// meaningful with external synchronization.
func (r *objectRefs) ReadRefs() int64 {
	return r.count.Load()
}

func (r *objectRefs) logChange(op string, v int64) {
	if logRefs {
		log.Infof("[vmo.Object %p] %s => %d", r, op, v)
	}
}

// IncRef takes a reference. The caller must already hold one.
func (r *objectRefs) IncRef() {
	v := r.count.Add(1)
	r.logChange("IncRef", v)
	if v <= 1 {
		panic(fmt.Sprintf("IncRef on vmo.Object %p with no references", r))
	}
}

// TryIncRef takes a reference unless the count has already reached zero.
func (r *objectRefs) TryIncRef() bool {
	if v := r.count.Add(speculativeRef); int32(v) == 0 {
		// Already destroyed.
		r.count.Add(-speculativeRef)
		return false
	}
	v := r.count.Add(1 - speculativeRef)
	r.logChange("TryIncRef", v)
	return true
}

// decRef drops a reference and calls destroy when the last real reference
// is dropped. A TryIncRef racing with the final decRef only succeeds if its
// speculative add landed first, in which case the count never reaches zero.
func (r *objectRefs) decRef(destroy func()) {
	v := r.count.Add(-1)
	r.logChange("DecRef", v)
	switch {
	case v < 0:
		panic(fmt.Sprintf("DecRef on vmo.Object %p with no references", r))
	case v == 0 && destroy != nil:
		destroy()
	}
}
