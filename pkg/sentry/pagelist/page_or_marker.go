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

package pagelist

import (
	"fmt"

	"gvisor.dev/vmcore/pkg/sentry/pgalloc"
)

// Reference is an opaque handle to content held outside of memory, such as
// compressed storage. No producer of References exists yet; every consumer
// that would need to resolve one panics.
type Reference uint64

type slotKind uint8

const (
	kindEmpty slotKind = iota
	kindPage
	kindReference
	kindMarker
)

// PageOrMarker is the state of one page-sized slot of a PageList. The zero
// value is Empty.
//
// A PageOrMarker holding a Page owns that page. Values must be moved with
// Take rather than copied, so that at most one PageOrMarker ever refers to a
// given page.
type PageOrMarker struct {
	kind slotKind
	page *pgalloc.Page
	ref  Reference
}

// PageOf returns a PageOrMarker owning p.
func PageOf(p *pgalloc.Page) PageOrMarker {
	if p == nil {
		panic("PageOf(nil)")
	}
	return PageOrMarker{kind: kindPage, page: p}
}

// Marker returns a PageOrMarker for content that is logically zero without
// any backing page.
func Marker() PageOrMarker {
	return PageOrMarker{kind: kindMarker}
}

// ReferenceOf returns a PageOrMarker holding r.
func ReferenceOf(r Reference) PageOrMarker {
	return PageOrMarker{kind: kindReference, ref: r}
}

// IsEmpty returns true if the slot has no content.
func (p PageOrMarker) IsEmpty() bool { return p.kind == kindEmpty }

// IsPage returns true if the slot owns a page.
func (p PageOrMarker) IsPage() bool { return p.kind == kindPage }

// IsMarker returns true if the slot is a zero marker.
func (p PageOrMarker) IsMarker() bool { return p.kind == kindMarker }

// IsReference returns true if the slot holds a Reference.
func (p PageOrMarker) IsReference() bool { return p.kind == kindReference }

// IsPageOrRef returns true if the slot holds content that must be freed.
func (p PageOrMarker) IsPageOrRef() bool { return p.kind == kindPage || p.kind == kindReference }

// Page returns the page held by the slot without transferring ownership, or
// nil if the slot is not a Page.
func (p PageOrMarker) Page() *pgalloc.Page {
	return p.page
}

// Ref returns the Reference held by the slot.
//
// Preconditions: p.IsReference().
func (p PageOrMarker) Ref() Reference {
	if !p.IsReference() {
		panic(fmt.Sprintf("Ref() on %v", p))
	}
	return p.ref
}

// ReleasePage transfers ownership of the page to the caller and leaves the
// slot Empty. The caller becomes responsible for freeing the page.
//
// Preconditions: p.IsPage().
func (p *PageOrMarker) ReleasePage() *pgalloc.Page {
	if !p.IsPage() {
		panic(fmt.Sprintf("ReleasePage() on %v", p))
	}
	pg := p.page
	*p = PageOrMarker{}
	return pg
}

// Take moves the slot's content out, leaving p Empty.
func (p *PageOrMarker) Take() PageOrMarker {
	v := *p
	*p = PageOrMarker{}
	return v
}

// String implements fmt.Stringer.
func (p PageOrMarker) String() string {
	switch p.kind {
	case kindEmpty:
		return "Empty"
	case kindPage:
		return fmt.Sprintf("Page(%v)", p.page)
	case kindReference:
		return fmt.Sprintf("Reference(%#x)", p.ref)
	case kindMarker:
		return "Marker"
	default:
		return fmt.Sprintf("PageOrMarker(kind=%d)", p.kind)
	}
}
