// Copyright 2025 The osdev-arm Authors.
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

// Package vm implements per-process virtual address spaces as trees of
// typed regions, each owning references to its physical page frames.
//
// Clone shares frames between parent and child with a write-protect mark;
// the write path upgrades a shared read-only frame into a unique writable
// copy. A space is owned by exactly one process and is accessed only by
// that process's task plus, briefly during fork, the parent.
package vm

import (
	"github.com/andrey-glotov/osdev-arm/pkg/ilist"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/mem"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

// User address space layout.
const (
	// UserBase is the lowest mappable user address; page zero stays
	// unmapped to catch null dereferences.
	UserBase = 0x00001000

	// UserTop is the exclusive upper bound of the user address space.
	UserTop = 0x80000000

	// UStackTop is where the user stack ends; the stack grows down from
	// here.
	UStackTop = UserTop

	// UStackSize is the size of the user stack reservation.
	UStackSize = 8 * arch.PageSize
)

// Perm is a region permission mask.
type Perm uint8

// Region permissions.
const (
	Read Perm = 1 << iota
	Write
	Exec
	User
)

// pageRef is one mapped frame. cow marks a frame shared with another
// space: readable in place, copied on the first write.
type pageRef struct {
	page *mem.Page
	cow  bool
}

// region is a contiguous mapped range with uniform permissions.
type region struct {
	ilist.Entry

	start uint32 // inclusive, page aligned
	end   uint32 // exclusive, page aligned
	perm  Perm

	pages []pageRef
}

// A Space is one process's virtual address space.
type Space struct {
	arena *mem.Arena

	// regions is kept sorted by start address.
	regions ilist.List
}

// NewSpace creates an empty address space.
func NewSpace(arena *mem.Arena) (*Space, error) {
	return &Space{arena: arena}, nil
}

// Destroy unmaps everything and drops the frame references.
func (s *Space) Destroy() {
	for !s.regions.Empty() {
		r := s.regions.Front().(*region)
		s.regions.Remove(r)
		for i := range r.pages {
			s.arena.FreePages(r.pages[i].page)
		}
	}
}

// Load installs the space as the calling CPU's active address space.
func (s *Space) Load(c *arch.CPU) {
	c.SetActiveSpace(s)
}

// Unload restores the kernel-only address space on the calling CPU.
func (s *Space) Unload(c *arch.CPU) {
	LoadKernel(c)
}

// LoadKernel installs the kernel-only address space on the calling CPU.
func LoadKernel(c *arch.CPU) {
	c.SetActiveSpace(nil)
}

// Alloc reserves [va, va+n) with the given permissions and zeroed frames.
// va is rounded down and the length up to page boundaries. Fails with
// EINVAL when the range is outside the user window or overlaps an existing
// region, and ENOMEM when frames cannot be allocated.
func (s *Space) Alloc(va uint32, n int, perm Perm) (uint32, error) {
	if n <= 0 {
		return 0, kernelerr.EINVAL
	}

	start := va &^ (arch.PageSize - 1)
	end := (va + uint32(n) + arch.PageSize - 1) &^ (arch.PageSize - 1)
	if end < start {
		return 0, kernelerr.EINVAL
	}
	if start < UserBase || uint64(end) > UserTop {
		return 0, kernelerr.EINVAL
	}

	r := &region{start: start, end: end, perm: perm}
	npages := int((end - start) >> arch.PageShift)
	for i := 0; i < npages; i++ {
		page, err := s.arena.AllocPage()
		if err != nil {
			for j := range r.pages {
				s.arena.FreePages(r.pages[j].page)
			}
			return 0, err
		}
		r.pages = append(r.pages, pageRef{page: page})
	}

	if err := s.insert(r); err != nil {
		for i := range r.pages {
			s.arena.FreePages(r.pages[i].page)
		}
		return 0, err
	}
	return start, nil
}

// insert links a region into the sorted list, refusing overlaps.
func (s *Space) insert(r *region) error {
	for e := s.regions.Front(); e != nil; e = e.Next() {
		q := e.(*region)
		if r.start < q.end && q.start < r.end {
			return kernelerr.EINVAL
		}
		if q.start >= r.end {
			// Insert before q: relink by rebuilding the neighbor links.
			prev := q.Prev()
			if prev == nil {
				s.regions.PushFront(r)
			} else {
				// Splice r between prev and q.
				r.SetNext(q)
				r.SetPrev(prev)
				prev.SetNext(r)
				q.SetPrev(r)
			}
			return nil
		}
	}
	s.regions.PushBack(r)
	return nil
}

// lookup returns the region containing va, or nil.
func (s *Space) lookup(va uint32) *region {
	for e := s.regions.Front(); e != nil; e = e.Next() {
		r := e.(*region)
		if va >= r.start && va < r.end {
			return r
		}
	}
	return nil
}

// Clone returns a copy-on-write duplicate of the space: the child's
// regions reference the parent's frames with a shared count, and writable
// frames are write-protected in both spaces until first written.
func (s *Space) Clone() (*Space, error) {
	child := &Space{arena: s.arena}

	for e := s.regions.Front(); e != nil; e = e.Next() {
		r := e.(*region)
		cr := &region{start: r.start, end: r.end, perm: r.perm}
		for i := range r.pages {
			r.pages[i].page.IncRef()
			if r.perm&Write != 0 {
				r.pages[i].cow = true
			}
			cr.pages = append(cr.pages, pageRef{
				page: r.pages[i].page,
				cow:  r.pages[i].cow,
			})
		}
		child.regions.PushBack(cr)
	}
	return child, nil
}

// upgrade materializes a private writable copy of the i-th frame of r.
// This is the page-fault path of the copy-on-write protocol.
func (s *Space) upgrade(r *region, i int) error {
	pr := &r.pages[i]
	if !pr.cow {
		return nil
	}
	if pr.page.Refs() == 1 {
		// Last reference; just drop the write protection.
		pr.cow = false
		return nil
	}

	page, err := s.arena.AllocPage()
	if err != nil {
		return err
	}
	copy(page.Data, pr.page.Data)
	s.arena.FreePages(pr.page)
	pr.page = page
	pr.cow = false
	return nil
}

// copyOut writes b at va, page by page. checkPerm restricts the write to
// regions carrying the given permissions; the kernel's loader passes zero,
// user stores pass Write|User.
func (s *Space) copyOut(va uint32, b []byte, checkPerm Perm) error {
	for len(b) > 0 {
		r := s.lookup(va)
		if r == nil || r.perm&checkPerm != checkPerm {
			return kernelerr.EFAULT
		}

		i := int((va - r.start) >> arch.PageShift)
		off := int(va & (arch.PageSize - 1))
		n := min(len(b), arch.PageSize-off)

		if err := s.upgrade(r, i); err != nil {
			return err
		}
		copy(r.pages[i].page.Data[off:off+n], b[:n])

		b = b[n:]
		va += uint32(n)
	}
	return nil
}

// CopyOut writes kernel bytes into the space, honoring copy-on-write but
// not permission bits; this is the loader's path.
func (s *Space) CopyOut(va uint32, b []byte) error {
	return s.copyOut(va, b, 0)
}

// StoreUser performs a user-mode store: the target must be mapped
// user-writable, and shared frames are upgraded first.
func (s *Space) StoreUser(va uint32, b []byte) error {
	return s.copyOut(va, b, Write|User)
}

// CopyIn reads len(b) bytes at va into b.
func (s *Space) CopyIn(va uint32, b []byte) error {
	return s.copyIn(va, b, 0)
}

// LoadUser performs a user-mode load: the source must be mapped
// user-readable.
func (s *Space) LoadUser(va uint32, b []byte) error {
	return s.copyIn(va, b, Read|User)
}

func (s *Space) copyIn(va uint32, b []byte, checkPerm Perm) error {
	for len(b) > 0 {
		r := s.lookup(va)
		if r == nil || r.perm&checkPerm != checkPerm {
			return kernelerr.EFAULT
		}

		i := int((va - r.start) >> arch.PageShift)
		off := int(va & (arch.PageSize - 1))
		n := min(len(b), arch.PageSize-off)

		copy(b[:n], r.pages[i].page.Data[off:off+n])

		b = b[n:]
		va += uint32(n)
	}
	return nil
}

// CopyInString reads a NUL-terminated string at va, up to maxLen bytes.
func (s *Space) CopyInString(va uint32, maxLen int) (string, error) {
	var out []byte
	var buf [1]byte
	for len(out) <= maxLen {
		if err := s.CopyIn(va, buf[:]); err != nil {
			return "", err
		}
		if buf[0] == 0 {
			return string(out), nil
		}
		out = append(out, buf[0])
		va++
	}
	return "", kernelerr.ENAMETOOLONG
}

// FramePage returns the physical page backing va, for sharing checks.
func (s *Space) FramePage(va uint32) *mem.Page {
	r := s.lookup(va)
	if r == nil {
		return nil
	}
	return r.pages[(va-r.start)>>arch.PageShift].page
}
