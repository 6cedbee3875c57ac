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

// Package mem implements the physical page allocator. Pages are handed out
// in naturally-sized groups (1 << order pages) and carry a reference count,
// so a frame shared copy-on-write between address spaces is freed exactly
// once.
package mem

import (
	"sync"

	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

// MaxOrder is the largest supported page group: 1 << MaxOrder pages.
const MaxOrder = 6

// A Page describes one allocated page group and owns its backing bytes.
type Page struct {
	// Data is the group's storage, len = PageSize << order.
	Data []byte

	// next links free descriptors of the same order for reuse.
	next *Page

	order int
	refs  int32
	arena *Arena
}

// Order returns the group's page order.
func (p *Page) Order() int {
	return p.order
}

// IncRef takes an additional reference to the page group.
func (p *Page) IncRef() {
	p.arena.mu.Lock()
	defer p.arena.mu.Unlock()
	if p.refs <= 0 {
		panic("mem: IncRef on a free page")
	}
	p.refs++
}

// Refs returns the current reference count.
func (p *Page) Refs() int32 {
	p.arena.mu.Lock()
	defer p.arena.mu.Unlock()
	return p.refs
}

// An Arena is the machine's physical memory: a fixed budget of pages with
// per-order free lists of recycled groups.
//
// The arena sits below the kernel's own locking (spinlocks are themselves
// allocated structures), so it is protected by a host mutex.
type Arena struct {
	mu sync.Mutex

	// free holds recycled page groups by order.
	free [MaxOrder + 1]*Page

	totalPages int
	usedPages  int
}

// NewArena creates an arena holding the given number of pages.
func NewArena(pages int) *Arena {
	if pages <= 0 {
		panic("mem: empty arena")
	}
	return &Arena{totalPages: pages}
}

// AllocPages allocates a zeroed group of 1 << order pages with an initial
// reference count of one. It returns ENOMEM when the arena budget is
// exhausted.
func (a *Arena) AllocPages(order int) (*Page, error) {
	if order < 0 || order > MaxOrder {
		return nil, kernelerr.EINVAL
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	n := 1 << order
	if a.usedPages+n > a.totalPages {
		return nil, kernelerr.ENOMEM
	}
	a.usedPages += n

	if p := a.free[order]; p != nil {
		a.free[order] = p.next
		p.next = nil
		p.refs = 1
		clear(p.Data)
		return p, nil
	}
	return &Page{
		Data:  make([]byte, arch.PageSize<<order),
		order: order,
		refs:  1,
		arena: a,
	}, nil
}

// AllocPage allocates a single zeroed page.
func (a *Arena) AllocPage() (*Page, error) {
	return a.AllocPages(0)
}

// FreePages drops one reference to the group, returning it to the free
// lists when the last reference goes away.
func (a *Arena) FreePages(p *Page) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p.refs <= 0 {
		panic("mem: FreePages on a free page")
	}
	p.refs--
	if p.refs > 0 {
		return
	}
	a.usedPages -= 1 << p.order
	p.next = a.free[p.order]
	a.free[p.order] = p
}

// Used returns the number of pages currently allocated.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.usedPages
}

// Total returns the arena's page budget.
func (a *Arena) Total() int {
	return a.totalPages
}

// OrderFor returns the smallest order whose group holds at least size
// bytes.
func OrderFor(size int) int {
	order := 0
	for arch.PageSize<<order < size {
		order++
	}
	return order
}
