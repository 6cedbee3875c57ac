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

// Package pool implements the object pool (slab) allocator backing the
// kernel's fixed-size structures: tasks, processes, mailboxes.
//
// A pool carves same-sized objects out of page groups reserved from the
// physical arena. Each page group is one slab; slabs move between the
// full (no free objects), partial, and empty (all objects free) lists as
// their free count changes. The constructor runs exactly once per object
// when its slab is carved, the destructor once when the slab is released,
// so objects keep their expensive-to-initialize state (locks, list heads)
// across Get/Put cycles.
package pool

import (
	"unsafe"

	"github.com/andrey-glotov/osdev-arm/pkg/ilist"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/ksync"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/mem"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

// minSlabCapacity is the smallest number of objects a slab should hold;
// the slab page order grows until it is met (or MaxOrder is hit).
const minSlabCapacity = 4

// A Pool is a named cache of same-sized objects.
type Pool[T any] struct {
	lock ksync.SpinLock

	// Slab lists, keyed by how many objects are free.
	slabsFull    ilist.List // no free objects
	slabsPartial ilist.List // some free, some allocated
	slabsEmpty   ilist.List // all objects free

	// Geometry, immutable after New.
	slabCapacity  int
	slabPageOrder int
	blockSize     uintptr
	blockAlign    uintptr

	// colorMax and colorNext stagger the allocation order of successive
	// slabs so identically-aged objects do not contend for the same cache
	// sets.
	colorMax  int
	colorNext int

	ctor func(*T)
	dtor func(*T)

	arena *mem.Arena
	name  string
}

// A slab is one carved page group and its objects.
type slab[T any] struct {
	ilist.Entry

	pool *Pool[T]

	// page is the backing page-group reservation.
	page *mem.Page

	// items are the slab's objects, carved from the page group.
	items []T

	// freeStack holds the indexes of free objects; allocation pops from
	// the end.
	freeStack []int32

	usedCount int
}

// New creates a pool of T objects. align rounds up the block size used to
// compute slab capacity and coloring; zero means natural alignment. Objects
// are stored in a []T at T's natural stride, so an align larger than T's
// own alignment does not change where objects are placed. ctor and dtor
// may be nil.
func New[T any](c *arch.CPU, arena *mem.Arena, name string, align uintptr, ctor, dtor func(*T)) *Pool[T] {
	var zero T
	objSize := unsafe.Sizeof(zero)
	if objSize == 0 {
		panic("pool: zero-sized object type")
	}
	if align == 0 {
		align = unsafe.Alignof(zero)
	}
	blockSize := (objSize + align - 1) &^ (align - 1)

	p := &Pool[T]{
		blockSize:  blockSize,
		blockAlign: align,
		ctor:       ctor,
		dtor:       dtor,
		arena:      arena,
		name:       name,
	}
	p.lock.SetName("pool:" + name)

	// Grow the slab page order until fragmentation is acceptable.
	order := 0
	for {
		slabSize := uintptr(arch.PageSize) << order
		p.slabCapacity = int(slabSize / blockSize)
		if p.slabCapacity >= minSlabCapacity || order == mem.MaxOrder {
			p.slabPageOrder = order
			leftover := slabSize - uintptr(p.slabCapacity)*blockSize
			p.colorMax = int(leftover / align)
			break
		}
		order++
	}
	if p.slabCapacity == 0 {
		panic("pool: object larger than the largest slab: " + name)
	}

	registerPool(c, p)
	return p
}

// Name returns the pool name.
func (p *Pool[T]) Name() string { return p.name }

// InUse returns the number of live objects.
func (p *Pool[T]) InUse() int {
	n := 0
	for e := p.slabsFull.Front(); e != nil; e = e.Next() {
		n += e.(*slab[T]).usedCount
	}
	for e := p.slabsPartial.Front(); e != nil; e = e.Next() {
		n += e.(*slab[T]).usedCount
	}
	return n
}

// Get returns a free object, carving a new slab when none is free. Returns
// ENOMEM when the arena cannot back a new slab.
func (p *Pool[T]) Get(c *arch.CPU) (*T, error) {
	p.lock.Acquire(c)
	defer p.lock.Release(c)

	s, err := p.pickSlab(c)
	if err != nil {
		return nil, err
	}

	from := p.listFor(s)
	idx := s.freeStack[len(s.freeStack)-1]
	s.freeStack = s.freeStack[:len(s.freeStack)-1]
	s.usedCount++
	p.relist(s, from)

	return &s.items[idx], nil
}

// Put returns an object to its owning slab. A slab that becomes fully free
// is released back to the page allocator when the pool still holds a
// partially used slab; otherwise it is kept on the empty list.
func (p *Pool[T]) Put(c *arch.CPU, obj *T) {
	p.lock.Acquire(c)
	defer p.lock.Release(c)

	s := p.slabOf(obj)
	if s == nil {
		panic("pool: object does not belong to " + p.name)
	}

	from := p.listFor(s)
	base := uintptr(unsafe.Pointer(&s.items[0]))
	idx := (uintptr(unsafe.Pointer(obj)) - base) / unsafe.Sizeof(s.items[0])
	s.freeStack = append(s.freeStack, int32(idx))
	s.usedCount--
	p.relist(s, from)

	if s.usedCount == 0 && !p.slabsPartial.Empty() {
		p.releaseSlab(s)
	}
}

// Destroy releases every slab and unlinks the pool from the inventory. It
// fails with EBUSY while live objects remain.
func (p *Pool[T]) Destroy(c *arch.CPU) error {
	p.lock.Acquire(c)
	if !p.slabsFull.Empty() || !p.slabsPartial.Empty() {
		p.lock.Release(c)
		return kernelerr.EBUSY
	}
	for !p.slabsEmpty.Empty() {
		p.releaseSlab(p.slabsEmpty.Front().(*slab[T]))
	}
	p.lock.Release(c)

	unregisterPool(c, p)
	return nil
}

// pickSlab returns a slab with at least one free object, preferring partial
// slabs, then kept-empty slabs, then carving a fresh one.
func (p *Pool[T]) pickSlab(c *arch.CPU) (*slab[T], error) {
	if e := p.slabsPartial.Front(); e != nil {
		return e.(*slab[T]), nil
	}
	if e := p.slabsEmpty.Front(); e != nil {
		return e.(*slab[T]), nil
	}
	return p.growSlab(c)
}

// growSlab carves a new slab from a freshly allocated page group and hands
// every object to the constructor.
func (p *Pool[T]) growSlab(c *arch.CPU) (*slab[T], error) {
	page, err := p.arena.AllocPages(p.slabPageOrder)
	if err != nil {
		return nil, err
	}

	s := &slab[T]{
		pool:      p,
		page:      page,
		items:     make([]T, p.slabCapacity),
		freeStack: make([]int32, 0, p.slabCapacity),
	}

	// Apply the slab color: rotate the order objects leave the free stack.
	color := 0
	if p.colorMax > 0 {
		color = p.colorNext % (p.colorMax + 1)
		p.colorNext++
	}
	for i := 0; i < p.slabCapacity; i++ {
		idx := (i + color) % p.slabCapacity
		s.freeStack = append(s.freeStack, int32(idx))
	}

	if p.ctor != nil {
		for i := range s.items {
			p.ctor(&s.items[i])
		}
	}

	p.slabsEmpty.PushBack(s)
	return s, nil
}

// releaseSlab runs destructors and returns the backing pages.
//
// Preconditions: p.lock held; s has no live objects.
func (p *Pool[T]) releaseSlab(s *slab[T]) {
	if s.usedCount != 0 {
		panic("pool: releasing a slab with live objects")
	}
	if p.dtor != nil {
		for i := range s.items {
			p.dtor(&s.items[i])
		}
	}
	p.slabsEmpty.Remove(s)
	p.arena.FreePages(s.page)
	s.items = nil
	s.freeStack = nil
}

// listFor returns the list matching the slab's current free count.
func (p *Pool[T]) listFor(s *slab[T]) *ilist.List {
	switch {
	case s.usedCount == 0:
		return &p.slabsEmpty
	case len(s.freeStack) == 0:
		return &p.slabsFull
	default:
		return &p.slabsPartial
	}
}

// relist moves a slab from its previous list to the one matching its free
// count.
func (p *Pool[T]) relist(s *slab[T], from *ilist.List) {
	to := p.listFor(s)
	if to != from {
		from.Remove(s)
		to.PushBack(s)
	}
}

// slabOf finds the slab whose item array contains obj.
func (p *Pool[T]) slabOf(obj *T) *slab[T] {
	addr := uintptr(unsafe.Pointer(obj))
	for _, l := range []*ilist.List{&p.slabsFull, &p.slabsPartial, &p.slabsEmpty} {
		for e := l.Front(); e != nil; e = e.Next() {
			s := e.(*slab[T])
			base := uintptr(unsafe.Pointer(&s.items[0]))
			end := base + uintptr(len(s.items))*unsafe.Sizeof(s.items[0])
			if addr >= base && addr < end {
				return s
			}
		}
	}
	return nil
}
