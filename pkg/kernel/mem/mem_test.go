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

package mem

import (
	"testing"

	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

func TestAllocFree(t *testing.T) {
	a := NewArena(16)

	p, err := a.AllocPages(2)
	if err != nil {
		t.Fatalf("AllocPages(2): %v", err)
	}
	if len(p.Data) != arch.PageSize<<2 {
		t.Errorf("group size = %d, want %d", len(p.Data), arch.PageSize<<2)
	}
	if a.Used() != 4 {
		t.Errorf("Used() = %d, want 4", a.Used())
	}

	a.FreePages(p)
	if a.Used() != 0 {
		t.Errorf("Used() = %d after free, want 0", a.Used())
	}
}

func TestAllocZeroesRecycledPages(t *testing.T) {
	a := NewArena(4)
	p, _ := a.AllocPage()
	p.Data[0] = 0xAA
	a.FreePages(p)

	q, _ := a.AllocPage()
	if q.Data[0] != 0 {
		t.Error("recycled page not zeroed")
	}
}

func TestBudgetExhaustion(t *testing.T) {
	a := NewArena(2)
	p1, err := a.AllocPage()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.AllocPages(1); err != kernelerr.ENOMEM {
		t.Fatalf("over-budget alloc = %v, want ENOMEM", err)
	}
	// One page is still available.
	p2, err := a.AllocPage()
	if err != nil {
		t.Fatalf("in-budget alloc failed: %v", err)
	}
	a.FreePages(p1)
	a.FreePages(p2)
}

func TestSharedRefs(t *testing.T) {
	a := NewArena(4)
	p, _ := a.AllocPage()
	p.IncRef()
	if p.Refs() != 2 {
		t.Fatalf("Refs() = %d, want 2", p.Refs())
	}

	a.FreePages(p)
	if a.Used() != 1 {
		t.Error("page freed while still referenced")
	}
	a.FreePages(p)
	if a.Used() != 0 {
		t.Error("page not freed at last reference")
	}
}

func TestOrderFor(t *testing.T) {
	cases := []struct {
		size, order int
	}{
		{1, 0},
		{arch.PageSize, 0},
		{arch.PageSize + 1, 1},
		{4 * arch.PageSize, 2},
	}
	for _, tc := range cases {
		if got := OrderFor(tc.size); got != tc.order {
			t.Errorf("OrderFor(%d) = %d, want %d", tc.size, got, tc.order)
		}
	}
}
