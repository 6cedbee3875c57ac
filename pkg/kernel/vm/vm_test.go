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

package vm

import (
	"bytes"
	"testing"

	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/mem"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

func newSpace(t *testing.T, pages int) *Space {
	t.Helper()
	s, err := NewSpace(mem.NewArena(pages))
	if err != nil {
		t.Fatalf("NewSpace: %v", err)
	}
	return s
}

func TestAllocAndCopy(t *testing.T) {
	s := newSpace(t, 64)

	va, err := s.Alloc(0x10000, 2*arch.PageSize, Read|Write|User)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if va != 0x10000 {
		t.Fatalf("Alloc returned %#x, want 0x10000", va)
	}

	msg := []byte("crossing a page boundary")
	at := uint32(0x11000 - 8)
	if err := s.CopyOut(at, msg); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	got := make([]byte, len(msg))
	if err := s.CopyIn(at, got); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("round trip = %q, want %q", got, msg)
	}
}

func TestAllocRejectsOverlapAndRange(t *testing.T) {
	s := newSpace(t, 64)

	if _, err := s.Alloc(0x10000, arch.PageSize, User); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if _, err := s.Alloc(0x10800, arch.PageSize, User); err != kernelerr.EINVAL {
		t.Errorf("overlapping Alloc = %v, want EINVAL", err)
	}
	if _, err := s.Alloc(0, arch.PageSize, User); err != kernelerr.EINVAL {
		t.Errorf("Alloc at page zero = %v, want EINVAL", err)
	}
	if _, err := s.Alloc(UserTop-arch.PageSize, 2*arch.PageSize, User); err != kernelerr.EINVAL {
		t.Errorf("Alloc beyond UserTop = %v, want EINVAL", err)
	}
}

func TestUserAccessChecks(t *testing.T) {
	s := newSpace(t, 64)

	if _, err := s.Alloc(0x10000, arch.PageSize, Read|User); err != nil {
		t.Fatal(err)
	}

	// Read-only mapping: user stores fault, user loads work.
	if err := s.StoreUser(0x10000, []byte{1}); err != kernelerr.EFAULT {
		t.Errorf("StoreUser to read-only region = %v, want EFAULT", err)
	}
	if err := s.LoadUser(0x10000, make([]byte, 1)); err != nil {
		t.Errorf("LoadUser from readable region: %v", err)
	}

	// Unmapped access faults.
	if err := s.LoadUser(0x50000, make([]byte, 1)); err != kernelerr.EFAULT {
		t.Errorf("LoadUser from unmapped address = %v, want EFAULT", err)
	}
}

func TestCloneSharesThenCopies(t *testing.T) {
	arena := mem.NewArena(64)
	parent, _ := NewSpace(arena)

	if _, err := parent.Alloc(0x10000, arch.PageSize, Read|Write|User); err != nil {
		t.Fatal(err)
	}
	if err := parent.StoreUser(0x10000, []byte("shared")); err != nil {
		t.Fatal(err)
	}

	used := arena.Used()
	child, err := parent.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}

	// No new frames yet: the clone shares.
	if arena.Used() != used {
		t.Errorf("Clone allocated frames: used %d -> %d", used, arena.Used())
	}
	if parent.FramePage(0x10000) != child.FramePage(0x10000) {
		t.Error("clone does not share the frame")
	}

	// The child reads the parent's bytes through the shared frame.
	b := make([]byte, 6)
	if err := child.LoadUser(0x10000, b); err != nil || !bytes.Equal(b, []byte("shared")) {
		t.Errorf("child read %q (%v), want %q", b, err, "shared")
	}

	// The first write upgrades to a private copy.
	if err := child.StoreUser(0x10000, []byte("child!")); err != nil {
		t.Fatalf("child StoreUser: %v", err)
	}
	if parent.FramePage(0x10000) == child.FramePage(0x10000) {
		t.Error("write did not materialize a private frame")
	}

	if err := parent.LoadUser(0x10000, b); err != nil || !bytes.Equal(b, []byte("shared")) {
		t.Errorf("parent read %q (%v) after child write, want %q", b, err, "shared")
	}
	if err := child.LoadUser(0x10000, b); err != nil || !bytes.Equal(b, []byte("child!")) {
		t.Errorf("child read %q (%v) after write, want %q", b, err, "child!")
	}
}

func TestParentWriteAfterClone(t *testing.T) {
	arena := mem.NewArena(64)
	parent, _ := NewSpace(arena)

	if _, err := parent.Alloc(0x10000, arch.PageSize, Read|Write|User); err != nil {
		t.Fatal(err)
	}
	if err := parent.StoreUser(0x10000, []byte("one")); err != nil {
		t.Fatal(err)
	}

	child, _ := parent.Clone()

	// The parent's own frames are write-protected too.
	if err := parent.StoreUser(0x10000, []byte("two")); err != nil {
		t.Fatalf("parent StoreUser after clone: %v", err)
	}

	b := make([]byte, 3)
	if err := child.LoadUser(0x10000, b); err != nil || !bytes.Equal(b, []byte("one")) {
		t.Errorf("child read %q (%v), want the pre-clone bytes %q", b, err, "one")
	}

	child.Destroy()
	parent.Destroy()
	if arena.Used() != 0 {
		t.Errorf("arena.Used() = %d after destroying both spaces, want 0", arena.Used())
	}
}

func TestDestroySharedFramesFreedOnce(t *testing.T) {
	arena := mem.NewArena(64)
	parent, _ := NewSpace(arena)

	if _, err := parent.Alloc(0x10000, 2*arch.PageSize, Read|Write|User); err != nil {
		t.Fatal(err)
	}
	child, _ := parent.Clone()

	child.Destroy()
	// The parent's mapping still works after the child is gone.
	if err := parent.StoreUser(0x10000, []byte("still here")); err != nil {
		t.Errorf("parent store after child destroy: %v", err)
	}
	parent.Destroy()

	if arena.Used() != 0 {
		t.Errorf("arena.Used() = %d, want 0", arena.Used())
	}
}

func TestCopyInString(t *testing.T) {
	s := newSpace(t, 64)
	if _, err := s.Alloc(0x10000, arch.PageSize, Read|Write|User); err != nil {
		t.Fatal(err)
	}
	if err := s.CopyOut(0x10000, append([]byte("/bin/ls"), 0)); err != nil {
		t.Fatal(err)
	}

	got, err := s.CopyInString(0x10000, 64)
	if err != nil || got != "/bin/ls" {
		t.Errorf("CopyInString = %q, %v; want %q", got, err, "/bin/ls")
	}

	if _, err := s.CopyInString(0x10000, 3); err != kernelerr.ENAMETOOLONG {
		t.Errorf("CopyInString with tight limit = %v, want ENAMETOOLONG", err)
	}
}
