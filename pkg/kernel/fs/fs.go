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

// Package fs provides the thin file layer the process core consumes:
// reference-counted inodes, open files with shared offsets, and directory
// enumeration in the getdents wire format. The backing store is a small
// in-memory tree assembled at boot.
package fs

import (
	"sort"
	"sync/atomic"

	"github.com/andrey-glotov/osdev-arm/pkg/abi/osdev"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/ksync"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

// Mode bits.
const (
	// ModeDir marks directories.
	ModeDir uint32 = 0x4000

	// ModePerm is the permission mask.
	ModePerm uint32 = 0o777
)

// An Inode is one filesystem object. Processes hold counted references to
// inodes (the working directory, open files).
type Inode struct {
	refs atomic.Int32

	// Ino is the inode number, unique within the boot filesystem.
	Ino uint32

	// Mode holds the type and permission bits.
	Mode uint32

	// Nlink is the link count.
	Nlink uint32

	// mu protects data and entries.
	mu ksync.SpinLock

	// data is the file contents; nil for directories.
	data []byte

	// entries are the children of a directory, sorted by name.
	entries []dirEntry
}

type dirEntry struct {
	name string
	node *Inode
}

var nextIno atomic.Uint32

func newInode(mode uint32) *Inode {
	ino := &Inode{
		Ino:   nextIno.Add(1),
		Mode:  mode,
		Nlink: 1,
	}
	ino.mu.SetName("inode")
	ino.refs.Store(1)
	return ino
}

// NewDir creates an empty directory inode.
func NewDir() *Inode {
	return newInode(ModeDir | 0o755)
}

// NewFile creates a regular file inode holding data.
func NewFile(data []byte) *Inode {
	ino := newInode(0o644)
	ino.data = data
	return ino
}

// IsDir returns whether the inode is a directory.
func (ino *Inode) IsDir() bool {
	return ino.Mode&ModeDir != 0
}

// Size returns the file size in bytes.
func (ino *Inode) Size(c *arch.CPU) int {
	ino.mu.Acquire(c)
	defer ino.mu.Release(c)
	if ino.IsDir() {
		return len(ino.entries)
	}
	return len(ino.data)
}

// IncRef takes an additional reference.
func (ino *Inode) IncRef() *Inode {
	if ino.refs.Add(1) <= 1 {
		panic("fs: IncRef on a dead inode")
	}
	return ino
}

// DecRef drops one reference. The boot filesystem is never torn down, so
// the last reference simply parks the inode.
func (ino *Inode) DecRef() {
	if ino.refs.Add(-1) < 0 {
		panic("fs: inode reference count underflow")
	}
}

// Refs returns the current reference count.
func (ino *Inode) Refs() int32 {
	return ino.refs.Load()
}

// AddEntry links a child into a directory. Used while assembling the boot
// filesystem and by tests.
func (ino *Inode) AddEntry(c *arch.CPU, name string, child *Inode) error {
	if !ino.IsDir() {
		return kernelerr.ENOTDIR
	}
	if name == "" || len(name) > osdev.NAME_MAX {
		return kernelerr.EINVAL
	}

	ino.mu.Acquire(c)
	defer ino.mu.Release(c)

	for _, e := range ino.entries {
		if e.name == name {
			return kernelerr.EEXIST
		}
	}
	ino.entries = append(ino.entries, dirEntry{name: name, node: child})
	sort.Slice(ino.entries, func(i, j int) bool {
		return ino.entries[i].name < ino.entries[j].name
	})
	if child.IsDir() {
		ino.Nlink++
	}
	return nil
}

// Lookup resolves a slash-separated path. Absolute paths resolve from
// root, relative ones from cwd. The returned inode carries a new
// reference.
func Lookup(c *arch.CPU, root, cwd *Inode, path string) (*Inode, error) {
	if path == "" {
		return nil, kernelerr.ENOENT
	}

	dir := cwd
	if path[0] == '/' {
		dir = root
	}

	for _, name := range splitPath(path) {
		if name == "." {
			continue
		}
		if !dir.IsDir() {
			return nil, kernelerr.ENOTDIR
		}
		next := dir.lookupEntry(c, name)
		if next == nil {
			return nil, kernelerr.ENOENT
		}
		dir = next
	}
	return dir.IncRef(), nil
}

func (ino *Inode) lookupEntry(c *arch.CPU, name string) *Inode {
	ino.mu.Acquire(c)
	defer ino.mu.Release(c)
	for _, e := range ino.entries {
		if e.name == name {
			return e.node
		}
	}
	return nil
}

func splitPath(path string) []string {
	var parts []string
	start := -1
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' {
			if start >= 0 {
				parts = append(parts, path[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	return parts
}
