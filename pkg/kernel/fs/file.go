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

package fs

import (
	"sync/atomic"

	"github.com/andrey-glotov/osdev-arm/pkg/abi/osdev"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/ksync"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

// A File is one open file description. Duplicated descriptors (dup, fork)
// share the File and therefore the offset; each holds one reference.
type File struct {
	refs atomic.Int32

	inode *Inode

	// mu protects off.
	mu  ksync.SpinLock
	off int
}

// Open creates an open file description for the inode, taking an inode
// reference.
func Open(ino *Inode) *File {
	f := &File{inode: ino.IncRef()}
	f.mu.SetName("file")
	f.refs.Store(1)
	return f
}

// Inode returns the underlying inode.
func (f *File) Inode() *Inode {
	return f.inode
}

// Dup returns the same file with an additional reference; the offset stays
// shared.
func (f *File) Dup() *File {
	if f.refs.Add(1) <= 1 {
		panic("fs: Dup on a closed file")
	}
	return f
}

// Close drops one reference, releasing the inode reference with the last
// one.
func (f *File) Close() {
	r := f.refs.Add(-1)
	if r < 0 {
		panic("fs: file reference count underflow")
	}
	if r == 0 {
		f.inode.DecRef()
	}
}

// Refs returns the current reference count.
func (f *File) Refs() int32 {
	return f.refs.Load()
}

// Read copies file contents at the shared offset. Directories fail with
// EISDIR; use Getdents.
func (f *File) Read(c *arch.CPU, b []byte) (int, error) {
	if f.inode.IsDir() {
		return 0, kernelerr.EISDIR
	}

	f.mu.Acquire(c)
	defer f.mu.Release(c)

	f.inode.mu.Acquire(c)
	defer f.inode.mu.Release(c)

	if f.off >= len(f.inode.data) {
		return 0, nil
	}
	n := copy(b, f.inode.data[f.off:])
	f.off += n
	return n, nil
}

// Write stores bytes at the shared offset, growing the file as needed.
func (f *File) Write(c *arch.CPU, b []byte) (int, error) {
	if f.inode.IsDir() {
		return 0, kernelerr.EISDIR
	}

	f.mu.Acquire(c)
	defer f.mu.Release(c)

	f.inode.mu.Acquire(c)
	defer f.inode.mu.Release(c)

	end := f.off + len(b)
	if end > len(f.inode.data) {
		grown := make([]byte, end)
		copy(grown, f.inode.data)
		f.inode.data = grown
	}
	copy(f.inode.data[f.off:end], b)
	f.off = end
	return len(b), nil
}

// Getdents fills b with as many whole directory entry records as fit,
// resuming at the shared offset. A return of 0 means end of directory.
func (f *File) Getdents(c *arch.CPU, b []byte) (int, error) {
	if !f.inode.IsDir() {
		return 0, kernelerr.ENOTDIR
	}

	f.mu.Acquire(c)
	defer f.mu.Release(c)

	f.inode.mu.Acquire(c)
	defer f.inode.mu.Release(c)

	out := b[:0]
	for f.off < len(f.inode.entries) {
		e := f.inode.entries[f.off]
		recLen := osdev.DirentRecLen(len(e.name))
		if len(out)+recLen > len(b) {
			if len(out) == 0 {
				return 0, kernelerr.EINVAL
			}
			break
		}
		out = osdev.EncodeDirent(out, e.node.Ino, e.name)
		f.off++
	}
	return len(out), nil
}
