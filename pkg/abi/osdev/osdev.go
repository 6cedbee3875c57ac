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

// Package osdev describes the user-visible kernel ABI: system call numbers,
// wait options, file limits, and the directory entry wire format returned
// by getdents.
package osdev

import "encoding/binary"

// System call numbers. The number is passed in r7, arguments in r0-r2, and
// the result comes back in r0 as a value or a negated errno.
const (
	SYS_exit = iota + 1
	SYS_fork
	SYS_wait
	SYS_exec
	SYS_getpid
	SYS_open
	SYS_close
	SYS_read
	SYS_write
	SYS_sbrk
	SYS_getdents
	SYS_cwrite
)

// Options for the wait system call.
const (
	WNOHANG   = 1 << 0
	WUNTRACED = 1 << 1
)

// Limits.
const (
	// OPEN_MAX is the width of a process open-file table.
	OPEN_MAX = 32

	// NAME_MAX is the maximum length of a directory entry name.
	NAME_MAX = 255
)

// DirentHeaderSize is the fixed part of a dirent record: d_ino, d_reclen and
// d_namelen. The name bytes follow, padded so each record starts 4-aligned.
const DirentHeaderSize = 8

// Dirent is one variable-length directory entry record as produced by
// getdents.
type Dirent struct {
	Ino     uint32
	Name    string
	RecLen  uint16
	NameLen uint16
}

// DirentRecLen returns the space the record for a name of the given length
// occupies in a getdents buffer.
func DirentRecLen(nameLen int) int {
	return (DirentHeaderSize + nameLen + 3) &^ 3
}

// EncodeDirent appends the record for one directory entry to b. It panics
// if the name exceeds NAME_MAX; callers validate names on creation.
func EncodeDirent(b []byte, ino uint32, name string) []byte {
	if len(name) > NAME_MAX {
		panic("osdev: dirent name too long")
	}
	recLen := DirentRecLen(len(name))
	le := binary.LittleEndian

	var hdr [DirentHeaderSize]byte
	le.PutUint32(hdr[0:], ino)
	le.PutUint16(hdr[4:], uint16(recLen))
	le.PutUint16(hdr[6:], uint16(len(name)))

	b = append(b, hdr[:]...)
	b = append(b, name...)
	for i := DirentHeaderSize + len(name); i < recLen; i++ {
		b = append(b, 0)
	}
	return b
}

// DecodeDirent decodes the record at the front of b. It returns the entry
// and the number of bytes consumed, or ok=false if the buffer does not hold
// a complete record.
func DecodeDirent(b []byte) (d Dirent, n int, ok bool) {
	if len(b) < DirentHeaderSize {
		return Dirent{}, 0, false
	}
	le := binary.LittleEndian
	d.Ino = le.Uint32(b[0:])
	d.RecLen = le.Uint16(b[4:])
	d.NameLen = le.Uint16(b[6:])
	if int(d.RecLen) < DirentHeaderSize+int(d.NameLen) || len(b) < int(d.RecLen) {
		return Dirent{}, 0, false
	}
	d.Name = string(b[DirentHeaderSize : DirentHeaderSize+int(d.NameLen)])
	return d, int(d.RecLen), true
}
