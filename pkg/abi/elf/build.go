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

package elf

import (
	"encoding/binary"
)

// Segment describes one PT_LOAD segment for Build.
type Segment struct {
	Vaddr uint32
	Data  []byte

	// Memsz extends the segment beyond len(Data) with implicit zeroes.
	// Zero means len(Data).
	Memsz uint32
}

// Build assembles a minimal little-endian ELF32 ARM executable image in
// memory. On real hardware init and the demo binaries are linked into the
// kernel as blobs; the simulated machine synthesizes the same wire format
// so the loader path stays identical.
func Build(entry uint32, segments []Segment) []byte {
	le := binary.LittleEndian
	phoff := uint32(HeaderSize)
	dataOff := phoff + uint32(len(segments))*ProgHeaderSize

	b := make([]byte, dataOff)
	copy(b, magic[:])
	b[4] = 1 // ELFCLASS32
	b[5] = 1 // ELFDATA2LSB
	b[6] = 1 // EV_CURRENT

	le.PutUint16(b[16:], 2) // ET_EXEC
	le.PutUint16(b[18:], EM_ARM)
	le.PutUint32(b[20:], 1) // version
	le.PutUint32(b[24:], entry)
	le.PutUint32(b[28:], phoff)
	le.PutUint16(b[40:], HeaderSize)
	le.PutUint16(b[42:], ProgHeaderSize)
	le.PutUint16(b[44:], uint16(len(segments)))

	off := dataOff
	for i, seg := range segments {
		memsz := seg.Memsz
		if memsz == 0 {
			memsz = uint32(len(seg.Data))
		}
		p := b[int(phoff)+i*ProgHeaderSize:]
		le.PutUint32(p[0:], PT_LOAD)
		le.PutUint32(p[4:], off)
		le.PutUint32(p[8:], seg.Vaddr)
		le.PutUint32(p[12:], seg.Vaddr)
		le.PutUint32(p[16:], uint32(len(seg.Data)))
		le.PutUint32(p[20:], memsz)
		le.PutUint32(p[24:], 7) // RWX
		le.PutUint32(p[28:], 4)
		off += uint32(len(seg.Data))
	}
	for _, seg := range segments {
		b = append(b, seg.Data...)
	}
	return b
}
