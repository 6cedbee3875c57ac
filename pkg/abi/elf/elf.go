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

// Package elf describes the ELF32 executable image format consumed by the
// process loader: little-endian, arch-matching binaries of which only
// PT_LOAD segments are honored.
package elf

import (
	"encoding/binary"

	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

// ELF constants referenced by the loader.
const (
	// EIdentSize is the size of the e_ident array.
	EIdentSize = 16

	// HeaderSize is the size of an Elf32_Ehdr.
	HeaderSize = 52

	// ProgHeaderSize is the size of an Elf32_Phdr.
	ProgHeaderSize = 32

	// PT_LOAD identifies a loadable program segment.
	PT_LOAD = 1

	// EM_ARM is the 32-bit ARM machine type.
	EM_ARM = 40
)

// magic is the four-byte \x7fELF identification prefix.
var magic = [4]byte{0x7f, 'E', 'L', 'F'}

// Header is an Elf32_Ehdr.
type Header struct {
	Ident     [EIdentSize]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint32
	Phoff     uint32
	Shoff     uint32
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// ProgHeader is an Elf32_Phdr.
type ProgHeader struct {
	Type   uint32
	Offset uint32
	Vaddr  uint32
	Paddr  uint32
	Filesz uint32
	Memsz  uint32
	Flags  uint32
	Align  uint32
}

// Image is a parsed ELF32 executable image. The segment data still refers to
// the original binary blob.
type Image struct {
	Header      Header
	ProgHeaders []ProgHeader

	// raw is the full binary; segment file contents are sliced out of it.
	raw []byte
}

// Parse validates and decodes an ELF32 image from a binary blob. It returns
// EINVAL for anything that is not a well-formed little-endian ELF32 image.
func Parse(b []byte) (*Image, error) {
	if len(b) < HeaderSize {
		return nil, kernelerr.EINVAL
	}
	var h Header
	copy(h.Ident[:], b[:EIdentSize])
	for i := range magic {
		if h.Ident[i] != magic[i] {
			return nil, kernelerr.EINVAL
		}
	}

	le := binary.LittleEndian
	h.Type = le.Uint16(b[16:])
	h.Machine = le.Uint16(b[18:])
	h.Version = le.Uint32(b[20:])
	h.Entry = le.Uint32(b[24:])
	h.Phoff = le.Uint32(b[28:])
	h.Shoff = le.Uint32(b[32:])
	h.Flags = le.Uint32(b[36:])
	h.Ehsize = le.Uint16(b[40:])
	h.Phentsize = le.Uint16(b[42:])
	h.Phnum = le.Uint16(b[44:])
	h.Shentsize = le.Uint16(b[46:])
	h.Shstrndx = le.Uint16(b[50:])

	if h.Phnum > 0 && h.Phentsize != ProgHeaderSize {
		return nil, kernelerr.EINVAL
	}
	end := uint64(h.Phoff) + uint64(h.Phnum)*ProgHeaderSize
	if end > uint64(len(b)) {
		return nil, kernelerr.EINVAL
	}

	img := &Image{Header: h, raw: b}
	for i := 0; i < int(h.Phnum); i++ {
		p := b[int(h.Phoff)+i*ProgHeaderSize:]
		ph := ProgHeader{
			Type:   le.Uint32(p[0:]),
			Offset: le.Uint32(p[4:]),
			Vaddr:  le.Uint32(p[8:]),
			Paddr:  le.Uint32(p[12:]),
			Filesz: le.Uint32(p[16:]),
			Memsz:  le.Uint32(p[20:]),
			Flags:  le.Uint32(p[24:]),
			Align:  le.Uint32(p[28:]),
		}
		if ph.Type == PT_LOAD {
			if uint64(ph.Offset)+uint64(ph.Filesz) > uint64(len(b)) {
				return nil, kernelerr.EINVAL
			}
		}
		img.ProgHeaders = append(img.ProgHeaders, ph)
	}
	return img, nil
}

// SegmentData returns the file contents of the given program header.
func (img *Image) SegmentData(ph *ProgHeader) []byte {
	return img.raw[ph.Offset : ph.Offset+ph.Filesz]
}
