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

// Package user holds the demo user programs and their ELF images. On real
// hardware these would be separately linked binaries; the simulated
// machine pairs each synthesized image with the program registered at its
// entry address.
package user

import (
	"github.com/andrey-glotov/osdev-arm/pkg/abi/elf"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/fs"
)

// Program entry addresses. Each image is linked at its own address so the
// loader and the program registry agree on identity.
const (
	InitEntry  = 0x00010000
	LsEntry    = 0x00020000
	HelloEntry = 0x00030000
)

// Register installs the demo programs into the kernel's program registry.
func Register(k *kernel.Kernel) {
	k.RegisterProgram(InitEntry, initMain)
	k.RegisterProgram(LsEntry, lsMain)
	k.RegisterProgram(HelloEntry, helloMain)
}

// image synthesizes the ELF32 binary for a program: one text segment at
// the entry address. The segment contents stand in for machine code.
func image(entry uint32, tag string) []byte {
	return elf.Build(entry, []elf.Segment{
		{Vaddr: entry, Data: []byte(tag), Memsz: arch.PageSize},
	})
}

// InitImage returns the init binary blob, linked into the kernel on real
// hardware.
func InitImage() []byte {
	return image(InitEntry, "init")
}

// LsImage returns the ls binary blob.
func LsImage() []byte {
	return image(LsEntry, "ls")
}

// HelloImage returns the hello binary blob.
func HelloImage() []byte {
	return image(HelloEntry, "hello")
}

// PopulateRoot assembles the boot filesystem: /bin with the demo binaries
// and a /etc holding a sample file.
func PopulateRoot(c *arch.CPU, root *fs.Inode) error {
	bin := fs.NewDir()
	if err := root.AddEntry(c, "bin", bin); err != nil {
		return err
	}
	if err := bin.AddEntry(c, "ls", fs.NewFile(LsImage())); err != nil {
		return err
	}
	if err := bin.AddEntry(c, "hello", fs.NewFile(HelloImage())); err != nil {
		return err
	}

	etc := fs.NewDir()
	if err := root.AddEntry(c, "etc", etc); err != nil {
		return err
	}
	return etc.AddEntry(c, "motd", fs.NewFile([]byte("welcome to osdev-arm\n")))
}
