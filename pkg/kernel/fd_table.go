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

package kernel

import (
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/fs"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

// The open-file table is fixed-width and private to the process's single
// task, so no locking is needed: only the owner installs and removes
// entries, and fork reads it from the parent's own task.

// FDInstall places an open file in the lowest free slot and returns its
// descriptor number, or EMFILE when the table is full.
func (p *Process) FDInstall(f *fs.File) (int, error) {
	for fd := range p.files {
		if p.files[fd] == nil {
			p.files[fd] = f
			return fd, nil
		}
	}
	return 0, kernelerr.EMFILE
}

// FDGet returns the open file for a descriptor, or EBADF.
func (p *Process) FDGet(fd int) (*fs.File, error) {
	if fd < 0 || fd >= len(p.files) || p.files[fd] == nil {
		return nil, kernelerr.EBADF
	}
	return p.files[fd], nil
}

// FDClose removes a descriptor and drops its file reference.
func (p *Process) FDClose(fd int) error {
	f, err := p.FDGet(fd)
	if err != nil {
		return err
	}
	p.files[fd] = nil
	f.Close()
	return nil
}
