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

package user

import (
	"fmt"
	"strings"

	"github.com/andrey-glotov/osdev-arm/pkg/abi/osdev"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel"
)

// pathMax bounds the paths ls builds while walking a directory.
const pathMax = 1024

// joinPath appends a directory entry name to its directory path, refusing
// to build paths longer than pathMax.
func joinPath(dir, name string) (string, bool) {
	var b strings.Builder
	need := len(dir) + 1 + len(name)
	if need > pathMax {
		return "", false
	}
	b.Grow(need)
	b.WriteString(dir)
	if !strings.HasSuffix(dir, "/") {
		b.WriteByte('/')
	}
	b.WriteString(name)
	return b.String(), true
}

// lsMain lists the root directory: getdents records, one name per line.
func lsMain(env *kernel.UserEnv) {
	dir := "/"

	fd := env.Open(dir)
	if fd < 0 {
		env.CWrite(fmt.Sprintf("ls: %s: error %d\n", dir, -fd))
		env.Exit(1)
	}

	for {
		buf, r := env.Getdents(fd, 512)
		if r < 0 {
			env.CWrite(fmt.Sprintf("ls: %s: error %d\n", dir, -r))
			env.Exit(1)
		}
		if r == 0 {
			break
		}

		for len(buf) > 0 {
			d, n, ok := osdev.DecodeDirent(buf)
			if !ok {
				env.CWrite("ls: short dirent record\n")
				env.Exit(1)
			}
			buf = buf[n:]

			path, ok := joinPath(dir, d.Name)
			if !ok {
				env.CWrite(fmt.Sprintf("ls: %s...: name too long\n", dir))
				continue
			}
			env.CWrite(fmt.Sprintf("%6d %s\n", d.Ino, path))
		}
	}

	env.Close(fd)
}
