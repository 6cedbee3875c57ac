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
	"github.com/andrey-glotov/osdev-arm/pkg/abi/osdev"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/fs"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
	"github.com/andrey-glotov/osdev-arm/pkg/log"
)

// maxIOSize bounds a single read/write/getdents transfer.
const maxIOSize = 1 << 16

// A Program is a registered user program, the simulated machine's stand-in
// for executing user-mode text: the loader maps an ELF image as usual, and
// entering user mode at its entry point runs the program registered for
// that address against the syscall ABI.
//
// A forked child re-enters the program at its entry with the kernel-side
// fork state (address space, descriptors, credentials) copied as usual;
// IsForkChild reports and consumes that condition, so programs branch to
// the child path at the top of their entry.
type Program func(env *UserEnv)

// RegisterProgram binds a user program to an ELF entry address.
func (k *Kernel) RegisterProgram(entry uint32, prog Program) {
	if _, ok := k.programs[entry]; ok {
		panic("kernel: user program already registered for entry")
	}
	k.programs[entry] = prog
}

// execRestart unwinds a user program whose image was replaced by exec.
type execRestart struct{}

// processRun is the task entry point of every process: set up the working
// directory and "return" to user space.
func processRun(t *Task, _ any) {
	k := t.k
	p := t.process

	if p.cwd == nil {
		p.cwd = k.Root().IncRef()
	}

	for {
		prog := k.programs[t.tf.PC]
		if prog == nil {
			log.Warningf("process %d: no text at entry %#x", p.pid, t.tf.PC)
			k.ProcessExit(t, 127)
		}

		if runProgram(prog, &UserEnv{k: k, t: t}) {
			// exec installed a new image; enter it.
			continue
		}

		// The program returned from its entry point.
		k.ProcessExit(t, 0)
	}
}

// runProgram runs a user program, reporting whether it left via exec.
func runProgram(prog Program, env *UserEnv) (execed bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(execRestart); ok {
				execed = true
				return
			}
			panic(r)
		}
	}()
	prog(env)
	return false
}

// UserEnv is the execution environment handed to a user program: its task
// plus the syscall surface. User memory is reached only through the
// process address space, with user permission checks and copy-on-write
// applied, exactly as loads and stores would.
type UserEnv struct {
	k *Kernel
	t *Task

	// scratchVA and scratchLeft bump-allocate user memory for marshalling
	// convenience-wrapper arguments.
	scratchVA   uint32
	scratchLeft int
}

// Process returns the calling process.
func (e *UserEnv) Process() *Process {
	return e.t.process
}

// Syscall issues a raw system call: arguments in r0-r2, number in r7,
// result in r0.
func (e *UserEnv) Syscall(num int, a0, a1, a2 uint32) int32 {
	tf := e.t.tf
	tf.R7 = uint32(num)
	tf.R0, tf.R1, tf.R2 = a0, a1, a2

	r := e.k.doSyscall(e.t, num, a0, a1, a2)
	tf.R0 = uint32(r)
	return r
}

// Store performs user-mode stores into the process address space.
func (e *UserEnv) Store(va uint32, b []byte) error {
	return e.t.process.vm.StoreUser(va, b)
}

// Load performs user-mode loads from the process address space.
func (e *UserEnv) Load(va uint32, n int) ([]byte, error) {
	b := make([]byte, n)
	if err := e.t.process.vm.LoadUser(va, b); err != nil {
		return nil, err
	}
	return b, nil
}

// scratch carves n bytes of user memory for argument marshalling.
func (e *UserEnv) scratch(n int) uint32 {
	if n > e.scratchLeft {
		size := max(n, 4096)
		va := e.Syscall(osdev.SYS_sbrk, uint32(size), 0, 0)
		if va < 0 {
			panic("kernel: user scratch allocation failed")
		}
		e.scratchVA = uint32(va)
		e.scratchLeft = size
	}
	va := e.scratchVA
	e.scratchVA += uint32(n)
	e.scratchLeft -= n
	return va
}

// pushString copies a NUL-terminated string into user memory.
func (e *UserEnv) pushString(s string) uint32 {
	va := e.scratch(len(s) + 1)
	if err := e.Store(va, append([]byte(s), 0)); err != nil {
		panic("kernel: user scratch store failed")
	}
	return va
}

// Exit terminates the process. Never returns.
func (e *UserEnv) Exit(status int32) {
	e.Syscall(osdev.SYS_exit, uint32(status), 0, 0)
	panic("kernel: exit returned")
}

// Fork creates a copy of the process, returning the child PID. The child
// re-enters the program entry; see IsForkChild.
func (e *UserEnv) Fork() int32 {
	return e.Syscall(osdev.SYS_fork, 0, 0, 0)
}

// IsForkChild reports whether this invocation is the child side of a fork
// (the syscall's zero return value), consuming the condition.
func (e *UserEnv) IsForkChild() bool {
	p := e.t.process
	if p.forkReturn {
		p.forkReturn = false
		return true
	}
	return false
}

// Wait waits for a child; see ProcessWait for the selector semantics. The
// child's exit code is stored through status when non-nil.
func (e *UserEnv) Wait(pid int32, status *int32, options uint32) int32 {
	statusVA := uint32(0)
	if status != nil {
		statusVA = e.scratch(4)
	}
	r := e.Syscall(osdev.SYS_wait, uint32(pid), statusVA, options)
	if r > 0 && status != nil {
		b, err := e.Load(statusVA, 4)
		if err != nil {
			panic("kernel: wait status readback failed")
		}
		*status = int32(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24)
	}
	return r
}

// Exec replaces the process image with the binary at path. Does not
// return on success.
func (e *UserEnv) Exec(path string) int32 {
	return e.Syscall(osdev.SYS_exec, e.pushString(path), 0, 0)
}

// GetPID returns the process identifier.
func (e *UserEnv) GetPID() int32 {
	return e.Syscall(osdev.SYS_getpid, 0, 0, 0)
}

// Open opens the file at path.
func (e *UserEnv) Open(path string) int32 {
	return e.Syscall(osdev.SYS_open, e.pushString(path), 0, 0)
}

// Close closes a descriptor.
func (e *UserEnv) Close(fd int32) int32 {
	return e.Syscall(osdev.SYS_close, uint32(fd), 0, 0)
}

// Read reads up to n bytes from a descriptor.
func (e *UserEnv) Read(fd int32, n int) ([]byte, int32) {
	va := e.scratch(n)
	r := e.Syscall(osdev.SYS_read, uint32(fd), va, uint32(n))
	if r <= 0 {
		return nil, r
	}
	b, err := e.Load(va, int(r))
	if err != nil {
		panic("kernel: read buffer readback failed")
	}
	return b, r
}

// Getdents reads directory entry records from a descriptor.
func (e *UserEnv) Getdents(fd int32, n int) ([]byte, int32) {
	va := e.scratch(n)
	r := e.Syscall(osdev.SYS_getdents, uint32(fd), va, uint32(n))
	if r <= 0 {
		return nil, r
	}
	b, err := e.Load(va, int(r))
	if err != nil {
		panic("kernel: getdents buffer readback failed")
	}
	return b, r
}

// CWrite writes to the console.
func (e *UserEnv) CWrite(s string) int32 {
	va := e.scratch(len(s))
	if err := e.Store(va, []byte(s)); err != nil {
		panic("kernel: cwrite scratch store failed")
	}
	return e.Syscall(osdev.SYS_cwrite, va, uint32(len(s)), 0)
}

// Sbrk grows the data segment and returns the previous break.
func (e *UserEnv) Sbrk(n int) int32 {
	return e.Syscall(osdev.SYS_sbrk, uint32(n), 0, 0)
}

// Yield relinquishes the CPU, as the C library's sched_yield would.
func (e *UserEnv) Yield() {
	e.k.Yield(e.t)
}

// doSyscall dispatches a system call from the trap path.
func (k *Kernel) doSyscall(t *Task, num int, a0, a1, a2 uint32) int32 {
	p := t.process

	switch num {
	case osdev.SYS_exit:
		k.ProcessExit(t, int32(a0))
		panic("kernel: exit returned")

	case osdev.SYS_fork:
		pid, err := k.ProcessCopy(t)
		if err != nil {
			return kernelerr.Code(err)
		}
		return int32(pid)

	case osdev.SYS_wait:
		id, status, err := k.ProcessWait(t, PID(int32(a0)), a2)
		if err != nil {
			return kernelerr.Code(err)
		}
		if id > 0 && a1 != 0 {
			b := []byte{
				byte(status), byte(status >> 8),
				byte(status >> 16), byte(status >> 24),
			}
			if err := p.vm.StoreUser(a1, b); err != nil {
				return kernelerr.Code(err)
			}
		}
		return int32(id)

	case osdev.SYS_exec:
		path, err := p.vm.CopyInString(a0, maxIOSize)
		if err != nil {
			return kernelerr.Code(err)
		}
		if err := k.ProcessExec(t, path); err != nil {
			return kernelerr.Code(err)
		}
		panic(execRestart{})

	case osdev.SYS_getpid:
		return int32(p.pid)

	case osdev.SYS_open:
		c := t.cpu
		path, err := p.vm.CopyInString(a0, maxIOSize)
		if err != nil {
			return kernelerr.Code(err)
		}
		ino, err := fs.Lookup(c, k.root, p.cwd, path)
		if err != nil {
			return kernelerr.Code(err)
		}
		f := fs.Open(ino)
		ino.DecRef()
		fd, err := p.FDInstall(f)
		if err != nil {
			f.Close()
			return kernelerr.Code(err)
		}
		return int32(fd)

	case osdev.SYS_close:
		if err := p.FDClose(int(int32(a0))); err != nil {
			return kernelerr.Code(err)
		}
		return 0

	case osdev.SYS_read:
		f, err := p.FDGet(int(int32(a0)))
		if err != nil {
			return kernelerr.Code(err)
		}
		n := int(a2)
		if n < 0 || n > maxIOSize {
			return kernelerr.Code(kernelerr.EINVAL)
		}
		buf := make([]byte, n)
		rn, err := f.Read(t.cpu, buf)
		if err != nil {
			return kernelerr.Code(err)
		}
		if err := p.vm.StoreUser(a1, buf[:rn]); err != nil {
			return kernelerr.Code(err)
		}
		return int32(rn)

	case osdev.SYS_write:
		f, err := p.FDGet(int(int32(a0)))
		if err != nil {
			return kernelerr.Code(err)
		}
		n := int(a2)
		if n < 0 || n > maxIOSize {
			return kernelerr.Code(kernelerr.EINVAL)
		}
		buf := make([]byte, n)
		if err := p.vm.LoadUser(a1, buf); err != nil {
			return kernelerr.Code(err)
		}
		wn, err := f.Write(t.cpu, buf)
		if err != nil {
			return kernelerr.Code(err)
		}
		return int32(wn)

	case osdev.SYS_sbrk:
		old, err := k.ProcessGrow(t, int(int32(a0)))
		if err != nil {
			return kernelerr.Code(err)
		}
		return int32(old)

	case osdev.SYS_getdents:
		f, err := p.FDGet(int(int32(a0)))
		if err != nil {
			return kernelerr.Code(err)
		}
		n := int(a2)
		if n <= 0 || n > maxIOSize {
			return kernelerr.Code(kernelerr.EINVAL)
		}
		buf := make([]byte, n)
		dn, err := f.Getdents(t.cpu, buf)
		if err != nil {
			return kernelerr.Code(err)
		}
		if dn > 0 {
			if err := p.vm.StoreUser(a1, buf[:dn]); err != nil {
				return kernelerr.Code(err)
			}
		}
		return int32(dn)

	case osdev.SYS_cwrite:
		n := int(a1)
		if n < 0 || n > maxIOSize {
			return kernelerr.Code(kernelerr.EINVAL)
		}
		buf := make([]byte, n)
		if err := p.vm.LoadUser(a0, buf); err != nil {
			return kernelerr.Code(err)
		}
		if k.console != nil {
			if _, err := k.console.Write(buf); err != nil {
				return kernelerr.Code(kernelerr.EIO)
			}
		}
		return int32(n)

	default:
		return kernelerr.Code(kernelerr.ENOSYS)
	}
}
