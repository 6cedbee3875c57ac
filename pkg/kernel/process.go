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
	"github.com/andrey-glotov/osdev-arm/pkg/abi/elf"
	"github.com/andrey-glotov/osdev-arm/pkg/abi/osdev"
	"github.com/andrey-glotov/osdev-arm/pkg/ilist"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/fs"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/vm"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
	"github.com/andrey-glotov/osdev-arm/pkg/log"
)

// A Process is a user-visible job: one kernel task, a virtual address
// space, an open-file table, credentials, and the parent/children
// bookkeeping.
//
// The parent -> children direction owns storage; child -> parent is a weak
// back edge valid only under the process lock, rewritten to point at init
// when the parent exits. The embedded list entry is the sibling link in
// the parent's children list.
type Process struct {
	ilist.Entry

	k *Kernel

	// task is the process's single kernel task.
	task *Task

	// vm is the process address space.
	vm *vm.Space

	pid PID

	// The following fields are protected by the kernel's process lock.
	parent   *Process
	children ilist.List
	zombie   bool
	exitCode int32

	// waitQueue is where the parent sleeps in wait until a child exits.
	waitQueue WaitChannel

	// files is the open-file table.
	files [osdev.OPEN_MAX]*fs.File

	// cwd is the current working directory.
	cwd *fs.Inode

	// Credentials.
	ruid, euid uint32
	rgid, egid uint32
	umask      uint32

	// brk is the program break for Grow.
	brk uint32

	// forkReturn marks a child that has not yet consumed its fork return
	// value; see Program.
	forkReturn bool
}

// PID returns the process identifier.
func (p *Process) PID() PID {
	return p.pid
}

// Task returns the process's kernel task.
func (p *Process) Task() *Task {
	return p.task
}

// Space returns the process address space.
func (p *Process) Space() *vm.Space {
	return p.vm
}

// Zombie reports whether the process has exited but has not been reaped.
func (p *Process) Zombie(c *arch.CPU) bool {
	p.k.processLock.Acquire(c)
	defer p.k.processLock.Release(c)
	return p.zombie
}

// Parent returns the current parent process.
func (p *Process) Parent(c *arch.CPU) *Process {
	p.k.processLock.Acquire(c)
	defer p.k.processLock.Release(c)
	return p.parent
}

// cpuOf returns the caller's current CPU: the live task binding when the
// caller is a task (it may have migrated at the last preemption boundary),
// or the cached CPU for boot-context callers.
func cpuOf(c *arch.CPU, cur *Task) *arch.CPU {
	if cur != nil {
		return cur.cpu
	}
	return c
}

// allocProcess allocates a process descriptor, its kernel task with a
// one-page kernel stack, and a fresh PID registered in the PID table. cur
// is the calling task, or nil from the boot context.
func (k *Kernel) allocProcess(c *arch.CPU, cur *Task) (*Process, error) {
	p, err := k.processPool.Get(c)
	if err != nil {
		return nil, err
	}

	c = cpuOf(c, cur)
	t, err := k.NewTask(c, p, processRun, nil, NZERO)
	if err != nil {
		k.processPool.Put(cpuOf(c, cur), p)
		return nil, err
	}

	p.k = k
	p.task = t
	p.vm = nil
	p.parent = nil
	p.zombie = false
	p.exitCode = 0
	p.cwd = nil
	p.brk = 0
	p.forkReturn = false
	for i := range p.files {
		p.files[i] = nil
	}

	p.pid = k.pidRegister(cpuOf(c, cur), p)

	return p, nil
}

// setupVM gives the process a fresh, empty address space.
func (k *Kernel) setupVM(p *Process) error {
	space, err := vm.NewSpace(k.arena)
	if err != nil {
		return err
	}
	p.vm = space
	return nil
}

// loadBinary loads an ELF32 image into space and primes the trap frame so
// the task enters user mode at the image entry point with an empty
// argument vector. It returns the initial program break.
func loadBinary(space *vm.Space, tf *arch.TrapFrame, binary []byte) (uint32, error) {
	img, err := elf.Parse(binary)
	if err != nil {
		return 0, err
	}

	var brk uint32
	for i := range img.ProgHeaders {
		ph := &img.ProgHeaders[i]
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if ph.Filesz > ph.Memsz {
			return 0, kernelerr.EINVAL
		}

		addr, err := space.Alloc(ph.Vaddr, int(ph.Memsz), vm.Read|vm.Write|vm.Exec|vm.User)
		if err != nil {
			return 0, err
		}
		if addr != ph.Vaddr&^(arch.PageSize-1) {
			return 0, kernelerr.EINVAL
		}

		// filesz bytes come from the image; the rest is implicitly zero.
		if err := space.CopyOut(ph.Vaddr, img.SegmentData(ph)); err != nil {
			return 0, err
		}

		if end := ph.Vaddr + ph.Memsz; end > brk {
			brk = end
		}
	}

	if _, err := space.Alloc(vm.UStackTop-vm.UStackSize, vm.UStackSize, vm.Read|vm.Write|vm.User); err != nil {
		return 0, err
	}

	*tf = arch.TrapFrame{
		SP:  vm.UStackTop,
		PC:  img.Header.Entry,
		PSR: arch.PSRModeUser | arch.PSRFastDisable,
	}

	return (brk + arch.PageSize - 1) &^ (arch.PageSize - 1), nil
}

// CreateProcess builds a process from an ELF binary image and makes it
// runnable. Initial credentials are root with a zero umask. On failure the
// partial construction is unwound.
func (k *Kernel) CreateProcess(c *arch.CPU, binary []byte) (*Process, error) {
	p, err := k.allocProcess(c, nil)
	if err != nil {
		return nil, err
	}

	if err := k.setupVM(p); err != nil {
		k.processFree(c, p)
		return nil, err
	}

	brk, err := loadBinary(p.vm, p.task.tf, binary)
	if err != nil {
		p.vm.Destroy()
		p.vm = nil
		k.processFree(c, p)
		return nil, err
	}
	p.brk = brk

	p.ruid, p.euid = 0, 0
	p.rgid, p.egid = 0, 0
	p.umask = 0

	if err := k.Resume(c, p.task); err != nil {
		panic("kernel: fresh process task not resumable")
	}

	return p, nil
}

// processFree releases a process descriptor: the PID table entry and the
// storage. The address space, files and cwd must already be gone; a task
// that is still attached and never ran (construction unwind) is reclaimed
// here.
func (k *Kernel) processFree(c *arch.CPU, p *Process) {
	k.pidUnregister(c, p.pid)

	if t := p.task; t != nil && t.state == TaskSuspended {
		// Construction unwind: the task never ran.
		t.state = TaskNone
		k.taskReclaim(c, t)
	}
	p.task = nil
	p.parent = nil

	k.processPool.Put(c, p)
}

// ProcessCopy forks the calling task's process: clone the address space
// copy-on-write, duplicate every open descriptor, copy credentials, umask
// and working directory, and start the child with a syscall return value
// of zero. Returns the child PID.
func (k *Kernel) ProcessCopy(t *Task) (PID, error) {
	c := t.cpu
	parent := t.process

	child, err := k.allocProcess(c, t)
	if err != nil {
		return 0, err
	}

	child.vm, err = parent.vm.Clone()
	if err != nil {
		k.processFree(t.cpu, child)
		return 0, err
	}
	child.brk = parent.brk

	// The child resumes from the same user state, with fork returning 0.
	*child.task.tf = *t.tf
	child.task.tf.R0 = 0
	child.forkReturn = true

	for fd := range parent.files {
		if parent.files[fd] != nil {
			child.files[fd] = parent.files[fd].Dup()
		}
	}

	child.ruid, child.euid = parent.ruid, parent.euid
	child.rgid, child.egid = parent.rgid, parent.egid
	child.umask = parent.umask
	if parent.cwd != nil {
		child.cwd = parent.cwd.IncRef()
	}

	c = t.cpu
	k.processLock.Acquire(c)
	child.parent = parent
	parent.children.PushBack(child)
	k.processLock.Release(c)

	if err := k.Resume(t.cpu, child.task); err != nil {
		panic("kernel: fresh child task not resumable")
	}

	return child.pid, nil
}

// ProcessExit terminates the calling task's process: release the address
// space, the open files and the working directory, reparent every child to
// init (waking init if any of them is already a zombie), then turn into a
// zombie holding only the exit code and wake the parent. Never returns.
func (k *Kernel) ProcessExit(t *Task, status int32) {
	c := t.cpu
	p := t.process

	// Detach the task first: from here on it schedules as a bare kernel
	// task, so a preemption on the way out cannot load the dead address
	// space. The zombie keeps only its descriptor and exit code.
	t.process = nil
	p.task = nil

	k.pidUnregister(c, p.pid)

	p.vm.Destroy()
	p.vm = nil
	vm.LoadKernel(t.cpu)

	for fd := range p.files {
		if p.files[fd] != nil {
			p.files[fd].Close()
			p.files[fd] = nil
		}
	}

	if p.cwd != nil {
		p.cwd.DecRef()
		p.cwd = nil
	}

	initProc := k.initProc
	if initProc == nil {
		panic("kernel: process exit before init exists")
	}
	if p == initProc {
		panic("kernel: init exited")
	}

	c = t.cpu
	k.processLock.Acquire(c)

	// Move children to the init process.
	hasZombies := false
	for !p.children.Empty() {
		child := p.children.Front().(*Process)
		p.children.Remove(child)

		child.parent = initProc
		initProc.children.PushBack(child)

		if child.zombie {
			hasZombies = true
		}
	}

	// Wake up init to clean up reparented zombies.
	if hasZombies {
		initProc.waitQueue.WakeupAll(c)
	}

	p.zombie = true
	p.exitCode = status

	if p.parent != nil {
		p.parent.waitQueue.WakeupAll(c)
	}

	k.processLock.Release(c)

	k.TaskExit(t)
}

// ProcessWait waits for a child matching the PID selector: a positive pid
// selects that child, -1 any child. The selectors 0 and < -1 name process
// groups, which this kernel does not model; they are recognized but match
// no child. On success the zombie child is reaped exactly once and its
// exit code returned.
func (k *Kernel) ProcessWait(t *Task, pid PID, options uint32) (PID, int32, error) {
	c := t.cpu
	cur := t.process

	if options&^(osdev.WNOHANG|osdev.WUNTRACED) != 0 {
		return 0, 0, kernelerr.EINVAL
	}

	k.processLock.Acquire(c)

	for {
		var found PID
		var zombie *Process

		for e := cur.children.Front(); e != nil; e = e.Next() {
			p := e.(*Process)

			if pid > 0 && p.pid != pid {
				continue
			} else if pid == 0 || pid < -1 {
				// Process groups are not modeled.
				break
			}

			found = p.pid
			if p.zombie {
				zombie = p
				break
			}
		}

		if zombie != nil {
			cur.children.Remove(zombie)

			k.processLock.Release(c)

			id, status := zombie.pid, zombie.exitCode
			k.processFree(t.cpu, zombie)
			return id, status, nil
		}

		if found == 0 {
			k.processLock.Release(c)
			return 0, 0, kernelerr.ECHILD
		}
		if options&osdev.WNOHANG != 0 {
			k.processLock.Release(c)
			return 0, 0, nil
		}

		if err := cur.waitQueue.Sleep(t, &k.processLock); err != nil {
			c = t.cpu
			k.processLock.Release(c)
			return 0, 0, err
		}
		c = t.cpu
	}
}

// ProcessExec replaces the calling process image with the ELF binary at
// path. On success the trap frame is primed for the new image and the
// caller must restart its user context; on failure the old image is
// intact.
func (k *Kernel) ProcessExec(t *Task, path string) error {
	c := t.cpu
	p := t.process

	ino, err := fs.Lookup(c, k.root, p.cwd, path)
	if err != nil {
		return err
	}
	defer ino.DecRef()
	if ino.IsDir() {
		return kernelerr.EISDIR
	}

	f := fs.Open(ino)
	defer f.Close()
	binary := make([]byte, ino.Size(c))
	if _, err := f.Read(c, binary); err != nil {
		return err
	}

	space, err := vm.NewSpace(k.arena)
	if err != nil {
		return err
	}

	var tf arch.TrapFrame
	brk, err := loadBinary(space, &tf, binary)
	if err != nil {
		space.Destroy()
		if err == kernelerr.EINVAL {
			return kernelerr.ENOEXEC
		}
		return err
	}

	// Commit: the old image is gone.
	old := p.vm
	p.vm = space
	p.brk = brk
	*t.tf = tf
	space.Load(t.cpu)
	old.Destroy()

	log.Debugf("process %d: exec %s", p.pid, path)
	return nil
}

// ProcessGrow extends the process data segment by increment bytes and
// returns the previous break.
func (k *Kernel) ProcessGrow(t *Task, increment int) (uint32, error) {
	p := t.process

	oldBrk := p.brk
	if increment == 0 {
		return oldBrk, nil
	}
	if increment < 0 {
		return 0, kernelerr.EINVAL
	}

	if _, err := p.vm.Alloc(p.brk, increment, vm.Read|vm.Write|vm.User); err != nil {
		return 0, err
	}
	p.brk = (p.brk + uint32(increment) + arch.PageSize - 1) &^ (arch.PageSize - 1)
	return oldBrk, nil
}

// InitProcess returns process 1.
func (k *Kernel) InitProcess() *Process {
	return k.initProc
}

// BootInit creates the init process from the given binary image. Must be
// called exactly once, before the scheduler starts.
func (k *Kernel) BootInit(c *arch.CPU, binary []byte) (*Process, error) {
	if k.initProc != nil {
		panic("kernel: init process created twice")
	}
	p, err := k.CreateProcess(c, binary)
	if err != nil {
		return nil, err
	}
	k.initProc = p
	return p, nil
}
