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

// Package kernel implements the task and process core: the scheduler with
// its per-priority run queues, kernel tasks and their context switches,
// sleep/wakeup, timers, the synchronization primitives built on them
// (wait channels, semaphores, mailboxes), interrupt dispatch, and the
// process lifecycle (ELF loading, fork, wait, exit, reparenting).
//
// One Kernel instance owns all of this state and is created once at boot.
// Code running inside the kernel is identified by either the CPU it
// executes on (*arch.CPU, for interrupt handlers and the scheduler) or the
// task it belongs to (*Task, for everything that can block).
package kernel

import (
	"io"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/andrey-glotov/osdev-arm/pkg/ilist"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/fs"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/ksync"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/mem"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/pool"
	"github.com/andrey-glotov/osdev-arm/pkg/log"
)

// Scheduling parameters.
const (
	// NZERO is the default process priority.
	NZERO = 20

	// PriorityMax bounds task priority values; valid priorities are
	// [0, PriorityMax). Smaller values mean higher priority.
	PriorityMax = 2 * NZERO
)

// Ticks counts timer interrupts. Sleep timeouts are expressed in ticks;
// zero means no timeout.
type Ticks int64

// Params configures a Kernel.
type Params struct {
	// Machine is the hardware the kernel runs on.
	Machine *arch.Machine

	// Arena is physical memory.
	Arena *mem.Arena

	// Console receives sys_cwrite output and kernel diagnostics.
	Console io.Writer

	// Root is the root directory of the boot filesystem.
	Root *fs.Inode
}

// cpuState is the kernel's per-CPU scheduling state.
type cpuState struct {
	// schedContext is the CPU's scheduler context, the switch target for
	// every yield.
	schedContext *arch.Context

	// current is the task running on this CPU, nil while the scheduler
	// itself runs.
	current *Task

	// lockCount is the scheduler lock nesting depth.
	lockCount int

	// isrNesting counts nested interrupt service routines.
	isrNesting int
}

// Kernel is the task/process core. It is created once at boot and shared
// by every CPU.
type Kernel struct {
	machine *arch.Machine
	arena   *mem.Arena
	console io.Writer
	root    *fs.Inode

	// schedSpin is the global scheduler lock. It protects the run queues
	// and every task's state, flags, link, and sleep fields. Use
	// schedLock/schedUnlock, which layer per-CPU nesting on top.
	schedSpin ksync.SpinLock

	// runqueue holds Ready tasks, indexed by priority; service within one
	// priority is FIFO.
	runqueue [PriorityMax]ilist.List

	cpus []*cpuState

	// timerLock protects the active timer list.
	timerLock ksync.SpinLock
	timers    ilist.List

	taskPool    *pool.Pool[Task]
	processPool *pool.Pool[Process]
	mailboxPool *pool.Pool[Mailbox]

	// pidLock protects the PID table and the PID counter.
	pidLock ksync.SpinLock
	pids    map[PID]*Process
	nextPID PID

	// processLock protects parent/child links, zombie flags and exit
	// codes across all processes.
	processLock ksync.SpinLock
	initProc    *Process

	// interrupts maps lines to their attached handlers. Written only at
	// attach time.
	interrupts [arch.NumIRQ]interruptSlot

	// programs maps ELF entry addresses to registered user programs; the
	// simulated machine's stand-in for executing user text.
	programs map[uint32]Program

	stopping atomic.Bool
}

// New creates the kernel on the given machine. The boot CPU is used to set
// up the object pools.
func New(p Params) *Kernel {
	k := &Kernel{
		machine:  p.Machine,
		arena:    p.Arena,
		console:  p.Console,
		root:     p.Root,
		pids:     make(map[PID]*Process),
		programs: make(map[uint32]Program),
	}
	k.schedSpin.SetName("sched")
	k.timerLock.SetName("ktimer")
	k.pidLock.SetName("pid_table")
	k.processLock.SetName("process")

	boot := p.Machine.CPU(0)
	for i := 0; i < p.Machine.NumCPUs(); i++ {
		c := p.Machine.CPU(i)
		c.SetDispatch(k.interruptDispatch)
		c.SetPreempt(k.preemptCheck)
		k.cpus = append(k.cpus, &cpuState{})
	}
	for i := range k.interrupts {
		k.interrupts[i].spurious = rate.NewLimiter(rate.Every(time.Second), 1)
	}

	k.taskPool = pool.New[Task](boot, p.Arena, "task", 0, nil, nil)
	k.processPool = pool.New[Process](boot, p.Arena, "process", 0, func(proc *Process) {
		// Expensive-to-initialize state survives Get/Put cycles.
		proc.waitQueue.Init(k)
		proc.children.Reset()
	}, nil)
	k.mailboxPool = pool.New[Mailbox](boot, p.Arena, "mailbox", 0, func(mb *Mailbox) {
		mb.ctor(k)
	}, func(mb *Mailbox) {
		mb.dtor()
	})

	log.Infof("kernel: %d CPU(s), %d pages", p.Machine.NumCPUs(), p.Arena.Total())
	return k
}

// Root returns the root directory inode.
func (k *Kernel) Root() *fs.Inode {
	return k.root
}

// Arena returns the physical page allocator.
func (k *Kernel) Arena() *mem.Arena {
	return k.arena
}

// Machine returns the underlying machine.
func (k *Kernel) Machine() *arch.Machine {
	return k.machine
}

// Shutdown makes every scheduler loop exit at its next idle point and
// powers the machine off. Callable from outside the kernel (a host signal
// handler, tests).
func (k *Kernel) Shutdown() {
	k.stopping.Store(true)
	k.machine.Stop()
}

// cpu returns the kernel's per-CPU state for c.
func (k *Kernel) cpu(c *arch.CPU) *cpuState {
	return k.cpus[c.ID()]
}

// Current returns the task running on the given CPU, or nil from the
// scheduler context.
func (k *Kernel) Current(c *arch.CPU) *Task {
	c.IRQSave()
	t := k.cpu(c).current
	c.IRQRestore()
	return t
}

// schedLock takes the scheduler lock, nesting per CPU.
func (k *Kernel) schedLock(c *arch.CPU) {
	cs := k.cpu(c)
	if cs.lockCount == 0 {
		k.schedSpin.Acquire(c)
	}
	cs.lockCount++
}

// schedUnlock drops one scheduler lock nesting level, releasing the
// underlying spinlock at the outermost level. It returns the CPU the
// caller is running on afterwards; a delayed preemption can fire at the
// spinlock release and migrate the caller.
func (k *Kernel) schedUnlock(c *arch.CPU) *arch.CPU {
	cs := k.cpu(c)
	cs.lockCount--
	if cs.lockCount > 0 {
		return c
	}
	if cs.lockCount < 0 {
		panic("kernel: scheduler lock underflow")
	}
	t := cs.current
	k.schedSpin.Release(c)
	// The release may have run the preemption hook and resumed us on a
	// different CPU.
	if t != nil {
		return t.cpu
	}
	return c
}

// assertSchedLocked panics unless the calling CPU holds the scheduler
// lock.
func (k *Kernel) assertSchedLocked(c *arch.CPU) {
	if !k.schedSpin.Holding(c) {
		panic("kernel: scheduler lock not held")
	}
}

// preemptCheck runs at every outermost locking boundary: if a delayed
// reschedule was recorded for the running task, give up the CPU now.
func (k *Kernel) preemptCheck(c *arch.CPU) {
	cs := k.cpu(c)
	t := cs.current
	if t == nil || t.flags.Load()&flagReschedule == 0 || cs.isrNesting > 0 {
		return
	}
	k.schedLock(c)
	if t.flags.Load()&flagReschedule != 0 {
		t.flags.And(^flagReschedule)
		k.schedEnqueue(c, t)
		c = k.schedYield(c, t)
	}
	k.schedUnlock(c)
}
