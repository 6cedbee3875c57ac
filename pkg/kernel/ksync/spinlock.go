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

// Package ksync provides the kernel's spinlock.
//
// Spinlocks provide mutual exclusion between CPUs, ensuring only one CPU at
// a time can hold the lock. Acquiring disables interrupts on the calling
// CPU for the whole holding time, so lock holders cannot be interrupted and
// an interrupt handler can never deadlock against the code it interrupted.
// Interrupt disabling nests through the CPU's save/restore counter; only
// the outermost release restores the prior interrupt state.
package ksync

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/log"
)

// numCallerPCs is the depth of the acquisition backtrace kept for
// diagnostics.
const numCallerPCs = 10

// A SpinLock is a test-and-set mutual exclusion lock. The zero value is an
// unlocked lock; SetName optionally attaches a name for diagnostics.
type SpinLock struct {
	locked atomic.Uint32

	// cpu is the holder, valid while locked is set. Atomic because other
	// CPUs read it in their own holding checks.
	cpu atomic.Pointer[arch.CPU]

	// name identifies the lock in diagnostics.
	name string

	// pcs records the call stack of the last acquisition.
	pcs [numCallerPCs]uintptr
}

// SetName attaches a diagnostic name to the lock.
func (l *SpinLock) SetName(name string) {
	l.name = name
}

// Name returns the lock's diagnostic name.
func (l *SpinLock) Name() string {
	if l.name == "" {
		return "(unnamed)"
	}
	return l.name
}

// Acquire disables interrupts on the calling CPU and spins until the lock
// is taken. Recursive acquisition by the same CPU is a fatal kernel bug.
func (l *SpinLock) Acquire(c *arch.CPU) {
	// Disable interrupts to avoid deadlock.
	c.IRQSave()

	if l.holding(c) {
		l.printCallerPCs()
		panic(fmt.Sprintf("ksync: CPU %d is already holding %s", c.ID(), l.Name()))
	}

	for !l.locked.CompareAndSwap(0, 1) {
		// Let the holder's context make progress on the host.
		runtime.Gosched()
	}

	// Record information about the acquisition for debugging purposes.
	l.cpu.Store(c)
	runtime.Callers(2, l.pcs[:])
}

// Release releases the lock and restores the caller's interrupt state.
// Releasing a lock the calling CPU does not hold is a fatal kernel bug.
func (l *SpinLock) Release(c *arch.CPU) {
	if !l.holding(c) {
		l.printCallerPCs()
		panic(fmt.Sprintf("ksync: CPU %d cannot release %s", c.ID(), l.Name()))
	}

	l.cpu.Store(nil)
	l.pcs[0] = 0
	l.locked.Store(0)

	c.IRQRestore()
}

// Holding returns whether the calling CPU holds the lock.
func (l *SpinLock) Holding(c *arch.CPU) bool {
	c.IRQSave()
	r := l.holding(c)
	c.IRQRestore()
	return r
}

func (l *SpinLock) holding(c *arch.CPU) bool {
	return l.locked.Load() != 0 && l.cpu.Load() == c
}

// printCallerPCs logs the call stack recorded at the last acquisition.
func (l *SpinLock) printCallerPCs() {
	for _, pc := range l.pcs {
		if pc == 0 {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			log.Warningf("  [%#x] ???", pc)
			continue
		}
		file, line := fn.FileLine(pc)
		log.Warningf("  [%#x] %s (%s:%d)", pc, fn.Name(), file, line)
	}
}
