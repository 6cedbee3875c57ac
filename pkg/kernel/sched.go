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
	"github.com/andrey-glotov/osdev-arm/pkg/ilist"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/ksync"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/vm"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

// Start runs the scheduler main loop on the calling CPU. It returns only
// after Shutdown, once the CPU goes idle. Every CPU of the machine calls
// Start on its own goroutine; that goroutine becomes the CPU's scheduler
// context.
func (k *Kernel) Start(c *arch.CPU) {
	cs := k.cpu(c)
	cs.schedContext = arch.NewContext()

	k.schedLock(c)

	for {
		if k.stopping.Load() {
			k.schedUnlock(c)
			return
		}

		next := k.schedDequeue(c)
		if next == nil {
			k.schedUnlock(c)

			c.IRQEnable()
			if !c.WaitForInterrupt() {
				return
			}

			k.schedLock(c)
			continue
		}

		if next.state != TaskReady {
			panic("kernel: dequeued task is not ready")
		}

		if next.process != nil {
			next.process.vm.Load(c)
		}

		next.state = TaskRunning
		next.cpu = c
		cs.current = next

		arch.Switch(cs.schedContext, next.context)

		cs.current = nil
		next.cpu = nil

		if next.process != nil {
			vm.LoadKernel(c)
		}

		// Perform cleanup for an exited task.
		if next.state == TaskDestroyed {
			next.state = TaskNone

			k.schedUnlock(c)
			k.taskReclaim(c, next)
			k.schedLock(c)
		}
	}
}

// taskReclaim frees a destroyed task's storage: the context, the kernel
// stack, and the task object itself. Runs outside the scheduler lock.
func (k *Kernel) taskReclaim(c *arch.CPU, t *Task) {
	t.context.Release()
	t.context = nil
	t.tf = nil
	k.arena.FreePages(t.kstack)
	t.kstack = nil
	if t.process != nil {
		// The process descriptor may outlive the task as a zombie; do not
		// leave it pointing at recycled task storage.
		t.process.task = nil
		t.process = nil
	}
	t.entry = nil
	t.arg = nil
	k.taskPool.Put(c, t)
}

// schedEnqueue adds a task to the run queue of its priority.
//
// Preconditions: the scheduler lock is held.
func (k *Kernel) schedEnqueue(c *arch.CPU, t *Task) {
	k.assertSchedLocked(c)

	t.state = TaskReady
	k.runqueue[t.priority].PushBack(t)
}

// schedDequeue retrieves the highest-priority ready task, or nil.
//
// Preconditions: the scheduler lock is held.
func (k *Kernel) schedDequeue(c *arch.CPU) *Task {
	k.assertSchedLocked(c)

	for i := range k.runqueue {
		if e := k.runqueue[i].Front(); e != nil {
			t := e.(*Task)
			k.runqueue[i].Remove(t)
			return t
		}
	}
	return nil
}

// schedYield switches from the running task back to the CPU's scheduler
// context. Yielding does not itself enqueue the caller. It returns the CPU
// the task resumes on, which callers must rebind to.
//
// Preconditions: the scheduler lock is held; t runs on c.
func (k *Kernel) schedYield(c *arch.CPU, t *Task) *arch.CPU {
	k.assertSchedLocked(c)

	arch.Switch(t.context, k.cpu(c).schedContext)

	// Rescheduled, possibly on another CPU whose scheduler now holds the
	// lock for us.
	return t.cpu
}

// schedMayYield checks whether the running task must give up the CPU to
// the candidate task most recently made ready. The yield is delayed while
// the CPU is nested in an ISR or holds any lock beyond the scheduler lock
// itself; the ReschedulePending flag is honored at the next safe boundary.
//
// Preconditions: the scheduler lock is held.
func (k *Kernel) schedMayYield(c *arch.CPU, candidate *Task) *arch.CPU {
	k.assertSchedLocked(c)

	cs := k.cpu(c)
	t := cs.current
	if t == nil || candidate.priority >= t.priority {
		return c
	}

	if cs.isrNesting > 0 || cs.lockCount > 1 || c.IRQSaveDepth() > 1 {
		// Cannot yield right now; delay until the last ISR exit or the
		// outermost lock release.
		t.flags.Or(flagReschedule)
		return c
	}

	k.schedEnqueue(c, t)
	return k.schedYield(c, t)
}

// ISREnter notifies the scheduler that interrupt service has started on
// the calling CPU.
func (k *Kernel) ISREnter(c *arch.CPU) {
	k.cpu(c).isrNesting++
}

// ISRExit notifies the scheduler that interrupt service has finished. At
// the outermost nesting level a delayed reschedule is honored. It returns
// the CPU the interrupted context resumes on.
func (k *Kernel) ISRExit(c *arch.CPU) *arch.CPU {
	k.schedLock(c)

	cs := k.cpu(c)
	if cs.isrNesting <= 0 {
		panic("kernel: ISR nesting underflow")
	}
	cs.isrNesting--

	if cs.isrNesting == 0 {
		// Before resuming the interrupted task, check whether it must
		// give up the CPU.
		if t := cs.current; t != nil && t.flags.Load()&flagReschedule != 0 {
			t.flags.And(^flagReschedule)
			k.schedEnqueue(c, t)
			c = k.schedYield(c, t)
		}
	}

	return k.schedUnlock(c)
}

// schedSleep puts the calling task to sleep.
//
// The lock handoff is atomic with respect to wakers: the scheduler lock is
// taken before the caller's lock is released, so a waker serialized behind
// the caller's lock cannot run its wakeup until the sleeper is parked. A
// nonzero timeout bounds the sleep; an expired timer wakes the task with
// ETIMEDOUT. The recorded sleep result is returned.
func (k *Kernel) schedSleep(t *Task, queue *ilist.List, timeout Ticks, lock *ksync.SpinLock) error {
	c := t.cpu

	if lock != nil {
		k.schedLock(c)
		lock.Release(c)
	}

	k.assertSchedLocked(c)

	if timeout != 0 {
		t.sleepTimer.remain = timeout
		k.timerStart(c, &t.sleepTimer)
	}

	t.state = TaskSleeping
	t.sleepResult = nil
	if queue != nil {
		queue.PushBack(t)
		t.sleepQueue = queue
	}

	c = k.schedYield(c, t)

	if timeout != 0 {
		k.timerStop(c, &t.sleepTimer)
	}

	if lock != nil {
		c = k.schedUnlock(c)
		lock.Acquire(c)
	}

	return t.sleepResult
}

// schedWakeupAll wakes every task sleeping on the queue, recording the
// given sleep result.
//
// Preconditions: the scheduler lock is held.
func (k *Kernel) schedWakeupAll(c *arch.CPU, queue *ilist.List, result error) *arch.CPU {
	k.assertSchedLocked(c)

	for !queue.Empty() {
		t := queue.Front().(*Task)
		queue.Remove(t)
		t.sleepQueue = nil
		t.sleepResult = result

		k.schedEnqueue(c, t)
		c = k.schedMayYield(c, t)
	}
	return c
}

// schedWakeupOne wakes the highest-priority task sleeping on the queue,
// ties broken FIFO.
//
// Preconditions: the scheduler lock is held.
func (k *Kernel) schedWakeupOne(c *arch.CPU, queue *ilist.List, result error) *arch.CPU {
	k.assertSchedLocked(c)

	var highest *Task
	for e := queue.Front(); e != nil; e = e.Next() {
		t := e.(*Task)
		if highest == nil || t.priority < highest.priority {
			highest = t
		}
	}

	if highest != nil {
		queue.Remove(highest)
		highest.sleepQueue = nil
		highest.sleepResult = result

		k.schedEnqueue(c, highest)
		c = k.schedMayYield(c, highest)
	}
	return c
}

// sleepTimeout is the sleep timer callback: it reschedules a still
// sleeping task with an ETIMEDOUT result.
func (k *Kernel) sleepTimeout(c *arch.CPU, t *Task) {
	k.schedLock(c)

	if t.state == TaskSleeping {
		t.sleepResult = kernelerr.ETIMEDOUT
		if t.sleepQueue != nil {
			t.sleepQueue.Remove(t)
			t.sleepQueue = nil
		}
		k.schedEnqueue(c, t)
		c = k.schedMayYield(c, t)
	}

	k.schedUnlock(c)
}
