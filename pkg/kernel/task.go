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
	"sync/atomic"

	"github.com/andrey-glotov/osdev-arm/pkg/ilist"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/mem"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

// TaskState is the scheduling state of a task.
type TaskState int

// Task states.
const (
	// TaskNone marks a task whose storage is about to be reclaimed.
	TaskNone TaskState = iota

	// TaskSuspended tasks are initialized but not runnable until resumed.
	TaskSuspended

	// TaskReady tasks are linked into their priority run queue.
	TaskReady

	// TaskRunning tasks are executing on exactly one CPU.
	TaskRunning

	// TaskSleeping tasks wait on at most one wait queue.
	TaskSleeping

	// TaskDestroyed tasks have exited; the scheduler loop that observes
	// this state reclaims their storage.
	TaskDestroyed
)

// Task flags.
const (
	// flagReschedule records that a higher-priority task became Ready
	// while preemption was forbidden; honored at the next safe point.
	flagReschedule uint32 = 1 << 0
)

// TaskFunc is a kernel task entry point.
type TaskFunc func(t *Task, arg any)

// A Task is the unit of CPU scheduling: an entry point, a kernel stack,
// and a saved context. The embedded list entry links the task into at most
// one list at a time: its priority run queue or a wait queue.
type Task struct {
	ilist.Entry

	k *Kernel

	// The scheduler lock protects state and the list linkage.
	state TaskState

	// flags is written under the scheduler lock but read at preemption
	// boundaries without it, hence atomic.
	flags atomic.Uint32

	// priority is the scheduling priority; smaller values run first.
	priority int

	entry TaskFunc
	arg   any

	// kstack is the task's kernel stack page, owned, freed exactly once
	// after the task reaches TaskDestroyed.
	kstack *mem.Page

	// context is the saved register context, switched to when the
	// scheduler picks the task.
	context *arch.Context

	// cpu is the CPU the task is running on, nil unless TaskRunning.
	cpu *arch.CPU

	// process is the enclosing process, nil for pure kernel tasks.
	process *Process

	// tf is the user trap frame carved from the top of the kernel stack;
	// nil for pure kernel tasks.
	tf *arch.TrapFrame

	// sleepResult is what the current/last sleep returned; recorded by
	// the waker.
	sleepResult error

	// sleepQueue is the wait queue the task is linked on while Sleeping.
	sleepQueue *ilist.List

	// sleepTimer bounds sleeps with a timeout.
	sleepTimer kTimer
}

// NewTask initializes a kernel task. After successful initialization the
// task is in the suspended state and must be made runnable with Resume.
func (k *Kernel) NewTask(c *arch.CPU, proc *Process, entry TaskFunc, arg any, priority int) (*Task, error) {
	if priority < 0 || priority >= PriorityMax || entry == nil {
		return nil, kernelerr.EINVAL
	}

	t, err := k.taskPool.Get(c)
	if err != nil {
		return nil, err
	}

	stack, err := k.arena.AllocPage()
	if err != nil {
		k.taskPool.Put(c, t)
		return nil, err
	}

	t.k = k
	t.flags.Store(0)
	t.priority = priority
	t.state = TaskSuspended
	t.entry = entry
	t.arg = arg
	t.process = proc
	t.kstack = stack
	t.cpu = nil
	t.sleepResult = nil
	t.sleepQueue = nil
	t.tf = nil

	t.sleepTimer = kTimer{fn: func(c *arch.CPU) { k.sleepTimeout(c, t) }}

	if proc != nil {
		// Reserve the user trap frame at the top of the kernel stack.
		t.tf = arch.TrapFrameAt(stack.Data)
		*t.tf = arch.TrapFrame{}
	}

	t.context = arch.NewTaskContext(func() { k.taskRun(t) })

	return t, nil
}

// Priority returns the task's scheduling priority.
func (t *Task) Priority() int {
	return t.priority
}

// State returns the task's scheduling state.
func (t *Task) State() TaskState {
	return t.state
}

// Process returns the enclosing process, or nil.
func (t *Task) Process() *Process {
	return t.process
}

// TrapFrame returns the task's user trap frame, or nil for kernel tasks.
func (t *Task) TrapFrame() *arch.TrapFrame {
	return t.tf
}

// CPU returns the CPU the task is currently running on. Valid only from
// the task's own context.
func (t *Task) CPU() *arch.CPU {
	return t.cpu
}

// taskRun is where execution of each task begins.
func (k *Kernel) taskRun(t *Task) {
	// Still holding the scheduler lock, acquired in Start.
	c := k.schedUnlock(t.cpu)

	// Make sure IRQs are enabled.
	c.IRQEnable()

	t.entry(t, t.arg)

	// Destroy the task on return from the entry point.
	k.TaskExit(t)
}

// Resume makes a suspended task runnable (or begins execution of a newly
// created one). The calling CPU may give up its task if the resumed one
// has higher priority.
func (k *Kernel) Resume(c *arch.CPU, t *Task) error {
	k.schedLock(c)

	if t.state != TaskSuspended {
		k.schedUnlock(c)
		return kernelerr.EINVAL
	}

	k.schedEnqueue(c, t)
	c = k.schedMayYield(c, t)

	k.schedUnlock(c)
	return nil
}

// Yield gives up the CPU, allowing another ready task to run. The caller
// is enqueued again and continues once rescheduled.
func (k *Kernel) Yield(t *Task) {
	c := t.cpu
	if c == nil {
		panic("kernel: Yield from a task that is not running")
	}

	k.schedLock(c)
	k.schedEnqueue(c, t)
	c = k.schedYield(c, t)
	k.schedUnlock(c)
}

// TaskExit terminates the calling task. Never returns; the task's storage
// is reclaimed by the scheduler loop that observes the Destroyed state.
func (k *Kernel) TaskExit(t *Task) {
	c := t.cpu
	if c == nil {
		panic("kernel: TaskExit from a task that is not running")
	}

	k.schedLock(c)
	k.timerStop(c, &t.sleepTimer)
	t.state = TaskDestroyed
	k.schedYield(c, t)
	panic("kernel: destroyed task resumed")
}
