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
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/mem"
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

// A Mailbox is a bounded FIFO of fixed-size messages in a preallocated
// ring buffer. Senders sleep while the box is full, receivers while it is
// empty. Mailboxes come from their own object pool; the pool constructor
// sets up the lock and wait lists once per object.
type Mailbox struct {
	k    *Kernel
	lock ksync.SpinLock

	// The ring. buf holds capacity messages of msgSize bytes each;
	// readOff and writeOff are byte cursors into it.
	buf      []byte
	bufPage  *mem.Page
	msgSize  int
	capacity int
	size     int
	readOff  int
	writeOff int

	receivers ilist.List
	senders   ilist.List
}

// ctor runs once per pool object.
func (mb *Mailbox) ctor(k *Kernel) {
	mb.k = k
	mb.lock.SetName("mailbox")
	mb.receivers.Reset()
	mb.senders.Reset()
}

// dtor runs when a pool slab is released.
func (mb *Mailbox) dtor() {
	if !mb.receivers.Empty() || !mb.senders.Empty() {
		panic("kernel: mailbox freed with sleeping tasks")
	}
}

// NewMailbox creates a mailbox holding up to capacity messages of msgSize
// bytes, with the ring allocated from the page allocator.
func (k *Kernel) NewMailbox(c *arch.CPU, msgSize, capacity int) (*Mailbox, error) {
	if msgSize <= 0 || capacity <= 0 {
		return nil, kernelerr.EINVAL
	}

	mb, err := k.mailboxPool.Get(c)
	if err != nil {
		return nil, err
	}

	page, err := k.arena.AllocPages(mem.OrderFor(msgSize * capacity))
	if err != nil {
		k.mailboxPool.Put(c, mb)
		return nil, err
	}

	mb.bufPage = page
	mb.buf = page.Data[:msgSize*capacity]
	mb.msgSize = msgSize
	mb.capacity = capacity
	mb.size = 0
	mb.readOff = 0
	mb.writeOff = 0

	return mb, nil
}

// Destroy releases the mailbox. Every sleeping sender and receiver is
// woken with EINVAL.
func (mb *Mailbox) Destroy(c *arch.CPU) {
	k := mb.k

	mb.lock.Acquire(c)
	k.schedLock(c)
	c = k.schedWakeupAll(c, &mb.receivers, kernelerr.EINVAL)
	c = k.schedWakeupAll(c, &mb.senders, kernelerr.EINVAL)
	k.schedUnlock(c)

	k.arena.FreePages(mb.bufPage)
	mb.bufPage = nil
	mb.buf = nil

	cur := k.cpu(c).current
	mb.lock.Release(c)
	// The release is a preemption point; rebind before touching the pool.
	if cur != nil {
		c = cur.cpu
	}
	k.mailboxPool.Put(c, mb)
}

// TrySend enqueues a message without blocking, failing with EAGAIN when
// the box is full. The message must be exactly the box's message size.
func (mb *Mailbox) TrySend(c *arch.CPU, msg []byte) error {
	mb.lock.Acquire(c)
	defer mb.lock.Release(c)
	return mb.trySendLocked(c, msg)
}

// Send enqueues a message, sleeping while the box is full. A nonzero
// timeout bounds the sleep.
func (mb *Mailbox) Send(t *Task, msg []byte, timeout Ticks) error {
	c := t.cpu
	mb.lock.Acquire(c)

	var err error
	for {
		if err = mb.trySendLocked(c, msg); err != kernelerr.EAGAIN {
			break
		}
		err = mb.k.schedSleep(t, &mb.senders, timeout, &mb.lock)
		c = t.cpu
		if err != nil {
			break
		}
	}

	mb.lock.Release(c)
	return err
}

// TryReceive dequeues a message without blocking, failing with EAGAIN when
// the box is empty.
func (mb *Mailbox) TryReceive(c *arch.CPU, msg []byte) error {
	mb.lock.Acquire(c)
	defer mb.lock.Release(c)
	return mb.tryReceiveLocked(c, msg)
}

// Receive dequeues a message, sleeping while the box is empty. A nonzero
// timeout bounds the sleep.
func (mb *Mailbox) Receive(t *Task, msg []byte, timeout Ticks) error {
	c := t.cpu
	mb.lock.Acquire(c)

	var err error
	for {
		if err = mb.tryReceiveLocked(c, msg); err != kernelerr.EAGAIN {
			break
		}
		err = mb.k.schedSleep(t, &mb.receivers, timeout, &mb.lock)
		c = t.cpu
		if err != nil {
			break
		}
	}

	mb.lock.Release(c)
	return err
}

// Size returns the number of queued messages.
func (mb *Mailbox) Size(c *arch.CPU) int {
	mb.lock.Acquire(c)
	defer mb.lock.Release(c)
	return mb.size
}

// Capacity returns the number of messages the box can hold.
func (mb *Mailbox) Capacity() int {
	return mb.capacity
}

func (mb *Mailbox) trySendLocked(c *arch.CPU, msg []byte) error {
	if len(msg) != mb.msgSize {
		return kernelerr.EINVAL
	}
	if mb.size == mb.capacity {
		return kernelerr.EAGAIN
	}

	copy(mb.buf[mb.writeOff:], msg)
	mb.writeOff += mb.msgSize
	if mb.writeOff >= len(mb.buf) {
		mb.writeOff = 0
	}

	mb.size++
	if mb.size == 1 {
		// The box was empty; a receiver may be waiting.
		k := mb.k
		k.schedLock(c)
		c = k.schedWakeupOne(c, &mb.receivers, nil)
		k.schedUnlock(c)
	}
	return nil
}

func (mb *Mailbox) tryReceiveLocked(c *arch.CPU, msg []byte) error {
	if len(msg) != mb.msgSize {
		return kernelerr.EINVAL
	}
	if mb.size == 0 {
		return kernelerr.EAGAIN
	}

	copy(msg, mb.buf[mb.readOff:mb.readOff+mb.msgSize])
	mb.readOff += mb.msgSize
	if mb.readOff >= len(mb.buf) {
		mb.readOff = 0
	}

	if mb.size == mb.capacity {
		// The box was full; a sender may be waiting.
		k := mb.k
		k.schedLock(c)
		c = k.schedWakeupOne(c, &mb.senders, nil)
		k.schedUnlock(c)
	}
	mb.size--
	return nil
}
