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
)

// A WaitChannel is a list of sleeping tasks: the condition-variable
// surrogate the kernel sleeps on. No predicate is stored; the caller
// retests its condition after every wakeup.
type WaitChannel struct {
	k    *Kernel
	head ilist.List
}

// Init prepares the wait channel for use.
func (wc *WaitChannel) Init(k *Kernel) {
	wc.k = k
	wc.head.Reset()
}

// Sleep blocks the calling task on the channel, releasing lock for the
// duration of the sleep. The release is atomic with respect to wakers
// serialized behind the same lock.
func (wc *WaitChannel) Sleep(t *Task, lock *ksync.SpinLock) error {
	return wc.k.schedSleep(t, &wc.head, 0, lock)
}

// WakeupOne wakes the highest-priority sleeper, ties broken FIFO.
func (wc *WaitChannel) WakeupOne(c *arch.CPU) {
	wc.k.schedLock(c)
	c = wc.k.schedWakeupOne(c, &wc.head, nil)
	wc.k.schedUnlock(c)
}

// WakeupAll wakes every sleeper on the channel.
func (wc *WaitChannel) WakeupAll(c *arch.CPU) {
	wc.k.schedLock(c)
	c = wc.k.schedWakeupAll(c, &wc.head, nil)
	wc.k.schedUnlock(c)
}
