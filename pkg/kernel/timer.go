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
)

// kTimer is a one-shot tick timer. The sleep path arms one per task to
// bound sleeps with a timeout.
type kTimer struct {
	ilist.Entry

	// remain is the number of ticks until the timer fires.
	remain Ticks

	// fn is the expiry callback. It runs from the timer interrupt with no
	// kernel locks held.
	fn func(c *arch.CPU)

	active bool
}

// timerStart arms a one-shot timer. The timer's remain field holds the
// timeout in ticks.
func (k *Kernel) timerStart(c *arch.CPU, tm *kTimer) {
	k.timerLock.Acquire(c)
	defer k.timerLock.Release(c)

	if tm.active {
		panic("kernel: timer started twice")
	}
	tm.active = true
	k.timers.PushBack(tm)
}

// timerStop disarms a timer if it is still pending.
func (k *Kernel) timerStop(c *arch.CPU, tm *kTimer) {
	k.timerLock.Acquire(c)
	defer k.timerLock.Release(c)

	if tm.active {
		k.timers.Remove(tm)
		tm.active = false
	}
}

// Tick advances kernel time by one timer interrupt. Expired timers are
// collected under the timer lock and their callbacks run after it is
// dropped, so callbacks are free to take the scheduler lock.
func (k *Kernel) Tick(c *arch.CPU) {
	var expired []*kTimer

	k.timerLock.Acquire(c)
	e := k.timers.Front()
	for e != nil {
		tm := e.(*kTimer)
		e = e.Next()

		tm.remain--
		if tm.remain <= 0 {
			k.timers.Remove(tm)
			tm.active = false
			expired = append(expired, tm)
		}
	}
	k.timerLock.Release(c)

	for _, tm := range expired {
		tm.fn(c)
	}
}
