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
	"github.com/andrey-glotov/osdev-arm/pkg/kernelerr"
)

// A Semaphore is a counting semaphore: a non-negative counter plus a list
// of tasks sleeping for it to become positive. Interrupt handlers may Put;
// only tasks may Get.
type Semaphore struct {
	k    *Kernel
	lock ksync.SpinLock

	// count is the number of available tokens.
	count int

	waiters ilist.List
}

// Init prepares the semaphore with the given initial count.
func (s *Semaphore) Init(k *Kernel, initial int) {
	if initial < 0 {
		panic("kernel: negative semaphore count")
	}
	s.k = k
	s.count = initial
	s.lock.SetName("semaphore")
	s.waiters.Reset()
}

// Put posts one token, waking one sleeper when the counter was exhausted.
func (s *Semaphore) Put(c *arch.CPU) {
	s.lock.Acquire(c)

	s.count++
	if s.count == 1 {
		s.k.schedLock(c)
		c = s.k.schedWakeupOne(c, &s.waiters, nil)
		s.k.schedUnlock(c)
	}

	s.lock.Release(c)
}

// TryGet takes a token without blocking, failing with EAGAIN when none is
// available.
func (s *Semaphore) TryGet(c *arch.CPU) error {
	s.lock.Acquire(c)
	defer s.lock.Release(c)
	return s.tryGetLocked()
}

// Get takes a token, sleeping until one is posted. A nonzero timeout
// bounds the sleep; on expiry ETIMEDOUT is returned and the counter is
// untouched.
func (s *Semaphore) Get(t *Task, timeout Ticks) error {
	c := t.cpu
	s.lock.Acquire(c)

	var err error
	for {
		if err = s.tryGetLocked(); err != kernelerr.EAGAIN {
			break
		}
		err = s.k.schedSleep(t, &s.waiters, timeout, &s.lock)
		// Rescheduled, possibly on another CPU; the token may already be
		// gone again.
		c = t.cpu
		if err != nil {
			break
		}
	}

	s.lock.Release(c)
	return err
}

func (s *Semaphore) tryGetLocked() error {
	if s.count == 0 {
		return kernelerr.EAGAIN
	}
	s.count--
	return nil
}

// Count returns the current token count.
func (s *Semaphore) Count(c *arch.CPU) int {
	s.lock.Acquire(c)
	defer s.lock.Release(c)
	return s.count
}
