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
	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
)

// PID is a process identifier. PIDs are assigned monotonically; PID 1 is
// init.
type PID int32

// pidRegister assigns the next PID and enters the process into the PID
// table. PID overflow is a fatal kernel bug.
func (k *Kernel) pidRegister(c *arch.CPU, p *Process) PID {
	k.pidLock.Acquire(c)
	defer k.pidLock.Release(c)

	k.nextPID++
	if k.nextPID < 0 {
		panic("kernel: PID overflow")
	}
	k.pids[k.nextPID] = p
	return k.nextPID
}

// pidUnregister removes a PID table entry. Idempotent: exit removes the
// entry, and the parent's reap tolerates that.
func (k *Kernel) pidUnregister(c *arch.CPU, pid PID) {
	k.pidLock.Acquire(c)
	defer k.pidLock.Release(c)
	delete(k.pids, pid)
}

// LookupPID returns the process with the given PID, or nil.
func (k *Kernel) LookupPID(c *arch.CPU, pid PID) *Process {
	k.pidLock.Acquire(c)
	defer k.pidLock.Release(c)
	return k.pids[pid]
}
