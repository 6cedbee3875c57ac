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

package arch

import "unsafe"

// PSR mode and flag bits.
const (
	// PSRModeUser is the user mode field value.
	PSRModeUser = 0x10

	// PSRFastDisable is the FIQ-disable bit; user tasks run with fast
	// interrupts off.
	PSRFastDisable = 1 << 6
)

// TrapFrame is the user register file saved on kernel entry and restored on
// the return to user mode. Syscall arguments arrive in R0-R2, the syscall
// number in R7, and the result is written back to R0.
type TrapFrame struct {
	R0  uint32
	R1  uint32
	R2  uint32
	R3  uint32
	R4  uint32
	R5  uint32
	R6  uint32
	R7  uint32
	R8  uint32
	R9  uint32
	R10 uint32
	R11 uint32
	R12 uint32
	SP  uint32
	LR  uint32
	PC  uint32
	PSR uint32
}

// TrapFrameSize is the stack space a trap frame occupies.
const TrapFrameSize = unsafe.Sizeof(TrapFrame{})

// TrapFrameAt carves the trap frame slot from the top of a kernel stack.
// The frame always lives at the same place for a given stack, so the trap
// entry path can find it without bookkeeping.
func TrapFrameAt(kstack []byte) *TrapFrame {
	if uintptr(len(kstack)) < TrapFrameSize {
		panic("arch: kernel stack smaller than a trap frame")
	}
	return (*TrapFrame)(unsafe.Pointer(&kstack[uintptr(len(kstack))-TrapFrameSize]))
}
