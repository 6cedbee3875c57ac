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

import (
	"testing"
	"time"
)

func TestIRQSaveNesting(t *testing.T) {
	m := NewMachine(1)
	c := m.CPU(0)
	c.IRQEnable()

	c.IRQSave()
	if c.IRQEnabled() {
		t.Fatal("interrupts enabled inside IRQSave")
	}
	c.IRQSave()
	c.IRQRestore()
	if c.IRQEnabled() {
		t.Fatal("inner IRQRestore re-enabled interrupts")
	}
	c.IRQRestore()
	if !c.IRQEnabled() {
		t.Fatal("outermost IRQRestore did not restore the saved state")
	}
}

func TestIRQRestoreKeepsDisabled(t *testing.T) {
	m := NewMachine(1)
	c := m.CPU(0)
	// Interrupts start disabled; a save/restore pair must not enable them.
	c.IRQSave()
	c.IRQRestore()
	if c.IRQEnabled() {
		t.Fatal("IRQRestore enabled interrupts that were disabled before the save")
	}
}

func TestIRQRestoreUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("no panic on IRQRestore underflow")
		}
	}()
	NewMachine(1).CPU(0).IRQRestore()
}

func TestDeliveryAtEnableBoundary(t *testing.T) {
	m := NewMachine(1)
	c := m.CPU(0)

	var got []int
	c.SetDispatch(func(c *CPU, irq int) *CPU {
		if c.IRQEnabled() {
			t.Error("dispatch entered with interrupts enabled")
		}
		got = append(got, irq)
		return c
	})
	m.EnableLine(3, 0)
	m.EnableLine(5, 0)

	// Latched while disabled: nothing happens until the enable boundary.
	m.Raise(5)
	m.Raise(3)
	if len(got) != 0 {
		t.Fatal("interrupt delivered while disabled")
	}

	c.IRQEnable()
	if len(got) != 2 || got[0] != 3 || got[1] != 5 {
		t.Fatalf("delivered %v, want [3 5]", got)
	}
	if !c.IRQEnabled() {
		t.Fatal("interrupts not re-enabled after delivery")
	}
}

func TestMaskedLineStaysLatched(t *testing.T) {
	m := NewMachine(1)
	c := m.CPU(0)

	var got []int
	c.SetDispatch(func(c *CPU, irq int) *CPU {
		got = append(got, irq)
		return c
	})
	m.EnableLine(7, 0)

	m.Mask(7)
	m.Raise(7)
	c.IRQEnable()
	if len(got) != 0 {
		t.Fatal("masked interrupt delivered")
	}

	m.Unmask(7)
	// The unmask kicks WFI; delivery happens at the next boundary.
	c.IRQDisable()
	c.IRQEnable()
	if len(got) != 1 || got[0] != 7 {
		t.Fatalf("delivered %v after unmask, want [7]", got)
	}
}

func TestWaitForInterrupt(t *testing.T) {
	m := NewMachine(1)
	c := m.CPU(0)

	fired := false
	c.SetDispatch(func(c *CPU, irq int) *CPU {
		fired = true
		return c
	})
	m.EnableLine(9, 0)

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.Raise(9)
	}()

	c.IRQEnable()
	if !c.WaitForInterrupt() {
		t.Fatal("WaitForInterrupt reported machine stop")
	}
	if !fired {
		t.Fatal("WaitForInterrupt returned without delivering")
	}
}

func TestStopUnblocksWFI(t *testing.T) {
	m := NewMachine(1)
	c := m.CPU(0)
	c.SetDispatch(func(c *CPU, _ int) *CPU { return c })
	c.IRQEnable()

	done := make(chan bool, 1)
	go func() { done <- c.WaitForInterrupt() }()
	m.Stop()
	select {
	case alive := <-done:
		if alive {
			t.Fatal("WaitForInterrupt returned true after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForInterrupt did not return after Stop")
	}
}

func TestContextSwitch(t *testing.T) {
	var order []string
	main := NewContext()

	var task *Context
	task = NewTaskContext(func() {
		order = append(order, "task")
		Switch(task, main)
		panic("unreachable")
	})

	order = append(order, "main")
	Switch(main, task)
	order = append(order, "main again")

	if len(order) != 3 || order[0] != "main" || order[1] != "task" || order[2] != "main again" {
		t.Fatalf("switch order = %v", order)
	}
	task.Release()
}

func TestTrapFrameAt(t *testing.T) {
	stack := make([]byte, PageSize)
	tf := TrapFrameAt(stack)
	tf.R0 = 0xdeadbeef
	tf.PC = 0x8000

	// The frame must alias the top of the stack bytes.
	if got := TrapFrameAt(stack); got.R0 != 0xdeadbeef || got.PC != 0x8000 {
		t.Fatal("trap frame does not alias the stack top")
	}
}
