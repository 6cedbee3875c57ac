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

// Package arch provides the machine contract the kernel runs on: CPUs with
// an interrupt-disable flag, an interrupt controller with per-line masking,
// wait-for-interrupt, and an opaque context-switch primitive.
//
// The machine is simulated on the host. Each kernel execution context is
// backed by a goroutine and Switch hands off between them; interrupts are
// latched by device goroutines and delivered on the target CPU at its next
// enable boundary or WFI. This yields exactly the preemption model the
// kernel is written for: kernel code is never interrupted while interrupts
// are disabled, and becomes interruptible again at the instant they are
// enabled.
package arch

import (
	"math/bits"
	"sync/atomic"
)

// Machine geometry.
const (
	// PageShift is log2 of the page size.
	PageShift = 12

	// PageSize is the machine page size in bytes.
	PageSize = 1 << PageShift

	// MaxCPUs is the maximum number of CPUs the machine supports.
	MaxCPUs = 4

	// NumIRQ is the number of interrupt lines the controller exposes.
	NumIRQ = 64
)

// Well-known interrupt lines.
const (
	// IRQTimer is the per-CPU timer line.
	IRQTimer = 29

	// IRQConsole is the console UART line.
	IRQConsole = 44
)

// A Machine is a set of CPUs sharing one interrupt controller.
type Machine struct {
	cpus []*CPU

	// lineEnabled and lineTarget configure each interrupt line: whether the
	// line is wired up at all and which CPU it is routed to. Written at
	// attach time, read by Raise.
	lineEnabled [NumIRQ]atomic.Bool
	lineTarget  [NumIRQ]atomic.Int32

	// masked is the controller's per-line mask register.
	masked atomic.Uint64

	// stop is closed to power the machine off; it unblocks every CPU
	// sitting in WFI.
	stop chan struct{}
}

// NewMachine creates a machine with n CPUs.
func NewMachine(n int) *Machine {
	if n < 1 || n > MaxCPUs {
		panic("arch: bad CPU count")
	}
	m := &Machine{stop: make(chan struct{})}
	for i := 0; i < n; i++ {
		m.cpus = append(m.cpus, &CPU{
			id:   i,
			m:    m,
			kick: make(chan struct{}, 1),
		})
	}
	return m
}

// NumCPUs returns the number of CPUs in the machine.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// CPU returns the CPU with the given index.
func (m *Machine) CPU(i int) *CPU {
	return m.cpus[i]
}

// Stop powers the machine off. CPUs blocked in WaitForInterrupt return
// false. Raise and delivery do not check for a stopped machine: lines
// latched before or after Stop are still delivered at a CPU's next enable
// boundary.
func (m *Machine) Stop() {
	close(m.stop)
}

// EnableLine routes the given interrupt line to the given CPU and enables
// it at the controller.
func (m *Machine) EnableLine(irq, cpu int) {
	checkIRQ(irq)
	m.lineTarget[irq].Store(int32(cpu))
	m.lineEnabled[irq].Store(true)
}

// Mask masks the given line at the controller. A masked line stays latched
// but is not delivered until unmasked.
func (m *Machine) Mask(irq int) {
	checkIRQ(irq)
	m.masked.Or(uint64(1) << irq)
}

// Unmask unmasks the given line. If an occurrence is still latched it will
// be delivered at the target CPU's next delivery point.
func (m *Machine) Unmask(irq int) {
	checkIRQ(irq)
	m.masked.And(^(uint64(1) << irq))
	c := m.cpus[m.lineTarget[irq].Load()]
	c.kickWFI()
}

// EOI signals end-of-interrupt to the controller. The simulated controller
// retires an occurrence when it is delivered, so this only preserves the
// driver-visible protocol.
func (m *Machine) EOI(irq int) {
	checkIRQ(irq)
}

// Raise latches one occurrence of the given interrupt line, as a device
// asserting it would. Safe to call from any goroutine.
func (m *Machine) Raise(irq int) {
	checkIRQ(irq)
	if !m.lineEnabled[irq].Load() {
		return
	}
	c := m.cpus[m.lineTarget[irq].Load()]
	c.pending.Or(uint64(1) << irq)
	c.kickWFI()
}

func checkIRQ(irq int) {
	if irq < 0 || irq >= NumIRQ {
		panic("arch: interrupt line out of range")
	}
}

// A CPU models one processor: an identifier, the interrupt-disable flag
// with save/restore nesting, and the set of latched interrupt lines routed
// to it.
//
// All fields except pending are owned by the CPU's own execution context
// and must only be touched from code running on it.
type CPU struct {
	id int
	m  *Machine

	// irqEnabled is the CPSR I-bit, inverted: true when the CPU takes
	// interrupts.
	irqEnabled bool

	// irqSaveCount and irqFlags implement IRQ-disable nesting: only the
	// 0 -> 1 transition records the prior flag, only the 1 -> 0 transition
	// restores it.
	irqSaveCount int
	irqFlags     bool

	// dispatch is the kernel's interrupt entry point, invoked with
	// interrupts disabled. The kernel may switch tasks inside (delayed
	// preemption at ISR exit), so dispatch returns the CPU the suspended
	// context resumes on; delivery continues there. Interrupts stay
	// disabled until the exception return in deliver.
	dispatch func(c *CPU, irq int) *CPU

	// preempt, if set, is invoked whenever the CPU transitions to
	// interrupts-enabled with no IRQ-save nesting left, i.e. at the
	// outermost locking boundary.
	preempt func(c *CPU)

	// pending is the bitmask of latched lines, shared with device
	// goroutines.
	pending atomic.Uint64

	// kick wakes WaitForInterrupt when a line is latched.
	kick chan struct{}

	// activeSpace is the address space currently loaded on this CPU, nil
	// for the kernel-only space. Opaque to arch.
	activeSpace any
}

// ID returns the CPU index.
func (c *CPU) ID() int {
	return c.id
}

// Machine returns the machine the CPU belongs to.
func (c *CPU) Machine() *Machine {
	return c.m
}

// SetDispatch installs the kernel's interrupt entry point. Must be called
// before any line is enabled.
func (c *CPU) SetDispatch(fn func(c *CPU, irq int) *CPU) {
	c.dispatch = fn
}

// SetPreempt installs the kernel's locking-boundary hook. It runs whenever
// the CPU becomes fully preemptible again: interrupts enabled, no IRQ-save
// nesting, so no spinlocks held.
func (c *CPU) SetPreempt(fn func(c *CPU)) {
	c.preempt = fn
}

// IRQSaveDepth returns the current IRQ-save nesting depth. Each held
// spinlock contributes one level.
func (c *CPU) IRQSaveDepth() int {
	return c.irqSaveCount
}

// SetActiveSpace records the address space loaded on this CPU.
func (c *CPU) SetActiveSpace(s any) {
	c.activeSpace = s
}

// ActiveSpace returns the address space loaded on this CPU, or nil.
func (c *CPU) ActiveSpace() any {
	return c.activeSpace
}

// IRQSave disables interrupts, recording the previous state on the first
// call of a nest.
func (c *CPU) IRQSave() {
	if c.irqSaveCount == 0 {
		c.irqFlags = c.irqEnabled
	}
	c.irqEnabled = false
	c.irqSaveCount++
}

// IRQRestore undoes one IRQSave, restoring the recorded state when the
// outermost nest level is left.
func (c *CPU) IRQRestore() {
	if c.irqSaveCount <= 0 {
		panic("arch: irqSaveCount underflow")
	}
	c.irqSaveCount--
	if c.irqSaveCount == 0 && c.irqFlags {
		c.irqEnabled = true
		c = c.deliver()
		if c.irqSaveCount == 0 && c.preempt != nil {
			c.preempt(c)
		}
	}
}

// IRQEnable unconditionally enables interrupts on the CPU.
func (c *CPU) IRQEnable() {
	c.irqEnabled = true
	c = c.deliver()
	if c.irqSaveCount == 0 && c.preempt != nil {
		c.preempt(c)
	}
}

// IRQDisable unconditionally disables interrupts on the CPU.
func (c *CPU) IRQDisable() {
	c.irqEnabled = false
}

// IRQEnabled returns whether the CPU currently takes interrupts.
func (c *CPU) IRQEnabled() bool {
	return c.irqEnabled
}

// WaitForInterrupt idles the CPU until an interrupt is delivered. It
// returns false iff the machine was stopped. Interrupts must be enabled.
// Only the CPU's own scheduler context may call this; that context never
// migrates, so delivery always resumes here.
func (c *CPU) WaitForInterrupt() bool {
	for {
		if c.pending.Load()&^c.m.masked.Load() != 0 {
			c.deliver()
			return true
		}
		select {
		case <-c.kick:
		case <-c.m.stop:
			return false
		}
	}
}

func (c *CPU) kickWFI() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// deliver takes every deliverable latched interrupt in turn, running the
// dispatch entry point with interrupts disabled, the way the hardware
// enters an IRQ exception. The kernel may context-switch inside dispatch
// and resume the suspended context on another CPU; dispatch reports the
// CPU it finished on, and the exception return (re-enabling interrupts,
// draining further pending lines) continues there.
func (c *CPU) deliver() *CPU {
	for {
		if !c.irqEnabled {
			return c
		}
		p := c.pending.Load() &^ c.m.masked.Load()
		if p == 0 {
			return c
		}
		irq := bits.TrailingZeros64(p)
		c.pending.And(^(uint64(1) << irq))

		c.irqEnabled = false
		c = c.dispatch(c, irq)
		c.irqEnabled = true
	}
}
