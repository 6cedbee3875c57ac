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
	"golang.org/x/time/rate"

	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
	"github.com/andrey-glotov/osdev-arm/pkg/log"
)

// InterruptHandler services one interrupt line. The return value says
// whether the line should be unmasked immediately; a handler that defers
// work to a bottom half returns false and the bottom half unmasks.
type InterruptHandler func(c *arch.CPU, irq int) bool

// interruptSlot is one attached handler. spurious paces the "unexpected
// IRQ" report for the line, so a floating or misrouted line cannot flood
// the console; it is created with the kernel.
type interruptSlot struct {
	handler  InterruptHandler
	spurious *rate.Limiter
}

// interruptThread is the bottom half of a threaded handler.
type interruptThread struct {
	handler   InterruptHandler
	irq       int
	semaphore Semaphore
}

// InterruptAttach installs a handler that runs entirely in hard-IRQ
// context. Attaching twice to one line, or to a bad line, is a fatal
// kernel bug.
func (k *Kernel) InterruptAttach(c *arch.CPU, irq int, handler InterruptHandler) {
	if irq < 0 || irq >= arch.NumIRQ {
		panic("kernel: invalid interrupt id")
	}
	if k.interrupts[irq].handler != nil {
		panic("kernel: interrupt handler already attached")
	}
	if handler == nil {
		panic("kernel: nil interrupt handler")
	}

	k.interrupts[irq].handler = handler

	k.machine.EnableLine(irq, c.ID())
	k.machine.Unmask(irq)
}

// InterruptAttachThread installs a threaded handler: the hard-IRQ stub
// just posts a private semaphore and leaves the line masked; a dedicated
// top-priority bottom-half task runs the handler and unmasks. This lets
// long-running handlers take ordinary locks and sleep.
func (k *Kernel) InterruptAttachThread(c *arch.CPU, irq int, handler InterruptHandler) {
	isr := &interruptThread{
		handler: handler,
		irq:     irq,
	}
	isr.semaphore.Init(k, 0)

	t, err := k.NewTask(c, nil, interruptThreadEntry, isr, 0)
	if err != nil {
		panic("kernel: cannot create interrupt thread")
	}

	k.InterruptAttach(c, irq, func(c *arch.CPU, _ int) bool {
		isr.semaphore.Put(c)
		// Do not unmask yet; the bottom half will.
		return false
	})

	if err := k.Resume(c, t); err != nil {
		panic("kernel: cannot resume interrupt thread")
	}
}

// interruptThreadEntry is the bottom-half loop of a threaded handler.
func interruptThreadEntry(t *Task, arg any) {
	isr := arg.(*interruptThread)
	k := t.k

	for {
		if err := isr.semaphore.Get(t, 0); err != nil {
			panic("kernel: interrupt thread semaphore: " + err.Error())
		}

		if isr.handler(t.cpu, isr.irq) {
			k.machine.Unmask(isr.irq)
		}
	}
}

// interruptDispatch is the machine's interrupt entry point: mask the line,
// signal end-of-interrupt, run the attached handler, and honor any delayed
// reschedule on the way out.
func (k *Kernel) interruptDispatch(c *arch.CPU, irq int) *arch.CPU {
	k.ISREnter(c)

	k.machine.Mask(irq)
	k.machine.EOI(irq)

	unmask := true
	if h := k.interrupts[irq].handler; h != nil {
		unmask = h(c, irq)
	} else if k.interrupts[irq].spurious.Allow() {
		log.Warningf("unexpected IRQ %d on CPU %d", irq, c.ID())
	}
	if unmask {
		k.machine.Unmask(irq)
	}

	return k.ISRExit(c)
}
