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
	"testing"

	"github.com/andrey-glotov/osdev-arm/pkg/kernel/arch"
)

func TestInterruptDirect(t *testing.T) {
	h := newHarness(t, 1)
	done := make(chan struct{})

	var fired atomic.Bool

	h.k.InterruptAttach(h.m.CPU(0), 10, func(c *arch.CPU, irq int) bool {
		if irq != 10 {
			t.Errorf("handler got irq %d, want 10", irq)
		}
		// Direct handlers run in hard-IRQ context.
		if h.k.cpu(c).isrNesting == 0 {
			t.Error("direct handler not in ISR context")
		}
		fired.Store(true)
		return true
	})

	h.spawn(func(kt *Task, _ any) {
		for !fired.Load() {
			h.k.Yield(kt)
		}
		close(done)
	}, nil, NZERO)

	h.m.Raise(10)
	h.start(done)
}

func TestInterruptThreaded(t *testing.T) {
	h := newHarness(t, 1)
	done := make(chan struct{})

	var handled atomic.Int32

	h.k.InterruptAttachThread(h.m.CPU(0), 11, func(c *arch.CPU, irq int) bool {
		// The bottom half runs as an ordinary task, not in ISR context.
		if h.k.cpu(c).isrNesting != 0 {
			t.Error("threaded handler ran in ISR context")
		}
		if cur := h.k.cpu(c).current; cur == nil || cur.priority != 0 {
			t.Error("threaded handler not on a top-priority bottom-half task")
		}
		handled.Add(1)
		return true
	})

	h.spawn(func(kt *Task, _ any) {
		for handled.Load() == 0 {
			h.k.Yield(kt)
		}
		close(done)
	}, nil, NZERO)

	h.m.Raise(11)
	h.start(done)
}

func TestUnexpectedIRQIsIgnored(t *testing.T) {
	h := newHarness(t, 1)
	done := make(chan struct{})

	// Enable a line with no attached handler; delivery must log and
	// unmask without disturbing anything.
	h.m.EnableLine(12, 0)

	h.spawn(func(kt *Task, _ any) {
		for i := 0; i < 4; i++ {
			h.k.Yield(kt)
		}
		close(done)
	}, nil, NZERO)

	h.m.Raise(12)
	h.start(done)
}

func TestAttachTwicePanics(t *testing.T) {
	h := newHarness(t, 1)
	c := h.m.CPU(0)
	h.k.InterruptAttach(c, 13, func(*arch.CPU, int) bool { return true })

	defer func() {
		if recover() == nil {
			t.Fatal("no panic on duplicate attach")
		}
	}()
	h.k.InterruptAttach(c, 13, func(*arch.CPU, int) bool { return true })
}

func TestISRNestingUnderflowPanics(t *testing.T) {
	h := newHarness(t, 1)
	defer func() {
		if recover() == nil {
			t.Fatal("no panic on ISR nesting underflow")
		}
	}()
	h.k.ISRExit(h.m.CPU(0))
}
