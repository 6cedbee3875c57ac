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

import "runtime"

// Context is a saved execution context: the switch target for kernel
// context switches. On hardware this would be the callee-save register set
// spilled to the kernel stack; here each context is backed by a goroutine
// parked on a handoff channel.
//
// The contract matches the hardware primitive exactly: Switch suspends the
// calling context and resumes the target, and the caller continues from the
// same point when something later switches back to it.
type Context struct {
	ch chan struct{}
}

// NewContext returns a context owned by the calling goroutine. The caller
// becomes runnable again whenever another context switches to it.
func NewContext() *Context {
	return &Context{ch: make(chan struct{}, 1)}
}

// NewTaskContext creates a context whose first resume enters fn on a fresh
// goroutine. fn must never return; kernel tasks leave through their exit
// path, which switches away and releases the context.
func NewTaskContext(fn func()) *Context {
	c := &Context{ch: make(chan struct{}, 1)}
	go func() {
		if _, ok := <-c.ch; !ok {
			return
		}
		fn()
		panic("arch: context entry function returned")
	}()
	return c
}

// Switch suspends old (the caller's context) and resumes new. It returns
// when another context switches back to old.
func Switch(old, new *Context) {
	new.ch <- struct{}{}
	if _, ok := <-old.ch; !ok {
		// The context was released while suspended; the backing goroutine
		// must unwind without running any more task code.
		runtime.Goexit()
	}
}

// Release discards a suspended context. Its backing goroutine, if any,
// unwinds the next time it would have been resumed. Must not be called on
// a context that can still be switched to.
func (c *Context) Release() {
	close(c.ch)
}
