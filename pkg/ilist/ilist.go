// Copyright 2024 The osdev-arm Authors.
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

// Package ilist provides the implementation of intrusive linked lists.
//
// Intrusive lists embed their link fields in the listed objects themselves,
// so insertion and removal are O(1) and never allocate. The kernel threads
// the same Entry through every queue a task can be on (run queue, wait
// queue), which is what makes the "a task is on at most one list" invariant
// cheap to maintain.
package ilist

// Linker is the interface that objects must implement if they want to be
// added to and/or removed from List objects.
type Linker interface {
	Next() Element
	Prev() Element
	SetNext(Element)
	SetPrev(Element)
}

// Element is the item type stored in a List. Concrete elements embed an
// Entry and are recovered from iteration with a type assertion.
type Element interface {
	Linker
}

// List is an intrusive list. An element may be a member of at most one list
// at any time.
//
// The zero value for List is an empty list ready to use.
//
// To iterate over a list (where l is a List):
//
//	for e := l.Front(); e != nil; e = e.Next() {
//		// do something with e.
//	}
type List struct {
	head Element
	tail Element
}

// Reset resets list l to the empty state.
func (l *List) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
func (l *List) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *List) Front() Element {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *List) Back() Element {
	return l.tail
}

// Len returns the number of elements in the list.
//
// NOTE: This is an O(n) operation.
func (l *List) Len() (count int) {
	for e := l.Front(); e != nil; e = e.Next() {
		count++
	}
	return count
}

// PushFront inserts the element e at the front of list l.
func (l *List) PushFront(e Element) {
	e.SetNext(l.head)
	e.SetPrev(nil)
	if l.head != nil {
		l.head.SetPrev(e)
	} else {
		l.tail = e
	}
	l.head = e
}

// PushBack inserts the element e at the back of list l.
func (l *List) PushBack(e Element) {
	e.SetNext(nil)
	e.SetPrev(l.tail)
	if l.tail != nil {
		l.tail.SetNext(e)
	} else {
		l.head = e
	}
	l.tail = e
}

// Remove removes e from l.
func (l *List) Remove(e Element) {
	prev := e.Prev()
	next := e.Next()

	if prev != nil {
		prev.SetNext(next)
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		next.SetPrev(prev)
	} else if l.tail == e {
		l.tail = prev
	}

	e.SetNext(nil)
	e.SetPrev(nil)
}

// Entry is a default implementation of Linker. Users can add anonymous
// fields of this type to their structs to make them automatically implement
// the methods needed by List.
type Entry struct {
	next Element
	prev Element
}

// Next returns the entry that follows e in the list.
func (e *Entry) Next() Element {
	return e.next
}

// Prev returns the entry that precedes e in the list.
func (e *Entry) Prev() Element {
	return e.prev
}

// SetNext assigns 'elem' as the entry that follows e in the list.
func (e *Entry) SetNext(elem Element) {
	e.next = elem
}

// SetPrev assigns 'elem' as the entry that precedes e in the list.
func (e *Entry) SetPrev(elem Element) {
	e.prev = elem
}
