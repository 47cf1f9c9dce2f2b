// Copyright 2026 The go-taskfarm Authors
// This file is part of the go-taskfarm library.
//
// The go-taskfarm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-taskfarm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-taskfarm library. If not, see <http://www.gnu.org/licenses/>.

// Package keyheap implements an array-backed binary heap ordered by a
// caller-supplied projection of each item to an int64 key.
//
// By default the heap is a min-heap over the projected keys; the reverse
// flag turns it into a max-heap.
package keyheap

import "errors"

// ErrEmptyHeap is returned by Pop and Peek on an empty heap.
var ErrEmptyHeap = errors.New("empty heap")

// Heap is a projection-keyed binary heap.
type Heap[T any] struct {
	items   []T
	key     func(T) int64
	reverse bool
}

// New heapifies the given items in place in O(n) via bottom-up sift-down.
// The items slice is owned by the heap afterwards.
func New[T any](items []T, key func(T) int64, reverse bool) *Heap[T] {
	h := &Heap[T]{items: items, key: key, reverse: reverse}
	for i := len(h.items)/2 - 1; i >= 0; i-- {
		h.siftDown(i)
	}
	return h
}

// Len returns the number of items in the heap.
func (h *Heap[T]) Len() int {
	return len(h.items)
}

// Empty reports whether the heap holds no items.
func (h *Heap[T]) Empty() bool {
	return len(h.items) == 0
}

// Push inserts an item, restoring the heap property in O(log n).
func (h *Heap[T]) Push(item T) {
	h.items = append(h.items, item)
	h.siftUp(len(h.items) - 1)
}

// Pop removes and returns the extremum (minimum, or maximum when the heap
// was built with reverse set).
func (h *Heap[T]) Pop() (T, error) {
	var zero T
	if len(h.items) == 0 {
		return zero, ErrEmptyHeap
	}
	root := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items[last] = zero
	h.items = h.items[:last]
	if len(h.items) > 0 {
		h.siftDown(0)
	}
	return root, nil
}

// Peek returns the extremum without removing it.
func (h *Heap[T]) Peek() (T, error) {
	var zero T
	if len(h.items) == 0 {
		return zero, ErrEmptyHeap
	}
	return h.items[0], nil
}

// before reports whether the item at i must sit above the item at j.
func (h *Heap[T]) before(i, j int) bool {
	if h.reverse {
		return h.key(h.items[i]) > h.key(h.items[j])
	}
	return h.key(h.items[i]) < h.key(h.items[j])
}

func (h *Heap[T]) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.before(i, parent) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *Heap[T]) siftDown(i int) {
	n := len(h.items)
	for {
		left, right := 2*i+1, 2*i+2
		if left >= n {
			return
		}
		child := left
		if right < n && h.before(right, left) {
			child = right
		}
		if !h.before(child, i) {
			return
		}
		h.items[i], h.items[child] = h.items[child], h.items[i]
		i = child
	}
}
