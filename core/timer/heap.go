// Package timer implements an indexed binary min-heap of timers, the
// Go counterpart of the original server's HeapTimer
// (code/timer/heaptimer.h). It drives the idle-timeout for every
// connection: the reactor thread owns it exclusively, so no
// synchronization is needed.
package timer

import "time"

// Callback is invoked when a timer expires or is force-fired by
// DoWork. It is typically CloseConn for a given connection id.
type Callback func()

// node is a single entry: id (the connection fd), its deadline, and
// the callback to run on expiry.
type node struct {
	id      int
	expires time.Time
	cb      Callback
}

// Heap is a min-heap of timer nodes ordered by expires, with a
// sidecar id->index map kept consistent on every mutation so that Add
// can adjust an existing entry in place instead of allocating a
// duplicate.
type Heap struct {
	heap []node
	ref  map[int]int // id -> index into heap
}

// New creates an empty Heap.
func New() *Heap {
	return &Heap{
		heap: make([]node, 0, 64),
		ref:  make(map[int]int, 64),
	}
}

// Len returns the number of live timers.
func (h *Heap) Len() int {
	return len(h.heap)
}

// Add inserts a new timer for id with the given timeout, or updates
// the existing one's deadline and callback in place if id is already
// present.
func (h *Heap) Add(id int, timeout time.Duration, cb Callback) {
	expires := time.Now().Add(timeout)

	if i, ok := h.ref[id]; ok {
		h.heap[i].expires = expires
		h.heap[i].cb = cb
		h.fix(i)
		return
	}

	h.heap = append(h.heap, node{id: id, expires: expires, cb: cb})
	i := len(h.heap) - 1
	h.ref[id] = i
	h.siftUp(i)
}

// Adjust moves id's deadline forward to now+timeout. It is a no-op if
// id is not present.
func (h *Heap) Adjust(id int, timeout time.Duration) {
	i, ok := h.ref[id]
	if !ok {
		return
	}
	h.heap[i].expires = time.Now().Add(timeout)
	h.fix(i)
}

// DoWork invokes id's callback immediately and removes it from the
// heap. No-op if id is not present.
func (h *Heap) DoWork(id int) {
	i, ok := h.ref[id]
	if !ok {
		return
	}
	cb := h.heap[i].cb
	h.del(i)
	if cb != nil {
		cb()
	}
}

// Remove deletes id from the heap without invoking its callback.
func (h *Heap) Remove(id int) {
	if i, ok := h.ref[id]; ok {
		h.del(i)
	}
}

// Tick pops and invokes every timer whose deadline has passed.
func (h *Heap) Tick() {
	now := time.Now()
	for len(h.heap) > 0 && !h.heap[0].expires.After(now) {
		cb := h.heap[0].cb
		h.del(0)
		if cb != nil {
			cb()
		}
	}
}

// GetNextTick expires everything currently due and returns the number
// of milliseconds until the next deadline, or -1 if the heap is
// empty. This is the value the reactor feeds into the poller's wait
// timeout.
func (h *Heap) GetNextTick() int {
	h.Tick()
	if len(h.heap) == 0 {
		return -1
	}
	ms := int(time.Until(h.heap[0].expires) / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	return ms
}

// del removes the node at heap index i, swapping in the last element
// and restoring heap order, always keeping ref consistent.
func (h *Heap) del(i int) {
	last := len(h.heap) - 1
	if i != last {
		h.swap(i, last)
	}
	delete(h.ref, h.heap[last].id)
	h.heap = h.heap[:last]

	if i < len(h.heap) {
		h.fix(i)
	}
}

// fix restores heap order at i in whichever direction is needed,
// after its key may have changed or a child was moved into it.
func (h *Heap) fix(i int) {
	if !h.siftDown(i, len(h.heap)) {
		h.siftUp(i)
	}
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.heap[i].expires.Before(h.heap[parent].expires) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

// siftDown restores heap order downward from i and reports whether it
// moved anything.
func (h *Heap) siftDown(i, n int) bool {
	moved := false
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		smallest := left
		if right := left + 1; right < n && h.heap[right].expires.Before(h.heap[left].expires) {
			smallest = right
		}
		if !h.heap[smallest].expires.Before(h.heap[i].expires) {
			break
		}
		h.swap(i, smallest)
		i = smallest
		moved = true
	}
	return moved
}

func (h *Heap) swap(i, j int) {
	h.heap[i], h.heap[j] = h.heap[j], h.heap[i]
	h.ref[h.heap[i].id] = i
	h.ref[h.heap[j].id] = j
}
