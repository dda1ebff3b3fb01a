// Package timer implements the expiring-timer min-heap that evicts idle
// connections. It is a port of the original LiteWebServer HeapTimer: a
// slice-backed binary heap keyed by deadline plus an id->index side map so
// Add/Update/Cancel stay O(log n).
package timer

import "time"

// Task is one scheduled action, identified by id (the connection's file
// descriptor in the server's usage) with at most one live Task per id.
type Task struct {
	ID       int
	Deadline time.Time
	Action   func()
}

// Heap is a min-heap of Tasks ordered by Deadline.
type Heap struct {
	tasks []Task
	index map[int]int // id -> position in tasks
}

// New returns an empty Heap.
func New() *Heap {
	return &Heap{
		tasks: make([]Task, 0, 64),
		index: make(map[int]int, 64),
	}
}

// Len reports the number of live tasks.
func (h *Heap) Len() int { return len(h.tasks) }

// Add inserts a task, or, when a task with the same id is already live,
// replaces that task's deadline and action in place (never duplicating it).
func (h *Heap) Add(t Task) {
	if i, ok := h.index[t.ID]; ok {
		h.tasks[i].Deadline = t.Deadline
		h.tasks[i].Action = t.Action
		h.siftUp(i)
		h.siftDown(i)
		return
	}
	h.tasks = append(h.tasks, t)
	i := len(h.tasks) - 1
	h.index[t.ID] = i
	h.siftUp(i)
}

// Update changes the deadline of the task registered under id. It is a
// no-op if no such task exists.
func (h *Heap) Update(id int, deadline time.Time) {
	i, ok := h.index[id]
	if !ok {
		return
	}
	h.tasks[i].Deadline = deadline
	h.siftUp(i)
	h.siftDown(i)
}

// Cancel removes the task registered under id, if any.
func (h *Heap) Cancel(id int) {
	i, ok := h.index[id]
	if !ok {
		return
	}
	h.removeAt(i)
}

func (h *Heap) removeAt(i int) {
	last := len(h.tasks) - 1
	h.swap(i, last)
	delete(h.index, h.tasks[last].ID)
	h.tasks = h.tasks[:last]
	if i < len(h.tasks) {
		h.siftDown(i)
		h.siftUp(i)
	}
}

func (h *Heap) swap(i, j int) {
	h.tasks[i], h.tasks[j] = h.tasks[j], h.tasks[i]
	h.index[h.tasks[i].ID] = i
	h.index[h.tasks[j].ID] = j
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.tasks[i].Deadline.Before(h.tasks[parent].Deadline) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *Heap) siftDown(i int) {
	n := len(h.tasks)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		smallest := left
		if right := left + 1; right < n && h.tasks[right].Deadline.Before(h.tasks[left].Deadline) {
			smallest = right
		}
		if !h.tasks[smallest].Deadline.Before(h.tasks[i].Deadline) {
			break
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *Heap) pop() Task {
	t := h.tasks[0]
	h.removeAt(0)
	return t
}

// NextTick runs every task whose deadline has passed (as a side effect) and
// returns the number of milliseconds until the new root's deadline, 0 if
// already due, or -1 when the heap is empty. Actions run synchronously on
// the caller's goroutine, which must be the single I/O-loop goroutine per
// the spec's concurrency model.
func (h *Heap) NextTick() int {
	now := time.Now()
	for len(h.tasks) > 0 && !h.tasks[0].Deadline.After(now) {
		t := h.pop()
		if t.Action != nil {
			t.Action()
		}
	}
	if len(h.tasks) == 0 {
		return -1
	}
	d := time.Until(h.tasks[0].Deadline)
	if d <= 0 {
		return 0
	}
	return int(d / time.Millisecond)
}
