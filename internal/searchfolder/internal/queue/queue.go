// Package queue buffers object change events between committing writers and
// the incremental processor.
package queue

import (
	"sync"

	"github.com/syntrixbase/searchfolder/pkg/model"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 65536

type eventKey struct {
	storeID  uint32
	folderID uint32
	objectID uint32
}

func keyOf(ev model.ChangeEvent) eventKey {
	return eventKey{storeID: ev.StoreID, folderID: ev.FolderID, objectID: ev.ObjectID}
}

// Queue is a bounded FIFO of change events. A second event for an object
// that is still queued is merged into the first one's slot, so each object
// appears at most once and keeps its original position.
//
// When the queue holds Capacity distinct objects, new objects are rejected
// with model.ErrQueueFull. Events for objects already queued are always
// accepted since they merge in place.
type Queue struct {
	mu       sync.Mutex
	events   []model.ChangeEvent
	index    map[eventKey]int
	capacity int
	closed   bool
	signal   chan struct{} // buffered(1); closed by Close
}

// New creates an empty queue.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		events:   make([]model.ChangeEvent, 0, 64),
		index:    make(map[eventKey]int),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// merge combines a queued event with a newer one for the same object.
//   - delete always wins
//   - add + modify → add
//   - delete + add/modify → modify (the object came back; re-evaluate it)
//   - modify + add → add
func merge(existing, incoming model.ChangeKind) model.ChangeKind {
	switch {
	case incoming == model.ChangeDelete:
		return model.ChangeDelete
	case existing == model.ChangeDelete:
		return model.ChangeModify
	case existing == model.ChangeAdd || incoming == model.ChangeAdd:
		return model.ChangeAdd
	}
	return model.ChangeModify
}

// Enqueue adds ev without blocking. It is safe to call from any goroutine.
func (q *Queue) Enqueue(ev model.ChangeEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return model.ErrClosed
	}
	k := keyOf(ev)
	if i, ok := q.index[k]; ok {
		q.events[i].Kind = merge(q.events[i].Kind, ev.Kind)
		return nil
	}
	if len(q.events) >= q.capacity {
		return model.ErrQueueFull
	}
	q.index[k] = len(q.events)
	q.events = append(q.events, ev)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Requeue puts events back at the front of the queue, ahead of anything
// queued since they were drained. Newer queued events for the same object
// are merged on top of them. Requeue ignores the capacity bound: the events
// were admitted once already.
func (q *Queue) Requeue(evs []model.ChangeEvent) {
	if len(evs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]model.ChangeEvent, 0, len(evs)+len(q.events))
	index := make(map[eventKey]int, len(evs)+len(q.events))
	add := func(ev model.ChangeEvent) {
		k := keyOf(ev)
		if i, ok := index[k]; ok {
			merged[i].Kind = merge(merged[i].Kind, ev.Kind)
			return
		}
		index[k] = len(merged)
		merged = append(merged, ev)
	}
	for _, ev := range evs {
		add(ev)
	}
	for _, ev := range q.events {
		add(ev)
	}
	q.events, q.index = merged, index

	if !q.closed {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
}

// Drain removes and returns every queued event in queue order.
func (q *Queue) Drain() []model.ChangeEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return nil
	}
	out := q.events
	q.events = make([]model.ChangeEvent, 0, 64)
	q.index = make(map[eventKey]int)
	return out
}

// Ready signals that events may be available. The channel is closed once
// the queue is closed.
func (q *Queue) Ready() <-chan struct{} {
	return q.signal
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Capacity returns the bound on distinct queued objects.
func (q *Queue) Capacity() int { return q.capacity }

// Close stops accepting events. Queued events can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
