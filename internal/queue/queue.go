// Package queue provides the serial FIFO task queue that funnels all
// platform purchase events through a single worker, so receipt processing
// never runs concurrently.
package queue

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// Item is one queued unit of work. EnqueuedAt is kept so callers can collapse
// rapid duplicate deliveries of the same payload.
type Item struct {
	EnqueuedAt time.Time
	Payload    interface{}
}

// Handler processes a single item. It runs on the queue's drain goroutine and
// is never invoked concurrently with itself.
type Handler func(item *Item)

// SerialQueue drains items one at a time in FIFO order. Pausing halts
// draining without discarding queued items; the in-flight item always runs to
// completion. Resume callbacks accumulate and all fire once, in registration
// order, after the queue fully empties.
type SerialQueue struct {
	mu       sync.Mutex
	waiting  []*Item
	draining bool
	paused   bool
	onDrain  []func()

	handler Handler
	now     func() time.Time
}

// NewSerialQueue creates a queue draining into handler.
func NewSerialQueue(handler Handler) *SerialQueue {
	return &SerialQueue{
		handler: handler,
		now:     time.Now,
	}
}

// Add appends an item and triggers processing if the queue is idle.
func (q *SerialQueue) Add(payload interface{}) {
	q.mu.Lock()
	q.waiting = append(q.waiting, &Item{EnqueuedAt: q.now(), Payload: payload})
	start := !q.draining && !q.paused
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	if start {
		go q.drain()
	}
}

// Pause halts further draining. Items added while paused stay queued.
func (q *SerialQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	glog.V(2).Info("serial queue paused")
}

// Resume re-enables draining. Each callback fires exactly once after the
// queue has fully emptied; if the queue is already empty they fire
// immediately.
func (q *SerialQueue) Resume(onDrained ...func()) {
	q.mu.Lock()
	q.paused = false
	q.onDrain = append(q.onDrain, onDrained...)
	var fire []func()
	start := false
	if len(q.waiting) == 0 && !q.draining {
		fire = q.onDrain
		q.onDrain = nil
	} else if !q.draining {
		q.draining = true
		start = true
	}
	q.mu.Unlock()

	for _, cb := range fire {
		cb()
	}
	if start {
		go q.drain()
	}
}

// Len reports the number of items waiting to be processed.
func (q *SerialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// drain processes snapshots of the waiting list until it is empty or the
// queue is paused. Items arriving mid-pass are picked up by the next pass so
// nothing is ever skipped.
func (q *SerialQueue) drain() {
	for {
		q.mu.Lock()
		if q.paused || len(q.waiting) == 0 {
			var fire []func()
			if len(q.waiting) == 0 && !q.paused {
				fire = q.onDrain
				q.onDrain = nil
			}
			q.draining = false
			q.mu.Unlock()
			for _, cb := range fire {
				cb()
			}
			return
		}
		snapshot := q.waiting
		q.waiting = nil
		q.mu.Unlock()

		for i, item := range snapshot {
			q.mu.Lock()
			if q.paused {
				// Requeue the unprocessed remainder ahead of any items
				// added since the snapshot was taken.
				q.waiting = append(append([]*Item{}, snapshot[i:]...), q.waiting...)
				q.draining = false
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			q.handler(item)
		}
	}
}
