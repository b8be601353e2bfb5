// Package notify owns the SDK's outward-facing callbacks: the main-context
// dispatcher all public completions run on, the typed delegate registrations,
// and the rate-limited diagnostic sink.
package notify

import "sync"

// Dispatcher serializes all public completions onto a single goroutine, the
// Go analogue of dispatching back to the app's main thread. Completion
// handlers may therefore touch SDK state without extra locking.
type Dispatcher struct {
	mu      sync.Mutex
	pending []func()

	wake chan struct{}
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// NewDispatcher creates and starts a dispatcher.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.stop:
			// Drain what was already queued before shutting down.
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		batch := d.pending
		d.pending = nil
		d.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, task := range batch {
			task()
		}
	}
}

// Async enqueues f onto the dispatcher goroutine. The queue is unbounded so
// a task may enqueue further tasks without blocking the dispatcher against
// itself. After Stop, tasks are dropped.
func (d *Dispatcher) Async(f func()) {
	select {
	case <-d.stop:
		return
	default:
	}
	d.mu.Lock()
	d.pending = append(d.pending, f)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Stop shuts the dispatcher down, draining already-queued tasks.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}
