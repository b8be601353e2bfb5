// Package lifecycle delivers app foreground/background signals to the SDK.
// The host application either drives a ManualSource directly or points the
// SDK at a NATS subject its shell publishes lifecycle events on.
package lifecycle

import "sync"

// State is the app's visibility state
type State string

const (
	Foreground State = "foreground"
	Background State = "background"
)

// Listener receives lifecycle transitions.
type Listener func(State)

// Source is a stream of lifecycle transitions.
type Source interface {
	// Subscribe registers a listener and returns an unsubscribe func.
	Subscribe(Listener) func()
}

// ManualSource is a Source the host app drives by calling Notify* methods
// from its own lifecycle hooks.
type ManualSource struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener
}

// NewManualSource creates an empty manual source.
func NewManualSource() *ManualSource {
	return &ManualSource{listeners: make(map[int]Listener)}
}

func (s *ManualSource) Subscribe(l Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// NotifyForeground signals that the app entered the foreground.
func (s *ManualSource) NotifyForeground() { s.notify(Foreground) }

// NotifyBackground signals that the app entered the background.
func (s *ManualSource) NotifyBackground() { s.notify(Background) }

func (s *ManualSource) notify(state State) {
	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()
	for _, l := range listeners {
		l(state)
	}
}
