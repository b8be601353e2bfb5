package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestSerialQueueFIFO(t *testing.T) {
	var mu sync.Mutex
	var got []int
	q := NewSerialQueue(func(item *Item) {
		mu.Lock()
		got = append(got, item.Payload.(int))
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		q.Add(i)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	}, "all items processed")

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		assert.Equal(t, i, v, "items must drain in FIFO order")
	}
}

func TestSerialQueuePauseKeepsItems(t *testing.T) {
	var mu sync.Mutex
	var got []int
	q := NewSerialQueue(func(item *Item) {
		mu.Lock()
		got = append(got, item.Payload.(int))
		mu.Unlock()
	})

	q.Pause()
	for i := 0; i < 5; i++ {
		q.Add(i)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, got, "paused queue must not process")
	mu.Unlock()
	assert.Equal(t, 5, q.Len())

	q.Resume()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, "all items processed after resume")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got, "no item may be lost across pause")
}

func TestSerialQueuePauseMidDrain(t *testing.T) {
	var mu sync.Mutex
	var got []int
	var q *SerialQueue
	q = NewSerialQueue(func(item *Item) {
		mu.Lock()
		got = append(got, item.Payload.(int))
		mu.Unlock()
		if item.Payload.(int) == 1 {
			q.Pause()
		}
	})

	for i := 0; i < 6; i++ {
		q.Add(i)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "first two items processed")

	// The in-flight item completes but nothing past it runs.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []int{0, 1}, got)
	mu.Unlock()
	assert.Equal(t, 4, q.Len(), "unprocessed remainder must stay queued")

	q.Resume()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 6
	}, "remainder processed after resume")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, got)
}

func TestSerialQueueResumeCallbacks(t *testing.T) {
	t.Run("fire immediately when empty", func(t *testing.T) {
		q := NewSerialQueue(func(item *Item) {})
		fired := false
		q.Resume(func() { fired = true })
		assert.True(t, fired)
	})

	t.Run("fire once in order after drain", func(t *testing.T) {
		release := make(chan struct{})
		q := NewSerialQueue(func(item *Item) {
			<-release
		})

		q.Pause()
		q.Add("x")
		q.Add("y")

		var mu sync.Mutex
		var order []int
		q.Resume(func() {
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
		})
		q.Resume(func() {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
		})

		mu.Lock()
		assert.Empty(t, order, "callbacks must wait for the queue to empty")
		mu.Unlock()

		close(release)
		waitFor(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(order) == 2
		}, "callbacks fired")

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []int{1, 2}, order, "callbacks fire in registration order")
	})
}

func TestSerialQueueItemTimestamps(t *testing.T) {
	q := NewSerialQueue(func(item *Item) {})
	q.Pause()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	q.now = func() time.Time { return current }

	q.Add("a")
	current = base.Add(300 * time.Millisecond)
	q.Add("b")

	require.Equal(t, 2, q.Len())
	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, base, q.waiting[0].EnqueuedAt)
	assert.Equal(t, base.Add(300*time.Millisecond), q.waiting[1].EnqueuedAt)
}
