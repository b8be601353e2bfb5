package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"purchasekit/internal/types"
)

func TestSinkRateLimit(t *testing.T) {
	sink := NewSink(nil, "")
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	sink.now = func() time.Time { return current }

	err := types.NewError(types.ErrServer, "boom")
	for i := 0; i < 10; i++ {
		current = base.Add(time.Duration(i) * time.Second)
		sink.Report(err)
	}
	assert.Len(t, sink.recent, 10)
	assert.Zero(t, sink.dropped)

	// The 11th report inside the window is dropped.
	current = base.Add(30 * time.Second)
	sink.Report(err)
	assert.Len(t, sink.recent, 10)
	assert.Equal(t, 1, sink.dropped)

	// Entries fall out of the rolling window as time advances; the oldest
	// five are older than 60s by now.
	current = base.Add(64 * time.Second)
	sink.Report(err)
	assert.Zero(t, sink.dropped)
	assert.Len(t, sink.recent, 6)
}

func TestSinkIgnoresNil(t *testing.T) {
	sink := NewSink(nil, "")
	sink.Report(nil)
	assert.Empty(t, sink.recent)
}

func TestDispatcherRunsInOrder(t *testing.T) {
	d := NewDispatcher()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 10; i++ {
		i := i
		d.Async(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 10)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestDispatcherTaskMayEnqueueTasks(t *testing.T) {
	d := NewDispatcher()

	var mu sync.Mutex
	ran := 0
	done := make(chan struct{})
	d.Async(func() {
		for i := 0; i < 200; i++ {
			d.Async(func() {
				mu.Lock()
				ran++
				mu.Unlock()
			})
		}
		d.Async(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher stalled on tasks enqueued from a task")
	}
	d.Stop()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 200, ran)
}

func TestNotifierErrorDelivery(t *testing.T) {
	t.Run("silent errors are swallowed", func(t *testing.T) {
		d := NewDispatcher()
		called := false
		n := NewNotifier(d, Delegate{OnError: func(err *types.Error) { called = true }}, NewSink(nil, ""), nil)

		silent := types.NewError(types.ErrAlreadyPurchased, "already owned")
		silent.Silent = true
		n.Error(silent)
		d.Stop()
		assert.False(t, called)
	})

	t.Run("each error instance is delivered once", func(t *testing.T) {
		d := NewDispatcher()
		calls := 0
		n := NewNotifier(d, Delegate{OnError: func(err *types.Error) { calls++ }}, NewSink(nil, ""), nil)

		err := types.NewError(types.ErrServer, "boom")
		n.Error(err)
		n.Error(err)
		d.Stop()
		assert.Equal(t, 1, calls)
	})
}

func TestNotifierBuyIntentFallback(t *testing.T) {
	t.Run("registered handler wins", func(t *testing.T) {
		d := NewDispatcher()
		var handled, fallback string
		n := NewNotifier(d,
			Delegate{OnBuyIntent: func(sku string) { handled = sku }},
			NewSink(nil, ""),
			func(sku string) { fallback = sku })

		n.BuyIntent("premium")
		d.Stop()
		assert.Equal(t, "premium", handled)
		assert.Empty(t, fallback)
	})

	t.Run("default flow without a handler", func(t *testing.T) {
		d := NewDispatcher()
		var fallback string
		n := NewNotifier(d, Delegate{}, NewSink(nil, ""), func(sku string) { fallback = sku })

		n.BuyIntent("premium")
		d.Stop()
		assert.Equal(t, "premium", fallback)
	})
}
