package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"purchasekit/internal/apiclient"
	"purchasekit/internal/config"
	"purchasekit/internal/types"
)

type backend struct {
	gets     int32
	tagPosts int32
	pricing  int32
	server   *httptest.Server
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{}
	b.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet:
			atomic.AddInt32(&b.gets, 1)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"productsForSale": []interface{}{
					map[string]interface{}{"id": "main", "sku": "premium", "type": "auto_renew_subscription"},
				},
				"activeProducts": []interface{}{},
			})
		case strings.HasSuffix(r.URL.Path, "/pricing"):
			atomic.AddInt32(&b.pricing, 1)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		default:
			atomic.AddInt32(&b.tagPosts, 1)
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}
	}))
	t.Cleanup(b.server.Close)
	return b
}

func newSession(t *testing.T, b *backend) *UserSession {
	t.Helper()
	cfg := config.Default()
	cfg.AppID = "app1"
	cfg.APIKey = "key1"
	cfg.BaseURL = b.server.URL
	return New(apiclient.New(cfg), "u1", func(f func()) { f() })
}

func fetchAndWait(t *testing.T, s *UserSession) {
	t.Helper()
	done := make(chan *types.Error, 1)
	s.Fetch(func(err *types.Error) { done <- err })
	select {
	case err := <-done:
		require.Nil(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not complete")
	}
}

func TestFetchPopulatesCaches(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, b)

	fetchAndWait(t, s)

	require.Len(t, s.Products(), 1)
	assert.Equal(t, "premium", s.Products()[0].SKU)
	assert.NotNil(t, s.ProductBySKU("premium"))
	assert.Nil(t, s.ProductBySKU("unknown"))
}

func TestFetchCoalescesConcurrentCallers(t *testing.T) {
	var gets int32
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&gets, 1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"productsForSale": []interface{}{},
			"activeProducts":  []interface{}{},
		})
	}))
	t.Cleanup(ts.Close)

	cfg := config.Default()
	cfg.AppID = "app1"
	cfg.APIKey = "key1"
	cfg.BaseURL = ts.URL
	s := New(apiclient.New(cfg), "u1", func(f func()) { f() })

	const callers = 6
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go s.Fetch(func(err *types.Error) {
			assert.Nil(t, err)
			wg.Done()
		})
	}

	// Hold the backend until every caller has attached to the in-flight
	// request.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.waiters)
		s.mu.Unlock()
		if n == callers {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d callers attached", n, callers)
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&gets),
		"concurrent fetches must share the in-flight request")
}

func TestRefreshHonorsTTL(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, b)

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	current := base
	s.now = func() time.Time { return current }

	fetchAndWait(t, s)
	require.Equal(t, int32(1), atomic.LoadInt32(&b.gets))

	refresh := func(force bool) {
		done := make(chan struct{})
		s.Refresh(time.Hour, force, func(err *types.Error) {
			assert.Nil(t, err)
			close(done)
		})
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("refresh did not complete")
		}
	}

	t.Run("inside the interval", func(t *testing.T) {
		current = base.Add(30 * time.Minute)
		refresh(false)
		assert.Equal(t, int32(1), atomic.LoadInt32(&b.gets), "fresh cache must skip the network")
	})

	t.Run("past the interval", func(t *testing.T) {
		current = base.Add(2 * time.Hour)
		refresh(false)
		assert.Equal(t, int32(2), atomic.LoadInt32(&b.gets))
	})

	t.Run("forced", func(t *testing.T) {
		refresh(true)
		assert.Equal(t, int32(3), atomic.LoadInt32(&b.gets))
	})

	t.Run("after a receipt post", func(t *testing.T) {
		s.NoteReceiptPosted(current.Add(time.Minute))
		refresh(false)
		assert.Equal(t, int32(4), atomic.LoadInt32(&b.gets))
	})
}

func TestSetTagsInvalidatesCache(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, b)

	fetchAndWait(t, s)

	done := make(chan struct{})
	s.SetTags(map[string]string{"plan": "pro"}, func(err *types.Error) {
		assert.Nil(t, err)
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tag post did not complete")
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&b.tagPosts))

	refreshed := make(chan struct{})
	s.Refresh(time.Hour, false, func(err *types.Error) {
		assert.Nil(t, err)
		close(refreshed)
	})
	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not complete")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&b.gets), "a tag update must invalidate the cache")
}

func TestSetUserIDDropsCaches(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, b)

	fetchAndWait(t, s)
	require.NotEmpty(t, s.Products())

	s.SetUserID("u2")
	assert.Equal(t, "u2", s.CurrentUserID())
	assert.Empty(t, s.Products())
	assert.Empty(t, s.ActiveProducts())

	// Same id is a no-op.
	s.SetUserID("u2")
	assert.Equal(t, "u2", s.CurrentUserID())
}

func TestPricingDeltaPostedOnce(t *testing.T) {
	b := newBackend(t)
	s := newSession(t, b)

	s.SetPricing([]types.PricingEntry{
		{ID: "main", Price: 9.99, Currency: "USD"},
	})

	fetchAndWait(t, s)
	waitPricing(t, b, 1)

	// Unchanged pricing posts nothing on the next fetch.
	fetchAndWait(t, s)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.pricing))

	// A price change posts the delta.
	s.SetPricing([]types.PricingEntry{
		{ID: "main", Price: 11.99, Currency: "USD"},
	})
	fetchAndWait(t, s)
	waitPricing(t, b, 2)
}

func waitPricing(t *testing.T, b *backend, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&b.pricing) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pricing posts = %d, want %d", atomic.LoadInt32(&b.pricing), want)
}
