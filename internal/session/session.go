// Package session owns the cached product and entitlement state for the
// logged-in user and decides when the backend must be consulted again.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/thoas/go-funk"

	"purchasekit/internal/apiclient"
	"purchasekit/internal/types"
)

// Completion receives the outcome of a fetch or refresh.
type Completion func(err *types.Error)

// UserSession caches products for sale, active entitlements and the pricing
// snapshot. All mutation happens behind the session mutex; completions are
// dispatched back to the main context.
type UserSession struct {
	api      *apiclient.Client
	dispatch func(func())

	mu             sync.Mutex
	userID         string
	products       []*types.Product
	activeProducts []*types.ActiveProduct

	pricing       []types.PricingEntry
	postedPricing map[string]types.PricingEntry

	lastFetch       time.Time
	lastReceiptPost time.Time
	fetched         bool
	stale           bool

	fetching bool
	waiters  []Completion

	now func() time.Time
}

// New creates a session for the given user.
func New(api *apiclient.Client, userID string, dispatch func(func())) *UserSession {
	return &UserSession{
		api:           api,
		dispatch:      dispatch,
		userID:        userID,
		postedPricing: make(map[string]types.PricingEntry),
		now:           time.Now,
	}
}

// CurrentUserID returns the backend user the session is bound to.
func (s *UserSession) CurrentUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SetUserID rebinds the session to a different user and drops the caches,
// which belong to the previous identity.
func (s *UserSession) SetUserID(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if userID == s.userID {
		return
	}
	s.userID = userID
	s.products = nil
	s.activeProducts = nil
	s.fetched = false
	s.stale = false
	s.lastFetch = time.Time{}
	s.lastReceiptPost = time.Time{}
}

// NoteReceiptPosted records a successful receipt post; the next Refresh will
// fetch even inside the TTL so entitlements are fresh right after a purchase.
func (s *UserSession) NoteReceiptPosted(at time.Time) {
	s.mu.Lock()
	s.lastReceiptPost = at
	s.mu.Unlock()
}

// Products returns the cached products for sale.
func (s *UserSession) Products() []*types.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Product, len(s.products))
	copy(out, s.products)
	return out
}

// ActiveProducts returns the cached entitlements.
func (s *UserSession) ActiveProducts() []*types.ActiveProduct {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.ActiveProduct, len(s.activeProducts))
	copy(out, s.activeProducts)
	return out
}

// ProductBySKU looks up a product for sale by its store sku.
func (s *UserSession) ProductBySKU(sku string) *types.Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := funk.Find(s.products, func(p *types.Product) bool {
		return p != nil && p.SKU == sku
	})
	if found == nil {
		return nil
	}
	return found.(*types.Product)
}

// SetPricing replaces the platform pricing snapshot. The next successful
// fetch posts the delta against what the backend last accepted.
func (s *UserSession) SetPricing(entries []types.PricingEntry) {
	s.mu.Lock()
	s.pricing = entries
	s.mu.Unlock()
}

// Fetch loads the user's products and entitlements. Concurrent callers
// coalesce onto the single in-flight request and all complete with its
// result.
func (s *UserSession) Fetch(completion Completion) {
	s.mu.Lock()
	if completion != nil {
		s.waiters = append(s.waiters, completion)
	}
	if s.fetching {
		s.mu.Unlock()
		return
	}
	s.fetching = true
	userID := s.userID
	s.mu.Unlock()

	go s.doFetch(userID)
}

// Refresh fetches only when the cache cannot be trusted: forced, never
// fetched, marked stale by a tag update, past the TTL, or a receipt was
// posted after the last successful fetch. Otherwise it resolves immediately
// without a network call.
func (s *UserSession) Refresh(interval time.Duration, force bool, completion Completion) {
	s.mu.Lock()
	needed := force ||
		!s.fetched ||
		s.stale ||
		s.now().Sub(s.lastFetch) >= interval ||
		s.lastReceiptPost.After(s.lastFetch)
	s.mu.Unlock()

	if !needed {
		if completion != nil {
			s.dispatch(func() { completion(nil) })
		}
		return
	}
	s.Fetch(completion)
}

// SetTags upserts user tags on the backend; an empty value deletes the tag.
// A successful update marks the cache stale so the next refresh refetches.
func (s *UserSession) SetTags(tags map[string]string, completion Completion) {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()

	go func() {
		err := s.api.PostTags(context.Background(), userID, tags)
		if err == nil {
			s.mu.Lock()
			s.stale = true
			s.mu.Unlock()
		}
		if completion != nil {
			s.dispatch(func() { completion(err) })
		}
	}()
}

func (s *UserSession) doFetch(userID string) {
	payload, err := s.api.GetUser(context.Background(), userID)

	s.mu.Lock()
	if err == nil {
		s.products = payload.ProductsForSale
		s.activeProducts = payload.ActiveProducts
		s.lastFetch = s.now()
		s.fetched = true
		s.stale = false
	}
	waiters := s.waiters
	s.waiters = nil
	s.fetching = false
	s.mu.Unlock()

	for _, w := range waiters {
		w := w
		s.dispatch(func() { w(err) })
	}

	if err == nil {
		s.postPricingDelta(userID)
	}
}

// postPricingDelta uploads pricing entries that changed since the last
// accepted post. Best effort: failures are logged, never propagated.
func (s *UserSession) postPricingDelta(userID string) {
	s.mu.Lock()
	var delta []types.PricingEntry
	for _, e := range s.pricing {
		prev, ok := s.postedPricing[e.ID]
		if !ok || prev != e {
			delta = append(delta, e)
		}
	}
	s.mu.Unlock()

	if len(delta) == 0 {
		return
	}
	if err := s.api.PostPricing(context.Background(), userID, delta); err != nil {
		glog.Warningf("pricing delta post failed: %v", err)
		return
	}
	s.mu.Lock()
	for _, e := range delta {
		s.postedPricing[e.ID] = e
	}
	s.mu.Unlock()
}
