// Package sdk is the public façade of purchasekit. The host application
// constructs exactly one SDK per process by convention; the SDK itself does
// not enforce singleton-ness.
package sdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"purchasekit/internal/apiclient"
	"purchasekit/internal/config"
	"purchasekit/internal/lifecycle"
	"purchasekit/internal/notify"
	"purchasekit/internal/platform"
	"purchasekit/internal/reconcile"
	"purchasekit/internal/session"
	"purchasekit/internal/storage"
	"purchasekit/internal/types"
)

const userIDKey = "user_id"

// Collaborators are the host-provided integrations the SDK consumes. One of
// QueueClient or StreamClient is required; which one is used follows the
// configured OS version.
type Collaborators struct {
	QueueClient  platform.QueueBillingClient
	StreamClient platform.StreamBillingClient
	// Storage overrides the config-selected secure key-value backend.
	Storage storage.Store
	// Lifecycle delivers foreground/background transitions. Optional; when
	// nil and NATS is configured, a NATS-bridged source is used.
	Lifecycle lifecycle.Source
	Delegate  notify.Delegate
}

// SDK is a started purchasekit instance.
type SDK struct {
	cfg        *config.Config
	api        *apiclient.Client
	dispatcher *notify.Dispatcher
	notifier   *notify.Notifier
	session    *session.UserSession
	adapter    platform.Adapter
	reconciler *reconcile.Reconciler
	store      storage.Store

	natsConn    *nats.Conn
	natsLife    *lifecycle.NATSSource
	unsubscribe func()

	mu      sync.Mutex
	started bool
}

// Start wires the SDK together and begins observing the platform purchase
// queue. It also kicks off the initial entitlement fetch in the background.
func Start(cfg *config.Config, collab Collaborators) (*SDK, *types.Error) {
	if err := cfg.Validate(); err != nil {
		return nil, types.WrapError(types.ErrConfiguration, err, "invalid configuration")
	}
	if collab.QueueClient == nil && collab.StreamClient == nil {
		return nil, types.NewError(types.ErrConfiguration, "a platform billing client is required")
	}

	s := &SDK{cfg: cfg}
	s.dispatcher = notify.NewDispatcher()

	store, err := s.openStorage(collab)
	if err != nil {
		s.dispatcher.Stop()
		return nil, err
	}
	s.store = store

	userID, err := s.loadOrCreateUserID()
	if err != nil {
		s.dispatcher.Stop()
		return nil, err
	}

	s.api = apiclient.New(cfg)
	s.session = session.New(s.api, userID, s.dispatcher.Async)
	s.reconciler = reconcile.New(s.api, s.session)

	if cfg.NATS != nil {
		if conn, cerr := connectNATS(cfg.NATS); cerr != nil {
			glog.Warningf("NATS unavailable, diagnostics stay local: %v", cerr)
		} else {
			s.natsConn = conn
		}
	}
	sink := notify.NewSink(s.natsConn, eventSubject(cfg))
	s.notifier = notify.NewNotifier(s.dispatcher, collab.Delegate, sink, func(sku string) {
		s.Buy(sku, nil)
	})

	s.adapter = s.selectAdapter(collab)
	if aerr := s.adapter.Start(s.onReceipt, s.notifier.BuyIntent); aerr != nil {
		s.dispatcher.Stop()
		return nil, aerr
	}

	s.hookLifecycle(collab)

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	glog.Infof("purchasekit started for app %s, user %s", cfg.AppID, userID)

	// Initial fetch primes the caches and the pricing snapshot.
	s.session.Fetch(func(ferr *types.Error) {
		if ferr != nil {
			glog.Warningf("initial fetch failed: %v", ferr)
			return
		}
		s.primePricing()
	})

	return s, nil
}

// Stop detaches from the platform and releases resources. Pending
// completions already queued on the dispatcher still run.
func (s *SDK) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.adapter.Stop()
	if s.natsLife != nil {
		s.natsLife.Close()
	}
	if s.natsConn != nil {
		s.natsConn.Close()
	}
	s.dispatcher.Stop()
	glog.Info("purchasekit stopped")
}

// Login binds the SDK to an app-provided user identity and persists it.
func (s *SDK) Login(userID string) *types.Error {
	if userID == "" {
		return types.NewError(types.ErrConfiguration, "user id must not be empty")
	}
	if err := s.store.Set(userIDKey, userID); err != nil {
		return types.WrapError(types.ErrUnexpected, err, "failed to persist user id")
	}
	s.session.SetUserID(userID)
	return nil
}

// Logout reverts to a fresh anonymous identity.
func (s *SDK) Logout() *types.Error {
	anon := anonymousUserID()
	if err := s.store.Set(userIDKey, anon); err != nil {
		return types.WrapError(types.ErrUnexpected, err, "failed to persist user id")
	}
	s.session.SetUserID(anon)
	return nil
}

// UserID returns the current backend user id.
func (s *SDK) UserID() string {
	return s.session.CurrentUserID()
}

// Buy purchases a sku. Fails fast with a processing-conflict error when
// another buy or a restore is already pending.
func (s *SDK) Buy(sku string, completion func(tx *types.Transaction, err *types.Error)) {
	s.adapter.Buy(sku, func(tx *types.Transaction, err *types.Error) {
		if err != nil {
			if err.Kind == types.ErrDeferredPayment {
				s.notifier.DeferredPurchase(sku)
			}
			s.notifier.Error(err)
		}
		if completion != nil {
			completion(tx, err)
		}
	})
}

// Restore replays past purchases and reconciles each with the backend.
func (s *SDK) Restore(completion func(txs []*types.Transaction, err *types.Error)) {
	s.adapter.Restore(func(txs []*types.Transaction, err *types.Error) {
		if err != nil {
			s.notifier.Error(err)
		}
		if completion != nil {
			completion(txs, err)
		}
	})
}

// Products returns the cached products for sale.
func (s *SDK) Products() []*types.Product {
	return s.session.Products()
}

// ActiveProducts returns the cached entitlements.
func (s *SDK) ActiveProducts() []*types.ActiveProduct {
	return s.session.ActiveProducts()
}

// Refresh updates the caches, skipping the network inside the TTL unless
// forced or invalidated.
func (s *SDK) Refresh(force bool, completion func(err *types.Error)) {
	s.session.Refresh(s.cfg.CacheTTL.Std(), force, func(err *types.Error) {
		if err != nil {
			s.notifier.Error(err)
		}
		if completion != nil {
			completion(err)
		}
	})
}

// SetTags upserts user tags; an empty value deletes the tag.
func (s *SDK) SetTags(tags map[string]string, completion func(err *types.Error)) {
	s.session.SetTags(tags, func(err *types.Error) {
		if err != nil {
			s.notifier.Error(err)
		}
		if completion != nil {
			completion(err)
		}
	})
}

// SetDeviceParams merges app-provided params into every backend request.
func (s *SDK) SetDeviceParams(params map[string]string) {
	s.api.SetDeviceParams(params)
}

// GetProductDetails queries the platform store for sku details.
func (s *SDK) GetProductDetails(skus []string, completion func(details []platform.ProductDetails, err *types.Error)) {
	s.adapter.GetProductDetails(skus, func(details []platform.ProductDetails, err *types.Error) {
		if err != nil {
			s.notifier.Error(err)
		}
		if completion != nil {
			completion(details, err)
		}
	})
}

// PresentCodeRedemption surfaces the platform's offer code sheet where the
// purchase API generation supports it.
func (s *SDK) PresentCodeRedemption() *types.Error {
	return s.adapter.PresentCodeRedemption()
}

// ManageSubscriptionsURL returns the platform's subscription management deep
// link.
func (s *SDK) ManageSubscriptionsURL() string {
	if s.cfg.Platform == "android" {
		return "https://play.google.com/store/account/subscriptions"
	}
	return "https://apps.apple.com/account/subscriptions"
}

// onReceipt runs on the adapter's serial queue worker for every canonical
// receipt and must return only when reconciliation is complete.
func (s *SDK) onReceipt(receipt *types.Receipt) (*types.Transaction, *types.Error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := reconcile.Options{}
	if receipt.Context == types.ContextPurchase {
		opts.SwapSKU = s.swapCandidate(receipt.SKU)
	}

	tx, err := s.reconciler.Reconcile(ctx, receipt, opts)

	if receipt.IsFinished {
		s.notifier.ReceiptProcessed(receipt)
		// The receipt post outdates the cached entitlements; refresh picks
		// that up even inside the TTL.
		s.session.Refresh(s.cfg.CacheTTL.Std(), false, nil)
	}
	if err != nil {
		s.notifier.Error(err)
	}
	return tx, err
}

// swapCandidate returns the sku of an active subscription other than the
// one being bought. During a crossgrade the backend may register the new
// transaction under the existing subscription's product.
func (s *SDK) swapCandidate(sku string) string {
	for _, ap := range s.session.ActiveProducts() {
		if ap.Type == types.ProductTypeSubscription &&
			ap.SKU != sku &&
			ap.SubscriptionState != types.SubscriptionExpired {
			return ap.SKU
		}
	}
	return ""
}

// primePricing seeds the pricing snapshot from the platform store so the
// next fetch can post the delta.
func (s *SDK) primePricing() {
	products := s.session.Products()
	if len(products) == 0 {
		return
	}
	skus := make([]string, 0, len(products))
	for _, p := range products {
		skus = append(skus, p.SKU)
	}
	s.adapter.GetProductDetails(skus, func(details []platform.ProductDetails, err *types.Error) {
		if err != nil {
			glog.V(1).Infof("pricing snapshot unavailable: %v", err)
			return
		}
		entries := make([]types.PricingEntry, 0, len(details))
		for _, d := range details {
			entries = append(entries, types.PricingEntry{
				ID:         d.SKU,
				Price:      d.Price,
				Currency:   d.Currency,
				IntroPrice: d.IntroPrice,
			})
		}
		s.session.SetPricing(entries)
	})
}

// selectAdapter picks the purchase API generation for the configured OS
// version, falling back to whichever client the host actually provided.
func (s *SDK) selectAdapter(collab Collaborators) platform.Adapter {
	gen := platform.SelectGeneration(s.cfg.OSVersion)
	if gen == platform.GenerationStream && collab.StreamClient != nil {
		glog.V(1).Info("using transaction-stream purchase API")
		a := platform.NewStreamAdapter(collab.StreamClient, s.dispatcher.Async)
		a.SetCallTimeout(s.cfg.RequestTimeout.Std())
		return a
	}
	if collab.QueueClient != nil {
		glog.V(1).Info("using queue-callback purchase API")
		a := platform.NewQueueAdapter(collab.QueueClient, s.dispatcher.Async)
		a.SetCallTimeout(s.cfg.RequestTimeout.Std())
		return a
	}
	glog.Warning("queue purchase API selected but only a stream client provided, using stream")
	a := platform.NewStreamAdapter(collab.StreamClient, s.dispatcher.Async)
	a.SetCallTimeout(s.cfg.RequestTimeout.Std())
	return a
}

// hookLifecycle subscribes to foreground/background transitions.
func (s *SDK) hookLifecycle(collab Collaborators) {
	source := collab.Lifecycle
	if source == nil && s.cfg.NATS != nil {
		natsSrc, err := lifecycle.NewNATSSource(s.cfg.NATS)
		if err != nil {
			glog.Warningf("lifecycle source unavailable: %v", err)
		} else {
			s.natsLife = natsSrc
			source = natsSrc
		}
	}
	if source == nil {
		return
	}
	s.unsubscribe = source.Subscribe(func(state lifecycle.State) {
		switch state {
		case lifecycle.Background:
			s.adapter.OnBackground()
		case lifecycle.Foreground:
			s.adapter.OnForeground()
		}
	})
}

// openStorage picks the secure key-value backend and applies the optional
// encryption wrapper.
func (s *SDK) openStorage(collab Collaborators) (storage.Store, *types.Error) {
	var store storage.Store
	var err error
	switch {
	case collab.Storage != nil:
		store = collab.Storage
	case s.cfg.Redis != nil:
		store, err = storage.NewRedisStore(s.cfg.Redis, s.cfg.AppID)
	case s.cfg.Postgres != nil:
		store, err = storage.NewPostgresStore(s.cfg.Postgres, s.cfg.AppID)
	default:
		store = storage.NewMemoryStore()
	}
	if err != nil {
		return nil, types.WrapError(types.ErrConfiguration, err, "failed to open storage")
	}
	if s.cfg.StorageKey != "" {
		store, err = storage.NewEncryptedStore(store, s.cfg.StorageKey)
		if err != nil {
			return nil, types.WrapError(types.ErrConfiguration, err, "failed to enable storage encryption")
		}
	}
	return store, nil
}

// loadOrCreateUserID returns the persisted user id, minting an anonymous one
// on first launch.
func (s *SDK) loadOrCreateUserID() (string, *types.Error) {
	userID, err := s.store.Get(userIDKey)
	if err == nil && userID != "" {
		return userID, nil
	}
	if err != nil && err != storage.ErrNotFound {
		return "", types.WrapError(types.ErrUnexpected, err, "failed to read user id")
	}
	userID = anonymousUserID()
	if err := s.store.Set(userIDKey, userID); err != nil {
		return "", types.WrapError(types.ErrUnexpected, err, "failed to persist user id")
	}
	return userID, nil
}

func anonymousUserID() string {
	return "PK-" + uuid.NewString()
}

func connectNATS(cfg *config.NATSConfig) (*nats.Conn, error) {
	natsURL := fmt.Sprintf("nats://%s:%s@%s:%s",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port)
	return nats.Connect(natsURL,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
	)
}

func eventSubject(cfg *config.Config) string {
	if cfg.NATS != nil && cfg.NATS.EventSubject != "" {
		return cfg.NATS.EventSubject
	}
	return ""
}
