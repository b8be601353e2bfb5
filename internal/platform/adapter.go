package platform

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"purchasekit/internal/queue"
	"purchasekit/internal/types"
)

const (
	// defaultRestoreTimeout bounds how long a restore may wait for the
	// platform to signal completion
	defaultRestoreTimeout = 60 * time.Second
	// defaultForegroundDelay is the resumption cooldown after a foreground
	// event, guarding against background/foreground flapping
	defaultForegroundDelay = 30 * time.Second
	// defaultCallTimeout bounds direct platform calls such as product
	// queries and acknowledgements.
	defaultCallTimeout = 8 * time.Second
	// defaultDedupWindow collapses redeliveries of the same receipt token
	defaultDedupWindow = 500 * time.Millisecond
)

// OnReceipt validates a canonical receipt against the backend. It runs on
// the adapter's serial queue worker and must return only once reconciliation
// has completed; the adapter acknowledges the platform transaction afterwards
// if the receipt was marked finished.
type OnReceipt func(receipt *types.Receipt) (*types.Transaction, *types.Error)

// OnBuyIntent receives purchases initiated outside the app.
type OnBuyIntent func(sku string)

// BuyCompletion resolves a buy request.
type BuyCompletion func(tx *types.Transaction, err *types.Error)

// RestoreCompletion resolves a restore request.
type RestoreCompletion func(txs []*types.Transaction, err *types.Error)

// ProductsCompletion resolves a product details query.
type ProductsCompletion func(details []ProductDetails, err *types.Error)

// Adapter is the normalized purchase API consumed by the SDK façade. Both
// platform generations implement it over the shared adapterCore.
type Adapter interface {
	Start(onReceipt OnReceipt, onBuyIntent OnBuyIntent) *types.Error
	Stop()
	Pause()
	Resume()
	OnBackground()
	OnForeground()
	Buy(sku string, completion BuyCompletion)
	Restore(completion RestoreCompletion)
	GetProductDetails(skus []string, completion ProductsCompletion)
	PresentCodeRedemption() *types.Error
}

// platformOps is the generation-specific surface the shared core drives.
type platformOps interface {
	observe(deliver func(TransactionUpdate)) *types.Error
	unobserve()
	initiatePurchase(sku string) error
	initiateRestore() *types.Error
	queryProducts(ctx context.Context, skus []string) ([]ProductDetails, error)
	// token returns the receipt blob for an update whose Token is empty
	token(u TransactionUpdate) (string, error)
	acknowledge(u TransactionUpdate) error
	paymentsAllowed() bool
}

type pendingBuy struct {
	sku        string
	completion BuyCompletion
}

type pendingRestore struct {
	completion RestoreCompletion
	collected  []*types.Transaction
	firstErr   *types.Error
	timer      *time.Timer
}

// restoreFinished is the queue sentinel marking the end of a restore pass.
type restoreFinished struct {
	err error
}

// adapterCore holds everything the two generations share: the serial
// processing queue, receipt dedup state, buy/restore correlation and the
// pause/resume cooldown. All mutation happens on the queue worker or behind
// mu, never both at once for the same field.
type adapterCore struct {
	ops      platformOps
	queue    *queue.SerialQueue
	dispatch func(func())

	mu           sync.Mutex
	started      bool
	onReceipt    OnReceipt
	onBuyIntent  OnBuyIntent
	buyReq       *pendingBuy
	restoreReq   *pendingRestore
	backgrounded bool
	// resumeRequested remembers a Resume that arrived while backgrounded so
	// the next foreground skips the cooldown
	resumeRequested bool
	cooldownTimer   *time.Timer

	// dedup state, touched only on the queue worker
	lastToken     string
	lastProcessed time.Time
	lastFinished  bool

	now             func() time.Time
	restoreTimeout  time.Duration
	foregroundDelay time.Duration
	dedupWindow     time.Duration
	callTimeout     time.Duration
}

func newAdapterCore(ops platformOps, dispatch func(func())) *adapterCore {
	c := &adapterCore{
		ops:             ops,
		dispatch:        dispatch,
		now:             time.Now,
		restoreTimeout:  defaultRestoreTimeout,
		foregroundDelay: defaultForegroundDelay,
		dedupWindow:     defaultDedupWindow,
		callTimeout:     defaultCallTimeout,
	}
	c.queue = queue.NewSerialQueue(c.processItem)
	return c
}

// SetCallTimeout overrides the bound on direct platform calls. Zero keeps
// the default.
func (c *adapterCore) SetCallTimeout(d time.Duration) {
	if d > 0 {
		c.callTimeout = d
	}
}

// Start registers the callbacks and begins observing platform updates.
func (c *adapterCore) Start(onReceipt OnReceipt, onBuyIntent OnBuyIntent) *types.Error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return types.NewError(types.ErrConfiguration, "adapter already started")
	}
	c.started = true
	c.onReceipt = onReceipt
	c.onBuyIntent = onBuyIntent
	c.mu.Unlock()

	return c.ops.observe(c.handleUpdate)
}

// Stop detaches from the platform and abandons pending requests.
func (c *adapterCore) Stop() {
	c.ops.unobserve()
	c.mu.Lock()
	c.started = false
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
		c.cooldownTimer = nil
	}
	if c.restoreReq != nil && c.restoreReq.timer != nil {
		c.restoreReq.timer.Stop()
	}
	c.buyReq = nil
	c.restoreReq = nil
	c.mu.Unlock()
}

// Pause halts receipt processing. Platform events still enqueue.
func (c *adapterCore) Pause() {
	c.queue.Pause()
}

// Resume re-enables receipt processing. While the app is backgrounded the
// resume is recorded and applied on the next foreground instead.
func (c *adapterCore) Resume() {
	c.mu.Lock()
	if c.backgrounded {
		c.resumeRequested = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.queue.Resume()
}

// OnBackground pauses processing while the app is not visible.
func (c *adapterCore) OnBackground() {
	c.mu.Lock()
	c.backgrounded = true
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
		c.cooldownTimer = nil
	}
	c.mu.Unlock()
	c.queue.Pause()
}

// OnForeground resumes processing: immediately when a resume was deferred
// while backgrounded, otherwise after the cooldown. Repeated foreground
// events reset the cooldown so the last event wins.
func (c *adapterCore) OnForeground() {
	c.mu.Lock()
	c.backgrounded = false
	if c.resumeRequested {
		c.resumeRequested = false
		c.mu.Unlock()
		c.queue.Resume()
		return
	}
	if c.cooldownTimer != nil {
		c.cooldownTimer.Stop()
	}
	c.cooldownTimer = time.AfterFunc(c.foregroundDelay, func() {
		c.queue.Resume()
	})
	c.mu.Unlock()
}

// Buy initiates a purchase. At most one buy and one restore may be pending;
// concurrent attempts fail fast without contacting the platform or backend.
func (c *adapterCore) Buy(sku string, completion BuyCompletion) {
	c.mu.Lock()
	switch {
	case !c.started:
		c.mu.Unlock()
		c.complete(completion, nil, types.NewError(types.ErrConfiguration, "sdk not started"))
		return
	case c.buyReq != nil:
		c.mu.Unlock()
		c.complete(completion, nil, types.NewError(types.ErrProcessingConflict, "purchase already in progress"))
		return
	case c.restoreReq != nil:
		c.mu.Unlock()
		c.complete(completion, nil, types.NewError(types.ErrProcessingConflict, "restore in progress"))
		return
	case !c.ops.paymentsAllowed():
		c.mu.Unlock()
		c.complete(completion, nil, types.NewError(types.ErrBillingUnavailable, "payments are not allowed on this device"))
		return
	}
	c.buyReq = &pendingBuy{sku: sku, completion: completion}
	c.mu.Unlock()

	if err := c.ops.initiatePurchase(sku); err != nil {
		c.mu.Lock()
		c.buyReq = nil
		c.mu.Unlock()
		c.complete(completion, nil, types.WrapError(types.ErrProductUnavailable, err, "failed to initiate purchase of %s", sku))
	}
}

// Restore replays the user's past transactions. Resolves exactly once, with
// a timeout error if the platform never signals completion.
func (c *adapterCore) Restore(completion RestoreCompletion) {
	c.mu.Lock()
	switch {
	case !c.started:
		c.mu.Unlock()
		c.completeRestore(completion, nil, types.NewError(types.ErrConfiguration, "sdk not started"))
		return
	case c.restoreReq != nil:
		c.mu.Unlock()
		c.completeRestore(completion, nil, types.NewError(types.ErrProcessingConflict, "restore already in progress"))
		return
	case c.buyReq != nil:
		c.mu.Unlock()
		c.completeRestore(completion, nil, types.NewError(types.ErrProcessingConflict, "purchase in progress"))
		return
	}
	req := &pendingRestore{completion: completion}
	req.timer = time.AfterFunc(c.restoreTimeout, func() {
		c.mu.Lock()
		if c.restoreReq != req {
			c.mu.Unlock()
			return
		}
		c.restoreReq = nil
		c.mu.Unlock()
		glog.Warningf("restore timed out after %v", c.restoreTimeout)
		c.completeRestore(completion, nil, types.NewError(types.ErrRestoreTimeout, "platform did not complete restore within %v", c.restoreTimeout))
	})
	c.restoreReq = req
	c.mu.Unlock()

	if err := c.ops.initiateRestore(); err != nil {
		c.mu.Lock()
		if c.restoreReq == req {
			c.restoreReq = nil
			req.timer.Stop()
		}
		c.mu.Unlock()
		c.completeRestore(completion, nil, err)
	}
}

// GetProductDetails queries the platform store for sku details.
func (c *adapterCore) GetProductDetails(skus []string, completion ProductsCompletion) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
		defer cancel()
		details, err := c.ops.queryProducts(ctx, skus)
		if err != nil {
			c.dispatch(func() {
				completion(nil, types.WrapError(types.ErrProductUnavailable, err, "failed to query product details"))
			})
			return
		}
		c.dispatch(func() { completion(details, nil) })
	}()
}

// handleUpdate is the single entry point for platform events from either
// generation. Settled transactions are enqueued for serial processing;
// everything else resolves inline.
func (c *adapterCore) handleUpdate(u TransactionUpdate) {
	switch u.State {
	case TxBuyIntent:
		c.mu.Lock()
		intent := c.onBuyIntent
		c.mu.Unlock()
		if intent != nil {
			sku := u.SKU
			c.dispatch(func() { intent(sku) })
		}
	case TxPurchasing:
		glog.V(2).Infof("purchase of %s in progress", u.SKU)
	case TxFailed:
		var err *types.Error
		if u.Cancelled {
			err = types.NewError(types.ErrUserCancelled, "user cancelled purchase of %s", u.SKU)
			err.Silent = true
		} else {
			err = types.WrapError(types.ErrUnexpected, u.Err, "purchase of %s failed", u.SKU)
		}
		if ackErr := c.ops.acknowledge(u); ackErr != nil {
			glog.Warningf("failed to clear failed transaction %s: %v", u.ID, ackErr)
		}
		c.resolveBuy(u.SKU, nil, err)
	case TxDeferred:
		// The platform keeps the transaction; a later update settles it.
		err := types.NewError(types.ErrDeferredPayment, "purchase of %s awaits approval", u.SKU)
		c.resolveBuy(u.SKU, nil, err)
	case TxPurchased, TxRestored:
		c.queue.Add(u)
	default:
		glog.Warningf("ignoring unknown transaction state %q for %s", u.State, u.SKU)
	}
}

// enqueueRestoreDone marks the end of the platform's restore replay. Queued
// behind the restored transactions so they are all reconciled first.
func (c *adapterCore) enqueueRestoreDone(err error) {
	c.queue.Add(restoreFinished{err: err})
}

// processItem runs on the serial queue worker: exactly one receipt is in
// flight at any time.
func (c *adapterCore) processItem(item *queue.Item) {
	switch p := item.Payload.(type) {
	case TransactionUpdate:
		c.processTransaction(p)
	case restoreFinished:
		c.finishRestore(p.err)
	default:
		glog.Errorf("unexpected queue payload %T", item.Payload)
	}
}

// processTransaction normalizes one settled platform transaction into a
// Receipt, runs reconciliation and routes the outcome to the pending request.
func (c *adapterCore) processTransaction(u TransactionUpdate) {
	c.mu.Lock()
	buy := c.buyReq
	restoring := c.restoreReq != nil
	onReceipt := c.onReceipt
	c.mu.Unlock()

	rctx := types.ContextRefresh
	if restoring && (u.State == TxRestored || u.State == TxPurchased) {
		rctx = types.ContextRestore
	}
	if u.State == TxPurchased && buy != nil && buy.sku == u.SKU {
		rctx = types.ContextPurchase
	}

	token := u.Token
	if token == "" {
		var err error
		token, err = c.ops.token(u)
		if err != nil || token == "" {
			glog.Warningf("receipt token unobtainable for transaction %s: %v", u.ID, err)
			if rctx == types.ContextPurchase {
				c.resolveBuy(u.SKU, nil, types.WrapError(types.ErrNetworkFailed, err, "receipt for %s is not available yet", u.SKU))
			}
			return
		}
	}

	// Collapse rapid redeliveries of the token we just resolved. Common
	// during app launch when the platform replays the queue.
	if rctx != types.ContextPurchase && token == c.lastToken &&
		c.now().Sub(c.lastProcessed) <= c.dedupWindow {
		glog.V(1).Infof("skipping duplicate receipt for %s", u.SKU)
		if c.lastFinished {
			if err := c.ops.acknowledge(u); err != nil {
				glog.Warningf("failed to acknowledge duplicate transaction %s: %v", u.ID, err)
			}
		}
		return
	}

	receipt := &types.Receipt{
		Token:         token,
		SKU:           u.SKU,
		TransactionID: u.ID,
		Context:       rctx,
	}

	var tx *types.Transaction
	var rerr *types.Error
	if onReceipt != nil {
		tx, rerr = onReceipt(receipt)
	}

	c.lastToken = token
	c.lastProcessed = c.now()
	c.lastFinished = receipt.IsFinished

	if receipt.IsFinished {
		if err := c.ops.acknowledge(u); err != nil {
			glog.Warningf("failed to acknowledge transaction %s: %v", u.ID, err)
		}
	}

	switch rctx {
	case types.ContextPurchase:
		c.resolveBuy(u.SKU, tx, rerr)
	case types.ContextRestore:
		c.mu.Lock()
		if c.restoreReq != nil {
			if tx != nil {
				c.restoreReq.collected = append(c.restoreReq.collected, tx)
			}
			if rerr != nil && c.restoreReq.firstErr == nil {
				c.restoreReq.firstErr = rerr
			}
		}
		c.mu.Unlock()
	}
}

// finishRestore resolves the pending restore with everything collected
// during the replay. A timeout that already fired wins; this becomes a no-op.
func (c *adapterCore) finishRestore(platformErr error) {
	c.mu.Lock()
	req := c.restoreReq
	c.restoreReq = nil
	c.mu.Unlock()
	if req == nil {
		return
	}
	req.timer.Stop()

	if platformErr != nil {
		c.completeRestore(req.completion, nil, types.WrapError(types.ErrNetworkFailed, platformErr, "platform restore failed"))
		return
	}
	if len(req.collected) == 0 && req.firstErr != nil {
		c.completeRestore(req.completion, nil, req.firstErr)
		return
	}
	c.completeRestore(req.completion, req.collected, nil)
}

// resolveBuy completes and clears the pending buy for sku, if any.
func (c *adapterCore) resolveBuy(sku string, tx *types.Transaction, err *types.Error) {
	c.mu.Lock()
	req := c.buyReq
	if req == nil || (sku != "" && req.sku != sku) {
		c.mu.Unlock()
		return
	}
	c.buyReq = nil
	c.mu.Unlock()
	c.complete(req.completion, tx, err)
}

func (c *adapterCore) complete(completion BuyCompletion, tx *types.Transaction, err *types.Error) {
	if completion == nil {
		return
	}
	c.dispatch(func() { completion(tx, err) })
}

func (c *adapterCore) completeRestore(completion RestoreCompletion, txs []*types.Transaction, err *types.Error) {
	if completion == nil {
		return
	}
	c.dispatch(func() { completion(txs, err) })
}
