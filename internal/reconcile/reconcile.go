// Package reconcile resolves canonical receipts against the validation
// backend into definitive outcomes.
package reconcile

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/thoas/go-funk"

	"purchasekit/internal/apiclient"
	"purchasekit/internal/types"
)

// Session is the slice of user-session state reconciliation depends on.
type Session interface {
	CurrentUserID() string
	// NoteReceiptPosted records a successful receipt post so the next
	// refresh knows the cached entitlements may be stale.
	NoteReceiptPosted(at time.Time)
}

// Options modulate a single reconciliation.
type Options struct {
	// SwapSKU is an alternative sku to match during a fresh purchase when
	// the buy swaps one subscription product for another.
	SwapSKU string
}

// Reconciler posts receipts to the backend and interprets the structured
// response.
type Reconciler struct {
	api     *apiclient.Client
	session Session
	now     func() time.Time
}

// New creates a reconciler bound to a backend client and session.
func New(api *apiclient.Client, session Session) *Reconciler {
	return &Reconciler{api: api, session: session, now: time.Now}
}

// Reconcile validates the receipt and resolves it to a terminal transaction
// or an error. When the resolution is terminal the receipt is marked
// finished, which authorizes the adapter to acknowledge the platform
// transaction. Network failures and unknown statuses leave the receipt
// unfinished so the platform redelivers it later.
func (r *Reconciler) Reconcile(ctx context.Context, receipt *types.Receipt, opts Options) (*types.Transaction, *types.Error) {
	userID := r.session.CurrentUserID()

	resp, err := r.api.PostReceipt(ctx, userID, receipt)
	if err != nil {
		// Retries already happened inside the client; surface as-is,
		// receipt stays unfinished.
		return nil, err
	}
	r.session.NoteReceiptPosted(r.now())

	switch resp.Status {
	case "success":
		return r.resolveSuccess(receipt, resp, userID, opts)
	case "invalid", "failed", "stale", "deferred", "processing":
		return nil, r.resolveDeclared(receipt, resp.Status)
	default:
		glog.Warningf("backend returned unknown receipt status %q for %s", resp.Status, receipt.SKU)
		return nil, types.NewError(types.ErrUnexpected, "unknown receipt status %q", resp.Status)
	}
}

// resolveSuccess interprets a success verdict: match the receipt against the
// new transactions, fall back to the old ones during a purchase, and detect
// cross-user conflicts.
func (r *Reconciler) resolveSuccess(receipt *types.Receipt, resp *apiclient.ReceiptResponse, userID string, opts Options) (*types.Transaction, *types.Error) {
	tx := findBySKU(resp.NewTransactions, receipt.SKU)
	if tx == nil && receipt.Context == types.ContextPurchase && opts.SwapSKU != "" {
		tx = findBySKU(resp.NewTransactions, opts.SwapSKU)
	}

	if tx != nil {
		if receipt.Context == types.ContextPurchase && differentUser(tx, userID) {
			receipt.MarkFinished(r.now())
			return nil, types.NewError(types.ErrUserConflict,
				"transaction for %s belongs to user %s", receipt.SKU, tx.UserID)
		}
		receipt.MarkFinished(r.now())
		return tx, nil
	}

	if receipt.Context == types.ContextPurchase {
		// The purchase may collide with a product this store account already
		// holds. The type/state check deliberately precedes the owning-user
		// comparison; some backends omit the user id entirely.
		old := findBySKU(resp.OldTransactions, receipt.SKU)
		if old != nil && stillOwned(old) {
			receipt.MarkFinished(r.now())
			if differentUser(old, userID) {
				return nil, types.NewError(types.ErrUserConflict,
					"product %s is owned by user %s", receipt.SKU, old.UserID)
			}
			err := types.NewError(types.ErrAlreadyPurchased, "product %s is already purchased", receipt.SKU)
			err.Silent = true
			return nil, err
		}
	}

	return nil, types.NewError(types.ErrTransactionNotFound,
		"no transaction for %s in backend response", receipt.SKU)
}

// resolveDeclared maps a backend-declared non-success status to an error
// kind. Terminal verdicts finish the receipt; deferred and processing leave
// it for a future retry. Benign statuses stay silent outside a purchase.
func (r *Reconciler) resolveDeclared(receipt *types.Receipt, status string) *types.Error {
	var err *types.Error
	switch status {
	case "invalid":
		err = types.NewError(types.ErrReceiptInvalid, "backend rejected receipt for %s as invalid", receipt.SKU)
		receipt.MarkFinished(r.now())
	case "failed":
		err = types.NewError(types.ErrReceiptFailed, "backend failed to validate receipt for %s", receipt.SKU)
		receipt.MarkFinished(r.now())
	case "stale":
		err = types.NewError(types.ErrReceiptStale, "receipt for %s is stale", receipt.SKU)
		receipt.MarkFinished(r.now())
	case "deferred":
		err = types.NewError(types.ErrDeferredPayment, "payment for %s is deferred", receipt.SKU)
	case "processing":
		err = types.NewError(types.ErrReceiptProcessing, "receipt for %s is still processing", receipt.SKU)
	}

	switch status {
	case "processing", "invalid", "stale":
		err.Silent = receipt.Context != types.ContextPurchase
	}
	return err
}

// findBySKU returns the first transaction matching sku, or nil.
func findBySKU(txs []*types.Transaction, sku string) *types.Transaction {
	found := funk.Find(txs, func(t *types.Transaction) bool {
		return t != nil && t.SKU == sku
	})
	if found == nil {
		return nil
	}
	return found.(*types.Transaction)
}

// stillOwned reports whether an old transaction denotes a product the store
// account still holds: a non-consumable, or a subscription not yet expired.
func stillOwned(tx *types.Transaction) bool {
	if tx.Type == types.ProductTypeNonConsumable {
		return true
	}
	return tx.Type == types.ProductTypeSubscription && tx.SubscriptionState != types.SubscriptionExpired
}

// differentUser reports whether tx is owned by someone other than userID. A
// missing owner id counts as the current user.
func differentUser(tx *types.Transaction, userID string) bool {
	return tx.UserID != "" && tx.UserID != userID
}
