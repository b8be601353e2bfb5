// Package platform normalizes the two platform purchase API generations into
// one adapter interface producing canonical receipts.
package platform

import (
	"context"

	"github.com/Masterminds/semver/v3"
	"github.com/golang/glog"
)

// TxState represents the platform's view of one transaction update
type TxState string

const (
	TxPurchasing TxState = "purchasing"
	TxPurchased  TxState = "purchased"
	TxRestored   TxState = "restored"
	TxFailed     TxState = "failed"
	TxDeferred   TxState = "deferred"
	// TxBuyIntent is a purchase initiated outside the app (store promotion)
	TxBuyIntent TxState = "buy_intent"
)

// TransactionUpdate is one event from the platform purchase queue or stream.
// Token may be empty on the queue generation, where the receipt blob is
// fetched separately.
type TransactionUpdate struct {
	ID        string
	SKU       string
	State     TxState
	Token     string
	Cancelled bool
	Err       error
}

// ProductDetails is the platform store's description of a sku
type ProductDetails struct {
	SKU        string
	Title      string
	Price      float64
	Currency   string
	IntroPrice float64
}

// QueueBillingClient is the synchronous queue-callback generation of the
// platform purchase API. Updates arrive through the registered observer; the
// receipt blob is fetched separately and transactions are finished
// explicitly.
type QueueBillingClient interface {
	// SetObserver registers the transaction update callback. Must be called
	// before AddPayment or RestoreTransactions.
	SetObserver(func(TransactionUpdate))
	// SetRestoreObserver registers the restore-completion callback.
	SetRestoreObserver(func(err error))
	QueryProducts(ctx context.Context, skus []string) ([]ProductDetails, error)
	AddPayment(sku string) error
	RestoreTransactions() error
	// ReceiptToken fetches the opaque receipt blob for a finished payment.
	ReceiptToken(transactionID string) (string, error)
	Finish(transactionID string) error
	CanMakePayments() bool
}

// StreamBillingClient is the asynchronous transaction-stream generation.
// Updates carry their receipt token inline and are acknowledged per
// transaction.
type StreamBillingClient interface {
	// Updates returns the transaction stream. The channel is owned by the
	// client and closes on shutdown.
	Updates() <-chan TransactionUpdate
	QueryProducts(ctx context.Context, skus []string) ([]ProductDetails, error)
	// Purchase initiates payment; the result arrives on Updates.
	Purchase(ctx context.Context, sku string) error
	// Restore returns the user's past transactions.
	Restore(ctx context.Context) ([]TransactionUpdate, error)
	Acknowledge(ctx context.Context, transactionID string) error
	CanMakePayments() bool
}

// Generation identifies which platform purchase API variant to use
type Generation string

const (
	GenerationQueue  Generation = "queue"
	GenerationStream Generation = "stream"
)

// streamAPIConstraint is the first OS release carrying the
// transaction-stream API.
var streamAPIConstraint = mustConstraint(">= 15.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// SelectGeneration picks the purchase API generation for the given OS
// version. Unparseable versions fall back to the queue generation, which
// every supported OS provides.
func SelectGeneration(osVersion string) Generation {
	v, err := semver.NewVersion(osVersion)
	if err != nil {
		glog.Warningf("cannot parse OS version %q, using queue purchase API: %v", osVersion, err)
		return GenerationQueue
	}
	if streamAPIConstraint.Check(v) {
		return GenerationStream
	}
	return GenerationQueue
}
