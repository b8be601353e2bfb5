package platform

import (
	"context"

	"purchasekit/internal/types"
)

// QueueAdapter drives the queue-callback generation of the purchase API.
// Updates arrive through the client's observer, receipt blobs are fetched
// separately and transactions are finished explicitly.
type QueueAdapter struct {
	*adapterCore
	client QueueBillingClient
}

// NewQueueAdapter wraps a queue-generation billing client.
func NewQueueAdapter(client QueueBillingClient, dispatch func(func())) *QueueAdapter {
	a := &QueueAdapter{client: client}
	a.adapterCore = newAdapterCore(a, dispatch)
	return a
}

// PresentCodeRedemption is not supported on the queue generation.
func (a *QueueAdapter) PresentCodeRedemption() *types.Error {
	return types.NewError(types.ErrConfiguration, "code redemption requires the transaction-stream purchase API")
}

func (a *QueueAdapter) observe(deliver func(TransactionUpdate)) *types.Error {
	a.client.SetObserver(deliver)
	a.client.SetRestoreObserver(func(err error) {
		a.enqueueRestoreDone(err)
	})
	return nil
}

func (a *QueueAdapter) unobserve() {
	a.client.SetObserver(nil)
	a.client.SetRestoreObserver(nil)
}

func (a *QueueAdapter) initiatePurchase(sku string) error {
	return a.client.AddPayment(sku)
}

func (a *QueueAdapter) initiateRestore() *types.Error {
	if err := a.client.RestoreTransactions(); err != nil {
		return types.WrapError(types.ErrNetworkFailed, err, "failed to start restore")
	}
	return nil
}

func (a *QueueAdapter) queryProducts(ctx context.Context, skus []string) ([]ProductDetails, error) {
	return a.client.QueryProducts(ctx, skus)
}

func (a *QueueAdapter) token(u TransactionUpdate) (string, error) {
	return a.client.ReceiptToken(u.ID)
}

func (a *QueueAdapter) acknowledge(u TransactionUpdate) error {
	return a.client.Finish(u.ID)
}

func (a *QueueAdapter) paymentsAllowed() bool {
	return a.client.CanMakePayments()
}
