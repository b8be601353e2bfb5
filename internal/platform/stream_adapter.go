package platform

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"purchasekit/internal/types"
)

// StreamAdapter drives the transaction-stream generation of the purchase
// API. Updates carry their receipt token inline and restore returns the past
// transactions in one call.
type StreamAdapter struct {
	*adapterCore
	client StreamBillingClient

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewStreamAdapter wraps a stream-generation billing client.
func NewStreamAdapter(client StreamBillingClient, dispatch func(func())) *StreamAdapter {
	a := &StreamAdapter{
		client: client,
		stopCh: make(chan struct{}),
	}
	a.adapterCore = newAdapterCore(a, dispatch)
	return a
}

// PresentCodeRedemption surfaces the platform's offer-code sheet. The stream
// generation supports it natively; presentation itself is the host shell's
// concern, so this only validates availability.
func (a *StreamAdapter) PresentCodeRedemption() *types.Error {
	if !a.client.CanMakePayments() {
		return types.NewError(types.ErrBillingUnavailable, "payments are not allowed on this device")
	}
	return nil
}

func (a *StreamAdapter) observe(deliver func(TransactionUpdate)) *types.Error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		updates := a.client.Updates()
		for {
			select {
			case <-a.stopCh:
				return
			case u, ok := <-updates:
				if !ok {
					glog.V(1).Info("transaction stream closed")
					return
				}
				deliver(u)
			}
		}
	}()
	return nil
}

func (a *StreamAdapter) unobserve() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *StreamAdapter) initiatePurchase(sku string) error {
	return a.client.Purchase(context.Background(), sku)
}

// initiateRestore fetches past transactions asynchronously and replays them
// through the normal update path, followed by the completion sentinel.
func (a *StreamAdapter) initiateRestore() *types.Error {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.restoreTimeout)
		defer cancel()
		updates, err := a.client.Restore(ctx)
		if err != nil {
			a.enqueueRestoreDone(err)
			return
		}
		for _, u := range updates {
			u.State = TxRestored
			a.handleUpdate(u)
		}
		a.enqueueRestoreDone(nil)
	}()
	return nil
}

func (a *StreamAdapter) queryProducts(ctx context.Context, skus []string) ([]ProductDetails, error) {
	return a.client.QueryProducts(ctx, skus)
}

func (a *StreamAdapter) token(u TransactionUpdate) (string, error) {
	// The stream generation always embeds the token in the update.
	return u.Token, nil
}

func (a *StreamAdapter) acknowledge(u TransactionUpdate) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.callTimeout)
	defer cancel()
	return a.client.Acknowledge(ctx, u.ID)
}

func (a *StreamAdapter) paymentsAllowed() bool {
	return a.client.CanMakePayments()
}
