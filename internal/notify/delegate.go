package notify

import (
	"github.com/golang/glog"

	"purchasekit/internal/types"
)

// Delegate is the set of typed callbacks the app can register. Any callback
// may be left nil; unset callbacks get the documented default behavior.
type Delegate struct {
	// OnBuyIntent is invoked for a purchase initiated outside the app (e.g.
	// a store promotion). When unset, the default purchase flow starts
	// automatically.
	OnBuyIntent func(sku string)
	// OnDeferredPurchase is invoked when a purchase awaits external approval.
	OnDeferredPurchase func(sku string)
	// OnReceiptProcessed is invoked after a receipt reaches a terminal
	// resolution.
	OnReceiptProcessed func(receipt *types.Receipt)
	// OnError receives every non-silenced SDK error.
	OnError func(err *types.Error)
}

// Notifier routes SDK events to the delegate on the main dispatcher and
// reports errors to the diagnostic sink.
type Notifier struct {
	dispatcher *Dispatcher
	delegate   Delegate
	sink       *Sink

	// defaultBuy is the fallback when no OnBuyIntent handler is set
	defaultBuy func(sku string)
}

// NewNotifier creates a notifier. defaultBuy runs when no buy-intent handler
// is registered.
func NewNotifier(dispatcher *Dispatcher, delegate Delegate, sink *Sink, defaultBuy func(sku string)) *Notifier {
	return &Notifier{
		dispatcher: dispatcher,
		delegate:   delegate,
		sink:       sink,
		defaultBuy: defaultBuy,
	}
}

// BuyIntent forwards an out-of-app purchase intent, falling back to the
// default purchase flow when the app registered no handler.
func (n *Notifier) BuyIntent(sku string) {
	n.dispatcher.Async(func() {
		if n.delegate.OnBuyIntent != nil {
			n.delegate.OnBuyIntent(sku)
			return
		}
		glog.V(1).Infof("no buy-intent handler set, starting default purchase flow for %s", sku)
		if n.defaultBuy != nil {
			n.defaultBuy(sku)
		}
	})
}

// DeferredPurchase reports a purchase that awaits external approval.
func (n *Notifier) DeferredPurchase(sku string) {
	n.dispatcher.Async(func() {
		if n.delegate.OnDeferredPurchase != nil {
			n.delegate.OnDeferredPurchase(sku)
		}
	})
}

// ReceiptProcessed reports a terminally resolved receipt.
func (n *Notifier) ReceiptProcessed(receipt *types.Receipt) {
	n.dispatcher.Async(func() {
		if n.delegate.OnReceiptProcessed != nil {
			n.delegate.OnReceiptProcessed(receipt)
		}
	})
}

// Error reports a non-silenced error to the diagnostic sink and the app's
// error delegate. Silent errors and repeat reports of the same instance are
// dropped.
func (n *Notifier) Error(err *types.Error) {
	if err == nil || err.Silent {
		return
	}
	if !err.MarkSent() {
		return
	}
	if n.sink != nil {
		n.sink.Report(err)
	}
	n.dispatcher.Async(func() {
		if n.delegate.OnError != nil {
			n.delegate.OnError(err)
		}
	})
}
