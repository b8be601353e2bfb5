package platform

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/thoas/go-funk"
)

// SimulatedQueueClient is an in-process queue-generation billing client used
// by the command line harness. Every AddPayment succeeds immediately with a
// minted token.
type SimulatedQueueClient struct {
	mu         sync.Mutex
	observer   func(TransactionUpdate)
	restoreObs func(err error)
	catalog    []ProductDetails
	// owned records finished purchases so RestoreTransactions can replay them
	owned []TransactionUpdate
}

// NewSimulatedQueueClient creates a simulated client selling the given
// catalog.
func NewSimulatedQueueClient(catalog []ProductDetails) *SimulatedQueueClient {
	return &SimulatedQueueClient{catalog: catalog}
}

func (c *SimulatedQueueClient) SetObserver(fn func(TransactionUpdate)) {
	c.mu.Lock()
	c.observer = fn
	c.mu.Unlock()
}

func (c *SimulatedQueueClient) SetRestoreObserver(fn func(err error)) {
	c.mu.Lock()
	c.restoreObs = fn
	c.mu.Unlock()
}

func (c *SimulatedQueueClient) QueryProducts(ctx context.Context, skus []string) ([]ProductDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ProductDetails
	for _, d := range c.catalog {
		if funk.ContainsString(skus, d.SKU) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (c *SimulatedQueueClient) AddPayment(sku string) error {
	c.mu.Lock()
	observer := c.observer
	found := funk.Find(c.catalog, func(d ProductDetails) bool { return d.SKU == sku })
	c.mu.Unlock()
	if observer == nil {
		return fmt.Errorf("no transaction observer registered")
	}
	if found == nil {
		observer(TransactionUpdate{
			SKU:   sku,
			State: TxFailed,
			Err:   fmt.Errorf("unknown sku %q", sku),
		})
		return nil
	}
	update := TransactionUpdate{
		ID:    uuid.NewString(),
		SKU:   sku,
		State: TxPurchased,
	}
	c.mu.Lock()
	c.owned = append(c.owned, update)
	c.mu.Unlock()
	observer(update)
	return nil
}

func (c *SimulatedQueueClient) RestoreTransactions() error {
	c.mu.Lock()
	observer := c.observer
	restoreObs := c.restoreObs
	owned := append([]TransactionUpdate{}, c.owned...)
	c.mu.Unlock()
	for _, u := range owned {
		u.State = TxRestored
		if observer != nil {
			observer(u)
		}
	}
	if restoreObs != nil {
		restoreObs(nil)
	}
	return nil
}

func (c *SimulatedQueueClient) ReceiptToken(transactionID string) (string, error) {
	return "sim-receipt-" + transactionID, nil
}

func (c *SimulatedQueueClient) Finish(transactionID string) error {
	return nil
}

func (c *SimulatedQueueClient) CanMakePayments() bool {
	return true
}

// SimulatedStreamClient is the stream-generation counterpart of
// SimulatedQueueClient.
type SimulatedStreamClient struct {
	mu      sync.Mutex
	updates chan TransactionUpdate
	catalog []ProductDetails
	owned   []TransactionUpdate
	closed  bool
}

// NewSimulatedStreamClient creates a simulated client selling the given
// catalog.
func NewSimulatedStreamClient(catalog []ProductDetails) *SimulatedStreamClient {
	return &SimulatedStreamClient{
		updates: make(chan TransactionUpdate, 16),
		catalog: catalog,
	}
}

func (c *SimulatedStreamClient) Updates() <-chan TransactionUpdate {
	return c.updates
}

func (c *SimulatedStreamClient) QueryProducts(ctx context.Context, skus []string) ([]ProductDetails, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ProductDetails
	for _, d := range c.catalog {
		if funk.ContainsString(skus, d.SKU) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (c *SimulatedStreamClient) Purchase(ctx context.Context, sku string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client closed")
	}
	found := funk.Find(c.catalog, func(d ProductDetails) bool { return d.SKU == sku })
	if found == nil {
		c.updates <- TransactionUpdate{
			SKU:   sku,
			State: TxFailed,
			Err:   fmt.Errorf("unknown sku %q", sku),
		}
		return nil
	}
	id := uuid.NewString()
	update := TransactionUpdate{
		ID:    id,
		SKU:   sku,
		State: TxPurchased,
		Token: "sim-receipt-" + id,
	}
	c.owned = append(c.owned, update)
	c.updates <- update
	return nil
}

func (c *SimulatedStreamClient) Restore(ctx context.Context) ([]TransactionUpdate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TransactionUpdate{}, c.owned...), nil
}

func (c *SimulatedStreamClient) Acknowledge(ctx context.Context, transactionID string) error {
	return nil
}

func (c *SimulatedStreamClient) CanMakePayments() bool {
	return true
}

// Close shuts the update stream down.
func (c *SimulatedStreamClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.updates)
	}
}
