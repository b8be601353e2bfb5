package types

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMarkSentOnce(t *testing.T) {
	err := NewError(ErrServer, "boom")
	assert.True(t, err.MarkSent())
	assert.False(t, err.MarkSent(), "an instance reports at most once")
}

func TestErrorWrapping(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := WrapError(ErrNetworkFailed, cause, "request to %s failed", "backend")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "network_failed")
	assert.Contains(t, err.Error(), "connection reset")
	assert.True(t, err.Retryable())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrUserConflict, KindOf(NewError(ErrUserConflict, "owned elsewhere")))
	assert.Equal(t, ErrUnexpected, KindOf(fmt.Errorf("plain error")))

	wrapped := fmt.Errorf("outer: %w", NewError(ErrServer, "boom"))
	assert.Equal(t, ErrServer, KindOf(wrapped))
}

func TestAsError(t *testing.T) {
	assert.Nil(t, AsError(nil))

	sdkErr := NewError(ErrServer, "boom")
	assert.Same(t, sdkErr, AsError(sdkErr))

	foreign := fmt.Errorf("plain error")
	converted := AsError(foreign)
	assert.Equal(t, ErrUnexpected, converted.Kind)
	assert.ErrorIs(t, converted, foreign)
}

func TestTransactionExpired(t *testing.T) {
	sub := &Transaction{ActiveProduct: ActiveProduct{Product: Product{Type: ProductTypeSubscription}}}
	sub.SubscriptionState = SubscriptionExpired
	assert.True(t, sub.Expired())

	sub.SubscriptionState = SubscriptionActive
	assert.False(t, sub.Expired())

	nc := &Transaction{ActiveProduct: ActiveProduct{Product: Product{Type: ProductTypeNonConsumable}}}
	nc.SubscriptionState = SubscriptionExpired
	assert.False(t, nc.Expired(), "expiry only applies to subscriptions")
}

func TestReceiptMarkFinished(t *testing.T) {
	r := &Receipt{Token: "tok1", SKU: "premium", Context: ContextPurchase}
	require.False(t, r.IsFinished)
	require.Nil(t, r.ProcessDate)

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.MarkFinished(at)
	assert.True(t, r.IsFinished)
	require.NotNil(t, r.ProcessDate)
	assert.Equal(t, at, *r.ProcessDate)
}

func TestTransactionRoundTrip(t *testing.T) {
	exp := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	in := &Transaction{
		ActiveProduct: ActiveProduct{
			Product: Product{
				ID:            "main",
				SKU:           "premium",
				Type:          ProductTypeSubscription,
				Duration:      "P1M",
				TrialDuration: "P3D",
			},
			PurchaseDate:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			ExpirationDate:    &exp,
			SubscriptionState: SubscriptionActive,
			WebhookStatus:     WebhookDelivered,
			PurchaseID:        "p-1",
		},
		UserID: "u1",
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Transaction
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, *in, out)
}

func TestParseTransactions(t *testing.T) {
	raw := []json.RawMessage{
		json.RawMessage(`{"sku":"premium","type":"auto_renew_subscription","userId":"u1","subscriptionState":"active","purchaseDate":"2025-06-01T12:00:00Z"}`),
		json.RawMessage(`"not an object"`),
		json.RawMessage(`{"sku":"unlock","type":"non_consumable","userId":"u1","purchaseDate":"2025-06-01T12:00:00Z"}`),
	}

	txs := ParseTransactions(raw)
	require.Len(t, txs, 2, "malformed entries are dropped individually")
	assert.Equal(t, "premium", txs[0].SKU)
	assert.Equal(t, SubscriptionActive, txs[0].SubscriptionState)
	assert.Equal(t, "unlock", txs[1].SKU)
	assert.Equal(t, ProductTypeNonConsumable, txs[1].Type)
}
