package types

import (
	"encoding/json"
	"time"

	"github.com/golang/glog"
)

// ProductType represents the purchase semantics of a product
type ProductType string

const (
	ProductTypeConsumable    ProductType = "consumable"
	ProductTypeNonConsumable ProductType = "non_consumable"
	ProductTypeSubscription  ProductType = "auto_renew_subscription"
)

// SubscriptionState represents the backend's view of a subscription
type SubscriptionState string

const (
	SubscriptionActive       SubscriptionState = "active"
	SubscriptionTrial        SubscriptionState = "trial"
	SubscriptionGracePeriod  SubscriptionState = "grace_period"
	SubscriptionBillingIssue SubscriptionState = "billing_issue"
	SubscriptionPaused       SubscriptionState = "paused"
	SubscriptionExpired      SubscriptionState = "expired"
)

// WebhookStatus represents delivery state of the backend's server notification
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "pending"
	WebhookDelivered WebhookStatus = "delivered"
	WebhookFailed    WebhookStatus = "failed"
)

// Product is a purchasable item as declared by the backend
type Product struct {
	ID            string      `json:"id"`
	SKU           string      `json:"sku"`
	Type          ProductType `json:"type"`
	Duration      string      `json:"duration,omitempty"`
	TrialDuration string      `json:"trialDuration,omitempty"`
}

// ActiveProduct is a product the user currently owns or is subscribed to
type ActiveProduct struct {
	Product
	PurchaseDate      time.Time         `json:"purchaseDate"`
	ExpirationDate    *time.Time        `json:"expirationDate,omitempty"`
	SubscriptionState SubscriptionState `json:"subscriptionState,omitempty"`
	WebhookStatus     WebhookStatus     `json:"webhookStatus,omitempty"`
	PurchaseID        string            `json:"purchaseId,omitempty"`
}

// Transaction is a backend-confirmed purchase record. UserID is the backend
// user the transaction belongs to, which may differ from the session user.
type Transaction struct {
	ActiveProduct
	UserID string `json:"userId"`
}

// Expired reports whether the transaction denotes a lapsed subscription.
func (t *Transaction) Expired() bool {
	return t.Type == ProductTypeSubscription && t.SubscriptionState == SubscriptionExpired
}

// PricingEntry is one element of the platform pricing snapshot
type PricingEntry struct {
	ID         string  `json:"id"`
	Price      float64 `json:"price"`
	Currency   string  `json:"currency"`
	IntroPrice float64 `json:"introPrice,omitempty"`
}

// ParseProducts decodes a list of raw product objects, dropping malformed
// elements with a warning rather than failing the whole response.
func ParseProducts(raw []json.RawMessage) []*Product {
	out := make([]*Product, 0, len(raw))
	for i, r := range raw {
		var p Product
		if err := json.Unmarshal(r, &p); err != nil {
			glog.Warningf("dropping malformed product at index %d: %v", i, err)
			continue
		}
		out = append(out, &p)
	}
	return out
}

// ParseActiveProducts decodes a list of raw active-product objects with the
// same drop-with-warning policy as ParseProducts.
func ParseActiveProducts(raw []json.RawMessage) []*ActiveProduct {
	out := make([]*ActiveProduct, 0, len(raw))
	for i, r := range raw {
		var p ActiveProduct
		if err := json.Unmarshal(r, &p); err != nil {
			glog.Warningf("dropping malformed active product at index %d: %v", i, err)
			continue
		}
		out = append(out, &p)
	}
	return out
}

// ParseTransactions decodes a list of raw transaction objects with the same
// drop-with-warning policy as ParseProducts.
func ParseTransactions(raw []json.RawMessage) []*Transaction {
	out := make([]*Transaction, 0, len(raw))
	for i, r := range raw {
		var t Transaction
		if err := json.Unmarshal(r, &t); err != nil {
			glog.Warningf("dropping malformed transaction at index %d: %v", i, err)
			continue
		}
		out = append(out, &t)
	}
	return out
}
