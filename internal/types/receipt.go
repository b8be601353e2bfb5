package types

import "time"

// ReceiptContext represents the reason a receipt was generated
type ReceiptContext string

const (
	// ContextPurchase marks a receipt correlated with an in-flight buy request
	ContextPurchase ReceiptContext = "purchase"
	// ContextRestore marks a receipt produced while restoring past purchases
	ContextRestore ReceiptContext = "restore"
	// ContextRefresh marks a background redelivery with no pending request
	ContextRefresh ReceiptContext = "refresh"
)

// Receipt is the normalized proof of one platform transaction event, pending
// backend validation. One Receipt is created per distinct platform
// transaction; it is mutated exactly once when reconciliation completes and
// never reused across distinct tokens.
type Receipt struct {
	// Token is the opaque platform receipt blob
	Token string `json:"token"`
	SKU   string `json:"sku"`
	// TransactionID identifies the platform queue entry so the adapter can
	// acknowledge it once the receipt is finished
	TransactionID string         `json:"transactionId,omitempty"`
	Context       ReceiptContext `json:"context"`

	// IsFinished is set on terminal resolution; only then may the adapter
	// acknowledge the platform transaction
	IsFinished  bool       `json:"isFinished"`
	ProcessDate *time.Time `json:"processDate,omitempty"`
}

// MarkFinished records terminal resolution of the receipt.
func (r *Receipt) MarkFinished(at time.Time) {
	r.IsFinished = true
	r.ProcessDate = &at
}
