package payments

import (
	"context"
	"encoding/json"
	"time"
)

// MetadataOrderIDKey is the metadata key carrying the order ID on both the
// checkout session and its payment intent. Settlement evidence is matched on it.
const MetadataOrderIDKey = "orderId"

// IntentStatus classifies the processor-side state of a payment intent.
type IntentStatus string

const (
	StatusPending   IntentStatus = "pending"
	StatusSucceeded IntentStatus = "succeeded"
	StatusFailed    IntentStatus = "failed"
	StatusRefunded  IntentStatus = "refunded"
)

// SessionPaymentStatus mirrors the processor's session payment_status field.
type SessionPaymentStatus string

const (
	SessionPaid              SessionPaymentStatus = "paid"
	SessionUnpaid            SessionPaymentStatus = "unpaid"
	SessionNoPaymentRequired SessionPaymentStatus = "no_payment_required"
)

// Webhook event types the reconciliation flow consumes.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
	EventChargeRefunded           = "charge.refunded"
)

// SessionLineItem is one priced line presented on the hosted checkout page.
type SessionLineItem struct {
	Name      string
	Amount    int64
	Quantity  int64
	ProductID string
}

// SessionRequest describes the hosted checkout session to open for an order.
type SessionRequest struct {
	OrderID        string
	BuyerID        string
	CustomerEmail  string
	Currency       string
	Items          []SessionLineItem
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// Session is the created hosted checkout session the buyer is redirected onto.
type Session struct {
	ID          string
	RedirectURL string
	IntentID    string
	ExpiresAt   time.Time
}

// SessionDetails is the processor's view of a session fetched during
// reconciliation. OrderID comes from session metadata, never from the client.
type SessionDetails struct {
	ID            string
	OrderID       string
	IntentID      string
	PaymentStatus SessionPaymentStatus
	AmountTotal   int64
	Currency      string
}

// Paid reports whether the processor considers the session settled.
func (d SessionDetails) Paid() bool {
	return d.PaymentStatus == SessionPaid || d.PaymentStatus == SessionNoPaymentRequired
}

// IntentDetails is the processor's view of a payment intent fetched during
// reconciliation.
type IntentDetails struct {
	ID       string
	OrderID  string
	Status   IntentStatus
	Amount   int64
	Currency string
}

// Succeeded reports whether the intent captured funds.
func (d IntentDetails) Succeeded() bool {
	return d.Status == StatusSucceeded
}

// WebhookEvent is a signature-verified processor event.
type WebhookEvent struct {
	ID   string
	Type string
	Data json.RawMessage
}

// Gateway abstracts the payment processor for checkout and reconciliation.
type Gateway interface {
	// CreateSession opens a hosted checkout session carrying the order ID in
	// metadata on both the session and its payment intent.
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)

	// RetrieveSession fetches the processor's current view of a session.
	RetrieveSession(ctx context.Context, sessionID string) (SessionDetails, error)

	// RetrievePaymentIntent fetches the processor's current view of an intent.
	RetrievePaymentIntent(ctx context.Context, intentID string) (IntentDetails, error)

	// VerifyWebhookSignature validates the signature over the raw request body
	// and returns the decoded event. Tampered or stale payloads are rejected.
	VerifyWebhookSignature(payload []byte, signature string) (WebhookEvent, error)
}
