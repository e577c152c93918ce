package services

import (
	"context"
	"time"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/repositories"
)

// Logger is the structured logging hook services emit events through.
type Logger func(ctx context.Context, event string, fields map[string]any)

// CartService manages the single mutable cart per buyer.
type CartService interface {
	// GetCart returns the buyer's cart, or an empty cart when none exists.
	GetCart(ctx context.Context, buyerID string) (domain.Cart, error)
	// AddItem adds a product to the cart or raises the quantity of an existing line.
	AddItem(ctx context.Context, buyerID string, productID string, quantity int) (domain.Cart, error)
	// UpdateItemQuantity sets the quantity of an existing line; zero removes it.
	UpdateItemQuantity(ctx context.Context, buyerID string, productID string, quantity int) (domain.Cart, error)
	// RemoveItem deletes a line from the cart.
	RemoveItem(ctx context.Context, buyerID string, productID string) (domain.Cart, error)
	// ClearCart empties the buyer's cart.
	ClearCart(ctx context.Context, buyerID string) error
}

// PlaceOrderCommand captures the buyer's intent to convert their cart into an order.
type PlaceOrderCommand struct {
	BuyerID         string
	ShippingAddress domain.Address
	PaymentMethod   domain.PaymentMethod
}

// UpdateOrderStatusCommand is the admin request to advance fulfillment and,
// optionally, override the payment status for orders settled out of band.
// Empty fields are left unchanged; at least one must be set.
type UpdateOrderStatusCommand struct {
	OrderID       string
	Status        domain.OrderStatus
	PaymentStatus domain.PaymentStatus
}

// OrderService places orders from carts and serves order reads.
type OrderService interface {
	// PlaceOrder snapshots the cart into an immutable order, decrements stock
	// and empties the cart in one atomic commit.
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error)
	// GetOrder returns the order when it belongs to the requesting buyer.
	GetOrder(ctx context.Context, buyerID string, orderID string) (domain.Order, error)
	// ListOrders returns the buyer's orders newest first.
	ListOrders(ctx context.Context, buyerID string) ([]domain.Order, error)
	// AdminGetOrder returns any order without a buyer scope check.
	AdminGetOrder(ctx context.Context, orderID string) (domain.Order, error)
	// AdminListOrders returns one page of orders for back-office review.
	AdminListOrders(ctx context.Context, filter repositories.OrderListFilter) (repositories.OrderPage, error)
	// AdminUpdateStatus advances the fulfillment status and applies operator
	// payment overrides. Settlement itself never flows through here.
	AdminUpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error)
}

// CheckoutSession is the hosted payment session opened for a freshly placed order.
type CheckoutSession struct {
	Order       domain.Order
	SessionID   string
	RedirectURL string
	ExpiresAt   time.Time
}

// CheckoutService converts a cart into an order backed by a hosted checkout session.
type CheckoutService interface {
	// CreateSession places the order with the checkout payment method and opens
	// a hosted session the buyer completes on the processor's page.
	CreateSession(ctx context.Context, cmd PlaceOrderCommand) (CheckoutSession, error)
}

// SettlementResult reports the outcome of one settlement attempt.
type SettlementResult struct {
	Order domain.Order
	// Transitioned is true when this attempt performed the pending->paid
	// transition; false means a duplicate observed the already-settled order.
	Transitioned bool
}

// PaymentReconciler converges the unordered confirmation paths onto one
// idempotent settlement transition. Every path fetches fresh evidence from the
// gateway; client-supplied payment flags are never trusted.
type PaymentReconciler interface {
	// SettleFromSession settles the order referenced by a checkout session's
	// metadata after confirming the gateway reports it paid.
	SettleFromSession(ctx context.Context, sessionID string) (SettlementResult, error)
	// SettleFromIntent settles the order referenced by a payment intent's
	// metadata after confirming the gateway reports it succeeded.
	SettleFromIntent(ctx context.Context, intentID string) (SettlementResult, error)
	// HandleWebhookEvent dispatches a signature-verified processor event.
	// Unhandled event types are acknowledged without effect.
	HandleWebhookEvent(ctx context.Context, event payments.WebhookEvent) error
}

// SystemService aggregates operational health for readiness endpoints.
type SystemService interface {
	Health(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderEventMessage is the payload published to the order events topic.
type OrderEventMessage struct {
	Event           string    `json:"event"`
	OrderID         string    `json:"orderId"`
	UserID          string    `json:"userId"`
	PaymentStatus   string    `json:"paymentStatus"`
	OrderStatus     string    `json:"orderStatus"`
	PaymentIntentID string    `json:"paymentIntentId,omitempty"`
	TotalAmount     int64     `json:"totalAmount"`
	OccurredAt      time.Time `json:"occurredAt"`
}

// Order event names published to the events topic.
const (
	OrderEventCreated       = "order.created"
	OrderEventPaid          = "order.paid"
	OrderEventStatusChanged = "order.status.changed"
	OrderEventRefundPending = "order.refund_pending"
)

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}
