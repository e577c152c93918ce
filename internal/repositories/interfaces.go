package repositories

import (
	"context"
	"time"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/platform/pagination"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository persists the single mutable cart per buyer.
type CartRepository interface {
	// GetCart loads the buyer's cart. Returns a RepositoryError with IsNotFound
	// when the buyer has never carted anything.
	GetCart(ctx context.Context, buyerID string) (domain.Cart, error)
	// SaveCart upserts the cart under the buyer's ID.
	SaveCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	// ClearCart removes the buyer's cart document. Clearing an absent cart is a no-op.
	ClearCart(ctx context.Context, buyerID string) error
}

// ProductRepository reads catalog documents consumed for carting and snapshotting.
type ProductRepository interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	PaymentStatus domain.PaymentStatus
	OrderStatus   domain.OrderStatus
	Limit         int
	Cursor        pagination.Cursor
}

// OrderPage is one page of an admin order listing. NextPageToken is empty on
// the final page.
type OrderPage struct {
	Orders        []domain.Order
	NextPageToken string
}

// OrderRepository persists placed orders and their settlement transitions.
type OrderRepository interface {
	// PlaceOrder atomically creates the order, decrements snapshot product stock
	// and empties the buyer's cart. Returns a RepositoryError with IsConflict
	// when any line's stock is insufficient at commit time.
	PlaceOrder(ctx context.Context, order domain.Order) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListOrdersByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (OrderPage, error)

	// UpdateOrderStatus sets the fulfillment status leaving the payment
	// dimension untouched.
	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) (domain.Order, error)

	// SettlePayment transitions paymentStatus pending->paid exactly once,
	// recording the payment intent and settlement time. The bool reports
	// whether this call performed the transition; callers observing false on a
	// paid order treat the request as a duplicate.
	SettlePayment(ctx context.Context, orderID string, paymentIntentID string, paidAt time.Time) (domain.Order, bool, error)

	// MarkPaymentFailed records a terminal processor failure for a pending order.
	MarkPaymentFailed(ctx context.Context, orderID string, failedAt time.Time) (domain.Order, error)

	// MarkRefundPending flags a settled order whose charge was refunded at the processor.
	MarkRefundPending(ctx context.Context, orderID string, updatedAt time.Time) (domain.Order, error)

	// SetPaymentStatus overrides the payment status without a from-state check.
	// This is the operator escape hatch for orders settled outside the
	// processor, such as marking cash-on-delivery orders paid.
	SetPaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus, updatedAt time.Time) (domain.Order, error)
}

// HealthRepository aggregates dependency probes into a readiness report.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
