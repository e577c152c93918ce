package domain

import (
	"time"
)

// PaymentMethod enumerates how a buyer chose to pay for an order.
type PaymentMethod string

const (
	// PaymentMethodCOD indicates cash on delivery; no settlement event is ever expected.
	PaymentMethodCOD PaymentMethod = "cod"
	// PaymentMethodCard indicates a card payment recorded out of band.
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodUPI indicates a UPI payment recorded out of band.
	PaymentMethodUPI PaymentMethod = "upi"
	// PaymentMethodCheckout indicates a hosted checkout session with the payment processor.
	PaymentMethodCheckout PaymentMethod = "checkout"
)

// ValidPaymentMethod reports whether the value is a member of the payment method enum.
func ValidPaymentMethod(m PaymentMethod) bool {
	switch m {
	case PaymentMethodCOD, PaymentMethodCard, PaymentMethodUPI, PaymentMethodCheckout:
		return true
	}
	return false
}

// PaymentStatus enumerates the payment dimension of an order's status pair.
type PaymentStatus string

const (
	// PaymentStatusPending indicates no settlement has been observed yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates funds were captured; reached at most once per order.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusFailed indicates the processor reported a terminal failure.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefundPending indicates an out-of-band refund notification was received.
	PaymentStatusRefundPending PaymentStatus = "refund_pending"
)

// ValidPaymentStatus reports whether the value is a member of the payment status enum.
func ValidPaymentStatus(s PaymentStatus) bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefundPending:
		return true
	}
	return false
}

// OrderStatus enumerates the fulfillment dimension of an order's status pair.
type OrderStatus string

const (
	// OrderStatusPlaced indicates the order was created from a cart.
	OrderStatusPlaced OrderStatus = "placed"
	// OrderStatusProcessing indicates payment settled and fulfillment may begin.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the buyer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled; terminal.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// ValidOrderStatus reports whether the value is a member of the order status enum.
func ValidOrderStatus(s OrderStatus) bool {
	switch s {
	case OrderStatusPlaced, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// orderStatusRank orders the forward fulfillment progression.
var orderStatusRank = map[OrderStatus]int{
	OrderStatusPlaced:     0,
	OrderStatusProcessing: 1,
	OrderStatusShipped:    2,
	OrderStatusDelivered:  3,
}

// CanTransitionOrderStatus reports whether the fulfillment status may move
// from one value to another. Progression is strictly forward; cancellation is
// only allowed before shipment; terminal states never transition.
func CanTransitionOrderStatus(from, to OrderStatus) bool {
	if !ValidOrderStatus(from) || !ValidOrderStatus(to) || from == to {
		return false
	}
	if from == OrderStatusCancelled || from == OrderStatusDelivered {
		return false
	}
	if to == OrderStatusCancelled {
		return from == OrderStatusPlaced || from == OrderStatusProcessing
	}
	return orderStatusRank[to] > orderStatusRank[from]
}

// Product is the catalog projection consumed when snapshotting order items.
type Product struct {
	ID            string
	Name          string
	Images        []string
	Price         int64
	DiscountPrice int64
	Stock         int
	UpdatedAt     time.Time
}

// EffectivePrice returns the discounted price when one is set, else the base price.
func (p Product) EffectivePrice() int64 {
	if p.DiscountPrice > 0 {
		return p.DiscountPrice
	}
	return p.Price
}

// CartItem is a single line in a buyer's cart. Price is captured at add time.
type CartItem struct {
	ProductID string
	Name      string
	Image     string
	UnitPrice int64
	Quantity  int
	AddedAt   time.Time
}

// Cart holds the single mutable cart per buyer. Totals are derived from the
// items on every mutation, never edited independently.
type Cart struct {
	BuyerID    string
	Items      []CartItem
	TotalItems int
	TotalPrice int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Recalculate rebuilds the derived totals from the current items.
func (c *Cart) Recalculate() {
	var count int
	var total int64
	for _, item := range c.Items {
		count += item.Quantity
		total += item.UnitPrice * int64(item.Quantity)
	}
	c.TotalItems = count
	c.TotalPrice = total
}

// Address is the shipping address snapshot stored on an order.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// OrderItem is an immutable snapshot of catalog data frozen at placement time.
type OrderItem struct {
	ProductID string
	Name      string
	Image     string
	UnitPrice int64
	Quantity  int
}

// LineTotal returns quantity times the snapshotted unit price.
func (i OrderItem) LineTotal() int64 {
	return i.UnitPrice * int64(i.Quantity)
}

// Order is the durable record of a placed order. Orders are never deleted;
// TotalAmount is fixed at creation and never recomputed from the live catalog.
type Order struct {
	ID              string
	BuyerID         string
	Items           []OrderItem
	ShippingAddress Address
	PaymentMethod   PaymentMethod
	PaymentStatus   PaymentStatus
	OrderStatus     OrderStatus
	TotalAmount     int64
	PaymentIntentID string
	PaidAt          *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Settled reports whether the order's payment already reached its terminal paid state.
func (o Order) Settled() bool {
	return o.PaymentStatus == PaymentStatusPaid
}
