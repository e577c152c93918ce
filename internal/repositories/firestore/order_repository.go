package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/ferncart/api/internal/domain"
	pfirestore "github.com/ferncart/api/internal/platform/firestore"
	"github.com/ferncart/api/internal/platform/pagination"
	"github.com/ferncart/api/internal/repositories"
)

const (
	orderCollection = "orders"
	orderListLimit  = 100
)

// OrderRepository persists placed orders and runs their settlement transitions
// inside Firestore transactions.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	products *pfirestore.BaseRepository[productDocument]
	carts    *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		base:     pfirestore.NewBaseRepository[orderDocument](provider, orderCollection),
		products: pfirestore.NewBaseRepository[productDocument](provider, productCollection),
		carts:    pfirestore.NewBaseRepository[cartDocument](provider, cartCollection),
		provider: provider,
	}, nil
}

// PlaceOrder atomically creates the order document, decrements stock for every
// line and deletes the buyer's cart. Stock is re-read inside the transaction so
// concurrent placements cannot oversell.
func (r *OrderRepository) PlaceOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}
	if strings.TrimSpace(order.BuyerID) == "" {
		return domain.Order{}, errors.New("order repository: buyer id is required")
	}
	if len(order.Items) == 0 {
		return domain.Order{}, pfirestore.NewConflictError("orders.place", errors.New("order has no items"))
	}

	orderRef, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	cartRef, err := r.carts.DocumentRef(ctx, order.BuyerID)
	if err != nil {
		return domain.Order{}, err
	}

	type stockUpdate struct {
		ref       *firestore.DocumentRef
		remaining int
	}

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		updates := make([]stockUpdate, 0, len(order.Items))
		for _, item := range order.Items {
			productRef, err := r.products.DocumentRef(ctx, item.ProductID)
			if err != nil {
				return err
			}
			snapshot, err := tx.Get(productRef)
			if err != nil {
				return pfirestore.WrapError("orders.place", err)
			}
			var product productDocument
			if err := snapshot.DataTo(&product); err != nil {
				return fmt.Errorf("orders.place: decode product %s: %w", item.ProductID, err)
			}
			if product.Stock < item.Quantity {
				return pfirestore.NewConflictError("orders.place",
					fmt.Errorf("insufficient stock for product %s: have %d, need %d", item.ProductID, product.Stock, item.Quantity))
			}
			updates = append(updates, stockUpdate{ref: productRef, remaining: product.Stock - item.Quantity})
		}

		now := order.CreatedAt.UTC()
		for _, update := range updates {
			if err := tx.Update(update.ref, []firestore.Update{
				{Path: productStockField, Value: update.remaining},
				{Path: productUpdateField, Value: now},
			}); err != nil {
				return pfirestore.WrapError("orders.place", err)
			}
		}
		if err := tx.Create(orderRef, orderToDocument(order)); err != nil {
			return pfirestore.WrapError("orders.place", err)
		}
		if err := tx.Delete(cartRef); err != nil {
			return pfirestore.WrapError("orders.place", err)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// GetOrder loads a single order by ID.
func (r *OrderRepository) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	doc, err := r.base.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return orderFromDocument(doc.ID, doc.Data), nil
}

// ListOrdersByBuyer returns the buyer's orders newest first.
func (r *OrderRepository) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("order repository not initialised")
	}
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, errors.New("order repository: buyer id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("buyerId", "==", buyerID).
			OrderBy("createdAt", firestore.Desc).
			Limit(orderListLimit)
	})
	if err != nil {
		return nil, err
	}
	return ordersFromDocuments(docs), nil
}

// ListOrders returns one page of orders for admin review, optionally filtered
// by status. One extra document is fetched to decide whether a next page
// exists; its cursor becomes the page token.
func (r *OrderRepository) ListOrders(ctx context.Context, filter repositories.OrderListFilter) (repositories.OrderPage, error) {
	if r == nil || r.base == nil {
		return repositories.OrderPage{}, errors.New("order repository not initialised")
	}

	limit := filter.Limit
	if limit <= 0 || limit > orderListLimit {
		limit = orderListLimit
	}

	startAfter, err := orderCursorValues(filter.Cursor)
	if err != nil {
		return repositories.OrderPage{}, pfirestore.NewConflictError("orders.list", err)
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.PaymentStatus != "" {
			q = q.Where("paymentStatus", "==", string(filter.PaymentStatus))
		}
		if filter.OrderStatus != "" {
			q = q.Where("orderStatus", "==", string(filter.OrderStatus))
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if len(startAfter) > 0 {
			q = q.StartAfter(startAfter...)
		}
		return q.Limit(limit + 1)
	})
	if err != nil {
		return repositories.OrderPage{}, err
	}

	page := repositories.OrderPage{}
	if len(docs) > limit {
		last := docs[limit-1]
		token, err := pagination.EncodeToken(pagination.Cursor{StartAfter: []any{
			last.Data.CreatedAt.UTC().Format(time.RFC3339Nano),
			last.ID,
		}})
		if err != nil {
			return repositories.OrderPage{}, fmt.Errorf("orders.list: %w", err)
		}
		page.NextPageToken = token
		docs = docs[:limit]
	}
	page.Orders = ordersFromDocuments(docs)
	return page, nil
}

// orderCursorValues converts a decoded page token back into Firestore cursor
// values matching the listing's order-by clauses.
func orderCursorValues(cursor pagination.Cursor) ([]any, error) {
	if len(cursor.StartAfter) == 0 {
		return nil, nil
	}
	if len(cursor.StartAfter) != 2 {
		return nil, fmt.Errorf("malformed order cursor: %d values", len(cursor.StartAfter))
	}
	createdRaw, ok := cursor.StartAfter[0].(string)
	if !ok {
		return nil, errors.New("malformed order cursor: createdAt is not a string")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdRaw)
	if err != nil {
		return nil, fmt.Errorf("malformed order cursor: %w", err)
	}
	id, ok := cursor.StartAfter[1].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return nil, errors.New("malformed order cursor: missing document id")
	}
	return []any{createdAt, id}, nil
}

// UpdateOrderStatus moves the fulfillment status forward inside a transaction,
// rejecting regressions and transitions out of terminal states.
func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if !domain.ValidOrderStatus(status) {
		return domain.Order{}, pfirestore.NewConflictError("orders.status", fmt.Errorf("invalid order status %q", status))
	}

	orderRef, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(orderRef)
		if err != nil {
			return pfirestore.WrapError("orders.status", err)
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("orders.status: decode order %s: %w", orderID, err)
		}

		current := domain.OrderStatus(doc.OrderStatus)
		if !domain.CanTransitionOrderStatus(current, status) {
			return pfirestore.NewConflictError("orders.status",
				fmt.Errorf("cannot transition order %s from %s to %s", orderID, current, status))
		}

		at := updatedAt.UTC()
		if err := tx.Update(orderRef, []firestore.Update{
			{Path: "orderStatus", Value: string(status)},
			{Path: "updatedAt", Value: at},
		}); err != nil {
			return pfirestore.WrapError("orders.status", err)
		}

		doc.OrderStatus = string(status)
		doc.UpdatedAt = at
		updated = orderFromDocument(snapshot.Ref.ID, doc)
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// SettlePayment performs the pending->paid transition exactly once. Repeated
// calls observe the paid document and report no transition.
func (r *OrderRepository) SettlePayment(ctx context.Context, orderID string, paymentIntentID string, paidAt time.Time) (domain.Order, bool, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, false, errors.New("order repository not initialised")
	}
	// An empty intent ID is valid: zero-amount sessions settle without one.
	paymentIntentID = strings.TrimSpace(paymentIntentID)

	orderRef, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, false, err
	}

	var (
		result       domain.Order
		transitioned bool
	)
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		transitioned = false
		snapshot, err := tx.Get(orderRef)
		if err != nil {
			return pfirestore.WrapError("orders.settle", err)
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("orders.settle: decode order %s: %w", orderID, err)
		}

		switch domain.PaymentStatus(doc.PaymentStatus) {
		case domain.PaymentStatusPending:
			at := paidAt.UTC()
			updates := []firestore.Update{
				{Path: "paymentStatus", Value: string(domain.PaymentStatusPaid)},
				{Path: "paidAt", Value: at},
				{Path: "updatedAt", Value: at},
			}
			if paymentIntentID != "" {
				updates = append(updates, firestore.Update{Path: "paymentIntentId", Value: paymentIntentID})
			}
			// Settlement advances fulfillment from placed only; a status an
			// operator already moved further is never regressed.
			if domain.OrderStatus(doc.OrderStatus) == domain.OrderStatusPlaced {
				updates = append(updates, firestore.Update{Path: "orderStatus", Value: string(domain.OrderStatusProcessing)})
				doc.OrderStatus = string(domain.OrderStatusProcessing)
			}
			if err := tx.Update(orderRef, updates); err != nil {
				return pfirestore.WrapError("orders.settle", err)
			}
			doc.PaymentStatus = string(domain.PaymentStatusPaid)
			if paymentIntentID != "" {
				doc.PaymentIntentID = paymentIntentID
			}
			doc.PaidAt = &at
			doc.UpdatedAt = at
			result = orderFromDocument(snapshot.Ref.ID, doc)
			transitioned = true
			return nil
		case domain.PaymentStatusPaid:
			result = orderFromDocument(snapshot.Ref.ID, doc)
			return nil
		default:
			return pfirestore.NewConflictError("orders.settle",
				fmt.Errorf("order %s has payment status %s and cannot settle", orderID, doc.PaymentStatus))
		}
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	return result, transitioned, nil
}

// MarkPaymentFailed records a terminal processor failure for a pending order.
func (r *OrderRepository) MarkPaymentFailed(ctx context.Context, orderID string, failedAt time.Time) (domain.Order, error) {
	return r.transitionPayment(ctx, orderID, "orders.fail",
		domain.PaymentStatusPending, domain.PaymentStatusFailed, failedAt)
}

// MarkRefundPending flags a settled order whose charge was refunded out of band.
func (r *OrderRepository) MarkRefundPending(ctx context.Context, orderID string, updatedAt time.Time) (domain.Order, error) {
	return r.transitionPayment(ctx, orderID, "orders.refund",
		domain.PaymentStatusPaid, domain.PaymentStatusRefundPending, updatedAt)
}

// SetPaymentStatus writes the payment status unconditionally. Operator-driven
// overrides are last-write-wins next to the settlement transition.
func (r *OrderRepository) SetPaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus, updatedAt time.Time) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if !domain.ValidPaymentStatus(status) {
		return domain.Order{}, pfirestore.NewConflictError("orders.payment", fmt.Errorf("invalid payment status %q", status))
	}

	orderRef, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(orderRef)
		if err != nil {
			return pfirestore.WrapError("orders.payment", err)
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("orders.payment: decode order %s: %w", orderID, err)
		}

		at := updatedAt.UTC()
		if err := tx.Update(orderRef, []firestore.Update{
			{Path: "paymentStatus", Value: string(status)},
			{Path: "updatedAt", Value: at},
		}); err != nil {
			return pfirestore.WrapError("orders.payment", err)
		}

		doc.PaymentStatus = string(status)
		doc.UpdatedAt = at
		updated = orderFromDocument(snapshot.Ref.ID, doc)
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// transitionPayment applies a single payment status edge. Observing the target
// state already in place is treated as a duplicate notification, not an error.
func (r *OrderRepository) transitionPayment(ctx context.Context, orderID, op string, from, to domain.PaymentStatus, at time.Time) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderRef, err := r.base.DocumentRef(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	var result domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snapshot, err := tx.Get(orderRef)
		if err != nil {
			return pfirestore.WrapError(op, err)
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("%s: decode order %s: %w", op, orderID, err)
		}

		switch domain.PaymentStatus(doc.PaymentStatus) {
		case to:
			result = orderFromDocument(snapshot.Ref.ID, doc)
			return nil
		case from:
			ts := at.UTC()
			if err := tx.Update(orderRef, []firestore.Update{
				{Path: "paymentStatus", Value: string(to)},
				{Path: "updatedAt", Value: ts},
			}); err != nil {
				return pfirestore.WrapError(op, err)
			}
			doc.PaymentStatus = string(to)
			doc.UpdatedAt = ts
			result = orderFromDocument(snapshot.Ref.ID, doc)
			return nil
		default:
			return pfirestore.NewConflictError(op,
				fmt.Errorf("order %s has payment status %s, expected %s", orderID, doc.PaymentStatus, from))
		}
	})
	if err != nil {
		return domain.Order{}, err
	}
	return result, nil
}

func ordersFromDocuments(docs []pfirestore.Document[orderDocument]) []domain.Order {
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, orderFromDocument(doc.ID, doc.Data))
	}
	return orders
}

func orderToDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductID: item.ProductID,
			Name:      item.Name,
			Image:     item.Image,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}

	doc := orderDocument{
		BuyerID: order.BuyerID,
		Items:   items,
		ShippingAddress: addressDocument{
			Recipient:  order.ShippingAddress.Recipient,
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			State:      order.ShippingAddress.State,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
			Phone:      order.ShippingAddress.Phone,
		},
		PaymentMethod:   string(order.PaymentMethod),
		PaymentStatus:   string(order.PaymentStatus),
		OrderStatus:     string(order.OrderStatus),
		TotalAmount:     order.TotalAmount,
		PaymentIntentID: order.PaymentIntentID,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	if order.PaidAt != nil {
		paidAt := order.PaidAt.UTC()
		doc.PaidAt = &paidAt
	}
	return doc
}

func orderFromDocument(id string, doc orderDocument) domain.Order {
	items := make([]domain.OrderItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Image:     item.Image,
			UnitPrice: item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}
	return domain.Order{
		ID:      id,
		BuyerID: doc.BuyerID,
		Items:   items,
		ShippingAddress: domain.Address{
			Recipient:  doc.ShippingAddress.Recipient,
			Line1:      doc.ShippingAddress.Line1,
			Line2:      doc.ShippingAddress.Line2,
			City:       doc.ShippingAddress.City,
			State:      doc.ShippingAddress.State,
			PostalCode: doc.ShippingAddress.PostalCode,
			Country:    doc.ShippingAddress.Country,
			Phone:      doc.ShippingAddress.Phone,
		},
		PaymentMethod:   domain.PaymentMethod(doc.PaymentMethod),
		PaymentStatus:   domain.PaymentStatus(doc.PaymentStatus),
		OrderStatus:     domain.OrderStatus(doc.OrderStatus),
		TotalAmount:     doc.TotalAmount,
		PaymentIntentID: doc.PaymentIntentID,
		PaidAt:          doc.PaidAt,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
}

type orderDocument struct {
	BuyerID         string              `firestore:"buyerId"`
	Items           []orderItemDocument `firestore:"items"`
	ShippingAddress addressDocument     `firestore:"shippingAddress"`
	PaymentMethod   string              `firestore:"paymentMethod"`
	PaymentStatus   string              `firestore:"paymentStatus"`
	OrderStatus     string              `firestore:"orderStatus"`
	TotalAmount     int64               `firestore:"totalAmount"`
	PaymentIntentID string              `firestore:"paymentIntentId,omitempty"`
	PaidAt          *time.Time          `firestore:"paidAt,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Image     string `firestore:"image,omitempty"`
	UnitPrice int64  `firestore:"unitPrice"`
	Quantity  int    `firestore:"quantity"`
}

type addressDocument struct {
	Recipient  string `firestore:"recipient"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
