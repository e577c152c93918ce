package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/repositories"
)

const orderIDPrefix = "ord_"

var (
	// ErrOrderNotFound indicates the order does not exist or is not visible to the caller.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrEmptyCart indicates a placement attempt against a cart with no items.
	ErrEmptyCart = errors.New("order: cart is empty")
	// ErrInvalidPaymentMethod indicates a payment method outside the accepted enum.
	ErrInvalidPaymentMethod = errors.New("order: invalid payment method")
	// ErrInvalidShippingAddress indicates a shipping address missing required fields.
	ErrInvalidShippingAddress = errors.New("order: invalid shipping address")
	// ErrInvalidStatusTransition indicates an admin status update that would move backwards
	// or out of a terminal state.
	ErrInvalidStatusTransition = errors.New("order: invalid status transition")
)

// OrderServiceDeps wires the collaborators required by the order service.
type OrderServiceDeps struct {
	Orders   repositories.OrderRepository
	Carts    repositories.CartRepository
	Products repositories.ProductRepository
	Events   OrderEventPublisher
	Clock    func() time.Time
	Logger   Logger
	IDGen    func() string
}

type orderService struct {
	orders   repositories.OrderRepository
	carts    repositories.CartRepository
	products repositories.ProductRepository
	events   OrderEventPublisher
	now      func() time.Time
	logger   Logger
	idGen    func() string
}

// NewOrderService constructs an OrderService validating required dependencies.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Products == nil {
		return nil, errors.New("order service: product repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string {
			return orderIDPrefix + ulid.Make().String()
		}
	}

	return &orderService{
		orders:   deps.Orders,
		carts:    deps.Carts,
		products: deps.Products,
		events:   deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
		idGen:  idGen,
	}, nil
}

// PlaceOrder snapshots the buyer's cart into an immutable order. Unit prices
// are re-read from the live catalog at placement time so the order total never
// drifts when the catalog changes afterwards.
func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error) {
	order, err := s.buildOrder(ctx, cmd)
	if err != nil {
		return domain.Order{}, err
	}

	placed, err := s.orders.PlaceOrder(ctx, order)
	if err != nil {
		return domain.Order{}, err
	}

	s.logger(ctx, "order.placed", map[string]any{
		"orderId":       placed.ID,
		"buyerId":       placed.BuyerID,
		"paymentMethod": string(placed.PaymentMethod),
		"totalAmount":   placed.TotalAmount,
	})
	s.publish(ctx, OrderEventCreated, placed)
	return placed, nil
}

// buildOrder validates the command and assembles the order snapshot without
// committing it.
func (s *orderService) buildOrder(ctx context.Context, cmd PlaceOrderCommand) (domain.Order, error) {
	buyerID := strings.TrimSpace(cmd.BuyerID)
	if buyerID == "" {
		return domain.Order{}, ErrBuyerRequired
	}
	if !domain.ValidPaymentMethod(cmd.PaymentMethod) {
		return domain.Order{}, ErrInvalidPaymentMethod
	}
	if err := validateAddress(cmd.ShippingAddress); err != nil {
		return domain.Order{}, err
	}

	cart, err := s.carts.GetCart(ctx, buyerID)
	if err != nil {
		if isNotFound(err) {
			return domain.Order{}, ErrEmptyCart
		}
		return domain.Order{}, err
	}
	if len(cart.Items) == 0 {
		return domain.Order{}, ErrEmptyCart
	}

	now := s.now()
	items := make([]domain.OrderItem, 0, len(cart.Items))
	var total int64
	for _, line := range cart.Items {
		product, err := s.products.GetProduct(ctx, line.ProductID)
		if err != nil {
			if isNotFound(err) {
				return domain.Order{}, fmt.Errorf("%w: product %s no longer exists", ErrProductNotFound, line.ProductID)
			}
			return domain.Order{}, err
		}
		if product.Stock < line.Quantity {
			return domain.Order{}, fmt.Errorf("%w: product %s has %d left", ErrInsufficientStock, line.ProductID, product.Stock)
		}
		item := domain.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			Image:     firstImage(product.Images),
			UnitPrice: product.EffectivePrice(),
			Quantity:  line.Quantity,
		}
		items = append(items, item)
		total += item.LineTotal()
	}

	return domain.Order{
		ID:              s.idGen(),
		BuyerID:         buyerID,
		Items:           items,
		ShippingAddress: cmd.ShippingAddress,
		PaymentMethod:   cmd.PaymentMethod,
		PaymentStatus:   domain.PaymentStatusPending,
		OrderStatus:     domain.OrderStatusPlaced,
		TotalAmount:     total,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, buyerID string, orderID string) (domain.Order, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return domain.Order{}, ErrBuyerRequired
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.BuyerID != buyerID {
		return domain.Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, buyerID string) ([]domain.Order, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, ErrBuyerRequired
	}
	return s.orders.ListOrdersByBuyer(ctx, buyerID)
}

func (s *orderService) AdminGetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return s.loadOrder(ctx, orderID)
}

func (s *orderService) AdminListOrders(ctx context.Context, filter repositories.OrderListFilter) (repositories.OrderPage, error) {
	if filter.PaymentStatus != "" && !domain.ValidPaymentStatus(filter.PaymentStatus) {
		return repositories.OrderPage{}, fmt.Errorf("order: invalid payment status filter %q", filter.PaymentStatus)
	}
	if filter.OrderStatus != "" && !domain.ValidOrderStatus(filter.OrderStatus) {
		return repositories.OrderPage{}, fmt.Errorf("order: invalid order status filter %q", filter.OrderStatus)
	}
	return s.orders.ListOrders(ctx, filter)
}

func (s *orderService) AdminUpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, ErrOrderNotFound
	}
	if cmd.Status == "" && cmd.PaymentStatus == "" {
		return domain.Order{}, ErrInvalidStatusTransition
	}
	if cmd.Status != "" && !domain.ValidOrderStatus(cmd.Status) {
		return domain.Order{}, ErrInvalidStatusTransition
	}
	if cmd.PaymentStatus != "" && !domain.ValidPaymentStatus(cmd.PaymentStatus) {
		return domain.Order{}, ErrInvalidStatusTransition
	}

	var (
		updated domain.Order
		err     error
	)
	if cmd.Status != "" {
		updated, err = s.orders.UpdateOrderStatus(ctx, orderID, cmd.Status, s.now())
		if err != nil {
			if isNotFound(err) {
				return domain.Order{}, ErrOrderNotFound
			}
			if isConflict(err) {
				return domain.Order{}, fmt.Errorf("%w: %v", ErrInvalidStatusTransition, err)
			}
			return domain.Order{}, err
		}
	}
	if cmd.PaymentStatus != "" {
		updated, err = s.orders.SetPaymentStatus(ctx, orderID, cmd.PaymentStatus, s.now())
		if err != nil {
			if isNotFound(err) {
				return domain.Order{}, ErrOrderNotFound
			}
			if isConflict(err) {
				return domain.Order{}, fmt.Errorf("%w: %v", ErrInvalidStatusTransition, err)
			}
			return domain.Order{}, err
		}
	}

	s.logger(ctx, "order.status.updated", map[string]any{
		"orderId":       updated.ID,
		"status":        string(updated.OrderStatus),
		"paymentStatus": string(updated.PaymentStatus),
	})
	s.publish(ctx, OrderEventStatusChanged, updated)
	return updated, nil
}

func (s *orderService) loadOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, ErrOrderNotFound
	}
	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		if isNotFound(err) {
			return domain.Order{}, ErrOrderNotFound
		}
		return domain.Order{}, err
	}
	return order, nil
}

// publish emits an order event, logging failures without surfacing them to the
// caller: persistence already committed and the API response must reflect it.
func (s *orderService) publish(ctx context.Context, event string, order domain.Order) {
	if s.events == nil {
		return
	}
	if _, err := s.events.PublishOrderEvent(ctx, OrderEventMessage{
		Event:           event,
		OrderID:         order.ID,
		UserID:          order.BuyerID,
		PaymentStatus:   string(order.PaymentStatus),
		OrderStatus:     string(order.OrderStatus),
		PaymentIntentID: order.PaymentIntentID,
		TotalAmount:     order.TotalAmount,
		OccurredAt:      s.now(),
	}); err != nil {
		s.logger(ctx, "order.event.publish_failed", map[string]any{
			"orderId": order.ID,
			"event":   event,
			"error":   err.Error(),
		})
	}
}

func validateAddress(addr domain.Address) error {
	missing := make([]string, 0, 4)
	if strings.TrimSpace(addr.Recipient) == "" {
		missing = append(missing, "recipient")
	}
	if strings.TrimSpace(addr.Line1) == "" {
		missing = append(missing, "line1")
	}
	if strings.TrimSpace(addr.City) == "" {
		missing = append(missing, "city")
	}
	if strings.TrimSpace(addr.PostalCode) == "" {
		missing = append(missing, "postalCode")
	}
	if strings.TrimSpace(addr.Country) == "" {
		missing = append(missing, "country")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidShippingAddress, strings.Join(missing, ", "))
	}
	return nil
}
