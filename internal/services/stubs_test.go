package services

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/repositories"
)

type repoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *repoError) Error() string       { return e.msg }
func (e *repoError) IsNotFound() bool    { return e.notFound }
func (e *repoError) IsConflict() bool    { return e.conflict }
func (e *repoError) IsUnavailable() bool { return e.unavailable }

func notFoundErr(msg string) error    { return &repoError{msg: msg, notFound: true} }
func conflictErr(msg string) error    { return &repoError{msg: msg, conflict: true} }
func unavailableErr(msg string) error { return &repoError{msg: msg, unavailable: true} }

type stubCartRepo struct {
	getCart   func(ctx context.Context, buyerID string) (domain.Cart, error)
	saveCart  func(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	clearCart func(ctx context.Context, buyerID string) error
}

func (s *stubCartRepo) GetCart(ctx context.Context, buyerID string) (domain.Cart, error) {
	return s.getCart(ctx, buyerID)
}

func (s *stubCartRepo) SaveCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if s.saveCart == nil {
		return cart, nil
	}
	return s.saveCart(ctx, cart)
}

func (s *stubCartRepo) ClearCart(ctx context.Context, buyerID string) error {
	if s.clearCart == nil {
		return nil
	}
	return s.clearCart(ctx, buyerID)
}

type stubProductRepo struct {
	getProduct   func(ctx context.Context, productID string) (domain.Product, error)
	listProducts func(ctx context.Context) ([]domain.Product, error)
}

func (s *stubProductRepo) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	return s.getProduct(ctx, productID)
}

func (s *stubProductRepo) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if s.listProducts == nil {
		return nil, nil
	}
	return s.listProducts(ctx)
}

type stubOrderRepo struct {
	placeOrder        func(ctx context.Context, order domain.Order) (domain.Order, error)
	getOrder          func(ctx context.Context, orderID string) (domain.Order, error)
	listByBuyer       func(ctx context.Context, buyerID string) ([]domain.Order, error)
	listOrders        func(ctx context.Context, filter repositories.OrderListFilter) (repositories.OrderPage, error)
	updateStatus      func(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) (domain.Order, error)
	settlePayment     func(ctx context.Context, orderID string, paymentIntentID string, paidAt time.Time) (domain.Order, bool, error)
	markPaymentFailed func(ctx context.Context, orderID string, failedAt time.Time) (domain.Order, error)
	markRefundPending func(ctx context.Context, orderID string, updatedAt time.Time) (domain.Order, error)
	setPaymentStatus  func(ctx context.Context, orderID string, status domain.PaymentStatus, updatedAt time.Time) (domain.Order, error)
}

func (s *stubOrderRepo) PlaceOrder(ctx context.Context, order domain.Order) (domain.Order, error) {
	return s.placeOrder(ctx, order)
}

func (s *stubOrderRepo) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return s.getOrder(ctx, orderID)
}

func (s *stubOrderRepo) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return s.listByBuyer(ctx, buyerID)
}

func (s *stubOrderRepo) ListOrders(ctx context.Context, filter repositories.OrderListFilter) (repositories.OrderPage, error) {
	return s.listOrders(ctx, filter)
}

func (s *stubOrderRepo) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) (domain.Order, error) {
	return s.updateStatus(ctx, orderID, status, updatedAt)
}

func (s *stubOrderRepo) SettlePayment(ctx context.Context, orderID string, paymentIntentID string, paidAt time.Time) (domain.Order, bool, error) {
	return s.settlePayment(ctx, orderID, paymentIntentID, paidAt)
}

func (s *stubOrderRepo) MarkPaymentFailed(ctx context.Context, orderID string, failedAt time.Time) (domain.Order, error) {
	return s.markPaymentFailed(ctx, orderID, failedAt)
}

func (s *stubOrderRepo) MarkRefundPending(ctx context.Context, orderID string, updatedAt time.Time) (domain.Order, error) {
	return s.markRefundPending(ctx, orderID, updatedAt)
}

func (s *stubOrderRepo) SetPaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus, updatedAt time.Time) (domain.Order, error) {
	return s.setPaymentStatus(ctx, orderID, status, updatedAt)
}

type stubGateway struct {
	createSession   func(ctx context.Context, req payments.SessionRequest) (payments.Session, error)
	retrieveSession func(ctx context.Context, sessionID string) (payments.SessionDetails, error)
	retrieveIntent  func(ctx context.Context, intentID string) (payments.IntentDetails, error)
	verifyWebhook   func(payload []byte, signature string) (payments.WebhookEvent, error)
}

func (s *stubGateway) CreateSession(ctx context.Context, req payments.SessionRequest) (payments.Session, error) {
	return s.createSession(ctx, req)
}

func (s *stubGateway) RetrieveSession(ctx context.Context, sessionID string) (payments.SessionDetails, error) {
	return s.retrieveSession(ctx, sessionID)
}

func (s *stubGateway) RetrievePaymentIntent(ctx context.Context, intentID string) (payments.IntentDetails, error) {
	return s.retrieveIntent(ctx, intentID)
}

func (s *stubGateway) VerifyWebhookSignature(payload []byte, signature string) (payments.WebhookEvent, error) {
	return s.verifyWebhook(payload, signature)
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []OrderEventMessage
	err      error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, message OrderEventMessage) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, message)
	return "msg-1", nil
}

func (p *recordingPublisher) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.messages))
	for _, m := range p.messages {
		out = append(out, m.Event)
	}
	return out
}

// memOrderRepo is a mutex-guarded in-memory order store whose SettlePayment
// performs the same compare-and-set the Firestore transaction does. It backs
// the idempotence and concurrency tests.
type memOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func newMemOrderRepo(orders ...domain.Order) *memOrderRepo {
	repo := &memOrderRepo{orders: make(map[string]domain.Order, len(orders))}
	for _, order := range orders {
		repo.orders[order.ID] = order
	}
	return repo
}

func (m *memOrderRepo) get(orderID string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	return order, ok
}

func (m *memOrderRepo) PlaceOrder(_ context.Context, order domain.Order) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.orders[order.ID]; exists {
		return domain.Order{}, conflictErr("order already exists")
	}
	m.orders[order.ID] = order
	return order, nil
}

func (m *memOrderRepo) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	order, ok := m.get(orderID)
	if !ok {
		return domain.Order{}, notFoundErr("order not found")
	}
	return order, nil
}

func (m *memOrderRepo) ListOrdersByBuyer(_ context.Context, buyerID string) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Order
	for _, order := range m.orders {
		if order.BuyerID == buyerID {
			out = append(out, order)
		}
	}
	return out, nil
}

func (m *memOrderRepo) ListOrders(_ context.Context, filter repositories.OrderListFilter) (repositories.OrderPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, 0, len(m.orders))
	for _, order := range m.orders {
		if filter.PaymentStatus != "" && order.PaymentStatus != filter.PaymentStatus {
			continue
		}
		if filter.OrderStatus != "" && order.OrderStatus != filter.OrderStatus {
			continue
		}
		out = append(out, order)
	}
	return repositories.OrderPage{Orders: out}, nil
}

func (m *memOrderRepo) UpdateOrderStatus(_ context.Context, orderID string, status domain.OrderStatus, updatedAt time.Time) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundErr("order not found")
	}
	if !domain.CanTransitionOrderStatus(order.OrderStatus, status) {
		return domain.Order{}, conflictErr("invalid transition")
	}
	order.OrderStatus = status
	order.UpdatedAt = updatedAt
	m.orders[orderID] = order
	return order, nil
}

func (m *memOrderRepo) SettlePayment(_ context.Context, orderID string, paymentIntentID string, paidAt time.Time) (domain.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, false, notFoundErr("order not found")
	}
	switch order.PaymentStatus {
	case domain.PaymentStatusPending:
		order.PaymentStatus = domain.PaymentStatusPaid
		order.PaymentIntentID = paymentIntentID
		if order.OrderStatus == domain.OrderStatusPlaced {
			order.OrderStatus = domain.OrderStatusProcessing
		}
		at := paidAt
		order.PaidAt = &at
		order.UpdatedAt = paidAt
		m.orders[orderID] = order
		return order, true, nil
	case domain.PaymentStatusPaid:
		return order, false, nil
	default:
		return domain.Order{}, false, conflictErr("cannot settle from " + string(order.PaymentStatus))
	}
}

func (m *memOrderRepo) MarkPaymentFailed(_ context.Context, orderID string, failedAt time.Time) (domain.Order, error) {
	return m.transition(orderID, domain.PaymentStatusPending, domain.PaymentStatusFailed, failedAt)
}

func (m *memOrderRepo) MarkRefundPending(_ context.Context, orderID string, updatedAt time.Time) (domain.Order, error) {
	return m.transition(orderID, domain.PaymentStatusPaid, domain.PaymentStatusRefundPending, updatedAt)
}

func (m *memOrderRepo) SetPaymentStatus(_ context.Context, orderID string, status domain.PaymentStatus, updatedAt time.Time) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundErr("order not found")
	}
	order.PaymentStatus = status
	order.UpdatedAt = updatedAt
	m.orders[orderID] = order
	return order, nil
}

func (m *memOrderRepo) transition(orderID string, from, to domain.PaymentStatus, at time.Time) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, notFoundErr("order not found")
	}
	switch order.PaymentStatus {
	case to:
		return order, nil
	case from:
		order.PaymentStatus = to
		order.UpdatedAt = at
		m.orders[orderID] = order
		return order, nil
	default:
		return domain.Order{}, conflictErr("unexpected payment status " + string(order.PaymentStatus))
	}
}

var (
	_ repositories.CartRepository    = (*stubCartRepo)(nil)
	_ repositories.ProductRepository = (*stubProductRepo)(nil)
	_ repositories.OrderRepository   = (*stubOrderRepo)(nil)
	_ repositories.OrderRepository   = (*memOrderRepo)(nil)
	_ payments.Gateway               = (*stubGateway)(nil)
	_ OrderEventPublisher            = (*recordingPublisher)(nil)
)

var errUnavailable = errors.New("backend unavailable")
