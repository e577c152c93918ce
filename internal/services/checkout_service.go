package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/payments"
)

// ErrCheckoutUnavailable indicates the hosted session could not be opened for
// an already-placed order.
var ErrCheckoutUnavailable = errors.New("checkout: session unavailable")

// CheckoutServiceDeps wires the collaborators required by the checkout service.
type CheckoutServiceDeps struct {
	Orders     OrderService
	Gateway    payments.Gateway
	SuccessURL string
	CancelURL  string
	Currency   string
	Clock      func() time.Time
	Logger     Logger
}

type checkoutService struct {
	orders     OrderService
	gateway    payments.Gateway
	successURL string
	cancelURL  string
	currency   string
	now        func() time.Time
	logger     Logger
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
// Both redirect destinations must be absolute URLs; a relative destination
// would let the processor bounce buyers to an attacker-chosen path.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order service is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}
	successURL, err := absoluteURL(deps.SuccessURL)
	if err != nil {
		return nil, fmt.Errorf("checkout service: success url: %w", err)
	}
	cancelURL, err := absoluteURL(deps.CancelURL)
	if err != nil {
		return nil, fmt.Errorf("checkout service: cancel url: %w", err)
	}

	currency := strings.ToLower(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "usd"
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		orders:     deps.Orders,
		gateway:    deps.Gateway,
		successURL: successURL,
		cancelURL:  cancelURL,
		currency:   currency,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateSession places the order from the buyer's cart and opens the hosted
// checkout session. The session carries the order ID in metadata so every
// later confirmation path can identify the order without trusting the client.
func (s *checkoutService) CreateSession(ctx context.Context, cmd PlaceOrderCommand) (CheckoutSession, error) {
	cmd.PaymentMethod = domain.PaymentMethodCheckout

	order, err := s.orders.PlaceOrder(ctx, cmd)
	if err != nil {
		return CheckoutSession{}, err
	}

	items := make([]payments.SessionLineItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, payments.SessionLineItem{
			Name:      item.Name,
			Amount:    item.UnitPrice,
			Quantity:  int64(item.Quantity),
			ProductID: item.ProductID,
		})
	}

	session, err := s.gateway.CreateSession(ctx, payments.SessionRequest{
		OrderID:        order.ID,
		BuyerID:        order.BuyerID,
		Currency:       s.currency,
		Items:          items,
		SuccessURL:     s.successURL,
		CancelURL:      s.cancelURL,
		IdempotencyKey: order.ID,
	})
	if err != nil {
		// The order is already placed and pending; the buyer can retry payment
		// through a fresh session, so surface the failure without undoing it.
		s.logger(ctx, "checkout.session.failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return CheckoutSession{}, fmt.Errorf("%w: %v", ErrCheckoutUnavailable, err)
	}

	s.logger(ctx, "checkout.session.created", map[string]any{
		"orderId":   order.ID,
		"sessionId": session.ID,
	})

	return CheckoutSession{
		Order:       order,
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
		ExpiresAt:   session.ExpiresAt,
	}, nil
}

// absoluteURL validates that raw parses to an absolute http(s) URL.
func absoluteURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", fmt.Errorf("url %q must be absolute", trimmed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("url %q must use http or https", trimmed)
	}
	return trimmed, nil
}
