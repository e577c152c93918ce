package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/repositories"
	"github.com/ferncart/api/internal/services"
)

type stubOrderService struct {
	placeOrder  func(ctx context.Context, cmd services.PlaceOrderCommand) (domain.Order, error)
	getOrder    func(ctx context.Context, buyerID, orderID string) (domain.Order, error)
	listOrders  func(ctx context.Context, buyerID string) ([]domain.Order, error)
	adminGet    func(ctx context.Context, orderID string) (domain.Order, error)
	adminList   func(ctx context.Context, filter repositories.OrderListFilter) (repositories.OrderPage, error)
	adminUpdate func(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error)
}

func (s *stubOrderService) PlaceOrder(ctx context.Context, cmd services.PlaceOrderCommand) (domain.Order, error) {
	return s.placeOrder(ctx, cmd)
}

func (s *stubOrderService) GetOrder(ctx context.Context, buyerID, orderID string) (domain.Order, error) {
	return s.getOrder(ctx, buyerID, orderID)
}

func (s *stubOrderService) ListOrders(ctx context.Context, buyerID string) ([]domain.Order, error) {
	return s.listOrders(ctx, buyerID)
}

func (s *stubOrderService) AdminGetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return s.adminGet(ctx, orderID)
}

func (s *stubOrderService) AdminListOrders(ctx context.Context, filter repositories.OrderListFilter) (repositories.OrderPage, error) {
	return s.adminList(ctx, filter)
}

func (s *stubOrderService) AdminUpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
	return s.adminUpdate(ctx, cmd)
}

func TestOrderHandlersPlaceOrder(t *testing.T) {
	var gotCmd services.PlaceOrderCommand
	service := &stubOrderService{
		placeOrder: func(_ context.Context, cmd services.PlaceOrderCommand) (domain.Order, error) {
			gotCmd = cmd
			return domain.Order{
				ID:            "ord_A",
				BuyerID:       cmd.BuyerID,
				PaymentMethod: cmd.PaymentMethod,
				PaymentStatus: domain.PaymentStatusPending,
				OrderStatus:   domain.OrderStatusPlaced,
				TotalAmount:   5498,
			}, nil
		},
	}

	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	body := `{
		"paymentMethod": "cod",
		"shippingAddress": {
			"recipient": "Dana Fern",
			"line1": "12 Garden Way",
			"city": "Portland",
			"postalCode": "97201",
			"country": "US"
		}
	}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodPost, "/orders", body, "buyer-7"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotCmd.BuyerID != "buyer-7" || gotCmd.PaymentMethod != domain.PaymentMethodCOD {
		t.Fatalf("unexpected command %+v", gotCmd)
	}
	if gotCmd.ShippingAddress.Recipient != "Dana Fern" || gotCmd.ShippingAddress.Country != "US" {
		t.Fatalf("address not decoded: %+v", gotCmd.ShippingAddress)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.ID != "ord_A" || resp.Order.TotalAmount != 5498 {
		t.Fatalf("unexpected order payload %+v", resp.Order)
	}
}

func TestOrderHandlersPlaceOrderEmptyCart(t *testing.T) {
	service := &stubOrderService{
		placeOrder: func(context.Context, services.PlaceOrderCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrEmptyCart
		},
	}
	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodPost, "/orders", `{"paymentMethod":"cod"}`, "buyer-7"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderScopedToBuyer(t *testing.T) {
	service := &stubOrderService{
		getOrder: func(_ context.Context, buyerID, orderID string) (domain.Order, error) {
			if buyerID != "buyer-7" || orderID != "ord_A" {
				t.Fatalf("unexpected lookup buyer=%q order=%q", buyerID, orderID)
			}
			return domain.Order{ID: "ord_A", BuyerID: "buyer-7"}, nil
		},
	}
	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodGet, "/orders/ord_A", "", "buyer-7"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getOrder: func(context.Context, string, string) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderNotFound
		},
	}
	handler := NewOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodGet, "/orders/ord_X", "", "buyer-7"))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersListWithFilters(t *testing.T) {
	var gotFilter repositories.OrderListFilter
	service := &stubOrderService{
		adminList: func(_ context.Context, filter repositories.OrderListFilter) (repositories.OrderPage, error) {
			gotFilter = filter
			return repositories.OrderPage{
				Orders:        []domain.Order{{ID: "ord_A"}, {ID: "ord_B"}},
				NextPageToken: "next-token",
			}, nil
		},
	}
	handler := NewAdminOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodGet, "/admin/orders?paymentStatus=pending&orderStatus=placed&pageSize=10", "", "admin-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotFilter.PaymentStatus != domain.PaymentStatusPending || gotFilter.OrderStatus != domain.OrderStatusPlaced || gotFilter.Limit != 10 {
		t.Fatalf("unexpected filter %+v", gotFilter)
	}

	var resp ordersResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(resp.Orders))
	}
	if resp.NextPageToken != "next-token" {
		t.Fatalf("expected next page token, got %q", resp.NextPageToken)
	}
}

func TestAdminOrderHandlersListRejectsMalformedPageToken(t *testing.T) {
	handler := NewAdminOrderHandlers(nil, &stubOrderService{})
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodGet, "/admin/orders?pageToken=%21%21bogus%21%21", "", "admin-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersListRejectsUnknownFilter(t *testing.T) {
	handler := NewAdminOrderHandlers(nil, &stubOrderService{})
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodGet, "/admin/orders?paymentStatus=bogus", "", "admin-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminOrderHandlersUpdateStatus(t *testing.T) {
	var gotCmd services.UpdateOrderStatusCommand
	service := &stubOrderService{
		adminUpdate: func(_ context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
			gotCmd = cmd
			return domain.Order{ID: cmd.OrderID, OrderStatus: cmd.Status}, nil
		},
	}
	handler := NewAdminOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodPatch, "/admin/orders/ord_A/status", `{"orderStatus":"shipped"}`, "admin-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if gotCmd.OrderID != "ord_A" || gotCmd.Status != domain.OrderStatusShipped || gotCmd.PaymentStatus != "" {
		t.Fatalf("unexpected command %+v", gotCmd)
	}
}

func TestAdminOrderHandlersUpdateStatusConflict(t *testing.T) {
	service := &stubOrderService{
		adminUpdate: func(context.Context, services.UpdateOrderStatusCommand) (domain.Order, error) {
			return domain.Order{}, fmt.Errorf("%w: cannot regress", services.ErrInvalidStatusTransition)
		},
	}
	handler := NewAdminOrderHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authenticatedRequest(http.MethodPatch, "/admin/orders/ord_A/status", `{"orderStatus":"placed"}`, "admin-1"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}
