package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/platform/auth"
	"github.com/ferncart/api/internal/platform/httpx"
	"github.com/ferncart/api/internal/services"
)

const maxCheckoutBodySize = 16 * 1024

// CheckoutHandlersConfig wires the collaborators and redirect destinations for
// the checkout endpoints.
type CheckoutHandlersConfig struct {
	Authn      *auth.Authenticator
	Checkout   services.CheckoutService
	Reconciler services.PaymentReconciler

	// SuccessRedirectURL and FailureRedirectURL are the buyer-facing pages the
	// redirect-confirm endpoint forwards to after attempting settlement.
	SuccessRedirectURL string
	FailureRedirectURL string

	Logger func(ctx context.Context, event string, fields map[string]any)
}

// CheckoutHandlers exposes session creation and the two browser-driven
// confirmation paths.
type CheckoutHandlers struct {
	authn      *auth.Authenticator
	checkout   services.CheckoutService
	reconciler services.PaymentReconciler
	successURL string
	failureURL string
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutHandlers constructs the checkout handlers. The redirect
// destinations must be absolute http(s) URLs so the return endpoint can never
// be steered to an attacker-chosen location.
func NewCheckoutHandlers(cfg CheckoutHandlersConfig) (*CheckoutHandlers, error) {
	if cfg.Checkout == nil {
		return nil, errors.New("checkout handlers: checkout service is required")
	}
	if cfg.Reconciler == nil {
		return nil, errors.New("checkout handlers: payment reconciler is required")
	}
	successURL, err := validateRedirectDestination(cfg.SuccessRedirectURL)
	if err != nil {
		return nil, fmt.Errorf("checkout handlers: success redirect: %w", err)
	}
	failureURL, err := validateRedirectDestination(cfg.FailureRedirectURL)
	if err != nil {
		return nil, fmt.Errorf("checkout handlers: failure redirect: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &CheckoutHandlers{
		authn:      cfg.Authn,
		checkout:   cfg.Checkout,
		reconciler: cfg.Reconciler,
		successURL: successURL,
		failureURL: failureURL,
		logger:     logger,
	}, nil
}

// Routes wires the /checkout endpoints onto the provided router. The confirm
// and return endpoints are deliberately unauthenticated: session cookies may
// not survive the cross-site hop back from the processor, so trust is anchored
// in the gateway's own record of the session instead.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(authed chi.Router) {
		if h.authn != nil {
			authed.Use(h.authn.RequireFirebaseAuth())
		}
		authed.Post("/session", h.createSession)
	})
	r.Post("/confirm", h.confirm)
	r.Get("/return", h.handleReturn)
}

func (h *CheckoutHandlers) createSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutBodySize)
	if err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		}
		return
	}

	var req struct {
		ShippingAddress addressPayload `json:"shippingAddress"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	session, err := h.checkout.CreateSession(ctx, services.PlaceOrderCommand{
		BuyerID:         identity.UID,
		ShippingAddress: req.ShippingAddress.toDomain(),
		PaymentMethod:   domain.PaymentMethodCheckout,
	})
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutSessionResponse{
		OrderID:   session.Order.ID,
		SessionID: session.SessionID,
		URL:       session.RedirectURL,
		ExpiresAt: formatTime(session.ExpiresAt),
	})
}

// confirm is the buyer-initiated confirmation path. The session ID is the only
// client input; order identity and payment state come from the gateway.
func (h *CheckoutHandlers) confirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := readLimitedBody(r, maxCheckoutBodySize)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session id is required", http.StatusBadRequest))
		return
	}
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.SessionID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "session id is required", http.StatusBadRequest))
		return
	}

	result, err := h.reconciler.SettleFromSession(ctx, req.SessionID)
	if err != nil {
		h.writeConfirmError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, confirmResponse{
		Order:   buildOrderPayload(result.Order),
		Settled: result.Order.Settled(),
	})
}

// handleReturn is the processor-driven redirect path. It always ends in a
// redirect to a buyer-facing page, success or failure, never a JSON body.
func (h *CheckoutHandlers) handleReturn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		h.redirect(w, r, h.failureURL, "")
		return
	}

	result, err := h.reconciler.SettleFromSession(ctx, sessionID)
	if err != nil {
		h.logger(ctx, "checkout.return.failed", map[string]any{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
		h.redirect(w, r, h.failureURL, "")
		return
	}

	h.redirect(w, r, h.successURL, result.Order.ID)
}

func (h *CheckoutHandlers) redirect(w http.ResponseWriter, r *http.Request, destination string, orderID string) {
	target, err := url.Parse(destination)
	if err != nil || !target.IsAbs() || target.Host == "" {
		// Misconfigured destination: a minimal text status beats an open redirect.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("redirect destination unavailable"))
		return
	}
	if orderID != "" {
		query := target.Query()
		query.Set("orderId", orderID)
		target.RawQuery = query.Encode()
	}
	http.Redirect(w, r, target.String(), http.StatusSeeOther)
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidShippingAddress), errors.Is(err, services.ErrBuyerRequired):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "payment session could not be opened", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "checkout failed", http.StatusInternalServerError))
	}
}

func (h *CheckoutHandlers) writeConfirmError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentNotSettled):
		// Distinct from a hard failure: the processor has not confirmed capture yet.
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_completed", "payment has not completed", http.StatusConflict))
	case errors.Is(err, services.ErrNoOrderReference), errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "no order found for session", http.StatusNotFound))
	case errors.Is(err, services.ErrSettlementConflict):
		httpx.WriteError(ctx, w, httpx.NewError("settlement_conflict", "order cannot settle", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("confirm_error", "confirmation failed", http.StatusBadGateway))
	}
}

type checkoutSessionResponse struct {
	OrderID   string `json:"orderId"`
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

type confirmResponse struct {
	Order   orderPayload `json:"order"`
	Settled bool         `json:"settled"`
}

func validateRedirectDestination(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("destination is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	if !parsed.IsAbs() || parsed.Host == "" {
		return "", fmt.Errorf("destination %q must be absolute", trimmed)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("destination %q must use http or https", trimmed)
	}
	return trimmed, nil
}
