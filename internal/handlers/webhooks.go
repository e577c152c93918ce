package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/platform/httpx"
	"github.com/ferncart/api/internal/services"
)

const (
	maxWebhookBodySize    = 256 * 1024
	stripeSignatureHeader = "Stripe-Signature"
)

// WebhookHandlers receives signed processor callbacks.
type WebhookHandlers struct {
	gateway    payments.Gateway
	reconciler services.PaymentReconciler
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs the webhook handlers.
func NewWebhookHandlers(gateway payments.Gateway, reconciler services.PaymentReconciler, logger func(ctx context.Context, event string, fields map[string]any)) *WebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{
		gateway:    gateway,
		reconciler: reconciler,
		logger:     logger,
	}
}

// Routes wires the /webhooks endpoints onto the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

// handleStripe verifies the signature over the raw body before any parsing.
// Invalid signatures get a generic 400 with no detail about why verification
// failed; transient downstream failures get a 5xx so the processor redelivers.
func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.gateway == nil || h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing is unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}
	if int64(len(payload)) > maxWebhookBodySize {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.gateway.VerifyWebhookSignature(payload, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		h.logger(ctx, "webhook.signature_rejected", map[string]any{
			"error": err.Error(),
		})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "signature verification failed", http.StatusBadRequest))
		return
	}

	if err := h.reconciler.HandleWebhookEvent(ctx, event); err != nil {
		h.logger(ctx, "webhook.processing_failed", map[string]any{
			"eventId":   event.ID,
			"eventType": event.Type,
			"error":     err.Error(),
		})
		httpx.WriteError(ctx, w, httpx.NewError("webhook_retry", "event processing failed", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]bool{"received": true})
}
