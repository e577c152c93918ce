package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/payments"
	"github.com/ferncart/api/internal/repositories"
)

var (
	// ErrPaymentNotSettled indicates the processor does not consider the
	// payment captured, so no settlement may occur.
	ErrPaymentNotSettled = errors.New("reconcile: payment not settled at processor")
	// ErrNoOrderReference indicates the processor evidence carries no order ID.
	ErrNoOrderReference = errors.New("reconcile: no order reference in processor evidence")
	// ErrSettlementConflict indicates the order is in a payment state that can
	// never settle (failed or refund pending).
	ErrSettlementConflict = errors.New("reconcile: order cannot settle")
)

// PaymentReconcilerDeps wires the collaborators required by the reconciler.
type PaymentReconcilerDeps struct {
	Orders  repositories.OrderRepository
	Carts   repositories.CartRepository
	Gateway payments.Gateway
	Events  OrderEventPublisher
	Clock   func() time.Time
	Logger  Logger
}

type paymentReconciler struct {
	orders  repositories.OrderRepository
	carts   repositories.CartRepository
	gateway payments.Gateway
	events  OrderEventPublisher
	now     func() time.Time
	logger  Logger
}

// NewPaymentReconciler constructs a PaymentReconciler validating required dependencies.
func NewPaymentReconciler(deps PaymentReconcilerDeps) (PaymentReconciler, error) {
	if deps.Orders == nil {
		return nil, errors.New("payment reconciler: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment reconciler: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentReconciler{
		orders:  deps.Orders,
		carts:   deps.Carts,
		gateway: deps.Gateway,
		events:  deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// SettleFromSession fetches the session from the gateway and settles the order
// it references. The session ID is the only client-supplied input; payment
// state and order identity both come from the gateway's answer.
func (r *paymentReconciler) SettleFromSession(ctx context.Context, sessionID string) (SettlementResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SettlementResult{}, fmt.Errorf("%w: session id is required", ErrNoOrderReference)
	}

	details, err := r.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return SettlementResult{}, err
	}
	if details.OrderID == "" {
		return SettlementResult{}, ErrNoOrderReference
	}
	if !details.Paid() {
		// The session flag can lag the intent on async capture. Before giving
		// up, consult the intent directly; a lookup failure is insufficient
		// evidence, not a hard failure, so the caller can retry.
		if details.IntentID == "" {
			return SettlementResult{}, fmt.Errorf("%w: session %s is %s", ErrPaymentNotSettled, sessionID, details.PaymentStatus)
		}
		intent, err := r.gateway.RetrievePaymentIntent(ctx, details.IntentID)
		if err != nil {
			r.logger(ctx, "settle.intent_lookup_failed", map[string]any{
				"sessionId":     sessionID,
				"paymentIntent": details.IntentID,
				"error":         err.Error(),
			})
			return SettlementResult{}, fmt.Errorf("%w: session %s is %s and intent state is unknown", ErrPaymentNotSettled, sessionID, details.PaymentStatus)
		}
		if !intent.Succeeded() {
			return SettlementResult{}, fmt.Errorf("%w: session %s is %s, intent %s is %s", ErrPaymentNotSettled, sessionID, details.PaymentStatus, intent.ID, intent.Status)
		}
	}
	return r.settle(ctx, details.OrderID, details.IntentID)
}

// SettleFromIntent fetches the payment intent from the gateway and settles the
// order it references.
func (r *paymentReconciler) SettleFromIntent(ctx context.Context, intentID string) (SettlementResult, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return SettlementResult{}, fmt.Errorf("%w: payment intent id is required", ErrNoOrderReference)
	}

	details, err := r.gateway.RetrievePaymentIntent(ctx, intentID)
	if err != nil {
		return SettlementResult{}, err
	}
	if details.OrderID == "" {
		return SettlementResult{}, ErrNoOrderReference
	}
	if !details.Succeeded() {
		return SettlementResult{}, fmt.Errorf("%w: intent %s is %s", ErrPaymentNotSettled, intentID, details.Status)
	}
	return r.settle(ctx, details.OrderID, details.ID)
}

// HandleWebhookEvent dispatches a signature-verified processor event. Events
// that cannot lead to a valid transition are acknowledged rather than retried:
// the processor would only redeliver the same payload.
func (r *paymentReconciler) HandleWebhookEvent(ctx context.Context, event payments.WebhookEvent) error {
	switch event.Type {
	case payments.EventCheckoutSessionCompleted:
		details, err := payments.SessionFromEvent(event)
		if err != nil {
			r.ack(ctx, event, "undecodable session payload", err)
			return nil
		}
		if details.OrderID == "" {
			r.ack(ctx, event, "session without order reference", nil)
			return nil
		}
		if !details.Paid() {
			// Async payment methods complete later via payment_intent.succeeded.
			r.ack(ctx, event, "session completed but unpaid", nil)
			return nil
		}
		_, err = r.settle(ctx, details.OrderID, details.IntentID)
		return r.webhookOutcome(ctx, event, err)

	case payments.EventPaymentIntentSucceeded:
		details, err := payments.IntentFromEvent(event)
		if err != nil {
			r.ack(ctx, event, "undecodable intent payload", err)
			return nil
		}
		if details.OrderID == "" {
			r.ack(ctx, event, "intent without order reference", nil)
			return nil
		}
		_, err = r.settle(ctx, details.OrderID, details.ID)
		return r.webhookOutcome(ctx, event, err)

	case payments.EventPaymentIntentFailed:
		details, err := payments.IntentFromEvent(event)
		if err != nil {
			r.ack(ctx, event, "undecodable intent payload", err)
			return nil
		}
		if details.OrderID == "" {
			r.ack(ctx, event, "intent without order reference", nil)
			return nil
		}
		order, err := r.orders.MarkPaymentFailed(ctx, details.OrderID, r.now())
		if err != nil {
			return r.webhookOutcome(ctx, event, err)
		}
		r.logger(ctx, "payment.failed", map[string]any{
			"orderId":       order.ID,
			"paymentIntent": details.ID,
		})
		return nil

	case payments.EventChargeRefunded:
		charge, err := payments.ChargeFromEvent(event)
		if err != nil {
			r.ack(ctx, event, "undecodable charge payload", err)
			return nil
		}
		if !charge.Refunded || charge.IntentID == "" {
			r.ack(ctx, event, "charge without refund or intent reference", nil)
			return nil
		}
		// The charge payload does not carry order metadata; resolve it through
		// the intent the charge belongs to.
		details, err := r.gateway.RetrievePaymentIntent(ctx, charge.IntentID)
		if err != nil {
			return err
		}
		if details.OrderID == "" {
			r.ack(ctx, event, "refunded intent without order reference", nil)
			return nil
		}
		order, err := r.orders.MarkRefundPending(ctx, details.OrderID, r.now())
		if err != nil {
			return r.webhookOutcome(ctx, event, err)
		}
		r.logger(ctx, "payment.refund_pending", map[string]any{
			"orderId":       order.ID,
			"paymentIntent": charge.IntentID,
		})
		r.publish(ctx, OrderEventRefundPending, order)
		return nil

	default:
		r.ack(ctx, event, "unhandled event type", nil)
		return nil
	}
}

// settle performs the idempotent pending->paid transition. Duplicates observe
// the already-paid order and report Transitioned false. An empty intent ID is
// allowed: a no_payment_required session settles without ever creating one.
func (r *paymentReconciler) settle(ctx context.Context, orderID string, intentID string) (SettlementResult, error) {
	intentID = strings.TrimSpace(intentID)

	order, transitioned, err := r.orders.SettlePayment(ctx, orderID, intentID, r.now())
	if err != nil {
		if isNotFound(err) {
			return SettlementResult{}, ErrOrderNotFound
		}
		if isConflict(err) {
			return SettlementResult{}, fmt.Errorf("%w: %v", ErrSettlementConflict, err)
		}
		return SettlementResult{}, err
	}

	if transitioned {
		r.logger(ctx, "payment.settled", map[string]any{
			"orderId":       order.ID,
			"paymentIntent": intentID,
		})
		// Best-effort cleanup for carts restored after checkout left them behind.
		// A missing or already-empty cart is fine, and a failure here must not
		// undo or mask the completed settlement.
		if r.carts != nil {
			if err := r.carts.ClearCart(ctx, order.BuyerID); err != nil {
				r.logger(ctx, "payment.settle.cart_clear_failed", map[string]any{
					"orderId": order.ID,
					"buyerId": order.BuyerID,
					"error":   err.Error(),
				})
			}
		}
		r.publish(ctx, OrderEventPaid, order)
	} else {
		r.logger(ctx, "payment.settle.duplicate", map[string]any{
			"orderId":       order.ID,
			"paymentIntent": intentID,
		})
	}

	return SettlementResult{Order: order, Transitioned: transitioned}, nil
}

// webhookOutcome maps settlement errors to webhook ack/retry semantics.
// Permanent conditions are acknowledged; transient failures propagate so the
// processor redelivers.
func (r *paymentReconciler) webhookOutcome(ctx context.Context, event payments.WebhookEvent, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrSettlementConflict), isNotFound(err), isConflict(err):
		r.ack(ctx, event, "permanent settlement failure", err)
		return nil
	default:
		return err
	}
}

func (r *paymentReconciler) ack(ctx context.Context, event payments.WebhookEvent, reason string, err error) {
	fields := map[string]any{
		"eventId":   event.ID,
		"eventType": event.Type,
		"reason":    reason,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	r.logger(ctx, "webhook.acknowledged", fields)
}

func (r *paymentReconciler) publish(ctx context.Context, event string, order domain.Order) {
	if r.events == nil {
		return
	}
	if _, err := r.events.PublishOrderEvent(ctx, OrderEventMessage{
		Event:           event,
		OrderID:         order.ID,
		UserID:          order.BuyerID,
		PaymentStatus:   string(order.PaymentStatus),
		OrderStatus:     string(order.OrderStatus),
		PaymentIntentID: order.PaymentIntentID,
		TotalAmount:     order.TotalAmount,
		OccurredAt:      r.now(),
	}); err != nil {
		r.logger(ctx, "order.event.publish_failed", map[string]any{
			"orderId": order.ID,
			"event":   event,
			"error":   err.Error(),
		})
	}
}
