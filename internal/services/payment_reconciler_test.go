package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/ferncart/api/internal/domain"
	"github.com/ferncart/api/internal/payments"
)

func pendingOrder(id string) domain.Order {
	return domain.Order{
		ID:            id,
		BuyerID:       "buyer-1",
		PaymentMethod: domain.PaymentMethodCheckout,
		PaymentStatus: domain.PaymentStatusPending,
		OrderStatus:   domain.OrderStatusPlaced,
		TotalAmount:   5498,
	}
}

func paidSessionGateway(orderID, intentID string) *stubGateway {
	return &stubGateway{
		retrieveSession: func(_ context.Context, sessionID string) (payments.SessionDetails, error) {
			return payments.SessionDetails{
				ID:            sessionID,
				OrderID:       orderID,
				IntentID:      intentID,
				PaymentStatus: payments.SessionPaid,
			}, nil
		},
		retrieveIntent: func(_ context.Context, id string) (payments.IntentDetails, error) {
			return payments.IntentDetails{
				ID:      id,
				OrderID: orderID,
				Status:  payments.StatusSucceeded,
			}, nil
		},
	}
}

func newTestReconciler(t *testing.T, orders *memOrderRepo, gateway *stubGateway, publisher *recordingPublisher) PaymentReconciler {
	t.Helper()
	deps := PaymentReconcilerDeps{
		Orders:  orders,
		Gateway: gateway,
		Clock:   fixedClock(testNow),
	}
	if publisher != nil {
		deps.Events = publisher
	}
	reconciler, err := NewPaymentReconciler(deps)
	if err != nil {
		t.Fatalf("NewPaymentReconciler: %v", err)
	}
	return reconciler
}

func TestSettleFromSessionTransitionsOnce(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	publisher := &recordingPublisher{}
	reconciler := newTestReconciler(t, orders, paidSessionGateway("ord_A", "pi_1"), publisher)

	first, err := reconciler.SettleFromSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if !first.Transitioned {
		t.Fatal("first settle should transition")
	}
	if first.Order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment status = %s", first.Order.PaymentStatus)
	}
	if first.Order.PaymentIntentID != "pi_1" || first.Order.PaidAt == nil {
		t.Fatalf("settlement evidence not recorded: %+v", first.Order)
	}

	second, err := reconciler.SettleFromSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("duplicate settle: %v", err)
	}
	if second.Transitioned {
		t.Fatal("duplicate settle must not transition")
	}

	if got := publisher.events(); len(got) != 1 || got[0] != OrderEventPaid {
		t.Fatalf("published events = %v, want single order.paid", got)
	}
}

func TestSettleConcurrentDuplicatesTransitionExactlyOnce(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	publisher := &recordingPublisher{}
	reconciler := newTestReconciler(t, orders, paidSessionGateway("ord_A", "pi_1"), publisher)

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]SettlementResult, attempts)
	errs := make([]error, attempts)

	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		i := i
		go func() {
			defer wg.Done()
			// Mix the confirmation paths the way production traffic would.
			if i%2 == 0 {
				results[i], errs[i] = reconciler.SettleFromSession(context.Background(), "cs_1")
			} else {
				results[i], errs[i] = reconciler.SettleFromIntent(context.Background(), "pi_1")
			}
		}()
	}
	wg.Wait()

	transitions := 0
	for i := 0; i < attempts; i++ {
		if errs[i] != nil {
			t.Fatalf("attempt %d errored: %v", i, errs[i])
		}
		if results[i].Transitioned {
			transitions++
		}
	}
	if transitions != 1 {
		t.Fatalf("transitions = %d, want exactly 1", transitions)
	}
	if got := publisher.events(); len(got) != 1 {
		t.Fatalf("published %d paid events, want 1", len(got))
	}
}

func unpaidSessionGateway(orderID, intentID string, intentStatus payments.IntentStatus, intentErr error) *stubGateway {
	return &stubGateway{
		retrieveSession: func(_ context.Context, sessionID string) (payments.SessionDetails, error) {
			return payments.SessionDetails{
				ID:            sessionID,
				OrderID:       orderID,
				IntentID:      intentID,
				PaymentStatus: payments.SessionUnpaid,
			}, nil
		},
		retrieveIntent: func(_ context.Context, id string) (payments.IntentDetails, error) {
			if intentErr != nil {
				return payments.IntentDetails{}, intentErr
			}
			return payments.IntentDetails{ID: id, OrderID: orderID, Status: intentStatus}, nil
		},
	}
}

func TestSettleFromSessionRejectsUnpaidSession(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	gateway := unpaidSessionGateway("ord_A", "pi_1", payments.StatusPending, nil)
	reconciler := newTestReconciler(t, orders, gateway, nil)

	if _, err := reconciler.SettleFromSession(context.Background(), "cs_1"); !errors.Is(err, ErrPaymentNotSettled) {
		t.Fatalf("expected ErrPaymentNotSettled, got %v", err)
	}
	order, _ := orders.get("ord_A")
	if order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("order must stay pending, got %s", order.PaymentStatus)
	}
}

func TestSettleFromSessionSettlesWhenIntentSucceeded(t *testing.T) {
	// The session flag lags async capture; the intent lookup is the second
	// prong of the evidence rule and must settle the order on its own.
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	gateway := unpaidSessionGateway("ord_A", "pi_1", payments.StatusSucceeded, nil)
	reconciler := newTestReconciler(t, orders, gateway, nil)

	result, err := reconciler.SettleFromSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("SettleFromSession: %v", err)
	}
	if !result.Transitioned {
		t.Fatal("expected the settlement transition to run")
	}
	order, _ := orders.get("ord_A")
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment status = %s, want %s", order.PaymentStatus, domain.PaymentStatusPaid)
	}
	if order.PaymentIntentID != "pi_1" {
		t.Fatalf("payment intent = %q, want pi_1", order.PaymentIntentID)
	}
}

func TestSettleFromSessionIntentLookupFailureIsNotSettled(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	gateway := unpaidSessionGateway("ord_A", "pi_1", payments.StatusSucceeded, errors.New("gateway timeout"))
	reconciler := newTestReconciler(t, orders, gateway, nil)

	if _, err := reconciler.SettleFromSession(context.Background(), "cs_1"); !errors.Is(err, ErrPaymentNotSettled) {
		t.Fatalf("expected ErrPaymentNotSettled, got %v", err)
	}
	order, _ := orders.get("ord_A")
	if order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("order must stay pending, got %s", order.PaymentStatus)
	}
}

func TestSettleFromSessionNoPaymentRequiredWithoutIntent(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	gateway := &stubGateway{
		retrieveSession: func(_ context.Context, sessionID string) (payments.SessionDetails, error) {
			return payments.SessionDetails{
				ID:            sessionID,
				OrderID:       "ord_A",
				PaymentStatus: payments.SessionNoPaymentRequired,
			}, nil
		},
	}
	reconciler := newTestReconciler(t, orders, gateway, nil)

	result, err := reconciler.SettleFromSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("SettleFromSession: %v", err)
	}
	if !result.Transitioned {
		t.Fatal("expected the settlement transition to run")
	}
	order, _ := orders.get("ord_A")
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment status = %s, want %s", order.PaymentStatus, domain.PaymentStatusPaid)
	}
	if order.PaymentIntentID != "" {
		t.Fatalf("payment intent = %q, want empty", order.PaymentIntentID)
	}
}

func TestSettleFromSessionRequiresOrderReference(t *testing.T) {
	gateway := &stubGateway{
		retrieveSession: func(_ context.Context, sessionID string) (payments.SessionDetails, error) {
			return payments.SessionDetails{ID: sessionID, PaymentStatus: payments.SessionPaid}, nil
		},
	}
	reconciler := newTestReconciler(t, newMemOrderRepo(), gateway, nil)

	if _, err := reconciler.SettleFromSession(context.Background(), "cs_1"); !errors.Is(err, ErrNoOrderReference) {
		t.Fatalf("expected ErrNoOrderReference, got %v", err)
	}
}

func TestSettleFromIntentRejectsUnsettledIntent(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	gateway := &stubGateway{
		retrieveIntent: func(_ context.Context, id string) (payments.IntentDetails, error) {
			return payments.IntentDetails{ID: id, OrderID: "ord_A", Status: payments.StatusPending}, nil
		},
	}
	reconciler := newTestReconciler(t, orders, gateway, nil)

	if _, err := reconciler.SettleFromIntent(context.Background(), "pi_1"); !errors.Is(err, ErrPaymentNotSettled) {
		t.Fatalf("expected ErrPaymentNotSettled, got %v", err)
	}
}

func TestSettleConflictsOnFailedOrder(t *testing.T) {
	failed := pendingOrder("ord_A")
	failed.PaymentStatus = domain.PaymentStatusFailed
	orders := newMemOrderRepo(failed)
	reconciler := newTestReconciler(t, orders, paidSessionGateway("ord_A", "pi_1"), nil)

	if _, err := reconciler.SettleFromSession(context.Background(), "cs_1"); !errors.Is(err, ErrSettlementConflict) {
		t.Fatalf("expected ErrSettlementConflict, got %v", err)
	}
}

func sessionCompletedEvent(orderID, intentID string, status payments.SessionPaymentStatus) payments.WebhookEvent {
	payload, _ := json.Marshal(map[string]any{
		"id":             "cs_evt",
		"payment_status": string(status),
		"metadata":       map[string]string{payments.MetadataOrderIDKey: orderID},
		"payment_intent": map[string]string{"id": intentID},
	})
	return payments.WebhookEvent{ID: "evt_1", Type: payments.EventCheckoutSessionCompleted, Data: payload}
}

func intentEvent(eventType, orderID, intentID, status string) payments.WebhookEvent {
	payload, _ := json.Marshal(map[string]any{
		"id":       intentID,
		"status":   status,
		"metadata": map[string]string{payments.MetadataOrderIDKey: orderID},
	})
	return payments.WebhookEvent{ID: "evt_2", Type: eventType, Data: payload}
}

func TestHandleWebhookSettlesFromSessionCompleted(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	publisher := &recordingPublisher{}
	reconciler := newTestReconciler(t, orders, paidSessionGateway("ord_A", "pi_1"), publisher)

	event := sessionCompletedEvent("ord_A", "pi_1", payments.SessionPaid)
	if err := reconciler.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleWebhookEvent: %v", err)
	}

	order, _ := orders.get("ord_A")
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment status = %s", order.PaymentStatus)
	}

	// A late buyer redirect after the webhook observes the settled order.
	result, err := reconciler.SettleFromSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("late redirect settle: %v", err)
	}
	if result.Transitioned {
		t.Fatal("late redirect must be a duplicate")
	}
	if got := publisher.events(); len(got) != 1 || got[0] != OrderEventPaid {
		t.Fatalf("published events = %v", got)
	}
}

func TestHandleWebhookIgnoresUnpaidSessionCompleted(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	reconciler := newTestReconciler(t, orders, paidSessionGateway("ord_A", "pi_1"), nil)

	event := sessionCompletedEvent("ord_A", "pi_1", payments.SessionUnpaid)
	if err := reconciler.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleWebhookEvent: %v", err)
	}
	order, _ := orders.get("ord_A")
	if order.PaymentStatus != domain.PaymentStatusPending {
		t.Fatalf("unpaid session must not settle, got %s", order.PaymentStatus)
	}
}

func TestHandleWebhookSettlesFromIntentSucceeded(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	reconciler := newTestReconciler(t, orders, paidSessionGateway("ord_A", "pi_1"), nil)

	event := intentEvent(payments.EventPaymentIntentSucceeded, "ord_A", "pi_1", "succeeded")
	if err := reconciler.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleWebhookEvent: %v", err)
	}
	order, _ := orders.get("ord_A")
	if order.PaymentStatus != domain.PaymentStatusPaid || order.PaymentIntentID != "pi_1" {
		t.Fatalf("unexpected order %+v", order)
	}
}

func TestHandleWebhookAcksUnknownOrder(t *testing.T) {
	reconciler := newTestReconciler(t, newMemOrderRepo(), paidSessionGateway("ord_missing", "pi_1"), nil)

	event := intentEvent(payments.EventPaymentIntentSucceeded, "ord_missing", "pi_1", "succeeded")
	if err := reconciler.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("unknown order must be acknowledged, got %v", err)
	}
}

func TestHandleWebhookMarksPaymentFailed(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	reconciler := newTestReconciler(t, orders, paidSessionGateway("ord_A", "pi_1"), nil)

	event := intentEvent(payments.EventPaymentIntentFailed, "ord_A", "pi_1", "requires_payment_method")
	if err := reconciler.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleWebhookEvent: %v", err)
	}
	order, _ := orders.get("ord_A")
	if order.PaymentStatus != domain.PaymentStatusFailed {
		t.Fatalf("payment status = %s, want failed", order.PaymentStatus)
	}
}

func TestHandleWebhookFailureAfterSettlementIsAcked(t *testing.T) {
	paid := pendingOrder("ord_A")
	paid.PaymentStatus = domain.PaymentStatusPaid
	orders := newMemOrderRepo(paid)
	reconciler := newTestReconciler(t, orders, paidSessionGateway("ord_A", "pi_1"), nil)

	event := intentEvent(payments.EventPaymentIntentFailed, "ord_A", "pi_1", "requires_payment_method")
	if err := reconciler.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("late failure must be acknowledged, got %v", err)
	}
	order, _ := orders.get("ord_A")
	if order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("settled order must stay paid, got %s", order.PaymentStatus)
	}
}

func TestHandleWebhookChargeRefundedMarksRefundPending(t *testing.T) {
	paid := pendingOrder("ord_A")
	paid.PaymentStatus = domain.PaymentStatusPaid
	orders := newMemOrderRepo(paid)
	publisher := &recordingPublisher{}
	reconciler := newTestReconciler(t, orders, paidSessionGateway("ord_A", "pi_1"), publisher)

	payload, _ := json.Marshal(map[string]any{
		"id":             "ch_1",
		"refunded":       true,
		"payment_intent": map[string]string{"id": "pi_1"},
	})
	event := payments.WebhookEvent{ID: "evt_3", Type: payments.EventChargeRefunded, Data: payload}
	if err := reconciler.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("HandleWebhookEvent: %v", err)
	}
	order, _ := orders.get("ord_A")
	if order.PaymentStatus != domain.PaymentStatusRefundPending {
		t.Fatalf("payment status = %s, want refund_pending", order.PaymentStatus)
	}
	if got := publisher.events(); len(got) != 1 || got[0] != OrderEventRefundPending {
		t.Fatalf("published events = %v", got)
	}
}

func TestHandleWebhookAcksUnhandledEventTypes(t *testing.T) {
	reconciler := newTestReconciler(t, newMemOrderRepo(), &stubGateway{}, nil)

	event := payments.WebhookEvent{ID: "evt_4", Type: "customer.created", Data: json.RawMessage(`{}`)}
	if err := reconciler.HandleWebhookEvent(context.Background(), event); err != nil {
		t.Fatalf("unhandled event must be acknowledged, got %v", err)
	}
}

func TestHandleWebhookPropagatesTransientFailures(t *testing.T) {
	orders := &stubOrderRepo{
		settlePayment: func(context.Context, string, string, time.Time) (domain.Order, bool, error) {
			return domain.Order{}, false, unavailableErr("firestore down")
		},
	}
	reconciler, err := NewPaymentReconciler(PaymentReconcilerDeps{
		Orders:  orders,
		Gateway: paidSessionGateway("ord_A", "pi_1"),
		Clock:   fixedClock(testNow),
	})
	if err != nil {
		t.Fatalf("NewPaymentReconciler: %v", err)
	}

	event := intentEvent(payments.EventPaymentIntentSucceeded, "ord_A", "pi_1", "succeeded")
	if err := reconciler.HandleWebhookEvent(context.Background(), event); err == nil {
		t.Fatal("transient failure must propagate for redelivery")
	}
}

func TestSettleAdvancesPlacedToProcessing(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	reconciler := newTestReconciler(t, orders, paidSessionGateway("ord_A", "pi_1"), nil)

	result, err := reconciler.SettleFromSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("SettleFromSession: %v", err)
	}
	if result.Order.OrderStatus != domain.OrderStatusProcessing {
		t.Fatalf("order status = %s, want processing", result.Order.OrderStatus)
	}
}

func TestSettleDoesNotRegressOperatorAdvancedStatus(t *testing.T) {
	order := pendingOrder("ord_A")
	order.OrderStatus = domain.OrderStatusShipped
	orders := newMemOrderRepo(order)
	reconciler := newTestReconciler(t, orders, paidSessionGateway("ord_A", "pi_1"), nil)

	result, err := reconciler.SettleFromSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("SettleFromSession: %v", err)
	}
	if result.Order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("payment status = %s", result.Order.PaymentStatus)
	}
	if result.Order.OrderStatus != domain.OrderStatusShipped {
		t.Fatalf("order status = %s, want shipped preserved", result.Order.OrderStatus)
	}
}

func TestSettleClearsBuyerCartBestEffort(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	var cleared []string
	carts := &stubCartRepo{
		clearCart: func(_ context.Context, buyerID string) error {
			cleared = append(cleared, buyerID)
			return nil
		},
	}
	reconciler, err := NewPaymentReconciler(PaymentReconcilerDeps{
		Orders:  orders,
		Carts:   carts,
		Gateway: paidSessionGateway("ord_A", "pi_1"),
		Clock:   fixedClock(testNow),
	})
	if err != nil {
		t.Fatalf("NewPaymentReconciler: %v", err)
	}

	if _, err := reconciler.SettleFromSession(context.Background(), "cs_1"); err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if _, err := reconciler.SettleFromSession(context.Background(), "cs_1"); err != nil {
		t.Fatalf("duplicate settle: %v", err)
	}

	if len(cleared) != 1 || cleared[0] != "buyer-1" {
		t.Fatalf("cart cleared %v, want exactly one clear for buyer-1", cleared)
	}
}

func TestSettleSucceedsWhenCartClearFails(t *testing.T) {
	orders := newMemOrderRepo(pendingOrder("ord_A"))
	carts := &stubCartRepo{
		clearCart: func(context.Context, string) error {
			return unavailableErr("carts down")
		},
	}
	reconciler, err := NewPaymentReconciler(PaymentReconcilerDeps{
		Orders:  orders,
		Carts:   carts,
		Gateway: paidSessionGateway("ord_A", "pi_1"),
		Clock:   fixedClock(testNow),
	})
	if err != nil {
		t.Fatalf("NewPaymentReconciler: %v", err)
	}

	result, err := reconciler.SettleFromSession(context.Background(), "cs_1")
	if err != nil {
		t.Fatalf("settlement must not fail on cart cleanup: %v", err)
	}
	if !result.Transitioned || result.Order.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("unexpected result %+v", result)
	}
}
