package payments

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type stubSessionAPI struct {
	newFn func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getFn func(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

func (s *stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.newFn(params)
}

func (s *stubSessionAPI) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.getFn(id, params)
}

type stubIntentAPI struct {
	getFn func(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

func (s *stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.getFn(id, params)
}

func newTestGateway(t *testing.T, cfg StripeGatewayConfig) *StripeGateway {
	t.Helper()
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = "whsec_test"
	}
	if cfg.Clients == nil {
		cfg.Clients = &stripeClients{
			sessions: &stubSessionAPI{
				newFn: func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
					return &stripe.CheckoutSession{ID: "cs_test"}, nil
				},
				getFn: func(string, *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
					return &stripe.CheckoutSession{ID: "cs_test"}, nil
				},
			},
			intents: &stubIntentAPI{
				getFn: func(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
					return &stripe.PaymentIntent{ID: "pi_test"}, nil
				},
			},
		}
	}
	gateway, err := NewStripeGateway(cfg)
	if err != nil {
		t.Fatalf("NewStripeGateway: %v", err)
	}
	return gateway
}

func TestCreateSessionStampsOrderMetadata(t *testing.T) {
	var captured *stripe.CheckoutSessionParams
	sessions := &stubSessionAPI{
		newFn: func(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			captured = params
			return &stripe.CheckoutSession{
				ID:            "cs_123",
				URL:           "https://checkout.stripe.com/pay/cs_123",
				PaymentIntent: &stripe.PaymentIntent{ID: "pi_123"},
				ExpiresAt:     time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC).Unix(),
			}, nil
		},
	}
	gateway := newTestGateway(t, StripeGatewayConfig{
		Clients: &stripeClients{sessions: sessions, intents: &stubIntentAPI{
			getFn: func(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return nil, errors.New("unused")
			},
		}},
	})

	session, err := gateway.CreateSession(context.Background(), SessionRequest{
		OrderID:    "ord_01ABC",
		BuyerID:    "buyer-1",
		Currency:   "USD",
		SuccessURL: "https://shop.example.com/orders/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  "https://shop.example.com/orders/failure",
		Items: []SessionLineItem{
			{Name: "Fern pot", Amount: 1999, Quantity: 2, ProductID: "prod-1"},
		},
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if session.ID != "cs_123" || session.IntentID != "pi_123" {
		t.Fatalf("unexpected session %+v", session)
	}
	if captured.Metadata[MetadataOrderIDKey] != "ord_01ABC" {
		t.Fatalf("session metadata missing order id: %v", captured.Metadata)
	}
	if captured.PaymentIntentData == nil || captured.PaymentIntentData.Metadata[MetadataOrderIDKey] != "ord_01ABC" {
		t.Fatal("payment intent metadata missing order id")
	}
	if len(captured.LineItems) != 1 {
		t.Fatalf("expected 1 line item, got %d", len(captured.LineItems))
	}
	line := captured.LineItems[0]
	if *line.Quantity != 2 || *line.PriceData.UnitAmount != 1999 {
		t.Fatalf("unexpected line item %+v", line)
	}
	if *line.PriceData.Currency != "usd" {
		t.Fatalf("currency = %q, want usd", *line.PriceData.Currency)
	}
}

func TestCreateSessionRequiresOrderAndItems(t *testing.T) {
	gateway := newTestGateway(t, StripeGatewayConfig{})

	if _, err := gateway.CreateSession(context.Background(), SessionRequest{
		Items: []SessionLineItem{{Name: "x", Amount: 1, Quantity: 1}},
	}); err == nil {
		t.Fatal("expected error for missing order id")
	}
	if _, err := gateway.CreateSession(context.Background(), SessionRequest{OrderID: "ord_1"}); err == nil {
		t.Fatal("expected error for empty line items")
	}
}

func TestRetrieveSessionMapsDetails(t *testing.T) {
	sessions := &stubSessionAPI{
		getFn: func(id string, _ *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
			if id != "cs_456" {
				t.Fatalf("unexpected session id %q", id)
			}
			return &stripe.CheckoutSession{
				ID:            "cs_456",
				PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
				AmountTotal:   4998,
				Currency:      stripe.CurrencyUSD,
				Metadata:      map[string]string{MetadataOrderIDKey: "ord_01DEF"},
				PaymentIntent: &stripe.PaymentIntent{ID: "pi_456"},
			}, nil
		},
	}
	gateway := newTestGateway(t, StripeGatewayConfig{
		Clients: &stripeClients{sessions: sessions, intents: &stubIntentAPI{
			getFn: func(string, *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
				return nil, errors.New("unused")
			},
		}},
	})

	details, err := gateway.RetrieveSession(context.Background(), "cs_456")
	if err != nil {
		t.Fatalf("RetrieveSession: %v", err)
	}
	if details.OrderID != "ord_01DEF" || details.IntentID != "pi_456" {
		t.Fatalf("unexpected details %+v", details)
	}
	if !details.Paid() {
		t.Fatal("expected session to report paid")
	}
	if details.Currency != "USD" {
		t.Fatalf("currency = %q", details.Currency)
	}
}

func TestRetrievePaymentIntentMapsStatus(t *testing.T) {
	intents := &stubIntentAPI{
		getFn: func(id string, _ *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
			return &stripe.PaymentIntent{
				ID:       id,
				Status:   stripe.PaymentIntentStatusSucceeded,
				Amount:   4998,
				Currency: stripe.CurrencyUSD,
				Metadata: map[string]string{MetadataOrderIDKey: "ord_01GHI"},
			}, nil
		},
	}
	gateway := newTestGateway(t, StripeGatewayConfig{
		Clients: &stripeClients{intents: intents, sessions: &stubSessionAPI{}},
	})

	details, err := gateway.RetrievePaymentIntent(context.Background(), "pi_789")
	if err != nil {
		t.Fatalf("RetrievePaymentIntent: %v", err)
	}
	if !details.Succeeded() {
		t.Fatalf("expected succeeded intent, got %+v", details)
	}
	if details.OrderID != "ord_01GHI" {
		t.Fatalf("order id = %q", details.OrderID)
	}
}

func TestVerifyWebhookSignatureRejectsTamperedPayloads(t *testing.T) {
	gateway := newTestGateway(t, StripeGatewayConfig{})
	gateway.constructEvent = func(payload []byte, header string, secret string) (stripe.Event, error) {
		return stripe.Event{}, errors.New("signature mismatch")
	}

	if _, err := gateway.VerifyWebhookSignature([]byte(`{"id":"evt_1"}`), "t=1,v1=bad"); err == nil {
		t.Fatal("expected signature error")
	} else if !strings.Contains(err.Error(), "verify webhook signature") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestVerifyWebhookSignatureReturnsEventData(t *testing.T) {
	raw := json.RawMessage(`{"id":"cs_evt","metadata":{"orderId":"ord_01JKL"},"payment_status":"paid"}`)
	gateway := newTestGateway(t, StripeGatewayConfig{})
	gateway.constructEvent = func(payload []byte, header string, secret string) (stripe.Event, error) {
		if secret != "whsec_test" {
			t.Fatalf("unexpected secret %q", secret)
		}
		return stripe.Event{
			ID:   "evt_1",
			Type: stripe.EventType(EventCheckoutSessionCompleted),
			Data: &stripe.EventData{Raw: raw},
		}, nil
	}

	event, err := gateway.VerifyWebhookSignature([]byte("payload"), "t=1,v1=sig")
	if err != nil {
		t.Fatalf("VerifyWebhookSignature: %v", err)
	}
	if event.Type != EventCheckoutSessionCompleted {
		t.Fatalf("event type = %q", event.Type)
	}

	details, err := SessionFromEvent(event)
	if err != nil {
		t.Fatalf("SessionFromEvent: %v", err)
	}
	if details.OrderID != "ord_01JKL" || !details.Paid() {
		t.Fatalf("unexpected details %+v", details)
	}
}

func TestChargeFromEvent(t *testing.T) {
	event := WebhookEvent{
		Type: EventChargeRefunded,
		Data: json.RawMessage(`{"id":"ch_1","refunded":true,"payment_intent":{"id":"pi_1"}}`),
	}
	details, err := ChargeFromEvent(event)
	if err != nil {
		t.Fatalf("ChargeFromEvent: %v", err)
	}
	if !details.Refunded || details.IntentID != "pi_1" {
		t.Fatalf("unexpected details %+v", details)
	}
}
