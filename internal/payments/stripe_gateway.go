package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey        string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *stripeClients

	constructEvent func(payload []byte, header string, secret string) (stripe.Event, error)
}

// StripeGateway implements the Gateway interface using Stripe APIs.
type StripeGateway struct {
	api            stripeClients
	webhookSecret  string
	clock          func() time.Time
	logger         StripeLogger
	constructEvent func(payload []byte, header string, secret string) (stripe.Event, error)
}

// NewStripeGateway constructs a Stripe Gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
		}
	}
	if clients.sessions == nil || clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	construct := cfg.constructEvent
	if construct == nil {
		construct = webhook.ConstructEvent
	}

	return &StripeGateway{
		api:           clients,
		webhookSecret: secret,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger:         logger,
		constructEvent: construct,
	}, nil
}

// CreateSession opens a Stripe Checkout session for the order. The order ID is
// written into metadata on both the session and the underlying payment intent
// so every later notification can be traced back without trusting the client.
func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if g == nil {
		return Session{}, errors.New("stripe: gateway is nil")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return Session{}, errors.New("stripe: order id is required")
	}
	if len(req.Items) == 0 {
		return Session{}, errors.New("stripe: at least one line item is required")
	}

	metadata := map[string]string{
		MetadataOrderIDKey: orderID,
	}
	if buyer := strings.TrimSpace(req.BuyerID); buyer != "" {
		metadata["buyerId"] = buyer
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   metadata,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if email := strings.TrimSpace(req.CustomerEmail); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max64(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		}
		if item.ProductID != "" {
			line.PriceData.ProductData.Metadata = map[string]string{
				"productId": item.ProductID,
			}
		}
		lineItems = append(lineItems, line)
	}
	params.LineItems = lineItems

	session, err := g.api.sessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":     session.ID,
		"orderId":       orderID,
		"paymentIntent": intentID,
	})

	expiresAt := g.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return Session{
		ID:          session.ID,
		RedirectURL: session.URL,
		IntentID:    intentID,
		ExpiresAt:   expiresAt,
	}, nil
}

// RetrieveSession fetches the processor's current view of a checkout session.
func (g *StripeGateway) RetrieveSession(ctx context.Context, sessionID string) (SessionDetails, error) {
	if g == nil {
		return SessionDetails{}, errors.New("stripe: gateway is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionDetails{}, errors.New("stripe: session id is required")
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := g.api.sessions.Get(sessionID, params)
	if err != nil {
		return SessionDetails{}, fmt.Errorf("stripe: retrieve checkout session: %w", err)
	}
	return sessionDetails(session), nil
}

// RetrievePaymentIntent fetches the processor's current view of a payment intent.
func (g *StripeGateway) RetrievePaymentIntent(ctx context.Context, intentID string) (IntentDetails, error) {
	if g == nil {
		return IntentDetails{}, errors.New("stripe: gateway is nil")
	}
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return IntentDetails{}, errors.New("stripe: payment intent id is required")
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	intent, err := g.api.intents.Get(intentID, params)
	if err != nil {
		return IntentDetails{}, fmt.Errorf("stripe: retrieve payment intent: %w", err)
	}
	return intentDetails(intent), nil
}

// VerifyWebhookSignature validates the Stripe-Signature header over the raw
// request body and returns the verified event.
func (g *StripeGateway) VerifyWebhookSignature(payload []byte, signature string) (WebhookEvent, error) {
	if g == nil {
		return WebhookEvent{}, errors.New("stripe: gateway is nil")
	}

	event, err := g.constructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("stripe: verify webhook signature: %w", err)
	}

	out := WebhookEvent{
		ID:   event.ID,
		Type: string(event.Type),
	}
	if event.Data != nil {
		out.Data = event.Data.Raw
	}
	return out, nil
}

// SessionFromEvent decodes the checkout session carried by a verified event.
func SessionFromEvent(event WebhookEvent) (SessionDetails, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data, &session); err != nil {
		return SessionDetails{}, fmt.Errorf("stripe: decode session event: %w", err)
	}
	return sessionDetails(&session), nil
}

// IntentFromEvent decodes the payment intent carried by a verified event.
func IntentFromEvent(event WebhookEvent) (IntentDetails, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data, &intent); err != nil {
		return IntentDetails{}, fmt.Errorf("stripe: decode intent event: %w", err)
	}
	return intentDetails(&intent), nil
}

// ChargeDetails is the subset of a charge event used for refund tracking.
type ChargeDetails struct {
	ID       string
	IntentID string
	Refunded bool
}

// ChargeFromEvent decodes the charge carried by a verified event.
func ChargeFromEvent(event WebhookEvent) (ChargeDetails, error) {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data, &charge); err != nil {
		return ChargeDetails{}, fmt.Errorf("stripe: decode charge event: %w", err)
	}
	details := ChargeDetails{
		ID:       charge.ID,
		Refunded: charge.Refunded || charge.AmountRefunded > 0,
	}
	if charge.PaymentIntent != nil {
		details.IntentID = charge.PaymentIntent.ID
	}
	return details, nil
}

func sessionDetails(session *stripe.CheckoutSession) SessionDetails {
	if session == nil {
		return SessionDetails{}
	}
	details := SessionDetails{
		ID:            session.ID,
		OrderID:       strings.TrimSpace(session.Metadata[MetadataOrderIDKey]),
		PaymentStatus: SessionPaymentStatus(session.PaymentStatus),
		AmountTotal:   session.AmountTotal,
		Currency:      strings.ToUpper(string(session.Currency)),
	}
	if session.PaymentIntent != nil {
		details.IntentID = session.PaymentIntent.ID
	}
	return details
}

func intentDetails(intent *stripe.PaymentIntent) IntentDetails {
	if intent == nil {
		return IntentDetails{}
	}

	status := StatusPending
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		status = StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		status = StatusFailed
	}
	if charge := intent.LatestCharge; charge != nil {
		if charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
			status = StatusRefunded
		}
	}

	return IntentDetails{
		ID:       intent.ID,
		OrderID:  strings.TrimSpace(intent.Metadata[MetadataOrderIDKey]),
		Status:   status,
		Amount:   intent.Amount,
		Currency: strings.ToUpper(string(intent.Currency)),
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

var _ Gateway = (*StripeGateway)(nil)
