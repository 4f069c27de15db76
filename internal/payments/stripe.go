package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/marigold-commerce/api/internal/domain"
)

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

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	SuccessURL    string
	CancelURL     string
	Backends      *stripe.Backends
	SessionTTL    time.Duration
	Logger        Logger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements the Provider interface using Stripe Checkout.
type StripeProvider struct {
	api           stripeClients
	webhookSecret string
	account       string
	successURL    string
	cancelURL     string
	sessionTTL    time.Duration
	clock         func() time.Time
	logger        Logger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
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

	sessionTTL := cfg.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		account:       strings.TrimSpace(cfg.AccountID),
		successURL:    strings.TrimSpace(cfg.SuccessURL),
		cancelURL:     strings.TrimSpace(cfg.CancelURL),
		sessionTTL:    sessionTTL,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateSession creates a Stripe Checkout session for the transaction.
func (p *StripeProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if p == nil {
		return Session{}, errors.New("stripe: provider is nil")
	}
	txnID := strings.TrimSpace(req.TransactionID)
	if txnID == "" {
		return Session{}, errors.New("stripe: transaction id is required")
	}
	if req.Amount <= 0 {
		return Session{}, errors.New("stripe: amount must be positive")
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "inr"
	}

	successURL := strings.TrimSpace(req.RedirectURL)
	if successURL == "" {
		successURL = p.successURL
	}
	cancelURL := p.cancelURL
	if cancelURL == "" {
		cancelURL = successURL
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(domain.ToPaise(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String("Order"),
				},
			},
		}},
	}
	params.Context = ctx
	params.SetIdempotencyKey(txnID)
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	metadata := map[string]string{"transactionId": txnID}
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	params.Metadata = metadata
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}

	session, err := p.api.sessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("stripe: create checkout session: %w", err)
	}

	expiresAt := p.clock().Add(p.sessionTTL)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"transactionId": txnID,
		"sessionId":     session.ID,
	})

	return Session{
		Gateway:        "stripe",
		GatewayOrderID: session.ID,
		RedirectURL:    session.URL,
		ClientSecret:   session.ClientSecret,
		ExpiresAt:      expiresAt,
		Raw:            map[string]any{"sessionId": session.ID},
	}, nil
}

// VerifyStatus retrieves the current state of a checkout session or payment
// intent. Accepts either id form since completed webhooks report intents.
func (p *StripeProvider) VerifyStatus(ctx context.Context, providerRef string) (StatusResult, error) {
	if p == nil {
		return StatusResult{}, errors.New("stripe: provider is nil")
	}
	providerRef = strings.TrimSpace(providerRef)
	if providerRef == "" {
		return StatusResult{}, errors.New("stripe: provider reference is required")
	}

	if strings.HasPrefix(providerRef, "cs_") {
		params := &stripe.CheckoutSessionParams{}
		params.Context = ctx
		if p.account != "" {
			params.SetStripeAccount(p.account)
		}
		session, err := p.api.sessions.Get(providerRef, params)
		if err != nil {
			return StatusResult{}, fmt.Errorf("stripe: get checkout session: %w", err)
		}
		result := StatusResult{
			TransactionID:  session.Metadata["transactionId"],
			GatewayOrderID: session.ID,
			Status:         stripeSessionStatus(session),
			Amount:         domain.FromPaise(session.AmountTotal),
			Raw:            map[string]any{"sessionStatus": string(session.Status)},
		}
		return result, nil
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(providerRef, params)
	if err != nil {
		return StatusResult{}, fmt.Errorf("stripe: get payment intent: %w", err)
	}
	return StatusResult{
		TransactionID:  intent.Metadata["transactionId"],
		GatewayOrderID: intent.ID,
		Status:         stripeIntentStatus(intent.Status),
		Amount:         domain.FromPaise(intent.Amount),
		Raw:            map[string]any{"intentStatus": string(intent.Status)},
	}, nil
}

// ParseWebhook verifies the Stripe-Signature header and normalises the event.
func (p *StripeProvider) ParseWebhook(ctx context.Context, body []byte, headers http.Header) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("stripe: provider is nil")
	}
	if p.webhookSecret == "" {
		return WebhookEvent{}, errors.New("stripe: webhook secret is not configured")
	}

	stripeEvent, err := webhook.ConstructEvent(body, headers.Get("Stripe-Signature"), p.webhookSecret)
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event := WebhookEvent{
		Gateway: "stripe",
		Event:   string(stripeEvent.Type),
		Status:  domain.PaymentStatusPending,
		Raw:     map[string]any{"eventId": stripeEvent.ID},
	}

	switch stripeEvent.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(stripeEvent.Data.Raw, &session); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: decode session: %v", ErrMalformedPayload, err)
		}
		event.TransactionID = session.Metadata["transactionId"]
		event.GatewayOrderID = session.ID
		event.Status = stripeSessionStatus(&session)
		event.Amount = domain.FromPaise(session.AmountTotal)
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(stripeEvent.Data.Raw, &intent); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: decode intent: %v", ErrMalformedPayload, err)
		}
		event.TransactionID = intent.Metadata["transactionId"]
		event.GatewayOrderID = intent.ID
		event.Status = stripeIntentStatus(intent.Status)
		event.Amount = domain.FromPaise(intent.Amount)
		if intent.LastPaymentError != nil {
			event.FailureReason = intent.LastPaymentError.Msg
		}
	}

	p.logger(ctx, "payments.stripe.webhook.parsed", map[string]any{
		"event":   string(stripeEvent.Type),
		"eventId": stripeEvent.ID,
	})
	return event, nil
}

func stripeSessionStatus(session *stripe.CheckoutSession) domain.PaymentStatus {
	if session == nil {
		return domain.PaymentStatusPending
	}
	switch session.PaymentStatus {
	case stripe.CheckoutSessionPaymentStatusPaid:
		return domain.PaymentStatusCompleted
	case stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return domain.PaymentStatusCompleted
	}
	if session.Status == stripe.CheckoutSessionStatusExpired {
		return domain.PaymentStatusFailed
	}
	return domain.PaymentStatusPending
}

func stripeIntentStatus(status stripe.PaymentIntentStatus) domain.PaymentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.PaymentStatusCompleted
	case stripe.PaymentIntentStatusCanceled:
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
