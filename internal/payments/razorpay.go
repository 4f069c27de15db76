package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marigold-commerce/api/internal/domain"
)

const razorpaySignatureHeader = "X-Razorpay-Signature"

// receipts are capped at 40 characters by the orders API.
const razorpayReceiptMax = 40

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	SessionTTL    time.Duration
	HTTPClient    *http.Client
	Clock         func() time.Time
	Logger        Logger
}

// RazorpayProvider implements the Provider interface against the Razorpay
// orders API. Webhooks are authenticated with an HMAC-SHA256 signature over
// the raw request body.
type RazorpayProvider struct {
	keyID         string
	keySecret     string
	webhookSecret string
	baseURL       string
	sessionTTL    time.Duration
	httpClient    *http.Client
	clock         func() time.Time
	logger        Logger
}

// NewRazorpayProvider constructs a Razorpay Provider using the given configuration.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	keySecret := strings.TrimSpace(cfg.KeySecret)
	if keyID == "" || keySecret == "" {
		return nil, errors.New("razorpay: key id and secret are required")
	}
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, errors.New("razorpay: webhook secret is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.razorpay.com"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
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
	return &RazorpayProvider{
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
		baseURL:       baseURL,
		sessionTTL:    sessionTTL,
		httpClient:    httpClient,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

type razorpayOrder struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Status   string            `json:"status"`
	Notes    map[string]string `json:"notes"`
}

type razorpayPayment struct {
	ID               string            `json:"id"`
	OrderID          string            `json:"order_id"`
	Amount           int64             `json:"amount"`
	Status           string            `json:"status"`
	ErrorCode        string            `json:"error_code"`
	ErrorDescription string            `json:"error_description"`
	Notes            map[string]string `json:"notes"`
}

// CreateSession creates a Razorpay order for the transaction. The checkout
// widget on the client opens against the returned order id.
func (p *RazorpayProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if p == nil {
		return Session{}, errors.New("razorpay: provider is nil")
	}
	txnID := strings.TrimSpace(req.TransactionID)
	if txnID == "" {
		return Session{}, errors.New("razorpay: transaction id is required")
	}
	if req.Amount <= 0 {
		return Session{}, errors.New("razorpay: amount must be positive")
	}

	receipt := txnID
	if len(receipt) > razorpayReceiptMax {
		receipt = receipt[:razorpayReceiptMax]
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}

	notes := map[string]string{"transactionId": txnID}
	if req.UserID != "" {
		notes["userId"] = req.UserID
	}
	for k, v := range req.Metadata {
		notes[k] = v
	}

	body, err := json.Marshal(map[string]any{
		"amount":   domain.ToPaise(req.Amount),
		"currency": currency,
		"receipt":  receipt,
		"notes":    notes,
	})
	if err != nil {
		return Session{}, fmt.Errorf("razorpay: encode order payload: %w", err)
	}

	var order razorpayOrder
	if err := p.do(ctx, http.MethodPost, "/v1/orders", body, &order); err != nil {
		return Session{}, fmt.Errorf("razorpay: create order: %w", err)
	}
	if order.ID == "" {
		return Session{}, errors.New("razorpay: order response missing id")
	}

	p.logger(ctx, "payments.razorpay.order.created", map[string]any{
		"transactionId": txnID,
		"orderId":       order.ID,
		"amountPaise":   order.Amount,
	})

	return Session{
		Gateway:        "razorpay",
		GatewayOrderID: order.ID,
		ExpiresAt:      p.clock().Add(p.sessionTTL),
		Raw: map[string]any{
			"orderId":  order.ID,
			"amount":   order.Amount,
			"currency": order.Currency,
			"receipt":  order.Receipt,
			"status":   order.Status,
		},
	}, nil
}

// VerifyStatus looks up the payments recorded against a Razorpay order.
// The argument is the gateway order id returned by CreateSession.
func (p *RazorpayProvider) VerifyStatus(ctx context.Context, orderID string) (StatusResult, error) {
	if p == nil {
		return StatusResult{}, errors.New("razorpay: provider is nil")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return StatusResult{}, errors.New("razorpay: order id is required")
	}

	var payments struct {
		Items []razorpayPayment `json:"items"`
	}
	if err := p.do(ctx, http.MethodGet, "/v1/orders/"+orderID+"/payments", nil, &payments); err != nil {
		return StatusResult{}, fmt.Errorf("razorpay: list order payments: %w", err)
	}

	result := StatusResult{
		GatewayOrderID: orderID,
		Status:         domain.PaymentStatusPending,
		Raw:            map[string]any{"payments": len(payments.Items)},
	}
	failed := 0
	for _, payment := range payments.Items {
		if txn := payment.Notes["transactionId"]; txn != "" {
			result.TransactionID = txn
		}
		switch payment.Status {
		case "captured":
			result.Status = domain.PaymentStatusCompleted
			result.Amount = domain.FromPaise(payment.Amount)
			return result, nil
		case "failed":
			failed++
		}
	}
	if len(payments.Items) > 0 && failed == len(payments.Items) {
		result.Status = domain.PaymentStatusFailed
	}
	return result, nil
}

// ParseWebhook authenticates and decodes a Razorpay webhook. The signature
// header is hex HMAC-SHA256 of the raw body keyed by the webhook secret.
func (p *RazorpayProvider) ParseWebhook(ctx context.Context, body []byte, headers http.Header) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("razorpay: provider is nil")
	}
	signature := strings.TrimSpace(headers.Get(razorpaySignatureHeader))
	if signature == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, razorpaySignatureHeader)
	}

	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return WebhookEvent{}, ErrInvalidSignature
	}

	var payload struct {
		Event   string `json:"event"`
		Payload struct {
			Payment struct {
				Entity razorpayPayment `json:"entity"`
			} `json:"payment"`
			Order struct {
				Entity razorpayOrder `json:"entity"`
			} `json:"order"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: decode event: %v", ErrMalformedPayload, err)
	}
	if payload.Event == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing event name", ErrMalformedPayload)
	}

	payment := payload.Payload.Payment.Entity
	order := payload.Payload.Order.Entity

	event := WebhookEvent{
		Gateway:        "razorpay",
		Event:          payload.Event,
		GatewayOrderID: defaultString(payment.OrderID, order.ID),
		Status:         razorpayEventStatus(payload.Event),
		Amount:         domain.FromPaise(payment.Amount),
		Raw: map[string]any{
			"event":     payload.Event,
			"paymentId": payment.ID,
			"orderId":   defaultString(payment.OrderID, order.ID),
		},
	}
	if txn := payment.Notes["transactionId"]; txn != "" {
		event.TransactionID = txn
	} else if txn := order.Notes["transactionId"]; txn != "" {
		event.TransactionID = txn
	} else if order.Receipt != "" {
		event.TransactionID = order.Receipt
	}
	if event.Status == domain.PaymentStatusFailed {
		event.FailureReason = defaultString(payment.ErrorDescription, payment.ErrorCode)
	}
	if event.Amount == 0 && order.Amount > 0 {
		event.Amount = domain.FromPaise(order.Amount)
	}

	p.logger(ctx, "payments.razorpay.webhook.parsed", map[string]any{
		"event":   payload.Event,
		"orderId": event.GatewayOrderID,
	})
	return event, nil
}

func (p *RazorpayProvider) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.SetBasicAuth(p.keyID, p.keySecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// razorpayEventStatus maps webhook event names to normalised statuses.
// Older dashboard configurations deliver underscore-separated names.
func razorpayEventStatus(event string) domain.PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "payment.captured", "payment_captured", "order.paid", "order_paid":
		return domain.PaymentStatusCompleted
	case "payment.failed", "payment_failed":
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}
