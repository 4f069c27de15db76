package payments

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
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

// Logger defines the logging contract for provider operations.
type Logger func(ctx context.Context, event string, fields map[string]any)

const (
	phonePePayPath    = "/pg/v1/pay"
	phonePeStatusPath = "/pg/v1/status"
)

// PhonePeProviderConfig configures the PhonePeProvider.
type PhonePeProviderConfig struct {
	MerchantID  string
	SaltKey     string
	SaltIndex   string
	BaseURL     string
	RedirectURL string
	CallbackURL string
	SessionTTL  time.Duration
	HTTPClient  *http.Client
	Clock       func() time.Time
	Logger      Logger
}

// PhonePeProvider implements the Provider interface against the PhonePe
// standard checkout API. Requests carry an X-VERIFY checksum; webhook bodies
// arrive as base64 JSON and carry no verifiable signature.
type PhonePeProvider struct {
	merchantID  string
	saltKey     string
	saltIndex   string
	baseURL     string
	redirectURL string
	callbackURL string
	sessionTTL  time.Duration
	httpClient  *http.Client
	clock       func() time.Time
	logger      Logger
}

// NewPhonePeProvider constructs a PhonePe Provider using the given configuration.
func NewPhonePeProvider(cfg PhonePeProviderConfig) (*PhonePeProvider, error) {
	merchantID := strings.TrimSpace(cfg.MerchantID)
	saltKey := strings.TrimSpace(cfg.SaltKey)
	if merchantID == "" || saltKey == "" {
		return nil, errors.New("phonepe: merchant id and salt key are required")
	}
	saltIndex := strings.TrimSpace(cfg.SaltIndex)
	if saltIndex == "" {
		saltIndex = "1"
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api-preprod.phonepe.com/apis/pg-sandbox"
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
	return &PhonePeProvider{
		merchantID:  merchantID,
		saltKey:     saltKey,
		saltIndex:   saltIndex,
		baseURL:     baseURL,
		redirectURL: strings.TrimSpace(cfg.RedirectURL),
		callbackURL: strings.TrimSpace(cfg.CallbackURL),
		sessionTTL:  sessionTTL,
		httpClient:  httpClient,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

type phonePePayPayload struct {
	MerchantID            string               `json:"merchantId"`
	MerchantTransactionID string               `json:"merchantTransactionId"`
	MerchantUserID        string               `json:"merchantUserId"`
	Amount                int64                `json:"amount"`
	RedirectURL           string               `json:"redirectUrl"`
	RedirectMode          string               `json:"redirectMode"`
	CallbackURL           string               `json:"callbackUrl,omitempty"`
	PaymentInstrument     phonePePayInstrument `json:"paymentInstrument"`
}

type phonePePayInstrument struct {
	Type string `json:"type"`
}

type phonePeEnvelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type phonePePayData struct {
	MerchantTransactionID string `json:"merchantTransactionId"`
	InstrumentResponse    struct {
		RedirectInfo struct {
			URL string `json:"url"`
		} `json:"redirectInfo"`
	} `json:"instrumentResponse"`
}

type phonePeStatusData struct {
	MerchantTransactionID string `json:"merchantTransactionId"`
	TransactionID         string `json:"transactionId"`
	State                 string `json:"state"`
	ResponseCode          string `json:"responseCode"`
	Amount                int64  `json:"amount"`
}

// CreateSession opens a PhonePe pay-page session for the transaction.
func (p *PhonePeProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if p == nil {
		return Session{}, errors.New("phonepe: provider is nil")
	}
	txnID := strings.TrimSpace(req.TransactionID)
	if txnID == "" {
		return Session{}, errors.New("phonepe: transaction id is required")
	}
	if req.Amount <= 0 {
		return Session{}, errors.New("phonepe: amount must be positive")
	}

	redirectURL := strings.TrimSpace(req.RedirectURL)
	if redirectURL == "" {
		redirectURL = p.redirectURL
	}
	callbackURL := strings.TrimSpace(req.CallbackURL)
	if callbackURL == "" {
		callbackURL = p.callbackURL
	}

	payload := phonePePayPayload{
		MerchantID:            p.merchantID,
		MerchantTransactionID: txnID,
		MerchantUserID:        req.UserID,
		Amount:                domain.ToPaise(req.Amount),
		RedirectURL:           redirectURL,
		RedirectMode:          "REDIRECT",
		CallbackURL:           callbackURL,
		PaymentInstrument:     phonePePayInstrument{Type: "PAY_PAGE"},
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Session{}, fmt.Errorf("phonepe: encode pay payload: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	body, err := json.Marshal(map[string]string{"request": encoded})
	if err != nil {
		return Session{}, fmt.Errorf("phonepe: encode request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+phonePePayPath, bytes.NewReader(body))
	if err != nil {
		return Session{}, fmt.Errorf("phonepe: build pay request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-VERIFY", p.checksum(encoded+phonePePayPath))

	envelope, err := p.do(httpReq)
	if err != nil {
		return Session{}, fmt.Errorf("phonepe: create session: %w", err)
	}
	if !envelope.Success {
		return Session{}, fmt.Errorf("phonepe: create session rejected: %s %s", envelope.Code, envelope.Message)
	}

	var data phonePePayData
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return Session{}, fmt.Errorf("phonepe: decode pay response: %w", err)
		}
	}

	p.logger(ctx, "payments.phonepe.session.created", map[string]any{
		"transactionId": txnID,
		"amountPaise":   payload.Amount,
	})

	return Session{
		Gateway:        "phonepe",
		GatewayOrderID: txnID,
		RedirectURL:    data.InstrumentResponse.RedirectInfo.URL,
		ExpiresAt:      p.clock().Add(p.sessionTTL),
		Raw:            envelopeRaw(envelope),
	}, nil
}

// VerifyStatus queries the gateway-side state of a transaction.
func (p *PhonePeProvider) VerifyStatus(ctx context.Context, transactionID string) (StatusResult, error) {
	if p == nil {
		return StatusResult{}, errors.New("phonepe: provider is nil")
	}
	txnID := strings.TrimSpace(transactionID)
	if txnID == "" {
		return StatusResult{}, errors.New("phonepe: transaction id is required")
	}

	path := fmt.Sprintf("%s/%s/%s", phonePeStatusPath, p.merchantID, txnID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("phonepe: build status request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-VERIFY", p.checksum(path))
	httpReq.Header.Set("X-MERCHANT-ID", p.merchantID)

	envelope, err := p.do(httpReq)
	if err != nil {
		return StatusResult{}, fmt.Errorf("phonepe: verify status: %w", err)
	}

	var data phonePeStatusData
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return StatusResult{}, fmt.Errorf("phonepe: decode status response: %w", err)
		}
	}

	result := StatusResult{
		TransactionID:  defaultString(data.MerchantTransactionID, txnID),
		GatewayOrderID: data.TransactionID,
		Status:         phonePeState(data.State),
		Amount:         domain.FromPaise(data.Amount),
		Raw:            envelopeRaw(envelope),
	}
	return result, nil
}

// ParseWebhook decodes a PhonePe callback. The body is base64 JSON, either
// wrapped in {"response": "..."} or sent raw. PhonePe callbacks carry no
// signature the salt key can verify; stale sessions are cross-checked against
// VerifyStatus by the reconciliation sweep.
func (p *PhonePeProvider) ParseWebhook(ctx context.Context, body []byte, _ http.Header) (WebhookEvent, error) {
	if p == nil {
		return WebhookEvent{}, errors.New("phonepe: provider is nil")
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return WebhookEvent{}, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	encoded := string(trimmed)
	var wrapper struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(trimmed, &wrapper); err == nil && wrapper.Response != "" {
		encoded = wrapper.Response
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: base64 decode: %v", ErrMalformedPayload, err)
	}

	var envelope phonePeEnvelope
	if err := json.Unmarshal(decoded, &envelope); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: decode callback: %v", ErrMalformedPayload, err)
	}
	var data phonePeStatusData
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return WebhookEvent{}, fmt.Errorf("%w: decode callback data: %v", ErrMalformedPayload, err)
		}
	}
	if data.MerchantTransactionID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing merchantTransactionId", ErrMalformedPayload)
	}

	status := phonePeState(data.State)
	event := WebhookEvent{
		Gateway:        "phonepe",
		Event:          strings.ToLower(defaultString(envelope.Code, data.State)),
		TransactionID:  data.MerchantTransactionID,
		GatewayOrderID: data.TransactionID,
		Status:         status,
		Amount:         domain.FromPaise(data.Amount),
		Raw:            envelopeRaw(envelope),
	}
	if status == domain.PaymentStatusFailed {
		event.FailureReason = defaultString(data.ResponseCode, envelope.Code)
	}

	p.logger(ctx, "payments.phonepe.webhook.parsed", map[string]any{
		"transactionId": data.MerchantTransactionID,
		"state":         data.State,
	})
	return event, nil
}

func (p *PhonePeProvider) checksum(material string) string {
	sum := sha256.Sum256([]byte(material + p.saltKey))
	return hex.EncodeToString(sum[:]) + "###" + p.saltIndex
}

func (p *PhonePeProvider) do(req *http.Request) (phonePeEnvelope, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return phonePeEnvelope{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return phonePeEnvelope{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return phonePeEnvelope{}, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var envelope phonePeEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return phonePeEnvelope{}, fmt.Errorf("decode response: %w", err)
	}
	return envelope, nil
}

func phonePeState(state string) domain.PaymentStatus {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "COMPLETED", "PAYMENT_SUCCESS", "SUCCESS":
		return domain.PaymentStatusCompleted
	case "FAILED", "PAYMENT_ERROR", "PAYMENT_DECLINED", "TIMED_OUT":
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

func envelopeRaw(envelope phonePeEnvelope) map[string]any {
	raw := map[string]any{
		"success": envelope.Success,
		"code":    envelope.Code,
	}
	if envelope.Message != "" {
		raw["message"] = envelope.Message
	}
	if len(envelope.Data) > 0 {
		var data map[string]any
		if err := json.Unmarshal(envelope.Data, &data); err == nil {
			raw["data"] = data
		}
	}
	return raw
}
