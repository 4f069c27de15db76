package payments

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/marigold-commerce/api/internal/domain"
)

func newPhonePeTestProvider(t *testing.T, baseURL string) *PhonePeProvider {
	t.Helper()
	provider, err := NewPhonePeProvider(PhonePeProviderConfig{
		MerchantID: "MERCHANT1",
		SaltKey:    "salt-key",
		SaltIndex:  "2",
		BaseURL:    baseURL,
		Clock:      func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return provider
}

func TestPhonePeCreateSessionSignsRequest(t *testing.T) {
	var gotVerify string
	var gotRequest string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pg/v1/pay" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		gotVerify = r.Header.Get("X-VERIFY")
		var body struct {
			Request string `json:"request"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		gotRequest = body.Request
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"code":    "PAYMENT_INITIATED",
			"data": map[string]any{
				"merchantTransactionId": "TXN1",
				"instrumentResponse": map[string]any{
					"redirectInfo": map[string]any{"url": "https://pay.example/redirect"},
				},
			},
		})
	}))
	defer server.Close()

	provider := newPhonePeTestProvider(t, server.URL)
	session, err := provider.CreateSession(context.Background(), SessionRequest{
		TransactionID: "TXN1",
		UserID:        "user-1",
		Amount:        499.50,
		RedirectURL:   "https://shop.example/return",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if session.RedirectURL != "https://pay.example/redirect" {
		t.Fatalf("unexpected redirect url %q", session.RedirectURL)
	}
	if session.GatewayOrderID != "TXN1" {
		t.Fatalf("unexpected gateway order id %q", session.GatewayOrderID)
	}

	sum := sha256.Sum256([]byte(gotRequest + "/pg/v1/pay" + "salt-key"))
	wantVerify := hex.EncodeToString(sum[:]) + "###2"
	if gotVerify != wantVerify {
		t.Fatalf("checksum mismatch: got %q want %q", gotVerify, wantVerify)
	}

	decoded, err := base64.StdEncoding.DecodeString(gotRequest)
	if err != nil {
		t.Fatalf("decode request payload: %v", err)
	}
	var payload phonePePayPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		t.Fatalf("unmarshal request payload: %v", err)
	}
	if payload.Amount != 49950 {
		t.Fatalf("expected amount in paise 49950, got %d", payload.Amount)
	}
	if payload.MerchantID != "MERCHANT1" || payload.MerchantTransactionID != "TXN1" {
		t.Fatalf("unexpected payload identifiers: %+v", payload)
	}
	if payload.PaymentInstrument.Type != "PAY_PAGE" {
		t.Fatalf("unexpected instrument type %q", payload.PaymentInstrument.Type)
	}
}

func TestPhonePeVerifyStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pg/v1/status/MERCHANT1/TXN1" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.Header.Get("X-MERCHANT-ID") != "MERCHANT1" {
			t.Errorf("missing merchant header")
		}
		sum := sha256.Sum256([]byte("/pg/v1/status/MERCHANT1/TXN1" + "salt-key"))
		if want := hex.EncodeToString(sum[:]) + "###2"; r.Header.Get("X-VERIFY") != want {
			t.Errorf("checksum mismatch: got %q", r.Header.Get("X-VERIFY"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"code":    "PAYMENT_SUCCESS",
			"data": map[string]any{
				"merchantTransactionId": "TXN1",
				"transactionId":         "PP123",
				"state":                 "COMPLETED",
				"amount":                49950,
			},
		})
	}))
	defer server.Close()

	provider := newPhonePeTestProvider(t, server.URL)
	result, err := provider.VerifyStatus(context.Background(), "TXN1")
	if err != nil {
		t.Fatalf("verify status: %v", err)
	}
	if result.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected Completed, got %s", result.Status)
	}
	if result.Amount != 499.50 {
		t.Fatalf("expected amount 499.50, got %v", result.Amount)
	}
	if result.GatewayOrderID != "PP123" {
		t.Fatalf("unexpected gateway ref %q", result.GatewayOrderID)
	}
}

func TestPhonePeParseWebhook(t *testing.T) {
	provider := newPhonePeTestProvider(t, "http://phonepe.invalid")

	inner, _ := json.Marshal(map[string]any{
		"success": true,
		"code":    "PAYMENT_SUCCESS",
		"data": map[string]any{
			"merchantTransactionId": "TXN1",
			"state":                 "COMPLETED",
			"amount":                10000,
		},
	})
	encoded := base64.StdEncoding.EncodeToString(inner)
	body, _ := json.Marshal(map[string]string{"response": encoded})

	event, err := provider.ParseWebhook(context.Background(), body, http.Header{})
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	if event.TransactionID != "TXN1" {
		t.Fatalf("unexpected transaction id %q", event.TransactionID)
	}
	if event.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected Completed, got %s", event.Status)
	}
	if event.Amount != 100 {
		t.Fatalf("expected amount 100, got %v", event.Amount)
	}

	// Raw base64 bodies are accepted too.
	rawEvent, err := provider.ParseWebhook(context.Background(), []byte(encoded), http.Header{})
	if err != nil {
		t.Fatalf("parse raw webhook: %v", err)
	}
	if rawEvent.TransactionID != "TXN1" {
		t.Fatalf("unexpected transaction id %q", rawEvent.TransactionID)
	}
}

func TestPhonePeParseWebhookFailureStates(t *testing.T) {
	provider := newPhonePeTestProvider(t, "http://phonepe.invalid")

	inner, _ := json.Marshal(map[string]any{
		"success": false,
		"code":    "PAYMENT_ERROR",
		"data": map[string]any{
			"merchantTransactionId": "TXN2",
			"state":                 "FAILED",
			"responseCode":          "ZU",
			"amount":                5000,
		},
	})
	body := []byte(base64.StdEncoding.EncodeToString(inner))

	event, err := provider.ParseWebhook(context.Background(), body, http.Header{})
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	if event.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected Failed, got %s", event.Status)
	}
	if event.FailureReason != "ZU" {
		t.Fatalf("unexpected failure reason %q", event.FailureReason)
	}
}

func TestPhonePeParseWebhookMalformed(t *testing.T) {
	provider := newPhonePeTestProvider(t, "http://phonepe.invalid")

	cases := [][]byte{
		nil,
		[]byte("   "),
		[]byte("not-base64!!"),
		[]byte(base64.StdEncoding.EncodeToString([]byte("not json"))),
	}
	for _, body := range cases {
		if _, err := provider.ParseWebhook(context.Background(), body, http.Header{}); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("expected ErrMalformedPayload for %q, got %v", body, err)
		}
	}
}
