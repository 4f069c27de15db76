package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marigold-commerce/api/internal/platform/auth"
	"github.com/marigold-commerce/api/internal/platform/httpx"
	"github.com/marigold-commerce/api/internal/services"
)

const (
	maxPaymentBodySize = 4 * 1024
	maxWebhookBodySize = 256 * 1024
)

// PaymentHandlers exposes payment initiation and status polling for the
// current user.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	payments services.PaymentService
}

// NewPaymentHandlers constructs handlers for the /payments endpoints.
func NewPaymentHandlers(authn *auth.Authenticator, payments services.PaymentService) *PaymentHandlers {
	return &PaymentHandlers{
		authn:    authn,
		payments: payments,
	}
}

// Routes wires the /payments endpoints onto the provided router.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/", h.initiate)
	r.Get("/{transactionId}", h.getStatus)
}

func (h *PaymentHandlers) initiate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	var req struct {
		Gateway string `json:"gateway"`
	}
	if err := decodeJSONBody(r, maxPaymentBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}

	session, err := h.payments.Initiate(ctx, services.InitiatePaymentCommand{
		UserID:  userID,
		Gateway: req.Gateway,
	})
	if err != nil {
		h.writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, buildPaymentSessionPayload(session))
}

func (h *PaymentHandlers) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	transactionID := strings.TrimSpace(chi.URLParam(r, "transactionId"))
	record, err := h.payments.GetByTransactionID(ctx, transactionID, userID)
	if err != nil {
		h.writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentRecordResponse{Payment: buildPaymentRecordPayload(record)})
}

func (h *PaymentHandlers) writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrPaymentGatewayUnsupported):
		httpx.WriteError(ctx, w, httpx.NewError("gateway_unsupported", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderAddressIncomplete):
		httpx.WriteError(ctx, w, httpx.NewError("address_incomplete", "shipping address is incomplete", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusUnprocessableEntity))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "payment operation failed", http.StatusInternalServerError))
	}
}

// WebhookHandlers receives gateway callbacks. Signature validation happens
// inside the payment service; whatever the outcome, the response is 200 so
// the gateway never retries into a mutation we already refused.
type WebhookHandlers struct {
	payments services.PaymentService
	logger   func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs handlers for the /webhooks endpoints.
func NewWebhookHandlers(payments services.PaymentService, logger func(ctx context.Context, event string, fields map[string]any)) *WebhookHandlers {
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{
		payments: payments,
		logger:   logger,
	}
}

// Routes wires the /webhooks endpoints onto the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{gateway}", h.paymentCallback)
}

func (h *WebhookHandlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gateway := strings.TrimSpace(chi.URLParam(r, "gateway"))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		h.logger(ctx, "webhook.read_failed", map[string]any{"gateway": gateway, "error": err.Error()})
		writeJSONResponse(w, http.StatusOK, webhookAck{Received: true})
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	outcome, err := h.payments.HandleWebhook(ctx, services.PaymentWebhookCommand{
		Gateway: gateway,
		Body:    body,
		Headers: headers,
	})
	if err != nil {
		// Storage trouble, not the gateway's problem. Acknowledge and let the
		// redelivery or the reconciliation sweep pick it up.
		h.logger(ctx, "webhook.process_failed", map[string]any{"gateway": gateway, "error": err.Error()})
		writeJSONResponse(w, http.StatusOK, webhookAck{Received: true})
		return
	}

	ack := webhookAck{Received: true, Applied: outcome.Applied, Reason: outcome.Reason}
	if outcome.Order != nil {
		ack.OrderID = outcome.Order.ID
	}
	writeJSONResponse(w, http.StatusOK, ack)
}

type webhookAck struct {
	Received bool   `json:"received"`
	Applied  bool   `json:"applied,omitempty"`
	OrderID  string `json:"orderId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type paymentRecordResponse struct {
	Payment paymentRecordPayload `json:"payment"`
}

type paymentSessionPayload struct {
	TransactionID  string  `json:"transactionId"`
	Gateway        string  `json:"gateway"`
	GatewayOrderID string  `json:"gatewayOrderId,omitempty"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency,omitempty"`
	RedirectURL    string  `json:"redirectUrl,omitempty"`
	OrderID        string  `json:"orderId,omitempty"`
}

type paymentRecordPayload struct {
	TransactionID  string  `json:"transactionId"`
	Gateway        string  `json:"gateway"`
	GatewayOrderID string  `json:"gatewayOrderId,omitempty"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency,omitempty"`
	Status         string  `json:"status"`
	FailureReason  string  `json:"failureReason,omitempty"`
	OrderID        string  `json:"orderId,omitempty"`
	CreatedAt      string  `json:"createdAt,omitempty"`
	CompletedAt    string  `json:"completedAt,omitempty"`
	FailedAt       string  `json:"failedAt,omitempty"`
}

func buildPaymentSessionPayload(session services.PaymentSession) paymentSessionPayload {
	return paymentSessionPayload{
		TransactionID:  session.TransactionID,
		Gateway:        session.Gateway,
		GatewayOrderID: session.GatewayOrderID,
		Amount:         session.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(session.Currency)),
		RedirectURL:    session.RedirectURL,
		OrderID:        session.Record.OrderID,
	}
}

func buildPaymentRecordPayload(record services.PaymentRecord) paymentRecordPayload {
	return paymentRecordPayload{
		TransactionID:  record.TransactionID,
		Gateway:        record.Gateway,
		GatewayOrderID: record.GatewayOrderID,
		Amount:         record.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(record.Currency)),
		Status:         string(record.Status),
		FailureReason:  record.FailureReason,
		OrderID:        record.OrderID,
		CreatedAt:      formatTime(record.CreatedAt),
		CompletedAt:    formatTimePtr(record.CompletedAt),
		FailedAt:       formatTimePtr(record.FailedAt),
	}
}
