package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/marigold-commerce/api/internal/platform/auth"
	"github.com/marigold-commerce/api/internal/platform/httpx"
	"github.com/marigold-commerce/api/internal/services"
)

const maxOrderBodySize = 8 * 1024

// OrderHandlers exposes order listing, lookup, and cancellation for the
// current user.
type OrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

// NewOrderHandlers constructs handlers for the /orders endpoints.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
}

// Routes wires the /orders endpoints onto the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderId}", h.getOrder)
	r.Post("/{orderId}/cancel", h.cancelOrder)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	page, ok := listPagination(r, w)
	if !ok {
		return
	}

	filter := services.OrderFilter{UserID: userID, Pagination: page}
	for _, raw := range strings.Split(r.URL.Query().Get("status"), ",") {
		status := services.OrderStatus(strings.TrimSpace(raw))
		if status == "" {
			continue
		}
		filter.Status = append(filter.Status, status)
	}

	result, err := h.orders.List(ctx, filter)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(result.Items))
	for _, order := range result.Items {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Orders: items, NextPageToken: result.NextPageToken})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.Get(ctx, chi.URLParam(r, "orderId"), userID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSONBody(r, maxOrderBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderId"),
		UserID:  userID,
		Reason:  req.Reason,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotCancellable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_cancellable", "order can no longer be cancelled", http.StatusConflict))
	case errors.Is(err, services.ErrOrderPaymentCaptured):
		httpx.WriteError(ctx, w, httpx.NewError("payment_captured", "payment already captured; contact support for a refund", http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "order operation failed", http.StatusInternalServerError))
	}
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                 string             `json:"id"`
	OrderNumber        string             `json:"orderNumber"`
	UserID             string             `json:"userId"`
	TransactionID      string             `json:"transactionId,omitempty"`
	Status             string             `json:"status"`
	PaymentStatus      string             `json:"paymentStatus,omitempty"`
	PaymentMethod      string             `json:"paymentMethod,omitempty"`
	Items              []orderLinePayload `json:"items"`
	Totals             cartTotalsPayload  `json:"totals"`
	ShippingAddress    addressPayload     `json:"shippingAddress"`
	Notes              string             `json:"notes,omitempty"`
	CancellationReason string             `json:"cancellationReason,omitempty"`
	CancelledBy        string             `json:"cancelledBy,omitempty"`
	InvoiceURL         string             `json:"invoiceUrl,omitempty"`
	PlacedAt           string             `json:"placedAt,omitempty"`
	ShippedAt          string             `json:"shippedAt,omitempty"`
	DeliveredAt        string             `json:"deliveredAt,omitempty"`
	CancelledAt        string             `json:"cancelledAt,omitempty"`
	CreatedAt          string             `json:"createdAt,omitempty"`
}

type orderLinePayload struct {
	variantPayload
	ProductName string  `json:"productName,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	DesignerRef string  `json:"designerRef,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderLinePayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderLinePayload{
			variantPayload: variantFromKey(item.Variant),
			ProductName:    item.ProductName,
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			DesignerRef:    item.DesignerRef,
		})
	}

	return orderPayload{
		ID:                 order.ID,
		OrderNumber:        order.OrderNumber,
		UserID:             order.UserID,
		TransactionID:      order.TransactionID,
		Status:             string(order.Status),
		PaymentStatus:      string(order.PaymentStatus),
		PaymentMethod:      order.PaymentMethod,
		Items:              items,
		Totals:             buildCartTotals(order.Totals),
		ShippingAddress:    buildAddressPayload(order.ShippingAddress),
		Notes:              order.Notes,
		CancellationReason: order.CancellationReason,
		CancelledBy:        order.CancelledBy,
		InvoiceURL:         order.InvoiceURL,
		PlacedAt:           formatTimePtr(order.Timestamps.Placed),
		ShippedAt:          formatTimePtr(order.Timestamps.Shipped),
		DeliveredAt:        formatTimePtr(order.Timestamps.Delivered),
		CancelledAt:        formatTimePtr(order.Timestamps.Cancelled),
		CreatedAt:          formatTime(order.CreatedAt),
	}
}
