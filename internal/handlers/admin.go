package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marigold-commerce/api/internal/platform/auth"
	"github.com/marigold-commerce/api/internal/platform/httpx"
	"github.com/marigold-commerce/api/internal/services"
)

const maxAdminBodySize = 32 * 1024

// AdminHandlers exposes staff-only management endpoints: coupon lifecycle,
// stock configuration, order fulfilment, and payment listings.
type AdminHandlers struct {
	authn     *auth.Authenticator
	coupons   services.CouponService
	orders    services.OrderService
	inventory services.InventoryService
	payments  services.PaymentService
}

// NewAdminHandlers constructs handlers for the /admin endpoints.
func NewAdminHandlers(authn *auth.Authenticator, coupons services.CouponService, orders services.OrderService, inventory services.InventoryService, payments services.PaymentService) *AdminHandlers {
	return &AdminHandlers{
		authn:     authn,
		coupons:   coupons,
		orders:    orders,
		inventory: inventory,
		payments:  payments,
	}
}

// Routes registers the admin endpoints.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	r.Route("/coupons", func(rt chi.Router) {
		rt.Post("/", h.createCoupon)
		rt.Get("/", h.listCoupons)
		rt.Patch("/{code}", h.updateCoupon)
		rt.Delete("/{code}", h.deactivateCoupon)
	})
	r.Route("/inventory", func(rt chi.Router) {
		rt.Put("/stock", h.configureStock)
		rt.Get("/stock", h.getStock)
	})
	r.Route("/orders", func(rt chi.Router) {
		rt.Get("/", h.listOrders)
		rt.Patch("/{orderId}/status", h.updateOrderStatus)
		rt.Post("/{orderId}/cancel", h.cancelOrder)
	})
	r.Get("/payments", h.listPayments)
}

type adminCouponRequest struct {
	Code       string   `json:"code"`
	Amount     float64  `json:"amount"`
	ExpiryDate string   `json:"expiryDate,omitempty"`
	ForUserIDs []string `json:"forUserIds,omitempty"`
	MaxUsage   int      `json:"maxUsage,omitempty"`
}

func (h *AdminHandlers) createCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req adminCouponRequest
	if err := decodeJSONBody(r, maxAdminBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.CreateCouponCommand{
		Code:       req.Code,
		Amount:     req.Amount,
		ForUserIDs: req.ForUserIDs,
		MaxUsage:   req.MaxUsage,
	}
	if raw := strings.TrimSpace(req.ExpiryDate); raw != "" {
		expiry, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expiryDate must be an RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.ExpiryDate = expiry
	}

	coupon, err := h.coupons.Create(ctx, cmd)
	if err != nil {
		h.writeAdminError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, adminCouponResponse{Coupon: buildAdminCouponPayload(coupon)})
}

func (h *AdminHandlers) listCoupons(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, ok := listPagination(r, w)
	if !ok {
		return
	}

	result, err := h.coupons.List(ctx, services.CouponFilter{
		ActiveOnly: r.URL.Query().Get("active") == "true",
		Pagination: page,
	})
	if err != nil {
		h.writeAdminError(ctx, w, err)
		return
	}

	items := make([]adminCouponPayload, 0, len(result.Items))
	for _, coupon := range result.Items {
		items = append(items, buildAdminCouponPayload(coupon))
	}
	writeJSONResponse(w, http.StatusOK, adminCouponListResponse{Coupons: items, NextPageToken: result.NextPageToken})
}

func (h *AdminHandlers) updateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Amount     *float64 `json:"amount,omitempty"`
		ExpiryDate *string  `json:"expiryDate,omitempty"`
		IsActive   *bool    `json:"isActive,omitempty"`
		MaxUsage   *int     `json:"maxUsage,omitempty"`
	}
	if err := decodeJSONBody(r, maxAdminBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.UpdateCouponCommand{
		Code:     chi.URLParam(r, "code"),
		Amount:   req.Amount,
		IsActive: req.IsActive,
		MaxUsage: req.MaxUsage,
	}
	if req.ExpiryDate != nil {
		expiry, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.ExpiryDate))
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "expiryDate must be an RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.ExpiryDate = &expiry
	}

	coupon, err := h.coupons.Update(ctx, cmd)
	if err != nil {
		h.writeAdminError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, adminCouponResponse{Coupon: buildAdminCouponPayload(coupon)})
}

func (h *AdminHandlers) deactivateCoupon(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inactive := false

	coupon, err := h.coupons.Update(ctx, services.UpdateCouponCommand{
		Code:     chi.URLParam(r, "code"),
		IsActive: &inactive,
	})
	if err != nil {
		h.writeAdminError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, adminCouponResponse{Coupon: buildAdminCouponPayload(coupon)})
}

func (h *AdminHandlers) configureStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		variantPayload
		Price  float64 `json:"price"`
		OnHand int     `json:"onHand"`
	}
	if err := decodeJSONBody(r, maxAdminBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	level, err := h.inventory.ConfigureStock(ctx, services.ConfigureStockCommand{
		Variant: req.toKey(),
		Price:   req.Price,
		OnHand:  req.OnHand,
	})
	if err != nil {
		h.writeAdminError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockResponse{Stock: buildStockPayload(level)})
}

func (h *AdminHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()
	key := services.VariantKey{
		ProductID: strings.TrimSpace(query.Get("productId")),
		Color:     strings.TrimSpace(query.Get("color")),
		Size:      strings.TrimSpace(query.Get("size")),
	}

	level, err := h.inventory.GetStock(ctx, key)
	if err != nil {
		h.writeAdminError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockResponse{Stock: buildStockPayload(level)})
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, ok := listPagination(r, w)
	if !ok {
		return
	}

	filter := services.OrderFilter{
		UserID:     strings.TrimSpace(r.URL.Query().Get("userId")),
		Pagination: page,
	}
	for _, raw := range strings.Split(r.URL.Query().Get("status"), ",") {
		status := services.OrderStatus(strings.TrimSpace(raw))
		if status == "" {
			continue
		}
		filter.Status = append(filter.Status, status)
	}

	result, err := h.orders.List(ctx, filter)
	if err != nil {
		h.writeAdminError(ctx, w, err)
		return
	}

	items := make([]orderPayload, 0, len(result.Items))
	for _, order := range result.Items {
		items = append(items, buildOrderPayload(order))
	}
	writeJSONResponse(w, http.StatusOK, orderListResponse{Orders: items, NextPageToken: result.NextPageToken})
}

func (h *AdminHandlers) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req struct {
		Status string `json:"status"`
		Notes  string `json:"notes,omitempty"`
	}
	if err := decodeJSONBody(r, maxAdminBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.UpdateStatus(ctx, services.UpdateOrderStatusCommand{
		OrderID: chi.URLParam(r, "orderId"),
		Status:  services.OrderStatus(strings.TrimSpace(req.Status)),
		Notes:   req.Notes,
	})
	if err != nil {
		h.writeAdminError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSONBody(r, maxAdminBodySize, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID:   chi.URLParam(r, "orderId"),
		UserID:    uid,
		ActorRole: auth.RoleAdmin,
		Reason:    req.Reason,
	})
	if err != nil {
		h.writeAdminError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *AdminHandlers) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page, ok := listPagination(r, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := services.PaymentFilter{
		UserID:     strings.TrimSpace(query.Get("userId")),
		Gateway:    strings.TrimSpace(query.Get("gateway")),
		Pagination: page,
	}
	for _, raw := range strings.Split(query.Get("status"), ",") {
		status := services.PaymentStatus(strings.TrimSpace(raw))
		if status == "" {
			continue
		}
		filter.Status = append(filter.Status, status)
	}

	result, err := h.payments.List(ctx, filter)
	if err != nil {
		h.writeAdminError(ctx, w, err)
		return
	}

	items := make([]paymentRecordPayload, 0, len(result.Items))
	for _, record := range result.Items {
		items = append(items, buildPaymentRecordPayload(record))
	}
	writeJSONResponse(w, http.StatusOK, adminPaymentListResponse{Payments: items, NextPageToken: result.NextPageToken})
}

func (h *AdminHandlers) writeAdminError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCouponInvalidInput), errors.Is(err, services.ErrInventoryInvalidInput), errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponCodeTaken):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_code_taken", "coupon code already exists", http.StatusConflict))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryVariantNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderNotCancellable):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_cancellable", "order can no longer be cancelled", http.StatusConflict))
	case errors.Is(err, services.ErrOrderPaymentCaptured):
		httpx.WriteError(ctx, w, httpx.NewError("payment_captured", "payment already captured; refund instead", http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("admin_error", "operation failed", http.StatusInternalServerError))
	}
}

type adminCouponResponse struct {
	Coupon adminCouponPayload `json:"coupon"`
}

type adminCouponListResponse struct {
	Coupons       []adminCouponPayload `json:"coupons"`
	NextPageToken string               `json:"nextPageToken,omitempty"`
}

type adminCouponPayload struct {
	ID         string   `json:"id"`
	Code       string   `json:"code"`
	Amount     float64  `json:"amount"`
	ExpiryDate string   `json:"expiryDate,omitempty"`
	IsActive   bool     `json:"isActive"`
	UsedBy     []string `json:"usedBy,omitempty"`
	MaxUsage   int      `json:"maxUsage,omitempty"`
	ForUserIDs []string `json:"forUserIds,omitempty"`
}

func buildAdminCouponPayload(coupon services.Coupon) adminCouponPayload {
	payload := adminCouponPayload{
		ID:         coupon.ID,
		Code:       coupon.Code,
		Amount:     coupon.Amount,
		ExpiryDate: formatTime(coupon.ExpiryDate),
		IsActive:   coupon.IsActive,
		UsedBy:     coupon.UsedBy,
	}
	if coupon.Promotion != nil {
		payload.MaxUsage = coupon.Promotion.MaxUsage
	}
	for _, grant := range coupon.CreatedFor {
		payload.ForUserIDs = append(payload.ForUserIDs, grant.UserID)
	}
	return payload
}

type stockResponse struct {
	Stock stockPayload `json:"stock"`
}

type stockPayload struct {
	variantPayload
	Price     float64 `json:"price"`
	OnHand    int     `json:"onHand"`
	UpdatedAt string  `json:"updatedAt,omitempty"`
}

func buildStockPayload(level services.StockLevel) stockPayload {
	return stockPayload{
		variantPayload: variantFromKey(level.Variant),
		Price:          level.Price,
		OnHand:         level.OnHand,
		UpdatedAt:      formatTime(level.UpdatedAt),
	}
}

type adminPaymentListResponse struct {
	Payments      []paymentRecordPayload `json:"payments"`
	NextPageToken string                 `json:"nextPageToken,omitempty"`
}
