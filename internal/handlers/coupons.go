package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marigold-commerce/api/internal/platform/auth"
	"github.com/marigold-commerce/api/internal/platform/httpx"
	"github.com/marigold-commerce/api/internal/services"
)

const (
	maxCouponBodySize = 4 * 1024

	// applyRateLimit caps redemption attempts per user to slow down coupon
	// code guessing.
	applyRateLimit  = 10
	applyRateWindow = time.Minute
)

// CouponHandlers exposes coupon listing and redemption for the current user.
type CouponHandlers struct {
	authn   *auth.Authenticator
	coupons services.CouponService
	limiter rateLimiter
}

// NewCouponHandlers constructs handlers for the /coupons endpoints.
func NewCouponHandlers(authn *auth.Authenticator, coupons services.CouponService) *CouponHandlers {
	return &CouponHandlers{
		authn:   authn,
		coupons: coupons,
		limiter: newSimpleRateLimiter(applyRateLimit, applyRateWindow, nil),
	}
}

// Routes wires the /coupons endpoints onto the provided router.
func (h *CouponHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listForUser)
	r.Post("/apply", h.apply)
}

func (h *CouponHandlers) listForUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	coupons, err := h.coupons.ListForUser(ctx, userID)
	if err != nil {
		h.writeCouponError(ctx, w, err)
		return
	}

	items := make([]couponPayload, 0, len(coupons))
	for _, coupon := range coupons {
		items = append(items, buildCouponPayload(coupon))
	}
	writeJSONResponse(w, http.StatusOK, couponListResponse{Coupons: items})
}

func (h *CouponHandlers) apply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}
	if h.limiter != nil && !h.limiter.Allow(userID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many redemption attempts; try again later", http.StatusTooManyRequests))
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSONBody(r, maxCouponBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cart, err := h.coupons.Apply(ctx, services.ApplyCouponCommand{UserID: userID, Code: req.Code})
	if err != nil {
		h.writeCouponError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CouponHandlers) writeCouponError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCouponInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCouponNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_found", "coupon not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCouponInactive):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_inactive", "coupon is inactive", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponExpired):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_expired", "coupon has expired", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponNotEligible):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_not_eligible", "coupon is not available for this user", http.StatusForbidden))
	case errors.Is(err, services.ErrCouponAlreadyUsed):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_already_used", "coupon has already been redeemed", http.StatusConflict))
	case errors.Is(err, services.ErrCouponExhausted):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_exhausted", "coupon usage limit reached", http.StatusConflict))
	case errors.Is(err, services.ErrCouponCartEmpty):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart is empty", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCouponCartDiscounted):
		httpx.WriteError(ctx, w, httpx.NewError("cart_already_discounted", "cart already carries a discount", http.StatusConflict))
	case errors.Is(err, services.ErrCouponCodeTaken):
		httpx.WriteError(ctx, w, httpx.NewError("coupon_code_taken", "coupon code already exists", http.StatusConflict))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "cart not found", http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("coupon_error", "coupon operation failed", http.StatusInternalServerError))
	}
}

type couponListResponse struct {
	Coupons []couponPayload `json:"coupons"`
}

type couponPayload struct {
	Code       string  `json:"code"`
	Amount     float64 `json:"amount"`
	ExpiryDate string  `json:"expiryDate,omitempty"`
	IsActive   bool    `json:"isActive"`
}

func buildCouponPayload(coupon services.Coupon) couponPayload {
	return couponPayload{
		Code:       coupon.Code,
		Amount:     coupon.Amount,
		ExpiryDate: formatTime(coupon.ExpiryDate),
		IsActive:   coupon.IsActive,
	}
}
