package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/marigold-commerce/api/internal/platform/httpx"
	"github.com/marigold-commerce/api/internal/platform/idempotency"
	"github.com/marigold-commerce/api/internal/repositories"
	"github.com/marigold-commerce/api/internal/services"
)

const (
	defaultSweepLimit = 100
	maxSweepLimit     = 1000
)

// SweepHandlers triggers maintenance sweeps on demand. The same sweeps run on
// timers in the API process; this surface lets operators run one immediately.
type SweepHandlers struct {
	coupons     services.CouponService
	payments    services.PaymentService
	inventory   services.InventoryService
	tokens      repositories.TokenRepository
	idempotency idempotency.Store
	clock       func() time.Time
}

// SweepDeps lists the services the sweep endpoints drive. Any nil entry
// disables the corresponding sweep name.
type SweepDeps struct {
	Coupons     services.CouponService
	Payments    services.PaymentService
	Inventory   services.InventoryService
	Tokens      repositories.TokenRepository
	Idempotency idempotency.Store
	Clock       func() time.Time
}

// NewSweepHandlers constructs handlers for the /internal/sweeps endpoints.
func NewSweepHandlers(deps SweepDeps) *SweepHandlers {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SweepHandlers{
		coupons:     deps.Coupons,
		payments:    deps.Payments,
		inventory:   deps.Inventory,
		tokens:      deps.Tokens,
		idempotency: deps.Idempotency,
		clock:       clock,
	}
}

// Routes registers the sweep endpoints.
func (h *SweepHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/sweeps/{name}", h.runSweep)
}

type sweepResponse struct {
	Sweep     string `json:"sweep"`
	Processed int    `json:"processed"`
	RanAt     string `json:"ranAt"`
}

func (h *SweepHandlers) runSweep(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "name")))
	limit := sweepLimit(r)
	now := h.clock().UTC()

	var (
		processed int
		err       error
	)
	switch name {
	case "coupons":
		if h.coupons == nil {
			h.writeSweepUnavailable(w, r, name)
			return
		}
		processed, err = h.coupons.DeactivateExpired(ctx)
	case "payments":
		if h.payments == nil {
			h.writeSweepUnavailable(w, r, name)
			return
		}
		processed, err = h.payments.ExpireStale(ctx, limit)
	case "orders":
		if h.payments == nil {
			h.writeSweepUnavailable(w, r, name)
			return
		}
		processed, err = h.payments.RetryPendingOrders(ctx, limit)
	case "reservations":
		if h.inventory == nil {
			h.writeSweepUnavailable(w, r, name)
			return
		}
		processed, err = h.inventory.ReleaseExpired(ctx, limit)
	case "tokens":
		if h.tokens == nil {
			h.writeSweepUnavailable(w, r, name)
			return
		}
		processed, err = h.tokens.CleanupExpired(ctx, now, limit)
	case "idempotency":
		if h.idempotency == nil {
			h.writeSweepUnavailable(w, r, name)
			return
		}
		processed, err = h.idempotency.CleanupExpired(ctx, now, limit)
	default:
		httpx.WriteError(ctx, w, httpx.NewError("unknown_sweep", "unknown sweep name", http.StatusNotFound))
		return
	}
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("sweep_failed", "sweep did not complete", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, sweepResponse{
		Sweep:     name,
		Processed: processed,
		RanAt:     now.Format(time.RFC3339Nano),
	})
}

func (h *SweepHandlers) writeSweepUnavailable(w http.ResponseWriter, r *http.Request, name string) {
	httpx.WriteError(r.Context(), w, httpx.NewError("sweep_unavailable", "sweep "+name+" is not configured", http.StatusServiceUnavailable))
}

func sweepLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultSweepLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultSweepLimit
	}
	if limit > maxSweepLimit {
		return maxSweepLimit
	}
	return limit
}
