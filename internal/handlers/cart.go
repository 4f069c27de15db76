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

const maxCartBodySize = 16 * 1024

// CartHandlers exposes authenticated cart endpoints for the current user.
type CartHandlers struct {
	authn *auth.Authenticator
	carts services.CartService
}

// NewCartHandlers constructs handlers enforcing Firebase authentication before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService) *CartHandlers {
	return &CartHandlers{
		authn: authn,
		carts: carts,
	}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Post("/items", h.addItem)
	r.Put("/items", h.replaceItems)
	r.Put("/items/quantity", h.updateQuantity)
	r.Delete("/items", h.removeItem)
	r.Put("/address", h.updateAddress)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.GetOrCreate(ctx, userID)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

type cartItemRequest struct {
	variantPayload
	Quantity      int            `json:"quantity"`
	DesignerRef   string         `json:"designerRef,omitempty"`
	Customization map[string]any `json:"customization,omitempty"`
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	var req cartItemRequest
	if err := decodeJSONBody(r, maxCartBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cart, err := h.carts.AddItem(ctx, services.AddCartItemCommand{
		UserID:        userID,
		Variant:       req.toKey(),
		Quantity:      req.Quantity,
		DesignerRef:   strings.TrimSpace(req.DesignerRef),
		Customization: req.Customization,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) replaceItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	var req struct {
		Items []cartItemRequest `json:"items"`
	}
	if err := decodeJSONBody(r, maxCartBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	items := make([]services.AddCartItemCommand, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.AddCartItemCommand{
			UserID:        userID,
			Variant:       item.toKey(),
			Quantity:      item.Quantity,
			DesignerRef:   strings.TrimSpace(item.DesignerRef),
			Customization: item.Customization,
		})
	}

	cart, err := h.carts.ReplaceItems(ctx, services.ReplaceCartItemsCommand{UserID: userID, Items: items})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) updateQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	var req struct {
		variantPayload
		Quantity int `json:"quantity"`
	}
	if err := decodeJSONBody(r, maxCartBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cart, err := h.carts.UpdateQuantity(ctx, services.UpdateCartQuantityCommand{
		UserID:   userID,
		Variant:  req.toKey(),
		Quantity: req.Quantity,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	var req variantPayload
	if err := decodeJSONBody(r, maxCartBodySize, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cart, err := h.carts.RemoveItem(ctx, services.RemoveCartItemCommand{UserID: userID, Variant: req.toKey()})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) updateAddress(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	var fields map[string]string
	if err := decodeJSONBody(r, maxCartBodySize, &fields); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cart, err := h.carts.UpdateShippingAddress(ctx, services.UpdateShippingAddressCommand{
		UserID: userID,
		Fields: fields,
	})
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := authenticatedUID(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.Clear(ctx, userID)
	if err != nil {
		h.writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartItemNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_item_not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "cart not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrInventoryVariantNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("variant_not_found", err.Error(), http.StatusNotFound))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "cart operation failed", http.StatusInternalServerError))
	}
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartPayload struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	Currency        string            `json:"currency,omitempty"`
	Items           []cartLinePayload `json:"items"`
	Totals          cartTotalsPayload `json:"totals"`
	DiscountApplied bool              `json:"discountApplied"`
	CouponCode      string            `json:"couponCode,omitempty"`
	ShippingAddress *addressPayload   `json:"shippingAddress,omitempty"`
	ReservationID   string            `json:"reservationId,omitempty"`
	UpdatedAt       string            `json:"updatedAt,omitempty"`
}

type cartLinePayload struct {
	variantPayload
	Quantity      int            `json:"quantity"`
	UnitPrice     float64        `json:"unitPrice"`
	LineTotal     float64        `json:"lineTotal"`
	DesignerRef   string         `json:"designerRef,omitempty"`
	Customization map[string]any `json:"customization,omitempty"`
}

type cartTotalsPayload struct {
	Subtotal float64 `json:"subtotal"`
	Discount float64 `json:"discount"`
	Shipping float64 `json:"shipping"`
	Tax      float64 `json:"tax"`
	Total    float64 `json:"total"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	payload := cartPayload{
		ID:              cart.ID,
		UserID:          cart.UserID,
		Currency:        strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:           buildCartLines(cart.Items),
		Totals:          buildCartTotals(cart.Totals),
		DiscountApplied: cart.DiscountApplied,
		CouponCode:      cart.CouponCode,
		ReservationID:   cart.ReservationID,
		UpdatedAt:       formatTime(cart.UpdatedAt),
	}
	if cart.ShippingAddress != nil {
		addr := buildAddressPayload(*cart.ShippingAddress)
		payload.ShippingAddress = &addr
	}
	return payload
}

func buildCartLines(items []services.CartLine) []cartLinePayload {
	payload := make([]cartLinePayload, 0, len(items))
	for _, item := range items {
		payload = append(payload, cartLinePayload{
			variantPayload: variantFromKey(item.Variant),
			Quantity:       item.Quantity,
			UnitPrice:      item.UnitPrice,
			LineTotal:      item.LineTotal(),
			DesignerRef:    item.DesignerRef,
			Customization:  item.Customization,
		})
	}
	return payload
}

func buildCartTotals(totals services.CartTotals) cartTotalsPayload {
	return cartTotalsPayload{
		Subtotal: totals.Subtotal,
		Discount: totals.Discount,
		Shipping: totals.Shipping,
		Tax:      totals.Tax,
		Total:    totals.Total,
	}
}
