package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/marigold-commerce/api/internal/platform/auth"
	"github.com/marigold-commerce/api/internal/services"
)

type stubCartService struct {
	getOrCreateFn    func(context.Context, string) (services.Cart, error)
	addItemFn        func(context.Context, services.AddCartItemCommand) (services.Cart, error)
	updateQuantityFn func(context.Context, services.UpdateCartQuantityCommand) (services.Cart, error)
	removeItemFn     func(context.Context, services.RemoveCartItemCommand) (services.Cart, error)
	replaceItemsFn   func(context.Context, services.ReplaceCartItemsCommand) (services.Cart, error)
	updateAddressFn  func(context.Context, services.UpdateShippingAddressCommand) (services.Cart, error)
	clearFn          func(context.Context, string) (services.Cart, error)
}

func (s *stubCartService) GetOrCreate(ctx context.Context, userID string) (services.Cart, error) {
	if s.getOrCreateFn != nil {
		return s.getOrCreateFn(ctx, userID)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
	if s.addItemFn != nil {
		return s.addItemFn(ctx, cmd)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) UpdateQuantity(ctx context.Context, cmd services.UpdateCartQuantityCommand) (services.Cart, error) {
	if s.updateQuantityFn != nil {
		return s.updateQuantityFn(ctx, cmd)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) RemoveItem(ctx context.Context, cmd services.RemoveCartItemCommand) (services.Cart, error) {
	if s.removeItemFn != nil {
		return s.removeItemFn(ctx, cmd)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) ReplaceItems(ctx context.Context, cmd services.ReplaceCartItemsCommand) (services.Cart, error) {
	if s.replaceItemsFn != nil {
		return s.replaceItemsFn(ctx, cmd)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) UpdateShippingAddress(ctx context.Context, cmd services.UpdateShippingAddressCommand) (services.Cart, error) {
	if s.updateAddressFn != nil {
		return s.updateAddressFn(ctx, cmd)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) Clear(ctx context.Context, userID string) (services.Cart, error) {
	if s.clearFn != nil {
		return s.clearFn(ctx, userID)
	}
	return services.Cart{}, errors.New("not implemented")
}

var _ services.CartService = (*stubCartService)(nil)

func authedRequest(t *testing.T, method, target string, body string) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func newCartRouter(svc services.CartService) chi.Router {
	handler := NewCartHandlers(nil, svc)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)
	return router
}

func TestCartHandlersGetCart(t *testing.T) {
	svc := &stubCartService{
		getOrCreateFn: func(_ context.Context, userID string) (services.Cart, error) {
			if userID != "user-1" {
				t.Fatalf("expected user-1, got %s", userID)
			}
			return services.Cart{
				ID:       "cart-1",
				UserID:   userID,
				Currency: "inr",
				Items: []services.CartLine{
					{Variant: services.VariantKey{ProductID: "tee", Color: "black", Size: "M"}, Quantity: 2, UnitPrice: 250},
				},
				Totals: services.CartTotals{Subtotal: 500, Shipping: 99, Total: 599},
			}, nil
		},
	}
	router := newCartRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/cart", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp cartResponse
	decodeResponse(t, rec, &resp)
	if resp.Cart.ID != "cart-1" {
		t.Fatalf("expected cart id cart-1, got %s", resp.Cart.ID)
	}
	if resp.Cart.Currency != "INR" {
		t.Fatalf("expected uppercased currency, got %s", resp.Cart.Currency)
	}
	if len(resp.Cart.Items) != 1 || resp.Cart.Items[0].LineTotal != 500 {
		t.Fatalf("unexpected items: %+v", resp.Cart.Items)
	}
	if resp.Cart.Totals.Total != 599 {
		t.Fatalf("expected total 599, got %v", resp.Cart.Totals.Total)
	}
}

func TestCartHandlersAddItem(t *testing.T) {
	var captured services.AddCartItemCommand
	svc := &stubCartService{
		addItemFn: func(_ context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
			captured = cmd
			return services.Cart{ID: "cart-1", UserID: cmd.UserID}, nil
		},
	}
	router := newCartRouter(svc)

	// A unitPrice in the payload is dead weight: the command carries no
	// price field, so pricing stays server side.
	body := `{"productId":"tee","color":"black","size":"M","quantity":2,"unitPrice":0.01}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/cart/items", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("expected user-1, got %s", captured.UserID)
	}
	if captured.Variant.ProductID != "tee" || captured.Variant.Size != "M" {
		t.Fatalf("unexpected variant: %+v", captured.Variant)
	}
	if captured.Quantity != 2 {
		t.Fatalf("unexpected quantity: %+v", captured)
	}
}

func TestCartHandlersAddItemInsufficientStock(t *testing.T) {
	svc := &stubCartService{
		addItemFn: func(context.Context, services.AddCartItemCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrInventoryInsufficientStock
		},
	}
	router := newCartRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/cart/items", `{"productId":"tee","quantity":99}`))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "insufficient_stock") {
		t.Fatalf("expected insufficient_stock code, got %s", rec.Body.String())
	}
}

func TestCartHandlersAddItemRejectsInvalidJSON(t *testing.T) {
	router := newCartRouter(&stubCartService{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/cart/items", "{not json"))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCartHandlersUpdateQuantity(t *testing.T) {
	var captured services.UpdateCartQuantityCommand
	svc := &stubCartService{
		updateQuantityFn: func(_ context.Context, cmd services.UpdateCartQuantityCommand) (services.Cart, error) {
			captured = cmd
			return services.Cart{ID: "cart-1"}, nil
		},
	}
	router := newCartRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPut, "/cart/items/quantity", `{"productId":"tee","color":"black","size":"M","quantity":3}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.Quantity != 3 || captured.Variant.Color != "black" {
		t.Fatalf("unexpected command: %+v", captured)
	}
}

func TestCartHandlersRemoveItemNotFound(t *testing.T) {
	svc := &stubCartService{
		removeItemFn: func(context.Context, services.RemoveCartItemCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartItemNotFound
		},
	}
	router := newCartRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodDelete, "/cart/items", `{"productId":"ghost"}`))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCartHandlersReplaceItems(t *testing.T) {
	var captured services.ReplaceCartItemsCommand
	svc := &stubCartService{
		replaceItemsFn: func(_ context.Context, cmd services.ReplaceCartItemsCommand) (services.Cart, error) {
			captured = cmd
			return services.Cart{ID: "cart-1"}, nil
		},
	}
	router := newCartRouter(svc)

	body := `{"items":[{"productId":"tee","quantity":1},{"productId":"hoodie","quantity":2}]}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPut, "/cart/items", body))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(captured.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(captured.Items))
	}
	if captured.Items[1].Variant.ProductID != "hoodie" || captured.Items[1].UserID != "user-1" {
		t.Fatalf("unexpected second item: %+v", captured.Items[1])
	}
}

func TestCartHandlersUpdateAddress(t *testing.T) {
	var captured services.UpdateShippingAddressCommand
	svc := &stubCartService{
		updateAddressFn: func(_ context.Context, cmd services.UpdateShippingAddressCommand) (services.Cart, error) {
			captured = cmd
			addr := services.Address{Street: cmd.Fields["street"], City: cmd.Fields["city"]}
			return services.Cart{ID: "cart-1", ShippingAddress: &addr}, nil
		},
	}
	router := newCartRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPut, "/cart/address", `{"street":"12 MG Road","city":"Bengaluru","pincode":"560001"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.Fields["street"] != "12 MG Road" || captured.Fields["pincode"] != "560001" {
		t.Fatalf("unexpected fields: %+v", captured.Fields)
	}
	var resp cartResponse
	decodeResponse(t, rec, &resp)
	if resp.Cart.ShippingAddress == nil || resp.Cart.ShippingAddress.City != "Bengaluru" {
		t.Fatalf("expected address echoed, got %+v", resp.Cart.ShippingAddress)
	}
}

func TestCartHandlersRequireAuthentication(t *testing.T) {
	handler := NewCartHandlers(nil, &stubCartService{})

	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	rec := httptest.NewRecorder()
	handler.getCart(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
