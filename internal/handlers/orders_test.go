package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/marigold-commerce/api/internal/domain"
	"github.com/marigold-commerce/api/internal/services"
)

type stubOrderService struct {
	createFn       func(context.Context, services.CreateOrderCommand) (services.Order, error)
	cancelFn       func(context.Context, services.CancelOrderCommand) (services.Order, error)
	updateStatusFn func(context.Context, services.UpdateOrderStatusCommand) (services.Order, error)
	getFn          func(context.Context, string, string) (services.Order, error)
	listFn         func(context.Context, services.OrderFilter) (domain.CursorPage[services.Order], error)
}

func (s *stubOrderService) CreateFromPayment(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (services.Order, error) {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Get(ctx context.Context, orderID string, userID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID, userID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) List(ctx context.Context, filter services.OrderFilter) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, errors.New("not implemented")
}

var _ services.OrderService = (*stubOrderService)(nil)

func newOrderRouter(svc services.OrderService) chi.Router {
	handler := NewOrderHandlers(nil, svc)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	return router
}

func sampleOrder() services.Order {
	placed := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return services.Order{
		ID:            "order-1",
		OrderNumber:   "MG-000001",
		UserID:        "user-1",
		TransactionID: "TXN-1",
		Status:        domain.OrderStatusPlaced,
		PaymentStatus: domain.PaymentStatusCompleted,
		PaymentMethod: "razorpay",
		Items: []services.OrderLine{
			{Variant: services.VariantKey{ProductID: "tee", Color: "black", Size: "M"}, Quantity: 2, UnitPrice: 250},
		},
		Totals:          services.CartTotals{Subtotal: 500, Shipping: 99, Total: 599},
		ShippingAddress: services.Address{Street: "12 MG Road", City: "Bengaluru", State: "Karnataka", Pincode: "560001", Country: "India"},
		Timestamps:      domain.StatusTimestamps{Placed: &placed},
		CreatedAt:       placed,
	}
}

func TestOrderHandlersListOrders(t *testing.T) {
	var captured services.OrderFilter
	svc := &stubOrderService{
		listFn: func(_ context.Context, filter services.OrderFilter) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{
				Items:         []services.Order{sampleOrder()},
				NextPageToken: "next-token",
			}, nil
		},
	}
	router := newOrderRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/orders?status=Placed,Processing&pageSize=10", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("expected owner filter, got %s", captured.UserID)
	}
	if len(captured.Status) != 2 || captured.Status[0] != domain.OrderStatusPlaced {
		t.Fatalf("unexpected status filter: %+v", captured.Status)
	}
	if captured.Pagination.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", captured.Pagination.PageSize)
	}

	var resp orderListResponse
	decodeResponse(t, rec, &resp)
	if len(resp.Orders) != 1 || resp.Orders[0].OrderNumber != "MG-000001" {
		t.Fatalf("unexpected orders: %+v", resp.Orders)
	}
	if resp.NextPageToken != "next-token" {
		t.Fatalf("expected next page token, got %s", resp.NextPageToken)
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(_ context.Context, orderID string, userID string) (services.Order, error) {
			if orderID != "order-1" || userID != "user-1" {
				t.Fatalf("unexpected lookup: %s %s", orderID, userID)
			}
			return sampleOrder(), nil
		},
	}
	router := newOrderRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/orders/order-1", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp orderResponse
	decodeResponse(t, rec, &resp)
	if resp.Order.ID != "order-1" || resp.Order.Status != "Placed" {
		t.Fatalf("unexpected order: %+v", resp.Order)
	}
	if resp.Order.ShippingAddress.City != "Bengaluru" {
		t.Fatalf("expected shipping address, got %+v", resp.Order.ShippingAddress)
	}
	if resp.Order.PlacedAt == "" {
		t.Fatalf("expected placedAt timestamp")
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	svc := &stubOrderService{
		getFn: func(context.Context, string, string) (services.Order, error) {
			return services.Order{}, services.ErrOrderNotFound
		},
	}
	router := newOrderRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodGet, "/orders/ghost", ""))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestOrderHandlersCancelOrder(t *testing.T) {
	var captured services.CancelOrderCommand
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = domain.OrderStatusCancelled
			order.CancellationReason = cmd.Reason
			return order, nil
		},
	}
	router := newOrderRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/orders/order-1/cancel", `{"reason":"changed my mind"}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if captured.OrderID != "order-1" || captured.UserID != "user-1" {
		t.Fatalf("unexpected command: %+v", captured)
	}
	if captured.Reason != "changed my mind" {
		t.Fatalf("expected reason propagated, got %q", captured.Reason)
	}
	var resp orderResponse
	decodeResponse(t, rec, &resp)
	if resp.Order.Status != "Cancelled" {
		t.Fatalf("expected cancelled status, got %s", resp.Order.Status)
	}
}

func TestOrderHandlersCancelWithoutBody(t *testing.T) {
	svc := &stubOrderService{
		cancelFn: func(_ context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			if cmd.Reason != "" {
				t.Fatalf("expected empty reason, got %q", cmd.Reason)
			}
			return sampleOrder(), nil
		},
	}
	router := newOrderRouter(svc)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/orders/order-1/cancel", ""))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without body, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestOrderHandlersCancelErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not cancellable", services.ErrOrderNotCancellable, http.StatusConflict, "order_not_cancellable"},
		{"payment captured", services.ErrOrderPaymentCaptured, http.StatusConflict, "payment_captured"},
		{"not found", services.ErrOrderNotFound, http.StatusNotFound, "order_not_found"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubOrderService{
				cancelFn: func(context.Context, services.CancelOrderCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			router := newOrderRouter(svc)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, authedRequest(t, http.MethodPost, "/orders/order-1/cancel", ""))

			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
		})
	}
}

func TestOrderHandlersRequireAuthentication(t *testing.T) {
	handler := NewOrderHandlers(nil, &stubOrderService{})

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	rec := httptest.NewRecorder()
	handler.listOrders(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
