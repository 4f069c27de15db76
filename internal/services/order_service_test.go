package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	domain "github.com/marigold-commerce/api/internal/domain"
	"github.com/marigold-commerce/api/internal/repositories"
)

// memOrderRepository keeps orders in memory keyed by transactionId so the
// create-only InsertForTransaction semantics can be exercised.
type memOrderRepository struct {
	byID  map[string]domain.Order
	byTxn map[string]domain.Order
}

func newMemOrderRepository(seed ...domain.Order) *memOrderRepository {
	repo := &memOrderRepository{byID: map[string]domain.Order{}, byTxn: map[string]domain.Order{}}
	for _, order := range seed {
		repo.byID[order.ID] = order
		repo.byTxn[order.TransactionID] = order
	}
	return repo
}

func (r *memOrderRepository) InsertForTransaction(ctx context.Context, order domain.Order) (domain.Order, error) {
	if existing, ok := r.byTxn[order.TransactionID]; ok {
		return existing, nil
	}
	r.byID[order.ID] = order
	r.byTxn[order.TransactionID] = order
	return order, nil
}

func (r *memOrderRepository) Update(ctx context.Context, order domain.Order) error {
	if _, ok := r.byID[order.ID]; !ok {
		return notFoundErr(order.ID)
	}
	r.byID[order.ID] = order
	r.byTxn[order.TransactionID] = order
	return nil
}

func (r *memOrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, ok := r.byID[orderID]
	if !ok {
		return domain.Order{}, notFoundErr(orderID)
	}
	return order, nil
}

func (r *memOrderRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error) {
	order, ok := r.byTxn[transactionID]
	if !ok {
		return domain.Order{}, notFoundErr(transactionID)
	}
	return order, nil
}

func (r *memOrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	var items []domain.Order
	for _, order := range r.byID {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		items = append(items, order)
	}
	return domain.CursorPage[domain.Order]{Items: items}, nil
}

type stubCounterRepository struct {
	next int64
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	s.next += step
	return s.next, nil
}

func (s *stubCounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	return nil
}

type captureNotifier struct {
	sent []Notification
	err  error
}

func (n *captureNotifier) Notify(ctx context.Context, notification Notification) error {
	n.sent = append(n.sent, notification)
	return n.err
}

type stubInvoiceArchiver struct {
	url string
	err error
}

func (a *stubInvoiceArchiver) Store(ctx context.Context, order domain.Order) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	if a.url != "" {
		return a.url, nil
	}
	return "https://invoices.example/" + order.ID + ".pdf", nil
}

type orderTestEnv struct {
	orders    *memOrderRepository
	carts     *stubCartRepository
	counters  *stubCounterRepository
	inventory *stubInventoryService
	invoices  *stubInvoiceArchiver
	notifier  *captureNotifier
	events    *capturePublisher
	svc       OrderService
}

func newOrderTestEnv(t *testing.T, orders *memOrderRepository) *orderTestEnv {
	t.Helper()
	env := &orderTestEnv{
		orders:    orders,
		carts:     &stubCartRepository{},
		counters:  &stubCounterRepository{},
		inventory: &stubInventoryService{},
		invoices:  &stubInvoiceArchiver{},
		notifier:  &captureNotifier{},
		events:    &capturePublisher{},
	}
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:      orders,
		Carts:       env.carts,
		Counters:    env.counters,
		Inventory:   env.inventory,
		Invoices:    env.invoices,
		Notifier:    env.notifier,
		Events:      env.events,
		Clock:       func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
		IDGenerator: func() string { return "order-1" },
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	env.svc = svc
	return env
}

func checkoutCart(userID string) domain.Cart {
	return domain.Cart{
		ID:     userID,
		UserID: userID,
		Items: []domain.CartLine{
			{Variant: testVariant("p1"), Quantity: 2, UnitPrice: 500},
		},
		Totals:        domain.CartTotals{Subtotal: 1000, Shipping: 99, Total: 1099},
		ReservationID: "RES-1",
		ShippingAddress: &domain.Address{
			Street:  "12 MG Road",
			City:    "Bengaluru",
			State:   "Karnataka",
			Pincode: "560001",
		},
	}
}

func completedPayment(transactionID, userID string) domain.PaymentRecord {
	return domain.PaymentRecord{
		TransactionID: transactionID,
		UserID:        userID,
		CartID:        userID,
		Gateway:       "razorpay",
		Amount:        1099,
		Status:        domain.PaymentStatusCompleted,
	}
}

func TestOrderCreateFromPayment(t *testing.T) {
	env := newOrderTestEnv(t, newMemOrderRepository())
	cart := checkoutCart("user-1")
	env.carts.getByIDFn = func(ctx context.Context, cartID string) (domain.Cart, error) {
		return cart, nil
	}
	var cleared *domain.Cart
	env.carts.upsertFn = func(ctx context.Context, c domain.Cart) (domain.Cart, error) {
		cleared = &c
		return c, nil
	}
	var committedRes, committedRef string
	env.inventory.commitFn = func(ctx context.Context, reservationID, orderRef string) (Reservation, error) {
		committedRes, committedRef = reservationID, orderRef
		return Reservation{ID: reservationID, Status: domain.ReservationStatusCommitted}, nil
	}

	order, err := env.svc.CreateFromPayment(context.Background(), CreateOrderCommand{
		Record: completedPayment("TXN1", "user-1"),
	})
	if err != nil {
		t.Fatalf("create from payment: %v", err)
	}
	if order.OrderNumber != "MG-000001" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.Status != domain.OrderStatusPlaced {
		t.Fatalf("expected Placed, got %s", order.Status)
	}
	if order.PaymentStatus != domain.PaymentStatusCompleted {
		t.Fatalf("expected payment status carried over, got %s", order.PaymentStatus)
	}
	if order.PaymentMethod != "razorpay" {
		t.Fatalf("expected gateway as payment method, got %q", order.PaymentMethod)
	}
	if order.ShippingAddress.Country != "India" {
		t.Fatalf("expected country defaulted, got %q", order.ShippingAddress.Country)
	}
	if len(order.Items) != 1 || order.Items[0].Quantity != 2 || order.Items[0].UnitPrice != 500 {
		t.Fatalf("unexpected lines %+v", order.Items)
	}
	if order.Timestamps.Placed == nil {
		t.Fatalf("expected Placed timestamp")
	}
	if !strings.HasPrefix(order.InvoiceURL, "https://invoices.example/") {
		t.Fatalf("expected invoice archived, got %q", order.InvoiceURL)
	}
	if committedRes != "RES-1" || committedRef != order.ID {
		t.Fatalf("expected reservation committed to order, got %q %q", committedRes, committedRef)
	}
	if cleared == nil || len(cleared.Items) != 0 || cleared.ReservationID != "" {
		t.Fatalf("expected cart cleared, got %+v", cleared)
	}
	if len(env.notifier.sent) != 1 || env.notifier.sent[0].Kind != "order_placed" {
		t.Fatalf("expected order_placed notification, got %+v", env.notifier.sent)
	}
	if len(env.events.events) != 1 || env.events.events[0].Type != "order.created" {
		t.Fatalf("expected order.created event, got %+v", env.events.events)
	}
}

func TestOrderCreateFromPaymentIsIdempotent(t *testing.T) {
	existing := domain.Order{ID: "order-existing", TransactionID: "TXN1", UserID: "user-1", Status: domain.OrderStatusPlaced}
	env := newOrderTestEnv(t, newMemOrderRepository(existing))

	order, err := env.svc.CreateFromPayment(context.Background(), CreateOrderCommand{
		Record: completedPayment("TXN1", "user-1"),
	})
	if err != nil {
		t.Fatalf("create from payment: %v", err)
	}
	if order.ID != "order-existing" {
		t.Fatalf("expected existing order returned, got %q", order.ID)
	}
	if len(env.events.events) != 0 || len(env.notifier.sent) != 0 {
		t.Fatalf("replay must not notify or emit")
	}
}

func TestOrderCreateRequiresCompleteAddress(t *testing.T) {
	env := newOrderTestEnv(t, newMemOrderRepository())
	cart := checkoutCart("user-1")
	cart.ShippingAddress.Pincode = ""
	env.carts.getByIDFn = func(ctx context.Context, cartID string) (domain.Cart, error) {
		return cart, nil
	}

	_, err := env.svc.CreateFromPayment(context.Background(), CreateOrderCommand{
		Record: completedPayment("TXN1", "user-1"),
	})
	if !errors.Is(err, ErrOrderAddressIncomplete) {
		t.Fatalf("expected ErrOrderAddressIncomplete, got %v", err)
	}

	cart.ShippingAddress = nil
	if _, err := env.svc.CreateFromPayment(context.Background(), CreateOrderCommand{
		Record: completedPayment("TXN1", "user-1"),
	}); !errors.Is(err, ErrOrderAddressIncomplete) {
		t.Fatalf("expected ErrOrderAddressIncomplete for missing address, got %v", err)
	}
}

func TestOrderCreateRequiresNonEmptyCart(t *testing.T) {
	env := newOrderTestEnv(t, newMemOrderRepository())
	env.carts.getByIDFn = func(ctx context.Context, cartID string) (domain.Cart, error) {
		return domain.Cart{ID: cartID, UserID: cartID}, nil
	}

	_, err := env.svc.CreateFromPayment(context.Background(), CreateOrderCommand{
		Record: completedPayment("TXN1", "user-1"),
	})
	if !errors.Is(err, ErrOrderCartEmpty) {
		t.Fatalf("expected ErrOrderCartEmpty, got %v", err)
	}
}

func TestOrderCreateSurvivesInvoiceAndNotifyFailures(t *testing.T) {
	env := newOrderTestEnv(t, newMemOrderRepository())
	env.carts.getByIDFn = func(ctx context.Context, cartID string) (domain.Cart, error) {
		return checkoutCart("user-1"), nil
	}
	env.invoices.err = errors.New("bucket unavailable")
	env.notifier.err = errors.New("smtp down")

	order, err := env.svc.CreateFromPayment(context.Background(), CreateOrderCommand{
		Record: completedPayment("TXN1", "user-1"),
	})
	if err != nil {
		t.Fatalf("side-channel failures must not fail the order: %v", err)
	}
	if order.InvoiceURL != "" {
		t.Fatalf("expected no invoice url, got %q", order.InvoiceURL)
	}
}

func placedOrder(transactionID string) domain.Order {
	return domain.Order{
		ID:            "order-" + transactionID,
		OrderNumber:   "MG-000001",
		UserID:        "user-1",
		TransactionID: transactionID,
		Status:        domain.OrderStatusPlaced,
		PaymentStatus: domain.PaymentStatusPending,
		Items: []domain.OrderLine{
			{Variant: testVariant("p1"), ProductName: "p1", Quantity: 2, UnitPrice: 500},
		},
		Totals: domain.CartTotals{Subtotal: 1000, Shipping: 99, Total: 1099},
	}
}

func TestOrderCancelRestoresStock(t *testing.T) {
	order := placedOrder("TXN1")
	env := newOrderTestEnv(t, newMemOrderRepository(order))
	var restored []ReservationLine
	var restoreReason string
	env.inventory.restoreFn = func(ctx context.Context, lines []ReservationLine, reason string) error {
		restored = lines
		restoreReason = reason
		return nil
	}

	cancelled, err := env.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID: order.ID,
		UserID:  "user-1",
		Reason:  "changed my mind",
	})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected Cancelled, got %s", cancelled.Status)
	}
	if cancelled.CancelledBy != "customer" {
		t.Fatalf("expected customer actor default, got %q", cancelled.CancelledBy)
	}
	if cancelled.Timestamps.Cancelled == nil {
		t.Fatalf("expected Cancelled timestamp")
	}
	if len(restored) != 1 || restored[0].Quantity != 2 || restoreReason != "order cancelled" {
		t.Fatalf("expected stock restored, got %+v %q", restored, restoreReason)
	}
	if len(env.notifier.sent) != 1 || env.notifier.sent[0].Kind != "order_cancelled" {
		t.Fatalf("expected order_cancelled notification, got %+v", env.notifier.sent)
	}
}

func TestOrderCancelGuards(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.Order)
		cmd    CancelOrderCommand
		want   error
	}{
		{
			name:   "foreign user",
			mutate: func(o *domain.Order) {},
			cmd:    CancelOrderCommand{UserID: "user-2"},
			want:   ErrOrderNotFound,
		},
		{
			name:   "shipped order",
			mutate: func(o *domain.Order) { o.Status = domain.OrderStatusShipped },
			cmd:    CancelOrderCommand{UserID: "user-1"},
			want:   ErrOrderNotCancellable,
		},
		{
			name:   "delivered order",
			mutate: func(o *domain.Order) { o.Status = domain.OrderStatusDelivered },
			cmd:    CancelOrderCommand{UserID: "user-1"},
			want:   ErrOrderNotCancellable,
		},
		{
			name:   "already cancelled",
			mutate: func(o *domain.Order) { o.Status = domain.OrderStatusCancelled },
			cmd:    CancelOrderCommand{UserID: "user-1"},
			want:   ErrOrderNotCancellable,
		},
		{
			name:   "payment captured",
			mutate: func(o *domain.Order) { o.PaymentStatus = domain.PaymentStatusCompleted },
			cmd:    CancelOrderCommand{UserID: "user-1"},
			want:   ErrOrderPaymentCaptured,
		},
		{
			name:   "designer without matching line",
			mutate: func(o *domain.Order) {},
			cmd:    CancelOrderCommand{UserID: "user-1", ActorRole: "designer", DesignerRef: "designer-7"},
			want:   ErrOrderNotFound,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := placedOrder("TXN1")
			tc.mutate(&order)
			env := newOrderTestEnv(t, newMemOrderRepository(order))
			tc.cmd.OrderID = order.ID

			if _, err := env.svc.Cancel(context.Background(), tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestOrderCancelByAdminSkipsOwnershipCheck(t *testing.T) {
	order := placedOrder("TXN1")
	env := newOrderTestEnv(t, newMemOrderRepository(order))

	cancelled, err := env.svc.Cancel(context.Background(), CancelOrderCommand{
		OrderID:   order.ID,
		UserID:    "ops-user",
		ActorRole: "admin",
		Reason:    "fraud review",
	})
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if cancelled.CancelledBy != "admin" {
		t.Fatalf("expected admin actor recorded, got %q", cancelled.CancelledBy)
	}
}

func TestOrderUpdateStatusFollowsTransitionTable(t *testing.T) {
	cases := []struct {
		name string
		from domain.OrderStatus
		to   domain.OrderStatus
		ok   bool
	}{
		{"placed to processing", domain.OrderStatusPlaced, domain.OrderStatusProcessing, true},
		{"processing to shipped", domain.OrderStatusProcessing, domain.OrderStatusShipped, true},
		{"shipped to delivered", domain.OrderStatusShipped, domain.OrderStatusDelivered, true},
		{"placed to shipped", domain.OrderStatusPlaced, domain.OrderStatusShipped, false},
		{"placed to delivered", domain.OrderStatusPlaced, domain.OrderStatusDelivered, false},
		{"delivered to processing", domain.OrderStatusDelivered, domain.OrderStatusProcessing, false},
		{"cancelled to processing", domain.OrderStatusCancelled, domain.OrderStatusProcessing, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := placedOrder("TXN1")
			order.Status = tc.from
			env := newOrderTestEnv(t, newMemOrderRepository(order))

			updated, err := env.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
				OrderID: order.ID,
				Status:  tc.to,
			})
			if tc.ok {
				if err != nil {
					t.Fatalf("transition %s -> %s: %v", tc.from, tc.to, err)
				}
				if updated.Status != tc.to {
					t.Fatalf("expected %s, got %s", tc.to, updated.Status)
				}
				return
			}
			if !errors.Is(err, ErrOrderInvalidTransition) {
				t.Fatalf("expected ErrOrderInvalidTransition for %s -> %s, got %v", tc.from, tc.to, err)
			}
		})
	}
}

func TestOrderUpdateStatusRejectsCancelShortcut(t *testing.T) {
	order := placedOrder("TXN1")
	env := newOrderTestEnv(t, newMemOrderRepository(order))

	_, err := env.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: order.ID,
		Status:  domain.OrderStatusCancelled,
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
	}
}

func TestOrderUpdateStatusStampsTimestamps(t *testing.T) {
	order := placedOrder("TXN1")
	env := newOrderTestEnv(t, newMemOrderRepository(order))

	updated, err := env.svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID: order.ID,
		Status:  domain.OrderStatusProcessing,
		Notes:   "picked by warehouse",
	})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if updated.Timestamps.Processing == nil {
		t.Fatalf("expected Processing timestamp")
	}
	if updated.Notes != "picked by warehouse" {
		t.Fatalf("expected notes stored, got %q", updated.Notes)
	}
	if len(env.events.events) != 1 || env.events.events[0].Type != "order.status_updated" {
		t.Fatalf("expected order.status_updated event, got %+v", env.events.events)
	}
}

func TestOrderGetEnforcesOwnership(t *testing.T) {
	order := placedOrder("TXN1")
	env := newOrderTestEnv(t, newMemOrderRepository(order))

	if _, err := env.svc.Get(context.Background(), order.ID, "user-1"); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := env.svc.Get(context.Background(), order.ID, "user-2"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for foreign user, got %v", err)
	}
}

func TestSanitizeReasonTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("a", cancellationReasonMax-1) + "₹"
	got := sanitizeReason(long)
	if len(got) > cancellationReasonMax {
		t.Fatalf("expected at most %d bytes, got %d", cancellationReasonMax, len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune")
	}
	if got != strings.Repeat("a", cancellationReasonMax-1) {
		t.Fatalf("expected the partial rune dropped, got %d bytes", len(got))
	}
}

func TestSanitizeReasonStripsMarkup(t *testing.T) {
	got := sanitizeReason("  <script>alert(1)</script>changed my mind  ")
	if got != "changed my mind" {
		t.Fatalf("expected markup stripped and spaces trimmed, got %q", got)
	}
}
