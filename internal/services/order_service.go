package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/marigold-commerce/api/internal/domain"
	"github.com/marigold-commerce/api/internal/repositories"
)

const (
	eventOrderCreated   = "order.created"
	eventOrderCancelled = "order.cancelled"
	eventOrderUpdated   = "order.status_updated"

	orderNumberPrefix  = "MG"
	orderNumberCounter = "orders"

	cancellationReasonMax = 500
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid arguments.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates no order matches the lookup.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderCartEmpty indicates the paid cart had no line items.
	ErrOrderCartEmpty = errors.New("order: cart is empty")
	// ErrOrderAddressIncomplete indicates the cart lacks a usable shipping
	// address. Order creation fails closed rather than shipping nowhere.
	ErrOrderAddressIncomplete = errors.New("order: shipping address incomplete")
	// ErrOrderNotCancellable indicates the order has progressed past the
	// point where cancellation is allowed.
	ErrOrderNotCancellable = errors.New("order: not cancellable in current status")
	// ErrOrderPaymentCaptured indicates cancellation was blocked because the
	// payment already settled; a refund flow is required instead.
	ErrOrderPaymentCaptured = errors.New("order: payment already captured")
	// ErrOrderInvalidTransition indicates the requested status change is not
	// in the fulfilment table.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
)

// orderTransitions is the fulfilment table. Cancellation is not listed; it
// has its own guards in Cancel.
var orderTransitions = map[domain.OrderStatus]domain.OrderStatus{
	domain.OrderStatusPlaced:     domain.OrderStatusProcessing,
	domain.OrderStatusProcessing: domain.OrderStatusShipped,
	domain.OrderStatusShipped:    domain.OrderStatusDelivered,
}

// OrderServiceDeps bundles collaborators for the order service.
type OrderServiceDeps struct {
	Orders    repositories.OrderRepository
	Carts     repositories.CartRepository
	Counters  repositories.CounterRepository
	Inventory InventoryService
	Invoices  InvoiceArchiver
	Notifier  Notifier
	Events    CommerceEventPublisher

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	carts     repositories.CartRepository
	counters  repositories.CounterRepository
	inventory InventoryService
	invoices  InvoiceArchiver
	notifier  Notifier
	events    CommerceEventPublisher
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:    deps.Orders,
		carts:     deps.Carts,
		counters:  deps.Counters,
		inventory: deps.Inventory,
		invoices:  deps.Invoices,
		notifier:  deps.Notifier,
		events:    deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// CreateFromPayment materialises the order for a completed payment. Creation
// is keyed by the payment's transactionId, so calling it again for the same
// payment returns the already-created order.
func (s *orderService) CreateFromPayment(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	record := cmd.Record
	if strings.TrimSpace(record.TransactionID) == "" {
		return Order{}, fmt.Errorf("%w: transaction id is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(record.UserID) == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	if existing, err := s.orders.FindByTransactionID(ctx, record.TransactionID); err == nil {
		return existing, nil
	} else if !isRepoNotFound(err) {
		return Order{}, fmt.Errorf("order create: lookup transaction: %w", err)
	}

	cartID := record.CartID
	if cartID == "" {
		cartID = record.UserID
	}
	cart, err := s.carts.GetByID(ctx, cartID)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, ErrOrderCartEmpty
		}
		return Order{}, fmt.Errorf("order create: load cart: %w", err)
	}
	if cart.Empty() {
		return Order{}, ErrOrderCartEmpty
	}
	if cart.ShippingAddress == nil || !cart.ShippingAddress.Complete() {
		return Order{}, ErrOrderAddressIncomplete
	}

	address := *cart.ShippingAddress
	if strings.TrimSpace(address.Country) == "" {
		address.Country = "India"
	}

	seq, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		return Order{}, fmt.Errorf("order create: next order number: %w", err)
	}

	now := s.clock()
	placedAt := now
	order := domain.Order{
		ID:              s.newID(),
		OrderNumber:     fmt.Sprintf("%s-%06d", orderNumberPrefix, seq),
		UserID:          record.UserID,
		CartID:          cart.ID,
		TransactionID:   record.TransactionID,
		Items:           orderLinesFromCart(cart.Items),
		Totals:          cart.Totals,
		PaymentMethod:   strings.TrimSpace(cmd.PaymentMethod),
		PaymentStatus:   record.Status,
		Status:          domain.OrderStatusPlaced,
		ShippingAddress: address,
		Timestamps:      domain.StatusTimestamps{Placed: &placedAt},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if order.PaymentMethod == "" {
		order.PaymentMethod = record.Gateway
	}

	created, err := s.orders.InsertForTransaction(ctx, order)
	if err != nil {
		return Order{}, fmt.Errorf("order create: persist: %w", err)
	}
	if created.ID != order.ID {
		// Lost the create race to a concurrent webhook delivery.
		return created, nil
	}

	if cart.ReservationID != "" {
		if _, err := s.inventory.CommitReservation(ctx, cart.ReservationID, created.ID); err != nil {
			s.logger(ctx, "order.reservation.commit_failed", map[string]any{
				"orderId":       created.ID,
				"reservationId": cart.ReservationID,
				"error":         err.Error(),
			})
		}
	}

	s.clearCart(ctx, cart, now)
	created = s.archiveInvoice(ctx, created)
	s.notify(ctx, Notification{
		UserID:  created.UserID,
		Kind:    "order_placed",
		Subject: "Order confirmed",
		Body:    fmt.Sprintf("Your order %s has been placed.", created.OrderNumber),
		Metadata: map[string]any{
			"orderId":     created.ID,
			"orderNumber": created.OrderNumber,
		},
	})
	s.emitOrderEvent(ctx, eventOrderCreated, created)

	return created, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if cmd.UserID != "" && order.UserID != cmd.UserID && !isPrivilegedActor(cmd.ActorRole) {
		return Order{}, ErrOrderNotFound
	}
	if cmd.ActorRole == "designer" && cmd.DesignerRef != "" && !orderHasDesigner(order, cmd.DesignerRef) {
		return Order{}, ErrOrderNotFound
	}

	if order.Status != domain.OrderStatusPlaced && order.Status != domain.OrderStatusProcessing {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotCancellable, order.Status)
	}
	if order.PaymentStatus == domain.PaymentStatusCompleted {
		return Order{}, ErrOrderPaymentCaptured
	}

	now := s.clock()
	cancelledAt := now
	order.Status = domain.OrderStatusCancelled
	order.Timestamps.Cancelled = &cancelledAt
	order.CancellationReason = sanitizeReason(cmd.Reason)
	order.CancelledBy = strings.TrimSpace(cmd.ActorRole)
	if order.CancelledBy == "" {
		order.CancelledBy = "customer"
	}
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, fmt.Errorf("order cancel: persist: %w", err)
	}

	if err := s.inventory.RestoreLines(ctx, reservationLinesFromOrder(order.Items), "order cancelled"); err != nil {
		s.logger(ctx, "order.cancel.restore_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}

	s.notify(ctx, Notification{
		UserID:  order.UserID,
		Kind:    "order_cancelled",
		Subject: "Order cancelled",
		Body:    fmt.Sprintf("Your order %s has been cancelled.", order.OrderNumber),
		Metadata: map[string]any{
			"orderId": order.ID,
			"reason":  order.CancellationReason,
		},
	})
	s.emitOrderEvent(ctx, eventOrderCancelled, order)

	return order, nil
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	switch cmd.Status {
	case domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered:
	case domain.OrderStatusCancelled:
		return Order{}, fmt.Errorf("%w: use cancel", ErrOrderInvalidTransition)
	default:
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}

	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}
	if orderTransitions[order.Status] != cmd.Status {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, order.Status, cmd.Status)
	}

	now := s.clock()
	stamp := now
	order.Status = cmd.Status
	switch cmd.Status {
	case domain.OrderStatusProcessing:
		order.Timestamps.Processing = &stamp
	case domain.OrderStatusShipped:
		order.Timestamps.Shipped = &stamp
	case domain.OrderStatusDelivered:
		order.Timestamps.Delivered = &stamp
	}
	if notes := strings.TrimSpace(freeTextPolicy.Sanitize(cmd.Notes)); notes != "" {
		order.Notes = notes
	}
	order.UpdatedAt = now

	if err := s.orders.Update(ctx, order); err != nil {
		return Order{}, fmt.Errorf("order update status: persist: %w", err)
	}

	s.emitOrderEvent(ctx, eventOrderUpdated, order)
	return order, nil
}

func (s *orderService) Get(ctx context.Context, orderID string, userID string) (Order, error) {
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	if userID != "" && order.UserID != userID {
		return Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *orderService) List(ctx context.Context, filter OrderFilter) (domain.CursorPage[Order], error) {
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, fmt.Errorf("order list: %w", err)
	}
	return page, nil
}

func (s *orderService) loadOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if isRepoNotFound(err) {
			return domain.Order{}, ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("order load: %w", err)
	}
	return order, nil
}

// clearCart empties the cart the order was built from. The reservation is
// already committed, so the cleared cart carries no reservation id.
func (s *orderService) clearCart(ctx context.Context, cart domain.Cart, now time.Time) {
	cart.Items = nil
	cart.Totals = domain.CartTotals{}
	cart.DiscountApplied = false
	cart.CouponCode = ""
	cart.ReservationID = ""
	cart.UpdatedAt = now
	if _, err := s.carts.Upsert(ctx, cart); err != nil {
		s.logger(ctx, "order.cart.clear_failed", map[string]any{
			"cartId": cart.ID,
			"error":  err.Error(),
		})
	}
}

func (s *orderService) archiveInvoice(ctx context.Context, order domain.Order) domain.Order {
	if s.invoices == nil {
		return order
	}
	url, err := s.invoices.Store(ctx, order)
	if err != nil {
		s.logger(ctx, "order.invoice.archive_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return order
	}
	order.InvoiceURL = url
	order.UpdatedAt = s.clock()
	if err := s.orders.Update(ctx, order); err != nil {
		s.logger(ctx, "order.invoice.link_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
	return order
}

func (s *orderService) notify(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger(ctx, "order.notify_failed", map[string]any{
			"userId": n.UserID,
			"kind":   n.Kind,
			"error":  err.Error(),
		})
	}
}

func (s *orderService) emitOrderEvent(ctx context.Context, eventType string, order domain.Order) {
	if s.events == nil {
		return
	}
	event := CommerceEvent{
		ID:         s.newID(),
		Type:       eventType,
		OccurredAt: s.clock(),
		UserID:     order.UserID,
		OrderID:    order.ID,
		Payload: map[string]any{
			"orderNumber": order.OrderNumber,
			"status":      string(order.Status),
			"total":       order.Totals.Total,
		},
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish_failed", map[string]any{
			"type":    eventType,
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func orderLinesFromCart(items []domain.CartLine) []domain.OrderLine {
	lines := make([]domain.OrderLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.OrderLine{
			Variant:     item.Variant,
			ProductName: item.Variant.ProductID,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			DesignerRef: item.DesignerRef,
		})
	}
	return lines
}

func reservationLinesFromOrder(items []domain.OrderLine) []domain.ReservationLine {
	lines := make([]domain.ReservationLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, domain.ReservationLine{
			Variant:  item.Variant,
			Quantity: item.Quantity,
		})
	}
	return lines
}

func orderHasDesigner(order domain.Order, designerRef string) bool {
	for _, item := range order.Items {
		if item.DesignerRef == designerRef {
			return true
		}
	}
	return false
}

func isPrivilegedActor(role string) bool {
	return strings.EqualFold(strings.TrimSpace(role), "admin")
}

// freeTextPolicy strips markup from operator and customer supplied text
// before it is stored and echoed back through the API.
var freeTextPolicy = bluemonday.StrictPolicy()

func sanitizeReason(reason string) string {
	reason = strings.TrimSpace(freeTextPolicy.Sanitize(reason))
	if len(reason) > cancellationReasonMax {
		cut := cancellationReasonMax
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	return reason
}
