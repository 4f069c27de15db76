package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/marigold-commerce/api/internal/domain"
	"github.com/marigold-commerce/api/internal/payments"
	"github.com/marigold-commerce/api/internal/repositories"
)

const (
	eventPaymentInitiated = "payment.initiated"
	eventPaymentCompleted = "payment.completed"
	eventPaymentFailed    = "payment.failed"

	// gatewayCOD settles offline. No provider session is opened; the order
	// is created synchronously and the record stays Pending until delivery.
	gatewayCOD = "cod"
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid arguments.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates no payment record matches the lookup.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentCartEmpty indicates the user's cart has nothing to pay for.
	ErrPaymentCartEmpty = errors.New("payment: cart is empty")
	// ErrPaymentGatewayUnsupported indicates no provider serves the gateway.
	ErrPaymentGatewayUnsupported = errors.New("payment: unsupported gateway")
)

// PaymentServiceDeps bundles collaborators for the payment service.
type PaymentServiceDeps struct {
	Payments   repositories.PaymentRepository
	Carts      repositories.CartRepository
	Orders     OrderService
	Inventory  InventoryService
	Gateways   *payments.Manager
	Events     CommerceEventPublisher
	SessionTTL time.Duration

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	payments   repositories.PaymentRepository
	carts      repositories.CartRepository
	orders     OrderService
	inventory  InventoryService
	gateways   *payments.Manager
	events     CommerceEventPublisher
	sessionTTL time.Duration
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService
// implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("payment service: cart repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order service is required")
	}
	if deps.Gateways == nil {
		return nil, errors.New("payment service: gateway manager is required")
	}

	sessionTTL := deps.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = 30 * time.Minute
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

	return &paymentService{
		payments:   deps.Payments,
		carts:      deps.Carts,
		orders:     deps.Orders,
		inventory:  deps.Inventory,
		gateways:   deps.Gateways,
		events:     deps.Events,
		sessionTTL: sessionTTL,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *paymentService) Initiate(ctx context.Context, cmd InitiatePaymentCommand) (PaymentSession, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return PaymentSession{}, fmt.Errorf("%w: user id is required", ErrPaymentInvalidInput)
	}
	gateway := strings.TrimSpace(strings.ToLower(cmd.Gateway))
	if gateway != "" && gateway != gatewayCOD && !s.gateways.Supports(gateway) {
		return PaymentSession{}, fmt.Errorf("%w: %s", ErrPaymentGatewayUnsupported, gateway)
	}

	cart, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return PaymentSession{}, ErrPaymentCartEmpty
		}
		return PaymentSession{}, fmt.Errorf("payment initiate: load cart: %w", err)
	}
	if cart.Empty() {
		return PaymentSession{}, ErrPaymentCartEmpty
	}
	if cart.Totals.Total <= 0 {
		return PaymentSession{}, fmt.Errorf("%w: cart total must be positive", ErrPaymentInvalidInput)
	}

	now := s.clock()
	transactionID := s.newID()

	if gateway == gatewayCOD {
		return s.initiateCashOnDelivery(ctx, transactionID, cart, now)
	}

	session, err := s.gateways.CreateSession(ctx, gateway, payments.SessionRequest{
		TransactionID: transactionID,
		UserID:        userID,
		Amount:        cart.Totals.Total,
		Currency:      cart.Currency,
		Metadata:      map[string]string{"cartId": cart.ID},
	})
	if err != nil {
		return PaymentSession{}, fmt.Errorf("payment initiate: create gateway session: %w", err)
	}

	expiresAt := session.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.sessionTTL)
	}

	record := domain.PaymentRecord{
		ID:             s.newID(),
		TransactionID:  transactionID,
		GatewayOrderID: session.GatewayOrderID,
		UserID:         userID,
		CartID:         cart.ID,
		Gateway:        session.Gateway,
		Amount:         cart.Totals.Total,
		Currency:       cart.Currency,
		Status:         domain.PaymentStatusInitiated,
		RedirectURL:    session.RedirectURL,
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.payments.Insert(ctx, record); err != nil {
		return PaymentSession{}, fmt.Errorf("payment initiate: persist record: %w", err)
	}

	s.emitPaymentEvent(ctx, eventPaymentInitiated, record)

	return PaymentSession{
		TransactionID:  transactionID,
		Gateway:        record.Gateway,
		GatewayOrderID: record.GatewayOrderID,
		Amount:         record.Amount,
		Currency:       record.Currency,
		RedirectURL:    record.RedirectURL,
		Record:         record,
	}, nil
}

// initiateCashOnDelivery records the payment and creates the order in one
// step. The record stays Pending; settlement happens on delivery, outside
// this system.
func (s *paymentService) initiateCashOnDelivery(ctx context.Context, transactionID string, cart domain.Cart, now time.Time) (PaymentSession, error) {
	record := domain.PaymentRecord{
		ID:            s.newID(),
		TransactionID: transactionID,
		UserID:        cart.UserID,
		CartID:        cart.ID,
		Gateway:       gatewayCOD,
		Amount:        cart.Totals.Total,
		Currency:      cart.Currency,
		Status:        domain.PaymentStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.payments.Insert(ctx, record); err != nil {
		return PaymentSession{}, fmt.Errorf("payment initiate: persist record: %w", err)
	}
	s.emitPaymentEvent(ctx, eventPaymentInitiated, record)

	order, err := s.orders.CreateFromPayment(ctx, CreateOrderCommand{Record: record, PaymentMethod: gatewayCOD})
	if err != nil {
		return PaymentSession{}, fmt.Errorf("payment initiate: create order: %w", err)
	}
	record.OrderID = order.ID
	record.UpdatedAt = now
	if err := s.payments.Update(ctx, record); err != nil {
		s.logger(ctx, "payment.order.link_failed", map[string]any{
			"transactionId": record.TransactionID,
			"orderId":       order.ID,
			"error":         err.Error(),
		})
	}
	return PaymentSession{
		TransactionID: transactionID,
		Gateway:       gatewayCOD,
		Amount:        record.Amount,
		Currency:      record.Currency,
		Record:        record,
	}, nil
}

// HandleWebhook reconciles one gateway callback into the payment record and,
// on a completed payment, into an order. Every outcome it returns carries
// Acknowledged=true: gateways must never be told to retry, whatever happened.
func (s *paymentService) HandleWebhook(ctx context.Context, cmd PaymentWebhookCommand) (PaymentWebhookOutcome, error) {
	acknowledged := PaymentWebhookOutcome{Acknowledged: true}

	event, err := s.gateways.ParseWebhook(ctx, cmd.Gateway, cmd.Body, headersOf(cmd.Headers))
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrInvalidSignature):
			s.logger(ctx, "payment.webhook.invalid_signature", map[string]any{
				"gateway": cmd.Gateway,
			})
			acknowledged.Reason = "invalid signature"
		case errors.Is(err, payments.ErrMalformedPayload):
			s.logger(ctx, "payment.webhook.malformed", map[string]any{
				"gateway": cmd.Gateway,
			})
			acknowledged.Reason = "malformed payload"
		default:
			s.logger(ctx, "payment.webhook.rejected", map[string]any{
				"gateway": cmd.Gateway,
				"error":   err.Error(),
			})
			acknowledged.Reason = "unprocessable callback"
		}
		return acknowledged, nil
	}

	record, err := s.resolveRecord(ctx, event)
	if err != nil {
		if isRepoNotFound(err) {
			s.logger(ctx, "payment.webhook.unknown_transaction", map[string]any{
				"gateway":       event.Gateway,
				"transactionId": event.TransactionID,
				"orderRef":      event.GatewayOrderID,
			})
			acknowledged.Reason = "unknown transaction"
			return acknowledged, nil
		}
		return acknowledged, fmt.Errorf("payment webhook: resolve record: %w", err)
	}

	result, err := s.applyStatus(ctx, record.TransactionID, event.Status, event.FailureReason)
	if err != nil {
		return acknowledged, fmt.Errorf("payment webhook: transition: %w", err)
	}

	outcome := PaymentWebhookOutcome{
		Acknowledged: true,
		Applied:      result.Applied,
		Record:       result.Record,
	}
	if !result.Applied {
		outcome.Reason = "already settled"
		return outcome, nil
	}

	switch event.Status {
	case domain.PaymentStatusCompleted:
		s.emitPaymentEvent(ctx, eventPaymentCompleted, result.Record)
		order, rec, reason := s.finalizeOrder(ctx, result.Record)
		outcome.Record = rec
		outcome.Order = order
		outcome.Reason = reason
	case domain.PaymentStatusFailed:
		s.emitPaymentEvent(ctx, eventPaymentFailed, result.Record)
	}
	return outcome, nil
}

func (s *paymentService) GetByTransactionID(ctx context.Context, transactionID string, userID string) (PaymentRecord, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return PaymentRecord{}, fmt.Errorf("%w: transaction id is required", ErrPaymentInvalidInput)
	}
	record, err := s.payments.FindByTransactionID(ctx, transactionID)
	if err != nil {
		if isRepoNotFound(err) {
			return PaymentRecord{}, ErrPaymentNotFound
		}
		return PaymentRecord{}, fmt.Errorf("payment get: %w", err)
	}
	if userID != "" && record.UserID != userID {
		return PaymentRecord{}, ErrPaymentNotFound
	}
	return record, nil
}

func (s *paymentService) List(ctx context.Context, filter PaymentFilter) (domain.CursorPage[PaymentRecord], error) {
	page, err := s.payments.List(ctx, repositories.PaymentListFilter{
		UserID:     strings.TrimSpace(filter.UserID),
		Gateway:    strings.TrimSpace(strings.ToLower(filter.Gateway)),
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[PaymentRecord]{}, fmt.Errorf("payment list: %w", err)
	}
	return page, nil
}

// ExpireStale fails sessions still open past their expiry. Before giving up
// on a session the gateway is asked for its side of the story, so a payment
// whose webhook never arrived still completes.
func (s *paymentService) ExpireStale(ctx context.Context, limit int) (int, error) {
	now := s.clock()
	stale, err := s.payments.ListStale(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("payment expire: list stale: %w", err)
	}

	expired := 0
	for _, record := range stale {
		if record.Gateway == gatewayCOD {
			continue
		}
		status, err := s.gateways.VerifyStatus(ctx, record.Gateway, gatewayRef(record))
		if err != nil {
			s.logger(ctx, "payment.expire.verify_failed", map[string]any{
				"transactionId": record.TransactionID,
				"gateway":       record.Gateway,
				"error":         err.Error(),
			})
			status.Status = domain.PaymentStatusFailed
		}

		switch status.Status {
		case domain.PaymentStatusCompleted:
			result, err := s.applyStatus(ctx, record.TransactionID, domain.PaymentStatusCompleted, "")
			if err != nil {
				return expired, fmt.Errorf("payment expire: complete %s: %w", record.TransactionID, err)
			}
			if result.Applied {
				s.emitPaymentEvent(ctx, eventPaymentCompleted, result.Record)
				s.finalizeOrder(ctx, result.Record)
			}
		case domain.PaymentStatusPending:
			// Still in flight on the gateway side; leave it for the next run.
			continue
		default:
			result, err := s.applyStatus(ctx, record.TransactionID, domain.PaymentStatusFailed, "session expired")
			if err != nil {
				return expired, fmt.Errorf("payment expire: fail %s: %w", record.TransactionID, err)
			}
			if result.Applied {
				expired++
				s.emitPaymentEvent(ctx, eventPaymentFailed, result.Record)
				s.releaseCartReservation(ctx, result.Record)
			}
		}
	}
	return expired, nil
}

// RetryPendingOrders re-attempts order creation for completed payments whose
// first attempt failed. Creation is keyed by transactionId so retries are
// harmless.
func (s *paymentService) RetryPendingOrders(ctx context.Context, limit int) (int, error) {
	pending, err := s.payments.ListOrderPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("payment retry: list pending: %w", err)
	}

	created := 0
	for _, record := range pending {
		if order, _, reason := s.finalizeOrder(ctx, record); order != nil {
			created++
		} else {
			s.logger(ctx, "payment.retry.order_failed", map[string]any{
				"transactionId": record.TransactionID,
				"reason":        reason,
			})
		}
	}
	return created, nil
}

func (s *paymentService) resolveRecord(ctx context.Context, event payments.WebhookEvent) (domain.PaymentRecord, error) {
	if event.TransactionID != "" {
		record, err := s.payments.FindByTransactionID(ctx, event.TransactionID)
		if err == nil {
			return record, nil
		}
		if !isRepoNotFound(err) {
			return domain.PaymentRecord{}, err
		}
	}
	if event.GatewayOrderID != "" {
		return s.payments.FindByGatewayOrderID(ctx, event.GatewayOrderID)
	}
	return domain.PaymentRecord{}, &repositoryNotFoundError{ref: event.TransactionID}
}

// applyStatus moves a record to the given status unless it is already
// terminal. The guard runs against the persisted record inside the store's
// transaction so redelivered webhooks settle exactly once.
func (s *paymentService) applyStatus(ctx context.Context, transactionID string, status domain.PaymentStatus, failureReason string) (repositories.PaymentTransitionResult, error) {
	now := s.clock()
	return s.payments.Transition(ctx, transactionID, func(previous domain.PaymentRecord) (domain.PaymentRecord, bool, error) {
		if previous.Status.Terminal() {
			return previous, false, nil
		}
		if previous.Status == status {
			return previous, false, nil
		}
		next := previous
		next.Status = status
		next.UpdatedAt = now
		switch status {
		case domain.PaymentStatusCompleted:
			completedAt := now
			next.CompletedAt = &completedAt
			next.FailureReason = ""
		case domain.PaymentStatusFailed:
			failedAt := now
			next.FailedAt = &failedAt
			next.FailureReason = failureReason
		}
		return next, true, nil
	})
}

// finalizeOrder turns a completed payment into an order. A failure leaves an
// orderPending marker on the record for the retry sweep instead of bubbling
// up to the webhook response.
func (s *paymentService) finalizeOrder(ctx context.Context, record domain.PaymentRecord) (*Order, domain.PaymentRecord, string) {
	order, err := s.orders.CreateFromPayment(ctx, CreateOrderCommand{
		Record:        record,
		PaymentMethod: record.Gateway,
	})
	now := s.clock()
	if err != nil {
		s.logger(ctx, "payment.order.create_failed", map[string]any{
			"transactionId": record.TransactionID,
			"error":         err.Error(),
		})
		record.OrderPending = true
		record.UpdatedAt = now
		if updateErr := s.payments.Update(ctx, record); updateErr != nil {
			s.logger(ctx, "payment.order.mark_pending_failed", map[string]any{
				"transactionId": record.TransactionID,
				"error":         updateErr.Error(),
			})
		}
		return nil, record, "order creation pending"
	}

	record.OrderID = order.ID
	record.OrderPending = false
	record.UpdatedAt = now
	if err := s.payments.Update(ctx, record); err != nil {
		s.logger(ctx, "payment.order.link_failed", map[string]any{
			"transactionId": record.TransactionID,
			"orderId":       order.ID,
			"error":         err.Error(),
		})
	}
	return &order, record, ""
}

func (s *paymentService) releaseCartReservation(ctx context.Context, record domain.PaymentRecord) {
	if s.inventory == nil || record.CartID == "" {
		return
	}
	cart, err := s.carts.GetByID(ctx, record.CartID)
	if err != nil || cart.ReservationID == "" {
		return
	}
	if _, err := s.inventory.ReleaseReservation(ctx, cart.ReservationID, "payment expired"); err != nil {
		s.logger(ctx, "payment.expire.release_failed", map[string]any{
			"transactionId": record.TransactionID,
			"reservationId": cart.ReservationID,
			"error":         err.Error(),
		})
	}
}

func (s *paymentService) emitPaymentEvent(ctx context.Context, eventType string, record domain.PaymentRecord) {
	if s.events == nil {
		return
	}
	event := CommerceEvent{
		ID:         s.newID(),
		Type:       eventType,
		OccurredAt: s.clock(),
		UserID:     record.UserID,
		OrderID:    record.OrderID,
		Payload: map[string]any{
			"transactionId": record.TransactionID,
			"gateway":       record.Gateway,
			"amount":        record.Amount,
			"status":        string(record.Status),
		},
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger(ctx, "payment.event.publish_failed", map[string]any{
			"type":          eventType,
			"transactionId": record.TransactionID,
			"error":         err.Error(),
		})
	}
}

func gatewayRef(record domain.PaymentRecord) string {
	if strings.TrimSpace(record.GatewayOrderID) != "" {
		return record.GatewayOrderID
	}
	return record.TransactionID
}

func headersOf(values map[string]string) http.Header {
	headers := make(http.Header, len(values))
	for k, v := range values {
		headers.Set(k, v)
	}
	return headers
}

// repositoryNotFoundError lets resolveRecord report a miss through the same
// path repository errors take.
type repositoryNotFoundError struct {
	ref string
}

func (e *repositoryNotFoundError) Error() string {
	return fmt.Sprintf("payment record not found: %s", e.ref)
}

func (e *repositoryNotFoundError) IsNotFound() bool    { return true }
func (e *repositoryNotFoundError) IsConflict() bool    { return false }
func (e *repositoryNotFoundError) IsUnavailable() bool { return false }
