package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	domain "github.com/marigold-commerce/api/internal/domain"
	"github.com/marigold-commerce/api/internal/payments"
	"github.com/marigold-commerce/api/internal/repositories"
)

// memPaymentRepository keeps records in memory so Transition can run its
// guard against persisted state, the way the Firestore implementation does.
type memPaymentRepository struct {
	records map[string]domain.PaymentRecord

	staleFn   func(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentRecord, error)
	pendingFn func(ctx context.Context, limit int) ([]domain.PaymentRecord, error)
}

func newMemPaymentRepository(seed ...domain.PaymentRecord) *memPaymentRepository {
	repo := &memPaymentRepository{records: map[string]domain.PaymentRecord{}}
	for _, record := range seed {
		repo.records[record.TransactionID] = record
	}
	return repo
}

func (r *memPaymentRepository) Insert(ctx context.Context, record domain.PaymentRecord) error {
	if _, ok := r.records[record.TransactionID]; ok {
		return &stubRepoError{msg: "duplicate transaction", conflict: true}
	}
	r.records[record.TransactionID] = record
	return nil
}

func (r *memPaymentRepository) Update(ctx context.Context, record domain.PaymentRecord) error {
	if _, ok := r.records[record.TransactionID]; !ok {
		return notFoundErr(record.TransactionID)
	}
	r.records[record.TransactionID] = record
	return nil
}

func (r *memPaymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.PaymentRecord, error) {
	record, ok := r.records[transactionID]
	if !ok {
		return domain.PaymentRecord{}, notFoundErr(transactionID)
	}
	return record, nil
}

func (r *memPaymentRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.PaymentRecord, error) {
	for _, record := range r.records {
		if record.GatewayOrderID == gatewayOrderID {
			return record, nil
		}
	}
	return domain.PaymentRecord{}, notFoundErr(gatewayOrderID)
}

func (r *memPaymentRepository) Transition(ctx context.Context, transactionID string, guard func(domain.PaymentRecord) (domain.PaymentRecord, bool, error)) (repositories.PaymentTransitionResult, error) {
	previous, ok := r.records[transactionID]
	if !ok {
		return repositories.PaymentTransitionResult{}, notFoundErr(transactionID)
	}
	next, apply, err := guard(previous)
	if err != nil {
		return repositories.PaymentTransitionResult{}, err
	}
	if apply {
		r.records[transactionID] = next
	}
	return repositories.PaymentTransitionResult{Previous: previous, Record: next, Applied: apply}, nil
}

func (r *memPaymentRepository) List(ctx context.Context, filter repositories.PaymentListFilter) (domain.CursorPage[domain.PaymentRecord], error) {
	var items []domain.PaymentRecord
	for _, record := range r.records {
		if filter.UserID != "" && record.UserID != filter.UserID {
			continue
		}
		items = append(items, record)
	}
	return domain.CursorPage[domain.PaymentRecord]{Items: items}, nil
}

func (r *memPaymentRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentRecord, error) {
	if r.staleFn != nil {
		return r.staleFn(ctx, cutoff, limit)
	}
	return nil, nil
}

func (r *memPaymentRepository) ListOrderPending(ctx context.Context, limit int) ([]domain.PaymentRecord, error) {
	if r.pendingFn != nil {
		return r.pendingFn(ctx, limit)
	}
	return nil, nil
}

type stubOrderService struct {
	createFn func(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	created  []CreateOrderCommand
}

func (s *stubOrderService) CreateFromPayment(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	s.created = append(s.created, cmd)
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return Order{ID: "order-" + cmd.Record.TransactionID}, nil
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	return Order{}, errors.New("not implemented")
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	return Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Get(ctx context.Context, orderID string, userID string) (Order, error) {
	return Order{}, errors.New("not implemented")
}

func (s *stubOrderService) List(ctx context.Context, filter OrderFilter) (domain.CursorPage[Order], error) {
	return domain.CursorPage[Order]{}, errors.New("not implemented")
}

// stubGatewayProvider satisfies payments.Provider for reconciliation tests.
type stubGatewayProvider struct {
	session    payments.Session
	sessionErr error
	status     payments.StatusResult
	statusErr  error
	event      payments.WebhookEvent
	parseErr   error
}

func (p *stubGatewayProvider) CreateSession(ctx context.Context, req payments.SessionRequest) (payments.Session, error) {
	if p.sessionErr != nil {
		return payments.Session{}, p.sessionErr
	}
	session := p.session
	if session.GatewayOrderID == "" {
		session.GatewayOrderID = "gw-" + req.TransactionID
	}
	return session, p.sessionErr
}

func (p *stubGatewayProvider) VerifyStatus(ctx context.Context, transactionID string) (payments.StatusResult, error) {
	return p.status, p.statusErr
}

func (p *stubGatewayProvider) ParseWebhook(ctx context.Context, body []byte, headers http.Header) (payments.WebhookEvent, error) {
	return p.event, p.parseErr
}

type paymentTestEnv struct {
	repo      *memPaymentRepository
	carts     *stubCartRepository
	orders    *stubOrderService
	inventory *stubInventoryService
	provider  *stubGatewayProvider
	events    *capturePublisher
	svc       PaymentService
}

func newPaymentTestEnv(t *testing.T, repo *memPaymentRepository) *paymentTestEnv {
	t.Helper()
	env := &paymentTestEnv{
		repo:      repo,
		carts:     &stubCartRepository{},
		orders:    &stubOrderService{},
		inventory: &stubInventoryService{},
		provider:  &stubGatewayProvider{},
		events:    &capturePublisher{},
	}
	manager, err := payments.NewManager(map[string]payments.Provider{"phonepe": env.provider})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	seq := 0
	svc, err := NewPaymentService(PaymentServiceDeps{
		Payments:   repo,
		Carts:      env.carts,
		Orders:     env.orders,
		Inventory:  env.inventory,
		Gateways:   manager,
		Events:     env.events,
		SessionTTL: 30 * time.Minute,
		Clock:      func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
		IDGenerator: func() string {
			seq++
			return fmt.Sprintf("ID-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("new payment service: %v", err)
	}
	env.svc = svc
	return env
}

func paidCart(userID string, total float64) domain.Cart {
	return domain.Cart{
		ID:       userID,
		UserID:   userID,
		Currency: "INR",
		Items: []domain.CartLine{
			{Variant: testVariant("p1"), Quantity: 1, UnitPrice: total},
		},
		Totals:        domain.CartTotals{Subtotal: total, Total: total},
		ReservationID: "RES-1",
	}
}

func initiatedRecord(transactionID string) domain.PaymentRecord {
	return domain.PaymentRecord{
		ID:             "pay-" + transactionID,
		TransactionID:  transactionID,
		GatewayOrderID: "gw-" + transactionID,
		UserID:         "user-1",
		CartID:         "user-1",
		Gateway:        "phonepe",
		Amount:         1099,
		Currency:       "INR",
		Status:         domain.PaymentStatusInitiated,
		ExpiresAt:      time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC),
	}
}

func TestPaymentInitiateCreatesSessionAndRecord(t *testing.T) {
	env := newPaymentTestEnv(t, newMemPaymentRepository())
	env.carts.getByUserFn = func(ctx context.Context, userID string) (domain.Cart, error) {
		return paidCart(userID, 1099), nil
	}
	env.provider.session = payments.Session{RedirectURL: "https://pay.example/redirect"}

	session, err := env.svc.Initiate(context.Background(), InitiatePaymentCommand{UserID: "user-1", Gateway: "phonepe"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if session.Gateway != "phonepe" {
		t.Fatalf("expected gateway stamped, got %q", session.Gateway)
	}
	if session.RedirectURL != "https://pay.example/redirect" {
		t.Fatalf("unexpected redirect %q", session.RedirectURL)
	}

	stored, err := env.repo.FindByTransactionID(context.Background(), session.TransactionID)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if stored.Status != domain.PaymentStatusInitiated {
		t.Fatalf("expected Initiated, got %s", stored.Status)
	}
	if stored.Amount != 1099 || stored.Currency != "INR" {
		t.Fatalf("unexpected amount %v %s", stored.Amount, stored.Currency)
	}
	want := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	if !stored.ExpiresAt.Equal(want) {
		t.Fatalf("expected session ttl applied, got %v", stored.ExpiresAt)
	}
	if len(env.events.events) != 1 || env.events.events[0].Type != "payment.initiated" {
		t.Fatalf("expected payment.initiated event, got %+v", env.events.events)
	}
}

func TestPaymentInitiateRequiresNonEmptyCart(t *testing.T) {
	env := newPaymentTestEnv(t, newMemPaymentRepository())

	if _, err := env.svc.Initiate(context.Background(), InitiatePaymentCommand{UserID: "user-1"}); !errors.Is(err, ErrPaymentCartEmpty) {
		t.Fatalf("expected ErrPaymentCartEmpty for missing cart, got %v", err)
	}

	env.carts.getByUserFn = func(ctx context.Context, userID string) (domain.Cart, error) {
		return domain.Cart{ID: userID, UserID: userID}, nil
	}
	if _, err := env.svc.Initiate(context.Background(), InitiatePaymentCommand{UserID: "user-1"}); !errors.Is(err, ErrPaymentCartEmpty) {
		t.Fatalf("expected ErrPaymentCartEmpty for empty cart, got %v", err)
	}
}

func TestPaymentInitiateCashOnDeliveryCreatesOrderDirectly(t *testing.T) {
	env := newPaymentTestEnv(t, newMemPaymentRepository())
	env.carts.getByUserFn = func(ctx context.Context, userID string) (domain.Cart, error) {
		return paidCart(userID, 1099), nil
	}

	session, err := env.svc.Initiate(context.Background(), InitiatePaymentCommand{UserID: "user-1", Gateway: "cod"})
	if err != nil {
		t.Fatalf("initiate cod: %v", err)
	}
	if session.Gateway != "cod" || session.RedirectURL != "" {
		t.Fatalf("cod must not open a gateway session, got %+v", session)
	}
	if len(env.orders.created) != 1 {
		t.Fatalf("expected synchronous order creation, got %d", len(env.orders.created))
	}
	stored, _ := env.repo.FindByTransactionID(context.Background(), session.TransactionID)
	if stored.Status != domain.PaymentStatusPending {
		t.Fatalf("cod record stays Pending, got %s", stored.Status)
	}
	if stored.OrderID == "" {
		t.Fatalf("expected order linked to cod record")
	}
}

func TestPaymentInitiateCashOnDeliveryFailsWithoutOrder(t *testing.T) {
	env := newPaymentTestEnv(t, newMemPaymentRepository())
	env.carts.getByUserFn = func(ctx context.Context, userID string) (domain.Cart, error) {
		return paidCart(userID, 1099), nil
	}
	env.orders.createFn = func(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
		return Order{}, ErrOrderAddressIncomplete
	}

	if _, err := env.svc.Initiate(context.Background(), InitiatePaymentCommand{UserID: "user-1", Gateway: "cod"}); !errors.Is(err, ErrOrderAddressIncomplete) {
		t.Fatalf("expected address error surfaced, got %v", err)
	}
}

func TestPaymentExpireStaleSkipsCashOnDelivery(t *testing.T) {
	record := initiatedRecord("TXN1")
	record.Gateway = "cod"
	record.Status = domain.PaymentStatusPending
	env := newPaymentTestEnv(t, newMemPaymentRepository(record))
	env.repo.staleFn = func(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentRecord, error) {
		return []domain.PaymentRecord{record}, nil
	}

	expired, err := env.svc.ExpireStale(context.Background(), 50)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if expired != 0 {
		t.Fatalf("cod records are never expired, got %d", expired)
	}
	stored, _ := env.repo.FindByTransactionID(context.Background(), "TXN1")
	if stored.Status != domain.PaymentStatusPending {
		t.Fatalf("expected Pending preserved, got %s", stored.Status)
	}
}

func TestPaymentInitiateRejectsUnknownGateway(t *testing.T) {
	env := newPaymentTestEnv(t, newMemPaymentRepository())

	_, err := env.svc.Initiate(context.Background(), InitiatePaymentCommand{UserID: "user-1", Gateway: "paytm"})
	if !errors.Is(err, ErrPaymentGatewayUnsupported) {
		t.Fatalf("expected ErrPaymentGatewayUnsupported, got %v", err)
	}
}

func TestPaymentWebhookInvalidSignatureAcknowledgedWithoutMutation(t *testing.T) {
	record := initiatedRecord("TXN1")
	env := newPaymentTestEnv(t, newMemPaymentRepository(record))
	env.provider.parseErr = payments.ErrInvalidSignature

	outcome, err := env.svc.HandleWebhook(context.Background(), PaymentWebhookCommand{Gateway: "phonepe", Body: []byte("{}")})
	if err != nil {
		t.Fatalf("webhook must not error on bad signature: %v", err)
	}
	if !outcome.Acknowledged || outcome.Reason != "invalid signature" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	stored, _ := env.repo.FindByTransactionID(context.Background(), "TXN1")
	if stored.Status != domain.PaymentStatusInitiated {
		t.Fatalf("record must stay untouched, got %s", stored.Status)
	}
	if len(env.orders.created) != 0 {
		t.Fatalf("no order must be created")
	}
}

func TestPaymentWebhookUnknownTransactionAcknowledged(t *testing.T) {
	env := newPaymentTestEnv(t, newMemPaymentRepository())
	env.provider.event = payments.WebhookEvent{TransactionID: "TXN-GHOST", Status: domain.PaymentStatusCompleted}

	outcome, err := env.svc.HandleWebhook(context.Background(), PaymentWebhookCommand{Gateway: "phonepe", Body: []byte("{}")})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if !outcome.Acknowledged || outcome.Reason != "unknown transaction" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestPaymentWebhookCompletedCreatesOrder(t *testing.T) {
	record := initiatedRecord("TXN1")
	env := newPaymentTestEnv(t, newMemPaymentRepository(record))
	env.provider.event = payments.WebhookEvent{TransactionID: "TXN1", Status: domain.PaymentStatusCompleted}

	outcome, err := env.svc.HandleWebhook(context.Background(), PaymentWebhookCommand{Gateway: "phonepe", Body: []byte("{}")})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if !outcome.Applied {
		t.Fatalf("expected transition applied")
	}
	if outcome.Order == nil || outcome.Order.ID != "order-TXN1" {
		t.Fatalf("expected order created, got %+v", outcome.Order)
	}

	stored, _ := env.repo.FindByTransactionID(context.Background(), "TXN1")
	if stored.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected Completed, got %s", stored.Status)
	}
	if stored.CompletedAt == nil {
		t.Fatalf("expected CompletedAt stamped")
	}
	if stored.OrderID != "order-TXN1" || stored.OrderPending {
		t.Fatalf("expected order linked, got %+v", stored)
	}
	if len(env.events.events) != 1 || env.events.events[0].Type != "payment.completed" {
		t.Fatalf("expected payment.completed event, got %+v", env.events.events)
	}
}

func TestPaymentWebhookReplayIsNoOp(t *testing.T) {
	record := initiatedRecord("TXN1")
	completedAt := time.Date(2024, 6, 1, 11, 30, 0, 0, time.UTC)
	record.Status = domain.PaymentStatusCompleted
	record.CompletedAt = &completedAt
	record.OrderID = "order-TXN1"
	env := newPaymentTestEnv(t, newMemPaymentRepository(record))
	env.provider.event = payments.WebhookEvent{TransactionID: "TXN1", Status: domain.PaymentStatusCompleted}

	outcome, err := env.svc.HandleWebhook(context.Background(), PaymentWebhookCommand{Gateway: "phonepe", Body: []byte("{}")})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if outcome.Applied || outcome.Reason != "already settled" {
		t.Fatalf("expected replay no-op, got %+v", outcome)
	}
	if len(env.orders.created) != 0 {
		t.Fatalf("replay must not create an order")
	}
}

func TestPaymentWebhookFailedAfterCompletionIgnored(t *testing.T) {
	record := initiatedRecord("TXN1")
	record.Status = domain.PaymentStatusCompleted
	env := newPaymentTestEnv(t, newMemPaymentRepository(record))
	env.provider.event = payments.WebhookEvent{TransactionID: "TXN1", Status: domain.PaymentStatusFailed, FailureReason: "late failure"}

	outcome, err := env.svc.HandleWebhook(context.Background(), PaymentWebhookCommand{Gateway: "phonepe", Body: []byte("{}")})
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if outcome.Applied {
		t.Fatalf("terminal record must not regress")
	}
	stored, _ := env.repo.FindByTransactionID(context.Background(), "TXN1")
	if stored.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected Completed preserved, got %s", stored.Status)
	}
}

func TestPaymentWebhookOrderFailureMarksPending(t *testing.T) {
	record := initiatedRecord("TXN1")
	env := newPaymentTestEnv(t, newMemPaymentRepository(record))
	env.provider.event = payments.WebhookEvent{TransactionID: "TXN1", Status: domain.PaymentStatusCompleted}
	env.orders.createFn = func(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
		return Order{}, errors.New("address incomplete")
	}

	outcome, err := env.svc.HandleWebhook(context.Background(), PaymentWebhookCommand{Gateway: "phonepe", Body: []byte("{}")})
	if err != nil {
		t.Fatalf("webhook must still acknowledge: %v", err)
	}
	if !outcome.Acknowledged || outcome.Reason != "order creation pending" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	stored, _ := env.repo.FindByTransactionID(context.Background(), "TXN1")
	if stored.Status != domain.PaymentStatusCompleted {
		t.Fatalf("payment stays completed, got %s", stored.Status)
	}
	if !stored.OrderPending {
		t.Fatalf("expected orderPending marker for the retry sweep")
	}
}

func TestPaymentExpireStaleCompletesConfirmedSessions(t *testing.T) {
	record := initiatedRecord("TXN1")
	env := newPaymentTestEnv(t, newMemPaymentRepository(record))
	env.repo.staleFn = func(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentRecord, error) {
		return []domain.PaymentRecord{record}, nil
	}
	env.provider.status = payments.StatusResult{Status: domain.PaymentStatusCompleted}

	expired, err := env.svc.ExpireStale(context.Background(), 50)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if expired != 0 {
		t.Fatalf("a confirmed payment is not an expiry, got %d", expired)
	}
	stored, _ := env.repo.FindByTransactionID(context.Background(), "TXN1")
	if stored.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected Completed, got %s", stored.Status)
	}
	if len(env.orders.created) != 1 {
		t.Fatalf("expected order creation for gateway-confirmed session")
	}
}

func TestPaymentExpireStaleLeavesPendingSessions(t *testing.T) {
	record := initiatedRecord("TXN1")
	env := newPaymentTestEnv(t, newMemPaymentRepository(record))
	env.repo.staleFn = func(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentRecord, error) {
		return []domain.PaymentRecord{record}, nil
	}
	env.provider.status = payments.StatusResult{Status: domain.PaymentStatusPending}

	expired, err := env.svc.ExpireStale(context.Background(), 50)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if expired != 0 {
		t.Fatalf("pending sessions must be left alone, got %d", expired)
	}
	stored, _ := env.repo.FindByTransactionID(context.Background(), "TXN1")
	if stored.Status != domain.PaymentStatusInitiated {
		t.Fatalf("expected Initiated preserved, got %s", stored.Status)
	}
}

func TestPaymentExpireStaleFailsSessionAndReleasesStock(t *testing.T) {
	record := initiatedRecord("TXN1")
	env := newPaymentTestEnv(t, newMemPaymentRepository(record))
	env.repo.staleFn = func(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentRecord, error) {
		return []domain.PaymentRecord{record}, nil
	}
	env.provider.statusErr = errors.New("gateway unreachable")
	env.carts.getByIDFn = func(ctx context.Context, cartID string) (domain.Cart, error) {
		return paidCart("user-1", 1099), nil
	}
	var released, releaseReason string
	env.inventory.releaseFn = func(ctx context.Context, reservationID, reason string) (Reservation, error) {
		released = reservationID
		releaseReason = reason
		return Reservation{ID: reservationID, Status: domain.ReservationStatusReleased}, nil
	}

	expired, err := env.svc.ExpireStale(context.Background(), 50)
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expected 1 expiry, got %d", expired)
	}
	stored, _ := env.repo.FindByTransactionID(context.Background(), "TXN1")
	if stored.Status != domain.PaymentStatusFailed {
		t.Fatalf("expected Failed, got %s", stored.Status)
	}
	if stored.FailureReason != "session expired" {
		t.Fatalf("unexpected failure reason %q", stored.FailureReason)
	}
	if released != "RES-1" || releaseReason != "payment expired" {
		t.Fatalf("expected reservation released, got %q %q", released, releaseReason)
	}
}

func TestPaymentRetryPendingOrders(t *testing.T) {
	good := initiatedRecord("TXN1")
	good.Status = domain.PaymentStatusCompleted
	good.OrderPending = true
	bad := initiatedRecord("TXN2")
	bad.Status = domain.PaymentStatusCompleted
	bad.OrderPending = true

	env := newPaymentTestEnv(t, newMemPaymentRepository(good, bad))
	env.repo.pendingFn = func(ctx context.Context, limit int) ([]domain.PaymentRecord, error) {
		return []domain.PaymentRecord{good, bad}, nil
	}
	env.orders.createFn = func(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
		if cmd.Record.TransactionID == "TXN2" {
			return Order{}, errors.New("still no address")
		}
		return Order{ID: "order-TXN1"}, nil
	}

	created, err := env.svc.RetryPendingOrders(context.Background(), 50)
	if err != nil {
		t.Fatalf("retry pending: %v", err)
	}
	if created != 1 {
		t.Fatalf("expected 1 order created, got %d", created)
	}
	stored, _ := env.repo.FindByTransactionID(context.Background(), "TXN1")
	if stored.OrderID != "order-TXN1" || stored.OrderPending {
		t.Fatalf("expected pending cleared for TXN1, got %+v", stored)
	}
}

func TestPaymentGetByTransactionIDEnforcesOwnership(t *testing.T) {
	record := initiatedRecord("TXN1")
	env := newPaymentTestEnv(t, newMemPaymentRepository(record))

	if _, err := env.svc.GetByTransactionID(context.Background(), "TXN1", "user-1"); err != nil {
		t.Fatalf("owner lookup: %v", err)
	}
	if _, err := env.svc.GetByTransactionID(context.Background(), "TXN1", "user-2"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound for foreign user, got %v", err)
	}
	if _, err := env.svc.GetByTransactionID(context.Background(), "TXN-GHOST", ""); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}
}
