package repositories

import (
	"context"
	"time"

	domain "github.com/marigold-commerce/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository owns cart persistence. One cart per user; Upsert creates the
// document lazily on first use.
type CartRepository interface {
	Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	GetByUser(ctx context.Context, userID string) (domain.Cart, error)
	GetByID(ctx context.Context, cartID string) (domain.Cart, error)
}

// StockRepository manages variant stock counters and reservation lifecycle
// with transactional guarantees. SyncReservation is all-or-nothing across
// every line delta it implies: a shortfall on any variant aborts the whole
// batch and leaves stock untouched.
type StockRepository interface {
	SyncReservation(ctx context.Context, req SyncReservationRequest) (StockMutationResult, error)
	Release(ctx context.Context, reservationID string, reason string, now time.Time) (StockMutationResult, error)
	ReleaseLines(ctx context.Context, lines []domain.ReservationLine, reason string, now time.Time) (map[string]domain.StockLevel, error)
	Commit(ctx context.Context, reservationID string, orderRef string, now time.Time) (domain.Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
	GetStock(ctx context.Context, key domain.VariantKey) (domain.StockLevel, error)
	PutStock(ctx context.Context, level domain.StockLevel) (domain.StockLevel, error)
	ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error)
}

// SyncReservationRequest moves a reservation to the target line set. The
// repository computes per-variant deltas against the currently held lines,
// applies conditional decrements for increases and unconditional increments
// for decreases, and rewrites the reservation document in the same
// transaction. An empty target releases the reservation.
type SyncReservationRequest struct {
	ReservationID string
	OwnerRef      string
	Lines         []domain.ReservationLine
	ExpiresAt     time.Time
	Now           time.Time
}

// StockMutationResult reports the reservation and stock levels after a mutation.
type StockMutationResult struct {
	Reservation domain.Reservation
	Stocks      map[string]domain.StockLevel
}

// CouponRepository maintains coupon documents. Apply runs the usage mutation
// and the cart discount write in a single transaction.
type CouponRepository interface {
	Insert(ctx context.Context, coupon domain.Coupon) error
	Update(ctx context.Context, coupon domain.Coupon) error
	FindByCode(ctx context.Context, code string) (domain.Coupon, error)
	List(ctx context.Context, filter CouponListFilter) (domain.CursorPage[domain.Coupon], error)
	ApplyToCart(ctx context.Context, req CouponApplyRequest) (CouponApplyResult, error)
	DeactivateExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// CouponApplyRequest carries the state consumed by the transactional apply.
// Validate re-runs the eligibility checks against the versions of the coupon
// and cart read inside the transaction, so concurrent redemptions re-fail
// cleanly rather than committing stale decisions.
type CouponApplyRequest struct {
	CouponID string
	CartID   string
	UserID   string
	Now      time.Time
	Validate func(coupon domain.Coupon, cart domain.Cart) (discount float64, err error)
}

// CouponApplyResult reports the committed cart and coupon state.
type CouponApplyResult struct {
	Cart   domain.Cart
	Coupon domain.Coupon
}

// CouponListFilter controls coupon listings.
type CouponListFilter struct {
	ActiveOnly bool
	ForUserID  string
	Pagination domain.Pagination
}

// PaymentRepository persists payment records. Insert is create-only: a
// duplicate transactionId is a conflict. Transition applies a status change
// iff the guard accepts the currently persisted record, making webhook
// redelivery a no-op once the record is terminal.
type PaymentRepository interface {
	Insert(ctx context.Context, record domain.PaymentRecord) error
	Update(ctx context.Context, record domain.PaymentRecord) error
	FindByTransactionID(ctx context.Context, transactionID string) (domain.PaymentRecord, error)
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.PaymentRecord, error)
	Transition(ctx context.Context, transactionID string, guard func(domain.PaymentRecord) (domain.PaymentRecord, bool, error)) (PaymentTransitionResult, error)
	List(ctx context.Context, filter PaymentListFilter) (domain.CursorPage[domain.PaymentRecord], error)
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentRecord, error)
	ListOrderPending(ctx context.Context, limit int) ([]domain.PaymentRecord, error)
}

// PaymentTransitionResult reports the record before and after the guarded
// transition; Applied is false when the guard declined the change.
type PaymentTransitionResult struct {
	Previous domain.PaymentRecord
	Record   domain.PaymentRecord
	Applied  bool
}

// PaymentListFilter controls payment listings.
type PaymentListFilter struct {
	UserID     string
	Gateway    string
	Status     []domain.PaymentStatus
	Pagination domain.Pagination
}

// OrderRepository persists order documents. InsertForTransaction is
// create-only keyed by transactionId so at most one order can ever exist per
// payment, regardless of webhook redelivery.
type OrderRepository interface {
	InsertForTransaction(ctx context.Context, order domain.Order) (domain.Order, error)
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByTransactionID(ctx context.Context, transactionID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderListFilter limits order listings by owner and status.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// TokenRepository is a persisted, expiring key-value token store. Entries
// disappear after their TTL; Get on an expired entry reports not found.
type TokenRepository interface {
	Put(ctx context.Context, tokenID string, value string, expiresAt time.Time) error
	PutIfAbsent(ctx context.Context, tokenID string, value string, expiresAt time.Time) (bool, error)
	Get(ctx context.Context, tokenID string) (string, error)
	Delete(ctx context.Context, tokenID string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
