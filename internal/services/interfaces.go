package services

import (
	"context"
	"time"

	domain "github.com/marigold-commerce/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	VariantKey         = domain.VariantKey
	Address            = domain.Address
	Cart               = domain.Cart
	CartLine           = domain.CartLine
	CartTotals         = domain.CartTotals
	Coupon             = domain.Coupon
	CouponGrant        = domain.CouponGrant
	PaymentRecord      = domain.PaymentRecord
	PaymentStatus      = domain.PaymentStatus
	Order              = domain.Order
	OrderLine          = domain.OrderLine
	OrderStatus        = domain.OrderStatus
	StockLevel         = domain.StockLevel
	Reservation        = domain.Reservation
	ReservationLine    = domain.ReservationLine
	SystemHealthReport = domain.SystemHealthReport
)

// InventoryService owns stock counters and reservation lifecycle. Stock is
// decremented the moment a cart claims it and restored when the claim is
// released, so OnHand is always the sellable quantity.
type InventoryService interface {
	SyncCartReservation(ctx context.Context, cmd SyncCartReservationCommand) (Reservation, error)
	CommitReservation(ctx context.Context, reservationID string, orderRef string) (Reservation, error)
	ReleaseReservation(ctx context.Context, reservationID string, reason string) (Reservation, error)
	RestoreLines(ctx context.Context, lines []ReservationLine, reason string) error
	GetStock(ctx context.Context, key VariantKey) (StockLevel, error)
	ConfigureStock(ctx context.Context, cmd ConfigureStockCommand) (StockLevel, error)
	ReleaseExpired(ctx context.Context, limit int) (int, error)
}

// CartService manages the per-user cart aggregate. Every mutation that moves
// quantities goes through the inventory reservation, so an item sitting in a
// cart is an item held in stock.
type CartService interface {
	GetOrCreate(ctx context.Context, userID string) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	UpdateQuantity(ctx context.Context, cmd UpdateCartQuantityCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	ReplaceItems(ctx context.Context, cmd ReplaceCartItemsCommand) (Cart, error)
	UpdateShippingAddress(ctx context.Context, cmd UpdateShippingAddressCommand) (Cart, error)
	Clear(ctx context.Context, userID string) (Cart, error)
}

// CouponService manages coupon lifecycle and redemption. Apply is
// exactly-once per user and transactional with the cart discount.
type CouponService interface {
	Create(ctx context.Context, cmd CreateCouponCommand) (Coupon, error)
	Update(ctx context.Context, cmd UpdateCouponCommand) (Coupon, error)
	GetByCode(ctx context.Context, code string) (Coupon, error)
	List(ctx context.Context, filter CouponFilter) (domain.CursorPage[Coupon], error)
	ListForUser(ctx context.Context, userID string) ([]Coupon, error)
	Apply(ctx context.Context, cmd ApplyCouponCommand) (Cart, error)
	DeactivateExpired(ctx context.Context) (int, error)
}

// PaymentService initiates gateway sessions and reconciles webhook callbacks
// into payment records and orders.
type PaymentService interface {
	Initiate(ctx context.Context, cmd InitiatePaymentCommand) (PaymentSession, error)
	HandleWebhook(ctx context.Context, cmd PaymentWebhookCommand) (PaymentWebhookOutcome, error)
	GetByTransactionID(ctx context.Context, transactionID string, userID string) (PaymentRecord, error)
	List(ctx context.Context, filter PaymentFilter) (domain.CursorPage[PaymentRecord], error)
	ExpireStale(ctx context.Context, limit int) (int, error)
	RetryPendingOrders(ctx context.Context, limit int) (int, error)
}

// OrderService materialises orders from paid carts and walks them through
// the fulfilment state machine.
type OrderService interface {
	CreateFromPayment(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error)
	Get(ctx context.Context, orderID string, userID string) (Order, error)
	List(ctx context.Context, filter OrderFilter) (domain.CursorPage[Order], error)
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// CounterService provides bounded, transaction-safe sequences.
type CounterService interface {
	Next(ctx context.Context, cmd CounterCommand) (CounterValue, error)
}

// CommerceEventPublisher emits domain events (stock movement, order placed,
// payment settled) to the event bus. Best effort: callers log failures and
// move on.
type CommerceEventPublisher interface {
	Publish(ctx context.Context, event CommerceEvent) error
}

// Notifier delivers customer-facing notifications. Failures never roll back
// the operation that triggered them.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// InvoiceArchiver renders and stores an order invoice, returning a URL the
// customer can fetch it from.
type InvoiceArchiver interface {
	Store(ctx context.Context, order Order) (string, error)
}

// Commands and DTOs ----------------------------------------------------------

// SyncCartReservationCommand moves a cart's reservation to the given lines.
type SyncCartReservationCommand struct {
	ReservationID string
	OwnerRef      string
	Lines         []ReservationLine
}

// ConfigureStockCommand seeds or adjusts a variant counter.
type ConfigureStockCommand struct {
	Variant VariantKey
	Price   float64
	OnHand  int
}

// AddCartItemCommand adds quantity of one variant to the user's cart. The
// unit price is resolved from the variant's stock record, never supplied by
// the caller.
type AddCartItemCommand struct {
	UserID        string
	Variant       VariantKey
	Quantity      int
	DesignerRef   string
	Customization map[string]any
}

// UpdateCartQuantityCommand sets the absolute quantity for a cart line.
// Quantity zero removes the line.
type UpdateCartQuantityCommand struct {
	UserID   string
	Variant  VariantKey
	Quantity int
}

// RemoveCartItemCommand deletes one line from the cart.
type RemoveCartItemCommand struct {
	UserID  string
	Variant VariantKey
}

// ReplaceCartItemsCommand swaps the whole cart content in one shot.
type ReplaceCartItemsCommand struct {
	UserID string
	Items  []AddCartItemCommand
}

// UpdateShippingAddressCommand patches the cart's shipping address. Only
// allow-listed fields are writable; an unrecognized field rejects the patch,
// and the merged address must carry street, city, state and pincode.
type UpdateShippingAddressCommand struct {
	UserID string
	Fields map[string]string
}

// CreateCouponCommand creates a coupon. ForUserIDs non-empty makes it
// user-restricted; MaxUsage caps a universal coupon's total redemptions.
type CreateCouponCommand struct {
	Code       string
	Amount     float64
	ExpiryDate time.Time
	ForUserIDs []string
	MaxUsage   int
}

// UpdateCouponCommand patches mutable coupon attributes.
type UpdateCouponCommand struct {
	Code       string
	Amount     *float64
	ExpiryDate *time.Time
	IsActive   *bool
	MaxUsage   *int
}

// CouponFilter controls admin coupon listings.
type CouponFilter struct {
	ActiveOnly bool
	Pagination Pagination
}

// ApplyCouponCommand redeems a coupon against the user's cart.
type ApplyCouponCommand struct {
	UserID string
	Code   string
}

// InitiatePaymentCommand opens a gateway session for the user's cart.
type InitiatePaymentCommand struct {
	UserID  string
	Gateway string
}

// PaymentSession is what the client needs to hand control to the gateway.
type PaymentSession struct {
	TransactionID  string
	Gateway        string
	GatewayOrderID string
	Amount         float64
	Currency       string
	RedirectURL    string
	Record         PaymentRecord
}

// PaymentWebhookCommand carries one raw gateway callback.
type PaymentWebhookCommand struct {
	Gateway string
	Body    []byte
	Headers map[string]string
}

// PaymentWebhookOutcome reports what reconciliation did with the callback.
// Acknowledged is true for every callback the gateway should not retry,
// including invalid signatures and unknown transactions.
type PaymentWebhookOutcome struct {
	Acknowledged bool
	Applied      bool
	Record       PaymentRecord
	Order        *Order
	Reason       string
}

// PaymentFilter controls payment listings.
type PaymentFilter struct {
	UserID     string
	Gateway    string
	Status     []PaymentStatus
	Pagination Pagination
}

// CreateOrderCommand materialises an order for a completed payment.
type CreateOrderCommand struct {
	Record        PaymentRecord
	PaymentMethod string
}

// CancelOrderCommand cancels an order and restores its stock.
type CancelOrderCommand struct {
	OrderID     string
	UserID      string
	ActorRole   string
	Reason      string
	DesignerRef string
}

// UpdateOrderStatusCommand advances the fulfilment state machine.
type UpdateOrderStatusCommand struct {
	OrderID string
	Status  OrderStatus
	Notes   string
}

// OrderFilter limits order listings.
type OrderFilter struct {
	UserID     string
	Status     []OrderStatus
	Pagination Pagination
}

// CounterCommand requests the next value from a named counter.
type CounterCommand struct {
	CounterID string
	Step      int64
}

// CounterValue is the value produced by a counter increment.
type CounterValue struct {
	CounterID string
	Value     int64
}

// CommerceEvent is the envelope published to the event bus.
type CommerceEvent struct {
	ID         string
	Type       string
	OccurredAt time.Time
	UserID     string
	OrderID    string
	Payload    map[string]any
}

// Notification is a customer-facing message dispatched best effort.
type Notification struct {
	UserID   string
	Kind     string
	Subject  string
	Body     string
	Metadata map[string]any
}
