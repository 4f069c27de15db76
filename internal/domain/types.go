package domain

import (
	"fmt"
	"strings"
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// VariantKey identifies a sellable product variant. Stock is tracked per key.
type VariantKey struct {
	ProductID string
	Color     string
	Size      string
}

// String renders the canonical document key for a variant.
func (k VariantKey) String() string {
	return fmt.Sprintf("%s#%s#%s", k.ProductID, k.Color, k.Size)
}

// IsZero reports whether any identifying component is missing.
func (k VariantKey) IsZero() bool {
	return strings.TrimSpace(k.ProductID) == "" ||
		strings.TrimSpace(k.Color) == "" ||
		strings.TrimSpace(k.Size) == ""
}

// Address represents the shipping address captured on carts and orders.
// Street, City, State and Pincode are all required before an order may be
// created from the owning cart.
type Address struct {
	Street      string
	City        string
	State       string
	Pincode     string
	Country     string
	PhoneNumber string
}

// Complete reports whether the address carries every required field.
func (a Address) Complete() bool {
	return strings.TrimSpace(a.Street) != "" &&
		strings.TrimSpace(a.City) != "" &&
		strings.TrimSpace(a.State) != "" &&
		strings.TrimSpace(a.Pincode) != ""
}

// CartLine stores a single variant entry within a cart. Line identity is the
// variant key; adding the same variant again increments Quantity.
type CartLine struct {
	Variant       VariantKey
	Quantity      int
	UnitPrice     float64
	DesignerRef   string
	Customization map[string]any
	AddedAt       time.Time
	UpdatedAt     *time.Time
}

// LineTotal returns the extended price for the line.
func (l CartLine) LineTotal() float64 {
	return l.UnitPrice * float64(l.Quantity)
}

// CartTotals holds the rolled-up monetary fields for a cart. The invariant
// Total == Round2(Subtotal - Discount + Shipping + Tax) holds after every
// mutating cart operation.
type CartTotals struct {
	Subtotal float64
	Discount float64
	Shipping float64
	Tax      float64
	Total    float64
}

// Cart aggregates the mutable shopping state for a user. At most one active
// cart exists per user.
type Cart struct {
	ID              string
	UserID          string
	Currency        string
	Items           []CartLine
	Totals          CartTotals
	DiscountApplied bool
	CouponCode      string
	ShippingAddress *Address
	ReservationID   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Empty reports whether the cart has no line items.
func (c Cart) Empty() bool { return len(c.Items) == 0 }

// CouponGrant records a per-user entitlement on a user-restricted coupon.
type CouponGrant struct {
	UserID string
	IsUsed bool
}

// CouponPromotion carries optional limits for universal coupons.
type CouponPromotion struct {
	MaxUsage int
}

// Coupon describes a discount entitlement. A coupon is user-restricted when
// CreatedFor is non-empty; otherwise it is universal and Promotion.MaxUsage
// (when positive) caps total redemptions.
type Coupon struct {
	ID         string
	Code       string
	Amount     float64
	ExpiryDate time.Time
	IsActive   bool
	UsedBy     []string
	CreatedFor []CouponGrant
	Promotion  *CouponPromotion
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UserRestricted reports whether the coupon is scoped to named users.
func (c Coupon) UserRestricted() bool { return len(c.CreatedFor) > 0 }

// UsedByUser reports whether the given user already redeemed the coupon.
func (c Coupon) UsedByUser(userID string) bool {
	for _, id := range c.UsedBy {
		if id == userID {
			return true
		}
	}
	return false
}

// PaymentStatus enumerates the normalized lifecycle of a payment record.
type PaymentStatus string

const (
	// PaymentStatusInitiated indicates a session was created with the gateway.
	PaymentStatusInitiated PaymentStatus = "Initiated"
	// PaymentStatusPending indicates the gateway reported an in-flight payment.
	PaymentStatusPending PaymentStatus = "Pending"
	// PaymentStatusCompleted indicates the gateway confirmed capture. Terminal.
	PaymentStatusCompleted PaymentStatus = "Completed"
	// PaymentStatusFailed indicates the payment failed or expired. Terminal.
	PaymentStatusFailed PaymentStatus = "Failed"
)

// Terminal reports whether the status admits no further transitions.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// PaymentRecord is the durable bookkeeping entry for one payment attempt.
// Records are never deleted; they form the audit trail that reconciliation
// keys its idempotency on.
type PaymentRecord struct {
	ID             string
	TransactionID  string
	GatewayOrderID string
	UserID         string
	CartID         string
	Gateway        string
	Amount         float64
	Currency       string
	Status         PaymentStatus
	RedirectURL    string
	FailureReason  string
	OrderID        string
	OrderPending   bool
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	FailedAt       *time.Time
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPlaced indicates the order was created from a paid cart.
	OrderStatusPlaced OrderStatus = "Placed"
	// OrderStatusProcessing indicates fulfilment has started.
	OrderStatusProcessing OrderStatus = "Processing"
	// OrderStatusShipped indicates the order left the warehouse.
	OrderStatusShipped OrderStatus = "Shipped"
	// OrderStatusDelivered indicates the order reached the customer. Terminal.
	OrderStatusDelivered OrderStatus = "Delivered"
	// OrderStatusCancelled indicates the order was cancelled and its stock
	// restored. Terminal.
	OrderStatusCancelled OrderStatus = "Cancelled"
)

// OrderLine is the immutable snapshot of a cart line at order creation.
type OrderLine struct {
	Variant     VariantKey
	ProductName string
	Quantity    int
	UnitPrice   float64
	DesignerRef string
}

// StatusTimestamps records when each order status was entered.
type StatusTimestamps struct {
	Placed     *time.Time
	Processing *time.Time
	Shipped    *time.Time
	Delivered  *time.Time
	Cancelled  *time.Time
}

// Order is the sole source of truth for what was sold once created. Line
// items never change after creation; only Status and PaymentStatus mutate.
type Order struct {
	ID                 string
	OrderNumber        string
	UserID             string
	CartID             string
	TransactionID      string
	Items              []OrderLine
	Totals             CartTotals
	PaymentMethod      string
	PaymentStatus      PaymentStatus
	Status             OrderStatus
	ShippingAddress    Address
	Notes              string
	CancellationReason string
	CancelledBy        string
	Timestamps         StatusTimestamps
	InvoiceURL         string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StockLevel represents the persisted counter for one variant. OnHand never
// goes below zero; reserve is a conditional decrement enforced in-transaction.
type StockLevel struct {
	Variant   VariantKey
	Price     float64
	OnHand    int
	UpdatedAt time.Time
}

// ReservationLine stores per-variant quantities held by a reservation.
type ReservationLine struct {
	Variant  VariantKey
	Quantity int
}

// ReservationStatus enumerates lifecycle states for stock reservations.
type ReservationStatus string

const (
	// ReservationStatusHeld indicates stock is decremented and held.
	ReservationStatusHeld ReservationStatus = "held"
	// ReservationStatusCommitted indicates the held stock was sold.
	ReservationStatusCommitted ReservationStatus = "committed"
	// ReservationStatusReleased indicates the held stock was restored.
	ReservationStatusReleased ReservationStatus = "released"
)

// Reservation tracks stock held for a cart ahead of payment. ExpiresAt feeds
// the abandoned-cart sweep; a reservation tied to an in-flight payment is
// skipped by the sweep until the payment resolves.
type Reservation struct {
	ID          string
	OwnerRef    string
	Status      ReservationStatus
	Lines       []ReservationLine
	Reason      string
	ExpiresAt   time.Time
	ReleasedAt  *time.Time
	CommittedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StockEvent captures stock movements for downstream audit.
type StockEvent struct {
	Type       string
	Variant    VariantKey
	Delta      int
	OnHand     int
	OwnerRef   string
	Reason     string
	OccurredAt time.Time
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
