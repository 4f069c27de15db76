package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/marigold-commerce/api/internal/domain"
	pfirestore "github.com/marigold-commerce/api/internal/platform/firestore"
	"github.com/marigold-commerce/api/internal/repositories"
)

const (
	cartCollection = "carts"
)

// CartRepository persists cart documents within Firestore. The document is
// keyed by the owning user ID, which enforces the one-active-cart-per-user
// upsert semantics at the storage layer.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

// Upsert persists the full cart document.
func (r *CartRepository) Upsert(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	cartID := strings.TrimSpace(cart.UserID)
	if cartID == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	now := time.Now().UTC()
	if !cart.UpdatedAt.IsZero() {
		now = cart.UpdatedAt.UTC()
	}
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	doc := encodeCartDocument(cart, createdAt, now)
	result, err := r.base.Set(ctx, cartID, doc)
	if err != nil {
		return domain.Cart{}, err
	}

	saved := decodeCartDocument(cartID, doc)
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// GetByUser loads the cart owned by the given user.
func (r *CartRepository) GetByUser(ctx context.Context, userID string) (domain.Cart, error) {
	return r.GetByID(ctx, userID)
}

// GetByID loads a cart by document ID. Cart IDs and user IDs coincide.
func (r *CartRepository) GetByID(ctx context.Context, cartID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	id := strings.TrimSpace(cartID)
	if id == "" {
		return domain.Cart{}, errors.New("cart repository: cart id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Cart{}, err
	}

	cart := decodeCartDocument(doc.ID, doc.Data)
	if !doc.UpdateTime.IsZero() {
		cart.UpdatedAt = doc.UpdateTime
	}
	return cart, nil
}

func encodeCartDocument(cart domain.Cart, createdAt, updatedAt time.Time) cartDocument {
	doc := cartDocument{
		UserID:          strings.TrimSpace(cart.UserID),
		Currency:        strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:           make([]cartLineDocument, 0, len(cart.Items)),
		Subtotal:        cart.Totals.Subtotal,
		Discount:        cart.Totals.Discount,
		Shipping:        cart.Totals.Shipping,
		Tax:             cart.Totals.Tax,
		Total:           cart.Totals.Total,
		DiscountApplied: cart.DiscountApplied,
		CouponCode:      strings.TrimSpace(cart.CouponCode),
		ReservationID:   strings.TrimSpace(cart.ReservationID),
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
	for _, line := range cart.Items {
		doc.Items = append(doc.Items, cartLineDocument{
			ProductID:     line.Variant.ProductID,
			Color:         line.Variant.Color,
			Size:          line.Variant.Size,
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			DesignerRef:   line.DesignerRef,
			Customization: cloneAnyMap(line.Customization),
			AddedAt:       line.AddedAt,
			UpdatedAt:     line.UpdatedAt,
		})
	}
	if cart.ShippingAddress != nil {
		doc.Address = &cartAddressDocument{
			Street:      cart.ShippingAddress.Street,
			City:        cart.ShippingAddress.City,
			State:       cart.ShippingAddress.State,
			Pincode:     cart.ShippingAddress.Pincode,
			Country:     cart.ShippingAddress.Country,
			PhoneNumber: cart.ShippingAddress.PhoneNumber,
		}
	}
	return doc
}

func decodeCartDocument(id string, doc cartDocument) domain.Cart {
	cart := domain.Cart{
		ID:       id,
		UserID:   doc.UserID,
		Currency: strings.ToUpper(strings.TrimSpace(doc.Currency)),
		Items:    make([]domain.CartLine, 0, len(doc.Items)),
		Totals: domain.CartTotals{
			Subtotal: doc.Subtotal,
			Discount: doc.Discount,
			Shipping: doc.Shipping,
			Tax:      doc.Tax,
			Total:    doc.Total,
		},
		DiscountApplied: doc.DiscountApplied,
		CouponCode:      doc.CouponCode,
		ReservationID:   doc.ReservationID,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	if cart.UserID == "" {
		cart.UserID = id
	}
	for _, line := range doc.Items {
		cart.Items = append(cart.Items, domain.CartLine{
			Variant: domain.VariantKey{
				ProductID: line.ProductID,
				Color:     line.Color,
				Size:      line.Size,
			},
			Quantity:      line.Quantity,
			UnitPrice:     line.UnitPrice,
			DesignerRef:   line.DesignerRef,
			Customization: cloneAnyMap(line.Customization),
			AddedAt:       line.AddedAt,
			UpdatedAt:     line.UpdatedAt,
		})
	}
	if doc.Address != nil {
		cart.ShippingAddress = &domain.Address{
			Street:      doc.Address.Street,
			City:        doc.Address.City,
			State:       doc.Address.State,
			Pincode:     doc.Address.Pincode,
			Country:     doc.Address.Country,
			PhoneNumber: doc.Address.PhoneNumber,
		}
	}
	return cart
}

func cloneAnyMap(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

type cartDocument struct {
	UserID          string               `firestore:"userId"`
	Currency        string               `firestore:"currency"`
	Items           []cartLineDocument   `firestore:"items"`
	Subtotal        float64              `firestore:"subtotal"`
	Discount        float64              `firestore:"discountAmount"`
	Shipping        float64              `firestore:"shippingCost"`
	Tax             float64              `firestore:"taxAmount"`
	Total           float64              `firestore:"totalAmount"`
	DiscountApplied bool                 `firestore:"discountApplied"`
	CouponCode      string               `firestore:"couponCode,omitempty"`
	Address         *cartAddressDocument `firestore:"address,omitempty"`
	ReservationID   string               `firestore:"reservationId,omitempty"`
	CreatedAt       time.Time            `firestore:"createdAt"`
	UpdatedAt       time.Time            `firestore:"updatedAt"`
}

type cartLineDocument struct {
	ProductID     string         `firestore:"productId"`
	Color         string         `firestore:"color"`
	Size          string         `firestore:"size"`
	Quantity      int            `firestore:"quantity"`
	UnitPrice     float64        `firestore:"unitPrice"`
	DesignerRef   string         `firestore:"designerRef,omitempty"`
	Customization map[string]any `firestore:"customizations,omitempty"`
	AddedAt       time.Time      `firestore:"addedAt"`
	UpdatedAt     *time.Time     `firestore:"updatedAt,omitempty"`
}

type cartAddressDocument struct {
	Street      string `firestore:"street"`
	City        string `firestore:"city"`
	State       string `firestore:"state"`
	Pincode     string `firestore:"pincode"`
	Country     string `firestore:"country"`
	PhoneNumber string `firestore:"phoneNumber,omitempty"`
}

var _ repositories.CartRepository = (*CartRepository)(nil)
