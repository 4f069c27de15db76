package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/marigold-commerce/api/internal/domain"
	"github.com/marigold-commerce/api/internal/platform/textutil"
	"github.com/marigold-commerce/api/internal/repositories"
)

const defaultShippingFeePerLine = 99.0

var (
	// ErrCartInvalidInput signals the caller provided invalid arguments.
	ErrCartInvalidInput = errors.New("cart: invalid input")
	// ErrCartNotFound indicates no cart exists for the user.
	ErrCartNotFound = errors.New("cart: not found")
	// ErrCartItemNotFound indicates the referenced line is not in the cart.
	ErrCartItemNotFound = errors.New("cart: item not found")
)

// Address fields a client may patch. Anything else in the payload rejects
// the whole patch.
var shippingAddressFields = map[string]bool{
	"street":      true,
	"city":        true,
	"state":       true,
	"pincode":     true,
	"country":     true,
	"phoneNumber": true,
}

// CartServiceDeps bundles the collaborators required to construct a cart service.
type CartServiceDeps struct {
	Carts              repositories.CartRepository
	Inventory          InventoryService
	ShippingFeePerLine float64
	Currency           string
	Clock              func() time.Time
	Logger             func(ctx context.Context, event string, fields map[string]any)
}

type cartService struct {
	carts      repositories.CartRepository
	inventory  InventoryService
	feePerLine float64
	currency   string
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewCartService wires dependencies into a concrete CartService implementation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errors.New("cart service: cart repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("cart service: inventory service is required")
	}

	fee := deps.ShippingFeePerLine
	if fee <= 0 {
		fee = defaultShippingFeePerLine
	}
	currency := strings.TrimSpace(deps.Currency)
	if currency == "" {
		currency = "INR"
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:      deps.Carts,
		inventory:  deps.Inventory,
		feePerLine: fee,
		currency:   currency,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *cartService) GetOrCreate(ctx context.Context, userID string) (Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return s.emptyCart(userID), nil
		}
		return Cart{}, err
	}
	return cart, nil
}

func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	if err := validateAddItem(cmd); err != nil {
		return Cart{}, err
	}

	cart, err := s.loadOrNew(ctx, cmd.UserID)
	if err != nil {
		return Cart{}, err
	}

	price, err := s.unitPriceFor(ctx, cmd.Variant)
	if err != nil {
		return Cart{}, err
	}

	now := s.clock()
	items := cloneLines(cart.Items)
	merged := false
	for i := range items {
		if items[i].Variant == cmd.Variant {
			items[i].Quantity += cmd.Quantity
			items[i].UnitPrice = price
			if cmd.Customization != nil {
				items[i].Customization = cmd.Customization
			}
			stamp := now
			items[i].UpdatedAt = &stamp
			merged = true
			break
		}
	}
	if !merged {
		items = append(items, domain.CartLine{
			Variant:       cmd.Variant,
			Quantity:      cmd.Quantity,
			UnitPrice:     price,
			DesignerRef:   strings.TrimSpace(cmd.DesignerRef),
			Customization: cmd.Customization,
			AddedAt:       now,
		})
	}

	return s.commitItems(ctx, cart, items)
}

func (s *cartService) UpdateQuantity(ctx context.Context, cmd UpdateCartQuantityCommand) (Cart, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if cmd.Variant.IsZero() {
		return Cart{}, fmt.Errorf("%w: variant key is required", ErrCartInvalidInput)
	}
	if cmd.Quantity < 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be >= 0", ErrCartInvalidInput)
	}

	cart, err := s.load(ctx, cmd.UserID)
	if err != nil {
		return Cart{}, err
	}

	now := s.clock()
	items := cloneLines(cart.Items)
	index := -1
	for i := range items {
		if items[i].Variant == cmd.Variant {
			index = i
			break
		}
	}
	if index < 0 {
		return Cart{}, fmt.Errorf("%w: %s", ErrCartItemNotFound, cmd.Variant.String())
	}

	if cmd.Quantity == 0 {
		items = append(items[:index], items[index+1:]...)
	} else {
		items[index].Quantity = cmd.Quantity
		stamp := now
		items[index].UpdatedAt = &stamp
	}

	return s.commitItems(ctx, cart, items)
}

func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	return s.UpdateQuantity(ctx, UpdateCartQuantityCommand{
		UserID:   cmd.UserID,
		Variant:  cmd.Variant,
		Quantity: 0,
	})
}

// ReplaceItems swaps the whole cart content atomically: the reservation
// moves from the old line set to the new one in a single stock transaction,
// so a shortfall on any new line leaves the old cart untouched.
func (s *cartService) ReplaceItems(ctx context.Context, cmd ReplaceCartItemsCommand) (Cart, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	now := s.clock()
	byVariant := make(map[domain.VariantKey]int, len(cmd.Items))
	var items []domain.CartLine
	for _, item := range cmd.Items {
		item.UserID = cmd.UserID
		if err := validateAddItem(item); err != nil {
			return Cart{}, err
		}
		if idx, ok := byVariant[item.Variant]; ok {
			items[idx].Quantity += item.Quantity
			continue
		}
		price, err := s.unitPriceFor(ctx, item.Variant)
		if err != nil {
			return Cart{}, err
		}
		byVariant[item.Variant] = len(items)
		items = append(items, domain.CartLine{
			Variant:       item.Variant,
			Quantity:      item.Quantity,
			UnitPrice:     price,
			DesignerRef:   strings.TrimSpace(item.DesignerRef),
			Customization: item.Customization,
			AddedAt:       now,
		})
	}

	cart, err := s.loadOrNew(ctx, cmd.UserID)
	if err != nil {
		return Cart{}, err
	}

	return s.commitItems(ctx, cart, items)
}

func (s *cartService) UpdateShippingAddress(ctx context.Context, cmd UpdateShippingAddressCommand) (Cart, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	fields := textutil.NormalizeStringMap(cmd.Fields)
	if len(fields) == 0 {
		return Cart{}, fmt.Errorf("%w: no address fields supplied", ErrCartInvalidInput)
	}

	cart, err := s.load(ctx, cmd.UserID)
	if err != nil {
		return Cart{}, err
	}

	address := domain.Address{}
	if cart.ShippingAddress != nil {
		address = *cart.ShippingAddress
	}
	for field, value := range fields {
		if !shippingAddressFields[field] {
			return Cart{}, fmt.Errorf("%w: unknown address field %q", ErrCartInvalidInput, field)
		}
		switch field {
		case "street":
			address.Street = value
		case "city":
			address.City = value
		case "state":
			address.State = value
		case "pincode":
			address.Pincode = value
		case "country":
			address.Country = value
		case "phoneNumber":
			address.PhoneNumber = value
		}
	}
	if !address.Complete() {
		return Cart{}, fmt.Errorf("%w: address requires street, city, state and pincode", ErrCartInvalidInput)
	}

	cart.ShippingAddress = &address
	cart.UpdatedAt = s.clock()

	updated, err := s.carts.Upsert(ctx, cart)
	if err != nil {
		return Cart{}, err
	}
	return updated, nil
}

func (s *cartService) Clear(ctx context.Context, userID string) (Cart, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetByUser(ctx, userID)
	if err != nil {
		if isRepoNotFound(err) {
			return s.emptyCart(userID), nil
		}
		return Cart{}, err
	}
	if cart.Empty() && cart.ReservationID == "" {
		return cart, nil
	}

	return s.commitItems(ctx, cart, nil)
}

// commitItems syncs stock to the new line set, then persists the cart with
// recomputed totals. The stock sync happens first: if it fails nothing else
// changed, and if the cart write fails afterwards the reservation TTL sweep
// eventually returns the held stock.
func (s *cartService) commitItems(ctx context.Context, cart Cart, items []domain.CartLine) (Cart, error) {
	now := s.clock()

	lines := make([]domain.ReservationLine, len(items))
	for i, item := range items {
		lines[i] = domain.ReservationLine{Variant: item.Variant, Quantity: item.Quantity}
	}

	if len(lines) > 0 || cart.ReservationID != "" {
		reservation, err := s.inventory.SyncCartReservation(ctx, SyncCartReservationCommand{
			ReservationID: cart.ReservationID,
			OwnerRef:      "cart:" + cart.UserID,
			Lines:         lines,
		})
		if err != nil {
			return Cart{}, err
		}
		if len(lines) == 0 {
			cart.ReservationID = ""
		} else {
			cart.ReservationID = reservation.ID
		}
	}

	cart.Items = items
	cart.Currency = s.currency
	s.recomputeTotals(&cart)
	cart.UpdatedAt = now
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}

	updated, err := s.carts.Upsert(ctx, cart)
	if err != nil {
		return Cart{}, err
	}
	return updated, nil
}

// recomputeTotals applies the pricing rules: per-line flat shipping, zero
// tax, discount clamped to subtotal and dropped entirely on an empty cart.
func (s *cartService) recomputeTotals(cart *Cart) {
	subtotal := 0.0
	for _, item := range cart.Items {
		subtotal += item.LineTotal()
	}
	subtotal = domain.Round2(subtotal)

	shipping := 0.0
	if len(cart.Items) > 0 {
		shipping = domain.Round2(s.feePerLine * float64(len(cart.Items)))
	}

	discount := cart.Totals.Discount
	if len(cart.Items) == 0 {
		discount = 0
		cart.DiscountApplied = false
		cart.CouponCode = ""
	} else if discount > subtotal {
		discount = subtotal
	}

	cart.Totals = domain.CartTotals{
		Subtotal: subtotal,
		Discount: discount,
		Shipping: shipping,
		Tax:      0,
		Total:    domain.Round2(subtotal - discount + shipping),
	}
}

func (s *cartService) load(ctx context.Context, userID string) (Cart, error) {
	cart, err := s.carts.GetByUser(ctx, strings.TrimSpace(userID))
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, fmt.Errorf("%w: user %s", ErrCartNotFound, strings.TrimSpace(userID))
		}
		return Cart{}, err
	}
	return cart, nil
}

func (s *cartService) loadOrNew(ctx context.Context, userID string) (Cart, error) {
	cart, err := s.carts.GetByUser(ctx, strings.TrimSpace(userID))
	if err != nil {
		if isRepoNotFound(err) {
			return s.emptyCart(strings.TrimSpace(userID)), nil
		}
		return Cart{}, err
	}
	return cart, nil
}

func (s *cartService) emptyCart(userID string) Cart {
	return Cart{
		ID:       userID,
		UserID:   userID,
		Currency: s.currency,
	}
}

func validateAddItem(cmd AddCartItemCommand) error {
	if strings.TrimSpace(cmd.UserID) == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if cmd.Variant.IsZero() {
		return fmt.Errorf("%w: variant key is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0", ErrCartInvalidInput)
	}
	return nil
}

// unitPriceFor resolves the selling price for a variant from its stock
// record. Prices never come from request input; a variant without a stock
// record cannot be carted.
func (s *cartService) unitPriceFor(ctx context.Context, variant domain.VariantKey) (float64, error) {
	level, err := s.inventory.GetStock(ctx, variant)
	if err != nil {
		if errors.Is(err, ErrInventoryVariantNotFound) {
			return 0, fmt.Errorf("%w: unknown variant %s", ErrCartInvalidInput, variant.String())
		}
		return 0, err
	}
	return level.Price, nil
}

func cloneLines(lines []domain.CartLine) []domain.CartLine {
	if len(lines) == 0 {
		return nil
	}
	out := make([]domain.CartLine, len(lines))
	copy(out, lines)
	return out
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
