package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"

	domain "github.com/marigold-commerce/api/internal/domain"
	"github.com/marigold-commerce/api/internal/repositories"
)

var (
	// ErrCouponInvalidInput signals the caller provided invalid arguments.
	ErrCouponInvalidInput = errors.New("coupon: invalid input")
	// ErrCouponNotFound indicates no coupon exists for the code.
	ErrCouponNotFound = errors.New("coupon: not found")
	// ErrCouponCodeTaken indicates another coupon already owns the code.
	ErrCouponCodeTaken = errors.New("coupon: code already exists")
	// ErrCouponInactive indicates the coupon is switched off.
	ErrCouponInactive = errors.New("coupon: inactive")
	// ErrCouponExpired indicates the coupon's expiry date has passed.
	ErrCouponExpired = errors.New("coupon: expired")
	// ErrCouponNotEligible indicates the coupon is restricted to other users.
	ErrCouponNotEligible = errors.New("coupon: not eligible for user")
	// ErrCouponAlreadyUsed indicates this user already redeemed the coupon.
	ErrCouponAlreadyUsed = errors.New("coupon: already used by user")
	// ErrCouponExhausted indicates a universal coupon hit its usage cap.
	ErrCouponExhausted = errors.New("coupon: usage limit reached")
	// ErrCouponCartEmpty indicates there is nothing to discount.
	ErrCouponCartEmpty = errors.New("coupon: cart is empty")
	// ErrCouponCartDiscounted indicates the cart already carries a discount.
	ErrCouponCartDiscounted = errors.New("coupon: cart already discounted")
)

// CouponServiceDeps bundles the collaborators required to construct a coupon service.
type CouponServiceDeps struct {
	Coupons     repositories.CouponRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type couponService struct {
	repo   repositories.CouponRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewCouponService wires dependencies into a concrete CouponService implementation.
func NewCouponService(deps CouponServiceDeps) (CouponService, error) {
	if deps.Coupons == nil {
		return nil, errors.New("coupon service: coupon repository is required")
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

	return &couponService{
		repo: deps.Coupons,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// NormalizeCouponCode canonicalises a user-typed code: unicode compatibility
// normalisation, then uppercase, so "ｗelcome50" and "WELCOME50" match.
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(norm.NFKC.String(code)))
}

func (s *couponService) Create(ctx context.Context, cmd CreateCouponCommand) (Coupon, error) {
	code := NormalizeCouponCode(cmd.Code)
	if code == "" {
		return Coupon{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	if cmd.Amount <= 0 {
		return Coupon{}, fmt.Errorf("%w: amount must be > 0", ErrCouponInvalidInput)
	}
	now := s.clock()
	if !cmd.ExpiryDate.IsZero() && cmd.ExpiryDate.Before(now) {
		return Coupon{}, fmt.Errorf("%w: expiry date is in the past", ErrCouponInvalidInput)
	}

	grants := make([]domain.CouponGrant, 0, len(cmd.ForUserIDs))
	seen := map[string]bool{}
	for _, userID := range cmd.ForUserIDs {
		userID = strings.TrimSpace(userID)
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		grants = append(grants, domain.CouponGrant{UserID: userID})
	}

	coupon := domain.Coupon{
		ID:         s.newID(),
		Code:       code,
		Amount:     cmd.Amount,
		ExpiryDate: cmd.ExpiryDate.UTC(),
		IsActive:   true,
		CreatedFor: grants,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if len(grants) == 0 && cmd.MaxUsage > 0 {
		coupon.Promotion = &domain.CouponPromotion{MaxUsage: cmd.MaxUsage}
	}

	if err := s.repo.Insert(ctx, coupon); err != nil {
		if isRepoConflict(err) {
			return Coupon{}, fmt.Errorf("%w: %s", ErrCouponCodeTaken, code)
		}
		return Coupon{}, err
	}
	return coupon, nil
}

func (s *couponService) Update(ctx context.Context, cmd UpdateCouponCommand) (Coupon, error) {
	coupon, err := s.GetByCode(ctx, cmd.Code)
	if err != nil {
		return Coupon{}, err
	}

	if cmd.Amount != nil {
		if *cmd.Amount <= 0 {
			return Coupon{}, fmt.Errorf("%w: amount must be > 0", ErrCouponInvalidInput)
		}
		coupon.Amount = *cmd.Amount
	}
	if cmd.ExpiryDate != nil {
		coupon.ExpiryDate = cmd.ExpiryDate.UTC()
	}
	if cmd.IsActive != nil {
		coupon.IsActive = *cmd.IsActive
	}
	if cmd.MaxUsage != nil {
		if coupon.UserRestricted() {
			return Coupon{}, fmt.Errorf("%w: max usage does not apply to user-restricted coupons", ErrCouponInvalidInput)
		}
		if *cmd.MaxUsage > 0 {
			coupon.Promotion = &domain.CouponPromotion{MaxUsage: *cmd.MaxUsage}
		} else {
			coupon.Promotion = nil
		}
	}
	coupon.UpdatedAt = s.clock()

	if err := s.repo.Update(ctx, coupon); err != nil {
		return Coupon{}, err
	}
	return coupon, nil
}

func (s *couponService) GetByCode(ctx context.Context, code string) (Coupon, error) {
	code = NormalizeCouponCode(code)
	if code == "" {
		return Coupon{}, fmt.Errorf("%w: code is required", ErrCouponInvalidInput)
	}
	coupon, err := s.repo.FindByCode(ctx, code)
	if err != nil {
		if isRepoNotFound(err) {
			return Coupon{}, fmt.Errorf("%w: %s", ErrCouponNotFound, code)
		}
		return Coupon{}, err
	}
	return coupon, nil
}

func (s *couponService) List(ctx context.Context, filter CouponFilter) (domain.CursorPage[Coupon], error) {
	return s.repo.List(ctx, repositories.CouponListFilter{
		ActiveOnly: filter.ActiveOnly,
		Pagination: filter.Pagination,
	})
}

// ListForUser returns active coupons the user can still redeem: their unused
// grants plus universal coupons they have not consumed.
func (s *couponService) ListForUser(ctx context.Context, userID string) ([]Coupon, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrCouponInvalidInput)
	}

	page, err := s.repo.List(ctx, repositories.CouponListFilter{
		ActiveOnly: true,
		Pagination: domain.Pagination{PageSize: 200},
	})
	if err != nil {
		return nil, err
	}

	now := s.clock()
	var eligible []Coupon
	for _, coupon := range page.Items {
		if err := s.checkEligibility(coupon, userID, now); err != nil {
			continue
		}
		eligible = append(eligible, coupon)
	}
	return eligible, nil
}

// Apply redeems the coupon for the user's cart. Eligibility re-runs inside
// the repository transaction against the freshest coupon and cart state, so
// two rapid submissions of the same code cannot both land.
func (s *couponService) Apply(ctx context.Context, cmd ApplyCouponCommand) (Cart, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCouponInvalidInput)
	}

	coupon, err := s.GetByCode(ctx, cmd.Code)
	if err != nil {
		return Cart{}, err
	}

	result, err := s.repo.ApplyToCart(ctx, repositories.CouponApplyRequest{
		CouponID: coupon.ID,
		CartID:   userID,
		UserID:   userID,
		Now:      s.clock(),
		Validate: func(current domain.Coupon, cart domain.Cart) (float64, error) {
			if cart.Empty() {
				return 0, ErrCouponCartEmpty
			}
			if cart.DiscountApplied {
				return 0, ErrCouponCartDiscounted
			}
			if err := s.checkEligibility(current, userID, s.clock()); err != nil {
				return 0, err
			}
			discount := current.Amount
			if discount > cart.Totals.Subtotal {
				discount = cart.Totals.Subtotal
			}
			return domain.Round2(discount), nil
		},
	})
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, fmt.Errorf("%w: cart for user %s", ErrCartNotFound, userID)
		}
		return Cart{}, err
	}

	s.logger(ctx, "coupon.applied", map[string]any{
		"code":     result.Coupon.Code,
		"userId":   userID,
		"discount": result.Cart.Totals.Discount,
	})
	return result.Cart, nil
}

// DeactivateExpired drains expired active coupons in batches. The hourly
// sweep keeps calling until nothing is left.
func (s *couponService) DeactivateExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.repo.DeactivateExpired(ctx, s.clock(), 100)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

func (s *couponService) checkEligibility(coupon Coupon, userID string, now time.Time) error {
	if !coupon.IsActive {
		return fmt.Errorf("%w: %s", ErrCouponInactive, coupon.Code)
	}
	if !coupon.ExpiryDate.IsZero() && coupon.ExpiryDate.Before(now) {
		return fmt.Errorf("%w: %s", ErrCouponExpired, coupon.Code)
	}
	if coupon.UsedByUser(userID) {
		return fmt.Errorf("%w: %s", ErrCouponAlreadyUsed, coupon.Code)
	}
	if coupon.UserRestricted() {
		for _, grant := range coupon.CreatedFor {
			if grant.UserID == userID {
				if grant.IsUsed {
					return fmt.Errorf("%w: %s", ErrCouponAlreadyUsed, coupon.Code)
				}
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrCouponNotEligible, coupon.Code)
	}
	if coupon.Promotion != nil && coupon.Promotion.MaxUsage > 0 && len(coupon.UsedBy) >= coupon.Promotion.MaxUsage {
		return fmt.Errorf("%w: %s", ErrCouponExhausted, coupon.Code)
	}
	return nil
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
