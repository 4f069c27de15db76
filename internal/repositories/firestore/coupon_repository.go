package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/marigold-commerce/api/internal/domain"
	pfirestore "github.com/marigold-commerce/api/internal/platform/firestore"
	"github.com/marigold-commerce/api/internal/repositories"
)

const couponsCollection = "coupons"

// CouponRepository persists coupon documents. ApplyToCart couples the usage
// mutation with the cart discount write in one transaction so a coupon can
// never be consumed without the discount landing, or vice versa.
type CouponRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[couponDocument]
}

func NewCouponRepository(provider *pfirestore.Provider) (*CouponRepository, error) {
	if provider == nil {
		return nil, errors.New("coupon repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[couponDocument](provider, couponsCollection, nil, nil)
	return &CouponRepository{provider: provider, base: base}, nil
}

// Insert creates a new coupon. The code must be unique; an existing coupon
// with the same code yields a conflict.
func (r *CouponRepository) Insert(ctx context.Context, coupon domain.Coupon) error {
	if r == nil || r.provider == nil {
		return errors.New("coupon repository not initialised")
	}
	couponID := strings.TrimSpace(coupon.ID)
	if couponID == "" {
		return errors.New("coupon insert: id is required")
	}
	code := strings.TrimSpace(coupon.Code)
	if code == "" {
		return errors.New("coupon insert: code is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		dup := tx.Documents(client.Collection(couponsCollection).Where("code", "==", code).Limit(1))
		defer dup.Stop()
		if _, err := dup.Next(); err == nil {
			return pfirestore.WrapError("coupon.insert", status.Error(codes.AlreadyExists, fmt.Sprintf("coupon code %s already exists", code)))
		} else if !errors.Is(err, iterator.Done) {
			return err
		}

		ref, err := r.base.DocumentRef(ctx, couponID)
		if err != nil {
			return err
		}
		return tx.Create(ref, encodeCouponDocument(coupon))
	})
	if err != nil {
		return pfirestore.WrapError("coupon.insert", err)
	}
	return nil
}

// Update overwrites an existing coupon document.
func (r *CouponRepository) Update(ctx context.Context, coupon domain.Coupon) error {
	if r == nil || r.base == nil {
		return errors.New("coupon repository not initialised")
	}
	couponID := strings.TrimSpace(coupon.ID)
	if couponID == "" {
		return errors.New("coupon update: id is required")
	}
	if _, err := r.base.Set(ctx, couponID, encodeCouponDocument(coupon)); err != nil {
		return pfirestore.WrapError("coupon.update", err)
	}
	return nil
}

func (r *CouponRepository) FindByCode(ctx context.Context, code string) (domain.Coupon, error) {
	if r == nil || r.provider == nil {
		return domain.Coupon{}, errors.New("coupon repository not initialised")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Coupon{}, errors.New("coupon find: code is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupon.findByCode", err)
	}

	iter := client.Collection(couponsCollection).Where("code", "==", code).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Coupon{}, pfirestore.WrapError("coupon.findByCode", status.Error(codes.NotFound, fmt.Sprintf("coupon %s not found", code)))
	}
	if err != nil {
		return domain.Coupon{}, pfirestore.WrapError("coupon.findByCode", err)
	}
	doc, err := decodeCouponSnapshot(snap)
	if err != nil {
		return domain.Coupon{}, err
	}
	return doc.toDomain(snap.Ref.ID), nil
}

func (r *CouponRepository) List(ctx context.Context, filter repositories.CouponListFilter) (domain.CursorPage[domain.Coupon], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Coupon]{}, errors.New("coupon repository not initialised")
	}

	pageSize := clampPageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupon.list", err)
	}

	query := client.Collection(couponsCollection).Query
	if filter.ActiveOnly {
		query = query.Where("isActive", "==", true)
	}
	if userID := strings.TrimSpace(filter.ForUserID); userID != "" {
		query = query.Where("createdForIds", "array-contains", userID)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := decodeListPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupon.list", err)
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var coupons []domain.Coupon
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupon.list", err)
		}
		doc, err := decodeCouponSnapshot(snap)
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, err
		}
		coupons = append(coupons, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(coupons) > pageSize
	if hasMore {
		coupons = coupons[:pageSize]
	}
	var nextToken string
	if hasMore && len(coupons) > 0 {
		last := coupons[len(coupons)-1]
		encoded, err := encodeListPageToken(listPageToken{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Coupon]{}, pfirestore.WrapError("coupon.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Coupon]{Items: coupons, NextPageToken: nextToken}, nil
}

// ApplyToCart redeems the coupon for the cart's owner. The request's Validate
// callback re-runs eligibility against the transactional reads, so two
// concurrent redemptions cannot both pass a stale check. On success the
// coupon usage and the cart discount commit together.
func (r *CouponRepository) ApplyToCart(ctx context.Context, req repositories.CouponApplyRequest) (repositories.CouponApplyResult, error) {
	if r == nil || r.provider == nil {
		return repositories.CouponApplyResult{}, errors.New("coupon repository not initialised")
	}
	couponID := strings.TrimSpace(req.CouponID)
	cartID := strings.TrimSpace(req.CartID)
	userID := strings.TrimSpace(req.UserID)
	if couponID == "" || cartID == "" || userID == "" {
		return repositories.CouponApplyResult{}, errors.New("coupon apply: coupon id, cart id and user id are required")
	}
	if req.Validate == nil {
		return repositories.CouponApplyResult{}, errors.New("coupon apply: validate callback is required")
	}

	now := req.Now.UTC()
	var result repositories.CouponApplyResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		couponRef, err := r.base.DocumentRef(ctx, couponID)
		if err != nil {
			return err
		}
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		cartRef := client.Collection(cartCollection).Doc(cartID)

		couponSnap, err := tx.Get(couponRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.WrapError("coupon.apply", status.Error(codes.NotFound, fmt.Sprintf("coupon %s not found", couponID)))
			}
			return err
		}
		couponDoc, err := decodeCouponSnapshot(couponSnap)
		if err != nil {
			return err
		}
		coupon := couponDoc.toDomain(couponSnap.Ref.ID)

		cartSnap, err := tx.Get(cartRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.WrapError("coupon.apply", status.Error(codes.NotFound, fmt.Sprintf("cart %s not found", cartID)))
			}
			return err
		}
		var cartDoc cartDocument
		if err := cartSnap.DataTo(&cartDoc); err != nil {
			return fmt.Errorf("decode cart %s: %w", cartID, err)
		}
		cart := decodeCartDocument(cartSnap.Ref.ID, cartDoc)

		discount, err := req.Validate(coupon, cart)
		if err != nil {
			return err
		}

		coupon.UsedBy = append(coupon.UsedBy, userID)
		for i := range coupon.CreatedFor {
			if coupon.CreatedFor[i].UserID == userID {
				coupon.CreatedFor[i].IsUsed = true
			}
		}
		if !coupon.UserRestricted() && coupon.Promotion != nil && coupon.Promotion.MaxUsage > 0 && len(coupon.UsedBy) >= coupon.Promotion.MaxUsage {
			coupon.IsActive = false
		}
		coupon.UpdatedAt = now

		cart.Totals.Discount = discount
		cart.Totals.Total = domain.Round2(cart.Totals.Subtotal - cart.Totals.Discount + cart.Totals.Shipping + cart.Totals.Tax)
		cart.DiscountApplied = true
		cart.CouponCode = coupon.Code
		cart.UpdatedAt = now

		if err := tx.Set(couponRef, encodeCouponDocument(coupon)); err != nil {
			return err
		}
		if err := tx.Set(cartRef, encodeCartDocument(cart, cart.CreatedAt, now)); err != nil {
			return err
		}

		result = repositories.CouponApplyResult{Cart: cart, Coupon: coupon}
		return nil
	})
	if err != nil {
		return repositories.CouponApplyResult{}, err
	}
	return result, nil
}

// DeactivateExpired flips isActive off for coupons past their expiry date and
// reports how many were touched. The hourly sweep calls this in a loop until
// it returns zero.
func (r *CouponRepository) DeactivateExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("coupon repository not initialised")
	}
	if limit <= 0 {
		limit = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("coupon.deactivateExpired", err)
	}

	iter := client.Collection(couponsCollection).
		Where("isActive", "==", true).
		Where("expiryDate", "<", now.UTC()).
		Limit(limit).
		Documents(ctx)
	defer iter.Stop()

	updated := 0
	stamp := now.UTC()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return updated, pfirestore.WrapError("coupon.deactivateExpired", err)
		}
		_, err = snap.Ref.Update(ctx, []firestore.Update{
			{Path: "isActive", Value: false},
			{Path: "updatedAt", Value: stamp},
		})
		if err != nil {
			return updated, pfirestore.WrapError("coupon.deactivateExpired", err)
		}
		updated++
	}
	return updated, nil
}

// Helper structures ---------------------------------------------------------

type couponDocument struct {
	Code          string                 `firestore:"code"`
	Amount        float64                `firestore:"amount"`
	ExpiryDate    time.Time              `firestore:"expiryDate"`
	IsActive      bool                   `firestore:"isActive"`
	UsedBy        []string               `firestore:"usedBy"`
	CreatedFor    []couponGrantDocument  `firestore:"createdFor"`
	CreatedForIds []string               `firestore:"createdForIds"`
	Promotion     *couponPromotionValues `firestore:"promotion,omitempty"`
	CreatedAt     time.Time              `firestore:"createdAt"`
	UpdatedAt     time.Time              `firestore:"updatedAt"`
}

type couponGrantDocument struct {
	UserID string `firestore:"userId"`
	IsUsed bool   `firestore:"isUsed"`
}

type couponPromotionValues struct {
	MaxUsage int `firestore:"maxUsage"`
}

func encodeCouponDocument(coupon domain.Coupon) couponDocument {
	grants := make([]couponGrantDocument, len(coupon.CreatedFor))
	grantIds := make([]string, len(coupon.CreatedFor))
	for i, grant := range coupon.CreatedFor {
		grants[i] = couponGrantDocument{UserID: strings.TrimSpace(grant.UserID), IsUsed: grant.IsUsed}
		grantIds[i] = grants[i].UserID
	}
	var promotion *couponPromotionValues
	if coupon.Promotion != nil {
		promotion = &couponPromotionValues{MaxUsage: coupon.Promotion.MaxUsage}
	}
	return couponDocument{
		Code:          strings.TrimSpace(coupon.Code),
		Amount:        coupon.Amount,
		ExpiryDate:    coupon.ExpiryDate.UTC(),
		IsActive:      coupon.IsActive,
		UsedBy:        append([]string(nil), coupon.UsedBy...),
		CreatedFor:    grants,
		CreatedForIds: grantIds,
		Promotion:     promotion,
		CreatedAt:     coupon.CreatedAt.UTC(),
		UpdatedAt:     coupon.UpdatedAt.UTC(),
	}
}

func (d couponDocument) toDomain(id string) domain.Coupon {
	grants := make([]domain.CouponGrant, len(d.CreatedFor))
	for i, grant := range d.CreatedFor {
		grants[i] = domain.CouponGrant{UserID: strings.TrimSpace(grant.UserID), IsUsed: grant.IsUsed}
	}
	var promotion *domain.CouponPromotion
	if d.Promotion != nil {
		promotion = &domain.CouponPromotion{MaxUsage: d.Promotion.MaxUsage}
	}
	return domain.Coupon{
		ID:         id,
		Code:       strings.TrimSpace(d.Code),
		Amount:     d.Amount,
		ExpiryDate: d.ExpiryDate,
		IsActive:   d.IsActive,
		UsedBy:     append([]string(nil), d.UsedBy...),
		CreatedFor: grants,
		Promotion:  promotion,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func decodeCouponSnapshot(snap *firestore.DocumentSnapshot) (couponDocument, error) {
	var doc couponDocument
	if err := snap.DataTo(&doc); err != nil {
		return couponDocument{}, fmt.Errorf("decode coupon %s: %w", snap.Ref.ID, err)
	}
	return doc, nil
}

var _ repositories.CouponRepository = (*CouponRepository)(nil)
