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

const paymentsCollection = "payments"

// PaymentRepository persists payment records keyed by transaction ID. The
// key choice makes Insert a natural duplicate guard and lets webhook handling
// address records without a secondary lookup.
type PaymentRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[paymentDocument]
}

func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[paymentDocument](provider, paymentsCollection, nil, nil)
	return &PaymentRepository{provider: provider, base: base}, nil
}

// Insert creates a payment record. A record with the same transaction ID
// already existing is a conflict, never an overwrite.
func (r *PaymentRepository) Insert(ctx context.Context, record domain.PaymentRecord) error {
	if r == nil || r.provider == nil {
		return errors.New("payment repository not initialised")
	}
	transactionID := strings.TrimSpace(record.TransactionID)
	if transactionID == "" {
		return errors.New("payment insert: transaction id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, transactionID)
		if err != nil {
			return err
		}
		return tx.Create(ref, encodePaymentDocument(record))
	})
	if err != nil {
		return pfirestore.WrapError("payment.insert", err)
	}
	return nil
}

// Update overwrites a payment record outside any guard. Reconciliation paths
// must use Transition instead.
func (r *PaymentRepository) Update(ctx context.Context, record domain.PaymentRecord) error {
	if r == nil || r.base == nil {
		return errors.New("payment repository not initialised")
	}
	transactionID := strings.TrimSpace(record.TransactionID)
	if transactionID == "" {
		return errors.New("payment update: transaction id is required")
	}
	if _, err := r.base.Set(ctx, transactionID, encodePaymentDocument(record)); err != nil {
		return pfirestore.WrapError("payment.update", err)
	}
	return nil
}

func (r *PaymentRepository) FindByTransactionID(ctx context.Context, transactionID string) (domain.PaymentRecord, error) {
	if r == nil || r.base == nil {
		return domain.PaymentRecord{}, errors.New("payment repository not initialised")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return domain.PaymentRecord{}, errors.New("payment find: transaction id is required")
	}

	doc, err := r.base.Get(ctx, transactionID)
	if err != nil {
		return domain.PaymentRecord{}, pfirestore.WrapError("payment.findByTransactionID", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *PaymentRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.PaymentRecord, error) {
	if r == nil || r.provider == nil {
		return domain.PaymentRecord{}, errors.New("payment repository not initialised")
	}
	gatewayOrderID = strings.TrimSpace(gatewayOrderID)
	if gatewayOrderID == "" {
		return domain.PaymentRecord{}, errors.New("payment find: gateway order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.PaymentRecord{}, pfirestore.WrapError("payment.findByGatewayOrderID", err)
	}

	iter := client.Collection(paymentsCollection).Where("gatewayOrderId", "==", gatewayOrderID).Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.PaymentRecord{}, pfirestore.WrapError("payment.findByGatewayOrderID", status.Error(codes.NotFound, fmt.Sprintf("payment for gateway order %s not found", gatewayOrderID)))
	}
	if err != nil {
		return domain.PaymentRecord{}, pfirestore.WrapError("payment.findByGatewayOrderID", err)
	}
	var doc paymentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("decode payment %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

// Transition applies a guarded status change. The guard sees the record as
// persisted right now and decides whether to mutate; declining is not an
// error, just Applied=false with the untouched record. Webhook redelivery
// against a terminal record lands here and walks away quietly.
func (r *PaymentRepository) Transition(ctx context.Context, transactionID string, guard func(domain.PaymentRecord) (domain.PaymentRecord, bool, error)) (repositories.PaymentTransitionResult, error) {
	if r == nil || r.provider == nil {
		return repositories.PaymentTransitionResult{}, errors.New("payment repository not initialised")
	}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return repositories.PaymentTransitionResult{}, errors.New("payment transition: transaction id is required")
	}
	if guard == nil {
		return repositories.PaymentTransitionResult{}, errors.New("payment transition: guard is required")
	}

	var result repositories.PaymentTransitionResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, transactionID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.WrapError("payment.transition", status.Error(codes.NotFound, fmt.Sprintf("payment %s not found", transactionID)))
			}
			return err
		}
		var doc paymentDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode payment %s: %w", snap.Ref.ID, err)
		}
		previous := doc.toDomain(snap.Ref.ID)

		next, apply, err := guard(previous)
		if err != nil {
			return err
		}
		if !apply {
			result = repositories.PaymentTransitionResult{Previous: previous, Record: previous, Applied: false}
			return nil
		}

		next.TransactionID = previous.TransactionID
		if err := tx.Set(ref, encodePaymentDocument(next)); err != nil {
			return err
		}
		result = repositories.PaymentTransitionResult{Previous: previous, Record: next, Applied: true}
		return nil
	})
	if err != nil {
		return repositories.PaymentTransitionResult{}, err
	}
	return result, nil
}

func (r *PaymentRepository) List(ctx context.Context, filter repositories.PaymentListFilter) (domain.CursorPage[domain.PaymentRecord], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.PaymentRecord]{}, errors.New("payment repository not initialised")
	}

	pageSize := clampPageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.PaymentRecord]{}, pfirestore.WrapError("payment.list", err)
	}

	query := client.Collection(paymentsCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if gateway := strings.TrimSpace(filter.Gateway); gateway != "" {
		query = query.Where("gateway", "==", gateway)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			statuses[i] = string(s)
		}
		query = query.Where("status", "in", statuses)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := decodeListPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.PaymentRecord]{}, pfirestore.WrapError("payment.list", err)
		}
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var records []domain.PaymentRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.PaymentRecord]{}, pfirestore.WrapError("payment.list", err)
		}
		var doc paymentDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.PaymentRecord]{}, fmt.Errorf("decode payment %s: %w", snap.Ref.ID, err)
		}
		records = append(records, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(records) > pageSize
	if hasMore {
		records = records[:pageSize]
	}
	var nextToken string
	if hasMore && len(records) > 0 {
		last := records[len(records)-1]
		encoded, err := encodeListPageToken(listPageToken{CreatedAt: last.CreatedAt, ID: last.TransactionID})
		if err != nil {
			return domain.CursorPage[domain.PaymentRecord]{}, pfirestore.WrapError("payment.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.PaymentRecord]{Items: records, NextPageToken: nextToken}, nil
}

// ListStale returns non-terminal records whose expiry passed before cutoff,
// oldest first, for the payment expiry sweep.
func (r *PaymentRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.PaymentRecord, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("payment repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("payment.listStale", err)
	}

	query := client.Collection(paymentsCollection).
		Where("status", "in", []string{string(domain.PaymentStatusInitiated), string(domain.PaymentStatusPending)}).
		Where("expiresAt", "<", cutoff.UTC()).
		OrderBy("expiresAt", firestore.Asc).
		Limit(limit)

	return r.collect(ctx, query, "payment.listStale")
}

// ListOrderPending returns completed records whose order creation failed and
// was marked for retry.
func (r *PaymentRepository) ListOrderPending(ctx context.Context, limit int) ([]domain.PaymentRecord, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("payment repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("payment.listOrderPending", err)
	}

	query := client.Collection(paymentsCollection).
		Where("orderPending", "==", true).
		Where("status", "==", string(domain.PaymentStatusCompleted)).
		OrderBy("updatedAt", firestore.Asc).
		Limit(limit)

	return r.collect(ctx, query, "payment.listOrderPending")
}

func (r *PaymentRepository) collect(ctx context.Context, query firestore.Query, op string) ([]domain.PaymentRecord, error) {
	iter := query.Documents(ctx)
	defer iter.Stop()

	var records []domain.PaymentRecord
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError(op, err)
		}
		var doc paymentDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode payment %s: %w", snap.Ref.ID, err)
		}
		records = append(records, doc.toDomain(snap.Ref.ID))
	}
	return records, nil
}

// Helper structures ---------------------------------------------------------

type paymentDocument struct {
	RecordID       string     `firestore:"recordId"`
	GatewayOrderID string     `firestore:"gatewayOrderId,omitempty"`
	UserID         string     `firestore:"userId"`
	CartID         string     `firestore:"cartId"`
	Gateway        string     `firestore:"gateway"`
	Amount         float64    `firestore:"amount"`
	Currency       string     `firestore:"currency"`
	Status         string     `firestore:"status"`
	RedirectURL    string     `firestore:"redirectUrl,omitempty"`
	FailureReason  string     `firestore:"failureReason,omitempty"`
	OrderID        string     `firestore:"orderId,omitempty"`
	OrderPending   bool       `firestore:"orderPending"`
	ExpiresAt      time.Time  `firestore:"expiresAt"`
	CreatedAt      time.Time  `firestore:"createdAt"`
	UpdatedAt      time.Time  `firestore:"updatedAt"`
	CompletedAt    *time.Time `firestore:"completedAt,omitempty"`
	FailedAt       *time.Time `firestore:"failedAt,omitempty"`
}

func encodePaymentDocument(record domain.PaymentRecord) paymentDocument {
	return paymentDocument{
		RecordID:       strings.TrimSpace(record.ID),
		GatewayOrderID: strings.TrimSpace(record.GatewayOrderID),
		UserID:         strings.TrimSpace(record.UserID),
		CartID:         strings.TrimSpace(record.CartID),
		Gateway:        strings.TrimSpace(record.Gateway),
		Amount:         record.Amount,
		Currency:       strings.TrimSpace(record.Currency),
		Status:         string(record.Status),
		RedirectURL:    strings.TrimSpace(record.RedirectURL),
		FailureReason:  strings.TrimSpace(record.FailureReason),
		OrderID:        strings.TrimSpace(record.OrderID),
		OrderPending:   record.OrderPending,
		ExpiresAt:      record.ExpiresAt.UTC(),
		CreatedAt:      record.CreatedAt.UTC(),
		UpdatedAt:      record.UpdatedAt.UTC(),
		CompletedAt:    record.CompletedAt,
		FailedAt:       record.FailedAt,
	}
}

func (d paymentDocument) toDomain(transactionID string) domain.PaymentRecord {
	return domain.PaymentRecord{
		ID:             strings.TrimSpace(d.RecordID),
		TransactionID:  transactionID,
		GatewayOrderID: strings.TrimSpace(d.GatewayOrderID),
		UserID:         strings.TrimSpace(d.UserID),
		CartID:         strings.TrimSpace(d.CartID),
		Gateway:        strings.TrimSpace(d.Gateway),
		Amount:         d.Amount,
		Currency:       strings.TrimSpace(d.Currency),
		Status:         domain.PaymentStatus(d.Status),
		RedirectURL:    strings.TrimSpace(d.RedirectURL),
		FailureReason:  strings.TrimSpace(d.FailureReason),
		OrderID:        strings.TrimSpace(d.OrderID),
		OrderPending:   d.OrderPending,
		ExpiresAt:      d.ExpiresAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		CompletedAt:    d.CompletedAt,
		FailedAt:       d.FailedAt,
	}
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)
