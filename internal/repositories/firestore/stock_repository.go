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

const (
	stocksCollection            = "stocks"
	stockReservationsCollection = "stockReservations"
)

// StockRepository persists per-variant counters plus the reservation
// documents that track which cart holds which quantities. All mutations run
// inside a Firestore transaction so a concurrent decrement never oversells.
type StockRepository struct {
	provider     *pfirestore.Provider
	stocks       *pfirestore.BaseRepository[stockDocument]
	reservations *pfirestore.BaseRepository[reservationDocument]
}

func NewStockRepository(provider *pfirestore.Provider) (*StockRepository, error) {
	if provider == nil {
		return nil, errors.New("stock repository requires firestore provider")
	}
	stocks := pfirestore.NewBaseRepository[stockDocument](provider, stocksCollection, nil, nil)
	reservations := pfirestore.NewBaseRepository[reservationDocument](provider, stockReservationsCollection, nil, nil)
	return &StockRepository{provider: provider, stocks: stocks, reservations: reservations}, nil
}

// SyncReservation moves a reservation to the target line set in a single
// transaction. Increases are conditional decrements against onHand; every
// variant that falls short is collected before the batch is aborted, so the
// caller sees the full shortfall at once. An empty target releases the
// reservation and restores whatever it held.
func (r *StockRepository) SyncReservation(ctx context.Context, req repositories.SyncReservationRequest) (repositories.StockMutationResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockMutationResult{}, errors.New("stock repository not initialised")
	}
	reservationID := strings.TrimSpace(req.ReservationID)
	if reservationID == "" {
		return repositories.StockMutationResult{}, errors.New("stock sync: reservation id is required")
	}
	target := make(map[string]int, len(req.Lines))
	ordered := make([]domain.ReservationLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		if line.Variant.IsZero() {
			return repositories.StockMutationResult{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, "stock sync: variant key is required", nil)
		}
		if line.Quantity <= 0 {
			return repositories.StockMutationResult{}, repositories.NewStockError(repositories.StockErrorUnknown, fmt.Sprintf("stock sync: quantity for %s must be > 0", line.Variant.String()), nil)
		}
		key := line.Variant.String()
		if _, dup := target[key]; dup {
			return repositories.StockMutationResult{}, repositories.NewStockError(repositories.StockErrorUnknown, fmt.Sprintf("stock sync: duplicate line for %s", key), nil)
		}
		target[key] = line.Quantity
		ordered = append(ordered, line)
	}

	now := req.Now.UTC()
	var result repositories.StockMutationResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, reservationID)
		if err != nil {
			return err
		}

		var resDoc reservationDocument
		creating := false
		resSnap, err := tx.Get(resRef)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			creating = true
		} else if resDoc, err = decodeReservation(resSnap); err != nil {
			return err
		}
		if !creating && resDoc.Status != string(domain.ReservationStatusHeld) {
			return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s is not held", reservationID), nil)
		}
		if creating && len(target) == 0 {
			result = repositories.StockMutationResult{}
			return nil
		}

		held := make(map[string]int, len(resDoc.Lines))
		for _, line := range resDoc.Lines {
			held[line.variantKey().String()] += line.Quantity
		}

		// Union of held and target variants, target order first so the
		// shortfall list is stable for callers.
		keys := make([]domain.VariantKey, 0, len(target)+len(held))
		seen := make(map[string]bool, len(target)+len(held))
		for _, line := range ordered {
			keys = append(keys, line.Variant)
			seen[line.Variant.String()] = true
		}
		for _, line := range resDoc.Lines {
			variant := line.variantKey()
			if !seen[variant.String()] {
				keys = append(keys, variant)
				seen[variant.String()] = true
			}
		}

		type pendingWrite struct {
			ref *firestore.DocumentRef
			doc stockDocument
		}
		var writes []pendingWrite
		var short []domain.VariantKey
		var missing []domain.VariantKey
		stocks := make(map[string]domain.StockLevel, len(keys))

		for _, variant := range keys {
			key := variant.String()
			delta := target[key] - held[key]
			if delta == 0 {
				continue
			}
			stockRef, err := r.stocks.DocumentRef(ctx, key)
			if err != nil {
				return err
			}
			var stockDoc stockDocument
			snap, err := tx.Get(stockRef)
			if err != nil {
				if status.Code(err) != codes.NotFound {
					return err
				}
				if delta > 0 {
					missing = append(missing, variant)
					continue
				}
				stockDoc = newStockDocument(variant)
			} else if err := snap.DataTo(&stockDoc); err != nil {
				return fmt.Errorf("decode stock %s: %w", key, err)
			}
			if delta > 0 && stockDoc.OnHand < delta {
				short = append(short, variant)
				continue
			}
			stockDoc.OnHand -= delta
			stockDoc.UpdatedAt = now
			writes = append(writes, pendingWrite{ref: stockRef, doc: stockDoc})
			stocks[key] = stockDoc.toDomain(variant)
		}

		if len(missing) > 0 {
			return &repositories.StockError{Code: repositories.StockErrorVariantNotFound, Message: "stock not found", Variants: missing}
		}
		if len(short) > 0 {
			return &repositories.StockError{Code: repositories.StockErrorInsufficientStock, Message: "insufficient stock", Variants: short}
		}

		for _, w := range writes {
			if err := tx.Set(w.ref, w.doc); err != nil {
				return err
			}
		}

		resDoc.Lines = newReservationLineDocuments(ordered)
		resDoc.UpdatedAt = now
		if creating {
			resDoc.CreatedAt = now
		}
		if ownerRef := strings.TrimSpace(req.OwnerRef); ownerRef != "" {
			resDoc.OwnerRef = ownerRef
		}
		if len(target) == 0 {
			resDoc.Status = string(domain.ReservationStatusReleased)
			resDoc.ReleasedAt = &now
		} else {
			resDoc.Status = string(domain.ReservationStatusHeld)
			resDoc.ExpiresAt = req.ExpiresAt.UTC()
		}
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.StockMutationResult{
			Reservation: resDoc.toDomain(reservationID),
			Stocks:      stocks,
		}
		return nil
	})
	if err != nil {
		return repositories.StockMutationResult{}, wrapStockError("stock.sync", err)
	}
	return result, nil
}

// Release restores every quantity a held reservation carries and marks it
// released. Releasing an already released reservation is a no-op so the
// expiry sweep can retry safely.
func (r *StockRepository) Release(ctx context.Context, reservationID string, reason string, now time.Time) (repositories.StockMutationResult, error) {
	if r == nil || r.provider == nil {
		return repositories.StockMutationResult{}, errors.New("stock repository not initialised")
	}
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return repositories.StockMutationResult{}, errors.New("stock release: reservation id is required")
	}

	stamp := now.UTC()
	var result repositories.StockMutationResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, reservationID)
		if err != nil {
			return err
		}
		resSnap, err := tx.Get(resRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewStockError(repositories.StockErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
			}
			return err
		}
		resDoc, err := decodeReservation(resSnap)
		if err != nil {
			return err
		}
		switch resDoc.Status {
		case string(domain.ReservationStatusReleased):
			result = repositories.StockMutationResult{Reservation: resDoc.toDomain(reservationID)}
			return nil
		case string(domain.ReservationStatusCommitted):
			return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s already committed", reservationID), nil)
		}

		stocks, err := r.restoreLines(ctx, tx, resDoc.Lines, stamp)
		if err != nil {
			return err
		}

		resDoc.Status = string(domain.ReservationStatusReleased)
		resDoc.UpdatedAt = stamp
		resDoc.ReleasedAt = &stamp
		if reason = strings.TrimSpace(reason); reason != "" {
			resDoc.Reason = reason
		}
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}

		result = repositories.StockMutationResult{
			Reservation: resDoc.toDomain(reservationID),
			Stocks:      stocks,
		}
		return nil
	})
	if err != nil {
		return repositories.StockMutationResult{}, wrapStockError("stock.release", err)
	}
	return result, nil
}

// ReleaseLines increments onHand for the given lines without touching any
// reservation document. Order cancellation uses this path: the order's
// reservation was committed at creation time and stays committed.
func (r *StockRepository) ReleaseLines(ctx context.Context, lines []domain.ReservationLine, reason string, now time.Time) (map[string]domain.StockLevel, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("stock repository not initialised")
	}
	if len(lines) == 0 {
		return map[string]domain.StockLevel{}, nil
	}
	docs := newReservationLineDocuments(lines)

	stamp := now.UTC()
	var stocks map[string]domain.StockLevel
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		restored, err := r.restoreLines(ctx, tx, docs, stamp)
		if err != nil {
			return err
		}
		stocks = restored
		return nil
	})
	if err != nil {
		return nil, wrapStockError("stock.releaseLines", err)
	}
	return stocks, nil
}

// Commit marks a held reservation as sold. Stock was already decremented at
// reserve time so nothing else moves. Committing twice is a no-op.
func (r *StockRepository) Commit(ctx context.Context, reservationID string, orderRef string, now time.Time) (domain.Reservation, error) {
	if r == nil || r.provider == nil {
		return domain.Reservation{}, errors.New("stock repository not initialised")
	}
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return domain.Reservation{}, errors.New("stock commit: reservation id is required")
	}

	stamp := now.UTC()
	var committed domain.Reservation
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.DocumentRef(ctx, reservationID)
		if err != nil {
			return err
		}
		resSnap, err := tx.Get(resRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewStockError(repositories.StockErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
			}
			return err
		}
		resDoc, err := decodeReservation(resSnap)
		if err != nil {
			return err
		}
		switch resDoc.Status {
		case string(domain.ReservationStatusCommitted):
			committed = resDoc.toDomain(reservationID)
			return nil
		case string(domain.ReservationStatusReleased):
			return repositories.NewStockError(repositories.StockErrorInvalidReservationState, fmt.Sprintf("reservation %s already released", reservationID), nil)
		}

		resDoc.Status = string(domain.ReservationStatusCommitted)
		resDoc.UpdatedAt = stamp
		resDoc.CommittedAt = &stamp
		if orderRef = strings.TrimSpace(orderRef); orderRef != "" {
			resDoc.OwnerRef = orderRef
		}
		if err := tx.Set(resRef, resDoc); err != nil {
			return err
		}
		committed = resDoc.toDomain(reservationID)
		return nil
	})
	if err != nil {
		return domain.Reservation{}, wrapStockError("stock.commit", err)
	}
	return committed, nil
}

func (r *StockRepository) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	if r == nil || r.reservations == nil {
		return domain.Reservation{}, errors.New("stock repository not initialised")
	}
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return domain.Reservation{}, errors.New("stock get reservation: id is required")
	}

	doc, err := r.reservations.Get(ctx, reservationID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Reservation{}, repositories.NewStockError(repositories.StockErrorReservationNotFound, fmt.Sprintf("reservation %s not found", reservationID), err)
		}
		return domain.Reservation{}, wrapStockError("stock.getReservation", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *StockRepository) GetStock(ctx context.Context, key domain.VariantKey) (domain.StockLevel, error) {
	if r == nil || r.stocks == nil {
		return domain.StockLevel{}, errors.New("stock repository not initialised")
	}
	if key.IsZero() {
		return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, "stock get: variant key is required", nil)
	}

	doc, err := r.stocks.Get(ctx, key.String())
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.StockLevel{}, &repositories.StockError{Code: repositories.StockErrorVariantNotFound, Message: "stock not found", Variants: []domain.VariantKey{key}, Err: err}
		}
		return domain.StockLevel{}, wrapStockError("stock.get", err)
	}
	return doc.Data.toDomain(key), nil
}

// PutStock upserts the counter document for a variant. Admin seeding path;
// customer flows only ever move OnHand through reservations.
func (r *StockRepository) PutStock(ctx context.Context, level domain.StockLevel) (domain.StockLevel, error) {
	if r == nil || r.stocks == nil {
		return domain.StockLevel{}, errors.New("stock repository not initialised")
	}
	if level.Variant.IsZero() {
		return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorVariantNotFound, "stock put: variant key is required", nil)
	}
	if level.OnHand < 0 {
		return domain.StockLevel{}, repositories.NewStockError(repositories.StockErrorUnknown, "stock put: onHand must be >= 0", nil)
	}

	doc := newStockDocument(level.Variant)
	doc.Price = level.Price
	doc.OnHand = level.OnHand
	doc.UpdatedAt = level.UpdatedAt.UTC()
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now().UTC()
	}
	if _, err := r.stocks.Set(ctx, level.Variant.String(), doc); err != nil {
		return domain.StockLevel{}, wrapStockError("stock.put", err)
	}
	return doc.toDomain(level.Variant), nil
}

// ListExpiredReservations returns held reservations whose TTL passed before
// cutoff, oldest first, for the expiry sweep.
func (r *StockRepository) ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("stock repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, wrapStockError("stock.listExpired", err)
	}

	query := client.Collection(stockReservationsCollection).
		Where("status", "==", string(domain.ReservationStatusHeld)).
		Where("expiresAt", "<", cutoff.UTC()).
		OrderBy("expiresAt", firestore.Asc).
		Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var expired []domain.Reservation
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapStockError("stock.listExpired", err)
		}
		doc, err := decodeReservation(snap)
		if err != nil {
			return nil, err
		}
		expired = append(expired, doc.toDomain(snap.Ref.ID))
	}
	return expired, nil
}

// restoreLines increments onHand for each line inside the caller's
// transaction. Variants with no stock document get one created so a restore
// is never lost.
func (r *StockRepository) restoreLines(ctx context.Context, tx *firestore.Transaction, lines []reservationLineDocument, now time.Time) (map[string]domain.StockLevel, error) {
	type pendingWrite struct {
		ref     *firestore.DocumentRef
		doc     stockDocument
		variant domain.VariantKey
	}
	writes := make([]pendingWrite, 0, len(lines))
	for _, line := range lines {
		variant := line.variantKey()
		key := variant.String()
		stockRef, err := r.stocks.DocumentRef(ctx, key)
		if err != nil {
			return nil, err
		}
		var stockDoc stockDocument
		snap, err := tx.Get(stockRef)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return nil, err
			}
			stockDoc = newStockDocument(variant)
		} else if err := snap.DataTo(&stockDoc); err != nil {
			return nil, fmt.Errorf("decode stock %s: %w", key, err)
		}
		stockDoc.OnHand += line.Quantity
		stockDoc.UpdatedAt = now
		writes = append(writes, pendingWrite{ref: stockRef, doc: stockDoc, variant: variant})
	}

	stocks := make(map[string]domain.StockLevel, len(writes))
	for _, w := range writes {
		if err := tx.Set(w.ref, w.doc); err != nil {
			return nil, err
		}
		stocks[w.variant.String()] = w.doc.toDomain(w.variant)
	}
	return stocks, nil
}

// Helper structures ---------------------------------------------------------

type stockDocument struct {
	ProductID string    `firestore:"productId"`
	Color     string    `firestore:"color"`
	Size      string    `firestore:"size"`
	Price     float64   `firestore:"price"`
	OnHand    int       `firestore:"onHand"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newStockDocument(variant domain.VariantKey) stockDocument {
	return stockDocument{
		ProductID: variant.ProductID,
		Color:     variant.Color,
		Size:      variant.Size,
	}
}

func (s stockDocument) toDomain(variant domain.VariantKey) domain.StockLevel {
	return domain.StockLevel{
		Variant:   variant,
		Price:     s.Price,
		OnHand:    s.OnHand,
		UpdatedAt: s.UpdatedAt,
	}
}

type reservationDocument struct {
	OwnerRef    string                    `firestore:"ownerRef"`
	Status      string                    `firestore:"status"`
	Lines       []reservationLineDocument `firestore:"lines"`
	Reason      string                    `firestore:"reason,omitempty"`
	ExpiresAt   time.Time                 `firestore:"expiresAt"`
	ReleasedAt  *time.Time                `firestore:"releasedAt,omitempty"`
	CommittedAt *time.Time                `firestore:"committedAt,omitempty"`
	CreatedAt   time.Time                 `firestore:"createdAt"`
	UpdatedAt   time.Time                 `firestore:"updatedAt"`
}

type reservationLineDocument struct {
	ProductID string `firestore:"productId"`
	Color     string `firestore:"color"`
	Size      string `firestore:"size"`
	Quantity  int    `firestore:"qty"`
}

func (l reservationLineDocument) variantKey() domain.VariantKey {
	return domain.VariantKey{
		ProductID: strings.TrimSpace(l.ProductID),
		Color:     strings.TrimSpace(l.Color),
		Size:      strings.TrimSpace(l.Size),
	}
}

func newReservationLineDocuments(lines []domain.ReservationLine) []reservationLineDocument {
	docs := make([]reservationLineDocument, len(lines))
	for i, line := range lines {
		docs[i] = reservationLineDocument{
			ProductID: strings.TrimSpace(line.Variant.ProductID),
			Color:     strings.TrimSpace(line.Variant.Color),
			Size:      strings.TrimSpace(line.Variant.Size),
			Quantity:  line.Quantity,
		}
	}
	return docs
}

func (d reservationDocument) toDomain(id string) domain.Reservation {
	lines := make([]domain.ReservationLine, len(d.Lines))
	for i, line := range d.Lines {
		lines[i] = domain.ReservationLine{
			Variant:  line.variantKey(),
			Quantity: line.Quantity,
		}
	}
	return domain.Reservation{
		ID:          id,
		OwnerRef:    strings.TrimSpace(d.OwnerRef),
		Status:      domain.ReservationStatus(strings.TrimSpace(d.Status)),
		Lines:       lines,
		Reason:      strings.TrimSpace(d.Reason),
		ExpiresAt:   d.ExpiresAt,
		ReleasedAt:  d.ReleasedAt,
		CommittedAt: d.CommittedAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func decodeReservation(snap *firestore.DocumentSnapshot) (reservationDocument, error) {
	var doc reservationDocument
	if err := snap.DataTo(&doc); err != nil {
		return reservationDocument{}, fmt.Errorf("decode reservation %s: %w", snap.Ref.ID, err)
	}
	return doc, nil
}

func wrapStockError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		if stockErr.Op == "" {
			stockErr.Op = op
		}
		return stockErr
	}
	return pfirestore.WrapError(op, err)
}

var _ repositories.StockRepository = (*StockRepository)(nil)
