package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	domain "github.com/marigold-commerce/api/internal/domain"
	"github.com/marigold-commerce/api/internal/repositories"
)

// stubRepoError implements repositories.RepositoryError for tests.
type stubRepoError struct {
	msg         string
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return e.msg }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

func notFoundErr(ref string) error {
	return &stubRepoError{msg: fmt.Sprintf("%s not found", ref), notFound: true}
}

type stubStockRepository struct {
	syncFn         func(ctx context.Context, req repositories.SyncReservationRequest) (repositories.StockMutationResult, error)
	releaseFn      func(ctx context.Context, reservationID, reason string, now time.Time) (repositories.StockMutationResult, error)
	releaseLinesFn func(ctx context.Context, lines []domain.ReservationLine, reason string, now time.Time) (map[string]domain.StockLevel, error)
	commitFn       func(ctx context.Context, reservationID, orderRef string, now time.Time) (domain.Reservation, error)
	getStockFn     func(ctx context.Context, key domain.VariantKey) (domain.StockLevel, error)
	putStockFn     func(ctx context.Context, level domain.StockLevel) (domain.StockLevel, error)
	listExpiredFn  func(ctx context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error)
}

func (s *stubStockRepository) SyncReservation(ctx context.Context, req repositories.SyncReservationRequest) (repositories.StockMutationResult, error) {
	if s.syncFn != nil {
		return s.syncFn(ctx, req)
	}
	return repositories.StockMutationResult{}, nil
}

func (s *stubStockRepository) Release(ctx context.Context, reservationID string, reason string, now time.Time) (repositories.StockMutationResult, error) {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, reservationID, reason, now)
	}
	return repositories.StockMutationResult{}, nil
}

func (s *stubStockRepository) ReleaseLines(ctx context.Context, lines []domain.ReservationLine, reason string, now time.Time) (map[string]domain.StockLevel, error) {
	if s.releaseLinesFn != nil {
		return s.releaseLinesFn(ctx, lines, reason, now)
	}
	return nil, nil
}

func (s *stubStockRepository) Commit(ctx context.Context, reservationID string, orderRef string, now time.Time) (domain.Reservation, error) {
	if s.commitFn != nil {
		return s.commitFn(ctx, reservationID, orderRef, now)
	}
	return domain.Reservation{}, nil
}

func (s *stubStockRepository) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return domain.Reservation{}, errors.New("not implemented")
}

func (s *stubStockRepository) GetStock(ctx context.Context, key domain.VariantKey) (domain.StockLevel, error) {
	if s.getStockFn != nil {
		return s.getStockFn(ctx, key)
	}
	return domain.StockLevel{}, nil
}

func (s *stubStockRepository) PutStock(ctx context.Context, level domain.StockLevel) (domain.StockLevel, error) {
	if s.putStockFn != nil {
		return s.putStockFn(ctx, level)
	}
	return level, nil
}

func (s *stubStockRepository) ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error) {
	if s.listExpiredFn != nil {
		return s.listExpiredFn(ctx, cutoff, limit)
	}
	return nil, nil
}

// capturePublisher records published events for assertions.
type capturePublisher struct {
	events []CommerceEvent
	err    error
}

func (p *capturePublisher) Publish(ctx context.Context, event CommerceEvent) error {
	p.events = append(p.events, event)
	return p.err
}

func testVariant(product string) domain.VariantKey {
	return domain.VariantKey{ProductID: product, Color: "black", Size: "M"}
}

func newTestInventoryService(t *testing.T, repo repositories.StockRepository, events CommerceEventPublisher) InventoryService {
	t.Helper()
	svc, err := NewInventoryService(InventoryServiceDeps{
		Stock:          repo,
		Events:         events,
		ReservationTTL: 45 * time.Minute,
		Clock:          func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) },
		IDGenerator:    func() string { return "RES-NEW" },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}
	return svc
}

func TestInventorySyncMintsReservationIDAndSetsTTL(t *testing.T) {
	var captured repositories.SyncReservationRequest
	repo := &stubStockRepository{
		syncFn: func(ctx context.Context, req repositories.SyncReservationRequest) (repositories.StockMutationResult, error) {
			captured = req
			return repositories.StockMutationResult{
				Reservation: domain.Reservation{ID: req.ReservationID, Status: domain.ReservationStatusHeld},
			}, nil
		},
	}
	events := &capturePublisher{}
	svc := newTestInventoryService(t, repo, events)

	reservation, err := svc.SyncCartReservation(context.Background(), SyncCartReservationCommand{
		OwnerRef: "cart:user-1",
		Lines:    []ReservationLine{{Variant: testVariant("p1"), Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if reservation.ID != "RES-NEW" {
		t.Fatalf("expected minted reservation id, got %q", reservation.ID)
	}
	if captured.OwnerRef != "cart:user-1" {
		t.Fatalf("unexpected owner ref %q", captured.OwnerRef)
	}
	wantExpiry := time.Date(2024, 6, 1, 12, 45, 0, 0, time.UTC)
	if !captured.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expected expiry %v, got %v", wantExpiry, captured.ExpiresAt)
	}
	if len(events.events) != 1 || events.events[0].Type != "stock.reserved" {
		t.Fatalf("expected one stock.reserved event, got %+v", events.events)
	}
}

func TestInventorySyncKeepsExistingReservationID(t *testing.T) {
	repo := &stubStockRepository{
		syncFn: func(ctx context.Context, req repositories.SyncReservationRequest) (repositories.StockMutationResult, error) {
			if req.ReservationID != "RES-EXISTING" {
				t.Fatalf("expected existing id, got %q", req.ReservationID)
			}
			return repositories.StockMutationResult{
				Reservation: domain.Reservation{ID: req.ReservationID},
			}, nil
		},
	}
	svc := newTestInventoryService(t, repo, nil)

	if _, err := svc.SyncCartReservation(context.Background(), SyncCartReservationCommand{
		ReservationID: "RES-EXISTING",
		Lines:         []ReservationLine{{Variant: testVariant("p1"), Quantity: 1}},
	}); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestInventorySyncValidatesLines(t *testing.T) {
	svc := newTestInventoryService(t, &stubStockRepository{}, nil)

	_, err := svc.SyncCartReservation(context.Background(), SyncCartReservationCommand{
		Lines: []ReservationLine{{Variant: domain.VariantKey{}, Quantity: 1}},
	})
	if !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected ErrInventoryInvalidInput, got %v", err)
	}

	_, err = svc.SyncCartReservation(context.Background(), SyncCartReservationCommand{
		Lines: []ReservationLine{{Variant: testVariant("p1"), Quantity: 0}},
	})
	if !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected ErrInventoryInvalidInput, got %v", err)
	}
}

func TestInventorySyncMapsShortfall(t *testing.T) {
	repo := &stubStockRepository{
		syncFn: func(ctx context.Context, req repositories.SyncReservationRequest) (repositories.StockMutationResult, error) {
			return repositories.StockMutationResult{}, &repositories.StockError{
				Op:       "SyncReservation",
				Code:     repositories.StockErrorInsufficientStock,
				Message:  "insufficient stock",
				Variants: []domain.VariantKey{testVariant("p1")},
			}
		},
	}
	svc := newTestInventoryService(t, repo, nil)

	_, err := svc.SyncCartReservation(context.Background(), SyncCartReservationCommand{
		Lines: []ReservationLine{{Variant: testVariant("p1"), Quantity: 99}},
	})
	if !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected ErrInventoryInsufficientStock, got %v", err)
	}

	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		t.Fatalf("repository error type should not leak out of the service")
	}
}

func TestInventoryCommitReservation(t *testing.T) {
	repo := &stubStockRepository{
		commitFn: func(ctx context.Context, reservationID, orderRef string, now time.Time) (domain.Reservation, error) {
			if reservationID != "RES-1" || orderRef != "order-1" {
				t.Fatalf("unexpected commit args %q %q", reservationID, orderRef)
			}
			return domain.Reservation{ID: reservationID, Status: domain.ReservationStatusCommitted}, nil
		},
	}
	events := &capturePublisher{}
	svc := newTestInventoryService(t, repo, events)

	reservation, err := svc.CommitReservation(context.Background(), "RES-1", "order-1")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if reservation.Status != domain.ReservationStatusCommitted {
		t.Fatalf("expected committed, got %s", reservation.Status)
	}
	if len(events.events) != 1 || events.events[0].Type != "stock.committed" {
		t.Fatalf("expected stock.committed event, got %+v", events.events)
	}
}

func TestInventoryCommitRequiresReservationID(t *testing.T) {
	svc := newTestInventoryService(t, &stubStockRepository{}, nil)
	if _, err := svc.CommitReservation(context.Background(), "  ", "order-1"); !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected ErrInventoryInvalidInput, got %v", err)
	}
}

func TestInventoryReleaseExpiredSkipsCommitted(t *testing.T) {
	released := []string{}
	repo := &stubStockRepository{
		listExpiredFn: func(ctx context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error) {
			return []domain.Reservation{{ID: "RES-A"}, {ID: "RES-B"}, {ID: "RES-C"}}, nil
		},
		releaseFn: func(ctx context.Context, reservationID, reason string, now time.Time) (repositories.StockMutationResult, error) {
			if reservationID == "RES-B" {
				return repositories.StockMutationResult{}, &repositories.StockError{
					Op:   "Release",
					Code: repositories.StockErrorInvalidReservationState,
				}
			}
			released = append(released, reservationID)
			return repositories.StockMutationResult{
				Reservation: domain.Reservation{ID: reservationID, Status: domain.ReservationStatusReleased},
			}, nil
		},
	}
	svc := newTestInventoryService(t, repo, nil)

	count, err := svc.ReleaseExpired(context.Background(), 10)
	if err != nil {
		t.Fatalf("release expired: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 released, got %d", count)
	}
	if len(released) != 2 || released[0] != "RES-A" || released[1] != "RES-C" {
		t.Fatalf("unexpected released set %v", released)
	}
}

func TestInventoryRestoreLinesValidates(t *testing.T) {
	svc := newTestInventoryService(t, &stubStockRepository{}, nil)

	if err := svc.RestoreLines(context.Background(), nil, "cancel"); err != nil {
		t.Fatalf("empty restore should be a no-op, got %v", err)
	}
	err := svc.RestoreLines(context.Background(), []ReservationLine{{Variant: testVariant("p1"), Quantity: -1}}, "cancel")
	if !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected ErrInventoryInvalidInput, got %v", err)
	}
}

func TestInventoryConfigureStock(t *testing.T) {
	repo := &stubStockRepository{
		putStockFn: func(ctx context.Context, level domain.StockLevel) (domain.StockLevel, error) {
			if level.OnHand != 25 || level.Price != 1299 {
				t.Fatalf("unexpected stock level %+v", level)
			}
			return level, nil
		},
	}
	svc := newTestInventoryService(t, repo, nil)

	level, err := svc.ConfigureStock(context.Background(), ConfigureStockCommand{
		Variant: testVariant("p1"),
		Price:   1299,
		OnHand:  25,
	})
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if level.OnHand != 25 {
		t.Fatalf("expected onHand 25, got %d", level.OnHand)
	}

	if _, err := svc.ConfigureStock(context.Background(), ConfigureStockCommand{
		Variant: testVariant("p1"),
		OnHand:  -1,
	}); !errors.Is(err, ErrInventoryInvalidInput) {
		t.Fatalf("expected ErrInventoryInvalidInput, got %v", err)
	}
}
