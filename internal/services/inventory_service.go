package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/marigold-commerce/api/internal/domain"
	"github.com/marigold-commerce/api/internal/repositories"
)

const (
	eventStockReserved  = "stock.reserved"
	eventStockReleased  = "stock.released"
	eventStockCommitted = "stock.committed"
)

var (
	// ErrInventoryInvalidInput signals the caller provided invalid arguments.
	ErrInventoryInvalidInput = errors.New("inventory: invalid input")
	// ErrInventoryInsufficientStock indicates the requested quantity exceeds availability.
	ErrInventoryInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrInventoryVariantNotFound indicates no stock record exists for the variant.
	ErrInventoryVariantNotFound = errors.New("inventory: variant not found")
	// ErrInventoryReservationNotFound indicates the reservation could not be located.
	ErrInventoryReservationNotFound = errors.New("inventory: reservation not found")
	// ErrInventoryInvalidState indicates the reservation cannot transition from its state.
	ErrInventoryInvalidState = errors.New("inventory: reservation state invalid")
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Stock          repositories.StockRepository
	Events         CommerceEventPublisher
	ReservationTTL time.Duration
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo   repositories.StockRepository
	events CommerceEventPublisher
	ttl    time.Duration
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Stock == nil {
		return nil, errors.New("inventory service: stock repository is required")
	}

	ttl := deps.ReservationTTL
	if ttl <= 0 {
		ttl = 45 * time.Minute
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

	return &inventoryService{
		repo:   deps.Stock,
		events: deps.Events,
		ttl:    ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// SyncCartReservation moves the reservation to the command's lines in one
// all-or-nothing batch. A blank reservation ID mints a new one; the caller
// stores the returned ID on the cart. Each sync refreshes the TTL.
func (s *inventoryService) SyncCartReservation(ctx context.Context, cmd SyncCartReservationCommand) (Reservation, error) {
	reservationID := strings.TrimSpace(cmd.ReservationID)
	if reservationID == "" {
		reservationID = s.newID()
	}
	for _, line := range cmd.Lines {
		if line.Variant.IsZero() {
			return Reservation{}, fmt.Errorf("%w: variant key is required", ErrInventoryInvalidInput)
		}
		if line.Quantity <= 0 {
			return Reservation{}, fmt.Errorf("%w: quantity for %s must be > 0", ErrInventoryInvalidInput, line.Variant.String())
		}
	}

	now := s.clock()
	result, err := s.repo.SyncReservation(ctx, repositories.SyncReservationRequest{
		ReservationID: reservationID,
		OwnerRef:      strings.TrimSpace(cmd.OwnerRef),
		Lines:         cmd.Lines,
		ExpiresAt:     now.Add(s.ttl),
		Now:           now,
	})
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}

	eventType := eventStockReserved
	if len(cmd.Lines) == 0 {
		eventType = eventStockReleased
	}
	s.emitStockEvent(ctx, eventType, result.Reservation, result.Stocks)

	return result.Reservation, nil
}

func (s *inventoryService) CommitReservation(ctx context.Context, reservationID string, orderRef string) (Reservation, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return Reservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}

	reservation, err := s.repo.Commit(ctx, reservationID, strings.TrimSpace(orderRef), s.clock())
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}

	s.emitStockEvent(ctx, eventStockCommitted, reservation, nil)
	return reservation, nil
}

func (s *inventoryService) ReleaseReservation(ctx context.Context, reservationID string, reason string) (Reservation, error) {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return Reservation{}, fmt.Errorf("%w: reservation id is required", ErrInventoryInvalidInput)
	}

	result, err := s.repo.Release(ctx, reservationID, strings.TrimSpace(reason), s.clock())
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}

	s.emitStockEvent(ctx, eventStockReleased, result.Reservation, result.Stocks)
	return result.Reservation, nil
}

// RestoreLines puts quantities back on the shelf outside any reservation.
// Order cancellation is the only caller.
func (s *inventoryService) RestoreLines(ctx context.Context, lines []ReservationLine, reason string) error {
	if len(lines) == 0 {
		return nil
	}
	for _, line := range lines {
		if line.Variant.IsZero() || line.Quantity <= 0 {
			return fmt.Errorf("%w: restore line for %s is invalid", ErrInventoryInvalidInput, line.Variant.String())
		}
	}

	stocks, err := s.repo.ReleaseLines(ctx, lines, strings.TrimSpace(reason), s.clock())
	if err != nil {
		return s.mapRepositoryError(err)
	}

	s.emitStockEvent(ctx, eventStockReleased, Reservation{Reason: reason}, stocks)
	return nil
}

func (s *inventoryService) GetStock(ctx context.Context, key VariantKey) (StockLevel, error) {
	if key.IsZero() {
		return StockLevel{}, fmt.Errorf("%w: variant key is required", ErrInventoryInvalidInput)
	}
	level, err := s.repo.GetStock(ctx, key)
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	return level, nil
}

func (s *inventoryService) ConfigureStock(ctx context.Context, cmd ConfigureStockCommand) (StockLevel, error) {
	if cmd.Variant.IsZero() {
		return StockLevel{}, fmt.Errorf("%w: variant key is required", ErrInventoryInvalidInput)
	}
	if cmd.OnHand < 0 {
		return StockLevel{}, fmt.Errorf("%w: onHand must be >= 0", ErrInventoryInvalidInput)
	}
	if cmd.Price < 0 {
		return StockLevel{}, fmt.Errorf("%w: price must be >= 0", ErrInventoryInvalidInput)
	}

	level, err := s.repo.PutStock(ctx, domain.StockLevel{
		Variant:   cmd.Variant,
		Price:     cmd.Price,
		OnHand:    cmd.OnHand,
		UpdatedAt: s.clock(),
	})
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	return level, nil
}

// ReleaseExpired releases held reservations past their TTL and reports how
// many it freed. The background sweep calls this on an interval.
func (s *inventoryService) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	now := s.clock()
	expired, err := s.repo.ListExpiredReservations(ctx, now, limit)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}

	released := 0
	for _, reservation := range expired {
		result, err := s.repo.Release(ctx, reservation.ID, "reservation_expired", s.clock())
		if err != nil {
			var stockErr *repositories.StockError
			if errors.As(err, &stockErr) && stockErr.Code == repositories.StockErrorInvalidReservationState {
				// Committed between listing and release; skip.
				continue
			}
			return released, s.mapRepositoryError(err)
		}
		s.emitStockEvent(ctx, eventStockReleased, result.Reservation, result.Stocks)
		released++
	}
	return released, nil
}

func (s *inventoryService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var stockErr *repositories.StockError
	if errors.As(err, &stockErr) {
		switch stockErr.Code {
		case repositories.StockErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrInventoryInsufficientStock, stockErr.Error())
		case repositories.StockErrorVariantNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryVariantNotFound, stockErr.Error())
		case repositories.StockErrorReservationNotFound:
			return fmt.Errorf("%w: %s", ErrInventoryReservationNotFound, stockErr.Error())
		case repositories.StockErrorInvalidReservationState:
			return fmt.Errorf("%w: %s", ErrInventoryInvalidState, stockErr.Error())
		}
	}
	return err
}

func (s *inventoryService) emitStockEvent(ctx context.Context, eventType string, reservation Reservation, stocks map[string]domain.StockLevel) {
	if s.events == nil {
		return
	}
	payload := map[string]any{}
	if reservation.ID != "" {
		payload["reservationId"] = reservation.ID
	}
	if reservation.OwnerRef != "" {
		payload["ownerRef"] = reservation.OwnerRef
	}
	if reservation.Reason != "" {
		payload["reason"] = reservation.Reason
	}
	levels := make(map[string]int, len(stocks))
	for key, level := range stocks {
		levels[key] = level.OnHand
	}
	if len(levels) > 0 {
		payload["onHand"] = levels
	}

	event := CommerceEvent{
		ID:         s.newID(),
		Type:       eventType,
		OccurredAt: s.clock(),
		Payload:    payload,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger(ctx, "inventory.event_publish_failed", map[string]any{
			"eventType": eventType,
			"error":     err.Error(),
		})
	}
}
