package services

import (
	"context"
	"errors"
	"testing"

	"github.com/marigold-commerce/api/internal/repositories"
)

type fakeCounterRepository struct {
	nextFn    func(context.Context, string, int64) (int64, error)
	nextCalls []counterCall
}

type counterCall struct {
	ID   string
	Step int64
}

func (s *fakeCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	s.nextCalls = append(s.nextCalls, counterCall{ID: counterID, Step: step})
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 0, nil
}

func (s *fakeCounterRepository) Configure(context.Context, string, repositories.CounterConfig) error {
	return nil
}

func TestCounterServiceNextIncrements(t *testing.T) {
	repo := &fakeCounterRepository{}
	repo.nextFn = func(context.Context, string, int64) (int64, error) {
		return 42, nil
	}

	svc, err := NewCounterService(CounterServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	value, err := svc.Next(context.Background(), CounterCommand{CounterID: " orders : 2026 ", Step: 5})
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if value.Value != 42 {
		t.Fatalf("expected value 42, got %d", value.Value)
	}
	if value.CounterID != "orders:2026" {
		t.Fatalf("expected normalized counter id, got %s", value.CounterID)
	}

	if len(repo.nextCalls) != 1 {
		t.Fatalf("expected one repository call, got %d", len(repo.nextCalls))
	}
	if repo.nextCalls[0].ID != "orders:2026" || repo.nextCalls[0].Step != 5 {
		t.Fatalf("unexpected repository call: %+v", repo.nextCalls[0])
	}
}

func TestCounterServiceRejectsMalformedID(t *testing.T) {
	svc, err := NewCounterService(CounterServiceDeps{Repository: &fakeCounterRepository{}})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	for _, id := range []string{"", "orders", ":2026", "orders:"} {
		if _, err := svc.Next(context.Background(), CounterCommand{CounterID: id}); !errors.Is(err, ErrCounterInvalidInput) {
			t.Fatalf("id %q: expected invalid input error, got %v", id, err)
		}
	}
}

func TestCounterServiceMapsRepositoryErrors(t *testing.T) {
	repo := &fakeCounterRepository{}
	repo.nextFn = func(context.Context, string, int64) (int64, error) {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, "limit", nil)
	}

	svc, err := NewCounterService(CounterServiceDeps{Repository: repo})
	if err != nil {
		t.Fatalf("new counter service: %v", err)
	}

	_, err = svc.Next(context.Background(), CounterCommand{CounterID: "orders:2026"})
	if !errors.Is(err, ErrCounterExhausted) {
		t.Fatalf("expected exhausted error, got %v", err)
	}
}

var _ repositories.CounterRepository = (*fakeCounterRepository)(nil)
