package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/marigold-commerce/api/internal/repositories"
)

var (
	// ErrCounterInvalidInput indicates the caller supplied invalid counter parameters.
	ErrCounterInvalidInput = errors.New("counter: invalid input")
	// ErrCounterExhausted indicates the requested counter cannot increment further due to max bounds.
	ErrCounterExhausted = errors.New("counter: exhausted")
)

// CounterServiceDeps bundles collaborators required to construct a counter service instance.
type CounterServiceDeps struct {
	Repository repositories.CounterRepository
}

type counterService struct {
	repo repositories.CounterRepository
}

var _ CounterService = (*counterService)(nil)

// NewCounterService constructs a service that manages counter sequences on top of the repository.
func NewCounterService(deps CounterServiceDeps) (CounterService, error) {
	if deps.Repository == nil {
		return nil, errors.New("counter service: repository is required")
	}
	return &counterService{repo: deps.Repository}, nil
}

// Next increments the named counter and returns the new value. CounterID is
// scope:name, e.g. "orders:2026".
func (s *counterService) Next(ctx context.Context, cmd CounterCommand) (CounterValue, error) {
	counterID, err := normalizeCounterID(cmd.CounterID)
	if err != nil {
		return CounterValue{}, err
	}
	if cmd.Step < 0 {
		return CounterValue{}, fmt.Errorf("%w: step must not be negative", ErrCounterInvalidInput)
	}

	value, err := s.repo.Next(ctx, counterID, cmd.Step)
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			switch counterErr.Code {
			case repositories.CounterErrorInvalidInput:
				return CounterValue{}, fmt.Errorf("%w: %s", ErrCounterInvalidInput, counterErr.Message)
			case repositories.CounterErrorExhausted:
				return CounterValue{}, fmt.Errorf("%w: %s", ErrCounterExhausted, counterErr.Message)
			}
		}
		return CounterValue{}, err
	}

	return CounterValue{CounterID: counterID, Value: value}, nil
}

func normalizeCounterID(counterID string) (string, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return "", fmt.Errorf("%w: counter id is required", ErrCounterInvalidInput)
	}
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: counter id must be in scope:name format", ErrCounterInvalidInput)
	}
	return strings.TrimSpace(parts[0]) + ":" + strings.TrimSpace(parts[1]), nil
}
