package repositories

import (
	"fmt"
	"strings"

	domain "github.com/marigold-commerce/api/internal/domain"
)

// StockErrorCode enumerates repository error causes for stock operations.
type StockErrorCode string

const (
	// StockErrorUnknown represents an unspecified failure.
	StockErrorUnknown StockErrorCode = "stock_unknown"
	// StockErrorInsufficientStock indicates requested quantity exceeds availability.
	StockErrorInsufficientStock StockErrorCode = "stock_insufficient"
	// StockErrorVariantNotFound indicates the variant has no stock record.
	StockErrorVariantNotFound StockErrorCode = "stock_variant_not_found"
	// StockErrorReservationNotFound indicates the reservation document is missing.
	StockErrorReservationNotFound StockErrorCode = "stock_reservation_not_found"
	// StockErrorInvalidReservationState indicates the reservation status forbids the operation.
	StockErrorInvalidReservationState StockErrorCode = "stock_invalid_state"
)

// StockError wraps stock-specific failures with machine readable codes. For
// insufficient-stock failures Variants names every line that fell short, so
// callers can surface the full shortfall from a single all-or-nothing batch.
type StockError struct {
	Op       string
	Code     StockErrorCode
	Message  string
	Variants []domain.VariantKey
	Err      error
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if len(e.Variants) > 0 {
		keys := make([]string, 0, len(e.Variants))
		for _, v := range e.Variants {
			keys = append(keys, v.String())
		}
		msg = fmt.Sprintf("%s (%s)", msg, strings.Join(keys, ", "))
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStockError constructs a typed stock error.
func NewStockError(code StockErrorCode, message string, err error) *StockError {
	if message == "" {
		message = string(code)
	}
	return &StockError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
