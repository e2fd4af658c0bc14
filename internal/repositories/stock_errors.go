package repositories

import "fmt"

// StockErrorCode enumerates repository error causes for item stock operations.
type StockErrorCode string

const (
	// StockErrorUnknown represents an unspecified failure.
	StockErrorUnknown StockErrorCode = "stock_unknown"
	// StockErrorItemNotFound indicates the item document is missing.
	StockErrorItemNotFound StockErrorCode = "stock_item_not_found"
	// StockErrorVariationNotFound indicates no variation matches the address
	// (ID or size/color pair).
	StockErrorVariationNotFound StockErrorCode = "stock_variation_not_found"
	// StockErrorInvalidInput indicates the caller supplied invalid arguments.
	StockErrorInvalidInput StockErrorCode = "stock_invalid_input"
)

// StockError wraps stock-specific failures with machine readable codes.
type StockError struct {
	Op      string
	Code    StockErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the error represents a missing item or variation.
func (e *StockError) IsNotFound() bool {
	return e != nil && (e.Code == StockErrorItemNotFound || e.Code == StockErrorVariationNotFound)
}

// IsConflict reports whether the error represents a conflicting update.
func (e *StockError) IsConflict() bool { return false }

// IsUnavailable reports whether the error represents a transient outage.
func (e *StockError) IsUnavailable() bool {
	return e != nil && e.Code == StockErrorUnknown
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
