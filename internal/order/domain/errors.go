package domain

import (
	"errors"
	"fmt"
)

type RejectionCode string

const (
	CodeEmptyCart                RejectionCode = "EMPTY_CART"
	CodeMixedStoreOrder          RejectionCode = "MIXED_STORE_ORDER"
	CodeProductsNotFound         RejectionCode = "PRODUCTS_NOT_FOUND"
	CodeInvalidQuantity          RejectionCode = "INVALID_QUANTITY"
	CodeInsufficientStock        RejectionCode = "INSUFFICIENT_STOCK"
	CodeBelowMinimumOrder        RejectionCode = "BELOW_MINIMUM_ORDER"
	CodeInsufficientBalance      RejectionCode = "INSUFFICIENT_BALANCE"
	CodeNonPositiveTotal         RejectionCode = "NON_POSITIVE_TOTAL"
	CodeUnknownOption            RejectionCode = "UNKNOWN_OPTION"
	CodeOptionNotOnProduct       RejectionCode = "OPTION_NOT_ON_PRODUCT"
	CodeOptionSoldOut            RejectionCode = "OPTION_SOLD_OUT"
	CodeRequiredOptionMissing    RejectionCode = "REQUIRED_OPTION_MISSING"
	CodeTooManySelections        RejectionCode = "TOO_MANY_SELECTIONS"
	CodeSelectionCountOutOfRange RejectionCode = "SELECTION_COUNT_OUT_OF_RANGE"
)

// RejectionError is a business or input failure. It is never retried and
// leaves no state behind. The optional fields carry what a caller needs to
// render a precise message.
type RejectionError struct {
	Code      RejectionCode
	Message   string
	Product   string
	Group     string
	Option    string
	Requested int64
	Available int64
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any RejectionError with the same code, so callers can use the
// exported sentinels with errors.Is.
func (e *RejectionError) Is(target error) bool {
	t, ok := target.(*RejectionError)
	return ok && t.Code == e.Code
}

// IsValidation reports whether the code comes from option selection or line
// pricing rather than from the placement checks.
func (c RejectionCode) IsValidation() bool {
	switch c {
	case CodeUnknownOption, CodeOptionNotOnProduct, CodeOptionSoldOut,
		CodeRequiredOptionMissing, CodeTooManySelections, CodeSelectionCountOutOfRange,
		CodeInvalidQuantity:
		return true
	}
	return false
}

var (
	ErrEmptyCart                = &RejectionError{Code: CodeEmptyCart}
	ErrMixedStoreOrder          = &RejectionError{Code: CodeMixedStoreOrder}
	ErrProductsNotFound         = &RejectionError{Code: CodeProductsNotFound}
	ErrInvalidQuantity          = &RejectionError{Code: CodeInvalidQuantity}
	ErrInsufficientStock        = &RejectionError{Code: CodeInsufficientStock}
	ErrBelowMinimumOrder        = &RejectionError{Code: CodeBelowMinimumOrder}
	ErrInsufficientBalance      = &RejectionError{Code: CodeInsufficientBalance}
	ErrNonPositiveTotal         = &RejectionError{Code: CodeNonPositiveTotal}
	ErrUnknownOption            = &RejectionError{Code: CodeUnknownOption}
	ErrOptionNotOnProduct       = &RejectionError{Code: CodeOptionNotOnProduct}
	ErrOptionSoldOut            = &RejectionError{Code: CodeOptionSoldOut}
	ErrRequiredOptionMissing    = &RejectionError{Code: CodeRequiredOptionMissing}
	ErrTooManySelections        = &RejectionError{Code: CodeTooManySelections}
	ErrSelectionCountOutOfRange = &RejectionError{Code: CodeSelectionCountOutOfRange}
)

func Reject(code RejectionCode, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func IsRejection(err error) bool {
	var re *RejectionError
	return errors.As(err, &re)
}

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrBuyerNotFound   = errors.New("buyer not found")
	ErrProductNotFound = errors.New("product not found")
	ErrStoreNotFound   = errors.New("store not found")

	ErrInvalidStatusTransition = errors.New("invalid order status transition")

	// ErrOrderPlacementContention is returned once every placement attempt
	// lost to lock contention.
	ErrOrderPlacementContention = errors.New("order placement contention")
)

type TransitionError struct {
	OrderID int64
	From    OrderStatus
	To      OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %d: cannot move from %s to %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStatusTransition }
