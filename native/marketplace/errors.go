package marketplace

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	// ErrNotFound is returned for unknown listing ids.
	ErrNotFound = errors.New("marketplace: listing not found")
	// ErrAlreadySold is returned when purchasing a listing that is no longer available.
	ErrAlreadySold = errors.New("marketplace: listing already sold")
	// ErrOwnershipViolation is returned when a farmer tries to buy their own listing.
	ErrOwnershipViolation = errors.New("marketplace: a farmer may not buy their own listing")
	// ErrPaymentMismatch matches every *PaymentMismatchError.
	ErrPaymentMismatch = errors.New("marketplace: payment must equal the total price")
	// ErrValidation matches every *ValidationError.
	ErrValidation = errors.New("marketplace: invalid listing input")

	errNilState = errors.New("marketplace engine: state not configured")
)

// ValidationError names the creation input that was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("marketplace: invalid %s: %s", e.Field, e.Reason)
}

// Is lets callers match with errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PaymentMismatchError reports the required and supplied amounts. Both
// underpayment and overpayment produce this error.
type PaymentMismatchError struct {
	Expected *uint256.Int
	Got      *uint256.Int
}

func (e *PaymentMismatchError) Error() string {
	return fmt.Sprintf("marketplace: payment %s does not equal total price %s", amountString(e.Got), amountString(e.Expected))
}

// Is lets callers match with errors.Is(err, ErrPaymentMismatch).
func (e *PaymentMismatchError) Is(target error) bool { return target == ErrPaymentMismatch }

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

// IsRejection reports whether err is a precondition failure that will fail
// identically when retried with the same arguments.
func IsRejection(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadySold) ||
		errors.Is(err, ErrOwnershipViolation) ||
		errors.Is(err, ErrPaymentMismatch)
}
