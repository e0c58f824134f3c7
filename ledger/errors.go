package ledger

import (
	"errors"
	"fmt"

	"agrichain/native/marketplace"
)

var (
	// ErrExternalUnavailable marks transport failures, timeouts and other
	// conditions that may succeed when retried.
	ErrExternalUnavailable = errors.New("ledger: unavailable")
	// ErrMalformedRecord marks ledger data that cannot be decoded into a
	// listing.
	ErrMalformedRecord = errors.New("ledger: malformed record")
	// ErrNoSigner is returned when no signer is registered for an address.
	ErrNoSigner = errors.New("ledger: no signer for address")

	// ErrNotFound is the state machine's not-found sentinel, re-exported so
	// callers can match ledger results without importing the engine.
	ErrNotFound = marketplace.ErrNotFound
)

// RevertError reports a ledger rejection whose reason is not one of the known
// marketplace rejections.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "ledger: transaction reverted"
	}
	return fmt.Sprintf("ledger: transaction reverted: %s", e.Reason)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("ledger %s: %w: %w", op, ErrExternalUnavailable, err)
}

// IsUnavailable reports whether err is retryable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrExternalUnavailable)
}
