package server

import (
	"errors"
	"log/slog"
	"net/http"

	"agrichain/ledger"
	"agrichain/native/marketplace"
)

const unavailableMessage = "ledger unavailable, try again"

// writeLedgerError maps a ledger or state machine failure onto an HTTP
// response. Transport details never reach the client.
func (s *Server) writeLedgerError(w http.ResponseWriter, operation string, err error) {
	var (
		validation *marketplace.ValidationError
		mismatch   *marketplace.PaymentMismatchError
		revert     *ledger.RevertError
	)
	switch {
	case errors.As(err, &validation):
		s.cfg.Rejections.RecordRejection(operation, "validation")
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": validation.Error(),
			"field": validation.Field,
		})
	case errors.Is(err, marketplace.ErrNotFound):
		s.cfg.Rejections.RecordRejection(operation, "not_found")
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "listing not found"})
	case errors.Is(err, marketplace.ErrAlreadySold):
		s.cfg.Rejections.RecordRejection(operation, "already_sold")
		writeJSON(w, http.StatusConflict, map[string]string{"error": "listing already sold"})
	case errors.Is(err, marketplace.ErrOwnershipViolation):
		s.cfg.Rejections.RecordRejection(operation, "ownership")
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a farmer may not buy their own listing"})
	case errors.As(err, &mismatch):
		s.cfg.Rejections.RecordRejection(operation, "payment_mismatch")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":    "payment must equal the total price",
			"expected": decimal(mismatch.Expected),
			"got":      decimal(mismatch.Got),
		})
	case errors.Is(err, ledger.ErrNoSigner):
		s.cfg.Rejections.RecordRejection(operation, "no_signer")
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "no signer registered for address"})
	case errors.As(err, &revert):
		s.cfg.Rejections.RecordRejection(operation, "reverted")
		writeJSON(w, http.StatusConflict, map[string]string{"error": "ledger rejected the transaction"})
	case ledger.IsUnavailable(err):
		s.logger.Warn("ledger unavailable", slog.String("operation", operation), slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": unavailableMessage})
	default:
		s.internalError(w, operation, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, operation string, err error) {
	s.logger.Error("request failed", slog.String("operation", operation), slog.Any("error", err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
