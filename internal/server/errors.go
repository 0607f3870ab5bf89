package server

import (
	"errors"
	"net/http"

	"remittance/internal/idempotency"
	"remittance/internal/ledger"
	"remittance/internal/logging"
	"remittance/internal/sigauth"
	"remittance/internal/token"
)

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

// withMessage returns a copy of e carrying a request-specific message.
func (e *apiError) withMessage(msg string) *apiError {
	out := *e
	out.Message = msg
	return &out
}

var (
	errInvalidAmount          = &apiError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero"}
	errInvalidRecipient       = &apiError{http.StatusBadRequest, "INVALID_RECIPIENT", "Recipient must be a non-zero address"}
	errSelfTransfer           = &apiError{http.StatusBadRequest, "SELF_TRANSFER_NOT_ALLOWED", "Cannot send an escrow to yourself"}
	errInsufficientAllowance  = &apiError{http.StatusUnprocessableEntity, "INSUFFICIENT_ALLOWANCE", "Escrow is not approved to pull this amount"}
	errInsufficientBalance    = &apiError{http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE", "Insufficient token balance"}
	errEntryNotFound          = &apiError{http.StatusNotFound, "ENTRY_NOT_FOUND", "Escrow entry not found"}
	errUnauthorizedWithdrawal = &apiError{http.StatusForbidden, "UNAUTHORIZED_WITHDRAWAL", "Only the recipient can withdraw"}
	errUnauthorizedReclaim    = &apiError{http.StatusForbidden, "UNAUTHORIZED_RECLAIM", "Only the sender can reclaim"}
	errUnauthorized           = &apiError{http.StatusForbidden, "UNAUTHORIZED", "Administrator only"}
	errAlreadySettled         = &apiError{http.StatusConflict, "ALREADY_SETTLED", "Escrow entry is already settled"}
	errLockPeriodNotElapsed   = &apiError{http.StatusUnprocessableEntity, "LOCK_PERIOD_NOT_ELAPSED", "Lock period has not elapsed"}
	errTransferFailure        = &apiError{http.StatusBadGateway, "TRANSFER_FAILURE", "Asset transfer failed"}
	errTransferPending        = &apiError{http.StatusConflict, "TRANSFER_PENDING", "Escrow entry has a transfer awaiting confirmation"}
	errJournalUnavailable     = &apiError{http.StatusServiceUnavailable, "JOURNAL_UNAVAILABLE", "Ledger journal is unavailable, nothing was moved"}

	errInvalidRequest        = &apiError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request"}
	errPayloadTooLarge       = &apiError{http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Request body exceeds 1 MiB"}
	errUnauthenticated       = &apiError{http.StatusUnauthorized, "UNAUTHENTICATED", "Request signature required"}
	errMissingIdempotencyKey = &apiError{http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "X-Idempotency-Key header is required"}
	errIdempotencyConflict   = &apiError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used with a different request"}
	errIdempotencyInProgress = &apiError{http.StatusConflict, "IDEMPOTENCY_IN_PROGRESS", "A request with this idempotency key is in progress"}
	errFaucetLimit           = &apiError{http.StatusBadRequest, "FAUCET_LIMIT_EXCEEDED", "Faucet is limited to 1000 tokens per call"}
	errNotFound              = &apiError{http.StatusNotFound, "NOT_FOUND", "Resource not found"}
	errInternal              = &apiError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondAPIError(w http.ResponseWriter, e *apiError) {
	respondJSON(w, e.Status, errorBody{Error: errorDetail{Code: e.Code, Message: e.Message}})
}

// respondError maps ledger, token, auth and idempotency errors onto the
// API error table.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var e *apiError
	switch {
	case errors.As(err, &e):
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, token.ErrInvalidAmount):
		e = errInvalidAmount
	case errors.Is(err, ledger.ErrInvalidRecipient), errors.Is(err, token.ErrZeroAddress):
		e = errInvalidRecipient
	case errors.Is(err, ledger.ErrSelfTransferNotAllowed):
		e = errSelfTransfer
	case errors.Is(err, ledger.ErrInsufficientAllowance):
		e = errInsufficientAllowance
	case errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, token.ErrInsufficientBalance):
		e = errInsufficientBalance
	case errors.Is(err, ledger.ErrEntryNotFound):
		e = errEntryNotFound
	case errors.Is(err, ledger.ErrUnauthorizedWithdrawal):
		e = errUnauthorizedWithdrawal
	case errors.Is(err, ledger.ErrUnauthorizedReclaim):
		e = errUnauthorizedReclaim
	case errors.Is(err, ledger.ErrUnauthorized):
		e = errUnauthorized
	case errors.Is(err, ledger.ErrAlreadySettled):
		e = errAlreadySettled
	case errors.Is(err, ledger.ErrLockPeriodNotElapsed):
		e = errLockPeriodNotElapsed
	case errors.Is(err, ledger.ErrSettlementPending):
		e = errTransferPending
	case errors.Is(err, ledger.ErrJournalUnavailable):
		logging.FromContext(r.Context()).Error("ledger journal unavailable", "error", err)
		e = errJournalUnavailable
	case errors.Is(err, ledger.ErrTransferFailure):
		logging.FromContext(r.Context()).Error("asset transfer failed", "error", err)
		e = errTransferFailure
	case errors.Is(err, token.ErrFaucetLimit):
		e = errFaucetLimit
	case errors.Is(err, sigauth.ErrBodyTooLarge), errors.As(err, new(*http.MaxBytesError)):
		e = errPayloadTooLarge
	case errors.Is(err, idempotency.ErrConflict):
		e = errIdempotencyConflict
	case errors.Is(err, sigauth.ErrMissingSignature),
		errors.Is(err, sigauth.ErrMissingTimestamp),
		errors.Is(err, sigauth.ErrStaleTimestamp),
		errors.Is(err, sigauth.ErrInvalidSignature):
		e = errUnauthenticated.withMessage(err.Error())
	default:
		logging.FromContext(r.Context()).Error("unhandled error", "error", err)
		e = errInternal
	}
	respondAPIError(w, e)
}
