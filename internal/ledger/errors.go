package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidAmount          = errors.New("amount must be greater than zero")
	ErrInvalidRecipient       = errors.New("invalid recipient address")
	ErrSelfTransferNotAllowed = errors.New("cannot send to yourself")
	ErrInsufficientAllowance  = errors.New("insufficient allowance")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrEntryNotFound          = errors.New("escrow entry not found")
	ErrUnauthorizedWithdrawal = errors.New("only the recipient can withdraw")
	ErrUnauthorizedReclaim    = errors.New("only the sender can reclaim")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrAlreadySettled         = errors.New("escrow entry already settled")
	ErrLockPeriodNotElapsed   = errors.New("lock period has not elapsed")
	ErrTransferFailure        = errors.New("value transfer failed")

	ErrTransferUnconfirmed = errors.New("value transfer not yet confirmed")
	ErrSettlementPending   = errors.New("escrow entry has an unconfirmed transfer")
	ErrJournalUnavailable  = errors.New("ledger journal unavailable")
	ErrUnresolvedIntent    = errors.New("journal holds a transfer intent without an outcome")
)

// UnconfirmedError reports a transfer that was broadcast but whose outcome
// is not known yet. It matches ErrTransferUnconfirmed.
type UnconfirmedError struct {
	TxHash common.Hash
	Err    error
}

func (e *UnconfirmedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transfer %s unconfirmed", e.TxHash.Hex())
	}
	return fmt.Sprintf("transfer %s unconfirmed: %v", e.TxHash.Hex(), e.Err)
}

func (e *UnconfirmedError) Unwrap() error { return e.Err }

func (e *UnconfirmedError) Is(target error) bool { return target == ErrTransferUnconfirmed }
