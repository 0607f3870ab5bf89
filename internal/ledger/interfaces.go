package ledger

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ValueTransfer moves the escrowed asset between external accounts and the
// custody account backing the ledger. Calls are synchronous.
type ValueTransfer interface {
	// Allowance reports how much the custody account may pull from owner.
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	// Pull moves amount from the owner into custody. Failures wrap
	// ErrInsufficientAllowance or ErrInsufficientBalance. Pull and Push
	// return an *UnconfirmedError when the transfer was sent but its
	// outcome is unknown; any other error means no value moved.
	Pull(ctx context.Context, from common.Address, amount *big.Int) error
	// Push credits amount from custody to the given account.
	Push(ctx context.Context, to common.Address, amount *big.Int) error
	// Custody reports the asset balance actually held by the custody account.
	Custody(ctx context.Context) (*big.Int, error)
}

// AssetSweeper moves an arbitrary asset out of custody for the administrator.
type AssetSweeper interface {
	Sweep(ctx context.Context, asset, to common.Address, amount *big.Int) error
}

type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Sink receives ledger notifications. Notify is called while the ledger is
// locked and must not block.
type Sink interface {
	Notify(Event)
}

type discardSink struct{}

func (discardSink) Notify(Event) {}

// Journal durably records transfer intents and outcomes. Append returns
// only once the record is stored; the ledger refuses to move value when an
// intent cannot be recorded.
type Journal interface {
	Append(ctx context.Context, rec Event) error
}

type discardJournal struct{}

func (discardJournal) Append(context.Context, Event) error { return nil }

// Confirmer is implemented by transfer backends that can report the outcome
// of a broadcast transfer. It returns ErrTransferUnconfirmed while the
// outcome is still unknown.
type Confirmer interface {
	Confirm(ctx context.Context, tx common.Hash) (landed bool, err error)
}
