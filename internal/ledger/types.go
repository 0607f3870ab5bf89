package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LockPeriod is how long a sender waits before reclaiming an unclaimed entry.
const LockPeriod = 30 * 24 * time.Hour

type Status string

const (
	StatusPending Status = "pending"
	// StatusFunding: the deposit pull was broadcast but is not confirmed.
	StatusFunding Status = "funding"
	// StatusSettling: the payout was broadcast but is not confirmed.
	StatusSettling Status = "settling"
	StatusSettled  Status = "settled"
	// StatusVoid: the deposit pull never landed.
	StatusVoid Status = "void"
)

func (s Status) inDoubt() bool { return s == StatusFunding || s == StatusSettling }

// holdsFunds reports whether the entry counts against custody.
func (s Status) holdsFunds() bool { return s == StatusPending || s.inDoubt() }

func (s Status) closed() bool { return s == StatusSettled || s == StatusVoid }

// Entry is a snapshot of one escrow deposit. The zero value, with Exists
// false, is returned for ids that were never issued.
type Entry struct {
	ID        uint64         `json:"id"`
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	Amount    *big.Int       `json:"amount"`
	CreatedAt time.Time      `json:"createdAt"`
	Settled   bool           `json:"settled"`
	Exists    bool           `json:"exists"`

	Status Status `json:"status"`
	// PendingTx is the unconfirmed transfer of a funding or settling entry.
	PendingTx    common.Hash `json:"pendingTx"`
	SettlingKind EventKind   `json:"settlingKind,omitempty"`
}

func (e Entry) clone() Entry {
	if e.Amount != nil {
		e.Amount = new(big.Int).Set(e.Amount)
	}
	return e
}

type EventKind string

const (
	EventDeposited EventKind = "escrow.deposited"
	EventWithdrawn EventKind = "escrow.withdrawn"
	EventReclaimed EventKind = "escrow.reclaimed"
	EventSwept     EventKind = "escrow.swept"

	// Journal only.
	EventDepositIntent  EventKind = "escrow.deposit_intent"
	EventWithdrawIntent EventKind = "escrow.withdraw_intent"
	EventReclaimIntent  EventKind = "escrow.reclaim_intent"
	EventUnconfirmed    EventKind = "escrow.unconfirmed"
	EventAborted        EventKind = "escrow.aborted"
)

// Event is the notification emitted for every successful state change and
// the record kept in the journal. Entry events carry both parties of the
// entry; sweeps carry the administrator as Recipient and the swept Asset.
type Event struct {
	Kind      EventKind      `json:"kind"`
	EntryID   uint64         `json:"entryId,omitempty"`
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	Asset     common.Address `json:"asset,omitempty"`
	Amount    *big.Int       `json:"amount"`
	TxHash    common.Hash    `json:"txHash"`
	Timestamp time.Time      `json:"timestamp"`
}

// Involves reports whether addr is a party to the event.
func (e Event) Involves(addr common.Address) bool {
	return e.Sender == addr || e.Recipient == addr
}
