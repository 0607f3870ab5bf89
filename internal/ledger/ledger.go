package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config wires a Ledger to its collaborators. Transfer is required.
type Config struct {
	Transfer ValueTransfer
	Sweeper  AssetSweeper
	Clock    Clock
	Sink     Sink
	// Journal makes the ledger recoverable with Restore. Without one the
	// ledger lives only in memory.
	Journal    Journal
	Admin      common.Address
	LockPeriod time.Duration
	Logger     *slog.Logger
}

// Ledger owns every escrow entry and the sender/recipient indexes. Each
// mutating operation runs to completion under a single ledger-wide lock.
type Ledger struct {
	mu sync.RWMutex

	transfer   ValueTransfer
	sweeper    AssetSweeper
	clock      Clock
	sink       Sink
	journal    Journal
	admin      common.Address
	lockPeriod time.Duration
	logger     *slog.Logger

	nextID      uint64
	entries     map[uint64]*Entry
	bySender    map[common.Address][]uint64
	byRecipient map[common.Address][]uint64
	inDoubt     map[uint64]struct{}
	held        *big.Int
}

func New(cfg Config) (*Ledger, error) {
	if cfg.Transfer == nil {
		return nil, errors.New("value transfer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Sink == nil {
		cfg.Sink = discardSink{}
	}
	if cfg.Journal == nil {
		cfg.Journal = discardJournal{}
	}
	if cfg.LockPeriod <= 0 {
		cfg.LockPeriod = LockPeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{
		transfer:    cfg.Transfer,
		sweeper:     cfg.Sweeper,
		clock:       cfg.Clock,
		sink:        cfg.Sink,
		journal:     cfg.Journal,
		admin:       cfg.Admin,
		lockPeriod:  cfg.LockPeriod,
		logger:      cfg.Logger.With("component", "ledger"),
		entries:     make(map[uint64]*Entry),
		bySender:    make(map[common.Address][]uint64),
		byRecipient: make(map[common.Address][]uint64),
		inDoubt:     make(map[uint64]struct{}),
		held:        new(big.Int),
	}, nil
}

// Deposit pulls amount from caller into custody and records a pending entry
// payable to recipient. It returns the new entry id.
//
// When the pull was sent but not confirmed, the entry is kept in
// StatusFunding and both its id and an error matching
// ErrTransferUnconfirmed are returned.
func (l *Ledger) Deposit(ctx context.Context, caller, recipient common.Address, amount *big.Int) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return 0, ErrInvalidAmount
	}
	if recipient == (common.Address{}) {
		return 0, ErrInvalidRecipient
	}
	if recipient == caller {
		return 0, ErrSelfTransferNotAllowed
	}

	allowance, err := l.transfer.Allowance(ctx, caller)
	if err != nil {
		return 0, fmt.Errorf("read allowance: %w", err)
	}
	if allowance == nil || allowance.Cmp(amount) < 0 {
		return 0, ErrInsufficientAllowance
	}

	now := l.clock.Now()
	entry := &Entry{
		ID:        l.nextID + 1,
		Sender:    caller,
		Recipient: recipient,
		Amount:    new(big.Int).Set(amount),
		CreatedAt: now,
		Exists:    true,
		Status:    StatusPending,
	}
	if err := l.record(ctx, entryEvent(EventDepositIntent, entry, now)); err != nil {
		return 0, err
	}

	err = l.transfer.Pull(ctx, caller, amount)
	var unconfirmed *UnconfirmedError
	switch {
	case err == nil:
	case errors.As(err, &unconfirmed):
		entry.Status = StatusFunding
		entry.PendingTx = unconfirmed.TxHash
		l.insert(entry)
		l.commit(ctx, Event{Kind: EventUnconfirmed, EntryID: entry.ID, TxHash: unconfirmed.TxHash, Timestamp: now})
		l.logger.WarnContext(ctx, "deposit awaiting confirmation",
			"entry_id", entry.ID,
			"tx", unconfirmed.TxHash.Hex(),
		)
		return entry.ID, fmt.Errorf("pull deposit: %w", err)
	default:
		l.commit(ctx, Event{Kind: EventAborted, EntryID: entry.ID, Timestamp: now})
		if errors.Is(err, ErrInsufficientAllowance) || errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrTransferFailure) {
			return 0, fmt.Errorf("pull deposit: %w", err)
		}
		return 0, fmt.Errorf("%w: pull deposit: %v", ErrTransferFailure, err)
	}

	l.insert(entry)
	ev := entryEvent(EventDeposited, entry, now)
	l.commit(ctx, ev)

	l.logger.InfoContext(ctx, "escrow deposited",
		"entry_id", entry.ID,
		"sender", caller.Hex(),
		"recipient", recipient.Hex(),
		"amount", amount.String(),
	)
	l.sink.Notify(ev)
	return entry.ID, nil
}

// Withdraw pays a pending entry out to its recipient.
func (l *Ledger) Withdraw(ctx context.Context, caller common.Address, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if caller != entry.Recipient {
		return ErrUnauthorizedWithdrawal
	}
	if entry.Status.closed() {
		return ErrAlreadySettled
	}
	if entry.Status.inDoubt() {
		return ErrSettlementPending
	}
	return l.settle(ctx, entry, EventWithdrawn)
}

// EmergencyReclaim returns an unclaimed entry to its sender once the lock
// period has elapsed.
func (l *Ledger) EmergencyReclaim(ctx context.Context, caller common.Address, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if entry.Status.closed() {
		return ErrAlreadySettled
	}
	if caller != entry.Sender {
		return ErrUnauthorizedReclaim
	}
	if entry.Status.inDoubt() {
		return ErrSettlementPending
	}
	if l.clock.Now().Before(entry.CreatedAt.Add(l.lockPeriod)) {
		return ErrLockPeriodNotElapsed
	}
	return l.settle(ctx, entry, EventReclaimed)
}

// Sweep moves amount of asset out of custody to the administrator. It does
// not touch entry state and does not check the amount against pending
// obligations.
func (l *Ledger) Sweep(ctx context.Context, caller, asset common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.admin == (common.Address{}) || caller != l.admin {
		return ErrUnauthorized
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if l.sweeper == nil {
		return fmt.Errorf("%w: no sweeper configured", ErrTransferFailure)
	}
	if err := l.sweeper.Sweep(ctx, asset, l.admin, amount); err != nil {
		if errors.Is(err, ErrTransferUnconfirmed) {
			l.logger.WarnContext(ctx, "sweep awaiting confirmation", "asset", asset.Hex(), "error", err)
			return fmt.Errorf("sweep: %w", err)
		}
		return fmt.Errorf("%w: sweep: %v", ErrTransferFailure, err)
	}

	ev := Event{
		Kind:      EventSwept,
		Recipient: l.admin,
		Asset:     asset,
		Amount:    new(big.Int).Set(amount),
		Timestamp: l.clock.Now(),
	}
	l.commit(ctx, ev)
	l.warnIfUnderCollateralized(ctx)
	l.logger.WarnContext(ctx, "custody swept",
		"asset", asset.Hex(),
		"admin", caller.Hex(),
		"amount", amount.String(),
	)
	l.sink.Notify(ev)
	return nil
}

// settle pushes the entry amount to the beneficiary and only then marks it
// settled, so a failed push leaves the entry pending. A push that was sent
// but not confirmed parks the entry in StatusSettling until Reconcile.
func (l *Ledger) settle(ctx context.Context, entry *Entry, kind EventKind) error {
	to, intent := entry.Recipient, EventWithdrawIntent
	if kind == EventReclaimed {
		to, intent = entry.Sender, EventReclaimIntent
	}

	now := l.clock.Now()
	if err := l.record(ctx, entryEvent(intent, entry, now)); err != nil {
		return err
	}

	err := l.transfer.Push(ctx, to, entry.Amount)
	var unconfirmed *UnconfirmedError
	switch {
	case err == nil:
	case errors.As(err, &unconfirmed):
		entry.Status = StatusSettling
		entry.SettlingKind = kind
		entry.PendingTx = unconfirmed.TxHash
		l.inDoubt[entry.ID] = struct{}{}
		l.commit(ctx, Event{Kind: EventUnconfirmed, EntryID: entry.ID, TxHash: unconfirmed.TxHash, Timestamp: now})
		l.logger.WarnContext(ctx, "settlement awaiting confirmation",
			"entry_id", entry.ID,
			"kind", kind,
			"tx", unconfirmed.TxHash.Hex(),
		)
		return fmt.Errorf("push: %w", err)
	default:
		l.commit(ctx, Event{Kind: EventAborted, EntryID: entry.ID, Timestamp: now})
		if errors.Is(err, ErrTransferFailure) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransferFailure, err)
	}

	l.markSettled(entry)
	ev := entryEvent(kind, entry, now)
	l.commit(ctx, ev)
	l.logger.InfoContext(ctx, "escrow settled",
		"entry_id", entry.ID,
		"kind", kind,
		"to", to.Hex(),
		"amount", entry.Amount.String(),
	)
	l.sink.Notify(ev)
	return nil
}

// Reconcile asks the transfer backend for the outcome of every unconfirmed
// transfer and applies it. It returns how many entries were resolved;
// transfers still unknown are left for the next call.
func (l *Ledger) Reconcile(ctx context.Context) (int, error) {
	confirmer, ok := l.transfer.(Confirmer)
	if !ok {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]uint64, 0, len(l.inDoubt))
	for id := range l.inDoubt {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	resolved := 0
	for _, id := range ids {
		entry := l.entries[id]
		landed, err := confirmer.Confirm(ctx, entry.PendingTx)
		if errors.Is(err, ErrTransferUnconfirmed) {
			continue
		}
		if err != nil {
			return resolved, fmt.Errorf("confirm entry %d: %w", id, err)
		}
		l.resolve(ctx, entry, landed)
		resolved++
	}
	return resolved, nil
}

func (l *Ledger) resolve(ctx context.Context, entry *Entry, landed bool) {
	now := l.clock.Now()
	tx := entry.PendingTx
	funding := entry.Status == StatusFunding

	switch {
	case funding && landed:
		entry.Status = StatusPending
		l.clearDoubt(entry)
		ev := entryEvent(EventDeposited, entry, entry.CreatedAt)
		l.commit(ctx, ev)
		l.sink.Notify(ev)
	case funding:
		entry.Status = StatusVoid
		l.held.Sub(l.held, entry.Amount)
		l.clearDoubt(entry)
		l.commit(ctx, Event{Kind: EventAborted, EntryID: entry.ID, Timestamp: now})
	case landed:
		kind := entry.SettlingKind
		l.markSettled(entry)
		ev := entryEvent(kind, entry, now)
		l.commit(ctx, ev)
		l.sink.Notify(ev)
	default:
		entry.Status = StatusPending
		l.clearDoubt(entry)
		l.commit(ctx, Event{Kind: EventAborted, EntryID: entry.ID, Timestamp: now})
	}

	l.logger.InfoContext(ctx, "unconfirmed transfer resolved",
		"entry_id", entry.ID,
		"tx", tx.Hex(),
		"landed", landed,
		"status", entry.Status,
	)
}

// record journals an intent. Nothing has moved yet, so a failure aborts
// the operation.
func (l *Ledger) record(ctx context.Context, ev Event) error {
	if err := l.journal.Append(ctx, ev); err != nil {
		l.logger.ErrorContext(ctx, "journal append failed", "kind", ev.Kind, "entry_id", ev.EntryID, "error", err)
		return fmt.Errorf("%w: %v", ErrJournalUnavailable, err)
	}
	return nil
}

// commit journals an outcome. Value has already moved, so the in-memory
// state stands either way; a missing outcome leaves the intent open and
// Restore refuses to start until it is resolved.
func (l *Ledger) commit(ctx context.Context, ev Event) {
	if err := l.journal.Append(context.WithoutCancel(ctx), ev); err != nil {
		l.logger.ErrorContext(ctx, "journal outcome not recorded",
			"kind", ev.Kind,
			"entry_id", ev.EntryID,
			"error", err,
		)
	}
}

func (l *Ledger) markSettled(entry *Entry) {
	entry.Status = StatusSettled
	entry.Settled = true
	l.held.Sub(l.held, entry.Amount)
	l.clearDoubt(entry)
}

func (l *Ledger) clearDoubt(entry *Entry) {
	entry.PendingTx = common.Hash{}
	entry.SettlingKind = ""
	delete(l.inDoubt, entry.ID)
}

func entryEvent(kind EventKind, entry *Entry, at time.Time) Event {
	return Event{
		Kind:      kind,
		EntryID:   entry.ID,
		Sender:    entry.Sender,
		Recipient: entry.Recipient,
		Amount:    new(big.Int).Set(entry.Amount),
		Timestamp: at,
	}
}

func (l *Ledger) insert(entry *Entry) {
	l.entries[entry.ID] = entry
	l.bySender[entry.Sender] = append(l.bySender[entry.Sender], entry.ID)
	l.byRecipient[entry.Recipient] = append(l.byRecipient[entry.Recipient], entry.ID)
	l.nextID = entry.ID
	if entry.Status.holdsFunds() {
		l.held.Add(l.held, entry.Amount)
	}
	if entry.Status.inDoubt() {
		l.inDoubt[entry.ID] = struct{}{}
	}
}

func (l *Ledger) warnIfUnderCollateralized(ctx context.Context) {
	custody, err := l.transfer.Custody(ctx)
	if err != nil {
		l.logger.WarnContext(ctx, "custody balance unavailable after sweep", "error", err)
		return
	}
	if custody.Cmp(l.held) < 0 {
		l.logger.WarnContext(ctx, "custody below pending obligations",
			"custody", custody.String(),
			"held", l.held.String(),
		)
	}
}

// Entry returns a snapshot of the entry, or the zero Entry if id was never
// issued.
func (l *Ledger) Entry(id uint64) Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[id]
	if !ok {
		return Entry{}
	}
	return entry.clone()
}

func (l *Ledger) SenderEntries(addr common.Address) []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]uint64{}, l.bySender[addr]...)
}

func (l *Ledger) RecipientEntries(addr common.Address) []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]uint64{}, l.byRecipient[addr]...)
}

// IsWithdrawable reports whether candidate could withdraw entry id right now.
func (l *Ledger) IsWithdrawable(id uint64, candidate common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[id]
	return ok && entry.Status == StatusPending && entry.Recipient == candidate
}

// CustodiedBalance is the sum of all entries still owed: pending ones and
// those with an unconfirmed transfer.
func (l *Ledger) CustodiedBalance() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.held)
}

func (l *Ledger) EntryCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID
}

// Unconfirmed returns the ids of entries waiting on Reconcile.
func (l *Ledger) Unconfirmed() []uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]uint64, 0, len(l.inDoubt))
	for id := range l.inDoubt {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LockPeriod returns the reclaim delay this ledger enforces.
func (l *Ledger) LockPeriod() time.Duration {
	return l.lockPeriod
}
