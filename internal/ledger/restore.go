package ledger

import (
	"fmt"
	"math/big"
	"sort"
)

// Restore rebuilds ledger state from journal records, or from a plain event
// history that holds only outcomes. It must be called before the ledger
// serves any operation.
//
// An intent with no recorded outcome means value may have moved without the
// ledger knowing, so Restore refuses with ErrUnresolvedIntent. An
// unconfirmed transfer restores as an in-doubt entry for Reconcile.
func (l *Ledger) Restore(records []Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.nextID != 0 {
		return fmt.Errorf("restore: ledger already holds %d entries", l.nextID)
	}

	open := make(map[uint64]Event)
	for i, ev := range records {
		if err := l.replay(open, ev); err != nil {
			return fmt.Errorf("restore: record %d: %w", i, err)
		}
	}

	if len(open) > 0 {
		ids := make([]uint64, 0, len(open))
		for id := range open {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		return fmt.Errorf("restore: %w: entry %d (%s)", ErrUnresolvedIntent, ids[0], open[ids[0]].Kind)
	}
	return nil
}

func (l *Ledger) replay(open map[uint64]Event, ev Event) error {
	switch ev.Kind {
	case EventDepositIntent:
		if ev.EntryID != l.nextID+1 {
			return fmt.Errorf("deposit id %d out of sequence, want %d", ev.EntryID, l.nextID+1)
		}
		if _, ok := open[ev.EntryID]; ok {
			return fmt.Errorf("entry %d: %w", ev.EntryID, ErrUnresolvedIntent)
		}
		if ev.Amount == nil || ev.Amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		open[ev.EntryID] = ev

	case EventDeposited:
		if entry, ok := l.entries[ev.EntryID]; ok {
			if entry.Status != StatusFunding {
				return fmt.Errorf("entry %d deposited twice", ev.EntryID)
			}
			entry.Status = StatusPending
			l.clearDoubt(entry)
			return nil
		}
		if ev.EntryID != l.nextID+1 {
			return fmt.Errorf("deposit id %d out of sequence, want %d", ev.EntryID, l.nextID+1)
		}
		if ev.Amount == nil || ev.Amount.Sign() <= 0 {
			return ErrInvalidAmount
		}
		delete(open, ev.EntryID)
		l.insert(restoredEntry(ev, StatusPending))

	case EventWithdrawIntent, EventReclaimIntent:
		entry, ok := l.entries[ev.EntryID]
		if !ok {
			return fmt.Errorf("entry %d: %w", ev.EntryID, ErrEntryNotFound)
		}
		if entry.Status != StatusPending {
			return fmt.Errorf("entry %d is %s: %w", ev.EntryID, entry.Status, ErrAlreadySettled)
		}
		if _, ok := open[ev.EntryID]; ok {
			return fmt.Errorf("entry %d: %w", ev.EntryID, ErrUnresolvedIntent)
		}
		open[ev.EntryID] = ev

	case EventUnconfirmed:
		intent, ok := open[ev.EntryID]
		if !ok {
			return fmt.Errorf("entry %d: unconfirmed transfer without intent", ev.EntryID)
		}
		delete(open, ev.EntryID)
		if intent.Kind == EventDepositIntent {
			entry := restoredEntry(intent, StatusFunding)
			entry.PendingTx = ev.TxHash
			l.insert(entry)
			return nil
		}
		entry := l.entries[ev.EntryID]
		entry.Status = StatusSettling
		entry.PendingTx = ev.TxHash
		entry.SettlingKind = EventWithdrawn
		if intent.Kind == EventReclaimIntent {
			entry.SettlingKind = EventReclaimed
		}
		l.inDoubt[entry.ID] = struct{}{}

	case EventWithdrawn, EventReclaimed:
		entry, ok := l.entries[ev.EntryID]
		if !ok {
			return fmt.Errorf("entry %d: %w", ev.EntryID, ErrEntryNotFound)
		}
		if entry.Status.closed() {
			return fmt.Errorf("entry %d: %w", ev.EntryID, ErrAlreadySettled)
		}
		delete(open, ev.EntryID)
		l.markSettled(entry)

	case EventAborted:
		if _, ok := open[ev.EntryID]; ok {
			delete(open, ev.EntryID)
			return nil
		}
		entry, ok := l.entries[ev.EntryID]
		if !ok {
			return fmt.Errorf("entry %d: %w", ev.EntryID, ErrEntryNotFound)
		}
		switch entry.Status {
		case StatusFunding:
			entry.Status = StatusVoid
			l.held.Sub(l.held, entry.Amount)
			l.clearDoubt(entry)
		case StatusSettling:
			entry.Status = StatusPending
			l.clearDoubt(entry)
		default:
			return fmt.Errorf("entry %d is %s: nothing to abort", ev.EntryID, entry.Status)
		}

	case EventSwept:

	default:
		return fmt.Errorf("unknown kind %q", ev.Kind)
	}
	return nil
}

func restoredEntry(ev Event, status Status) *Entry {
	return &Entry{
		ID:        ev.EntryID,
		Sender:    ev.Sender,
		Recipient: ev.Recipient,
		Amount:    new(big.Int).Set(ev.Amount),
		CreatedAt: ev.Timestamp,
		Exists:    true,
		Status:    status,
	}
}
