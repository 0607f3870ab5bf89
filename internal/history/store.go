// Package history keeps the permanent record of ledger notifications that
// backs transaction-history views and ledger recovery.
package history

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"remittance/internal/ledger"
)

// Store persists ledger events. Recording the same entry event twice is a
// no-op so deliveries can be retried.
type Store interface {
	Record(ctx context.Context, ev ledger.Event) error
	// ListByAddress returns events involving addr, newest first.
	ListByAddress(ctx context.Context, addr common.Address, limit int) ([]ledger.Event, error)
	// All returns every event in recording order.
	All(ctx context.Context) ([]ledger.Event, error)
}

type dedupKey struct {
	entryID uint64
	kind    ledger.EventKind
}

// MemoryStore is mostly for testing and single-process development.
type MemoryStore struct {
	mu     sync.RWMutex
	events []ledger.Event
	seen   map[dedupKey]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[dedupKey]struct{})}
}

func (m *MemoryStore) Record(_ context.Context, ev ledger.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.EntryID > 0 {
		key := dedupKey{entryID: ev.EntryID, kind: ev.Kind}
		if _, ok := m.seen[key]; ok {
			return nil
		}
		m.seen[key] = struct{}{}
	}
	m.events = append(m.events, ev)
	return nil
}

// Publish lets the store receive events from the notification dispatcher.
func (m *MemoryStore) Publish(ctx context.Context, ev ledger.Event) error {
	return m.Record(ctx, ev)
}

func (m *MemoryStore) ListByAddress(_ context.Context, addr common.Address, limit int) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		if !m.events[i].Involves(addr) {
			continue
		}
		out = append(out, m.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) All(context.Context) ([]ledger.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.Event(nil), m.events...), nil
}
