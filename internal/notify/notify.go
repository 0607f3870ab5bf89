// Package notify delivers ledger events to downstream publishers without
// holding up the ledger.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"remittance/internal/ledger"
)

// Publisher delivers one event to a downstream system.
type Publisher interface {
	Publish(ctx context.Context, ev ledger.Event) error
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p permanentError
	if errors.As(err, &p) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// Message is the wire form of a ledger event. Amounts travel as decimal
// strings of base units.
type Message struct {
	Kind      string    `json:"kind"`
	EntryID   uint64    `json:"entryId,omitempty"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Asset     string    `json:"asset,omitempty"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

func NewMessage(ev ledger.Event) Message {
	msg := Message{
		Kind:      string(ev.Kind),
		EntryID:   ev.EntryID,
		Sender:    ev.Sender.Hex(),
		Recipient: ev.Recipient.Hex(),
		Amount:    "0",
		Timestamp: ev.Timestamp,
	}
	if ev.Amount != nil {
		msg.Amount = ev.Amount.String()
	}
	if ev.Kind == ledger.EventSwept {
		msg.Asset = ev.Asset.Hex()
	}
	return msg
}

// Encode renders ev as its JSON wire message.
func Encode(ev ledger.Event) ([]byte, error) {
	return json.Marshal(NewMessage(ev))
}
