package history

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"remittance/internal/ledger"
)

// PostgresStore persists events in the escrow_events table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createEventsSQL = `
CREATE TABLE IF NOT EXISTS escrow_events (
    seq BIGSERIAL PRIMARY KEY,
    kind TEXT NOT NULL,
    entry_id BIGINT NOT NULL DEFAULT 0,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    asset TEXT NOT NULL DEFAULT '',
    amount NUMERIC(78, 0) NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS escrow_events_entry_kind
    ON escrow_events (entry_id, kind) WHERE entry_id > 0;
CREATE INDEX IF NOT EXISTS escrow_events_sender ON escrow_events (sender);
CREATE INDEX IF NOT EXISTS escrow_events_recipient ON escrow_events (recipient);
`

const eventColumns = `kind, entry_id, sender, recipient, asset, amount::text, occurred_at`

// NewPostgresStore ensures the schema exists on pool.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, createEventsSQL); err != nil {
		return nil, fmt.Errorf("create escrow_events: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Record(ctx context.Context, ev ledger.Event) error {
	amount := "0"
	if ev.Amount != nil {
		amount = ev.Amount.String()
	}
	asset := ""
	if ev.Asset != (common.Address{}) {
		asset = ev.Asset.Hex()
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO escrow_events (kind, entry_id, sender, recipient, asset, amount, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
ON CONFLICT DO NOTHING
`, string(ev.Kind), int64(ev.EntryID), ev.Sender.Hex(), ev.Recipient.Hex(), asset, amount, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("record event: %w", err)
	}
	return nil
}

func (p *PostgresStore) Publish(ctx context.Context, ev ledger.Event) error {
	return p.Record(ctx, ev)
}

func (p *PostgresStore) ListByAddress(ctx context.Context, addr common.Address, limit int) ([]ledger.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT `+eventColumns+`
FROM escrow_events
WHERE sender = $1 OR recipient = $1
ORDER BY seq DESC
LIMIT $2
`, addr.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows, false)
}

func (p *PostgresStore) All(ctx context.Context) ([]ledger.Event, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+eventColumns+` FROM escrow_events ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	return collectEvents(rows, false)
}

// Ping reports whether the database is reachable.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// collectEvents scans eventColumns, followed by tx_hash when withTx is set.
func collectEvents(rows pgx.Rows, withTx bool) ([]ledger.Event, error) {
	defer rows.Close()

	var out []ledger.Event
	for rows.Next() {
		var (
			kind, sender, recipient, asset, amount, txHash string
			entryID                                        int64
			at                                             time.Time
		)
		dest := []any{&kind, &entryID, &sender, &recipient, &asset, &amount, &at}
		if withTx {
			dest = append(dest, &txHash)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		value, ok := new(big.Int).SetString(amount, 10)
		if !ok {
			return nil, fmt.Errorf("scan event: bad amount %q", amount)
		}
		ev := ledger.Event{
			Kind:      ledger.EventKind(kind),
			EntryID:   uint64(entryID),
			Sender:    common.HexToAddress(sender),
			Recipient: common.HexToAddress(recipient),
			Amount:    value,
			Timestamp: at.UTC(),
		}
		if asset != "" {
			ev.Asset = common.HexToAddress(asset)
		}
		if txHash != "" {
			ev.TxHash = common.HexToHash(txHash)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}
