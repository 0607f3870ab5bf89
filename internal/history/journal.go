package history

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"remittance/internal/ledger"
)

// PostgresJournal is the ledger's write-ahead record in escrow_journal.
// Unlike escrow_events it is written synchronously by the ledger, and it
// keeps every record: an entry can abort and retry the same kind.
type PostgresJournal struct {
	pool *pgxpool.Pool
}

const createJournalSQL = `
CREATE TABLE IF NOT EXISTS escrow_journal (
    seq BIGSERIAL PRIMARY KEY,
    kind TEXT NOT NULL,
    entry_id BIGINT NOT NULL DEFAULT 0,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    asset TEXT NOT NULL DEFAULT '',
    amount NUMERIC(78, 0) NOT NULL,
    tx_hash TEXT NOT NULL DEFAULT '',
    occurred_at TIMESTAMPTZ NOT NULL
);
`

func NewPostgresJournal(ctx context.Context, pool *pgxpool.Pool) (*PostgresJournal, error) {
	if _, err := pool.Exec(ctx, createJournalSQL); err != nil {
		return nil, fmt.Errorf("create escrow_journal: %w", err)
	}
	return &PostgresJournal{pool: pool}, nil
}

// Append implements ledger.Journal.
func (j *PostgresJournal) Append(ctx context.Context, rec ledger.Event) error {
	amount := "0"
	if rec.Amount != nil {
		amount = rec.Amount.String()
	}
	asset, txHash := "", ""
	if rec.Asset != (common.Address{}) {
		asset = rec.Asset.Hex()
	}
	if rec.TxHash != (common.Hash{}) {
		txHash = rec.TxHash.Hex()
	}
	_, err := j.pool.Exec(ctx, `
INSERT INTO escrow_journal (kind, entry_id, sender, recipient, asset, amount, tx_hash, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8)
`, string(rec.Kind), int64(rec.EntryID), rec.Sender.Hex(), rec.Recipient.Hex(), asset, amount, txHash, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// Records returns the whole journal in append order, ready for
// ledger.Restore.
func (j *PostgresJournal) Records(ctx context.Context) ([]ledger.Event, error) {
	rows, err := j.pool.Query(ctx, `SELECT `+eventColumns+`, tx_hash FROM escrow_journal ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}
	return collectEvents(rows, true)
}
