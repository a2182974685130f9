package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"WindowLedger/internal/engine"
	"WindowLedger/internal/ledger"
)

// LedgerWriter writes ledger rows and window results to Postgres using
// multi-row INSERT with ON CONFLICT DO NOTHING, so redelivered batches are
// idempotent. COPY protocol would be faster; multi-row INSERT is portable
// and fast enough at window cadence.
type LedgerWriter struct {
	db *sql.DB
}

// RowRecord is the storage form of one ledger row.
type RowRecord struct {
	UID          string
	Sequence     int64
	Timestamp    time.Time
	WindowID     string
	TradeID      string
	Glyph        string
	Action       string
	Amount       string
	BalanceAfter string
	PrevHash     []byte
	RowHash      []byte
}

// ResultRecord is the storage form of one terminal window result.
type ResultRecord struct {
	UID       string
	WindowID  string
	Status    string
	Reason    string
	Entry     string
	Proceeds  string
	Fees      string
	RowCount  int
	SettledAt time.Time
}

// RecordFromRow converts an in-memory ledger row for storage.
func RecordFromRow(r ledger.Row) RowRecord {
	prev := make([]byte, len(r.PrevHash))
	copy(prev, r.PrevHash[:])
	hash := make([]byte, len(r.RowHash))
	copy(hash, r.RowHash[:])

	return RowRecord{
		UID:          r.UID,
		Sequence:     r.Sequence,
		Timestamp:    r.Timestamp,
		WindowID:     r.WindowID,
		TradeID:      r.TradeID,
		Glyph:        r.Glyph,
		Action:       r.Action.String(),
		Amount:       r.Amount.String(),
		BalanceAfter: r.BalanceAfter.String(),
		PrevHash:     prev,
		RowHash:      hash,
	}
}

// RecordFromResult converts a terminal window result for storage.
func RecordFromResult(res engine.Result) ResultRecord {
	return ResultRecord{
		UID:       res.UID,
		WindowID:  res.WindowID,
		Status:    res.Status.String(),
		Reason:    res.Reason,
		Entry:     res.Entry.String(),
		Proceeds:  res.Proceeds.String(),
		Fees:      res.Fees.String(),
		RowCount:  len(res.Rows),
		SettledAt: res.SettledAt,
	}
}

func NewLedgerWriter(db *sql.DB) *LedgerWriter {
	return &LedgerWriter{db: db}
}

// WriteRowBatch writes a batch of ledger rows inside tx.
func (w *LedgerWriter) WriteRowBatch(ctx context.Context, tx *sql.Tx, records []RowRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO wl.ledger_rows
		(uid, sequence, ts, window_id, trade_id, glyph, action, amount, balance_after, prev_hash, row_hash)
		VALUES `

	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*11)

	for i, r := range records {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			r.UID, r.Sequence, r.Timestamp, r.WindowID, r.TradeID, r.Glyph,
			r.Action, r.Amount, r.BalanceAfter, r.PrevHash, r.RowHash,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (uid, sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteResultBatch writes a batch of window results inside tx.
func (w *LedgerWriter) WriteResultBatch(ctx context.Context, tx *sql.Tx, records []ResultRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `INSERT INTO wl.window_results
		(uid, window_id, status, reason, entry, proceeds, fees, row_count, settled_at)
		VALUES `

	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*9)

	for i, r := range records {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.UID, r.WindowID, r.Status, r.Reason, r.Entry, r.Proceeds,
			r.Fees, r.RowCount, r.SettledAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (uid, window_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}
