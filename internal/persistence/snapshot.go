package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"WindowLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SnapshotManager persists and restores point-in-time vault state. A
// snapshot shortcuts cold-start replay: restore balances from the snapshot,
// then replay only rows past each user's snapshotted sequence.
type SnapshotManager struct {
	db *sql.DB
}

// VaultSnap is one user's serialized vault state.
type VaultSnap struct {
	Balance string `json:"balance"`
	Locked  string `json:"locked"`
}

// SnapshotData is the full vault state at a point in time, keyed by uid.
// Sequences records each user's highest ledger sequence covered by the
// snapshot.
type SnapshotData struct {
	Vaults    map[string]VaultSnap `json:"vaults"`
	Sequences map[string]int64     `json:"sequences"`
	CreatedAt time.Time            `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot. Snapshots are advisory: losing one only
// costs replay time, never correctness, since the rows remain authoritative.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO wl.snapshots (snapshot_id, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.New(), data, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent snapshot, or nil on cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM wl.snapshots
		ORDER BY created_at DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// LoadAllRows streams every persisted ledger row in (uid, sequence) order
// through fn. Used on startup to rebuild the in-memory chains.
func (sm *SnapshotManager) LoadAllRows(ctx context.Context, fn func(ledger.Row) error) error {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT uid, sequence, ts, window_id, trade_id, glyph, action, amount, balance_after, prev_hash, row_hash
		FROM wl.ledger_rows
		ORDER BY uid ASC, sequence ASC
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}

	return rows.Err()
}

// LoadUserRows returns one user's persisted rows from a sequence onward.
func (sm *SnapshotManager) LoadUserRows(ctx context.Context, uid string, fromSequence int64) ([]ledger.Row, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT uid, sequence, ts, window_id, trade_id, glyph, action, amount, balance_after, prev_hash, row_hash
		FROM wl.ledger_rows
		WHERE uid = $1 AND sequence >= $2
		ORDER BY sequence ASC
	`, uid, fromSequence)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	return out, rows.Err()
}

func scanRow(rows *sql.Rows) (ledger.Row, error) {
	var (
		r                            ledger.Row
		action, amount, balanceAfter string
		prevHash, rowHash            []byte
	)
	if err := rows.Scan(
		&r.UID, &r.Sequence, &r.Timestamp, &r.WindowID, &r.TradeID, &r.Glyph,
		&action, &amount, &balanceAfter, &prevHash, &rowHash,
	); err != nil {
		return ledger.Row{}, err
	}

	act, ok := ledger.ActionFromString(action)
	if !ok {
		return ledger.Row{}, fmt.Errorf("row %s/%d: unknown action %q", r.UID, r.Sequence, action)
	}
	r.Action = act

	var err error
	if r.Amount, err = decimal.NewFromString(amount); err != nil {
		return ledger.Row{}, fmt.Errorf("row %s/%d: parse amount %q: %w", r.UID, r.Sequence, amount, err)
	}
	if r.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
		return ledger.Row{}, fmt.Errorf("row %s/%d: parse balance_after %q: %w", r.UID, r.Sequence, balanceAfter, err)
	}
	if len(prevHash) != 32 || len(rowHash) != 32 {
		return ledger.Row{}, fmt.Errorf("row %s/%d: malformed hash lengths %d/%d", r.UID, r.Sequence, len(prevHash), len(rowHash))
	}
	copy(r.PrevHash[:], prevHash)
	copy(r.RowHash[:], rowHash)

	return r, nil
}
