package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"WindowLedger/internal/engine"

	"github.com/shopspring/decimal"
)

// ResultStore is the durable tier of window idempotency: when a key misses
// the in-memory LRU, the engine falls through to Postgres before executing.
type ResultStore struct {
	db *sql.DB
}

func NewResultStore(db *sql.DB) *ResultStore {
	return &ResultStore{db: db}
}

// LookupResult returns the stored terminal result for a window key, or nil
// when the window has never reached a terminal state. The returned result
// carries the settlement summary, not the individual rows; callers needing
// rows read them from wl.ledger_rows.
func (rs *ResultStore) LookupResult(key engine.WindowKey) (*engine.Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	query := `
		SELECT status, reason, entry, proceeds, fees, settled_at
		FROM wl.window_results
		WHERE uid = $1 AND window_id = $2
	`

	var (
		status, reason, entry, proceeds, fees string
		settledAt                             time.Time
	)
	err := rs.db.QueryRowContext(ctx, query, key.UID, key.WindowID).
		Scan(&status, &reason, &entry, &proceeds, &fees, &settledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res := &engine.Result{
		UID:       key.UID,
		WindowID:  key.WindowID,
		Reason:    reason,
		SettledAt: settledAt,
	}

	switch status {
	case "settled":
		res.Status = engine.StatusSettled
	case "noop":
		res.Status = engine.StatusNoOp
	case "failed":
		res.Status = engine.StatusFailed
	default:
		return nil, fmt.Errorf("unknown stored status %q for %s", status, key)
	}

	if res.Entry, err = decimal.NewFromString(entry); err != nil {
		return nil, fmt.Errorf("parse stored entry %q: %w", entry, err)
	}
	if res.Proceeds, err = decimal.NewFromString(proceeds); err != nil {
		return nil, fmt.Errorf("parse stored proceeds %q: %w", proceeds, err)
	}
	if res.Fees, err = decimal.NewFromString(fees); err != nil {
		return nil, fmt.Errorf("parse stored fees %q: %w", fees, err)
	}

	return res, nil
}
