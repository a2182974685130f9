package engine

import (
	"time"

	"WindowLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// Status is the terminal outcome of one window settlement.
type Status int32

const (
	// StatusSettled: the full entry→fill→settle cycle committed.
	StatusSettled Status = iota
	// StatusNoOp: balance below the entry minimum; nothing happened.
	StatusNoOp
	// StatusFailed: the window aborted after locking; funds were unlocked
	// and a compensating row recorded. Never silently retried.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSettled:
		return "settled"
	case StatusNoOp:
		return "noop"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is the stored terminal outcome for a (uid, window_id) key.
// Re-invoking a settled window returns this result without re-executing.
type Result struct {
	UID      string
	WindowID string
	Status   Status
	Reason   string

	Entry    decimal.Decimal
	Proceeds decimal.Decimal
	Fees     decimal.Decimal

	Rows      []ledger.Row
	SettledAt time.Time
}

// Output pairs a terminal result with the ledger rows it appended, for the
// persistence worker and the outbound publisher. Funding flows (deposits,
// withdrawals) carry rows without a window result.
type Output struct {
	Result      Result
	FundingRows []ledger.Row
}

// IsFunding reports whether the output carries funding rows only.
func (o Output) IsFunding() bool {
	return len(o.FundingRows) > 0
}
