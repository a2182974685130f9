package query

import "time"

// VaultResponse is a user's live balance state.
type VaultResponse struct {
	UID     string `json:"uid"`
	Balance string `json:"balance"`
	Locked  string `json:"locked"`
	Total   string `json:"total"`

	// ReplayedBalance is recomputed from the ledger at query time; it matches
	// Balance whenever the chain is intact.
	ReplayedBalance string `json:"replayed_balance"`
}

// RowResponse is one ledger row for API queries.
type RowResponse struct {
	Sequence     int64     `json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	WindowID     string    `json:"window_id,omitempty"`
	TradeID      string    `json:"trade_id,omitempty"`
	Glyph        string    `json:"glyph,omitempty"`
	Action       string    `json:"action"`
	Amount       string    `json:"amount"`
	BalanceAfter string    `json:"balance_after"`
	RowHash      string    `json:"row_hash"`
	PrevHash     string    `json:"prev_hash"`
}

// BalanceAsOfResponse answers a historical balance query.
type BalanceAsOfResponse struct {
	UID      string `json:"uid"`
	Sequence int64  `json:"sequence"`
	Balance  string `json:"balance"`
}

// WindowResultResponse is one persisted terminal window outcome.
type WindowResultResponse struct {
	UID       string    `json:"uid"`
	WindowID  string    `json:"window_id"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Entry     string    `json:"entry"`
	Proceeds  string    `json:"proceeds"`
	Fees      string    `json:"fees"`
	RowCount  int       `json:"row_count"`
	SettledAt time.Time `json:"settled_at"`
}

// IntegrityReport is the result of verifying one or all user chains.
type IntegrityReport struct {
	IsHealthy   bool         `json:"is_healthy"`
	CurrentRoot string       `json:"current_root"`
	Users       int          `json:"users"`
	Violations  []Violation  `json:"violations,omitempty"`
	StuckVaults []StuckVault `json:"stuck_vaults,omitempty"`
}

// Violation pinpoints the first broken row in a user's chain.
type Violation struct {
	UID      string `json:"uid"`
	Sequence int64  `json:"sequence"`
	Reason   string `json:"reason"`
}

// StuckVault is a vault holding locked funds outside any in-flight window.
type StuckVault struct {
	UID     string `json:"uid"`
	Locked  string `json:"locked"`
	Balance string `json:"balance"`
}
