package ingestion

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"WindowLedger/internal/trade"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventTypeWindowOpen = "WindowOpen"
	EventTypeDeposit    = "Deposit"
	EventTypeWithdrawal = "Withdrawal"
)

// WindowOpen opens one trading window: every eligible user settles once
// against this market snapshot.
type WindowOpen struct {
	WindowID string
	Market   trade.MarketData
}

// FundingEvent is an external deposit or withdrawal against one user's
// vault. RefID is the upstream transfer id and doubles as the idempotency
// key for redeliveries.
type FundingEvent struct {
	RefID     string
	UID       string
	Amount    decimal.Decimal
	Withdraw  bool
	Timestamp time.Time
}

// EventTypeFor maps a subject to its event type. Subjects follow
// wl.{category}.{kind}.{suffix}.
func EventTypeFor(subject string) (string, bool) {
	switch {
	case strings.HasPrefix(subject, "wl.windows.open"):
		return EventTypeWindowOpen, true
	case strings.HasPrefix(subject, "wl.funds.deposit"):
		return EventTypeDeposit, true
	case strings.HasPrefix(subject, "wl.funds.withdraw"):
		return EventTypeWithdrawal, true
	default:
		return "", false
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Monetary values
// are decimal strings; integer timestamps are microseconds since epoch.

type candleJSON struct {
	TsUs   int64           `json:"ts_us"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

type windowOpenJSON struct {
	WindowID string          `json:"window_id"`
	Pair     string          `json:"pair"`
	AsOfUs   int64           `json:"as_of_us"`
	Last     decimal.Decimal `json:"last"`
	Candles  []candleJSON    `json:"candles"`
}

type fundingJSON struct {
	RefID       string          `json:"ref_id"`
	UID         string          `json:"uid"`
	Amount      decimal.Decimal `json:"amount"`
	TimestampUs int64           `json:"timestamp_us"`
}

// ParseWindowOpen validates and converts a raw window trigger.
func ParseWindowOpen(data []byte) (WindowOpen, error) {
	var j windowOpenJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return WindowOpen{}, fmt.Errorf("parse WindowOpen: %w", err)
	}
	if j.WindowID == "" {
		return WindowOpen{}, fmt.Errorf("parse WindowOpen: empty window_id")
	}
	if j.Pair == "" {
		return WindowOpen{}, fmt.Errorf("parse WindowOpen: empty pair")
	}
	if j.Last.Sign() <= 0 {
		return WindowOpen{}, fmt.Errorf("parse WindowOpen: non-positive last price %s", j.Last)
	}

	candles := make([]trade.Candle, 0, len(j.Candles))
	for _, c := range j.Candles {
		candles = append(candles, trade.Candle{
			Ts:     time.UnixMicro(c.TsUs),
			Open:   c.Open,
			High:   c.High,
			Low:    c.Low,
			Close:  c.Close,
			Volume: c.Volume,
		})
	}

	return WindowOpen{
		WindowID: j.WindowID,
		Market: trade.MarketData{
			Pair:    j.Pair,
			AsOf:    time.UnixMicro(j.AsOfUs),
			Last:    j.Last,
			Candles: candles,
		},
	}, nil
}

// ParseFunding validates and converts a raw deposit or withdrawal. Transfer
// refs are upstream UUIDs; anything else is rejected before it can touch a
// vault.
func ParseFunding(data []byte, withdraw bool) (FundingEvent, error) {
	var j fundingJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return FundingEvent{}, fmt.Errorf("parse funding: %w", err)
	}
	if _, err := uuid.Parse(j.RefID); err != nil {
		return FundingEvent{}, fmt.Errorf("parse ref_id %q: %w", j.RefID, err)
	}
	if j.UID == "" {
		return FundingEvent{}, fmt.Errorf("parse funding: empty uid")
	}
	if j.Amount.Sign() <= 0 {
		return FundingEvent{}, fmt.Errorf("parse funding: non-positive amount %s", j.Amount)
	}

	return FundingEvent{
		RefID:     j.RefID,
		UID:       j.UID,
		Amount:    j.Amount,
		Withdraw:  withdraw,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}
