package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side int32

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideSell {
		return "sell"
	}
	return "buy"
}

// OrderType distinguishes market and limit orders.
type OrderType int32

const (
	OrderTypeMarket OrderType = iota
	OrderTypeLimit
)

func (t OrderType) String() string {
	if t == OrderTypeLimit {
		return "limit"
	}
	return "market"
}

// Order is an order as acknowledged by the exchange venue.
// Price is zero for market orders.
type Order struct {
	OrderID string
	Pair    string
	Side    Side
	Type    OrderType
	Price   decimal.Decimal
	Qty     decimal.Decimal
}

// Fill is a single execution against an order. Zero or more fills settle
// against one order; each balance-affecting fill produces exactly one
// ledger row.
type Fill struct {
	OrderID     string
	Price       decimal.Decimal
	Qty         decimal.Decimal
	Fee         decimal.Decimal
	FeeCurrency string
	Ts          time.Time
}

// GrossProceeds returns qty * price in the quote asset.
func (f Fill) GrossProceeds() decimal.Decimal {
	return f.Qty.Mul(f.Price)
}

// Glyph is a symbolic tag attached to a strategy decision, carried through
// to the ledger for traceability.
type Glyph string

// Candle is one OHLCV bar of market data.
type Candle struct {
	Ts     time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// MarketData is the market snapshot handed to the strategy for one window.
type MarketData struct {
	Pair    string
	AsOf    time.Time
	Last    decimal.Decimal
	Candles []Candle
}
