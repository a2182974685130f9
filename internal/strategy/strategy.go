package strategy

import (
	"context"

	"WindowLedger/internal/trade"

	"github.com/shopspring/decimal"
)

// Strategy decides what to trade for one window given market data and the
// amount available to spend. Implementations are pure with respect to engine
// state and must be deterministic in result for identical inputs — the
// engine relies on that for idempotent replay and audit.
//
// The returned fills are the strategy's proposed executions (entry sizing
// already applied); the engine submits matching orders through the exchange
// adapter and settles against the venue's actual fills.
type Strategy interface {
	Compute(ctx context.Context, md trade.MarketData, available decimal.Decimal) ([]trade.Fill, []trade.Glyph, error)
}

// Func adapts a plain function to the Strategy interface.
type Func func(ctx context.Context, md trade.MarketData, available decimal.Decimal) ([]trade.Fill, []trade.Glyph, error)

func (f Func) Compute(ctx context.Context, md trade.MarketData, available decimal.Decimal) ([]trade.Fill, []trade.Glyph, error) {
	return f(ctx, md, available)
}
