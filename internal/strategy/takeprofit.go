package strategy

import (
	"context"
	"fmt"

	"WindowLedger/internal/trade"

	"github.com/shopspring/decimal"
)

// Rung is one level of a take-profit ladder: a fraction of the entry
// quantity offered at a markup over the current price, tagged with a glyph.
type Rung struct {
	Markup   decimal.Decimal
	Fraction decimal.Decimal
	Glyph    trade.Glyph
}

// TakeProfit proposes a ladder of limit sells above the current price. The
// entry quantity is whatever the available quote amount buys at the last
// price; each rung sells its fraction of that quantity.
type TakeProfit struct {
	rungs []Rung
}

// DefaultTakeProfit is a three-rung ladder: half the position at +0.5%,
// the rest split between +1% and +2%.
func DefaultTakeProfit() *TakeProfit {
	return NewTakeProfit([]Rung{
		{Markup: decimal.RequireFromString("0.005"), Fraction: decimal.RequireFromString("0.5"), Glyph: "tp1"},
		{Markup: decimal.RequireFromString("0.01"), Fraction: decimal.RequireFromString("0.3"), Glyph: "tp2"},
		{Markup: decimal.RequireFromString("0.02"), Fraction: decimal.RequireFromString("0.2"), Glyph: "tp3"},
	})
}

func NewTakeProfit(rungs []Rung) *TakeProfit {
	return &TakeProfit{rungs: rungs}
}

func (tp *TakeProfit) Compute(ctx context.Context, md trade.MarketData, available decimal.Decimal) ([]trade.Fill, []trade.Glyph, error) {
	if md.Last.Sign() <= 0 {
		return nil, nil, fmt.Errorf("take profit: non-positive last price %s for %s", md.Last, md.Pair)
	}
	if available.Sign() <= 0 {
		return nil, nil, nil
	}

	qty := available.Div(md.Last)

	fills := make([]trade.Fill, 0, len(tp.rungs))
	glyphs := make([]trade.Glyph, 0, len(tp.rungs))
	one := decimal.NewFromInt(1)

	for _, r := range tp.rungs {
		rungQty := qty.Mul(r.Fraction)
		if rungQty.Sign() <= 0 {
			continue
		}
		fills = append(fills, trade.Fill{
			Price: md.Last.Mul(one.Add(r.Markup)),
			Qty:   rungQty,
		})
		glyphs = append(glyphs, r.Glyph)
	}

	return fills, glyphs, nil
}
