package exchange

import (
	"context"
	"errors"
	"fmt"

	"WindowLedger/internal/trade"

	"github.com/shopspring/decimal"
)

// Adapter performs signed order placement and fill retrieval against a
// trading venue. The settlement engine consumes it as an opaque collaborator
// and distinguishes failures through TransientError and RejectedError.
type Adapter interface {
	// SubmitMarketBuy spends quoteAmount of the quote asset at market.
	SubmitMarketBuy(ctx context.Context, pair string, quoteAmount decimal.Decimal) (trade.Order, error)

	// SubmitLimitSell places a take-profit sell for qty at price.
	SubmitLimitSell(ctx context.Context, pair string, qty, price decimal.Decimal) (trade.Order, error)

	// FetchFills returns all executions recorded against an order.
	FetchFills(ctx context.Context, orderID string) ([]trade.Fill, error)
}

// TransientError wraps a failure worth retrying: timeouts, rate limits,
// 5xx responses. The engine retries these a bounded number of times.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient exchange error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError wraps a terminal venue refusal: the order will never be
// accepted as submitted. The engine aborts the window and unlocks funds.
type RejectedError struct {
	Op     string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("exchange rejected %s: %s", e.Op, e.Reason)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a terminal venue refusal.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
