package gateio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"WindowLedger/internal/exchange"
	"WindowLedger/internal/trade"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const DefaultBaseURL = "https://api.gateio.ws/api/v4"

// Gate.io spot allows 10 req/s per endpoint group; stay under it.
const requestsPerSecond = 8

// Client is the Gate.io spot implementation of exchange.Adapter. All calls
// pass a shared rate limiter and surface failures as TransientError (5xx,
// timeouts, rate limits) or RejectedError (4xx order refusals) so the
// settlement engine can tell retry from abort.
type Client struct {
	baseURL string
	signer  *Signer
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewClient(key, secret string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: DefaultBaseURL,
		signer:  NewSigner(key, secret),
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 4),
		log:     log,
	}
}

// WithBaseURL overrides the API endpoint. Used by tests against a stub server.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = url
	return c
}

type orderRequest struct {
	CurrencyPair string `json:"currency_pair"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Price        string `json:"price,omitempty"`
	Amount       string `json:"amount"`
}

type orderResponse struct {
	ID           string `json:"id"`
	FilledAmount string `json:"filled_amount"`
	Message      string `json:"message"`
}

type tradeResponse struct {
	Price       string `json:"price"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee"`
	FeeCurrency string `json:"fee_currency"`
	CreateTime  int64  `json:"create_time,string"`
}

// SubmitMarketBuy spends quoteAmount of the quote asset at market.
func (c *Client) SubmitMarketBuy(ctx context.Context, pair string, quoteAmount decimal.Decimal) (trade.Order, error) {
	req := orderRequest{
		CurrencyPair: pair,
		Side:         "buy",
		Type:         "market",
		Amount:       quoteAmount.String(),
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/spot/orders", req, &resp); err != nil {
		return trade.Order{}, err
	}

	qty, err := decimal.NewFromString(resp.FilledAmount)
	if err != nil {
		return trade.Order{}, fmt.Errorf("parse filled_amount %q: %w", resp.FilledAmount, err)
	}

	return trade.Order{
		OrderID: resp.ID,
		Pair:    pair,
		Side:    trade.SideBuy,
		Type:    trade.OrderTypeMarket,
		Qty:     qty,
	}, nil
}

// SubmitLimitSell places a take-profit sell for qty at price.
func (c *Client) SubmitLimitSell(ctx context.Context, pair string, qty, price decimal.Decimal) (trade.Order, error) {
	req := orderRequest{
		CurrencyPair: pair,
		Side:         "sell",
		Type:         "limit",
		Price:        price.StringFixed(6),
		Amount:       qty.StringFixed(6),
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/spot/orders", req, &resp); err != nil {
		return trade.Order{}, err
	}

	return trade.Order{
		OrderID: resp.ID,
		Pair:    pair,
		Side:    trade.SideSell,
		Type:    trade.OrderTypeLimit,
		Price:   price,
		Qty:     qty,
	}, nil
}

// FetchFills returns all executions recorded against an order.
func (c *Client) FetchFills(ctx context.Context, orderID string) ([]trade.Fill, error) {
	path := "/spot/trades?order_id=" + orderID

	var resp []tradeResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	fills := make([]trade.Fill, 0, len(resp))
	for _, tr := range resp {
		price, err := decimal.NewFromString(tr.Price)
		if err != nil {
			return nil, fmt.Errorf("parse fill price %q: %w", tr.Price, err)
		}
		qty, err := decimal.NewFromString(tr.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse fill amount %q: %w", tr.Amount, err)
		}
		fee, err := decimal.NewFromString(tr.Fee)
		if err != nil {
			return nil, fmt.Errorf("parse fill fee %q: %w", tr.Fee, err)
		}

		fills = append(fills, trade.Fill{
			OrderID:     orderID,
			Price:       price,
			Qty:         qty,
			Fee:         fee,
			FeeCurrency: tr.FeeCurrency,
			Ts:          time.Unix(tr.CreateTime, 0).UTC(),
		})
	}
	return fills, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &exchange.TransientError{Op: path, Err: err}
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = c.signer.Sign(method, "/api/v4"+path, string(payload), time.Now().Unix())

	resp, err := c.http.Do(req)
	if err != nil {
		// Network failures and deadline expiry are retryable.
		return &exchange.TransientError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &exchange.TransientError{Op: method + " " + path, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		// OK
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("gateio transient failure")
		return &exchange.TransientError{Op: method + " " + path, Err: fmt.Errorf("status %d: %s", resp.StatusCode, raw)}
	default:
		c.log.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("gateio rejected request")
		return &exchange.RejectedError{Op: method + " " + path, Reason: fmt.Sprintf("status %d: %s", resp.StatusCode, raw)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
