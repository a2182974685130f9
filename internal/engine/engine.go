package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"WindowLedger/internal/exchange"
	"WindowLedger/internal/ledger"
	"WindowLedger/internal/observability"
	"WindowLedger/internal/strategy"
	"WindowLedger/internal/trade"
	"WindowLedger/internal/vault"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrUserHalted is returned for users whose writes were frozen after an
// integrity violation. Only operator intervention clears it.
var ErrUserHalted = errors.New("settlement halted for user after integrity violation")

// amounts are carried at the settlement asset's precision
const amountScale = 8

// Config carries the deployment-fixed settlement parameters.
type Config struct {
	// MinSpot is the minimum spendable balance required to enter a window.
	// Below it the window is an expected idle no-op, not an error.
	MinSpot decimal.Decimal

	// EntryPct is the fraction of the spendable balance locked as the
	// window's entry, e.g. 0.1.
	EntryPct decimal.Decimal

	// SettlementAsset is the quote asset vault balances are denominated in.
	SettlementAsset string

	// ExchangeTimeout bounds the strategy + exchange phase of one window.
	// On expiry the window fails and the entry is unlocked.
	ExchangeTimeout time.Duration

	// MaxExchangeRetries bounds in-place retries of transient exchange
	// failures before the window is failed.
	MaxExchangeRetries int

	// WindowCacheSize is the capacity of the in-memory idempotency LRU.
	WindowCacheSize int
}

func DefaultConfig() Config {
	return Config{
		MinSpot:            decimal.NewFromInt(50),
		EntryPct:           decimal.RequireFromString("0.1"),
		SettlementAsset:    "USDT",
		ExchangeTimeout:    30 * time.Second,
		MaxExchangeRetries: 3,
		WindowCacheSize:    100_000,
	}
}

// Deps bundles the engine's collaborators. Vaults and Ledger are the only
// shared mutable resources; all writers go through the engine.
type Deps struct {
	Vaults   *vault.Store
	Ledger   *ledger.Ledger
	Strategy strategy.Strategy
	Adapter  exchange.Adapter
	Durable  DurableResultChecker
	Metrics  *observability.Metrics
	Logger   zerolog.Logger

	// PersistChan receives every terminal output with a blocking send, so
	// backpressure from storage stalls settlement rather than losing rows.
	// Optional.
	PersistChan chan<- Output

	// PublishChan receives terminal outputs with a non-blocking send;
	// consumers that fall behind miss results and catch up from storage.
	// Optional.
	PublishChan chan<- Output
}

// Engine orchestrates one window's entry→fill→settle cycle per user. The
// whole cycle for a uid runs under that user's exclusive critical section:
// no two window executions for the same user interleave their vault
// mutations or ledger appends, while different users settle fully in
// parallel.
type Engine struct {
	cfg     Config
	vaults  *vault.Store
	ledger  *ledger.Ledger
	strat   strategy.Strategy
	adapter exchange.Adapter
	windows *windowCache
	locks   *keyedMutex
	metrics *observability.Metrics
	log     zerolog.Logger

	persistChan chan<- Output
	publishChan chan<- Output

	haltedMu sync.Mutex
	halted   map[string]string // uid -> reason

	now func() time.Time
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.WindowCacheSize <= 0 {
		cfg.WindowCacheSize = DefaultConfig().WindowCacheSize
	}

	return &Engine{
		cfg:         cfg,
		vaults:      deps.Vaults,
		ledger:      deps.Ledger,
		strat:       deps.Strategy,
		adapter:     deps.Adapter,
		windows:     newWindowCache(cfg.WindowCacheSize, deps.Durable),
		locks:       newKeyedMutex(),
		metrics:     deps.Metrics,
		log:         deps.Logger,
		persistChan: deps.PersistChan,
		publishChan: deps.PublishChan,
		halted:      make(map[string]string),
		now:         time.Now,
	}
}

// RunWindow settles one (uid, window_id) key. Exactly one execution reaches
// a terminal state per key: concurrent or repeated triggers for the same key
// return the stored result without re-executing.
func (e *Engine) RunWindow(ctx context.Context, uid, windowID string, md trade.MarketData) (Result, error) {
	start := e.now()

	e.locks.Lock(uid)
	defer e.locks.Unlock(uid)

	key := WindowKey{UID: uid, WindowID: windowID}
	if res, ok := e.windows.Lookup(key); ok {
		if e.metrics != nil {
			e.metrics.WindowsDeduplicated.Inc()
		}
		return res, nil
	}

	if reason, ok := e.haltReason(uid); ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUserHalted, reason)
	}

	res, err := e.runLocked(ctx, uid, windowID, md)
	if err != nil {
		return Result{}, err
	}

	e.windows.Store(res)
	e.emit(Output{Result: res})

	if e.metrics != nil {
		e.metrics.WindowsCompleted.WithLabelValues(res.Status.String()).Inc()
		e.metrics.WindowDuration.WithLabelValues(res.Status.String()).Observe(e.now().Sub(start).Seconds())
	}

	return res, nil
}

// runLocked executes the Pending→Locked→Executing→Settled machine. The
// caller holds the user's critical section.
func (e *Engine) runLocked(ctx context.Context, uid, windowID string, md trade.MarketData) (Result, error) {
	v := e.vaults.Get(uid)

	// Pending: size the entry, or terminate as an idle no-op.
	if v.Balance.Cmp(e.cfg.MinSpot) < 0 {
		e.log.Debug().Str("uid", uid).Str("window", windowID).
			Str("balance", v.Balance.String()).Msg("balance below entry minimum")
		return e.terminal(Result{
			UID:      uid,
			WindowID: windowID,
			Status:   StatusNoOp,
			Reason:   "balance below minimum",
		}), nil
	}

	entry := v.Balance.Mul(e.cfg.EntryPct).Round(amountScale)
	if entry.Sign() <= 0 {
		return e.terminal(Result{
			UID:      uid,
			WindowID: windowID,
			Status:   StatusNoOp,
			Reason:   "entry rounds to zero",
		}), nil
	}

	// Pending → Locked.
	if err := e.vaults.Lock(uid, entry); err != nil {
		if errors.Is(err, vault.ErrInsufficientFunds) {
			if e.metrics != nil {
				e.metrics.VaultLockRejections.Inc()
			}
			return e.terminal(Result{
				UID:      uid,
				WindowID: windowID,
				Status:   StatusNoOp,
				Reason:   "insufficient funds at lock",
			}), nil
		}
		return Result{}, fmt.Errorf("lock entry: %w", err)
	}

	rows := make([]ledger.Row, 0, 4)
	row, err := e.append(ledger.Row{
		Timestamp:    e.now().UTC(),
		UID:          uid,
		WindowID:     windowID,
		Action:       ledger.ActionEntryLock,
		Amount:       entry.Neg(),
		BalanceAfter: e.vaults.Get(uid).Balance,
	})
	if err != nil {
		return Result{}, err
	}
	rows = append(rows, row)

	// Locked → Executing: the critical section stays held across the
	// strategy and exchange calls, so a slow venue blocks only this user.
	exCtx, cancel := context.WithTimeout(ctx, e.cfg.ExchangeTimeout)
	defer cancel()

	spent, fills, glyphs, execErr := e.execute(exCtx, md, entry)
	if execErr != nil {
		return e.failWindow(uid, windowID, entry, rows, execErr)
	}

	// Executing → Settled.
	return e.settle(uid, windowID, entry, spent, fills, glyphs, rows)
}

// execute obtains the strategy's proposed fills, places the entry and
// take-profit orders, and fetches the venue's actual fills. Transient
// failures retry with exponential backoff up to the configured bound;
// rejections and deadline expiry abort. Returns the quote amount the entry
// buy actually executed alongside the sell-side fills.
func (e *Engine) execute(ctx context.Context, md trade.MarketData, entry decimal.Decimal) (decimal.Decimal, []trade.Fill, []trade.Glyph, error) {
	proposed, glyphs, err := e.strat.Compute(ctx, md, entry)
	if err != nil {
		return decimal.Zero, nil, nil, fmt.Errorf("strategy compute: %w", err)
	}

	orders := make([]trade.Order, 0, len(proposed)+1)

	var buy trade.Order
	err = e.withRetry(ctx, "market_buy", func() error {
		var callErr error
		buy, callErr = e.adapter.SubmitMarketBuy(ctx, md.Pair, entry)
		return callErr
	})
	if err != nil {
		return decimal.Zero, nil, nil, err
	}
	orders = append(orders, buy)

	for _, p := range proposed {
		if p.Qty.Sign() <= 0 || p.Price.Sign() <= 0 {
			continue
		}
		var sell trade.Order
		err = e.withRetry(ctx, "limit_sell", func() error {
			var callErr error
			sell, callErr = e.adapter.SubmitLimitSell(ctx, md.Pair, p.Qty, p.Price)
			return callErr
		})
		if err != nil {
			return decimal.Zero, nil, nil, err
		}
		orders = append(orders, sell)
	}

	spent := decimal.Zero
	var fills []trade.Fill
	for _, o := range orders {
		var got []trade.Fill
		err = e.withRetry(ctx, "fetch_fills", func() error {
			var callErr error
			got, callErr = e.adapter.FetchFills(ctx, o.OrderID)
			return callErr
		})
		if err != nil {
			return decimal.Zero, nil, nil, err
		}
		// The entry buy converts locked quote into the traded asset; its
		// executed quote amount is what the lock actually paid out. Only
		// sell-side executions return settlement-asset proceeds.
		if o.Side == trade.SideBuy {
			for _, f := range got {
				spent = spent.Add(f.GrossProceeds())
			}
			continue
		}
		fills = append(fills, got...)
	}

	return spent.Round(amountScale), fills, glyphs, nil
}

// settle consumes the entry lock against the buy's executed quote amount,
// credits sell-side fills, and releases the portion of the entry the buy
// left unexecuted. The caller holds the user's critical section, so vault
// reads between mutations are consistent and no external reader observes a
// partial settlement.
func (e *Engine) settle(uid, windowID string, entry, spent decimal.Decimal, fills []trade.Fill, glyphs []trade.Glyph, rows []ledger.Row) (Result, error) {
	// The entry buy converted this much of the locked quote into the traded
	// asset; that portion left the vault for good. Its balance outflow is
	// already on the entry_lock row.
	consumed := decimal.Min(entry, spent)
	if consumed.Sign() > 0 {
		if err := e.vaults.ConsumeLocked(uid, consumed); err != nil {
			return Result{}, e.haltUser(uid, fmt.Errorf("consume locked principal: %w", err))
		}
	}
	remaining := entry.Sub(consumed)

	proceeds := decimal.Zero
	totalFees := decimal.Zero

	glyphIdx := 0
	for _, f := range fills {
		gross := f.GrossProceeds().Round(amountScale)
		if gross.Sign() <= 0 {
			continue
		}
		f.Fee = f.Fee.Round(amountScale)

		if err := e.vaults.Credit(uid, gross); err != nil {
			return Result{}, e.haltUser(uid, fmt.Errorf("credit proceeds: %w", err))
		}

		row, err := e.append(ledger.Row{
			Timestamp:    f.Ts,
			UID:          uid,
			WindowID:     windowID,
			TradeID:      f.OrderID,
			Glyph:        glyphAt(glyphs, glyphIdx),
			Action:       ledger.ActionFill,
			Amount:       gross,
			BalanceAfter: e.vaults.Get(uid).Balance,
		})
		if err != nil {
			return Result{}, err
		}
		rows = append(rows, row)
		glyphIdx++
		proceeds = proceeds.Add(gross)

		if f.Fee.Sign() > 0 {
			feeRow, err := e.applyFee(uid, windowID, f)
			if err != nil {
				return Result{}, err
			}
			rows = append(rows, feeRow)
			if f.FeeCurrency == e.cfg.SettlementAsset {
				totalFees = totalFees.Add(f.Fee)
			}
		}
	}

	// Release what the buy left unexecuted. The row is appended even when
	// nothing remains: it is the window's settlement marker, and replay
	// treats a window without one as still in flight.
	if remaining.Sign() > 0 {
		if err := e.vaults.Unlock(uid, remaining); err != nil {
			return Result{}, e.haltUser(uid, fmt.Errorf("unlock residual: %w", err))
		}
	}
	row, err := e.append(ledger.Row{
		Timestamp:    e.now().UTC(),
		UID:          uid,
		WindowID:     windowID,
		Action:       ledger.ActionSettleCredit,
		Amount:       remaining,
		BalanceAfter: e.vaults.Get(uid).Balance,
	})
	if err != nil {
		return Result{}, err
	}
	rows = append(rows, row)

	if e.metrics != nil {
		entryF, _ := entry.Float64()
		proceedsF, _ := proceeds.Float64()
		e.metrics.EntryVolume.Add(entryF)
		e.metrics.ProceedsVolume.Add(proceedsF)
	}

	e.log.Info().Str("uid", uid).Str("window", windowID).
		Str("entry", entry.String()).Str("proceeds", proceeds.String()).
		Int("fills", len(fills)).Msg("window settled")

	return e.terminal(Result{
		UID:      uid,
		WindowID: windowID,
		Status:   StatusSettled,
		Entry:    entry,
		Proceeds: proceeds,
		Fees:     totalFees,
		Rows:     rows,
	}), nil
}

// applyFee debits a settlement-asset fee, or records a zero-delta marker row
// when the fee was paid in another currency (the settlement asset balance is
// unaffected, but the audit trail keeps the event).
func (e *Engine) applyFee(uid, windowID string, f trade.Fill) (ledger.Row, error) {
	amount := decimal.Zero
	if f.FeeCurrency == e.cfg.SettlementAsset {
		if err := e.vaults.Debit(uid, f.Fee); err != nil {
			return ledger.Row{}, e.haltUser(uid, fmt.Errorf("debit fee: %w", err))
		}
		amount = f.Fee.Neg()
	}

	return e.append(ledger.Row{
		Timestamp:    f.Ts,
		UID:          uid,
		WindowID:     windowID,
		TradeID:      f.OrderID,
		Action:       ledger.ActionFee,
		Amount:       amount,
		BalanceAfter: e.vaults.Get(uid).Balance,
	})
}

// failWindow compensates an aborted window: the full remaining lock is
// released, a compensating unlock row appended, and the failure recorded as
// the window's terminal state. Failed windows are never silently retried —
// re-entering with partially observed venue state risks duplicate orders.
func (e *Engine) failWindow(uid, windowID string, entry decimal.Decimal, rows []ledger.Row, cause error) (Result, error) {
	if err := e.vaults.Unlock(uid, entry); err != nil {
		return Result{}, e.haltUser(uid, fmt.Errorf("compensating unlock: %w", err))
	}

	row, err := e.append(ledger.Row{
		Timestamp:    e.now().UTC(),
		UID:          uid,
		WindowID:     windowID,
		Action:       ledger.ActionUnlock,
		Amount:       entry,
		BalanceAfter: e.vaults.Get(uid).Balance,
	})
	if err != nil {
		return Result{}, err
	}
	rows = append(rows, row)

	e.log.Warn().Str("uid", uid).Str("window", windowID).
		Str("entry", entry.String()).Err(cause).Msg("window failed, entry unlocked")

	return e.terminal(Result{
		UID:      uid,
		WindowID: windowID,
		Status:   StatusFailed,
		Reason:   cause.Error(),
		Entry:    entry,
		Rows:     rows,
	}), nil
}

func (e *Engine) append(row ledger.Row) (ledger.Row, error) {
	appended, err := e.ledger.Append(row)
	if err != nil {
		return ledger.Row{}, fmt.Errorf("ledger append: %w", err)
	}
	if e.metrics != nil {
		e.metrics.LedgerRowsAppended.WithLabelValues(row.Action.String()).Inc()
	}
	return appended, nil
}

func (e *Engine) terminal(res Result) Result {
	res.SettledAt = e.now().UTC()
	return res
}

func (e *Engine) emit(out Output) {
	if e.persistChan != nil {
		if e.metrics != nil && len(e.persistChan) == cap(e.persistChan) {
			e.metrics.PersistBackpressure.Inc()
		}
		// Blocking send: storage backpressure stalls settlement instead of
		// dropping rows.
		e.persistChan <- out
	}

	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}
}

// withRetry runs fn, retrying transient exchange failures with exponential
// backoff up to the configured bound. Rejections return immediately.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if e.metrics != nil {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			e.metrics.ExchangeCalls.WithLabelValues(op, outcome).Inc()
		}
		if err == nil {
			return nil
		}
		if !exchange.IsTransient(err) || attempt >= e.cfg.MaxExchangeRetries {
			return err
		}

		if e.metrics != nil {
			e.metrics.ExchangeRetries.Inc()
		}
		e.log.Debug().Str("op", op).Int("attempt", attempt).Err(err).Msg("retrying transient exchange failure")

		select {
		case <-ctx.Done():
			return &exchange.TransientError{Op: op, Err: ctx.Err()}
		case <-time.After(backoffDelay(attempt)):
		}
	}
}

// haltUser freezes all further settlement for a user after a fatal
// invariant violation. Never auto-repaired: the state is left exactly as the
// failure found it so an operator can reconcile from the ledger.
func (e *Engine) haltUser(uid string, cause error) error {
	e.haltedMu.Lock()
	e.halted[uid] = cause.Error()
	e.haltedMu.Unlock()

	if e.metrics != nil {
		e.metrics.VaultInvariantTrips.Inc()
	}
	e.log.Error().Str("uid", uid).Err(cause).Msg("settlement halted for user")

	return fmt.Errorf("%w: %v", ErrUserHalted, cause)
}

func (e *Engine) haltReason(uid string) (string, bool) {
	e.haltedMu.Lock()
	defer e.haltedMu.Unlock()
	reason, ok := e.halted[uid]
	return reason, ok
}

// Deposit credits external funds into a user's vault and records the inflow
// as a settle_credit row, keeping replayed ledger sums equal to live
// balances. refID identifies the external transfer and lands in the row's
// trade id for reconciliation.
func (e *Engine) Deposit(uid, refID string, amount decimal.Decimal) (ledger.Row, error) {
	e.locks.Lock(uid)
	defer e.locks.Unlock(uid)

	if err := e.vaults.Credit(uid, amount); err != nil {
		return ledger.Row{}, fmt.Errorf("deposit credit: %w", err)
	}

	row, err := e.append(ledger.Row{
		Timestamp:    e.now().UTC(),
		UID:          uid,
		TradeID:      refID,
		Action:       ledger.ActionSettleCredit,
		Amount:       amount,
		BalanceAfter: e.vaults.Get(uid).Balance,
	})
	if err != nil {
		return ledger.Row{}, err
	}

	e.emit(Output{FundingRows: []ledger.Row{row}})
	e.log.Info().Str("uid", uid).Str("ref", refID).Str("amount", amount.String()).Msg("deposit applied")
	return row, nil
}

// Withdraw debits spendable funds from a user's vault and records the
// outflow as a settle_debit row. Locked funds are never withdrawable.
func (e *Engine) Withdraw(uid, refID string, amount decimal.Decimal) (ledger.Row, error) {
	e.locks.Lock(uid)
	defer e.locks.Unlock(uid)

	if err := e.vaults.Debit(uid, amount); err != nil {
		return ledger.Row{}, fmt.Errorf("withdraw debit: %w", err)
	}

	row, err := e.append(ledger.Row{
		Timestamp:    e.now().UTC(),
		UID:          uid,
		TradeID:      refID,
		Action:       ledger.ActionSettleDebit,
		Amount:       amount.Neg(),
		BalanceAfter: e.vaults.Get(uid).Balance,
	})
	if err != nil {
		return ledger.Row{}, err
	}

	e.emit(Output{FundingRows: []ledger.Row{row}})
	e.log.Info().Str("uid", uid).Str("ref", refID).Str("amount", amount.String()).Msg("withdrawal applied")
	return row, nil
}

// Halted reports whether settlement is frozen for a user, and why.
func (e *Engine) Halted(uid string) (string, bool) {
	return e.haltReason(uid)
}

// ResumeUser clears a user's halt. Operator intervention only.
func (e *Engine) ResumeUser(uid string) {
	e.haltedMu.Lock()
	defer e.haltedMu.Unlock()
	delete(e.halted, uid)
}

const (
	backoffBase = 250 * time.Millisecond
	backoffMax  = 10 * time.Second
)

// backoffDelay returns backoffBase * 2^attempt capped at backoffMax.
func backoffDelay(attempt int) time.Duration {
	if attempt < 0 {
		return backoffBase
	}
	if attempt > 20 {
		return backoffMax
	}
	d := backoffBase * time.Duration(1<<attempt)
	if d > backoffMax {
		return backoffMax
	}
	return d
}

func glyphAt(glyphs []trade.Glyph, i int) string {
	if i < len(glyphs) {
		return string(glyphs[i])
	}
	return ""
}
