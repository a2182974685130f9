package ingestion

import (
	"context"
	"errors"

	"WindowLedger/internal/ledger"
	"WindowLedger/internal/observability"
	"WindowLedger/internal/scheduler"
	"WindowLedger/internal/vault"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// FundingSink applies external deposits and withdrawals. The engine
// satisfies it; handlers never touch vaults directly.
type FundingSink interface {
	Deposit(uid, refID string, amount decimal.Decimal) (ledger.Row, error)
	Withdraw(uid, refID string, amount decimal.Decimal) (ledger.Row, error)
}

// fundingRefCapacity bounds the in-memory dedup window for funding refs.
// JetStream redeliveries arrive within the ack window, far inside this.
const fundingRefCapacity = 65536

// Handler drains raw NATS events, parses them, and routes window triggers to
// the scheduler and funding events to the sink. Each message is ACKed only
// after its effect is applied; parse failures and terminal rejections ACK too
// since redelivery cannot fix them.
type Handler struct {
	events   <-chan RawEvent
	triggers chan<- scheduler.Trigger
	funding  FundingSink
	metrics  *observability.Metrics
	log      zerolog.Logger

	seenRefs map[string]struct{}
	refOrder []string
}

func NewHandler(events <-chan RawEvent, triggers chan<- scheduler.Trigger, funding FundingSink, metrics *observability.Metrics, logger zerolog.Logger) *Handler {
	return &Handler{
		events:   events,
		triggers: triggers,
		funding:  funding,
		metrics:  metrics,
		log:      logger,
		seenRefs: make(map[string]struct{}),
	}
}

// Run drains events until the context is cancelled.
func (h *Handler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-h.events:
			if !ok {
				return nil
			}
			h.handle(ctx, raw)
		}
	}
}

func (h *Handler) handle(ctx context.Context, raw RawEvent) {
	eventType, ok := EventTypeFor(raw.Subject)
	if !ok {
		h.log.Warn().Str("subject", raw.Subject).Msg("unroutable subject")
		h.outcome("unroutable")
		raw.AckFunc()
		return
	}

	switch eventType {
	case EventTypeWindowOpen:
		h.handleWindowOpen(ctx, raw)
	case EventTypeDeposit:
		h.handleFunding(raw, false)
	case EventTypeWithdrawal:
		h.handleFunding(raw, true)
	}
}

func (h *Handler) handleWindowOpen(ctx context.Context, raw RawEvent) {
	open, err := ParseWindowOpen(raw.Data)
	if err != nil {
		h.log.Warn().Str("subject", raw.Subject).Err(err).Msg("window trigger rejected")
		h.outcome("parse_error")
		raw.AckFunc()
		return
	}

	select {
	case h.triggers <- scheduler.Trigger{WindowID: open.WindowID, Market: open.Market}:
		h.outcome("ok")
		raw.AckFunc()
	case <-ctx.Done():
		raw.NakFunc()
	}
}

func (h *Handler) handleFunding(raw RawEvent, withdraw bool) {
	evt, err := ParseFunding(raw.Data, withdraw)
	if err != nil {
		h.log.Warn().Str("subject", raw.Subject).Err(err).Msg("funding event rejected")
		h.outcome("parse_error")
		raw.AckFunc()
		return
	}

	if h.seen(evt.RefID) {
		h.outcome("duplicate")
		raw.AckFunc()
		return
	}

	if withdraw {
		_, err = h.funding.Withdraw(evt.UID, evt.RefID, evt.Amount)
	} else {
		_, err = h.funding.Deposit(evt.UID, evt.RefID, evt.Amount)
	}
	if err != nil {
		if errors.Is(err, vault.ErrInsufficientFunds) {
			// Terminal: redelivering an unfundable withdrawal cannot succeed.
			h.log.Warn().Str("uid", evt.UID).Str("ref", evt.RefID).Err(err).Msg("withdrawal rejected")
			h.outcome("rejected")
			raw.AckFunc()
			return
		}
		h.log.Error().Str("uid", evt.UID).Str("ref", evt.RefID).Err(err).Msg("funding event failed")
		h.outcome("error")
		raw.NakFunc()
		return
	}

	h.remember(evt.RefID)
	h.outcome("ok")
	raw.AckFunc()
}

// seen and remember implement a bounded FIFO dedup set. Run is
// single-goroutine, so no locking.
func (h *Handler) seen(ref string) bool {
	_, ok := h.seenRefs[ref]
	return ok
}

func (h *Handler) remember(ref string) {
	if len(h.refOrder) >= fundingRefCapacity {
		oldest := h.refOrder[0]
		h.refOrder = h.refOrder[1:]
		delete(h.seenRefs, oldest)
	}
	h.seenRefs[ref] = struct{}{}
	h.refOrder = append(h.refOrder, ref)
}

func (h *Handler) outcome(v string) {
	if h.metrics != nil {
		h.metrics.TriggerEvents.WithLabelValues(v).Inc()
	}
}
