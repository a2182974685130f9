package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"WindowLedger/internal/ingestion"
	"WindowLedger/internal/ledger"
	"WindowLedger/internal/scheduler"
	"WindowLedger/internal/vault"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type fundingCall struct {
	uid      string
	refID    string
	amount   decimal.Decimal
	withdraw bool
}

// recordingSink records funding calls and optionally fails them.
type recordingSink struct {
	calls []fundingCall
	err   error
}

func (s *recordingSink) Deposit(uid, refID string, amount decimal.Decimal) (ledger.Row, error) {
	s.calls = append(s.calls, fundingCall{uid: uid, refID: refID, amount: amount})
	return ledger.Row{}, s.err
}

func (s *recordingSink) Withdraw(uid, refID string, amount decimal.Decimal) (ledger.Row, error) {
	s.calls = append(s.calls, fundingCall{uid: uid, refID: refID, amount: amount, withdraw: true})
	return ledger.Row{}, s.err
}

type ackState struct {
	acked bool
	naked bool
}

func rawEvent(subject, payload string, st *ackState) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      []byte(payload),
		Timestamp: time.Now(),
		AckFunc:   func() { st.acked = true },
		NakFunc:   func() { st.naked = true },
	}
}

// drive runs the handler over the given events and returns after the channel
// drains.
func drive(t *testing.T, sink ingestion.FundingSink, triggers chan scheduler.Trigger, events ...ingestion.RawEvent) {
	t.Helper()

	ch := make(chan ingestion.RawEvent, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)

	h := ingestion.NewHandler(ch, triggers, sink, nil, zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handler run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not drain")
	}
}

const depositRef = "8f14e45f-ceea-4e7b-a2f1-2d2c1a1e9b01"

func depositPayload(ref string) string {
	return fmt.Sprintf(`{"ref_id":%q,"uid":"alice","amount":"250","timestamp_us":1700000000000000}`, ref)
}

// ============================================================================
// Test: routing
// ============================================================================

func TestHandler_RoutesWindowOpenToScheduler(t *testing.T) {
	triggers := make(chan scheduler.Trigger, 1)
	var st ackState

	drive(t, &recordingSink{}, triggers,
		rawEvent("wl.windows.open.btc", `{"window_id":"w1","pair":"BTC_USDT","as_of_us":1700000000000000,"last":"65000"}`, &st))

	select {
	case trig := <-triggers:
		if trig.WindowID != "w1" {
			t.Errorf("window id: got %q, want w1", trig.WindowID)
		}
		if trig.Market.Pair != "BTC_USDT" {
			t.Errorf("pair: got %q, want BTC_USDT", trig.Market.Pair)
		}
	default:
		t.Fatal("expected a trigger")
	}
	if !st.acked || st.naked {
		t.Errorf("ack state: acked=%v naked=%v, want acked only", st.acked, st.naked)
	}
}

func TestHandler_RoutesDepositToSink(t *testing.T) {
	sink := &recordingSink{}
	var st ackState

	drive(t, sink, make(chan scheduler.Trigger, 1),
		rawEvent("wl.funds.deposit.alice", depositPayload(depositRef), &st))

	if len(sink.calls) != 1 {
		t.Fatalf("got %d funding calls, want 1", len(sink.calls))
	}
	call := sink.calls[0]
	if call.withdraw {
		t.Error("deposit routed as withdrawal")
	}
	if call.uid != "alice" || call.refID != depositRef {
		t.Errorf("call: got %s/%s, want alice/%s", call.uid, call.refID, depositRef)
	}
	if got, want := call.amount.String(), "250"; got != want {
		t.Errorf("amount: got %s, want %s", got, want)
	}
	if !st.acked {
		t.Error("applied deposit should be acked")
	}
}

func TestHandler_RoutesWithdrawalToSink(t *testing.T) {
	sink := &recordingSink{}
	var st ackState

	drive(t, sink, make(chan scheduler.Trigger, 1),
		rawEvent("wl.funds.withdraw.alice", depositPayload(depositRef), &st))

	if len(sink.calls) != 1 || !sink.calls[0].withdraw {
		t.Fatalf("expected one withdrawal call, got %+v", sink.calls)
	}
	if !st.acked {
		t.Error("applied withdrawal should be acked")
	}
}

func TestHandler_AcksUnroutableSubjects(t *testing.T) {
	sink := &recordingSink{}
	var st ackState

	drive(t, sink, make(chan scheduler.Trigger, 1),
		rawEvent("wl.unknown.thing", `{}`, &st))

	if len(sink.calls) != 0 {
		t.Errorf("got %d funding calls, want 0", len(sink.calls))
	}
	if !st.acked {
		t.Error("unroutable messages should be acked, redelivery cannot fix them")
	}
}

func TestHandler_AcksMalformedPayloads(t *testing.T) {
	sink := &recordingSink{}
	var stWindow, stFunding ackState

	drive(t, sink, make(chan scheduler.Trigger, 1),
		rawEvent("wl.windows.open.btc", `{"window_id":""}`, &stWindow),
		rawEvent("wl.funds.deposit.alice", `{"ref_id":"not-a-uuid","uid":"alice","amount":"10"}`, &stFunding))

	if len(sink.calls) != 0 {
		t.Errorf("got %d funding calls, want 0", len(sink.calls))
	}
	if !stWindow.acked || !stFunding.acked {
		t.Error("parse failures should be acked")
	}
}

// ============================================================================
// Test: redelivery
// ============================================================================

func TestHandler_DeduplicatesFundingRefs(t *testing.T) {
	sink := &recordingSink{}
	var first, second ackState

	drive(t, sink, make(chan scheduler.Trigger, 1),
		rawEvent("wl.funds.deposit.alice", depositPayload(depositRef), &first),
		rawEvent("wl.funds.deposit.alice", depositPayload(depositRef), &second))

	if len(sink.calls) != 1 {
		t.Errorf("got %d funding calls, want 1 (redelivery must not double-apply)", len(sink.calls))
	}
	if !first.acked || !second.acked {
		t.Error("both deliveries should be acked")
	}
}

func TestHandler_DistinctRefsBothApply(t *testing.T) {
	sink := &recordingSink{}
	var a, b ackState

	drive(t, sink, make(chan scheduler.Trigger, 1),
		rawEvent("wl.funds.deposit.alice", depositPayload("8f14e45f-ceea-4e7b-a2f1-2d2c1a1e9b01"), &a),
		rawEvent("wl.funds.deposit.alice", depositPayload("9a25f56a-dffb-4f8c-b3a2-3e3d2b2fac12"), &b))

	if len(sink.calls) != 2 {
		t.Errorf("got %d funding calls, want 2", len(sink.calls))
	}
}

// ============================================================================
// Test: failure handling
// ============================================================================

func TestHandler_InsufficientFundsIsTerminal(t *testing.T) {
	sink := &recordingSink{err: fmt.Errorf("withdraw debit: %w", vault.ErrInsufficientFunds)}
	var st ackState

	drive(t, sink, make(chan scheduler.Trigger, 1),
		rawEvent("wl.funds.withdraw.alice", depositPayload(depositRef), &st))

	if !st.acked || st.naked {
		t.Errorf("ack state: acked=%v naked=%v, want acked (redelivery cannot fund it)", st.acked, st.naked)
	}
}

func TestHandler_OtherSinkErrorsNak(t *testing.T) {
	sink := &recordingSink{err: errors.New("ledger append: disk full")}
	var st ackState

	drive(t, sink, make(chan scheduler.Trigger, 1),
		rawEvent("wl.funds.deposit.alice", depositPayload(depositRef), &st))

	if st.acked || !st.naked {
		t.Errorf("ack state: acked=%v naked=%v, want naked for redelivery", st.acked, st.naked)
	}
}

func TestHandler_FailedApplicationIsNotRemembered(t *testing.T) {
	// First delivery fails and naks; the redelivery must be applied, not
	// swallowed by the dedup set.
	sink := &recordingSink{err: errors.New("transient")}
	ch := make(chan ingestion.RawEvent, 2)
	h := ingestion.NewHandler(ch, make(chan scheduler.Trigger, 1), sink, nil, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	naked := make(chan struct{}, 1)
	ch <- ingestion.RawEvent{
		Subject:   "wl.funds.deposit.alice",
		Data:      []byte(depositPayload(depositRef)),
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() { naked <- struct{}{} },
	}
	select {
	case <-naked:
	case <-time.After(5 * time.Second):
		t.Fatal("first delivery was not naked")
	}

	sink.err = nil
	var second ackState
	ch <- rawEvent("wl.funds.deposit.alice", depositPayload(depositRef), &second)
	close(ch)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("handler run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not drain")
	}

	if len(sink.calls) != 2 {
		t.Errorf("got %d funding calls, want 2 (failed attempt plus successful retry)", len(sink.calls))
	}
	if !second.acked {
		t.Error("successful retry should be acked")
	}
}
