package engine_test

import (
	"context"
	"testing"
	"time"

	"WindowLedger/internal/engine"
	"WindowLedger/internal/exchange"
	"WindowLedger/internal/ledger"
	"WindowLedger/internal/trade"
	"WindowLedger/internal/vault"
)

func appendRow(t *testing.T, l *ledger.Ledger, row ledger.Row) {
	t.Helper()
	if _, err := l.Append(row); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func restoreAll(t *testing.T, src, dst *ledger.Ledger) {
	t.Helper()
	for _, uid := range src.UIDs() {
		for _, row := range src.Rows(uid) {
			if err := dst.Restore(row); err != nil {
				t.Fatalf("restore %s seq %d: %v", uid, row.Sequence, err)
			}
		}
	}
}

// ============================================================================
// Test: RebuildVaults
// ============================================================================

func TestRebuildVaults_SettledHistoryRoundTrips(t *testing.T) {
	// Drive a real settlement, then rebuild from the persisted rows alone.
	rig := newTestRig(fastConfig(), proposeOne(), nil)
	rig.eng.Deposit("alice", "ref-1", dec("1000"))
	rig.adapter.fills["buy-1"] = []trade.Fill{
		{OrderID: "buy-1", Qty: dec("1"), Price: dec("100"), Ts: time.Now()},
	}
	rig.adapter.fills["sell-1"] = []trade.Fill{
		{OrderID: "sell-1", Qty: dec("1"), Price: dec("100"), Fee: dec("0.1"), FeeCurrency: "USDT", Ts: time.Now()},
	}

	if _, err := rig.eng.RunWindow(context.Background(), "alice", "w1", testMarket()); err != nil {
		t.Fatalf("run window: %v", err)
	}
	live := rig.vaults.Get("alice")

	restored := ledger.New()
	restoreAll(t, rig.ledger, restored)

	rebuilt := vault.NewStore()
	stuck := engine.RebuildVaults(restored, rebuilt)

	if len(stuck) != 0 {
		t.Errorf("got %d stuck windows, want 0", len(stuck))
	}
	v := rebuilt.Get("alice")
	if !v.Balance.Equal(live.Balance) {
		t.Errorf("rebuilt balance: got %s, want %s", v.Balance, live.Balance)
	}
	if !v.Locked.IsZero() {
		t.Errorf("rebuilt locked: got %s, want 0", v.Locked)
	}
}

func TestRebuildVaults_CrashBetweenLockAndSettle(t *testing.T) {
	// A deposit followed by an entry lock with no terminal rows: the process
	// died mid-window. The lock must survive the rebuild, frozen for the
	// operator, not silently released.
	l := ledger.New()
	appendRow(t, l, ledger.Row{
		Timestamp: time.Now(), UID: "alice", TradeID: "ref-1",
		Action: ledger.ActionSettleCredit, Amount: dec("1000"), BalanceAfter: dec("1000"),
	})
	appendRow(t, l, ledger.Row{
		Timestamp: time.Now(), UID: "alice", WindowID: "w1",
		Action: ledger.ActionEntryLock, Amount: dec("-100"), BalanceAfter: dec("900"),
	})

	vaults := vault.NewStore()
	stuck := engine.RebuildVaults(l, vaults)

	if len(stuck) != 1 {
		t.Fatalf("got %d stuck windows, want 1", len(stuck))
	}
	if stuck[0].UID != "alice" || stuck[0].WindowID != "w1" {
		t.Errorf("stuck window: got %s/%s, want alice/w1", stuck[0].UID, stuck[0].WindowID)
	}
	if got, want := stuck[0].Outstanding.String(), "100"; got != want {
		t.Errorf("outstanding: got %s, want %s", got, want)
	}

	v := vaults.Get("alice")
	if got, want := v.Balance.String(), "900"; got != want {
		t.Errorf("balance: got %s, want %s", got, want)
	}
	if got, want := v.Locked.String(), "100"; got != want {
		t.Errorf("locked: got %s, want %s", got, want)
	}
}

func TestRebuildVaults_CrashAfterPartialFill(t *testing.T) {
	// Proceeds landed but the window never reached its release row. How much
	// of the lock the entry buy spent is unknowable from the rows alone, so
	// the full entry stays flagged for the operator.
	l := ledger.New()
	appendRow(t, l, ledger.Row{
		Timestamp: time.Now(), UID: "alice", TradeID: "ref-1",
		Action: ledger.ActionSettleCredit, Amount: dec("1000"), BalanceAfter: dec("1000"),
	})
	appendRow(t, l, ledger.Row{
		Timestamp: time.Now(), UID: "alice", WindowID: "w1",
		Action: ledger.ActionEntryLock, Amount: dec("-100"), BalanceAfter: dec("900"),
	})
	appendRow(t, l, ledger.Row{
		Timestamp: time.Now(), UID: "alice", WindowID: "w1", TradeID: "sell-1",
		Action: ledger.ActionFill, Amount: dec("40"), BalanceAfter: dec("940"),
	})

	vaults := vault.NewStore()
	stuck := engine.RebuildVaults(l, vaults)

	if len(stuck) != 1 {
		t.Fatalf("got %d stuck windows, want 1", len(stuck))
	}
	if got, want := stuck[0].Outstanding.String(), "100"; got != want {
		t.Errorf("outstanding: got %s, want %s", got, want)
	}

	v := vaults.Get("alice")
	if got, want := v.Balance.String(), "940"; got != want {
		t.Errorf("balance: got %s, want %s", got, want)
	}
	if got, want := v.Locked.String(), "100"; got != want {
		t.Errorf("locked: got %s, want %s", got, want)
	}
}

func TestRebuildVaults_ReleaseRowClosesConsumedWindow(t *testing.T) {
	// A settled window whose entry was fully spent by the buy carries a
	// zero-amount release row; replay must treat it as closed, not stuck.
	l := ledger.New()
	appendRow(t, l, ledger.Row{
		Timestamp: time.Now(), UID: "alice", TradeID: "ref-1",
		Action: ledger.ActionSettleCredit, Amount: dec("1000"), BalanceAfter: dec("1000"),
	})
	appendRow(t, l, ledger.Row{
		Timestamp: time.Now(), UID: "alice", WindowID: "w1",
		Action: ledger.ActionEntryLock, Amount: dec("-100"), BalanceAfter: dec("900"),
	})
	appendRow(t, l, ledger.Row{
		Timestamp: time.Now(), UID: "alice", WindowID: "w1", TradeID: "sell-1",
		Action: ledger.ActionFill, Amount: dec("40"), BalanceAfter: dec("940"),
	})
	appendRow(t, l, ledger.Row{
		Timestamp: time.Now(), UID: "alice", WindowID: "w1",
		Action: ledger.ActionSettleCredit, Amount: dec("0"), BalanceAfter: dec("940"),
	})

	vaults := vault.NewStore()
	stuck := engine.RebuildVaults(l, vaults)

	if len(stuck) != 0 {
		t.Fatalf("got %d stuck windows, want 0", len(stuck))
	}
	v := vaults.Get("alice")
	if got, want := v.Balance.String(), "940"; got != want {
		t.Errorf("balance: got %s, want %s", got, want)
	}
	if !v.Locked.IsZero() {
		t.Errorf("locked: got %s, want 0", v.Locked)
	}
}

func TestRebuildVaults_FailedWindowLeavesNothingLocked(t *testing.T) {
	rig := newTestRig(fastConfig(), proposeOne(), nil)
	rig.eng.Deposit("alice", "ref-1", dec("1000"))
	rig.adapter.buyErr = func(call int) error {
		return &exchange.RejectedError{Op: "market_buy", Reason: "halted market"}
	}

	if _, err := rig.eng.RunWindow(context.Background(), "alice", "w1", testMarket()); err != nil {
		t.Fatalf("run window: %v", err)
	}

	restored := ledger.New()
	restoreAll(t, rig.ledger, restored)

	vaults := vault.NewStore()
	stuck := engine.RebuildVaults(restored, vaults)

	if len(stuck) != 0 {
		t.Errorf("got %d stuck windows, want 0 (unlock row closes the window)", len(stuck))
	}
	v := vaults.Get("alice")
	if got, want := v.Balance.String(), "1000"; got != want {
		t.Errorf("balance: got %s, want %s", got, want)
	}
	if !v.Locked.IsZero() {
		t.Errorf("locked: got %s, want 0", v.Locked)
	}
}

func TestRebuildVaults_MultipleUsers(t *testing.T) {
	l := ledger.New()
	for _, uid := range []string{"alice", "bob"} {
		appendRow(t, l, ledger.Row{
			Timestamp: time.Now(), UID: uid, TradeID: "ref-" + uid,
			Action: ledger.ActionSettleCredit, Amount: dec("500"), BalanceAfter: dec("500"),
		})
	}
	appendRow(t, l, ledger.Row{
		Timestamp: time.Now(), UID: "bob", WindowID: "w9",
		Action: ledger.ActionEntryLock, Amount: dec("-50"), BalanceAfter: dec("450"),
	})

	vaults := vault.NewStore()
	stuck := engine.RebuildVaults(l, vaults)

	if got, want := vaults.Get("alice").Balance.String(), "500"; got != want {
		t.Errorf("alice balance: got %s, want %s", got, want)
	}
	if got, want := vaults.Get("bob").Locked.String(), "50"; got != want {
		t.Errorf("bob locked: got %s, want %s", got, want)
	}
	if len(stuck) != 1 || stuck[0].UID != "bob" {
		t.Errorf("stuck windows: got %v, want one for bob", stuck)
	}
}
