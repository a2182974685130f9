package vault_test

import (
	"errors"
	"sync"
	"testing"

	"WindowLedger/internal/vault"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ============================================================================
// Test: basic transitions
// ============================================================================

func TestStore_InitialVaultIsEmpty(t *testing.T) {
	s := vault.NewStore()

	v := s.Get("alice")
	if !v.Balance.IsZero() || !v.Locked.IsZero() {
		t.Errorf("new vault should be empty, got balance=%s locked=%s", v.Balance, v.Locked)
	}
}

func TestStore_CreditDebit(t *testing.T) {
	s := vault.NewStore()

	if err := s.Credit("alice", dec("1000")); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := s.Debit("alice", dec("250.5")); err != nil {
		t.Fatalf("debit: %v", err)
	}

	v := s.Get("alice")
	if got, want := v.Balance.String(), "749.5"; got != want {
		t.Errorf("balance: got %s, want %s", got, want)
	}
}

func TestStore_LockMovesBalanceToLocked(t *testing.T) {
	s := vault.NewStore()
	s.Credit("alice", dec("1000"))

	if err := s.Lock("alice", dec("100")); err != nil {
		t.Fatalf("lock: %v", err)
	}

	v := s.Get("alice")
	if got, want := v.Balance.String(), "900"; got != want {
		t.Errorf("balance: got %s, want %s", got, want)
	}
	if got, want := v.Locked.String(), "100"; got != want {
		t.Errorf("locked: got %s, want %s", got, want)
	}
	if got, want := v.Total().String(), "1000"; got != want {
		t.Errorf("total: got %s, want %s", got, want)
	}
}

func TestStore_UnlockRestoresBalance(t *testing.T) {
	s := vault.NewStore()
	s.Credit("alice", dec("1000"))
	s.Lock("alice", dec("100"))

	if err := s.Unlock("alice", dec("100")); err != nil {
		t.Fatalf("unlock: %v", err)
	}

	v := s.Get("alice")
	if got, want := v.Balance.String(), "1000"; got != want {
		t.Errorf("balance: got %s, want %s", got, want)
	}
	if !v.Locked.IsZero() {
		t.Errorf("locked should be zero, got %s", v.Locked)
	}
}

func TestStore_ConsumeLockedLeavesBalanceUntouched(t *testing.T) {
	s := vault.NewStore()
	s.Credit("alice", dec("1000"))
	s.Lock("alice", dec("100"))

	if err := s.ConsumeLocked("alice", dec("60")); err != nil {
		t.Fatalf("consume: %v", err)
	}

	v := s.Get("alice")
	if got, want := v.Balance.String(), "900"; got != want {
		t.Errorf("balance: got %s, want %s", got, want)
	}
	if got, want := v.Locked.String(), "40"; got != want {
		t.Errorf("locked: got %s, want %s", got, want)
	}
}

// ============================================================================
// Test: failure modes
// ============================================================================

func TestStore_LockInsufficientFunds(t *testing.T) {
	s := vault.NewStore()
	s.Credit("alice", dec("50"))

	err := s.Lock("alice", dec("100"))
	if !errors.Is(err, vault.ErrInsufficientFunds) {
		t.Errorf("got %v, want ErrInsufficientFunds", err)
	}

	// Nothing moved on failure.
	v := s.Get("alice")
	if got, want := v.Balance.String(), "50"; got != want {
		t.Errorf("balance after failed lock: got %s, want %s", got, want)
	}
	if !v.Locked.IsZero() {
		t.Errorf("locked after failed lock: got %s, want 0", v.Locked)
	}
}

func TestStore_UnlockExceedsLocked(t *testing.T) {
	s := vault.NewStore()
	s.Credit("alice", dec("1000"))
	s.Lock("alice", dec("100"))

	err := s.Unlock("alice", dec("100.00000001"))
	if !errors.Is(err, vault.ErrInvalidUnlock) {
		t.Errorf("got %v, want ErrInvalidUnlock", err)
	}
}

func TestStore_ConsumeExceedsLocked(t *testing.T) {
	s := vault.NewStore()
	s.Credit("alice", dec("1000"))
	s.Lock("alice", dec("100"))

	err := s.ConsumeLocked("alice", dec("101"))
	if !errors.Is(err, vault.ErrInvalidUnlock) {
		t.Errorf("got %v, want ErrInvalidUnlock", err)
	}
}

func TestStore_DebitOverdraft(t *testing.T) {
	s := vault.NewStore()
	s.Credit("alice", dec("10"))

	err := s.Debit("alice", dec("10.5"))
	if !errors.Is(err, vault.ErrInsufficientFunds) {
		t.Errorf("got %v, want ErrInsufficientFunds", err)
	}
}

func TestStore_RejectsNonPositiveAmounts(t *testing.T) {
	s := vault.NewStore()
	s.Credit("alice", dec("100"))

	ops := map[string]func() error{
		"lock":    func() error { return s.Lock("alice", decimal.Zero) },
		"unlock":  func() error { return s.Unlock("alice", dec("-1")) },
		"credit":  func() error { return s.Credit("alice", decimal.Zero) },
		"debit":   func() error { return s.Debit("alice", dec("-5")) },
		"consume": func() error { return s.ConsumeLocked("alice", decimal.Zero) },
	}
	for name, op := range ops {
		if err := op(); !errors.Is(err, vault.ErrNonPositiveAmount) {
			t.Errorf("%s: got %v, want ErrNonPositiveAmount", name, err)
		}
	}
}

// ============================================================================
// Test: concurrency
// ============================================================================

func TestStore_ConcurrentLocksNeverOverdraw(t *testing.T) {
	s := vault.NewStore()
	s.Credit("alice", dec("100"))

	// 100 goroutines race to lock 10 each; at most 10 can win.
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Lock("alice", dec("10")); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 10 {
		t.Errorf("winning locks: got %d, want 10", wins)
	}

	v := s.Get("alice")
	if !v.Balance.IsZero() {
		t.Errorf("balance: got %s, want 0", v.Balance)
	}
	if got, want := v.Locked.String(), "100"; got != want {
		t.Errorf("locked: got %s, want %s", got, want)
	}
}

func TestStore_ConcurrentCreditsConserve(t *testing.T) {
	s := vault.NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Credit("alice", dec("1.5"))
		}()
	}
	wg.Wait()

	if got, want := s.Get("alice").Balance.String(), "300"; got != want {
		t.Errorf("balance: got %s, want %s", got, want)
	}
}

// ============================================================================
// Test: restore
// ============================================================================

func TestStore_Restore(t *testing.T) {
	s := vault.NewStore()
	s.Restore("alice", dec("999.9"), dec("12.5"))

	v := s.Get("alice")
	if got, want := v.Balance.String(), "999.9"; got != want {
		t.Errorf("balance: got %s, want %s", got, want)
	}
	if got, want := v.Locked.String(), "12.5"; got != want {
		t.Errorf("locked: got %s, want %s", got, want)
	}
}
