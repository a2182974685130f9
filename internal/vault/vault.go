package vault

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is expected during normal operation: the caller
	// should treat the window as idle, not as a failure.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidUnlock signals a settlement logic bug: more funds were
	// unlocked than are locked. Fatal — never retried.
	ErrInvalidUnlock = errors.New("unlock exceeds locked funds")

	// ErrNonPositiveAmount rejects zero or negative amounts on any transition.
	ErrNonPositiveAmount = errors.New("amount must be positive")
)

// Vault is a point-in-time snapshot of one user's balance state.
type Vault struct {
	UID     string
	Balance decimal.Decimal
	Locked  decimal.Decimal
}

// Total returns balance + locked.
func (v Vault) Total() decimal.Decimal {
	return v.Balance.Add(v.Locked)
}

type entry struct {
	mu      sync.Mutex
	balance decimal.Decimal
	locked  decimal.Decimal
}

// Store holds per-user vault state. Lock, Unlock, Credit and Debit are the
// only legal state transitions; each is atomic with respect to concurrent
// calls for the same uid, and neither balance nor locked is ever observable
// negative. Vaults are created on first use with zero balance and never
// deleted.
type Store struct {
	mu     sync.RWMutex
	vaults map[string]*entry
}

func NewStore() *Store {
	return &Store{
		vaults: make(map[string]*entry),
	}
}

func (s *Store) get(uid string) *entry {
	s.mu.RLock()
	e, ok := s.vaults[uid]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.vaults[uid]; ok {
		return e
	}
	e = &entry{balance: decimal.Zero, locked: decimal.Zero}
	s.vaults[uid] = e
	return e
}

// Get returns a consistent snapshot of the user's vault.
func (s *Store) Get(uid string) Vault {
	e := s.get(uid)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Vault{UID: uid, Balance: e.balance, Locked: e.locked}
}

// Lock moves amount from balance to locked. Fails with ErrInsufficientFunds
// when balance < amount.
func (s *Store) Lock(uid string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("lock %s for %s: %w", amount, uid, ErrNonPositiveAmount)
	}

	e := s.get(uid)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.balance.Cmp(amount) < 0 {
		return fmt.Errorf("lock %s for %s (balance %s): %w", amount, uid, e.balance, ErrInsufficientFunds)
	}
	e.balance = e.balance.Sub(amount)
	e.locked = e.locked.Add(amount)
	return nil
}

// Unlock moves amount from locked back to balance. Fails with
// ErrInvalidUnlock when amount exceeds locked.
func (s *Store) Unlock(uid string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("unlock %s for %s: %w", amount, uid, ErrNonPositiveAmount)
	}

	e := s.get(uid)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.locked.Cmp(amount) < 0 {
		return fmt.Errorf("unlock %s for %s (locked %s): %w", amount, uid, e.locked, ErrInvalidUnlock)
	}
	e.locked = e.locked.Sub(amount)
	e.balance = e.balance.Add(amount)
	return nil
}

// Credit adds amount to balance.
func (s *Store) Credit(uid string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("credit %s for %s: %w", amount, uid, ErrNonPositiveAmount)
	}

	e := s.get(uid)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.balance = e.balance.Add(amount)
	return nil
}

// Debit removes amount from balance. Fails with ErrInsufficientFunds when it
// would drive balance negative.
func (s *Store) Debit(uid string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("debit %s for %s: %w", amount, uid, ErrNonPositiveAmount)
	}

	e := s.get(uid)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.balance.Cmp(amount) < 0 {
		return fmt.Errorf("debit %s for %s (balance %s): %w", amount, uid, e.balance, ErrInsufficientFunds)
	}
	e.balance = e.balance.Sub(amount)
	return nil
}

// ConsumeLocked removes amount from locked without crediting balance. It is
// the transition for locked principal spent on the venue: the outflow was
// already recorded by the entry lock, and proceeds come back as credits.
// Fails with ErrInvalidUnlock when amount exceeds locked.
func (s *Store) ConsumeLocked(uid string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("consume %s for %s: %w", amount, uid, ErrNonPositiveAmount)
	}

	e := s.get(uid)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.locked.Cmp(amount) < 0 {
		return fmt.Errorf("consume %s for %s (locked %s): %w", amount, uid, e.locked, ErrInvalidUnlock)
	}
	e.locked = e.locked.Sub(amount)
	return nil
}

// Restore sets a vault's state directly. Only used when rebuilding state
// from the persisted ledger on startup.
func (s *Store) Restore(uid string, balance, locked decimal.Decimal) {
	e := s.get(uid)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance = balance
	e.locked = locked
}

// UIDs returns all known user ids.
func (s *Store) UIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uids := make([]string, 0, len(s.vaults))
	for uid := range s.vaults {
		uids = append(uids, uid)
	}
	return uids
}
