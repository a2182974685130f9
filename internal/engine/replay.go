package engine

import (
	"WindowLedger/internal/ledger"
	"WindowLedger/internal/vault"

	"github.com/shopspring/decimal"
)

// StuckWindow is a window whose entry lock was never fully released: the
// process stopped between locking and settling. Its funds stay locked until
// an operator reconciles against the venue; settlement never guesses.
type StuckWindow struct {
	UID         string
	WindowID    string
	Outstanding decimal.Decimal
}

// RebuildVaults restores every vault from a fully restored ledger. Spendable
// balance is the plain sum of row amounts. Locked funds are reconstructed
// per window: entry locks add, compensating unlocks subtract, and the
// settlement release row closes the window outright since the rest of the
// entry was spent by the entry buy. Fill rows never release the lock. A
// window with no closing row replays with its full entry outstanding, even
// when proceeds already landed, and is returned for operator attention.
func RebuildVaults(l *ledger.Ledger, vaults *vault.Store) []StuckWindow {
	var stuck []StuckWindow

	for _, uid := range l.UIDs() {
		balance := l.ReplayBalance(uid)
		locked := decimal.Zero

		outstanding := make(map[string]decimal.Decimal)
		var order []string

		for _, row := range l.Rows(uid) {
			if row.WindowID == "" {
				continue // funding rows carry no lock
			}

			rem, known := outstanding[row.WindowID]
			switch row.Action {
			case ledger.ActionEntryLock:
				if !known {
					order = append(order, row.WindowID)
				}
				outstanding[row.WindowID] = rem.Add(row.Amount.Neg())
			case ledger.ActionUnlock:
				outstanding[row.WindowID] = decimal.Max(decimal.Zero, rem.Sub(row.Amount))
			case ledger.ActionSettleCredit:
				// The settlement release row closes the window: its amount
				// is the unlocked residual and everything else was consumed
				// by the entry buy.
				outstanding[row.WindowID] = decimal.Zero
			}
		}

		for _, windowID := range order {
			rem := outstanding[windowID]
			if rem.Sign() > 0 {
				locked = locked.Add(rem)
				stuck = append(stuck, StuckWindow{UID: uid, WindowID: windowID, Outstanding: rem})
			}
		}

		vaults.Restore(uid, balance, locked)
	}

	return stuck
}
