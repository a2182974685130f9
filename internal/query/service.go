package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"WindowLedger/internal/ledger"
	"WindowLedger/internal/vault"
)

// Service provides read-only access to settlement state. Vaults and ledger
// chains are served from the authoritative in-memory state; window history
// reads the persisted results, so it lags live settlement by at most one
// persistence flush.
type Service struct {
	vaults *vault.Store
	ledger *ledger.Ledger
	db     *sql.DB // optional; window history queries fail without it
}

func NewService(vaults *vault.Store, l *ledger.Ledger, db *sql.DB) *Service {
	return &Service{vaults: vaults, ledger: l, db: db}
}

// GetVault returns a user's live balance state plus the ledger-replayed
// balance for cross-checking.
func (s *Service) GetVault(uid string) VaultResponse {
	v := s.vaults.Get(uid)
	return VaultResponse{
		UID:             uid,
		Balance:         v.Balance.String(),
		Locked:          v.Locked.String(),
		Total:           v.Total().String(),
		ReplayedBalance: s.ledger.ReplayBalance(uid).String(),
	}
}

// BalanceAsOf returns a user's balance immediately after the given sequence.
func (s *Service) BalanceAsOf(uid string, sequence int64) (BalanceAsOfResponse, error) {
	bal, err := s.ledger.BalanceAsOf(uid, sequence)
	if err != nil {
		return BalanceAsOfResponse{}, err
	}
	return BalanceAsOfResponse{
		UID:      uid,
		Sequence: sequence,
		Balance:  bal.String(),
	}, nil
}

// GetRows returns a user's ledger rows from a sequence onward, capped at
// limit.
func (s *Service) GetRows(uid string, fromSequence int64, limit int) []RowResponse {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	rows := s.ledger.Rows(uid)
	out := make([]RowResponse, 0, limit)
	for _, r := range rows {
		if r.Sequence < fromSequence {
			continue
		}
		out = append(out, RowResponse{
			Sequence:     r.Sequence,
			Timestamp:    r.Timestamp,
			WindowID:     r.WindowID,
			TradeID:      r.TradeID,
			Glyph:        r.Glyph,
			Action:       r.Action.String(),
			Amount:       r.Amount.String(),
			BalanceAfter: r.BalanceAfter.String(),
			RowHash:      hex.EncodeToString(r.RowHash[:]),
			PrevHash:     hex.EncodeToString(r.PrevHash[:]),
		})
		if len(out) >= limit {
			break
		}
	}
	return out
}

// WindowResults returns a user's persisted terminal window outcomes, newest
// first.
func (s *Service) WindowResults(ctx context.Context, uid string, limit int) ([]WindowResultResponse, error) {
	if s.db == nil {
		return nil, errors.New("window history unavailable: no storage configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, window_id, status, reason, entry, proceeds, fees, row_count, settled_at
		FROM wl.window_results
		WHERE uid = $1
		ORDER BY settled_at DESC
		LIMIT $2
	`, uid, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []WindowResultResponse
	for rows.Next() {
		var r WindowResultResponse
		if err := rows.Scan(
			&r.UID, &r.WindowID, &r.Status, &r.Reason, &r.Entry,
			&r.Proceeds, &r.Fees, &r.RowCount, &r.SettledAt,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

// VerifyIntegrity walks every user's hash chain and cross-checks replayed
// balances against live vaults. Vaults holding locked funds are reported as
// stuck: with per-user serialization, nothing should stay locked between
// windows.
func (s *Service) VerifyIntegrity() *IntegrityReport {
	root := s.ledger.CurrentRoot()
	report := &IntegrityReport{
		CurrentRoot: hex.EncodeToString(root[:]),
	}

	uids := s.ledger.UIDs()
	report.Users = len(uids)

	for _, uid := range uids {
		if err := s.ledger.VerifyChain(uid); err != nil {
			var ierr *ledger.IntegrityError
			if errors.As(err, &ierr) {
				report.Violations = append(report.Violations, Violation{
					UID:      ierr.UID,
					Sequence: ierr.Sequence,
					Reason:   ierr.Reason,
				})
			} else {
				report.Violations = append(report.Violations, Violation{
					UID:    uid,
					Reason: err.Error(),
				})
			}
			continue
		}

		v := s.vaults.Get(uid)
		if replayed := s.ledger.ReplayBalance(uid); !replayed.Equal(v.Balance) {
			report.Violations = append(report.Violations, Violation{
				UID:    uid,
				Reason: fmt.Sprintf("replayed balance %s != live balance %s", replayed, v.Balance),
			})
		}
	}

	for _, uid := range s.vaults.UIDs() {
		v := s.vaults.Get(uid)
		if v.Locked.Sign() > 0 {
			report.StuckVaults = append(report.StuckVaults, StuckVault{
				UID:     uid,
				Locked:  v.Locked.String(),
				Balance: v.Balance.String(),
			})
		}
	}

	report.IsHealthy = len(report.Violations) == 0
	return report
}

// VerifyUser checks one user's chain, returning the first violation found.
func (s *Service) VerifyUser(uid string) error {
	return s.ledger.VerifyChain(uid)
}
