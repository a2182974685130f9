package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// IntegrityError reports the first row at which a user's hash chain fails to
// verify. Fatal: further writes for the affected user must halt.
type IntegrityError struct {
	UID      string
	Sequence int64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation for %s at sequence %d: %s", e.UID, e.Sequence, e.Reason)
}

// NotFoundError reports a query for a row that does not exist.
type NotFoundError struct {
	UID      string
	Sequence int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no ledger row for %s at or before sequence %d", e.UID, e.Sequence)
}

// Ledger is the append-only, hash-chained record of every balance-affecting
// event, one chain per user. It is the source of truth for balance
// reconstruction and audit. All writers go through the settlement engine;
// reads observe a consistent snapshot (never a row whose chain is mid-append).
type Ledger struct {
	mu   sync.RWMutex
	rows map[string][]Row
	// Chain tips cached per user so CurrentRoot is O(active users).
	tips map[string][32]byte
	// Last row timestamp per user, for the monotonicity invariant.
	lastTs map[string]time.Time
}

func New() *Ledger {
	return &Ledger{
		rows:   make(map[string][]Row),
		tips:   make(map[string][32]byte),
		lastTs: make(map[string]time.Time),
	}
}

// Append assigns the next per-user sequence, chains the row hash off the
// user's tip, and persists the row. The caller (the settlement engine) holds
// the per-user critical section, which is what makes sequence assignment
// race-free; the internal lock only protects concurrent readers.
func (l *Ledger) Append(row Row) (Row, error) {
	if row.UID == "" {
		return Row{}, fmt.Errorf("append: empty uid")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.rows[row.UID]
	row.Sequence = int64(len(chain))

	// Per-user timestamps never go backwards, even if the caller's clock did.
	if last, ok := l.lastTs[row.UID]; ok && row.Timestamp.Before(last) {
		row.Timestamp = last
	}

	prev, ok := l.tips[row.UID]
	if !ok {
		prev = GenesisHash()
	}
	row.PrevHash = prev
	row.RowHash = row.ComputeHash(prev)

	l.rows[row.UID] = append(chain, row)
	l.tips[row.UID] = row.RowHash
	l.lastTs[row.UID] = row.Timestamp

	return row, nil
}

// Rows returns a snapshot copy of all rows for a user in sequence order.
func (l *Ledger) Rows(uid string) []Row {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain := l.rows[uid]
	out := make([]Row, len(chain))
	copy(out, chain)
	return out
}

// Tip returns the current chain tip hash for a user and whether any rows exist.
func (l *Ledger) Tip(uid string) ([32]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tip, ok := l.tips[uid]
	return tip, ok
}

// VerifyChain walks all rows for a user in sequence order, recomputing each
// row hash from the previous. It fails with an IntegrityError naming the
// first offending sequence.
func (l *Ledger) VerifyChain(uid string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := GenesisHash()
	for i, row := range l.rows[uid] {
		if row.Sequence != int64(i) {
			return &IntegrityError{UID: uid, Sequence: row.Sequence, Reason: fmt.Sprintf("sequence gap: row %d holds sequence %d", i, row.Sequence)}
		}
		if row.PrevHash != prev {
			return &IntegrityError{UID: uid, Sequence: row.Sequence, Reason: "prev_hash mismatch"}
		}
		if got := row.ComputeHash(prev); got != row.RowHash {
			return &IntegrityError{UID: uid, Sequence: row.Sequence, Reason: "row_hash mismatch"}
		}
		prev = row.RowHash
	}
	return nil
}

// BalanceAsOf returns BalanceAfter of the row at or before sequence,
// supporting point-in-time audit queries without full replay.
func (l *Ledger) BalanceAsOf(uid string, sequence int64) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	chain := l.rows[uid]
	// Rows are dense: sequence i lives at index i.
	idx := sort.Search(len(chain), func(i int) bool {
		return chain[i].Sequence > sequence
	}) - 1

	if idx < 0 {
		return decimal.Zero, &NotFoundError{UID: uid, Sequence: sequence}
	}
	return chain[idx].BalanceAfter, nil
}

// ReplayBalance reconstructs a user's spendable balance by summing every row
// amount in sequence order. Lock rows later cancelled by unlock rows net to
// zero across the pair; a lock later consumed on the venue stays as the
// outflow it was. The result must equal the live vault balance exactly.
func (l *Ledger) ReplayBalance(uid string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sum := decimal.Zero
	for _, row := range l.rows[uid] {
		sum = sum.Add(row.Amount)
	}
	return sum
}

// CurrentRoot returns a Merkle-style digest over the latest row hash of
// every user chain. Computed from cached tips: O(active users), not O(rows).
func (l *Ledger) CurrentRoot() [32]byte {
	l.mu.RLock()
	defer l.mu.RUnlock()

	uids := make([]string, 0, len(l.tips))
	for uid := range l.tips {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	h := sha256.New()
	for _, uid := range uids {
		var lenBuf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(uid)))
		h.Write(lenBuf[:n])
		h.Write([]byte(uid))
		tip := l.tips[uid]
		h.Write(tip[:])
	}

	var root [32]byte
	copy(root[:], h.Sum(nil))
	return root
}

// Restore re-inserts a previously persisted row verbatim, re-verifying its
// chain linkage. Only used when rebuilding in-memory state on startup; rows
// must arrive in sequence order per user.
func (l *Ledger) Restore(row Row) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.rows[row.UID]
	if row.Sequence != int64(len(chain)) {
		return &IntegrityError{UID: row.UID, Sequence: row.Sequence, Reason: fmt.Sprintf("restore out of order: expected sequence %d", len(chain))}
	}

	prev, ok := l.tips[row.UID]
	if !ok {
		prev = GenesisHash()
	}
	if row.PrevHash != prev {
		return &IntegrityError{UID: row.UID, Sequence: row.Sequence, Reason: "restore prev_hash mismatch"}
	}
	if got := row.ComputeHash(prev); got != row.RowHash {
		return &IntegrityError{UID: row.UID, Sequence: row.Sequence, Reason: "restore row_hash mismatch"}
	}

	l.rows[row.UID] = append(chain, row)
	l.tips[row.UID] = row.RowHash
	l.lastTs[row.UID] = row.Timestamp
	return nil
}

// UIDs returns all user ids with at least one row.
func (l *Ledger) UIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	uids := make([]string, 0, len(l.rows))
	for uid := range l.rows {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// Tamper overwrites a stored row in place. Test hook for chain verification;
// never called by production code.
func (l *Ledger) Tamper(uid string, sequence int64, mutate func(*Row)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	chain := l.rows[uid]
	if sequence < 0 || sequence >= int64(len(chain)) {
		return false
	}
	mutate(&chain[sequence])
	return true
}
