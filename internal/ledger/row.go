package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/shopspring/decimal"
)

// GenesisHashSeed fixes the prev_hash of every user's first row. Changing it
// (or the row serialization below) invalidates all previously written chains.
const GenesisHashSeed = "WindowLedger:genesis:v1"

// Action is the closed set of balance-affecting event kinds.
type Action int32

const (
	ActionEntryLock Action = iota
	ActionFill
	ActionFee
	ActionUnlock
	ActionSettleCredit
	ActionSettleDebit
)

func (a Action) String() string {
	switch a {
	case ActionEntryLock:
		return "entry_lock"
	case ActionFill:
		return "fill"
	case ActionFee:
		return "fee"
	case ActionUnlock:
		return "unlock"
	case ActionSettleCredit:
		return "settle_credit"
	case ActionSettleDebit:
		return "settle_debit"
	default:
		return "unknown"
	}
}

// ActionFromString is the inverse of Action.String, used when loading
// persisted rows.
func ActionFromString(s string) (Action, bool) {
	switch s {
	case "entry_lock":
		return ActionEntryLock, true
	case "fill":
		return ActionFill, true
	case "fee":
		return ActionFee, true
	case "unlock":
		return ActionUnlock, true
	case "settle_credit":
		return ActionSettleCredit, true
	case "settle_debit":
		return ActionSettleDebit, true
	default:
		return 0, false
	}
}

// Row is one append-only ledger record. Amount is the signed delta this
// event applied to the user's spendable balance; BalanceAfter is the balance
// immediately after, so audits are O(1) without full replay.
type Row struct {
	Sequence     int64
	Timestamp    time.Time
	UID          string
	WindowID     string
	TradeID      string // optional
	Glyph        string // optional
	Action       Action
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	PrevHash     [32]byte
	RowHash      [32]byte
}

// canonicalBytes is the stable hash-input serialization of a row, excluding
// RowHash itself. Field order and encoding are part of the chain format:
// every variable-length field is uvarint length-prefixed, integers are 8-byte
// big-endian, decimals are their exact String() form, timestamps are epoch
// microseconds. Do not reorder or re-encode without versioning the genesis
// seed.
func (r *Row) canonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = appendInt64(buf, r.Sequence)
	buf = appendInt64(buf, r.Timestamp.UnixMicro())
	buf = appendString(buf, r.UID)
	buf = appendString(buf, r.WindowID)
	buf = appendString(buf, r.TradeID)
	buf = appendString(buf, r.Glyph)
	buf = appendString(buf, r.Action.String())
	buf = appendString(buf, r.Amount.String())
	buf = appendString(buf, r.BalanceAfter.String())
	return buf
}

// ComputeHash returns SHA-256(prev_hash ‖ canonical row bytes).
func (r *Row) ComputeHash(prev [32]byte) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	h.Write(r.canonicalBytes())

	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// GenesisHash is the prev_hash of the first row in every user's chain.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

func appendInt64(buf []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(buf, b[:]...)
}

func appendString(buf []byte, s string) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(s)))
	buf = append(buf, lenBuf[:n]...)
	return append(buf, s...)
}
