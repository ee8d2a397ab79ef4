package ledger

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// HistoryLimit caps the audit trail at the most recent entries.
const HistoryLimit = 50

// Kind classifies a ledger mutation.
type Kind string

const (
	KindEarn     Kind = "earn"
	KindUse      Kind = "use"
	KindPurchase Kind = "purchase"
	KindReset    Kind = "reset"
)

// Transaction is one append-only audit record. Entries are created on
// every mutation and never modified afterward. The ULID id doubles as the
// idempotency key for remote replay.
type Transaction struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Kind         Kind      `json:"kind"`
	Amount       int64     `json:"amount"`
	BalanceAfter uint64    `json:"balance_after"`
	Description  string    `json:"description"`
}

func newTransaction(kind Kind, amount int64, balanceAfter uint64, description string, now time.Time) Transaction {
	return Transaction{
		ID:           ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Timestamp:    now,
		Kind:         kind,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Description:  description,
	}
}

// NewResetTransaction records a scheduler-driven grant or correction.
func NewResetTransaction(amount int64, balanceAfter uint64, description string, now time.Time) Transaction {
	return newTransaction(KindReset, amount, balanceAfter, description, now)
}

// NewEarnTransaction records a reward-driven grant applied outside Debit/Credit.
func NewEarnTransaction(amount int64, balanceAfter uint64, description string, now time.Time) Transaction {
	return newTransaction(KindEarn, amount, balanceAfter, description, now)
}

// History is a capped ring of the most recent transactions, newest first.
type History struct {
	entries []Transaction
}

// NewHistory restores a history from persisted entries, enforcing the cap.
func NewHistory(entries []Transaction) *History {
	h := &History{}
	if len(entries) > HistoryLimit {
		entries = entries[:HistoryLimit]
	}
	h.entries = append(h.entries, entries...)
	return h
}

// Append adds a transaction at the front, evicting the oldest past the cap.
func (h *History) Append(tx Transaction) {
	h.entries = append([]Transaction{tx}, h.entries...)
	if len(h.entries) > HistoryLimit {
		h.entries = h.entries[:HistoryLimit]
	}
}

// Entries returns a copy of the retained transactions, newest first.
func (h *History) Entries() []Transaction {
	out := make([]Transaction, len(h.entries))
	copy(out, h.entries)
	return out
}

// Len returns the number of retained transactions.
func (h *History) Len() int {
	return len(h.entries)
}
