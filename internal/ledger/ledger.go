package ledger

import (
	"fmt"
	"strconv"

	"brokerd/internal/event"
	"brokerd/internal/store"
)

// Ledger maintains per-(account,asset) non-negative balances in the
// injected store. Credit and Debit are the only two paths that mutate
// a balance anywhere in the broker; both emit a Transferred event
// with a signed delta and a reason code.
type Ledger struct {
	store store.Store
	emit  func(event.Event)
}

// New creates a Ledger. emit receives one Transferred event per
// mutation; it may be nil for tests that only care about balances.
func New(s store.Store, emit func(event.Event)) *Ledger {
	if emit == nil {
		emit = func(event.Event) {}
	}
	return &Ledger{store: s, emit: emit}
}

func balanceKey(account Address, asset AssetID) []byte {
	return []byte("balance|" + string(account) + "|" + string(asset))
}

// Balance returns the current balance, zero for absent entries.
func (l *Ledger) Balance(account Address, asset AssetID) int64 {
	raw, err := l.store.Get(balanceKey(account, asset))
	if err != nil {
		panic(fmt.Sprintf("ledger: store read failed: %v", err))
	}
	if raw == nil {
		return 0
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("ledger: corrupt balance record for %s/%s: %v", account, asset, err))
	}
	return v
}

// Credit adds amount to the balance. amount must be >= 1; anything
// else is a defect in the caller, not a runtime condition.
func (l *Ledger) Credit(account Address, asset AssetID, amount int64, reason Reason) {
	if amount < 1 {
		panic(fmt.Sprintf("ledger: credit of %d (reason %s) violates amount >= 1", amount, reason))
	}

	next := l.Balance(account, asset) + amount
	l.put(account, asset, next)
	l.emit(event.Transferred{
		Account: string(account),
		Asset:   string(asset),
		Delta:   amount,
		Reason:  string(reason),
	})
}

// Debit subtracts amount from the balance. Returns false with no
// mutation if the balance is insufficient. A balance reaching exactly
// zero has its entry deleted: storage hygiene, not a semantic
// distinction from zero.
func (l *Ledger) Debit(account Address, asset AssetID, amount int64, reason Reason) bool {
	if amount < 1 {
		panic(fmt.Sprintf("ledger: debit of %d (reason %s) violates amount >= 1", amount, reason))
	}

	next := l.Balance(account, asset) - amount
	if next < 0 {
		return false
	}

	if next == 0 {
		if err := l.store.Delete(balanceKey(account, asset)); err != nil {
			panic(fmt.Sprintf("ledger: store delete failed: %v", err))
		}
	} else {
		l.put(account, asset, next)
	}
	l.emit(event.Transferred{
		Account: string(account),
		Asset:   string(asset),
		Delta:   -amount,
		Reason:  string(reason),
	})
	return true
}

func (l *Ledger) put(account Address, asset AssetID, v int64) {
	if err := l.store.Put(balanceKey(account, asset), []byte(strconv.FormatInt(v, 10))); err != nil {
		panic(fmt.Sprintf("ledger: store write failed: %v", err))
	}
}
