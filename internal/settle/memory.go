package settle

import (
	"context"
	"fmt"
	"sync"

	"brokerd/internal/ledger"
)

// MemoryTokens is an in-process token transfer service. Tests and the
// demo wiring use it in place of real external token contracts.
type MemoryTokens struct {
	mu       sync.Mutex
	balances map[string]int64 // asset|account -> amount
	failNext bool
}

func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{balances: make(map[string]int64)}
}

func tokenKey(asset ledger.AssetID, account ledger.Address) string {
	return string(asset) + "|" + string(account)
}

// Mint seeds an external token balance.
func (m *MemoryTokens) Mint(asset ledger.AssetID, account ledger.Address, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[tokenKey(asset, account)] += amount
}

// ExternalBalance reads an external token balance.
func (m *MemoryTokens) ExternalBalance(asset ledger.AssetID, account ledger.Address) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[tokenKey(asset, account)]
}

// FailNext makes the next transfer report failure. Used by tests that
// exercise the fatal post-mutation failure path.
func (m *MemoryTokens) FailNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}

func (m *MemoryTokens) Transfer(_ context.Context, asset ledger.AssetID, from, to ledger.Address, amount int64) error {
	return m.move(asset, from, to, amount)
}

func (m *MemoryTokens) TransferFrom(_ context.Context, asset ledger.AssetID, _, from, to ledger.Address, amount int64) error {
	return m.move(asset, from, to, amount)
}

func (m *MemoryTokens) move(asset ledger.AssetID, from, to ledger.Address, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNext {
		m.failNext = false
		return fmt.Errorf("token transfer rejected by %s", asset)
	}
	if m.balances[tokenKey(asset, from)] < amount {
		return fmt.Errorf("insufficient external balance of %s on %s", asset, from)
	}
	m.balances[tokenKey(asset, from)] -= amount
	m.balances[tokenKey(asset, to)] += amount
	return nil
}
