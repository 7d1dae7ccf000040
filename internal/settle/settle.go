// Package settle holds the broker's two external collaborators: the
// settlement layer that authenticates withdrawal requests, and the
// token transfer service that moves token-category value between
// accounts after the ledger has been updated.
package settle

import (
	"context"

	"brokerd/internal/ledger"
)

// Stage tags a withdrawal request from the settlement layer.
type Stage string

const (
	// StageReserve marks funds for withdrawal (the "mark" request).
	StageReserve Stage = "reserve"
	// StageExecute completes a previously reserved withdrawal.
	StageExecute Stage = "execute"
)

func (s Stage) Valid() bool {
	return s == StageReserve || s == StageExecute
}

// WithdrawalRequest is the authenticated per-request metadata the
// settlement layer supplies for the withdraw operation: each field
// arrives in its own typed slot of the request.
type WithdrawalRequest struct {
	Stage   Stage
	Account ledger.Address
	Asset   ledger.AssetID
	Amount  int64
}

// TokenTransferer moves token-category value between accounts. It is
// invoked only after internal accounting has been updated, so a
// reported failure is unrecoverable: internal state has already
// diverged from external state and the operation must abort hard.
type TokenTransferer interface {
	// Transfer moves amount of asset from one account to another on
	// the contract's own authority.
	Transfer(ctx context.Context, asset ledger.AssetID, from, to ledger.Address, amount int64) error

	// TransferFrom moves amount using a pre-approved allowance held
	// by spender.
	TransferFrom(ctx context.Context, asset ledger.AssetID, spender, from, to ledger.Address, amount int64) error
}
