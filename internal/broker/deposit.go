package broker

import (
	"context"
	"fmt"

	"brokerd/internal/event"
	"brokerd/internal/ledger"
)

// DepositRequest carries one inbound transfer of value into the
// broker. RequestID deduplicates redelivery from the settlement
// layer; callers mint a fresh UUID per transfer.
type DepositRequest struct {
	RequestID string         `json:"requestId"`
	Account   ledger.Address `json:"account"`
	Asset     ledger.AssetID `json:"asset"`
	Amount    int64          `json:"amount"`
}

func depositMarkerKey(requestID string) string {
	return "deposited|" + requestID
}

// Deposit credits an account with value it is transferring in. Native
// assets arrive with the request itself; token assets require the
// broker to pull them from the account, so the internal credit is
// followed by an outbound transfer call.
func (b *Broker) Deposit(ctx context.Context, auth AuthContext, req DepositRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.receiveDeposit(auth, req); err != nil {
		return err
	}

	if req.Asset.IsToken() {
		if err := b.tokens.Transfer(ctx, req.Asset, req.Account, b.contract, req.Amount); err != nil {
			// The credit is already booked; a pull that fails now
			// would leave value minted from nothing.
			panic(fmt.Sprintf("broker: token pull of %d %s from %s failed after credit: %v", req.Amount, req.Asset, req.Account, err))
		}
	}
	return nil
}

// DepositFrom is Deposit for tokens held under an allowance: the
// broker pulls from the account as an approved spender rather than a
// co-signer. Token assets only.
func (b *Broker) DepositFrom(ctx context.Context, auth AuthContext, req DepositRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !req.Asset.IsToken() {
		return fmt.Errorf("%w: allowance deposits apply to token assets only", ErrInvalidArgument)
	}
	if err := b.receiveDeposit(auth, req); err != nil {
		return err
	}
	if err := b.tokens.TransferFrom(ctx, req.Asset, b.contract, req.Account, b.contract, req.Amount); err != nil {
		panic(fmt.Sprintf("broker: allowance pull of %d %s from %s failed after credit: %v", req.Amount, req.Asset, req.Account, err))
	}
	return nil
}

// OnExternalTransfer handles a token's own notification that value
// already moved to the broker. The transfer is done; only the credit
// remains, so there is no outbound call.
func (b *Broker) OnExternalTransfer(auth AuthContext, asset ledger.AssetID, from ledger.Address, to ledger.Address, amount int64, requestID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !asset.IsToken() {
		return fmt.Errorf("%w: external transfer notifications apply to token assets only", ErrInvalidArgument)
	}
	if to != b.contract {
		return fmt.Errorf("%w: transfer recipient %s is not this broker", ErrInvalidArgument, to)
	}
	return b.receiveDeposit(auth, DepositRequest{
		RequestID: requestID,
		Account:   from,
		Asset:     asset,
		Amount:    amount,
	})
}

// receiveDeposit validates and books the inbound value. The caller
// decides whether a pull still has to happen afterwards.
func (b *Broker) receiveDeposit(auth AuthContext, req DepositRequest) error {
	if b.state() != StateActive {
		return ErrWrongState
	}
	if req.RequestID == "" {
		return fmt.Errorf("%w: missing request id", ErrInvalidArgument)
	}
	if !req.Account.Valid() || !req.Asset.Valid() {
		return fmt.Errorf("%w: malformed account or asset", ErrInvalidArgument)
	}
	if req.Amount < 1 {
		return fmt.Errorf("%w: deposit amount must be >= 1", ErrInvalidArgument)
	}
	if !b.checkTradeWitnesses(auth, req.Account) {
		return ErrNotAuthorized
	}
	if req.Asset.IsToken() && !b.depositableToken(req.Asset) {
		return fmt.Errorf("%w: token %s not on any whitelist", ErrNotAuthorized, req.Asset)
	}
	marker := depositMarkerKey(req.RequestID)
	has, err := b.store.Has([]byte(marker))
	if err != nil {
		panic(fmt.Sprintf("broker: store read %q: %v", marker, err))
	}
	if has {
		return fmt.Errorf("%w: request %s already applied", ErrDuplicateDeposit, req.RequestID)
	}
	b.put(marker, []byte{1})

	b.ledger.Credit(req.Account, req.Asset, req.Amount, ledger.ReasonDeposit)
	b.emit(event.Deposited{
		Account: string(req.Account),
		Asset:   string(req.Asset),
		Amount:  req.Amount,
	})
	return nil
}

// depositableToken reports whether a token may enter the broker:
// whitelisted under a transfer convention the broker itself can
// settle (legacy or modern), or the arbitrary-invoke valve is open.
// An alternate-runtime listing alone does not admit deposits.
func (b *Broker) depositableToken(asset ledger.AssetID) bool {
	if b.arbitraryInvokeAllowed() {
		return true
	}
	return b.whitelisted(asset, TierLegacy) || b.whitelisted(asset, TierModern)
}
