package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"brokerd/internal/event"
	"brokerd/internal/ledger"
	"brokerd/internal/settle"
)

// WithdrawalAnnouncement is the live announce record for one
// (account,asset) pair. Purely advisory until it matures.
type WithdrawalAnnouncement struct {
	Timestamp int64 `json:"timestamp"`
	Amount    int64 `json:"amount"`
}

func withdrawAnnounceKey(account ledger.Address, asset ledger.AssetID) string {
	return "withdrawAnnounce|" + string(account) + "|" + string(asset)
}

func withdrawingKey(account ledger.Address, asset ledger.AssetID) string {
	return "withdrawing|" + string(account) + "|" + string(asset)
}

// AnnounceWithdraw records a withdrawal intent, starting the delay
// clock that later lets the account withdraw without the withdraw
// coordinator. Account-witnessed.
func (b *Broker) AnnounceWithdraw(auth AuthContext, account ledger.Address, asset ledger.AssetID, amount int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state() == StatePending {
		return ErrWrongState
	}
	if !account.Valid() || !asset.Valid() {
		return fmt.Errorf("%w: malformed account or asset", ErrInvalidArgument)
	}
	if !auth.Witness(account) {
		return ErrNotAuthorized
	}
	if err := b.verifyWithdrawalValid(account, asset, amount); err != nil {
		return err
	}

	ann := WithdrawalAnnouncement{Timestamp: b.now().Unix(), Amount: amount}
	raw, err := json.Marshal(ann)
	if err != nil {
		panic(fmt.Sprintf("broker: marshal withdrawal announcement: %v", err))
	}
	b.put(withdrawAnnounceKey(account, asset), raw)
	b.emit(event.WithdrawAnnounced{
		Account: string(account),
		Asset:   string(asset),
		Amount:  amount,
	})
	return nil
}

// AnnouncedWithdraw returns the live announcement for a pair, if any.
func (b *Broker) AnnouncedWithdraw(account ledger.Address, asset ledger.AssetID) (WithdrawalAnnouncement, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadAnnouncement(account, asset)
}

// Withdraw drives the two-phase withdrawal workflow from an
// authenticated settlement-layer request: StageReserve marks funds
// and StageExecute releases them.
func (b *Broker) Withdraw(ctx context.Context, auth AuthContext, req settle.WithdrawalRequest) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state() == StatePending {
		return ErrWrongState
	}
	if !req.Account.Valid() || !req.Asset.Valid() {
		return fmt.Errorf("%w: malformed account or asset", ErrInvalidArgument)
	}

	switch req.Stage {
	case settle.StageReserve:
		return b.reserveWithdrawal(auth, req.Account, req.Asset, req.Amount)
	case settle.StageExecute:
		return b.executeWithdrawal(ctx, req.Account, req.Asset)
	default:
		// A request without a recognizable stage tag never came from
		// the settlement layer. Missing required request metadata is
		// a defect, not a rejection.
		panic(fmt.Sprintf("broker: withdrawal request with unknown stage %q", req.Stage))
	}
}

// reserveWithdrawal is stage one: debit the balance and create the
// single-flight reservation. Authorized by the withdraw coordinator,
// or by any caller once a matching announcement has matured: funds
// only ever move to the announced account, so third parties can help
// a stuck account along.
func (b *Broker) reserveWithdrawal(auth AuthContext, account ledger.Address, asset ledger.AssetID, amount int64) error {
	if !auth.Witness(b.withdrawCoordinatorAddress()) && !b.withdrawAnnounceMatured(account, asset, amount) {
		return fmt.Errorf("%w: withdraw coordinator witness missing and announcement not matured", ErrNotAuthorized)
	}

	// Balances and reservations may have changed since the
	// announcement was made; validate against current state.
	if err := b.verifyWithdrawalValid(account, asset, amount); err != nil {
		return err
	}

	if !b.ledger.Debit(account, asset, amount, ledger.ReasonPrepareWithdrawal) {
		return fmt.Errorf("%w: balance below %d of %s", ErrInsufficient, amount, asset)
	}

	b.del(withdrawAnnounceKey(account, asset))
	b.putInt(withdrawingKey(account, asset), amount)
	b.emit(event.Withdrawing{
		Account: string(account),
		Asset:   string(asset),
		Amount:  amount,
	})

	b.log.Info().
		Str("account", string(account)).
		Str("asset", string(asset)).
		Int64("amount", amount).
		Msg("withdrawal reserved")
	return nil
}

// executeWithdrawal is stage two: release the reservation and move
// the value out. For legacy-convention tokens the broker co-signs the
// outbound transfer itself; modern-convention tokens move on their
// own authority and must instead be on the modern whitelist, or the
// arbitrary-invoke valve must be open. The same asset never gets both
// authorizations, which is what prevents a double-spend of the
// broker's signature.
func (b *Broker) executeWithdrawal(ctx context.Context, account ledger.Address, asset ledger.AssetID) error {
	amount := b.getInt(withdrawingKey(account, asset))
	if amount <= 0 {
		return fmt.Errorf("%w: nothing reserved for %s/%s", ErrWithdrawalState, account, asset)
	}

	if asset.IsToken() && !b.whitelisted(asset, TierLegacy) {
		if !b.whitelisted(asset, TierModern) && !b.arbitraryInvokeAllowed() {
			return fmt.Errorf("%w: token %s not approved for any transfer convention", ErrNotAuthorized, asset)
		}
	}

	b.del(withdrawingKey(account, asset))
	b.emit(event.Withdrawn{
		Account: string(account),
		Asset:   string(asset),
		Amount:  amount,
	})

	if asset.IsToken() {
		// Internal accounting is already settled; a transfer failure
		// here has no rollback and is unrecoverable.
		if err := b.tokens.Transfer(ctx, asset, b.contract, account, amount); err != nil {
			panic(fmt.Sprintf("broker: token payout of %d %s to %s failed after accounting: %v", amount, asset, account, err))
		}
	}
	// Native-category value moves inside the settlement layer itself;
	// nothing more to do here.

	b.log.Info().
		Str("account", string(account)).
		Str("asset", string(asset)).
		Int64("amount", amount).
		Msg("withdrawal executed")
	return nil
}

// verifyWithdrawalValid holds the shared stage-independent checks:
// positive amount, sufficient balance, and withdrawal single-flight
// (at most one live reservation per pair).
func (b *Broker) verifyWithdrawalValid(account ledger.Address, asset ledger.AssetID, amount int64) error {
	if amount < 1 {
		return fmt.Errorf("%w: withdrawal amount must be >= 1", ErrInvalidArgument)
	}
	if b.ledger.Balance(account, asset) < amount {
		return fmt.Errorf("%w: balance below %d of %s", ErrInsufficient, amount, asset)
	}
	if b.getInt(withdrawingKey(account, asset)) > 0 {
		return fmt.Errorf("%w: a withdrawal is already reserved for %s/%s", ErrWithdrawalState, account, asset)
	}
	return nil
}

func (b *Broker) withdrawAnnounceMatured(account ledger.Address, asset ledger.AssetID, amount int64) bool {
	ann, ok := b.loadAnnouncement(account, asset)
	if !ok {
		return false
	}
	return ann.Timestamp+b.announceDelay() < b.now().Unix() && ann.Amount == amount
}

func (b *Broker) loadAnnouncement(account ledger.Address, asset ledger.AssetID) (WithdrawalAnnouncement, bool) {
	raw := b.get(withdrawAnnounceKey(account, asset))
	if raw == nil {
		return WithdrawalAnnouncement{}, false
	}
	var ann WithdrawalAnnouncement
	if err := json.Unmarshal(raw, &ann); err != nil {
		panic(fmt.Sprintf("broker: corrupt withdrawal announcement for %s/%s: %v", account, asset, err))
	}
	return ann, true
}
