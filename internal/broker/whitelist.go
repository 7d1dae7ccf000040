package broker

import (
	"fmt"

	"brokerd/internal/event"
	"brokerd/internal/ledger"
)

// WhitelistTier selects one of the three independent asset-approval
// lists, each gating a token transfer convention.
type WhitelistTier int

const (
	// TierLegacy gates tokens whose transfer the broker must co-sign.
	TierLegacy WhitelistTier = 0
	// TierModern gates tokens that move on their own authority; the
	// broker must explicitly not co-sign those transfers.
	TierModern WhitelistTier = 1
	// TierAlternate gates tokens built on the alternate runtime.
	TierAlternate WhitelistTier = 2
)

func (t WhitelistTier) Valid() bool {
	return t == TierLegacy || t == TierModern || t == TierAlternate
}

func whitelistKey(asset ledger.AssetID, tier WhitelistTier) string {
	return fmt.Sprintf("whitelist%d|%s", tier, asset)
}

func whitelistSealedKey(tier WhitelistTier) string {
	return fmt.Sprintf("whitelistSealed%d", tier)
}

// AddToWhitelist approves a token asset on a tier. Owner-witnessed;
// rejected once the tier is sealed.
func (b *Broker) AddToWhitelist(auth AuthContext, asset ledger.AssetID, tier WhitelistTier) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !auth.Witness(b.owner) {
		return ErrNotAuthorized
	}
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown whitelist tier %d", ErrInvalidArgument, tier)
	}
	if !asset.IsToken() || !asset.Valid() || !asset.NonZero() {
		return fmt.Errorf("%w: malformed token asset %q", ErrInvalidArgument, asset)
	}
	if b.whitelistSealed(tier) {
		return ErrSealed
	}

	b.put(whitelistKey(asset, tier), []byte("1"))
	b.emit(event.WhitelistAdded{Asset: string(asset), Tier: int(tier)})
	return nil
}

// RemoveFromWhitelist revokes a token asset on a tier. Owner-
// witnessed; rejected once the tier is sealed.
func (b *Broker) RemoveFromWhitelist(auth AuthContext, asset ledger.AssetID, tier WhitelistTier) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !auth.Witness(b.owner) {
		return ErrNotAuthorized
	}
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown whitelist tier %d", ErrInvalidArgument, tier)
	}
	if !asset.IsToken() || !asset.Valid() || !asset.NonZero() {
		return fmt.Errorf("%w: malformed token asset %q", ErrInvalidArgument, asset)
	}
	if b.whitelistSealed(tier) {
		return ErrSealed
	}

	b.del(whitelistKey(asset, tier))
	b.emit(event.WhitelistRemoved{Asset: string(asset), Tier: int(tier)})
	return nil
}

// SealWhitelist permanently freezes a tier's membership. Monotonic:
// there is deliberately no unseal.
func (b *Broker) SealWhitelist(auth AuthContext, tier WhitelistTier) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !auth.Witness(b.owner) {
		return ErrNotAuthorized
	}
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown whitelist tier %d", ErrInvalidArgument, tier)
	}

	b.put(whitelistSealedKey(tier), []byte("1"))
	b.emit(event.WhitelistSealed{Tier: int(tier)})
	return nil
}

// IsWhitelisted reports tier membership.
func (b *Broker) IsWhitelisted(asset ledger.AssetID, tier WhitelistTier) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.whitelisted(asset, tier)
}

func (b *Broker) whitelisted(asset ledger.AssetID, tier WhitelistTier) bool {
	if !asset.IsToken() || !asset.NonZero() {
		return false
	}
	return b.get(whitelistKey(asset, tier)) != nil
}

func (b *Broker) whitelistSealed(tier WhitelistTier) bool {
	return b.get(whitelistSealedKey(tier)) != nil
}
