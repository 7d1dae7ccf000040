package broker

import "brokerd/internal/ledger"

// AuthContext carries the set of signers the settlement layer has
// already verified for the current request. Operations assert their
// required witnesses against this set; nothing in the broker consults
// an ambient witness oracle.
type AuthContext struct {
	signers map[ledger.Address]struct{}
}

// NewAuthContext builds a context from verified signer addresses.
func NewAuthContext(signers ...ledger.Address) AuthContext {
	set := make(map[ledger.Address]struct{}, len(signers))
	for _, s := range signers {
		set[s] = struct{}{}
	}
	return AuthContext{signers: set}
}

// Witness reports whether addr signed the request.
func (a AuthContext) Witness(addr ledger.Address) bool {
	_, ok := a.signers[addr]
	return ok
}

// checkTradeWitnesses enforces the dual-witness rule for trading
// operations: the trading account and the coordinator must both have
// signed, and the trading account must differ from both privileged
// roles so a coordinator can never trade against users.
func (b *Broker) checkTradeWitnesses(auth AuthContext, trader ledger.Address) bool {
	coordinator := b.coordinatorAddress()

	if !auth.Witness(trader) {
		return false
	}
	if !auth.Witness(coordinator) {
		return false
	}
	if trader == coordinator {
		return false
	}
	if trader == b.withdrawCoordinatorAddress() {
		return false
	}
	return true
}
