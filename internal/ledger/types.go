package ledger

import "strings"

// Address identifies an account: 20 bytes as lowercase hex.
type Address string

const addressHexLen = 40

// Valid reports whether the address is well-formed.
func (a Address) Valid() bool {
	return len(a) == addressHexLen && isLowerHex(string(a))
}

// AssetID identifies an asset. Token-category assets (contract-style
// identifiers) are 20 bytes; native-category assets are 32 bytes.
// Both as lowercase hex. The identifier shape selects the settlement
// mechanism: tokens move through the token transfer service, native
// assets through the settlement layer's own accounting.
type AssetID string

const (
	tokenHexLen  = 40
	nativeHexLen = 64
)

func (id AssetID) Valid() bool {
	return (len(id) == tokenHexLen || len(id) == nativeHexLen) && isLowerHex(string(id))
}

func (id AssetID) IsToken() bool {
	return len(id) == tokenHexLen
}

func (id AssetID) IsNative() bool {
	return len(id) == nativeHexLen
}

// NonZero reports whether the identifier is a usable token ID: the
// all-zero identifier is reserved and never whitelistable.
func (id AssetID) NonZero() bool {
	return strings.Trim(string(id), "0") != ""
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Reason codes attached to every balance mutation.
type Reason string

const (
	ReasonDeposit           Reason = "deposit"
	ReasonMake              Reason = "make"
	ReasonTake              Reason = "take"
	ReasonTakerFee          Reason = "taker-fee"
	ReasonTakerReceive      Reason = "taker-receive"
	ReasonMakerReceive      Reason = "maker-receive"
	ReasonContractFee       Reason = "contract-fee"
	ReasonCancel            Reason = "cancel"
	ReasonPrepareWithdrawal Reason = "prepare-withdrawal"
)
