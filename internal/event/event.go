package event

import "time"

// Type discriminates event payloads.
type Type int32

const (
	TypeUnknown Type = iota
	TypeInitialized
	TypeDeposited
	TypeTransferred
	TypeCreated
	TypeFilled
	TypeFillFailed
	TypeCancelled
	TypeCancelAnnounced
	TypeWithdrawAnnounced
	TypeWithdrawing
	TypeWithdrawn
	TypeBurnt
	TypeTradingFrozen
	TypeTradingResumed
	TypeWhitelistAdded
	TypeWhitelistRemoved
	TypeWhitelistSealed
	TypeArbitraryInvokeAllowed
	TypeFeeAddressSet
	TypeCoordinatorSet
	TypeWithdrawCoordinatorSet
	TypeAnnounceDelaySet
)

func (t Type) String() string {
	switch t {
	case TypeInitialized:
		return "Initialized"
	case TypeDeposited:
		return "Deposited"
	case TypeTransferred:
		return "Transferred"
	case TypeCreated:
		return "Created"
	case TypeFilled:
		return "Filled"
	case TypeFillFailed:
		return "FillFailed"
	case TypeCancelled:
		return "Cancelled"
	case TypeCancelAnnounced:
		return "CancelAnnounced"
	case TypeWithdrawAnnounced:
		return "WithdrawAnnounced"
	case TypeWithdrawing:
		return "Withdrawing"
	case TypeWithdrawn:
		return "Withdrawn"
	case TypeBurnt:
		return "Burnt"
	case TypeTradingFrozen:
		return "TradingFrozen"
	case TypeTradingResumed:
		return "TradingResumed"
	case TypeWhitelistAdded:
		return "WhitelistAdded"
	case TypeWhitelistRemoved:
		return "WhitelistRemoved"
	case TypeWhitelistSealed:
		return "WhitelistSealed"
	case TypeArbitraryInvokeAllowed:
		return "ArbitraryInvokeAllowed"
	case TypeFeeAddressSet:
		return "FeeAddressSet"
	case TypeCoordinatorSet:
		return "CoordinatorSet"
	case TypeWithdrawCoordinatorSet:
		return "WithdrawCoordinatorSet"
	case TypeAnnounceDelaySet:
		return "AnnounceDelaySet"
	default:
		return "Unknown"
	}
}

// Event is implemented by every payload variant. The set of variants
// is closed: downstream consumers switch on Type exhaustively.
type Event interface {
	Type() Type
}

// Envelope wraps every emitted event with its position in the
// broker's event sequence.
type Envelope struct {
	Sequence  int64     `json:"sequence"`
	EventType Type      `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Event     `json:"payload"`
}

// Sink receives every envelope the broker emits, in sequence order.
// The broker calls Emit while holding its operation lock, so
// implementations must not call back into the broker.
type Sink interface {
	Emit(Envelope)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Envelope)

func (f SinkFunc) Emit(env Envelope) { f(env) }
