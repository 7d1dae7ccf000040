package broker

import (
	"errors"
	"fmt"
)

// Business rejections. Expected, recoverable, and always raised
// before any state mutation.
var (
	ErrNotAuthorized    = errors.New("required witnesses missing")
	ErrWrongState       = errors.New("operation not permitted in current contract state")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrOfferExists      = errors.New("offer hash already exists")
	ErrOfferNotFound    = errors.New("no such offer")
	ErrInsufficient     = errors.New("insufficient balance")
	ErrSealed           = errors.New("whitelist tier is sealed")
	ErrDuplicateDeposit = errors.New("deposit request already processed")
	ErrWithdrawalState  = errors.New("withdrawal not in required state")
)

// FillReason is the fixed taxonomy of fill rejection codes carried on
// FillFailed events.
type FillReason string

const (
	FillOfferNotFound             FillReason = "offer-not-found"
	FillFillerIsMaker             FillReason = "filler-is-maker"
	FillBelowMinimumTake          FillReason = "below-minimum-take"
	FillExceedsAvailable          FillReason = "exceeds-available"
	FillBelowMinimumFill          FillReason = "below-minimum-fill"
	FillInsufficientFillerBalance FillReason = "insufficient-filler-balance"
	FillInsufficientFeeBalance    FillReason = "insufficient-fee-balance"
	FillFeeExceedsCap             FillReason = "fee-exceeds-cap"
)

// FillError is a reason-coded fill rejection.
type FillError struct {
	Reason FillReason
}

func (e *FillError) Error() string {
	return fmt.Sprintf("fill rejected: %s", e.Reason)
}

// FillReasonOf extracts the reason code from a fill rejection, or ""
// if err is not one.
func FillReasonOf(err error) FillReason {
	var fe *FillError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}
