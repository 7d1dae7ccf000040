package event

// Addresses and asset IDs are carried as lowercase hex strings so the
// payloads marshal cleanly for the event log and the NATS stream.

// Initialized marks the one-time transition out of Pending.
type Initialized struct {
	FeeAddress          string `json:"fee_address"`
	Coordinator         string `json:"coordinator"`
	WithdrawCoordinator string `json:"withdraw_coordinator"`
	AnnounceDelay       int64  `json:"announce_delay"`
}

func (Initialized) Type() Type { return TypeInitialized }

// Deposited records external value arriving in the ledger.
type Deposited struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

func (Deposited) Type() Type { return TypeDeposited }

// Transferred records every single balance mutation with a signed
// delta and a reason code. It is the ledger's audit trail: no other
// event implies a balance change.
type Transferred struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Delta   int64  `json:"delta"`
	Reason  string `json:"reason"`
}

func (Transferred) Type() Type { return TypeTransferred }

// Created records a new offer with its escrowed amount.
type Created struct {
	Maker       string `json:"maker"`
	OfferHash   string `json:"offer_hash"`
	OfferAsset  string `json:"offer_asset"`
	OfferAmount int64  `json:"offer_amount"`
	WantAsset   string `json:"want_asset"`
	WantAmount  int64  `json:"want_amount"`
}

func (Created) Type() Type { return TypeCreated }

// Filled records a successful (partial or full) fill.
type Filled struct {
	Filler       string `json:"filler"`
	OfferHash    string `json:"offer_hash"`
	AmountFilled int64  `json:"amount_filled"`
	OfferAsset   string `json:"offer_asset"`
	OfferAmount  int64  `json:"offer_amount"`
	WantAsset    string `json:"want_asset"`
	WantAmount   int64  `json:"want_amount"`
	AmountTaken  int64  `json:"amount_taken"`
}

func (Filled) Type() Type { return TypeFilled }

// FillFailed records a rejected fill with its reason code so takers
// can adjust and retry without querying state.
type FillFailed struct {
	Filler       string `json:"filler"`
	OfferHash    string `json:"offer_hash"`
	AmountToTake int64  `json:"amount_to_take"`
	FeeAsset     string `json:"fee_asset"`
	FeeAmount    int64  `json:"fee_amount"`
	Reason       string `json:"reason"`
}

func (FillFailed) Type() Type { return TypeFillFailed }

// Cancelled records an offer cancellation and the refunded remainder.
type Cancelled struct {
	Maker     string `json:"maker"`
	OfferHash string `json:"offer_hash"`
}

func (Cancelled) Type() Type { return TypeCancelled }

// CancelAnnounced starts the coordinator-independent cancel clock.
type CancelAnnounced struct {
	Maker     string `json:"maker"`
	OfferHash string `json:"offer_hash"`
}

func (CancelAnnounced) Type() Type { return TypeCancelAnnounced }

// WithdrawAnnounced starts the coordinator-independent withdraw clock.
type WithdrawAnnounced struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

func (WithdrawAnnounced) Type() Type { return TypeWithdrawAnnounced }

// Withdrawing records a successful reservation (stage one).
type Withdrawing struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

func (Withdrawing) Type() Type { return TypeWithdrawing }

// Withdrawn records execution of a reserved withdrawal (stage two).
type Withdrawn struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

func (Withdrawn) Type() Type { return TypeWithdrawn }

// Burnt records fee value destroyed with no credit to any account.
type Burnt struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

func (Burnt) Type() Type { return TypeBurnt }

type TradingFrozen struct{}

func (TradingFrozen) Type() Type { return TypeTradingFrozen }

type TradingResumed struct{}

func (TradingResumed) Type() Type { return TypeTradingResumed }

type WhitelistAdded struct {
	Asset string `json:"asset"`
	Tier  int    `json:"tier"`
}

func (WhitelistAdded) Type() Type { return TypeWhitelistAdded }

type WhitelistRemoved struct {
	Asset string `json:"asset"`
	Tier  int    `json:"tier"`
}

func (WhitelistRemoved) Type() Type { return TypeWhitelistRemoved }

type WhitelistSealed struct {
	Tier int `json:"tier"`
}

func (WhitelistSealed) Type() Type { return TypeWhitelistSealed }

type ArbitraryInvokeAllowed struct{}

func (ArbitraryInvokeAllowed) Type() Type { return TypeArbitraryInvokeAllowed }

type FeeAddressSet struct {
	Address string `json:"address"`
}

func (FeeAddressSet) Type() Type { return TypeFeeAddressSet }

type CoordinatorSet struct {
	Address string `json:"address"`
}

func (CoordinatorSet) Type() Type { return TypeCoordinatorSet }

type WithdrawCoordinatorSet struct {
	Address string `json:"address"`
}

func (WithdrawCoordinatorSet) Type() Type { return TypeWithdrawCoordinatorSet }

type AnnounceDelaySet struct {
	Delay int64 `json:"delay"`
}

func (AnnounceDelaySet) Type() Type { return TypeAnnounceDelaySet }
