// Package broker implements a coordinator-assisted escrow exchange:
// two parties trade assets escrowed in the broker's ledger without
// trusting each other, while an off-chain coordinator co-signs
// routine operations. Every user retains a unilateral escape hatch:
// announced cancels and withdrawals mature after a delay and then no
// longer need any coordinator signature.
//
// The engine assumes serial execution. Every exported operation takes
// the broker lock, runs all of its validation before the first
// mutation, and either completes atomically or leaves state
// untouched. Business rejections come back as errors; invariant
// violations panic, because there is no compensating rollback once a
// mutation has been applied.
package broker

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"brokerd/internal/event"
	"brokerd/internal/ledger"
	"brokerd/internal/observability"
	"brokerd/internal/settle"
	"brokerd/internal/store"
)

// State is the contract lifecycle flag.
type State string

const (
	// StatePending permits only initialization.
	StatePending State = "pending"
	// StateActive permits all operations.
	StateActive State = "active"
	// StateInactive halts trading; cancellation, withdrawal and admin
	// operations remain available.
	StateInactive State = "inactive"
)

// MaxAnnounceDelay bounds the configurable announce delay (seconds).
const MaxAnnounceDelay int64 = 60 * 60 * 24 * 7

// Singleton storage keys.
const (
	keyState                  = "state"
	keyFeeAddress             = "feeAddress"
	keyCoordinator            = "coordinatorAddress"
	keyWithdrawCoordinator    = "withdrawCoordinatorAddress"
	keyAnnounceDelay          = "announceDelay"
	keyArbitraryInvokeAllowed = "arbitraryInvokeAllowed"
)

// Config assembles the broker's collaborators.
type Config struct {
	Store  store.Store
	Sink   event.Sink
	Tokens settle.TokenTransferer

	// Owner is the administrative root account.
	Owner ledger.Address

	// ContractAddress is the broker's own escrow account at the
	// token transfer service.
	ContractAddress ledger.Address

	// Now supplies time for announce maturity checks. Defaults to
	// time.Now; tests inject a fake.
	Now func() time.Time

	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// Broker is the trading/escrow engine. The single mutex is the whole
// concurrency model: the algorithms rely on linearizable execution
// with no partial-failure window between validation and mutation.
type Broker struct {
	mu sync.Mutex

	store    store.Store
	ledger   *ledger.Ledger
	sink     event.Sink
	tokens   settle.TokenTransferer
	owner    ledger.Address
	contract ledger.Address
	now      func() time.Time
	log      zerolog.Logger
	metrics  *observability.Metrics

	sequence int64
}

func New(cfg Config) *Broker {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &Broker{
		store:    cfg.Store,
		sink:     cfg.Sink,
		tokens:   cfg.Tokens,
		owner:    cfg.Owner,
		contract: cfg.ContractAddress,
		now:      cfg.Now,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
	b.ledger = ledger.New(cfg.Store, b.emit)
	return b
}

// emit wraps a payload in an envelope and hands it to the sink.
// Callers hold the broker lock, so sequence assignment is ordered.
func (b *Broker) emit(ev event.Event) {
	if b.sink == nil {
		return
	}
	b.sequence++
	b.sink.Emit(event.Envelope{
		Sequence:  b.sequence,
		EventType: ev.Type(),
		Timestamp: b.now(),
		Payload:   ev,
	})
}

// --- store helpers -------------------------------------------------

func (b *Broker) get(key string) []byte {
	v, err := b.store.Get([]byte(key))
	if err != nil {
		panic(fmt.Sprintf("broker: store read %q failed: %v", key, err))
	}
	return v
}

func (b *Broker) put(key string, value []byte) {
	if err := b.store.Put([]byte(key), value); err != nil {
		panic(fmt.Sprintf("broker: store write %q failed: %v", key, err))
	}
}

func (b *Broker) del(key string) {
	if err := b.store.Delete([]byte(key)); err != nil {
		panic(fmt.Sprintf("broker: store delete %q failed: %v", key, err))
	}
}

func (b *Broker) getInt(key string) int64 {
	raw := b.get(key)
	if raw == nil {
		return 0
	}
	v, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		panic(fmt.Sprintf("broker: corrupt integer record %q: %v", key, err))
	}
	return v
}

func (b *Broker) putInt(key string, v int64) {
	b.put(key, []byte(strconv.FormatInt(v, 10)))
}

// --- lifecycle -----------------------------------------------------

// State returns the contract lifecycle flag. An uninitialized store
// reads as Pending.
func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state()
}

func (b *Broker) state() State {
	raw := b.get(keyState)
	if raw == nil {
		return StatePending
	}
	return State(raw)
}

func (b *Broker) tradingFrozen() bool {
	return b.state() == StateInactive
}

// Initialize configures the broker and activates it. Owner-witnessed,
// callable only from Pending. Configuration never partially applies:
// every address is validated before the first write.
func (b *Broker) Initialize(auth AuthContext, feeAddress, coordinator, withdrawCoordinator ledger.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !auth.Witness(b.owner) {
		return ErrNotAuthorized
	}
	if b.state() != StatePending {
		return fmt.Errorf("%w: already initialized", ErrWrongState)
	}
	if !feeAddress.Valid() || !coordinator.Valid() || !withdrawCoordinator.Valid() {
		return fmt.Errorf("%w: malformed address", ErrInvalidArgument)
	}

	b.setFeeAddress(feeAddress)
	b.setCoordinatorAddress(coordinator)
	b.setWithdrawCoordinatorAddress(withdrawCoordinator)
	b.setAnnounceDelay(MaxAnnounceDelay)
	b.put(keyState, []byte(StateActive))
	b.emit(event.Initialized{
		FeeAddress:          string(feeAddress),
		Coordinator:         string(coordinator),
		WithdrawCoordinator: string(withdrawCoordinator),
		AnnounceDelay:       MaxAnnounceDelay,
	})

	b.log.Info().
		Str("coordinator", string(coordinator)).
		Str("withdraw_coordinator", string(withdrawCoordinator)).
		Msg("broker initialized")
	return nil
}

// FreezeTrading halts trading. Requires both the owner and the
// coordinator to have signed.
func (b *Broker) FreezeTrading(auth AuthContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireOwnerAndCoordinator(auth); err != nil {
		return err
	}
	b.put(keyState, []byte(StateInactive))
	b.emit(event.TradingFrozen{})
	b.log.Warn().Msg("trading frozen")
	return nil
}

// UnfreezeTrading resumes trading. Same dual witness as freezing.
func (b *Broker) UnfreezeTrading(auth AuthContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.requireOwnerAndCoordinator(auth); err != nil {
		return err
	}
	b.put(keyState, []byte(StateActive))
	b.emit(event.TradingResumed{})
	b.log.Info().Msg("trading resumed")
	return nil
}

func (b *Broker) requireOwnerAndCoordinator(auth AuthContext) error {
	if !auth.Witness(b.owner) {
		return ErrNotAuthorized
	}
	if !auth.Witness(b.coordinatorAddress()) {
		return ErrNotAuthorized
	}
	if b.state() == StatePending {
		return ErrWrongState
	}
	return nil
}

// --- configuration -------------------------------------------------

func (b *Broker) SetFeeAddress(auth AuthContext, addr ledger.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !auth.Witness(b.owner) {
		return ErrNotAuthorized
	}
	if !addr.Valid() {
		return fmt.Errorf("%w: malformed fee address", ErrInvalidArgument)
	}
	b.setFeeAddress(addr)
	return nil
}

func (b *Broker) SetCoordinatorAddress(auth AuthContext, addr ledger.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !auth.Witness(b.owner) {
		return ErrNotAuthorized
	}
	if !addr.Valid() {
		return fmt.Errorf("%w: malformed coordinator address", ErrInvalidArgument)
	}
	b.setCoordinatorAddress(addr)
	return nil
}

func (b *Broker) SetWithdrawCoordinatorAddress(auth AuthContext, addr ledger.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !auth.Witness(b.owner) {
		return ErrNotAuthorized
	}
	if !addr.Valid() {
		return fmt.Errorf("%w: malformed withdraw coordinator address", ErrInvalidArgument)
	}
	b.setWithdrawCoordinatorAddress(addr)
	return nil
}

// SetAnnounceDelay sets the escape-hatch maturity delay in seconds,
// bounded by [0, MaxAnnounceDelay].
func (b *Broker) SetAnnounceDelay(auth AuthContext, delay int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !auth.Witness(b.owner) {
		return ErrNotAuthorized
	}
	if delay < 0 || delay > MaxAnnounceDelay {
		return fmt.Errorf("%w: announce delay %d outside [0, %d]", ErrInvalidArgument, delay, MaxAnnounceDelay)
	}
	b.setAnnounceDelay(delay)
	return nil
}

// SetArbitraryInvokeAllowed permanently relaxes whitelist requirements
// for token transfers. Irreversible escape valve for token transfer
// conventions that do not exist yet.
func (b *Broker) SetArbitraryInvokeAllowed(auth AuthContext) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !auth.Witness(b.owner) {
		return ErrNotAuthorized
	}
	b.put(keyArbitraryInvokeAllowed, []byte("1"))
	b.emit(event.ArbitraryInvokeAllowed{})
	b.log.Warn().Msg("arbitrary invoke permanently allowed")
	return nil
}

func (b *Broker) setFeeAddress(addr ledger.Address) {
	b.put(keyFeeAddress, []byte(addr))
	b.emit(event.FeeAddressSet{Address: string(addr)})
}

func (b *Broker) setCoordinatorAddress(addr ledger.Address) {
	b.put(keyCoordinator, []byte(addr))
	b.emit(event.CoordinatorSet{Address: string(addr)})
}

func (b *Broker) setWithdrawCoordinatorAddress(addr ledger.Address) {
	b.put(keyWithdrawCoordinator, []byte(addr))
	b.emit(event.WithdrawCoordinatorSet{Address: string(addr)})
}

func (b *Broker) setAnnounceDelay(delay int64) {
	b.putInt(keyAnnounceDelay, delay)
	b.emit(event.AnnounceDelaySet{Delay: delay})
}

func (b *Broker) feeAddress() ledger.Address {
	return ledger.Address(b.get(keyFeeAddress))
}

func (b *Broker) coordinatorAddress() ledger.Address {
	return ledger.Address(b.get(keyCoordinator))
}

func (b *Broker) withdrawCoordinatorAddress() ledger.Address {
	return ledger.Address(b.get(keyWithdrawCoordinator))
}

func (b *Broker) announceDelay() int64 {
	return b.getInt(keyAnnounceDelay)
}

func (b *Broker) arbitraryInvokeAllowed() bool {
	return b.get(keyArbitraryInvokeAllowed) != nil
}

// --- getters -------------------------------------------------------

func (b *Broker) FeeAddress() ledger.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.feeAddress()
}

func (b *Broker) CoordinatorAddress() ledger.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.coordinatorAddress()
}

func (b *Broker) WithdrawCoordinatorAddress() ledger.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withdrawCoordinatorAddress()
}

func (b *Broker) AnnounceDelay() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.announceDelay()
}

func (b *Broker) ArbitraryInvokeAllowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arbitraryInvokeAllowed()
}

// Balance returns the escrowed balance for an account/asset pair.
func (b *Broker) Balance(account ledger.Address, asset ledger.AssetID) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ledger.Balance(account, asset)
}
