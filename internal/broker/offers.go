package broker

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/bits"

	"brokerd/internal/event"
	"brokerd/internal/ledger"
)

// OfferHash is the content hash identifying an offer, as lowercase
// hex of 32 bytes.
type OfferHash string

func (h OfferHash) Valid() bool {
	return len(h) == 64 && isLowerHex(string(h))
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Offer is a fixed-rate two-asset quote escrowed by its maker and
// fillable at-will by any taker. AvailableAmount is the only mutable
// field; everything else is covered by the content hash.
type Offer struct {
	Maker           ledger.Address `json:"maker"`
	OfferAsset      ledger.AssetID `json:"offer_asset"`
	OfferAmount     int64          `json:"offer_amount"`
	WantAsset       ledger.AssetID `json:"want_asset"`
	WantAmount      int64          `json:"want_amount"`
	AvailableAmount int64          `json:"available_amount"`
	Nonce           string         `json:"nonce"`
}

// HashOffer derives the offer's content hash. The caller-chosen nonce
// salts the hash so makers can detect idempotent resubmission: the
// same offer parameters with the same nonce always collide.
func HashOffer(o Offer) OfferHash {
	h := sha256.New()
	h.Write([]byte(o.Maker))
	h.Write([]byte(o.OfferAsset))
	h.Write([]byte(o.WantAsset))

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(o.OfferAmount))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(o.WantAmount))
	h.Write(buf[:])

	h.Write([]byte(o.Nonce))
	return OfferHash(hex.EncodeToString(h.Sum(nil)))
}

func offerKey(hash OfferHash) string {
	return "offer|" + string(hash)
}

func cancelAnnounceKey(hash OfferHash) string {
	return "cancelAnnounce|" + string(hash)
}

// MakeOffer escrows offerAmount of the maker's offerAsset and opens
// the offer for filling. Dual-witnessed (maker + coordinator).
func (b *Broker) MakeOffer(auth AuthContext, offer Offer) (OfferHash, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state() != StateActive {
		return "", ErrWrongState
	}
	if !b.checkTradeWitnesses(auth, offer.Maker) {
		return "", ErrNotAuthorized
	}

	hash := HashOffer(offer)
	if b.get(offerKey(hash)) != nil {
		return "", fmt.Errorf("%w: nonce %q replayed", ErrOfferExists, offer.Nonce)
	}
	if offer.OfferAmount <= 0 || offer.WantAmount <= 0 {
		return "", fmt.Errorf("%w: offer and want amounts must be positive", ErrInvalidArgument)
	}
	if offer.OfferAsset == offer.WantAsset {
		return "", fmt.Errorf("%w: offer must trade across different assets", ErrInvalidArgument)
	}
	if !offer.OfferAsset.Valid() || !offer.WantAsset.Valid() {
		return "", fmt.Errorf("%w: malformed asset identifier", ErrInvalidArgument)
	}

	if !b.ledger.Debit(offer.Maker, offer.OfferAsset, offer.OfferAmount, ledger.ReasonMake) {
		return "", fmt.Errorf("%w: maker holds less than %d of %s", ErrInsufficient, offer.OfferAmount, offer.OfferAsset)
	}

	offer.AvailableAmount = offer.OfferAmount
	b.storeOffer(hash, offer)
	b.emit(event.Created{
		Maker:       string(offer.Maker),
		OfferHash:   string(hash),
		OfferAsset:  string(offer.OfferAsset),
		OfferAmount: offer.OfferAmount,
		WantAsset:   string(offer.WantAsset),
		WantAmount:  offer.WantAmount,
	})

	b.log.Info().
		Str("offer_hash", string(hash)).
		Str("maker", string(offer.Maker)).
		Int64("offer_amount", offer.OfferAmount).
		Msg("offer created")
	return hash, nil
}

// FillOffer takes amountToTake of the offered asset, paying the
// pro-rata amount of the wanted asset plus a taker fee. All checks
// run before any mutation, in fixed order; each rejection is reported
// with its reason code on a FillFailed event.
func (b *Broker) FillOffer(auth AuthContext, filler ledger.Address, hash OfferHash, amountToTake int64, feeAsset ledger.AssetID, feeAmount int64, burnFees bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state() != StateActive {
		return ErrWrongState
	}
	if !b.checkTradeWitnesses(auth, filler) {
		return ErrNotAuthorized
	}
	if !feeAsset.Valid() {
		return fmt.Errorf("%w: malformed fee asset", ErrInvalidArgument)
	}
	if feeAmount < 0 {
		return fmt.Errorf("%w: negative fee", ErrInvalidArgument)
	}

	fail := func(reason FillReason) error {
		b.emit(event.FillFailed{
			Filler:       string(filler),
			OfferHash:    string(hash),
			AmountToTake: amountToTake,
			FeeAsset:     string(feeAsset),
			FeeAmount:    feeAmount,
			Reason:       string(reason),
		})
		if b.metrics != nil {
			b.metrics.FillRejected.WithLabelValues(string(reason)).Inc()
		}
		return &FillError{Reason: reason}
	}

	offer, ok := b.loadOffer(hash)
	if !ok {
		return fail(FillOfferNotFound)
	}
	if filler == offer.Maker {
		return fail(FillFillerIsMaker)
	}
	if amountToTake < 1 {
		return fail(FillBelowMinimumTake)
	}
	if amountToTake > offer.AvailableAmount {
		return fail(FillExceedsAvailable)
	}

	// Truncating division, computed over the 128-bit product so a
	// maker-chosen huge want amount cannot wrap the intermediate.
	// amountToTake <= offerAmount bounds the quotient by wantAmount,
	// so it always fits. The truncation residue stays with the maker,
	// never the taker.
	hi, lo := bits.Mul64(uint64(amountToTake), uint64(offer.WantAmount))
	quo, _ := bits.Div64(hi, lo, uint64(offer.OfferAmount))
	amountToFill := int64(quo)
	if amountToFill < 1 {
		return fail(FillBelowMinimumFill)
	}

	if b.ledger.Balance(filler, offer.WantAsset) < amountToFill {
		return fail(FillInsufficientFillerBalance)
	}

	deductSeparately := feeAsset != offer.OfferAsset
	if deductSeparately && b.ledger.Balance(filler, feeAsset) < feeAmount {
		return fail(FillInsufficientFeeBalance)
	}
	if !deductSeparately {
		// The cap applies only when the fee is carved out of the taken
		// proceeds: reject once floor(feeAmount*1000/amountToTake)
		// exceeds 5, i.e. feeAmount*1000 >= amountToTake*6. Both
		// products are compared in 128 bits so an absurd fee cannot
		// wrap past the check.
		feeHi, feeLo := bits.Mul64(uint64(feeAmount), 1000)
		capHi, capLo := bits.Mul64(uint64(amountToTake), 6)
		if feeHi > capHi || (feeHi == capHi && feeLo >= capLo) {
			return fail(FillFeeExceedsCap)
		}
	}

	// Commit. Every precondition above guarantees these debits
	// succeed; a failure here is a defect, and Credit/Debit panic on
	// defect-class misuse themselves.
	if !b.ledger.Debit(filler, offer.WantAsset, amountToFill, ledger.ReasonTake) {
		panic(fmt.Sprintf("broker: filler debit failed after balance check for offer %s", hash))
	}
	b.ledger.Credit(offer.Maker, offer.WantAsset, amountToFill, ledger.ReasonMakerReceive)

	payout := amountToTake
	if !deductSeparately {
		payout = amountToTake - feeAmount
	}
	// The fee cap guarantees feeAmount < amountToTake whenever the fee
	// comes out of the proceeds, so this credit can never be for zero.
	b.ledger.Credit(filler, offer.OfferAsset, payout, ledger.ReasonTakerReceive)

	if feeAmount > 0 {
		if deductSeparately {
			if !b.ledger.Debit(filler, feeAsset, feeAmount, ledger.ReasonTakerFee) {
				panic(fmt.Sprintf("broker: fee debit failed after balance check for offer %s", hash))
			}
		}
		if burnFees {
			// Value destroyed on purpose: no account is credited,
			// only the Burnt event records where it went.
			b.emit(event.Burnt{
				Account: string(filler),
				Asset:   string(feeAsset),
				Amount:  feeAmount,
			})
		} else {
			b.ledger.Credit(b.feeAddress(), feeAsset, feeAmount, ledger.ReasonContractFee)
		}
	}

	offer.AvailableAmount -= amountToTake
	b.storeOffer(hash, offer)
	b.emit(event.Filled{
		Filler:       string(filler),
		OfferHash:    string(hash),
		AmountFilled: amountToFill,
		OfferAsset:   string(offer.OfferAsset),
		OfferAmount:  offer.OfferAmount,
		WantAsset:    string(offer.WantAsset),
		WantAmount:   offer.WantAmount,
		AmountTaken:  amountToTake,
	})

	b.log.Info().
		Str("offer_hash", string(hash)).
		Str("filler", string(filler)).
		Int64("amount_taken", amountToTake).
		Int64("amount_filled", amountToFill).
		Msg("offer filled")
	return nil
}

// CancelOffer refunds the offer's remaining escrow to the maker.
// Authorization: (coordinator signed OR the cancel announcement has
// matured) AND (maker signed OR (trading frozen AND coordinator
// signed)). The second clause lets the coordinator force-cancel stuck
// offers during a freeze without the maker's signature.
func (b *Broker) CancelOffer(auth AuthContext, hash OfferHash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state() == StatePending {
		return ErrWrongState
	}
	offer, ok := b.loadOffer(hash)
	if !ok {
		return ErrOfferNotFound
	}

	coordinatorWitnessed := auth.Witness(b.coordinatorAddress())
	if !coordinatorWitnessed && !b.cancelAnnounceMatured(hash) {
		return ErrNotAuthorized
	}
	if !auth.Witness(offer.Maker) && !(b.tradingFrozen() && coordinatorWitnessed) {
		return ErrNotAuthorized
	}

	if offer.AvailableAmount > 0 {
		b.ledger.Credit(offer.Maker, offer.OfferAsset, offer.AvailableAmount, ledger.ReasonCancel)
	}
	b.del(offerKey(hash))
	b.del(cancelAnnounceKey(hash))
	b.emit(event.Cancelled{Maker: string(offer.Maker), OfferHash: string(hash)})

	b.log.Info().Str("offer_hash", string(hash)).Msg("offer cancelled")
	return nil
}

// AnnounceCancel starts the delay clock for a coordinator-independent
// cancellation. Maker-witnessed only; the offer itself is untouched
// until CancelOffer runs.
func (b *Broker) AnnounceCancel(auth AuthContext, hash OfferHash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state() == StatePending {
		return ErrWrongState
	}
	offer, ok := b.loadOffer(hash)
	if !ok {
		return ErrOfferNotFound
	}
	if !auth.Witness(offer.Maker) {
		return ErrNotAuthorized
	}

	b.putInt(cancelAnnounceKey(hash), b.now().Unix())
	b.emit(event.CancelAnnounced{Maker: string(offer.Maker), OfferHash: string(hash)})
	return nil
}

// Offer returns a stored offer. The zero Offer and false after the
// offer is exhausted or cancelled.
func (b *Broker) Offer(hash OfferHash) (Offer, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadOffer(hash)
}

// AnnouncedCancel returns the unix time a cancel was announced, or
// -1 if none is live.
func (b *Broker) AnnouncedCancel(hash OfferHash) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.get(cancelAnnounceKey(hash)) == nil {
		return -1
	}
	return b.getInt(cancelAnnounceKey(hash))
}

func (b *Broker) cancelAnnounceMatured(hash OfferHash) bool {
	if b.get(cancelAnnounceKey(hash)) == nil {
		return false
	}
	announcedAt := b.getInt(cancelAnnounceKey(hash))
	return announcedAt+b.announceDelay() < b.now().Unix()
}

func (b *Broker) loadOffer(hash OfferHash) (Offer, bool) {
	raw := b.get(offerKey(hash))
	if raw == nil {
		return Offer{}, false
	}
	var o Offer
	if err := json.Unmarshal(raw, &o); err != nil {
		panic(fmt.Sprintf("broker: corrupt offer record %s: %v", hash, err))
	}
	return o, true
}

// storeOffer persists an offer, deleting it once fully filled. A
// negative available amount can only come from broken arithmetic
// above and is never a business rejection.
func (b *Broker) storeOffer(hash OfferHash, o Offer) {
	if o.AvailableAmount == 0 {
		b.del(offerKey(hash))
		return
	}
	if o.AvailableAmount < 0 {
		panic(fmt.Sprintf("broker: offer %s available amount went negative: %d", hash, o.AvailableAmount))
	}
	raw, err := json.Marshal(o)
	if err != nil {
		panic(fmt.Sprintf("broker: marshal offer %s: %v", hash, err))
	}
	b.put(offerKey(hash), raw)
}
