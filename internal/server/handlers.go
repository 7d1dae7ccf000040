package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"brokerd/internal/broker"
	"brokerd/internal/ledger"
	"brokerd/internal/settle"
)

type initializeRequest struct {
	FeeAddress          string `json:"fee_address" binding:"required"`
	Coordinator         string `json:"coordinator" binding:"required"`
	WithdrawCoordinator string `json:"withdraw_coordinator" binding:"required"`
}

func (s *Server) initialize(c *gin.Context) {
	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.engine.Initialize(auth(c),
		ledger.Address(req.FeeAddress),
		ledger.Address(req.Coordinator),
		ledger.Address(req.WithdrawCoordinator),
	)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": string(s.engine.State())})
}

type depositRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Account   string `json:"account" binding:"required"`
	Asset     string `json:"asset" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
}

func (r depositRequest) engineRequest() broker.DepositRequest {
	return broker.DepositRequest{
		RequestID: r.RequestID,
		Account:   ledger.Address(r.Account),
		Asset:     ledger.AssetID(r.Asset),
		Amount:    r.Amount,
	}
}

func (s *Server) deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.Deposit(c.Request.Context(), auth(c), req.engineRequest()); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": req.RequestID})
}

func (s *Server) depositFrom(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.DepositFrom(c.Request.Context(), auth(c), req.engineRequest()); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": req.RequestID})
}

type externalTransferRequest struct {
	RequestID string `json:"request_id" binding:"required"`
	Asset     string `json:"asset" binding:"required"`
	From      string `json:"from" binding:"required"`
	To        string `json:"to" binding:"required"`
	Amount    int64  `json:"amount" binding:"required"`
}

func (s *Server) onExternalTransfer(c *gin.Context) {
	var req externalTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.engine.OnExternalTransfer(auth(c),
		ledger.AssetID(req.Asset),
		ledger.Address(req.From),
		ledger.Address(req.To),
		req.Amount,
		req.RequestID,
	)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request_id": req.RequestID})
}

type makeOfferRequest struct {
	Maker       string `json:"maker" binding:"required"`
	OfferAsset  string `json:"offer_asset" binding:"required"`
	OfferAmount int64  `json:"offer_amount" binding:"required"`
	WantAsset   string `json:"want_asset" binding:"required"`
	WantAmount  int64  `json:"want_amount" binding:"required"`
	Nonce       string `json:"nonce" binding:"required"`
}

func (s *Server) makeOffer(c *gin.Context) {
	var req makeOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hash, err := s.engine.MakeOffer(auth(c), broker.Offer{
		Maker:       ledger.Address(req.Maker),
		OfferAsset:  ledger.AssetID(req.OfferAsset),
		OfferAmount: req.OfferAmount,
		WantAsset:   ledger.AssetID(req.WantAsset),
		WantAmount:  req.WantAmount,
		Nonce:       req.Nonce,
	})
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer_hash": string(hash)})
}

type fillOfferRequest struct {
	Filler       string `json:"filler" binding:"required"`
	OfferHash    string `json:"offer_hash" binding:"required"`
	AmountToTake int64  `json:"amount_to_take" binding:"required"`
	FeeAsset     string `json:"fee_asset" binding:"required"`
	FeeAmount    int64  `json:"fee_amount"`
	BurnFees     bool   `json:"burn_fees"`
}

func (s *Server) fillOffer(c *gin.Context) {
	var req fillOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.engine.FillOffer(auth(c),
		ledger.Address(req.Filler),
		broker.OfferHash(req.OfferHash),
		req.AmountToTake,
		ledger.AssetID(req.FeeAsset),
		req.FeeAmount,
		req.BurnFees,
	)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer_hash": req.OfferHash})
}

type offerHashRequest struct {
	OfferHash string `json:"offer_hash" binding:"required"`
}

func (s *Server) cancelOffer(c *gin.Context) {
	var req offerHashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.CancelOffer(auth(c), broker.OfferHash(req.OfferHash)); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer_hash": req.OfferHash})
}

func (s *Server) announceCancel(c *gin.Context) {
	var req offerHashRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.AnnounceCancel(auth(c), broker.OfferHash(req.OfferHash)); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer_hash": req.OfferHash})
}

type withdrawRequest struct {
	Stage   string `json:"stage" binding:"required"`
	Account string `json:"account" binding:"required"`
	Asset   string `json:"asset" binding:"required"`
	Amount  int64  `json:"amount"`
}

func (s *Server) withdraw(c *gin.Context) {
	var req withdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Stage != string(settle.StageReserve) && req.Stage != string(settle.StageExecute) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stage must be reserve or execute"})
		return
	}
	err := s.engine.Withdraw(c.Request.Context(), auth(c), settle.WithdrawalRequest{
		Stage:   settle.Stage(req.Stage),
		Account: ledger.Address(req.Account),
		Asset:   ledger.AssetID(req.Asset),
		Amount:  req.Amount,
	})
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stage": req.Stage})
}

type announceWithdrawRequest struct {
	Account string `json:"account" binding:"required"`
	Asset   string `json:"asset" binding:"required"`
	Amount  int64  `json:"amount" binding:"required"`
}

func (s *Server) announceWithdraw(c *gin.Context) {
	var req announceWithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.engine.AnnounceWithdraw(auth(c),
		ledger.Address(req.Account),
		ledger.AssetID(req.Asset),
		req.Amount,
	)
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": req.Account, "asset": req.Asset})
}

// --- queries -------------------------------------------------------

func (s *Server) getState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"state": string(s.engine.State())})
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"fee_address":              string(s.engine.FeeAddress()),
		"coordinator":              string(s.engine.CoordinatorAddress()),
		"withdraw_coordinator":     string(s.engine.WithdrawCoordinatorAddress()),
		"announce_delay":           s.engine.AnnounceDelay(),
		"arbitrary_invoke_allowed": s.engine.ArbitraryInvokeAllowed(),
	})
}

func (s *Server) getOffer(c *gin.Context) {
	offer, ok := s.engine.Offer(broker.OfferHash(c.Param("hash")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "offer not found"})
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (s *Server) getAnnouncedCancel(c *gin.Context) {
	at := s.engine.AnnouncedCancel(broker.OfferHash(c.Param("hash")))
	if at < 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cancel announced"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"announced_at": at})
}

func (s *Server) getAnnouncedWithdraw(c *gin.Context) {
	account := ledger.Address(c.Query("account"))
	asset := ledger.AssetID(c.Query("asset"))
	if !account.Valid() || !asset.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account and asset query parameters required"})
		return
	}
	ann, ok := s.engine.AnnouncedWithdraw(account, asset)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no withdrawal announced"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"announced_at": ann.Timestamp, "amount": ann.Amount})
}

func (s *Server) getBalance(c *gin.Context) {
	account := ledger.Address(c.Param("account"))
	asset := ledger.AssetID(c.Param("asset"))
	if !account.Valid() || !asset.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed account or asset"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"account": string(account),
		"asset":   string(asset),
		"balance": s.engine.Balance(account, asset),
	})
}

func (s *Server) getWhitelisted(c *gin.Context) {
	tier, err := strconv.Atoi(c.Param("tier"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed tier"})
		return
	}
	asset := ledger.AssetID(c.Param("asset"))
	c.JSON(http.StatusOK, gin.H{
		"asset":       string(asset),
		"tier":        tier,
		"whitelisted": s.engine.IsWhitelisted(asset, broker.WhitelistTier(tier)),
	})
}

// --- admin ---------------------------------------------------------

func (s *Server) freeze(c *gin.Context) {
	if err := s.engine.FreezeTrading(auth(c)); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": string(s.engine.State())})
}

func (s *Server) unfreeze(c *gin.Context) {
	if err := s.engine.UnfreezeTrading(auth(c)); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": string(s.engine.State())})
}

type announceDelayRequest struct {
	Delay int64 `json:"delay"`
}

func (s *Server) setAnnounceDelay(c *gin.Context) {
	var req announceDelayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.SetAnnounceDelay(auth(c), req.Delay); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"delay": req.Delay})
}

type addressRequest struct {
	Address string `json:"address" binding:"required"`
}

func (s *Server) setCoordinator(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.SetCoordinatorAddress(auth(c), ledger.Address(req.Address)); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": req.Address})
}

func (s *Server) setWithdrawCoordinator(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.SetWithdrawCoordinatorAddress(auth(c), ledger.Address(req.Address)); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": req.Address})
}

func (s *Server) setFeeAddress(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.SetFeeAddress(auth(c), ledger.Address(req.Address)); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": req.Address})
}

type whitelistRequest struct {
	Action string `json:"action" binding:"required"`
	Tier   int    `json:"tier"`
	Asset  string `json:"asset"`
}

func (s *Server) whitelist(c *gin.Context) {
	var req whitelistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tier := broker.WhitelistTier(req.Tier)
	asset := ledger.AssetID(req.Asset)

	var err error
	switch req.Action {
	case "add":
		err = s.engine.AddToWhitelist(auth(c), asset, tier)
	case "remove":
		err = s.engine.RemoveFromWhitelist(auth(c), asset, tier)
	case "seal":
		err = s.engine.SealWhitelist(auth(c), tier)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action must be add, remove or seal"})
		return
	}
	if err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"action": req.Action, "tier": req.Tier})
}

func (s *Server) arbitraryInvoke(c *gin.Context) {
	if err := s.engine.SetArbitraryInvokeAllowed(auth(c)); err != nil {
		s.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbitrary_invoke_allowed": true})
}
