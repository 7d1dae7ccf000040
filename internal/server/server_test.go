package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerd/internal/broker"
	"brokerd/internal/ledger"
	"brokerd/internal/observability"
	"brokerd/internal/settle"
	"brokerd/internal/store"
)

var testSecret = []byte("test-secret")

var (
	owner       = ledger.Address(strings.Repeat("a", 40))
	contract    = ledger.Address(strings.Repeat("b", 40))
	coordinator = ledger.Address(strings.Repeat("c", 40))
	withdrawer  = ledger.Address(strings.Repeat("d", 40))
	feeAddr     = ledger.Address(strings.Repeat("e", 40))
	alice       = ledger.Address(strings.Repeat("1", 40))
	assetA      = ledger.AssetID(strings.Repeat("1", 64))
	assetB      = ledger.AssetID(strings.Repeat("2", 64))
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	engine := broker.New(broker.Config{
		Store:           store.NewMemory(),
		Tokens:          settle.NewMemoryTokens(),
		Owner:           owner,
		ContractAddress: contract,
		Logger:          observability.NewLoggerWithLevel("broker", zerolog.Disabled),
	})
	return New(Config{
		Broker:    engine,
		JWTSecret: testSecret,
		Health:    observability.NewHealthChecker(),
		Logger:    observability.NewLoggerWithLevel("server", zerolog.Disabled),
	})
}

// do sends a JSON request carrying one witness token per signer.
func do(t *testing.T, s *Server, method, path string, body interface{}, signers ...ledger.Address) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for _, signer := range signers {
		token, err := SignWitness(testSecret, signer)
		require.NoError(t, err)
		req.Header.Add("X-Witness-Token", token)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func initialize(t *testing.T, s *Server) {
	t.Helper()
	w := do(t, s, http.MethodPost, "/v1/initialize", gin.H{
		"fee_address":          string(feeAddr),
		"coordinator":          string(coordinator),
		"withdraw_coordinator": string(withdrawer),
	}, owner)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func deposit(t *testing.T, s *Server, account ledger.Address, asset ledger.AssetID, amount int64) {
	t.Helper()
	w := do(t, s, http.MethodPost, "/v1/deposit", gin.H{
		"request_id": "fund-" + string(account[:4]) + string(asset[:4]),
		"account":    string(account),
		"asset":      string(asset),
		"amount":     amount,
	}, account, coordinator)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInitializeAndState(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state":"pending"}`, w.Body.String())

	initialize(t, s)

	w = do(t, s, http.MethodGet, "/v1/state", nil)
	assert.JSONEq(t, `{"state":"active"}`, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cfg map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, string(coordinator), cfg["coordinator"])
	assert.Equal(t, false, cfg["arbitrary_invoke_allowed"])
}

func TestInitializeWithoutOwnerForbidden(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodPost, "/v1/initialize", gin.H{
		"fee_address":          string(feeAddr),
		"coordinator":          string(coordinator),
		"withdraw_coordinator": string(withdrawer),
	}, coordinator)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRejectsForgedWitnessToken(t *testing.T) {
	s := newTestServer(t)

	forged, err := SignWitness([]byte("wrong-secret"), owner)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	req.Header.Add("X-Witness-Token", forged)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDepositAndBalance(t *testing.T) {
	s := newTestServer(t)
	initialize(t, s)
	deposit(t, s, alice, assetA, 500)

	w := do(t, s, http.MethodGet, "/v1/balances/"+string(alice)+"/"+string(assetA), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Balance int64 `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(500), resp.Balance)
}

func TestDuplicateDepositConflict(t *testing.T) {
	s := newTestServer(t)
	initialize(t, s)

	body := gin.H{
		"request_id": "dup-1",
		"account":    string(alice),
		"asset":      string(assetA),
		"amount":     10,
	}
	w := do(t, s, http.MethodPost, "/v1/deposit", body, alice, coordinator)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/v1/deposit", body, alice, coordinator)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOfferLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)
	initialize(t, s)
	deposit(t, s, alice, assetA, 100)

	w := do(t, s, http.MethodPost, "/v1/offers", gin.H{
		"maker":        string(alice),
		"offer_asset":  string(assetA),
		"offer_amount": 100,
		"want_asset":   string(assetB),
		"want_amount":  50,
		"nonce":        "n-1",
	}, alice, coordinator)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		OfferHash string `json:"offer_hash"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Len(t, created.OfferHash, 64)

	w = do(t, s, http.MethodGet, "/v1/offers/"+created.OfferHash, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var offer broker.Offer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &offer))
	assert.Equal(t, int64(100), offer.AvailableAmount)

	w = do(t, s, http.MethodPost, "/v1/offers/cancel", gin.H{
		"offer_hash": created.OfferHash,
	}, alice, coordinator)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/offers/"+created.OfferHash, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFillRejectionCarriesReason(t *testing.T) {
	s := newTestServer(t)
	initialize(t, s)

	missing := strings.Repeat("f", 64)
	w := do(t, s, http.MethodPost, "/v1/offers/fill", gin.H{
		"filler":         string(alice),
		"offer_hash":     missing,
		"amount_to_take": 10,
		"fee_asset":      string(assetA),
	}, alice, coordinator)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var resp struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "offer-not-found", resp.Reason)
}

func TestWithdrawStageValidation(t *testing.T) {
	s := newTestServer(t)
	initialize(t, s)
	deposit(t, s, alice, assetA, 100)

	w := do(t, s, http.MethodPost, "/v1/withdrawals", gin.H{
		"stage":   "teleport",
		"account": string(alice),
		"asset":   string(assetA),
		"amount":  10,
	}, withdrawer)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/v1/withdrawals", gin.H{
		"stage":   "reserve",
		"account": string(alice),
		"asset":   string(assetA),
		"amount":  10,
	}, withdrawer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/v1/withdrawals", gin.H{
		"stage":   "execute",
		"account": string(alice),
		"asset":   string(assetA),
	}, withdrawer)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAdminFreeze(t *testing.T) {
	s := newTestServer(t)
	initialize(t, s)

	w := do(t, s, http.MethodPost, "/v1/admin/freeze", nil, owner)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodPost, "/v1/admin/freeze", nil, owner, coordinator)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"state":"inactive"}`, w.Body.String())
}

func TestWhitelistAdmin(t *testing.T) {
	s := newTestServer(t)
	initialize(t, s)
	token := strings.Repeat("3", 40)

	w := do(t, s, http.MethodPost, "/v1/admin/whitelist", gin.H{
		"action": "add", "tier": 1, "asset": token,
	}, owner)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/whitelist/1/"+token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Whitelisted bool `json:"whitelisted"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Whitelisted)

	w = do(t, s, http.MethodPost, "/v1/admin/whitelist", gin.H{
		"action": "seal", "tier": 1,
	}, owner)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodPost, "/v1/admin/whitelist", gin.H{
		"action": "add", "tier": 1, "asset": strings.Repeat("4", 40),
	}, owner)
	assert.Equal(t, http.StatusConflict, w.Code)
}
