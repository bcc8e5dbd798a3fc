package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-engine/internal/access"
	"batch-engine/internal/conversion/stub"
	"batch-engine/internal/custody"
	"batch-engine/internal/domain"
	"batch-engine/internal/hotswap"
	"batch-engine/internal/orchestrator"
	"batch-engine/internal/storage/memory"
)

var (
	secret = []byte("test-secret")
	stable = common.HexToAddress("0x5a")
	index  = common.HexToAddress("0x1d")
	vault  = common.HexToAddress("0x10")
	admin  = common.HexToAddress("0xad")
	keeper = common.HexToAddress("0x4e")
	alice  = common.HexToAddress("0xa1")
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

type harness struct {
	srv   *Server
	book  *custody.Book
	clock *testClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	book := custody.NewBook(vault)
	venue := stub.NewVenue(book, vault)
	venue.SetRate(stable, index, decimal.RequireFromString("0.5"))
	venue.SetRate(index, stable, decimal.NewFromInt(2))
	clk := &testClock{t: time.Unix(1_700_000_000, 0)}

	th := domain.ProcessingThresholds{Cooldown: time.Hour, EarlyThreshold: decimal.NewFromInt(1_000_000)}
	engine, err := orchestrator.New(orchestrator.Options{
		Product:    orchestrator.Product{Name: "Butter", Stable: stable, Index: index},
		Controller: common.HexToAddress("0xc0"),
		Store:      memory.NewLedgerStore(),
		Adapter:    venue,
		Oracle:     venue,
		Custody:    book,
		Authorizer: access.NewStaticAuthorizer(map[access.Role][]common.Address{
			access.RoleAdmin:  {admin},
			access.RoleKeeper: {keeper},
		}),
		Config: orchestrator.Config{
			MintThresholds:   th,
			RedeemThresholds: th,
			MintSlippage:     domain.Slippage{Bps: 100},
			RedeemSlippage:   domain.Slippage{Bps: 100},
		},
		Now: clk.now,
	})
	require.NoError(t, err)
	require.NoError(t, engine.Init(context.Background()))

	book.Mint(stable, alice, decimal.NewFromInt(100_000))
	book.Mint(index, alice, decimal.NewFromInt(100_000))

	return &harness{
		srv:   NewServer(Options{Engines: []*orchestrator.Orchestrator{engine}, JWTSecret: secret}),
		book:  book,
		clock: clk,
	}
}

func (h *harness) do(t *testing.T, as common.Address, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != (common.Address{}) {
		token, err := IssueToken(secret, as, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthAndProducts(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, common.Address{}, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, common.Address{}, http.MethodGet, "/v1/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{"Butter"}, got["products"])
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, common.Address{}, http.MethodGet, "/v1/products/Butter/config", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/products/Butter/config", nil)
	bad, err := IssueToken([]byte("other"), alice, time.Minute)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	token, err := IssueToken(secret, alice, -time.Minute)
	require.NoError(t, err)
	_, err = parseToken(secret, token)
	assert.Error(t, err)

	token, err = IssueToken(secret, alice, time.Minute)
	require.NoError(t, err)
	caller, err := parseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, alice, caller)
}

func TestUnknownProduct(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, alice, http.MethodGet, "/v1/products/Nope/config", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDepositProcessClaim(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, alice, http.MethodPost, "/v1/products/Butter/deposits", DepositRequest{Kind: "mint", Amount: decimal.NewFromInt(1000)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	batch := decode[BatchResponse](t, rec)
	assert.Equal(t, domain.BatchKindMint, batch.Kind)
	assert.True(t, batch.SuppliedTotal.Equal(decimal.NewFromInt(1000)))

	path := "/v1/products/Butter/batches/" + batch.ID.Hex() + "/positions/" + alice.Hex()
	rec = h.do(t, alice, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[PositionResponse](t, rec).Shares.Equal(decimal.NewFromInt(1000)))

	rec = h.do(t, keeper, http.MethodPost, "/v1/products/Butter/process", ProcessRequest{Kind: "mint"})
	assert.Equal(t, http.StatusConflict, rec.Code, "cooldown not reached")

	rec = h.do(t, alice, http.MethodPost, "/v1/products/Butter/process", ProcessRequest{Kind: "mint"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	h.clock.t = h.clock.t.Add(time.Hour)
	rec = h.do(t, alice, http.MethodGet, "/v1/products/Butter/eligibility/mint", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	el := decode[EligibilityResponse](t, rec)
	assert.True(t, el.Eligible)
	assert.Equal(t, int64(3600), el.ElapsedSeconds)

	rec = h.do(t, keeper, http.MethodPost, "/v1/products/Butter/process", ProcessRequest{Kind: "mint"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	processed := decode[orchestrator.ProcessResult](t, rec)
	assert.True(t, processed.Output.Equal(decimal.NewFromInt(500)))

	rec = h.do(t, alice, http.MethodGet, "/v1/products/Butter/accounts/"+alice.Hex()+"/claimable/mint", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	claimable := decode[struct {
		Batches []hotswap.Candidate `json:"batches"`
	}](t, rec)
	require.Len(t, claimable.Batches, 1)
	assert.Equal(t, batch.ID, claimable.Batches[0].BatchID)

	rec = h.do(t, alice, http.MethodPost, "/v1/products/Butter/claims", ClaimRequest{BatchID: batch.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	claim := decode[orchestrator.ClaimResult](t, rec)
	assert.True(t, claim.Net.Equal(decimal.NewFromInt(500)))
	assert.True(t, h.book.BalanceOf(index, alice).Equal(decimal.NewFromInt(100_500)))

	rec = h.do(t, alice, http.MethodPost, "/v1/products/Butter/claims", ClaimRequest{BatchID: batch.ID})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestWithdrawMapsErrors(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, alice, http.MethodPost, "/v1/products/Butter/deposits", DepositRequest{Kind: "redeem", Amount: decimal.NewFromInt(300)})
	require.Equal(t, http.StatusOK, rec.Code)
	batch := decode[BatchResponse](t, rec)

	rec = h.do(t, alice, http.MethodPost, "/v1/products/Butter/withdrawals", WithdrawRequest{BatchID: batch.ID, Amount: decimal.NewFromInt(301)})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = h.do(t, alice, http.MethodPost, "/v1/products/Butter/withdrawals", WithdrawRequest{BatchID: batch.ID, Amount: decimal.NewFromInt(100)})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[BatchResponse](t, rec).SuppliedTotal.Equal(decimal.NewFromInt(200)))

	rec = h.do(t, alice, http.MethodPost, "/v1/products/Butter/withdrawals", WithdrawRequest{BatchID: common.HexToHash("0xdead"), Amount: decimal.NewFromInt(1)})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, alice, http.MethodPost, "/v1/products/Butter/deposits", DepositRequest{Kind: "sideways", Amount: decimal.NewFromInt(1)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, alice, http.MethodPost, "/v1/products/Butter/pause", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(t, admin, http.MethodPost, "/v1/products/Butter/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, alice, http.MethodPost, "/v1/products/Butter/deposits", DepositRequest{Kind: "mint", Amount: decimal.NewFromInt(1)})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(t, admin, http.MethodPost, "/v1/products/Butter/unpause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg := ConfigDTO{
		Mint:   KindConfigDTO{CooldownSeconds: 60, EarlyThreshold: decimal.NewFromInt(10), SlippageBps: 50},
		Redeem: KindConfigDTO{CooldownSeconds: 120, EarlyThreshold: decimal.NewFromInt(20), SlippageBps: 70},
	}
	rec = h.do(t, admin, http.MethodPut, "/v1/products/Butter/config", cfg)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[ConfigDTO](t, rec)
	assert.Equal(t, int64(60), got.Mint.CooldownSeconds)
	assert.Equal(t, uint32(70), got.Redeem.SlippageBps)

	rec = h.do(t, admin, http.MethodPut, "/v1/products/Butter/fee", FeeRequest{RateBps: 101, Recipient: admin})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, admin, http.MethodPut, "/v1/products/Butter/fee", FeeRequest{RateBps: 75, Recipient: admin})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, alice, http.MethodGet, "/v1/products/Butter/fee", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "75")
}

func TestHotSwapPlan(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, alice, http.MethodPost, "/v1/products/Butter/deposits", DepositRequest{Kind: "redeem", Amount: decimal.NewFromInt(100)})
	require.Equal(t, http.StatusOK, rec.Code)
	h.clock.t = h.clock.t.Add(time.Hour)
	rec = h.do(t, keeper, http.MethodPost, "/v1/products/Butter/process", ProcessRequest{Kind: "redeem"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	redeemed := decode[orchestrator.ProcessResult](t, rec)

	rec = h.do(t, alice, http.MethodPost, "/v1/products/Butter/hotswap/plan", HotSwapPlanRequest{Target: decimal.NewFromInt(50), IntoMint: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	plan := decode[hotswap.Plan](t, rec)
	require.Equal(t, []domain.BatchID{redeemed.BatchID}, plan.BatchIDs)
	assert.True(t, plan.Shares[0].Equal(decimal.NewFromInt(25)), "shares %s", plan.Shares[0])

	rec = h.do(t, alice, http.MethodPost, "/v1/products/Butter/hotswap", HotSwapRequest{BatchIDs: plan.BatchIDs, Shares: plan.Shares, IntoMint: true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, alice, http.MethodGet, "/v1/products/Butter/batches/current/mint", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[BatchResponse](t, rec).SuppliedTotal.Equal(decimal.NewFromInt(50)))

	rec = h.do(t, alice, http.MethodPost, "/v1/products/Butter/hotswap", HotSwapRequest{BatchIDs: plan.BatchIDs, Shares: nil, IntoMint: true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
