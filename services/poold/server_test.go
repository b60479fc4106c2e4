package poold

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"icopool/core/events"
	"icopool/gateway/middleware"
	"icopool/native/pool"
	"icopool/native/token"
	"icopool/storage/journal"
)

const (
	testStart  = int64(1_700_000_000)
	testSecret = "0123456789abcdef0123"
)

var (
	poolAddr     = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	tokenAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	adminAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	managerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	icoAddr      = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	paybotAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	strangerAddr = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	investorAddr = common.HexToAddress("0x0000000000000000000000000000000000000c01")
)

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
}

type harness struct {
	t        *testing.T
	now      int64
	pool     *pool.Pool
	ether    *token.Ledger
	token    *token.Ledger
	journal  *journal.Journal
	recorder *events.Recorder
	server   *Server
	handler  http.Handler
}

func newHarness(t *testing.T, auth middleware.AuthConfig) *harness {
	t.Helper()
	h := &harness{t: t, now: testStart, recorder: &events.Recorder{}}
	var err error
	h.ether, err = token.NewLedger("ETH", common.Address{}, nil)
	require.NoError(t, err)
	h.token, err = token.NewLedger("TKN", tokenAddr, nil)
	require.NoError(t, err)
	require.NoError(t, h.ether.Mint(investorAddr, ether(10)))
	require.NoError(t, h.token.Mint(icoAddr, ether(10)))

	gdb, err := journal.Open("sqlite", "")
	require.NoError(t, err)
	h.journal, err = journal.New(gdb, poolAddr.Hex(), nil)
	require.NoError(t, err)

	hub := NewHub(nil)
	h.pool, err = pool.New(pool.Config{
		Address:          poolAddr,
		Deployer:         adminAddr,
		PoolManager:      managerAddr,
		ICOManager:       icoAddr,
		Paybot:           paybotAddr,
		Periods:          pool.Periods{Raising: 10 * 86400, ICO: 15 * 86400, Distribution: 30 * 86400},
		MinimumFund:      ether(1),
		MaximumFund:      ether(100),
		MinimumDeposit:   new(uint256.Int).Div(ether(1), uint256.NewInt(20)),
		AdminShare:       new(uint256.Int).Div(ether(1), uint256.NewInt(100)),
		PoolManagerShare: new(uint256.Int).Div(ether(4), uint256.NewInt(100)),
	}, h.token, h.ether,
		pool.WithNowFunc(func() int64 { return h.now }),
		pool.WithEmitter(events.Multi{h.journal, h.recorder, hub}))
	require.NoError(t, err)

	h.server, err = NewServer(ServerConfig{
		Pool:    h.pool,
		Ether:   h.ether,
		Token:   h.token,
		Journal: h.journal,
		Hub:     hub,
		Auth:    auth,
	})
	require.NoError(t, err)
	h.handler = h.server.Handler()
	return h
}

func (h *harness) do(method, path string, caller common.Address, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != (common.Address{}) {
		req.Header.Set(CallerHeader, caller.Hex())
	}
	res := httptest.NewRecorder()
	h.handler.ServeHTTP(res, req)
	return res
}

func (h *harness) post(path string, caller common.Address, body interface{}) *httptest.ResponseRecorder {
	return h.do(http.MethodPost, path, caller, body)
}

func decode[T any](t *testing.T, res *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func TestPoolLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})

	res := h.post("/v1/pool/state", managerAddr, map[string]string{"phase": "raising"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, "raising", decode[map[string]string](t, res)["phase"])

	res = h.post("/v1/pool/pay", investorAddr, map[string]string{"amount": ether(2).Dec()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.post("/v1/pool/state", strangerAddr, map[string]string{"phase": "wait_for_ico"})
	require.Equal(t, http.StatusForbidden, res.Code)

	res = h.do(http.MethodGet, "/v1/pool", common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	summary := decode[summaryResponse](t, res)
	require.Equal(t, "raising", summary.Phase)
	require.Equal(t, ether(2).Dec(), summary.TotalRaised)
	require.Equal(t, poolAddr.Hex(), summary.Address)
	require.Equal(t, tokenAddr.Hex(), summary.Token)
	require.Equal(t, testStart+10*86400, summary.Deadlines.RaisingEnds)
	require.Len(t, summary.Stakeholders, len(pool.StakeholderRoles))

	res = h.post("/v1/pool/state", managerAddr, map[string]string{"phase": "wait_for_ico"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.post("/v1/token/approve", icoAddr, map[string]string{"spender": poolAddr.Hex(), "amount": ether(10).Dec()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = h.post("/v1/pool/tokens/accept", icoAddr, map[string]string{"amount": ether(10).Dec()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.post("/v1/pool/state", icoAddr, map[string]string{"phase": "token_distribution"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.post("/v1/pool/receive", investorAddr, map[string]string{"value": "0"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	claim := decode[receiveResponse](t, res)
	require.Equal(t, "claim", claim.Action)
	require.Equal(t, ether(10).Dec(), claim.Token)

	res = h.do(http.MethodGet, "/v1/pool/balances/"+investorAddr.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	balances := decode[balancesResponse](t, res)
	require.Equal(t, ether(10).Dec(), balances.Token)
	require.Equal(t, "0", balances.ClaimableToken)

	res = h.do(http.MethodGet, "/v1/pool/events?type="+pool.EventTypeContributed, common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	entries := decode[[]eventResponse](t, res)
	require.Len(t, entries, 1)
	require.Equal(t, investorAddr.Hex(), entries[0].Attributes["investor"])

	res = h.do(http.MethodGet, "/v1/pool/roles/"+icoAddr.Hex(), common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "ico_manager", decode[roleResponse](t, res).Role)
}

func TestErrorStatusMapping(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})

	res := h.post("/v1/pool/pay", investorAddr, map[string]string{"amount": ether(1).Dec()})
	require.Equal(t, http.StatusConflict, res.Code, "contribution before raising")

	require.Equal(t, http.StatusOK, h.post("/v1/pool/state", managerAddr, map[string]string{"phase": "raising"}).Code)

	res = h.post("/v1/pool/pay", investorAddr, map[string]string{"amount": "1"})
	require.Equal(t, http.StatusUnprocessableEntity, res.Code, "below minimum deposit")

	res = h.post("/v1/pool/pay", investorAddr, map[string]string{"amount": "lots"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.post("/v1/pool/pay", common.Address{}, map[string]string{"amount": ether(1).Dec()})
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = h.post("/v1/pool/state", managerAddr, map[string]string{"phase": "someday"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.post("/v1/pool/state", managerAddr, map[string]string{"phase": "raising", "extra": "x"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.post("/v1/pool/stakeholders/release-force", adminAddr, map[string]string{"role": "nobody", "amount": "1"})
	require.Equal(t, http.StatusBadRequest, res.Code)

	res = h.post("/v1/pool/state", managerAddr, map[string]string{"phase": "token_distribution"})
	require.Equal(t, http.StatusConflict, res.Code)

	res = h.do(http.MethodGet, "/v1/pool/balances/not-an-address", common.Address{}, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestExecuteRequiresDeprecatedPool(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	data := hexutil.Encode([]byte{0xde, 0xad})

	res := h.post("/v1/pool/execute", adminAddr, map[string]string{"target": strangerAddr.Hex(), "value": "0", "data": data})
	require.Equal(t, http.StatusConflict, res.Code, res.Body.String())

	res = h.post("/v1/pool/execute", adminAddr, map[string]string{"target": strangerAddr.Hex(), "data": "zz"})
	require.Equal(t, http.StatusBadRequest, res.Code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		pool.ErrUnauthorized:            http.StatusForbidden,
		pool.ErrWrongPhase:              http.StatusConflict,
		pool.ErrInvalidTransition:       http.StatusConflict,
		pool.ErrInsufficientEntitlement: http.StatusUnprocessableEntity,
		pool.ErrFundCapExceeded:         http.StatusUnprocessableEntity,
		pool.ErrAllowanceExceeded:       http.StatusUnprocessableEntity,
		pool.ErrUnsupportedCall:         http.StatusBadRequest,
		pool.ErrTransferFailed:          http.StatusBadGateway,
		jwt.ErrTokenMalformed:           http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("%v: expected %d got %d", err, want, got)
		}
	}
}

func TestAuthenticatedWrites(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{Enabled: true, HMACSecret: testSecret})

	res := h.post("/v1/pool/state", managerAddr, map[string]string{"phase": "raising"})
	require.Equal(t, http.StatusUnauthorized, res.Code, "header identity is ignored when auth is on")

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": managerAddr.Hex(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]string{"phase": "raising"})
	req := httptest.NewRequest(http.MethodPost, "/v1/pool/state", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signed)
	out := httptest.NewRecorder()
	h.handler.ServeHTTP(out, req)
	require.Equal(t, http.StatusOK, out.Code, out.Body.String())
	require.Equal(t, pool.PhaseRaising, h.pool.State())

	res = h.do(http.MethodGet, "/v1/pool", common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code, "reads stay public")
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	res := h.do(http.MethodGet, "/healthz", common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
	res = h.do(http.MethodGet, "/metrics", common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestEventsExportParquet(t *testing.T) {
	h := newHarness(t, middleware.AuthConfig{})
	res := h.post("/v1/pool/state", managerAddr, map[string]string{"phase": "raising"})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	res = h.post("/v1/pool/pay", investorAddr, map[string]string{"amount": ether(2).Dec()})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = h.do(http.MethodGet, "/v1/pool/events/export?type="+pool.EventTypeContributed, common.Address{}, nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, journal.ParquetContentType, res.Header().Get("Content-Type"))
	body := res.Body.Bytes()
	require.True(t, bytes.HasPrefix(body, []byte("PAR1")))
	require.True(t, bytes.HasSuffix(body, []byte("PAR1")))

	res = h.do(http.MethodGet, "/v1/pool/events/export?limit=-1", common.Address{}, nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}
