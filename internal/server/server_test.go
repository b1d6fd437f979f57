package server

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2pramp/internal/auth"
	"github.com/mbd888/p2pramp/internal/chain"
	"github.com/mbd888/p2pramp/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var (
	relayAddr = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	userAddr  = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	oneBNB    = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// fakeChain implements relay.Chain for testing
type fakeChain struct {
	mu        sync.Mutex
	native    *big.Int
	allowance *big.Int
	transfers []*big.Int
	pulls     []common.Address // recipients of TransferFrom
}

func (f *fakeChain) Address() common.Address       { return relayAddr }
func (f *fakeChain) TokenContract() common.Address { return common.HexToAddress(config.DefaultTokenContract) }

func (f *fakeChain) NativeBalance(ctx context.Context, addr common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.native)
}

func (f *fakeChain) TokenBalance(ctx context.Context, addr common.Address) *big.Int {
	return new(big.Int).Mul(oneBNB, big.NewInt(1000))
}

func (f *fakeChain) Allowance(ctx context.Context, owner, spender common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allowance == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(f.allowance)
}

func (f *fakeChain) Transfer(ctx context.Context, to common.Address, amount *big.Int) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append(f.transfers, amount)
	return &chain.TxResult{TxHash: "0xsettled", From: relayAddr.Hex(), To: to.Hex()}, nil
}

func (f *fakeChain) TransferFrom(ctx context.Context, from, to common.Address, amount *big.Int) (*chain.TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, to)
	return &chain.TxResult{TxHash: "0xpulled"}, nil
}

func (f *fakeChain) SendNative(ctx context.Context, to common.Address, amount *big.Int) (*chain.TxResult, error) {
	return &chain.TxResult{TxHash: "0xgas"}, nil
}

func (f *fakeChain) TxStatus(ctx context.Context, txHash string) (chain.TxState, error) {
	return chain.TxConfirmed, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Port = "0"
	cfg.LogLevel = "error"
	cfg.RPCURLs = []string{"http://127.0.0.1:1"}
	cfg.RelayPrivateKey = "0000000000000000000000000000000000000000000000000000000000000001"
	cfg.WalletAuth = "header"
	cfg.AdminSecret = "s3cret"
	return cfg
}

// newTestServer creates a server with a fake chain and in-memory storage
func newTestServer(t *testing.T, fc *fakeChain) *Server {
	t.Helper()
	s, err := New(testConfig(), WithChain(fc))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() {
		s.rateLimiter.Stop()
		s.fundLimiter.Stop()
	})
	return s
}

func funded() *fakeChain {
	return &fakeChain{native: new(big.Int).Set(oneBNB)}
}

func do(s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON %q: %v", w.Body.String(), err)
	}
	return out
}

var (
	asUser  = map[string]string{auth.HeaderWalletAddress: userAddr}
	asAdmin = map[string]string{auth.HeaderAdminSecret: "s3cret"}
)

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, funded())

	w := do(s, "GET", "/health", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}
	checks, _ := body["checks"].([]interface{})
	if len(checks) != 2 {
		t.Errorf("Expected rpc and relay checks, got %v", checks)
	}
}

func TestHealthEndpoint_RelayNotReady(t *testing.T) {
	s := newTestServer(t, &fakeChain{native: new(big.Int)})

	w := do(s, "GET", "/health", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", w.Code)
	}
	if decode(t, w)["status"] != "degraded" {
		t.Error("Expected degraded status")
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t, funded())

	if w := do(s, "GET", "/health/live", nil, nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t, funded())

	// Not ready until Run
	if w := do(s, "GET", "/health/ready", nil, nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", w.Code)
	}
	s.ready.Store(true)
	if w := do(s, "GET", "/health/ready", nil, nil); w.Code != http.StatusOK {
		t.Errorf("Expected 200 when ready, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, funded())

	w := do(s, "GET", "/metrics", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("p2pramp_")) {
		t.Error("Expected p2pramp metrics in output")
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, funded())

	w := do(s, "GET", "/health/live", nil, map[string]string{"X-Request-ID": "req-123"})
	if got := w.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("Expected request id to be echoed, got %q", got)
	}
	w = do(s, "GET", "/health/live", nil, nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected a generated request id")
	}
}

func TestGasStationStatus(t *testing.T) {
	s := newTestServer(t, funded())

	w := do(s, "GET", "/v1/gas-station/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	status, _ := decode(t, w)["status"].(map[string]interface{})
	if status["ready"] != true || status["chainId"] != float64(56) {
		t.Errorf("Unexpected status: %v", status)
	}
}

func TestOrderRoutesRequireWallet(t *testing.T) {
	s := newTestServer(t, funded())

	w := do(s, "GET", "/v1/orders", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	s := newTestServer(t, funded())

	for _, path := range []string{"/v1/admin/orders", "/v1/admin/rpc/endpoints", "/v1/admin/feed/stats"} {
		if w := do(s, "GET", path, nil, nil); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
		if w := do(s, "GET", path, nil, asAdmin); w.Code != http.StatusOK {
			t.Errorf("%s: expected 200 with secret, got %d", path, w.Code)
		}
	}
}

func TestRPCEndpointsSnapshot(t *testing.T) {
	s := newTestServer(t, funded())

	w := do(s, "GET", "/v1/admin/rpc/endpoints", nil, asAdmin)
	body := decode(t, w)
	if body["healthy"] != true {
		t.Errorf("Expected healthy pool, got %v", body["healthy"])
	}
	eps, _ := body["endpoints"].([]interface{})
	if len(eps) != 1 {
		t.Fatalf("Expected 1 endpoint, got %v", body["endpoints"])
	}
	if ep := eps[0].(map[string]interface{}); ep["url"] != "http://127.0.0.1:1" || ep["state"] != "closed" {
		t.Errorf("Unexpected endpoint %v", ep)
	}
}

func TestBuyOrderSettlesThroughRelay(t *testing.T) {
	fc := funded()
	s := newTestServer(t, fc)

	w := do(s, "POST", "/v1/orders", map[string]string{
		"kind": "BUY_UPI", "tokenAmount": "2.5", "rate": "85.60",
	}, asUser)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	id := decode(t, w)["order"].(map[string]interface{})["id"].(string)

	steps := []struct {
		path    string
		body    map[string]string
		headers map[string]string
	}{
		{"/v1/admin/orders/" + id, map[string]string{"action": "set_payment_details", "paymentIdentifier": "desk@upi"}, asAdmin},
		{"/v1/orders/" + id, map[string]string{"action": "submit_proof", "proofReference": "UTR42"}, asUser},
		{"/v1/admin/orders/" + id, map[string]string{"action": "confirm"}, asAdmin},
	}
	for _, st := range steps {
		w = do(s, "PATCH", st.path, st.body, st.headers)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", st.body["action"], w.Code, w.Body.String())
		}
	}

	body := decode(t, w)
	if body["txHash"] != "0xsettled" {
		t.Errorf("Expected relay tx hash, got %v", body["txHash"])
	}
	if body["order"].(map[string]interface{})["status"] != "COMPLETED" {
		t.Errorf("Expected COMPLETED, got %v", body["order"])
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.transfers) != 1 {
		t.Fatalf("Expected 1 transfer, got %d", len(fc.transfers))
	}
	want, _ := new(big.Int).SetString("2500000000000000000", 10)
	if fc.transfers[0].Cmp(want) != 0 {
		t.Errorf("Transfer amount = %s, want %s", fc.transfers[0], want)
	}
}

func TestGasStationSellRequiresOwnWallet(t *testing.T) {
	fc := funded()
	fc.allowance = new(big.Int).Mul(oneBNB, big.NewInt(1000))
	s := newTestServer(t, fc)
	body := map[string]interface{}{
		"chainId":      56,
		"userAddress":  userAddr,
		"adminAddress": "0x9999999999999999999999999999999999999999",
		"amount":       "100",
	}

	if w := do(s, "POST", "/v1/gas-station/sell", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated: expected 401, got %d %s", w.Code, w.Body.String())
	}

	other := map[string]string{auth.HeaderWalletAddress: "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"}
	if w := do(s, "POST", "/v1/gas-station/sell", body, other); w.Code != http.StatusForbidden {
		t.Errorf("other wallet: expected 403, got %d %s", w.Code, w.Body.String())
	}

	fc.mu.Lock()
	pulled := len(fc.pulls)
	fc.mu.Unlock()
	if pulled != 0 {
		t.Fatalf("Expected no transferFrom, got %d", pulled)
	}

	// The owner may sell, but only to the configured counterparty.
	w := do(s, "POST", "/v1/gas-station/sell", body, asUser)
	if w.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d %s", w.Code, w.Body.String())
	}
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.pulls) != 1 || fc.pulls[0] == common.HexToAddress("0x9999999999999999999999999999999999999999") {
		t.Errorf("Expected one pull to the configured counterparty, got %v", fc.pulls)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t, funded())

	if w := do(s, "GET", "/nonexistent", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestRelayConfig_InvalidAmount(t *testing.T) {
	cfg := testConfig()
	cfg.RelayMinBalance = "lots"
	if _, err := New(cfg, WithChain(funded())); err == nil {
		t.Error("Expected error for invalid RELAY_MIN_BALANCE")
	}
}

func TestMaskDSN(t *testing.T) {
	got := maskDSN("postgres://ramp:hunter2@db:5432/ramp?sslmode=disable")
	if bytes.Contains([]byte(got), []byte("hunter2")) {
		t.Errorf("password not masked: %s", got)
	}
}
