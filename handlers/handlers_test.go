package handlers_test

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/DemocracyEarth/ubi-ledger/db"
	"github.com/DemocracyEarth/ubi-ledger/engine"
	"github.com/DemocracyEarth/ubi-ledger/handlers"
	"github.com/DemocracyEarth/ubi-ledger/logger"
	"github.com/DemocracyEarth/ubi-ledger/registry"
	"github.com/DemocracyEarth/ubi-ledger/repository"
	"github.com/DemocracyEarth/ubi-ledger/routers"
)

const adminToken = "test-admin-token"

type fakeClock struct {
	now int64
}

func (c *fakeClock) Now() int64 { return c.now }

func testServer(t *testing.T) (*mux.Router, *fakeClock) {
	t.Helper()
	logger.Logger = zap.NewNop()

	ldb, err := db.NewLevelDB(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(func() { ldb.Close() })

	repo := repository.NewLedgerRepository(ldb)
	reg := registry.NewStatic([]string{"alice", "bob"})
	clock := &fakeClock{now: 1700000000}
	eng := engine.NewEngine(repo, reg, clock, engine.Config{
		RatePerSecond:  big.NewInt(10),
		MaxDelegations: 8,
	})
	handler := handlers.NewHandler(eng, reg, adminToken)
	router := mux.NewRouter()
	routers.RegisterRoutes(router, handler)
	return router, clock
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	return res
}

func decode(t *testing.T, res *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v, body: %s", err, res.Body.String())
	}
	return body
}

func TestStartAccruing_SuccessAndDuplicate(t *testing.T) {
	router, _ := testServer(t)

	res := doJSON(t, router, http.MethodPost, "/accounts/alice/accrue", nil, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body: %s", res.Code, res.Body.String())
	}

	res = doJSON(t, router, http.MethodPost, "/accounts/alice/accrue", nil, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409 on duplicate, got %d", res.Code)
	}
	if kind := decode(t, res)["kind"]; kind != "AlreadyAccruing" {
		t.Fatalf("expected kind AlreadyAccruing, got %v", kind)
	}
}

func TestStartAccruing_Unverified(t *testing.T) {
	router, _ := testServer(t)

	res := doJSON(t, router, http.MethodPost, "/accounts/mallory/accrue", nil, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body: %s", res.Code, res.Body.String())
	}
	if kind := decode(t, res)["kind"]; kind != "NotVerified" {
		t.Fatalf("expected kind NotVerified, got %v", kind)
	}
}

func TestAccruedAndBalanceEndpoints(t *testing.T) {
	router, clock := testServer(t)

	doJSON(t, router, http.MethodPost, "/accounts/alice/accrue", nil, nil)
	clock.now += 3600

	res := doJSON(t, router, http.MethodGet, "/accounts/alice/accrued", nil, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
	if accrued := decode(t, res)["accrued"]; accrued != float64(36000) {
		t.Fatalf("expected accrued 36000, got %v", accrued)
	}

	res = doJSON(t, router, http.MethodGet, "/accounts/alice/balance", nil, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if balance := decode(t, res)["balance"]; balance != float64(36000) {
		t.Fatalf("expected balance 36000, got %v", balance)
	}
}

func TestTransferEndpoint(t *testing.T) {
	router, clock := testServer(t)

	doJSON(t, router, http.MethodPost, "/accounts/alice/accrue", nil, nil)
	clock.now += 100

	res := doJSON(t, router, http.MethodPost, "/transfers", map[string]string{
		"from": "alice", "to": "carol", "amount": "600",
	}, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}

	res = doJSON(t, router, http.MethodGet, "/accounts/carol/balance", nil, nil)
	if balance := decode(t, res)["balance"]; balance != float64(600) {
		t.Fatalf("expected carol balance 600, got %v", balance)
	}

	// overdraw surfaces the stable kind
	res = doJSON(t, router, http.MethodPost, "/transfers", map[string]string{
		"from": "alice", "to": "carol", "amount": "99999",
	}, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}
	if kind := decode(t, res)["kind"]; kind != "InsufficientBalance" {
		t.Fatalf("expected kind InsufficientBalance, got %v", kind)
	}
}

func TestDelegationLifecycleOverHTTP(t *testing.T) {
	router, clock := testServer(t)
	start := clock.now

	doJSON(t, router, http.MethodPost, "/accounts/alice/accrue", nil, nil)

	res := doJSON(t, router, http.MethodPost, "/delegations", map[string]interface{}{
		"sender":          "alice",
		"recipient":       "carol",
		"rate_per_second": "5",
		"start":           start + 10,
		"stop":            start + 1010,
		"cancellable":     true,
	}, nil)
	if res.Code != http.StatusCreated {
		t.Fatalf("create failed, code=%d body=%s", res.Code, res.Body.String())
	}
	id := decode(t, res)["id"]
	if id != float64(1) {
		t.Fatalf("expected first delegation id 1, got %v", id)
	}

	res = doJSON(t, router, http.MethodGet, "/delegations/1", nil, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if status := decode(t, res)["status"]; status != "active" {
		t.Fatalf("expected status active, got %v", status)
	}

	clock.now += 510 // 500 seconds into the window

	res = doJSON(t, router, http.MethodGet, "/delegations/1/balance", nil, nil)
	if balance := decode(t, res)["balance"]; balance != float64(2500) {
		t.Fatalf("expected delegation balance 2500, got %v", balance)
	}

	res = doJSON(t, router, http.MethodPost, "/delegations/withdraw", map[string]interface{}{
		"caller": "carol",
		"ids":    []uint64{1},
	}, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("withdraw failed, code=%d body=%s", res.Code, res.Body.String())
	}

	res = doJSON(t, router, http.MethodGet, "/delegations/1/balance", nil, nil)
	if balance := decode(t, res)["balance"]; balance != float64(0) {
		t.Fatalf("expected zero after withdraw-all, got %v", balance)
	}

	res = doJSON(t, router, http.MethodPost, "/delegations/1/cancel", map[string]string{
		"caller": "alice",
	}, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("cancel failed, code=%d body=%s", res.Code, res.Body.String())
	}

	res = doJSON(t, router, http.MethodGet, "/delegations/1", nil, nil)
	if status := decode(t, res)["status"]; status != "cancelled" {
		t.Fatalf("expected status cancelled, got %v", status)
	}
}

func TestWithdrawUnauthorizedOverHTTP(t *testing.T) {
	router, clock := testServer(t)
	start := clock.now

	doJSON(t, router, http.MethodPost, "/accounts/alice/accrue", nil, nil)
	doJSON(t, router, http.MethodPost, "/delegations", map[string]interface{}{
		"sender":          "alice",
		"recipient":       "carol",
		"rate_per_second": "5",
		"start":           start + 10,
		"stop":            start + 1010,
		"cancellable":     true,
	}, nil)
	clock.now += 100

	res := doJSON(t, router, http.MethodPost, "/delegations/withdraw", map[string]interface{}{
		"caller": "bob",
		"ids":    []uint64{1},
	}, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d, body: %s", res.Code, res.Body.String())
	}
	if kind := decode(t, res)["kind"]; kind != "Unauthorized" {
		t.Fatalf("expected kind Unauthorized, got %v", kind)
	}
}

func TestCapacityConflictOverHTTP(t *testing.T) {
	router, clock := testServer(t)
	start := clock.now

	doJSON(t, router, http.MethodPost, "/accounts/alice/accrue", nil, nil)

	mk := func(recipient string, s, e int64) *httptest.ResponseRecorder {
		return doJSON(t, router, http.MethodPost, "/delegations", map[string]interface{}{
			"sender":          "alice",
			"recipient":       recipient,
			"rate_per_second": "10",
			"start":           s,
			"stop":            e,
			"cancellable":     true,
		}, nil)
	}

	if res := mk("carol", start+60, start+3660); res.Code != http.StatusCreated {
		t.Fatalf("first delegation failed: %d %s", res.Code, res.Body.String())
	}
	res := mk("dave", start+1800, start+5400)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d, body: %s", res.Code, res.Body.String())
	}
	if kind := decode(t, res)["kind"]; kind != "InsufficientCapacity" {
		t.Fatalf("expected kind InsufficientCapacity, got %v", kind)
	}
}

func TestAdminEndpointsRequireToken(t *testing.T) {
	router, _ := testServer(t)

	res := doJSON(t, router, http.MethodPut, "/admin/max-delegations", map[string]int{"max": 4}, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", res.Code)
	}

	res = doJSON(t, router, http.MethodPut, "/admin/max-delegations", map[string]int{"max": 4},
		map[string]string{"X-Admin-Token": adminToken})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestRegistryEndpointsDriveVerification(t *testing.T) {
	router, _ := testServer(t)
	auth := map[string]string{"X-Admin-Token": adminToken}

	// dave is unknown to the oracle, so accrual is rejected
	res := doJSON(t, router, http.MethodPost, "/accounts/dave/accrue", nil, nil)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", res.Code)
	}

	if res := doJSON(t, router, http.MethodPut, "/registry/dave", nil, auth); res.Code != http.StatusOK {
		t.Fatalf("registry add failed: %d", res.Code)
	}
	if res := doJSON(t, router, http.MethodPost, "/accounts/dave/accrue", nil, nil); res.Code != http.StatusCreated {
		t.Fatalf("expected 201 after verification, got %d, body: %s", res.Code, res.Body.String())
	}

	// removal makes dave reportable
	if res := doJSON(t, router, http.MethodDelete, "/registry/dave", nil, auth); res.Code != http.StatusOK {
		t.Fatalf("registry remove failed: %d", res.Code)
	}
	res = doJSON(t, router, http.MethodPost, "/accounts/dave/report", map[string]string{"reporter": "alice"}, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body: %s", res.Code, res.Body.String())
	}
}

func TestEventsEndpoint(t *testing.T) {
	router, clock := testServer(t)

	doJSON(t, router, http.MethodPost, "/accounts/alice/accrue", nil, nil)
	clock.now += 60
	doJSON(t, router, http.MethodPost, "/transfers", map[string]string{
		"from": "alice", "to": "carol", "amount": "100",
	}, nil)

	res := doJSON(t, router, http.MethodGet, "/events", nil, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	events, ok := decode(t, res)["events"].([]interface{})
	if !ok || len(events) != 2 {
		t.Fatalf("expected 2 events, got %v", res.Body.String())
	}
	first, _ := events[0].(map[string]interface{})
	if first["type"] != "accrual_started" {
		t.Fatalf("expected first event accrual_started, got %v", first["type"])
	}
}

func TestUnknownDelegationIs404(t *testing.T) {
	router, _ := testServer(t)

	res := doJSON(t, router, http.MethodGet, "/delegations/42", nil, nil)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
	if kind := decode(t, res)["kind"]; kind != "NotFound" {
		t.Fatalf("expected kind NotFound, got %v", kind)
	}
}
