package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/kernel_layer/internal/app/orchestrator"
	"github.com/R3E-Network/kernel_layer/internal/kernel"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.dependencies"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.proposals"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.timelock"
	"github.com/R3E-Network/kernel_layer/packages/com.r3e.kernel.validation"
	"github.com/R3E-Network/kernel_layer/pkg/logger"
	"github.com/R3E-Network/kernel_layer/pkg/testutil"
)

var (
	proxyAddr = kernel.FormatAddress(testutil.Addr(1))
	implAddr  = kernel.FormatAddress(testutil.Addr(3))
)

type recordedRequest struct {
	route  string
	method string
	status int
}

type fakeMetrics struct {
	mu   sync.Mutex
	seen []recordedRequest
}

func (m *fakeMetrics) RecordHTTPRequest(route, method string, status int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen = append(m.seen, recordedRequest{route: route, method: method, status: status})
}

func (m *fakeMetrics) requests() []recordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recordedRequest(nil), m.seen...)
}

type apiFixture struct {
	*testutil.Harness
	server   *Server
	registry *kernel.MemoryRegistry
	metrics  *fakeMetrics
}

func newAPIFixture(t *testing.T, opts Options, checks map[string]HealthCheck) *apiFixture {
	t.Helper()
	h := testutil.NewHarness()
	log := logger.NewDiscard()

	registry := kernel.NewMemoryRegistry(h.Clock)
	require.NoError(t, registry.Register("TRSRY", testutil.Addr(1), testutil.Addr(2), "1.0.0"))

	c := orchestrator.Components{
		Dependencies: dependencies.New(dependencies.NewMemoryStore(), h.Runtime, log),
		Validation:   validation.New(validation.NewMemoryStore(), h.Runtime, log),
		Proposals:    proposals.New(proposals.NewMemoryStore(), h.Runtime, log),
		Timelock:     timelock.New(timelock.NewMemoryStore(), h.Runtime, log, timelock.WithDefaultDelay(time.Hour)),
	}
	orch := orchestrator.New(c, h.Runtime, registry, registry, log)
	m := &fakeMetrics{}
	srv, err := New(Deps{
		Orchestrator: orch,
		Authority:    h.Runtime.Authority,
		Registry:     registry,
		Events:       h.Events,
		Metrics:      m,
		Checks:       checks,
	}, opts, log)
	require.NoError(t, err)
	return &apiFixture{Harness: h, server: srv, registry: registry, metrics: m}
}

func (f *apiFixture) do(t *testing.T, method, path string, caller kernel.Principal, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if caller != "" {
		req.Header.Set(PrincipalHeader, caller.String())
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestPipelineOverHTTP(t *testing.T) {
	f := newAPIFixture(t, Options{}, nil)
	admin, manager := testutil.Admin, testutil.UpgradeManager

	rec := f.do(t, http.MethodPost, "/v1/approvers", admin, map[string]string{"principal": "p1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/v1/validators", admin, map[string]string{"principal": "v1", "type": "security"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/proposals", "p1", map[string]string{
		"proxy": proxyAddr, "implementation": implAddr, "description": "treasury v2",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "pending", created["status"])

	rec = f.do(t, http.MethodPost, "/v1/proposals/0/approve", "p1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decode[map[string]interface{}](t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/v1/implementations/"+implAddr+"/approve", "v1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode[map[string]interface{}](t, rec)["accepted"])

	rec = f.do(t, http.MethodPost, "/v1/proposals/0/schedule", manager, map[string]string{"module": "trsry"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	scheduled := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "proposal:0", scheduled["reference"])
	assert.EqualValues(t, 3600, scheduled["remaining_seconds"])

	rec = f.do(t, http.MethodPost, "/v1/upgrades/0/execute", manager, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TimeDelayNotMet", decode[errorBody](t, rec).Code)

	f.Clock.Set(time.Unix(3600, 0))
	rec = f.do(t, http.MethodPost, "/v1/upgrades/0/execute", manager, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	executed := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "executed", executed["status"])
	assert.Nil(t, executed["apply_error"])

	rec = f.do(t, http.MethodGet, "/v1/proposals/0", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "executed", decode[map[string]interface{}](t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/v1/modules", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	mods := decode[[]map[string]interface{}](t, rec)
	require.Len(t, mods, 1)
	assert.Equal(t, implAddr, mods[0]["implementation"])
	assert.Equal(t, "1.0.1", mods[0]["version"])
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t, Options{}, nil)

	t.Run("unauthorized", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/dependencies", testutil.Outsider, map[string]string{"dependent": "TRSRY", "dependency": "MINTR"})
		require.Equal(t, http.StatusForbidden, rec.Code)
		body := decode[errorBody](t, rec)
		assert.Equal(t, "Unauthorized", body.Code)
		assert.Equal(t, "authorization", body.Kind)
		assert.Equal(t, "dependencies", body.Component)
	})

	t.Run("anonymous", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/v1/settings/time-delay", "", map[string]string{"duration": "2h"})
		require.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("not found", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/proposals/42", "", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "proposals", decode[errorBody](t, rec).Component)
	})

	t.Run("self dependency", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/dependencies", testutil.Admin, map[string]string{"dependent": "TRSRY", "dependency": "TRSRY"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "SelfDependency", decode[errorBody](t, rec).Code)
	})

	t.Run("conflict", func(t *testing.T) {
		edge := map[string]string{"dependent": "VOTES", "dependency": "TRSRY"}
		require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/dependencies", testutil.Admin, edge).Code)
		rec := f.do(t, http.MethodPost, "/v1/dependencies", testutil.Admin, edge)
		require.Equal(t, http.StatusConflict, rec.Code)
		body := decode[errorBody](t, rec)
		assert.Equal(t, "AlreadyRegistered", body.Code)
		assert.Equal(t, "state_conflict", body.Kind)
	})

	t.Run("invalid module code", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/dependencies", testutil.Admin, map[string]string{"dependent": "TR", "dependency": "MINTR"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "InvalidModuleCode", decode[errorBody](t, rec).Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/approvers", testutil.Admin, map[string]string{"who": "p1"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "invalid_input", decode[errorBody](t, rec).Kind)
	})

	t.Run("time delay floor", func(t *testing.T) {
		rec := f.do(t, http.MethodPut, "/v1/settings/time-delay", testutil.Admin, map[string]int{"seconds": 60})
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "InvalidDelay", decode[errorBody](t, rec).Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/nope", "", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestStatusOfUntypedError(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusOf(errors.New("db down")))
}

func TestDependencyEndpoints(t *testing.T) {
	f := newAPIFixture(t, Options{}, nil)
	admin := testutil.Admin

	rec := f.do(t, http.MethodPost, "/v1/dependencies", admin, map[string]string{"dependent": "TRSRY", "dependency": "MINTR"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/dependencies/TRSRY/MINTR/validate", admin, map[string]bool{"valid": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/v1/modules/TRSRY/invalid-dependencies", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]interface{}](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/v1/modules/MINTR/dependents", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"TRSRY"}, decode[[]string](t, rec))

	rec = f.do(t, http.MethodDelete, "/v1/dependencies/TRSRY/MINTR", admin, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/modules/TRSRY/dependencies", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestTimelockEndpoints(t *testing.T) {
	f := newAPIFixture(t, Options{}, nil)
	manager := testutil.UpgradeManager

	rec := f.do(t, http.MethodPost, "/v1/upgrades", manager, map[string]string{
		"proxy": proxyAddr, "implementation": implAddr, "description": "hotfix",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/v1/upgrades/0/delay", testutil.Admin, map[string]string{"duration": "30m"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.EqualValues(t, 5400, decode[map[string]interface{}](t, rec)["remaining_seconds"])

	rec = f.do(t, http.MethodPost, "/v1/upgrades/0/emergency-execute", testutil.Admin, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/upgrades/0/emergency-execute", testutil.EmergencyAdmin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "executed", got["status"])
	assert.Equal(t, true, got["emergency"])

	rec = f.do(t, http.MethodGet, "/v1/upgrades?status=executed", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]interface{}](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/v1/upgrades?status=bogus", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorityTransfer(t *testing.T) {
	f := newAPIFixture(t, Options{}, nil)

	rec := f.do(t, http.MethodPut, "/v1/authority/upgrade-manager", testutil.Outsider, map[string]string{"principal": "bot"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPut, "/v1/authority/upgrade-manager", testutil.Admin, map[string]string{"principal": "bot"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "bot", decode[map[string]string](t, rec)["upgrade_manager"])

	rec = f.do(t, http.MethodGet, "/v1/events?type=authority.transferred", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]map[string]interface{}](t, rec), 1)
}

func TestRateLimitPerPrincipal(t *testing.T) {
	f := newAPIFixture(t, Options{RateLimitRPS: 0.001, RateLimitBurst: 1}, nil)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/proposals", "alice", nil).Code)
	rec := f.do(t, http.MethodGet, "/v1/proposals", "alice", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RateLimited", decode[errorBody](t, rec).Code)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/proposals", "bob", nil).Code)
}

func TestMetricsAndAudit(t *testing.T) {
	f := newAPIFixture(t, Options{}, nil)

	f.do(t, http.MethodGet, "/v1/proposals/7", "", nil)
	f.do(t, http.MethodPost, "/v1/approvers", testutil.Admin, map[string]string{"principal": "p1"})

	seen := f.metrics.requests()
	require.Len(t, seen, 2)
	assert.Equal(t, recordedRequest{route: "/v1/proposals/{id:[0-9]+}", method: http.MethodGet, status: http.StatusNotFound}, seen[0])
	assert.Equal(t, http.StatusCreated, seen[1].status)

	rec := f.do(t, http.MethodGet, "/v1/audit", testutil.Outsider, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/audit", testutil.Admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decode[[]auditEntry](t, rec)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin", entries[0].Principal)
	assert.Equal(t, "/v1/approvers", entries[0].Route)
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, Options{}, map[string]HealthCheck{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[healthResponse](t, rec)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.Equal(t, "connection refused", body.Checks["redis"])
}

func TestServerLifecycle(t *testing.T) {
	f := newAPIFixture(t, Options{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, nil)
	ctx := context.Background()
	require.NoError(t, f.server.Start(ctx))

	resp, err := http.Get("http://" + f.server.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	require.NoError(t, f.server.Stop(ctx))
	require.NoError(t, f.server.Stop(ctx))
}
