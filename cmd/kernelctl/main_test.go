package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/kernel_layer/internal/cli"
)

type recorded struct {
	method, path, principal string
	body                    map[string]interface{}
}

func fakeDaemon(t *testing.T, reply map[string]interface{}) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.RequestURI(), principal: r.Header.Get("X-Principal")}
		_ = json.NewDecoder(r.Body).Decode(&rec.body)
		calls = append(calls, rec)
		out, ok := reply[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"no route","code":"NotFound","kind":"not_found"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(out)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func runCLI(srv *httptest.Server, args ...string) (int, string, string) {
	var out, errOut bytes.Buffer
	code := run(append([]string{"-server", srv.URL, "-principal", "alice"}, args...), cli.NewPlainPrinter(&out, &errOut))
	return code, out.String(), errOut.String()
}

func TestApproveProposal(t *testing.T) {
	srv, calls := fakeDaemon(t, map[string]interface{}{
		"POST /v1/proposals/3/approve": map[string]interface{}{"id": 3, "status": "approved", "approval_count": 2},
	})

	code, _, errOut := runCLI(srv, "proposals", "approve", "3")

	require.Equal(t, 0, code, errOut)
	assert.Contains(t, errOut, "proposal 3 is approved (2 approvals)")
	require.Len(t, *calls, 1)
	assert.Equal(t, "alice", (*calls)[0].principal)
}

func TestListUpgradesTable(t *testing.T) {
	srv, calls := fakeDaemon(t, map[string]interface{}{
		"GET /v1/upgrades": []map[string]interface{}{
			{"id": 1, "status": "scheduled", "remaining_seconds": 5400, "reference": "proposal:1"},
			{"id": 2, "status": "executed"},
		},
	})

	code, out, errOut := runCLI(srv, "upgrades", "list", "-status", "scheduled")

	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "/v1/upgrades?status=scheduled", (*calls)[0].path)
	assert.Contains(t, out, "ETA")
	assert.Contains(t, out, "1h30m")
	assert.Contains(t, out, "proposal:1")
}

func TestScheduleSendsModule(t *testing.T) {
	srv, calls := fakeDaemon(t, map[string]interface{}{
		"POST /v1/proposals/4/schedule": map[string]interface{}{"id": 9, "scheduled_time": "2024-01-03T00:00:00Z"},
	})

	code, _, errOut := runCLI(srv, "proposals", "schedule", "-module", "TRSRY", "4")

	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "TRSRY", (*calls)[0].body["module"])
	assert.Contains(t, errOut, "upgrade 9 scheduled")
}

func TestAPIErrorExitsNonZero(t *testing.T) {
	srv, _ := fakeDaemon(t, nil)

	code, _, errOut := runCLI(srv, "upgrades", "cancel", "7")

	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "404 NotFound")
}

func TestUsageErrors(t *testing.T) {
	srv, calls := fakeDaemon(t, nil)

	code, _, _ := runCLI(srv, "bogus")
	assert.Equal(t, 2, code)

	code, _, errOut := runCLI(srv, "proposals", "approve", "abc")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, `invalid id "abc"`)

	code, _, _ = runCLI(srv, "deps", "validate", "VOTES", "TRSRY", "maybe")
	assert.Equal(t, 2, code)
	assert.Empty(t, *calls)
}

func TestCompletion(t *testing.T) {
	srv, _ := fakeDaemon(t, nil)

	code, out, _ := runCLI(srv, "completion", "bash")

	assert.Equal(t, 0, code)
	assert.Contains(t, out, "_kernelctl_completion")
}

func TestEventsFollow(t *testing.T) {
	var query string
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(map[string]string{"component": "timelock", "type": "upgrade.executed"})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	code, out, errOut := runCLI(srv, "events", "-follow", "-component", "timelock")

	require.Equal(t, 0, code, errOut)
	assert.Equal(t, "component=timelock", query)
	assert.Equal(t, 1, strings.Count(out, "upgrade.executed"))
}
