package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/kernel_layer/internal/engine/events"
	"github.com/R3E-Network/kernel_layer/pkg/testutil"
)

func TestEventStream(t *testing.T) {
	f := newAPIFixture(t, Options{}, nil)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream?component=proposals"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{PrincipalHeader: []string{"watcher"}})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// Only the proposals event passes the filter.
	rec := f.do(t, http.MethodPost, "/v1/dependencies", testutil.Admin, map[string]string{"dependent": "VOTES", "dependency": "TRSRY"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, "/v1/approvers", testutil.Admin, map[string]string{"principal": "p1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got events.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "proposals", got.Component)
	assert.NotEmpty(t, got.ID)

	var routes []string
	for _, r := range f.metrics.requests() {
		routes = append(routes, r.route)
	}
	assert.Contains(t, routes, "/v1/dependencies")
}

func TestEventStreamRejectsPlainGET(t *testing.T) {
	f := newAPIFixture(t, Options{}, nil)

	rec := f.do(t, http.MethodGet, "/v1/events/stream", testutil.Admin, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
