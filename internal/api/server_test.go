package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/emergency"
	"github.com/shizukutanaka/mamoru/internal/events"
	"github.com/shizukutanaka/mamoru/internal/reputation"
	"github.com/shizukutanaka/mamoru/internal/response"
	"github.com/shizukutanaka/mamoru/internal/security"
)

const testSecret = "test-secret"

type fixture struct {
	server      *Server
	http        *httptest.Server
	store       *reputation.Store
	coordinator *emergency.Coordinator
	ring        *events.Ring
	token       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))

	store := reputation.NewStore(logger, clk, reputation.Config{Whitelist: []string{"10.0.0.0/8"}})
	orch := response.NewOrchestrator(logger, clk, response.DefaultConfig(), response.Deps{Store: store})

	cfg := emergency.DefaultConfig()
	cfg.AutoResponse = false
	coord := emergency.NewCoordinator(logger, clk, cfg, emergency.Deps{Store: store})

	ring := events.NewRing(16)
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	require.NoError(t, err)

	srv, err := NewServer(logger, Config{
		JWTSecret:         testSecret,
		AdminUser:         "admin",
		AdminPasswordHash: string(hash),
	}, Deps{
		Blacklist: store,
		Responder: orch,
		Incidents: coord,
		Events:    ring,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("metrics"))
		}),
		Status: func() map[string]any { return map[string]any{"heightened": false} },
	})
	require.NoError(t, err)

	token, err := srv.Authenticator().IssueToken("admin")
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &fixture{server: srv, http: ts, store: store, coordinator: coord, ring: ring, token: token}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(t, err)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out Response
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestNewServerRequiresSecret(t *testing.T) {
	_, err := NewServer(zaptest.NewLogger(t), Config{}, Deps{})
	assert.Error(t, err)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	f.token = ""
	resp, _ := f.do(t, http.MethodGet, "/api/v1/blacklist", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	f.token = "not-a-jwt"
	resp, _ = f.do(t, http.MethodGet, "/api/v1/blacklist", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	other := NewAuthenticator(zaptest.NewLogger(t), []byte("other"), "admin", "", time.Hour)
	f.token, _ = other.IssueToken("admin")
	resp, _ = f.do(t, http.MethodGet, "/api/v1/blacklist", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	f.token = ""
	resp, _ = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestExpiredTokenRejected(t *testing.T) {
	a := NewAuthenticator(zaptest.NewLogger(t), []byte(testSecret), "admin", "", time.Minute)
	a.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	token, err := a.IssueToken("admin")
	require.NoError(t, err)

	a.now = time.Now
	_, err = a.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	f.token = ""

	resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, out := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin", "password": "hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := out.Data.(map[string]any)
	f.token = data["token"].(string)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/blacklist", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBlacklistLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/blacklist", blockRequest{ID: "203.0.113.7", TTL: "1h"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	entry, ok := f.store.Lookup("203.0.113.7")
	require.True(t, ok)
	assert.Equal(t, ManualReason, entry.Reason)
	assert.False(t, entry.Permanent())

	resp, out := f.do(t, http.MethodGet, "/api/v1/blacklist", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out.Data, 1)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/blacklist/203.0.113.7", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/blacklist/203.0.113.7", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.store.IsBlocked("203.0.113.7"))

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/blacklist/203.0.113.7", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBlockValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/blacklist", blockRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/blacklist", blockRequest{ID: "203.0.113.7", TTL: "soon"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/blacklist", blockRequest{ID: "10.1.2.3"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestIncidentLifecycle(t *testing.T) {
	f := newFixture(t)

	resp, out := f.do(t, http.MethodPost, "/api/v1/incidents", map[string]any{
		"type":        "UNAUTHORIZED_ACCESS",
		"severity":    "MEDIUM",
		"reason":      "operator drill",
		"attacker_id": "198.51.100.4",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := out.Data.(map[string]any)["id"].(string)
	assert.True(t, strings.HasPrefix(id, "INC-"))
	f.coordinator.Wait()

	resp, out = f.do(t, http.MethodGet, "/api/v1/incidents/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	inc := out.Data.(map[string]any)["incident"].(map[string]any)
	assert.Equal(t, string(emergency.StatusInProgress), inc["status"])

	resp, out = f.do(t, http.MethodGet, "/api/v1/incidents?status=in_progress", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out.Data, 1)

	resp, out = f.do(t, http.MethodDelete, "/api/v1/incidents/"+id+"/recovery", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, out.Data.(map[string]any)["cancelled"])

	resp, out = f.do(t, http.MethodPost, "/api/v1/incidents/"+id+"/resolve", noteRequest{Note: "patched"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(emergency.StatusCompleted), out.Data.(map[string]any)["status"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/incidents/"+id+"/abort", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/incidents/INC-missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTriggerValidation(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/incidents", map[string]any{"type": "ALIENS", "severity": "LOW", "reason": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/incidents", map[string]any{"type": "DATA_BREACH", "severity": "LOW"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsAndEvents(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.ring.Record(security.Event{Type: "XSS", Source: "198.51.100.1", Severity: security.SeverityHigh, Timestamp: now})
	f.ring.Record(security.Event{Type: "SQL_INJECTION", Source: "198.51.100.2", Severity: security.SeverityHigh, Timestamp: now})

	resp, out := f.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data := out.Data.(map[string]any)
	assert.Contains(t, data, "counters")
	assert.Contains(t, data, "status")

	resp, out = f.do(t, http.MethodGet, "/api/v1/events?type=XSS", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, out.Data, 1)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/events?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/advisories", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/v1/events/stream?token=" + f.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f.ring.Record(security.Event{Type: "PORT_SCAN", Source: "198.51.100.9", Severity: security.SeverityHigh, Timestamp: time.Now()})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got security.Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "PORT_SCAN", got.Type)
	assert.Equal(t, security.SeverityHigh, got.Severity)
}

func TestEventStreamRequiresToken(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/api/v1/events/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestFilterRecentKeepsNewest(t *testing.T) {
	base := time.Unix(1700000000, 0)
	recent := []security.Event{
		{Type: "A", Timestamp: base},
		{Type: "B", Timestamp: base.Add(time.Second)},
		{Type: "C", Timestamp: base.Add(2 * time.Second)},
	}
	out := filterRecent(recent, events.Filter{Limit: 2})
	require.Len(t, out, 2)
	assert.Equal(t, "B", out[0].Type)
	assert.Equal(t, "C", out[1].Type)
}

func TestLoginIsThrottled(t *testing.T) {
	f := newFixture(t)
	f.token = ""

	codes := make([]int, 0, 8)
	for i := 0; i < 8; i++ {
		resp, _ := f.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "admin", "password": "wrong"})
		codes = append(codes, resp.StatusCode)
	}

	assert.Equal(t, http.StatusUnauthorized, codes[0])
	assert.Equal(t, http.StatusTooManyRequests, codes[len(codes)-1])
	assert.Positive(t, f.server.Stats()["logins_rate_limited"])
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
}

func TestHandlerPanicBecomes500(t *testing.T) {
	f := newFixture(t)
	f.server.router.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	resp, out := f.do(t, http.MethodGet, "/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.False(t, out.Success)
	assert.Equal(t, uint64(1), f.server.Stats()["panics_recovered"])
}
