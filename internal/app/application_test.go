package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/mamoru/internal/config"
	"github.com/shizukutanaka/mamoru/internal/emergency"
	"github.com/shizukutanaka/mamoru/internal/events"
	"github.com/shizukutanaka/mamoru/internal/security"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Emergency.EvidenceDir = filepath.Join(t.TempDir(), "evidence")
	cfg.Integrity.HostProbes = false
	cfg.Response.Workers = 0
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *Application {
	t.Helper()

	application, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	require.NoError(t, application.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, application.Shutdown(ctx))
	})
	return application
}

func serve(h http.Handler, target string) int {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "198.51.100.7:40000"
	req.Header.Set("User-Agent", "Mozilla/5.0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestApplication_BlocksAttackerOnSubsequentRequests(t *testing.T) {
	application := newTestApp(t, testConfig(t))
	h := application.Handler(okHandler())

	assert.Equal(t, http.StatusOK, serve(h, "/products?id=42"))
	assert.Equal(t, http.StatusForbidden, serve(h, "/products?id=1'%20OR%20'1'='1"))
	assert.Equal(t, http.StatusForbidden, serve(h, "/products?id=42"))

	entry, ok := application.Store.Lookup("198.51.100.7")
	require.True(t, ok)
	assert.True(t, entry.Permanent())

	recent := application.Recorder.Recent(0)
	require.NotEmpty(t, recent)
	assert.Equal(t, "198.51.100.7", recent[len(recent)-1].Source)
}

func TestApplication_CriticalDetectionOpensIncident(t *testing.T) {
	application := newTestApp(t, testConfig(t))
	h := application.Handler(okHandler())

	assert.Equal(t, http.StatusForbidden, serve(h, "/run?cmd=%3Bwhoami"))
	application.Coordinator.Wait()

	incidents := application.Coordinator.List()
	require.Len(t, incidents, 1)
	assert.Equal(t, "198.51.100.7", incidents[0].Trigger.AttackerID)
	assert.Equal(t, emergency.StatusInProgress, incidents[0].Status)
	assert.True(t, application.Engine.Heightened())
	assert.NotEmpty(t, incidents[0].Artifacts)
}

func TestApplication_WhitelistedSourceIsNeverBlocked(t *testing.T) {
	cfg := testConfig(t)
	cfg.IDS.Whitelist = []string{"198.51.100.0/24"}
	application := newTestApp(t, cfg)

	serve(application.Handler(okHandler()), "/products?id=1'%20OR%20'1'='1")

	assert.False(t, application.Store.IsBlocked("198.51.100.7"))
}

func TestApplication_ApplyReloadReplacesWhitelist(t *testing.T) {
	application := newTestApp(t, testConfig(t))

	_, changed := application.Store.Block("203.0.113.9", "test", 0)
	require.True(t, changed)

	reloaded := testConfig(t)
	reloaded.IDS.Whitelist = []string{"203.0.113.0/24"}
	application.ApplyReload(reloaded)

	_, changed = application.Store.Block("203.0.113.10", "test", 0)
	assert.False(t, changed)
}

func TestApplication_PersistsEventsToStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Events.Store.Driver = "sqlite"
	cfg.Events.Store.DSN = filepath.Join(t.TempDir(), "events.db")

	application, err := New(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)
	require.NoError(t, application.Start())

	application.Orchestrator.Handle(security.Detection{
		Source:   "192.0.2.44",
		Rule:     "SUSPICIOUS_PATH",
		Severity: security.SeverityMedium,
		Detail:   "/.env",
	})

	store := application.EventStore
	require.NotNil(t, store)

	// Stopping the recorder drains its queue into the store.
	application.Recorder.Stop()
	detections, err := store.Query(context.Background(), events.Filter{Source: "192.0.2.44", Type: "SUSPICIOUS_PATH"})
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, security.SeverityMedium, detections[0].Severity)

	stored, err := store.Query(context.Background(), events.Filter{Source: "192.0.2.44"})
	require.NoError(t, err)
	types := make([]string, 0, len(stored))
	for _, e := range stored {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, "SUSPICIOUS_PATH")
	assert.Contains(t, types, security.EventBlocked)
	for i := 1; i < len(stored); i++ {
		assert.False(t, stored[i].Timestamp.After(stored[i-1].Timestamp), "events are returned newest first")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, application.Shutdown(ctx))
}

func TestApplication_StatusReportsComponents(t *testing.T) {
	application := newTestApp(t, testConfig(t))

	status := application.Status()
	assert.Equal(t, true, status["running"])
	assert.Equal(t, false, status["heightened"])
	assert.Equal(t, "noop", status["firewall"])
	assert.Contains(t, status, "pool")
	assert.Contains(t, status, "detection")

	report := application.Integrity.CheckSystemIntegrity(context.Background())
	assert.True(t, report.Healthy())
}

func TestApplication_RejectsBadRulesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.IDS.RulesFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(zaptest.NewLogger(t), cfg)
	assert.Error(t, err)
}

func TestApplication_ShutdownWithoutStart(t *testing.T) {
	application, err := New(zaptest.NewLogger(t), testConfig(t))
	require.NoError(t, err)

	assert.NoError(t, application.Shutdown(context.Background()))
	assert.NoError(t, application.Shutdown(context.Background()))
}
