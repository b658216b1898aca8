package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/mamoru/internal/firewall"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "mamoru.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, firewall.KindNoop, cfg.Firewall.Backend)
	assert.True(t, cfg.Firewall.AutoUnblock)
	assert.True(t, cfg.IDS.Enabled)
	assert.Equal(t, 100, cfg.IDS.RateLimit)
	assert.Equal(t, time.Minute, cfg.IDS.RateWindow)
	assert.Equal(t, 10, cfg.Response.EscalationThreshold)
	assert.Equal(t, time.Duration(0), cfg.Response.EscalationWindow)
	assert.Equal(t, 30*time.Minute, cfg.Response.MediumBlockTTL)
	assert.Equal(t, 30*time.Minute, cfg.Emergency.RecoveryGrace())
	assert.Equal(t, "mamoru", cfg.Metrics.Namespace)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
log:
  level: debug
  encoding: json
firewall:
  enabled: true
  backend: iptables
  auto_unblock: false
  command_timeout: 3s
  overrides:
    block: "iptables -I INPUT -s {id} -j REJECT"
ids:
  network_monitoring_enabled: true
  rate_limit: 20
  whitelist: ["192.168.0.0/16"]
response:
  auto_response_enabled: false
  escalation_threshold: 5
  escalation_window: 1h
emergency:
  recovery_grace_minutes: 2
events:
  store:
    driver: sqlite
    dsn: ":memory:"
api:
  enabled: true
  jwt_secret: "0123456789abcdef0123"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, firewall.KindIptables, cfg.Firewall.Backend)
	assert.False(t, cfg.Firewall.AutoUnblock)
	assert.Equal(t, 3*time.Second, cfg.Firewall.CommandTimeout)
	assert.Equal(t, "iptables -I INPUT -s {id} -j REJECT", cfg.Firewall.Overrides.Block)
	assert.True(t, cfg.IDS.NetworkMonitoringEnabled)
	assert.Equal(t, 20, cfg.IDS.RateLimit)
	assert.Equal(t, []string{"192.168.0.0/16"}, cfg.IDS.Whitelist)
	assert.False(t, cfg.Response.AutoResponseEnabled)
	assert.Equal(t, 5, cfg.Response.EscalationThreshold)
	assert.Equal(t, time.Hour, cfg.Response.EscalationWindow)
	assert.Equal(t, 2*time.Minute, cfg.Emergency.RecoveryGrace())
	assert.Equal(t, "sqlite", cfg.Events.Store.Driver)
	assert.True(t, cfg.API.Enabled)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MAMORU_FIREWALL_BACKEND", "ufw")
	t.Setenv("MAMORU_RESPONSE_ESCALATION_THRESHOLD", "3")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, firewall.KindUFW, cfg.Firewall.Backend)
	assert.Equal(t, 3, cfg.Response.EscalationThreshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Firewall.Backend = "pf" }},
		{"bad log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"zero rate limit", func(c *Config) { c.IDS.RateLimit = 0 }},
		{"bad whitelist", func(c *Config) { c.IDS.Whitelist = []string{"not-an-ip"} }},
		{"zero escalation threshold", func(c *Config) { c.Response.EscalationThreshold = 0 }},
		{"negative escalation window", func(c *Config) { c.Response.EscalationWindow = -time.Second }},
		{"zero grace", func(c *Config) { c.Emergency.RecoveryGraceMinutes = 0 }},
		{"unknown event driver", func(c *Config) { c.Events.Store.Driver = "mongo" }},
		{"store without dsn", func(c *Config) { c.Events.Store.Driver = "postgres" }},
		{"api without secret", func(c *Config) { c.API.Enabled = true; c.API.JWTSecret = "short" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.ErrorIs(t, Validate(cfg), ErrInvalidConfig)
		})
	}
}

func TestValidateUnknownBackendWrapsFirewallError(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Firewall.Backend = "pf"
	assert.ErrorIs(t, Validate(cfg), firewall.ErrUnknownBackend)
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "ids:\n  whitelist: [\"10.0.0.0/8\"]\n")

	var (
		mu       sync.Mutex
		reloaded []*Config
	)
	w, err := NewWatcher(zaptest.NewLogger(t), path, func(c *Config) {
		mu.Lock()
		reloaded = append(reloaded, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	writeConfig(t, dir, "ids:\n  whitelist: [\"172.16.0.0/12\"]\nlog:\n  level: debug\n")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloaded) > 0
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	last := reloaded[len(reloaded)-1]
	mu.Unlock()
	assert.Equal(t, []string{"172.16.0.0/12"}, last.IDS.Whitelist)
	assert.Equal(t, "debug", last.Log.Level)
}

func TestWatcherIgnoresInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "log:\n  level: info\n")

	calls := make(chan *Config, 4)
	w, err := NewWatcher(zaptest.NewLogger(t), path, func(c *Config) { calls <- c })
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)
	require.NoError(t, w.Start())
	defer w.Stop()

	writeConfig(t, dir, "firewall:\n  backend: pf\n")

	select {
	case <-calls:
		t.Fatal("invalid configuration must not be applied")
	case <-time.After(300 * time.Millisecond):
	}
}
