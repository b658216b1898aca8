// Package config loads the engine configuration from YAML with MAMORU_
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shizukutanaka/mamoru/internal/api"
	"github.com/shizukutanaka/mamoru/internal/backup"
	"github.com/shizukutanaka/mamoru/internal/events"
	"github.com/shizukutanaka/mamoru/internal/firewall"
	"github.com/shizukutanaka/mamoru/internal/logging"
	"github.com/shizukutanaka/mamoru/internal/monitoring"
)

// EnvPrefix prefixes environment overrides, e.g. MAMORU_FIREWALL_BACKEND.
const EnvPrefix = "MAMORU"

// Config is the whole engine configuration.
type Config struct {
	Log       logging.Config             `mapstructure:"log"`
	Firewall  FirewallConfig             `mapstructure:"firewall"`
	IDS       IDSConfig                  `mapstructure:"ids"`
	Response  ResponseConfig             `mapstructure:"response"`
	Emergency EmergencyConfig            `mapstructure:"emergency"`
	Events    EventsConfig               `mapstructure:"events"`
	Notifier  monitoring.NotifierConfig  `mapstructure:"notifier"`
	Integrity monitoring.IntegrityConfig `mapstructure:"integrity"`
	Backup    backup.Config              `mapstructure:"backup"`
	API       api.Config                 `mapstructure:"api"`
	Metrics   MetricsConfig              `mapstructure:"metrics"`
}

// FirewallConfig selects the enforcement backend.
type FirewallConfig struct {
	Enabled           bool               `mapstructure:"enabled"`
	Backend           string             `mapstructure:"backend"`
	AutoUnblock       bool               `mapstructure:"auto_unblock"`
	CommandTimeout    time.Duration      `mapstructure:"command_timeout"`
	ReconcileInterval time.Duration      `mapstructure:"reconcile_interval"`
	Overrides         firewall.Templates `mapstructure:"overrides"`
}

// IDSConfig tunes the detection engine and host scans.
type IDSConfig struct {
	Enabled                  bool          `mapstructure:"enabled"`
	NetworkMonitoringEnabled bool          `mapstructure:"network_monitoring_enabled"`
	RateLimit                int           `mapstructure:"rate_limit"`
	RateWindow               time.Duration `mapstructure:"rate_window"`
	RateLimitBlock           time.Duration `mapstructure:"rate_limit_block"`
	ProxyHeaders             []string      `mapstructure:"proxy_headers"`
	Whitelist                []string      `mapstructure:"whitelist"`
	RulesFile                string        `mapstructure:"rules_file"`
	SweepInterval            time.Duration `mapstructure:"sweep_interval"`
	Shards                   int           `mapstructure:"shards"`
	Scan                     ScanConfig    `mapstructure:"scan"`
	IntegrityPaths           []string      `mapstructure:"integrity_paths"`
	IntegrityInterval        time.Duration `mapstructure:"integrity_interval"`
}

// ScanConfig tunes the connection table scan.
type ScanConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	Window         time.Duration `mapstructure:"window"`
	PortThreshold  int           `mapstructure:"port_threshold"`
	MinConnections int           `mapstructure:"min_connections"`
	Sigma          float64       `mapstructure:"sigma"`
}

// ResponseConfig tunes the response orchestrator.
type ResponseConfig struct {
	AutoResponseEnabled bool          `mapstructure:"auto_response_enabled"`
	EscalationThreshold int           `mapstructure:"escalation_threshold"`
	EscalationWindow    time.Duration `mapstructure:"escalation_window"`
	MediumBlockTTL      time.Duration `mapstructure:"medium_block_ttl"`
	StatsIdleEviction   time.Duration `mapstructure:"stats_idle_eviction"`
	WatchTTL            time.Duration `mapstructure:"watch_ttl"`
	Workers             int           `mapstructure:"workers"`
	QueueSize           int           `mapstructure:"queue_size"`
	TaskTimeout         time.Duration `mapstructure:"task_timeout"`
}

// EmergencyConfig tunes the emergency coordinator.
type EmergencyConfig struct {
	RecoveryGraceMinutes int           `mapstructure:"recovery_grace_minutes"`
	StepTimeout          time.Duration `mapstructure:"step_timeout"`
	RateLimitThreshold   int           `mapstructure:"rate_limit_threshold"`
	Retention            time.Duration `mapstructure:"retention"`
	EvidenceDir          string        `mapstructure:"evidence_dir"`
}

// RecoveryGrace returns the grace period as a duration.
func (c EmergencyConfig) RecoveryGrace() time.Duration {
	return time.Duration(c.RecoveryGraceMinutes) * time.Minute
}

// EventsConfig selects where security events go. An empty store driver
// keeps events in memory only.
type EventsConfig struct {
	RingSize  int                `mapstructure:"ring_size"`
	Store     events.StoreConfig `mapstructure:"store"`
	Retention time.Duration      `mapstructure:"retention"`
}

// MetricsConfig names the Prometheus namespace.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// Load reads configPath (optional), applies defaults and environment
// overrides, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.compress", true)

	v.SetDefault("firewall.enabled", false)
	v.SetDefault("firewall.backend", firewall.KindNoop)
	v.SetDefault("firewall.auto_unblock", true)
	v.SetDefault("firewall.command_timeout", "10s")
	v.SetDefault("firewall.reconcile_interval", "5m")

	v.SetDefault("ids.enabled", true)
	v.SetDefault("ids.network_monitoring_enabled", false)
	v.SetDefault("ids.rate_limit", 100)
	v.SetDefault("ids.rate_window", "1m")
	v.SetDefault("ids.rate_limit_block", "10m")
	v.SetDefault("ids.proxy_headers", []string{})
	v.SetDefault("ids.whitelist", []string{"127.0.0.1/32", "::1/128"})
	v.SetDefault("ids.rules_file", "")
	v.SetDefault("ids.sweep_interval", "1m")
	v.SetDefault("ids.shards", 64)
	v.SetDefault("ids.scan.interval", "30s")
	v.SetDefault("ids.scan.window", "1m")
	v.SetDefault("ids.scan.port_threshold", 10)
	v.SetDefault("ids.scan.min_connections", 200)
	v.SetDefault("ids.scan.sigma", 3.0)
	v.SetDefault("ids.integrity_paths", []string{})
	v.SetDefault("ids.integrity_interval", "5m")

	v.SetDefault("response.auto_response_enabled", true)
	v.SetDefault("response.escalation_threshold", 10)
	v.SetDefault("response.escalation_window", "0s")
	v.SetDefault("response.medium_block_ttl", "30m")
	v.SetDefault("response.stats_idle_eviction", "0s")
	v.SetDefault("response.watch_ttl", "1h")
	v.SetDefault("response.workers", 4)
	v.SetDefault("response.queue_size", 256)
	v.SetDefault("response.task_timeout", "2m")

	v.SetDefault("emergency.recovery_grace_minutes", 30)
	v.SetDefault("emergency.step_timeout", "5m")
	v.SetDefault("emergency.rate_limit_threshold", 50)
	v.SetDefault("emergency.retention", "168h")
	v.SetDefault("emergency.evidence_dir", "./data/evidence")

	v.SetDefault("events.ring_size", 1024)
	v.SetDefault("events.store.driver", "")
	v.SetDefault("events.store.dsn", "")
	v.SetDefault("events.retention", "720h")

	v.SetDefault("notifier.webhook_url", "")
	v.SetDefault("notifier.webhook_token", "")
	v.SetDefault("notifier.cooldown", "5m")
	v.SetDefault("notifier.rate_per_minute", 30)
	v.SetDefault("notifier.burst", 10)

	v.SetDefault("integrity.host_probes", true)
	v.SetDefault("integrity.memory_critical_percent", 95)
	v.SetDefault("integrity.disk_path", "/")
	v.SetDefault("integrity.disk_critical_percent", 95)
	v.SetDefault("integrity.load_per_cpu_limit", 4)

	v.SetDefault("backup.dir", "./data/backups")
	v.SetDefault("backup.sources", []string{})
	v.SetDefault("backup.restore_root", "")
	v.SetDefault("backup.keep", 10)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen_addr", "127.0.0.1:9443")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.admin_user", "admin")
	v.SetDefault("api.admin_password_hash", "")
	v.SetDefault("api.token_ttl", "12h")
	v.SetDefault("api.metrics_path", "/metrics")

	v.SetDefault("metrics.namespace", "mamoru")
}
