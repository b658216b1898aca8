package config

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap/zapcore"

	"github.com/shizukutanaka/mamoru/internal/firewall"
)

var ErrInvalidConfig = errors.New("invalid configuration")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks every section. It is run by Load and after each reload.
func Validate(cfg *Config) error {
	validators := []func(*Config) error{
		validateLogging,
		validateFirewall,
		validateIDS,
		validateResponse,
		validateEmergency,
		validateEvents,
		validateAPI,
	}
	for _, fn := range validators {
		if err := fn(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return invalid("log.level %q", cfg.Log.Level)
	}
	if cfg.Log.Encoding != "json" && cfg.Log.Encoding != "console" {
		return invalid("log.encoding must be json or console")
	}
	return nil
}

func validateFirewall(cfg *Config) error {
	if !firewall.ValidKind(cfg.Firewall.Backend) {
		return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, firewall.ErrUnknownBackend, cfg.Firewall.Backend)
	}
	if cfg.Firewall.CommandTimeout <= 0 {
		return invalid("firewall.command_timeout must be positive")
	}
	if cfg.Firewall.ReconcileInterval <= 0 {
		return invalid("firewall.reconcile_interval must be positive")
	}
	return nil
}

func validateIDS(cfg *Config) error {
	ids := cfg.IDS
	if ids.RateLimit < 1 {
		return invalid("ids.rate_limit must be at least 1")
	}
	if ids.RateWindow <= 0 {
		return invalid("ids.rate_window must be positive")
	}
	if ids.RateLimitBlock <= 0 {
		return invalid("ids.rate_limit_block must be positive")
	}
	if ids.SweepInterval <= 0 {
		return invalid("ids.sweep_interval must be positive")
	}
	for _, entry := range ids.Whitelist {
		if _, _, err := net.ParseCIDR(entry); err != nil && net.ParseIP(entry) == nil {
			return invalid("ids.whitelist entry %q is not an address or CIDR", entry)
		}
	}
	if ids.NetworkMonitoringEnabled {
		if ids.Scan.Interval <= 0 || ids.Scan.Window <= 0 {
			return invalid("ids.scan interval and window must be positive")
		}
		if ids.Scan.PortThreshold < 1 {
			return invalid("ids.scan.port_threshold must be at least 1")
		}
		if ids.Scan.Sigma <= 0 {
			return invalid("ids.scan.sigma must be positive")
		}
	}
	if len(ids.IntegrityPaths) > 0 && ids.IntegrityInterval <= 0 {
		return invalid("ids.integrity_interval must be positive")
	}
	return nil
}

func validateResponse(cfg *Config) error {
	r := cfg.Response
	if r.EscalationThreshold < 1 {
		return invalid("response.escalation_threshold must be at least 1")
	}
	if r.EscalationWindow < 0 {
		return invalid("response.escalation_window cannot be negative")
	}
	if r.MediumBlockTTL <= 0 {
		return invalid("response.medium_block_ttl must be positive")
	}
	if r.Workers < 0 || r.QueueSize < 0 {
		return invalid("response.workers and response.queue_size cannot be negative")
	}
	return nil
}

func validateEmergency(cfg *Config) error {
	if cfg.Emergency.RecoveryGraceMinutes < 1 {
		return invalid("emergency.recovery_grace_minutes must be at least 1")
	}
	if cfg.Emergency.StepTimeout <= 0 {
		return invalid("emergency.step_timeout must be positive")
	}
	return nil
}

func validateEvents(cfg *Config) error {
	switch cfg.Events.Store.Driver {
	case "":
	case "sqlite", "sqlite3", "postgres":
		if cfg.Events.Store.DSN == "" {
			return invalid("events.store.dsn is required with driver %s", cfg.Events.Store.Driver)
		}
	default:
		return invalid("unsupported events.store.driver %q", cfg.Events.Store.Driver)
	}
	return nil
}

func validateAPI(cfg *Config) error {
	if !cfg.API.Enabled {
		return nil
	}
	if cfg.API.ListenAddr == "" {
		return invalid("api.listen_addr is required when the API is enabled")
	}
	if len(cfg.API.JWTSecret) < 16 {
		return invalid("api.jwt_secret must be at least 16 characters when the API is enabled")
	}
	return nil
}
