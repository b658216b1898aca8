package security

import "time"

// SystemSource is the source identifier used for host-level findings that
// have no client behind them.
const SystemSource = "SYSTEM"

// Event types emitted by the core in addition to rule names.
const (
	EventRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	EventBlocked           = "IP_BLOCKED"
	EventUnblocked         = "IP_UNBLOCKED"
	EventEscalation        = "ESCALATION"
	EventAdvisory          = "ADVISORY"
	EventIncident          = "EMERGENCY_INCIDENT"
	EventFirewallFailure   = "FIREWALL_FAILURE"
)

// Event is an immutable, append-only security record.
type Event struct {
	Type      string    `json:"event_type"`
	Source    string    `json:"source"`
	Detail    string    `json:"detail"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink records security events. Record is fire-and-forget: it must
// never fail or block the caller for long.
type EventSink interface {
	Record(event Event)
}

// Notifier delivers alerts to humans. Failures are logged by the
// implementation and never returned.
type Notifier interface {
	SendAlert(audience, subject, body string)
	SendEmergencyAlert(body string)
}

// Audiences used by the response tiers.
const (
	AudienceSecurityTeam = "security-team"
	AudienceOperations   = "operations"
)

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// NopNotifier discards alerts.
type NopNotifier struct{}

func (NopNotifier) SendAlert(string, string, string) {}
func (NopNotifier) SendEmergencyAlert(string) {}
