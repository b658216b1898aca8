package emergency

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shizukutanaka/mamoru/internal/security"
)

// TriggerType classifies what set off an emergency.
type TriggerType string

const (
	TypeCyberAttack        TriggerType = "CYBER_ATTACK"
	TypeDataBreach         TriggerType = "DATA_BREACH"
	TypeSystemCompromise   TriggerType = "SYSTEM_COMPROMISE"
	TypeDDoSAttack         TriggerType = "DDOS_ATTACK"
	TypeMalwareDetected    TriggerType = "MALWARE_DETECTED"
	TypeUnauthorizedAccess TriggerType = "UNAUTHORIZED_ACCESS"
)

// TriggerTypes lists every trigger type.
var TriggerTypes = []TriggerType{
	TypeCyberAttack,
	TypeDataBreach,
	TypeSystemCompromise,
	TypeDDoSAttack,
	TypeMalwareDetected,
	TypeUnauthorizedAccess,
}

var ErrInvalidTrigger = errors.New("invalid emergency trigger")

// ParseTriggerType parses a case-insensitive trigger type.
func ParseTriggerType(s string) (TriggerType, error) {
	for _, t := range TriggerTypes {
		if strings.EqualFold(strings.TrimSpace(s), string(t)) {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown type %q", ErrInvalidTrigger, s)
}

// Trigger is the high-level event that opens an incident.
type Trigger struct {
	Type      TriggerType       `json:"type"`
	Severity  security.Severity `json:"severity"`
	Reason    string            `json:"reason"`
	Timestamp time.Time         `json:"timestamp"`
	// Optional context.
	AttackerID        string `json:"attacker_id,omitempty"`
	CompromisedSystem string `json:"compromised_system,omitempty"`
	Timeframe         string `json:"timeframe,omitempty"`
}

// RequiresBackup reports whether an emergency backup is taken.
func (t Trigger) RequiresBackup() bool {
	return t.Severity >= security.SeverityHigh
}

// RequiresNetworkIsolation reports whether isolation steps run.
func (t Trigger) RequiresNetworkIsolation() bool {
	return t.Type == TypeCyberAttack || t.Type == TypeMalwareDetected
}

// RequiresForensics reports whether evidence is captured.
func (t Trigger) RequiresForensics() bool {
	return t.Severity == security.SeverityCritical
}

// Validate checks the trigger type and reason.
func (t Trigger) Validate() error {
	if _, err := ParseTriggerType(string(t.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(t.Reason) == "" {
		return fmt.Errorf("%w: reason is required", ErrInvalidTrigger)
	}
	return nil
}

// TriggerForRule maps a detection rule to the trigger type it represents.
func TriggerForRule(rule string) TriggerType {
	switch rule {
	case "FILE_INTEGRITY_VIOLATION":
		return TypeSystemCompromise
	case "PORT_SCAN", "CONNECTION_ANOMALY":
		return TypeDDoSAttack
	default:
		return TypeCyberAttack
	}
}
