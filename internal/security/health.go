package security

// HealthStatus is the overall verdict of a system integrity check.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
)

// IntegrityReport is the result of one integrity check run.
type IntegrityReport struct {
	Components map[string]bool `json:"components"`
	Status     HealthStatus    `json:"status"`
}

// Healthy reports whether the system can be restored without a backup.
func (r IntegrityReport) Healthy() bool {
	return r.Status != HealthCritical
}

// DeriveHealth computes the overall status: CRITICAL if any core component is
// unhealthy, WARNING if any other component is, HEALTHY otherwise.
func DeriveHealth(components map[string]bool, core map[string]bool) HealthStatus {
	status := HealthHealthy
	for name, healthy := range components {
		if healthy {
			continue
		}
		if core[name] {
			return HealthCritical
		}
		status = HealthWarning
	}
	return status
}
