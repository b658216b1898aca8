// Package emergency sequences multi-step incident handling: containment,
// backup, isolation, evidence capture, notification and delayed recovery.
package emergency

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/firewall"
	"github.com/shizukutanaka/mamoru/internal/reputation"
	"github.com/shizukutanaka/mamoru/internal/security"
)

// Backup is the external backup collaborator.
type Backup interface {
	EmergencyBackup(ctx context.Context, reason string) (string, error)
	Restore(ctx context.Context, location string) error
}

// IntegrityChecker is the external integrity-check collaborator.
type IntegrityChecker interface {
	CheckSystemIntegrity(ctx context.Context) security.IntegrityReport
}

// Protector toggles heightened protective mode on the request path.
type Protector interface {
	SetHeightened(on bool)
}

// Observer receives incident status changes.
type Observer interface {
	IncidentStatus(status string)
}

// Config tunes the coordinator.
type Config struct {
	AutoResponse  bool
	RecoveryGrace time.Duration
	// StepTimeout bounds each collaborator call.
	StepTimeout time.Duration
	// RateLimitThreshold is passed to the firewall during containment.
	RateLimitThreshold int
	// Retention is how long terminal incidents are kept; 0 keeps them.
	Retention     time.Duration
	PruneInterval time.Duration
}

// DefaultConfig returns a 30 minute recovery grace period.
func DefaultConfig() Config {
	return Config{
		AutoResponse:       true,
		RecoveryGrace:      30 * time.Minute,
		StepTimeout:        5 * time.Minute,
		RateLimitThreshold: 50,
		Retention:          7 * 24 * time.Hour,
		PruneInterval:      time.Hour,
	}
}

// Deps are the coordinator's collaborators. Nil members are replaced with
// no-op implementations.
type Deps struct {
	Store     *reputation.Store
	Firewall  firewall.Backend
	Notifier  security.Notifier
	Sink      security.EventSink
	Backup    Backup
	Integrity IntegrityChecker
	Hooks     Hooks
	Protector Protector
	Observer  Observer
}

// Coordinator runs incident workflows. Distinct incidents share no locks;
// containment funnels through the reputation store so duplicate triggers
// for one attacker converge.
type Coordinator struct {
	logger *zap.Logger
	clk    clock.Clock
	config Config
	deps   Deps

	mu        sync.RWMutex
	incidents map[string]*incident

	recovery *recoveryScheduler

	ctx    context.Context
	cancel context.CancelFunc
	flows  sync.WaitGroup
	wg     sync.WaitGroup
}

// NewCoordinator creates a coordinator.
func NewCoordinator(logger *zap.Logger, clk clock.Clock, config Config, deps Deps) *Coordinator {
	if config.StepTimeout <= 0 {
		config.StepTimeout = 5 * time.Minute
	}
	if config.RecoveryGrace <= 0 {
		config.RecoveryGrace = 30 * time.Minute
	}
	if deps.Firewall == nil {
		deps.Firewall = firewall.NewNoop(logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = security.NopNotifier{}
	}
	if deps.Sink == nil {
		deps.Sink = security.NopSink{}
	}
	if deps.Hooks == nil {
		deps.Hooks = NopHooks{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		logger:    logger,
		clk:       clk,
		config:    config,
		deps:      deps,
		incidents: make(map[string]*incident),
		recovery:  newRecoveryScheduler(clk),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Initiate opens an incident and runs its workflow asynchronously. The
// returned snapshot is taken before any step runs.
func (c *Coordinator) Initiate(trigger Trigger) (Incident, error) {
	if err := trigger.Validate(); err != nil {
		return Incident{}, err
	}
	now := c.clk.Now()
	if trigger.Timestamp.IsZero() {
		trigger.Timestamp = now
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Incident{}, fmt.Errorf("failed to generate incident id: %w", err)
	}
	inc := newIncident("INC-"+id.String(), trigger, now)
	inc.record(now, "Incident initiated: %s %s: %s", trigger.Type, trigger.Severity, trigger.Reason)

	// The stop check and flows.Add share c.mu with Stop, so Stop never
	// waits on flows while a new workflow is being added.
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return Incident{}, ErrCoordinatorStopped
	}
	c.incidents[inc.data.ID] = inc
	c.flows.Add(1)
	c.mu.Unlock()

	snapshot := inc.snapshot()

	c.logger.Error("Emergency incident initiated",
		zap.String("incident_id", snapshot.ID),
		zap.String("type", string(trigger.Type)),
		zap.Stringer("severity", trigger.Severity),
		zap.String("attacker", trigger.AttackerID),
		zap.String("reason", trigger.Reason),
	)
	c.deps.Sink.Record(security.Event{
		Type:      security.EventIncident,
		Source:    sourceOf(trigger),
		Detail:    fmt.Sprintf("%s %s: %s", snapshot.ID, trigger.Type, trigger.Reason),
		Severity:  trigger.Severity,
		Timestamp: now,
	})
	c.observe(StatusInitiated)

	go func() {
		defer c.flows.Done()
		c.run(inc)
	}()

	return snapshot, nil
}

// Wait blocks until every in-flight workflow has finished its
// pre-recovery steps.
func (c *Coordinator) Wait() {
	c.flows.Wait()
}

func (c *Coordinator) run(inc *incident) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Incident workflow panicked",
				zap.String("incident_id", inc.data.ID),
				zap.Any("panic", r),
			)
			c.finish(inc, inc.fail(c.clk.Now(), fmt.Sprintf("workflow panic: %v", r)))
		}
	}()

	if !c.transition(inc, StatusInProgress) {
		return
	}
	trigger := inc.snapshot().Trigger

	c.contain(inc, trigger)

	if trigger.RequiresBackup() && c.active(inc) {
		c.backup(inc, trigger)
	}
	if trigger.RequiresNetworkIsolation() && c.active(inc) {
		c.step(inc, "Network isolation", c.deps.Hooks.IsolateNetwork)
	}
	if trigger.RequiresForensics() && c.active(inc) {
		c.forensics(inc)
	}
	if !c.active(inc) {
		return
	}

	c.notify(inc)

	if !c.config.AutoResponse {
		c.record(inc, "Automatic recovery disabled; awaiting operator resolution")
		return
	}
	c.scheduleRecovery(inc)
}

func (c *Coordinator) contain(inc *incident, trigger Trigger) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.StepTimeout)
	defer cancel()

	if trigger.AttackerID != "" && trigger.AttackerID != security.SystemSource {
		c.guard(inc, "Attacker block", func() error {
			if c.deps.Store != nil {
				c.deps.Store.Block(trigger.AttackerID, "EMERGENCY_"+string(trigger.Type), reputation.Permanent)
			}
			if c.deps.Firewall.Apply(ctx, trigger.AttackerID, firewall.ActionBlock) {
				c.record(inc, "Attacker %s blocked permanently (firewall rule applied)", trigger.AttackerID)
			} else {
				c.record(inc, "Attacker %s blocked permanently (firewall rule pending reconciliation)", trigger.AttackerID)
			}
			return nil
		})
	}

	if c.deps.Protector != nil {
		c.guard(inc, "Heightened protection", func() error {
			c.deps.Protector.SetHeightened(true)
			c.record(inc, "Heightened protection mode enabled")
			return nil
		})
	}

	hooks := c.deps.Hooks
	switch trigger.Type {
	case TypeDDoSAttack:
		c.guard(inc, "DDoS protection", func() error {
			c.deps.Firewall.EnableDDoSProtection(ctx)
			c.deps.Firewall.EnableRateLimiting(ctx, c.config.RateLimitThreshold)
			c.record(inc, "DDoS protection and rate limiting enabled")
			return nil
		})
	case TypeCyberAttack:
		c.guard(inc, "Rate limiting", func() error {
			c.deps.Firewall.EnableRateLimiting(ctx, c.config.RateLimitThreshold)
			c.record(inc, "Rate limiting enabled (threshold %d)", c.config.RateLimitThreshold)
			return nil
		})
		c.step(inc, "Content filtering", hooks.EnableContentFiltering)
	case TypeDataBreach, TypeUnauthorizedAccess:
		c.step(inc, "Session revocation", hooks.RevokeSessions)
		c.step(inc, "Password reset", hooks.ResetPasswords)
	case TypeSystemCompromise:
		c.step(inc, "System isolation", hooks.IsolateNetwork)
	case TypeMalwareDetected:
		c.step(inc, "File quarantine", hooks.QuarantineFiles)
	}
}

func (c *Coordinator) backup(inc *incident, trigger Trigger) {
	if c.deps.Backup == nil {
		c.record(inc, "Emergency backup skipped: no backup collaborator configured")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.config.StepTimeout)
	defer cancel()

	c.guard(inc, "Emergency backup", func() error {
		location, err := c.deps.Backup.EmergencyBackup(ctx, fmt.Sprintf("%s %s", trigger.Type, trigger.Reason))
		if err != nil {
			return err
		}
		inc.setBackup(location)
		c.record(inc, "Emergency backup created: %s", location)
		return nil
	})
}

func (c *Coordinator) forensics(inc *incident) {
	id := inc.data.ID
	captures := []struct {
		name string
		fn   func(context.Context, string) (string, error)
	}{
		{"memory dump", c.deps.Hooks.CaptureMemoryDump},
		{"network capture", c.deps.Hooks.CaptureNetworkTraffic},
		{"log snapshot", c.deps.Hooks.SnapshotLogs},
	}

	for _, capture := range captures {
		ctx, cancel := context.WithTimeout(c.ctx, c.config.StepTimeout)
		c.guard(inc, "Evidence "+capture.name, func() error {
			artifact, err := capture.fn(ctx, id)
			if err != nil {
				return err
			}
			inc.addArtifact(artifact)
			c.record(inc, "Forensic artifact captured (%s): %s", capture.name, artifact)
			return nil
		})
		cancel()
	}
}

func (c *Coordinator) notify(inc *incident) {
	s := inc.snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s\n", s.ID)
	fmt.Fprintf(&b, "Type: %s\nSeverity: %s\nReason: %s\nTriggered: %s\n",
		s.Trigger.Type, s.Trigger.Severity, s.Trigger.Reason, s.Trigger.Timestamp.UTC().Format(time.RFC3339))
	if s.Trigger.AttackerID != "" {
		fmt.Fprintf(&b, "Attacker: %s\n", s.Trigger.AttackerID)
	}
	if s.Trigger.CompromisedSystem != "" {
		fmt.Fprintf(&b, "Compromised system: %s\n", s.Trigger.CompromisedSystem)
	}
	if s.Trigger.Timeframe != "" {
		fmt.Fprintf(&b, "Timeframe: %s\n", s.Trigger.Timeframe)
	}
	b.WriteString("Actions:\n")
	for _, a := range s.Actions {
		fmt.Fprintf(&b, "  %s\n", a)
	}

	c.guard(inc, "Emergency notification", func() error {
		c.deps.Notifier.SendEmergencyAlert(b.String())
		c.record(inc, "Emergency contacts notified")
		return nil
	})
}

func (c *Coordinator) scheduleRecovery(inc *incident) {
	id := inc.data.ID
	if !c.active(inc) {
		return
	}
	c.recovery.schedule(id, c.config.RecoveryGrace, func() { c.runRecovery(id) })
	c.record(inc, "Recovery scheduled in %s", c.config.RecoveryGrace)
}

// runRecovery runs the delayed recovery step if the incident is still in
// progress.
func (c *Coordinator) runRecovery(id string) {
	inc, ok := c.lookup(id)
	if !ok || inc.status() != StatusInProgress {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Incident recovery panicked", zap.String("incident_id", id), zap.Any("panic", r))
			c.finish(inc, inc.fail(c.clk.Now(), fmt.Sprintf("recovery panic: %v", r)))
		}
	}()

	ctx, cancel := context.WithTimeout(c.ctx, c.config.StepTimeout)
	defer cancel()

	c.record(inc, "Recovery started")
	report := c.checkIntegrity(ctx)
	c.record(inc, "System integrity %s: %s", report.Status, formatComponents(report.Components))

	if !c.transition(inc, StatusRecovering) {
		return
	}

	if report.Healthy() {
		c.restore(inc)
		c.complete(inc)
		return
	}

	location := inc.snapshot().BackupLocation
	if location == "" || c.deps.Backup == nil {
		c.finish(inc, inc.fail(c.clk.Now(), "system unhealthy and no backup available"))
		return
	}

	c.record(inc, "Restoring from backup %s", location)
	if err := c.deps.Backup.Restore(ctx, location); err != nil {
		c.finish(inc, inc.fail(c.clk.Now(), fmt.Sprintf("backup restore failed: %v", err)))
		return
	}
	c.record(inc, "Restored from backup %s", location)
	c.restore(inc)
	c.complete(inc)
}

func (c *Coordinator) restore(inc *incident) {
	c.step(inc, "Service restoration", c.deps.Hooks.RestoreServices)
	c.step(inc, "Connection restoration", c.deps.Hooks.RestoreConnections)
}

func (c *Coordinator) complete(inc *incident) {
	_, err := inc.transition(c.clk.Now(), StatusCompleted)
	c.finish(inc, err)
}

// finish handles the side effects of reaching a terminal status.
func (c *Coordinator) finish(inc *incident, err error) {
	if err != nil {
		c.logger.Warn("Incident could not be closed", zap.String("incident_id", inc.data.ID), zap.Error(err))
		return
	}

	s := inc.snapshot()
	if !s.Status.Terminal() {
		return
	}
	c.recovery.cancel(s.ID)
	c.observe(s.Status)

	c.logger.Info("Incident closed",
		zap.String("incident_id", s.ID),
		zap.String("status", string(s.Status)),
		zap.String("error", s.Error),
	)
	c.deps.Notifier.SendAlert(security.AudienceOperations,
		fmt.Sprintf("Incident %s %s", s.ID, s.Status),
		fmt.Sprintf("Incident %s (%s) finished with status %s. %s", s.ID, s.Trigger.Type, s.Status, s.Error))

	if c.deps.Protector != nil && c.ActiveCount() == 0 {
		c.deps.Protector.SetHeightened(false)
	}
}

// Resolve manually closes an in-progress incident through recovery.
func (c *Coordinator) Resolve(id, note string) (Incident, error) {
	inc, ok := c.lookup(id)
	if !ok {
		return Incident{}, ErrIncidentNotFound
	}

	if status := inc.status(); status != StatusInProgress {
		return inc.snapshot(), fmt.Errorf("%w: cannot resolve %s incident", ErrInvalidTransition, status)
	}

	c.recovery.cancel(id)
	c.record(inc, "Resolved by operator: %s", note)
	if _, err := inc.transition(c.clk.Now(), StatusRecovering); err != nil {
		return inc.snapshot(), err
	}
	c.observe(StatusRecovering)

	c.restore(inc)
	c.complete(inc)
	return inc.snapshot(), nil
}

// Abort fails a non-terminal incident.
func (c *Coordinator) Abort(id, reason string) (Incident, error) {
	inc, ok := c.lookup(id)
	if !ok {
		return Incident{}, ErrIncidentNotFound
	}

	c.recovery.cancel(id)
	err := inc.fail(c.clk.Now(), "aborted by operator: "+reason)
	if err != nil {
		return inc.snapshot(), err
	}
	c.finish(inc, nil)
	return inc.snapshot(), nil
}

// CancelRecovery stops a scheduled recovery, leaving the incident in
// progress for manual handling.
func (c *Coordinator) CancelRecovery(id string) (bool, error) {
	inc, ok := c.lookup(id)
	if !ok {
		return false, ErrIncidentNotFound
	}
	if !c.recovery.cancel(id) {
		return false, nil
	}
	c.record(inc, "Scheduled recovery cancelled by operator")
	return true, nil
}

// RecoveryPending reports whether a recovery timer is armed for id.
func (c *Coordinator) RecoveryPending(id string) bool {
	return c.recovery.pending(id)
}

// Get returns a snapshot of one incident.
func (c *Coordinator) Get(id string) (Incident, error) {
	inc, ok := c.lookup(id)
	if !ok {
		return Incident{}, ErrIncidentNotFound
	}
	return inc.snapshot(), nil
}

// List returns snapshots of every incident, oldest first.
func (c *Coordinator) List() []Incident {
	c.mu.RLock()
	out := make([]Incident, 0, len(c.incidents))
	for _, inc := range c.incidents {
		out = append(out, inc.snapshot())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveCount returns the number of non-terminal incidents.
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, inc := range c.incidents {
		if !inc.status().Terminal() {
			n++
		}
	}
	return n
}

// Prune removes terminal incidents last updated before the retention
// period and returns how many were removed.
func (c *Coordinator) Prune() int {
	if c.config.Retention <= 0 {
		return 0
	}
	cutoff := c.clk.Now().Add(-c.config.Retention)

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, inc := range c.incidents {
		s := inc.snapshot()
		if s.Status.Terminal() && s.UpdatedAt.Before(cutoff) {
			delete(c.incidents, id)
			removed++
		}
	}
	return removed
}

// Start runs the retention sweep.
func (c *Coordinator) Start() {
	if c.config.Retention <= 0 {
		return
	}
	interval := c.config.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if n := c.Prune(); n > 0 {
					c.logger.Info("Pruned closed incidents", zap.Int("count", n))
				}
			}
		}
	}()
}

// Stop cancels pending recoveries and in-flight steps and waits for the
// workflows to return.
func (c *Coordinator) Stop() {
	c.recovery.stopAll()
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.flows.Wait()
	c.wg.Wait()
}

func (c *Coordinator) lookup(id string) (*incident, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inc, ok := c.incidents[id]
	return inc, ok
}

func (c *Coordinator) active(inc *incident) bool {
	return inc.status() == StatusInProgress
}

func (c *Coordinator) transition(inc *incident, to Status) bool {
	from, err := inc.transition(c.clk.Now(), to)
	if err != nil {
		c.logger.Debug("Incident transition skipped",
			zap.String("incident_id", inc.data.ID),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return false
	}
	if from == StatusInProgress {
		c.recovery.cancel(inc.data.ID)
	}
	c.observe(to)
	return true
}

func (c *Coordinator) record(inc *incident, format string, args ...any) {
	inc.record(c.clk.Now(), format, args...)
}

// step runs a hook, recording success or failure without aborting.
func (c *Coordinator) step(inc *incident, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.StepTimeout)
	defer cancel()

	c.guard(inc, name, func() error {
		if err := fn(ctx); err != nil {
			return err
		}
		c.record(inc, "%s completed", name)
		return nil
	})
}

// guard records a failed or panicking step on the incident.
func (c *Coordinator) guard(inc *incident, name string, fn func() error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = fn()
	}()

	if err != nil {
		c.logger.Warn("Incident step failed",
			zap.String("incident_id", inc.data.ID),
			zap.String("step", name),
			zap.Error(err),
		)
		c.record(inc, "%s failed: %v", name, err)
	}
}

func (c *Coordinator) checkIntegrity(ctx context.Context) (report security.IntegrityReport) {
	if c.deps.Integrity == nil {
		return security.IntegrityReport{Status: security.HealthHealthy}
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Integrity check panicked", zap.Any("panic", r))
			report = security.IntegrityReport{Status: security.HealthCritical}
		}
	}()
	return c.deps.Integrity.CheckSystemIntegrity(ctx)
}

func (c *Coordinator) observe(status Status) {
	if c.deps.Observer != nil {
		c.deps.Observer.IncidentStatus(string(status))
	}
}

func sourceOf(t Trigger) string {
	if t.AttackerID != "" {
		return t.AttackerID
	}
	return security.SystemSource
}

func formatComponents(components map[string]bool) string {
	if len(components) == 0 {
		return "no components reported"
	}
	names := make([]string, 0, len(components))
	for name := range components {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		state := "ok"
		if !components[name] {
			state = "unhealthy"
		}
		parts[i] = name + "=" + state
	}
	return strings.Join(parts, ", ")
}
