// Package response turns detections into tiered responses: monitoring,
// temporary and permanent blocks, advisories, notifications, escalation
// and emergency handoff.
package response

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/concurrency"
	"github.com/shizukutanaka/mamoru/internal/emergency"
	"github.com/shizukutanaka/mamoru/internal/firewall"
	"github.com/shizukutanaka/mamoru/internal/reputation"
	"github.com/shizukutanaka/mamoru/internal/security"
)

// EscalationReason is the blacklist reason of escalation blocks.
const EscalationReason = security.EventEscalation

// EmergencyCoordinator receives CRITICAL detections.
type EmergencyCoordinator interface {
	Initiate(trigger emergency.Trigger) (emergency.Incident, error)
}

// Observer receives response counters.
type Observer interface {
	ResponseHandled(severity string)
	Escalated()
}

// Config tunes the orchestrator.
type Config struct {
	MediumBlockTTL      time.Duration
	EscalationThreshold int
	// EscalationWindow of zero counts attacks cumulatively with no decay.
	EscalationWindow time.Duration
	// StatsIdleEviction drops idle, never-escalated sources; zero keeps
	// statistics for the process lifetime.
	StatsIdleEviction time.Duration
	AutoUnblock       bool
	AdvisoryHistory   int
	Shards            int
}

// DefaultConfig returns a 30 minute MEDIUM block and a cumulative
// escalation threshold of 10 attacks.
func DefaultConfig() Config {
	return Config{
		MediumBlockTTL:      30 * time.Minute,
		EscalationThreshold: 10,
		AutoUnblock:         true,
		AdvisoryHistory:     256,
	}
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Store     *reputation.Store
	Firewall  firewall.Backend
	Pool      *concurrency.SafeWorkerPool
	Sink      security.EventSink
	Notifier  security.Notifier
	Watchlist *Watchlist
	Emergency EmergencyCoordinator
	Handlers  map[string]Handler
	Observer  Observer
}

// Orchestrator applies the tiered response to each detection. The
// immediate block is written synchronously in Handle; everything else runs
// on the worker pool.
type Orchestrator struct {
	logger *zap.Logger
	clk    clock.Clock
	config Config
	deps   Deps

	stats      *Statistics
	advisories *advisoryLog

	handled     atomic.Uint64
	escalations atomic.Uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewOrchestrator creates an orchestrator and, with AutoUnblock, subscribes
// to blacklist expiry to lift firewall rules.
func NewOrchestrator(logger *zap.Logger, clk clock.Clock, config Config, deps Deps) *Orchestrator {
	if config.MediumBlockTTL <= 0 {
		config.MediumBlockTTL = 30 * time.Minute
	}
	if deps.Firewall == nil {
		deps.Firewall = firewall.NewNoop(logger)
	}
	if deps.Pool == nil {
		deps.Pool = concurrency.NewSafeWorkerPool(logger, 0, 0)
	}
	if deps.Sink == nil {
		deps.Sink = security.NopSink{}
	}
	if deps.Notifier == nil {
		deps.Notifier = security.NopNotifier{}
	}
	if deps.Handlers == nil {
		deps.Handlers = DefaultHandlers()
	}

	o := &Orchestrator{
		logger:     logger,
		clk:        clk,
		config:     config,
		deps:       deps,
		stats:      NewStatistics(clk, config.EscalationThreshold, config.EscalationWindow, config.Shards),
		advisories: newAdvisoryLog(config.AdvisoryHistory),
		stop:       make(chan struct{}),
	}
	if config.AutoUnblock {
		deps.Store.OnExpired(o.expired)
	}
	return o
}

// Handle implements security.Responder.
func (o *Orchestrator) Handle(d security.Detection) {
	if d.Timestamp.IsZero() {
		d.Timestamp = o.clk.Now()
	}
	o.handled.Add(1)

	blocked := o.blockNow(d)
	o.deps.Pool.Submit("respond:"+d.Rule, func(ctx context.Context) {
		o.respond(ctx, d, blocked)
	})
}

// blockNow records the tier's block in the store so the next request from
// the source is rejected. It reports whether the source is now blocked.
func (o *Orchestrator) blockNow(d security.Detection) bool {
	if d.Source == security.SystemSource || d.Source == "" {
		return false
	}
	if d.Blocked {
		return true
	}

	switch {
	case d.Severity >= security.SeverityHigh:
		_, changed := o.deps.Store.Block(d.Source, d.Rule, reputation.Permanent)
		return changed || o.deps.Store.IsBlocked(d.Source)
	case d.Severity == security.SeverityMedium:
		_, changed := o.deps.Store.Block(d.Source, d.Rule, o.config.MediumBlockTTL)
		return changed || o.deps.Store.IsBlocked(d.Source)
	default:
		return false
	}
}

func (o *Orchestrator) respond(ctx context.Context, d security.Detection, blocked bool) {
	o.deps.Sink.Record(security.Event{
		Type:      d.Rule,
		Source:    d.Source,
		Detail:    d.Detail,
		Severity:  d.Severity,
		Timestamp: d.Timestamp,
	})
	if o.deps.Observer != nil {
		o.deps.Observer.ResponseHandled(d.Severity.String())
	}

	switch d.Severity {
	case security.SeverityLow:
		o.monitor(d)
	case security.SeverityMedium:
		o.enforce(ctx, d, blocked)
		o.deps.Notifier.SendAlert(security.AudienceSecurityTeam,
			fmt.Sprintf("[%s] %s from %s", d.Severity, d.Rule, d.Source),
			o.describe(d, "Source temporarily blocked for "+o.config.MediumBlockTTL.String()))
	default:
		o.enforce(ctx, d, blocked)
		o.advise(d)
		o.deps.Notifier.SendAlert(security.AudienceSecurityTeam,
			fmt.Sprintf("[URGENT][%s] %s from %s", d.Severity, d.Rule, d.Source),
			o.describe(d, "Source blocked permanently"))
		if d.Severity == security.SeverityCritical {
			o.handoff(d)
		}
	}

	snapshot, escalate := o.stats.Record(d.Source, d.Rule)
	if escalate {
		o.escalate(ctx, snapshot)
	}
}

func (o *Orchestrator) monitor(d security.Detection) {
	if o.deps.Watchlist == nil || d.Source == security.SystemSource {
		return
	}
	level, err := o.deps.Watchlist.Raise(d.Source)
	if err != nil {
		o.logger.Warn("Failed to increase source monitoring",
			zap.String("source", d.Source),
			zap.String("rule", d.Rule),
			zap.Error(err),
		)
		return
	}
	o.logger.Info("Source monitoring increased",
		zap.String("source", d.Source),
		zap.String("rule", d.Rule),
		zap.Int("level", level),
	)
}

// enforce mirrors the store's block onto the firewall.
func (o *Orchestrator) enforce(ctx context.Context, d security.Detection, blocked bool) {
	if !blocked {
		return
	}

	o.deps.Sink.Record(security.Event{
		Type:      security.EventBlocked,
		Source:    d.Source,
		Detail:    d.Rule,
		Severity:  d.Severity,
		Timestamp: o.clk.Now(),
	})

	if !o.deps.Firewall.Apply(ctx, d.Source, firewall.ActionBlock) {
		o.logger.Warn("Firewall block failed, pending reconciliation",
			zap.String("source", d.Source),
			zap.String("backend", o.deps.Firewall.Name()),
		)
		o.deps.Sink.Record(security.Event{
			Type:      security.EventFirewallFailure,
			Source:    d.Source,
			Detail:    "BLOCK via " + o.deps.Firewall.Name(),
			Severity:  security.SeverityMedium,
			Timestamp: o.clk.Now(),
		})
	}
}

func (o *Orchestrator) advise(d security.Detection) {
	handler, ok := o.deps.Handlers[d.Rule]
	if !ok {
		return
	}
	msg := handler(d)
	if msg == "" {
		return
	}

	a := Advisory{Rule: d.Rule, Source: d.Source, Message: msg, Timestamp: o.clk.Now()}
	o.advisories.add(a)
	o.logger.Warn("Security advisory",
		zap.String("rule", d.Rule),
		zap.String("source", d.Source),
		zap.String("advisory", msg),
	)
	o.deps.Sink.Record(security.Event{
		Type:      security.EventAdvisory,
		Source:    d.Source,
		Detail:    d.Rule + ": " + msg,
		Severity:  d.Severity,
		Timestamp: a.Timestamp,
	})
}

func (o *Orchestrator) handoff(d security.Detection) {
	if o.deps.Emergency == nil {
		o.logger.Warn("No emergency coordinator configured for critical detection",
			zap.String("rule", d.Rule),
			zap.String("source", d.Source),
		)
		return
	}

	trigger := emergency.Trigger{
		Type:      emergency.TriggerForRule(d.Rule),
		Severity:  d.Severity,
		Reason:    fmt.Sprintf("%s: %s", d.Rule, d.Detail),
		Timestamp: d.Timestamp,
	}
	if d.Source == security.SystemSource {
		trigger.CompromisedSystem = d.Detail
	} else {
		trigger.AttackerID = d.Source
	}

	inc, err := o.deps.Emergency.Initiate(trigger)
	if err != nil {
		o.logger.Error("Failed to initiate emergency response", zap.Error(err))
		return
	}
	o.logger.Warn("Critical detection handed to emergency response",
		zap.String("incident_id", inc.ID),
		zap.String("rule", d.Rule),
	)
}

func (o *Orchestrator) escalate(ctx context.Context, s AttackStatistics) {
	o.escalations.Add(1)
	if o.deps.Observer != nil {
		o.deps.Observer.Escalated()
	}

	summary := fmt.Sprintf("%d attacks from %s since %s: %s",
		s.TotalAttacks, s.Source, s.FirstSeen.UTC().Format(time.RFC3339), formatByType(s.AttacksByType))

	o.logger.Warn("Source escalated",
		zap.String("source", s.Source),
		zap.Uint64("total_attacks", s.TotalAttacks),
		zap.Any("attacks_by_type", s.AttacksByType),
	)

	if s.Source != security.SystemSource {
		o.deps.Store.Block(s.Source, EscalationReason, reputation.Permanent)
		if !o.deps.Firewall.Apply(ctx, s.Source, firewall.ActionBlock) {
			o.logger.Warn("Firewall block failed on escalation", zap.String("source", s.Source))
		}
	}

	o.deps.Sink.Record(security.Event{
		Type:      security.EventEscalation,
		Source:    s.Source,
		Detail:    summary,
		Severity:  security.SeverityHigh,
		Timestamp: o.clk.Now(),
	})
	o.deps.Notifier.SendAlert(security.AudienceSecurityTeam,
		fmt.Sprintf("[ESCALATION] %s", s.Source), summary)
}

// expired lifts the firewall rule of a blacklist entry whose TTL elapsed.
func (o *Orchestrator) expired(e reputation.Entry) {
	o.deps.Pool.Submit("unblock:"+e.Identifier, func(ctx context.Context) {
		ok := o.deps.Firewall.Apply(ctx, e.Identifier, firewall.ActionUnblock)
		o.deps.Sink.Record(security.Event{
			Type:      security.EventUnblocked,
			Source:    e.Identifier,
			Detail:    fmt.Sprintf("expired (%s), firewall unblock ok=%t", e.Reason, ok),
			Severity:  security.SeverityLow,
			Timestamp: o.clk.Now(),
		})
	})
}

// Block records a manual block and enforces it asynchronously.
func (o *Orchestrator) Block(id, reason string, ttl time.Duration) (reputation.Entry, bool) {
	entry, changed := o.deps.Store.Block(id, reason, ttl)
	if !o.deps.Store.IsBlocked(id) {
		return entry, false
	}
	o.deps.Pool.Submit("block:"+id, func(ctx context.Context) {
		o.deps.Firewall.Apply(ctx, id, firewall.ActionBlock)
		o.deps.Sink.Record(security.Event{
			Type:      security.EventBlocked,
			Source:    id,
			Detail:    "manual: " + reason,
			Severity:  security.SeverityMedium,
			Timestamp: o.clk.Now(),
		})
	})
	return entry, changed
}

// Unblock removes a block and lifts the firewall rule asynchronously.
func (o *Orchestrator) Unblock(id, reason string) bool {
	if !o.deps.Store.Unblock(id, reason) {
		return false
	}
	o.deps.Pool.Submit("unblock:"+id, func(ctx context.Context) {
		o.deps.Firewall.Apply(ctx, id, firewall.ActionUnblock)
		o.deps.Sink.Record(security.Event{
			Type:      security.EventUnblocked,
			Source:    id,
			Detail:    "manual: " + reason,
			Severity:  security.SeverityLow,
			Timestamp: o.clk.Now(),
		})
	})
	return true
}

// Statistics returns the per-source statistics table.
func (o *Orchestrator) Statistics() *Statistics { return o.stats }

// Advisories returns the recent advisories, oldest first.
func (o *Orchestrator) Advisories() []Advisory { return o.advisories.list() }

// Counters returns orchestrator counters.
func (o *Orchestrator) Counters() map[string]uint64 {
	return map[string]uint64{
		"handled":     o.handled.Load(),
		"escalations": o.escalations.Load(),
	}
}

// EvictIdle applies the statistics eviction policy.
func (o *Orchestrator) EvictIdle() int {
	if o.config.StatsIdleEviction <= 0 {
		return 0
	}
	return o.stats.Evict(o.config.StatsIdleEviction)
}

// Start runs the statistics eviction loop when eviction is configured.
func (o *Orchestrator) Start() {
	idle := o.config.StatsIdleEviction
	if idle <= 0 {
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		ticker := time.NewTicker(max(idle/4, time.Minute))
		defer ticker.Stop()

		for {
			select {
			case <-o.stop:
				return
			case <-ticker.C:
				if n := o.EvictIdle(); n > 0 {
					o.logger.Debug("Evicted idle attack statistics", zap.Int("sources", n))
				}
			}
		}
	}()
}

// Stop halts the eviction loop.
func (o *Orchestrator) Stop() {
	select {
	case <-o.stop:
	default:
		close(o.stop)
	}
	o.wg.Wait()
}

func (o *Orchestrator) describe(d security.Detection, action string) string {
	return fmt.Sprintf("Rule: %s\nSeverity: %s\nSource: %s\nMatched: %s\nTime: %s\nAction: %s",
		d.Rule, d.Severity, d.Source, d.Detail, d.Timestamp.UTC().Format(time.RFC3339), action)
}

func formatByType(byType map[string]uint64) string {
	names := make([]string, 0, len(byType))
	for name := range byType {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, byType[name])
	}
	return strings.Join(parts, ", ")
}
