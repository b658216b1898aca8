package response

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/concurrency"
	"github.com/shizukutanaka/mamoru/internal/detection"
	"github.com/shizukutanaka/mamoru/internal/emergency"
	"github.com/shizukutanaka/mamoru/internal/firewall"
	"github.com/shizukutanaka/mamoru/internal/reputation"
	"github.com/shizukutanaka/mamoru/internal/security"
)

type eventLog struct {
	mu     sync.Mutex
	events []security.Event
}

func (l *eventLog) Record(e security.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type alertLog struct {
	mu       sync.Mutex
	subjects []string
}

func (a *alertLog) SendAlert(_, subject, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subjects = append(a.subjects, subject)
}

func (a *alertLog) SendEmergencyAlert(string) {}

func (a *alertLog) Subjects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.subjects...)
}

type fakeFirewall struct {
	mu    sync.Mutex
	ok    bool
	calls []string
}

func (f *fakeFirewall) Name() string { return "fake" }

func (f *fakeFirewall) Apply(_ context.Context, id string, action firewall.Action) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action.String()+" "+id)
	return f.ok
}

func (f *fakeFirewall) EnableRateLimiting(context.Context, int) {}
func (f *fakeFirewall) EnableDDoSProtection(context.Context)    {}

func (f *fakeFirewall) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeEmergency struct {
	mu       sync.Mutex
	triggers []emergency.Trigger
}

func (f *fakeEmergency) Initiate(t emergency.Trigger) (emergency.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, t)
	return emergency.Incident{ID: "INC-test", Trigger: t, Status: emergency.StatusInitiated}, nil
}

type fixture struct {
	orch      *Orchestrator
	store     *reputation.Store
	clk       *clock.Fake
	events    *eventLog
	alerts    *alertLog
	fw        *fakeFirewall
	emergency *fakeEmergency
	watchlist *Watchlist
}

func newFixture(t *testing.T, mutate func(*Config)) fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	watchlist, err := NewWatchlist(time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { watchlist.Close() })

	f := fixture{
		store:     reputation.NewStore(logger, clk, reputation.Config{}),
		clk:       clk,
		events:    &eventLog{},
		alerts:    &alertLog{},
		fw:        &fakeFirewall{ok: true},
		emergency: &fakeEmergency{},
		watchlist: watchlist,
	}

	cfg := DefaultConfig()
	cfg.EscalationThreshold = 3
	if mutate != nil {
		mutate(&cfg)
	}

	f.orch = NewOrchestrator(logger, clk, cfg, Deps{
		Store:     f.store,
		Firewall:  f.fw,
		Pool:      concurrency.NewSafeWorkerPool(logger, 0, 0),
		Sink:      f.events,
		Notifier:  f.alerts,
		Watchlist: watchlist,
		Emergency: f.emergency,
	})
	return f
}

func detect(source, rule string, severity security.Severity) security.Detection {
	return security.Detection{Source: source, Rule: rule, Severity: severity, Detail: "match"}
}

func TestUnionSelectBlocksPermanentlyWithOneEvent(t *testing.T) {
	f := newFixture(t, nil)
	logger := zaptest.NewLogger(t)

	rules, err := detection.NewRuleSet(detection.DefaultRules()...)
	require.NoError(t, err)
	engine := detection.NewEngine(logger, f.clk, f.store, rules, f.orch, detection.DefaultConfig())

	d := engine.Evaluate(detection.Request{
		Source:    "203.0.113.10",
		Path:      "/users",
		RawQuery:  "filter=union select * from users",
		UserAgent: "Mozilla/5.0",
	})
	require.Equal(t, detection.OutcomeRuleMatch, d.Outcome)

	entry, ok := f.store.Lookup("203.0.113.10")
	require.True(t, ok)
	assert.True(t, entry.Permanent())
	assert.Equal(t, detection.RuleSQLInjection, entry.Reason)
	assert.Equal(t, 1, f.events.count(detection.RuleSQLInjection))

	// The next request is rejected at the blacklist stage and adds no events.
	d = engine.Evaluate(detection.Request{Source: "203.0.113.10", Path: "/", UserAgent: "Mozilla/5.0"})
	assert.Equal(t, detection.OutcomeBlocked, d.Outcome)
	assert.Equal(t, 1, f.events.count(detection.RuleSQLInjection))

	require.Len(t, f.orch.Advisories(), 1)
	assert.Contains(t, f.orch.Advisories()[0].Message, "storage layer")
	assert.Equal(t, []string{"BLOCK 203.0.113.10"}, f.fw.Calls())
}

func TestSeverityTiers(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EscalationThreshold = 100 })

	f.orch.Handle(detect("192.0.2.1", "SCANNER_USER_AGENT", security.SeverityLow))
	assert.False(t, f.store.IsBlocked("192.0.2.1"))
	assert.Equal(t, 1, f.watchlist.Level("192.0.2.1"))
	assert.True(t, f.watchlist.Watching("192.0.2.1"))

	f.orch.Handle(detect("192.0.2.2", "SUSPICIOUS_PATH", security.SeverityMedium))
	entry, ok := f.store.Lookup("192.0.2.2")
	require.True(t, ok)
	assert.Equal(t, 30*time.Minute, entry.Remaining(f.clk.Now()))

	f.orch.Handle(detect("192.0.2.3", "XSS", security.SeverityHigh))
	entry, ok = f.store.Lookup("192.0.2.3")
	require.True(t, ok)
	assert.True(t, entry.Permanent())
	assert.Empty(t, f.emergency.triggers)

	f.orch.Handle(detect("192.0.2.4", "COMMAND_INJECTION", security.SeverityCritical))
	require.Len(t, f.emergency.triggers, 1)
	trigger := f.emergency.triggers[0]
	assert.Equal(t, emergency.TypeCyberAttack, trigger.Type)
	assert.Equal(t, "192.0.2.4", trigger.AttackerID)
	assert.Equal(t, security.SeverityCritical, trigger.Severity)

	assert.Equal(t, []string{
		"[MEDIUM] SUSPICIOUS_PATH from 192.0.2.2",
		"[URGENT][HIGH] XSS from 192.0.2.3",
		"[URGENT][CRITICAL] COMMAND_INJECTION from 192.0.2.4",
	}, f.alerts.Subjects())
	assert.Equal(t, []string{"BLOCK 192.0.2.2", "BLOCK 192.0.2.3", "BLOCK 192.0.2.4"}, f.fw.Calls())
}

func TestStatisticsCountEveryDetection(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EscalationThreshold = 100 })

	severities := []security.Severity{security.SeverityLow, security.SeverityMedium, security.SeverityHigh, security.SeverityLow}
	for i, sev := range severities {
		f.orch.Handle(detect("192.0.2.9", "RULE", sev))
		s, ok := f.orch.Statistics().Get("192.0.2.9")
		require.True(t, ok)
		assert.Equal(t, uint64(i+1), s.TotalAttacks)
	}
}

func TestEscalationFiresOncePerCrossing(t *testing.T) {
	f := newFixture(t, nil)

	for i := 0; i < 6; i++ {
		f.orch.Handle(detect("198.51.100.7", "EMPTY_USER_AGENT", security.SeverityLow))
	}

	assert.Equal(t, 1, f.events.count(security.EventEscalation))
	assert.Equal(t, []string{"[ESCALATION] 198.51.100.7"}, f.alerts.Subjects())

	entry, ok := f.store.Lookup("198.51.100.7")
	require.True(t, ok)
	assert.True(t, entry.Permanent())
	assert.Equal(t, EscalationReason, entry.Reason)

	s, _ := f.orch.Statistics().Get("198.51.100.7")
	assert.Equal(t, uint64(6), s.TotalAttacks)
	assert.True(t, s.Escalated)
	assert.Equal(t, uint64(1), f.orch.Counters()["escalations"])
}

func TestSlidingWindowEscalationRearms(t *testing.T) {
	clk := clock.NewFake(time.Now())
	stats := NewStatistics(clk, 2, time.Minute, 0)

	fired := 0
	record := func() {
		if _, escalate := stats.Record("a", "R"); escalate {
			fired++
		}
	}

	record()
	record()
	record()
	record()
	assert.Equal(t, 1, fired)

	clk.Advance(2 * time.Minute)
	record()
	assert.Equal(t, 1, fired, "count fell back under the threshold")
	record()
	record()
	assert.Equal(t, 2, fired)
}

func TestSystemSourceIsNeverBlocked(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.EscalationThreshold = 1 })

	f.orch.Handle(detect(security.SystemSource, "FILE_INTEGRITY_VIOLATION", security.SeverityCritical))
	f.orch.Handle(detect(security.SystemSource, "CONNECTION_ANOMALY", security.SeverityMedium))

	assert.Empty(t, f.store.List())
	assert.Empty(t, f.fw.Calls())
	require.Len(t, f.emergency.triggers, 1)
	assert.Equal(t, emergency.TypeSystemCompromise, f.emergency.triggers[0].Type)
	assert.Equal(t, "match", f.emergency.triggers[0].CompromisedSystem)
	assert.Equal(t, 1, f.events.count(security.EventEscalation))
}

func TestPreBlockedDetectionKeepsDetectorBlock(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Block("192.0.2.20", security.EventRateLimitExceeded, 10*time.Minute)

	d := detect("192.0.2.20", security.EventRateLimitExceeded, security.SeverityMedium)
	d.Blocked = true
	f.orch.Handle(d)

	entry, ok := f.store.Lookup("192.0.2.20")
	require.True(t, ok)
	assert.Equal(t, security.EventRateLimitExceeded, entry.Reason)
	assert.Equal(t, 10*time.Minute, entry.Remaining(f.clk.Now()))
	assert.Equal(t, []string{"BLOCK 192.0.2.20"}, f.fw.Calls())
}

func TestFirewallFailureIsRecordedNotSurfaced(t *testing.T) {
	f := newFixture(t, nil)
	f.fw.ok = false

	f.orch.Handle(detect("192.0.2.30", "XSS", security.SeverityHigh))

	assert.True(t, f.store.IsBlocked("192.0.2.30"))
	assert.Equal(t, 1, f.events.count(security.EventFirewallFailure))
}

func TestExpiryLiftsFirewallRule(t *testing.T) {
	f := newFixture(t, nil)

	f.orch.Handle(detect("192.0.2.40", "SUSPICIOUS_PATH", security.SeverityMedium))
	f.clk.Advance(31 * time.Minute)

	expired := f.store.Sweep()
	require.Len(t, expired, 1)
	assert.Equal(t, []string{"BLOCK 192.0.2.40", "UNBLOCK 192.0.2.40"}, f.fw.Calls())
	assert.Equal(t, 1, f.events.count(security.EventUnblocked))
}

func TestImmediateBlockVisibleBeforeAsyncWork(t *testing.T) {
	logger := zaptest.NewLogger(t)
	clk := clock.NewFake(time.Now())
	store := reputation.NewStore(logger, clk, reputation.Config{})

	pool := concurrency.NewSafeWorkerPool(logger, 1, 8)
	pool.Start()
	defer pool.Shutdown(time.Second)

	release := make(chan struct{})
	pool.Submit("blocker", func(context.Context) { <-release })

	orch := NewOrchestrator(logger, clk, DefaultConfig(), Deps{Store: store, Pool: pool})
	orch.Handle(detect("192.0.2.50", "PATH_TRAVERSAL", security.SeverityHigh))

	assert.True(t, store.IsBlocked("192.0.2.50"))
	close(release)
}

func TestManualBlockAndUnblock(t *testing.T) {
	f := newFixture(t, nil)

	_, changed := f.orch.Block("192.0.2.60", "operator", reputation.Permanent)
	assert.True(t, changed)
	assert.True(t, f.orch.Unblock("192.0.2.60", "cleared"))
	assert.False(t, f.orch.Unblock("192.0.2.60", "cleared"))

	assert.Equal(t, []string{"BLOCK 192.0.2.60", "UNBLOCK 192.0.2.60"}, f.fw.Calls())
	assert.False(t, f.store.IsBlocked("192.0.2.60"))
}

func TestStatisticsEviction(t *testing.T) {
	clk := clock.NewFake(time.Now())
	stats := NewStatistics(clk, 1, 0, 0)

	stats.Record("idle", "R")
	stats.Record("escalated", "R")
	stats.Record("escalated", "R")
	clk.Advance(2 * time.Hour)
	stats.Record("fresh", "R")

	assert.Equal(t, 1, stats.Evict(time.Hour))
	assert.Equal(t, 2, stats.Len())
	all := stats.All()
	require.Len(t, all, 2)
	assert.Equal(t, "escalated", all[0].Source)
}

func TestWatchlistRaise(t *testing.T) {
	w, err := NewWatchlist(time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	level, err := w.Raise("192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, 1, level)
	level, err = w.Raise("192.0.2.1")
	require.NoError(t, err)
	assert.Equal(t, 2, level)
	assert.Equal(t, 1, w.Len())
}

func TestWatchlistRaiseReportsCacheFailure(t *testing.T) {
	config := bigcache.DefaultConfig(time.Hour)
	config.HardMaxCacheSize = 1
	config.Verbose = false
	w, err := newWatchlist(config)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	// Each shard holds at most 1 MB / 1024 shards; this key cannot fit.
	id := strings.Repeat("a", 64*1024)
	level, err := w.Raise(id)
	assert.Error(t, err)
	assert.Equal(t, 0, level)
	assert.False(t, w.Watching(id))
}
