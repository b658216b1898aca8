// Package detection evaluates inbound requests and host state against
// signature rules and rate limits and hands every hit to a responder.
package detection

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/reputation"
	"github.com/shizukutanaka/mamoru/internal/security"
)

// Outcome is the verdict for one request.
type Outcome int

const (
	OutcomeAllow Outcome = iota
	OutcomeBlocked
	OutcomeRateLimited
	OutcomeRuleMatch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllow:
		return "allow"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeRuleMatch:
		return "rule_match"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// StatusCode maps an outcome to the HTTP status returned to the client.
func (o Outcome) StatusCode() int {
	switch o {
	case OutcomeBlocked, OutcomeRuleMatch:
		return http.StatusForbidden
	case OutcomeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

// Decision is the result of Evaluate.
type Decision struct {
	Outcome  Outcome
	Source   string
	Rule     string
	Severity security.Severity
	Matched  string
	// Detections lists every hit forwarded to the responder.
	Detections []security.Detection
}

// Rejected reports whether the request must not reach the handler.
func (d Decision) Rejected() bool {
	return d.Outcome != OutcomeAllow
}

// Observer receives evaluation counters.
type Observer interface {
	RequestEvaluated(outcome string)
	DetectionRaised(rule, severity string)
}

// Watchlist reports sources under increased monitoring.
type Watchlist interface {
	Watching(id string) bool
}

// Config tunes the engine.
type Config struct {
	Enabled        bool
	RateLimit      int
	RateWindow     time.Duration
	RateLimitBlock time.Duration
	ProxyHeaders   []string
	SweepInterval  time.Duration
	Shards         int
}

// DefaultConfig returns 100 requests per minute and a 10 minute block.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		RateLimit:      100,
		RateWindow:     time.Minute,
		RateLimitBlock: 10 * time.Minute,
		ProxyHeaders:   DefaultProxyHeaders,
		SweepInterval:  time.Minute,
	}
}

// Engine is the per-request evaluation pipeline. It holds no per-request
// state; all mutable state lives in the reputation store and rate limiter.
type Engine struct {
	logger    *zap.Logger
	clk       clock.Clock
	config    Config
	store     *reputation.Store
	rules     *RuleSet
	limiter   *RateLimiter
	responder security.Responder
	observer  Observer
	watchlist Watchlist

	heightened atomic.Bool
	evaluated  atomic.Uint64
	rejected   atomic.Uint64
	ruleErrors atomic.Uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates an engine.
func NewEngine(logger *zap.Logger, clk clock.Clock, store *reputation.Store, rules *RuleSet, responder security.Responder, config Config) *Engine {
	if config.RateLimit <= 0 {
		config.RateLimit = 100
	}
	if config.RateLimitBlock <= 0 {
		config.RateLimitBlock = 10 * time.Minute
	}
	if config.ProxyHeaders == nil {
		config.ProxyHeaders = DefaultProxyHeaders
	}
	if responder == nil {
		responder = security.ResponderFunc(func(security.Detection) {})
	}

	return &Engine{
		logger:    logger,
		clk:       clk,
		config:    config,
		store:     store,
		rules:     rules,
		limiter:   NewRateLimiter(clk, config.RateWindow, config.Shards),
		responder: responder,
		stop:      make(chan struct{}),
	}
}

// SetObserver registers a counter observer. Must be called before use.
func (e *Engine) SetObserver(o Observer) { e.observer = o }

// SetWatchlist registers the monitoring watchlist. Must be called before use.
func (e *Engine) SetWatchlist(w Watchlist) { e.watchlist = w }

// SetHeightened toggles heightened protective mode, which halves the
// rate limit while an emergency incident is active.
func (e *Engine) SetHeightened(on bool) {
	if e.heightened.Swap(on) != on {
		e.logger.Warn("Heightened protection mode changed", zap.Bool("enabled", on))
	}
}

// Heightened reports whether heightened mode is on.
func (e *Engine) Heightened() bool { return e.heightened.Load() }

// Rules returns the engine's rule set.
func (e *Engine) Rules() *RuleSet { return e.rules }

// Stats returns evaluation counters.
func (e *Engine) Stats() map[string]uint64 {
	return map[string]uint64{
		"evaluated":   e.evaluated.Load(),
		"rejected":    e.rejected.Load(),
		"rule_errors": e.ruleErrors.Load(),
	}
}

// Evaluate runs the pipeline for one request: blacklist, then rate limit,
// then signature rules. An internal failure allows the request.
func (e *Engine) Evaluate(req Request) (decision Decision) {
	decision = Decision{Outcome: OutcomeAllow, Source: req.Source}
	if !e.config.Enabled {
		return decision
	}
	e.evaluated.Add(1)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Detection pipeline failed, allowing request",
				zap.String("source", req.Source),
				zap.Any("panic", r),
			)
			decision = Decision{Outcome: OutcomeAllow, Source: req.Source}
		}
		if decision.Rejected() {
			e.rejected.Add(1)
		}
		if e.observer != nil {
			e.observer.RequestEvaluated(decision.Outcome.String())
		}
	}()

	if e.store.Whitelisted(req.Source) {
		return decision
	}

	if entry, blocked := e.store.Lookup(req.Source); blocked {
		decision.Outcome = OutcomeBlocked
		if entry.Reason == security.EventRateLimitExceeded {
			decision.Outcome = OutcomeRateLimited
		}
		return decision
	}

	if rejected := e.checkRate(req, &decision); rejected {
		return decision
	}

	if e.watchlist != nil && e.watchlist.Watching(req.Source) {
		e.logger.Info("Watched source request",
			zap.String("source", req.Source),
			zap.String("method", req.Method),
			zap.String("path", req.Path),
		)
	}

	e.evaluateRules(req, &decision)
	return decision
}

func (e *Engine) checkRate(req Request, decision *Decision) bool {
	limit := e.config.RateLimit
	if e.heightened.Load() {
		limit = max(limit/2, 1)
	}

	count, allowed := e.limiter.Allow(req.Source, limit)
	if allowed {
		return false
	}

	e.store.Block(req.Source, security.EventRateLimitExceeded, e.config.RateLimitBlock)
	det := security.Detection{
		Source:    req.Source,
		Rule:      security.EventRateLimitExceeded,
		Severity:  security.SeverityMedium,
		Detail:    fmt.Sprintf("%d requests in %s (limit %d)", count, e.limiter.window, limit),
		Timestamp: e.clk.Now(),
		Blocked:   true,
	}
	e.forward(det)

	decision.Outcome = OutcomeRateLimited
	decision.Rule = det.Rule
	decision.Severity = det.Severity
	decision.Detections = append(decision.Detections, det)
	return true
}

func (e *Engine) evaluateRules(req Request, decision *Decision) {
	for _, rule := range e.rules.rules {
		matched, ok := e.match(rule, req)
		if !ok {
			continue
		}

		det := security.Detection{
			Source:    req.Source,
			Rule:      rule.Name,
			Severity:  rule.Severity,
			Detail:    matched,
			Timestamp: e.clk.Now(),
		}
		e.forward(det)
		decision.Detections = append(decision.Detections, det)

		if rule.Severity.Blocking() {
			decision.Outcome = OutcomeRuleMatch
			decision.Rule = rule.Name
			decision.Severity = rule.Severity
			decision.Matched = matched
			return
		}
	}
}

func (e *Engine) match(rule Rule, req Request) (matched string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.ruleErrors.Add(1)
			e.logger.Error("Rule evaluation failed",
				zap.String("rule", rule.Name),
				zap.Any("panic", r),
			)
			matched, ok = "", false
		}
	}()
	return rule.Match(req)
}

func (e *Engine) forward(det security.Detection) {
	if e.observer != nil {
		e.observer.DetectionRaised(det.Rule, det.Severity.String())
	}
	e.logger.Info("Detection",
		zap.String("source", det.Source),
		zap.String("rule", det.Rule),
		zap.Stringer("severity", det.Severity),
		zap.String("detail", det.Detail),
	)
	e.responder.Handle(det)
}

// Middleware rejects blocked, rate-limited and attacking requests before
// they reach next.
func (e *Engine) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := e.Evaluate(NewRequest(r, e.config.ProxyHeaders))
		if !decision.Rejected() {
			next.ServeHTTP(w, r)
			return
		}

		status := decision.Outcome.StatusCode()
		if decision.Outcome == OutcomeRateLimited {
			w.Header().Set("Retry-After", strconv.Itoa(int(e.config.RateLimitBlock.Seconds())))
		}
		http.Error(w, http.StatusText(status), status)
	})
}

// Start launches the stale rate-window sweep.
func (e *Engine) Start() {
	interval := e.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				if n := e.limiter.Sweep(); n > 0 {
					e.logger.Debug("Swept rate windows", zap.Int("removed", n))
				}
			}
		}
	}()
}

// Stop halts the sweep.
func (e *Engine) Stop() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	e.wg.Wait()
}
