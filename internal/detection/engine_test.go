package detection

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/reputation"
	"github.com/shizukutanaka/mamoru/internal/security"
)

type recorder struct {
	mu         sync.Mutex
	detections []security.Detection
}

func (r *recorder) Handle(d security.Detection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detections = append(r.detections, d)
}

func (r *recorder) Rules() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.detections))
	for _, d := range r.detections {
		names = append(names, d.Rule)
	}
	return names
}

type engineFixture struct {
	engine *Engine
	store  *reputation.Store
	clk    *clock.Fake
	rec    *recorder
}

func newEngine(t *testing.T, mutate func(*Config), extra ...Rule) engineFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := reputation.NewStore(logger, clk, reputation.Config{Whitelist: []string{"10.0.0.0/8"}})

	rules, err := NewRuleSet(append(DefaultRules(), extra...)...)
	require.NoError(t, err)

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	rec := &recorder{}
	return engineFixture{
		engine: NewEngine(logger, clk, store, rules, rec, cfg),
		store:  store,
		clk:    clk,
		rec:    rec,
	}
}

func benign(source string) Request {
	return Request{Source: source, Method: http.MethodGet, Path: "/index.html", UserAgent: "Mozilla/5.0"}
}

func TestRateLimitRejectsExactly101st(t *testing.T) {
	f := newEngine(t, nil)

	for i := 1; i <= 100; i++ {
		d := f.engine.Evaluate(benign("198.51.100.20"))
		require.Equal(t, OutcomeAllow, d.Outcome, "request %d", i)
	}

	d := f.engine.Evaluate(benign("198.51.100.20"))
	assert.Equal(t, OutcomeRateLimited, d.Outcome)
	assert.Equal(t, security.EventRateLimitExceeded, d.Rule)

	// Subsequent requests within the temporary block stay rate limited.
	f.clk.Advance(5 * time.Minute)
	assert.Equal(t, OutcomeRateLimited, f.engine.Evaluate(benign("198.51.100.20")).Outcome)

	assert.Equal(t, []string{security.EventRateLimitExceeded}, f.rec.Rules())

	f.clk.Advance(5 * time.Minute)
	assert.Equal(t, OutcomeAllow, f.engine.Evaluate(benign("198.51.100.20")).Outcome)
}

func TestRateLimitForwardsPreBlockedMediumDetection(t *testing.T) {
	f := newEngine(t, func(c *Config) { c.RateLimit = 1 })

	f.engine.Evaluate(benign("198.51.100.21"))
	d := f.engine.Evaluate(benign("198.51.100.21"))
	require.Len(t, d.Detections, 1)

	det := d.Detections[0]
	assert.True(t, det.Blocked)
	assert.Equal(t, security.SeverityMedium, det.Severity)

	entry, ok := f.store.Lookup("198.51.100.21")
	require.True(t, ok)
	assert.Equal(t, security.EventRateLimitExceeded, entry.Reason)
	assert.Equal(t, 10*time.Minute, entry.Remaining(f.clk.Now()))
}

func TestBlacklistShortCircuitsRules(t *testing.T) {
	f := newEngine(t, nil)
	f.store.Block("203.0.113.1", "manual", reputation.Permanent)

	req := benign("203.0.113.1")
	req.RawQuery = "id=1 union select * from users"

	d := f.engine.Evaluate(req)
	assert.Equal(t, OutcomeBlocked, d.Outcome)
	assert.Empty(t, d.Detections)
	assert.Empty(t, f.rec.Rules())
}

func TestHighSeverityRuleRejectsAndStops(t *testing.T) {
	f := newEngine(t, nil)

	req := Request{Source: "203.0.113.2", Path: "/search", RawQuery: "q=1%20UNION%20SELECT%20*%20FROM%20users"}
	d := f.engine.Evaluate(req)

	assert.Equal(t, OutcomeRuleMatch, d.Outcome)
	assert.Equal(t, RuleSQLInjection, d.Rule)
	assert.Equal(t, security.SeverityHigh, d.Severity)
	assert.Contains(t, d.Matched, "union select")
	// The empty user agent is registered after the SQL rule and never evaluated.
	assert.Equal(t, []string{RuleSQLInjection}, f.rec.Rules())
}

func TestLowAndMediumHitsDoNotReject(t *testing.T) {
	f := newEngine(t, nil)

	req := Request{Source: "203.0.113.3", Path: "/.env"}
	d := f.engine.Evaluate(req)

	assert.Equal(t, OutcomeAllow, d.Outcome)
	assert.Equal(t, []string{RuleSuspiciousPath, RuleEmptyUserAgent}, f.rec.Rules())
}

func TestRulePanicIsContained(t *testing.T) {
	boom := NewPredicateRule("BOOM", security.SeverityCritical, "panics", func(Request) (string, bool) {
		panic("bad input")
	})
	f := newEngine(t, nil, boom)

	req := Request{Source: "203.0.113.4", Path: "/"}
	d := f.engine.Evaluate(req)

	assert.Equal(t, OutcomeAllow, d.Outcome)
	assert.Equal(t, []string{RuleEmptyUserAgent}, f.rec.Rules())
	assert.Equal(t, uint64(1), f.engine.Stats()["rule_errors"])
}

func TestWhitelistedSourceIsNeverLimited(t *testing.T) {
	f := newEngine(t, func(c *Config) { c.RateLimit = 1 })

	for i := 0; i < 5; i++ {
		assert.Equal(t, OutcomeAllow, f.engine.Evaluate(benign("10.1.2.3")).Outcome)
	}
}

func TestHeightenedModeHalvesLimit(t *testing.T) {
	f := newEngine(t, func(c *Config) { c.RateLimit = 4 })
	f.engine.SetHeightened(true)

	assert.Equal(t, OutcomeAllow, f.engine.Evaluate(benign("198.51.100.30")).Outcome)
	assert.Equal(t, OutcomeAllow, f.engine.Evaluate(benign("198.51.100.30")).Outcome)
	assert.Equal(t, OutcomeRateLimited, f.engine.Evaluate(benign("198.51.100.30")).Outcome)
}

func TestDisabledEngineAllowsEverything(t *testing.T) {
	f := newEngine(t, func(c *Config) { c.Enabled = false })

	req := Request{Source: "203.0.113.5", Path: "/etc/passwd"}
	assert.Equal(t, OutcomeAllow, f.engine.Evaluate(req).Outcome)
}

func TestMiddlewareStatusCodes(t *testing.T) {
	f := newEngine(t, func(c *Config) { c.RateLimit = 2 })
	handler := f.engine.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(target, forwarded string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		req.Header.Set("User-Agent", "Mozilla/5.0")
		req.Header.Set("X-Forwarded-For", forwarded)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusNoContent, do("/ok", "192.0.2.10, 10.0.0.1").Code)
	assert.Equal(t, http.StatusForbidden, do("/?q=<script>alert(1)</script>", "192.0.2.11").Code)

	do("/a", "192.0.2.12")
	do("/b", "192.0.2.12")
	rr := do("/c", "192.0.2.12")
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "600", rr.Header().Get("Retry-After"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "remote addr", remote: "192.0.2.1:4321", want: "192.0.2.1"},
		{name: "forwarded chain first hop", headers: map[string]string{"X-Forwarded-For": " 198.51.100.1 , 10.0.0.1"}, remote: "10.0.0.1:80", want: "198.51.100.1"},
		{name: "priority order", headers: map[string]string{"X-Real-IP": "198.51.100.2", "CF-Connecting-IP": "198.51.100.3"}, remote: "10.0.0.1:80", want: "198.51.100.2"},
		{name: "empty header skipped", headers: map[string]string{"X-Forwarded-For": "", "True-Client-IP": "198.51.100.4"}, remote: "10.0.0.1:80", want: "198.51.100.4"},
		{name: "ipv6 remote", remote: "[2001:db8::1]:443", want: "2001:db8::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, ClientIP(req, DefaultProxyHeaders))
		})
	}
}

func TestRateLimiterSweep(t *testing.T) {
	clk := clock.NewFake(time.Now())
	l := NewRateLimiter(clk, time.Minute, 4)

	l.Allow("a", 10)
	l.Allow("b", 10)
	clk.Advance(30 * time.Second)
	l.Allow("c", 10)

	clk.Advance(45 * time.Second)
	assert.Equal(t, 2, l.Sweep())
	assert.Equal(t, 1, l.Len())
}
