package response

import (
	"sync"
	"time"

	"github.com/shizukutanaka/mamoru/internal/security"
)

// Advisory is a follow-up check flagged for operators by a rule handler.
type Advisory struct {
	Rule      string    `json:"rule"`
	Source    string    `json:"source"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler produces an advisory message for a high-severity detection, or
// "" when there is nothing to flag.
type Handler func(d security.Detection) string

func advise(message string) Handler {
	return func(security.Detection) string { return message }
}

// DefaultHandlers returns the built-in advisories keyed by rule name.
func DefaultHandlers() map[string]Handler {
	return map[string]Handler{
		"SQL_INJECTION":            advise("check storage layer for unauthorized queries and data access"),
		"XSS":                      advise("check session integrity and invalidate sessions exposed to injected script"),
		"PATH_TRAVERSAL":           advise("verify file access logs and permissions of served directories"),
		"COMMAND_INJECTION":        advise("inspect process table for spawned shells and outbound connections"),
		"FILE_INTEGRITY_VIOLATION": advise("verify deployed artifacts against release checksums"),
		"PORT_SCAN":                advise("review exposed services on the probed ports"),
	}
}

// advisoryLog keeps the most recent advisories.
type advisoryLog struct {
	mu    sync.Mutex
	size  int
	items []Advisory
}

func newAdvisoryLog(size int) *advisoryLog {
	if size <= 0 {
		size = 256
	}
	return &advisoryLog{size: size}
}

func (l *advisoryLog) add(a Advisory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, a)
	if len(l.items) > l.size {
		l.items = l.items[len(l.items)-l.size:]
	}
}

func (l *advisoryLog) list() []Advisory {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Advisory(nil), l.items...)
}
