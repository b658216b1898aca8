package response

import (
	"sort"
	"sync"
	"time"

	"github.com/shizukutanaka/mamoru/internal/clock"
	"github.com/shizukutanaka/mamoru/internal/concurrency"
)

// AttackStatistics is a snapshot of one source's attack history.
type AttackStatistics struct {
	Source        string            `json:"source"`
	TotalAttacks  uint64            `json:"total_attacks"`
	AttacksByType map[string]uint64 `json:"attacks_by_type"`
	FirstSeen     time.Time         `json:"first_seen"`
	LastSeen      time.Time         `json:"last_seen"`
	Escalated     bool              `json:"escalated"`
}

type sourceStats struct {
	mu        sync.Mutex
	total     uint64
	byType    map[string]uint64
	firstSeen time.Time
	lastSeen  time.Time
	recent    []time.Time
	escalated bool
}

// Statistics tracks per-source attack counters and decides escalation.
//
// With a zero window the threshold applies to the cumulative total with no
// decay, and a source escalates at most once for the process lifetime.
// With a positive window it applies to attacks within the sliding window,
// and the source re-arms once its windowed count falls back to the
// threshold.
type Statistics struct {
	clk       clock.Clock
	threshold int
	window    time.Duration
	sources   *concurrency.ShardedMap[*sourceStats]
}

// NewStatistics creates a statistics table.
func NewStatistics(clk clock.Clock, threshold int, window time.Duration, shards int) *Statistics {
	if threshold <= 0 {
		threshold = 10
	}
	return &Statistics{
		clk:       clk,
		threshold: threshold,
		window:    window,
		sources:   concurrency.NewShardedMap[*sourceStats](shards),
	}
}

// Record counts one attack and reports whether it crossed the escalation
// threshold. Exactly one call per crossing returns true.
func (s *Statistics) Record(source, rule string) (AttackStatistics, bool) {
	now := s.clk.Now()
	st := s.sources.GetOrCreate(source, func() *sourceStats {
		return &sourceStats{byType: make(map[string]uint64), firstSeen: now}
	})

	st.mu.Lock()
	defer st.mu.Unlock()

	st.total++
	st.byType[rule]++
	st.lastSeen = now

	exceeded := st.total > uint64(s.threshold)
	if s.window > 0 {
		st.recent = append(st.recent, now)
		cutoff := now.Add(-s.window)
		i := 0
		for i < len(st.recent) && !st.recent[i].After(cutoff) {
			i++
		}
		st.recent = st.recent[i:]
		exceeded = len(st.recent) > s.threshold
		if !exceeded {
			st.escalated = false
		}
	}

	escalate := exceeded && !st.escalated
	if escalate {
		st.escalated = true
	}
	return st.snapshot(source), escalate
}

// Get returns the statistics of one source.
func (s *Statistics) Get(source string) (AttackStatistics, bool) {
	st, ok := s.sources.Get(source)
	if !ok {
		return AttackStatistics{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshot(source), true
}

// All returns every source, most attacks first.
func (s *Statistics) All() []AttackStatistics {
	var out []AttackStatistics
	s.sources.Range(func(source string, st *sourceStats) bool {
		st.mu.Lock()
		out = append(out, st.snapshot(source))
		st.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalAttacks == out[j].TotalAttacks {
			return out[i].Source < out[j].Source
		}
		return out[i].TotalAttacks > out[j].TotalAttacks
	})
	return out
}

// Len returns the number of tracked sources.
func (s *Statistics) Len() int {
	return s.sources.Len()
}

// Evict drops sources idle for longer than idle and returns how many were
// removed. Escalated sources are kept so a returning attacker does not
// re-escalate from zero.
func (s *Statistics) Evict(idle time.Duration) int {
	cutoff := s.clk.Now().Add(-idle)
	removed := s.sources.Sweep(func(_ string, st *sourceStats) bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return !st.escalated && st.lastSeen.Before(cutoff)
	})
	return len(removed)
}

func (st *sourceStats) snapshot(source string) AttackStatistics {
	byType := make(map[string]uint64, len(st.byType))
	for k, v := range st.byType {
		byType[k] = v
	}
	return AttackStatistics{
		Source:        source,
		TotalAttacks:  st.total,
		AttacksByType: byType,
		FirstSeen:     st.firstSeen,
		LastSeen:      st.lastSeen,
		Escalated:     st.escalated,
	}
}
