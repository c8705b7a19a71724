// Package metrics holds the bridge's process-wide counters and
// per-agent aggregates, exposed verbatim by the get_metrics tool.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counters are monotonic, process-wide operational counters. Every
// field is an atomic.Uint64 bumped with its Add method, so handlers never
// need to hold a lock just to bump a counter.
type Counters struct {
	TaskCompleted         atomic.Uint64
	TaskFailed            atomic.Uint64
	MessageWriteFailures  atomic.Uint64
	MessageDropped        atomic.Uint64
	RegistrySaveFailures  atomic.Uint64
	AgentSpawnFailures    atomic.Uint64
	AgentTimeouts         atomic.Uint64
}

type agentStats struct {
	invocations     uint64
	successes       uint64
	failures        uint64
	totalDurationMs uint64
}

// Registry aggregates Counters plus per-agent invocation stats and a
// process start time for uptime reporting. Safe for concurrent use.
type Registry struct {
	Counters Counters

	startedAt time.Time
	mu        sync.Mutex
	agents    map[string]*agentStats
}

// NewRegistry creates a metrics registry with its clock started now.
func NewRegistry() *Registry {
	return &Registry{
		startedAt: time.Now(),
		agents:    make(map[string]*agentStats),
	}
}

// RecordTask records one completed task invocation for an agent,
// updating both the named-agent aggregate and the global counters.
func (r *Registry) RecordTask(agent string, success bool, durationMs int64) {
	if success {
		r.Counters.TaskCompleted.Add(1)
	} else {
		r.Counters.TaskFailed.Add(1)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.agents[agent]
	if !ok {
		s = &agentStats{}
		r.agents[agent] = s
	}
	s.invocations++
	if success {
		s.successes++
	} else {
		s.failures++
	}
	if durationMs > 0 {
		s.totalDurationMs += uint64(durationMs)
	}
}

// AgentSnapshot is an immutable view of one agent's aggregate stats.
type AgentSnapshot struct {
	Invocations    uint64  `json:"invocations"`
	Successes      uint64  `json:"successes"`
	Failures       uint64  `json:"failures"`
	SuccessRate    float64 `json:"success_rate"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
}

// Snapshot is an immutable view of the whole registry for get_metrics.
type Snapshot struct {
	UptimeSeconds float64                  `json:"uptime_seconds"`
	Counters      map[string]uint64        `json:"counters"`
	Agents        map[string]AgentSnapshot `json:"agents"`
}

// Snapshot copies out the current counters and per-agent stats. The
// per-agent entries are all copied in one pass under the lock; rates and
// averages are computed after it is released.
func (r *Registry) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds: time.Since(r.startedAt).Seconds(),
		Counters: map[string]uint64{
			"task_completed":          r.Counters.TaskCompleted.Load(),
			"task_failed":             r.Counters.TaskFailed.Load(),
			"message_write_failures":  r.Counters.MessageWriteFailures.Load(),
			"message_dropped":         r.Counters.MessageDropped.Load(),
			"registry_save_failures":  r.Counters.RegistrySaveFailures.Load(),
			"agent_spawn_failures":    r.Counters.AgentSpawnFailures.Load(),
			"agent_timeouts":          r.Counters.AgentTimeouts.Load(),
		},
		Agents: make(map[string]AgentSnapshot),
	}

	r.mu.Lock()
	names := make([]string, 0, len(r.agents))
	stats := make([]agentStats, 0, len(r.agents))
	for name, s := range r.agents {
		names = append(names, name)
		stats = append(stats, *s)
	}
	r.mu.Unlock()

	for i, name := range names {
		s := stats[i]
		as := AgentSnapshot{
			Invocations: s.invocations,
			Successes:   s.successes,
			Failures:    s.failures,
		}
		if s.invocations > 0 {
			as.SuccessRate = float64(s.successes) / float64(s.invocations)
			as.AvgDurationMs = float64(s.totalDurationMs) / float64(s.invocations)
		}
		snap.Agents[name] = as
	}
	return snap
}
