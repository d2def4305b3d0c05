package progress

// anr.go — ANR ("Application Not Responding") detection. A periodic monitor
// checks every watched agent's last heartbeat and fires an alert when it is
// older than the threshold.

import (
	"context"
	"log"
	"sync"
	"time"
)

// HeartbeatSource reports when an agent last sent a heartbeat. The agent
// registry satisfies this.
type HeartbeatSource interface {
	LastHeartbeat(id string) (time.Time, bool)
}

// AgentLister enumerates known agents. When the heartbeat source also
// implements it (the registry does), every listed agent is monitored
// without an explicit Watch call, and agents disappear from the sweep as
// soon as they unregister.
type AgentLister interface {
	IDs() []string
}

// AlertFunc handles one ANR alert.
type AlertFunc func(agentID string, silentFor time.Duration)

// Monitor periodically checks watched agents for heartbeat silence.
type Monitor struct {
	source    HeartbeatSource
	interval  time.Duration
	threshold time.Duration
	onAlert   AlertFunc

	mu      sync.Mutex
	watched map[string]bool
	alerted map[string]bool // suppress repeat alerts until the agent recovers
}

// NewMonitor creates an ANR monitor. interval defaults to 10s, threshold
// to 60s.
func NewMonitor(source HeartbeatSource, interval, threshold time.Duration, onAlert AlertFunc) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if threshold <= 0 {
		threshold = 60 * time.Second
	}
	return &Monitor{
		source:    source,
		interval:  interval,
		threshold: threshold,
		onAlert:   onAlert,
		watched:   make(map[string]bool),
		alerted:   make(map[string]bool),
	}
}

// Watch adds an agent to the monitored set.
func (m *Monitor) Watch(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watched[agentID] = true
}

// Unwatch removes an agent from the monitored set.
func (m *Monitor) Unwatch(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watched, agentID)
	delete(m.alerted, agentID)
}

// Run ticks until ctx is cancelled. Blocks; run it in its own goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check performs one sweep over the watched set plus everything the
// source's agent listing reports.
func (m *Monitor) Check() {
	seen := make(map[string]bool)
	m.mu.Lock()
	for id := range m.watched {
		seen[id] = true
	}
	m.mu.Unlock()
	if lister, ok := m.source.(AgentLister); ok {
		for _, id := range lister.IDs() {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	now := time.Now()
	for _, id := range ids {
		last, ok := m.source.LastHeartbeat(id)
		if !ok {
			continue
		}
		silent := now.Sub(last)

		m.mu.Lock()
		already := m.alerted[id]
		if silent > m.threshold {
			m.alerted[id] = true
		} else {
			delete(m.alerted, id)
		}
		m.mu.Unlock()

		if silent > m.threshold && !already {
			log.Printf("[ANR] ⏰ Agent %s silent for %s (threshold %s)", id, silent.Round(time.Millisecond), m.threshold)
			if m.onAlert != nil {
				m.onAlert(id, silent)
			}
		}
	}
}
