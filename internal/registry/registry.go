// Package registry tracks registered agents: their capabilities, group
// memberships, handlers, load, counters, and heartbeat-derived health.
//
// Heartbeats, load updates, and routing queries arrive from independent
// goroutines, so every mutation happens under the registry lock.
package registry

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/dayuer/agentbus-go/internal/message"
)

// Handler processes a delivered message and may return a reply.
// Handlers must not retain references to bus internals.
type Handler func(msg *message.AgentMessage) (*message.AgentMessage, error)

// Status is the lifecycle state of a registered agent.
type Status string

const (
	StatusActive   Status = "active"
	StatusDraining Status = "draining"
	StatusGone     Status = "gone"
)

// Entry holds the registry's view of one agent.
type Entry struct {
	ID            string
	Capabilities  []string
	Groups        []string
	Handlers      []Handler
	Load          float64
	MessageCount  int64
	ErrorCount    int64
	LastHeartbeat time.Time
	Status        Status
	RegisteredAt  time.Time
}

// Registry is the thread-safe agent table.
type Registry struct {
	mu               sync.RWMutex
	agents           map[string]*Entry
	groups           map[string]map[string]bool // group -> set of agent IDs
	heartbeatTimeout time.Duration
}

// New creates a registry. heartbeatTimeout <= 0 defaults to 60s.
func New(heartbeatTimeout time.Duration) *Registry {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 60 * time.Second
	}
	return &Registry{
		agents:           make(map[string]*Entry),
		groups:           make(map[string]map[string]bool),
		heartbeatTimeout: heartbeatTimeout,
	}
}

// Register adds an agent. Registering an existing ID is an error.
func (r *Registry) Register(id string, capabilities, groups []string, handlers []Handler) error {
	if id == "" {
		return fmt.Errorf("register: empty agent id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; exists {
		return fmt.Errorf("register: agent %q already registered", id)
	}

	now := time.Now()
	r.agents[id] = &Entry{
		ID:            id,
		Capabilities:  append([]string(nil), capabilities...),
		Groups:        append([]string(nil), groups...),
		Handlers:      handlers,
		LastHeartbeat: now,
		Status:        StatusActive,
		RegisteredAt:  now,
	}
	for _, g := range groups {
		if r.groups[g] == nil {
			r.groups[g] = make(map[string]bool)
		}
		r.groups[g][id] = true
	}

	log.Printf("[Registry] ✅ Registered agent: %s (groups=%v, handlers=%d)", id, groups, len(handlers))
	return nil
}

// Unregister removes an agent and drops it from every group.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("unregister: agent %q not found", id)
	}
	delete(r.agents, id)
	for _, g := range entry.Groups {
		delete(r.groups[g], id)
		if len(r.groups[g]) == 0 {
			delete(r.groups, g)
		}
	}

	log.Printf("[Registry] Unregistered agent: %s", id)
	return nil
}

// Heartbeat records a heartbeat for the agent.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[id]; ok {
		entry.LastHeartbeat = time.Now()
	}
}

// UpdateLoad sets the agent's load, clamped to [0,1].
func (r *Registry) UpdateLoad(id string, load float64) {
	if load < 0 {
		load = 0
	} else if load > 1 {
		load = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[id]; ok {
		entry.Load = load
	}
}

// IncrMessages bumps the agent's delivered-message counter.
func (r *Registry) IncrMessages(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[id]; ok {
		entry.MessageCount++
	}
}

// IncrErrors bumps the agent's error counter.
func (r *Registry) IncrErrors(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.agents[id]; ok {
		entry.ErrorCount++
	}
}

// ErrorCount returns the agent's accumulated error count.
func (r *Registry) ErrorCount(id string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.agents[id]; ok {
		return entry.ErrorCount
	}
	return 0
}

// Healthy returns the IDs of agents whose last heartbeat is within the
// timeout, optionally filtered by group (empty group = all agents).
// Results are sorted for deterministic routing.
func (r *Registry) Healthy(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-r.heartbeatTimeout)
	var ids []string
	for id, entry := range r.agents {
		if entry.LastHeartbeat.Before(cutoff) {
			continue
		}
		if group != "" && !r.groups[group][id] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LeastLoaded returns the healthy agent with minimum load in the group
// (empty group = all agents). ok is false when none qualify.
func (r *Registry) LeastLoaded(group string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().Add(-r.heartbeatTimeout)
	best := ""
	bestLoad := 2.0
	for _, id := range r.sortedIDsLocked() {
		entry := r.agents[id]
		if entry.LastHeartbeat.Before(cutoff) {
			continue
		}
		if group != "" && !r.groups[group][id] {
			continue
		}
		if entry.Load < bestLoad {
			best = id
			bestLoad = entry.Load
		}
	}
	return best, best != ""
}

func (r *Registry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handlers returns the agent's handler list (nil if not registered).
func (r *Registry) Handlers(id string) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.agents[id]; ok {
		return entry.Handlers
	}
	return nil
}

// Contains reports whether the agent is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[id]
	return ok
}

// IDs returns all registered agent IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedIDsLocked()
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Snapshot returns a copy of the entry for inspection, without handlers.
func (r *Registry) Snapshot(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[id]
	if !ok {
		return Entry{}, false
	}
	copied := *entry
	copied.Handlers = nil
	copied.Capabilities = append([]string(nil), entry.Capabilities...)
	copied.Groups = append([]string(nil), entry.Groups...)
	return copied, true
}

// LastHeartbeat returns the agent's last heartbeat time.
func (r *Registry) LastHeartbeat(id string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.agents[id]; ok {
		return entry.LastHeartbeat, true
	}
	return time.Time{}, false
}
