// Package progress combines per-agent progress reports into one aggregate
// value using a pluggable strategy, and flags unresponsive agents (ANR).
package progress

import (
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"
)

// AgentState is the per-agent progress state.
type AgentState string

const (
	AgentNotStarted   AgentState = "not_started"
	AgentInitializing AgentState = "initializing"
	AgentRunning      AgentState = "running"
	AgentWaiting      AgentState = "waiting"
	AgentCompleted    AgentState = "completed"
	AgentFailed       AgentState = "failed"
	AgentCancelled    AgentState = "cancelled"
	AgentTimeout      AgentState = "timeout"
)

// terminal reports whether the state admits no further updates.
func (s AgentState) terminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentCancelled, AgentTimeout:
		return true
	}
	return false
}

// OverallState is the aggregation-level state.
type OverallState string

const (
	OverallWaiting   OverallState = "waiting"
	OverallRunning   OverallState = "running"
	OverallCompleted OverallState = "completed"
	OverallFailed    OverallState = "failed"
)

// Strategy selects the overall-progress formula.
type Strategy string

const (
	StrategySimpleAverage   Strategy = "simple_average"
	StrategyWeightedAverage Strategy = "weighted_average"
	StrategyMin             Strategy = "min"
	StrategyMax             Strategy = "max"
	StrategyCompletionRatio Strategy = "completion_ratio"
)

// AgentProgress is one agent's contribution to an aggregation. Mutated only
// through the owning aggregation.
type AgentProgress struct {
	AgentID     string
	State       AgentState
	Progress    float64
	CurrentStep string
	Confidence  float64
	ErrorCount  int
	RetryCount  int
	Metadata    map[string]any
	StartedAt   time.Time
	UpdatedAt   time.Time
}

// TimelineEntry records one event in an aggregation's history.
type TimelineEntry struct {
	At       time.Time
	AgentID  string
	Event    string
	Progress float64
}

// Aggregation combines the progress of a fixed agent set.
type Aggregation struct {
	ID       string
	Strategy Strategy
	Agents   map[string]*AgentProgress
	Weights  map[string]float64

	OverallProgress     float64
	OverallState        OverallState
	OverallConfidence   float64
	TotalAgents         int
	ActiveAgents        int
	CompletedAgents     int
	FailedAgents        int
	Throughput          float64 // completed agents per elapsed second
	EstimatedCompletion time.Time

	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time

	Timeline      []TimelineEntry
	ErrorTimeline []TimelineEntry
}

// snapshot returns a deep-enough copy safe to hand to subscribers.
func (a *Aggregation) snapshot() *Aggregation {
	cp := *a
	cp.Agents = make(map[string]*AgentProgress, len(a.Agents))
	for id, ap := range a.Agents {
		c := *ap
		cp.Agents[id] = &c
	}
	cp.Weights = make(map[string]float64, len(a.Weights))
	for id, w := range a.Weights {
		cp.Weights[id] = w
	}
	cp.Timeline = append([]TimelineEntry(nil), a.Timeline...)
	cp.ErrorTimeline = append([]TimelineEntry(nil), a.ErrorTimeline...)
	return &cp
}

// Subscriber is notified synchronously after every recompute, with a copy.
type Subscriber func(agg *Aggregation)

// retention is how long terminal aggregations are kept before GC.
const retention = 24 * time.Hour

// Aggregator owns every live aggregation.
type Aggregator struct {
	mu              sync.Mutex
	aggregations    map[string]*Aggregation
	subs            []Subscriber
	defaultStrategy Strategy
	cleanupInterval time.Duration
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// NewAggregator creates an aggregator and starts its retention sweeper.
func NewAggregator(defaultStrategy Strategy) *Aggregator {
	if defaultStrategy == "" {
		defaultStrategy = StrategySimpleAverage
	}
	a := &Aggregator{
		aggregations:    make(map[string]*Aggregation),
		defaultStrategy: defaultStrategy,
		cleanupInterval: 10 * time.Minute,
		stopCh:          make(chan struct{}),
	}
	go a.sweepLoop()
	return a
}

// Stop halts the retention sweeper.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// Subscribe registers a callback invoked after every recompute.
func (a *Aggregator) Subscribe(fn Subscriber) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs = append(a.subs, fn)
}

// Create starts an aggregation over a fixed agent set. weights may be nil
// (every agent weighs 1); strategy "" uses the aggregator default.
func (a *Aggregator) Create(id string, agentIDs []string, weights map[string]float64, strategy Strategy) (*Aggregation, error) {
	if id == "" {
		return nil, fmt.Errorf("progress: empty aggregation id")
	}
	if len(agentIDs) == 0 {
		return nil, fmt.Errorf("progress: aggregation %q needs at least one agent", id)
	}
	if strategy == "" {
		strategy = a.defaultStrategy
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.aggregations[id]; exists {
		return nil, fmt.Errorf("progress: aggregation %q already exists", id)
	}

	now := time.Now()
	agg := &Aggregation{
		ID:           id,
		Strategy:     strategy,
		Agents:       make(map[string]*AgentProgress, len(agentIDs)),
		Weights:      make(map[string]float64, len(agentIDs)),
		OverallState: OverallWaiting,
		TotalAgents:  len(agentIDs),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for _, agentID := range agentIDs {
		agg.Agents[agentID] = &AgentProgress{
			AgentID:    agentID,
			State:      AgentNotStarted,
			Confidence: 1.0,
			Metadata:   map[string]any{},
		}
		w := 1.0
		if weights != nil {
			if ww, ok := weights[agentID]; ok && ww > 0 {
				w = ww
			}
		}
		agg.Weights[agentID] = w
	}
	a.aggregations[id] = agg

	log.Printf("[Progress] Created aggregation %s (%d agents, strategy=%s)", id, len(agentIDs), strategy)
	return agg.snapshot(), nil
}

// Update records a per-agent progress report and recomputes the aggregate.
func (a *Aggregator) Update(aggID, agentID string, prog float64, step string, metadata map[string]any) (*Aggregation, error) {
	prog = clamp01(prog)

	a.mu.Lock()
	agg, ok := a.aggregations[aggID]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("progress: aggregation %q not found", aggID)
	}
	ap, ok := agg.Agents[agentID]
	if !ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("progress: agent %q not in aggregation %q", agentID, aggID)
	}

	// Late reports after TIMEOUT/FAILED/COMPLETED must not move a terminal
	// agent's progress.
	if ap.State.terminal() {
		snap := agg.snapshot()
		a.mu.Unlock()
		return snap, nil
	}

	now := time.Now()
	if ap.State == AgentNotStarted {
		ap.StartedAt = now
	}
	ap.Progress = prog
	ap.CurrentStep = step
	ap.UpdatedAt = now
	if metadata != nil {
		for k, v := range metadata {
			ap.Metadata[k] = v
		}
		if c, ok := metadata["confidence"].(float64); ok {
			ap.Confidence = clamp01(c)
		}
	}
	if prog >= 1.0 {
		ap.State = AgentCompleted
		ap.Progress = 1.0
	} else if !ap.State.terminal() {
		ap.State = AgentRunning
	}

	agg.Timeline = append(agg.Timeline, TimelineEntry{At: now, AgentID: agentID, Event: "update", Progress: prog})
	a.recomputeLocked(agg)
	snap := agg.snapshot()
	subs := append([]Subscriber(nil), a.subs...)
	a.mu.Unlock()

	notify(subs, snap)
	return snap, nil
}

// MarkFailed marks one agent failed and recomputes.
func (a *Aggregator) MarkFailed(aggID, agentID string, cause string) error {
	return a.markTerminal(aggID, agentID, AgentFailed, cause)
}

// markTerminal transitions an agent into a terminal non-completed state.
func (a *Aggregator) markTerminal(aggID, agentID string, state AgentState, cause string) error {
	a.mu.Lock()
	agg, ok := a.aggregations[aggID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("progress: aggregation %q not found", aggID)
	}
	ap, ok := agg.Agents[agentID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("progress: agent %q not in aggregation %q", agentID, aggID)
	}

	now := time.Now()
	ap.State = state
	ap.UpdatedAt = now
	ap.ErrorCount++
	agg.ErrorTimeline = append(agg.ErrorTimeline, TimelineEntry{At: now, AgentID: agentID, Event: cause, Progress: ap.Progress})
	a.recomputeLocked(agg)
	snap := agg.snapshot()
	subs := append([]Subscriber(nil), a.subs...)
	a.mu.Unlock()

	notify(subs, snap)
	return nil
}

// Complete force-completes the aggregation: every non-terminal agent is
// marked completed at 1.0.
func (a *Aggregator) Complete(aggID string) error {
	a.mu.Lock()
	agg, ok := a.aggregations[aggID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("progress: aggregation %q not found", aggID)
	}

	now := time.Now()
	for _, ap := range agg.Agents {
		if !ap.State.terminal() {
			ap.State = AgentCompleted
			ap.Progress = 1.0
			ap.UpdatedAt = now
		}
	}
	a.recomputeLocked(agg)
	snap := agg.snapshot()
	subs := append([]Subscriber(nil), a.subs...)
	a.mu.Unlock()

	notify(subs, snap)
	return nil
}

// MarkAgentTimeout marks the agent TIMEOUT in every aggregation containing
// it. Used by the ANR monitor.
func (a *Aggregator) MarkAgentTimeout(agentID string) {
	a.mu.Lock()
	var ids []string
	for id, agg := range a.aggregations {
		if ap, ok := agg.Agents[agentID]; ok && !ap.State.terminal() {
			ids = append(ids, id)
		}
	}
	a.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := a.markTerminal(id, agentID, AgentTimeout, "anr_timeout"); err != nil {
			log.Printf("[Progress] ⚠️ ANR mark failed: %v", err)
		}
	}
	if len(ids) > 0 {
		log.Printf("[Progress] ⏰ Agent %s marked TIMEOUT in %d aggregation(s)", agentID, len(ids))
	}
}

// Get returns a copy of the aggregation.
func (a *Aggregator) Get(aggID string) (*Aggregation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg, ok := a.aggregations[aggID]
	if !ok {
		return nil, false
	}
	return agg.snapshot(), true
}

// Len returns the number of live aggregations.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.aggregations)
}

// recomputeLocked refreshes every derived field. Caller holds the lock.
func (a *Aggregator) recomputeLocked(agg *Aggregation) {
	now := time.Now()
	agg.UpdatedAt = now

	active, completed, failed := 0, 0, 0
	confidenceSum := 0.0
	var latestETA time.Time

	for _, ap := range agg.Agents {
		switch ap.State {
		case AgentCompleted:
			completed++
		case AgentFailed, AgentCancelled, AgentTimeout:
			failed++
		case AgentRunning, AgentInitializing, AgentWaiting:
			active++
		}
		confidenceSum += ap.Confidence

		// Linear extrapolation: elapsed / progress.
		if ap.State == AgentRunning && ap.Progress > 0 && !ap.StartedAt.IsZero() {
			elapsed := now.Sub(ap.StartedAt)
			eta := ap.StartedAt.Add(time.Duration(float64(elapsed) / ap.Progress))
			if eta.After(latestETA) {
				latestETA = eta
			}
		}
	}

	agg.ActiveAgents = active
	agg.CompletedAgents = completed
	agg.FailedAgents = failed
	agg.OverallConfidence = confidenceSum / float64(agg.TotalAgents)
	agg.EstimatedCompletion = latestETA
	agg.OverallProgress = a.computeOverall(agg)

	switch {
	case failed == agg.TotalAgents:
		agg.OverallState = OverallFailed
	case completed == agg.TotalAgents:
		agg.OverallState = OverallCompleted
		agg.OverallProgress = 1.0
	case active > 0:
		agg.OverallState = OverallRunning
	default:
		agg.OverallState = OverallWaiting
	}

	if (agg.OverallState == OverallCompleted || agg.OverallState == OverallFailed) && agg.FinishedAt.IsZero() {
		agg.FinishedAt = now
	}

	if elapsed := now.Sub(agg.CreatedAt).Seconds(); elapsed > 0 {
		agg.Throughput = float64(completed) / elapsed
	}
}

func (a *Aggregator) computeOverall(agg *Aggregation) float64 {
	switch agg.Strategy {
	case StrategyWeightedAverage:
		sum, weightSum := 0.0, 0.0
		for id, ap := range agg.Agents {
			w := agg.Weights[id]
			sum += w * ap.Progress
			weightSum += w
		}
		if weightSum == 0 {
			return 0
		}
		return sum / weightSum

	case StrategyMin:
		minV := math.Inf(1)
		for _, ap := range agg.Agents {
			minV = math.Min(minV, ap.Progress)
		}
		if math.IsInf(minV, 1) {
			return 0
		}
		return minV

	case StrategyMax:
		maxV := 0.0
		for _, ap := range agg.Agents {
			maxV = math.Max(maxV, ap.Progress)
		}
		return maxV

	case StrategyCompletionRatio:
		return float64(agg.CompletedAgents) / float64(agg.TotalAgents)

	default: // simple average
		sum := 0.0
		for _, ap := range agg.Agents {
			sum += ap.Progress
		}
		return sum / float64(agg.TotalAgents)
	}
}

// sweepLoop garbage-collects terminal aggregations past the retention
// window.
func (a *Aggregator) sweepLoop() {
	ticker := time.NewTicker(a.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *Aggregator) sweep() {
	cutoff := time.Now().Add(-retention)
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, agg := range a.aggregations {
		if !agg.FinishedAt.IsZero() && agg.FinishedAt.Before(cutoff) {
			delete(a.aggregations, id)
			log.Printf("[Progress] Swept aggregation %s (finished %s)", id, agg.FinishedAt.Format(time.RFC3339))
		}
	}
}

func notify(subs []Subscriber, snap *Aggregation) {
	for _, fn := range subs {
		fn(snap)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
