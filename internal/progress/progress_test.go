package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAgg(t *testing.T) *Aggregator {
	t.Helper()
	a := NewAggregator(StrategySimpleAverage)
	t.Cleanup(a.Stop)
	return a
}

func TestCreate(t *testing.T) {
	a := newAgg(t)
	snap, err := a.Create("job-1", []string{"w1", "w2"}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.TotalAgents)
	assert.Equal(t, OverallWaiting, snap.OverallState)
	assert.Equal(t, AgentNotStarted, snap.Agents["w1"].State)
	assert.Equal(t, 1.0, snap.Weights["w1"])

	_, err = a.Create("job-1", []string{"w1"}, nil, "")
	assert.Error(t, err, "duplicate id rejected")

	_, err = a.Create("job-2", nil, nil, "")
	assert.Error(t, err, "empty agent set rejected")
}

func TestUpdate_SimpleAverage(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("job", []string{"w1", "w2"}, nil, StrategySimpleAverage)
	require.NoError(t, err)

	snap, err := a.Update("job", "w1", 0.6, "crunching", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, snap.OverallProgress, 1e-9)
	assert.Equal(t, OverallRunning, snap.OverallState)
	assert.Equal(t, 1, snap.ActiveAgents)
	assert.Equal(t, AgentRunning, snap.Agents["w1"].State)
	assert.Equal(t, "crunching", snap.Agents["w1"].CurrentStep)
}

func TestUpdate_WeightedAverage(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("job", []string{"A", "B"}, map[string]float64{"A": 2, "B": 1}, StrategyWeightedAverage)
	require.NoError(t, err)

	_, err = a.Update("job", "A", 0.5, "", nil)
	require.NoError(t, err)
	snap, err := a.Update("job", "B", 0.2, "", nil)
	require.NoError(t, err)

	// (2*0.5 + 1*0.2) / 3 = 0.4
	assert.InDelta(t, 0.4, snap.OverallProgress, 1e-9)
}

func TestUpdate_MinMax(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("min-job", []string{"x", "y"}, nil, StrategyMin)
	require.NoError(t, err)
	a.Update("min-job", "x", 0.9, "", nil)
	snap, _ := a.Update("min-job", "y", 0.3, "", nil)
	assert.InDelta(t, 0.3, snap.OverallProgress, 1e-9)

	_, err = a.Create("max-job", []string{"x", "y"}, nil, StrategyMax)
	require.NoError(t, err)
	a.Update("max-job", "x", 0.9, "", nil)
	snap, _ = a.Update("max-job", "y", 0.3, "", nil)
	assert.InDelta(t, 0.9, snap.OverallProgress, 1e-9)
}

func TestUpdate_CompletionRatio(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("job", []string{"x", "y", "z", "q"}, nil, StrategyCompletionRatio)
	require.NoError(t, err)

	a.Update("job", "x", 1.0, "", nil)
	snap, _ := a.Update("job", "y", 0.5, "", nil)
	assert.InDelta(t, 0.25, snap.OverallProgress, 1e-9)
}

func TestTerminalState_AllCompleted(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("job", []string{"w1", "w2"}, nil, "")
	require.NoError(t, err)

	a.Update("job", "w1", 1.0, "", nil)
	snap, err := a.Update("job", "w2", 1.0, "", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, snap.CompletedAgents)
	assert.Equal(t, OverallCompleted, snap.OverallState)
	assert.Equal(t, 1.0, snap.OverallProgress)
	assert.False(t, snap.FinishedAt.IsZero())
}

func TestAllFailed(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("job", []string{"w1", "w2"}, nil, "")
	require.NoError(t, err)

	require.NoError(t, a.MarkFailed("job", "w1", "boom"))
	require.NoError(t, a.MarkFailed("job", "w2", "boom"))

	snap, ok := a.Get("job")
	require.True(t, ok)
	assert.Equal(t, OverallFailed, snap.OverallState)
	assert.Equal(t, 2, snap.FailedAgents)
	assert.Len(t, snap.ErrorTimeline, 2)
}

func TestComplete_ForcesRemaining(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("job", []string{"w1", "w2"}, nil, "")
	require.NoError(t, err)
	a.Update("job", "w1", 0.4, "", nil)

	require.NoError(t, a.Complete("job"))
	snap, _ := a.Get("job")
	assert.Equal(t, OverallCompleted, snap.OverallState)
	assert.Equal(t, 1.0, snap.OverallProgress)
	assert.Equal(t, AgentCompleted, snap.Agents["w1"].State)
	assert.Equal(t, AgentCompleted, snap.Agents["w2"].State)
}

func TestSubscribers_NotifiedSynchronously(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("job", []string{"w1"}, nil, "")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []float64
	a.Subscribe(func(agg *Aggregation) {
		mu.Lock()
		seen = append(seen, agg.OverallProgress)
		mu.Unlock()
	})

	a.Update("job", "w1", 0.25, "", nil)
	a.Update("job", "w1", 0.75, "", nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{0.25, 0.75}, seen)
}

func TestConfidence_MeanOfReported(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("job", []string{"w1", "w2"}, nil, "")
	require.NoError(t, err)

	a.Update("job", "w1", 0.5, "", map[string]any{"confidence": 0.6})
	snap, _ := a.Update("job", "w2", 0.5, "", nil)
	assert.InDelta(t, 0.8, snap.OverallConfidence, 1e-9)
}

func TestMarkAgentTimeout_AllAggregations(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("job-1", []string{"shared", "other"}, nil, "")
	require.NoError(t, err)
	_, err = a.Create("job-2", []string{"shared"}, nil, "")
	require.NoError(t, err)

	a.Update("job-1", "shared", 0.5, "", nil)
	a.MarkAgentTimeout("shared")

	s1, _ := a.Get("job-1")
	assert.Equal(t, AgentTimeout, s1.Agents["shared"].State)
	assert.NotEmpty(t, s1.ErrorTimeline)

	s2, _ := a.Get("job-2")
	assert.Equal(t, AgentTimeout, s2.Agents["shared"].State)
	assert.Equal(t, OverallFailed, s2.OverallState, "only agent timed out")
}

func TestUpdate_Clamped(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("job", []string{"w"}, nil, "")
	require.NoError(t, err)

	snap, _ := a.Update("job", "w", 1.7, "", nil)
	assert.Equal(t, 1.0, snap.Agents["w"].Progress)
	assert.Equal(t, AgentCompleted, snap.Agents["w"].State)
}

func TestUpdate_UnknownIDs(t *testing.T) {
	a := newAgg(t)
	_, err := a.Update("missing", "w", 0.5, "", nil)
	assert.Error(t, err)

	_, err = a.Create("job", []string{"w"}, nil, "")
	require.NoError(t, err)
	_, err = a.Update("job", "stranger", 0.5, "", nil)
	assert.Error(t, err)
}

func TestSweep_RemovesExpiredTerminal(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("old", []string{"w"}, nil, "")
	require.NoError(t, err)
	require.NoError(t, a.Complete("old"))

	// Backdate the finish beyond retention, then sweep.
	a.mu.Lock()
	a.aggregations["old"].FinishedAt = time.Now().Add(-retention - time.Hour)
	a.mu.Unlock()
	a.sweep()

	_, ok := a.Get("old")
	assert.False(t, ok)
}

func TestSweep_KeepsLive(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("live", []string{"w"}, nil, "")
	require.NoError(t, err)
	a.sweep()
	_, ok := a.Get("live")
	assert.True(t, ok)
}

type fakeHeartbeats struct {
	mu    sync.Mutex
	times map[string]time.Time
}

func (f *fakeHeartbeats) LastHeartbeat(id string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts, ok := f.times[id]
	return ts, ok
}

func TestMonitor_AlertFiresOnceUntilRecovery(t *testing.T) {
	hb := &fakeHeartbeats{times: map[string]time.Time{
		"silent": time.Now().Add(-time.Minute),
		"alive":  time.Now(),
	}}

	var mu sync.Mutex
	var alerts []string
	m := NewMonitor(hb, time.Hour, 30*time.Second, func(id string, silentFor time.Duration) {
		mu.Lock()
		alerts = append(alerts, id)
		mu.Unlock()
	})
	m.Watch("silent")
	m.Watch("alive")

	m.Check()
	m.Check() // no repeat while still silent

	mu.Lock()
	assert.Equal(t, []string{"silent"}, alerts)
	mu.Unlock()

	// Recovery then silence again re-alerts.
	hb.mu.Lock()
	hb.times["silent"] = time.Now()
	hb.mu.Unlock()
	m.Check()

	hb.mu.Lock()
	hb.times["silent"] = time.Now().Add(-time.Minute)
	hb.mu.Unlock()
	m.Check()

	mu.Lock()
	assert.Equal(t, []string{"silent", "silent"}, alerts)
	mu.Unlock()
}

func TestMonitor_ANRMarksAggregations(t *testing.T) {
	a := newAgg(t)
	_, err := a.Create("job", []string{"w"}, nil, "")
	require.NoError(t, err)
	a.Update("job", "w", 0.3, "", nil)

	hb := &fakeHeartbeats{times: map[string]time.Time{"w": time.Now().Add(-2 * time.Minute)}}
	m := NewMonitor(hb, time.Hour, time.Minute, func(id string, _ time.Duration) {
		a.MarkAgentTimeout(id)
	})
	m.Watch("w")
	m.Check()

	snap, _ := a.Get("job")
	assert.Equal(t, AgentTimeout, snap.Agents["w"].State)
}

func TestMonitor_Unwatch(t *testing.T) {
	hb := &fakeHeartbeats{times: map[string]time.Time{"w": time.Now().Add(-time.Hour)}}
	var fired bool
	m := NewMonitor(hb, time.Hour, time.Second, func(string, time.Duration) { fired = true })
	m.Watch("w")
	m.Unwatch("w")
	m.Check()
	assert.False(t, fired)
}

// fakeDirectory is a heartbeat source that also enumerates its agents,
// like the registry does.
type fakeDirectory struct {
	fakeHeartbeats
}

func (f *fakeDirectory) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.times))
	for id := range f.times {
		ids = append(ids, id)
	}
	return ids
}

func TestMonitor_SweepsListedAgentsWithoutWatch(t *testing.T) {
	hb := &fakeDirectory{fakeHeartbeats{times: map[string]time.Time{
		"silent": time.Now().Add(-time.Hour),
		"alive":  time.Now(),
	}}}

	var mu sync.Mutex
	var alerts []string
	m := NewMonitor(hb, time.Hour, time.Minute, func(id string, _ time.Duration) {
		mu.Lock()
		alerts = append(alerts, id)
		mu.Unlock()
	})

	// No Watch calls: listed agents are monitored automatically.
	m.Check()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"silent"}, alerts)
}

func TestMonitor_ForgetsUnlistedAgents(t *testing.T) {
	hb := &fakeDirectory{fakeHeartbeats{times: map[string]time.Time{
		"silent": time.Now().Add(-time.Hour),
	}}}

	var fired int
	m := NewMonitor(hb, time.Hour, time.Minute, func(string, time.Duration) { fired++ })
	m.Check()
	assert.Equal(t, 1, fired)

	// Unregistered agent drops out of the listing and out of the sweep.
	hb.mu.Lock()
	delete(hb.times, "silent")
	hb.mu.Unlock()
	m.Check()
	assert.Equal(t, 1, fired)
}

func TestUpdate_TerminalAgentFrozen(t *testing.T) {
	a := NewAggregator(StrategySimpleAverage)
	defer a.Stop()

	_, err := a.Create("agg", []string{"w"}, nil, "")
	require.NoError(t, err)
	_, err = a.Update("agg", "w", 0.7, "working", nil)
	require.NoError(t, err)
	require.NoError(t, a.MarkFailed("agg", "w", "crashed"))

	// A late report must not move a failed agent's progress.
	snap, err := a.Update("agg", "w", 0.9, "zombie", nil)
	require.NoError(t, err)
	assert.Equal(t, AgentFailed, snap.Agents["w"].State)
	assert.Equal(t, 0.7, snap.Agents["w"].Progress)
	assert.Equal(t, "working", snap.Agents["w"].CurrentStep)
}
