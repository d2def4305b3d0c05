// Package bus is the communication core: it owns the agent registry,
// per-agent priority queues, the routing engine, and the delivery broker,
// and exposes send/broadcast semantics over them.
package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dayuer/agentbus-go/internal/broker"
	"github.com/dayuer/agentbus-go/internal/errfmt"
	"github.com/dayuer/agentbus-go/internal/message"
	"github.com/dayuer/agentbus-go/internal/progress"
	"github.com/dayuer/agentbus-go/internal/queue"
	"github.com/dayuer/agentbus-go/internal/registry"
	"github.com/dayuer/agentbus-go/internal/routing"
)

// Config holds bus settings. Zero values get defaults.
type Config struct {
	Guarantee        broker.Guarantee
	QueueSize        int           // per-agent queue capacity, default 1000
	MaxRetries       int           // at-least-once retry budget, default 3
	BaseDelay        time.Duration // retry backoff base, default 100ms
	HeartbeatTimeout time.Duration // registry health window, default 60s
	CleanupInterval  time.Duration // stats/cleanup tick, default 30s

	// Mirror optionally backs exactly-once dedup with an external store.
	Mirror broker.DedupMirror

	// OnHeartbeat fires for every heartbeat message, after the registry
	// timestamp is refreshed. Optional.
	OnHeartbeat func(agentID string)
}

// Stats is a point-in-time snapshot of bus counters.
type Stats struct {
	Registered int   `json:"registered"`
	QueueDepth int   `json:"queue_depth"`
	Delivered  int64 `json:"delivered"`
	Dropped    int64 `json:"dropped"`
	Errors     int64 `json:"errors"`
	DedupSize  int   `json:"dedup_size"`
}

// consumer pairs an agent's queue with its own broker so that duplicate
// suppression and retry state are scoped per agent, not per bus. A broadcast
// fans one message ID out to several agents; each must still receive it once.
type consumer struct {
	id string
	q  *queue.Queue
	br *broker.Broker
}

// Bus routes messages between registered agents.
type Bus struct {
	cfg      Config
	registry *registry.Registry
	engine   *routing.Engine

	mu        sync.RWMutex
	consumers map[string]*consumer
	agg       *progress.Aggregator

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup

	delivered atomic.Int64
	dropped   atomic.Int64
	errCount  atomic.Int64
}

// New creates a bus. Call Start before sending.
func New(cfg Config) *Bus {
	if cfg.Guarantee == "" {
		cfg.Guarantee = broker.AtLeastOnce
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 60 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 30 * time.Second
	}

	reg := registry.New(cfg.HeartbeatTimeout)
	return &Bus{
		cfg:       cfg,
		registry:  reg,
		engine:    routing.NewEngine(reg),
		consumers: make(map[string]*consumer),
		ctx:       context.Background(),
	}
}

// Registry exposes the agent registry for health queries and ANR monitoring.
func (b *Bus) Registry() *registry.Registry { return b.registry }

// AttachAggregator wires a progress aggregator; task_progress messages that
// name an aggregation are forwarded to it before handler dispatch.
func (b *Bus) AttachAggregator(agg *progress.Aggregator) {
	b.mu.Lock()
	b.agg = agg
	b.mu.Unlock()
}

// AddRule installs a routing rule. Pattern syntax: "<type>:<from>-><to>[<PRIORITY>]".
func (b *Bus) AddRule(pattern string, strategy routing.Strategy, targetGroup string, precedence int) error {
	return b.engine.AddRule(pattern, strategy, targetGroup, precedence)
}

// LoadRules reads routing-rule YAML files from dir.
func (b *Bus) LoadRules(dir string) error {
	return b.engine.LoadRules(dir)
}

// RegisterAgent adds an agent with its own queue and consumer.
func (b *Bus) RegisterAgent(id string, capabilities, groups []string, handlers []registry.Handler) error {
	if err := b.registry.Register(id, capabilities, groups, handlers); err != nil {
		return err
	}

	var mirror broker.DedupMirror
	if b.cfg.Mirror != nil {
		mirror = scopedMirror{inner: b.cfg.Mirror, scope: id}
	}
	c := &consumer{
		id: id,
		q:  queue.New(b.cfg.QueueSize),
		br: broker.New(broker.Config{
			Guarantee:  b.cfg.Guarantee,
			MaxRetries: b.cfg.MaxRetries,
			BaseDelay:  b.cfg.BaseDelay,
			Mirror:     mirror,
			OnExhausted: func(msg *message.AgentMessage, err error) {
				b.reportError(msg, err)
			},
		}),
	}

	b.mu.Lock()
	b.consumers[id] = c
	started := b.started
	b.mu.Unlock()

	if started {
		b.wg.Add(1)
		go b.consume(c)
	}
	log.Printf("[Bus] ✅ Agent registered: %s (groups=%v)", id, groups)
	return nil
}

// UnregisterAgent removes an agent, its queue, and its consumer.
func (b *Bus) UnregisterAgent(id string) error {
	if err := b.registry.Unregister(id); err != nil {
		return err
	}
	b.mu.Lock()
	c := b.consumers[id]
	delete(b.consumers, id)
	b.mu.Unlock()

	if c != nil {
		c.q.Close()
	}
	log.Printf("[Bus] Agent unregistered: %s", id)
	return nil
}

// Start launches consumers for every registered agent plus the periodic
// cleanup loop. Cancelling ctx (or calling Stop) shuts everything down.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(ctx)
	pending := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		pending = append(pending, c)
	}
	b.mu.Unlock()

	for _, c := range pending {
		b.wg.Add(1)
		go b.consume(c)
	}
	b.wg.Add(1)
	go b.cleanupLoop()
	log.Printf("[Bus] ✅ Started with %d agents (guarantee=%s)", len(pending), b.cfg.Guarantee)
}

// Stop cancels every consumer and waits for in-flight retries to drain.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	consumers := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.Unlock()

	cancel()
	for _, c := range consumers {
		c.q.Close()
	}
	b.wg.Wait()
	for _, c := range consumers {
		c.br.Wait()
	}
	log.Printf("[Bus] Stopped")
}

// Send routes a message to its resolved targets. Returns true when at least
// one target accepted it.
func (b *Bus) Send(ctx context.Context, msg *message.AgentMessage) bool {
	if msg == nil || !msg.Type.IsValid() {
		log.Printf("[Bus] ❌ Rejected invalid message")
		return false
	}

	if msg.Type == message.TypeHeartbeat {
		b.registry.Heartbeat(msg.FromAgent)
		if b.cfg.OnHeartbeat != nil {
			b.cfg.OnHeartbeat(msg.FromAgent)
		}
		if msg.ToAgent == "" {
			return true
		}
	}

	if msg.Expired() {
		b.dropped.Add(1)
		log.Printf("[Bus] ⚠️ Dropped expired message: %s", msg)
		return false
	}

	targets := b.engine.Resolve(msg)
	if len(targets) == 0 {
		b.dropped.Add(1)
		return false
	}

	delivered := false
	for _, target := range targets {
		if b.enqueue(target, msg) {
			delivered = true
		}
	}
	return delivered
}

// Broadcast fans a message out to every healthy agent in group (all healthy
// agents when group is empty), excluding the sender. Returns the number of
// agents that accepted it.
func (b *Bus) Broadcast(ctx context.Context, msg *message.AgentMessage, group string) int {
	if msg == nil || !msg.Type.IsValid() {
		return 0
	}
	msg.AgentGroup = group

	count := 0
	for _, id := range b.registry.Healthy(group) {
		if id == msg.FromAgent {
			continue
		}
		if b.enqueue(id, msg) {
			count++
		}
	}
	return count
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s := Stats{
		Registered: len(b.consumers),
		Delivered:  b.delivered.Load(),
		Dropped:    b.dropped.Load(),
		Errors:     b.errCount.Load(),
	}
	for _, c := range b.consumers {
		s.QueueDepth += c.q.Len()
		s.DedupSize += c.br.DedupSize()
	}
	return s
}

// enqueue puts a per-target copy of msg on the target's queue. Each target
// gets its own copy so retry counters do not cross wires.
func (b *Bus) enqueue(target string, msg *message.AgentMessage) bool {
	b.mu.RLock()
	c := b.consumers[target]
	b.mu.RUnlock()
	if c == nil {
		b.dropped.Add(1)
		log.Printf("[Bus] ⚠️ No queue for target %s, message dropped: %s", target, msg)
		return false
	}

	cp := *msg
	evicted, err := c.q.Put(&cp)
	if err != nil {
		b.dropped.Add(1)
		return false
	}
	if evicted != nil {
		b.dropped.Add(1)
		log.Printf("[Bus] ⚠️ Queue full for %s, evicted: %s", target, evicted)
	}
	return true
}

// consume is the per-agent delivery loop.
func (b *Bus) consume(c *consumer) {
	defer b.wg.Done()
	for {
		msg, err := c.q.Get(b.ctx)
		if err != nil {
			return
		}
		if msg.Expired() {
			b.dropped.Add(1)
			log.Printf("[Bus] ⚠️ Dropped expired message at dequeue: %s", msg)
			continue
		}
		if err := c.br.Deliver(b.ctx, msg, func(m *message.AgentMessage) error {
			return b.dispatch(c.id, m)
		}); err != nil {
			// At-most-once and exactly-once surface failures here;
			// at-least-once reports through OnExhausted instead.
			b.reportError(msg, err)
		}
	}
}

// dispatch runs msg through the agent's handler chain. Handler panics are
// converted to errors so the consumer loop never dies.
func (b *Bus) dispatch(agentID string, msg *message.AgentMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if msg.Type == message.TypeTaskProgress {
		b.forwardProgress(msg)
	}

	handlers := b.registry.Handlers(agentID)
	if len(handlers) == 0 {
		return fmt.Errorf("no handlers registered for agent %s", agentID)
	}

	msg.Metadata.ProcessedAt = time.Now()
	for _, h := range handlers {
		reply, herr := h(msg)
		if herr != nil {
			b.registry.IncrErrors(agentID)
			return herr
		}
		if reply != nil {
			b.Send(b.ctx, reply)
		}
	}
	b.registry.IncrMessages(agentID)
	b.delivered.Add(1)
	return nil
}

// forwardProgress feeds a task_progress message into the attached aggregator.
func (b *Bus) forwardProgress(msg *message.AgentMessage) {
	b.mu.RLock()
	agg := b.agg
	b.mu.RUnlock()
	if agg == nil {
		return
	}
	aggID, _ := msg.ProgressInfo["aggregation_id"].(string)
	if aggID == "" {
		return
	}
	step, _ := msg.ProgressInfo["current_step"].(string)
	if _, err := agg.Update(aggID, msg.FromAgent, msg.Progress, step, msg.ProgressInfo); err != nil {
		log.Printf("[Bus] ⚠️ Progress update failed for %s/%s: %v", aggID, msg.FromAgent, err)
	}
}

// reportError classifies a failed delivery and routes a task_error reply
// back to the sender.
func (b *Bus) reportError(msg *message.AgentMessage, cause error) {
	b.errCount.Add(1)
	agentErr := errfmt.Classify(cause, errfmt.Context{
		AgentID:     msg.ToAgent,
		MessageID:   msg.ID,
		Operation:   "deliver",
		PriorErrors: b.registry.ErrorCount(msg.ToAgent),
	})
	log.Printf("[Bus] ❌ Delivery failed: %s (%s)", msg, agentErr.Render(errfmt.FormatTechnical))

	if msg.FromAgent == "" || msg.FromAgent == msg.ToAgent {
		return
	}
	reply := agentErr.ToMessage(msg, "bus")
	if !b.enqueue(msg.FromAgent, reply) {
		log.Printf("[Bus] ⚠️ No route for error reply to %s", msg.FromAgent)
	}
}

// cleanupLoop periodically drops expired messages still waiting in queues
// and logs a stats snapshot.
func (b *Bus) cleanupLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if expired := b.sweepExpired(); expired > 0 {
				log.Printf("[Bus] ⚠️ Swept %d expired messages", expired)
			}
			s := b.Stats()
			log.Printf("[Bus] 🔧 agents=%d queued=%d delivered=%d dropped=%d errors=%d",
				s.Registered, s.QueueDepth, s.Delivered, s.Dropped, s.Errors)
		}
	}
}

// sweepExpired removes expired messages from every agent queue.
func (b *Bus) sweepExpired() int {
	b.mu.RLock()
	consumers := make([]*consumer, 0, len(b.consumers))
	for _, c := range b.consumers {
		consumers = append(consumers, c)
	}
	b.mu.RUnlock()

	expired := 0
	for _, c := range consumers {
		expired += c.q.SweepExpired()
	}
	if expired > 0 {
		b.dropped.Add(int64(expired))
	}
	return expired
}

// scopedMirror prefixes dedup keys with the owning agent's ID so a broadcast
// can reach every agent exactly once.
type scopedMirror struct {
	inner broker.DedupMirror
	scope string
}

func (m scopedMirror) Seen(ctx context.Context, id string) bool {
	return m.inner.Seen(ctx, m.scope+"/"+id)
}

func (m scopedMirror) Mark(ctx context.Context, id string) {
	m.inner.Mark(ctx, m.scope+"/"+id)
}
