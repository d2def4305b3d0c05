// Package broker wraps handler invocation with a delivery guarantee:
// at-most-once, at-least-once (retry with exponential backoff), or
// exactly-once (duplicate suppression by message ID).
package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/dayuer/agentbus-go/internal/message"
)

// Guarantee selects the delivery contract.
type Guarantee string

const (
	AtMostOnce  Guarantee = "at_most_once"
	AtLeastOnce Guarantee = "at_least_once"
	ExactlyOnce Guarantee = "exactly_once"
)

// dedupLimit is the in-memory delivered-ID cap; on overflow the oldest half
// is pruned.
const dedupLimit = 10000

// Invoke delivers msg to a single handler chain.
type Invoke func(msg *message.AgentMessage) error

// DedupMirror optionally mirrors delivered IDs to an external store.
// Implementations must be safe to call when the store is unavailable.
type DedupMirror interface {
	Seen(ctx context.Context, id string) bool
	Mark(ctx context.Context, id string)
}

// Config holds broker settings. Zero values get defaults.
type Config struct {
	Guarantee  Guarantee
	MaxRetries int           // default 3; per-message metadata overrides
	BaseDelay  time.Duration // default 100ms; retry n waits base * 2^n
	Mirror     DedupMirror   // optional exactly-once mirror

	// OnExhausted fires after an at-least-once message burns every retry.
	OnExhausted func(msg *message.AgentMessage, err error)
}

// Broker applies a delivery guarantee around handler invocation.
type Broker struct {
	cfg Config

	mu        sync.Mutex
	delivered map[string]struct{}
	order     []string // insertion order for pruning

	wg sync.WaitGroup
}

// New creates a broker.
func New(cfg Config) *Broker {
	if cfg.Guarantee == "" {
		cfg.Guarantee = AtLeastOnce
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	return &Broker{
		cfg:       cfg,
		delivered: make(map[string]struct{}),
	}
}

// Deliver invokes the handler under the configured guarantee.
//
// For at-least-once a failed first attempt returns nil and schedules retries
// on independent timers; the final failure surfaces through OnExhausted.
// Cancelling ctx drops all pending retries without delivering them.
func (b *Broker) Deliver(ctx context.Context, msg *message.AgentMessage, invoke Invoke) error {
	switch b.cfg.Guarantee {
	case AtMostOnce:
		return invoke(msg)

	case ExactlyOnce:
		if b.seen(ctx, msg.ID) {
			log.Printf("[Broker] Duplicate suppressed: %s", msg.ID)
			return nil
		}
		if err := invoke(msg); err != nil {
			return err
		}
		b.mark(ctx, msg.ID)
		return nil

	default: // AtLeastOnce
		err := invoke(msg)
		if err == nil {
			return nil
		}
		b.scheduleRetry(ctx, msg, invoke, err)
		return nil
	}
}

// scheduleRetry queues the next attempt without blocking the caller.
func (b *Broker) scheduleRetry(ctx context.Context, msg *message.AgentMessage, invoke Invoke, lastErr error) {
	maxRetries := msg.Metadata.MaxRetries
	if maxRetries <= 0 {
		maxRetries = b.cfg.MaxRetries
	}
	if msg.Metadata.RetryCount >= maxRetries {
		log.Printf("[Broker] ❌ Permanently failed after %d retries: %s (%v)",
			msg.Metadata.RetryCount, msg, lastErr)
		if b.cfg.OnExhausted != nil {
			b.cfg.OnExhausted(msg, lastErr)
		}
		return
	}

	delay := b.cfg.BaseDelay * (1 << msg.Metadata.RetryCount)
	msg.Metadata.RetryCount++

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := invoke(msg); err != nil {
			b.scheduleRetry(ctx, msg, invoke, err)
			return
		}
	}()
}

// seen checks the delivered set, consulting the mirror first when present.
func (b *Broker) seen(ctx context.Context, id string) bool {
	if b.cfg.Mirror != nil && b.cfg.Mirror.Seen(ctx, id) {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.delivered[id]
	return ok
}

// mark records a successful delivery, pruning the oldest half on overflow.
func (b *Broker) mark(ctx context.Context, id string) {
	b.mu.Lock()
	if _, ok := b.delivered[id]; !ok {
		b.delivered[id] = struct{}{}
		b.order = append(b.order, id)
		if len(b.order) > dedupLimit {
			cut := len(b.order) / 2
			for _, old := range b.order[:cut] {
				delete(b.delivered, old)
			}
			b.order = append([]string(nil), b.order[cut:]...)
			log.Printf("[Broker] Pruned dedup set to %d entries", len(b.order))
		}
	}
	b.mu.Unlock()

	if b.cfg.Mirror != nil {
		b.cfg.Mirror.Mark(ctx, id)
	}
}

// DedupSize returns the current delivered-ID count.
func (b *Broker) DedupSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.delivered)
}

// Wait blocks until every in-flight retry goroutine has finished. Intended
// for shutdown and tests; cancel the delivery context first.
func (b *Broker) Wait() {
	b.wg.Wait()
}
