package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/agentbus-go/internal/message"
)

func newMsg() *message.AgentMessage {
	return message.New(message.TypeTaskRequest, "a", "b")
}

func TestAtMostOnce_NoRetry(t *testing.T) {
	b := New(Config{Guarantee: AtMostOnce})
	var calls atomic.Int32

	err := b.Deliver(context.Background(), newMsg(), func(*message.AgentMessage) error {
		calls.Add(1)
		return errors.New("boom")
	})
	assert.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExactlyOnce_Dedup(t *testing.T) {
	b := New(Config{Guarantee: ExactlyOnce})
	var calls atomic.Int32
	invoke := func(*message.AgentMessage) error {
		calls.Add(1)
		return nil
	}

	m := newMsg()
	require.NoError(t, b.Deliver(context.Background(), m, invoke))
	require.NoError(t, b.Deliver(context.Background(), m, invoke))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, b.DedupSize())
}

func TestExactlyOnce_FailureNotMarked(t *testing.T) {
	b := New(Config{Guarantee: ExactlyOnce})
	var calls atomic.Int32
	m := newMsg()

	err := b.Deliver(context.Background(), m, func(*message.AgentMessage) error {
		calls.Add(1)
		return errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, b.DedupSize())

	// A later attempt is not suppressed.
	require.NoError(t, b.Deliver(context.Background(), m, func(*message.AgentMessage) error {
		calls.Add(1)
		return nil
	}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestAtLeastOnce_EventualSuccess(t *testing.T) {
	b := New(Config{Guarantee: AtLeastOnce, BaseDelay: 5 * time.Millisecond})
	var calls atomic.Int32

	m := newMsg()
	m.Metadata.MaxRetries = 5

	// Fail twice, then succeed.
	invoke := func(*message.AgentMessage) error {
		if calls.Add(1) <= 2 {
			return errors.New("transient")
		}
		return nil
	}

	require.NoError(t, b.Deliver(context.Background(), m, invoke))
	b.Wait()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2, m.Metadata.RetryCount)
}

func TestAtLeastOnce_Exhaustion(t *testing.T) {
	var exhausted atomic.Int32
	var mu sync.Mutex
	var lastErr error

	b := New(Config{
		Guarantee: AtLeastOnce,
		BaseDelay: 2 * time.Millisecond,
		OnExhausted: func(msg *message.AgentMessage, err error) {
			exhausted.Add(1)
			mu.Lock()
			lastErr = err
			mu.Unlock()
		},
	})

	m := newMsg()
	m.Metadata.MaxRetries = 3
	var calls atomic.Int32

	require.NoError(t, b.Deliver(context.Background(), m, func(*message.AgentMessage) error {
		calls.Add(1)
		return errors.New("always broken")
	}))
	b.Wait()

	assert.Equal(t, int32(4), calls.Load(), "initial attempt + 3 retries")
	assert.Equal(t, 3, m.Metadata.RetryCount)
	assert.Equal(t, int32(1), exhausted.Load())
	mu.Lock()
	assert.EqualError(t, lastErr, "always broken")
	mu.Unlock()
}

func TestAtLeastOnce_CancelDropsRetries(t *testing.T) {
	b := New(Config{Guarantee: AtLeastOnce, BaseDelay: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	m := newMsg()
	require.NoError(t, b.Deliver(ctx, m, func(*message.AgentMessage) error {
		calls.Add(1)
		return errors.New("boom")
	}))

	cancel()
	b.Wait()

	assert.Equal(t, int32(1), calls.Load(), "pending retry must not fire after cancel")
}

func TestDedupPrune(t *testing.T) {
	b := New(Config{Guarantee: ExactlyOnce})
	ctx := context.Background()
	invoke := func(*message.AgentMessage) error { return nil }

	for i := 0; i < dedupLimit+1; i++ {
		require.NoError(t, b.Deliver(ctx, newMsg(), invoke))
	}
	assert.Equal(t, dedupLimit/2+1, b.DedupSize(), "oldest half pruned on overflow")
}

type fakeMirror struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (f *fakeMirror) Seen(ctx context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[id]
}

func (f *fakeMirror) Mark(ctx context.Context, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[id] = true
}

func TestExactlyOnce_MirrorConsulted(t *testing.T) {
	mirror := &fakeMirror{seen: map[string]bool{}}
	b := New(Config{Guarantee: ExactlyOnce, Mirror: mirror})

	m := newMsg()
	mirror.Mark(context.Background(), m.ID)

	var calls atomic.Int32
	require.NoError(t, b.Deliver(context.Background(), m, func(*message.AgentMessage) error {
		calls.Add(1)
		return nil
	}))
	assert.Equal(t, int32(0), calls.Load(), "mirror hit suppresses delivery")
}
