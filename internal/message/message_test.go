package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	m := New(TypeTaskRequest, "producer", "worker")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, TypeTaskRequest, m.Type)
	assert.Equal(t, PriorityNormal, m.Priority)
	assert.Equal(t, 3, m.Metadata.MaxRetries)
	assert.Equal(t, 0, m.Metadata.RetryCount)
	assert.NotNil(t, m.ProgressInfo)
	assert.Equal(t, 1.0, m.Confidence)
}

func TestNew_UniqueIDs(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		m := New(TypeSend, "a", "b")
		assert.False(t, seen[m.ID])
		seen[m.ID] = true
	}
}

func TestNewReply_PropagatesCorrelation(t *testing.T) {
	orig := New(TypeTaskRequest, "caller", "worker")
	orig.Metadata.CorrelationID = "corr-1"
	orig.Priority = PriorityHigh

	reply := NewReply(orig, "worker")
	assert.Equal(t, TypeReply, reply.Type)
	assert.Equal(t, "caller", reply.ToAgent)
	assert.Equal(t, "corr-1", reply.Metadata.CorrelationID)
	assert.Equal(t, orig.ID, reply.Metadata.ReplyTo)
	assert.Equal(t, PriorityHigh, reply.Priority)
}

func TestNewReply_FallsBackToOrigID(t *testing.T) {
	orig := New(TypeTaskRequest, "caller", "worker")
	reply := NewReply(orig, "worker")
	assert.Equal(t, orig.ID, reply.Metadata.CorrelationID)
}

func TestExpired(t *testing.T) {
	m := New(TypeSend, "a", "b")
	assert.False(t, m.Expired(), "zero TTL never expires")

	m.Metadata.TTL = time.Millisecond
	m.Metadata.CreatedAt = time.Now().Add(-time.Second)
	assert.True(t, m.Expired())

	m.Metadata.TTL = time.Hour
	assert.False(t, m.Expired())
}

func TestShouldRetry(t *testing.T) {
	m := New(TypeSend, "a", "b")
	m.Metadata.MaxRetries = 2
	assert.True(t, m.ShouldRetry())
	m.Metadata.RetryCount = 2
	assert.False(t, m.ShouldRetry())
}

func TestSetPayload(t *testing.T) {
	m := New(TypeTaskResult, "a", "b")
	require.NoError(t, m.SetPayload("rows", map[string]int{"count": 7}))
	assert.Equal(t, "rows", m.PayloadKind)

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(m.Payload, &decoded))
	assert.Equal(t, 7, decoded["count"])
}

func TestJSON_RoundTrip(t *testing.T) {
	m := New(TypeStreamChunk, "src", "dst")
	m.StreamID = "s1"
	m.ChunkIndex = 2
	m.TotalChunks = 5
	m.Priority = PriorityCritical

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var back AgentMessage
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m.ID, back.ID)
	assert.Equal(t, TypeStreamChunk, back.Type)
	assert.Equal(t, "s1", back.StreamID)
	assert.Equal(t, PriorityCritical, back.Priority)
}

func TestType_IsValid(t *testing.T) {
	assert.True(t, TypeHeartbeat.IsValid())
	assert.True(t, TypeRecoveryResponse.IsValid())
	assert.False(t, Type("bogus").IsValid())
}

func TestParsePriority(t *testing.T) {
	p, ok := ParsePriority("CRITICAL")
	assert.True(t, ok)
	assert.Equal(t, PriorityCritical, p)

	_, ok = ParsePriority("urgent")
	assert.False(t, ok)
}

func TestPriority_Ordering(t *testing.T) {
	assert.True(t, PriorityCritical > PriorityHigh)
	assert.True(t, PriorityHigh > PriorityNormal)
	assert.True(t, PriorityNormal > PriorityLow)
}
