package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Metadata carries delivery bookkeeping for a message. The retry counter is
// advanced by the delivery broker, never by the message itself.
type Metadata struct {
	CorrelationID string        `json:"correlation_id,omitempty"`
	Sequence      int64         `json:"sequence,omitempty"`
	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	TTL           time.Duration `json:"ttl,omitempty"`
	RoutingKey    string        `json:"routing_key,omitempty"`
	ReplyTo       string        `json:"reply_to,omitempty"`
	ContentType   string        `json:"content_type,omitempty"`
	Compression   string        `json:"compression,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	ProcessedAt   time.Time     `json:"processed_at,omitempty"`
}

// AgentMessage is the unit of communication between agents.
type AgentMessage struct {
	ID        string    `json:"message_id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	FromAgent  string `json:"from_agent"`
	ToAgent    string `json:"to_agent"`
	AgentGroup string `json:"agent_group,omitempty"`

	// Payload is kept opaque; PayloadKind tags the shape for handlers that
	// want type safety without decoding blindly.
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadKind string          `json:"payload_kind,omitempty"`

	Priority Priority `json:"priority"`
	Metadata Metadata `json:"metadata"`

	// Streaming
	StreamID    string `json:"stream_id,omitempty"`
	ChunkIndex  int    `json:"chunk_index,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`

	// Progress
	Progress     float64        `json:"progress,omitempty"`
	ProgressInfo map[string]any `json:"progress_info,omitempty"`

	// Errors
	ErrorInfo           string   `json:"error_info,omitempty"`
	RecoverySuggestions []string `json:"recovery_suggestions,omitempty"`

	Confidence   float64 `json:"confidence,omitempty"`
	Validated    bool    `json:"validated,omitempty"`
	QualityScore float64 `json:"quality_score,omitempty"`
}

// New creates a message with every optional field defaulted so downstream
// code never needs nil checks.
func New(typ Type, from, to string) *AgentMessage {
	now := time.Now()
	return &AgentMessage{
		ID:           uuid.New().String(),
		Type:         typ,
		Timestamp:    now,
		FromAgent:    from,
		ToAgent:      to,
		Priority:     PriorityNormal,
		ProgressInfo: map[string]any{},
		Confidence:   1.0,
		Metadata: Metadata{
			MaxRetries: 3,
			CreatedAt:  now,
		},
	}
}

// NewReply creates a reply to orig, propagating the correlation ID and
// pointing reply_to at the original message.
func NewReply(orig *AgentMessage, from string) *AgentMessage {
	m := New(TypeReply, from, orig.FromAgent)
	m.Metadata.CorrelationID = orig.Metadata.CorrelationID
	if m.Metadata.CorrelationID == "" {
		m.Metadata.CorrelationID = orig.ID
	}
	m.Metadata.ReplyTo = orig.ID
	m.Priority = orig.Priority
	return m
}

// SetPayload marshals v into the opaque payload and records its kind tag.
func (m *AgentMessage) SetPayload(kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.Payload = data
	m.PayloadKind = kind
	return nil
}

// Expired reports whether the message has outlived its TTL. Pure query over
// creation time; never mutated retroactively. Zero TTL never expires.
func (m *AgentMessage) Expired() bool {
	if m.Metadata.TTL <= 0 {
		return false
	}
	return time.Since(m.Metadata.CreatedAt) > m.Metadata.TTL
}

// ShouldRetry reports whether the broker may schedule another attempt.
func (m *AgentMessage) ShouldRetry() bool {
	return m.Metadata.RetryCount < m.Metadata.MaxRetries
}

// String returns a short identifier for logging.
func (m *AgentMessage) String() string {
	return string(m.Type) + ":" + m.ID
}
