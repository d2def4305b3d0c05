// Package message defines the AgentMessage value type exchanged over the bus,
// its priority ordering, metadata, and the closed message type taxonomy.
package message

// Type identifies the kind of an AgentMessage. The set is closed: the
// streaming parser rejects anything outside ValidTypes.
type Type string

const (
	// Lifecycle
	TypeAgentSpawn    Type = "agent_spawn"
	TypeAgentReady    Type = "agent_ready"
	TypeAgentShutdown Type = "agent_shutdown"

	// Tasks
	TypeTaskRequest  Type = "task_request"
	TypeTaskProgress Type = "task_progress"
	TypeTaskResult   Type = "task_result"
	TypeTaskError    Type = "task_error"

	// Point-to-point / fan-out
	TypeSend      Type = "send"
	TypeBroadcast Type = "broadcast"
	TypeReply     Type = "reply"

	// Streaming
	TypeStreamStart Type = "stream_start"
	TypeStreamChunk Type = "stream_chunk"
	TypeStreamEnd   Type = "stream_end"
	TypeStreamError Type = "stream_error"

	// Health
	TypeHeartbeat Type = "heartbeat"
	TypeStatus    Type = "status"

	// Resources
	TypeResourceRequest  Type = "resource_request"
	TypeResourceResponse Type = "resource_response"

	// Error handling / recovery
	TypeErrorReport      Type = "error_report"
	TypeRecoveryRequest  Type = "recovery_request"
	TypeRecoveryResponse Type = "recovery_response"
)

// ValidTypes is the closed set of message types.
var ValidTypes = map[Type]bool{
	TypeAgentSpawn: true, TypeAgentReady: true, TypeAgentShutdown: true,
	TypeTaskRequest: true, TypeTaskProgress: true, TypeTaskResult: true, TypeTaskError: true,
	TypeSend: true, TypeBroadcast: true, TypeReply: true,
	TypeStreamStart: true, TypeStreamChunk: true, TypeStreamEnd: true, TypeStreamError: true,
	TypeHeartbeat: true, TypeStatus: true,
	TypeResourceRequest: true, TypeResourceResponse: true,
	TypeErrorReport: true, TypeRecoveryRequest: true, TypeRecoveryResponse: true,
}

// IsValid reports whether t is a member of the closed type set.
func (t Type) IsValid() bool {
	return ValidTypes[t]
}

// Priority orders messages within a queue. Higher values dequeue first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the canonical upper-case name used in routing patterns.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority resolves a priority name (as used in routing patterns).
// Returns PriorityNormal, false for unknown names.
func ParsePriority(name string) (Priority, bool) {
	switch name {
	case "LOW":
		return PriorityLow, true
	case "NORMAL":
		return PriorityNormal, true
	case "HIGH":
		return PriorityHigh, true
	case "CRITICAL":
		return PriorityCritical, true
	}
	return PriorityNormal, false
}
