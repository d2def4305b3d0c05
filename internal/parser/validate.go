package parser

// validate.go — validation rules applied to every fully-parsed candidate.
// Each failed rule reduces confidence and integrity multiplicatively; any
// failure makes the candidate invalid.

import (
	"github.com/dayuer/agentbus-go/internal/message"
)

const (
	maxAgentIDLen = 256
	maxPayloadLen = 10 << 20 // 10MB hard cap
)

// validate checks a decoded message and returns its confidence/integrity
// scores plus whether it passed every rule.
func validate(msg *message.AgentMessage, rawLen int) (confidence, integrity float64, ok bool) {
	confidence, integrity = 1.0, 1.0
	ok = true

	fail := func(penalty float64) {
		confidence *= penalty
		integrity *= penalty
		ok = false
	}

	if msg.Type == "" {
		fail(0.3)
	} else if !msg.Type.IsValid() {
		fail(0.4)
	}

	if msg.FromAgent == "" || len(msg.FromAgent) > maxAgentIDLen {
		fail(0.5)
	}
	if msg.ToAgent == "" || len(msg.ToAgent) > maxAgentIDLen {
		fail(0.5)
	}

	if len(msg.Payload) > maxPayloadLen || rawLen > maxPayloadLen {
		fail(0.2)
	}

	// Missing ID is tolerated (the wire peer may not assign one) but costs
	// confidence without invalidating.
	if msg.ID == "" {
		confidence *= 0.9
	}

	return confidence, integrity, ok
}
