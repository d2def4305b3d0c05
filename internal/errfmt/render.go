package errfmt

// render.go — textual representations of a classified error. The same
// AgentError value drives every rendering.

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dayuer/agentbus-go/internal/message"
)

// Format names a rendering style.
type Format string

const (
	FormatHuman      Format = "human"
	FormatTechnical  Format = "technical"
	FormatStructured Format = "structured"
	FormatAgent      Format = "agent"
	FormatUser       Format = "user"
)

// Render produces the requested textual representation.
func (e *AgentError) Render(format Format) string {
	switch format {
	case FormatTechnical:
		return e.renderTechnical()
	case FormatStructured:
		return e.renderStructured()
	case FormatAgent:
		return e.renderStructured()
	case FormatUser:
		return e.renderUser()
	default:
		return e.renderHuman()
	}
}

func (e *AgentError) renderHuman() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s/%s] %s\n", e.Category, e.Severity, e.Title)
	fmt.Fprintf(&b, "  %s\n", e.Description)
	if e.RootCause != "" && e.RootCause != "undetermined" {
		fmt.Fprintf(&b, "  Likely cause: %s\n", e.RootCause)
	}
	if len(e.RecoverySuggestions) > 0 {
		b.WriteString("  Suggestions:\n")
		for _, s := range e.RecoverySuggestions {
			fmt.Fprintf(&b, "    - %s\n", s)
		}
	}
	return b.String()
}

func (e *AgentError) renderTechnical() string {
	var b strings.Builder
	fmt.Fprintf(&b, "category=%s severity=%s recoverable=%v hash=%s\n",
		e.Category, e.Severity, e.Recoverable, e.Hash)
	fmt.Fprintf(&b, "agent=%s message=%s occurred=%s\n",
		e.AgentID, e.MessageID, e.OccurredAt.Format("2006-01-02T15:04:05.000Z07:00"))
	fmt.Fprintf(&b, "description: %s\n", e.Description)
	fmt.Fprintf(&b, "root_cause: %s\n", e.RootCause)
	fmt.Fprintf(&b, "impact: %s\n", strings.Join(e.Impact, "; "))
	fmt.Fprintf(&b, "tags: %s\n", strings.Join(e.Tags, ","))
	return b.String()
}

func (e *AgentError) renderStructured() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"category":%q,"severity":%q}`, e.Category, e.Severity)
	}
	return string(data)
}

// renderUser never exposes internals: no hashes, IDs, or raw error text.
func (e *AgentError) renderUser() string {
	switch {
	case e.Severity >= SeverityCritical:
		return "A serious problem occurred and the operation could not be completed. The team has been notified."
	case e.Severity == SeverityHigh:
		return "The operation failed. Please try again in a moment."
	default:
		return "Something went wrong while processing your request. Please try again."
	}
}

// ToMessage wraps the classified error in a task_error message addressed
// back to the original sender.
func (e *AgentError) ToMessage(orig *message.AgentMessage, from string) *message.AgentMessage {
	m := message.New(message.TypeTaskError, from, orig.FromAgent)
	m.Metadata.CorrelationID = orig.Metadata.CorrelationID
	if m.Metadata.CorrelationID == "" {
		m.Metadata.CorrelationID = orig.ID
	}
	m.Metadata.ReplyTo = orig.ID
	m.Priority = message.PriorityHigh
	m.ErrorInfo = e.Description
	m.RecoverySuggestions = append([]string(nil), e.RecoverySuggestions...)
	_ = m.SetPayload("agent_error", e)
	return m
}

// MarshalJSON renders severity by name so machine consumers don't need the
// enum ordering.
func (e *AgentError) MarshalJSON() ([]byte, error) {
	type alias AgentError
	return json.Marshal(struct {
		*alias
		Severity string `json:"severity"`
	}{(*alias)(e), e.Severity.String()})
}
