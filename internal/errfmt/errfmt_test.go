package errfmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dayuer/agentbus-go/internal/message"
)

func TestClassify_Categories(t *testing.T) {
	cases := []struct {
		err  error
		want Category
	}{
		{errors.New("dial tcp: connection refused"), CategoryCommunication},
		{errors.New("unexpected end of JSON input"), CategoryParsing},
		{errors.New("required field 'type' missing"), CategoryValidation},
		{errors.New("context deadline exceeded"), CategoryTimeout},
		{errors.New("out of memory"), CategoryResource},
		{errors.New("401 unauthorized"), CategoryAuthentication},
		{errors.New("widget count went negative"), CategoryUnknown},
	}
	for _, tc := range cases {
		got := Classify(tc.err, Context{})
		assert.Equal(t, tc.want, got.Category, "error: %v", tc.err)
	}
}

func TestClassify_TimeoutBeatsCommunication(t *testing.T) {
	// "connection timeout" matches both tables; timeout is more specific.
	ae := Classify(errors.New("connection timeout to peer"), Context{})
	assert.Equal(t, CategoryTimeout, ae.Category)
}

func TestClassify_Severity(t *testing.T) {
	assert.Equal(t, SeverityFatal, Classify(errors.New("fatal: state corrupt"), Context{}).Severity)
	assert.Equal(t, SeverityCritical, Classify(errors.New("disk full on /var"), Context{}).Severity)
	assert.Equal(t, SeverityHigh, Classify(errors.New("read timeout"), Context{}).Severity)
	assert.Equal(t, SeverityMedium, Classify(errors.New("widget exploded"), Context{}).Severity)
}

func TestClassify_SeverityEscalation(t *testing.T) {
	plain := Classify(errors.New("widget exploded"), Context{PriorErrors: 1})
	assert.Equal(t, SeverityMedium, plain.Severity)

	repeat := Classify(errors.New("widget exploded"), Context{PriorErrors: 5})
	assert.Equal(t, SeverityHigh, repeat.Severity)
}

func TestClassify_RootCause(t *testing.T) {
	ae := Classify(errors.New("dial tcp 10.0.0.1:6379: connection refused"), Context{})
	assert.Contains(t, ae.RootCause, "not listening")
}

func TestClassify_RootCauseUnwrap(t *testing.T) {
	inner := errors.New("inner cause")
	wrapped := fmt.Errorf("handler blew up: %w", inner)
	ae := Classify(wrapped, Context{})
	assert.Equal(t, "inner cause", ae.RootCause)
}

func TestClassify_Recoverable(t *testing.T) {
	assert.True(t, Classify(errors.New("read timeout"), Context{}).Recoverable)
	assert.False(t, Classify(errors.New("fatal: corrupt"), Context{}).Recoverable)
}

func TestClassify_ContentSensitiveSuggestions(t *testing.T) {
	ae := Classify(errors.New("parse failed after timeout"), Context{})
	assert.Equal(t, CategoryTimeout, ae.Category)

	// Parsing error mentioning timeout picks up the timeout suggestion too.
	ae2 := Classify(errors.New("unmarshal failed, upstream timeout while reading"), Context{})
	if ae2.Category != CategoryTimeout {
		assert.Contains(t, ae2.RecoverySuggestions, "increase timeout values")
	}
}

func TestClassify_DedupHashStable(t *testing.T) {
	a := Classify(errors.New("same text"), Context{AgentID: "x"})
	b := Classify(errors.New("same text"), Context{AgentID: "y"})
	assert.Equal(t, a.Hash, b.Hash)

	c := Classify(errors.New("different text"), Context{})
	assert.NotEqual(t, a.Hash, c.Hash)
}

func TestRender_Human(t *testing.T) {
	ae := Classify(errors.New("connection refused"), Context{Operation: "deliver"})
	out := ae.Render(FormatHuman)
	assert.Contains(t, out, "communication")
	assert.Contains(t, out, "connection refused")
	assert.Contains(t, out, "Suggestions:")
}

func TestRender_Technical(t *testing.T) {
	ae := Classify(errors.New("connection refused"), Context{AgentID: "w1", MessageID: "m1"})
	out := ae.Render(FormatTechnical)
	assert.Contains(t, out, "agent=w1")
	assert.Contains(t, out, "hash="+ae.Hash)
}

func TestRender_Structured(t *testing.T) {
	ae := Classify(errors.New("read timeout"), Context{})
	out := ae.Render(FormatStructured)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "timeout", decoded["category"])
	assert.Equal(t, "HIGH", decoded["severity"])
}

func TestRender_UserHidesInternals(t *testing.T) {
	ae := Classify(errors.New("dial tcp 10.1.2.3:5432: connection refused"), Context{AgentID: "secret-agent"})
	out := ae.Render(FormatUser)
	assert.NotContains(t, out, "10.1.2.3")
	assert.NotContains(t, out, "secret-agent")
	assert.NotContains(t, strings.ToLower(out), "dial")
}

func TestToMessage(t *testing.T) {
	orig := message.New(message.TypeTaskRequest, "caller", "worker")
	orig.Metadata.CorrelationID = "corr-9"

	ae := Classify(errors.New("handler timeout"), Context{AgentID: "worker", MessageID: orig.ID})
	m := ae.ToMessage(orig, "worker")

	assert.Equal(t, message.TypeTaskError, m.Type)
	assert.Equal(t, "caller", m.ToAgent)
	assert.Equal(t, "corr-9", m.Metadata.CorrelationID)
	assert.Equal(t, orig.ID, m.Metadata.ReplyTo)
	assert.Equal(t, message.PriorityHigh, m.Priority)
	assert.NotEmpty(t, m.RecoverySuggestions)
	assert.Equal(t, "agent_error", m.PayloadKind)
}
