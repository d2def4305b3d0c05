// Package errfmt classifies handler errors into a fixed taxonomy, assesses
// severity and impact, generates recovery suggestions, and renders several
// textual representations of the same classified error.
package errfmt

import (
	"crypto/md5"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dayuer/agentbus-go/internal/utils"
)

// Category is the error taxonomy.
type Category string

const (
	CategoryCommunication  Category = "communication"
	CategoryParsing        Category = "parsing"
	CategoryValidation     Category = "validation"
	CategoryTimeout        Category = "timeout"
	CategoryResource       Category = "resource"
	CategoryAuthentication Category = "authentication"
	CategoryBusinessLogic  Category = "business_logic"
	CategorySystem         Category = "system"
	CategoryUnknown        Category = "unknown"
)

// Severity levels, ordered.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
	SeverityFatal
)

// String returns the upper-case severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	case SeverityFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// AgentError is a fully classified error. Immutable once built.
type AgentError struct {
	Category            Category  `json:"category"`
	Severity            Severity  `json:"severity"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	RootCause           string    `json:"root_cause"`
	Recoverable         bool      `json:"recoverable"`
	RecoverySuggestions []string  `json:"recovery_suggestions"`
	Impact              []string  `json:"impact"`
	Tags                []string  `json:"tags"`
	AgentID             string    `json:"agent_id,omitempty"`
	MessageID           string    `json:"message_id,omitempty"`
	Hash                string    `json:"hash"`
	OccurredAt          time.Time `json:"occurred_at"`
}

// Context carries the circumstances of the failure into classification.
type Context struct {
	AgentID     string
	MessageID   string
	Operation   string
	PriorErrors int64 // errors this agent has already accumulated
}

// categoryPatterns maps categories to regexes matched (case-insensitively)
// against the error text.
var categoryPatterns = map[Category][]*regexp.Regexp{
	CategoryCommunication: compileAll(
		`connection\s*(refused|reset|closed|failed)`,
		`broken pipe`, `network`, `unreachable`, `dial`, `eof`,
	),
	CategoryParsing: compileAll(
		`parse`, `unmarshal`, `invalid (json|syntax)`, `unexpected (token|end)`,
		`malformed`, `decode`,
	),
	CategoryValidation: compileAll(
		`validat`, `required field`, `missing field`, `out of range`,
		`invalid (value|argument|input)`, `schema`,
	),
	CategoryTimeout: compileAll(
		`timeout`, `timed out`, `deadline exceeded`, `context canceled`,
	),
	CategoryResource: compileAll(
		`out of memory`, `no space`, `disk full`, `too many open files`,
		`resource (exhausted|unavailable)`, `quota`, `rate limit`,
	),
	CategoryAuthentication: compileAll(
		`unauthorized`, `forbidden`, `permission denied`, `auth`,
		`invalid (token|credential)`, `expired (token|certificate)`,
	),
}

// classification order matters: timeout before communication so "connection
// timeout" lands in the more specific category.
var categoryOrder = []Category{
	CategoryTimeout,
	CategoryAuthentication,
	CategoryResource,
	CategoryParsing,
	CategoryValidation,
	CategoryCommunication,
}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(`(?i)`+p))
	}
	return out
}

// rootCauses maps known cause phrases to a plain-language explanation.
var rootCauses = []struct {
	phrase string
	cause  string
}{
	{"connection refused", "the target service is not listening or is down"},
	{"deadline exceeded", "the operation ran longer than its allotted time"},
	{"timed out", "the operation ran longer than its allotted time"},
	{"out of memory", "the process exhausted available memory"},
	{"too many open files", "the process hit its file descriptor limit"},
	{"permission denied", "the caller lacks the required permission"},
	{"unexpected end", "the input was cut off before it was complete"},
	{"broken pipe", "the peer closed the connection mid-transfer"},
	{"rate limit", "the upstream service is throttling requests"},
}

// suggestionTemplates lists category-level recovery suggestions.
var suggestionTemplates = map[Category][]string{
	CategoryCommunication:  {"check network connectivity to the peer", "verify the target agent is running", "retry with backoff"},
	CategoryParsing:        {"inspect the raw payload for truncation", "verify the producer emits well-formed JSON"},
	CategoryValidation:     {"check required fields are populated", "validate input against the message schema"},
	CategoryTimeout:        {"retry the operation", "check whether the target agent is overloaded"},
	CategoryResource:       {"free or increase the constrained resource", "reduce concurrent load"},
	CategoryAuthentication: {"refresh credentials", "verify the token has not expired"},
	CategoryBusinessLogic:  {"review the handler's input assumptions"},
	CategorySystem:         {"check process and host health", "collect logs around the failure"},
	CategoryUnknown:        {"inspect the error text and logs for details"},
}

// Classify builds an AgentError from err and its context.
func Classify(err error, ctx Context) *AgentError {
	text := err.Error()
	typeName := fmt.Sprintf("%T", err)

	category := classifyText(text)
	if category == CategoryUnknown {
		category = classifyTypeName(typeName)
	}

	severity := assessSeverity(text, ctx)
	rootCause := inferRootCause(err, text)

	ae := &AgentError{
		Category:            category,
		Severity:            severity,
		Title:               fmt.Sprintf("%s error in %s", category, orDefault(ctx.Operation, "handler")),
		Description:         utils.TruncateString(text, 500, "..."),
		RootCause:           rootCause,
		Recoverable:         severity < SeverityFatal,
		RecoverySuggestions: buildSuggestions(category, text),
		Impact:              assessImpact(category, severity),
		Tags:                []string{string(category), strings.ToLower(severity.String())},
		AgentID:             ctx.AgentID,
		MessageID:           ctx.MessageID,
		OccurredAt:          time.Now(),
	}
	ae.Hash = dedupHash(category, text)
	return ae
}

func classifyText(text string) Category {
	for _, cat := range categoryOrder {
		for _, re := range categoryPatterns[cat] {
			if re.MatchString(text) {
				return cat
			}
		}
	}
	return CategoryUnknown
}

// classifyTypeName falls back to heuristics on the Go error type name.
func classifyTypeName(typeName string) Category {
	lower := strings.ToLower(typeName)
	switch {
	case strings.Contains(lower, "net."), strings.Contains(lower, "url."):
		return CategoryCommunication
	case strings.Contains(lower, "json."), strings.Contains(lower, "syntax"):
		return CategoryParsing
	case strings.Contains(lower, "validation"):
		return CategoryValidation
	case strings.Contains(lower, "os."), strings.Contains(lower, "syscall"):
		return CategorySystem
	}
	return CategoryUnknown
}

func assessSeverity(text string, ctx Context) Severity {
	lower := strings.ToLower(text)
	var sev Severity
	switch {
	case containsAny(lower, "fatal", "panic", "corrupt", "data loss"):
		sev = SeverityFatal
	case containsAny(lower, "out of memory", "no space", "disk full", "deadlock"):
		sev = SeverityCritical
	case containsAny(lower, "timeout", "timed out", "connection", "parse", "validat"):
		sev = SeverityHigh
	default:
		sev = SeverityMedium
	}

	// Repeat offenders escalate one level.
	if ctx.PriorErrors > 3 && sev < SeverityFatal {
		sev++
	}
	return sev
}

func inferRootCause(err error, text string) string {
	lower := strings.ToLower(text)
	for _, rc := range rootCauses {
		if strings.Contains(lower, rc.phrase) {
			return rc.cause
		}
	}
	if inner := errors.Unwrap(err); inner != nil {
		return inner.Error()
	}
	return "undetermined"
}

func buildSuggestions(category Category, text string) []string {
	suggestions := append([]string(nil), suggestionTemplates[category]...)
	lower := strings.ToLower(text)
	if strings.Contains(lower, "timeout") && category != CategoryTimeout {
		suggestions = append(suggestions, "increase timeout values")
	}
	if strings.Contains(lower, "retry") {
		suggestions = append(suggestions, "check whether retries are exhausted")
	}
	return suggestions
}

func assessImpact(category Category, severity Severity) []string {
	impact := []string{fmt.Sprintf("severity %s", severity)}
	switch category {
	case CategoryCommunication, CategoryTimeout:
		impact = append(impact, "message delivery to the target agent is degraded")
	case CategoryParsing, CategoryValidation:
		impact = append(impact, "the offending message was not processed")
	case CategoryResource, CategorySystem:
		impact = append(impact, "other agents on this host may be affected")
	case CategoryAuthentication:
		impact = append(impact, "requests from this sender will keep failing until credentials are fixed")
	}
	return impact
}

func dedupHash(category Category, text string) string {
	sum := md5.Sum([]byte(string(category) + ":" + text))
	return fmt.Sprintf("%x", sum[:8])
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
