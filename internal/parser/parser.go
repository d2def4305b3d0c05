// Package parser turns raw byte chunks into AgentMessage values, tolerating
// partial and malformed input. Complete objects are decoded as they become
// available; at end-of-stream a chain of recovery strategies tries to salvage
// whatever is left in the buffer.
package parser

import (
	"encoding/json"
	"log"

	"github.com/tidwall/gjson"

	"github.com/dayuer/agentbus-go/internal/message"
)

// State is the parser's state-machine stage.
type State string

const (
	StateWaitingStart    State = "waiting_start"
	StateParsingHeader   State = "parsing_header"
	StateParsingPayload  State = "parsing_payload"
	StateParsingMetadata State = "parsing_metadata"
	StateValidating      State = "validating"
	StateCompleted       State = "completed"
	StateRecovering      State = "recovering"
	StateFailed          State = "failed"
)

// Kind classifies a parse result.
type Kind string

const (
	KindComplete  Kind = "complete"
	KindPartial   Kind = "partial"
	KindInvalid   Kind = "invalid"
	KindRecovered Kind = "recovered"
	KindStreaming Kind = "streaming"
)

// ParsedMessage is the parser's output unit.
type ParsedMessage struct {
	Kind          Kind
	Message       *message.AgentMessage
	Partial       map[string]any
	Confidence    float64
	Integrity     float64
	BytesConsumed int
	Recovery      string // recovery strategy used, if any
}

// Config holds parser limits. Zero values get defaults.
type Config struct {
	MaxBuffer int // bytes buffered before compression; default 1MB
	MaxDepth  int // maximum JSON nesting accepted; default 32
}

// Parser is a per-stream incremental message parser. Not safe for
// concurrent use; each stream owns its parser.
type Parser struct {
	cfg   Config
	buf   []byte
	state State

	errorCount    int
	recoveryCount int

	cache *lruCache
}

// New creates a parser.
func New(cfg Config) *Parser {
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 1 << 20
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 32
	}
	return &Parser{
		cfg:   cfg,
		state: StateWaitingStart,
		cache: newLRUCache(256),
	}
}

// State returns the current state-machine stage.
func (p *Parser) State() State { return p.state }

// Reset clears all transient per-stream state.
func (p *Parser) Reset() {
	p.buf = nil
	p.state = StateWaitingStart
	p.errorCount = 0
	p.recoveryCount = 0
}

// Cached returns a recently parsed message by ID, if still cached.
func (p *Parser) Cached(id string) (*message.AgentMessage, bool) {
	return p.cache.get(id)
}

// Feed appends a chunk and returns every message that became complete.
// When nothing completes but named fields are recognizable, a single
// partial result is returned (without consuming the buffer).
func (p *Parser) Feed(chunk []byte) []ParsedMessage {
	p.buf = append(p.buf, chunk...)
	p.compressIfNeeded()

	results, consumed := p.extractComplete()
	if consumed > 0 {
		p.buf = append([]byte(nil), p.buf[consumed:]...)
	}
	if len(results) > 0 {
		if len(p.buf) == 0 {
			p.state = StateCompleted
		}
		return results
	}

	if partial := p.extractPartial(); partial != nil {
		return []ParsedMessage{*partial}
	}
	return nil
}

// Flush signals end-of-stream. Anything left in the buffer goes through the
// recovery chain; an empty or unsalvageable buffer yields an invalid result
// with zero confidence (or nothing, when the buffer is empty).
func (p *Parser) Flush() []ParsedMessage {
	if len(trimSpace(p.buf)) == 0 {
		p.buf = nil
		return nil
	}

	p.state = StateRecovering
	if res := p.recover(); res != nil {
		p.recoveryCount++
		consumed := len(p.buf)
		p.buf = nil
		p.state = StateCompleted
		res.BytesConsumed = consumed
		return []ParsedMessage{*res}
	}

	p.errorCount++
	consumed := len(p.buf)
	p.buf = nil
	p.state = StateFailed
	log.Printf("[Parser] ❌ Recovery exhausted, dropping %d buffered bytes", consumed)
	return []ParsedMessage{{
		Kind:          KindInvalid,
		Confidence:    0,
		Integrity:     0,
		BytesConsumed: consumed,
	}}
}

// extractComplete scans for balanced top-level objects and decodes each.
func (p *Parser) extractComplete() ([]ParsedMessage, int) {
	var results []ParsedMessage
	consumed := 0

	for {
		start, end, ok := scanObject(p.buf[consumed:], p.cfg.MaxDepth)
		if !ok {
			if start >= 0 {
				// Incomplete object: keep it (and what precedes it stays
				// skipped only once it completes).
				p.advanceState(p.buf[consumed+start:])
			}
			break
		}
		raw := p.buf[consumed+start : consumed+end]
		consumed += end

		p.state = StateValidating
		res := p.decode(raw)
		res.BytesConsumed = len(raw)
		results = append(results, res)
	}
	return results, consumed
}

// decode unmarshals one balanced object and validates it.
func (p *Parser) decode(raw []byte) ParsedMessage {
	var msg message.AgentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		p.errorCount++
		return ParsedMessage{Kind: KindInvalid, Confidence: 0, Integrity: 0}
	}

	confidence, integrity, ok := validate(&msg, len(raw))
	if !ok {
		p.errorCount++
		return ParsedMessage{
			Kind:       KindInvalid,
			Message:    &msg,
			Confidence: confidence,
			Integrity:  integrity,
		}
	}

	msg.Validated = true
	msg.Confidence = confidence
	p.cache.add(msg.ID, &msg)

	kind := KindComplete
	if msg.Type == message.TypeStreamChunk || msg.Type == message.TypeStreamStart {
		kind = KindStreaming
	}
	return ParsedMessage{
		Kind:       kind,
		Message:    &msg,
		Confidence: confidence,
		Integrity:  integrity,
	}
}

// trackedFields are the names partial extraction looks for.
var trackedFields = []string{"message_id", "type", "from_agent", "to_agent", "payload", "priority"}

// extractPartial pattern-matches named fields out of incomplete text.
func (p *Parser) extractPartial() *ParsedMessage {
	text := string(p.buf)
	if len(trimSpace(p.buf)) == 0 {
		return nil
	}

	fields := map[string]any{}
	for _, name := range trackedFields {
		if v := gjson.Get(text, name); v.Exists() {
			fields[name] = v.Value()
		} else if v, ok := regexField(text, name); ok {
			fields[name] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}

	p.advanceState(p.buf)
	return &ParsedMessage{
		Kind:       KindPartial,
		Partial:    fields,
		Confidence: float64(len(fields)) / float64(len(trackedFields)),
		Integrity:  0.5,
	}
}

// advanceState moves the coarse stage forward based on which fields are
// visible in the unfinished object.
func (p *Parser) advanceState(buf []byte) {
	text := string(buf)
	switch {
	case gjson.Get(text, "metadata").Exists():
		p.state = StateParsingMetadata
	case gjson.Get(text, "payload").Exists():
		p.state = StateParsingPayload
	case gjson.Get(text, "type").Exists():
		p.state = StateParsingHeader
	default:
		if p.state == StateCompleted || p.state == StateFailed {
			p.state = StateWaitingStart
		}
	}
}

// compressIfNeeded bounds the buffer by keeping only the most recent half.
func (p *Parser) compressIfNeeded() {
	if len(p.buf) <= p.cfg.MaxBuffer {
		return
	}
	keep := len(p.buf) / 2
	log.Printf("[Parser] ⚠️ Buffer over %d bytes, compressing to newest %d", p.cfg.MaxBuffer, keep)
	p.buf = append([]byte(nil), p.buf[len(p.buf)-keep:]...)
}

// scanObject finds the first balanced top-level object in buf.
// Returns (start, end, true) when one is complete; (start, -1, false) when an
// object has begun but not closed; (-1, -1, false) when no '{' is present.
// Nesting beyond maxDepth aborts the object (treated as not found so the
// buffer drains through recovery instead of growing forever).
func scanObject(buf []byte, maxDepth int) (int, int, bool) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, c := range buf {
		if start < 0 {
			if c == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
			if depth > maxDepth {
				return start, -1, false
			}
		case c == '}':
			depth--
			if depth == 0 {
				return start, i + 1, true
			}
		}
	}
	return start, -1, false
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
