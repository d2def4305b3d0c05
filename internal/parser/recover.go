package parser

// recover.go — recovery strategies for malformed buffered input, tried in
// order until one yields a JSON object that validates. A successful recovery
// consumes the entire buffer and reports reduced confidence.

import (
	"bytes"
	"encoding/json"
	"log"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/dayuer/agentbus-go/internal/message"
)

// recoveryPenalty multiplies the base confidence of any recovered message.
const recoveryPenalty = 0.8

type recoveryFn struct {
	name string
	fn   func(buf []byte) []byte
}

// recover runs the strategy chain over the current buffer.
func (p *Parser) recover() *ParsedMessage {
	strategies := []recoveryFn{
		{"brace_balance", balanceBraces},
		{"quote_balance", balanceQuotes},
		{"regex_extract", regexExtract},
		{"template_match", templateMatch},
		{"truncate", truncateToValid},
	}

	for _, s := range strategies {
		candidate := s.fn(trimSpace(p.buf))
		if candidate == nil || !json.Valid(candidate) {
			continue
		}

		var msg message.AgentMessage
		if err := json.Unmarshal(candidate, &msg); err != nil {
			continue
		}
		confidence, integrity, ok := validate(&msg, len(candidate))
		if !ok {
			continue
		}

		msg.Validated = true
		msg.Confidence = confidence * recoveryPenalty
		p.cache.add(msg.ID, &msg)
		log.Printf("[Parser] 🔧 Recovered message %s via %s", msg.ID, s.name)
		return &ParsedMessage{
			Kind:       KindRecovered,
			Message:    &msg,
			Confidence: confidence * recoveryPenalty,
			Integrity:  integrity,
			Recovery:   s.name,
		}
	}
	return nil
}

// balanceBraces appends or strips closing braces until open/close counts
// match, ignoring braces inside strings.
func balanceBraces(buf []byte) []byte {
	nOpen, nClose := braceCounts(buf)
	switch {
	case nOpen > nClose:
		out := append([]byte(nil), buf...)
		for i := 0; i < nOpen-nClose; i++ {
			out = append(out, '}')
		}
		return out
	case nClose > nOpen:
		out := append([]byte(nil), buf...)
		for i := 0; i < nClose-nOpen && len(out) > 0; i++ {
			if idx := bytes.LastIndexByte(out, '}'); idx >= 0 {
				out = append(out[:idx], out[idx+1:]...)
			}
		}
		return out
	}
	return append([]byte(nil), buf...)
}

// balanceQuotes appends a trailing quote when an odd number of unescaped
// quotes is found, then rebalances braces.
func balanceQuotes(buf []byte) []byte {
	count := 0
	escaped := false
	for _, c := range buf {
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			escaped = true
		case '"':
			count++
		}
	}
	if count%2 == 0 {
		return nil
	}
	out := append([]byte(nil), buf...)
	out = append(out, '"')
	return balanceBraces(out)
}

// fieldPatterns extract known string fields from arbitrary broken text.
var fieldPatterns = map[string]*regexp.Regexp{
	"message_id": regexp.MustCompile(`"message_id"\s*:\s*"([^"]*)`),
	"type":       regexp.MustCompile(`"type"\s*:\s*"([^"]*)`),
	"from_agent": regexp.MustCompile(`"from_agent"\s*:\s*"([^"]*)`),
	"to_agent":   regexp.MustCompile(`"to_agent"\s*:\s*"([^"]*)`),
	"stream_id":  regexp.MustCompile(`"stream_id"\s*:\s*"([^"]*)`),
}

// regexField pulls one named string field out of broken text.
func regexField(text, name string) (string, bool) {
	re, ok := fieldPatterns[name]
	if !ok {
		return "", false
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// regexExtract builds a fresh object from whatever fields pattern-match.
func regexExtract(buf []byte) []byte {
	text := string(buf)
	fields := map[string]string{}
	for name := range fieldPatterns {
		if v, ok := regexField(text, name); ok && v != "" {
			fields[name] = v
		}
	}
	if fields["type"] == "" {
		return nil
	}
	out, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return out
}

// messageTemplates are minimal shapes to match broken input against, keyed
// by message type.
var messageTemplates = []message.Type{
	message.TypeHeartbeat,
	message.TypeSend,
	message.TypeTaskRequest,
	message.TypeTaskResult,
	message.TypeStatus,
}

// templateMatch patches a minimal known message shape with whatever fields
// survive in the buffer.
func templateMatch(buf []byte) []byte {
	text := string(buf)

	typ, _ := regexField(text, "type")
	if typ == "" {
		typ = string(gjson.Get(text, "type").String())
	}
	matched := false
	for _, t := range messageTemplates {
		if string(t) == typ {
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}

	out := "{}"
	out, _ = sjson.Set(out, "type", typ)
	for _, name := range []string{"message_id", "from_agent", "to_agent"} {
		if v, ok := regexField(text, name); ok && v != "" {
			out, _ = sjson.Set(out, name, v)
		}
	}
	if !strings.Contains(out, "message_id") {
		return nil
	}
	return []byte(out)
}

// truncateToValid cuts the buffer back to the longest prefix that parses as
// valid JSON. Only positions at '}' are considered.
func truncateToValid(buf []byte) []byte {
	for i := len(buf); i > 0; i-- {
		if buf[i-1] != '}' {
			continue
		}
		if json.Valid(buf[:i]) {
			return append([]byte(nil), buf[:i]...)
		}
	}
	return nil
}

// braceCounts counts unquoted braces.
func braceCounts(buf []byte) (nOpen, nClose int) {
	inString := false
	escaped := false
	for _, c := range buf {
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
			nOpen++
		case c == '}':
			nClose++
		}
	}
	return nOpen, nClose
}
