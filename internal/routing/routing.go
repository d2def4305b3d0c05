// Package routing matches messages against ordered pattern rules and
// resolves a routing strategy into a concrete set of target agents.
//
// Pattern syntax: "<type>:<from>-><to>[<PRIORITY>]", each segment accepting
// "*" wildcards. Rules are kept sorted ascending by precedence; the first
// matching rule wins.
package routing

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/dayuer/agentbus-go/internal/message"
	"github.com/dayuer/agentbus-go/internal/registry"
)

// Strategy names how a matched rule picks targets.
type Strategy string

const (
	StrategyDirect        Strategy = "direct"
	StrategyBroadcast     Strategy = "broadcast"
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyLoadBalanced  Strategy = "load_balanced"
	StrategyPriorityBased Strategy = "priority_based"
)

// ParseStrategy resolves a strategy name.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case StrategyDirect, StrategyBroadcast, StrategyRoundRobin,
		StrategyLoadBalanced, StrategyPriorityBased:
		return Strategy(name), nil
	}
	return "", fmt.Errorf("routing: unknown strategy %q", name)
}

// Pattern is a compiled rule pattern.
type Pattern struct {
	Type        string
	From        string
	To          string
	Priority    message.Priority
	HasPriority bool
}

// ParsePattern compiles "<type>:<from>-><to>[<PRIORITY>]".
func ParsePattern(s string) (Pattern, error) {
	var p Pattern

	// Optional priority filter suffix.
	if i := strings.LastIndex(s, "["); i >= 0 {
		if !strings.HasSuffix(s, "]") {
			return p, fmt.Errorf("routing: unterminated priority filter in %q", s)
		}
		name := s[i+1 : len(s)-1]
		prio, ok := message.ParsePriority(name)
		if !ok {
			return p, fmt.Errorf("routing: unknown priority %q in pattern %q", name, s)
		}
		p.Priority = prio
		p.HasPriority = true
		s = s[:i]
	}

	colon := strings.Index(s, ":")
	if colon < 0 {
		return p, fmt.Errorf("routing: pattern %q missing ':'", s)
	}
	p.Type = s[:colon]

	rest := s[colon+1:]
	arrow := strings.Index(rest, "->")
	if arrow < 0 {
		return p, fmt.Errorf("routing: pattern %q missing '->'", s)
	}
	p.From = rest[:arrow]
	p.To = rest[arrow+2:]

	if p.Type == "" || p.From == "" || p.To == "" {
		return p, fmt.Errorf("routing: pattern %q has empty segment", s)
	}
	return p, nil
}

// wildcardMatch matches s against a pattern where '*' spans any sequence.
func wildcardMatch(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == s
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return strings.HasSuffix(s, parts[len(parts)-1])
}

// Matches reports whether the message satisfies the pattern.
func (p Pattern) Matches(msg *message.AgentMessage) bool {
	if !wildcardMatch(p.Type, string(msg.Type)) {
		return false
	}
	if !wildcardMatch(p.From, msg.FromAgent) {
		return false
	}
	if !wildcardMatch(p.To, msg.ToAgent) {
		return false
	}
	if p.HasPriority && msg.Priority != p.Priority {
		return false
	}
	return true
}

// Rule binds a pattern to a strategy.
type Rule struct {
	Pattern     Pattern
	Strategy    Strategy
	TargetGroup string
	Precedence  int
}

// Engine resolves messages to target agents.
type Engine struct {
	mu       sync.RWMutex
	rules    []Rule
	registry *registry.Registry
}

// NewEngine creates a routing engine over the given registry.
func NewEngine(reg *registry.Registry) *Engine {
	return &Engine{registry: reg}
}

// AddRule appends a rule and re-sorts by precedence. The sort is stable so
// equal-precedence rules keep insertion order.
func (e *Engine) AddRule(patternStr string, strategy Strategy, targetGroup string, precedence int) error {
	pattern, err := ParsePattern(patternStr)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, Rule{
		Pattern:     pattern,
		Strategy:    strategy,
		TargetGroup: targetGroup,
		Precedence:  precedence,
	})
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Precedence < e.rules[j].Precedence
	})
	return nil
}

// Rules returns a copy of the current rule list.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Resolve returns the target agent IDs for msg. An empty result means
// routing failed; the caller decides how loudly to complain.
func (e *Engine) Resolve(msg *message.AgentMessage) []string {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	for _, rule := range rules {
		if rule.Pattern.Matches(msg) {
			return e.applyStrategy(rule, msg)
		}
	}

	// No rule matched: direct lookup, then group broadcast.
	if msg.ToAgent != "" && e.registry.Contains(msg.ToAgent) {
		return []string{msg.ToAgent}
	}
	if msg.AgentGroup != "" {
		return e.registry.Healthy(msg.AgentGroup)
	}
	return nil
}

func (e *Engine) applyStrategy(rule Rule, msg *message.AgentMessage) []string {
	group := rule.TargetGroup
	if group == "" {
		group = msg.AgentGroup
	}

	switch rule.Strategy {
	case StrategyDirect:
		if msg.ToAgent != "" && e.registry.Contains(msg.ToAgent) {
			return []string{msg.ToAgent}
		}
		return nil

	case StrategyBroadcast:
		return e.registry.Healthy(group)

	case StrategyRoundRobin:
		candidates := e.registry.Healthy(group)
		if len(candidates) == 0 {
			return nil
		}
		// Stateless: hashing the message ID makes retries of the same
		// message land on the same agent.
		h := fnv.New32a()
		h.Write([]byte(msg.ID))
		return []string{candidates[int(h.Sum32())%len(candidates)]}

	case StrategyLoadBalanced:
		if id, ok := e.registry.LeastLoaded(group); ok {
			return []string{id}
		}
		return nil

	case StrategyPriorityBased:
		candidates := e.registry.Healthy(group)
		if len(candidates) == 0 {
			return nil
		}
		if msg.Priority >= message.PriorityHigh {
			if id, ok := e.registry.LeastLoaded(group); ok {
				return []string{id}
			}
		}
		return []string{candidates[0]}
	}
	return nil
}
