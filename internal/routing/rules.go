package routing

// rules.go — YAML routing-rule files. Rules live in a directory of .yaml
// files so deployments can adjust routing without rebuilding.

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleSpec is a single routing rule as declared in YAML.
type RuleSpec struct {
	Pattern     string `yaml:"pattern"`
	Strategy    string `yaml:"strategy"`
	TargetGroup string `yaml:"target_group,omitempty"`
	Precedence  int    `yaml:"precedence"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled returns whether the rule is enabled (default true).
func (s RuleSpec) IsEnabled() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

// LoadRules loads every rule from all YAML files in dir into the engine.
// A missing directory is not an error (routing falls back to direct lookup).
func (e *Engine) LoadRules(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Routing] No rules directory: %s", dir)
			return nil
		}
		return fmt.Errorf("read rules dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || (!strings.HasSuffix(entry.Name(), ".yaml") && !strings.HasSuffix(entry.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Printf("[Routing] ⚠️ Failed to read %s: %v", path, err)
			continue
		}

		var specs []RuleSpec
		if err := yaml.Unmarshal(data, &specs); err != nil {
			log.Printf("[Routing] ⚠️ Failed to parse %s: %v", path, err)
			continue
		}

		for _, spec := range specs {
			if !spec.IsEnabled() {
				continue
			}
			strategy, err := ParseStrategy(spec.Strategy)
			if err != nil {
				log.Printf("[Routing] ⚠️ Skipping rule in %s: %v", path, err)
				continue
			}
			if err := e.AddRule(spec.Pattern, strategy, spec.TargetGroup, spec.Precedence); err != nil {
				log.Printf("[Routing] ⚠️ Skipping rule in %s: %v", path, err)
				continue
			}
			loaded++
		}
	}

	log.Printf("[Routing] Loaded %d rules from %s", loaded, dir)
	return nil
}
