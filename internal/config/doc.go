// Package config handles configuration loading, saving, and schema definition.
package config

import "time"

// Config is the top-level agentbus configuration.
// Uses json tags in camelCase to match the JSON config file format.
type Config struct {
	Bus      BusConfig      `json:"bus"`
	Registry RegistryConfig `json:"registry"`
	Progress ProgressConfig `json:"progress"`
	Parser   ParserConfig   `json:"parser"`
	Gateway  GatewayConfig  `json:"gateway"`
	Redis    RedisConfig    `json:"redis"`
}

// BusConfig holds message-bus delivery settings.
type BusConfig struct {
	Guarantee   string `json:"guarantee,omitempty"`   // at_most_once / at_least_once / exactly_once
	QueueSize   int    `json:"queueSize,omitempty"`   // max messages per agent queue
	MaxRetries  int    `json:"maxRetries,omitempty"`  // at-least-once retry budget
	BaseDelayMs int    `json:"baseDelayMs,omitempty"` // retry n waits baseDelay * 2^n
	RulesDir    string `json:"rulesDir,omitempty"`    // directory of routing-rule YAML files
	CleanupSecs int    `json:"cleanupSecs,omitempty"` // expired-message sweep interval
}

// BaseDelay returns the retry base delay as a duration.
func (b BusConfig) BaseDelay() time.Duration {
	return time.Duration(b.BaseDelayMs) * time.Millisecond
}

// RegistryConfig holds agent health settings.
type RegistryConfig struct {
	HeartbeatTimeoutSecs int `json:"heartbeatTimeoutSecs,omitempty"`
}

// HeartbeatTimeout returns the timeout as a duration.
func (r RegistryConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(r.HeartbeatTimeoutSecs) * time.Second
}

// ProgressConfig holds aggregation and ANR settings.
type ProgressConfig struct {
	Strategy         string `json:"strategy,omitempty"` // simple_average / weighted_average / min / max / completion_ratio
	ANRIntervalSecs  int    `json:"anrIntervalSecs,omitempty"`
	ANRThresholdSecs int    `json:"anrThresholdSecs,omitempty"`
}

// ANRInterval returns the monitor tick as a duration.
func (p ProgressConfig) ANRInterval() time.Duration {
	return time.Duration(p.ANRIntervalSecs) * time.Second
}

// ANRThreshold returns the silence threshold as a duration.
func (p ProgressConfig) ANRThreshold() time.Duration {
	return time.Duration(p.ANRThresholdSecs) * time.Second
}

// ParserConfig holds streaming-parser limits.
type ParserConfig struct {
	MaxBufferBytes int `json:"maxBufferBytes,omitempty"`
	MaxDepth       int `json:"maxDepth,omitempty"`
}

// GatewayConfig holds the stream-ingest server settings.
type GatewayConfig struct {
	Port int    `json:"port,omitempty"`
	Host string `json:"host,omitempty"`
}

// RedisConfig holds the optional mirror connection settings.
type RedisConfig struct {
	URL      string `json:"url,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Bus: BusConfig{
			Guarantee:   "at_least_once",
			QueueSize:   1000,
			MaxRetries:  3,
			BaseDelayMs: 100,
			CleanupSecs: 30,
		},
		Registry: RegistryConfig{
			HeartbeatTimeoutSecs: 60,
		},
		Progress: ProgressConfig{
			Strategy:         "simple_average",
			ANRIntervalSecs:  10,
			ANRThresholdSecs: 60,
		},
		Parser: ParserConfig{
			MaxBufferBytes: 1 << 20,
			MaxDepth:       32,
		},
		Gateway: GatewayConfig{
			Port: 18890,
			Host: "0.0.0.0",
		},
	}
}
