// Package utils provides shared helper functions.
package utils

import (
	"os"
	"path/filepath"
	"time"
)

// EnsureDir ensures a directory exists, creating it if necessary.
func EnsureDir(path string) (string, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", err
	}
	return path, nil
}

// GetDataPath returns the agentbus data directory (~/.agentbus).
func GetDataPath() string {
	home, _ := os.UserHomeDir()
	p := filepath.Join(home, ".agentbus")
	os.MkdirAll(p, 0755)
	return p
}

// GetRulesPath returns the routing-rules directory.
func GetRulesPath() string {
	p := filepath.Join(GetDataPath(), "rules")
	os.MkdirAll(p, 0755)
	return p
}

// Timestamp returns the current time as an ISO 8601 string.
func Timestamp() string {
	return time.Now().Format(time.RFC3339)
}

// TruncateString truncates a string to maxLen, adding suffix if truncated.
func TruncateString(s string, maxLen int, suffix string) string {
	if len(s) <= maxLen {
		return s
	}
	if suffix == "" {
		suffix = "..."
	}
	cutoff := maxLen - len(suffix)
	if cutoff < 0 {
		cutoff = 0
	}
	return s[:cutoff] + suffix
}
