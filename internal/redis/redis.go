// Package redis provides an optional external mirror for exactly-once
// delivery IDs and agent heartbeats.
//
// Graceful fallback: if Redis is unavailable, operations silently return
// zero values instead of blocking the business logic.
package redis

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes.
const (
	KeyDelivered = "abus:delivered:" // exactly-once dedup IDs
	KeyHeartbeat = "abus:hb:"        // agent heartbeat mirror
)

// dedupTTL bounds how long mirrored dedup IDs live server-side.
const dedupTTL = time.Hour

// Config holds Redis connection settings.
type Config struct {
	URL      string // redis://host:port
	Password string
	DB       int
}

// Client wraps a Redis connection. A nil or unconnected Client is safe to
// use; every operation becomes a no-op.
type Client struct {
	mu        sync.RWMutex
	rdb       *redis.Client
	connected bool
}

// Connect dials Redis. Returns a usable (no-op) client even on failure.
func Connect(cfg Config) *Client {
	c := &Client{}
	if cfg.URL == "" {
		log.Println("[Redis] URL not configured, mirror disabled")
		return c
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		log.Printf("[Redis] ❌ Invalid URL: %v", err)
		return c
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("[Redis] ❌ Connection failed: %v", err)
		return c
	}

	c.rdb = rdb
	c.connected = true
	log.Println("[Redis] ✅ Connected")
	return c
}

// Close closes the connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rdb != nil {
		c.rdb.Close()
		c.rdb = nil
		c.connected = false
		log.Println("[Redis] Connection closed")
	}
}

// Available reports whether the mirror is connected.
func (c *Client) Available() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected && c.rdb != nil
}

func (c *Client) conn() *redis.Client {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return nil
	}
	return c.rdb
}

// --- Exactly-once dedup mirror (broker.DedupMirror) ---

// Seen reports whether the message ID was already delivered.
func (c *Client) Seen(ctx context.Context, id string) bool {
	rdb := c.conn()
	if rdb == nil {
		return false
	}
	n, err := rdb.Exists(ctx, KeyDelivered+id).Result()
	if err != nil {
		log.Printf("[Redis] seen failed (%s): %v", id, err)
		return false
	}
	return n > 0
}

// Mark records a delivered message ID.
func (c *Client) Mark(ctx context.Context, id string) {
	rdb := c.conn()
	if rdb == nil {
		return
	}
	if err := rdb.Set(ctx, KeyDelivered+id, "1", dedupTTL).Err(); err != nil {
		log.Printf("[Redis] mark failed (%s): %v", id, err)
	}
}

// --- Heartbeat mirror ---

// MirrorHeartbeat records the agent's heartbeat timestamp.
func (c *Client) MirrorHeartbeat(ctx context.Context, agentID string, at time.Time) {
	rdb := c.conn()
	if rdb == nil {
		return
	}
	if err := rdb.Set(ctx, KeyHeartbeat+agentID, at.Format(time.RFC3339Nano), dedupTTL).Err(); err != nil {
		log.Printf("[Redis] heartbeat mirror failed (%s): %v", agentID, err)
	}
}
