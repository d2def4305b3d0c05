// Package gateway exposes the bus over HTTP: a WebSocket ingest endpoint
// that feeds raw byte chunks through a per-connection streaming parser, plus
// health and stats endpoints.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dayuer/agentbus-go/internal/bus"
	"github.com/dayuer/agentbus-go/internal/message"
	"github.com/dayuer/agentbus-go/internal/parser"
)

const readDeadline = 60 * time.Second

// Config configures the gateway server.
type Config struct {
	Host   string // default 0.0.0.0
	Port   int    // default 18890
	APIKey string // optional bearer token for /api routes
	Parser parser.Config
}

// Gateway serves the ingest and status endpoints over one HTTP listener.
type Gateway struct {
	cfg Config
	bus *bus.Bus

	wsMu    sync.Mutex
	wsConns map[*wsConn]bool

	connections atomic.Int64
	chunks      atomic.Int64
	published   atomic.Int64
	recovered   atomic.Int64
	invalid     atomic.Int64
	startTime   time.Time

	mux *http.ServeMux
	srv *http.Server
}

// New creates a gateway bound to b.
func New(cfg Config, b *bus.Bus) *Gateway {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 18890
	}

	g := &Gateway{
		cfg:       cfg,
		bus:       b,
		wsConns:   make(map[*wsConn]bool),
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}

	g.mux.HandleFunc("/health", g.handleHealth)
	g.mux.HandleFunc("/ws", g.handleWS)
	g.mux.HandleFunc("/api/stats", g.withAuth(g.handleStats))
	g.mux.HandleFunc("/api/ingest", g.withAuth(g.handleIngest))
	g.mux.HandleFunc("/api/send", g.withAuth(g.handleSend))

	return g
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	g.srv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.cfg.Host, g.cfg.Port),
		Handler: g.mux,
	}

	log.Printf("[Gateway] ✅ HTTP API → http://%s", g.srv.Addr)
	log.Printf("[Gateway] ✅ Ingest → ws://%s/ws", g.srv.Addr)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := g.srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		g.closeAllWS()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return g.srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// --- Auth middleware ---

func (g *Gateway) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.APIKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+g.cfg.APIKey {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

// --- Handlers ---

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": int(time.Since(g.startTime).Seconds()),
	})
}

func (g *Gateway) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"bus": g.bus.Stats(),
		"gateway": map[string]any{
			"connections": g.ConnectionCount(),
			"chunks":      g.chunks.Load(),
			"published":   g.published.Load(),
			"recovered":   g.recovered.Load(),
			"invalid":     g.invalid.Load(),
		},
	})
}

// handleIngest accepts a raw byte stream, runs it through a one-shot parser,
// and publishes everything parseable.
func (g *Gateway) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(g.parserLimit())))
	if err != nil {
		writeJSONError(w, "read body failed", http.StatusBadRequest)
		return
	}

	p := parser.New(g.cfg.Parser)
	results := p.Feed(body)
	results = append(results, p.Flush()...)

	published, invalid := g.publish(r.Context(), results)
	writeJSON(w, map[string]any{
		"published": published,
		"invalid":   invalid,
	})
}

// handleSend accepts a single JSON-encoded message and routes it.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var msg message.AgentMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSONError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if !g.bus.Send(r.Context(), &msg) {
		writeJSONError(w, "not delivered", http.StatusUnprocessableEntity)
		return
	}
	g.published.Add(1)
	writeJSON(w, map[string]any{"delivered": true, "messageId": msg.ID})
}

// publish routes complete, streaming, and recovered results to the bus.
// Partial results stay in the parser; invalid ones are counted and dropped.
func (g *Gateway) publish(ctx context.Context, results []parser.ParsedMessage) (published, invalid int) {
	for _, res := range results {
		switch res.Kind {
		case parser.KindComplete, parser.KindStreaming:
			if g.bus.Send(ctx, res.Message) {
				published++
				g.published.Add(1)
			}
		case parser.KindRecovered:
			g.recovered.Add(1)
			if g.bus.Send(ctx, res.Message) {
				published++
				g.published.Add(1)
			}
		case parser.KindInvalid:
			invalid++
			g.invalid.Add(1)
		}
	}
	return published, invalid
}

func (g *Gateway) parserLimit() int {
	if g.cfg.Parser.MaxBuffer > 0 {
		return g.cfg.Parser.MaxBuffer
	}
	return 1 << 20
}

// --- WebSocket ingest ---

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket.Conn with a write mutex.
// gorilla/websocket does NOT support concurrent writes.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteJSONSafe(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *wsConn) WriteCloseSafe(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text))
}

// handleWS is the streaming ingest endpoint. Each binary or text frame is a
// chunk fed to this connection's parser; completed messages are published to
// the bus and acknowledged back with their ID and confidence.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	if g.cfg.APIKey != "" {
		key := r.URL.Query().Get("key")
		if key != g.cfg.APIKey {
			log.Printf("[Gateway] 🚫 Bad key from %s", r.RemoteAddr)
			http.Error(w, "invalid key", http.StatusForbidden)
			return
		}
	}

	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Gateway] ⚠️ Upgrade failed: %v", err)
		return
	}

	conn := &wsConn{Conn: raw}
	peer := r.RemoteAddr
	log.Printf("[Gateway] 🔗 Connected: %s", peer)
	g.connections.Add(1)

	g.wsMu.Lock()
	g.wsConns[conn] = true
	g.wsMu.Unlock()

	defer func() {
		raw.Close()
		g.wsMu.Lock()
		delete(g.wsConns, conn)
		g.wsMu.Unlock()
		log.Printf("[Gateway] 🔌 Disconnected: %s", peer)
	}()

	raw.SetReadDeadline(time.Now().Add(readDeadline))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	p := parser.New(g.cfg.Parser)
	ctx := r.Context()

	for {
		_, chunk, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Gateway] ⚠️ Read error from %s: %v", peer, err)
			}
			break
		}
		raw.SetReadDeadline(time.Now().Add(readDeadline))
		g.chunks.Add(1)

		for _, res := range p.Feed(chunk) {
			g.ack(ctx, conn, res)
		}
	}

	// Connection is gone: one recovery pass over whatever is left buffered.
	for _, res := range p.Flush() {
		g.ack(ctx, conn, res)
	}
}

// ack publishes a parse result and reports the outcome to the client.
// Partial results are not acknowledged.
func (g *Gateway) ack(ctx context.Context, conn *wsConn, res parser.ParsedMessage) {
	switch res.Kind {
	case parser.KindComplete, parser.KindStreaming, parser.KindRecovered:
		if res.Kind == parser.KindRecovered {
			g.recovered.Add(1)
		}
		delivered := g.bus.Send(ctx, res.Message)
		if delivered {
			g.published.Add(1)
		}
		conn.WriteJSONSafe(map[string]any{
			"type":       "ack",
			"messageId":  res.Message.ID,
			"delivered":  delivered,
			"confidence": res.Confidence,
		})
	case parser.KindInvalid:
		g.invalid.Add(1)
		conn.WriteJSONSafe(map[string]any{
			"type":  "nack",
			"error": "unparseable message",
		})
	}
}

// closeAllWS closes every WebSocket connection (called on shutdown).
func (g *Gateway) closeAllWS() {
	g.wsMu.Lock()
	defer g.wsMu.Unlock()
	for c := range g.wsConns {
		c.WriteCloseSafe(websocket.CloseGoingAway, "server shutdown")
		c.Close()
		delete(g.wsConns, c)
	}
}

// ConnectionCount returns the number of active WebSocket connections.
func (g *Gateway) ConnectionCount() int {
	g.wsMu.Lock()
	defer g.wsMu.Unlock()
	return len(g.wsConns)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
