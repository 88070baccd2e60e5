package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/boblangley/blockrecon/internal/reconcile"
	"github.com/boblangley/blockrecon/internal/types"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 54 * time.Second
	feedBuffer     = 256
)

// FeedEvent is one message on the change feed.
type FeedEvent struct {
	Type      string               `json:"type"` // "change" or "run"
	Timestamp time.Time            `json:"timestamp"`
	Change    *types.BlockChange   `json:"change,omitempty"`
	Run       *reconcile.RunResult `json:"run,omitempty"`
}

type feedClient struct {
	feed *Feed
	conn *websocket.Conn
	send chan []byte
}

// Feed broadcasts recorded changes and finished match runs to WebSocket
// subscribers. Slow subscribers are disconnected rather than blocking the
// tracker.
type Feed struct {
	upgrader   websocket.Upgrader
	clients    map[*feedClient]bool
	broadcast  chan []byte
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

// FeedConfig holds change feed configuration.
type FeedConfig struct {
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewFeed creates a change feed. Call Run before serving it.
func NewFeed(cfg FeedConfig) *Feed {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	f := &Feed{
		clients:    make(map[*feedClient]bool),
		broadcast:  make(chan []byte, feedBuffer),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
	f.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(cfg.AllowedOrigins) == 0 {
				return true
			}
			for _, o := range cfg.AllowedOrigins {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return f
}

// Run handles registration and broadcasting until ctx is done.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(f.done)
			f.mu.Lock()
			for c := range f.clients {
				close(c.send)
				delete(f.clients, c)
			}
			f.mu.Unlock()
			return

		case c := <-f.register:
			f.mu.Lock()
			f.clients[c] = true
			n := len(f.clients)
			f.mu.Unlock()
			f.logger.Debug("feed subscriber connected", "subscribers", n)

		case c := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[c]; ok {
				delete(f.clients, c)
				close(c.send)
			}
			n := len(f.clients)
			f.mu.Unlock()
			f.logger.Debug("feed subscriber disconnected", "subscribers", n)

		case msg := <-f.broadcast:
			f.mu.Lock()
			for c := range f.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(f.clients, c)
				}
			}
			f.mu.Unlock()
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (f *Feed) Subscribers() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *Feed) publish(ev FeedEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		f.logger.Error("failed to marshal feed event", "error", err)
		return
	}
	select {
	case f.broadcast <- data:
	default:
		f.logger.Warn("feed broadcast channel full, dropping event", "type", ev.Type)
	}
}

// Observe publishes a recorded change. It has the tracker.Observer shape.
func (f *Feed) Observe(change types.BlockChange) {
	f.publish(FeedEvent{Type: "change", Timestamp: change.Timestamp, Change: &change})
}

// PublishRun publishes a finished match run without per-match detail.
func (f *Feed) PublishRun(result reconcile.RunResult) {
	summary := result
	summary.Engines = make([]reconcile.EngineResult, len(result.Engines))
	for i, e := range result.Engines {
		e.Matches = nil
		summary.Engines[i] = e
	}
	f.publish(FeedEvent{Type: "run", Run: &summary})
}

// ServeHTTP upgrades the connection and subscribes it to the feed.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("feed upgrade failed", "error", err)
		return
	}

	c := &feedClient{feed: f, conn: conn, send: make(chan []byte, feedBuffer)}
	select {
	case f.register <- c:
	case <-f.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump discards inbound messages and notices disconnects.
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.feed.unregister <- c:
		case <-c.feed.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.feed.logger.Debug("feed subscriber closed unexpectedly", "error", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
