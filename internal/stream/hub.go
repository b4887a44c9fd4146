// Package stream fans records out to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wangkobe88/richer-js-sub001/internal/bus"
	"github.com/wangkobe88/richer-js-sub001/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is the per-client queue; a client that falls this far
	// behind is disconnected.
	sendBuffer = 256
)

// Envelope is one websocket frame.
type Envelope struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`
	Data any       `json:"data"`
}

// Frame types.
const (
	TypeTimeSeries = "timeseries"
	TypeSignal     = "signal"
	TypeTrade      = "trade"
	TypePortfolio  = "portfolio"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub broadcasts every record it receives to connected clients. It is a
// storage.Sink so it can sit next to the persistent sinks.
type Hub struct {
	upgrader   websocket.Upgrader
	timeSeries bool

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	sent    atomic.Int64
	dropped atomic.Int64
}

// Compile-time interface check.
var _ storage.Sink = (*Hub)(nil)

// NewHub creates a hub. When timeSeries is false the high-volume price
// points are not broadcast.
func NewHub(timeSeries bool) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		timeSeries: timeSeries,
		clients:    make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("stream: upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	log.Info().Str("remote", r.RemoteAddr).Int("clients", n).Msg("stream: client connected")
	go h.writePump(c)
	go h.readPump(c)
}

// readPump discards client frames and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		c.close()
		log.Info().Int("clients", n).Msg("stream: client disconnected")
	}
}

// Broadcast encodes an envelope and queues it for every client. Clients
// whose queue is full are dropped.
func (h *Hub) Broadcast(kind string, ts time.Time, data any) error {
	payload, err := json.Marshal(Envelope{Type: kind, TS: ts, Data: data})
	if err != nil {
		return fmt.Errorf("stream: encode %s: %w", kind, err)
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return fmt.Errorf("stream: %w", storage.ErrClosed)
	}
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- payload:
			h.sent.Add(1)
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.dropped.Add(1)
		log.Warn().Msg("stream: dropping slow client")
		h.remove(c)
	}
	return nil
}

func (h *Hub) AppendTimeSeriesPoint(_ context.Context, p bus.TimeSeriesPoint) error {
	if !h.timeSeries {
		return nil
	}
	return h.Broadcast(TypeTimeSeries, p.Timestamp, p)
}

func (h *Hub) RecordSignal(_ context.Context, s bus.Signal) error {
	return h.Broadcast(TypeSignal, s.Timestamp, s)
}

func (h *Hub) RecordTrade(_ context.Context, t bus.Trade) error {
	return h.Broadcast(TypeTrade, t.Timestamp, t)
}

func (h *Hub) SnapshotPortfolio(_ context.Context, s bus.PortfolioSnapshot) error {
	return h.Broadcast(TypePortfolio, s.Timestamp, s)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HubStats are delivery counters.
type HubStats struct {
	Clients int   `json:"clients"`
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

// Stats returns delivery counters.
func (h *Hub) Stats() HubStats {
	return HubStats{Clients: h.Clients(), Sent: h.sent.Load(), Dropped: h.dropped.Load()}
}

// Close disconnects every client. It is idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.close()
	}
	return nil
}
