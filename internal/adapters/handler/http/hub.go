package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/valyala/fastjson"

	"github.com/adamPlusPlus/allogi-sub000/internal/config"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/domain"
	"github.com/adamPlusPlus/allogi-sub000/internal/core/logger"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size; clients only send subscribe frames.
	maxMessageSize = 4096

	broadcastBacklog = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

var hubParsers fastjson.ParserPool

// frame is one broadcast unit. The JSON payload is marshaled exactly once;
// level and scriptID are lifted out so per-client filters do not reparse it.
type frame struct {
	payload   []byte
	eventType string
	level     domain.Level
	scriptID  string
}

// Hub fans accepted events out to websocket subscribers. Registration and
// broadcast are serialized through the run loop; socket writes happen in
// per-client writePumps so one stuck peer cannot stall the rest.
type Hub struct {
	cfg config.HubConfig
	log *slog.Logger

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan frame
	shutdown   chan string
	done       chan struct{}

	tapMu sync.Mutex
	taps  map[chan domain.Event]bool

	clientCount atomic.Int64
	dropped     atomic.Uint64
}

func NewHub(cfg config.HubConfig) *Hub {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 64
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	return &Hub{
		cfg:        cfg,
		log:        logger.Component("hub"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan frame, broadcastBacklog),
		shutdown:   make(chan string, 1),
		done:       make(chan struct{}),
		taps:       make(map[chan domain.Event]bool),
	}
}

// Broadcast queues one event for every connected client and every tap. It
// never blocks: when the hub backlog is full the frame is dropped and
// counted instead.
func (h *Hub) Broadcast(evt domain.Event) {
	h.feedTaps(evt)

	fr, err := buildFrame(evt)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- fr:
	case <-h.done:
	default:
		h.dropped.Add(1)
	}
}

// Tap opens a read-only view of the broadcast stream for background
// bridges. A tap that falls behind loses its oldest frames first.
func (h *Hub) Tap(buffer int) (<-chan domain.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan domain.Event, buffer)
	h.tapMu.Lock()
	h.taps[ch] = true
	h.tapMu.Unlock()

	cancel := func() {
		h.tapMu.Lock()
		defer h.tapMu.Unlock()
		if h.taps[ch] {
			delete(h.taps, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Stats reports connected clients and frames lost to backpressure.
func (h *Hub) Stats() (clients int, dropped uint64) {
	return int(h.clientCount.Load()), h.dropped.Load()
}

// Run owns the client registry until ctx is canceled or Shutdown is
// called. Dead clients are swept out on the configured interval.
func (h *Hub) Run(ctx context.Context) {
	sweep := time.NewTicker(h.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.clientCount.Store(int64(len(h.clients)))
		case client := <-h.unregister:
			if h.clients[client] {
				delete(h.clients, client)
				close(client.send)
				h.clientCount.Store(int64(len(h.clients)))
			}
		case fr := <-h.broadcast:
			for client := range h.clients {
				if client.wants(fr) {
					h.enqueue(client, fr.payload)
				}
			}
		case <-sweep.C:
			for client := range h.clients {
				if !client.alive.Load() {
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.clientCount.Store(int64(len(h.clients)))
		case reason := <-h.shutdown:
			h.closeAll(reason)
			return
		case <-ctx.Done():
			h.closeAll("server stopping")
			return
		}
	}
}

// Shutdown delivers a server_shutdown notice to every client and closes
// their connections. Blocks until the run loop has finished.
func (h *Hub) Shutdown(reason string) {
	select {
	case h.shutdown <- reason:
	case <-h.done:
		return
	}
	<-h.done
}

func (h *Hub) closeAll(reason string) {
	if evt, err := domain.NewEvent(domain.EventServerShutdown, domain.ShutdownPayload{Reason: reason}); err == nil {
		if fr, err := buildFrame(evt); err == nil {
			for client := range h.clients {
				h.enqueue(client, fr.payload)
			}
		}
	}
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
	h.clientCount.Store(0)
	close(h.done)
}

// enqueue delivers into the client's bounded queue, dropping the oldest
// queued frame when full so slow readers lag instead of blocking the hub.
func (h *Hub) enqueue(c *Client, payload []byte) {
	select {
	case c.send <- payload:
		return
	default:
	}
	select {
	case <-c.send:
		h.dropped.Add(1)
	default:
	}
	select {
	case c.send <- payload:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) feedTaps(evt domain.Event) {
	h.tapMu.Lock()
	defer h.tapMu.Unlock()
	for ch := range h.taps {
		select {
		case ch <- evt:
			continue
		default:
		}
		select {
		case <-ch:
			h.dropped.Add(1)
		default:
		}
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *Hub) drop(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func buildFrame(evt domain.Event) (frame, error) {
	payload, err := json.Marshal(evt)
	if err != nil {
		return frame{}, err
	}
	fr := frame{payload: payload, eventType: evt.Type}
	if evt.Type == domain.EventNewLog || evt.Type == domain.EventNewScreenshot {
		p := hubParsers.Get()
		if v, err := p.ParseBytes(evt.Data); err == nil {
			fr.level = domain.Level(v.GetStringBytes("level"))
			fr.scriptID = string(v.GetStringBytes("scriptId"))
		}
		hubParsers.Put(p)
	}
	return fr, nil
}

// Client is the middleman between one websocket connection and the hub.
type Client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	send  chan []byte
	alive atomic.Bool

	mu      sync.Mutex
	levels  map[domain.Level]bool
	scripts map[string]bool
}

// subscribeFrame is the only client-to-server message. Empty lists clear
// the corresponding filter.
type subscribeFrame struct {
	Type      string   `json:"type"`
	Levels    []string `json:"levels"`
	ScriptIDs []string `json:"scriptIds"`
}

func (c *Client) wants(fr frame) bool {
	if fr.eventType != domain.EventNewLog && fr.eventType != domain.EventNewScreenshot {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.levels) > 0 && !c.levels[fr.level] {
		return false
	}
	if len(c.scripts) > 0 && !c.scripts[fr.scriptID] {
		return false
	}
	return true
}

func (c *Client) setFilters(levels, scripts []string) {
	lv := make(map[domain.Level]bool, len(levels))
	for _, l := range levels {
		if l = strings.TrimSpace(l); l != "" {
			lv[domain.ParseLevel(l)] = true
		}
	}
	sc := make(map[string]bool, len(scripts))
	for _, s := range scripts {
		if s = strings.TrimSpace(s); s != "" {
			sc[s] = true
		}
	}
	c.mu.Lock()
	c.levels = lv
	c.scripts = sc
	c.mu.Unlock()
}

// readPump consumes subscribe frames and keeps the connection's read
// deadline fed by pongs. Any read error ends the connection.
func (c *Client) readPump() {
	defer func() {
		c.alive.Store(false)
		c.hub.drop(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var sub subscribeFrame
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != "subscribe" {
			continue
		}
		c.setFilters(sub.Levels, sub.ScriptIDs)
	}
}

// writePump drains the client queue onto the socket, one frame per
// message, and keeps the peer alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.alive.Store(false)
		c.conn.Close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request and registers the client. Initial filters
// come from level/scriptId query params; a subscribe frame can replace
// them later.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err, "client", r.RemoteAddr)
		return
	}

	client := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.cfg.ClientBuffer),
	}
	client.alive.Store(true)
	client.setFilters(
		splitParams(r.URL.Query()["level"]),
		splitParams(r.URL.Query()["scriptId"]),
	)

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
	h.log.Debug("client connected", "id", client.id, "client", r.RemoteAddr)
}

// splitParams accepts both repeated params and comma-separated lists.
func splitParams(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
