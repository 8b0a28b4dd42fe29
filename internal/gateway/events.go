package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"wagateway/internal/bus"
	"wagateway/internal/metrics"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// streamedEvents are forwarded to websocket clients. Pairing codes are never
// streamed.
var streamedEvents = []string{bus.EventSessionState, bus.EventMessageAck}

// EventStatusSnapshot is the first frame every client receives.
const EventStatusSnapshot = "session.status"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the API key, not the origin, gates access
	},
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans bus events out to connected websocket clients. A client whose
// buffer is full misses frames rather than stalling the bus.
type hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{clients: make(map[*wsClient]struct{}), logger: logger}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	metrics.WSClients.Inc()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WSClients.Dec()
}

func (h *hub) publish(ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("event encode failed", "event", ev.Type, "err", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("websocket client lagging, frame dropped", "event", ev.Type)
		}
	}
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}
	snapshot, _ := json.Marshal(bus.Event{
		Type:      EventStatusSnapshot,
		Source:    "gateway",
		Data:      s.control.Status(),
		Timestamp: time.Now(),
	})
	c.send <- snapshot
	s.hub.add(c)
	s.logger.Info("websocket client connected", "remote", r.RemoteAddr, "clients", s.hub.len())

	go s.writePump(c)

	defer func() {
		s.hub.remove(c)
		conn.Close()
		s.logger.Info("websocket client disconnected", "remote", r.RemoteAddr)
	}()

	// Clients only listen; reads exist to process pongs and close frames.
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read error", "err", err)
			}
			return
		}
	}
}

func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				// Closing unblocks the read loop, which removes the client.
				c.conn.Close()
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
			}
		}
	}
}
