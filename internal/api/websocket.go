package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neura/neura/internal/logging"
	"github.com/neura/neura/internal/presenter"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	clientBuffer    = 32
	broadcastBuffer = 64
)

// Feed message types
const (
	TypePresentation    = "presentation"
	TypeLocationRequest = "location.request"
	TypeSMSLaunch       = "sms.launch"
	TypeSOSDone         = "sos.done"
)

// WebSocketMessage is the envelope pushed to feed clients
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// WebSocketHub fans feed messages out to every connected host client
type WebSocketHub struct {
	upgrader websocket.Upgrader
	log      *logging.Logger

	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte
	done       chan struct{}
	stopOnce   sync.Once

	mu    sync.RWMutex
	count int
}

// NewWebSocketHub creates a hub. Call Run before serving clients.
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The API binds to localhost; the host shell has no fixed origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:        logging.Component("api.ws"),
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, broadcastBuffer),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Stop
func (h *WebSocketHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.setCount(len(h.clients))

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
				h.setCount(len(h.clients))
			}

		case data := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Slow client; drop it rather than stall the feed.
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.setCount(len(h.clients))

		case <-h.done:
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.setCount(0)
			return
		}
	}
}

// Stop ends Run and disconnects every client
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected feed clients
func (h *WebSocketHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *WebSocketHub) setCount(n int) {
	h.mu.Lock()
	h.count = n
	h.mu.Unlock()
}

// Broadcast queues msg for every client. It never blocks; when the queue
// is full the message is dropped.
func (h *WebSocketHub) Broadcast(msg WebSocketMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("Failed to encode %s message: %v", msg.Type, err)
		return
	}

	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.log.WithField("type", msg.Type).Warn("Feed queue full, message dropped")
	}
}

// Present implements presenter.Sink
func (h *WebSocketHub) Present(ctx context.Context, p presenter.Presentation) error {
	h.Broadcast(WebSocketMessage{Type: TypePresentation, Data: p, Timestamp: p.Timestamp})
	return nil
}

// Launch implements presenter.SMSLauncher by asking the host to open its
// SMS app with a prefilled message
func (h *WebSocketHub) Launch(ctx context.Context, phone, message string) error {
	h.Broadcast(WebSocketMessage{
		Type: TypeSMSLaunch,
		Data: map[string]string{"phone": phone, "message": message},
	})
	return nil
}

// RequestLocation asks the host for a fresh fix
func (h *WebSocketHub) RequestLocation() {
	h.Broadcast(WebSocketMessage{Type: TypeLocationRequest, Data: map[string]string{}})
}

// ServeWS upgrades the request and attaches it to the feed
func (h *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("Upgrade failed: %v", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// readPump drains client frames so control messages are processed
func (h *WebSocketHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// AudioWriter receives decoded PCM samples
type AudioWriter interface {
	Write(samples []int16)
}

// serveAudio accepts binary frames of 16-bit little-endian mono PCM and
// feeds them to the wakeword audio source
func (s *Server) serveAudio(w http.ResponseWriter, r *http.Request) {
	if s.audio == nil {
		s.respondError(w, http.StatusServiceUnavailable, "audio ingest not configured")
		return
	}

	conn, err := s.wsHub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("Audio upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log := s.log.WithField("remote", r.RemoteAddr)
	log.Info("Audio stream connected")

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			log.Info("Audio stream closed")
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if samples := decodePCM(data); len(samples) > 0 {
			s.audio.Write(samples)
		}
	}
}

// decodePCM converts little-endian int16 bytes to samples. A trailing odd
// byte is ignored.
func decodePCM(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples
}
