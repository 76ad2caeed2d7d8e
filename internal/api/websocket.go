package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"gold-trading-bot/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin policy is enforced by the CORS layer in front of this.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Hub fans bus events out to connected websocket clients.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	broadcast chan events.Event
	stop      chan struct{}
	wg        sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan events.Event
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:       log.With().Str("component", "ws_hub").Logger(),
		clients:   make(map[*client]struct{}),
		broadcast: make(chan events.Event, 64),
		stop:      make(chan struct{}),
	}
}

// AttachBus subscribes the hub to every bus event.
func (h *Hub) AttachBus(bus *events.Bus) {
	bus.SubscribeAll(func(ev events.Event) {
		select {
		case h.broadcast <- ev:
		default:
			// Slow hub must not stall the bus.
		}
	})
}

// Start launches the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop disconnects all clients and stops broadcasting.
func (h *Hub) Stop() {
	close(h.stop)
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
	}
	h.clients = make(map[*client]struct{})
}

func (h *Hub) run() {
	defer h.wg.Done()
	for {
		select {
		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- ev:
				default:
					// Drop for clients that cannot keep up.
				}
			}
			h.mu.Unlock()
		case <-h.stop:
			return
		}
	}
}

// HandleWS upgrades the connection and streams events until the client
// disconnects.
func (h *Hub) HandleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	cl := &client{conn: conn, send: make(chan events.Event, 32)}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	h.mu.Unlock()
	h.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("websocket client connected")

	go h.writePump(cl)
	h.readPump(cl)
}

func (h *Hub) readPump(cl *client) {
	defer h.drop(cl)
	cl.conn.SetReadLimit(512)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(cl *client) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
	cl.conn.Close()
}
