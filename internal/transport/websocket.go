package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/pacer/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow requests without Origin header (same-origin or direct)
		}

		// Parse the origin URL
		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}

		// Allow same origin (same host)
		if originURL.Host == r.Host {
			return true
		}

		// Allow localhost connections (common for development)
		if originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1" {
			return true
		}

		return false
	},
}

// statusInterval is how often status is pushed to WebSocket clients.
const statusInterval = 200 * time.Millisecond

// WebSocketServer streams live limiter status to WebSocket clients.
type WebSocketServer struct {
	api    PacerAPI
	logger *slog.Logger

	// Connected clients
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Done channel for shutdown
	done     chan struct{}
	stopOnce sync.Once
}

// NewWebSocketServer creates a new WebSocket server.
func NewWebSocketServer(api PacerAPI, logger *slog.Logger) *WebSocketServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketServer{
		api:     api,
		logger:  logger,
		clients: make(map[*websocket.Conn]bool),
		done:    make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (ws *WebSocketServer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			ws.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		// Register client and send the current state straight away.
		ws.clientsMu.Lock()
		ws.clients[conn] = true
		total := len(ws.clients)
		ws.clientsMu.Unlock()

		ws.logger.Debug("WebSocket client connected",
			slog.Int("total_clients", total),
		)
		ws.send(conn, ws.api.Status())

		// Handle client disconnect
		defer func() {
			ws.clientsMu.Lock()
			delete(ws.clients, conn)
			total := len(ws.clients)
			ws.clientsMu.Unlock()
			conn.Close()

			ws.logger.Debug("WebSocket client disconnected",
				slog.Int("total_clients", total),
			)
		}()

		// Read messages (mainly for ping/pong)
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					ws.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				break
			}
		}
	}
}

// Start begins the status broadcasting goroutine.
func (ws *WebSocketServer) Start() {
	go ws.broadcastLoop()
}

// Stop stops the WebSocket server.
func (ws *WebSocketServer) Stop() {
	ws.stopOnce.Do(func() { close(ws.done) })

	// Close all client connections
	ws.clientsMu.Lock()
	for conn := range ws.clients {
		conn.Close()
	}
	ws.clients = make(map[*websocket.Conn]bool)
	ws.clientsMu.Unlock()
}

// broadcastLoop pushes status to every client each statusInterval while
// anyone is connected.
func (ws *WebSocketServer) broadcastLoop() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.done:
			return
		case <-ticker.C:
			if ws.ClientCount() == 0 {
				continue
			}
			ws.broadcastStatus(ws.api.Status())
		}
	}
}

// broadcastStatus sends status to all connected clients.
func (ws *WebSocketServer) broadcastStatus(status types.Status) {
	data, err := json.Marshal(status)
	if err != nil {
		ws.logger.Error("Failed to marshal status", slog.String("error", err.Error()))
		return
	}

	// Writes are serialized under the write lock; gorilla connections
	// allow one concurrent writer.
	ws.clientsMu.Lock()
	defer ws.clientsMu.Unlock()

	for conn := range ws.clients {
		ws.write(conn, data)
	}
}

// send writes one status message to a single client.
func (ws *WebSocketServer) send(conn *websocket.Conn, status types.Status) {
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	ws.clientsMu.Lock()
	defer ws.clientsMu.Unlock()
	ws.write(conn, data)
}

func (ws *WebSocketServer) write(conn *websocket.Conn, data []byte) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		ws.logger.Debug("Failed to write to WebSocket",
			slog.String("error", err.Error()),
		)
		// Will be cleaned up by the read loop
	}
}

// ClientCount returns the number of connected clients.
func (ws *WebSocketServer) ClientCount() int {
	ws.clientsMu.RLock()
	defer ws.clientsMu.RUnlock()
	return len(ws.clients)
}
