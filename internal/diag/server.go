// Package diag provides a real-time WebSocket surface for sync
// diagnostics.
//
// The server broadcasts health snapshots and entity change notices to
// connected WebSocket clients, so a diagnostics UI can mirror the sync
// core's state live. It is strictly read-only: clients observe, they
// never write into the subscription manager or outbox internals.
package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pocketpilot/syncd/internal/coordinator"
)

// MessageType defines the type of diagnostics message.
type MessageType string

const (
	// MessageTypeStatus carries a full health snapshot.
	MessageTypeStatus MessageType = "status"

	// MessageTypeEntityUpdate carries one entity change notice.
	MessageTypeEntityUpdate MessageType = "entity_update"
)

// Message is one diagnostics broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8719).
	Port int

	// Logger for server activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8719,
		Logger: log.Default(),
	}
}

// Server manages WebSocket connections and broadcasts sync state.
type Server struct {
	addr     string
	coord    *coordinator.Coordinator
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	observerHandles []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a diagnostics server over coord.
func NewServer(coord *coordinator.Coordinator, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		coord:     coord,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and registers as a coordinator
// observer.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.observerHandles = append(s.observerHandles,
		s.coord.ObserveStatus(s.onStatus),
		s.coord.ObserveEntities(s.onEntityChange),
	)

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Diagnostics server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server and removes its coordinator
// observers.
func (s *Server) Stop() error {
	s.logger.Println("Stopping diagnostics server")

	for _, h := range s.observerHandles {
		s.coord.RemoveObserver(h)
	}
	s.observerHandles = nil

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// onStatus forwards a health snapshot to connected clients.
func (s *Server) onStatus(hs coordinator.HealthStatus) {
	data, err := json.Marshal(hs)
	if err != nil {
		s.logger.Printf("Failed to marshal health status: %v", err)
		return
	}
	s.send(Message{Type: MessageTypeStatus, Data: data})
}

// onEntityChange forwards an entity change notice to connected
// clients.
func (s *Server) onEntityChange(ec coordinator.EntityChange) {
	data, err := json.Marshal(ec)
	if err != nil {
		s.logger.Printf("Failed to marshal entity change: %v", err)
		return
	}
	s.send(Message{Type: MessageTypeEntityUpdate, Data: data})
}

// send queues a broadcast without blocking the coordinator's event
// loop.
func (s *Server) send(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Diagnostics client connected (total: %d)", clientCount)

	// New clients get the current snapshot immediately.
	if data, err := json.Marshal(s.coord.HealthStatus()); err == nil {
		welcome, _ := json.Marshal(Message{
			Type:      MessageTypeStatus,
			Timestamp: time.Now(),
			Data:      data,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, welcome)
		cancel()
	}

	go s.readLoop(conn)
}

// readLoop drains client frames to detect disconnects; inbound
// messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Diagnostics client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.coord.HealthStatus())
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
