package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	// maxMessageSize is the maximum message size allowed (512 KB)
	maxMessageSize = 512 * 1024

	// pingInterval is how often we send pings to keep connection alive
	pingInterval = 30 * time.Second

	// pingTimeout is how long we wait for pong response
	pingTimeout = 10 * time.Second

	// writeTimeout is max time to write a message
	writeTimeout = 10 * time.Second
)

// client is one connected host.
type client struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// Server accepts host connections and fans events out to all of them.
type Server struct {
	addr      string
	onMessage MessageHandler

	mu       sync.Mutex
	clients  map[*client]struct{}
	listener net.Listener
	http     *http.Server

	// Main context (cancelled when Close() is called)
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a bridge server. Nothing listens until Start.
func NewServer(addr string, onMessage MessageHandler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		onMessage: onMessage,
		clients:   make(map[*client]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler returns the HTTP handler serving /ws and /healthz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %d\n", s.Clients())
	})
	return mux
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bridge listen %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.http = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	srv := s.http
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("❌ Bridge server error: %v", err)
		}
	}()
	log.Printf("✅ Bridge listening on ws://%s/ws", ln.Addr())
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.ctx.Done():
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Printf("WebSocket accept error: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(s.ctx)
	c := &client{conn: conn, ctx: ctx, cancel: cancel}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	log.Printf("🔌 Host connected (%d connected)", n)

	s.wg.Add(1)
	defer s.wg.Done()

	go s.pingPump(c)
	s.readPump(c)
}

// readPump reads messages from one host until it disconnects.
func (s *Server) readPump(c *client) {
	defer s.drop(c, "read pump exited")

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// Check if this is expected shutdown
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse WebSocket message: %v", err)
			continue
		}
		if s.onMessage != nil {
			s.onMessage(&msg)
		}
	}
}

// pingPump keeps one connection alive.
func (s *Server) pingPump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, pingTimeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				select {
				case <-c.ctx.Done():
					return
				default:
				}
				log.Printf("WebSocket ping failed: %v", err)
				s.drop(c, "ping failed")
				return
			}
		}
	}
}

// drop forgets a client and closes its connection. Safe to call twice.
func (s *Server) drop(c *client, reason string) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	if !ok {
		return
	}

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, reason)
	log.Printf("🔌 Host disconnected: %s (%d connected)", reason, n)
}

// Broadcast sends msg to every connected host and returns how many received
// it. Hosts that fail the write are dropped.
func (s *Server) Broadcast(msg *Message) int {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("❌ Failed to encode %s message: %v", msg.Type, err)
		return 0
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	sent := 0
	for _, c := range clients {
		ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			log.Printf("WebSocket write failed: %v", err)
			s.drop(c, "write failed")
			continue
		}
		sent++
	}
	return sent
}

// Send builds and broadcasts a message.
func (s *Server) Send(typ MessageType, runID string, payload any) {
	msg, err := NewMessage(typ, runID, payload)
	if err != nil {
		log.Printf("❌ %v", err)
		return
	}
	s.Broadcast(msg)
}

// Clients returns the number of connected hosts.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every host and stops listening.
func (s *Server) Close() error {
	s.cancel()

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	srv := s.http
	s.mu.Unlock()

	for _, c := range clients {
		s.drop(c, "server closed")
	}
	s.wg.Wait()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
