// Package ws is the relay's WebSocket front end. Connections are upgraded
// with gobwas/ws, watched with epoll and read on a bounded worker pool.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/whisper/duet/internal/metrics"
	"github.com/whisper/duet/internal/protocol"
)

// ErrNotConnected is returned by SendToUser when the user has no socket on
// this node.
var ErrNotConnected = errors.New("ws: user not connected")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on total connections
	MaxFrameBytes  int64         // frames larger than this close the connection
	ReadTimeout    time.Duration // read deadline for a frame once epoll reports data
	WriteTimeout   time.Duration
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server accepts peer connections on /ws?user=<id>. Identity is taken from
// the query as set by the auth layer in front of the relay.
type Server struct {
	config       ServerConfig
	epoll        *Epoll
	conns        *ConnectionManager
	router       *mux.Router
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	admit        func(r *http.Request, userID string) bool
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage runs on a worker goroutine for every
// complete text frame.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:     config,
		conns:      NewConnectionManager(),
		router:     mux.NewRouter(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
	s.router.HandleFunc("/ws", s.handleUpgrade)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

// Router returns the HTTP router so callers can mount more routes.
func (s *Server) Router() *mux.Router { return s.router }

// OnConnect registers a callback run after a connection is registered.
func (s *Server) OnConnect(fn func(conn *Connection)) { s.onConnect = fn }

// OnDisconnect registers a callback run once when a connection is removed.
// It is not called for a connection replaced by a newer one of the same user.
func (s *Server) OnDisconnect(fn func(conn *Connection)) { s.onDisconnect = fn }

// OnAdmit registers a check run before upgrading; returning false rejects
// the request with 429.
func (s *Server) OnAdmit(fn func(r *http.Request, userID string) bool) { s.admit = fn }

// Listen starts the epoll loop and the heartbeat without binding a port.
func (s *Server) Listen() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.startedAt = time.Now()
	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)
	return nil
}

// Start runs Listen and then serves HTTP until Shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("[ws] listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	if s.admit != nil && !s.admit(r, userID) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[ws] upgrade failed user=%s: %v", userID, err)
		return
	}

	c := &Connection{
		ID:        uuid.NewString(),
		UserID:    userID,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
	}
	c.Touch()

	// session_created goes out before the socket is readable by workers so
	// it is always the first frame the peer sees.
	if data, err := protocol.NewServerMessage(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{
		UserID:    userID,
		SessionID: c.ID,
	}); err == nil {
		if err := c.WriteMessage(data); err != nil {
			log.Printf("[ws] session_created failed user=%s: %v", userID, err)
			conn.Close()
			return
		}
	}

	if old := s.conns.Add(c); old != nil {
		s.epoll.Remove(old.Conn)
		old.Close()
		metrics.ConnectionsTotal.Dec()
		log.Printf("[ws] user=%s reconnected, replaced conn=%s", userID, old.ID)
	}
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("[ws] epoll add failed user=%s: %v", userID, err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.onConnect != nil {
		s.onConnect(c)
	}
	log.Printf("[ws] connected user=%s conn=%s fd=%d (total=%d)", userID, c.ID, c.Fd, s.conns.Count())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				log.Printf("[ws] epoll wait error: %v", err)
			}
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// consumed in place; a close frame or read error removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer func() {
		atomic.StoreInt32(&c.processing, 0)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A timeout is a stale readiness report; the heartbeat handles
		// dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}
	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		log.Printf("[ws] frame too large user=%s len=%d", c.UserID, header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. The disconnect callback runs
// once per connection even when removals race.
func (s *Server) RemoveConnection(c *Connection) {
	s.epoll.Remove(c.Conn)
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()
	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	log.Printf("[ws] disconnected user=%s conn=%s (total=%d)", c.UserID, c.ID, s.conns.Count())
}

// Evict closes the user's connection on this node without running the
// disconnect callback. Used when the user has reconnected on another node.
func (s *Server) Evict(userID, reason string) bool {
	c := s.conns.GetByUser(userID)
	if c == nil {
		return false
	}
	s.epoll.Remove(c.Conn)
	if !s.conns.Remove(c.ID) {
		return false
	}
	c.Close()
	metrics.ConnectionsTotal.Dec()
	log.Printf("[ws] evicted user=%s conn=%s: %s", userID, c.ID, reason)
	return true
}

// SendToUser writes a text frame to the user's connection on this node.
func (s *Server) SendToUser(userID string, data []byte) error {
	c := s.conns.GetByUser(userID)
	if c == nil {
		return ErrNotConnected
	}
	if s.config.WriteTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	if err := c.WriteMessage(data); err != nil {
		return fmt.Errorf("ws: send to %s: %w", userID, err)
	}
	return nil
}

// IsConnected reports whether the user has a socket on this node.
func (s *Server) IsConnected(userID string) bool {
	return s.conns.GetByUser(userID) != nil
}

// Connections exposes the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the listener and closes every connection, running the
// disconnect callback for each.
func (s *Server) Shutdown() error {
	s.stopOnce.Do(func() {
		log.Println("[ws] shutting down")
		close(s.done)

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Printf("[ws] http shutdown error: %v", err)
			}
		}
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		if s.epoll != nil {
			s.epoll.Close()
		}
		log.Printf("[ws] stopped")
	})
	return nil
}
