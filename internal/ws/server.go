// Package ws serves the host bridge: UI hosts connect over WebSocket, each
// connection drives one gated screen, and engine snapshots are pushed back
// as protocol messages.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whisper/matchsync/internal/logging"
	"github.com/whisper/matchsync/internal/metrics"
)

// ServerConfig holds tunable parameters for the host bridge server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	MaxMessageSize int64         // largest accepted data frame in bytes
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 1000,
		MaxMessageSize: 64 << 10,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server upgrades HTTP requests on /ws and runs one read loop per
// connection. It also serves /health and /metrics.
type Server struct {
	config       ServerConfig
	conns        *ConnectionManager
	onConnect    func(conn *Connection)
	onMessage    func(conn *Connection, data []byte)
	onDisconnect func(conn *Connection)
	httpServer   *http.Server
	log          *logrus.Entry
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from the connection's
// read loop, so messages from one host are handled in order.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:    config,
		conns:     NewConnectionManager(),
		onMessage: onMessage,
		log:       logging.For("ws"),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}
}

// SetOnConnect registers a callback run after a connection is registered and
// before its first message is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback run once when a connection is removed.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Handler returns the HTTP handler serving /ws, /health and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start starts the heartbeat and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Handler(),
	}

	StartHeartbeat(s, s.config.Heartbeat)

	s.log.WithFields(logrus.Fields{
		"addr":      s.config.ListenAddr,
		"max_conns": s.config.MaxConnections,
	}).Info("host bridge listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.WithError(err).Debug("upgrade failed")
		return
	}

	c := newConnection(uuid.NewString(), conn, time.Now(), s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.HostConnections.Inc()
	s.log.WithFields(logrus.Fields{"conn_id": c.ID, "total": s.conns.Count()}).Info("host connected")

	if s.onConnect != nil {
		s.onConnect(c)
	}
	go s.readLoop(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// readLoop reads frames until the connection fails or the host closes it.
// Control frames count as activity for the heartbeat.
func (s *Server) readLoop(c *Connection) {
	defer s.RemoveConnection(c)

	for {
		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			return
		}
		c.touch(time.Now())

		if header.OpCode.IsControl() {
			payload, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writePong(payload); err != nil {
					return
				}
			}
			continue
		}

		if header.Length > s.config.MaxMessageSize {
			s.log.WithFields(logrus.Fields{"conn_id": c.ID, "size": header.Length}).Warn("message too large")
			return
		}
		data := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if len(data) == 0 || s.onMessage == nil {
			continue
		}
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c. Only the first call for a
// connection runs the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.HostConnections.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.log.WithFields(logrus.Fields{"conn_id": c.ID, "total": s.conns.Count()}).Info("host disconnected")
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the heartbeat, then closes every
// connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	s.log.Info("host bridge stopped")
	return err
}
