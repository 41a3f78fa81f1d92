// Package monitor mirrors the bridge over WebSocket: connected clients see
// every inbound line and may send bytes to the device.
package monitor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luhtfiimanal/go-serial-bridge/bridge"
)

const (
	sendBuffer      = 32
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 2 * time.Second
)

// Message is the JSON frame exchanged with clients.
//
//	server -> client: hello, line, read_error, ack, error
//	client -> server: byte
type Message struct {
	Type    string `json:"type"`
	Client  string `json:"client,omitempty"`
	Line    string `json:"line,omitempty"`
	Value   *int   `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Message
}

// Server is an http.Handler that upgrades every request to a monitor session.
type Server struct {
	sender   bridge.ByteSender
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func New(sender bridge.ByteSender, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		sender: sender,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Publish forwards a bridge event to every client. It never blocks: a client
// that cannot keep up is disconnected.
func (s *Server) Publish(ev bridge.Event) {
	var msg Message
	switch ev.Kind {
	case bridge.EventDataAvailable:
		msg = Message{Type: "line", Line: ev.Line}
	case bridge.EventReadError:
		msg = Message{Type: "read_error", Message: ev.Err.Error()}
	default:
		return
	}

	var slow []*client
	s.mu.RLock()
	for _, c := range s.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range slow {
		s.logger.Warn("dropping slow monitor client", zap.String("client", c.id))
		s.remove(c)
		c.conn.Close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Message, sendBuffer),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.logger.Info("monitor client connected", zap.String("client", c.id), zap.String("remote", r.RemoteAddr))

	go s.writePump(c)
	s.deliver(c, Message{Type: "hello", Client: c.id})
	s.readPump(c)
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.remove(c)
		c.conn.Close()
		s.logger.Info("monitor client disconnected", zap.String("client", c.id))
	}()

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.logger.Debug("monitor read ended", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
		s.handle(c, msg)
	}
}

func (s *Server) handle(c *client, msg Message) {
	switch msg.Type {
	case "byte":
		if msg.Value == nil {
			s.deliver(c, Message{Type: "error", Message: "missing value"})
			return
		}
		if err := s.sender.SendByte(*msg.Value); err != nil {
			s.deliver(c, Message{Type: "error", Message: err.Error()})
			return
		}
		s.deliver(c, Message{Type: "ack", Value: msg.Value})
	default:
		s.deliver(c, Message{Type: "error", Message: "unknown message type " + msg.Type})
	}
}

// deliver queues msg for c if it is still connected.
func (s *Server) deliver(c *client, msg Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (s *Server) writePump(c *client) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(msg); err != nil {
			s.logger.Debug("monitor write failed", zap.String("client", c.id), zap.Error(err))
			c.conn.Close()
			return
		}
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		close(c.send)
	}
}

// ListenAndServe serves the monitor at path on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, s)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("monitor listening", zap.String("addr", addr), zap.String("path", path))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.closeAll()
		return nil
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		s.remove(c)
	}
}
