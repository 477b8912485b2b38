package uds

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// DefaultWriteTimeout bounds a single write to a client. A client that
// cannot keep up with broadcasts is disconnected.
const DefaultWriteTimeout = 2 * time.Second

// maxMessageSize bounds one NDJSON message.
const maxMessageSize = 1024 * 1024

// HandlerFunc processes a request and returns a response data payload or error.
type HandlerFunc func(ctx context.Context, req Message) (any, error)

// Server listens on a Unix domain socket and dispatches NDJSON messages.
type Server struct {
	socketPath   string
	listener     net.Listener
	handlers     map[string]HandlerFunc
	clients      map[net.Conn]*sync.Mutex
	mu           sync.RWMutex
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewServer creates a new UDS server.
func NewServer(socketPath string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath:   socketPath,
		handlers:     make(map[string]HandlerFunc),
		clients:      make(map[net.Conn]*sync.Mutex),
		writeTimeout: DefaultWriteTimeout,
		logger:       logger,
	}
}

// Handle registers a handler for a method. It must be called before Start.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string { return s.socketPath }

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Start begins listening and blocks until ctx is done. It removes any stale
// socket file first.
func (s *Server) Start(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod %s: %w", s.socketPath, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("server listening", "socket", s.socketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept error", "err", err)
			continue
		}
		s.mu.Lock()
		s.clients[conn] = &sync.Mutex{}
		s.mu.Unlock()
		go s.handleConn(ctx, conn)
	}
}

// Broadcast sends an event to all connected clients.
func (s *Server) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("broadcast marshal error", "err", err)
		return
	}
	line := append(data, '\n')

	s.mu.RLock()
	targets := make(map[net.Conn]*sync.Mutex, len(s.clients))
	for conn, wmu := range s.clients {
		targets[conn] = wmu
	}
	s.mu.RUnlock()

	for conn, wmu := range targets {
		if err := s.write(conn, wmu, line); err != nil {
			s.logger.Warn("dropping slow client", "event", msg.Method, "err", err)
			conn.Close()
		}
	}
}

// Shutdown cleanly stops the server.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.clients {
		conn.Close()
	}
	s.mu.Unlock()
	os.Remove(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	s.mu.RLock()
	wmu := s.clients[conn]
	s.mu.RUnlock()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)

	for scanner.Scan() {
		var msg Message
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			s.logger.Error("invalid message", "err", err)
			continue
		}

		if msg.Type != MsgTypeReq {
			continue
		}

		resp := s.dispatch(ctx, msg)
		data, err := json.Marshal(resp)
		if err != nil {
			s.logger.Error("marshal response error", "method", msg.Method, "err", err)
			continue
		}
		if err := s.write(conn, wmu, append(data, '\n')); err != nil {
			s.logger.Error("write response error", "err", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, msg Message) (resp Message) {
	handler, ok := s.handlers[msg.Method]
	if !ok {
		return NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("unknown method: %s", msg.Method))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "method", msg.Method, "panic", r)
			resp = NewErrorResponse(msg.ID, msg.Method, "internal error")
		}
	}()

	result, err := handler(ctx, msg)
	if err != nil {
		return NewErrorResponse(msg.ID, msg.Method, err.Error())
	}
	resp, err = NewResponse(msg.ID, msg.Method, result)
	if err != nil {
		return NewErrorResponse(msg.ID, msg.Method, fmt.Sprintf("encode response: %v", err))
	}
	return resp
}

func (s *Server) write(conn net.Conn, wmu *sync.Mutex, line []byte) error {
	if wmu == nil {
		wmu = &sync.Mutex{}
	}
	wmu.Lock()
	defer wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	_, err := conn.Write(line)
	return err
}
