package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Handler processes one decoded request and returns the response to encode
// back to the caller.
type Handler func(ctx context.Context, req map[string]interface{}) map[string]interface{}

// Server listens on a Unix domain socket and dispatches each connection's
// single request/response exchange to a Handler. It is used by the agent
// daemon to expose local commands (create, finalize, status) to e2epoolctl without
// requiring a TCP port on the host.
type Server struct {
	socketPath string
	handler    Handler
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer constructs a Server bound to socketPath once Start is called.
func NewServer(socketPath string, handler Handler, logger *zap.Logger) *Server {
	return &Server{socketPath: socketPath, handler: handler, logger: logger}
}

// Start removes any stale socket file, binds the listener, and begins
// accepting connections in the background until ctx is canceled or Stop is
// called.
func (s *Server) Start(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		ln.Close()
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("ipc: accept failed", zap.Error(err))
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req map[string]interface{}
	if err := Recv(conn, &req); err != nil {
		return
	}

	resp := s.handler(ctx, req)
	if err := Send(conn, resp); err != nil {
		s.logger.Warn("ipc: failed to write response", zap.Error(err))
	}
}

// Stop closes the listener and the socket file, and waits for the accept
// loop to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	return os.Remove(s.socketPath)
}
