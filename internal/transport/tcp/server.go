package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/omochice/ws-osc-bridge/internal/bridge"
)

// Server accepts OSC stream connections and hands each one to a
// bridge.ConnHandler.
type Server struct {
	address      string
	listener     net.Listener
	handler      bridge.ConnHandler
	logger       *slog.Logger
	maxFrameSize int64

	ctx    context.Context
	cancel context.CancelFunc
	quit   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMaxFrameSize limits inbound frames to n bytes. Zero disables the limit.
func WithMaxFrameSize(n int64) Option {
	return func(s *Server) {
		s.maxFrameSize = n
	}
}

// New creates a TCP server for address.
func New(address string, handler bridge.ConnHandler, logger *slog.Logger, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		address: address,
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("%w: tcp %s: %v", bridge.ErrBindFailure, s.address, err)
	}
	s.listener = listener

	s.logger.Info("tcp_server_started", "addr", listener.Addr().String())
	return nil
}

// Serve accepts connections until Stop is called.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("tcp server is not bound")
	}

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				s.logger.Warn("tcp_accept_failed", "error", err)
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler.Serve(s.ctx, NewConn(conn, s.maxFrameSize))
		}()
	}
}

// Start binds and serves. It blocks until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Stop stops accepting, ends every connection handler and waits for them.
func (s *Server) Stop() {
	close(s.quit)
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info("tcp_server_stopped", "addr", s.Addr())
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
