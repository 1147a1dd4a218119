package ws

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"

	"github.com/omochice/ws-osc-bridge/internal/bridge"
)

const shutdownTimeout = 5 * time.Second

// Server accepts WebSocket upgrades on any path and hands each connection to
// a bridge.ConnHandler. Plain HTTP requests are routed to /healthz, /metrics
// and, when configured, a static file directory.
type Server struct {
	address      string
	listener     net.Listener
	handler      bridge.ConnHandler
	logger       *slog.Logger
	server       *http.Server
	metrics      http.Handler
	staticDir    string
	maxFrameSize int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// WithStaticDir serves files from dir for non-upgrade requests.
func WithStaticDir(dir string) Option {
	return func(s *Server) {
		s.staticDir = dir
	}
}

// WithMaxFrameSize limits inbound messages to n bytes. Zero disables the limit.
func WithMaxFrameSize(n int64) Option {
	return func(s *Server) {
		s.maxFrameSize = n
	}
}

// New creates a WebSocket server for address.
func New(address string, handler bridge.ConnHandler, logger *slog.Logger, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		address: address,
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.upgrade)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	if s.staticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.staticDir)))
	}
	return r
}

// upgrade takes over requests that ask for a WebSocket, whatever their path.
func (s *Server) upgrade(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			next.ServeHTTP(w, r)
			return
		}

		conn, rw, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			s.logger.Warn("ws_upgrade_failed",
				"remote_addr", r.RemoteAddr,
				"path", r.URL.Path,
				"error", err,
			)
			return
		}

		wsConn := newConn(conn, source(conn, rw), ws.StateServerSide, r.RemoteAddr, s.maxFrameSize)
		if s.ctx.Err() != nil {
			_ = wsConn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handler.Serve(s.ctx, wsConn)
		}()
	})
}

// source keeps bytes the HTTP server buffered past the handshake.
func source(conn net.Conn, rw *bufio.ReadWriter) io.Reader {
	if rw == nil || rw.Reader.Buffered() == 0 {
		return conn
	}
	return io.MultiReader(io.LimitReader(rw.Reader, int64(rw.Reader.Buffered())), conn)
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("%w: websocket %s: %v", bridge.ErrBindFailure, s.address, err)
	}
	s.listener = listener

	s.logger.Info("ws_server_started", "addr", listener.Addr().String())
	return nil
}

// Serve accepts connections until Stop is called.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("websocket server is not bound")
	}
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
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
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("ws_server_shutdown_failed", "error", err)
	}
	// a listener that was bound but never served is unknown to http.Server
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.wg.Wait()
	s.logger.Info("ws_server_stopped", "addr", s.Addr())
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
