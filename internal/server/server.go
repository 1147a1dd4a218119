// Package server assembles the bridge: the OSC sender and listener, the
// client registry and the stream transports, started and stopped as one unit.
package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/omochice/ws-osc-bridge/internal/bridge"
	"github.com/omochice/ws-osc-bridge/internal/config"
	"github.com/omochice/ws-osc-bridge/internal/metrics"
	"github.com/omochice/ws-osc-bridge/internal/transport/tcp"
	"github.com/omochice/ws-osc-bridge/internal/transport/ws"
	"github.com/omochice/ws-osc-bridge/internal/udp"
)

const metricsNamespace = "oscbridge"

// Server owns every component of a running bridge.
type Server struct {
	logger   *slog.Logger
	registry *bridge.Registry
	sender   *udp.Sender
	listener *udp.Listener
	ws       *ws.Server
	tcp      *tcp.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	errs     chan error
	stopOnce sync.Once
}

// New wires the components described by cfg. Nothing listens until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(metricsNamespace)
	}

	sender, err := udp.NewSender(cfg.OSCTargetHost, cfg.OSCTargetPort, logger, udp.WithSenderMetrics(m))
	if err != nil {
		return nil, err
	}

	registry := bridge.NewRegistry(logger,
		bridge.WithRegistryMetrics(m),
		bridge.WithWriteTimeout(cfg.WriteTimeout),
	)
	handler := bridge.NewHandler(registry, sender, logger,
		bridge.WithHandlerMetrics(m),
		bridge.WithAckTimeout(cfg.WriteTimeout),
		bridge.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	)

	wsOpts := []ws.Option{
		ws.WithMaxFrameSize(cfg.MaxFrameSize),
		ws.WithStaticDir(cfg.StaticDir),
	}
	if m != nil {
		wsOpts = append(wsOpts, ws.WithMetricsHandler(m.Handler()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		logger:   logger,
		registry: registry,
		sender:   sender,
		listener: udp.NewListener(cfg.OSCListenAddr(), registry, logger, udp.WithListenerMetrics(m)),
		ws:       ws.New(cfg.WSAddr(), handler, logger, wsOpts...),
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 3),
	}
	if cfg.TCPAddr != "" {
		s.tcp = tcp.New(cfg.TCPAddr, handler, logger, tcp.WithMaxFrameSize(cfg.MaxFrameSize))
	}
	return s, nil
}

// Start binds every socket, then serves in the background. If any bind
// fails, whatever was already bound is released and the error, wrapping
// bridge.ErrBindFailure, is returned.
func (s *Server) Start() error {
	if err := s.bind(); err != nil {
		s.Stop()
		return err
	}

	s.serve(func() error { return s.ws.Serve() })
	if s.tcp != nil {
		s.serve(func() error { return s.tcp.Serve() })
	}
	s.serve(func() error { return s.listener.Serve(s.ctx) })

	s.logger.Info("bridge_started",
		"ws_addr", s.WSAddr(),
		"tcp_addr", s.TCPAddr(),
		"udp_listen_addr", s.UDPAddr(),
		"udp_target", s.sender.Target(),
	)
	return nil
}

func (s *Server) bind() error {
	if err := s.listener.Listen(); err != nil {
		return err
	}
	if err := s.ws.Listen(); err != nil {
		return err
	}
	if s.tcp != nil {
		if err := s.tcp.Listen(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) serve(fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(); err != nil {
			s.errs <- err
		}
	}()
}

// Stop closes every socket and waits for all connection handlers to return.
// It is safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()

		if err := s.listener.Close(); err != nil {
			s.logger.Warn("udp_listener_close_failed", "error", err)
		}
		s.ws.Stop()
		if s.tcp != nil {
			s.tcp.Stop()
		}
		s.registry.CloseAll()
		s.wg.Wait()

		if err := s.sender.Close(); err != nil {
			s.logger.Warn("udp_sender_close_failed", "error", err)
		}
		s.logger.Info("bridge_stopped")
	})
}

// Run starts the bridge and blocks until ctx is done or a transport fails,
// then stops it. A cancelled ctx is a clean shutdown and returns nil.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-s.errs:
		s.logger.Error("bridge_failed", "error", err)
	}
	s.Stop()
	return err
}

// WSAddr returns the bound WebSocket address.
func (s *Server) WSAddr() string {
	return s.ws.Addr()
}

// TCPAddr returns the bound OSC-over-TCP address, or "" when disabled.
func (s *Server) TCPAddr() string {
	if s.tcp == nil {
		return ""
	}
	return s.tcp.Addr()
}

// UDPAddr returns the bound OSC listen address.
func (s *Server) UDPAddr() string {
	if addr := s.listener.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// ClientCount returns the number of connected stream clients.
func (s *Server) ClientCount() int {
	return s.registry.Count()
}
