package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/omochice/ws-osc-bridge/internal/metrics"
)

// Registry tracks live stream connections and fans frames out to them.
// Register, Unregister and Broadcast are safe for concurrent use. Broadcast
// holds the read lock for its whole iteration, so Unregister waits for any
// in-flight broadcast to finish.
type Registry struct {
	clients      map[*Client]struct{}
	mu           sync.RWMutex
	logger       *slog.Logger
	metrics      *metrics.Metrics
	writeTimeout time.Duration
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryMetrics records connection counts and deliveries on m.
func WithRegistryMetrics(m *metrics.Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = m
	}
}

// WithWriteTimeout bounds every broadcast write. Zero disables the bound.
func WithWriteTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.writeTimeout = d
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds c. Registering a client twice is a no-op.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; ok {
		return
	}
	r.clients[c] = struct{}{}
	r.metrics.ClientConnected()

	r.logger.Info("client_registered",
		"client_id", c.ID,
		"remote_addr", c.Conn.RemoteAddr(),
		"total_clients", len(r.clients),
	)
}

// Unregister removes c. Unregistering an absent client is a no-op.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return
	}
	delete(r.clients, c)
	r.metrics.ClientDisconnected()

	r.logger.Info("client_unregistered",
		"client_id", c.ID,
		"remote_addr", c.Conn.RemoteAddr(),
		"total_clients", len(r.clients),
	)
}

// Broadcast writes f to every registered client and returns the number of
// successful deliveries. A failed write is logged and does not affect the
// other clients.
func (r *Registry) Broadcast(ctx context.Context, f Frame) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sent, failed := 0, 0
	for c := range r.clients {
		if err := r.write(ctx, c, f); err != nil {
			failed++
			r.logger.Warn("broadcast_write_failed",
				"client_id", c.ID,
				"remote_addr", c.Conn.RemoteAddr(),
				"error", err,
			)
			continue
		}
		sent++
	}
	r.metrics.Delivered(sent, failed)

	r.logger.Debug("broadcast_completed",
		"kind", f.Kind.String(),
		"size", len(f.Data),
		"sent", sent,
		"failed", failed,
	)
	return sent
}

func (r *Registry) write(ctx context.Context, c *Client, f Frame) error {
	if r.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
	}
	return c.Conn.Write(ctx, f)
}

// Count returns the number of registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// CloseAll closes every registered connection. Clients stay registered until
// their handlers observe the closed connection and unregister them.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.clients {
		if err := c.Conn.Close(); err != nil {
			r.logger.Debug("client_close_failed", "client_id", c.ID, "error", err)
		}
	}
}
