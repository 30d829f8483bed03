// Package gateway is the WebSocket front door: it upgrades connections,
// enforces per-address limits, routes method frames to the scheduler, and
// fans lifecycle events out to per-discussion rooms.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/trialogue/internal/config"
	"github.com/nextlevelbuilder/trialogue/internal/scheduler"
	"github.com/nextlevelbuilder/trialogue/internal/store"
	"github.com/nextlevelbuilder/trialogue/pkg/protocol"
)

// idleSweepInterval is how often idle sessions are checked.
const idleSweepInterval = time.Minute

// IdentityChecker validates claimed user ids against an external identity
// store. Nil means identities are accepted as-is (standalone mode).
type IdentityChecker interface {
	VerifyUser(ctx context.Context, id string) error
}

// Server is the gateway server handling WebSocket connections.
type Server struct {
	cfg      config.GatewayConfig
	sched    *scheduler.Scheduler
	store    store.DiscussionStore
	identity IdentityChecker
	hub      *Hub

	router      *MethodRouter
	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	draining   atomic.Bool
	httpServer *http.Server
}

func NewServer(cfg config.GatewayConfig, sched *scheduler.Scheduler, st store.DiscussionStore) *Server {
	s := &Server{
		cfg:         cfg,
		sched:       sched,
		store:       st,
		hub:         NewHub(),
		clients:     make(map[string]*Client),
		rateLimiter: NewRateLimiter(cfg.MaxConnectionsPerIP, cfg.ConnectionRateLimit),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = NewMethodRouter(s)
	return s
}

// Hub exposes the event sink for wiring into the scheduler.
func (s *Server) Hub() *Hub { return s.hub }

// SetScheduler installs the scheduler after construction. The hub must exist
// before the scheduler so events have a sink, hence the two-phase wiring.
func (s *Server) SetScheduler(sched *scheduler.Scheduler) { s.sched = sched }

// SetIdentity enables connect-time user verification (managed mode).
func (s *Server) SetIdentity(ic IdentityChecker) { s.identity = ic }

// Draining reports whether the server has begun graceful shutdown.
func (s *Server) Draining() bool { return s.draining.Load() }

// checkOrigin validates the Origin header against the whitelist. No config
// allows all; an empty Origin (non-browser client) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("origin rejected", "origin", origin)
	return false
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start listens until ctx is cancelled, then drains: new sessions are
// refused, in-flight streaming gets up to the drain timeout, then the
// remaining clients are force-disconnected.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.buildMux()}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go s.idleSweep(sweepCtx)

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		s.drain()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) drain() {
	s.draining.Store(true)
	slog.Info("gateway draining", "timeout", s.cfg.DrainTimeout())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout())
	defer cancel()
	s.httpServer.Shutdown(shutdownCtx)

	// Tell the stragglers to reconnect elsewhere, then cut them off.
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.SendEvent(*protocol.NewEvent(protocol.EventError, map[string]interface{}{
			"code":    protocol.ErrCodeShutdown,
			"message": "server shutting down; reconnect",
		}))
		c.Close()
	}
}

// handleWebSocket upgrades the connection subject to the per-address limits.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.Draining() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	addr := sourceAddr(r)
	if !s.rateLimiter.AllowConnect(addr) {
		slog.Warn("connection refused by rate limit", "addr", addr)
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.rateLimiter.Disconnect(addr)
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, addr, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		s.rateLimiter.Disconnect(addr)
		client.Close()
	}()

	client.Run(r.Context())
}

func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	slog.Info("client connected", "id", c.id, "addr", c.addr)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.hub.RemoveClient(c)
	slog.Info("client disconnected", "id", c.id)
}

// idleSweep disconnects sessions idle past the configured timeout.
func (s *Server) idleSweep(ctx context.Context) {
	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-s.cfg.IdleTimeout())
		s.mu.Lock()
		var idle []*Client
		for _, c := range s.clients {
			if c.idleSince().Before(cutoff) {
				idle = append(idle, c)
			}
		}
		s.mu.Unlock()
		for _, c := range idle {
			slog.Info("disconnecting idle client", "id", c.id)
			c.Close()
		}
	}
}

// StartTestServer listens on a random port and returns the address plus a
// start function. Used by integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: s.buildMux()}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}
	return addr, start
}
