// Package server ties the HTTP surface to the chat hub: the upgrade
// endpoint, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sprksoft/smppgc/internal/chat"
	"github.com/sprksoft/smppgc/internal/config"
	"github.com/sprksoft/smppgc/internal/limits"
	"github.com/sprksoft/smppgc/internal/monitoring"
)

type Server struct {
	conf     *config.Config
	log      zerolog.Logger
	hub      *chat.Hub
	sessions *chat.Sessions
	limiter  *limits.ConnLimiter
	start    time.Time

	// sessions outlive their HTTP handler; this context ends them after
	// the shutdown grace period
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	sessionWG     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

func New(conf *config.Config, logger zerolog.Logger, hub *chat.Hub, sessions *chat.Sessions) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		conf:     conf,
		log:      logger.With().Str("component", "server").Logger(),
		hub:      hub,
		sessions: sessions,
		limiter: limits.NewConnLimiter(limits.ConnLimiterConfig{
			IPRate:  conf.ConnRate,
			IPBurst: conf.ConnBurst,
		}, logger),
		start:         time.Now(),
		sessionCtx:    ctx,
		sessionCancel: cancel,
	}
}

// Handler returns the HTTP mux. Split out so tests can serve it without
// binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/socket/v1", s.handleSocket)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", monitoring.MetricsHandler())
	return mux
}

// Run serves until ctx is canceled, then drains sessions within the
// shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.conf.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.conf.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info().
		Str("addr", listener.Addr().String()).
		Msg("Server listening")

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.shutdown(httpServer)
		return nil
	})

	return g.Wait()
}

// Addr returns the bound listen address, or nil before Run has bound it.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) shutdown(httpServer *http.Server) {
	s.log.Info().
		Dur("grace", s.conf.ShutdownGrace).
		Int("sessions", s.hub.ClientCount()).
		Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.conf.ShutdownGrace)
	defer cancel()

	// Shutdown does not wait for hijacked connections, so it returns
	// once the accept loop and plain HTTP requests are done.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("HTTP shutdown did not finish cleanly")
	}

	// Closing the hub makes every session send its goodbye and unwind.
	s.hub.Close()

	drained := make(chan struct{})
	go func() {
		s.sessionWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.log.Info().Msg("All sessions drained")
	case <-shutdownCtx.Done():
		s.log.Warn().
			Int("remaining", s.hub.ClientCount()).
			Msg("Shutdown grace expired with sessions still open")
	}
	s.sessionCancel()
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if s.conf.Offline {
		monitoring.UpgradeRejectedTotal.WithLabelValues("offline").Inc()
		http.Error(w, "Chat is offline", http.StatusServiceUnavailable)
		return
	}
	if !s.limiter.Allow(ip) {
		monitoring.UpgradeRejectedTotal.WithLabelValues("rate_limit").Inc()
		http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
		return
	}

	q := r.URL.Query()
	username := q.Get("username")
	key := q.Get("key")

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		// UpgradeHTTP has already written the HTTP error response.
		monitoring.UpgradeRejectedTotal.WithLabelValues("handshake").Inc()
		s.log.Debug().
			Err(err).
			Str("client_ip", ip).
			Msg("WebSocket upgrade failed")
		return
	}

	s.sessionWG.Add(1)
	go func() {
		defer s.sessionWG.Done()
		s.sessions.Serve(s.sessionCtx, conn, username, key)
	}()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := "ok"
	code := http.StatusOK
	if s.conf.Offline {
		status = "offline"
		code = http.StatusServiceUnavailable
	}

	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":         status,
		"sessions":       s.hub.ClientCount(),
		"tracked_ips":    s.limiter.TrackedIPs(),
		"uptime_seconds": time.Since(s.start).Seconds(),
	})
}

// clientIP prefers X-Forwarded-For so per-IP limits keep working behind
// a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
