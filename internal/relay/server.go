package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"daycare/internal/config"
)

// timeoutSlack lets the upstream client time out (502) before the request
// timeout middleware does (503)
const timeoutSlack = 5 * time.Second

// Server serves the relay endpoint and a health check
type Server struct {
	cfg        *config.Config
	handler    *Handler
	mux        http.Handler
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, logger zerolog.Logger) *Server {
	handler := NewHandler(HandlerConfig{
		AllowedHosts:    cfg.Relay.AllowedHosts,
		MaxBodySize:     cfg.Relay.MaxBodySize,
		UpstreamTimeout: cfg.Relay.GetUpstreamTimeoutDuration(),
		Breaker: BreakerConfig{
			Enabled:          cfg.Relay.IsBreakerEnabled(),
			FailureThreshold: cfg.Relay.BreakerFailureThreshold,
			RecoveryTimeout:  cfg.Relay.GetBreakerRecoveryTimeoutDuration(),
			HalfOpenProbes:   cfg.Relay.BreakerHalfOpenProbes,
		},
	}, logger)

	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With().Str("component", "relay-server").Logger(),
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Relay.Path, handler)
	mux.HandleFunc("GET /healthz", s.health)

	s.mux = Chain(mux,
		Recovery(s.logger),
		RequestID(),
		AccessLog(s.logger),
		Timeout(cfg.Relay.GetUpstreamTimeoutDuration()+timeoutSlack),
	)

	return s
}

// Handler returns the full middleware-wrapped handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"breakers": s.handler.BreakerStates(),
	})
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Relay.Host, s.cfg.Relay.Port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:     s.mux,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", listener.Addr().String()).
			Str("path", s.cfg.Relay.Path).
			Strs("allowed_hosts", s.cfg.Relay.AllowedHosts).
			Msg("starting relay server")
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("relay server error")
		}
	}()

	return nil
}

// Addr returns the bound address, empty before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info().Msg("shutting down relay server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("relay server shutdown error: %w", err)
	}
	s.logger.Info().Msg("relay server stopped")
	return nil
}
