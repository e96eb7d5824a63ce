package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"bulkgofer/internal/cache"
	"bulkgofer/internal/config"
	"bulkgofer/internal/upstream"
)

// Server represents the main server
type Server struct {
	cfg        *config.Config
	client     *upstream.Client
	cache      cache.Cache
	methods    map[string]*methodCoalescer
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	client := upstream.NewFromConfig(cfg.Upstream, cfg, logger)

	var rpcCache cache.Cache
	if cfg.IsCacheEnabled() {
		var err error
		rpcCache, err = cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.GetTTLDuration())
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		logger.Info().
			Int("size", cfg.Cache.Size).
			Int("ttl", cfg.Cache.TTL).
			Msg("cache enabled")
	} else {
		rpcCache = cache.NewNoopCache()
		logger.Info().Msg("cache disabled")
	}

	methods := make(map[string]*methodCoalescer, len(cfg.Methods))
	for method, mc := range cfg.Methods {
		coalescer, err := newMethodCoalescer(method, mc, client, rpcCache, cfg.GetRequestTimeoutDuration(), logger)
		if err != nil {
			return nil, err
		}
		methods[method] = coalescer
		logger.Info().
			Str("method", method).
			Bool("debounce", mc.IsDebounce()).
			Int("maxSize", mc.MaxSize).
			Msg("coalescing enabled")
	}

	return &Server{
		cfg:     cfg,
		client:  client,
		cache:   rpcCache,
		methods: methods,
		logger:  logger,
	}, nil
}

// Start starts the server
func (s *Server) Start() error {
	if s.cfg.Upstream.WSURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.client.Start(ctx); err != nil {
			return fmt.Errorf("failed to connect upstream WebSocket: %w", err)
		}
	}

	handler := NewHandler(s.methods, s.client, s.logger)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", addr).Msg("starting RPC server")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	// Closing an engine fires its pending window, so callers that made it
	// past the HTTP shutdown still get answers.
	for _, mc := range s.methods {
		mc.close()
	}

	s.client.Close()
	s.cache.Close()

	if httpErr != nil {
		return fmt.Errorf("RPC server shutdown error: %w", httpErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}
