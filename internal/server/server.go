package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gqlcache/internal/cache"
	"gqlcache/internal/client"
	"gqlcache/internal/config"
	"gqlcache/internal/keys"
	"gqlcache/internal/policy"
	"gqlcache/internal/proxy"
	"gqlcache/internal/storage"
)

// Server represents the main server
type Server struct {
	cfg        *config.Config
	store      storage.Store
	engine     *cache.Engine
	client     *client.Client
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Server. A store that fails to open is logged and the
// server runs without caching.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	if err := cfg.RequireEndpoint(); err != nil {
		return nil, err
	}

	store, err := OpenStore(cfg)
	if err != nil {
		logger.Warn().Err(err).Str("type", cfg.Cache.Store.Type).Msg("failed to open cache store, caching disabled")
		store = nil
	}

	engine, err := NewEngine(cfg, store, logger)
	if err != nil {
		closeStore(store, logger)
		return nil, err
	}

	if engine.Active() {
		logger.Info().
			Str("store", cfg.Cache.Store.Type).
			Dur("ttl", engine.TTL()).
			Str("keyAlgorithm", cfg.Cache.KeyAlgorithm).
			Msg("cache enabled")
	} else {
		logger.Info().Msg("cache disabled")
	}

	c := NewClient(cfg, logger)
	c.Use(engine.Plugin())

	return &Server{
		cfg:    cfg,
		store:  store,
		engine: engine,
		client: c,
		logger: logger,
	}, nil
}

// OpenStore opens the store selected by the cache config. Type none yields a nil store.
func OpenStore(cfg *config.Config) (storage.Store, error) {
	return storage.Open(storage.Type(cfg.Cache.Store.Type), cfg.Cache.Store.Path)
}

// NewEngine builds a cache engine over store from the cache config
func NewEngine(cfg *config.Config, store storage.Store, logger zerolog.Logger) (*cache.Engine, error) {
	deriver, err := keys.NewDeriver(keys.Algorithm(cfg.Cache.KeyAlgorithm), cfg.Cache.KeyMemoSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create key deriver: %w", err)
	}

	pol, err := policy.LoadFile(cfg.Cache.DisabledOperations, cfg.Cache.PolicyScript, cfg.Cache.GetPolicyTimeoutDuration(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load cache policy: %w", err)
	}
	if len(cfg.Cache.DisabledOperations) > 0 {
		logger.Info().
			Strs("disabledOperations", cfg.Cache.DisabledOperations).
			Msg("cache disabled for specific operations")
	}

	return cache.New(store, cache.Options{
		TTL:           cfg.Cache.GetTTLDuration(),
		Deriver:       deriver,
		Policy:        pol,
		SweepInterval: cfg.Cache.GetSweepIntervalDuration(),
		Logger:        logger,
	}), nil
}

// NewClient creates a client for the configured endpoint and transport, without plugins
func NewClient(cfg *config.Config, logger zerolog.Logger) *client.Client {
	var transport client.Transport
	switch cfg.Transport {
	case config.TransportWS:
		transport = client.NewWSTransport(client.WSConfig{
			URL:     cfg.Endpoint,
			Headers: cfg.Headers,
			Logger:  logger,
		})
	default:
		transport = client.NewHTTPTransport(client.HTTPConfig{
			Endpoint:       cfg.Endpoint,
			Headers:        cfg.Headers,
			RequestTimeout: cfg.GetRequestTimeoutDuration(),
			Logger:         logger,
		})
	}

	return client.New(client.Config{
		Transport:        transport,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
		CircuitBreaker: client.CircuitBreakerConfig{
			Enabled:             cfg.CircuitBreaker.Enabled,
			FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
			RecoveryTimeout:     cfg.CircuitBreaker.GetRecoveryTimeoutDuration(),
			HalfOpenMaxRequests: cfg.CircuitBreaker.HalfOpenMaxRequests,
		},
		Logger: logger,
	})
}

// Start starts the server
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr(), err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.Handle("/stats", proxy.StatsHandler(s.engine))
	mux.Handle("/", proxy.NewHandler(s.client, s.cfg.MaxBodySize, s.logger))

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", listener.Addr().String()).
			Str("endpoint", s.cfg.Endpoint).
			Msg("starting GraphQL cache server")
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	if interval := s.cfg.GetStatsLogIntervalDuration(); interval > 0 && s.engine.Active() {
		s.wg.Add(1)
		go s.statsLoop(ctx, interval)
	}

	return nil
}

// Addr returns the address the server listens on, empty before Start
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Engine returns the cache engine
func (s *Server) Engine() *cache.Engine {
	return s.engine
}

func (s *Server) statsLoop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.engine.Stats()
			s.logger.Info().
				Int64("hits", stats.Hits).
				Int64("misses", stats.Misses).
				Int64("coalesced", stats.Coalesced).
				Int64("persisted", stats.Persisted).
				Int64("swept", stats.Swept).
				Int("pending", stats.Pending).
				Str("circuit", s.client.CircuitState()).
				Msg("cache stats")
		}
	}
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.engine.Close()

	if err := s.client.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close transport")
	}

	closeStore(s.store, s.logger)

	if httpErr != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", httpErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}

func closeStore(store storage.Store, logger zerolog.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close cache store")
	}
}
