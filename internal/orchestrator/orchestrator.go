package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/invisithreat/invisithreat/internal/cache"
	"github.com/invisithreat/invisithreat/internal/config"
	"github.com/invisithreat/invisithreat/internal/enrich"
	"github.com/invisithreat/invisithreat/internal/eventbus"
	grpcserver "github.com/invisithreat/invisithreat/internal/grpc"
	"github.com/invisithreat/invisithreat/internal/health"
	httpserver "github.com/invisithreat/invisithreat/internal/http"
	"github.com/invisithreat/invisithreat/internal/recommend"
	"github.com/invisithreat/invisithreat/internal/scanner"
	"github.com/invisithreat/invisithreat/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Orchestrator manages the InvisiThreat service lifecycle.
//
// Lifecycle:
//  1. Start() - Opens the store, optional Redis and NATS, the recommender, and servers
//  2. Run() - Serves HTTP and gRPC until the context is cancelled
//  3. Stop() - Stops servers, drains background enrichment, closes connections
//
// Graceful degradation:
//   - Store failure: startup fails (scans cannot be persisted)
//   - Redis failure: recommendations are not cached
//   - NATS failure: scan and enrichment events are not published
//   - gRPC listen failure: health probes over gRPC are unavailable
type Orchestrator struct {
	config *config.Config
	logger *zap.Logger

	// Core components
	store       store.Store
	recommender *recommend.Service
	enricher    *enrich.Enricher

	// Optional collaborators
	cache     *cache.Client
	publisher *eventbus.Publisher

	// Servers
	httpServer   *httpserver.Server
	grpcServer   *grpc.Server
	grpcHealth   *grpcserver.HealthServer
	grpcListener net.Listener

	drainTimeout time.Duration
}

func NewOrchestrator(cfg *config.Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		config:       cfg,
		logger:       logger,
		drainTimeout: cfg.BackgroundTimeout + 5*time.Second,
	}
}

// Start connects every component. Only the store is required.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.logger.Info("starting orchestrator")

	if err := o.openStore(ctx); err != nil {
		return fmt.Errorf("failed to open store (required): %w", err)
	}

	o.connectCache(ctx)
	o.connectNATS()
	o.initializeRecommender(ctx)

	o.enricher = enrich.New(o.recommender, o.store, o.publisher, enrich.OptionsFromConfig(o.config), o.logger)

	o.initializeHTTPServer()

	if err := o.initializeGRPCServer(); err != nil {
		o.logger.Warn("gRPC health server unavailable", zap.Error(err))
	}

	o.logger.Info("orchestrator started",
		zap.String("provider", o.recommender.Name()),
		zap.Bool("ai_available", o.recommender.Available()))
	return nil
}

func (o *Orchestrator) openStore(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	st, err := store.Open(connectCtx, o.config.DatabaseURL, o.logger)
	if err != nil {
		return err
	}

	if err := st.Migrate(connectCtx); err != nil {
		_ = st.Close()
		return fmt.Errorf("failed to migrate store: %w", err)
	}

	o.store = st
	return nil
}

func (o *Orchestrator) connectCache(ctx context.Context) {
	if o.config.RedisAddr == "" {
		o.logger.Info("REDIS_ADDR not set, recommendation cache disabled")
		return
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := cache.NewClient(connectCtx, o.config.RedisAddr, o.config.RedisPassword, o.config.RedisDB, o.logger)
	if err != nil {
		o.logger.Warn("failed to connect to Redis, recommendations will not be cached", zap.Error(err))
		return
	}

	o.cache = client
}

func (o *Orchestrator) connectNATS() {
	if o.config.NatsURL == "" {
		o.logger.Info("NATS_URL not set, events will not be published")
		return
	}

	publisher, err := eventbus.NewPublisher(o.config.NatsURL, o.logger)
	if err != nil {
		o.logger.Warn("failed to connect to NATS, events will not be published", zap.Error(err))
		return
	}

	o.publisher = publisher
}

func (o *Orchestrator) initializeRecommender(ctx context.Context) {
	provider, err := recommend.NewProvider(ctx, o.config, o.logger)
	if err != nil {
		o.logger.Warn("failed to initialise recommendation provider", zap.Error(err))
		provider = nil
	}

	if provider != nil && o.cache != nil {
		provider = recommend.NewCached(provider, o.cache, o.config.RecommendationCacheTTL, o.logger)
	}

	o.recommender = recommend.NewService(o.config, provider, o.logger)
}

func (o *Orchestrator) initializeHTTPServer() {
	// A nil *eventbus.Publisher is a valid no-op publisher.
	o.httpServer = httpserver.NewServer(httpserver.Dependencies{
		Matcher:   scanner.NewMatcher(),
		Store:     o.store,
		Enricher:  o.enricher,
		Publisher: o.publisher,
		Health:    health.NewHandler(o.store),
		Project:   scanner.ProjectOptions{Extensions: o.config.ScanExtensions},
		Logger:    o.logger,
	})
}

func (o *Orchestrator) initializeGRPCServer() error {
	if o.config.GRPCPort == "" {
		o.logger.Info("GRPC_PORT empty, gRPC health server disabled")
		return nil
	}

	listener, err := net.Listen("tcp", ":"+o.config.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", o.config.GRPCPort, err)
	}
	o.grpcListener = listener

	o.grpcServer = grpc.NewServer()
	o.grpcHealth = grpcserver.NewHealthServer(o.store, 10*time.Second, o.logger)
	o.grpcHealth.Register(o.grpcServer)

	return nil
}

// Run serves until ctx is cancelled or a server fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	httpErrChan := make(chan error, 1)
	go func() {
		addr := ":" + o.config.HTTPPort
		if err := o.httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	grpcErrChan := make(chan error, 1)
	if o.grpcServer != nil {
		go func() {
			o.logger.Info("gRPC server listening", zap.String("port", o.config.GRPCPort))
			if err := o.grpcServer.Serve(o.grpcListener); err != nil {
				grpcErrChan <- fmt.Errorf("gRPC server error: %w", err)
			}
		}()
	}

	o.logger.Info("InvisiThreat ready", zap.String("http_port", o.config.HTTPPort))

	select {
	case <-ctx.Done():
		o.logger.Info("shutdown signal received")
		return ctx.Err()
	case err := <-httpErrChan:
		return err
	case err := <-grpcErrChan:
		return err
	}
}

// Stop shuts servers down, waits for scheduled enrichment up to the drain
// timeout, then closes connections.
func (o *Orchestrator) Stop() error {
	o.logger.Info("stopping orchestrator")

	if o.httpServer != nil {
		if err := o.httpServer.Stop(); err != nil {
			o.logger.Warn("error stopping HTTP server", zap.Error(err))
		}
	}

	if o.grpcServer != nil {
		o.grpcHealth.Stop()
		o.grpcServer.GracefulStop()
		o.grpcHealth.Wait()
		_ = o.grpcListener.Close() // already closed if Serve ran
	}

	if o.enricher != nil {
		o.drainEnrichment()
	}

	if o.publisher != nil {
		o.publisher.Close()
	}

	if o.cache != nil {
		if err := o.cache.Close(); err != nil {
			o.logger.Warn("error closing Redis client", zap.Error(err))
		}
	}

	var err error
	if o.store != nil {
		err = o.store.Close()
	}

	o.logger.Info("orchestrator stopped")
	return err
}

func (o *Orchestrator) drainEnrichment() {
	done := make(chan struct{})
	go func() {
		o.enricher.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(o.drainTimeout):
		o.logger.Warn("background enrichment still running at shutdown", zap.Duration("waited", o.drainTimeout))
	}
}

// Recommender exposes the configured recommendation service.
func (o *Orchestrator) Recommender() *recommend.Service {
	return o.recommender
}
