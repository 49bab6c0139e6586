package grpc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const ServiceName = "invisithreat.Scanner"

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer serves grpc.health.v1.Health. Status follows the store: a
// failed ping flips both the overall and the scanner service to NOT_SERVING.
type HealthServer struct {
	health   *health.Server
	store    Pinger
	interval time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewHealthServer(store Pinger, interval time.Duration, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthServer{
		health:   health.NewServer(),
		store:    store,
		interval: interval,
		logger:   logger.Named("grpc"),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register attaches the health and reflection services to s and starts the
// store watch loop.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.health)
	reflection.Register(s)

	h.refresh(context.Background())
	go h.watch()
}

func (h *HealthServer) watch() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.refresh(context.Background())
		}
	}
}

func (h *HealthServer) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := h.store.Ping(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		h.logger.Warn("store ping failed", zap.Error(err))
	}

	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Stop ends the watch loop and reports NOT_SERVING to any watchers.
func (h *HealthServer) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
		h.health.Shutdown()
	})
}

// Wait blocks until the watch loop has exited. Only valid after Register.
func (h *HealthServer) Wait() {
	<-h.done
}
