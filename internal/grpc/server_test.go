package grpc

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type switchPinger struct {
	fail atomic.Bool
}

func (p *switchPinger) Ping(context.Context) error {
	if p.fail.Load() {
		return errors.New("store down")
	}
	return nil
}

func startHealth(t *testing.T, pinger Pinger, interval time.Duration) healthpb.HealthClient {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	hs := NewHealthServer(pinger, interval, zap.NewNop())
	hs.Register(server)

	go func() { _ = server.Serve(listener) }()
	t.Cleanup(func() {
		hs.Stop()
		hs.Wait()
		server.Stop()
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return healthpb.NewHealthClient(conn)
}

func TestHealthServer_Serving(t *testing.T) {
	client := startHealth(t, &switchPinger{}, time.Hour)

	for _, service := range []string{"", ServiceName} {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
	}
}

func TestHealthServer_FollowsStore(t *testing.T) {
	pinger := &switchPinger{}
	client := startHealth(t, pinger, 10*time.Millisecond)

	pinger.fail.Store(true)

	assert.Eventually(t, func() bool {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
