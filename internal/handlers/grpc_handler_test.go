package handlers

import (
	"context"
	"errors"
	"image"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"CROWD_MONITOR/go-backend/internal/analysis"
	"CROWD_MONITOR/go-backend/internal/services"
)

func startGRPC(t *testing.T, det Detector) (*grpc.ClientConn, *health.Server, *services.Metrics) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	metrics := services.NewMetrics()

	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	services.RegisterDetectorServer(s, NewGRPCHandler(det, metrics, logrus.NewEntry(logger)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, hs, metrics
}

func TestGRPCHandlerRoundTrip(t *testing.T) {
	det := &fakeDetector{healthy: true, script: [][]analysis.Detection{{personAt(20, 20)}}}
	conn, _, metrics := startGRPC(t, det)

	logger, _ := test.NewNullLogger()
	client := services.NewGRPCDetectorWithConn(conn, "bufnet", logrus.NewEntry(logger))

	got, err := client.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 48)))
	require.NoError(t, err)
	assert.Equal(t, []analysis.Detection{personAt(20, 20)}, got)
	assert.Equal(t, int64(1), metrics.GetTotalFrames())
}

func TestGRPCHandlerRejectsBadInput(t *testing.T) {
	conn, _, _ := startGRPC(t, &fakeDetector{healthy: true})
	ctx := context.Background()

	out := new(wrapperspb.BytesValue)
	err := conn.Invoke(ctx, services.DetectMethod, wrapperspb.Bytes(nil), out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	err = conn.Invoke(ctx, services.DetectMethod, wrapperspb.Bytes([]byte("not an image")), out)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPCHandlerDetectorError(t *testing.T) {
	conn, _, metrics := startGRPC(t, &fakeDetector{err: errors.New("model crashed")})

	logger, _ := test.NewNullLogger()
	client := services.NewGRPCDetectorWithConn(conn, "bufnet", logrus.NewEntry(logger))
	_, err := client.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.Error(t, err)
	assert.Equal(t, int64(1), metrics.GetTotalErrors())
}

func TestWatchDetectorTracksHealth(t *testing.T) {
	det := &fakeDetector{healthy: false}
	conn, hs, _ := startGRPC(t, det)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go WatchDetector(ctx, hs, det, 20*time.Millisecond)

	client := healthpb.NewHealthClient(conn)
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: services.DetectorServiceName})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	require.Eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_NOT_SERVING }, 2*time.Second, 10*time.Millisecond)

	det.setHealthy(true)
	require.Eventually(t, func() bool { return check() == healthpb.HealthCheckResponse_SERVING }, 2*time.Second, 10*time.Millisecond)
}
