package integration

import (
	"context"
	"encoding/json"
	"image"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"CROWD_MONITOR/go-backend/internal/models"
	"CROWD_MONITOR/go-backend/internal/services"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

var (
	grpcAddr = envOr("CROWD_GRPC_ADDR", "localhost:50051")
	httpBase = envOr("CROWD_HTTP_URL", "http://localhost:8081")
)

func requireListening(t *testing.T, addr string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Skipf("server not reachable at %s: %v", addr, err)
	}
	conn.Close()
}

func dialServer(t *testing.T) *grpc.ClientConn {
	t.Helper()
	requireListening(t, grpcAddr)
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCHealth(t *testing.T) {
	conn := dialServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: services.DetectorServiceName})
	require.NoError(t, err)
	assert.Contains(t, []healthpb.HealthCheckResponse_ServingStatus{
		healthpb.HealthCheckResponse_SERVING,
		healthpb.HealthCheckResponse_NOT_SERVING,
	}, resp.GetStatus())
	t.Logf("detector status: %s", resp.GetStatus())
}

func TestGRPCDetectBlankFrame(t *testing.T) {
	conn := dialServer(t)

	hc := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: services.DetectorServiceName})
	require.NoError(t, err)
	if st.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Skip("detector is not serving")
	}

	log := logrus.New()
	log.SetOutput(os.Stderr)
	det := services.NewGRPCDetectorWithConn(conn, grpcAddr, logrus.NewEntry(log))

	dets, err := det.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 320, 240)))
	require.NoError(t, err)
	for _, d := range dets {
		assert.True(t, d.Confidence >= 0 && d.Confidence <= 1, "confidence out of range: %v", d.Confidence)
	}
	t.Logf("detections on blank frame: %d", len(dets))
}

func TestHTTPHealth(t *testing.T) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(httpBase + "/api/health")
	if err != nil {
		t.Skipf("server not reachable at %s: %v", httpBase, err)
	}
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h models.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Contains(t, []string{"healthy", "degraded"}, h.Status)
	assert.NotEmpty(t, h.DetectorKind)
}
