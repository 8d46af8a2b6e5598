package services

import (
	"bytes"
	"context"
	"image"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"CROWD_MONITOR/go-backend/internal/analysis"
	"CROWD_MONITOR/go-backend/internal/imaging"
	"CROWD_MONITOR/go-backend/internal/pipeline"
)

var _ pipeline.Detector = (*GRPCDetector)(nil)

type stubDetectorServer struct {
	reply    *structpb.Struct
	err      error
	received []byte
}

func (s *stubDetectorServer) Detect(_ context.Context, in *wrapperspb.BytesValue) (*structpb.Struct, error) {
	s.received = in.GetValue()
	if s.err != nil {
		return nil, s.err
	}
	return s.reply, nil
}

func startDetector(t *testing.T, srv DetectorServer, serving healthpb.HealthCheckResponse_ServingStatus) *GRPCDetector {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterDetectorServer(s, srv)
	hs := health.NewServer()
	hs.SetServingStatus("", serving)
	healthpb.RegisterHealthServer(s, hs)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	d := NewGRPCDetectorWithConn(conn, "bufnet", newTestLog())
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestGRPCDetectorDetect(t *testing.T) {
	want := []analysis.Detection{
		{Label: "person", Confidence: 0.91, X1: 10, Y1: 20, X2: 30, Y2: 60},
		{Label: "car", Confidence: 0.5, X1: 1, Y1: 2, X2: 3, Y2: 4},
	}
	reply, err := DetectionsToStruct(want)
	require.NoError(t, err)
	srv := &stubDetectorServer{reply: reply}
	d := startDetector(t, srv, healthpb.HealthCheckResponse_SERVING)

	got, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 32, 24)))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	img, format, err := imaging.Decode(bytes.NewReader(srv.received))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 32, img.Bounds().Dx())

	assert.True(t, d.HealthCheck())
	assert.Equal(t, "grpc:bufnet", d.Kind())
}

func TestGRPCDetectorServerError(t *testing.T) {
	srv := &stubDetectorServer{err: status.Error(codes.Internal, "model not loaded")}
	d := startDetector(t, srv, healthpb.HealthCheckResponse_NOT_SERVING)

	_, err := d.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.Error(t, err)
	assert.Equal(t, codes.Internal, status.Code(err))
	assert.False(t, d.HealthCheck())
}

func TestDetectionsFromStruct(t *testing.T) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"detections": []interface{}{
			map[string]interface{}{"label": "person", "confidence": 0.7, "box": []interface{}{50.0, 40.0, 10.0, 20.0}},
		},
	})
	require.NoError(t, err)

	dets, err := DetectionsFromStruct(s)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, analysis.Detection{Label: "person", Confidence: 0.7, X1: 10, Y1: 20, X2: 50, Y2: 40}, dets[0])

	empty, err := DetectionsFromStruct(&structpb.Struct{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	bad, err := structpb.NewStruct(map[string]interface{}{
		"detections": []interface{}{map[string]interface{}{"label": "person", "box": []interface{}{1.0}}},
	})
	require.NoError(t, err)
	_, err = DetectionsFromStruct(bad)
	assert.Error(t, err)

	notObj, err := structpb.NewStruct(map[string]interface{}{"detections": []interface{}{"x"}})
	require.NoError(t, err)
	_, err = DetectionsFromStruct(notObj)
	assert.Error(t, err)
}
