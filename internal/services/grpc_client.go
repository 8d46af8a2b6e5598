package services

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"CROWD_MONITOR/go-backend/internal/analysis"
	"CROWD_MONITOR/go-backend/internal/imaging"
)

const frameTimeout = 5 * time.Second

// GRPCDetector sends frames to a remote detector service.
type GRPCDetector struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	url     string
	quality int
	log     *logrus.Entry
}

func DialOptions(maxMessageMB int) []grpc.DialOption {
	if maxMessageMB <= 0 {
		maxMessageMB = 50
	}
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageMB*1024*1024),
			grpc.MaxCallSendMsgSize(maxMessageMB*1024*1024),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
}

func NewGRPCDetector(url string, maxMessageMB int, log *logrus.Entry) (*GRPCDetector, error) {
	log.Infof("Connecting to detector gRPC at %s", url)

	conn, err := grpc.NewClient(url, DialOptions(maxMessageMB)...)
	if err != nil {
		return nil, fmt.Errorf("could not connect to detector gRPC server at %s: %w", url, err)
	}
	return NewGRPCDetectorWithConn(conn, url, log), nil
}

func NewGRPCDetectorWithConn(conn *grpc.ClientConn, url string, log *logrus.Entry) *GRPCDetector {
	return &GRPCDetector{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		url:     url,
		quality: 90,
		log:     log,
	}
}

// Detect JPEG-encodes the frame and asks the remote detector for boxes.
func (gd *GRPCDetector) Detect(ctx context.Context, frame image.Image) ([]analysis.Detection, error) {
	data, err := imaging.EncodeJPEG(frame, gd.quality)
	if err != nil {
		return nil, err
	}
	return gd.DetectEncoded(ctx, data)
}

// DetectEncoded sends an already encoded image.
func (gd *GRPCDetector) DetectEncoded(ctx context.Context, data []byte) ([]analysis.Detection, error) {
	ctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()

	out := new(structpb.Struct)
	if err := gd.conn.Invoke(ctx, DetectMethod, wrapperspb.Bytes(data), out); err != nil {
		return nil, fmt.Errorf("could not detect objects: %w", err)
	}
	dets, err := DetectionsFromStruct(out)
	if err != nil {
		return nil, fmt.Errorf("malformed detector reply: %w", err)
	}
	return dets, nil
}

func (gd *GRPCDetector) HealthCheck() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := gd.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		gd.log.WithError(err).Debug("detector health check failed")
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

func (gd *GRPCDetector) Kind() string {
	return "grpc:" + gd.url
}

func (gd *GRPCDetector) Close() error {
	if gd.conn != nil {
		return gd.conn.Close()
	}
	return nil
}
