package handlers

import (
	"bytes"
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"CROWD_MONITOR/go-backend/internal/imaging"
	"CROWD_MONITOR/go-backend/internal/services"
)

// GRPCHandler serves the detector service on the backend's own gRPC port by
// delegating to the configured detector.
type GRPCHandler struct {
	detector Detector
	metrics  *services.Metrics
	log      *logrus.Entry
}

func NewGRPCHandler(detector Detector, metrics *services.Metrics, log *logrus.Entry) *GRPCHandler {
	if metrics == nil {
		metrics = services.NewMetrics()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &GRPCHandler{detector: detector, metrics: metrics, log: log}
}

func (h *GRPCHandler) Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	start := time.Now()

	if len(req.GetValue()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "frame data is required")
	}
	if h.detector == nil {
		return nil, status.Error(codes.Unavailable, "detector is not configured")
	}

	img, _, err := imaging.Decode(bytes.NewReader(req.GetValue()))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "frame is not a decodable image")
	}

	dets, err := h.detector.Detect(ctx, img)
	if err != nil {
		h.metrics.IncrementErrors()
		h.log.WithError(err).Warn("detect rpc failed")
		return nil, status.Error(codes.Internal, "detection failed")
	}

	out, err := services.DetectionsToStruct(dets)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode detections: %v", err)
	}

	duration := time.Since(start)
	h.metrics.RecordLatency(duration)
	h.metrics.IncrementFrames()
	h.log.WithFields(logrus.Fields{"bytes": len(req.GetValue()), "detections": len(dets), "elapsed": duration.String()}).Debug("detect rpc")
	return out, nil
}

// WatchDetector keeps the health server in step with the detector until ctx
// is done.
func WatchDetector(ctx context.Context, hs *health.Server, detector Detector, every time.Duration) {
	update := func() {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if detector != nil && detector.HealthCheck() {
			st = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(services.DetectorServiceName, st)
	}

	update()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
