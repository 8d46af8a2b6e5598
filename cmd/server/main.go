package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"CROWD_MONITOR/go-backend/internal/config"
	"CROWD_MONITOR/go-backend/internal/database"
	"CROWD_MONITOR/go-backend/internal/handlers"
	"CROWD_MONITOR/go-backend/internal/logger"
	"CROWD_MONITOR/go-backend/internal/opencv"
	"CROWD_MONITOR/go-backend/internal/pipeline"
	"CROWD_MONITOR/go-backend/internal/services"
)

const version = "1.0.0"

type closableDetector interface {
	handlers.Detector
	Close() error
}

func main() {
	cfg := config.LoadConfig()

	httpPort := flag.String("http-port", cfg.HTTPPort, "HTTP port")
	grpcPort := flag.String("grpc-port", cfg.GRPCPort, "gRPC port")
	detectorURL := flag.String("detector-url", cfg.DetectorURL, "Remote detector gRPC address")
	tuningFile := flag.String("tuning", cfg.TuningFile, "YAML file with analysis thresholds")
	flag.Parse()
	cfg.DetectorURL = *detectorURL

	root := logger.New(cfg.LogLevel, cfg.Environment, os.Stdout)
	log := logger.Component(root, "server")

	log.WithFields(logrus.Fields{
		"http_port":   *httpPort,
		"grpc_port":   *grpcPort,
		"detector":    cfg.DetectorBackend,
		"environment": cfg.Environment,
		"version":     version,
	}).Info("starting crowd monitor")

	tuning, err := config.LoadTuning(*tuningFile)
	if err != nil {
		log.WithError(err).Fatal("loading tuning file")
	}

	metrics := services.NewMetrics()

	detector, err := newDetector(cfg, logger.Component(root, "detector"))
	if err != nil {
		log.WithError(err).Fatal("detector unavailable")
	}
	defer detector.Close()
	if !detector.HealthCheck() {
		if cfg.DetectorRequired {
			log.WithField("kind", detector.Kind()).Fatal("detector is not serving")
		}
		log.WithField("kind", detector.Kind()).Warn("detector is not serving yet, continuing")
	}

	log.WithField("dsn", cfg.DSNForLog()).Info("opening database")
	db, err := database.Open(cfg.DBDriver, cfg.DSN(), logger.Component(root, "database"))
	if err != nil {
		log.WithError(err).Fatal("database initialization failed")
	}
	defer db.Close()

	hub := handlers.NewHub(metrics, tuning.PreviewWidth, tuning.JPEGQuality, logger.Component(root, "hub"))
	publishers := pipeline.Publishers{hub, database.NewFrameRecorder(db)}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	var mq *services.MQTTPublisher
	if cfg.MQTTEnabled() {
		mq = services.NewMQTTPublisher(cfg.MQTTBroker, cfg.MQTTClientID, cfg.MQTTTopicPrefix, logger.Component(root, "mqtt"))
		if err := mq.Connect(ctx); err != nil {
			log.WithError(err).Warn("mqtt unavailable, continuing without it")
		} else {
			publishers = append(publishers, mq)
		}
	}

	orch, err := pipeline.New(pipeline.Deps{
		Opener:    opencv.FileOpener{},
		Detector:  detector,
		Publisher: publishers,
		Metrics:   metrics,
		Log:       logger.Component(root, "pipeline"),
	}, tuning.PipelineOptions())
	if err != nil {
		log.WithError(err).Fatal("building pipeline")
	}

	server := handlers.NewServer(handlers.Deps{
		Orchestrator: orch,
		Detector:     detector,
		DB:           db,
		Hub:          hub,
		Metrics:      metrics,
		Log:          logger.Component(root, "http"),
		CORSOrigins:  cfg.CORSOrigins,
		MaxUpload:    cfg.MaxUploadBytes(),
		TempDir:      cfg.TempDir,
		PreviewWidth: tuning.PreviewWidth,
		JPEGQuality:  tuning.JPEGQuality,
		Version:      version,
	})

	maxMsg := cfg.MaxMessageSizeMB * 1024 * 1024
	grpcServer := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsg),
		grpc.MaxSendMsgSize(maxMsg),
	)
	services.RegisterDetectorServer(grpcServer, handlers.NewGRPCHandler(detector, metrics, logger.Component(root, "grpc")))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	go handlers.WatchDetector(ctx, healthServer, detector, 15*time.Second)

	httpServer := &http.Server{
		Addr:              ":" + trimPort(*httpPort),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go startGRPCServer(grpcServer, *grpcPort, log)
	go startHTTPServer(httpServer, log)

	<-done
	log.Info("shutting down")
	stop()
	healthServer.Shutdown()

	timeout := time.Duration(cfg.ShutdownTimeoutSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("error shutting down HTTP server")
	} else {
		log.Info("HTTP server gracefully stopped")
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		log.Info("gRPC server stopped")
	case <-shutdownCtx.Done():
		log.Warn("forced gRPC shutdown")
		grpcServer.Stop()
	}

	hub.CloseAll()
	if mq != nil {
		mq.Disconnect()
	}
	log.Info("goodbye")
}

func newDetector(cfg *config.Config, log *logrus.Entry) (closableDetector, error) {
	switch cfg.DetectorBackend {
	case "onnx", "local":
		return opencv.NewYOLODetector(cfg.ModelPath, cfg.ModelConfidence, log)
	case "grpc", "":
		return services.NewGRPCDetector(cfg.DetectorURL, cfg.MaxMessageSizeMB, log)
	default:
		return nil, errors.New("unknown DETECTOR_BACKEND " + cfg.DetectorBackend)
	}
}

func trimPort(port string) string {
	return strings.TrimPrefix(port, ":")
}

func startGRPCServer(s *grpc.Server, port string, log *logrus.Entry) {
	lis, err := net.Listen("tcp", ":"+trimPort(port))
	if err != nil {
		log.WithError(err).Fatal("failed to listen on gRPC port")
	}
	log.WithField("port", trimPort(port)).Info("gRPC server listening")
	if err := s.Serve(lis); err != nil {
		log.WithError(err).Fatal("failed to serve gRPC")
	}
}

func startHTTPServer(s *http.Server, log *logrus.Entry) {
	log.WithFields(logrus.Fields{
		"addr":      s.Addr,
		"websocket": "/ws",
		"stream":    "/api/stream",
	}).Info("HTTP server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("failed to serve HTTP")
	}
}
