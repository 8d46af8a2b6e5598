package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"CROWD_MONITOR/go-backend/internal/database"
	"CROWD_MONITOR/go-backend/internal/imaging"
	"CROWD_MONITOR/go-backend/internal/models"
	"CROWD_MONITOR/go-backend/internal/pipeline"
	"CROWD_MONITOR/go-backend/internal/report"
	"CROWD_MONITOR/go-backend/internal/services"
)

const (
	msgInvalidVideo = "Invalid video file. Unable to open."
	msgEmptyVideo   = "Empty video file. No frames to process."
	msgInvalidImage = "Invalid image file."
)

// Detector is a pipeline detector that can report on its own health.
type Detector interface {
	pipeline.Detector
	HealthCheck() bool
	Kind() string
}

// Deps wires the HTTP surface. DB may be nil, which disables session history.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Detector     Detector
	DB           *database.DB
	Hub          *Hub
	Metrics      *services.Metrics
	Log          *logrus.Entry
	CORSOrigins  string
	MaxUpload    int64
	TempDir      string
	PreviewWidth int
	JPEGQuality  int
	Version      string
}

type Server struct {
	orch      *pipeline.Orchestrator
	detector  Detector
	db        *database.DB
	hub       *Hub
	metrics   *services.Metrics
	log       *logrus.Entry
	cors      string
	maxUpload int64
	tempDir   string
	preview   int
	quality   int
	version   string
}

func NewServer(d Deps) *Server {
	s := &Server{
		orch:      d.Orchestrator,
		detector:  d.Detector,
		db:        d.DB,
		hub:       d.Hub,
		metrics:   d.Metrics,
		log:       d.Log,
		cors:      d.CORSOrigins,
		maxUpload: d.MaxUpload,
		tempDir:   d.TempDir,
		preview:   d.PreviewWidth,
		quality:   d.JPEGQuality,
		version:   d.Version,
	}
	if s.metrics == nil {
		s.metrics = services.NewMetrics()
	}
	if s.log == nil {
		s.log = logrus.NewEntry(logrus.StandardLogger())
	}
	if s.hub == nil {
		s.hub = NewHub(s.metrics, s.preview, s.quality, s.log)
	}
	if s.cors == "" {
		s.cors = "*"
	}
	if s.maxUpload <= 0 {
		s.maxUpload = 512 << 20
	}
	if s.tempDir == "" {
		s.tempDir = os.TempDir()
	}
	if s.quality <= 0 {
		s.quality = imaging.DefaultQuality
	}
	return s
}

// Routes returns the full HTTP surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.HandleRoot)
	mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	mux.HandleFunc("GET /api/stream", s.hub.HandleSSE)

	mux.HandleFunc("POST /api/detect", s.HandleDetect)
	mux.HandleFunc("POST /detect/{$}", s.HandleDetect)
	mux.HandleFunc("POST /api/detect_frame", s.HandleDetectFrame)

	mux.HandleFunc("GET /api/sessions", s.HandleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.HandleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.HandleDeleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/frames", s.HandleListFrames)
	mux.HandleFunc("GET /api/sessions/{id}/chart", s.HandleSessionChart)
	mux.HandleFunc("GET /api/sessions/{id}/plot.png", s.HandleSessionPlot)

	mux.HandleFunc("GET /api/health", s.HandleHealth)
	mux.HandleFunc("GET /api/metrics", s.HandleMetrics)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.withCORS(s.withLogging(mux))
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cors)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.WithFields(logrus.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"elapsed": time.Since(start).String(),
		}).Debug("http request")
	})
}

func (s *Server) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Crowd monitor is running!"})
}

// HandleDetect analyses an uploaded video as one session and returns its
// report. Query parameters capacity and cell_threshold override the defaults.
func (s *Server) HandleDetect(w http.ResponseWriter, r *http.Request) {
	orch, err := s.orchestratorFor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_parameter")
		return
	}
	opts := orch.Options()

	// Uploads and processing can outlast the server-wide timeouts.
	rc := http.NewResponseController(w)
	deadline := time.Now().Add(opts.Timeout + 5*time.Minute)
	_ = rc.SetReadDeadline(deadline)
	_ = rc.SetWriteDeadline(deadline)

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, header, err := r.FormFile("video")
	if err != nil {
		s.uploadError(w, err, "No video file provided.", "missing_video")
		return
	}
	defer file.Close()

	path, err := s.saveTemp(file, header)
	if err != nil {
		s.metrics.IncrementErrors()
		s.log.WithError(err).Error("saving upload")
		writeError(w, http.StatusInternalServerError, "Could not store upload.", "storage_failure")
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.WithError(err).WithField("path", path).Warn("removing temp upload")
		}
	}()

	sess := &models.Session{
		ID:            uuid.NewString(),
		Filename:      header.Filename,
		State:         pipeline.StateProcessing.String(),
		GridRows:      opts.Grid.Rows,
		GridCols:      opts.Grid.Cols,
		Capacity:      opts.Capacity,
		CellThreshold: opts.CellThreshold,
		CreatedAt:     time.Now().UTC(),
	}
	log := s.log.WithFields(logrus.Fields{"session_id": sess.ID, "filename": header.Filename, "bytes": header.Size})
	log.Info("video received")

	if s.db != nil {
		if err := s.db.CreateSession(r.Context(), sess); err != nil {
			log.WithError(err).Error("creating session record")
			writeError(w, http.StatusInternalServerError, "Could not create session.", "storage_failure")
			return
		}
	}

	out, runErr := orch.Run(r.Context(), sess.ID, path)
	finished := time.Now().UTC()
	sess.FinishedAt = &finished

	if runErr != nil {
		sess.State = pipeline.StateFailed.String()
		sess.Error = runErr.Error()
		s.saveSession(sess, log)
		status, msg, code := classifyRunError(runErr)
		writeError(w, status, msg, code)
		return
	}

	rep := models.NewOutcomeReport(out)
	sess.State = out.State.String()
	sess.TotalFrames = out.TotalFrames
	sess.FramesRead = out.FramesRead
	sess.FramesSampled = out.FramesSampled
	sess.Width, sess.Height, sess.FPS = out.Width, out.Height, out.FPS
	sess.Report = rep
	s.saveSession(sess, log)

	writeJSON(w, http.StatusOK, rep)
}

func classifyRunError(err error) (int, string, string) {
	switch {
	case errors.Is(err, pipeline.ErrEmptySource):
		return http.StatusBadRequest, msgEmptyVideo, "empty_video"
	case errors.Is(err, pipeline.ErrSourceUnreadable):
		return http.StatusBadRequest, msgInvalidVideo, "invalid_video"
	case errors.Is(err, pipeline.ErrDetectorFailure):
		return http.StatusBadGateway, "Detector unavailable.", "detector_failure"
	case errors.Is(err, pipeline.ErrCancelled):
		return http.StatusServiceUnavailable, "Processing cancelled.", "cancelled"
	default:
		return http.StatusInternalServerError, "Video processing failed.", "processing_failed"
	}
}

func (s *Server) saveSession(sess *models.Session, log *logrus.Entry) {
	if s.db == nil {
		return
	}
	// The request context may already be gone when the client disconnected.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.UpdateSession(ctx, sess); err != nil {
		log.WithError(err).Error("saving session result")
	}
}

func (s *Server) saveTemp(src multipart.File, header *multipart.FileHeader) (string, error) {
	tmp, err := os.CreateTemp(s.tempDir, "upload-*"+filepath.Ext(header.Filename))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (s *Server) uploadError(w http.ResponseWriter, err error, missing, code string) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("Upload exceeds %d MB.", tooBig.Limit>>20), "too_large")
		return
	}
	writeError(w, http.StatusBadRequest, missing, code)
}

// orchestratorFor applies the per-request threshold overrides.
func (s *Server) orchestratorFor(r *http.Request) (*pipeline.Orchestrator, error) {
	opts := s.orch.Options()
	changed := false
	q := r.URL.Query()

	if v := q.Get("capacity"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("capacity must be a non-negative integer")
		}
		opts.Capacity = n
		changed = true
	}
	if v := q.Get("cell_threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("cell_threshold must be a non-negative integer")
		}
		opts.CellThreshold = n
		changed = true
	}
	if !changed {
		return s.orch, nil
	}
	return s.orch.WithOptions(opts)
}

// HandleDetectFrame runs one detection pass over a still image, for live
// camera feeds.
func (s *Server) HandleDetectFrame(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	orch, err := s.orchestratorFor(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid_parameter")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, _, err := r.FormFile("image")
	if err != nil {
		s.uploadError(w, err, "No image file provided.", "missing_image")
		return
	}
	defer file.Close()

	img, _, err := imaging.Decode(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidImage, "invalid_image")
		return
	}

	dets, err := s.detector.Detect(r.Context(), img)
	if err != nil {
		s.metrics.IncrementErrors()
		s.log.WithError(err).Warn("single frame detection failed")
		writeError(w, http.StatusBadGateway, "Detector unavailable.", "detector_failure")
		return
	}

	t := orch.Options().Thresholds()
	t.RenderHeatmap = true
	fa, err := pipeline.AnalyzeFrame(img, dets, nil, t)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidImage, "invalid_image")
		return
	}
	frame, err := imaging.PreviewBase64(fa.Heatmap, s.preview, s.quality)
	if err != nil {
		s.metrics.IncrementErrors()
		writeError(w, http.StatusInternalServerError, "Could not encode frame.", "encode_failure")
		return
	}

	s.metrics.IncrementFrames()
	s.metrics.IncrementSampled()
	s.metrics.RecordLatency(time.Since(start))
	if fa.Alerts.Global.Alert {
		s.metrics.IncrementAlerts()
	}

	writeJSON(w, http.StatusOK, models.DetectFrameResponse{
		Frame:          frame,
		PeopleInFrame:  fa.PersonCount,
		QuadrantCounts: fa.Cells.ByName(),
		DangerZones:    fa.Alerts.DangerZones(),
		GlobalAlert:    fa.Alerts.Global,
		CellAlerts:     fa.Alerts.CellsByName(),
		Detections:     fa.Detections,
	})
}

func (s *Server) requireDB(w http.ResponseWriter) bool {
	if s.db == nil {
		writeError(w, http.StatusServiceUnavailable, "Session history is disabled.", "no_database")
		return false
	}
	return true
}

func (s *Server) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	list, err := s.db.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireDB(w) {
		return
	}
	if err := s.db.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.storageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleListFrames(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	frames, err := s.db.ListFrames(r.Context(), sess.ID)
	if err != nil {
		s.storageError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, frames)
}

func (s *Server) HandleSessionChart(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.HTML(w, sess); err != nil {
		s.chartError(w, err)
	}
}

func (s *Server) HandleSessionPlot(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	// Render first so errors can still be reported as JSON.
	var buf bytes.Buffer
	if err := report.PNG(&buf, sess, report.DefaultPNGWidth, report.DefaultPNGHeight); err != nil {
		s.chartError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}

func (s *Server) chartError(w http.ResponseWriter, err error) {
	if errors.Is(err, report.ErrNoReport) || errors.Is(err, report.ErrNoSamples) {
		writeError(w, http.StatusConflict, "Session has no report to chart.", "no_report")
		return
	}
	s.log.WithError(err).Error("rendering chart")
	writeError(w, http.StatusInternalServerError, "Could not render chart.", "render_failure")
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*models.Session, bool) {
	if !s.requireDB(w) {
		return nil, false
	}
	sess, err := s.db.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.storageError(w, err)
		return nil, false
	}
	return sess, true
}

func (s *Server) storageError(w http.ResponseWriter, err error) {
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Session not found.", "not_found")
		return
	}
	s.metrics.IncrementErrors()
	s.log.WithError(err).Error("session storage")
	writeError(w, http.StatusInternalServerError, "Storage error.", "storage_failure")
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.detector != nil && s.detector.HealthCheck()
	kind := ""
	if s.detector != nil {
		kind = s.detector.Kind()
	}
	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, models.HealthStatus{
		Status:        status,
		GoBackend:     "running",
		Detector:      healthy,
		DetectorKind:  kind,
		ActiveClients: s.hub.ActiveClients(),
		Uptime:        s.metrics.Uptime(),
		Version:       s.version,
	})
}

func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	snap["active_clients"] = s.hub.ActiveClients()
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Debug("writing json response")
	}
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, models.ErrorResponse{
		Error:     msg,
		Timestamp: time.Now().Unix(),
		Code:      code,
	})
}
