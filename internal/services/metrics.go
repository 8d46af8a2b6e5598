package services

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics counts pipeline and transport activity. The atomics back the JSON
// endpoint; the registry exposes the same values to Prometheus.
type Metrics struct {
	totalFrames   atomic.Int64
	sampledFrames atomic.Int64
	totalErrors   atomic.Int64
	publishErrors atomic.Int64
	totalAlerts   atomic.Int64
	totalLatency  atomic.Int64
	lastFrameTime atomic.Int64

	wsConnections atomic.Int64
	wsMessages    atomic.Int64
	wsErrors      atomic.Int64

	sessionsMu sync.Mutex
	sessions   map[string]int64

	startedAt time.Time
	registry  *prometheus.Registry
	latency   prometheus.Histogram
	outcomes  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		sessions:  make(map[string]int64),
		startedAt: time.Now(),
		registry:  prometheus.NewRegistry(),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crowd_frame_latency_seconds",
			Help:    "Detection and analysis time per sampled frame",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crowd_sessions_total",
			Help: "Finished sessions by terminal state",
		}, []string{"state"}),
	}
	m.register()
	return m
}

func (m *Metrics) register() {
	counters := []struct {
		name, help string
		v          *atomic.Int64
	}{
		{"crowd_frames_read_total", "Frames read from sources", &m.totalFrames},
		{"crowd_frames_sampled_total", "Frames passed to the detector", &m.sampledFrames},
		{"crowd_errors_total", "Failed sessions and request errors", &m.totalErrors},
		{"crowd_publish_errors_total", "Per-frame or report publishes that failed", &m.publishErrors},
		{"crowd_alerts_total", "Frames that raised the global overcrowding alert", &m.totalAlerts},
		{"crowd_ws_messages_total", "Messages written to websocket clients", &m.wsMessages},
		{"crowd_ws_errors_total", "Websocket write or upgrade errors", &m.wsErrors},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: "crowd_ws_connections", Help: "Open websocket connections"},
		func() float64 { return float64(m.wsConnections.Load()) },
	))
	m.registry.MustRegister(m.latency, m.outcomes)
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncrementFrames() {
	m.totalFrames.Add(1)
	m.lastFrameTime.Store(time.Now().Unix())
}

func (m *Metrics) IncrementSampled() {
	m.sampledFrames.Add(1)
}

func (m *Metrics) IncrementErrors() {
	m.totalErrors.Add(1)
}

func (m *Metrics) IncrementPublishErrors() {
	m.publishErrors.Add(1)
}

func (m *Metrics) IncrementAlerts() {
	m.totalAlerts.Add(1)
}

func (m *Metrics) RecordLatency(duration time.Duration) {
	m.totalLatency.Add(duration.Milliseconds())
	m.latency.Observe(duration.Seconds())
}

func (m *Metrics) RecordSession(state string) {
	m.sessionsMu.Lock()
	m.sessions[state]++
	m.sessionsMu.Unlock()
	m.outcomes.WithLabelValues(state).Inc()
}

func (m *Metrics) GetTotalFrames() int64 {
	return m.totalFrames.Load()
}

func (m *Metrics) GetSampledFrames() int64 {
	return m.sampledFrames.Load()
}

func (m *Metrics) GetTotalErrors() int64 {
	return m.totalErrors.Load()
}

func (m *Metrics) GetPublishErrors() int64 {
	return m.publishErrors.Load()
}

// GetAvgLatency is the mean per sampled frame, in milliseconds.
func (m *Metrics) GetAvgLatency() float64 {
	frames := m.sampledFrames.Load()
	if frames == 0 {
		return 0
	}
	return float64(m.totalLatency.Load()) / float64(frames)
}

func (m *Metrics) GetLastFrameTime() int64 {
	return m.lastFrameTime.Load()
}

func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

func (m *Metrics) Sessions() map[string]int64 {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	out := make(map[string]int64, len(m.sessions))
	for k, v := range m.sessions {
		out[k] = v
	}
	return out
}

func (m *Metrics) IncrementWebSocketConnections() {
	m.wsConnections.Add(1)
}

func (m *Metrics) DecrementWebSocketConnections() {
	m.wsConnections.Add(-1)
}

func (m *Metrics) GetWebSocketConnections() int64 {
	return m.wsConnections.Load()
}

func (m *Metrics) IncrementWebSocketMessages() {
	m.wsMessages.Add(1)
}

func (m *Metrics) IncrementWebSocketErrors() {
	m.wsErrors.Add(1)
}

// Snapshot returns the JSON view served at /api/metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"total_frames":      m.totalFrames.Load(),
		"sampled_frames":    m.sampledFrames.Load(),
		"total_errors":      m.totalErrors.Load(),
		"publish_errors":    m.publishErrors.Load(),
		"overcrowd_alerts":  m.totalAlerts.Load(),
		"avg_latency_ms":    m.GetAvgLatency(),
		"last_frame_time":   m.lastFrameTime.Load(),
		"sessions":          m.Sessions(),
		"system_uptime_sec": int64(m.Uptime().Seconds()),
		"websocket": map[string]interface{}{
			"connections": m.wsConnections.Load(),
			"messages":    m.wsMessages.Load(),
			"errors":      m.wsErrors.Load(),
		},
		"timestamp": time.Now().Format(time.RFC3339),
	}
}
