package models

import (
	"math"
	"time"

	"CROWD_MONITOR/go-backend/internal/analysis"
	"CROWD_MONITOR/go-backend/internal/pipeline"
)

// Stream message types.
const (
	MessageWelcome       = "WELCOME"
	MessagePing          = "PING"
	MessagePong          = "PONG"
	MessageFrameUpdate   = "FRAME_UPDATE"
	MessageSessionReport = "SESSION_REPORT"
)

// WebSocketMessage is the envelope used on every push transport.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	ClientID  string      `json:"client_id,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
	Code      string `json:"code,omitempty"`
}

type HealthStatus struct {
	Status        string        `json:"status"`
	GoBackend     string        `json:"go_backend"`
	Detector      bool          `json:"detector"`
	DetectorKind  string        `json:"detector_kind"`
	ActiveClients int           `json:"active_clients"`
	Uptime        time.Duration `json:"uptime"`
	Version       string        `json:"version,omitempty"`
}

type FrameUpdateMessage struct {
	SessionID      string                        `json:"session_id"`
	FrameIndex     int                           `json:"frame_index"`
	PeopleInFrame  int                           `json:"people_in_frame"`
	Progress       float64                       `json:"progress"`
	QuadrantCounts map[string]int                `json:"quadrant_counts"`
	QuadrantDeltas map[string]int                `json:"quadrant_deltas"`
	GlobalAlert    analysis.Alert                `json:"global_alert"`
	CellAlerts     map[string]analysis.CellAlert `json:"cell_alerts"`
	DangerZones    []string                      `json:"danger_zones"`
	Frame          string                        `json:"frame,omitempty"`
}

// NewFrameUpdateMessage converts a pipeline update. frame is the encoded
// heatmap preview, or empty.
func NewFrameUpdateMessage(u *pipeline.FrameUpdate, frame string) *FrameUpdateMessage {
	return &FrameUpdateMessage{
		SessionID:      u.SessionID,
		FrameIndex:     u.FrameIndex,
		PeopleInFrame:  u.PersonCount,
		Progress:       Round2(u.Progress),
		QuadrantCounts: u.Cells.ByName(),
		QuadrantDeltas: u.Deltas.ByName(),
		GlobalAlert:    u.Alerts.Global,
		CellAlerts:     u.Alerts.CellsByName(),
		DangerZones:    u.Alerts.DangerZones(),
		Frame:          frame,
	}
}

// SessionReport is the JSON form of a finished session.
type SessionReport struct {
	SessionID             string             `json:"session_id"`
	State                 string             `json:"state"`
	TotalPeopleDetected   int                `json:"total_people_detected"`
	AveragePeoplePerFrame float64            `json:"average_people_per_frame"`
	FrameWiseCount        []int              `json:"frame_wise_count"`
	ProcessingTimeSeconds float64            `json:"processing_time_seconds"`
	AvgQuadrantCounts     map[string]float64 `json:"avg_quadrant_counts"`
	QuadrantAlerts        map[string]bool    `json:"quadrant_alerts"`
	PeakPeople            int                `json:"peak_people"`
	StdDevPeoplePerFrame  float64            `json:"stddev_people_per_frame"`
	FramesRead            int                `json:"frames_read"`
	FramesSampled         int                `json:"frames_sampled"`
}

func NewSessionReport(sessionID string, state pipeline.State, r *analysis.Report) *SessionReport {
	return &SessionReport{
		SessionID:             sessionID,
		State:                 state.String(),
		TotalPeopleDetected:   r.TotalPeople,
		AveragePeoplePerFrame: Round2(r.AvgPeoplePerFrame),
		FrameWiseCount:        r.PerFrameCounts,
		ProcessingTimeSeconds: Round2(r.ProcessingTime.Seconds()),
		AvgQuadrantCounts:     r.AvgCellCountsByName(),
		QuadrantAlerts:        r.CellDangerFlagsByName(),
		PeakPeople:            r.PeakPeople,
		StdDevPeoplePerFrame:  Round2(r.StdDevPeople),
	}
}

// NewOutcomeReport also fills the frame counters.
func NewOutcomeReport(o *pipeline.Outcome) *SessionReport {
	rep := NewSessionReport(o.SessionID, o.State, o.Report)
	rep.FramesRead = o.FramesRead
	rep.FramesSampled = o.FramesSampled
	return rep
}

type DetectFrameResponse struct {
	Frame          string                        `json:"frame"`
	PeopleInFrame  int                           `json:"people_in_frame"`
	QuadrantCounts map[string]int                `json:"quadrant_counts"`
	DangerZones    []string                      `json:"danger_zones"`
	GlobalAlert    analysis.Alert                `json:"global_alert"`
	CellAlerts     map[string]analysis.CellAlert `json:"cell_alerts"`
	Detections     []analysis.Detection          `json:"detections"`
}

// Round2 rounds to two decimals for display.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
