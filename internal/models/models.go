package models

import "time"

// Session is a persisted analysis run. Report is nil unless the session
// completed or timed out.
type Session struct {
	ID            string         `json:"id"`
	Filename      string         `json:"filename"`
	State         string         `json:"state"`
	Error         string         `json:"error,omitempty"`
	GridRows      int            `json:"grid_rows"`
	GridCols      int            `json:"grid_cols"`
	Capacity      int            `json:"capacity"`
	CellThreshold int            `json:"cell_threshold"`
	TotalFrames   int            `json:"total_frames"`
	FramesRead    int            `json:"frames_read"`
	FramesSampled int            `json:"frames_sampled"`
	Width         int            `json:"width"`
	Height        int            `json:"height"`
	FPS           float64        `json:"fps"`
	Report        *SessionReport `json:"report,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// FrameEvent is one sampled frame as recorded during a session.
type FrameEvent struct {
	SessionID   string    `json:"session_id"`
	FrameIndex  int       `json:"frame_index"`
	PeopleCount int       `json:"people_count"`
	CellCounts  []int     `json:"cell_counts"`
	DangerZones []string  `json:"danger_zones"`
	GlobalAlert bool      `json:"global_alert"`
	Progress    float64   `json:"progress"`
	CreatedAt   time.Time `json:"created_at"`
}

type SessionList struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
}
