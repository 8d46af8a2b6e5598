package database

import (
	"context"

	"CROWD_MONITOR/go-backend/internal/models"
	"CROWD_MONITOR/go-backend/internal/pipeline"
)

// FrameRecorder persists every frame update as a frame event.
type FrameRecorder struct {
	db *DB
}

func NewFrameRecorder(db *DB) *FrameRecorder {
	return &FrameRecorder{db: db}
}

func (r *FrameRecorder) Publish(ctx context.Context, u *pipeline.FrameUpdate) error {
	return r.db.RecordFrame(ctx, &models.FrameEvent{
		SessionID:   u.SessionID,
		FrameIndex:  u.FrameIndex,
		PeopleCount: u.PersonCount,
		CellCounts:  []int(u.Cells),
		DangerZones: u.Alerts.DangerZones(),
		GlobalAlert: u.Alerts.Global.Alert,
		Progress:    models.Round2(u.Progress),
	})
}
