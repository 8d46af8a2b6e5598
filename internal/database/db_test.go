package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CROWD_MONITOR/go-backend/internal/analysis"
	"CROWD_MONITOR/go-backend/internal/models"
	"CROWD_MONITOR/go-backend/internal/pipeline"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	log, _ := test.NewNullLogger()
	db, err := Open(DriverSQLite, filepath.Join(t.TempDir(), "crowd.db"), logrus.NewEntry(log))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newSession(created time.Time) *models.Session {
	return &models.Session{
		ID:            uuid.NewString(),
		Filename:      "clip.mp4",
		State:         pipeline.StateProcessing.String(),
		GridRows:      3,
		GridCols:      4,
		Capacity:      50,
		CellThreshold: 5,
		CreatedAt:     created,
	}
}

func TestOpenAppliesMigrationsAndPragmas(t *testing.T) {
	db := openTestDB(t)

	version, err := db.Version()
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)

	var timeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "whatever", nil)
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.Rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &DB{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.Rebind("a = ?"))
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newSession(created)
	require.NoError(t, db.CreateSession(ctx, s))

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "processing", got.State)
	assert.Equal(t, created, got.CreatedAt)
	assert.Nil(t, got.Report)
	assert.Nil(t, got.FinishedAt)

	finished := created.Add(90 * time.Second)
	s.State = pipeline.StateCompleted.String()
	s.TotalFrames, s.FramesRead, s.FramesSampled = 10, 10, 2
	s.Width, s.Height, s.FPS = 1280, 720, 25
	s.FinishedAt = &finished
	s.Report = &models.SessionReport{
		SessionID:             s.ID,
		State:                 "completed",
		TotalPeopleDetected:   7,
		AveragePeoplePerFrame: 3.5,
		FrameWiseCount:        []int{3, 4},
		AvgQuadrantCounts:     map[string]float64{"q1": 1.5},
		QuadrantAlerts:        map[string]bool{"q1": false},
	}
	require.NoError(t, db.UpdateSession(ctx, s))

	got, err = db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.State)
	assert.Equal(t, 2, got.FramesSampled)
	assert.Equal(t, 25.0, got.FPS)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, finished, *got.FinishedAt)
	require.NotNil(t, got.Report)
	assert.Equal(t, []int{3, 4}, got.Report.FrameWiseCount)
	assert.Equal(t, 7, got.Report.TotalPeopleDetected)
}

func TestGetAndUpdateMissingSession(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	err = db.UpdateSession(ctx, &models.Session{ID: "nope", State: "failed"})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, db.DeleteSession(ctx, "nope"), ErrNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		s := newSession(base.Add(time.Duration(i) * time.Hour))
		require.NoError(t, db.CreateSession(ctx, s))
		ids = append(ids, s.ID)
	}

	list, err := db.ListSessions(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, list.Total)
	require.Len(t, list.Sessions, 2)
	assert.Equal(t, ids[2], list.Sessions[0].ID)
	assert.Equal(t, ids[1], list.Sessions[1].ID)

	list, err = db.ListSessions(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, list.Sessions, 1)
	assert.Equal(t, ids[0], list.Sessions[0].ID)
}

func TestFrameRecorderAndDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	s := newSession(time.Now().UTC())
	require.NoError(t, db.CreateSession(ctx, s))

	rec := NewFrameRecorder(db)
	cells := analysis.CellCounts{6, 0, 0, 0}
	alerts := analysis.Evaluate(6, 5, cells, 5, nil)
	for _, idx := range []int{5, 0} {
		require.NoError(t, rec.Publish(ctx, &pipeline.FrameUpdate{
			SessionID:   s.ID,
			FrameIndex:  idx,
			PersonCount: 6,
			Cells:       cells,
			Alerts:      alerts,
			Progress:    float64(idx+1) / 3 * 10,
		}))
	}

	frames, err := db.ListFrames(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, 0, frames[0].FrameIndex)
	assert.Equal(t, 5, frames[1].FrameIndex)
	assert.Equal(t, []int{6, 0, 0, 0}, frames[0].CellCounts)
	assert.Equal(t, []string{"q1"}, frames[0].DangerZones)
	assert.True(t, frames[0].GlobalAlert)
	assert.Equal(t, 20.0, frames[1].Progress)

	err = rec.Publish(ctx, &pipeline.FrameUpdate{SessionID: s.ID, FrameIndex: 0, Cells: cells, Alerts: alerts})
	assert.Error(t, err, "duplicate frame index")

	require.NoError(t, db.DeleteSession(ctx, s.ID))
	frames, err = db.ListFrames(ctx, s.ID)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestRecordFrameRequiresSession(t *testing.T) {
	db := openTestDB(t)
	err := db.RecordFrame(context.Background(), &models.FrameEvent{SessionID: "ghost", CellCounts: []int{0}})
	assert.Error(t, err)
}
