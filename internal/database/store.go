package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"CROWD_MONITOR/go-backend/internal/models"
)

var ErrNotFound = errors.New("record not found")

const sessionColumns = `id, filename, state, error, grid_rows, grid_cols, capacity, cell_threshold,
	total_frames, frames_read, frames_sampled, width, height, fps, report, created_at, finished_at`

func (db *DB) CreateSession(ctx context.Context, s *models.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, db.Rebind(`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.Filename, s.State, s.Error, s.GridRows, s.GridCols, s.Capacity, s.CellThreshold,
		s.TotalFrames, s.FramesRead, s.FramesSampled, s.Width, s.Height, s.FPS,
		nil, toMillis(s.CreatedAt), nil,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, err)
	}
	return nil
}

// UpdateSession stores the terminal state, counters and report of s.
func (db *DB) UpdateSession(ctx context.Context, s *models.Session) error {
	var report interface{}
	if s.Report != nil {
		raw, err := json.Marshal(s.Report)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		report = string(raw)
	}
	var finished interface{}
	if s.FinishedAt != nil {
		finished = toMillis(*s.FinishedAt)
	}

	res, err := db.ExecContext(ctx, db.Rebind(`UPDATE sessions SET
		state = ?, error = ?, total_frames = ?, frames_read = ?, frames_sampled = ?,
		width = ?, height = ?, fps = ?, report = ?, finished_at = ?
		WHERE id = ?`),
		s.State, s.Error, s.TotalFrames, s.FramesRead, s.FramesSampled,
		s.Width, s.Height, s.FPS, report, finished, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", s.ID, err)
	}
	return expectOne(res)
}

func (db *DB) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := db.QueryRowContext(ctx, db.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// ListSessions returns the newest sessions first along with the total count.
func (db *DB) ListSessions(ctx context.Context, limit, offset int) (*models.SessionList, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	list := &models.SessionList{Sessions: []models.Session{}}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&list.Total); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := db.QueryContext(ctx, db.Rebind(`SELECT `+sessionColumns+` FROM sessions
		ORDER BY created_at DESC, id LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		list.Sessions = append(list.Sessions, *s)
	}
	return list, rows.Err()
}

// DeleteSession removes a session and its frame events.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, db.Rebind(`DELETE FROM frame_events WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("delete frames of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, db.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if err := expectOne(res); err != nil {
		return err
	}
	return tx.Commit()
}

func (db *DB) RecordFrame(ctx context.Context, e *models.FrameEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cells, err := json.Marshal(e.CellCounts)
	if err != nil {
		return err
	}
	zones := e.DangerZones
	if zones == nil {
		zones = []string{}
	}
	dz, err := json.Marshal(zones)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, db.Rebind(`INSERT INTO frame_events
		(session_id, frame_index, people_count, cell_counts, danger_zones, global_alert, progress, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		e.SessionID, e.FrameIndex, e.PeopleCount, string(cells), string(dz), e.GlobalAlert, e.Progress, toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert frame %d of %s: %w", e.FrameIndex, e.SessionID, err)
	}
	return nil
}

// ListFrames returns the recorded frames of a session in frame order.
func (db *DB) ListFrames(ctx context.Context, sessionID string) ([]models.FrameEvent, error) {
	rows, err := db.QueryContext(ctx, db.Rebind(`SELECT session_id, frame_index, people_count, cell_counts,
		danger_zones, global_alert, progress, created_at
		FROM frame_events WHERE session_id = ? ORDER BY frame_index`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list frames of %s: %w", sessionID, err)
	}
	defer rows.Close()

	events := []models.FrameEvent{}
	for rows.Next() {
		var (
			e       models.FrameEvent
			cells   string
			zones   string
			created int64
		)
		if err := rows.Scan(&e.SessionID, &e.FrameIndex, &e.PeopleCount, &cells, &zones,
			&e.GlobalAlert, &e.Progress, &created); err != nil {
			return nil, fmt.Errorf("scan frame: %w", err)
		}
		if err := json.Unmarshal([]byte(cells), &e.CellCounts); err != nil {
			return nil, fmt.Errorf("decode cell counts: %w", err)
		}
		if err := json.Unmarshal([]byte(zones), &e.DangerZones); err != nil {
			return nil, fmt.Errorf("decode danger zones: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		s        models.Session
		report   sql.NullString
		created  int64
		finished sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.Filename, &s.State, &s.Error, &s.GridRows, &s.GridCols, &s.Capacity, &s.CellThreshold,
		&s.TotalFrames, &s.FramesRead, &s.FramesSampled, &s.Width, &s.Height, &s.FPS,
		&report, &created, &finished)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(created)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		s.FinishedAt = &t
	}
	if report.Valid && report.String != "" {
		s.Report = &models.SessionReport{}
		if err := json.Unmarshal([]byte(report.String), s.Report); err != nil {
			return nil, fmt.Errorf("decode report: %w", err)
		}
	}
	return &s, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
