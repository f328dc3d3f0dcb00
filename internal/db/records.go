package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownSession is returned when ending a session that was never started
// or has already ended.
var ErrUnknownSession = errors.New("unknown or closed session")

// Session is one Start..Stop interval of acquisition.
type Session struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Active    time.Duration `json:"active_ns"`
}

// CalibrationEvent records a completed reference capture.
type CalibrationEvent struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	Frames     int       `json:"frames"`
	Path       string    `json:"path"`
	CapturedAt time.Time `json:"captured_at"`
}

// SnapshotEvent records a ring snapshot written to disk.
type SnapshotEvent struct {
	ID      int64     `json:"id"`
	Dir     string    `json:"dir"`
	Slots   int       `json:"slots"`
	SavedAt time.Time `json:"saved_at"`
}

// ActiveTime returns the accumulated acquisition time.
func (db *DB) ActiveTime() (time.Duration, error) {
	var ns int64
	err := db.QueryRow(`SELECT total_ns FROM active_time WHERE id = 1`).Scan(&ns)
	if err != nil {
		return 0, fmt.Errorf("failed to read active time: %w", err)
	}
	return time.Duration(ns), nil
}

// AddActiveTime adds d to the durable counter and, when sessionID is set, to
// the session's own total. Both updates commit together.
func (db *DB) AddActiveTime(sessionID string, d time.Duration, at time.Time) error {
	if d < 0 {
		return fmt.Errorf("negative active time %v", d)
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE active_time SET total_ns = total_ns + ?, updated_at = ? WHERE id = 1`,
		int64(d), at.UnixNano()); err != nil {
		return fmt.Errorf("failed to update active time: %w", err)
	}
	if sessionID != "" {
		if _, err := tx.Exec(`UPDATE sessions SET active_ns = active_ns + ? WHERE session_id = ?`,
			int64(d), sessionID); err != nil {
			return fmt.Errorf("failed to update session active time: %w", err)
		}
	}
	return tx.Commit()
}

// StartSession opens a new session and returns its id.
func (db *DB) StartSession(at time.Time) (string, error) {
	id := uuid.NewString()
	if _, err := db.Exec(`INSERT INTO sessions (session_id, started_at) VALUES (?, ?)`, id, at.UnixNano()); err != nil {
		return "", fmt.Errorf("failed to start session: %w", err)
	}
	return id, nil
}

// EndSession closes the session.
func (db *DB) EndSession(id string, at time.Time) error {
	res, err := db.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`, at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT session_id, started_at, ended_at, active_ns
		FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		var started, active int64
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &started, &ended, &active); err != nil {
			return nil, err
		}
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.EndedAt = &t
		}
		s.Active = time.Duration(active)
		out = append(out, s)
	}
	return out, rows.Err()
}

// CloseOpenSessions ends any session left open by an unclean shutdown and
// returns how many were closed.
func (db *DB) CloseOpenSessions(at time.Time) (int64, error) {
	res, err := db.Exec(`UPDATE sessions SET ended_at = ? WHERE ended_at IS NULL`, at.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordCalibration stores a completed reference capture.
func (db *DB) RecordCalibration(kind string, frames int, path string, at time.Time) error {
	_, err := db.Exec(`INSERT INTO calibration_events (kind, frames, path, captured_at) VALUES (?, ?, ?, ?)`,
		kind, frames, path, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record calibration: %w", err)
	}
	return nil
}

// CalibrationEvents returns the most recent captures, newest first.
func (db *DB) CalibrationEvents(limit int) ([]CalibrationEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT event_id, kind, frames, path, captured_at
		FROM calibration_events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CalibrationEvent
	for rows.Next() {
		var e CalibrationEvent
		var at int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.Frames, &e.Path, &at); err != nil {
			return nil, err
		}
		e.CapturedAt = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordSnapshot stores a ring snapshot event.
func (db *DB) RecordSnapshot(dir string, slots int, at time.Time) error {
	_, err := db.Exec(`INSERT INTO snapshot_events (dir, slots, saved_at) VALUES (?, ?, ?)`,
		dir, slots, at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record snapshot: %w", err)
	}
	return nil
}

// SnapshotEvents returns the most recent snapshots, newest first.
func (db *DB) SnapshotEvents(limit int) ([]SnapshotEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT event_id, dir, slots, saved_at
		FROM snapshot_events ORDER BY event_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotEvent
	for rows.Next() {
		var e SnapshotEvent
		var at int64
		if err := rows.Scan(&e.ID, &e.Dir, &e.Slots, &at); err != nil {
			return nil, err
		}
		e.SavedAt = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
