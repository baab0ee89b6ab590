package backup

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ScheduleRun is the bookkeeping row for one configured schedule
type ScheduleRun struct {
	Name      string     `json:"name"`
	Cron      string     `json:"cron,omitempty"`
	Servers   []string   `json:"servers,omitempty"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ScheduleStore persists schedule run times
type ScheduleStore struct {
	db *sql.DB
}

func NewScheduleStore(db *sql.DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

// SetNextRun records when a schedule will fire next
func (s *ScheduleStore) SetNextRun(ctx context.Context, name string, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_schedule_runs (name, next_run, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET next_run = excluded.next_run, updated_at = excluded.updated_at
	`, name, nextRun, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update schedule %s: %w", name, err)
	}
	return nil
}

// RecordRun stores the outcome of a schedule execution
func (s *ScheduleStore) RecordRun(ctx context.Context, name string, lastRun, nextRun time.Time, runErr error) error {
	var lastError sql.NullString
	if runErr != nil {
		lastError = sql.NullString{String: runErr.Error(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_schedule_runs (name, last_run, next_run, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			last_run = excluded.last_run,
			next_run = excluded.next_run,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, name, lastRun, nextRun, lastError, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record run for schedule %s: %w", name, err)
	}
	return nil
}

// GetRun returns the bookkeeping row for a schedule
func (s *ScheduleStore) GetRun(ctx context.Context, name string) (*ScheduleRun, error) {
	var (
		run       ScheduleRun
		lastRun   sql.NullTime
		nextRun   sql.NullTime
		lastError sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT name, last_run, next_run, last_error, updated_at
		FROM backup_schedule_runs
		WHERE name = ?
	`, name).Scan(&run.Name, &lastRun, &nextRun, &lastError, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		run.LastRun = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		run.NextRun = &t
	}
	run.LastError = lastError.String
	return &run, nil
}
