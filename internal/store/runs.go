package store

import (
	"fmt"
	"time"
)

// Run outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeUpToDate  = "up-to-date"
)

// Run is one finished generation.
type Run struct {
	ID         int64
	Identity   string
	LeaseID    string
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    string
	Detail     string
	Written    int
	Failed     int
}

// RecordRun appends a run to the history.
func (s *Store) RecordRun(r *Run) error {
	if r.FinishedAt.IsZero() {
		r.FinishedAt = now()
	}
	res, err := s.db.Exec(`
		INSERT INTO runs (identity, lease_id, started_at, finished_at, outcome, detail, written, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Identity, r.LeaseID, toMillis(r.StartedAt), toMillis(r.FinishedAt), r.Outcome, r.Detail, r.Written, r.Failed)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	r.ID, _ = res.LastInsertId()
	return nil
}

// RecentRuns returns up to limit runs for identity, newest first.
func (s *Store) RecentRuns(identity string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT id, identity, lease_id, started_at, finished_at, outcome, detail, written, failed
		FROM runs WHERE identity = ? ORDER BY finished_at DESC, id DESC LIMIT ?`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var result []*Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Identity, &r.LeaseID, &started, &finished, &r.Outcome, &r.Detail, &r.Written, &r.Failed); err != nil {
			return nil, err
		}
		r.StartedAt = fromMillis(started)
		r.FinishedAt = fromMillis(finished)
		result = append(result, &r)
	}
	return result, rows.Err()
}
