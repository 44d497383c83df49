package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Run statuses as persisted. Scheduled, Running and Retrying are open.
const (
	RunScheduled = "Scheduled"
	RunRunning   = "Running"
	RunRetrying  = "Retrying"
	RunCompleted = "Completed"
	RunFailed    = "Failed"
	RunCanceled  = "Canceled"
)

const (
	// ActivityStarted marks an activity with attempts in flight; Attempts
	// counts the ones already begun.
	ActivityStarted   = "Started"
	ActivityCompleted = "Completed"
	ActivityFailed    = "Failed"
)

type WorkflowRun struct {
	ID           string `json:"id"`
	Namespace    string `json:"namespace"`
	TaskQueue    string `json:"task_queue"`
	Workflow     string `json:"workflow"`
	Status       string `json:"status"`
	Input        string `json:"input"`
	Result       string `json:"result,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	Attempts     int    `json:"attempts"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
	ClosedAt     int64  `json:"closed_at,omitempty"`
}

type ActivityRecord struct {
	RunID        string `json:"run_id"`
	Seq          int    `json:"seq"`
	Activity     string `json:"activity"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	Result       string `json:"result,omitempty"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	UpdatedAt    int64  `json:"updated_at"`
}

func IsOpenStatus(status string) bool {
	switch status {
	case RunScheduled, RunRunning, RunRetrying:
		return true
	}
	return false
}

const runColumns = `id, namespace, task_queue, workflow, status, input, result, error_type, error_message, attempts, created_at, updated_at, closed_at`

// CreateRun inserts the run unless one with the same ID exists. created
// reports whether this call inserted it.
func (s *Store) CreateRun(r WorkflowRun) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("store not initialized")
	}
	now := time.Now().UnixMilli()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	if r.UpdatedAt == 0 {
		r.UpdatedAt = r.CreatedAt
	}
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO workflow_runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Namespace, r.TaskQueue, r.Workflow, r.Status, r.Input, r.Result, r.ErrorType, r.ErrorMessage, r.Attempts, r.CreatedAt, r.UpdatedAt, r.ClosedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) GetRun(id string) (WorkflowRun, error) {
	if s == nil || s.db == nil {
		return WorkflowRun{}, fmt.Errorf("store not initialized")
	}
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkflowRun{}, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return WorkflowRun{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

func (s *Store) UpdateRun(r WorkflowRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if r.UpdatedAt == 0 {
		r.UpdatedAt = time.Now().UnixMilli()
	}
	res, err := s.db.Exec(
		`UPDATE workflow_runs SET status = ?, result = ?, error_type = ?, error_message = ?, attempts = ?, updated_at = ?, closed_at = ?
		 WHERE id = ?`,
		r.Status, r.Result, r.ErrorType, r.ErrorMessage, r.Attempts, r.UpdatedAt, r.ClosedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update run %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

// ListOpenRuns returns runs that have not reached a terminal status, oldest first.
func (s *Store) ListOpenRuns(namespace, taskQueue string) ([]WorkflowRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	return s.queryRuns(
		`SELECT `+runColumns+` FROM workflow_runs
		 WHERE namespace = ? AND task_queue = ? AND status IN (?, ?, ?)
		 ORDER BY created_at ASC`,
		namespace, taskQueue, RunScheduled, RunRunning, RunRetrying,
	)
}

func (s *Store) ListRuns(status, workflow string, limit, offset int) ([]WorkflowRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	limit, offset = clampPage(limit, offset)
	var where []string
	var args []any
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, workflow)
	}
	query := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)
	return s.queryRuns(query, args...)
}

func (s *Store) queryRuns(query string, args ...any) ([]WorkflowRun, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows run: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (WorkflowRun, error) {
	var r WorkflowRun
	var input, result, errType, errMsg sql.NullString
	err := row.Scan(&r.ID, &r.Namespace, &r.TaskQueue, &r.Workflow, &r.Status, &input, &result, &errType, &errMsg, &r.Attempts, &r.CreatedAt, &r.UpdatedAt, &r.ClosedAt)
	r.Input, r.Result, r.ErrorType, r.ErrorMessage = input.String, result.String, errType.String, errMsg.String
	return r, err
}

func (s *Store) GetActivity(runID string, seq int) (ActivityRecord, bool, error) {
	if s == nil || s.db == nil {
		return ActivityRecord{}, false, fmt.Errorf("store not initialized")
	}
	row := s.db.QueryRow(
		`SELECT run_id, seq, activity, status, attempts, result, error_type, error_message, updated_at
		 FROM activity_results WHERE run_id = ? AND seq = ?`,
		runID, seq,
	)
	var a ActivityRecord
	var result, errType, errMsg sql.NullString
	err := row.Scan(&a.RunID, &a.Seq, &a.Activity, &a.Status, &a.Attempts, &result, &errType, &errMsg, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ActivityRecord{}, false, nil
	}
	if err != nil {
		return ActivityRecord{}, false, fmt.Errorf("get activity: %w", err)
	}
	a.Result, a.ErrorType, a.ErrorMessage = result.String, errType.String, errMsg.String
	return a, true, nil
}

func (s *Store) SaveActivity(a ActivityRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if a.UpdatedAt == 0 {
		a.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.Exec(
		`INSERT INTO activity_results (run_id, seq, activity, status, attempts, result, error_type, error_message, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, seq) DO UPDATE SET activity=excluded.activity, status=excluded.status, attempts=excluded.attempts,
		 result=excluded.result, error_type=excluded.error_type, error_message=excluded.error_message, updated_at=excluded.updated_at`,
		a.RunID, a.Seq, a.Activity, a.Status, a.Attempts, a.Result, a.ErrorType, a.ErrorMessage, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save activity: %w", err)
	}
	return nil
}

// PruneClosedRuns deletes terminal runs closed before the cutoff, with their activity rows.
func (s *Store) PruneClosedRuns(before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	cutoff := before.UnixMilli()
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`DELETE FROM activity_results WHERE run_id IN (SELECT id FROM workflow_runs WHERE closed_at > 0 AND closed_at < ?)`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("prune activities: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM workflow_runs WHERE closed_at > 0 AND closed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}
