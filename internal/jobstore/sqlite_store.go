// Package jobstore provides persistent storage for thumbnail job state and results using SQLite.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// JobStatus represents the current state of a thumbnail job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ThumbnailParams contains the parameters for a thumbnail job.
type ThumbnailParams struct {
	RecordingID  string   `json:"recording_id"`
	Tile         int      `json:"tile"`
	FFTSize      int      `json:"fft_size,omitempty"`
	Window       string   `json:"window,omitempty"`
	Colormap     string   `json:"colormap,omitempty"`
	MagnitudeMin *float64 `json:"magnitude_min,omitempty"`
	MagnitudeMax *float64 `json:"magnitude_max,omitempty"`
}

// Job represents a thumbnail job.
type Job struct {
	ID          string          `json:"job_id"`
	RecordingID string          `json:"recording_id"`
	Status      JobStatus       `json:"status"`
	Params      ThumbnailParams `json:"params"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Result is the rendered thumbnail of a completed job.
type Result struct {
	JobID  string
	Width  int
	Height int
	PNG    []byte
}

// Store provides persistent storage for thumbnail jobs using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore creates a new SQLite-based job store.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS thumbnail_jobs (
		job_id TEXT PRIMARY KEY,
		recording_id TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_thumbnail_jobs_recording ON thumbnail_jobs(recording_id);
	CREATE INDEX IF NOT EXISTS idx_thumbnail_jobs_status ON thumbnail_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_thumbnail_jobs_finished ON thumbnail_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS thumbnail_results (
		job_id TEXT PRIMARY KEY,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		png BLOB NOT NULL,
		FOREIGN KEY (job_id) REFERENCES thumbnail_jobs(job_id) ON DELETE CASCADE
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

const jobColumns = `job_id, recording_id, status, params_json, error, created_at, started_at, finished_at`

// CreateJob creates a new job record.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO thumbnail_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.RecordingID,
		string(job.Status),
		string(paramsJSON),
		job.Error,
		job.CreatedAt.UTC().Format(timeLayout),
		nil,
		nil,
	)
	return err
}

// GetJob retrieves a job by ID. It returns nil, nil when the job does not exist.
func (s *Store) GetJob(jobID string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM thumbnail_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// UpdateJobStatus updates the job status and error message.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := time.Now().UTC().Format(timeLayout)
		finishedAt = &t
	}

	_, err := s.db.Exec(`
		UPDATE thumbnail_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a queued job as running. It reports false when the
// job was no longer queued, e.g. cancelled before a worker picked it up.
func (s *Store) UpdateJobStarted(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.Exec(`
		UPDATE thumbnail_jobs SET status = ?, started_at = ?
		WHERE job_id = ? AND status = ?
	`, string(JobStatusRunning), now, jobID, string(JobStatusQueued))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SaveResult stores the thumbnail produced by a job.
func (s *Store) SaveResult(r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO thumbnail_results (job_id, width, height, png)
		VALUES (?, ?, ?, ?)
	`, r.JobID, r.Width, r.Height, r.PNG)
	return err
}

// GetResult returns a job's thumbnail, or nil, nil when there is none.
func (s *Store) GetResult(jobID string) (*Result, error) {
	r := Result{JobID: jobID}
	err := s.db.QueryRow(`
		SELECT width, height, png FROM thumbnail_results WHERE job_id = ?
	`, jobID).Scan(&r.Width, &r.Height, &r.PNG)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListJobsByRecording returns all jobs for a recording, newest first.
func (s *Store) ListJobsByRecording(recordingID string) ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM thumbnail_jobs WHERE recording_id = ?
		ORDER BY created_at DESC
	`, recordingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+`
		FROM thumbnail_jobs WHERE status = ?
		ORDER BY created_at ASC
	`, string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(`
		UPDATE thumbnail_jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusFailed), errMsg, now, string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes jobs that finished before the cutoff.
func (s *Store) DeleteExpiredJobs(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cutoff.UTC().Format(timeLayout)

	// Delete results first (foreign key)
	_, err := s.db.Exec(`
		DELETE FROM thumbnail_results WHERE job_id IN (
			SELECT job_id FROM thumbnail_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, c)
	if err != nil {
		return 0, err
	}

	result, err := s.db.Exec(`
		DELETE FROM thumbnail_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, c)
	if err != nil {
		return 0, err
	}

	return result.RowsAffected()
}

// DeleteJob deletes a job and its result.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM thumbnail_results WHERE job_id = ?", jobID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM thumbnail_jobs WHERE job_id = ?", jobID)
	return err
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.RecordingID,
			&job.Status,
			&paramsJSON,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}

		if err := json.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		job.CreatedAt, _ = time.Parse(timeLayout, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(timeLayout, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(timeLayout, finishedAtStr.String)
			job.FinishedAt = &t
		}

		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}
