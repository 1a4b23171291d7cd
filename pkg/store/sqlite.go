package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
)

// SQLiteStore is a SQLite-based implementation of the data store
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Configure SQLite connection string with parameters for concurrent access
	// - _journal_mode=WAL: Enable Write-Ahead Logging for better concurrency
	// - _busy_timeout=10000: Wait up to 10 seconds when database is locked
	// - _synchronous=NORMAL: Balance between safety and performance
	// - _txlock=immediate: Acquire write lock at transaction start to reduce conflicts
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		cpu_threads INTEGER NOT NULL,
		cpu_model TEXT NOT NULL,
		ram_total_bytes INTEGER NOT NULL,
		labels TEXT,
		toolchain TEXT,
		status TEXT NOT NULL,
		current_job_id TEXT,
		last_heartbeat DATETIME NOT NULL,
		registered_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		number INTEGER NOT NULL,
		repo TEXT NOT NULL,
		ref TEXT,
		commit_sha TEXT NOT NULL,
		pr_number INTEGER,
		event TEXT NOT NULL,
		pipeline TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		repo TEXT NOT NULL,
		commit_sha TEXT NOT NULL,
		steps TEXT NOT NULL,
		needs TEXT,
		status TEXT NOT NULL,
		runner_id TEXT,
		runner_name TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		exit_code INTEGER,
		error TEXT,
		step_results TEXT,
		logs TEXT NOT NULL DEFAULT '',
		state_transitions TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_run ON jobs(run_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Runner operations

// RegisterRunner adds or updates a runner in the store
func (s *SQLiteStore) RegisterRunner(runner *models.Runner) error {
	labels, err := json.Marshal(runner.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	toolchain, err := json.Marshal(runner.Toolchain)
	if err != nil {
		return fmt.Errorf("failed to marshal toolchain: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO runners
		(id, name, address, cpu_threads, cpu_model, ram_total_bytes, labels,
		 toolchain, status, current_job_id, last_heartbeat, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runner.ID, runner.Name, runner.Address, runner.CPUThreads, runner.CPUModel,
		runner.RAMTotalBytes, string(labels), string(toolchain), runner.Status,
		runner.CurrentJobID, runner.LastHeartbeat, runner.RegisteredAt)

	return err
}

func scanRunner(scan func(dest ...interface{}) error) (*models.Runner, error) {
	var runner models.Runner
	var labelsJSON, toolchainJSON string

	err := scan(&runner.ID, &runner.Name, &runner.Address, &runner.CPUThreads,
		&runner.CPUModel, &runner.RAMTotalBytes, &labelsJSON, &toolchainJSON,
		&runner.Status, &runner.CurrentJobID, &runner.LastHeartbeat, &runner.RegisteredAt)
	if err != nil {
		return nil, err
	}

	if labelsJSON != "" && labelsJSON != "null" {
		if err := json.Unmarshal([]byte(labelsJSON), &runner.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	if toolchainJSON != "" && toolchainJSON != "null" {
		if err := json.Unmarshal([]byte(toolchainJSON), &runner.Toolchain); err != nil {
			return nil, fmt.Errorf("failed to unmarshal toolchain: %w", err)
		}
	}

	return &runner, nil
}

const runnerColumns = `id, name, address, cpu_threads, cpu_model, ram_total_bytes,
	labels, toolchain, status, current_job_id, last_heartbeat, registered_at`

// GetRunner retrieves a runner by ID
func (s *SQLiteStore) GetRunner(id string) (*models.Runner, error) {
	row := s.db.QueryRow(`SELECT `+runnerColumns+` FROM runners WHERE id = ?`, id)
	runner, err := scanRunner(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRunnerNotFound
	}
	return runner, err
}

// GetAllRunners returns all registered runners
func (s *SQLiteStore) GetAllRunners() []*models.Runner {
	rows, err := s.db.Query(`SELECT ` + runnerColumns + ` FROM runners`)
	if err != nil {
		return []*models.Runner{}
	}
	defer rows.Close()

	var runners []*models.Runner
	for rows.Next() {
		runner, err := scanRunner(rows.Scan)
		if err != nil {
			continue
		}
		runners = append(runners, runner)
	}
	return runners
}

// UpdateRunnerStatus updates the status of a runner. The heartbeat is
// left untouched so marking a runner offline keeps it orphan-visible.
func (s *SQLiteStore) UpdateRunnerStatus(id, status string) error {
	result, err := s.db.Exec(`
		UPDATE runners SET status = ? WHERE id = ?
	`, status, id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrRunnerNotFound)
}

// UpdateRunnerHeartbeat updates the last heartbeat time for a runner
func (s *SQLiteStore) UpdateRunnerHeartbeat(id string) error {
	result, err := s.db.Exec(`
		UPDATE runners SET last_heartbeat = ? WHERE id = ?
	`, time.Now(), id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrRunnerNotFound)
}

// DeleteRunner removes a runner from the store
func (s *SQLiteStore) DeleteRunner(id string) error {
	result, err := s.db.Exec(`DELETE FROM runners WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrRunnerNotFound)
}

func rowsOrNotFound(result sql.Result, notFound error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// Run operations

// CreateRun adds a new run and allocates its sequence number
func (s *SQLiteStore) CreateRun(run *models.Run) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.QueryRow(`SELECT COALESCE(MAX(number), 0) + 1 FROM runs`).Scan(&run.Number); err != nil {
		return fmt.Errorf("failed to allocate run number: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO runs (id, number, repo, ref, commit_sha, pr_number, event,
		                  pipeline, status, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Number, run.Repo, run.Ref, run.CommitSHA, run.PRNumber,
		run.Event, run.Pipeline, run.Status, run.CreatedAt, run.CompletedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

const runColumns = `id, number, repo, ref, commit_sha, pr_number, event, pipeline,
	status, created_at, completed_at`

func scanRun(scan func(dest ...interface{}) error) (*models.Run, error) {
	var run models.Run
	err := scan(&run.ID, &run.Number, &run.Repo, &run.Ref, &run.CommitSHA,
		&run.PRNumber, &run.Event, &run.Pipeline, &run.Status,
		&run.CreatedAt, &run.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return run, err
}

// GetAllRuns returns all runs, newest first
func (s *SQLiteStore) GetAllRuns() []*models.Run {
	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY number DESC`)
	if err != nil {
		return []*models.Run{}
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			continue
		}
		runs = append(runs, run)
	}
	return runs
}

// UpdateRunStatus updates the status of a run
func (s *SQLiteStore) UpdateRunStatus(id string, status models.RunStatus) error {
	var completedAt interface{}
	if models.IsTerminalRunState(status) {
		completedAt = time.Now()
	}

	result, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?
	`, status, completedAt, id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrRunNotFound)
}

// Job operations

// CreateJob adds a new job to the store
func (s *SQLiteStore) CreateJob(job *models.Job) error {
	steps, err := json.Marshal(job.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	needs, err := json.Marshal(job.Needs)
	if err != nil {
		return fmt.Errorf("failed to marshal needs: %w", err)
	}
	stepResults, err := json.Marshal(job.StepResults)
	if err != nil {
		return fmt.Errorf("failed to marshal step results: %w", err)
	}
	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state transitions: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, run_id, name, repo, commit_sha, steps, needs, status,
		                  runner_id, runner_name, created_at, started_at, completed_at,
		                  exit_code, error, step_results, logs, state_transitions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.RunID, job.Name, job.Repo, job.CommitSHA, string(steps),
		string(needs), job.Status, job.RunnerID, job.RunnerName, job.CreatedAt,
		job.StartedAt, job.CompletedAt, job.ExitCode, job.Error, string(stepResults),
		job.Logs, string(transitions))

	return err
}

const jobColumns = `id, run_id, name, repo, commit_sha, steps, needs, status, runner_id,
	runner_name, created_at, started_at, completed_at, exit_code, error,
	step_results, logs, state_transitions`

func scanJob(scan func(dest ...interface{}) error) (*models.Job, error) {
	var job models.Job
	var stepsJSON, needsJSON, resultsJSON, transitionsJSON string

	err := scan(&job.ID, &job.RunID, &job.Name, &job.Repo, &job.CommitSHA,
		&stepsJSON, &needsJSON, &job.Status, &job.RunnerID, &job.RunnerName,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.ExitCode, &job.Error,
		&resultsJSON, &job.Logs, &transitionsJSON)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stepsJSON), &job.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	if needsJSON != "" && needsJSON != "null" {
		if err := json.Unmarshal([]byte(needsJSON), &job.Needs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal needs: %w", err)
		}
	}
	if resultsJSON != "" && resultsJSON != "null" {
		if err := json.Unmarshal([]byte(resultsJSON), &job.StepResults); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step results: %w", err)
		}
	}
	if transitionsJSON != "" && transitionsJSON != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON), &job.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state transitions: %w", err)
		}
	}

	return &job, nil
}

// GetJob retrieves a job by ID
func (s *SQLiteStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetJobsByRun returns all jobs belonging to a run
func (s *SQLiteStore) GetJobsByRun(runID string) ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE run_id = ? ORDER BY name`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetAllJobs returns all jobs in the store
func (s *SQLiteStore) GetAllJobs() []*models.Job {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at`)
	if err != nil {
		return []*models.Job{}
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// UpdateJob replaces a stored job
func (s *SQLiteStore) UpdateJob(job *models.Job) error {
	steps, err := json.Marshal(job.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal steps: %w", err)
	}
	stepResults, err := json.Marshal(job.StepResults)
	if err != nil {
		return fmt.Errorf("failed to marshal step results: %w", err)
	}
	transitions, err := json.Marshal(job.StateTransitions)
	if err != nil {
		return fmt.Errorf("failed to marshal state transitions: %w", err)
	}

	needs, err := json.Marshal(job.Needs)
	if err != nil {
		return fmt.Errorf("failed to marshal needs: %w", err)
	}

	result, err := s.db.Exec(`
		UPDATE jobs SET run_id = ?, name = ?, repo = ?, commit_sha = ?, steps = ?,
		       needs = ?, status = ?, runner_id = ?, runner_name = ?, started_at = ?,
		       completed_at = ?, exit_code = ?, error = ?, step_results = ?,
		       logs = ?, state_transitions = ?
		WHERE id = ?
	`, job.RunID, job.Name, job.Repo, job.CommitSHA, string(steps), string(needs),
		job.Status, job.RunnerID, job.RunnerName, job.StartedAt, job.CompletedAt,
		job.ExitCode, job.Error, string(stepResults), job.Logs, string(transitions), job.ID)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrJobNotFound)
}

// AppendJobLogs appends captured output to a job's log buffer
func (s *SQLiteStore) AppendJobLogs(id string, logs string) error {
	result, err := s.db.Exec(`UPDATE jobs SET logs = logs || ? WHERE id = ?`, logs, id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrJobNotFound)
}

// Job state management

// TransitionJobState moves a job through the FSM inside a transaction
func (s *SQLiteStore) TransitionJobState(jobID string, toState models.JobStatus, reason string) (bool, error) {
	return s.transition(jobID, toState, reason, "")
}

// AssignJobToRunner atomically moves a queued job to assigned
func (s *SQLiteStore) AssignJobToRunner(jobID, runnerID string) (bool, error) {
	return s.transition(jobID, models.JobStatusAssigned, "assigned to runner "+runnerID, runnerID)
}

func (s *SQLiteStore) transition(jobID string, toState models.JobStatus, reason, runnerID string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var current models.JobStatus
	var transitionsJSON string
	err = tx.QueryRow(`SELECT status, state_transitions FROM jobs WHERE id = ?`, jobID).
		Scan(&current, &transitionsJSON)
	if err == sql.ErrNoRows {
		return false, ErrJobNotFound
	}
	if err != nil {
		return false, err
	}

	if err := models.ValidateTransition(current, toState); err != nil {
		return false, nil
	}

	var transitions []models.StateTransition
	if transitionsJSON != "" && transitionsJSON != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON), &transitions); err != nil {
			return false, fmt.Errorf("failed to unmarshal state transitions: %w", err)
		}
	}
	now := time.Now()
	transitions = append(transitions, models.StateTransition{
		From:      current,
		To:        toState,
		Reason:    reason,
		Timestamp: now,
	})
	updated, err := json.Marshal(transitions)
	if err != nil {
		return false, err
	}

	query := `UPDATE jobs SET status = ?, state_transitions = ?`
	args := []interface{}{toState, string(updated)}
	switch toState {
	case models.JobStatusRunning:
		query += `, started_at = COALESCE(started_at, ?)`
		args = append(args, now)
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCanceled:
		query += `, completed_at = COALESCE(completed_at, ?)`
		args = append(args, now)
	}
	if runnerID != "" {
		query += `, runner_id = ?`
		args = append(args, runnerID)
	}
	query += ` WHERE id = ?`
	args = append(args, jobID)

	if _, err := tx.Exec(query, args...); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// GetNextQueuedJob assigns the oldest eligible queued job to the runner.
// Jobs whose needed siblings have not completed are passed over.
func (s *SQLiteStore) GetNextQueuedJob(runnerID string) (*models.Job, error) {
	queued, err := s.queuedJobsInOrder()
	if err != nil {
		return nil, err
	}

	for _, job := range queued {
		if len(job.Needs) > 0 {
			siblings, err := s.GetJobsByRun(job.RunID)
			if err != nil {
				return nil, err
			}
			if !job.DependenciesMet(siblings) {
				continue
			}
		}

		ok, err := s.AssignJobToRunner(job.ID, runnerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost the race to another runner
			continue
		}
		return s.GetJob(job.ID)
	}
	return nil, nil
}

func (s *SQLiteStore) queuedJobsInOrder() ([]*models.Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at
	`, models.JobStatusQueued)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJobsInState returns all jobs currently in the given state
func (s *SQLiteStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE status = ?`, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetOrphanedJobs returns active jobs whose runner is offline, gone, or
// has not sent a heartbeat within the timeout
func (s *SQLiteStore) GetOrphanedJobs(runnerTimeout time.Duration) ([]*models.Job, error) {
	cutoff := time.Now().Add(-runnerTimeout)

	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN (?, ?)
		  AND runner_id != ''
		  AND runner_id NOT IN (
		    SELECT id FROM runners WHERE last_heartbeat >= ? AND status != ?
		  )
	`, models.JobStatusAssigned, models.JobStatusRunning, cutoff, models.RunnerStatusOffline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CancelJob cancels a job if it has not reached a terminal state
func (s *SQLiteStore) CancelJob(id string) error {
	ok, err := s.TransitionJobState(id, models.JobStatusCanceled, "canceled by request")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s cannot be canceled from its current state", id)
	}
	return nil
}

// Lifecycle

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck() error {
	return s.db.Ping()
}

// GetRunMetrics aggregates job and run statistics with SQL to avoid
// loading every row
func (s *SQLiteStore) GetRunMetrics() (*RunMetrics, error) {
	metrics := &RunMetrics{
		JobsByState:  make(map[models.JobStatus]int),
		RunsByStatus: make(map[models.RunStatus]int),
	}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var state models.JobStatus
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			rows.Close()
			return nil, err
		}
		metrics.JobsByState[state] = count
		switch state {
		case models.JobStatusQueued:
			metrics.QueueLength += count
		case models.JobStatusAssigned, models.JobStatusRunning:
			metrics.ActiveJobs += count
		}
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status models.RunStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		metrics.RunsByStatus[status] = count
		metrics.TotalRuns += count
	}
	rows.Close()

	err = s.db.QueryRow(`
		SELECT COALESCE(AVG(strftime('%s', completed_at) - strftime('%s', started_at)), 0)
		FROM jobs WHERE started_at IS NOT NULL AND completed_at IS NOT NULL
	`).Scan(&metrics.AvgDuration)
	if err != nil {
		return nil, err
	}

	return metrics, nil
}
