package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
)

// PostgresStore is a PostgreSQL-based implementation of the data store,
// for deployments where several masters share one database
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store
func NewPostgresStore(config Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runners (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		cpu_threads INTEGER NOT NULL,
		cpu_model TEXT NOT NULL,
		ram_total_bytes BIGINT NOT NULL,
		labels JSONB,
		toolchain JSONB,
		status TEXT NOT NULL,
		current_job_id TEXT,
		last_heartbeat TIMESTAMPTZ NOT NULL,
		registered_at TIMESTAMPTZ NOT NULL
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
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		name TEXT NOT NULL,
		repo TEXT NOT NULL,
		commit_sha TEXT NOT NULL,
		steps JSONB NOT NULL,
		needs JSONB,
		status TEXT NOT NULL,
		runner_id TEXT,
		runner_name TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		exit_code INTEGER,
		error TEXT,
		step_results JSONB,
		logs TEXT NOT NULL DEFAULT '',
		state_transitions JSONB
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
func (s *PostgresStore) RegisterRunner(runner *models.Runner) error {
	labels, err := json.Marshal(runner.Labels)
	if err != nil {
		return fmt.Errorf("failed to marshal labels: %w", err)
	}
	toolchain, err := json.Marshal(runner.Toolchain)
	if err != nil {
		return fmt.Errorf("failed to marshal toolchain: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runners
		(id, name, address, cpu_threads, cpu_model, ram_total_bytes, labels,
		 toolchain, status, current_job_id, last_heartbeat, registered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			address = EXCLUDED.address,
			cpu_threads = EXCLUDED.cpu_threads,
			cpu_model = EXCLUDED.cpu_model,
			ram_total_bytes = EXCLUDED.ram_total_bytes,
			labels = EXCLUDED.labels,
			toolchain = EXCLUDED.toolchain,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat
	`, runner.ID, runner.Name, runner.Address, runner.CPUThreads, runner.CPUModel,
		runner.RAMTotalBytes, string(labels), string(toolchain), runner.Status,
		runner.CurrentJobID, runner.LastHeartbeat, runner.RegisteredAt)

	return err
}

// GetRunner retrieves a runner by ID
func (s *PostgresStore) GetRunner(id string) (*models.Runner, error) {
	row := s.db.QueryRow(`SELECT `+runnerColumns+` FROM runners WHERE id = $1`, id)
	runner, err := scanRunner(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRunnerNotFound
	}
	return runner, err
}

// GetAllRunners returns all registered runners
func (s *PostgresStore) GetAllRunners() []*models.Runner {
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
func (s *PostgresStore) UpdateRunnerStatus(id, status string) error {
	result, err := s.db.Exec(`
		UPDATE runners SET status = $1 WHERE id = $2
	`, status, id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrRunnerNotFound)
}

// UpdateRunnerHeartbeat updates the last heartbeat time for a runner
func (s *PostgresStore) UpdateRunnerHeartbeat(id string) error {
	result, err := s.db.Exec(`
		UPDATE runners SET last_heartbeat = $1 WHERE id = $2
	`, time.Now(), id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrRunnerNotFound)
}

// DeleteRunner removes a runner from the store
func (s *PostgresStore) DeleteRunner(id string) error {
	result, err := s.db.Exec(`DELETE FROM runners WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrRunnerNotFound)
}

// Run operations

// CreateRun adds a new run and allocates its sequence number
func (s *PostgresStore) CreateRun(run *models.Run) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, run.ID, run.Number, run.Repo, run.Ref, run.CommitSHA, run.PRNumber,
		run.Event, run.Pipeline, run.Status, run.CreatedAt, run.CompletedAt)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetRun retrieves a run by ID
func (s *PostgresStore) GetRun(id string) (*models.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	return run, err
}

// GetAllRuns returns all runs, newest first
func (s *PostgresStore) GetAllRuns() []*models.Run {
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
func (s *PostgresStore) UpdateRunStatus(id string, status models.RunStatus) error {
	var completedAt interface{}
	if models.IsTerminalRunState(status) {
		completedAt = time.Now()
	}

	result, err := s.db.Exec(`
		UPDATE runs SET status = $1, completed_at = COALESCE(completed_at, $2) WHERE id = $3
	`, status, completedAt, id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrRunNotFound)
}

// Job operations

// CreateJob adds a new job to the store
func (s *PostgresStore) CreateJob(job *models.Job) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, job.ID, job.RunID, job.Name, job.Repo, job.CommitSHA, string(steps),
		string(needs), job.Status, job.RunnerID, job.RunnerName, job.CreatedAt,
		job.StartedAt, job.CompletedAt, job.ExitCode, job.Error, string(stepResults),
		job.Logs, string(transitions))

	return err
}

// GetJob retrieves a job by ID
func (s *PostgresStore) GetJob(id string) (*models.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// GetJobsByRun returns all jobs belonging to a run
func (s *PostgresStore) GetJobsByRun(runID string) ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE run_id = $1 ORDER BY name`, runID)
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
func (s *PostgresStore) GetAllJobs() []*models.Job {
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
func (s *PostgresStore) UpdateJob(job *models.Job) error {
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
		UPDATE jobs SET run_id = $1, name = $2, repo = $3, commit_sha = $4,
		       steps = $5, needs = $6, status = $7, runner_id = $8, runner_name = $9,
		       started_at = $10, completed_at = $11, exit_code = $12, error = $13,
		       step_results = $14, logs = $15, state_transitions = $16
		WHERE id = $17
	`, job.RunID, job.Name, job.Repo, job.CommitSHA, string(steps), string(needs),
		job.Status, job.RunnerID, job.RunnerName, job.StartedAt, job.CompletedAt,
		job.ExitCode, job.Error, string(stepResults), job.Logs, string(transitions), job.ID)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrJobNotFound)
}

// AppendJobLogs appends captured output to a job's log buffer
func (s *PostgresStore) AppendJobLogs(id string, logs string) error {
	result, err := s.db.Exec(`UPDATE jobs SET logs = logs || $1 WHERE id = $2`, logs, id)
	if err != nil {
		return err
	}
	return rowsOrNotFound(result, ErrJobNotFound)
}

// Job state management

// TransitionJobState moves a job through the FSM using row locking so
// concurrent masters cannot double-apply a transition
func (s *PostgresStore) TransitionJobState(jobID string, toState models.JobStatus, reason string) (bool, error) {
	return s.transition(jobID, toState, reason, "")
}

// AssignJobToRunner atomically moves a queued job to assigned
func (s *PostgresStore) AssignJobToRunner(jobID, runnerID string) (bool, error) {
	return s.transition(jobID, models.JobStatusAssigned, "assigned to runner "+runnerID, runnerID)
}

func (s *PostgresStore) transition(jobID string, toState models.JobStatus, reason, runnerID string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var current models.JobStatus
	var transitionsJSON sql.NullString
	err = tx.QueryRow(`
		SELECT status, state_transitions FROM jobs WHERE id = $1 FOR UPDATE
	`, jobID).Scan(&current, &transitionsJSON)
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
	if transitionsJSON.Valid && transitionsJSON.String != "" && transitionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &transitions); err != nil {
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

	query := `UPDATE jobs SET status = $1, state_transitions = $2`
	args := []interface{}{toState, string(updated)}
	n := 3
	switch toState {
	case models.JobStatusRunning:
		query += fmt.Sprintf(`, started_at = COALESCE(started_at, $%d)`, n)
		args = append(args, now)
		n++
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCanceled:
		query += fmt.Sprintf(`, completed_at = COALESCE(completed_at, $%d)`, n)
		args = append(args, now)
		n++
	}
	if runnerID != "" {
		query += fmt.Sprintf(`, runner_id = $%d`, n)
		args = append(args, runnerID)
		n++
	}
	query += fmt.Sprintf(` WHERE id = $%d`, n)
	args = append(args, jobID)

	if _, err := tx.Exec(query, args...); err != nil {
		return false, err
	}

	return true, tx.Commit()
}

// GetNextQueuedJob assigns the oldest eligible queued job to the runner.
// Jobs whose needed siblings have not completed are passed over; races
// with other masters are settled by the FSM transition.
func (s *PostgresStore) GetNextQueuedJob(runnerID string) (*models.Job, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at
	`, models.JobStatusQueued)
	if err != nil {
		return nil, err
	}

	var queued []*models.Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		queued = append(queued, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

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
			continue
		}
		return s.GetJob(job.ID)
	}
	return nil, nil
}

// GetJobsInState returns all jobs currently in the given state
func (s *PostgresStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE status = $1`, state)
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
func (s *PostgresStore) GetOrphanedJobs(runnerTimeout time.Duration) ([]*models.Job, error) {
	cutoff := time.Now().Add(-runnerTimeout)

	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ($1, $2)
		  AND runner_id != ''
		  AND runner_id NOT IN (
		    SELECT id FROM runners WHERE last_heartbeat >= $3 AND status != $4
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
func (s *PostgresStore) CancelJob(id string) error {
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
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database connection
func (s *PostgresStore) HealthCheck() error {
	return s.db.Ping()
}

// GetRunMetrics aggregates job and run statistics
func (s *PostgresStore) GetRunMetrics() (*RunMetrics, error) {
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
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM completed_at - started_at)), 0)
		FROM jobs WHERE started_at IS NOT NULL AND completed_at IS NOT NULL
	`).Scan(&metrics.AvgDuration)
	if err != nil {
		return nil, err
	}

	return metrics, nil
}
