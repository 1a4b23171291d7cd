package store

import (
	"sort"
	"sync"
	"time"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store
type MemoryStore struct {
	runners   map[string]*models.Runner
	runs      map[string]*models.Run
	jobs      map[string]*models.Job
	jobQueue  []string // FIFO queue of queued job IDs
	runnersMu sync.RWMutex
	runsMu    sync.RWMutex
	jobsMu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runners:  make(map[string]*models.Runner),
		runs:     make(map[string]*models.Run),
		jobs:     make(map[string]*models.Job),
		jobQueue: make([]string, 0),
	}
}

// Runner operations

// RegisterRunner adds or updates a runner in the store
func (s *MemoryStore) RegisterRunner(runner *models.Runner) error {
	s.runnersMu.Lock()
	defer s.runnersMu.Unlock()

	s.runners[runner.ID] = runner
	return nil
}

// GetRunner retrieves a runner by ID
func (s *MemoryStore) GetRunner(id string) (*models.Runner, error) {
	s.runnersMu.RLock()
	defer s.runnersMu.RUnlock()

	runner, ok := s.runners[id]
	if !ok {
		return nil, ErrRunnerNotFound
	}
	return runner, nil
}

// GetAllRunners returns all registered runners
func (s *MemoryStore) GetAllRunners() []*models.Runner {
	s.runnersMu.RLock()
	defer s.runnersMu.RUnlock()

	runners := make([]*models.Runner, 0, len(s.runners))
	for _, runner := range s.runners {
		runners = append(runners, runner)
	}
	return runners
}

// UpdateRunnerStatus updates the status of a runner
func (s *MemoryStore) UpdateRunnerStatus(id, status string) error {
	s.runnersMu.Lock()
	defer s.runnersMu.Unlock()

	runner, ok := s.runners[id]
	if !ok {
		return ErrRunnerNotFound
	}

	// Status changes must not refresh the heartbeat: marking a lapsed
	// runner offline has to leave it visible to orphan detection.
	runner.Status = status
	return nil
}

// UpdateRunnerHeartbeat updates the last heartbeat time for a runner
func (s *MemoryStore) UpdateRunnerHeartbeat(id string) error {
	s.runnersMu.Lock()
	defer s.runnersMu.Unlock()

	runner, ok := s.runners[id]
	if !ok {
		return ErrRunnerNotFound
	}

	runner.LastHeartbeat = time.Now()
	return nil
}

// DeleteRunner removes a runner from the store
func (s *MemoryStore) DeleteRunner(id string) error {
	s.runnersMu.Lock()
	defer s.runnersMu.Unlock()

	if _, ok := s.runners[id]; !ok {
		return ErrRunnerNotFound
	}

	delete(s.runners, id)
	return nil
}

// Run operations

// CreateRun adds a new run to the store
func (s *MemoryStore) CreateRun(run *models.Run) error {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	run.Number = len(s.runs) + 1
	s.runs[run.ID] = run
	return nil
}

// GetRun retrieves a run by ID
func (s *MemoryStore) GetRun(id string) (*models.Run, error) {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// GetAllRuns returns all runs, newest first
func (s *MemoryStore) GetAllRuns() []*models.Run {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	runs := make([]*models.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Number > runs[j].Number
	})
	return runs
}

// UpdateRunStatus updates the status of a run and stamps completion time
// when the status is terminal
func (s *MemoryStore) UpdateRunStatus(id string, status models.RunStatus) error {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return ErrRunNotFound
	}

	run.Status = status
	if models.IsTerminalRunState(status) && run.CompletedAt == nil {
		now := time.Now()
		run.CompletedAt = &now
	}
	return nil
}

// Job operations

// CreateJob adds a new job to the store and the scheduling queue
func (s *MemoryStore) CreateJob(job *models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	s.jobs[job.ID] = job
	if job.Status == models.JobStatusQueued {
		s.jobQueue = append(s.jobQueue, job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// GetJobsByRun returns all jobs belonging to a run
func (s *MemoryStore) GetJobsByRun(runID string) ([]*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.RunID == runID {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].Name < jobs[j].Name
	})
	return jobs, nil
}

// GetAllJobs returns all jobs in the store
func (s *MemoryStore) GetAllJobs() []*models.Job {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// UpdateJob replaces a stored job
func (s *MemoryStore) UpdateJob(job *models.Job) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}

	s.jobs[job.ID] = job
	return nil
}

// AppendJobLogs appends captured output to a job's log buffer
func (s *MemoryStore) AppendJobLogs(id string, logs string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	job.Logs += logs
	return nil
}

// TransitionJobState moves a job through the FSM. Returns false when the
// transition is not valid from the job's current state.
func (s *MemoryStore) TransitionJobState(jobID string, toState models.JobStatus, reason string) (bool, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}

	if err := models.ValidateTransition(job.Status, toState); err != nil {
		return false, nil
	}

	s.applyTransition(job, toState, reason)
	return true, nil
}

// applyTransition mutates the job for a validated state change.
// Caller must hold jobsMu.
func (s *MemoryStore) applyTransition(job *models.Job, toState models.JobStatus, reason string) {
	now := time.Now()
	job.StateTransitions = append(job.StateTransitions, models.StateTransition{
		From:      job.Status,
		To:        toState,
		Reason:    reason,
		Timestamp: now,
	})
	job.Status = toState

	switch toState {
	case models.JobStatusRunning:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCanceled:
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
	}
}

// AssignJobToRunner atomically moves a queued job to assigned
func (s *MemoryStore) AssignJobToRunner(jobID, runnerID string) (bool, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return false, ErrJobNotFound
	}
	if err := models.ValidateTransition(job.Status, models.JobStatusAssigned); err != nil {
		return false, nil
	}

	job.RunnerID = runnerID
	s.applyTransition(job, models.JobStatusAssigned, "assigned to runner "+runnerID)
	return true, nil
}

// GetNextQueuedJob pops the oldest eligible queued job and assigns it to
// the runner. Jobs whose needed siblings have not completed stay in the
// queue. Returns nil when no job is eligible.
func (s *MemoryStore) GetNextQueuedJob(runnerID string) (*models.Job, error) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	remaining := s.jobQueue[:0]
	var picked *models.Job
	for i, id := range s.jobQueue {
		job, ok := s.jobs[id]
		if !ok || job.Status != models.JobStatusQueued {
			continue // canceled or removed while queued
		}
		if picked == nil && job.DependenciesMet(s.siblingJobs(job.RunID)) {
			picked = job
			continue
		}
		remaining = append(remaining, s.jobQueue[i])
	}
	s.jobQueue = remaining

	if picked == nil {
		return nil, nil
	}

	picked.RunnerID = runnerID
	s.applyTransition(picked, models.JobStatusAssigned, "assigned to runner "+runnerID)
	return picked, nil
}

// siblingJobs returns all jobs of a run. Caller must hold jobsMu.
func (s *MemoryStore) siblingJobs(runID string) []*models.Job {
	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.RunID == runID {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// GetJobsInState returns all jobs currently in the given state
func (s *MemoryStore) GetJobsInState(state models.JobStatus) ([]*models.Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.Status == state {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// GetOrphanedJobs returns active jobs whose runner is offline, gone, or
// has not sent a heartbeat within the timeout
func (s *MemoryStore) GetOrphanedJobs(runnerTimeout time.Duration) ([]*models.Job, error) {
	cutoff := time.Now().Add(-runnerTimeout)

	s.runnersMu.RLock()
	known := make(map[string]bool)
	stale := make(map[string]bool)
	for id, runner := range s.runners {
		known[id] = true
		if runner.Status == models.RunnerStatusOffline || runner.LastHeartbeat.Before(cutoff) {
			stale[id] = true
		}
	}
	s.runnersMu.RUnlock()

	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()

	var orphans []*models.Job
	for _, job := range s.jobs {
		if !models.IsActiveState(job.Status) || job.RunnerID == "" {
			continue
		}
		if !known[job.RunnerID] || stale[job.RunnerID] {
			orphans = append(orphans, job)
		}
	}
	return orphans, nil
}

// CancelJob cancels a job if it has not reached a terminal state
func (s *MemoryStore) CancelJob(id string) error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if err := models.ValidateTransition(job.Status, models.JobStatusCanceled); err != nil {
		return err
	}

	s.applyTransition(job, models.JobStatusCanceled, "canceled by request")
	return nil
}

// Lifecycle

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck is a no-op for the memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

// GetRunMetrics aggregates job and run statistics
func (s *MemoryStore) GetRunMetrics() (*RunMetrics, error) {
	metrics := &RunMetrics{
		JobsByState:  make(map[models.JobStatus]int),
		RunsByStatus: make(map[models.RunStatus]int),
	}

	s.jobsMu.RLock()
	var totalDuration float64
	var completed int
	for _, job := range s.jobs {
		metrics.JobsByState[job.Status]++
		switch job.Status {
		case models.JobStatusQueued:
			metrics.QueueLength++
		case models.JobStatusAssigned, models.JobStatusRunning:
			metrics.ActiveJobs++
		}
		if job.StartedAt != nil && job.CompletedAt != nil {
			totalDuration += job.CompletedAt.Sub(*job.StartedAt).Seconds()
			completed++
		}
	}
	s.jobsMu.RUnlock()

	if completed > 0 {
		metrics.AvgDuration = totalDuration / float64(completed)
	}

	s.runsMu.RLock()
	for _, run := range s.runs {
		metrics.RunsByStatus[run.Status]++
	}
	metrics.TotalRuns = len(s.runs)
	s.runsMu.RUnlock()

	return metrics, nil
}
