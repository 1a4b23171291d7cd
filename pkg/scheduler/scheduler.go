package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/gatehouse-ci/gatehouse/pkg/logging"
	"github.com/gatehouse-ci/gatehouse/pkg/models"
	"github.com/gatehouse-ci/gatehouse/pkg/store"
)

// Scheduler watches for runners that stopped heartbeating and fails
// their jobs. A job orphaned by a lost runner is failed outright and
// never requeued; the run it belongs to fails with it.
type Scheduler struct {
	store         store.Store
	logger        *logging.Logger
	interval      time.Duration
	runnerTimeout time.Duration
}

// Config configures a Scheduler.
type Config struct {
	Interval      time.Duration // sweep period, default 30s
	RunnerTimeout time.Duration // heartbeat lapse before a runner is lost, default 2m
	Logger        *logging.Logger
}

// New creates a scheduler
func New(s store.Store, cfg Config) *Scheduler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RunnerTimeout == 0 {
		cfg.RunnerTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(logging.INFO, false)
	}
	return &Scheduler{
		store:         s,
		logger:        cfg.Logger,
		interval:      cfg.Interval,
		runnerTimeout: cfg.RunnerTimeout,
	}
}

// Run sweeps until the context is canceled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info(fmt.Sprintf("Scheduler started (sweep every %s, runner timeout %s)",
		s.interval, s.runnerTimeout))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one maintenance pass
func (s *Scheduler) Sweep() {
	s.markOfflineRunners()
	s.failOrphanedJobs()
	s.cancelBlockedJobs()
	s.finalizeStalledRuns()
}

// cancelBlockedJobs cancels queued jobs whose needed sibling finished
// without completing, since they can never become eligible
func (s *Scheduler) cancelBlockedJobs() {
	queued, err := s.store.GetJobsInState(models.JobStatusQueued)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to query queued jobs: %v", err))
		return
	}

	for _, job := range queued {
		if len(job.Needs) == 0 {
			continue
		}
		siblings, err := s.store.GetJobsByRun(job.RunID)
		if err != nil {
			continue
		}
		blocker := job.BlockedBy(siblings)
		if blocker == "" {
			continue
		}

		reason := fmt.Sprintf("needed job %s did not complete", blocker)
		ok, err := s.store.TransitionJobState(job.ID, models.JobStatusCanceled, reason)
		if err != nil || !ok {
			continue
		}

		s.logger.Warn("Blocked job canceled", map[string]interface{}{
			"job":     job.Name,
			"job_id":  job.ID,
			"blocker": blocker,
		})

		if job, err := s.store.GetJob(job.ID); err == nil {
			job.Error = reason
			if err := s.store.UpdateJob(job); err != nil {
				s.logger.Error(fmt.Sprintf("Failed to record block reason on job %s: %v", job.ID, err))
			}
		}

		s.finalizeRun(job.RunID)
	}
}

// markOfflineRunners flags runners whose heartbeat lapsed
func (s *Scheduler) markOfflineRunners() {
	cutoff := time.Now().Add(-s.runnerTimeout)
	for _, runner := range s.store.GetAllRunners() {
		if runner.Status == models.RunnerStatusOffline || !runner.LastHeartbeat.Before(cutoff) {
			continue
		}
		s.logger.Warn("Runner went offline", map[string]interface{}{
			"runner":         runner.Name,
			"last_heartbeat": runner.LastHeartbeat.Format(time.RFC3339),
		})
		if err := s.store.UpdateRunnerStatus(runner.ID, models.RunnerStatusOffline); err != nil {
			s.logger.Error(fmt.Sprintf("Failed to mark runner %s offline: %v", runner.ID, err))
		}
	}
}

// failOrphanedJobs fails active jobs whose runner is gone
func (s *Scheduler) failOrphanedJobs() {
	orphans, err := s.store.GetOrphanedJobs(s.runnerTimeout)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to query orphaned jobs: %v", err))
		return
	}

	for _, job := range orphans {
		reason := fmt.Sprintf("runner %s lost (no heartbeat within %s)", job.RunnerID, s.runnerTimeout)
		ok, err := s.store.TransitionJobState(job.ID, models.JobStatusFailed, reason)
		if err != nil {
			s.logger.Error(fmt.Sprintf("Failed to fail orphaned job %s: %v", job.ID, err))
			continue
		}
		if !ok {
			continue
		}

		s.logger.Warn("Orphaned job failed", map[string]interface{}{
			"job":    job.Name,
			"job_id": job.ID,
			"runner": job.RunnerID,
		})

		job, err := s.store.GetJob(job.ID)
		if err != nil {
			continue
		}
		job.Error = reason
		if err := s.store.UpdateJob(job); err != nil {
			s.logger.Error(fmt.Sprintf("Failed to record orphan reason on job %s: %v", job.ID, err))
		}

		s.finalizeRun(job.RunID)
	}
}

// finalizeStalledRuns settles runs whose jobs all finished but whose
// status update was lost, for example to a master crash between the
// result delivery and the run update
func (s *Scheduler) finalizeStalledRuns() {
	for _, run := range s.store.GetAllRuns() {
		if models.IsTerminalRunState(run.Status) {
			continue
		}
		s.finalizeRun(run.ID)
	}
}

func (s *Scheduler) finalizeRun(runID string) {
	jobs, err := s.store.GetJobsByRun(runID)
	if err != nil {
		s.logger.Error(fmt.Sprintf("Failed to load jobs for run %s: %v", runID, err))
		return
	}

	status := models.DeriveRunStatus(jobs)
	run, err := s.store.GetRun(runID)
	if err != nil || run.Status == status {
		return
	}

	if err := s.store.UpdateRunStatus(runID, status); err != nil {
		s.logger.Error(fmt.Sprintf("Failed to update run %s: %v", runID, err))
		return
	}
	if models.IsTerminalRunState(status) {
		s.logger.Info(fmt.Sprintf("Run #%d finalized: %s", run.Number, status))
	}
}
