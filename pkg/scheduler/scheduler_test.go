package scheduler

import (
	"testing"
	"time"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
	"github.com/gatehouse-ci/gatehouse/pkg/store"
)

func newSweeper(t *testing.T, s store.Store) *Scheduler {
	t.Helper()
	return New(s, Config{
		Interval:      time.Second,
		RunnerTimeout: time.Minute,
	})
}

func seedRunner(t *testing.T, s store.Store, id string, heartbeat time.Time) {
	t.Helper()
	err := s.RegisterRunner(&models.Runner{
		ID:            id,
		Name:          id,
		Address:       id + ":9090",
		Status:        models.RunnerStatusBusy,
		LastHeartbeat: heartbeat,
		RegisteredAt:  heartbeat,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func seedRunningJob(t *testing.T, s store.Store, jobID, runID, runnerID string) {
	t.Helper()
	err := s.CreateJob(&models.Job{
		ID:        jobID,
		RunID:     runID,
		Name:      "gate",
		Status:    models.JobStatusQueued,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.AssignJobToRunner(jobID, runnerID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.TransitionJobState(jobID, models.JobStatusRunning, "test"); err != nil {
		t.Fatal(err)
	}
}

func TestSweepFailsOrphanedJobs(t *testing.T) {
	s := store.NewMemoryStore()
	sched := newSweeper(t, s)

	if err := s.CreateRun(&models.Run{
		ID: "run1", Repo: "r", CommitSHA: "c", Event: models.EventManual,
		Pipeline: "verify", Status: models.RunStatusPending, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	seedRunner(t, s, "lost", time.Now().Add(-5*time.Minute))
	seedRunningJob(t, s, "j1", "run1", "lost")

	sched.Sweep()

	job, err := s.GetJob("j1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("orphaned job status = %s, want failed", job.Status)
	}
	if job.Error == "" {
		t.Error("orphaned job should record a reason")
	}

	// No requeue: the job must stay failed on the next sweep.
	sched.Sweep()
	job, _ = s.GetJob("j1")
	if job.Status != models.JobStatusFailed {
		t.Errorf("job was resurrected: %s", job.Status)
	}

	run, _ := s.GetRun("run1")
	if run.Status != models.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}

	runner, _ := s.GetRunner("lost")
	if runner.Status != models.RunnerStatusOffline {
		t.Errorf("runner status = %s, want offline", runner.Status)
	}
}

func TestSweepLeavesHealthyJobsAlone(t *testing.T) {
	s := store.NewMemoryStore()
	sched := newSweeper(t, s)

	seedRunner(t, s, "healthy", time.Now())
	seedRunningJob(t, s, "j1", "run1", "healthy")

	sched.Sweep()

	job, _ := s.GetJob("j1")
	if job.Status != models.JobStatusRunning {
		t.Errorf("healthy job status = %s, want running", job.Status)
	}
	runner, _ := s.GetRunner("healthy")
	if runner.Status != models.RunnerStatusBusy {
		t.Errorf("healthy runner status = %s", runner.Status)
	}
}

func TestSweepFinalizesStalledRun(t *testing.T) {
	s := store.NewMemoryStore()
	sched := newSweeper(t, s)

	if err := s.CreateRun(&models.Run{
		ID: "run1", Repo: "r", CommitSHA: "c", Event: models.EventManual,
		Pipeline: "verify", Status: models.RunStatusPending, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	seedRunner(t, s, "r1", time.Now())
	seedRunningJob(t, s, "j1", "run1", "r1")
	if _, err := s.TransitionJobState("j1", models.JobStatusCompleted, "done"); err != nil {
		t.Fatal(err)
	}

	// Run status update was lost; the sweep settles it.
	sched.Sweep()

	run, _ := s.GetRun("run1")
	if run.Status != models.RunStatusPassed {
		t.Errorf("run status = %s, want passed", run.Status)
	}
}

func TestSweepCancelsBlockedJobs(t *testing.T) {
	s := store.NewMemoryStore()
	sched := newSweeper(t, s)

	if err := s.CreateRun(&models.Run{
		ID: "run1", Repo: "r", CommitSHA: "c", Event: models.EventManual,
		Pipeline: "verify", Status: models.RunStatusPending, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	seedRunner(t, s, "r1", time.Now())
	seedRunningJob(t, s, "j-gate", "run1", "r1")
	if _, err := s.TransitionJobState("j-gate", models.JobStatusFailed, "step failed"); err != nil {
		t.Fatal(err)
	}

	if err := s.CreateJob(&models.Job{
		ID:        "j-audit",
		RunID:     "run1",
		Name:      "audit",
		Needs:     []string{"gate"},
		Status:    models.JobStatusQueued,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	sched.Sweep()

	job, err := s.GetJob("j-audit")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusCanceled {
		t.Errorf("blocked job status = %s, want canceled", job.Status)
	}
	if job.Error == "" {
		t.Error("blocked job should record a reason")
	}

	run, _ := s.GetRun("run1")
	if run.Status != models.RunStatusFailed {
		t.Errorf("run status = %s, want failed", run.Status)
	}
}
