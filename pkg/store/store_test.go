package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
)

// storeFactories builds each implementation that can run without an
// external database.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
			if err != nil {
				t.Fatalf("failed to open sqlite store: %v", err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func newTestRunner(id string) *models.Runner {
	return &models.Runner{
		ID:            id,
		Name:          "runner-" + id,
		Address:       "10.0.0.1:9090",
		CPUThreads:    8,
		CPUModel:      "test-cpu",
		RAMTotalBytes: 16 << 30,
		Labels:        map[string]string{"os": "linux"},
		Toolchain:     models.Toolchain{CargoVersion: "1.76.0", RustupPresent: true},
		Status:        models.RunnerStatusAvailable,
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	}
}

func newTestJob(id, runID string) *models.Job {
	return &models.Job{
		ID:        id,
		RunID:     runID,
		Name:      "gate",
		Repo:      "dfinity/stable-structures",
		CommitSHA: "abc123",
		Steps: []models.Step{
			{Name: "fmt", Run: "cargo fmt --all -- --check"},
		},
		Status:    models.JobStatusQueued,
		CreatedAt: time.Now(),
	}
}

func TestRunnerLifecycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			runner := newTestRunner("r1")
			if err := s.RegisterRunner(runner); err != nil {
				t.Fatalf("register: %v", err)
			}

			got, err := s.GetRunner("r1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Name != runner.Name {
				t.Errorf("name = %q, want %q", got.Name, runner.Name)
			}
			if got.Toolchain.CargoVersion != "1.76.0" {
				t.Errorf("toolchain cargo version = %q", got.Toolchain.CargoVersion)
			}
			if got.Labels["os"] != "linux" {
				t.Errorf("labels lost: %v", got.Labels)
			}

			if err := s.UpdateRunnerStatus("r1", models.RunnerStatusBusy); err != nil {
				t.Fatalf("update status: %v", err)
			}
			got, _ = s.GetRunner("r1")
			if got.Status != models.RunnerStatusBusy {
				t.Errorf("status = %q, want busy", got.Status)
			}

			if err := s.DeleteRunner("r1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := s.GetRunner("r1"); err != ErrRunnerNotFound {
				t.Errorf("expected ErrRunnerNotFound, got %v", err)
			}
		})
	}
}

func TestRunNumbersIncrement(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			for i := 1; i <= 3; i++ {
				run := &models.Run{
					ID:        string(rune('a' + i - 1)),
					Repo:      "dfinity/stable-structures",
					CommitSHA: "abc",
					Event:     models.EventManual,
					Pipeline:  "verify",
					Status:    models.RunStatusPending,
					CreatedAt: time.Now(),
				}
				if err := s.CreateRun(run); err != nil {
					t.Fatalf("create run %d: %v", i, err)
				}
				if run.Number != i {
					t.Errorf("run %d got number %d", i, run.Number)
				}
			}

			runs := s.GetAllRuns()
			if len(runs) != 3 {
				t.Fatalf("expected 3 runs, got %d", len(runs))
			}
			if runs[0].Number != 3 {
				t.Errorf("newest run first, got number %d", runs[0].Number)
			}
		})
	}
}

func TestJobAssignmentFollowsFSM(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			if err := s.CreateJob(newTestJob("j1", "run1")); err != nil {
				t.Fatalf("create: %v", err)
			}

			ok, err := s.AssignJobToRunner("j1", "r1")
			if err != nil {
				t.Fatalf("assign: %v", err)
			}
			if !ok {
				t.Fatal("queued job should be assignable")
			}

			// Second assignment must lose the race.
			ok, err = s.AssignJobToRunner("j1", "r2")
			if err != nil {
				t.Fatalf("reassign: %v", err)
			}
			if ok {
				t.Error("assigned job must not be assignable again")
			}

			job, err := s.GetJob("j1")
			if err != nil {
				t.Fatal(err)
			}
			if job.RunnerID != "r1" {
				t.Errorf("runner = %q, want r1", job.RunnerID)
			}
			if len(job.StateTransitions) != 1 {
				t.Errorf("expected 1 recorded transition, got %d", len(job.StateTransitions))
			}
		})
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			if err := s.CreateJob(newTestJob("j1", "run1")); err != nil {
				t.Fatal(err)
			}
			mustTransition(t, s, "j1", models.JobStatusAssigned)
			mustTransition(t, s, "j1", models.JobStatusRunning)
			mustTransition(t, s, "j1", models.JobStatusFailed)

			ok, err := s.TransitionJobState("j1", models.JobStatusRunning, "retry attempt")
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Error("failed job must not re-enter running")
			}

			job, _ := s.GetJob("j1")
			if job.CompletedAt == nil {
				t.Error("terminal job should have a completion time")
			}
		})
	}
}

func mustTransition(t *testing.T, s Store, jobID string, to models.JobStatus) {
	t.Helper()
	ok, err := s.TransitionJobState(jobID, to, "test")
	if err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
	if !ok {
		t.Fatalf("transition to %s rejected", to)
	}
}

func TestGetNextQueuedJobFIFO(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			first := newTestJob("j1", "run1")
			first.CreatedAt = time.Now().Add(-time.Minute)
			second := newTestJob("j2", "run1")
			if err := s.CreateJob(first); err != nil {
				t.Fatal(err)
			}
			if err := s.CreateJob(second); err != nil {
				t.Fatal(err)
			}

			job, err := s.GetNextQueuedJob("r1")
			if err != nil {
				t.Fatal(err)
			}
			if job == nil || job.ID != "j1" {
				t.Fatalf("expected oldest job first, got %+v", job)
			}

			job, err = s.GetNextQueuedJob("r1")
			if err != nil {
				t.Fatal(err)
			}
			if job == nil || job.ID != "j2" {
				t.Fatalf("expected j2, got %+v", job)
			}

			job, err = s.GetNextQueuedJob("r1")
			if err != nil {
				t.Fatal(err)
			}
			if job != nil {
				t.Errorf("empty queue should return nil, got %s", job.ID)
			}
		})
	}
}

func TestConcurrentAssignment(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			if err := s.CreateJob(newTestJob("j1", "run1")); err != nil {
				t.Fatal(err)
			}

			var wg sync.WaitGroup
			var mu sync.Mutex
			winners := 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					ok, err := s.AssignJobToRunner("j1", "runner")
					if err != nil {
						t.Errorf("assign: %v", err)
						return
					}
					if ok {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			if winners != 1 {
				t.Errorf("exactly one assignment must win, got %d", winners)
			}
		})
	}
}

func TestOrphanScanDuringRegistration(t *testing.T) {
	s := NewMemoryStore()

	if err := s.CreateJob(newTestJob("j1", "run1")); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := s.RegisterRunner(newTestRunner(fmt.Sprintf("r%d", n))); err != nil {
				t.Errorf("register: %v", err)
			}
		}(i)
	}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GetOrphanedJobs(5 * time.Minute); err != nil {
				t.Errorf("orphan scan: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestOrphanDetection(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			stale := newTestRunner("stale")
			stale.LastHeartbeat = time.Now().Add(-10 * time.Minute)
			if err := s.RegisterRunner(stale); err != nil {
				t.Fatal(err)
			}
			fresh := newTestRunner("fresh")
			if err := s.RegisterRunner(fresh); err != nil {
				t.Fatal(err)
			}

			orphan := newTestJob("j1", "run1")
			if err := s.CreateJob(orphan); err != nil {
				t.Fatal(err)
			}
			if _, err := s.AssignJobToRunner("j1", "stale"); err != nil {
				t.Fatal(err)
			}

			healthy := newTestJob("j2", "run1")
			if err := s.CreateJob(healthy); err != nil {
				t.Fatal(err)
			}
			if _, err := s.AssignJobToRunner("j2", "fresh"); err != nil {
				t.Fatal(err)
			}

			orphans, err := s.GetOrphanedJobs(5 * time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if len(orphans) != 1 || orphans[0].ID != "j1" {
				t.Errorf("expected only j1 orphaned, got %v", orphans)
			}
		})
	}
}

func TestOfflineRunnerJobsStayOrphaned(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			lost := newTestRunner("lost")
			lost.LastHeartbeat = time.Now().Add(-10 * time.Minute)
			if err := s.RegisterRunner(lost); err != nil {
				t.Fatal(err)
			}

			job := newTestJob("j1", "run1")
			if err := s.CreateJob(job); err != nil {
				t.Fatal(err)
			}
			if _, err := s.AssignJobToRunner("j1", "lost"); err != nil {
				t.Fatal(err)
			}

			// Marking the runner offline must not refresh its heartbeat:
			// the job has to surface as orphaned in the very same pass.
			if err := s.UpdateRunnerStatus("lost", models.RunnerStatusOffline); err != nil {
				t.Fatal(err)
			}

			orphans, err := s.GetOrphanedJobs(5 * time.Minute)
			if err != nil {
				t.Fatal(err)
			}
			if len(orphans) != 1 || orphans[0].ID != "j1" {
				t.Fatalf("expected j1 orphaned after runner marked offline, got %v", orphans)
			}
		})
	}
}

func TestRunMetrics(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			run := &models.Run{
				ID: "run1", Repo: "r", CommitSHA: "c", Event: models.EventManual,
				Pipeline: "verify", Status: models.RunStatusPending, CreatedAt: time.Now(),
			}
			if err := s.CreateRun(run); err != nil {
				t.Fatal(err)
			}
			if err := s.CreateJob(newTestJob("j1", "run1")); err != nil {
				t.Fatal(err)
			}
			if err := s.CreateJob(newTestJob("j2", "run1")); err != nil {
				t.Fatal(err)
			}
			if _, err := s.AssignJobToRunner("j2", "r1"); err != nil {
				t.Fatal(err)
			}

			metrics, err := s.GetRunMetrics()
			if err != nil {
				t.Fatal(err)
			}
			if metrics.QueueLength != 1 {
				t.Errorf("queue length = %d, want 1", metrics.QueueLength)
			}
			if metrics.ActiveJobs != 1 {
				t.Errorf("active jobs = %d, want 1", metrics.ActiveJobs)
			}
			if metrics.TotalRuns != 1 {
				t.Errorf("total runs = %d, want 1", metrics.TotalRuns)
			}
		})
	}
}

func TestNeedsGateAssignment(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			// The dependent job is older than the job it needs, so FIFO
			// alone would hand it out first.
			dependent := newTestJob("j-audit", "run1")
			dependent.Name = "audit"
			dependent.Needs = []string{"gate"}
			dependent.CreatedAt = time.Now().Add(-time.Minute)
			if err := s.CreateJob(dependent); err != nil {
				t.Fatal(err)
			}
			base := newTestJob("j-gate", "run1")
			if err := s.CreateJob(base); err != nil {
				t.Fatal(err)
			}

			got, err := s.GetNextQueuedJob("r1")
			if err != nil {
				t.Fatal(err)
			}
			if got == nil || got.ID != "j-gate" {
				t.Fatalf("first assignment = %+v, want j-gate", got)
			}

			// Dependent stays queued while gate is in flight
			got, err = s.GetNextQueuedJob("r2")
			if err != nil {
				t.Fatal(err)
			}
			if got != nil {
				t.Fatalf("assigned %s before its dependency completed", got.ID)
			}

			mustTransition(t, s, "j-gate", models.JobStatusRunning)
			mustTransition(t, s, "j-gate", models.JobStatusCompleted)

			got, err = s.GetNextQueuedJob("r2")
			if err != nil {
				t.Fatal(err)
			}
			if got == nil || got.ID != "j-audit" {
				t.Fatalf("after completion assignment = %+v, want j-audit", got)
			}
			if got.RunnerID != "r2" {
				t.Errorf("runner = %q, want r2", got.RunnerID)
			}
		})
	}
}

func TestNeedsRoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)

			job := newTestJob("j1", "run1")
			job.Needs = []string{"gate", "examples"}
			if err := s.CreateJob(job); err != nil {
				t.Fatal(err)
			}

			got, err := s.GetJob("j1")
			if err != nil {
				t.Fatal(err)
			}
			if len(got.Needs) != 2 || got.Needs[0] != "gate" || got.Needs[1] != "examples" {
				t.Errorf("needs = %v", got.Needs)
			}
		})
	}
}
