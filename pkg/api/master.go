package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/gatehouse-ci/gatehouse/pkg/auth"
	"github.com/gatehouse-ci/gatehouse/pkg/models"
	"github.com/gatehouse-ci/gatehouse/pkg/pipeline"
	"github.com/gatehouse-ci/gatehouse/pkg/store"
)

// MetricsRecorder is an interface for recording scheduling metrics
type MetricsRecorder interface {
	RecordScheduleAttempt(result string)
	RecordRunFinished(status models.RunStatus)
}

// runnerTokenTTL bounds how long an issued runner token stays valid.
// Agents get a fresh token every time they register.
const runnerTokenTTL = 30 * 24 * time.Hour

// MasterHandler handles master API requests
type MasterHandler struct {
	store           store.Store
	pipelines       map[string]*pipeline.Pipeline
	tokens          *auth.TokenManager
	apiKey          string
	webhookSecret   string
	metricsRecorder MetricsRecorder
}

// NewMasterHandler creates a new master handler serving the given
// pipelines. The default verification pipeline is always available.
func NewMasterHandler(s store.Store, pipelines ...*pipeline.Pipeline) *MasterHandler {
	h := &MasterHandler{
		store:     s,
		pipelines: map[string]*pipeline.Pipeline{},
		tokens:    auth.NewTokenManager(),
	}
	def := pipeline.Default()
	h.pipelines[def.Name] = def
	for _, p := range pipelines {
		h.pipelines[p.Name] = p
	}
	return h
}

// SetAPIKey enables bearer token authentication on all routes except
// health and webhooks
func (h *MasterHandler) SetAPIKey(key string) {
	h.apiKey = key
}

// SetMetricsRecorder sets the metrics recorder for the handler
func (h *MasterHandler) SetMetricsRecorder(recorder MetricsRecorder) {
	h.metricsRecorder = recorder
}

// RegisterRoutes registers all API routes
func (h *MasterHandler) RegisterRoutes(r *mux.Router) {
	// Runner management
	r.HandleFunc("/runners/register", h.auth(h.RegisterRunner)).Methods("POST")
	r.HandleFunc("/runners", h.auth(h.ListRunners)).Methods("GET")
	r.HandleFunc("/runners/{id}", h.auth(h.GetRunnerDetails)).Methods("GET")
	r.HandleFunc("/runners/{id}", h.auth(h.RemoveRunner)).Methods("DELETE")
	r.HandleFunc("/runners/{id}/heartbeat", h.auth(h.RunnerHeartbeat)).Methods("POST")

	// Runs
	r.HandleFunc("/runs", h.auth(h.CreateRun)).Methods("POST")
	r.HandleFunc("/runs", h.auth(h.ListRuns)).Methods("GET")
	r.HandleFunc("/runs/{id}", h.auth(h.GetRun)).Methods("GET")
	r.HandleFunc("/runs/{id}/cancel", h.auth(h.CancelRun)).Methods("POST")

	// Jobs
	r.HandleFunc("/jobs/next", h.auth(h.GetNextJob)).Methods("GET")
	r.HandleFunc("/jobs", h.auth(h.ListJobs)).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.auth(h.GetJob)).Methods("GET")
	r.HandleFunc("/jobs/{id}/start", h.auth(h.JobStarted)).Methods("POST")
	r.HandleFunc("/jobs/{id}/cancel", h.auth(h.CancelJob)).Methods("POST")
	r.HandleFunc("/jobs/{id}/logs", h.auth(h.GetJobLogs)).Methods("GET")

	// Results and webhooks
	r.HandleFunc("/results", h.auth(h.ReceiveResults)).Methods("POST")
	r.HandleFunc("/hooks/pull-request", h.PullRequestHook).Methods("POST")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// auth wraps a handler with bearer token validation when an API key is
// configured. Requests carrying X-Runner-ID authenticate with the
// per-runner token issued at registration instead of the shared key.
func (h *MasterHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.apiKey != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if runnerID := r.Header.Get("X-Runner-ID"); runnerID != "" {
				if err := h.tokens.ValidateToken(runnerID, token); err != nil {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			} else if !auth.SecureCompare(token, h.apiKey) {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// RegisterRunner registers a new runner or refreshes an existing one
func (h *MasterHandler) RegisterRunner(w http.ResponseWriter, r *http.Request) {
	var reg models.RunnerRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Re-registration after an agent restart keeps the old identity
	for _, existing := range h.store.GetAllRunners() {
		if existing.Address == reg.Address {
			existing.Name = reg.Name
			existing.CPUThreads = reg.CPUThreads
			existing.CPUModel = reg.CPUModel
			existing.RAMTotalBytes = reg.RAMTotalBytes
			existing.Labels = reg.Labels
			existing.Toolchain = reg.Toolchain
			existing.Status = models.RunnerStatusAvailable
			existing.CurrentJobID = ""
			existing.LastHeartbeat = time.Now()

			if err := h.store.RegisterRunner(existing); err != nil {
				http.Error(w, "Failed to register runner", http.StatusInternalServerError)
				return
			}
			log.Printf("Runner re-registered: %s [%s] (%d threads, %s)",
				existing.Name, existing.ID, existing.CPUThreads, existing.CPUModel)

			if token, err := h.tokens.GenerateToken(existing.ID, runnerTokenTTL); err == nil {
				w.Header().Set("X-Runner-Token", token)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(existing)
			return
		}
	}

	runner := &models.Runner{
		ID:            uuid.New().String(),
		Name:          reg.Name,
		Address:       reg.Address,
		CPUThreads:    reg.CPUThreads,
		CPUModel:      reg.CPUModel,
		RAMTotalBytes: reg.RAMTotalBytes,
		Labels:        reg.Labels,
		Toolchain:     reg.Toolchain,
		Status:        models.RunnerStatusAvailable,
		LastHeartbeat: time.Now(),
		RegisteredAt:  time.Now(),
	}

	if err := h.store.RegisterRunner(runner); err != nil {
		log.Printf("Error registering runner: %v", err)
		http.Error(w, "Failed to register runner", http.StatusInternalServerError)
		return
	}

	log.Printf("Runner registered: %s [%s] (%d threads, %s)",
		runner.Name, runner.ID, runner.CPUThreads, runner.CPUModel)

	if token, err := h.tokens.GenerateToken(runner.ID, runnerTokenTTL); err == nil {
		w.Header().Set("X-Runner-Token", token)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(runner)
}

// ListRunners returns all registered runners
func (h *MasterHandler) ListRunners(w http.ResponseWriter, r *http.Request) {
	runners := h.store.GetAllRunners()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runners": runners,
		"count":   len(runners),
	})
}

// GetRunnerDetails returns one runner
func (h *MasterHandler) GetRunnerDetails(w http.ResponseWriter, r *http.Request) {
	runner, err := h.store.GetRunner(mux.Vars(r)["id"])
	if err == store.ErrRunnerNotFound {
		http.Error(w, "Runner not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get runner", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runner)
}

// RemoveRunner deregisters a runner
func (h *MasterHandler) RemoveRunner(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.store.DeleteRunner(id); err != nil {
		if err == store.ErrRunnerNotFound {
			http.Error(w, "Runner not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to remove runner", http.StatusInternalServerError)
		return
	}

	h.tokens.RevokeToken(id)
	log.Printf("Runner removed: %s", id)
	w.WriteHeader(http.StatusOK)
}

// RunnerHeartbeat updates runner heartbeat
func (h *MasterHandler) RunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.store.UpdateRunnerHeartbeat(mux.Vars(r)["id"]); err != nil {
		if err == store.ErrRunnerNotFound {
			http.Error(w, "Runner not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to update heartbeat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// CreateRun creates a run from an explicit request (CLI or API clients)
func (h *MasterHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Repo == "" || req.CommitSHA == "" {
		http.Error(w, "repo and commit_sha are required", http.StatusBadRequest)
		return
	}
	if req.Event == "" {
		req.Event = models.EventManual
	}

	run, err := h.startRun(&req)
	if err != nil {
		log.Printf("Error creating run: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(run)
}

// startRun creates a run and materializes its jobs into the queue
func (h *MasterHandler) startRun(req *models.RunRequest) (*models.Run, error) {
	name := req.Pipeline
	if name == "" {
		name = "verify"
	}
	p, ok := h.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("unknown pipeline %q", name)
	}

	run := &models.Run{
		ID:        uuid.New().String(),
		Repo:      req.Repo,
		Ref:       req.Ref,
		CommitSHA: req.CommitSHA,
		PRNumber:  req.PRNumber,
		Event:     req.Event,
		Pipeline:  p.Name,
		Status:    models.RunStatusPending,
		CreatedAt: time.Now(),
	}

	if err := h.store.CreateRun(run); err != nil {
		return nil, err
	}
	for _, job := range p.MaterializeJobs(run, func() string { return uuid.New().String() }) {
		if err := h.store.CreateJob(job); err != nil {
			return nil, err
		}
	}

	log.Printf("Run #%d created for %s@%s (%s)", run.Number, run.Repo, shortSHA(run.CommitSHA), run.Event)
	return run, nil
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// ListRuns returns all runs
func (h *MasterHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.store.GetAllRuns()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun returns a run with its jobs
func (h *MasterHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.store.GetRun(id)
	if err == store.ErrRunNotFound {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get run", http.StatusInternalServerError)
		return
	}

	jobs, err := h.store.GetJobsByRun(id)
	if err != nil {
		http.Error(w, "Failed to get run jobs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"run":  run,
		"jobs": jobs,
	})
}

// CancelRun cancels every non-terminal job of a run
func (h *MasterHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.store.GetRun(id); err != nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	jobs, err := h.store.GetJobsByRun(id)
	if err != nil {
		http.Error(w, "Failed to get run jobs", http.StatusInternalServerError)
		return
	}
	for _, job := range jobs {
		if models.IsTerminalState(job.Status) {
			continue
		}
		if _, err := h.store.TransitionJobState(job.ID, models.JobStatusCanceled, "run canceled"); err != nil {
			log.Printf("Warning: failed to cancel job %s: %v", job.ID, err)
		}
	}

	h.finalizeRun(id)
	w.WriteHeader(http.StatusOK)
}

// GetNextJob hands the oldest queued job to a polling runner
func (h *MasterHandler) GetNextJob(w http.ResponseWriter, r *http.Request) {
	runnerID := r.URL.Query().Get("runner_id")
	if runnerID == "" {
		http.Error(w, "runner_id is required", http.StatusBadRequest)
		return
	}
	runner, err := h.store.GetRunner(runnerID)
	if err != nil {
		http.Error(w, "Runner not found", http.StatusNotFound)
		return
	}

	job, err := h.store.GetNextQueuedJob(runnerID)
	if err != nil {
		http.Error(w, "Failed to get next job", http.StatusInternalServerError)
		return
	}
	if job == nil {
		if h.metricsRecorder != nil {
			h.metricsRecorder.RecordScheduleAttempt("empty")
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	job.RunnerName = runner.Name
	if err := h.store.UpdateJob(job); err != nil {
		log.Printf("Warning: failed to record runner name on job %s: %v", job.ID, err)
	}
	if err := h.store.UpdateRunnerStatus(runnerID, models.RunnerStatusBusy); err != nil {
		log.Printf("Warning: failed to mark runner busy: %v", err)
	}
	if h.metricsRecorder != nil {
		h.metricsRecorder.RecordScheduleAttempt("assigned")
	}

	log.Printf("Job %s (%s) assigned to runner %s", job.ID, job.Name, runner.Name)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"job": job})
}

// ListJobs returns all jobs, optionally filtered by status
func (h *MasterHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var jobs []*models.Job
	if status := r.URL.Query().Get("status"); status != "" {
		var err error
		jobs, err = h.store.GetJobsInState(models.JobStatus(status))
		if err != nil {
			http.Error(w, "Failed to list jobs", http.StatusInternalServerError)
			return
		}
	} else {
		jobs = h.store.GetAllJobs()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob returns one job
func (h *MasterHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(mux.Vars(r)["id"])
	if err == store.ErrJobNotFound {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// JobStarted marks an assigned job as running
func (h *MasterHandler) JobStarted(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, err := h.store.TransitionJobState(id, models.JobStatusRunning, "runner started execution")
	if err == store.ErrJobNotFound {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to start job", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "Job is not assigned", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// CancelJob cancels a single job
func (h *MasterHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	job, err := h.store.GetJob(id)
	if err == store.ErrJobNotFound {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}

	if err := h.store.CancelJob(id); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	h.finalizeRun(job.RunID)
	log.Printf("Job %s canceled", id)
	w.WriteHeader(http.StatusOK)
}

// GetJobLogs returns the captured output of a job
func (h *MasterHandler) GetJobLogs(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(mux.Vars(r)["id"])
	if err == store.ErrJobNotFound {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(job.Logs))
}

// ReceiveResults records a finished job's result and finalizes its run
// when every sibling job has reached a terminal state
func (h *MasterHandler) ReceiveResults(w http.ResponseWriter, r *http.Request) {
	var result models.JobResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.store.GetJob(result.JobID)
	if err == store.ErrJobNotFound {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "Failed to get job", http.StatusInternalServerError)
		return
	}

	// Agents that crashed before posting /jobs/{id}/start still deliver
	// a valid terminal result
	if job.Status == models.JobStatusAssigned {
		if _, err := h.store.TransitionJobState(job.ID, models.JobStatusRunning, "result received"); err != nil {
			log.Printf("Warning: failed to mark job %s running: %v", job.ID, err)
		}
	}

	ok, err := h.store.TransitionJobState(job.ID, result.Status, "result received")
	if err != nil {
		http.Error(w, "Failed to record result", http.StatusInternalServerError)
		return
	}
	if !ok {
		// Duplicate delivery of the same terminal result is fine
		log.Printf("Ignoring stale result for job %s (status %s -> %s)", job.ID, job.Status, result.Status)
		w.WriteHeader(http.StatusOK)
		return
	}

	job, err = h.store.GetJob(result.JobID)
	if err != nil {
		http.Error(w, "Failed to reload job", http.StatusInternalServerError)
		return
	}
	job.StepResults = result.StepResults
	job.ExitCode = result.ExitCode
	job.Error = result.Error
	job.Logs = result.Logs
	if err := h.store.UpdateJob(job); err != nil {
		http.Error(w, "Failed to store result", http.StatusInternalServerError)
		return
	}

	if result.RunnerID != "" {
		if err := h.store.UpdateRunnerStatus(result.RunnerID, models.RunnerStatusAvailable); err != nil {
			log.Printf("Warning: failed to release runner %s: %v", result.RunnerID, err)
		}
	}

	log.Printf("Job %s (%s) finished: %s (exit code %d)", job.ID, job.Name, result.Status, result.ExitCode)
	h.finalizeRun(job.RunID)

	w.WriteHeader(http.StatusOK)
}

// finalizeRun recomputes a run's status from its jobs
func (h *MasterHandler) finalizeRun(runID string) {
	jobs, err := h.store.GetJobsByRun(runID)
	if err != nil {
		log.Printf("Warning: failed to load jobs for run %s: %v", runID, err)
		return
	}

	status := models.DeriveRunStatus(jobs)
	run, err := h.store.GetRun(runID)
	if err != nil {
		log.Printf("Warning: failed to load run %s: %v", runID, err)
		return
	}
	if run.Status == status {
		return
	}

	if err := h.store.UpdateRunStatus(runID, status); err != nil {
		log.Printf("Warning: failed to update run %s status: %v", runID, err)
		return
	}
	if models.IsTerminalRunState(status) {
		log.Printf("Run #%d finished: %s", run.Number, status)
		if h.metricsRecorder != nil {
			h.metricsRecorder.RecordRunFinished(status)
		}
	}
}

// Health returns service health
func (h *MasterHandler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(); err != nil {
		http.Error(w, "Store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
