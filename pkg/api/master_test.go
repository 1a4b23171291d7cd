package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
	"github.com/gatehouse-ci/gatehouse/pkg/store"
)

func newTestServer(t *testing.T) (*httptest.Server, store.Store, *MasterHandler) {
	t.Helper()
	s := store.NewMemoryStore()
	h := NewMasterHandler(s)
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s, h
}

func registerRunner(t *testing.T, srv *httptest.Server) *models.Runner {
	t.Helper()
	reg := models.RunnerRegistration{
		Name:       "runner-1",
		Address:    "10.0.0.5:9090",
		CPUThreads: 8,
		CPUModel:   "test-cpu",
	}
	body, _ := json.Marshal(reg)
	resp, err := http.Post(srv.URL+"/runners/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var runner models.Runner
	if err := json.NewDecoder(resp.Body).Decode(&runner); err != nil {
		t.Fatal(err)
	}
	return &runner
}

func createRun(t *testing.T, srv *httptest.Server) *models.Run {
	t.Helper()
	req := models.RunRequest{
		Repo:      "dfinity/stable-structures",
		CommitSHA: "abc123def456",
	}
	body, _ := json.Marshal(req)
	resp, err := http.Post(srv.URL+"/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run status = %d", resp.StatusCode)
	}
	var run models.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatal(err)
	}
	return &run
}

func TestCreateRunMaterializesDefaultJobs(t *testing.T) {
	srv, s, _ := newTestServer(t)

	run := createRun(t, srv)
	if run.Event != models.EventManual {
		t.Errorf("event = %q, want manual", run.Event)
	}

	jobs, err := s.GetJobsByRun(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	names := map[string]bool{}
	for _, job := range jobs {
		names[job.Name] = true
		if job.Status != models.JobStatusQueued {
			t.Errorf("job %s status = %s, want queued", job.Name, job.Status)
		}
		if job.CommitSHA != run.CommitSHA {
			t.Errorf("job %s carries commit %q", job.Name, job.CommitSHA)
		}
	}
	if !names["gate"] || !names["examples"] {
		t.Errorf("expected gate and examples jobs, got %v", names)
	}
}

func TestRunnerPollsAndReportsResult(t *testing.T) {
	srv, s, _ := newTestServer(t)
	runner := registerRunner(t, srv)
	run := createRun(t, srv)

	// Poll for work.
	resp, err := http.Get(srv.URL + "/jobs/next?runner_id=" + runner.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("next job status = %d", resp.StatusCode)
	}
	var payload struct {
		Job *models.Job `json:"job"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	job := payload.Job
	if job.Status != models.JobStatusAssigned {
		t.Errorf("assigned job status = %s", job.Status)
	}
	if job.RunnerName != runner.Name {
		t.Errorf("runner name = %q", job.RunnerName)
	}

	// Mark running.
	resp, err = http.Post(srv.URL+"/jobs/"+job.ID+"/start", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}

	// Report failure with a verbatim exit code.
	result := models.JobResult{
		JobID:    job.ID,
		RunnerID: runner.ID,
		Status:   models.JobStatusFailed,
		ExitCode: 101,
		Error:    `step "test" exited with code 101`,
		StepResults: []models.StepResult{
			{Name: "fmt", Status: models.StepStatusSuccess},
			{Name: "clippy", Status: models.StepStatusSuccess},
			{Name: "test", Status: models.StepStatusFailed, ExitCode: 101},
		},
		Logs:        "=== test (failed) ===\n",
		CompletedAt: time.Now(),
	}
	body, _ := json.Marshal(result)
	resp, err = http.Post(srv.URL+"/results", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("results status = %d", resp.StatusCode)
	}

	stored, err := s.GetJob(job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.JobStatusFailed {
		t.Errorf("job status = %s, want failed", stored.Status)
	}
	if stored.ExitCode != 101 {
		t.Errorf("exit code = %d, want 101", stored.ExitCode)
	}
	if failing := stored.FailingStep(); failing == nil || failing.Name != "test" {
		t.Errorf("failing step = %+v", failing)
	}

	// One failed job fails the whole run once the sibling finishes.
	storedRun, _ := s.GetRun(run.ID)
	if storedRun.Status != models.RunStatusPending {
		t.Errorf("run should stay pending while examples is queued, got %s", storedRun.Status)
	}

	jobs, _ := s.GetJobsByRun(run.ID)
	for _, j := range jobs {
		if j.Status == models.JobStatusQueued {
			if _, err := s.AssignJobToRunner(j.ID, runner.ID); err != nil {
				t.Fatal(err)
			}
			res := models.JobResult{JobID: j.ID, RunnerID: runner.ID, Status: models.JobStatusCompleted}
			b, _ := json.Marshal(res)
			resp, err := http.Post(srv.URL+"/results", "application/json", bytes.NewReader(b))
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
		}
	}

	storedRun, _ = s.GetRun(run.ID)
	if storedRun.Status != models.RunStatusFailed {
		t.Errorf("run status = %s, want failed", storedRun.Status)
	}

	// Runner released.
	storedRunner, _ := s.GetRunner(runner.ID)
	if storedRunner.Status != models.RunnerStatusAvailable {
		t.Errorf("runner status = %s, want available", storedRunner.Status)
	}
}

func TestGetNextJobEmptyQueue(t *testing.T) {
	srv, _, _ := newTestServer(t)
	runner := registerRunner(t, srv)

	resp, err := http.Get(srv.URL + "/jobs/next?runner_id=" + runner.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("empty queue status = %d, want 204", resp.StatusCode)
	}
}

func TestCancelRun(t *testing.T) {
	srv, s, _ := newTestServer(t)
	run := createRun(t, srv)

	resp, err := http.Post(srv.URL+"/runs/"+run.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}

	jobs, _ := s.GetJobsByRun(run.ID)
	for _, job := range jobs {
		if job.Status != models.JobStatusCanceled {
			t.Errorf("job %s status = %s, want canceled", job.Name, job.Status)
		}
	}
	stored, _ := s.GetRun(run.ID)
	if stored.Status != models.RunStatusCanceled {
		t.Errorf("run status = %s, want canceled", stored.Status)
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewMasterHandler(s)
	h.SetAPIKey("secret-key")
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/runs")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", srv.URL+"/runs", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}

	// Health stays open for probes.
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
}

func TestRunnerTokenAuth(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewMasterHandler(s)
	h.SetAPIKey("secret-key")
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	reg := models.RunnerRegistration{Name: "runner-1", Address: "10.0.0.5:9090"}
	body, _ := json.Marshal(reg)
	req, _ := http.NewRequest("POST", srv.URL+"/runners/register", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret-key")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	token := resp.Header.Get("X-Runner-Token")
	var runner models.Runner
	if err := json.NewDecoder(resp.Body).Decode(&runner); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if token == "" {
		t.Fatal("registration issued no runner token")
	}

	// The issued token authenticates subsequent runner requests
	req, _ = http.NewRequest("POST", srv.URL+"/runners/"+runner.ID+"/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Runner-ID", runner.ID)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("heartbeat with runner token = %d, want 200", resp.StatusCode)
	}

	req, _ = http.NewRequest("POST", srv.URL+"/runners/"+runner.ID+"/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	req.Header.Set("X-Runner-ID", runner.ID)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("heartbeat with bad token = %d, want 401", resp.StatusCode)
	}
}

func prPayload(action string) []byte {
	return []byte(fmt.Sprintf(`{
		"action": %q,
		"number": 42,
		"pull_request": {"head": {"sha": "deadbeef", "ref": "feature/btree"}},
		"repository": {"full_name": "dfinity/stable-structures"}
	}`, action))
}

func TestWebhookCreatesRun(t *testing.T) {
	srv, s, _ := newTestServer(t)

	for _, action := range []string{"opened", "synchronize", "reopened"} {
		resp, err := http.Post(srv.URL+"/hooks/pull-request", "application/json",
			bytes.NewReader(prPayload(action)))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Errorf("action %s status = %d, want 201", action, resp.StatusCode)
		}
	}

	runs := s.GetAllRuns()
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].Event != models.EventPullRequest || runs[0].PRNumber != 42 {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestWebhookIgnoresOtherActions(t *testing.T) {
	srv, s, _ := newTestServer(t)

	for _, action := range []string{"closed", "labeled", "assigned"} {
		resp, err := http.Post(srv.URL+"/hooks/pull-request", "application/json",
			bytes.NewReader(prPayload(action)))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Errorf("action %s status = %d, want 202", action, resp.StatusCode)
		}
	}

	if runs := s.GetAllRuns(); len(runs) != 0 {
		t.Errorf("non-qualifying actions created %d runs", len(runs))
	}
}

func TestWebhookSignatureVerification(t *testing.T) {
	s := store.NewMemoryStore()
	h := NewMasterHandler(s)
	h.SetWebhookSecret("hook-secret")
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	payload := prPayload("opened")

	// Missing signature rejected.
	resp, err := http.Post(srv.URL+"/hooks/pull-request", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unsigned status = %d, want 401", resp.StatusCode)
	}

	// Valid signature accepted.
	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(payload)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req, _ := http.NewRequest("POST", srv.URL+"/hooks/pull-request", bytes.NewReader(payload))
	req.Header.Set("X-Hub-Signature-256", sig)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("signed status = %d, want 201", resp.StatusCode)
	}
}
