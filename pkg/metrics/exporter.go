package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
	"github.com/gatehouse-ci/gatehouse/pkg/store"
)

// MasterExporter exports Prometheus metrics for the master
type MasterExporter struct {
	store            store.Store
	startTime        time.Time
	mu               sync.RWMutex
	scheduleAttempts map[string]int64 // result -> count
	runsFinished     map[models.RunStatus]int64
}

// NewMasterExporter creates a new Prometheus exporter for the master
func NewMasterExporter(s store.Store) *MasterExporter {
	return &MasterExporter{
		store:            s,
		startTime:        time.Now(),
		scheduleAttempts: make(map[string]int64),
		runsFinished:     make(map[models.RunStatus]int64),
	}
}

// RecordScheduleAttempt records a scheduling attempt
func (e *MasterExporter) RecordScheduleAttempt(result string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scheduleAttempts[result]++
}

// RecordRunFinished records a run reaching a terminal state
func (e *MasterExporter) RecordRunFinished(status models.RunStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runsFinished[status]++
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *MasterExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	runners := e.store.GetAllRunners()
	runMetrics, err := e.store.GetRunMetrics()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error collecting run metrics: %v", err), http.StatusInternalServerError)
		return
	}

	// gatehouse_jobs_total{state}
	fmt.Fprintf(w, "# HELP gatehouse_jobs_total Total number of jobs by state\n")
	fmt.Fprintf(w, "# TYPE gatehouse_jobs_total counter\n")
	for _, state := range []models.JobStatus{
		models.JobStatusQueued, models.JobStatusAssigned, models.JobStatusRunning,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCanceled,
	} {
		fmt.Fprintf(w, "gatehouse_jobs_total{state=\"%s\"} %d\n", state, runMetrics.JobsByState[state])
	}

	fmt.Fprintf(w, "\n# HELP gatehouse_active_jobs Number of currently active jobs\n")
	fmt.Fprintf(w, "# TYPE gatehouse_active_jobs gauge\n")
	fmt.Fprintf(w, "gatehouse_active_jobs %d\n", runMetrics.ActiveJobs)

	fmt.Fprintf(w, "\n# HELP gatehouse_queue_length Number of queued jobs awaiting a runner\n")
	fmt.Fprintf(w, "# TYPE gatehouse_queue_length gauge\n")
	fmt.Fprintf(w, "gatehouse_queue_length %d\n", runMetrics.QueueLength)

	fmt.Fprintf(w, "\n# HELP gatehouse_job_duration_seconds Average job duration in seconds\n")
	fmt.Fprintf(w, "# TYPE gatehouse_job_duration_seconds gauge\n")
	fmt.Fprintf(w, "gatehouse_job_duration_seconds %.2f\n", runMetrics.AvgDuration)

	// gatehouse_runs_total{status}
	fmt.Fprintf(w, "\n# HELP gatehouse_runs_total Total number of runs by status\n")
	fmt.Fprintf(w, "# TYPE gatehouse_runs_total counter\n")
	for _, status := range []models.RunStatus{
		models.RunStatusPending, models.RunStatusPassed,
		models.RunStatusFailed, models.RunStatusCanceled,
	} {
		fmt.Fprintf(w, "gatehouse_runs_total{status=\"%s\"} %d\n", status, runMetrics.RunsByStatus[status])
	}

	e.mu.RLock()
	fmt.Fprintf(w, "\n# HELP gatehouse_schedule_attempts_total Total scheduling attempts by result\n")
	fmt.Fprintf(w, "# TYPE gatehouse_schedule_attempts_total counter\n")
	for result, count := range e.scheduleAttempts {
		fmt.Fprintf(w, "gatehouse_schedule_attempts_total{result=\"%s\"} %d\n", result, count)
	}

	fmt.Fprintf(w, "\n# HELP gatehouse_runs_finished_total Runs reaching a terminal status\n")
	fmt.Fprintf(w, "# TYPE gatehouse_runs_finished_total counter\n")
	for status, count := range e.runsFinished {
		fmt.Fprintf(w, "gatehouse_runs_finished_total{status=\"%s\"} %d\n", status, count)
	}
	e.mu.RUnlock()

	fmt.Fprintf(w, "\n# HELP gatehouse_master_uptime_seconds Master uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE gatehouse_master_uptime_seconds gauge\n")
	fmt.Fprintf(w, "gatehouse_master_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	fmt.Fprintf(w, "\n# HELP gatehouse_runners_total Total number of registered runners\n")
	fmt.Fprintf(w, "# TYPE gatehouse_runners_total gauge\n")
	fmt.Fprintf(w, "gatehouse_runners_total %d\n", len(runners))

	runnersByStatus := map[string]int{
		models.RunnerStatusAvailable: 0,
		models.RunnerStatusBusy:      0,
		models.RunnerStatusOffline:   0,
	}
	for _, runner := range runners {
		runnersByStatus[runner.Status]++
	}
	fmt.Fprintf(w, "\n# HELP gatehouse_runners_by_status Runners by status\n")
	fmt.Fprintf(w, "# TYPE gatehouse_runners_by_status gauge\n")
	for _, status := range []string{
		models.RunnerStatusAvailable, models.RunnerStatusBusy, models.RunnerStatusOffline,
	} {
		fmt.Fprintf(w, "gatehouse_runners_by_status{status=\"%s\"} %d\n", status, runnersByStatus[status])
	}

	// Append the metrics registered with the Prometheus default registry
	// (HTTP traffic counters and histograms from the middleware)
	fmt.Fprintf(w, "\n")

	metricFamilies, err := promclient.DefaultGatherer.Gather()
	if err != nil {
		fmt.Fprintf(w, "# Error gathering Prometheus metrics: %v\n", err)
		return
	}

	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metricFamilies {
		if err := encoder.Encode(mf); err != nil {
			fmt.Fprintf(w, "# Error encoding metric %s: %v\n", mf.GetName(), err)
		}
	}
	w.Write(buf.Bytes())
}
