package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// AgentExporter exports Prometheus metrics for a runner agent
type AgentExporter struct {
	startTime     time.Time
	mu            sync.RWMutex
	jobsExecuted  map[string]int64 // status -> count
	currentJob    string
	stepsExecuted int64
}

// NewAgentExporter creates a new Prometheus exporter for an agent
func NewAgentExporter() *AgentExporter {
	return &AgentExporter{
		startTime:    time.Now(),
		jobsExecuted: make(map[string]int64),
	}
}

// SetCurrentJob records the job the agent is executing, "" when idle
func (e *AgentExporter) SetCurrentJob(jobID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.currentJob = jobID
}

// RecordJobExecuted records a finished job by terminal status
func (e *AgentExporter) RecordJobExecuted(status string, steps int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobsExecuted[status]++
	e.stepsExecuted += int64(steps)
}

// ServeHTTP serves Prometheus-compatible metrics at /metrics
func (e *AgentExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP gatehouse_agent_uptime_seconds Agent uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE gatehouse_agent_uptime_seconds gauge\n")
	fmt.Fprintf(w, "gatehouse_agent_uptime_seconds %.0f\n", time.Since(e.startTime).Seconds())

	e.mu.RLock()
	fmt.Fprintf(w, "\n# HELP gatehouse_agent_jobs_executed_total Jobs executed by terminal status\n")
	fmt.Fprintf(w, "# TYPE gatehouse_agent_jobs_executed_total counter\n")
	for status, count := range e.jobsExecuted {
		fmt.Fprintf(w, "gatehouse_agent_jobs_executed_total{status=\"%s\"} %d\n", status, count)
	}

	fmt.Fprintf(w, "\n# HELP gatehouse_agent_steps_executed_total Pipeline steps executed\n")
	fmt.Fprintf(w, "# TYPE gatehouse_agent_steps_executed_total counter\n")
	fmt.Fprintf(w, "gatehouse_agent_steps_executed_total %d\n", e.stepsExecuted)

	busy := 0
	if e.currentJob != "" {
		busy = 1
	}
	fmt.Fprintf(w, "\n# HELP gatehouse_agent_busy Whether the agent is executing a job\n")
	fmt.Fprintf(w, "# TYPE gatehouse_agent_busy gauge\n")
	fmt.Fprintf(w, "gatehouse_agent_busy %d\n", busy)
	e.mu.RUnlock()

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		fmt.Fprintf(w, "\n# HELP gatehouse_agent_cpu_percent Agent host CPU utilization\n")
		fmt.Fprintf(w, "# TYPE gatehouse_agent_cpu_percent gauge\n")
		fmt.Fprintf(w, "gatehouse_agent_cpu_percent %.2f\n", percents[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Fprintf(w, "\n# HELP gatehouse_agent_memory_used_bytes Agent host memory in use\n")
		fmt.Fprintf(w, "# TYPE gatehouse_agent_memory_used_bytes gauge\n")
		fmt.Fprintf(w, "gatehouse_agent_memory_used_bytes %d\n", vm.Used)
	}
}
