package models

import (
	"time"
)

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"    // Job is in queue, not yet assigned
	JobStatusAssigned  JobStatus = "assigned"  // Job assigned to a runner, not yet running
	JobStatusRunning   JobStatus = "running"   // Job actively running on a runner
	JobStatusCompleted JobStatus = "completed" // Job finished successfully
	JobStatusFailed    JobStatus = "failed"    // Job failed (step failure or lost runner)
	JobStatusCanceled  JobStatus = "canceled"  // Job explicitly canceled by user
)

// StepStatus represents the outcome of a single step within a job
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped" // never executed because an earlier step failed
)

// Step is one external command executed as part of a job.
// Steps run sequentially; the first non-zero exit fails the job.
type Step struct {
	Name string            `json:"name" yaml:"name"`
	Run  string            `json:"run" yaml:"run"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// Cache marks the step as a dependency-cache boundary: restore before
	// the first cache step, save after all steps succeed.
	Cache bool `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// Job represents one pipeline job (e.g. "gate", "examples") belonging to a run.
// The job carries its fully materialized step list so runners never need to
// read the pipeline definition themselves.
type Job struct {
	ID               string            `json:"id"`
	RunID            string            `json:"run_id"`
	Name             string            `json:"name"`
	Repo             string            `json:"repo"`
	CommitSHA        string            `json:"commit_sha"`
	Steps            []Step            `json:"steps"`
	Needs            []string          `json:"needs,omitempty"` // sibling job names that must complete first
	Status           JobStatus         `json:"status"`
	RunnerID         string            `json:"runner_id,omitempty"`
	RunnerName       string            `json:"runner_name,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	ExitCode         int               `json:"exit_code"` // exit code of the failing step, 0 on success
	Error            string            `json:"error,omitempty"`
	StepResults      []StepResult      `json:"step_results,omitempty"`
	Logs             string            `json:"logs,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// StepResult records the outcome of one executed (or skipped) step.
type StepResult struct {
	Name            string     `json:"name"`
	Status          StepStatus `json:"status"`
	ExitCode        int        `json:"exit_code"`
	DurationSeconds float64    `json:"duration_seconds"`
	Output          string     `json:"output,omitempty"` // tail of combined stdout+stderr
}

// JobResult is what a runner reports back to the master after executing a job.
type JobResult struct {
	JobID       string       `json:"job_id"`
	RunnerID    string       `json:"runner_id"`
	Status      JobStatus    `json:"status"`
	StepResults []StepResult `json:"step_results,omitempty"`
	ExitCode    int          `json:"exit_code"`
	Error       string       `json:"error,omitempty"`
	Logs        string       `json:"logs,omitempty"`
	CompletedAt time.Time    `json:"completed_at"`
}

// StateTransition tracks job state changes with timestamps
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// DependenciesMet reports whether every job named in Needs has completed
// among the given sibling jobs of the same run.
func (j *Job) DependenciesMet(siblings []*Job) bool {
	for _, need := range j.Needs {
		met := false
		for _, sib := range siblings {
			if sib.Name == need && sib.Status == JobStatusCompleted {
				met = true
				break
			}
		}
		if !met {
			return false
		}
	}
	return true
}

// BlockedBy returns the name of a needed sibling that finished without
// completing, making this job unrunnable. Empty when no dependency is lost.
func (j *Job) BlockedBy(siblings []*Job) string {
	for _, need := range j.Needs {
		for _, sib := range siblings {
			if sib.Name == need && IsTerminalState(sib.Status) && sib.Status != JobStatusCompleted {
				return sib.Name
			}
		}
	}
	return ""
}

// FailingStep returns the result of the step that failed the job, if any.
func (j *Job) FailingStep() *StepResult {
	for i := range j.StepResults {
		if j.StepResults[i].Status == StepStatusFailed {
			return &j.StepResults[i]
		}
	}
	return nil
}
