package models

import (
	"time"
)

// RunStatus represents the overall status of a pipeline run
type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"  // at least one job is not terminal
	RunStatusPassed   RunStatus = "passed"   // every job completed
	RunStatusFailed   RunStatus = "failed"   // at least one job failed
	RunStatusCanceled RunStatus = "canceled" // canceled before all jobs finished
)

// Trigger event names
const (
	EventPullRequest = "pull_request"
	EventManual      = "manual"
)

// Run is one triggered execution of a pipeline against a specific commit.
// A run owns one job per pipeline job spec; jobs are independent and may
// execute on different runners concurrently.
type Run struct {
	ID          string     `json:"id"`
	Number      int        `json:"number"` // human-friendly sequence number
	Repo        string     `json:"repo"`   // clone URL
	Ref         string     `json:"ref,omitempty"`
	CommitSHA   string     `json:"commit_sha"`
	PRNumber    int        `json:"pr_number,omitempty"`
	Event       string     `json:"event"` // pull_request or manual
	Pipeline    string     `json:"pipeline"`
	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunRequest represents a request to create a new run
type RunRequest struct {
	Repo      string `json:"repo"`
	Ref       string `json:"ref,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	PRNumber  int    `json:"pr_number,omitempty"`
	Event     string `json:"event,omitempty"`
	Pipeline  string `json:"pipeline,omitempty"`
}

// IsTerminalRunState returns true when no further status changes can occur.
func IsTerminalRunState(status RunStatus) bool {
	return status == RunStatusPassed || status == RunStatusFailed || status == RunStatusCanceled
}

// DeriveRunStatus computes a run's status from its jobs. A run stays pending
// until every job is terminal; any failure fails the run.
func DeriveRunStatus(jobs []*Job) RunStatus {
	if len(jobs) == 0 {
		return RunStatusPending
	}
	failed := false
	canceled := false
	for _, job := range jobs {
		if !IsTerminalState(job.Status) {
			return RunStatusPending
		}
		switch job.Status {
		case JobStatusFailed:
			failed = true
		case JobStatusCanceled:
			canceled = true
		}
	}
	if failed {
		return RunStatusFailed
	}
	if canceled {
		return RunStatusCanceled
	}
	return RunStatusPassed
}
