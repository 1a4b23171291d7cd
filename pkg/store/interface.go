package store

import (
	"errors"
	"time"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
)

var (
	ErrRunnerNotFound = errors.New("runner not found")
	ErrRunNotFound    = errors.New("run not found")
	ErrJobNotFound    = errors.New("job not found")

	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// Store defines the interface for data persistence.
// SQLite and PostgreSQL implement it for durable deployments, the memory
// store for tests and single-process setups.
type Store interface {
	// Runner operations
	RegisterRunner(runner *models.Runner) error
	GetRunner(id string) (*models.Runner, error)
	GetAllRunners() []*models.Runner
	UpdateRunnerStatus(id, status string) error
	UpdateRunnerHeartbeat(id string) error
	DeleteRunner(id string) error

	// Run operations
	CreateRun(run *models.Run) error
	GetRun(id string) (*models.Run, error)
	GetAllRuns() []*models.Run
	UpdateRunStatus(id string, status models.RunStatus) error

	// Job operations
	CreateJob(job *models.Job) error
	GetJob(id string) (*models.Job, error)
	GetJobsByRun(runID string) ([]*models.Job, error)
	GetAllJobs() []*models.Job
	UpdateJob(job *models.Job) error
	AppendJobLogs(id string, logs string) error

	// Job state management. Transitions are validated against the FSM and
	// return false when another writer got there first.
	TransitionJobState(jobID string, toState models.JobStatus, reason string) (bool, error)
	AssignJobToRunner(jobID, runnerID string) (bool, error)
	GetNextQueuedJob(runnerID string) (*models.Job, error)
	GetJobsInState(state models.JobStatus) ([]*models.Job, error)
	GetOrphanedJobs(runnerTimeout time.Duration) ([]*models.Job, error)
	CancelJob(id string) error

	// Lifecycle
	Close() error
	HealthCheck() error

	// Metrics operations
	GetRunMetrics() (*RunMetrics, error)
}

// RunMetrics contains aggregated statistics for the metrics endpoint.
type RunMetrics struct {
	JobsByState  map[models.JobStatus]int
	RunsByStatus map[models.RunStatus]int
	QueueLength  int
	ActiveJobs   int
	AvgDuration  float64
	TotalRuns    int
}

// Config holds database configuration.
type Config struct {
	Type string // "memory", "sqlite" or "postgres"
	DSN  string // Connection string

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SQLite specific
	Path string
}

// NewStore creates a store based on configuration.
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgresStore(config)
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "":
		path := config.Path
		if path == "" {
			path = config.DSN
		}
		if path == "" {
			path = "gatehouse.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, ErrUnsupportedDatabase
	}
}
