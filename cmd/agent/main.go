package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gatehouse-ci/gatehouse/pkg/cache"
	"github.com/gatehouse-ci/gatehouse/pkg/logging"
	"github.com/gatehouse-ci/gatehouse/pkg/metrics"
	"github.com/gatehouse-ci/gatehouse/pkg/models"
	"github.com/gatehouse-ci/gatehouse/pkg/runner"
	"github.com/gatehouse-ci/gatehouse/pkg/shutdown"
)

func main() {
	masterURL := flag.String("master", "http://localhost:8080", "Master API URL")
	apiKey := flag.String("api-key", os.Getenv("GATEHOUSE_API_KEY"), "API key for authentication")
	name := flag.String("name", "", "Runner name (default: hostname)")
	address := flag.String("address", "", "Address this runner reports to the master")
	workRoot := flag.String("work-dir", "./work", "Root directory for job workspaces")
	cacheDir := flag.String("cache-dir", "./cache", "Dependency cache directory")
	cloneBase := flag.String("clone-base", "https://github.com/", "Base URL for cloning repositories")
	pollInterval := flag.Duration("poll-interval", 5*time.Second, "Job poll period")
	heartbeatInterval := flag.Duration("heartbeat-interval", 30*time.Second, "Heartbeat period")
	jobTimeout := flag.Duration("job-timeout", 2*time.Hour, "Maximum wall-clock time per job")
	metricsPort := flag.String("metrics-port", "9092", "Prometheus metrics port")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logger, err := logging.NewFileLogger("agent", logging.ParseLevel(*logLevel), false)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()

	if *name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "runner"
		}
		*name = hostname
	}

	threads, cpuModel, ramBytes := runner.DetectHardware()
	toolchain := runner.DetectToolchain()
	logger.Info(fmt.Sprintf("Detected hardware: %d threads, %s", threads, cpuModel))
	if toolchain.CargoVersion == "" {
		logger.Warn("cargo not found on PATH, gate jobs will fail")
	}

	depCache, err := cache.New(*cacheDir)
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to open cache: %v", err))
	}

	client := runner.NewClient(*masterURL)
	client.SetAPIKey(*apiKey)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := &models.RunnerRegistration{
		Name:          *name,
		Address:       *address,
		CPUThreads:    threads,
		CPUModel:      cpuModel,
		RAMTotalBytes: ramBytes,
		Labels:        map[string]string{"os": "linux"},
		Toolchain:     toolchain,
	}
	self, err := client.Register(ctx, reg)
	if err != nil {
		logger.Fatal(fmt.Sprintf("Failed to register with master: %v", err))
	}
	logger.Info(fmt.Sprintf("Registered with master as %s [%s]", self.Name, self.ID))

	exporter := metrics.NewAgentExporter()
	metricsSrv := &http.Server{
		Addr: ":" + *metricsPort,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				exporter.ServeHTTP(w, r)
				return
			}
			http.NotFound(w, r)
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info(fmt.Sprintf("Metrics server listening on :%s", *metricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(fmt.Sprintf("Metrics server error: %v", err))
		}
	}()

	a := &agent{
		client:       client,
		cache:        depCache,
		exporter:     exporter,
		logger:       logger,
		workRoot:     *workRoot,
		cloneBase:    *cloneBase,
		toolchainID:  toolchain.CargoVersion,
		pollInterval: *pollInterval,
		jobTimeout:   *jobTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx, *heartbeatInterval) })
	g.Go(func() error { return a.pollLoop(gctx) })

	shutdownMgr := shutdown.New(60 * time.Second)
	shutdownMgr.Register(shutdown.StopHTTPServer(metricsSrv, "metrics"))
	shutdownMgr.Register(func(context.Context) error {
		cancel()
		return nil
	})

	go func() {
		if err := g.Wait(); err != nil && err != context.Canceled {
			logger.Error(fmt.Sprintf("Agent loop exited: %v", err))
		}
	}()

	shutdownMgr.Wait()
	shutdownMgr.Shutdown()
}

type agent struct {
	client       *runner.Client
	cache        *cache.Cache
	exporter     *metrics.AgentExporter
	logger       *logging.Logger
	workRoot     string
	cloneBase    string
	toolchainID  string
	pollInterval time.Duration
	jobTimeout   time.Duration
}

// heartbeatLoop keeps the master aware the runner is alive. A lapse
// makes the master fail this runner's active jobs.
func (a *agent) heartbeatLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.client.SendHeartbeat(ctx); err != nil {
				a.logger.Warn(fmt.Sprintf("Heartbeat failed: %v", err))
			}
		}
	}
}

// pollLoop asks the master for work and executes one job at a time
func (a *agent) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			job, err := a.client.GetNextJob(ctx)
			if err != nil {
				a.logger.Warn(fmt.Sprintf("Poll failed: %v", err))
				continue
			}
			if job == nil {
				continue
			}
			a.executeJob(ctx, job)
		}
	}
}

func (a *agent) executeJob(ctx context.Context, job *models.Job) {
	a.logger.Info(fmt.Sprintf("Executing job %s (%s) for %s@%s", job.ID, job.Name, job.Repo, job.CommitSHA))
	a.exporter.SetCurrentJob(job.ID)
	defer a.exporter.SetCurrentJob("")

	workDir := filepath.Join(a.workRoot, job.ID)
	defer os.RemoveAll(workDir)

	result := &models.JobResult{JobID: job.ID}

	if err := a.checkout(ctx, job, workDir); err != nil {
		a.logger.Error(fmt.Sprintf("Checkout failed for job %s: %v", job.ID, err))
		result.Status = models.JobStatusFailed
		result.ExitCode = 1
		result.Error = fmt.Sprintf("checkout failed: %v", err)
		result.CompletedAt = time.Now()
	} else {
		jobCtx, cancelJob := context.WithTimeout(ctx, a.jobTimeout)
		go a.watchCancellation(jobCtx, cancelJob, job.ID)

		if err := a.client.JobStarted(ctx, job.ID); err != nil {
			a.logger.Warn(fmt.Sprintf("Failed to mark job running: %v", err))
		}

		executor := runner.NewExecutor(runner.ExecutorConfig{
			WorkDir:   workDir,
			Cache:     a.cache,
			Toolchain: a.toolchainID,
			Logger:    a.logger,
		})
		result = executor.Execute(jobCtx, job)
		cancelJob()
	}

	a.exporter.RecordJobExecuted(string(result.Status), len(result.StepResults))

	if err := a.client.SendResults(ctx, result); err != nil {
		a.logger.Error(fmt.Sprintf("Failed to deliver result for job %s: %v", job.ID, err))
		return
	}
	a.logger.Info(fmt.Sprintf("Job %s finished: %s (exit code %d)", job.ID, result.Status, result.ExitCode))
}

// watchCancellation cancels the job context when the master reports the
// job was canceled
func (a *agent) watchCancellation(ctx context.Context, cancel context.CancelFunc, jobID string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			canceled, err := a.client.JobCanceled(ctx, jobID)
			if err != nil {
				continue
			}
			if canceled {
				a.logger.Warn(fmt.Sprintf("Job %s canceled by master", jobID))
				cancel()
				return
			}
		}
	}
}

// checkout clones the job's repository at the job's commit
func (a *agent) checkout(ctx context.Context, job *models.Job, workDir string) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return err
	}

	cloneURL := a.cloneBase + job.Repo + ".git"
	commands := [][]string{
		{"git", "init", "--quiet"},
		{"git", "remote", "add", "origin", cloneURL},
		{"git", "fetch", "--quiet", "--depth", "1", "origin", job.CommitSHA},
		{"git", "checkout", "--quiet", "FETCH_HEAD"},
	}
	for _, argv := range commands {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = workDir
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %w (%s)", argv[1], err, string(out))
		}
	}
	return nil
}
