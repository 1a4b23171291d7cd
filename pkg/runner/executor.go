package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gatehouse-ci/gatehouse/pkg/cache"
	"github.com/gatehouse-ci/gatehouse/pkg/logging"
	"github.com/gatehouse-ci/gatehouse/pkg/models"
)

const (
	// maxStepOutput bounds the output kept per step. Cargo builds can
	// produce megabytes; only the tail matters for diagnosing a failure.
	maxStepOutput = 64 * 1024

	// killGracePeriod is how long a canceled step's process group gets
	// between SIGTERM and SIGKILL.
	killGracePeriod = 10 * time.Second
)

// Executor runs the steps of one job sequentially in a workspace
// directory. The first step that exits non-zero fails the job; every
// remaining step is recorded as skipped and never started.
type Executor struct {
	workDir    string
	depCache   *cache.Cache
	cachePaths []string
	lockfile   string
	toolchain  string
	logger     *logging.Logger
}

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	WorkDir    string
	Cache      *cache.Cache
	CachePaths []string // workspace-relative dirs saved and restored, default ["target"]
	Lockfile   string   // workspace-relative lockfile, default "Cargo.lock"
	Toolchain  string   // toolchain identifier mixed into cache keys
	Logger     *logging.Logger
}

// NewExecutor creates an executor for a workspace
func NewExecutor(cfg ExecutorConfig) *Executor {
	if len(cfg.CachePaths) == 0 {
		cfg.CachePaths = []string{"target"}
	}
	if cfg.Lockfile == "" {
		cfg.Lockfile = "Cargo.lock"
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger(logging.INFO, false)
	}
	return &Executor{
		workDir:    cfg.WorkDir,
		depCache:   cfg.Cache,
		cachePaths: cfg.CachePaths,
		lockfile:   cfg.Lockfile,
		toolchain:  cfg.Toolchain,
		logger:     cfg.Logger,
	}
}

// Execute runs every step of the job in order and returns the result.
// Steps never retry: a failing command fails the job with the command's
// own exit code and the remaining steps are marked skipped.
func (e *Executor) Execute(ctx context.Context, job *models.Job) *models.JobResult {
	result := &models.JobResult{
		JobID:  job.ID,
		Status: models.JobStatusCompleted,
	}

	log := e.logger.WithField("job", job.Name)

	cacheKey := e.restoreCache(job, result, log)

	failed := false
	for _, step := range job.Steps {
		if failed {
			result.StepResults = append(result.StepResults, models.StepResult{
				Name:   step.Name,
				Status: models.StepStatusSkipped,
			})
			continue
		}

		select {
		case <-ctx.Done():
			result.Status = models.JobStatusCanceled
			result.Error = "job canceled"
			result.StepResults = append(result.StepResults, models.StepResult{
				Name:   step.Name,
				Status: models.StepStatusSkipped,
			})
			continue
		default:
		}

		sr := e.runStep(ctx, step, log)
		result.StepResults = append(result.StepResults, sr)

		if sr.Status == models.StepStatusFailed {
			failed = true
			result.Status = models.JobStatusFailed
			result.ExitCode = sr.ExitCode
			result.Error = fmt.Sprintf("step %q exited with code %d", step.Name, sr.ExitCode)
			if ctx.Err() != nil {
				result.Status = models.JobStatusCanceled
				result.Error = "job canceled"
			}
		}
	}

	if result.Status == models.JobStatusCompleted && cacheKey != "" {
		e.saveCache(cacheKey, result, log)
	}

	result.Logs = renderLogs(result)
	result.CompletedAt = time.Now()
	return result
}

// runStep executes one command through the shell with the step's
// environment layered over the process environment
func (e *Executor) runStep(ctx context.Context, step models.Step, log *logging.Logger) models.StepResult {
	log.Info(fmt.Sprintf("Running step %q: %s", step.Name, step.Run))

	cmd := exec.CommandContext(ctx, "sh", "-c", step.Run)
	cmd.Dir = e.workDir
	cmd.Env = os.Environ()
	for k, v := range step.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	// Process group so cancellation reaches grandchildren too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return models.StepResult{
			Name:     step.Name,
			Status:   models.StepStatusFailed,
			ExitCode: 127,
			Output:   fmt.Sprintf("failed to start: %v", err),
		}
	}

	pgid := cmd.Process.Pid
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			syscall.Kill(-pgid, syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(killGracePeriod):
				syscall.Kill(-pgid, syscall.SIGKILL)
			}
		case <-done:
		}
	}()

	execErr := cmd.Wait()
	close(done)

	sr := models.StepResult{
		Name:            step.Name,
		Status:          models.StepStatusSuccess,
		DurationSeconds: time.Since(start).Seconds(),
		Output:          tail(output.String(), maxStepOutput),
	}

	if execErr != nil {
		sr.Status = models.StepStatusFailed
		sr.ExitCode = exitCode(execErr)
		log.Warn(fmt.Sprintf("Step %q failed with exit code %d", step.Name, sr.ExitCode))
	} else {
		log.Info(fmt.Sprintf("Step %q succeeded in %.1fs", step.Name, sr.DurationSeconds))
	}

	return sr
}

// restoreCache restores cached dependency dirs when the job has cached
// steps. Cache trouble is reported but never fails the job. Returns the
// key to save under on success, or "" when the job is uncached.
func (e *Executor) restoreCache(job *models.Job, result *models.JobResult, log *logging.Logger) string {
	if e.depCache == nil || !usesCache(job) {
		return ""
	}

	key, err := cache.Key(e.toolchain, filepath.Join(e.workDir, e.lockfile))
	if err != nil {
		log.Warn(fmt.Sprintf("Cache disabled for job: %v", err))
		return ""
	}

	sr := models.StepResult{Name: "restore-cache", Status: models.StepStatusSuccess}
	start := time.Now()
	hit, err := e.depCache.Restore(key, e.workDir)
	sr.DurationSeconds = time.Since(start).Seconds()
	switch {
	case err != nil:
		log.Warn(fmt.Sprintf("Cache restore failed: %v", err))
		sr.Output = fmt.Sprintf("restore failed: %v", err)
	case hit:
		log.Info("Cache restored", map[string]interface{}{"key": key})
		sr.Output = "cache hit: " + key
	default:
		log.Info("Cache miss", map[string]interface{}{"key": key})
		sr.Output = "cache miss: " + key
	}
	result.StepResults = append(result.StepResults, sr)

	return key
}

// saveCache stages the configured workspace dirs into the cache after a
// successful job. Cache trouble never fails the job, but every outcome is
// recorded as a save-cache step result so job logs show cache health.
func (e *Executor) saveCache(key string, result *models.JobResult, log *logging.Logger) {
	sr := models.StepResult{Name: "save-cache", Status: models.StepStatusSuccess}
	start := time.Now()
	defer func() {
		sr.DurationSeconds = time.Since(start).Seconds()
		result.StepResults = append(result.StepResults, sr)
	}()

	staging, err := os.MkdirTemp("", "gatehouse-cache-")
	if err != nil {
		log.Warn(fmt.Sprintf("Cache save failed: %v", err))
		sr.Output = fmt.Sprintf("save failed: %v", err)
		return
	}
	defer os.RemoveAll(staging)

	saved := 0
	for _, rel := range e.cachePaths {
		src := filepath.Join(e.workDir, rel)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyDir(src, filepath.Join(staging, rel)); err != nil {
			log.Warn(fmt.Sprintf("Cache save failed for %s: %v", rel, err))
			sr.Output = fmt.Sprintf("save failed for %s: %v", rel, err)
			return
		}
		saved++
	}
	if saved == 0 {
		sr.Output = "nothing to save"
		return
	}

	if err := e.depCache.Save(key, staging); err != nil {
		log.Warn(fmt.Sprintf("Cache save failed: %v", err))
		sr.Output = fmt.Sprintf("save failed: %v", err)
	} else {
		log.Info("Cache saved", map[string]interface{}{"key": key})
		sr.Output = "saved: " + key
	}
}

func usesCache(job *models.Job) bool {
	for _, step := range job.Steps {
		if step.Cache {
			return true
		}
	}
	return false
}

// exitCode extracts the process exit code, 1 if the error carries none
func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// Killed by signal
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
	}
	return 1
}

// tail keeps the last max bytes of s on a line boundary
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[len(s)-max:]
	if i := strings.IndexByte(cut, '\n'); i >= 0 && i < len(cut)-1 {
		cut = cut[i+1:]
	}
	return "...(truncated)...\n" + cut
}

func renderLogs(result *models.JobResult) string {
	var buf bytes.Buffer
	for _, sr := range result.StepResults {
		fmt.Fprintf(&buf, "=== %s (%s) ===\n", sr.Name, sr.Status)
		if sr.Output != "" {
			buf.WriteString(sr.Output)
			if !strings.HasSuffix(sr.Output, "\n") {
				buf.WriteByte('\n')
			}
		}
		if sr.Status == models.StepStatusFailed {
			fmt.Fprintf(&buf, "exit code: %d\n", sr.ExitCode)
		}
	}
	return buf.String()
}

func copyDir(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
