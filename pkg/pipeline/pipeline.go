package pipeline

import (
	"fmt"
	"os"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
)

const (
	// DefaultDFXVersion is the Internet Computer SDK version installed when
	// the triggering environment does not set DFX_VERSION.
	DefaultDFXVersion = "0.15.2"

	// WasmTarget is the compilation target provisioned for the examples job.
	WasmTarget = "wasm32-unknown-unknown"

	// SDKInstallURL is the remote install script for the dfx SDK.
	SDKInstallURL = "https://internetcomputer.org/install.sh"
)

// Pipeline is a named set of jobs triggered by repository events.
type Pipeline struct {
	Name string    `yaml:"name"`
	On   []string  `yaml:"on"`
	Jobs []JobSpec `yaml:"jobs"`
}

// JobSpec declares one job of a pipeline. Jobs with no Needs entries are
// independent and may run concurrently on different runners.
type JobSpec struct {
	Name  string        `yaml:"name"`
	Needs []string      `yaml:"needs,omitempty"`
	Steps []models.Step `yaml:"steps"`
}

// Default returns the built-in verification pipeline for a Rust canister
// workspace: a format/lint/test gate and an examples integration job. The
// two jobs share nothing beyond the checkout and run independently.
func Default() *Pipeline {
	return &Pipeline{
		Name: "verify",
		On:   []string{models.EventPullRequest, models.EventManual},
		Jobs: []JobSpec{
			{
				Name: "gate",
				Steps: []models.Step{
					{
						Name:  "fmt",
						Run:   "cargo fmt --all -- --check",
						Cache: true,
					},
					{
						Name:  "clippy",
						Run:   "cargo clippy --all-targets --all-features -- -D warnings",
						Cache: true,
					},
					{
						Name:  "test",
						Run:   "cargo test --workspace",
						Env:   map[string]string{"RUST_BACKTRACE": "1"},
						Cache: true,
					},
				},
			},
			{
				Name: "examples",
				Steps: []models.Step{
					{
						Name: "wasm-target",
						Run:  "rustup target add " + WasmTarget,
					},
					{
						// The install script prompts for confirmation, hence sh -ci.
						Name: "install-dfx",
						Run:  fmt.Sprintf(`sh -ci "$(curl -fsSL %s)"`, SDKInstallURL),
						Env:  map[string]string{"DFX_VERSION": ""},
					},
					{
						Name: "dfx-cache",
						Run:  "dfx cache install",
					},
					{
						Name: "examples",
						Run:  "bash examples/test.sh",
					},
				},
			},
		},
	}
}

// Job returns the job spec with the given name.
func (p *Pipeline) Job(name string) (*JobSpec, error) {
	for i := range p.Jobs {
		if p.Jobs[i].Name == name {
			return &p.Jobs[i], nil
		}
	}
	return nil, fmt.Errorf("pipeline %q has no job %q", p.Name, name)
}

// TriggersOn reports whether the pipeline reacts to the given event.
func (p *Pipeline) TriggersOn(event string) bool {
	for _, e := range p.On {
		if e == event {
			return true
		}
	}
	return false
}

// MaterializeJobs expands the pipeline into concrete jobs for a run.
// DFX_VERSION is resolved here so every runner of the run installs the
// same SDK version: a step value from the pipeline file wins, then the
// master's own DFX_VERSION environment variable, then the pinned default.
func (p *Pipeline) MaterializeJobs(run *models.Run, newID func() string) []*models.Job {
	dfxVersion := os.Getenv("DFX_VERSION")
	if dfxVersion == "" {
		dfxVersion = DefaultDFXVersion
	}

	jobs := make([]*models.Job, 0, len(p.Jobs))
	for _, spec := range p.Jobs {
		steps := make([]models.Step, len(spec.Steps))
		copy(steps, spec.Steps)
		for i := range steps {
			if v, ok := steps[i].Env["DFX_VERSION"]; ok && v == "" {
				env := make(map[string]string, len(steps[i].Env))
				for k, val := range steps[i].Env {
					env[k] = val
				}
				env["DFX_VERSION"] = dfxVersion
				steps[i].Env = env
			}
		}
		jobs = append(jobs, &models.Job{
			ID:        newID(),
			RunID:     run.ID,
			Name:      spec.Name,
			Repo:      run.Repo,
			CommitSHA: run.CommitSHA,
			Steps:     steps,
			Needs:     append([]string(nil), spec.Needs...),
			Status:    models.JobStatusQueued,
			CreatedAt: run.CreatedAt,
		})
	}
	return jobs
}
