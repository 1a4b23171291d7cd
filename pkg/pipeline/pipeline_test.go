package pipeline

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
)

func TestDefaultPipeline(t *testing.T) {
	p := Default()

	if err := p.Validate(); err != nil {
		t.Fatalf("default pipeline invalid: %v", err)
	}
	if len(p.Jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(p.Jobs))
	}

	gate, err := p.Job("gate")
	if err != nil {
		t.Fatal(err)
	}
	if len(gate.Needs) != 0 {
		t.Error("gate should not depend on other jobs")
	}
	wantOrder := []string{"fmt", "clippy", "test"}
	for i, name := range wantOrder {
		if gate.Steps[i].Name != name {
			t.Errorf("gate step %d = %q, want %q", i, gate.Steps[i].Name, name)
		}
	}
	if gate.Steps[2].Env["RUST_BACKTRACE"] != "1" {
		t.Error("test step should set RUST_BACKTRACE=1")
	}

	examples, err := p.Job("examples")
	if err != nil {
		t.Fatal(err)
	}
	if len(examples.Needs) != 0 {
		t.Error("examples should not depend on gate")
	}
	if !strings.Contains(examples.Steps[0].Run, WasmTarget) {
		t.Errorf("first examples step should add %s, got %q", WasmTarget, examples.Steps[0].Run)
	}
}

func TestDefaultPipelineTriggers(t *testing.T) {
	p := Default()
	if !p.TriggersOn(models.EventPullRequest) {
		t.Error("default pipeline should trigger on pull requests")
	}
	if p.TriggersOn("push") {
		t.Error("default pipeline should not trigger on push")
	}
}

func TestMaterializeJobs(t *testing.T) {
	p := Default()
	run := &models.Run{
		ID:        "run-1",
		Repo:      "dfinity/stable-structures",
		CommitSHA: "abc123",
		CreatedAt: time.Now(),
	}

	n := 0
	jobs := p.MaterializeJobs(run, func() string {
		n++
		return fmt.Sprintf("job-%d", n)
	})

	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		if job.RunID != run.ID {
			t.Errorf("job %s has run ID %q, want %q", job.Name, job.RunID, run.ID)
		}
		if job.Status != models.JobStatusQueued {
			t.Errorf("job %s should start queued, got %s", job.Name, job.Status)
		}
	}
}

func TestMaterializePinsDFXVersion(t *testing.T) {
	p := Default()
	run := &models.Run{ID: "run-1", CreatedAt: time.Now()}
	jobs := p.MaterializeJobs(run, func() string { return "j" })

	var install *models.Step
	for i := range jobs[1].Steps {
		if jobs[1].Steps[i].Name == "install-dfx" {
			install = &jobs[1].Steps[i]
		}
	}
	if install == nil {
		t.Fatal("examples job missing install-dfx step")
	}
	if got := install.Env["DFX_VERSION"]; got != DefaultDFXVersion {
		t.Errorf("DFX_VERSION = %q, want pinned default %q", got, DefaultDFXVersion)
	}

	// A version set in the pipeline file wins over the pin.
	p.Jobs[1].Steps[1].Env = map[string]string{"DFX_VERSION": "0.20.0"}
	jobs = p.MaterializeJobs(run, func() string { return "j" })
	if got := jobs[1].Steps[1].Env["DFX_VERSION"]; got != "0.20.0" {
		t.Errorf("DFX_VERSION = %q, want explicit 0.20.0", got)
	}
}

func TestMaterializeUsesProcessDFXVersion(t *testing.T) {
	t.Setenv("DFX_VERSION", "0.18.0")

	p := Default()
	run := &models.Run{ID: "run-1", CreatedAt: time.Now()}
	jobs := p.MaterializeJobs(run, func() string { return "j" })

	var install *models.Step
	for i := range jobs[1].Steps {
		if jobs[1].Steps[i].Name == "install-dfx" {
			install = &jobs[1].Steps[i]
		}
	}
	if install == nil {
		t.Fatal("examples job missing install-dfx step")
	}
	if got := install.Env["DFX_VERSION"]; got != "0.18.0" {
		t.Errorf("DFX_VERSION = %q, want environment value 0.18.0", got)
	}
}

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no jobs",
			yaml: "name: empty\non: [manual]\n",
			want: "has no jobs",
		},
		{
			name: "duplicate job",
			yaml: `
name: dup
jobs:
  - name: a
    steps: [{name: s, run: "true"}]
  - name: a
    steps: [{name: s, run: "true"}]
`,
			want: "twice",
		},
		{
			name: "unknown need",
			yaml: `
name: bad
jobs:
  - name: a
    needs: [ghost]
    steps: [{name: s, run: "true"}]
`,
			want: "unknown job",
		},
		{
			name: "step without command",
			yaml: `
name: bad
jobs:
  - name: a
    steps: [{name: s}]
`,
			want: "no command",
		},
		{
			name: "duplicate step name",
			yaml: `
name: bad
jobs:
  - name: a
    steps:
      - {name: s, run: "true"}
      - {name: s, run: "false"}
`,
			want: `declares step "s" twice`,
		},
		{
			name: "unknown trigger event",
			yaml: `
name: bad
on: [push-to-prod]
jobs:
  - name: a
    steps: [{name: s, run: "true"}]
`,
			want: "unknown event",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseCycleRejected(t *testing.T) {
	src := `
name: cyclic
jobs:
  - name: a
    needs: [b]
    steps: [{name: s, run: "true"}]
  - name: b
    needs: [a]
    steps: [{name: s, run: "true"}]
`
	if _, err := Parse([]byte(src)); err == nil {
		t.Fatal("expected cycle to be rejected")
	}
}

func TestExecutionOrder(t *testing.T) {
	src := `
name: chained
jobs:
  - name: build
    steps: [{name: s, run: "true"}]
  - name: deploy
    needs: [build]
    steps: [{name: s, run: "true"}]
`
	p, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}
	order, err := p.ExecutionOrder()
	if err != nil {
		t.Fatal(err)
	}
	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	if pos["build"] > pos["deploy"] {
		t.Errorf("build must come before deploy, got order %v", order)
	}
}

func TestMaterializeCopiesNeeds(t *testing.T) {
	src := `
name: chained
jobs:
  - name: build
    steps: [{name: s, run: "true"}]
  - name: deploy
    needs: [build]
    steps: [{name: s, run: "true"}]
`
	p, err := Parse([]byte(src))
	if err != nil {
		t.Fatal(err)
	}

	run := &models.Run{ID: "run1", Repo: "acme/widgets", CommitSHA: "abc", CreatedAt: time.Now()}
	n := 0
	jobs := p.MaterializeJobs(run, func() string { n++; return fmt.Sprintf("job-%d", n) })

	var deploy *models.Job
	for _, job := range jobs {
		if job.Name == "deploy" {
			deploy = job
		}
	}
	if deploy == nil {
		t.Fatal("deploy job not materialized")
	}
	if len(deploy.Needs) != 1 || deploy.Needs[0] != "build" {
		t.Errorf("deploy needs = %v, want [build]", deploy.Needs)
	}
}
