package pipeline

import (
	"fmt"
	"os"

	"github.com/dominikbraun/graph"
	"gopkg.in/yaml.v3"

	"github.com/gatehouse-ci/gatehouse/pkg/models"
)

// Parse decodes a pipeline definition and validates it.
func Parse(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Load reads a pipeline definition from a YAML file.
func Load(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return Parse(data)
}

// Validate checks structural soundness: known trigger events, non-empty
// jobs with unique names, uniquely named runnable steps, and an acyclic
// needs graph.
func (p *Pipeline) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	for _, event := range p.On {
		if event != models.EventPullRequest && event != models.EventManual {
			return fmt.Errorf("pipeline %q triggers on unknown event %q", p.Name, event)
		}
	}
	if len(p.Jobs) == 0 {
		return fmt.Errorf("pipeline %q has no jobs", p.Name)
	}

	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	seen := make(map[string]bool, len(p.Jobs))
	for _, job := range p.Jobs {
		if job.Name == "" {
			return fmt.Errorf("pipeline %q has a job with no name", p.Name)
		}
		if seen[job.Name] {
			return fmt.Errorf("pipeline %q declares job %q twice", p.Name, job.Name)
		}
		seen[job.Name] = true
		if len(job.Steps) == 0 {
			return fmt.Errorf("job %q has no steps", job.Name)
		}
		stepNames := make(map[string]bool, len(job.Steps))
		for i, step := range job.Steps {
			if step.Name == "" {
				return fmt.Errorf("job %q: step %d has no name", job.Name, i)
			}
			if stepNames[step.Name] {
				return fmt.Errorf("job %q declares step %q twice", job.Name, step.Name)
			}
			stepNames[step.Name] = true
			if step.Run == "" {
				return fmt.Errorf("job %q: step %q has no command", job.Name, step.Name)
			}
		}
		if err := g.AddVertex(job.Name); err != nil {
			return fmt.Errorf("job %q: %w", job.Name, err)
		}
	}

	for _, job := range p.Jobs {
		for _, dep := range job.Needs {
			if !seen[dep] {
				return fmt.Errorf("job %q needs unknown job %q", job.Name, dep)
			}
			if err := g.AddEdge(dep, job.Name); err != nil {
				return fmt.Errorf("job %q needs %q: %w", job.Name, dep, err)
			}
		}
	}

	return nil
}

// ExecutionOrder returns job names in an order that satisfies every needs
// edge. Jobs with no dependency relation keep no particular mutual order
// and remain independently schedulable.
func (p *Pipeline) ExecutionOrder() ([]string, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	for _, job := range p.Jobs {
		if err := g.AddVertex(job.Name); err != nil {
			return nil, err
		}
	}
	for _, job := range p.Jobs {
		for _, dep := range job.Needs {
			if err := g.AddEdge(dep, job.Name); err != nil {
				return nil, err
			}
		}
	}
	order, err := graph.TopologicalSort(g)
	if err != nil {
		return nil, fmt.Errorf("failed to order jobs: %w", err)
	}
	return order, nil
}
