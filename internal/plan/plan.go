// Package plan reads YAML plan files describing a batch of tasks with their
// dependencies and loop edges.
//
//	tasks:
//	  - id: draft
//	    title: Write the first draft
//	  - id: review
//	    depends_on: [draft]
//	    requires: [editor]
//	    loop:
//	      - target: draft
//	        guard: draft.artifacts < 2
//	        max_iterations: 3
package plan

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/taskgraph/internal/claim"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// Plan is a batch of tasks created together.
type Plan struct {
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec is one task in a plan.
type TaskSpec struct {
	ID          string     `yaml:"id"`
	Title       string     `yaml:"title"`
	Description string     `yaml:"description"`
	DependsOn   []string   `yaml:"depends_on"`
	Requires    []string   `yaml:"requires"`
	NotBefore   *time.Time `yaml:"not_before"`
	Loop        []LoopSpec `yaml:"loop"`
}

// LoopSpec is a loop edge owned by the enclosing task.
type LoopSpec struct {
	Target        string `yaml:"target"`
	Guard         string `yaml:"guard"`
	MaxIterations int    `yaml:"max_iterations"`
}

// Parse decodes a plan from YAML bytes and checks it is self-consistent.
// References to tasks outside the plan are left for the store to check.
func Parse(data []byte) (Plan, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Plan{}, fmt.Errorf("plan: payload is empty")
	}
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Plan{}, fmt.Errorf("plan: decode: %w", err)
	}
	return p.normalized()
}

// Load reads a plan from r.
func Load(r io.Reader) (Plan, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: read: %w", err)
	}
	return Parse(content)
}

// LoadFile reads a plan from path.
func LoadFile(path string) (Plan, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: read %s: %w", path, err)
	}
	p, err := Parse(content)
	if err != nil {
		return Plan{}, fmt.Errorf("plan: %s: %w", path, err)
	}
	return p, nil
}

func (p Plan) normalized() (Plan, error) {
	if len(p.Tasks) == 0 {
		return Plan{}, fmt.Errorf("plan has no tasks")
	}

	seen := make(map[string]bool, len(p.Tasks))
	out := Plan{Tasks: make([]TaskSpec, 0, len(p.Tasks))}
	for i, spec := range p.Tasks {
		spec.ID = strings.TrimSpace(spec.ID)
		spec.Title = strings.TrimSpace(spec.Title)
		if spec.ID == "" {
			if spec.Title == "" {
				return Plan{}, fmt.Errorf("task %d: id or title is required", i+1)
			}
			spec.ID = claim.NewID()
		}
		if seen[spec.ID] {
			return Plan{}, fmt.Errorf("task %q appears twice", spec.ID)
		}
		seen[spec.ID] = true
		if spec.Title == "" {
			spec.Title = spec.ID
		}
		for j, loop := range spec.Loop {
			if strings.TrimSpace(loop.Target) == "" {
				return Plan{}, fmt.Errorf("task %q: loop %d has no target", spec.ID, j+1)
			}
			if loop.Guard != "" {
				if _, err := scheduler.ParseGuard(loop.Guard); err != nil {
					return Plan{}, fmt.Errorf("task %q: loop to %q: %w", spec.ID, loop.Target, err)
				}
			}
		}
		out.Tasks = append(out.Tasks, spec)
	}
	return out, nil
}

// NewTasks converts the plan for claim.Protocol.Create.
func (p Plan) NewTasks() []claim.NewTask {
	tasks := make([]claim.NewTask, 0, len(p.Tasks))
	for _, spec := range p.Tasks {
		nt := claim.NewTask{
			ID:          spec.ID,
			Title:       spec.Title,
			Description: spec.Description,
			DependsOn:   spec.DependsOn,
			Requires:    spec.Requires,
			NotBefore:   spec.NotBefore,
		}
		for _, loop := range spec.Loop {
			nt.LoopEdges = append(nt.LoopEdges, scheduler.LoopEdge{
				Target:        strings.TrimSpace(loop.Target),
				Guard:         loop.Guard,
				MaxIterations: loop.MaxIterations,
			})
		}
		tasks = append(tasks, nt)
	}
	return tasks
}

// Apply creates every task in the plan in one transaction.
func Apply(ctx context.Context, p *claim.Protocol, pl Plan) ([]scheduler.Task, error) {
	return p.Create(ctx, pl.NewTasks()...)
}
