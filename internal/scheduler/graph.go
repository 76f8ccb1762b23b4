package scheduler

import (
	"fmt"
	"sort"
)

// Graph is the full task set indexed by ID, plus a reverse index from a task
// to the tasks that depend on it. The reverse index is a cache rebuilt from
// DependsOn; it is never persisted.
//
// Graph is not safe for concurrent use. Shared access goes through the store,
// which hands each caller its own copy.
type Graph struct {
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> tasks that depend on it
	stale      bool
	nextSeq    int64
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
	}
}

// Add inserts a task. A zero Seq is assigned the next creation number; an
// empty status defaults to open. Returns error if the ID already exists.
func (g *Graph) Add(task *Task) error {
	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if _, exists := g.tasks[task.ID]; exists {
		return fmt.Errorf("task with ID %q already exists", task.ID)
	}

	if task.Seq == 0 {
		g.nextSeq++
		task.Seq = g.nextSeq
	} else if task.Seq > g.nextSeq {
		g.nextSeq = task.Seq
	}
	if task.Status == "" {
		task.Status = StatusOpen
	}

	g.tasks[task.ID] = task
	g.stale = true
	return nil
}

// Task returns the live task for id. Mutations made through the pointer are
// part of the graph; change DependsOn only through AddDependency.
func (g *Graph) Task(id string) (*Task, bool) {
	task, ok := g.tasks[id]
	return task, ok
}

// Has reports whether id exists.
func (g *Graph) Has(id string) bool {
	_, ok := g.tasks[id]
	return ok
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	return len(g.tasks)
}

// Tasks returns all tasks in creation order.
func (g *Graph) Tasks() []*Task {
	tasks := make([]*Task, 0, len(g.tasks))
	for _, task := range g.tasks {
		tasks = append(tasks, task)
	}
	sortBySeq(tasks)
	return tasks
}

// AddDependency records that id depends on dep. Acyclicity is checked at
// commit time by Validate, not here.
func (g *Graph) AddDependency(id, dep string) error {
	task, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	for _, existing := range task.DependsOn {
		if existing == dep {
			return nil
		}
	}
	task.DependsOn = append(task.DependsOn, dep)
	g.stale = true
	return nil
}

// Dependents returns the IDs of tasks whose DependsOn contains id, in
// creation order.
func (g *Graph) Dependents(id string) []string {
	if g.stale {
		g.reindex()
	}
	return g.dependents[id]
}

func (g *Graph) reindex() {
	g.dependents = make(map[string][]string, len(g.tasks))
	for _, task := range g.Tasks() {
		for _, depID := range task.DependsOn {
			g.dependents[depID] = append(g.dependents[depID], task.ID)
		}
	}
	g.stale = false
}

// Counts returns the number of tasks per status.
func (g *Graph) Counts() map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, task := range g.tasks {
		counts[task.Status]++
	}
	return counts
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	cp := &Graph{
		tasks:   make(map[string]*Task, len(g.tasks)),
		stale:   true,
		nextSeq: g.nextSeq,
	}
	for id, task := range g.tasks {
		cp.tasks[id] = task.Clone()
	}
	return cp
}

func sortBySeq(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Seq != tasks[j].Seq {
			return tasks[i].Seq < tasks[j].Seq
		}
		return tasks[i].ID < tasks[j].ID
	})
}
