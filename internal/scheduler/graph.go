// Package scheduler builds and maintains the dependency graph of a
// workflow instance: validation at submission, readiness promotion as
// tasks complete, and the state bookkeeping workers report into.
package scheduler

import (
	"sort"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/aristath/conductor/internal/task"
)

// Graph is the dependency graph over one workflow submission. It owns
// the authoritative task records; every task handed out is a clone, and
// every mutation goes through a Mark method that validates the state
// transition.
type Graph struct {
	mu         sync.RWMutex
	tasks      map[string]*task.Task
	dependents map[string][]string
	order      []string
}

// Build validates a submission and constructs its graph. It rejects
// duplicate task ids and references to dependencies outside the
// submission with a ValidationError, and cyclic graphs with a
// CycleError naming the cycle path. No partial graph is ever returned.
func Build(tasks []*task.Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, task.Validationf("submission contains no tasks")
	}

	g := &Graph{
		tasks:      make(map[string]*task.Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, t := range tasks {
		if t.ID == "" {
			return nil, task.Validationf("task %q has no id", t.Name)
		}
		if _, exists := g.tasks[t.ID]; exists {
			return nil, task.Validationf("duplicate task id %q", t.ID)
		}
		g.tasks[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, exists := g.tasks[dep]; !exists {
				return nil, task.Validationf("task %q depends on unknown task %q", t.ID, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], t.ID)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, cycle
	}

	order, err := g.toposortOrder()
	if err != nil {
		// findCycle already rejected every cyclic graph; this only
		// fires if the sort disagrees with our validation.
		return nil, task.Validationf("topological sort failed: %v", err)
	}
	g.order = order
	return g, nil
}

// findCycle runs a depth-first traversal with a recursion stack and
// returns the first cycle found, entry task repeated at the end.
// Traversal starts from sorted ids so the reported path is stable.
func (g *Graph) findCycle() *task.CycleError {
	const (
		unvisited = iota
		inStack
		done
	)
	color := make(map[string]int, len(g.tasks))
	var stack []string

	var visit func(id string) *task.CycleError
	visit = func(id string) *task.CycleError {
		color[id] = inStack
		stack = append(stack, id)
		for _, dep := range g.tasks[id].DependsOn {
			switch color[dep] {
			case inStack:
				for i, s := range stack {
					if s == dep {
						path := append(append([]string(nil), stack[i:]...), dep)
						return &task.CycleError{Path: path}
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = done
		return nil
	}

	for _, id := range g.sortedIDs() {
		if color[id] == unvisited {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func (g *Graph) toposortOrder() ([]string, error) {
	var edges []toposort.Edge
	for id, t := range g.tasks {
		if len(t.DependsOn) == 0 {
			// Edge from nil keeps independent tasks in the sort.
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, err
	}
	order := make([]string, 0, len(g.tasks))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.tasks))
	for id := range g.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Plan returns the execution plan as ordered batches. Tasks within a
// batch have no interdependencies and may run concurrently; each batch
// only depends on earlier ones.
func (g *Graph) Plan() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	level := make(map[string]int, len(g.tasks))
	maxLevel := 0
	for _, id := range g.order {
		l := 0
		for _, dep := range g.tasks[id].DependsOn {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[id] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	batches := make([][]string, maxLevel+1)
	for _, id := range g.order {
		batches[level[id]] = append(batches[level[id]], id)
	}
	for _, b := range batches {
		sort.Strings(b)
	}
	return batches
}

// Eligible returns clones of every PENDING task whose dependencies are
// all COMPLETED, sorted by id. These are the promotion candidates after
// a completion, and the initial readiness set right after Build.
func (g *Graph) Eligible() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*task.Task
	for _, id := range g.sortedIDs() {
		t := g.tasks[id]
		if t.State != task.StatePending {
			continue
		}
		satisfied := true
		for _, dep := range t.DependsOn {
			if !g.tasks[dep].State.Successful() {
				satisfied = false
				break
			}
		}
		if satisfied {
			out = append(out, t.Clone())
		}
	}
	return out
}

// Stalled reports whether the graph can make no further progress: no
// task is READY, RUNNING, FAILED, or RETRYING, nothing is eligible for
// promotion, and at least one task did not complete. Any PENDING task
// at that point sits behind a dependency that ended unsuccessfully.
func (g *Graph) Stalled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	completed := 0
	for _, t := range g.tasks {
		switch t.State {
		case task.StateReady, task.StateRunning, task.StateFailed, task.StateRetrying:
			return false
		case task.StateCompleted:
			completed++
		}
	}
	if completed == len(g.tasks) {
		return false
	}
	for _, t := range g.tasks {
		if t.State != task.StatePending {
			continue
		}
		satisfied := true
		for _, dep := range t.DependsOn {
			if !g.tasks[dep].State.Successful() {
				satisfied = false
				break
			}
		}
		if satisfied {
			return false
		}
	}
	return true
}

// Progress counts tasks by state.
type Progress struct {
	Total        int `json:"total"`
	Pending      int `json:"pending"`
	Ready        int `json:"ready"`
	Running      int `json:"running"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Retrying     int `json:"retrying"`
	DeadLettered int `json:"dead_lettered"`
	Cancelled    int `json:"cancelled"`
}

// Done reports whether every task reached a terminal state.
func (p Progress) Done() bool {
	return p.Completed+p.DeadLettered+p.Cancelled == p.Total
}

// Progress returns the current per-state counts.
func (g *Graph) Progress() Progress {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p := Progress{Total: len(g.tasks)}
	for _, t := range g.tasks {
		switch t.State {
		case task.StatePending:
			p.Pending++
		case task.StateReady:
			p.Ready++
		case task.StateRunning:
			p.Running++
		case task.StateCompleted:
			p.Completed++
		case task.StateFailed:
			p.Failed++
		case task.StateRetrying:
			p.Retrying++
		case task.StateDeadLettered:
			p.DeadLettered++
		case task.StateCancelled:
			p.Cancelled++
		}
	}
	return p
}

// Descendants returns the ids of every task reachable downstream of the
// given task, sorted. Used to scope a partial retry.
func (g *Graph) Descendants(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{taskID: true}
	frontier := []string{taskID}
	var out []string
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, dep := range g.dependents[id] {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				frontier = append(frontier, dep)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Get returns a clone of the task by id.
func (g *Graph) Get(taskID string) (*task.Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	t, exists := g.tasks[taskID]
	if !exists {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns clones of all tasks in topological order.
func (g *Graph) Tasks() []*task.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*task.Task, 0, len(g.tasks))
	for _, id := range g.order {
		out = append(out, g.tasks[id].Clone())
	}
	return out
}

// Order returns the topologically sorted task ids computed at Build.
func (g *Graph) Order() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}
