package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// TaskLookup resolves task paths while the graph is being populated.
type TaskLookup interface {
	FindTask(path TaskPath) (*Task, bool)
}

// TaskLookupFunc adapts a function to TaskLookup.
type TaskLookupFunc func(path TaskPath) (*Task, bool)

// FindTask implements TaskLookup.
func (f TaskLookupFunc) FindTask(path TaskPath) (*Task, bool) { return f(path) }

// TaskNode is a task in the graph together with its execution state.
// A node is executed at most once; later runs wait for the first.
type TaskNode struct {
	Task *Task

	mu    sync.Mutex
	state TaskState
	err   error
	done  chan struct{}
}

func newTaskNode(task *Task) *TaskNode {
	return &TaskNode{
		Task:  task,
		state: TaskStateGraphPopulated,
		done:  make(chan struct{}),
	}
}

// Path returns the task path of the node.
func (n *TaskNode) Path() TaskPath {
	return n.Task.Path
}

// Claim marks the node as executing. It returns false if another run has
// already claimed it.
func (n *TaskNode) Claim() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != TaskStateGraphPopulated {
		return false
	}
	n.state = TaskStateExecuting
	return true
}

// Complete records the outcome of a claimed node and releases waiters.
func (n *TaskNode) Complete(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state.IsTerminal() {
		return
	}
	n.err = err
	if err != nil {
		n.state = TaskStateFailed
	} else {
		n.state = TaskStateSucceeded
	}
	close(n.done)
}

// Wait blocks until the node completes or ctx is done.
func (n *TaskNode) Wait(ctx context.Context) error {
	select {
	case <-n.done:
		return n.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the node's execution state.
func (n *TaskNode) State() TaskState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Err returns the node's failure, if any.
func (n *TaskNode) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.err
}

// TaskGraph is the set of tasks selected for execution and their
// dependency edges. Tasks may be added while other parts of the graph run.
type TaskGraph struct {
	mu        sync.RWMutex
	nodes     map[TaskPath]*TaskNode
	order     []TaskPath
	requested []TaskPath
}

// NewTaskGraph creates an empty task graph.
func NewTaskGraph() *TaskGraph {
	return &TaskGraph{nodes: make(map[TaskPath]*TaskNode)}
}

// AddTasks adds tasks and the closure of their same-build dependencies.
// It fails if a dependency cannot be resolved or introduces a cycle.
func (g *TaskGraph) AddTasks(lookup TaskLookup, tasks ...*Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	stack := make([]*Task, 0, len(tasks))
	stack = append(stack, tasks...)
	for len(stack) > 0 {
		task := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, exists := g.nodes[task.Path]; exists {
			continue
		}
		g.nodes[task.Path] = newTaskNode(task)
		g.order = append(g.order, task.Path)

		for _, depPath := range task.DependsOn {
			if _, exists := g.nodes[depPath]; exists {
				continue
			}
			dep, ok := lookup.FindTask(depPath)
			if !ok {
				return NewConfigurationError(
					fmt.Sprintf("task %s depends on unknown task %s", task.Path, depPath), nil,
				).WithCode(ErrCodeNotFound).WithTask(task.Path)
			}
			stack = append(stack, dep)
		}
	}

	return g.detectCycles()
}

// MarkRequested records paths as explicitly requested roots.
func (g *TaskGraph) MarkRequested(paths ...TaskPath) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[TaskPath]bool, len(g.requested))
	for _, p := range g.requested {
		seen[p] = true
	}
	for _, p := range paths {
		if !seen[p] {
			g.requested = append(g.requested, p)
			seen[p] = true
		}
	}
}

// Requested returns the explicitly requested roots.
func (g *TaskGraph) Requested() []TaskPath {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]TaskPath, len(g.requested))
	copy(out, g.requested)
	return out
}

// Node returns the node at path.
func (g *TaskGraph) Node(path TaskPath) (*TaskNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[path]
	return n, ok
}

// Contains reports whether path is in the graph.
func (g *TaskGraph) Contains(path TaskPath) bool {
	_, ok := g.Node(path)
	return ok
}

// Len returns the number of tasks in the graph.
func (g *TaskGraph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Nodes returns all nodes in insertion order.
func (g *TaskGraph) Nodes() []*TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*TaskNode, 0, len(g.order))
	for _, p := range g.order {
		out = append(out, g.nodes[p])
	}
	return out
}

// detectCycles uses depth-first search to detect circular dependencies.
// Callers hold g.mu.
func (g *TaskGraph) detectCycles() error {
	visited := make(map[TaskPath]bool)
	onStack := make(map[TaskPath]bool)

	var visit func(path TaskPath, trail []TaskPath) []TaskPath
	visit = func(path TaskPath, trail []TaskPath) []TaskPath {
		visited[path] = true
		onStack[path] = true
		trail = append(trail, path)
		for _, dep := range g.nodes[path].Task.DependsOn {
			if _, ok := g.nodes[dep]; !ok {
				continue
			}
			if onStack[dep] {
				for i, p := range trail {
					if p == dep {
						return append(append([]TaskPath{}, trail[i:]...), dep)
					}
				}
			}
			if !visited[dep] {
				if cycle := visit(dep, trail); cycle != nil {
					return cycle
				}
			}
		}
		onStack[path] = false
		return nil
	}

	for _, path := range g.order {
		if visited[path] {
			continue
		}
		if cycle := visit(path, nil); cycle != nil {
			return NewConfigurationError(
				fmt.Sprintf("circular task dependency: %s", formatCycle(cycle)), nil,
			).WithCode(ErrCodeCycle)
		}
	}
	return nil
}

// Levels returns the dependency closure of roots grouped into execution
// levels. Every task in a level depends only on tasks of earlier levels.
// With no roots, the whole graph is levelled.
func (g *TaskGraph) Levels(roots ...TaskPath) ([][]*TaskNode, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(roots) == 0 {
		roots = g.order
	}

	closure := make(map[TaskPath]bool)
	stack := append([]TaskPath{}, roots...)
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if closure[p] {
			continue
		}
		node, ok := g.nodes[p]
		if !ok {
			return nil, NewInternalError(fmt.Sprintf("task %s is not in the task graph", p), nil).
				WithCode(ErrCodeNotFound)
		}
		closure[p] = true
		stack = append(stack, node.Task.DependsOn...)
	}

	// Kahn's algorithm restricted to the closure.
	inDegree := make(map[TaskPath]int, len(closure))
	dependents := make(map[TaskPath][]TaskPath, len(closure))
	for p := range closure {
		for _, dep := range g.nodes[p].Task.DependsOn {
			inDegree[p]++
			dependents[dep] = append(dependents[dep], p)
		}
	}

	var current []TaskPath
	for p := range closure {
		if inDegree[p] == 0 {
			current = append(current, p)
		}
	}

	var levels [][]*TaskNode
	processed := 0
	for len(current) > 0 {
		sort.Slice(current, func(i, j int) bool { return current[i] < current[j] })
		level := make([]*TaskNode, 0, len(current))
		var next []TaskPath
		for _, p := range current {
			level = append(level, g.nodes[p])
			for _, dependent := range dependents[p] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		levels = append(levels, level)
		processed += len(current)
		current = next
	}

	if processed != len(closure) {
		return nil, NewInternalError("failed to order all tasks - possible cycle", nil).WithCode(ErrCodeCycle)
	}
	return levels, nil
}

// ToDOT generates a DOT representation of the graph for visualization.
func (g *TaskGraph) ToDOT() string {
	levels, err := g.Levels()
	if err != nil {
		return ""
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	var sb strings.Builder
	sb.WriteString("digraph TaskGraph {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, nodes := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, node := range nodes {
			sb.WriteString(fmt.Sprintf("    \"%s\" [fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				node.Task.Path, stateColor(node.State())))
		}
		sb.WriteString("  }\n\n")
	}

	for _, p := range g.order {
		task := g.nodes[p].Task
		for _, dep := range task.DependsOn {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, task.Path))
		}
		for _, ref := range task.IncludedDependencies {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [style=dashed];\n", ref, task.Path))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []TaskPath) string {
	parts := make([]string, len(cycle))
	for i, p := range cycle {
		parts[i] = string(p)
	}
	return strings.Join(parts, " -> ")
}

func stateColor(state TaskState) string {
	switch state {
	case TaskStateSucceeded:
		return "lightgreen"
	case TaskStateFailed:
		return "lightcoral"
	case TaskStateExecuting:
		return "lightyellow"
	default:
		return "lightgray"
	}
}
