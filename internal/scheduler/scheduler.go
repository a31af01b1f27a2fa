// Package scheduler computes execution order over stage and phase
// dependency graphs. All functions are pure; the executor owns state.
package scheduler

import (
	"fmt"
	"sort"

	"github.com/hochfrequenz/genpipe/internal/domain"
	"github.com/hochfrequenz/genpipe/internal/pipeline"
)

// StatusFn reports the current status of a phase anywhere in the batch
type StatusFn func(domain.PhaseKey) domain.PhaseStatus

// StageOrder returns the enabled stages in dependency order. Ties break
// on (order prefix, name) so the result is deterministic. A dependency
// cycle returns a CyclicDependencyError carrying a witness path.
func StageOrder(stages []*pipeline.Stage) ([]*pipeline.Stage, error) {
	byName := make(map[string]*pipeline.Stage, len(stages))
	names := make([]string, 0, len(stages))
	edges := make(map[string][]string, len(stages))
	indegree := make(map[string]int, len(stages))

	for _, s := range stages {
		byName[s.Name] = s
		names = append(names, s.Name)
		indegree[s.Name] = 0
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("stage %s: depends on unknown stage %q", s.Name, dep)
			}
			edges[dep] = append(edges[dep], s.Name)
			indegree[s.Name]++
		}
	}

	var order []*pipeline.Stage
	remaining := len(stages)
	for remaining > 0 {
		next := ""
		for _, name := range names {
			if indegree[name] != 0 {
				continue
			}
			if next == "" || stageLess(byName[name], byName[next]) {
				next = name
			}
		}
		if next == "" {
			return nil, &domain.CyclicDependencyError{Cycle: findCycle(names, edges)}
		}
		order = append(order, byName[next])
		indegree[next] = -1
		remaining--
		for _, succ := range edges[next] {
			indegree[succ]--
		}
	}

	return order, nil
}

func stageLess(a, b *pipeline.Stage) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.Name < b.Name
}

// ValidatePhaseGraph checks every phase dependency of the ordered
// stages: targets must exist, must not live in a later stage than the
// declaring phase, and intra-stage dependencies must be acyclic. Runs
// before any batch record is created.
func ValidatePhaseGraph(order []*pipeline.Stage) error {
	stagePos := make(map[string]int, len(order))
	for i, s := range order {
		stagePos[s.Name] = i
	}

	known := make(map[domain.PhaseKey]bool)
	for _, s := range order {
		for _, ph := range s.Phases {
			known[ph.Key()] = true
		}
	}

	for _, s := range order {
		names := make([]string, 0, len(s.Phases))
		edges := make(map[string][]string)
		for _, ph := range s.Phases {
			names = append(names, ph.Name)
		}
		for _, ph := range s.Phases {
			for _, dep := range ph.DependsOn {
				if !known[dep] {
					return fmt.Errorf("phase %s: depends on unknown phase %q", ph.Key(), dep)
				}
				depPos, ok := stagePos[dep.Stage]
				if !ok {
					return fmt.Errorf("phase %s: depends on disabled stage %q", ph.Key(), dep.Stage)
				}
				if depPos > stagePos[s.Name] {
					return fmt.Errorf("phase %s: depends on %s in a later stage", ph.Key(), dep)
				}
				if dep.Stage == s.Name {
					edges[dep.Phase] = append(edges[dep.Phase], ph.Name)
				}
			}
		}
		if cycle := findCycle(names, edges); cycle != nil {
			witness := make([]string, len(cycle))
			for i, n := range cycle {
				witness[i] = domain.PhaseKey{Stage: s.Name, Phase: n}.String()
			}
			return &domain.CyclicDependencyError{Cycle: witness}
		}
	}

	return nil
}

// Scheduler tracks readiness of one stage's phases during execution
type Scheduler struct {
	phases   []*pipeline.Phase
	depGraph map[domain.PhaseKey][]domain.PhaseKey // phase -> phases that depend on it
	depth    map[domain.PhaseKey]int
}

// New creates a Scheduler over the phases of one stage
func New(phases []*pipeline.Phase) *Scheduler {
	depGraph := make(map[domain.PhaseKey][]domain.PhaseKey)
	for _, ph := range phases {
		for _, dep := range ph.DependsOn {
			depGraph[dep] = append(depGraph[dep], ph.Key())
		}
	}

	s := &Scheduler{
		phases:   phases,
		depGraph: depGraph,
		depth:    make(map[domain.PhaseKey]int, len(phases)),
	}
	for _, ph := range phases {
		s.depth[ph.Key()] = s.countDependents(ph.Key(), make(map[domain.PhaseKey]bool))
	}
	return s
}

// countDependents returns how many phases depend (transitively) on key
func (s *Scheduler) countDependents(key domain.PhaseKey, visited map[domain.PhaseKey]bool) int {
	if visited[key] {
		return 0
	}
	visited[key] = true

	count := 0
	for _, dep := range s.depGraph[key] {
		count += 1 + s.countDependents(dep, visited)
	}
	return count
}

// Ready returns up to limit pending phases whose dependencies have all
// succeeded
func (s *Scheduler) Ready(status StatusFn, limit int) []*pipeline.Phase {
	var ready []*pipeline.Phase

	for _, ph := range s.phases {
		if status(ph.Key()) != domain.PhasePending {
			continue
		}
		ok := true
		for _, dep := range ph.DependsOn {
			if status(dep) != domain.PhaseSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, ph)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		// 1. Dependency depth (unblocks more work)
		di, dj := s.depth[ready[i].Key()], s.depth[ready[j].Key()]
		if di != dj {
			return di > dj
		}

		// 2. File order, then name for stability
		if ready[i].Order != ready[j].Order {
			return ready[i].Order < ready[j].Order
		}
		return ready[i].Name < ready[j].Name
	})

	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}

	return ready
}

// Blocked returns pending phases that can never run because a
// dependency failed or was skipped. Marking them skipped surfaces
// their own dependents here on the next call, so skips propagate
// transitively without graph traversal.
func (s *Scheduler) Blocked(status StatusFn) []*pipeline.Phase {
	var blocked []*pipeline.Phase

	for _, ph := range s.phases {
		if status(ph.Key()) != domain.PhasePending {
			continue
		}
		for _, dep := range ph.DependsOn {
			if ds := status(dep); ds == domain.PhaseFailed || ds == domain.PhaseSkipped {
				blocked = append(blocked, ph)
				break
			}
		}
	}

	sort.Slice(blocked, func(i, j int) bool {
		if blocked[i].Order != blocked[j].Order {
			return blocked[i].Order < blocked[j].Order
		}
		return blocked[i].Name < blocked[j].Name
	})

	return blocked
}

// findCycle runs a colored depth-first search and returns the first
// cycle found in sorted node order, closed with its starting node, or
// nil when the graph is acyclic. Sorting nodes and edges first makes
// the witness deterministic.
func findCycle(nodes []string, edges map[string][]string) []string {
	sorted := append([]string(nil), nodes...)
	sort.Strings(sorted)
	for _, succs := range edges {
		sort.Strings(succs)
	}

	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(sorted))
	var stack []string

	var visit func(n string) []string
	visit = func(n string) []string {
		color[n] = gray
		stack = append(stack, n)
		for _, succ := range edges[n] {
			switch color[succ] {
			case white:
				if cycle := visit(succ); cycle != nil {
					return cycle
				}
			case gray:
				for i, on := range stack {
					if on == succ {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, succ)
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range sorted {
		if color[n] == white {
			if cycle := visit(n); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
