// Package pipeline loads static pipeline definitions from a directory
// tree: numbered stage directories, each holding a stage.yaml and
// numbered phase template files with YAML frontmatter, plus shared
// guidance documents and schema files. The loaded Pipeline is the only
// shape the executor consumes; it never re-parses configuration syntax.
package pipeline

import (
	"fmt"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

// Phase is one unit of work: a template render, a backend invocation,
// and a validate/repair cycle
type Phase struct {
	Name        string
	Stage       string
	Order       int
	Plugin      string
	Model       string
	Temperature *float64
	Schema      string
	DependsOn   []domain.PhaseKey
	MaxRepairs  *int
	Template    string
	FilePath    string
}

// Key returns the phase's canonical stage/phase key
func (p *Phase) Key() domain.PhaseKey {
	return domain.PhaseKey{Stage: p.Stage, Phase: p.Name}
}

// Stage is a named group of phases sharing a thematic goal
type Stage struct {
	Name        string
	DisplayName string
	Description string
	Order       int
	Enabled     bool
	Guidance    string
	DependsOn   []string
	Phases      []*Phase
	DirPath     string
}

// Phase returns the named phase, or nil
func (s *Stage) Phase(name string) *Phase {
	for _, p := range s.Phases {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// LastPhase returns the final phase in stage order, or nil for an empty
// stage. Output references that name only a stage resolve to this phase.
func (s *Stage) LastPhase() *Phase {
	if len(s.Phases) == 0 {
		return nil
	}
	return s.Phases[len(s.Phases)-1]
}

// Pipeline is the full static definition of a multi-stage run
type Pipeline struct {
	Name     string
	Dir      string
	Stages   []*Stage
	Guidance map[string]string
	Schemas  map[string]string
}

// Stage returns the named stage, or nil
func (p *Pipeline) Stage(name string) *Stage {
	for _, s := range p.Stages {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Phase resolves a phase key across all stages, or nil
func (p *Pipeline) Phase(key domain.PhaseKey) *Phase {
	s := p.Stage(key.Stage)
	if s == nil {
		return nil
	}
	return s.Phase(key.Phase)
}

// EnabledStages returns the stages that participate in a run, in
// declaration order
func (p *Pipeline) EnabledStages() []*Stage {
	var out []*Stage
	for _, s := range p.Stages {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// Validate checks the definition for structural defects: duplicate
// names, dangling or disabled dependency targets, empty stages, and
// unknown schema references. Cycle detection is the scheduler's job.
func (p *Pipeline) Validate() error {
	stages := p.EnabledStages()
	if len(stages) == 0 {
		return fmt.Errorf("pipeline %s: no enabled stages", p.Name)
	}

	seenStage := make(map[string]bool)
	for _, s := range stages {
		if seenStage[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seenStage[s.Name] = true
		if len(s.Phases) == 0 {
			return fmt.Errorf("stage %s: no phases", s.Name)
		}
	}

	phaseByKey := make(map[domain.PhaseKey]*Phase)
	for _, s := range stages {
		seenPhase := make(map[string]bool)
		for _, ph := range s.Phases {
			if seenPhase[ph.Name] {
				return fmt.Errorf("stage %s: duplicate phase name %q", s.Name, ph.Name)
			}
			seenPhase[ph.Name] = true
			phaseByKey[ph.Key()] = ph
		}
	}

	for _, s := range stages {
		for _, dep := range s.DependsOn {
			target := p.Stage(dep)
			if target == nil {
				return fmt.Errorf("stage %s: depends on unknown stage %q", s.Name, dep)
			}
			if !target.Enabled {
				return fmt.Errorf("stage %s: depends on disabled stage %q", s.Name, dep)
			}
		}
		for _, ph := range s.Phases {
			for _, dep := range ph.DependsOn {
				if _, ok := phaseByKey[dep]; !ok {
					return fmt.Errorf("phase %s: depends on unknown phase %q", ph.Key(), dep)
				}
			}
			if ph.Schema != "" {
				if _, ok := p.Schemas[ph.Schema]; !ok {
					return fmt.Errorf("phase %s: references unknown schema %q", ph.Key(), ph.Schema)
				}
			}
		}
	}

	return nil
}
