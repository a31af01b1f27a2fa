package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/genpipe/internal/domain"
)

var (
	// Stage directories and phase files carry a numeric order prefix:
	// 01_frame/, 02_detail/, 01_outline.md
	stageDirRegex  = regexp.MustCompile(`^(\d+)[_-]([a-z0-9][a-z0-9_-]*)$`)
	phaseFileRegex = regexp.MustCompile(`^(\d+)[_-]([a-z0-9][a-z0-9_-]*)\.md$`)
)

// stageMeta is the stage.yaml sidecar
type stageMeta struct {
	DisplayName string   `yaml:"display_name"`
	Description string   `yaml:"description"`
	Enabled     *bool    `yaml:"enabled"`
	Guidance    string   `yaml:"guidance"`
	DependsOn   []string `yaml:"depends_on"`
}

// phaseFrontmatter is the YAML block at the top of a phase template
type phaseFrontmatter struct {
	Plugin      string   `yaml:"plugin"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	Schema      string   `yaml:"schema"`
	DependsOn   []string `yaml:"depends_on"`
	MaxRepairs  *int     `yaml:"max_repairs"`
}

// Load reads a pipeline definition from a directory
func Load(dir string) (*Pipeline, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline dir: %w", err)
	}

	p := &Pipeline{
		Name:     filepath.Base(abs),
		Dir:      abs,
		Guidance: make(map[string]string),
		Schemas:  make(map[string]string),
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		matches := stageDirRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		stage, err := loadStage(filepath.Join(abs, entry.Name()), matches)
		if err != nil {
			return nil, fmt.Errorf("stage %s: %w", entry.Name(), err)
		}
		p.Stages = append(p.Stages, stage)
	}

	sort.Slice(p.Stages, func(i, j int) bool {
		if p.Stages[i].Order != p.Stages[j].Order {
			return p.Stages[i].Order < p.Stages[j].Order
		}
		return p.Stages[i].Name < p.Stages[j].Name
	})

	// Stages without declared dependencies depend on the previous
	// enabled stage, so a plain numbered layout runs as a sequence.
	var prevEnabled string
	for _, s := range p.Stages {
		if !s.Enabled {
			continue
		}
		if s.DependsOn == nil && prevEnabled != "" {
			s.DependsOn = []string{prevEnabled}
		}
		prevEnabled = s.Name
	}

	// A stage dependency gates the dependent stage's entry phases:
	// every phase that declares no dependencies of its own waits on the
	// last phase of each dependency stage. depends_on: [] opts a phase
	// out of the gate.
	for _, s := range p.Stages {
		if !s.Enabled || len(s.DependsOn) == 0 {
			continue
		}
		var gates []domain.PhaseKey
		for _, dep := range s.DependsOn {
			target := p.Stage(dep)
			if target == nil || !target.Enabled {
				continue // Validate reports these
			}
			if last := target.LastPhase(); last != nil {
				gates = append(gates, last.Key())
			}
		}
		for _, ph := range s.Phases {
			if ph.DependsOn == nil {
				ph.DependsOn = append([]domain.PhaseKey(nil), gates...)
			}
		}
	}

	if err := loadGuidance(p, filepath.Join(abs, "guidance")); err != nil {
		return nil, err
	}
	if err := loadSchemas(p, filepath.Join(abs, "schemas")); err != nil {
		return nil, err
	}

	return p, nil
}

func loadStage(dirPath string, matches []string) (*Stage, error) {
	order, _ := strconv.Atoi(matches[1]) // regex guarantees digits
	stage := &Stage{
		Name:    matches[2],
		Order:   order,
		Enabled: true,
		DirPath: dirPath,
	}

	metaPath := filepath.Join(dirPath, "stage.yaml")
	if data, err := os.ReadFile(metaPath); err == nil {
		var meta stageMeta
		if err := yaml.Unmarshal(data, &meta); err != nil {
			return nil, fmt.Errorf("parsing stage.yaml: %w", err)
		}
		stage.DisplayName = meta.DisplayName
		stage.Description = meta.Description
		stage.Guidance = meta.Guidance
		stage.DependsOn = meta.DependsOn
		if meta.Enabled != nil {
			stage.Enabled = *meta.Enabled
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if stage.DisplayName == "" {
		stage.DisplayName = strings.ReplaceAll(stage.Name, "_", " ")
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := phaseFileRegex.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		phase, err := parsePhaseFile(filepath.Join(dirPath, entry.Name()), stage.Name, m)
		if err != nil {
			return nil, fmt.Errorf("phase %s: %w", entry.Name(), err)
		}
		stage.Phases = append(stage.Phases, phase)
	}

	sort.Slice(stage.Phases, func(i, j int) bool {
		if stage.Phases[i].Order != stage.Phases[j].Order {
			return stage.Phases[i].Order < stage.Phases[j].Order
		}
		return stage.Phases[i].Name < stage.Phases[j].Name
	})

	// Phases without declared dependencies depend on the previous phase
	// of their stage, in file order.
	for i, ph := range stage.Phases {
		if ph.DependsOn == nil && i > 0 {
			ph.DependsOn = []domain.PhaseKey{stage.Phases[i-1].Key()}
		}
	}

	return stage, nil
}

func parsePhaseFile(path, stageName string, matches []string) (*Phase, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	order, _ := strconv.Atoi(matches[1])
	phase := &Phase{
		Name:     matches[2],
		Stage:    stageName,
		Order:    order,
		Plugin:   "text",
		FilePath: path,
	}

	meta, body := splitFrontmatter(string(data))
	phase.Template = body

	if meta != "" {
		var fm phaseFrontmatter
		if err := yaml.Unmarshal([]byte(meta), &fm); err != nil {
			return nil, fmt.Errorf("parsing frontmatter: %w", err)
		}
		if fm.Plugin != "" {
			phase.Plugin = fm.Plugin
		}
		phase.Model = fm.Model
		phase.Temperature = fm.Temperature
		phase.Schema = fm.Schema
		phase.MaxRepairs = fm.MaxRepairs
		if fm.DependsOn != nil {
			phase.DependsOn = make([]domain.PhaseKey, 0, len(fm.DependsOn))
			for _, dep := range fm.DependsOn {
				key, err := domain.ParsePhaseKey(dep)
				if err != nil {
					// A bare phase name refers to this stage
					if !strings.Contains(dep, "/") {
						key = domain.PhaseKey{Stage: stageName, Phase: dep}
					} else {
						return nil, fmt.Errorf("depends_on: %w", err)
					}
				}
				phase.DependsOn = append(phase.DependsOn, key)
			}
		}
	}

	return phase, nil
}

// splitFrontmatter separates an optional leading YAML block delimited
// by --- lines from the template body
func splitFrontmatter(content string) (meta, body string) {
	if !strings.HasPrefix(content, "---\n") {
		return "", content
	}
	rest := content[4:]
	idx := strings.Index(rest, "\n---\n")
	if idx == -1 {
		return "", content
	}
	return rest[:idx], rest[idx+5:]
}

func loadGuidance(p *Pipeline, dir string) error {
	return loadDocs(dir, ".md", func(name, content string) {
		p.Guidance[name] = content
	})
}

func loadSchemas(p *Pipeline, dir string) error {
	return loadDocs(dir, ".json", func(name, content string) {
		p.Schemas[name] = content
	})
}

// loadDocs walks a directory collecting files with the given extension,
// keyed by their slash-separated path without the extension
func loadDocs(dir, ext string, add func(name, content string)) error {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return nil
	}

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), ext)
		add(name, string(data))
		return nil
	})
}
