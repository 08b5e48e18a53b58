package plan

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse reads a plan file. YAML and JSON are both accepted.
func Parse(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	p, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	return p, nil
}

// Decode parses a YAML or JSON plan document and fills defaults.
func Decode(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	applyDefaults(&p)
	return &p, nil
}

func applyDefaults(p *Plan) {
	if p.Version == 0 {
		p.Version = 1
	}
	if p.Assumptions == nil {
		p.Assumptions = []string{}
	}
	if p.Constraints == nil {
		p.Constraints = map[string]any{}
	}
	for i := range p.Steps {
		if p.Steps[i].Status == "" {
			p.Steps[i].Status = StepPending
		}
		if p.Steps[i].Dependencies == nil {
			p.Steps[i].Dependencies = []string{}
		}
	}
}

// LoadAll loads every plan file in dirs keyed by file name without extension.
// The first directory to define a name wins.
// Directories that don't exist are skipped.
func LoadAll(dirs []string) (map[string]*Plan, error) {
	plans := make(map[string]*Plan)

	for _, dir := range dirs {
		if err := loadFromDir(dir, plans); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return plans, nil
}

func loadFromDir(dir string, plans map[string]*Plan) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		p, err := Parse(filepath.Join(dir, name))
		if err != nil {
			return err
		}

		key := strings.TrimSuffix(name, ext)
		if _, exists := plans[key]; !exists {
			plans[key] = p
		}
	}

	return nil
}

// Validate checks the structural rules a plan file must satisfy. Cycles are
// not checked here.
func Validate(p *Plan) error {
	if p.Goal == "" {
		return fmt.Errorf("plan must have a goal")
	}

	seen := make(map[string]bool, len(p.Steps))
	for i, step := range p.Steps {
		if step.ID == "" {
			return fmt.Errorf("step %d must have an id", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id %q", step.ID)
		}
		seen[step.ID] = true

		if step.Title == "" {
			return fmt.Errorf("step %q must have a title", step.ID)
		}
		if !step.Status.Valid() {
			return fmt.Errorf("step %q has unknown status %q", step.ID, step.Status)
		}
	}

	return nil
}
