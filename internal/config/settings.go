package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mpataki/skillrun/internal/budget"
	"github.com/mpataki/skillrun/internal/skills"
	"gopkg.in/yaml.v3"
)

func defaults() map[string]any {
	return map[string]any{
		"skill_roots": []any{
			map[string]any{"source": "project", "path": ".agent/skills", "priority": 0},
			map[string]any{"source": "user", "path": "~/.agent/skills", "priority": 1},
		},
		"model": map[string]any{"provider": "scripted", "params": map[string]any{}},
		"budget": map[string]any{
			"max_turns":             budget.DefaultMaxTurns,
			"max_tool_calls":        budget.DefaultMaxToolCalls,
			"max_script_executions": budget.DefaultMaxScriptExecutions,
			"max_context_tokens":    budget.DefaultMaxContextTokens,
		},
		"execution": map[string]any{
			"require_approval_for": []any{"run_script"},
			"allowed_tools":        []any{"read_file", "list_dir", "grep", "run_script"},
		},
		"security": map[string]any{
			"max_skill_body_lines":    500,
			"max_resource_file_bytes": 2000000,
		},
		"logging": map[string]any{"level": "INFO", "format": "text"},
		"plan":    map[string]any{"deadlock_window": 3},
	}
}

// Settings is the merged configuration tree: built-in defaults overlaid
// with the user's settings file.
type Settings struct {
	tree map[string]any
}

func DefaultSettings() *Settings {
	return &Settings{tree: defaults()}
}

// LoadSettings reads a YAML (or JSON) settings file and merges it over the
// defaults. A missing file yields the defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var overrides map[string]any
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	s.Merge(overrides)

	return s, nil
}

// Merge deep-merges overrides into the tree. Nested maps merge key by key;
// anything else replaces.
func (s *Settings) Merge(overrides map[string]any) {
	deepUpdate(s.tree, overrides)
}

func deepUpdate(target, source map[string]any) {
	for k, v := range source {
		src, srcIsMap := v.(map[string]any)
		dst, dstIsMap := target[k].(map[string]any)
		if srcIsMap && dstIsMap {
			deepUpdate(dst, src)
			continue
		}
		target[k] = v
	}
}

// Get looks up a dotted key such as "budget.max_turns".
func (s *Settings) Get(key string, def any) any {
	var value any = s.tree
	for _, k := range strings.Split(key, ".") {
		m, ok := value.(map[string]any)
		if !ok {
			return def
		}
		value, ok = m[k]
		if !ok || value == nil {
			return def
		}
	}
	return value
}

func (s *Settings) GetString(key, def string) string {
	if v, ok := s.Get(key, nil).(string); ok {
		return v
	}
	return def
}

func (s *Settings) GetInt(key string, def int) int {
	switch v := s.Get(key, nil).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func (s *Settings) GetStrings(key string) []string {
	raw, ok := s.Get(key, nil).([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if str, ok := item.(string); ok {
			out = append(out, str)
		}
	}
	return out
}

func (s *Settings) Budget() budget.Budget {
	return budget.Budget{
		MaxTurns:            s.GetInt("budget.max_turns", budget.DefaultMaxTurns),
		MaxToolCalls:        s.GetInt("budget.max_tool_calls", budget.DefaultMaxToolCalls),
		MaxScriptExecutions: s.GetInt("budget.max_script_executions", budget.DefaultMaxScriptExecutions),
		MaxContextTokens:    s.GetInt("budget.max_context_tokens", budget.DefaultMaxContextTokens),
	}
}

// SkillRoots returns the configured skill directories ordered by priority,
// with a leading "~/" expanded to the home directory.
func (s *Settings) SkillRoots() []skills.Root {
	raw, _ := s.Get("skill_roots", nil).([]any)

	type ranked struct {
		root     skills.Root
		priority int
	}
	var roots []ranked
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		source, _ := m["source"].(string)
		path, _ := m["path"].(string)
		if source == "" || path == "" {
			continue
		}
		priority := i
		if p, ok := m["priority"].(int); ok {
			priority = p
		}
		roots = append(roots, ranked{skills.Root{Source: source, Dir: expandHome(path)}, priority})
	}

	sort.SliceStable(roots, func(i, j int) bool { return roots[i].priority < roots[j].priority })

	out := make([]skills.Root, len(roots))
	for i, r := range roots {
		out[i] = r.root
	}
	return out
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
