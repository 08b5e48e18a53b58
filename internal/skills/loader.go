package skills

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mpataki/skillrun/internal/digest"
	"github.com/mpataki/skillrun/internal/security"
	"gopkg.in/yaml.v3"
)

const FileName = "SKILL.md"

var (
	ErrNoFrontmatter = errors.New("missing frontmatter")
	ErrBodyTooLarge  = errors.New("skill body exceeds line limit")
)

// Root is one directory of skills tagged with the source it represents.
type Root struct {
	Source string
	Dir    string
}

type frontmatter struct {
	Name                   string          `yaml:"name"`
	Description            string          `yaml:"description"`
	Version                string          `yaml:"version"`
	Author                 string          `yaml:"author"`
	AllowedTools           []string        `yaml:"allowed_tools"`
	DisableModelInvocation bool            `yaml:"disable_model_invocation"`
	UserInvocable          *bool           `yaml:"user_invocable"`
	Requires               []string        `yaml:"requires"`
	LoadPriority           string          `yaml:"load_priority"`
	ResourceLimits         *ResourceLimits `yaml:"resource_limits"`
}

// Scan indexes every immediate subdirectory of each root that holds a
// SKILL.md. Roots are given highest priority first; a name found in an
// earlier root shadows the same name in later ones. Missing roots are
// skipped.
func Scan(roots []Root) ([]Metadata, error) {
	seen := make(map[string]bool)
	var index []Metadata

	for _, root := range roots {
		found, err := scanRoot(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}

		sort.SliceStable(found, func(i, j int) bool {
			if a, b := found[i].PriorityScore(), found[j].PriorityScore(); a != b {
				return a < b
			}
			return found[i].Name < found[j].Name
		})

		for _, m := range found {
			if seen[m.Name] {
				continue
			}
			seen[m.Name] = true
			index = append(index, m)
		}
	}

	return index, nil
}

func scanRoot(root Root) ([]Metadata, error) {
	entries, err := os.ReadDir(root.Dir)
	if err != nil {
		return nil, err
	}

	var found []Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(root.Dir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
			continue
		}

		m, err := ParseDir(dir, root.Source)
		if err != nil {
			return nil, fmt.Errorf("failed to parse skill %s: %w", dir, err)
		}
		found = append(found, m)
	}
	return found, nil
}

// ParseDir reads the SKILL.md frontmatter in dir. The name falls back to the
// directory name.
func ParseDir(dir, source string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read %s: %w", FileName, err)
	}

	raw, _, err := split(string(data))
	if err != nil {
		return Metadata{}, err
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(security.SanitizeFrontmatter(raw)), &fm); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse frontmatter YAML: %w", err)
	}

	m := Metadata{
		Name:                   fm.Name,
		Description:            fm.Description,
		Source:                 source,
		Path:                   dir,
		Version:                fm.Version,
		Author:                 fm.Author,
		AllowedTools:           fm.AllowedTools,
		DisableModelInvocation: fm.DisableModelInvocation,
		UserInvocable:          true,
		Requires:               fm.Requires,
		LoadPriority:           fm.LoadPriority,
		ResourceLimits:         DefaultResourceLimits(),
		FrontmatterHash:        digest.Text(raw),
		ScannedAt:              time.Now().UTC().Format(time.RFC3339),
	}
	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	if m.LoadPriority == "" {
		m.LoadPriority = PriorityNormal
	}
	if m.Requires == nil {
		m.Requires = []string{}
	}
	if fm.UserInvocable != nil {
		m.UserInvocable = *fm.UserInvocable
	}
	if fm.ResourceLimits != nil {
		m.ResourceLimits = mergeLimits(*fm.ResourceLimits)
	}
	m.SkillID = GenerateID(m.Source, m.Name, m.Version)

	return m, nil
}

func mergeLimits(l ResourceLimits) ResourceLimits {
	d := DefaultResourceLimits()
	if l.MaxScriptTimeSec > 0 {
		d.MaxScriptTimeSec = l.MaxScriptTimeSec
	}
	if l.MaxMemoryMB > 0 {
		d.MaxMemoryMB = l.MaxMemoryMB
	}
	if l.MaxConcurrentScripts > 0 {
		d.MaxConcurrentScripts = l.MaxConcurrentScripts
	}
	d.AllowNetwork = l.AllowNetwork
	return d
}

// split separates a SKILL.md document into raw frontmatter and body. The
// frontmatter sits between a leading "---" line and the next "---" line.
func split(doc string) (string, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(doc))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != "---" {
		return "", "", ErrNoFrontmatter
	}

	var fm, body []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if !closed {
			if strings.TrimSpace(line) == "---" {
				closed = true
				continue
			}
			fm = append(fm, line)
			continue
		}
		body = append(body, line)
	}
	if err := scanner.Err(); err != nil {
		return "", "", err
	}
	if !closed {
		return "", "", ErrNoFrontmatter
	}

	return strings.Join(fm, "\n"), strings.TrimLeft(strings.Join(body, "\n"), "\n"), nil
}

// Load reads the body of the skill described by meta. maxLines <= 0 disables
// the size check.
func Load(meta Metadata, turn, maxLines int) (*LoadedSkill, error) {
	data, err := os.ReadFile(filepath.Join(meta.Path, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}

	_, body, err := split(string(data))
	if err != nil {
		return nil, err
	}

	if maxLines > 0 {
		if n := strings.Count(body, "\n") + 1; n > maxLines {
			return nil, fmt.Errorf("%s has %d lines, limit %d: %w", meta.Name, n, maxLines, ErrBodyTooLarge)
		}
	}

	return &LoadedSkill{
		Metadata:      meta,
		Body:          body,
		LoadedAtTurn:  turn,
		TokenEstimate: utf8.RuneCountInString(body) / 4,
		BodyHash:      digest.Text(body),
	}, nil
}

// Resolve finds a skill by name. An empty source matches any source.
func Resolve(index []Metadata, name, source string) (Metadata, bool) {
	for _, m := range index {
		if m.Name == name && (source == "" || m.Source == source) {
			return m, true
		}
	}
	return Metadata{}, false
}
