// Package skills describes agent skills and indexes them from SKILL.md files
// on disk.
package skills

import (
	"encoding/json"
	"fmt"
)

const (
	SourceProject = "project"
	SourceUser    = "user"
	SourceBuiltin = "builtin"
)

const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// ResourceLimits bounds what a skill's scripts may consume.
type ResourceLimits struct {
	MaxScriptTimeSec     int  `json:"max_script_time_sec" yaml:"max_script_time_sec"`
	MaxMemoryMB          int  `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxConcurrentScripts int  `json:"max_concurrent_scripts" yaml:"max_concurrent_scripts"`
	AllowNetwork         bool `json:"allow_network" yaml:"allow_network"`
}

func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{
		MaxScriptTimeSec:     30,
		MaxMemoryMB:          512,
		MaxConcurrentScripts: 2,
	}
}

// Metadata is the frontmatter-level view of a skill. Path is the directory
// holding its SKILL.md.
type Metadata struct {
	SkillID     string `json:"skill_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"`
	Path        string `json:"path"`

	Version                string         `json:"version,omitempty"`
	Author                 string         `json:"author,omitempty"`
	AllowedTools           []string       `json:"allowed_tools,omitempty"`
	DisableModelInvocation bool           `json:"disable_model_invocation"`
	UserInvocable          bool           `json:"user_invocable"`
	Requires               []string       `json:"requires"`
	LoadPriority           string         `json:"load_priority"`
	ResourceLimits         ResourceLimits `json:"resource_limits"`

	FrontmatterHash string `json:"frontmatter_hash,omitempty"`
	ScannedAt       string `json:"scanned_at,omitempty"`
}

// GenerateID builds the "source:name:version" id used as the key of loaded
// skills.
func GenerateID(source, name, version string) string {
	if version == "" {
		version = "unversioned"
	}
	return fmt.Sprintf("%s:%s:%s", source, name, version)
}

// PriorityScore orders skills for loading; lower loads first.
func (m Metadata) PriorityScore() int {
	switch m.LoadPriority {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

func (m Metadata) String() string {
	ver := ""
	if m.Version != "" {
		ver = "@" + m.Version
	}
	return fmt.Sprintf("SkillMetadata(%s:%s%s, path=%s)", m.Source, m.Name, ver, m.Path)
}

const previewLen = 200

// LoadedSkill is a skill whose body has been read into the run.
type LoadedSkill struct {
	Metadata      Metadata
	Body          string
	LoadedAtTurn  int
	TokenEstimate int
	BodyHash      string
}

// Preview returns the first 200 characters of the body, with "..." appended
// when it was cut.
func (l *LoadedSkill) Preview() string {
	r := []rune(l.Body)
	if len(r) <= previewLen {
		return l.Body
	}
	return string(r[:previewLen]) + "..."
}

func (l *LoadedSkill) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Metadata      Metadata `json:"metadata"`
		BodyPreview   string   `json:"body_preview"`
		LoadedAtTurn  int      `json:"loaded_at_turn"`
		TokenEstimate int      `json:"token_estimate"`
		BodyHash      string   `json:"body_hash,omitempty"`
	}{l.Metadata, l.Preview(), l.LoadedAtTurn, l.TokenEstimate, l.BodyHash})
}
