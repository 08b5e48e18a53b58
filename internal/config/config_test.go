package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mpataki/skillrun/internal/budget"
	"github.com/mpataki/skillrun/internal/skills"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SKILLRUN_DATA_DIR", dir)
	t.Setenv("SKILLRUN_CONFIG", filepath.Join(dir, "none.yaml"))

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "skillrun.db"), c.DBPath)
	assert.Equal(t, filepath.Join(dir, "runs"), c.RunsDir())
	assert.Equal(t, []string{".skillrun/plans", filepath.Join(dir, "plans")}, c.PlanDirs())

	require.NoError(t, c.EnsureDataDir())
	for _, d := range []string{c.RunsDir(), c.UserPlanDir} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestDefaults(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, 12, s.Get("budget.max_turns", nil))
	assert.Equal(t, "default", s.Get("nonexistent", "default"))
	assert.Equal(t, "fallback", s.Get("budget.max_turns.deeper", "fallback"))
	assert.Equal(t, []string{"run_script"}, s.GetStrings("execution.require_approval_for"))
	assert.Equal(t, 3, s.GetInt("plan.deadlock_window", 0))
	assert.Equal(t, budget.Default(), s.Budget())
}

func TestLoadSettingsMergesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`budget:
  max_turns: 4
logging:
  format: json
skill_roots:
  - source: user
    path: /opt/user-skills
    priority: 5
  - source: builtin
    path: /opt/builtin
    priority: 1
`), 0644))

	s, err := LoadSettings(path)
	require.NoError(t, err)

	b := s.Budget()
	assert.Equal(t, 4, b.MaxTurns)
	assert.Equal(t, budget.DefaultMaxToolCalls, b.MaxToolCalls)
	assert.Equal(t, "json", s.GetString("logging.format", ""))
	assert.Equal(t, "INFO", s.GetString("logging.level", ""))

	assert.Equal(t, []skills.Root{
		{Source: "builtin", Dir: "/opt/builtin"},
		{Source: "user", Dir: "/opt/user-skills"},
	}, s.SkillRoots())
}

func TestLoadSettingsAcceptsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"security": {"max_skill_body_lines": 20}}`), 0644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 20, s.GetInt("security.max_skill_body_lines", 0))
	assert.Equal(t, 2000000, s.GetInt("security.max_resource_file_bytes", 0))
}

func TestLoadSettingsRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("budget: [unclosed"), 0644))
	_, err := LoadSettings(path)
	assert.Error(t, err)
}

func TestSkillRootsExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	roots := DefaultSettings().SkillRoots()
	require.Len(t, roots, 2)
	assert.Equal(t, skills.Root{Source: "project", Dir: ".agent/skills"}, roots[0])
	assert.Equal(t, filepath.Join(home, ".agent/skills"), roots[1].Dir)
}
