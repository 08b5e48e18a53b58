package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/skillrun/internal/action"
	"github.com/mpataki/skillrun/internal/config"
	"github.com/mpataki/skillrun/internal/events"
)

func TestPromptApprover(t *testing.T) {
	var out bytes.Buffer
	approver := promptApprover(strings.NewReader("y\nno\n"), &out)
	a := action.RunScript{Skill: action.SkillRef{Name: "report"}, RelativePath: "scripts/count.lua"}

	ok, err := approver.Approve(context.Background(), "run-1", a)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Approve run_script")

	ok, err = approver.Approve(context.Background(), "run-1", a)
	require.NoError(t, err)
	assert.False(t, ok)

	// Input exhausted
	ok, err = approver.Approve(context.Background(), "run-1", a)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFormatEvent(t *testing.T) {
	e := events.Event{
		Type:      events.ActionExecuted,
		Turn:      2,
		Timestamp: time.Now(),
		Data:      map[string]any{"success": true, "action": "load_resource"},
	}
	assert.Equal(t, "[t2] action_executed      action=load_resource success=true", formatEvent(e))
}

func TestFindPlan(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		ProjectPlanDir: filepath.Join(dir, "project"),
		UserPlanDir:    filepath.Join(dir, "user"),
	}
	require.NoError(t, os.MkdirAll(cfg.UserPlanDir, 0755))

	doc := []byte("goal: ship it\nsteps:\n  - id: a\n    title: first\n")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.UserPlanDir, "release.yaml"), doc, 0644))

	p, err := findPlan("release", cfg)
	require.NoError(t, err)
	assert.Equal(t, "ship it", p.Goal)

	p, err = findPlan(filepath.Join(cfg.UserPlanDir, "release.yaml"), cfg)
	require.NoError(t, err)
	assert.Len(t, p.Steps, 1)

	_, err = findPlan("missing", cfg)
	assert.ErrorContains(t, err, `plan "missing" not found`)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("steps:\n  - id: a\n    title: x\n"), 0644))
	_, err = findPlan(bad, cfg)
	assert.ErrorContains(t, err, "must have a goal")
}
