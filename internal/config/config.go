package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	DataDir        string
	DBPath         string
	SettingsPath   string
	UserPlanDir    string
	ProjectPlanDir string
	Settings       *Settings
}

func New() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dataDir := getEnv("SKILLRUN_DATA_DIR", filepath.Join(homeDir, ".skillrun"))
	settingsPath := getEnv("SKILLRUN_CONFIG", filepath.Join(dataDir, "config.yaml"))

	settings, err := LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}

	c := &Config{
		DataDir:        dataDir,
		DBPath:         filepath.Join(dataDir, "skillrun.db"),
		SettingsPath:   settingsPath,
		UserPlanDir:    filepath.Join(dataDir, "plans"),
		ProjectPlanDir: ".skillrun/plans",
		Settings:       settings,
	}

	return c, nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.RunsDir(), 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserPlanDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) RunsDir() string {
	return filepath.Join(c.DataDir, "runs")
}

// PlanDirs lists where named plans are looked up, project first.
func (c *Config) PlanDirs() []string {
	return []string{c.ProjectPlanDir, c.UserPlanDir}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}
