package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mpataki/skillrun/internal/state"
)

const (
	eventLogName = "events.jsonl"
	snapshotName = "run.json"
)

// Workspace is the per-run directory holding the durable event log and the
// latest snapshot.
type Workspace struct {
	Path string
}

func dirFor(baseDir, runID string) string {
	return filepath.Join(baseDir, "run-"+runID)
}

func Create(baseDir, runID string) (*Workspace, error) {
	path := dirFor(baseDir, runID)

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	return &Workspace{Path: path}, nil
}

func Open(baseDir, runID string) (*Workspace, error) {
	path := dirFor(baseDir, runID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for run %s does not exist", runID)
	}

	return &Workspace{Path: path}, nil
}

func (w *Workspace) EventLogPath() string {
	return filepath.Join(w.Path, eventLogName)
}

func (w *Workspace) WriteSnapshot(snap state.Snapshot) error {
	path := filepath.Join(w.Path, snapshotName)

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write run.json: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to write run.json: %w", err)
	}

	return nil
}

func (w *Workspace) ReadSnapshot() (*state.Snapshot, error) {
	path := filepath.Join(w.Path, snapshotName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot not found in %s", w.Path)
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap state.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot JSON: %w", err)
	}

	return &snap, nil
}

func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Path)
}
