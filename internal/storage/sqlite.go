package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/skillrun/internal/budget"
	"github.com/mpataki/skillrun/internal/state"
	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

// Run is a catalogued run: its persisted snapshot plus where its workspace
// lives.
type Run struct {
	state.Snapshot
	WorkspacePath string
}

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath+"?_time_format=sqlite&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		request TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'initializing',
		current_turn INTEGER NOT NULL DEFAULT 0,
		budget TEXT NOT NULL,
		error TEXT,
		error_trace TEXT,
		loaded_skills TEXT NOT NULL DEFAULT '[]',
		observations_count INTEGER NOT NULL DEFAULT 0,
		workspace_path TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		sequence_num INTEGER NOT NULL,
		action_type TEXT NOT NULL,
		success INTEGER NOT NULL,
		output TEXT NOT NULL,
		error TEXT,
		metadata TEXT,
		turn INTEGER NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		UNIQUE(run_id, sequence_num)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_observations_run ON observations(run_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveRun inserts the run or overwrites its mutable columns.
func (s *Storage) SaveRun(snap state.Snapshot, workspacePath string) error {
	budgetJSON, err := json.Marshal(snap.Budget)
	if err != nil {
		return err
	}
	skillsJSON, err := json.Marshal(snap.LoadedSkills)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		`INSERT INTO runs (id, request, status, current_turn, budget, error, error_trace,
		                   loaded_skills, observations_count, workspace_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			current_turn = excluded.current_turn,
			budget = excluded.budget,
			error = excluded.error,
			error_trace = excluded.error_trace,
			loaded_skills = excluded.loaded_skills,
			observations_count = excluded.observations_count,
			workspace_path = excluded.workspace_path,
			updated_at = excluded.updated_at`,
		snap.RunID, snap.Request, snap.Status, snap.CurrentTurn, string(budgetJSON),
		snap.Error, snap.ErrorTrace, string(skillsJSON), snap.ObservationsCount,
		workspacePath, snap.CreatedAt, snap.UpdatedAt,
	)
	return err
}

const runColumns = `id, request, status, current_turn, budget, error, error_trace,
		loaded_skills, observations_count, workspace_path, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var run Run
	var budgetJSON, skillsJSON string
	var errMsg, errTrace sql.NullString

	err := row.Scan(
		&run.RunID, &run.Request, &run.Status, &run.CurrentTurn, &budgetJSON,
		&errMsg, &errTrace, &skillsJSON, &run.ObservationsCount,
		&run.WorkspacePath, &run.CreatedAt, &run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	var b budget.Budget
	if err := json.Unmarshal([]byte(budgetJSON), &b); err != nil {
		return nil, fmt.Errorf("corrupt budget for run %s: %w", run.RunID, err)
	}
	run.Budget = b

	if err := json.Unmarshal([]byte(skillsJSON), &run.LoadedSkills); err != nil {
		return nil, fmt.Errorf("corrupt loaded skills for run %s: %w", run.RunID, err)
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	if errTrace.Valid {
		run.ErrorTrace = &errTrace.String
	}

	return &run, nil
}

func (s *Storage) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	return run, err
}

// ListRuns returns up to limit runs, newest first.
func (s *Storage) ListRuns(limit int) ([]*Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// AppendObservation stores obs as the seq-th observation of the run.
func (s *Storage) AppendObservation(runID string, seq int, obs state.Observation) error {
	var metaJSON *string
	if len(obs.Metadata) > 0 {
		data, err := json.Marshal(obs.Metadata)
		if err != nil {
			return err
		}
		str := string(data)
		metaJSON = &str
	}

	_, err := s.db.Exec(
		`INSERT INTO observations (run_id, sequence_num, action_type, success, output, error, metadata, turn, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, obs.ActionType, obs.Success, obs.Output, obs.Error, metaJSON, obs.Turn, obs.Timestamp,
	)
	return err
}

func (s *Storage) GetObservations(runID string) ([]state.Observation, error) {
	rows, err := s.db.Query(
		`SELECT action_type, success, output, error, metadata, turn, timestamp
		 FROM observations WHERE run_id = ? ORDER BY sequence_num`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.Observation
	for rows.Next() {
		var obs state.Observation
		var errMsg, metaJSON sql.NullString

		err := rows.Scan(
			&obs.ActionType, &obs.Success, &obs.Output, &errMsg, &metaJSON, &obs.Turn, &obs.Timestamp,
		)
		if err != nil {
			return nil, err
		}

		if errMsg.Valid {
			obs.Error = &errMsg.String
		}
		obs.Metadata = map[string]any{}
		if metaJSON.Valid {
			if err := json.Unmarshal([]byte(metaJSON.String), &obs.Metadata); err != nil {
				return nil, fmt.Errorf("corrupt observation metadata: %w", err)
			}
		}

		out = append(out, obs)
	}

	return out, rows.Err()
}

func (s *Storage) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM observations WHERE run_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}

	return tx.Commit()
}

// FormatTimeAgo renders t relative to now for list views.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
