package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var ErrModelExhausted = errors.New("scripted model has no more actions")

// ScriptedModel replays a fixed sequence of action records, one per turn.
type ScriptedModel struct {
	records []map[string]any
	next    int
}

func NewScriptedModel(records ...map[string]any) *ScriptedModel {
	return &ScriptedModel{records: records}
}

// LoadScriptedModel reads one JSON action record per line. Blank lines are
// ignored.
func LoadScriptedModel(path string) (*ScriptedModel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open actions file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var records []map[string]any
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal(line, &record); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read actions file: %w", err)
	}

	return NewScriptedModel(records...), nil
}

func (m *ScriptedModel) NextAction(ctx context.Context, _ Request) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.next >= len(m.records) {
		return nil, ErrModelExhausted
	}
	record := m.records[m.next]
	m.next++
	return record, nil
}

func (m *ScriptedModel) Remaining() int {
	return len(m.records) - m.next
}
