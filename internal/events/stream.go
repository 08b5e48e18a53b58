package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

var ErrListenerNotFound = errors.New("listener not found")

// Listener receives every emitted event, synchronously.
type Listener func(Event)

// ListenerID is the handle returned by AddListener.
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// Stream appends events to an optional JSONL log and then notifies
// listeners in registration order. A Stream has a single owner and is not
// safe for concurrent use.
type Stream struct {
	path      string
	listeners []registration
	nextID    ListenerID
}

// NewStream returns a stream writing to path. An empty path disables the
// durable log.
func NewStream(path string) *Stream {
	return &Stream{path: path}
}

func (s *Stream) Path() string { return s.path }

// Emit persists e (when a log is configured) before any listener runs. If
// the type is unknown or the append fails, nothing is written, no listener
// is notified and the error is returned.
func (s *Stream) Emit(e Event) error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownType, e.Type)
	}
	if s.path != "" {
		if err := appendLine(s.path, e); err != nil {
			return err
		}
	}

	for _, r := range s.listeners {
		r.fn(e)
	}
	return nil
}

func appendLine(path string, e Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", e.Type, err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to event log: %w", err)
	}
	return f.Close()
}

func (s *Stream) AddListener(fn Listener) ListenerID {
	s.nextID++
	s.listeners = append(s.listeners, registration{id: s.nextID, fn: fn})
	return s.nextID
}

// RemoveListener unregisters id. It fails with ErrListenerNotFound when id
// is not currently registered.
func (s *Stream) RemoveListener(id ListenerID) error {
	for i, r := range s.listeners {
		if r.id == id {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("listener %d: %w", id, ErrListenerNotFound)
}

// ParseError reports a log line that could not be decoded. Line is 1-based.
type ParseError struct {
	Path string
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: corrupt event record: %v", e.Path, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

const maxLineSize = 16 * 1024 * 1024

// Replay reads the log at path in file order. Blank lines are skipped; any
// other line that fails to decode aborts the replay with a *ParseError.
func Replay(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var out []Event
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, &ParseError{Path: path, Line: lineNo, Err: err}
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	return out, nil
}
