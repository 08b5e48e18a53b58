// Package script runs skill scripts in a sandboxed Lua VM.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/mpataki/skillrun/internal/skills"
)

var ErrUnsupportedScript = errors.New("unsupported script type")

// Result is the outcome of one script execution.
type Result struct {
	Success  bool
	Output   string
	Error    string
	Duration time.Duration
}

// Executor runs .lua skill scripts with only safe libraries loaded
type Executor struct {
	logger *slog.Logger
}

func NewExecutor(logger *slog.Logger) *Executor {
	return &Executor{logger: logger}
}

// IsLuaScript checks if a file is a Lua script
func IsLuaScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}

// run holds the per-execution state the Lua API writes into
type run struct {
	output     []string
	failed     bool
	failReason string
}

// Run executes the script at path. Script failures, including timeouts, are
// reported in the Result; the error return is for scripts that could not be
// started at all.
func (e *Executor) Run(ctx context.Context, path string, args []string, env map[string]string, limits skills.ResourceLimits) (*Result, error) {
	if !IsLuaScript(path) {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupportedScript)
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	timeout := time.Duration(limits.MaxScriptTimeSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(skills.DefaultResourceLimits().MaxScriptTimeSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Create new Lua state
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()
	L.SetContext(ctx)

	r := &run{}
	openSafeLibs(L)
	e.registerAPI(L, r, path, args, env)

	start := time.Now()
	fn, err := L.LoadString(string(source))
	if err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("failed to load script: %v", err)}, nil
	}

	L.Push(fn)
	callErr := L.PCall(0, 1, nil)
	result := &Result{Duration: time.Since(start)}

	switch {
	case r.failed:
		result.Error = r.failReason
	case ctx.Err() == context.DeadlineExceeded:
		result.Error = fmt.Sprintf("script timed out after %s", timeout)
	case callErr != nil:
		result.Error = callErr.Error()
	default:
		result.Success = true
		if ret := L.Get(-1); ret.Type() == lua.LTString || ret.Type() == lua.LTNumber {
			r.output = append(r.output, ret.String())
		}
	}
	result.Output = strings.Join(r.output, "\n")

	e.logger.Debug("script finished",
		"script", filepath.Base(path),
		"success", result.Success,
		"duration", result.Duration,
	)
	return result, nil
}

// openSafeLibs loads only the safe standard libraries
func openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use emit() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

// registerAPI exposes args, env and the emit/fail/log functions
func (e *Executor) registerAPI(L *lua.LState, r *run, path string, args []string, env map[string]string) {
	argTbl := L.NewTable()
	for i, a := range args {
		L.SetTable(argTbl, lua.LNumber(i+1), lua.LString(a))
	}
	L.SetGlobal("args", argTbl)

	envTbl := L.NewTable()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		L.SetField(envTbl, k, lua.LString(env[k]))
	}
	L.SetGlobal("env", envTbl)

	// emit(text) appends a line to the script's output
	L.SetGlobal("emit", L.NewFunction(func(L *lua.LState) int {
		r.output = append(r.output, L.CheckString(1))
		return 0
	}))

	// fail(message?) stops the script and marks it failed
	L.SetGlobal("fail", L.NewFunction(func(L *lua.LState) int {
		r.failed = true
		r.failReason = L.OptString(1, "script failed")
		L.RaiseError("fail: %s", r.failReason)
		return 0
	}))

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info(L.CheckString(1), "script", filepath.Base(path))
		return 0
	}))
}
