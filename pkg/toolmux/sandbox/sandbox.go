// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs caller-supplied composition code against the
// aggregated tool set.
//
// Code executes in a Starlark interpreter with no filesystem, network,
// or environment access. The only ambient capabilities are the tool
// bindings built from the registry's server set: each tool is reachable
// as servers.<serverName>.<displayName>(args), or through
// call("serverName/displayName", args) when the server name is not a
// valid identifier. Values cross the boundary as plain dicts, lists,
// strings, and numbers.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	starlarkjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"

	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/toolmux"
)

const (
	// maxExecutionSteps caps interpreter work per run so a runaway loop
	// fails deterministically even under a generous wall-clock timeout.
	maxExecutionSteps = 10_000_000

	defaultCallTimeout = 60 * time.Second
	defaultExecTimeout = 5 * time.Minute

	// scriptFilename appears in backtraces returned to the caller.
	scriptFilename = "composition.star"

	// ctxLocalKey carries the per-run context into builtins via
	// thread-local storage.
	ctxLocalKey = "toolmux.context"
)

// environment is one immutable build of the binding set and its
// Starlark globals. Initialize swaps the whole environment so runs
// started before a rebuild keep a consistent view.
type environment struct {
	bindings    map[string]*binding
	predeclared starlark.StringDict
}

// Executor owns the sandbox lifecycle: build bindings from the
// registry's server set, then run composition code against them. Runs
// are independent; no state survives between Execute calls.
type Executor struct {
	mu    sync.RWMutex
	env   *environment
	conns toolmux.Connections

	callTimeout time.Duration
	execTimeout time.Duration
}

// NewExecutor returns an executor in the uninitialized state. Zero
// timeouts fall back to the package defaults.
func NewExecutor(conns toolmux.Connections, callTimeout, execTimeout time.Duration) *Executor {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	if execTimeout <= 0 {
		execTimeout = defaultExecTimeout
	}
	return &Executor{
		conns:       conns,
		callTimeout: callTimeout,
		execTimeout: execTimeout,
	}
}

// Initialize discards any existing binding set and rebuilds it from the
// given servers. Servers without a live connection are skipped. Safe to
// call again after a registry change; in-flight runs keep the
// environment they started with.
func (e *Executor) Initialize(servers map[string]*toolmux.ServerInfo) {
	bindings := make(map[string]*binding)
	serverDict := starlark.StringDict{}

	for name, info := range servers {
		if info == nil {
			continue
		}
		if _, err := e.conns.Get(name); err != nil {
			logger.Warnf("Skipping sandbox bindings for server %s: %v", name, err)
			continue
		}

		toolDict := make(starlark.StringDict, len(info.Tools))
		for i := range info.Tools {
			b := newBinding(&info.Tools[i], e.conns, e.callTimeout)
			bindings[b.path] = b
			toolDict[b.displayName] = bindingBuiltin(b)
		}
		serverDict[name] = starlarkstruct.FromStringDict(starlarkstruct.Default, toolDict)
	}

	env := &environment{bindings: bindings}
	env.predeclared = starlark.StringDict{
		"servers": starlarkstruct.FromStringDict(starlarkstruct.Default, serverDict),
		"call":    starlark.NewBuiltin("call", env.callByPath),
		"json":    starlarkjson.Module,
	}

	e.mu.Lock()
	e.env = env
	e.mu.Unlock()

	logger.Infof("Sandbox rebuilt with %d tool bindings across %d servers", len(bindings), len(serverDict))
}

// BindingCount returns the number of callable tool bindings.
func (e *Executor) BindingCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.env == nil {
		return 0
	}
	return len(e.env.bindings)
}

// Execute runs one piece of composition code and returns its result as
// a plain JSON value.
//
// The result is the return value of a main() function when the code
// defines one, otherwise the value of a top-level "result" variable,
// otherwise nil. Script failures, failing binding calls, and limit
// violations come back as wrapped errors, never as a panic.
func (e *Executor) Execute(ctx context.Context, code string) (any, error) {
	e.mu.RLock()
	env := e.env
	e.mu.RUnlock()
	if env == nil {
		return nil, toolmux.ErrSandboxNotInitialized
	}

	runID := uuid.NewString()[:8]
	start := time.Now()
	logger.Debugf("Sandbox run %s started (%d bytes of code)", runID, len(code))
	defer func() {
		logger.Debugf("Sandbox run %s finished in %s", runID, time.Since(start))
	}()

	execCtx, cancel := context.WithTimeout(ctx, e.execTimeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "composition-" + runID,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Infof("[sandbox %s] %s", runID, msg)
		},
	}
	thread.SetLocal(ctxLocalKey, execCtx)
	thread.SetMaxExecutionSteps(maxExecutionSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-execCtx.Done():
			thread.Cancel(execCtx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFileOptions(fileOptions(), thread, scriptFilename, code, env.predeclared)
	if err != nil {
		return nil, executionError(execCtx, err)
	}

	value, err := extractResult(execCtx, thread, globals)
	if err != nil {
		return nil, err
	}

	result, err := fromStarlark(value)
	if err != nil {
		return nil, fmt.Errorf("%w: result is not serializable: %v", toolmux.ErrSandboxExecution, err)
	}
	return result, nil
}

// fileOptions enables the non-core language features composition code
// tends to use. Recursion and while loops stay bounded by the step
// limit.
func fileOptions() *syntax.FileOptions {
	return &syntax.FileOptions{
		Set:             true,
		While:           true,
		TopLevelControl: true,
		GlobalReassign:  true,
		Recursion:       true,
	}
}

// extractResult picks the run's result out of the finished globals:
// main()'s return value when defined, else the "result" global, else
// None.
func extractResult(ctx context.Context, thread *starlark.Thread, globals starlark.StringDict) (starlark.Value, error) {
	if fn, ok := globals["main"].(starlark.Callable); ok {
		value, err := starlark.Call(thread, fn, nil, nil)
		if err != nil {
			return nil, executionError(ctx, err)
		}
		return value, nil
	}
	if value, ok := globals["result"]; ok {
		return value, nil
	}
	return starlark.None, nil
}

// executionError wraps an interpreter failure for the caller. Timeouts
// are reported as such; everything else carries the script backtrace.
func executionError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("%w: execution exceeded its time limit", toolmux.ErrTimeout)
		}
		return fmt.Errorf("%w: execution canceled: %v", toolmux.ErrSandboxExecution, ctxErr)
	}

	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return fmt.Errorf("%w: %s", toolmux.ErrSandboxExecution, evalErr.Backtrace())
	}
	return fmt.Errorf("%w: %v", toolmux.ErrSandboxExecution, err)
}

// callByPath is the call(path, args) builtin. It resolves a binding by
// its full "serverName/displayName" path, covering server names that
// attribute syntax cannot express.
func (env *environment) callByPath(
	thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple,
) (starlark.Value, error) {
	var path string
	var toolArgs starlark.Value
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "path", &path, "args?", &toolArgs); err != nil {
		return nil, err
	}

	b, ok := env.bindings[path]
	if !ok {
		return nil, fmt.Errorf("%w: no binding at %q", toolmux.ErrInvalidPath, path)
	}

	goArgs := map[string]any{}
	if toolArgs != nil && toolArgs != starlark.None {
		dict, ok := toolArgs.(*starlark.Dict)
		if !ok {
			return nil, fmt.Errorf("%s: args must be a dict, got %s", fn.Name(), toolArgs.Type())
		}
		value, err := fromStarlark(dict)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn.Name(), err)
		}
		goArgs = value.(map[string]any)
	}

	return runBinding(thread, b, goArgs)
}

// bindingBuiltin wraps one binding as a Starlark callable accepting
// either a single dict or keyword arguments.
func bindingBuiltin(b *binding) *starlark.Builtin {
	return starlark.NewBuiltin(b.displayName,
		func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			goArgs, err := callArgs(fn.Name(), args, kwargs)
			if err != nil {
				return nil, err
			}
			return runBinding(thread, b, goArgs)
		})
}

func runBinding(thread *starlark.Thread, b *binding, args map[string]any) (starlark.Value, error) {
	value, err := b.invoke(threadContext(thread), args)
	if err != nil {
		return nil, err
	}
	return toStarlark(value)
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(ctxLocalKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}
