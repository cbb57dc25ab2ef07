// Package engine abstracts the embedded JavaScript engine collaborator
// that internal/isolate drives. The actual engine implementation is an
// out-of-scope concern; this package exists so internal/isolate can be
// written, tested, and reasoned about against a small interface rather
// than a concrete VM binding.
package engine

import (
	"context"
	"time"
)

// FunctionCallback is invoked when sandboxed code calls a host-installed
// global function. args are already-decoded JSON-ish Go values; the
// return value (or error) is marshalled back into the engine.
type FunctionCallback func(ctx context.Context, args []any) (any, error)

// RunOptions configures a single top-level evaluation.
type RunOptions struct {
	Filename       string
	MaxExecution   time.Duration
	MemoryLimitMB  int
}

// Result is what a completed top-level evaluation yields.
type Result struct {
	Value any
	// TimedOut is true when execution was terminated by MaxExecution
	// rather than completing or throwing.
	TimedOut bool
	// OutOfMemory is true when the engine's heap limit was breached.
	OutOfMemory bool
}

// JSError is a structured exception surfaced from engine code, carrying
// enough detail for internal/errs to rehydrate a name-matching exception
// on the other side of the wire.
type JSError struct {
	Name    string
	Message string
	Stack   string
}

func (e *JSError) Error() string { return e.Name + ": " + e.Message }

// Callable is an opaque reference to a JS-side function value, captured
// natively (not JSON-decoded, since a function has no JSON form) so the
// host can invoke it later — the fetch handler registered via
// serve({fetch}) (spec §4.4), timer callbacks, and the test DSL's
// describe/it/hook bodies all arrive this way.
type Callable interface {
	Call(ctx context.Context, args []any) (any, error)
}

// Context is one isolated evaluation context: one JS heap, one global
// object, one module registry. internal/isolate owns exactly one Context
// per live isolate and never shares it across isolates.
type Context interface {
	// InstallGlobal binds a named function at the global scope.
	InstallGlobal(name string, fn FunctionCallback) error

	// InstallValue binds a named non-function global (e.g. a namespace
	// object like `path` or a builtin module namespace).
	InstallValue(name string, value any) error

	// InstallServe binds the global `serve` function. Sandboxed code
	// calls `serve({ fetch })`; onRegister receives the fetch member
	// captured as a Callable, for later invocation from DispatchRequest.
	InstallServe(onRegister func(fetch Callable) error) error

	// Run evaluates top-level source and waits for the script to finish,
	// or for ctx/MaxExecution to elapse. It does not wait for a promise
	// the script returns to settle; such a promise is decoded like any
	// other value.
	Run(ctx context.Context, source string, opts RunOptions) (*Result, error)

	// RunSync evaluates source on the calling goroutine with no timeout or
	// cancellation machinery of its own — for module-body evaluation
	// triggered reentrantly from inside a require()-style FunctionCallback,
	// where spinning up Run's own goroutine would contend with the
	// callback's goroutine for the same underlying VM (spec §4.3 step 4).
	// The enclosing Run/RunSync call's own MaxExecution still bounds it.
	RunSync(source, filename string) (any, error)

	// HeapUsedMB reports current heap usage, for diagnostics.
	HeapUsedMB() int

	// Terminate aborts any in-flight evaluation as soon as the engine
	// reaches a safe interrupt point.
	Terminate()

	// Close releases all engine resources. Not safe to call while Run is
	// in flight; callers must Terminate and wait for Run to return first.
	Close() error
}

// Engine constructs fresh Contexts. Implementations typically wrap one
// native VM instance per Context (e.g. one v8.Isolate each) so that a
// memory-limit breach or termination in one isolate cannot affect
// another.
type Engine interface {
	NewContext(memoryLimitMB int) (Context, error)
}
