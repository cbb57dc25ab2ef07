package testenv

import (
	"context"

	"github.com/nerdjs/sandboxd/internal/engine"
	"github.com/nerdjs/sandboxd/internal/errs"
)

// Install binds the describe/it/test/expect/.../runTests/reset surface
// onto ctx, backed by e. Named `testenv_*` the same way
// internal/isolate/globals.go names its console bindings
// (`console_log`, `console_count`, ...) — a JS-side prelude (out of
// scope here, like the embedded engine itself) is expected to map the
// ergonomic `describe`/`it`/`expect(...).toBe(...)` surface onto these.
func (e *Environment) Install(ctx engine.Context) error {
	installers := []func(engine.Context) error{
		e.installDescribe,
		e.installCase,
		e.installSkip,
		e.installTodo,
		e.installBeforeEach,
		e.installAfterEach,
		e.installBeforeAll,
		e.installAfterAll,
		e.installMatch,
		e.installRunTests,
		e.installReset,
	}
	for _, install := range installers {
		if err := install(ctx); err != nil {
			return err
		}
	}
	return nil
}

func nameAndCallable(args []any) (string, engine.Callable, error) {
	if len(args) < 2 {
		return "", nil, errs.New(errs.KindUserError, "TypeError", "expected a name and a function")
	}
	name, ok := args[0].(string)
	if !ok {
		return "", nil, errs.New(errs.KindUserError, "TypeError", "expected a string name")
	}
	fn, ok := args[1].(engine.Callable)
	if !ok {
		return "", nil, errs.New(errs.KindUserError, "TypeError", "expected a function")
	}
	return name, fn, nil
}

func soloCallable(args []any) (engine.Callable, error) {
	if len(args) == 0 {
		return nil, errs.New(errs.KindUserError, "TypeError", "expected a function")
	}
	fn, ok := args[0].(engine.Callable)
	if !ok {
		return nil, errs.New(errs.KindUserError, "TypeError", "expected a function")
	}
	return fn, nil
}

func (e *Environment) installDescribe(ctx engine.Context) error {
	return ctx.InstallGlobal("testenv_describe", func(c context.Context, args []any) (any, error) {
		_, fn, err := nameAndCallable(args)
		if err != nil {
			return nil, err
		}

		child := &node{}
		e.mu.Lock()
		parent := e.current()
		parent.items = append(parent.items, child)
		e.stack = append(e.stack, child)
		e.mu.Unlock()

		_, runErr := fn.Call(c, nil)

		e.mu.Lock()
		e.stack = e.stack[:len(e.stack)-1]
		e.mu.Unlock()

		return nil, runErr
	})
}

func (e *Environment) installCase(ctx engine.Context) error {
	register := func(_ context.Context, args []any) (any, error) {
		name, fn, err := nameAndCallable(args)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.current().items = append(e.current().items, &testCase{name: name, fn: fn})
		e.mu.Unlock()
		return nil, nil
	}
	if err := ctx.InstallGlobal("testenv_it", register); err != nil {
		return err
	}
	return ctx.InstallGlobal("testenv_test", register)
}

func (e *Environment) installSkip(ctx engine.Context) error {
	return ctx.InstallGlobal("testenv_skip", func(_ context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, errs.New(errs.KindUserError, "TypeError", "expected a name")
		}
		name, _ := args[0].(string)
		e.mu.Lock()
		e.current().items = append(e.current().items, &testCase{name: name, status: StatusSkipped})
		e.mu.Unlock()
		return nil, nil
	})
}

func (e *Environment) installTodo(ctx engine.Context) error {
	return ctx.InstallGlobal("testenv_todo", func(_ context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, errs.New(errs.KindUserError, "TypeError", "expected a name")
		}
		name, _ := args[0].(string)
		e.mu.Lock()
		e.current().items = append(e.current().items, &testCase{name: name, status: StatusTodo})
		e.mu.Unlock()
		return nil, nil
	})
}

func (e *Environment) installBeforeEach(ctx engine.Context) error {
	return ctx.InstallGlobal("testenv_beforeEach", func(_ context.Context, args []any) (any, error) {
		fn, err := soloCallable(args)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		n := e.current()
		n.beforeEach = append(n.beforeEach, fn)
		e.mu.Unlock()
		return nil, nil
	})
}

func (e *Environment) installAfterEach(ctx engine.Context) error {
	return ctx.InstallGlobal("testenv_afterEach", func(_ context.Context, args []any) (any, error) {
		fn, err := soloCallable(args)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		n := e.current()
		n.afterEach = append(n.afterEach, fn)
		e.mu.Unlock()
		return nil, nil
	})
}

func (e *Environment) installBeforeAll(ctx engine.Context) error {
	return ctx.InstallGlobal("testenv_beforeAll", func(_ context.Context, args []any) (any, error) {
		fn, err := soloCallable(args)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		n := e.current()
		n.beforeAll = append(n.beforeAll, fn)
		e.mu.Unlock()
		return nil, nil
	})
}

func (e *Environment) installAfterAll(ctx engine.Context) error {
	return ctx.InstallGlobal("testenv_afterAll", func(_ context.Context, args []any) (any, error) {
		fn, err := soloCallable(args)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		n := e.current()
		n.afterAll = append(n.afterAll, fn)
		e.mu.Unlock()
		return nil, nil
	})
}

// installRunTests backs runTests(timeoutMs?), executing the queued
// describe/it tree against ctx and terminating ctx if the run overruns
// timeoutMs (spec §4.8).
func (e *Environment) installRunTests(ctx engine.Context) error {
	return ctx.InstallGlobal("testenv_runTests", func(c context.Context, args []any) (any, error) {
		timeoutMs := 0
		if len(args) > 0 {
			if ms, ok := args[0].(float64); ok {
				timeoutMs = int(ms)
			}
		}
		result, err := e.Run(c, ctx, timeoutMs)
		if err != nil {
			return nil, err
		}
		return result, nil
	})
}

// installReset backs reset(), clearing the queued describe/it tree
// without touching module cache or other globalThis state.
func (e *Environment) installReset(ctx engine.Context) error {
	return ctx.InstallGlobal("testenv_reset", func(_ context.Context, _ []any) (any, error) {
		e.Reset()
		return nil, nil
	})
}

// installMatch backs expect(actual)'s chainable matchers: the JS-side
// prelude is expected to route `expect(a).toBe(b)`/`expect(a).not.toBe(b)`
// through this single host call (spec §9 "each matcher is a pure
// function of (actual, expected?, flags)").
func (e *Environment) installMatch(ctx engine.Context) error {
	return ctx.InstallGlobal("testenv_match", func(_ context.Context, args []any) (any, error) {
		if len(args) < 3 {
			return nil, errs.New(errs.KindUserError, "TypeError", "matcher call requires name, negate, and actual")
		}
		name, _ := args[0].(string)
		negate, _ := args[1].(bool)
		actual := args[2]
		var expected any
		if len(args) > 3 {
			expected = args[3]
		}

		m, ok := matchers[name]
		if !ok {
			return nil, errs.New(errs.KindUserError, "Error", "unknown matcher \""+name+"\"")
		}

		pass, msg := m(actual, expected)
		if negate {
			pass = !pass
			msg = "not: " + msg
		}
		if !pass {
			return nil, errs.New(errs.KindUserError, "AssertionError", msg)
		}
		return nil, nil
	})
}
