package testenv

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerdjs/sandboxd/internal/engine"
	"github.com/stretchr/testify/require"
)

// funcCallable adapts a plain Go func into an engine.Callable, standing
// in for a captured JS function value in these tests.
type funcCallable func(ctx context.Context, args []any) (any, error)

func (f funcCallable) Call(ctx context.Context, args []any) (any, error) { return f(ctx, args) }

// fakeContext is a minimal engine.Context double exposing only what
// Environment.Run needs: Terminate.
type fakeContext struct {
	terminated atomic.Bool
}

func (f *fakeContext) InstallGlobal(string, engine.FunctionCallback) error          { return nil }
func (f *fakeContext) InstallValue(string, any) error                              { return nil }
func (f *fakeContext) InstallServe(func(engine.Callable) error) error              { return nil }
func (f *fakeContext) Run(context.Context, string, engine.RunOptions) (*engine.Result, error) {
	return nil, nil
}
func (f *fakeContext) RunSync(string, string) (any, error) { return nil, nil }
func (f *fakeContext) HeapUsedMB() int { return 0 }
func (f *fakeContext) Terminate()      { f.terminated.Store(true) }
func (f *fakeContext) Close() error    { return nil }

func ok(_ context.Context, _ []any) (any, error) { return nil, nil }

func TestRunRecordsPassedAndFailedCases(t *testing.T) {
	env := New()

	var order []string
	env.current().items = append(env.current().items,
		&testCase{name: "passes", fn: funcCallable(func(ctx context.Context, args []any) (any, error) {
			order = append(order, "passes")
			return nil, nil
		})},
		&testCase{name: "fails", fn: funcCallable(func(ctx context.Context, args []any) (any, error) {
			order = append(order, "fails")
			return nil, context.DeadlineExceeded
		})},
	)

	res, err := env.Run(context.Background(), &fakeContext{}, 0)
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Equal(t, 1, res.Passed)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, []string{"passes", "fails"}, order)
	require.Equal(t, StatusPassed, res.Tests[0].Status)
	require.Equal(t, StatusFailed, res.Tests[1].Status)
	require.NotEmpty(t, res.Tests[1].Error)
}

func TestRunSkipsAndTodos(t *testing.T) {
	env := New()
	env.current().items = append(env.current().items,
		&testCase{name: "later", status: StatusSkipped},
		&testCase{name: "someday", status: StatusTodo},
	)

	res, err := env.Run(context.Background(), &fakeContext{}, 0)
	require.NoError(t, err)
	require.Equal(t, 2, res.Total)
	require.Equal(t, 0, res.Passed)
	require.Equal(t, 0, res.Failed)
	require.Equal(t, 2, res.Skipped)
}

func TestRunAccumulatesHookChainsOuterToInner(t *testing.T) {
	env := New()

	var calls []string
	hook := func(label string) engine.Callable {
		return funcCallable(func(ctx context.Context, args []any) (any, error) {
			calls = append(calls, label)
			return nil, nil
		})
	}

	root := env.current()
	root.beforeEach = append(root.beforeEach, hook("outerBefore"))
	root.afterEach = append(root.afterEach, hook("outerAfter"))

	child := &node{}
	child.beforeEach = append(child.beforeEach, hook("innerBefore"))
	child.afterEach = append(child.afterEach, hook("innerAfter"))
	child.items = append(child.items, &testCase{name: "case", fn: funcCallable(func(ctx context.Context, args []any) (any, error) {
		calls = append(calls, "case")
		return nil, nil
	})})
	root.items = append(root.items, child)

	_, err := env.Run(context.Background(), &fakeContext{}, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"outerBefore", "innerBefore", "case", "innerAfter", "outerAfter"}, calls)
}

func TestRunBeforeAllAndAfterAllRunOncePerBlock(t *testing.T) {
	env := New()
	beforeAllCount, afterAllCount := 0, 0
	root := env.current()
	root.beforeAll = append(root.beforeAll, funcCallable(func(context.Context, []any) (any, error) {
		beforeAllCount++
		return nil, nil
	}))
	root.afterAll = append(root.afterAll, funcCallable(func(context.Context, []any) (any, error) {
		afterAllCount++
		return nil, nil
	}))
	root.items = append(root.items,
		&testCase{name: "a", fn: funcCallable(ok)},
		&testCase{name: "b", fn: funcCallable(ok)},
	)

	_, err := env.Run(context.Background(), &fakeContext{}, 0)
	require.NoError(t, err)
	require.Equal(t, 1, beforeAllCount)
	require.Equal(t, 1, afterAllCount)
}

func TestRunTimesOutAndTerminatesContext(t *testing.T) {
	env := New()
	env.current().items = append(env.current().items, &testCase{
		name: "slow",
		fn: funcCallable(func(ctx context.Context, args []any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			return nil, nil
		}),
	})

	fc := &fakeContext{}
	_, err := env.Run(context.Background(), fc, 1)
	require.Error(t, err)
	require.Eventually(t, fc.terminated.Load, time.Second, time.Millisecond)
}

func TestResetClearsTreeButKeepsEnvironmentUsable(t *testing.T) {
	env := New()
	env.current().items = append(env.current().items, &testCase{name: "old", fn: funcCallable(ok)})

	env.Reset()

	res, err := env.Run(context.Background(), &fakeContext{}, 0)
	require.NoError(t, err)
	require.Equal(t, 0, res.Total)
}

func TestMatchersBasics(t *testing.T) {
	pass, _ := matchers["toBe"](float64(1), float64(1))
	require.True(t, pass)

	pass, _ = matchers["toBe"](float64(1), float64(2))
	require.False(t, pass)

	pass, _ = matchers["toEqual"]([]any{float64(1), float64(2)}, []any{float64(1), float64(2)})
	require.True(t, pass)

	pass, _ = matchers["toContain"]("hello world", "world")
	require.True(t, pass)

	pass, _ = matchers["toContain"]([]any{float64(1), float64(2)}, float64(2))
	require.True(t, pass)

	pass, _ = matchers["toHaveLength"]("abc", float64(3))
	require.True(t, pass)

	pass, _ = matchers["toBeGreaterThan"](float64(5), float64(3))
	require.True(t, pass)

	pass, _ = matchers["toBeCloseTo"](float64(0.1+0.2), float64(0.3))
	require.True(t, pass)

	pass, _ = matchers["toBeNull"](nil, nil)
	require.True(t, pass)

	pass, _ = matchers["toBeTruthy"]("non-empty", nil)
	require.True(t, pass)

	pass, _ = matchers["toBeFalsy"]("", nil)
	require.True(t, pass)
}

func TestInstallRegistersAllGlobals(t *testing.T) {
	env := New()
	fc := &fakeInstallContext{globals: make(map[string]engine.FunctionCallback)}
	require.NoError(t, env.Install(fc))

	for _, name := range []string{
		"testenv_describe", "testenv_it", "testenv_test", "testenv_skip", "testenv_todo",
		"testenv_beforeEach", "testenv_afterEach", "testenv_beforeAll", "testenv_afterAll",
		"testenv_match", "testenv_runTests", "testenv_reset",
	} {
		require.Contains(t, fc.globals, name)
	}
}

func TestInstallDescribeAndItRegisterNestedCases(t *testing.T) {
	env := New()
	fc := &fakeInstallContext{globals: make(map[string]engine.FunctionCallback)}
	require.NoError(t, env.Install(fc))

	describe := fc.globals["testenv_describe"]
	it := fc.globals["testenv_it"]

	body := funcCallable(func(ctx context.Context, args []any) (any, error) {
		_, err := it(ctx, []any{"does a thing", funcCallable(ok)})
		return nil, err
	})

	_, err := describe(context.Background(), []any{"a group", body})
	require.NoError(t, err)

	require.Len(t, env.root.items, 1)
	child, ok := env.root.items[0].(*node)
	require.True(t, ok)
	require.Len(t, child.items, 1)
	tc, ok := child.items[0].(*testCase)
	require.True(t, ok)
	require.Equal(t, "does a thing", tc.name)
}

func TestInstallMatchReturnsAssertionErrorOnFailure(t *testing.T) {
	env := New()
	fc := &fakeInstallContext{globals: make(map[string]engine.FunctionCallback)}
	require.NoError(t, env.Install(fc))

	match := fc.globals["testenv_match"]

	_, err := match(context.Background(), []any{"toBe", false, float64(1), float64(2)})
	require.Error(t, err)

	_, err = match(context.Background(), []any{"toBe", true, float64(1), float64(2)})
	require.NoError(t, err)
}

// fakeInstallContext records InstallGlobal calls for Install-level tests
// without needing a real engine.Context or isolate.
type fakeInstallContext struct {
	globals map[string]engine.FunctionCallback
}

func (f *fakeInstallContext) InstallGlobal(name string, fn engine.FunctionCallback) error {
	f.globals[name] = fn
	return nil
}
func (f *fakeInstallContext) InstallValue(string, any) error                 { return nil }
func (f *fakeInstallContext) InstallServe(func(engine.Callable) error) error { return nil }
func (f *fakeInstallContext) Run(context.Context, string, engine.RunOptions) (*engine.Result, error) {
	return nil, nil
}
func (f *fakeInstallContext) RunSync(string, string) (any, error) { return nil, nil }
func (f *fakeInstallContext) HeapUsedMB() int { return 0 }
func (f *fakeInstallContext) Terminate()      {}
func (f *fakeInstallContext) Close() error    { return nil }
