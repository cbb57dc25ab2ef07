package isolate

import (
	"context"
	"testing"
	"time"

	"github.com/nerdjs/sandboxd/internal/engine"
	"github.com/nerdjs/sandboxd/internal/errs"
	"github.com/nerdjs/sandboxd/internal/modgraph"
	"github.com/stretchr/testify/require"
)

// fakeContext is a minimal engine.Context double: it tracks installed
// globals/serve handler and lets tests drive Run's result directly,
// without needing a real VM.
type fakeContext struct {
	globals map[string]engine.FunctionCallback
	values  map[string]any
	onServe func(engine.Callable) error

	runResult *engine.Result
	runErr    error
	runDelay  time.Duration

	runSyncFn func(source, filename string) (any, error)

	closed bool
}

func newFakeContext() *fakeContext {
	return &fakeContext{globals: make(map[string]engine.FunctionCallback), values: make(map[string]any)}
}

func (f *fakeContext) InstallGlobal(name string, fn engine.FunctionCallback) error {
	f.globals[name] = fn
	return nil
}
func (f *fakeContext) InstallValue(name string, value any) error { f.values[name] = value; return nil }
func (f *fakeContext) InstallServe(onRegister func(engine.Callable) error) error {
	f.onServe = onRegister
	return nil
}
func (f *fakeContext) Run(ctx context.Context, source string, opts engine.RunOptions) (*engine.Result, error) {
	if f.runDelay > 0 {
		select {
		case <-time.After(f.runDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.runResult, f.runErr
}
func (f *fakeContext) RunSync(source, filename string) (any, error) {
	if f.runSyncFn != nil {
		return f.runSyncFn(source, filename)
	}
	return nil, nil
}
func (f *fakeContext) HeapUsedMB() int { return 0 }
func (f *fakeContext) Terminate()      {}
func (f *fakeContext) Close() error    { f.closed = true; return nil }

type fakeEngine struct{ ctx *fakeContext }

func (e *fakeEngine) NewContext(memoryLimitMB int) (engine.Context, error) { return e.ctx, nil }

type fakeCallable struct {
	called chan []any
}

func (c *fakeCallable) Call(ctx context.Context, args []any) (any, error) {
	if c.called != nil {
		c.called <- args
	}
	return nil, nil
}

func newTestIsolate(t *testing.T) (*Isolate, *fakeContext) {
	t.Helper()
	fc := newFakeContext()
	iso, err := New(&fakeEngine{ctx: fc}, "iso-1", ConstructOptions{MemoryLimitMB: 64, MaxExecutionMs: 1000})
	require.NoError(t, err)
	return iso, fc
}

func TestEvalSucceeds(t *testing.T) {
	iso, fc := newTestIsolate(t)
	fc.runResult = &engine.Result{Value: "ok"}
	err := iso.Eval(context.Background(), "1+1", EvalOptions{Filename: "main.js"})
	require.NoError(t, err)
}

func TestEvalTimeoutMapsToTimeoutKind(t *testing.T) {
	iso, fc := newTestIsolate(t)
	fc.runErr = &engine.JSError{Name: "TimeoutError", Message: "boom"}
	err := iso.Eval(context.Background(), "while(true){}", EvalOptions{})
	var sb *errs.Sandbox
	require.ErrorAs(t, err, &sb)
	require.Equal(t, errs.KindTimeout, sb.Kind)
}

func TestEvalOutOfMemoryMarksIsolateErrored(t *testing.T) {
	iso, fc := newTestIsolate(t)
	fc.runErr = &engine.JSError{Name: "RangeError", Message: "heap"}
	fc.runResult = &engine.Result{OutOfMemory: true}
	err := iso.Eval(context.Background(), "leak()", EvalOptions{})
	var sb *errs.Sandbox
	require.ErrorAs(t, err, &sb)
	require.Equal(t, errs.KindOutOfMemory, sb.Kind)

	err = iso.Eval(context.Background(), "1", EvalOptions{})
	require.Error(t, err)
}

func TestDispatchRequestWithNoServeHandlerYieldsNoResponse(t *testing.T) {
	iso, _ := newTestIsolate(t)
	_, err := iso.DispatchRequest(context.Background(), RequestSpec{Method: "GET", URL: "/"})
	var sb *errs.Sandbox
	require.ErrorAs(t, err, &sb)
	require.Equal(t, errs.KindNoResponse, sb.Kind)
}

func TestDispatchRequestInvokesRegisteredFetchHandler(t *testing.T) {
	iso, fc := newTestIsolate(t)

	called := make(chan []any, 1)
	require.NotNil(t, fc.onServe)
	require.NoError(t, fc.onServe(&fakeCallable{called: called}))

	_, err := iso.DispatchRequest(context.Background(), RequestSpec{Method: "GET", URL: "/a"})
	// fakeCallable returns a nil value; a handler returning nothing maps
	// to NoResponse (spec §4.4) but the handler itself was still invoked.
	var sb *errs.Sandbox
	require.ErrorAs(t, err, &sb)
	require.Equal(t, errs.KindNoResponse, sb.Kind)
	select {
	case args := <-called:
		require.Len(t, args, 1)
	case <-time.After(time.Second):
		t.Fatal("fetch handler was not invoked")
	}
}

func TestClearTimersCancelsPendingTimers(t *testing.T) {
	iso, _ := newTestIsolate(t)
	iso.timerMu.Lock()
	iso.timers[1] = &timerState{id: 1, cancel: make(chan struct{})}
	iso.timerMu.Unlock()

	iso.ClearTimers()

	iso.timerMu.Lock()
	n := len(iso.timers)
	iso.timerMu.Unlock()
	require.Equal(t, 0, n)
}

func TestResetConsoleStateClearsCountersAndTimers(t *testing.T) {
	iso, _ := newTestIsolate(t)
	iso.consoleMu.Lock()
	iso.consoleCounts["x"] = 5
	iso.consoleTimers["y"] = time.Now()
	iso.groupDepth = 2
	iso.consoleMu.Unlock()

	iso.ResetConsoleState()

	iso.consoleMu.Lock()
	defer iso.consoleMu.Unlock()
	require.Empty(t, iso.consoleCounts)
	require.Empty(t, iso.consoleTimers)
	require.Zero(t, iso.groupDepth)
}

func TestMarkErroredPreventsFurtherEval(t *testing.T) {
	iso, _ := newTestIsolate(t)
	iso.MarkErrored()
	err := iso.Eval(context.Background(), "1", EvalOptions{})
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	iso, fc := newTestIsolate(t)
	require.NoError(t, iso.Close())
	require.NoError(t, iso.Close())
	require.True(t, fc.closed)
}

// TestRequireEvaluatesCJSModuleAndReturnsExports drives the real
// require()/loadModule/evaluateRecord path end to end: the loader hands
// back CJS source, RunSync stands in for actually executing the compiled
// body, and require() must hand back that body's module.exports rather
// than nil.
func TestRequireEvaluatesCJSModuleAndReturnsExports(t *testing.T) {
	iso, fc := newTestIsolate(t)

	require.NoError(t, iso.SetCallbacks(Callbacks{
		ModuleLoader: func(specifier string, importer modgraph.Importer) (*modgraph.LoaderResult, error) {
			require.Equal(t, "./foo.js", specifier)
			return &modgraph.LoaderResult{
				Code:       `module.exports = { a: 1 };`,
				ResolveDir: "/",
				Filename:   "foo.js",
				Format:     modgraph.FormatCJS,
			}, nil
		},
	}))

	fc.runSyncFn = func(source, filename string) (any, error) {
		require.Equal(t, "/foo.js", filename)
		require.Contains(t, source, "module.exports = { a: 1 };")
		return map[string]any{"a": 1.0}, nil
	}

	requireFn, ok := fc.globals["require"]
	require.True(t, ok, "require should be installed as a sandbox global")

	result, err := requireFn(context.Background(), []any{"./foo.js"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1.0}, result)
}

// TestRequireNamespaceAlwaysReturnsFullNamespace exercises the internal
// __sandboxRequireNamespace global the ESM transform's emitted code calls,
// confirming it returns the {default, ...named} shape regardless of the
// target module's own format.
func TestRequireNamespaceAlwaysReturnsFullNamespace(t *testing.T) {
	iso, fc := newTestIsolate(t)

	require.NoError(t, iso.SetCallbacks(Callbacks{
		ModuleLoader: func(specifier string, importer modgraph.Importer) (*modgraph.LoaderResult, error) {
			return &modgraph.LoaderResult{
				Code:       `module.exports = { a: 1 };`,
				ResolveDir: "/",
				Filename:   "foo.js",
				Format:     modgraph.FormatCJS,
			}, nil
		},
	}))
	fc.runSyncFn = func(source, filename string) (any, error) {
		return map[string]any{"a": 1.0}, nil
	}

	nsFn, ok := fc.globals["__sandboxRequireNamespace"]
	require.True(t, ok, "__sandboxRequireNamespace should be installed as a sandbox global")

	result, err := nsFn(context.Background(), []any{"./foo.js"})
	require.NoError(t, err)
	ns, ok := result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, map[string]any{"a": 1.0}, ns["default"])
	require.Equal(t, 1.0, ns["a"])
}

// TestRequireCircularDependencyObservesPartialNamespaceWithoutDeadlock
// simulates A requiring B while B, mid-evaluation, requires A back: the
// stub for each module's body calls back into the real require() global,
// exercising loadModule/evaluateRecord's re-entrancy guard the same way a
// real circular require()/require() chain would.
func TestRequireCircularDependencyObservesPartialNamespaceWithoutDeadlock(t *testing.T) {
	iso, fc := newTestIsolate(t)

	require.NoError(t, iso.SetCallbacks(Callbacks{
		ModuleLoader: func(specifier string, importer modgraph.Importer) (*modgraph.LoaderResult, error) {
			switch specifier {
			case "./a.js":
				return &modgraph.LoaderResult{Code: "a-body", ResolveDir: "/", Filename: "a.js", Format: modgraph.FormatESM}, nil
			case "./b.js":
				return &modgraph.LoaderResult{Code: "b-body", ResolveDir: "/", Filename: "b.js", Format: modgraph.FormatESM}, nil
			}
			return nil, errs.New(errs.KindModuleLoad, "Error", "unknown specifier "+specifier)
		},
	}))

	requireFn := fc.globals["require"]
	require.NotNil(t, requireFn)

	fc.runSyncFn = func(source, filename string) (any, error) {
		switch filename {
		case "/a.js":
			bVal, err := requireFn(context.Background(), []any{"./b.js"})
			require.NoError(t, err)
			return map[string]any{"fromA": true, "bSeenFromA": bVal}, nil
		case "/b.js":
			aVal, err := requireFn(context.Background(), []any{"./a.js"})
			require.NoError(t, err)
			// a.js is still mid-evaluation here: require() must return its
			// in-progress (possibly empty) namespace, not hang or error.
			require.NotNil(t, aVal)
			return map[string]any{"fromB": true}, nil
		}
		t.Fatalf("unexpected filename %q", filename)
		return nil, nil
	}

	result, err := requireFn(context.Background(), []any{"./a.js"})
	require.NoError(t, err)
	ns, ok := result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, ns["fromA"])

	bSeen, ok := ns["bSeenFromA"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, bSeen["fromB"])
}

// TestRequireExportStarChainMergesWithLocalWinning exercises the bare
// `export * from` path (mergeStarExports): module A re-exports everything
// from B, but A's own "shared" binding must win over B's.
func TestRequireExportStarChainMergesWithLocalWinning(t *testing.T) {
	iso, fc := newTestIsolate(t)

	require.NoError(t, iso.SetCallbacks(Callbacks{
		ModuleLoader: func(specifier string, importer modgraph.Importer) (*modgraph.LoaderResult, error) {
			switch specifier {
			case "./a.js":
				return &modgraph.LoaderResult{Code: `export * from "./b.js"; export const shared = "a";`, ResolveDir: "/", Filename: "a.js", Format: modgraph.FormatESM}, nil
			case "./b.js":
				return &modgraph.LoaderResult{Code: `export const shared = "b"; export const onlyB = 1;`, ResolveDir: "/", Filename: "b.js", Format: modgraph.FormatESM}, nil
			}
			return nil, errs.New(errs.KindModuleLoad, "Error", "unknown specifier "+specifier)
		},
	}))

	fc.runSyncFn = func(source, filename string) (any, error) {
		switch filename {
		case "/a.js":
			return map[string]any{"shared": "a"}, nil
		case "/b.js":
			return map[string]any{"shared": "b", "onlyB": 1.0}, nil
		}
		t.Fatalf("unexpected filename %q", filename)
		return nil, nil
	}

	requireFn := fc.globals["require"]
	result, err := requireFn(context.Background(), []any{"./a.js"})
	require.NoError(t, err)
	ns, ok := result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "a", ns["shared"], "a.js's own shared binding must win over b.js's star export")
	require.Equal(t, 1.0, ns["onlyB"])
}
