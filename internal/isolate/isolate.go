// Package isolate implements the per-isolate execution runtime (spec
// §4.4, C4): one engine.Context, one module graph, one set of console/
// timer/custom-function bindings, driven through the same drain-check →
// acquire → execute → side-effect pipeline shape as the teacher's
// Executor.Invoke (oriys-nova/internal/executor/executor.go), minus the
// circuit-breaker and Postgres-logging stages (no persistence, spec
// Non-goals) and with VM-pool acquisition replaced by internal/registry.
package isolate

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/nerdjs/sandboxd/internal/engine"
	"github.com/nerdjs/sandboxd/internal/errs"
	"github.com/nerdjs/sandboxd/internal/modgraph"
	"github.com/nerdjs/sandboxd/internal/testenv"
)

// ConsoleEntry mirrors spec §4.4's `{ type, level, stdout, args }` emitted
// to the host's console.onEntry callback.
type ConsoleEntry struct {
	Type   string `json:"type"`
	Level  string `json:"level"`
	Stdout string `json:"stdout"`
	Args   []any  `json:"args"`
}

// CustomFunctionMode tags a host-provided function's marshalling
// discipline (spec §4.4).
type CustomFunctionMode string

const (
	ModeSync          CustomFunctionMode = "sync"
	ModeAsync         CustomFunctionMode = "async"
	ModeAsyncIterator CustomFunctionMode = "asyncIterator"
)

// CustomFunction is one host-provided function installed as a sandbox
// global.
type CustomFunction struct {
	Mode CustomFunctionMode
	Call func(ctx context.Context, args []any) (any, error)
}

// Callbacks are the per-connection host hooks re-registered on every
// createRuntime and on namespace reuse (spec §4.5).
type Callbacks struct {
	OnConsoleEntry  func(entry ConsoleEntry)
	Fetch           func(ctx context.Context, req any) (any, error)
	ModuleLoader    modgraph.Loader
	CustomFunctions map[string]CustomFunction
}

// ConstructOptions mirror registry.ConstructOptions; duplicated here (not
// imported) to keep isolate free of a dependency on registry, matching
// registry's own choice to depend on isolate only through its minimal
// Isolate interface.
type ConstructOptions struct {
	MemoryLimitMB  int               `json:"memoryLimitMb,omitempty"`
	MaxExecutionMs int               `json:"maxExecutionMs,omitempty"`
	Cwd            string            `json:"cwd,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

type timerState struct {
	id       int
	interval bool
	cancel   chan struct{}
}

// Isolate is one sandboxed evaluation context. The zero value is not
// usable; construct via New.
type Isolate struct {
	id  string
	mu  sync.Mutex // serializes eval/dispatchRequest (spec §4.4, §5)
	ctx engine.Context
	graph *modgraph.Graph
	opts  ConstructOptions

	cbMu      sync.RWMutex
	callbacks Callbacks

	consoleMu     sync.Mutex
	consoleCounts map[string]int
	consoleTimers map[string]time.Time
	groupDepth    int

	timerMu  sync.Mutex
	timers   map[int]*timerState
	nextTmID int

	fetchHandler engine.Callable

	testEnv *testenv.Environment

	entryMu       sync.Mutex
	entryFilename string

	moduleMu    sync.Mutex
	moduleStack []modgraph.Importer

	errored bool
	closed  bool
}

// pushModuleImporter/popModuleImporter track the module currently being
// evaluated, so a require()/import() issued from inside that module's body
// resolves relative to it rather than always relative to the top-level
// entry script (spec §4.3 "resolved relative to the importing module").
func (iso *Isolate) pushModuleImporter(imp modgraph.Importer) {
	iso.moduleMu.Lock()
	iso.moduleStack = append(iso.moduleStack, imp)
	iso.moduleMu.Unlock()
}

func (iso *Isolate) popModuleImporter() {
	iso.moduleMu.Lock()
	if n := len(iso.moduleStack); n > 0 {
		iso.moduleStack = iso.moduleStack[:n-1]
	}
	iso.moduleMu.Unlock()
}

// currentImporter returns the importer describing whichever module is
// currently executing a require()/import() call: the innermost entry on
// moduleStack while a module body is running, or the top-level eval's
// entry script otherwise (spec §4.4 "uses it as the entry's importer.path").
func (iso *Isolate) currentImporter() modgraph.Importer {
	iso.moduleMu.Lock()
	if n := len(iso.moduleStack); n > 0 {
		imp := iso.moduleStack[n-1]
		iso.moduleMu.Unlock()
		return imp
	}
	iso.moduleMu.Unlock()

	iso.entryMu.Lock()
	filename := iso.entryFilename
	iso.entryMu.Unlock()
	if filename == "" {
		filename = "/index.js"
	}
	return modgraph.EntryImporter(filename)
}

// cwdEnvProvider adapts ConstructOptions to modgraph.CwdEnvProvider for
// the node:process builtin fallback.
type cwdEnvProvider struct{ cwd string; env map[string]string }

func (p cwdEnvProvider) Cwd() string              { return p.cwd }
func (p cwdEnvProvider) Env() map[string]string   { return p.env }

// New constructs an isolate backed by eng, ready to accept Eval calls.
func New(eng engine.Engine, id string, opts ConstructOptions) (*Isolate, error) {
	ectx, err := eng.NewContext(opts.MemoryLimitMB)
	if err != nil {
		return nil, err
	}

	iso := &Isolate{
		id:            id,
		ctx:           ectx,
		graph:         modgraph.New(),
		opts:          opts,
		consoleCounts: make(map[string]int),
		consoleTimers: make(map[string]time.Time),
		timers:        make(map[int]*timerState),
		testEnv:       testenv.New(),
	}
	iso.graph.SetProcessProvider(cwdEnvProvider{cwd: opts.Cwd, env: opts.Env})
	if err := iso.installGlobals(); err != nil {
		ectx.Close()
		return nil, err
	}
	return iso, nil
}

// ID satisfies registry.Isolate.
func (iso *Isolate) ID() string { return iso.id }

// SetCallbacks re-registers the connection's host hooks (spec §4.5: "on
// reuse, re-register the connection's callbacks"). Unlike console/fetch/
// serve/timers/require, whose global names are fixed at construction,
// CustomFunctions' names are connection-dependent, so each call also
// (re-)installs them as sandbox globals under the new connection's names.
func (iso *Isolate) SetCallbacks(cb Callbacks) error {
	iso.cbMu.Lock()
	iso.callbacks = cb
	iso.cbMu.Unlock()
	return iso.installCustomFunctions()
}

func (iso *Isolate) callbacksSnapshot() Callbacks {
	iso.cbMu.RLock()
	defer iso.cbMu.RUnlock()
	return iso.callbacks
}

// EvalOptions configures one top-level evaluation (spec §6 `eval`).
type EvalOptions struct {
	Filename       string
	MaxExecutionMs int
}

// Eval runs code as a new top-level module entry. Serialized with respect
// to other Eval/DispatchRequest calls on the same isolate (spec §4.4
// "single writer of execution state").
func (iso *Isolate) Eval(ctx context.Context, code string, opts EvalOptions) error {
	iso.mu.Lock()
	defer iso.mu.Unlock()

	if iso.errored {
		return errs.New(errs.KindInternal, "Error", "isolate is permanently unusable after a prior fault")
	}

	filename := opts.Filename
	if filename == "" {
		filename = "index.js"
	}
	if !path.IsAbs(filename) {
		filename = "/" + filename
	}
	filename = path.Clean(filename)

	iso.entryMu.Lock()
	iso.entryFilename = filename
	iso.entryMu.Unlock()

	maxMs := opts.MaxExecutionMs
	if maxMs <= 0 {
		maxMs = iso.opts.MaxExecutionMs
	}

	// The entry script gets the same import/export-to-require() translation
	// a required/imported module does (internal/isolate/modules.go), since the
	// engine only ever runs classic, non-module script (spec §4.3, §4.4).
	entryRec := &modgraph.Record{ID: filename, Format: modgraph.DetectFormat(code), Source: code}
	compiled := modgraph.CompileBody(entryRec)

	iso.pushModuleImporter(modgraph.EntryImporter(filename))
	res, err := iso.ctx.Run(ctx, compiled.Source, engine.RunOptions{
		Filename:      filename,
		MaxExecution:  time.Duration(maxMs) * time.Millisecond,
		MemoryLimitMB: iso.opts.MemoryLimitMB,
	})
	iso.popModuleImporter()
	return iso.mapEvalResult(res, err)
}

func (iso *Isolate) mapEvalResult(res *engine.Result, err error) error {
	if err == nil {
		return nil
	}
	if jsErr, ok := err.(*engine.JSError); ok {
		switch jsErr.Name {
		case "TimeoutError":
			return errs.Timeout()
		case "RangeError":
			if res != nil && res.OutOfMemory {
				iso.errored = true
				return errs.OutOfMemory()
			}
			return errs.New(errs.KindUserError, jsErr.Name, jsErr.Message)
		case "SyntaxError":
			return errs.New(errs.KindSyntax, jsErr.Name, jsErr.Message)
		default:
			return errs.New(errs.KindUserError, jsErr.Name, jsErr.Message)
		}
	}
	return errs.New(errs.KindInternal, "Error", err.Error())
}

// RequestSpec/ResponseSpec mirror spec §6's dispatchRequest shapes.
type RequestSpec struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers [][2]string `json:"headers,omitempty"`
	BodyRef *uint64     `json:"bodyRef,omitempty"`
}

type ResponseSpec struct {
	Status     int         `json:"status"`
	StatusText string      `json:"statusText,omitempty"`
	Headers    [][2]string `json:"headers,omitempty"`
	BodyRef    *uint64     `json:"bodyRef,omitempty"`
}

// DispatchRequest delivers an inbound request to the isolate's registered
// serve({fetch}) handler (spec §6 `dispatchRequest`).
func (iso *Isolate) DispatchRequest(ctx context.Context, req RequestSpec) (*ResponseSpec, error) {
	iso.mu.Lock()
	defer iso.mu.Unlock()

	if iso.errored {
		return nil, errs.New(errs.KindInternal, "Error", "isolate is permanently unusable after a prior fault")
	}
	if iso.fetchHandler == nil {
		return nil, errs.NoResponse()
	}

	result, err := iso.fetchHandler.Call(ctx, []any{requestSpecToValue(req)})
	if err != nil {
		return nil, iso.mapEvalResult(nil, err)
	}
	resp := responseSpecFromValue(result)
	if resp == nil {
		return nil, errs.NoResponse()
	}
	return resp, nil
}

func requestSpecToValue(req RequestSpec) map[string]any {
	headers := make([]any, len(req.Headers))
	for i, h := range req.Headers {
		headers[i] = []any{h[0], h[1]}
	}
	v := map[string]any{"method": req.Method, "url": req.URL, "headers": headers}
	if req.BodyRef != nil {
		v["body"] = map[string]any{"$ref": "stream", "handle": *req.BodyRef}
	}
	return v
}

func responseSpecFromValue(v any) *ResponseSpec {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	resp := &ResponseSpec{}
	if status, ok := m["status"].(float64); ok {
		resp.Status = int(status)
	}
	if st, ok := m["statusText"].(string); ok {
		resp.StatusText = st
	}
	if raw, ok := m["headers"].([]any); ok {
		for _, h := range raw {
			if pair, ok := h.([]any); ok && len(pair) == 2 {
				k, _ := pair[0].(string)
				val, _ := pair[1].(string)
				resp.Headers = append(resp.Headers, [2]string{k, val})
			}
		}
	}
	return resp
}

// ClearTimers satisfies registry.Isolate: cancels every pending
// setTimeout/setInterval (spec §4.4, §4.5 "clear timers" on dispose).
func (iso *Isolate) ClearTimers() {
	iso.timerMu.Lock()
	defer iso.timerMu.Unlock()
	for id, t := range iso.timers {
		close(t.cancel)
		delete(iso.timers, id)
	}
}

// ResetConsoleState satisfies registry.Isolate: clears console.count
// counters, console.time timers, and group depth (spec §4.4, §4.5).
func (iso *Isolate) ResetConsoleState() {
	iso.consoleMu.Lock()
	defer iso.consoleMu.Unlock()
	iso.consoleCounts = make(map[string]int)
	iso.consoleTimers = make(map[string]time.Time)
	iso.groupDepth = 0
}

// MarkErrored satisfies registry.Isolate: OOM and unrecoverable faults
// transition the isolate to Errored (spec §4.4 state machine); no
// subsequent Eval/DispatchRequest succeeds.
func (iso *Isolate) MarkErrored() {
	iso.mu.Lock()
	iso.errored = true
	iso.mu.Unlock()
	iso.ClearTimers()
}

// Close satisfies registry.Isolate.
func (iso *Isolate) Close() error {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if iso.closed {
		return nil
	}
	iso.closed = true
	iso.ClearTimers()
	return iso.ctx.Close()
}
