package isolate

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nerdjs/sandboxd/internal/engine"
	"github.com/nerdjs/sandboxd/internal/errs"
	"github.com/nerdjs/sandboxd/internal/modgraph"
)

// installGlobals binds console, fetch, serve, require/timers, and path
// exactly as spec §4.4 enumerates. Grounded on the teacher's pattern of
// installing a fixed set of host bindings once per VM/context
// (oriys-nova's backend.Client.Init sends a fixed InitPayload; here the
// equivalent is a fixed set of global installs at construction).
func (iso *Isolate) installGlobals() error {
	installers := []func() error{
		iso.installConsole,
		iso.installFetch,
		iso.installServe,
		iso.installTimers,
		iso.installRequire,
		iso.installRequireNamespace,
		iso.installPath,
		iso.installTestEnv,
	}
	for _, install := range installers {
		if err := install(); err != nil {
			return err
		}
	}
	return nil
}

func (iso *Isolate) installConsole() error {
	levels := []string{"log", "info", "warn", "error", "debug"}
	for _, level := range levels {
		lv := level
		if err := iso.ctx.InstallGlobal("console_"+lv, func(_ context.Context, args []any) (any, error) {
			iso.emitConsole(lv, args)
			return nil, nil
		}); err != nil {
			return err
		}
	}
	if err := iso.ctx.InstallGlobal("console_count", func(_ context.Context, args []any) (any, error) {
		label := "default"
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				label = s
			}
		}
		iso.consoleMu.Lock()
		iso.consoleCounts[label]++
		n := iso.consoleCounts[label]
		iso.consoleMu.Unlock()
		iso.emitConsole("count", []any{fmt.Sprintf("%s: %d", label, n)})
		return nil, nil
	}); err != nil {
		return err
	}
	if err := iso.ctx.InstallGlobal("console_time", func(_ context.Context, args []any) (any, error) {
		label := "default"
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				label = s
			}
		}
		iso.consoleMu.Lock()
		iso.consoleTimers[label] = time.Now()
		iso.consoleMu.Unlock()
		return nil, nil
	}); err != nil {
		return err
	}
	return iso.ctx.InstallGlobal("console_timeEnd", func(_ context.Context, args []any) (any, error) {
		label := "default"
		if len(args) > 0 {
			if s, ok := args[0].(string); ok {
				label = s
			}
		}
		iso.consoleMu.Lock()
		started, ok := iso.consoleTimers[label]
		delete(iso.consoleTimers, label)
		iso.consoleMu.Unlock()
		if ok {
			iso.emitConsole("timeEnd", []any{fmt.Sprintf("%s: %s", label, time.Since(started))})
		}
		return nil, nil
	})
}

// emitConsole formats args Node-style and routes the entry to the host
// onEntry callback (spec §4.4: "Error becomes Name: message\n    at …").
func (iso *Isolate) emitConsole(level string, args []any) {
	cb := iso.callbacksSnapshot().OnConsoleEntry
	if cb == nil {
		return
	}
	cb(ConsoleEntry{Type: "console", Level: level, Stdout: formatConsoleArgs(args), Args: args})
}

func formatConsoleArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if m, ok := a.(map[string]any); ok {
			if name, hasName := m["name"].(string); hasName {
				if msg, hasMsg := m["message"].(string); hasMsg {
					parts[i] = fmt.Sprintf("%s: %s", name, msg)
					if stack, ok := m["stack"].(string); ok && stack != "" {
						parts[i] = stack
					}
					continue
				}
			}
		}
		parts[i] = fmt.Sprintf("%v", a)
	}
	return strings.Join(parts, " ")
}

func (iso *Isolate) installFetch() error {
	return iso.ctx.InstallGlobal("fetch", func(ctx context.Context, args []any) (any, error) {
		cb := iso.callbacksSnapshot().Fetch
		if cb == nil {
			return nil, errs.New(errs.KindUserError, "Error", "no fetch handler registered on this connection")
		}
		var req any
		if len(args) > 0 {
			req = args[0]
		}
		return cb(ctx, req)
	})
}

func (iso *Isolate) installServe() error {
	return iso.ctx.InstallServe(func(fetch engine.Callable) error {
		iso.mu.Lock()
		iso.fetchHandler = fetch
		iso.mu.Unlock()
		return nil
	})
}

func (iso *Isolate) installTimers() error {
	if err := iso.ctx.InstallGlobal("setTimeout", func(ctx context.Context, args []any) (any, error) {
		return iso.scheduleTimer(ctx, args, false)
	}); err != nil {
		return err
	}
	if err := iso.ctx.InstallGlobal("setInterval", func(ctx context.Context, args []any) (any, error) {
		return iso.scheduleTimer(ctx, args, true)
	}); err != nil {
		return err
	}
	if err := iso.ctx.InstallGlobal("clearTimeout", func(_ context.Context, args []any) (any, error) {
		iso.cancelTimer(args)
		return nil, nil
	}); err != nil {
		return err
	}
	return iso.ctx.InstallGlobal("clearInterval", func(_ context.Context, args []any) (any, error) {
		iso.cancelTimer(args)
		return nil, nil
	})
}

var timerIDs int64

// scheduleTimer implements setTimeout/setInterval with monotonic-queue
// semantics (spec §4.4): every fire is a host-initiated call back into the
// captured JS callback via Callable.
func (iso *Isolate) scheduleTimer(ctx context.Context, args []any, interval bool) (any, error) {
	if len(args) == 0 {
		return nil, errs.New(errs.KindUserError, "TypeError", "timer requires a callback")
	}
	cb, ok := args[0].(engine.Callable)
	if !ok {
		return nil, errs.New(errs.KindUserError, "TypeError", "timer callback must be a function")
	}
	delayMs := 0.0
	if len(args) > 1 {
		if n, ok := args[1].(float64); ok {
			delayMs = n
		}
	}

	id := int(atomic.AddInt64(&timerIDs, 1))
	state := &timerState{id: id, interval: interval, cancel: make(chan struct{})}

	iso.timerMu.Lock()
	iso.timers[id] = state
	iso.timerMu.Unlock()

	go func() {
		delay := time.Duration(delayMs) * time.Millisecond
		for {
			select {
			case <-state.cancel:
				return
			case <-time.After(delay):
			}
			if _, err := cb.Call(ctx, nil); err != nil {
				iso.timerMu.Lock()
				delete(iso.timers, id)
				iso.timerMu.Unlock()
				return
			}
			if !interval {
				iso.timerMu.Lock()
				delete(iso.timers, id)
				iso.timerMu.Unlock()
				return
			}
		}
	}()

	return float64(id), nil
}

func (iso *Isolate) cancelTimer(args []any) {
	if len(args) == 0 {
		return
	}
	n, ok := args[0].(float64)
	if !ok {
		return
	}
	id := int(n)
	iso.timerMu.Lock()
	state, ok := iso.timers[id]
	if ok {
		delete(iso.timers, id)
	}
	iso.timerMu.Unlock()
	if ok {
		close(state.cancel)
	}
}

// installRequire binds require() for CJS/ESM interop (spec §4.3, §4.4):
// resolving, linking, and now actually evaluating the target module via
// internal/isolate's loadModule/evaluateRecord (internal/isolate/modules.go),
// returning what Node's require() would — the raw module.exports for a CJS
// target, the full namespace object for an ESM one (modgraph.RequireResult).
func (iso *Isolate) installRequire() error {
	return iso.ctx.InstallGlobal("require", func(_ context.Context, args []any) (any, error) {
		spec, err := requireSpecifierArg(args)
		if err != nil {
			return nil, err
		}
		rec, err := iso.loadModule(spec)
		if err != nil {
			return nil, err
		}
		return modgraph.RequireResult(rec), nil
	})
}

// installRequireNamespace binds the internal global the translated form of
// import/export syntax reads from (modgraph's compileESM emits calls to
// it, never require() directly) — unlike require(), it always returns the
// full {default, ...named} namespace regardless of the target's format, so
// the translation never has to know a dependency's format up front.
func (iso *Isolate) installRequireNamespace() error {
	return iso.ctx.InstallGlobal("__sandboxRequireNamespace", func(_ context.Context, args []any) (any, error) {
		spec, err := requireSpecifierArg(args)
		if err != nil {
			return nil, err
		}
		rec, err := iso.loadModule(spec)
		if err != nil {
			return nil, err
		}
		return rec.Namespace, nil
	})
}

func requireSpecifierArg(args []any) (string, error) {
	if len(args) == 0 {
		return "", errs.New(errs.KindUserError, "TypeError", "require expects a specifier")
	}
	spec, ok := args[0].(string)
	if !ok {
		return "", errs.New(errs.KindUserError, "TypeError", "require expects a string specifier")
	}
	return spec, nil
}

func (iso *Isolate) installPath() error {
	return iso.ctx.InstallValue("path", map[string]any{
		"sep":      "/",
		"delimiter": ":",
	})
}

// installTestEnv binds the describe/it/expect/runTests surface (spec
// §4.8, C9) onto this isolate's Environment.
func (iso *Isolate) installTestEnv() error {
	return iso.testEnv.Install(iso.ctx)
}

func (iso *Isolate) installCustomFunctions() error {
	for name, fn := range iso.callbacksSnapshot().CustomFunctions {
		n, f := name, fn
		if err := iso.ctx.InstallGlobal(n, func(ctx context.Context, args []any) (any, error) {
			return f.Call(ctx, args)
		}); err != nil {
			return err
		}
	}
	return nil
}
