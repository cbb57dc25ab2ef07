package bridge

import (
	"context"
	"encoding/json"

	"github.com/nerdjs/sandboxd/internal/errs"
	"github.com/nerdjs/sandboxd/internal/isolate"
	"github.com/nerdjs/sandboxd/internal/modgraph"
	"github.com/nerdjs/sandboxd/internal/wire"
)

// hostCall issues one isolate->client callback round trip (spec §4.2, §5:
// "the isolate suspends until the host replies") and decodes its result
// into out. A nil out is valid for one-way acknowledgements.
func (s *Session) hostCall(ctx context.Context, method string, params, out any) error {
	paramData, err := json.Marshal(params)
	if err != nil {
		return errs.New(errs.KindInternal, "Error", err.Error())
	}
	envData, err := json.Marshal(envelope{Method: method, Params: paramData})
	if err != nil {
		return errs.New(errs.KindInternal, "Error", err.Error())
	}

	corr := s.nextCorr.Add(1)
	ch := make(chan *wire.Frame, 1)
	s.pendingMu.Lock()
	s.pending[corr] = ch
	s.pendingMu.Unlock()

	s.send(&wire.Frame{Kind: wire.KindHostCall, CorrelationID: corr, Payload: envData})

	select {
	case f, ok := <-ch:
		if !ok {
			return errs.ConnectionClosed()
		}
		var env envelope
		if err := json.Unmarshal(f.Payload, &env); err != nil {
			return errs.Protocol("malformed host-call response")
		}
		if f.Kind == wire.KindResponseErr {
			if env.Error != nil {
				return env.Error
			}
			return errs.New(errs.KindInternal, "Error", "host call failed")
		}
		if out != nil && len(env.Result) > 0 {
			return json.Unmarshal(env.Result, out)
		}
		return nil
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, corr)
		s.pendingMu.Unlock()
		return ctx.Err()
	case <-s.done:
		return errs.ConnectionClosed()
	}
}

// notifyHost is a fire-and-forget hostCall variant for one-way signals
// (console entries) that never expect a reply frame.
func (s *Session) notifyHost(method string, params any) {
	paramData, err := json.Marshal(params)
	if err != nil {
		return
	}
	envData, err := json.Marshal(envelope{Method: method, Params: paramData})
	if err != nil {
		return
	}
	s.send(&wire.Frame{Kind: wire.KindHostCall, CorrelationID: s.nextCorr.Add(1), Payload: envData})
}

// callbacksFor builds the isolate.Callbacks set every isolate on this
// connection shares, each backed by a host-call round trip over the same
// connection the isolate was created on (spec §4.5 "re-register the
// connection's callbacks"). customFns declares which named functions this
// connection wants installed, and in which marshalling mode; each one
// forwards to the client as a "customFunction" host call carrying its
// name alongside the arguments.
func (s *Session) callbacksFor(customFns map[string]isolate.CustomFunctionMode) isolate.Callbacks {
	return isolate.Callbacks{
		OnConsoleEntry: func(entry isolate.ConsoleEntry) {
			s.notifyHost("console.onEntry", entry)
		},
		Fetch: func(ctx context.Context, req any) (any, error) {
			var out any
			if err := s.hostCall(ctx, "fetch", req, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
		ModuleLoader: func(specifier string, importer modgraph.Importer) (*modgraph.LoaderResult, error) {
			params := map[string]any{"specifier": specifier, "importer": importerToValue(importer)}
			var out modgraph.LoaderResult
			if err := s.hostCall(context.Background(), "moduleLoader", params, &out); err != nil {
				return nil, err
			}
			return &out, nil
		},
		CustomFunctions: s.customFunctionCallbacks(customFns),
	}
}

// customFunctionCallbacks builds one isolate.CustomFunction per declared
// name, each issuing a "customFunction" host call named after it.
func (s *Session) customFunctionCallbacks(customFns map[string]isolate.CustomFunctionMode) map[string]isolate.CustomFunction {
	if len(customFns) == 0 {
		return nil
	}
	fns := make(map[string]isolate.CustomFunction, len(customFns))
	for name, mode := range customFns {
		n := name
		fns[n] = isolate.CustomFunction{
			Mode: mode,
			Call: func(ctx context.Context, args []any) (any, error) {
				params := map[string]any{"name": n, "args": args}
				var out any
				if err := s.hostCall(ctx, "customFunction", params, &out); err != nil {
					return nil, err
				}
				return out, nil
			},
		}
	}
	return fns
}

func importerToValue(importer modgraph.Importer) map[string]any {
	return map[string]any{"path": importer.Path, "resolveDir": importer.ResolveDir}
}
