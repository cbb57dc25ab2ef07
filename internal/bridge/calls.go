package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nerdjs/sandboxd/internal/errs"
	"github.com/nerdjs/sandboxd/internal/isolate"
	"github.com/nerdjs/sandboxd/internal/metrics"
	"github.com/nerdjs/sandboxd/internal/registry"
	"github.com/nerdjs/sandboxd/internal/wire"
)

type createRuntimeParams struct {
	Options     isolate.ConstructOptions `json:"options"`
	NamespaceID *string                  `json:"namespaceId,omitempty"`
	// CustomFunctions declares the name and marshalling mode of each
	// host-provided function this connection wants installed as a
	// sandbox global (spec §6 "presence of each callback group treated
	// as boolean capability flags"); the function bodies themselves
	// never cross the wire, only their names and call mode.
	CustomFunctions map[string]isolate.CustomFunctionMode `json:"customFunctions,omitempty"`
}

type createRuntimeResult struct {
	ID     string `json:"id"`
	Reused bool   `json:"reused"`
}

type evalParams struct {
	ID             string `json:"id"`
	Code           string `json:"code"`
	Filename       string `json:"filename,omitempty"`
	MaxExecutionMs int    `json:"maxExecutionMs,omitempty"`
}

type dispatchRequestParams struct {
	ID      string              `json:"id"`
	Request isolate.RequestSpec `json:"requestSpec"`
}

type disposeParams struct {
	ID string `json:"id"`
}

// handleCall services one inbound bridge call (spec §6 table): parses
// the method+params envelope, runs it, and writes a KindResponseOK/Err
// frame correlated to the same id.
func (s *Session) handleCall(f *wire.Frame) {
	var env envelope
	if err := json.Unmarshal(f.Payload, &env); err != nil {
		s.respondErr(f.CorrelationID, errs.Protocol("malformed call envelope"))
		return
	}

	ctx := context.Background()

	switch env.Method {
	case "createRuntime":
		s.callCreateRuntime(ctx, f.CorrelationID, env.Params)
	case "eval":
		s.callEval(ctx, f.CorrelationID, env.Params)
	case "dispatchRequest":
		s.callDispatchRequest(ctx, f.CorrelationID, env.Params)
	case "dispose":
		s.callDispose(f.CorrelationID, env.Params)
	case "getStats":
		s.callGetStats(f.CorrelationID)
	default:
		s.respondErr(f.CorrelationID, errs.Protocol("unknown method: "+env.Method))
	}
}

func (s *Session) callCreateRuntime(ctx context.Context, corr uint64, raw json.RawMessage) {
	var p createRuntimeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		s.respondErr(corr, errs.Protocol("malformed createRuntime params"))
		return
	}

	create := func(opts registry.ConstructOptions) (registry.Isolate, error) {
		id := registry.NewIsolateID()
		iso, err := isolate.New(s.eng, id, isolate.ConstructOptions{
			MemoryLimitMB:  opts.MemoryLimitMB,
			MaxExecutionMs: opts.MaxExecutionMs,
			Cwd:            opts.Cwd,
			Env:            opts.Env,
		})
		if err != nil {
			return nil, err
		}
		s.isoMu.Lock()
		s.isos[id] = iso
		s.isoMu.Unlock()
		return iso, nil
	}

	res, err := s.reg.CreateRuntime(p.NamespaceID, registry.ConstructOptions{
		MemoryLimitMB:  p.Options.MemoryLimitMB,
		MaxExecutionMs: p.Options.MaxExecutionMs,
		Cwd:            p.Options.Cwd,
		Env:            p.Options.Env,
	}, create)
	if err != nil {
		s.respondErr(corr, errs.Wrap(errs.KindInternal, err))
		return
	}

	iso := s.resolveIsolate(res.ID)
	if iso != nil {
		if err := iso.SetCallbacks(s.callbacksFor(p.CustomFunctions)); err != nil {
			s.respondErr(corr, errs.Wrap(errs.KindInternal, err))
			return
		}
	}

	s.respondOK(corr, createRuntimeResult{ID: res.ID, Reused: res.Reused})
}

func (s *Session) callEval(ctx context.Context, corr uint64, raw json.RawMessage) {
	var p evalParams
	if err := json.Unmarshal(raw, &p); err != nil {
		s.respondErr(corr, errs.Protocol("malformed eval params"))
		return
	}
	iso := s.resolveIsolate(p.ID)
	if iso == nil {
		s.respondErr(corr, errs.Disposed())
		return
	}

	start := time.Now()
	err := iso.Eval(ctx, p.Code, isolate.EvalOptions{Filename: p.Filename, MaxExecutionMs: p.MaxExecutionMs})
	metrics.Global().RecordEval(time.Since(start).Milliseconds(), err == nil, errKindOf(err))
	if err != nil {
		s.respondErr(corr, err)
		return
	}
	s.respondOK(corr, nil)
}

func (s *Session) callDispatchRequest(ctx context.Context, corr uint64, raw json.RawMessage) {
	var p dispatchRequestParams
	if err := json.Unmarshal(raw, &p); err != nil {
		s.respondErr(corr, errs.Protocol("malformed dispatchRequest params"))
		return
	}
	iso := s.resolveIsolate(p.ID)
	if iso == nil {
		s.respondErr(corr, errs.Disposed())
		return
	}

	start := time.Now()
	resp, err := iso.DispatchRequest(ctx, p.Request)
	metrics.Global().RecordDispatch(time.Since(start).Milliseconds(), err == nil, errKindOf(err))
	if err != nil {
		s.respondErr(corr, err)
		return
	}
	s.respondOK(corr, resp)
}

func (s *Session) callDispose(corr uint64, raw json.RawMessage) {
	var p disposeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		s.respondErr(corr, errs.Protocol("malformed dispose params"))
		return
	}
	if err := s.reg.Dispose(p.ID); err != nil {
		s.respondErr(corr, errs.Wrap(errs.KindInternal, err))
		return
	}
	s.respondOK(corr, nil)
}

func (s *Session) callGetStats(corr uint64) {
	s.respondOK(corr, metrics.Global().Snapshot())
}

func errKindOf(err error) string {
	if sb, ok := err.(*errs.Sandbox); ok {
		return string(sb.Kind)
	}
	return ""
}

func (s *Session) lookupIsolate(id string) (*isolate.Isolate, bool) {
	s.isoMu.Lock()
	defer s.isoMu.Unlock()
	iso, ok := s.isos[id]
	return iso, ok
}

// resolveIsolate recovers the concrete *isolate.Isolate for id, checking
// this connection's own table first (the common case: this session
// created it) and falling back to the registry for ids reused across
// connections via a shared namespace.
func (s *Session) resolveIsolate(id string) *isolate.Isolate {
	if iso, ok := s.lookupIsolate(id); ok {
		return iso
	}
	regIso, ok := s.reg.Lookup(id)
	if !ok {
		return nil
	}
	iso, ok := regIso.(*isolate.Isolate)
	if !ok {
		return nil
	}
	s.isoMu.Lock()
	s.isos[id] = iso
	s.isoMu.Unlock()
	return iso
}

func (s *Session) respondOK(corr uint64, result any) {
	data, err := json.Marshal(result)
	if err != nil {
		s.respondErr(corr, errs.New(errs.KindInternal, "Error", err.Error()))
		return
	}
	payload, _ := json.Marshal(envelope{Result: data})
	s.send(&wire.Frame{Kind: wire.KindResponseOK, CorrelationID: corr, Payload: payload})
}

func (s *Session) respondErr(corr uint64, err error) {
	s.send(&wire.Frame{Kind: wire.KindResponseErr, CorrelationID: corr, Payload: mustEncodeErr(errs.Wrap(errs.KindInternal, err))})
}
