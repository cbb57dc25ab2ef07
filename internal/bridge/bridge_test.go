package bridge

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nerdjs/sandboxd/internal/engine"
	"github.com/nerdjs/sandboxd/internal/isolate"
	"github.com/nerdjs/sandboxd/internal/registry"
	"github.com/nerdjs/sandboxd/internal/streaming"
	"github.com/nerdjs/sandboxd/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeContext is a minimal engine.Context double shared by this package's
// tests, mirroring internal/isolate's test double since both packages
// need to drive Run's result without a real VM.
type fakeContext struct {
	runResult *engine.Result
	runErr    error
	onServe   func(engine.Callable) error
	globals   map[string]engine.FunctionCallback
	closed    bool
}

func (f *fakeContext) InstallGlobal(name string, fn engine.FunctionCallback) error {
	if f.globals == nil {
		f.globals = make(map[string]engine.FunctionCallback)
	}
	f.globals[name] = fn
	return nil
}
func (f *fakeContext) InstallValue(name string, value any) error                   { return nil }
func (f *fakeContext) InstallServe(onRegister func(engine.Callable) error) error {
	f.onServe = onRegister
	return nil
}
func (f *fakeContext) Run(ctx context.Context, source string, opts engine.RunOptions) (*engine.Result, error) {
	return f.runResult, f.runErr
}
func (f *fakeContext) RunSync(source, filename string) (any, error) { return nil, nil }
func (f *fakeContext) HeapUsedMB() int { return 0 }
func (f *fakeContext) Terminate()      {}
func (f *fakeContext) Close() error    { f.closed = true; return nil }

type fakeEngine struct {
	contexts []*fakeContext
}

func (e *fakeEngine) NewContext(memoryLimitMB int) (engine.Context, error) {
	fc := &fakeContext{runResult: &engine.Result{Value: "ok"}}
	e.contexts = append(e.contexts, fc)
	return fc, nil
}

func newTestSession(t *testing.T) (*Session, net.Conn) {
	s, client, _ := newTestSessionWithEngine(t)
	return s, client
}

func newTestSessionWithEngine(t *testing.T) (*Session, net.Conn, *fakeEngine) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	eng := &fakeEngine{}
	s := NewSession(serverConn, registry.New(10), eng)
	go s.Run(context.Background())
	t.Cleanup(func() { clientConn.Close() })
	return s, clientConn, eng
}

func writeCall(t *testing.T, conn net.Conn, corr uint64, method string, params any) {
	t.Helper()
	paramData, err := json.Marshal(params)
	require.NoError(t, err)
	envData, err := json.Marshal(envelope{Method: method, Params: paramData})
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, &wire.Frame{Kind: wire.KindCall, CorrelationID: corr, Payload: envData}))
}

func readFrame(t *testing.T, conn net.Conn) *wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := wire.ReadFrame(conn)
	require.NoError(t, err)
	return f
}

func TestCreateRuntimeEvalDispatchGetStats(t *testing.T) {
	_, client := newTestSession(t)

	writeCall(t, client, 1, "createRuntime", createRuntimeParams{Options: isolate.ConstructOptions{MemoryLimitMB: 64, MaxExecutionMs: 1000}})
	f := readFrame(t, client)
	require.Equal(t, wire.KindResponseOK, f.Kind)
	var env envelope
	require.NoError(t, json.Unmarshal(f.Payload, &env))
	var created createRuntimeResult
	require.NoError(t, json.Unmarshal(env.Result, &created))
	require.False(t, created.Reused)
	require.NotEmpty(t, created.ID)

	writeCall(t, client, 2, "eval", evalParams{ID: created.ID, Code: "1+1"})
	f = readFrame(t, client)
	require.Equal(t, wire.KindResponseOK, f.Kind)

	writeCall(t, client, 3, "dispatchRequest", dispatchRequestParams{ID: created.ID, Request: isolate.RequestSpec{Method: "GET", URL: "/"}})
	f = readFrame(t, client)
	require.Equal(t, wire.KindResponseErr, f.Kind)

	writeCall(t, client, 4, "getStats", nil)
	f = readFrame(t, client)
	require.Equal(t, wire.KindResponseOK, f.Kind)

	writeCall(t, client, 5, "dispose", disposeParams{ID: created.ID})
	f = readFrame(t, client)
	require.Equal(t, wire.KindResponseOK, f.Kind)
}

func TestUnknownMethodYieldsProtocolError(t *testing.T) {
	_, client := newTestSession(t)
	writeCall(t, client, 1, "doesNotExist", nil)
	f := readFrame(t, client)
	require.Equal(t, wire.KindResponseErr, f.Kind)
}

func TestHostCallFetchRoundTripsThroughClient(t *testing.T) {
	s, client := newTestSession(t)

	done := make(chan error, 1)
	go func() {
		var out any
		done <- s.hostCall(context.Background(), "fetch", map[string]any{"url": "/x"}, &out)
	}()

	f := readFrame(t, client)
	require.Equal(t, wire.KindHostCall, f.Kind)
	var env envelope
	require.NoError(t, json.Unmarshal(f.Payload, &env))
	require.Equal(t, "fetch", env.Method)

	resultData, _ := json.Marshal(map[string]any{"status": 200})
	respEnv, _ := json.Marshal(envelope{Result: resultData})
	require.NoError(t, wire.WriteFrame(client, &wire.Frame{Kind: wire.KindResponseOK, CorrelationID: f.CorrelationID, Payload: respEnv}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("hostCall did not complete")
	}
}

func TestCreateRuntimeInstallsCustomFunctionsAsHostCalls(t *testing.T) {
	_, client, eng := newTestSessionWithEngine(t)

	writeCall(t, client, 1, "createRuntime", createRuntimeParams{
		Options:         isolate.ConstructOptions{MemoryLimitMB: 64, MaxExecutionMs: 1000},
		CustomFunctions: map[string]isolate.CustomFunctionMode{"double": isolate.ModeSync},
	})
	f := readFrame(t, client)
	require.Equal(t, wire.KindResponseOK, f.Kind)

	require.Len(t, eng.contexts, 1)
	fc := eng.contexts[0]
	double, ok := fc.globals["double"]
	require.True(t, ok, "double should be installed as a sandbox global")

	done := make(chan error, 1)
	go func() {
		_, err := double(context.Background(), []any{float64(21)})
		done <- err
	}()

	hf := readFrame(t, client)
	require.Equal(t, wire.KindHostCall, hf.Kind)
	var env envelope
	require.NoError(t, json.Unmarshal(hf.Payload, &env))
	require.Equal(t, "customFunction", env.Method)

	var params map[string]any
	require.NoError(t, json.Unmarshal(env.Params, &params))
	require.Equal(t, "double", params["name"])

	resultData, _ := json.Marshal(float64(42))
	respEnv, _ := json.Marshal(envelope{Result: resultData})
	require.NoError(t, wire.WriteFrame(client, &wire.Frame{Kind: wire.KindResponseOK, CorrelationID: hf.CorrelationID, Payload: respEnv}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("custom function call did not complete")
	}
}

func TestStreamPullDeliversPushedChunksThenEnd(t *testing.T) {
	s, client := newTestSession(t)

	h := s.streams.NewHandle(streaming.KindReadable, "sandbox")
	h.Push(streaming.Chunk{Data: []byte("hi")})
	h.Push(streaming.Chunk{End: true})

	pullPayload, _ := json.Marshal(streamPullPayload{N: 2})
	require.NoError(t, wire.WriteFrame(client, &wire.Frame{Kind: wire.KindStreamPull, CorrelationID: h.ID(), Payload: pullPayload}))

	f := readFrame(t, client)
	require.Equal(t, wire.KindStreamPush, f.Kind)
	require.Equal(t, h.ID(), f.CorrelationID)

	end := readFrame(t, client)
	require.Equal(t, wire.KindStreamEnd, end.Kind)
	require.Equal(t, h.ID(), end.CorrelationID)
}

func TestStreamCancelStopsFurtherDelivery(t *testing.T) {
	s, client := newTestSession(t)

	h := s.streams.NewHandle(streaming.KindReadable, "sandbox")

	cancelPayload, _ := json.Marshal(streamCancelPayload{Reason: "done"})
	require.NoError(t, wire.WriteFrame(client, &wire.Frame{Kind: wire.KindStreamCancel, CorrelationID: h.ID(), Payload: cancelPayload}))

	time.Sleep(50 * time.Millisecond)

	pullPayload, _ := json.Marshal(streamPullPayload{N: 1})
	require.NoError(t, wire.WriteFrame(client, &wire.Frame{Kind: wire.KindStreamPull, CorrelationID: h.ID(), Payload: pullPayload}))

	f := readFrame(t, client)
	require.Equal(t, wire.KindStreamError, f.Kind)
}
