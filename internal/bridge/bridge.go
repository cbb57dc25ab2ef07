// Package bridge multiplexes bridge calls, host callbacks, and stream
// control frames over one Unix-socket connection (spec §4.2, §6, C2).
//
// # Design
//
// One Session per accepted connection. A single writer goroutine drains
// an outbound channel so frames from concurrent goroutines (call
// responses, host-callback requests, stream pushes) are never
// interleaved — the same discipline wire.WriteFrame itself enforces
// one level down. The read loop dispatches each inbound frame to its own
// goroutine so a call that blocks mid-evaluation on a host callback (the
// isolate suspends until the host replies, spec §5) never starves the
// reader that needs to deliver that reply.
//
// # Ordering
//
// Each isolate serializes its own Eval/DispatchRequest calls through its
// own mutex (internal/isolate), so two calls against the same isolate
// never execute concurrently. True FIFO submission order is not enforced
// independently of that mutual exclusion; callers that need strict
// ordering on one isolate are expected to await each call's response
// before issuing the next, which is how this protocol's request/response
// shape is used in practice.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nerdjs/sandboxd/internal/engine"
	"github.com/nerdjs/sandboxd/internal/errs"
	"github.com/nerdjs/sandboxd/internal/isolate"
	"github.com/nerdjs/sandboxd/internal/metrics"
	"github.com/nerdjs/sandboxd/internal/registry"
	"github.com/nerdjs/sandboxd/internal/streaming"
	"github.com/nerdjs/sandboxd/internal/wire"
)

// envelope is the JSON payload carried by every KindCall/KindHostCall/
// KindResponseOK/KindResponseErr frame.
type envelope struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errs.Sandbox   `json:"error,omitempty"`
}

// Session is one bridge connection: transport I/O, the isolate table for
// this connection, and the host-callback round trips the isolates it
// owns depend on.
type Session struct {
	conn io.ReadWriteCloser
	reg  *registry.Registry
	eng  engine.Engine

	out chan *wire.Frame

	pendingMu sync.Mutex
	pending   map[uint64]chan *wire.Frame
	nextCorr  atomic.Uint64

	isoMu sync.Mutex
	isos  map[string]*isolate.Isolate

	streams *streaming.Marshaller

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession constructs a Session for one accepted connection.
func NewSession(conn io.ReadWriteCloser, reg *registry.Registry, eng engine.Engine) *Session {
	s := &Session{
		conn:    conn,
		reg:     reg,
		eng:     eng,
		out:     make(chan *wire.Frame, 64),
		pending: make(map[uint64]chan *wire.Frame),
		isos:    make(map[string]*isolate.Isolate),
		streams: streaming.New(),
		done:    make(chan struct{}),
	}
	// Seed the correlation counter off a random value rather than zero so
	// ids from successive sessions on the same socket don't collide in
	// logs/traces that aggregate across sessions.
	seed, _ := uuid.New().MarshalBinary()
	var seedVal uint64
	for _, b := range seed[:8] {
		seedVal = seedVal<<8 | uint64(b)
	}
	s.nextCorr.Store(seedVal)
	return s
}

// Run drives the session until the connection closes or ctx is
// cancelled. It blocks until both the reader and writer have stopped.
func (s *Session) Run(ctx context.Context) error {
	metrics.Global().IncActiveConnections()
	defer metrics.Global().DecActiveConnections()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	err := s.readLoop()
	s.Close()
	wg.Wait()
	s.teardown()
	return err
}

func (s *Session) writeLoop() {
	for f := range s.out {
		if err := wire.WriteFrame(s.conn, f); err != nil {
			return
		}
	}
}

func (s *Session) readLoop() error {
	for {
		f, err := wire.ReadFrame(s.conn)
		if err != nil {
			return err
		}
		go s.dispatch(f)
	}
}

func (s *Session) dispatch(f *wire.Frame) {
	switch f.Kind {
	case wire.KindCall:
		s.handleCall(f)
	case wire.KindResponseOK, wire.KindResponseErr:
		s.deliverResponse(f)
	case wire.KindStreamPull:
		s.handleStreamPull(f)
	case wire.KindStreamPush, wire.KindStreamEnd, wire.KindStreamError:
		s.handleStreamData(f)
	case wire.KindStreamCancel:
		s.handleStreamCancel(f)
	default:
		// An unhandled kind is a fatal protocol error: report it, then drop
		// the connection.
		s.send(&wire.Frame{Kind: wire.KindResponseErr, CorrelationID: f.CorrelationID, Payload: mustEncodeErr(errs.Protocol(fmt.Sprintf("unhandled frame kind %s", f.Kind)))})
		s.Close()
	}
}

func (s *Session) send(f *wire.Frame) {
	select {
	case s.out <- f:
	case <-s.done:
	}
}

func (s *Session) deliverResponse(f *wire.Frame) {
	s.pendingMu.Lock()
	ch, ok := s.pending[f.CorrelationID]
	if ok {
		delete(s.pending, f.CorrelationID)
	}
	s.pendingMu.Unlock()
	if ok {
		ch <- f
	}
}

// Close closes the underlying connection, unblocking the read loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// teardown hard-deletes non-namespaced isolates and soft-disposes
// namespaced ones owned by this connection (spec §4.5, §5 "connection
// close").
func (s *Session) teardown() {
	s.isoMu.Lock()
	ids := make([]string, 0, len(s.isos))
	for id := range s.isos {
		ids = append(ids, id)
	}
	s.isoMu.Unlock()

	s.reg.CloseConnection(ids)

	s.pendingMu.Lock()
	for _, ch := range s.pending {
		close(ch)
	}
	s.pending = nil
	s.pendingMu.Unlock()

	close(s.out)
}

func mustEncodeErr(err *errs.Sandbox) []byte {
	data, _ := json.Marshal(envelope{Error: err})
	return data
}
