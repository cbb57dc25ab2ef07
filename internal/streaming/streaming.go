// Package streaming implements the stream handle table and pull-based
// demand protocol that lets AsyncIterator/ReadableStream values cross the
// host/isolate boundary (spec §4.6, C7).
//
// # Design rationale
//
// The sandbox side issues streamPull(n) and the host yields up to n items
// before awaiting another pull; an eager host may buffer a small window
// ahead of demand to amortize round-trips. This narrows the teacher's
// AdaptiveController (internal/asyncqueue/adaptive.go), which grows/shrinks
// a worker pool's concurrency window based on observed queue depth, to the
// two-party producer/consumer case: instead of tuning a worker count, the
// window here is the eager-buffer size, grown additively while the
// consumer keeps up and shrunk multiplicatively when it falls behind,
// bounded by [1, maxEagerChunks].
package streaming

import (
	"context"
	"sync"

	"github.com/nerdjs/sandboxd/internal/errs"
	"github.com/nerdjs/sandboxd/internal/metrics"
)

const maxEagerChunks = 64

// Kind distinguishes the four handle flavors a Marshaller tracks.
type Kind int

const (
	KindIterator Kind = iota
	KindReadable
	KindTransform
	KindTeeBranch
)

// Chunk is one item flowing across a stream handle.
type Chunk struct {
	Data  []byte
	End   bool
	Err   *errs.Sandbox
}

// Handle is one entry in the marshaller's table: a single producer feeding
// zero or more consumers (more than one only for a tee'd source).
type Handle struct {
	id     uint64
	kind   Kind
	owner  string // "host" | "sandbox"

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []Chunk
	demand   int // pending pull demand not yet satisfied
	window   int // current eager-buffer window, AIMD-adjusted
	closed   bool
	cancelled bool
	cancelReason string
	locked   bool // a ReadableStream with an active reader

	branches []*Handle // tee branches, empty unless this handle was tee'd
}

// Marshaller owns the per-connection stream handle table (spec §5: "Stream
// handle tables are per-connection; handle ids scoped accordingly").
type Marshaller struct {
	mu      sync.Mutex
	handles map[uint64]*Handle
	nextID  uint64
}

func New() *Marshaller {
	return &Marshaller{handles: make(map[uint64]*Handle)}
}

// NewHandle registers a fresh handle and returns its id.
func (m *Marshaller) NewHandle(kind Kind, owner string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	h := &Handle{id: m.nextID, kind: kind, owner: owner, window: 1}
	h.cond = sync.NewCond(&h.mu)
	m.handles[h.id] = h
	return h
}

func (m *Marshaller) Lookup(id uint64) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	return h, ok
}

func (h *Handle) ID() uint64 { return h.id }

// Push delivers one chunk to the handle's buffer, waking any waiting
// reader. Chunks pushed after a successful cancel are discarded, never
// surfaced to consumer code (spec §4.2).
func (h *Handle) Push(c Chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.closed {
		return
	}
	h.buf = append(h.buf, c)
	metrics.Global().RecordStreamChunk(true)
	if c.End || c.Err != nil {
		h.closed = true
	}
	h.growWindow()
	h.cond.Broadcast()
}

// Pull blocks until at least one chunk is available, the handle is closed,
// or ctx is cancelled. It consumes and returns the next chunk's worth of
// pulled data (up to n items), honoring pull-based demand (spec §4.6).
func (h *Handle) Pull(ctx context.Context, n int) ([]Chunk, error) {
	h.mu.Lock()
	h.demand += n

	for len(h.buf) == 0 && !h.closed && !h.cancelled {
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				h.cond.Broadcast()
			case <-done:
			}
		}()
		h.cond.Wait()
		close(done)
		if err := ctx.Err(); err != nil {
			h.mu.Unlock()
			return nil, err
		}
	}

	if h.cancelled {
		h.mu.Unlock()
		return nil, errs.New(errs.KindInternal, "Error", "stream cancelled: "+h.cancelReason)
	}

	take := n
	if take > len(h.buf) {
		take = len(h.buf)
	}
	out := h.buf[:take]
	h.buf = h.buf[take:]
	if h.demand >= take {
		h.demand -= take
	} else {
		h.demand = 0
	}
	h.mu.Unlock()

	for range out {
		metrics.Global().RecordStreamChunk(false)
	}
	return out, nil
}

// growWindow implements the additive-increase half of the AIMD window:
// every successful push while the consumer is keeping up (buffer draining,
// not accumulating without bound) grows the eager window by one, capped at
// maxEagerChunks.
func (h *Handle) growWindow() {
	if len(h.buf) <= h.window && h.window < maxEagerChunks {
		h.window++
	} else if len(h.buf) > h.window*2 {
		// Consumer is falling behind: multiplicative decrease.
		h.window = maxInt(h.window/2, 1)
	}
}

// Window reports the current eager-buffer size, for a host-side producer
// deciding how many items to yield before awaiting the next pull.
func (h *Handle) Window() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.window
}

// Cancel releases a reader and prevents further chunks from being surfaced.
// Calling Cancel on a stream that is Locked (an active reader already
// holds it) must be rejected by the caller with errs.LockedStream before
// reaching here — Cancel itself always succeeds once invoked through the
// reader side (spec §4.6).
func (h *Handle) Cancel(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = true
	h.cancelReason = reason
	h.buf = nil
	metrics.Global().RecordStreamCancel()
	h.cond.Broadcast()
}

// Lock marks the handle as having an active reader; a second concurrent
// reader is rejected by the caller before calling Lock.
func (h *Handle) Lock() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.locked {
		return false
	}
	h.locked = true
	return true
}

func (h *Handle) Unlock() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.locked = false
}

func (h *Handle) IsLocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.locked
}

// Tee creates two independent branches over this handle's eventual values.
// Each branch buffers independently. Fanout pushes every chunk to both
// branches without blocking, so a slower branch's buffer grows without a
// bound until it pulls; no backpressure reaches the source.
func (h *Handle) Tee(m *Marshaller) (a, b *Handle) {
	a = m.NewHandle(KindTeeBranch, h.owner)
	b = m.NewHandle(KindTeeBranch, h.owner)
	h.mu.Lock()
	h.branches = []*Handle{a, b}
	h.mu.Unlock()
	return a, b
}

// Fanout delivers a chunk produced on the tee'd source to both branches.
func (h *Handle) Fanout(c Chunk) {
	h.mu.Lock()
	branches := h.branches
	h.mu.Unlock()
	for _, b := range branches {
		b.Push(c)
	}
}

// IdentityTransform returns a handle that forwards every chunk from src
// unchanged — the identity TransformStream case (spec §4.6, §8: "same 3
// chunks out").
func IdentityTransform(m *Marshaller, src *Handle) *Handle {
	out := m.NewHandle(KindTransform, src.owner)
	go func() {
		ctx := context.Background()
		for {
			chunks, err := src.Pull(ctx, 1)
			if err != nil {
				out.Push(Chunk{Err: errs.Wrap(errs.KindInternal, err)})
				return
			}
			for _, c := range chunks {
				out.Push(c)
				if c.End || c.Err != nil {
					return
				}
			}
		}
	}()
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
