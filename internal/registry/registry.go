// Package registry maps namespace ids to cached isolates and enforces
// bounded-LRU eviction across the daemon (spec §4.5).
//
// # Design rationale
//
// A namespace is a named slot that caches a *disposed* isolate for later
// reuse, so the next createRuntime against the same id skips a fresh
// isolate construction. This mirrors the teacher's functionPool, which
// caches warm VMs per pool key to amortise a 100-500ms cold start; here the
// "pool key" is the namespace id itself rather than a hash of function
// configuration, and there is no analogue of the teacher's health-check or
// idle-TTL eviction loops — reuse lives as long as the daemon lives, in
// line with the spec's "no persisted state, no background idle eviction"
// semantics (the only capacity pressure is maxIsolates, not a timer).
//
// # Concurrency model
//
// One sync.RWMutex per Registry guards the namespace table and the
// non-namespaced entry set together, since eviction must compare
// disposedAt timestamps across the whole namespaced population atomically.
// This is coarser than the teacher's per-functionPool lock, acceptable here
// per spec §5 ("Registry and bridge tables mutated under a single critical
// section per operation (coarse lock acceptable)").
//
// # Invariants
//
//   - At most one active isolate per namespace at any time.
//   - Reuse requires the namespace entry to be disposed.
//   - LRU ordering among disposed entries is by disposedAt ascending.
//   - Active entries are never evicted.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nerdjs/sandboxd/internal/errs"
	"github.com/nerdjs/sandboxd/internal/metrics"
)

// State is a namespace entry's lifecycle state.
type State int

const (
	StateActive State = iota
	StateDisposed
)

// ConstructOptions are the options frozen at an isolate's first create
// (spec §4.4 "options are frozen at first create and ignored on reuse").
type ConstructOptions struct {
	MemoryLimitMB  int
	MaxExecutionMs int
	Cwd            string
	Env            map[string]string
}

// Isolate is the minimal interface the registry needs from a live isolate;
// internal/isolate.Isolate satisfies it. Keeping the registry ignorant of
// the concrete isolate type keeps it testable with a fake and free of a
// dependency on internal/isolate.
type Isolate interface {
	ID() string
	ClearTimers()
	ResetConsoleState()
	MarkErrored()
	Close() error
}

type entry struct {
	isolate    Isolate
	state      State
	disposedAt time.Time
	opts       ConstructOptions
	namespaced bool
}

// Registry owns the namespace table plus the set of non-namespaced
// isolates created directly on a connection (hard-deleted on dispose or
// connection close, never reused or evicted).
type Registry struct {
	mu           sync.RWMutex
	namespaces   map[string]*entry
	bare         map[string]*entry // keyed by isolate id, non-namespaced
	maxIsolates  int
	totalCreated int64
}

// New constructs a Registry bounded by maxIsolates (must be strictly
// positive per spec §4.5).
func New(maxIsolates int) *Registry {
	if maxIsolates <= 0 {
		maxIsolates = 1
	}
	return &Registry{
		namespaces:  make(map[string]*entry),
		bare:        make(map[string]*entry),
		maxIsolates: maxIsolates,
	}
}

// CreateResult is the createRuntime bridge call's return shape (spec §6).
type CreateResult struct {
	ID     string
	Reused bool
}

// CreateFunc constructs a fresh isolate given frozen construction options.
// The registry calls it at most once per createRuntime invocation (never
// while holding its own lock, so isolate construction — which may block on
// the engine — cannot stall unrelated namespace lookups).
type CreateFunc func(opts ConstructOptions) (Isolate, error)

// CreateRuntime implements spec §4.5's createRuntime policy.
func (r *Registry) CreateRuntime(namespaceID *string, opts ConstructOptions, create CreateFunc) (*CreateResult, error) {
	if namespaceID == nil {
		return r.createBare(opts, create)
	}
	return r.createNamespaced(*namespaceID, opts, create)
}

func (r *Registry) createBare(opts ConstructOptions, create CreateFunc) (*CreateResult, error) {
	if err := r.reserveCapacity(); err != nil {
		return nil, err
	}

	iso, err := create(opts)
	if err != nil {
		r.releaseReservation()
		return nil, err
	}

	r.mu.Lock()
	r.bare[iso.ID()] = &entry{isolate: iso, state: StateActive, opts: opts}
	r.totalCreated++
	r.mu.Unlock()
	metrics.Global().RecordIsolateCreated()

	return &CreateResult{ID: iso.ID(), Reused: false}, nil
}

func (r *Registry) createNamespaced(namespaceID string, opts ConstructOptions, create CreateFunc) (*CreateResult, error) {
	r.mu.Lock()
	ns, ok := r.namespaces[namespaceID]
	if ok && ns.state == StateActive {
		r.mu.Unlock()
		return nil, errs.NamespaceBusy(namespaceID)
	}
	if ok && ns.state == StateDisposed {
		// Reuse: original construction options are preserved; newly
		// supplied ones are silently ignored (spec §9 open question).
		ns.state = StateActive
		r.mu.Unlock()
		metrics.Global().RecordIsolateReused()
		return &CreateResult{ID: ns.isolate.ID(), Reused: true}, nil
	}
	r.mu.Unlock()

	if err := r.reserveCapacity(); err != nil {
		return nil, err
	}

	iso, err := create(opts)
	if err != nil {
		r.releaseReservation()
		return nil, err
	}

	r.mu.Lock()
	r.namespaces[namespaceID] = &entry{isolate: iso, state: StateActive, opts: opts, namespaced: true}
	r.totalCreated++
	r.mu.Unlock()
	metrics.Global().RecordIsolateCreated()

	return &CreateResult{ID: iso.ID(), Reused: false}, nil
}

// reserveCapacity enforces maxIsolates by evicting the least-recently-
// disposed namespaced entry if at capacity, or failing with
// CapacityExhausted if nothing disposed is available to evict.
func (r *Registry) reserveCapacity() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := len(r.namespaces) + len(r.bare)
	if total < r.maxIsolates {
		return nil
	}

	var lruKey string
	var lruAt time.Time
	found := false
	for key, e := range r.namespaces {
		if e.state != StateDisposed {
			continue
		}
		if !found || e.disposedAt.Before(lruAt) {
			lruKey, lruAt, found = key, e.disposedAt, true
		}
	}
	if !found {
		return errs.CapacityExhausted()
	}

	evicted := r.namespaces[lruKey]
	delete(r.namespaces, lruKey)
	_ = evicted.isolate.Close()
	metrics.Global().RecordIsolateEvicted()
	return nil
}

// releaseReservation is a no-op placeholder: reserveCapacity's check is a
// point-in-time count, not an actual slot hold, so a failed create needs no
// explicit release. Kept as a named step for symmetry with the reservation
// call and to give future admission-control logic (e.g. a semaphore) a
// single call site to extend.
func (r *Registry) releaseReservation() {}

// Dispose implements soft/hard dispose per spec §4.5: namespaced entries
// transition to disposed (clearing timers and ephemeral console state but
// preserving module cache and globals); non-namespaced entries are
// destroyed outright.
func (r *Registry) Dispose(isolateID string) error {
	r.mu.Lock()
	for _, ns := range r.namespaces {
		if ns.isolate.ID() == isolateID && ns.state == StateActive {
			ns.isolate.ClearTimers()
			ns.isolate.ResetConsoleState()
			ns.state = StateDisposed
			ns.disposedAt = time.Now()
			r.mu.Unlock()
			metrics.Global().RecordIsolateSoftDisposed()
			return nil
		}
	}
	if bare, ok := r.bare[isolateID]; ok {
		delete(r.bare, isolateID)
		r.mu.Unlock()
		_ = bare.isolate.Close()
		metrics.Global().RecordIsolateHardDisposed()
		return nil
	}
	r.mu.Unlock()
	return nil
}

// MarkErrored closes the isolate and removes its entry (namespaced or
// bare) from the registry after an unrecoverable OOM, so it is never
// reused. Subsequent createRuntime against this namespace id creates a
// fresh isolate.
func (r *Registry) MarkErrored(isolateID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ns := range r.namespaces {
		if ns.isolate.ID() == isolateID {
			_ = ns.isolate.Close()
			delete(r.namespaces, key)
			return
		}
	}
	if bare, ok := r.bare[isolateID]; ok {
		_ = bare.isolate.Close()
		delete(r.bare, isolateID)
	}
}

// CloseConnection hard-deletes every non-namespaced isolate and soft-
// disposes every namespaced isolate this set of ids owns, mirroring
// connection-close semantics (spec §4.5, §5).
func (r *Registry) CloseConnection(isolateIDs []string) {
	for _, id := range isolateIDs {
		_ = r.Dispose(id)
	}
}

// NewIsolateID generates a stable id for a fresh isolate. Exposed so
// internal/isolate doesn't need its own uuid dependency decision.
func NewIsolateID() string {
	return uuid.NewString()
}

// Lookup returns the live isolate behind an id, active or disposed. Used
// by the bridge to recover a concrete *isolate.Isolate on namespace reuse,
// since CreateRuntime itself only returns an id (spec §4.5 "re-register
// the connection's callbacks" needs the concrete isolate, not just its id).
func (r *Registry) Lookup(isolateID string) (Isolate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ns := range r.namespaces {
		if ns.isolate.ID() == isolateID {
			return ns.isolate, true
		}
	}
	if bare, ok := r.bare[isolateID]; ok {
		return bare.isolate, true
	}
	return nil, false
}

// Stats exposes registry-wide counts for Daemon.Stats.
func (r *Registry) Stats() (namespaced, bareCount int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.namespaces), len(r.bare)
}
