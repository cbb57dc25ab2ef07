// Package daemon implements the control plane that listens on a Unix
// socket, authenticates each peer via SO_PEERCRED, and hands accepted
// connections off to bridge.Session. It generalizes the teacher's
// grpc.Server Start/Stop lifecycle (oriys-nova/internal/grpc/server.go)
// and its Executor.Shutdown inflight-drain pattern
// (oriys-nova/internal/executor/executor_snapshot.go) to a raw
// net.Listener loop rather than a grpc.Server.
package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerdjs/sandboxd/internal/bridge"
	"github.com/nerdjs/sandboxd/internal/engine"
	"github.com/nerdjs/sandboxd/internal/logging"
	"github.com/nerdjs/sandboxd/internal/metrics"
	"github.com/nerdjs/sandboxd/internal/registry"
	"golang.org/x/sys/unix"
)

// Config configures one Daemon instance.
type Config struct {
	SocketPath  string
	MaxIsolates int
	// PeerUID/PeerGID restrict accepted connections to a specific peer
	// identity when non-nil; nil accepts any local peer authenticated by
	// SO_PEERCRED (still same-machine-only, per Non-goal "network
	// transparency across machines").
	PeerUID *uint32
	PeerGID *uint32
}

// Daemon owns the listening socket, the shared namespace registry, and
// the bookkeeping needed for a graceful drain on shutdown.
type Daemon struct {
	cfg Config
	eng engine.Engine
	reg *registry.Registry

	listener net.Listener

	closing  atomic.Bool
	inflight sync.WaitGroup

	sessionsMu sync.Mutex
	sessions   map[*bridge.Session]struct{}

	startedAt time.Time
}

// New constructs a Daemon. It does not yet bind the socket; call Serve.
func New(cfg Config, eng engine.Engine) *Daemon {
	if cfg.MaxIsolates <= 0 {
		cfg.MaxIsolates = 256
	}
	return &Daemon{
		cfg:      cfg,
		eng:      eng,
		reg:      registry.New(cfg.MaxIsolates),
		sessions: make(map[*bridge.Session]struct{}),
	}
}

// Serve binds the Unix socket and accepts connections until ctx is
// cancelled or Shutdown is called. It removes any stale socket file left
// behind by a previous, uncleanly-terminated run before binding.
func (d *Daemon) Serve(ctx context.Context) error {
	if err := removeStaleSocket(d.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	lis, err := net.Listen("unix", d.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.SocketPath, err)
	}
	d.listener = lis
	d.startedAt = time.Now()

	logging.Op().Info("daemon listening", "socket", d.cfg.SocketPath, "max_isolates", d.cfg.MaxIsolates)

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			if d.closing.Load() {
				return nil
			}
			return err
		}

		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			conn.Close()
			continue
		}

		if err := d.authenticate(unixConn); err != nil {
			logging.Op().Warn("rejected unauthenticated peer", "error", err)
			unixConn.Close()
			continue
		}

		d.handleConnection(unixConn)
	}
}

// authenticate reads the peer's credentials via SO_PEERCRED and enforces
// the configured uid/gid restriction, if any.
func (d *Daemon) authenticate(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return fmt.Errorf("syscall conn: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return fmt.Errorf("control: %w", ctrlErr)
	}
	if credErr != nil {
		return fmt.Errorf("SO_PEERCRED: %w", credErr)
	}

	if d.cfg.PeerUID != nil && cred.Uid != *d.cfg.PeerUID {
		return fmt.Errorf("peer uid %d does not match required uid %d", cred.Uid, *d.cfg.PeerUID)
	}
	if d.cfg.PeerGID != nil && cred.Gid != *d.cfg.PeerGID {
		return fmt.Errorf("peer gid %d does not match required gid %d", cred.Gid, *d.cfg.PeerGID)
	}
	return nil
}

// handleConnection wraps conn in a bridge.Session and runs it to
// completion on its own goroutine, counted against the inflight
// WaitGroup so Shutdown can drain it.
func (d *Daemon) handleConnection(conn *net.UnixConn) {
	if d.closing.Load() {
		conn.Close()
		return
	}

	s := bridge.NewSession(conn, d.reg, d.eng)

	d.sessionsMu.Lock()
	d.sessions[s] = struct{}{}
	d.sessionsMu.Unlock()

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		defer func() {
			d.sessionsMu.Lock()
			delete(d.sessions, s)
			d.sessionsMu.Unlock()
		}()

		if err := s.Run(context.Background()); err != nil {
			logging.Op().Debug("session ended", "error", err)
		}
	}()
}

// Shutdown stops accepting new connections, closes every live session
// (unblocking their read loops so in-flight calls finish or fail fast),
// and waits up to the context deadline for all sessions to drain,
// mirroring the teacher's Executor.Shutdown inflight-WaitGroup-with-
// timeout pattern.
func (d *Daemon) Shutdown(ctx context.Context) {
	d.closing.Store(true)
	if d.listener != nil {
		d.listener.Close()
	}

	d.sessionsMu.Lock()
	for s := range d.sessions {
		s.Close()
	}
	d.sessionsMu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Op().Info("all sessions drained")
	case <-ctx.Done():
		logging.Op().Warn("shutdown deadline reached with sessions still draining")
	}
}

// Stats mirrors the getStats bridge call's payload, plus uptime and
// registry occupancy, for in-process callers outside any single
// bridge.Session. The CLI's `stats` subcommand does not use it; it issues
// a getStats call over the socket.
type Stats struct {
	metrics.Stats
	UptimeSeconds int64 `json:"uptimeSeconds"`
	Namespaced    int   `json:"namespacedIsolates"`
	Bare          int   `json:"bareIsolates"`
}

// Stats snapshots daemon-wide counters for inspection outside the bridge
// protocol (spec §6 getStats, generalized to a process-level view).
func (d *Daemon) Stats() Stats {
	namespaced, bare := d.reg.Stats()
	uptime := int64(0)
	if !d.startedAt.IsZero() {
		uptime = int64(time.Since(d.startedAt).Seconds())
	}
	return Stats{
		Stats:         metrics.Global().Snapshot(),
		UptimeSeconds: uptime,
		Namespaced:    namespaced,
		Bare:          bare,
	}
}

func removeStaleSocket(path string) error {
	if path == "" {
		return nil
	}
	_, err := net.Dial("unix", path)
	if err == nil {
		return fmt.Errorf("socket %s is already accepting connections", path)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
