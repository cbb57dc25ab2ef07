package daemon

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerdjs/sandboxd/internal/engine"
	"github.com/stretchr/testify/require"
)

// fakeContext is a minimal engine.Context double, mirroring the one in
// internal/bridge's own tests since neither package needs a real VM to
// exercise accept/auth/shutdown plumbing.
type fakeContext struct{}

func (fakeContext) InstallGlobal(name string, fn engine.FunctionCallback) error { return nil }
func (fakeContext) InstallValue(name string, value any) error                  { return nil }
func (fakeContext) InstallServe(onRegister func(engine.Callable) error) error   { return nil }
func (fakeContext) Run(ctx context.Context, source string, opts engine.RunOptions) (*engine.Result, error) {
	return &engine.Result{Value: "ok"}, nil
}
func (fakeContext) RunSync(source, filename string) (any, error) { return nil, nil }
func (fakeContext) HeapUsedMB() int { return 0 }
func (fakeContext) Terminate()      {}
func (fakeContext) Close() error    { return nil }

type fakeEngine struct{}

func (fakeEngine) NewContext(memoryLimitMB int) (engine.Context, error) {
	return fakeContext{}, nil
}

func testSocketPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "sandboxd.sock")
}

func TestServeAcceptsLocalPeerAndUpdatesStats(t *testing.T) {
	sock := testSocketPath(t)
	d := New(Config{SocketPath: sock, MaxIsolates: 4}, fakeEngine{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- d.Serve(ctx) }()

	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		st := d.Stats()
		return st.UptimeSeconds >= 0 && st.ActiveConnections >= 1
	}, time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	d.Shutdown(shutdownCtx)
	cancel()

	select {
	case <-serveErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestAuthenticateRejectsMismatchedUID(t *testing.T) {
	sock := testSocketPath(t)
	bogus := uint32(1 << 30)
	d := New(Config{SocketPath: sock, MaxIsolates: 4, PeerUID: &bogus}, fakeEngine{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.Serve(ctx)

	require.Eventually(t, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err, "server should have closed the connection after rejecting the peer uid")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	d.Shutdown(shutdownCtx)
}

func TestRemoveStaleSocketClearsOrphanedFile(t *testing.T) {
	sock := testSocketPath(t)
	require.NoError(t, os.WriteFile(sock, []byte("not a socket"), 0644))

	require.NoError(t, removeStaleSocket(sock))
	_, err := os.Stat(sock)
	require.True(t, os.IsNotExist(err))
}
