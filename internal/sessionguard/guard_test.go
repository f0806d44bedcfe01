package sessionguard

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopDisconnector struct{ called bool }

func (d *noopDisconnector) Disconnect(ctx context.Context) error {
	d.called = true
	return nil
}

func TestGuard_AcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	g := New(filepath.Join(dir, "session.bin"), filepath.Join(dir, "pids"))

	h, err := g.Acquire(context.Background(), "fetch")
	require.NoError(t, err)

	d := &noopDisconnector{}
	h.disconnector = d
	require.NoError(t, h.Release(context.Background()))
	assert.True(t, d.called)
}

func TestGuard_SecondAcquireFailsBusy(t *testing.T) {
	dir := t.TempDir()
	g := New(filepath.Join(dir, "session.bin"), filepath.Join(dir, "pids"))

	h, err := g.Acquire(context.Background(), "fetch")
	require.NoError(t, err)
	defer h.Release(context.Background())

	g2 := New(filepath.Join(dir, "session.bin"), filepath.Join(dir, "pids"))
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = g2.Acquire(ctx, "fetch")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestGuard_ConflictFromLiveWorkerPID(t *testing.T) {
	dir := t.TempDir()
	pidDir := filepath.Join(dir, "pids")
	require.NoError(t, os.MkdirAll(pidDir, 0o755))

	// Fabricate a pid file claiming our own test process (guaranteed
	// alive) holds purpose "worker".
	require.NoError(t, os.WriteFile(
		filepath.Join(pidDir, "self.pid"),
		[]byte(fmtPID(os.Getpid(), "worker")),
		0o644,
	))

	g := New(filepath.Join(dir, "session.bin"), pidDir)
	_, err := g.Acquire(context.Background(), "historical")

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "worker", conflict.Purpose)
}

func TestGuard_NoConflictWhenCallerIsWorkerToo(t *testing.T) {
	dir := t.TempDir()
	pidDir := filepath.Join(dir, "pids")
	require.NoError(t, os.MkdirAll(pidDir, 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(pidDir, "self.pid"),
		[]byte(fmtPID(os.Getpid(), "worker")),
		0o644,
	))

	g := New(filepath.Join(dir, "session.bin"), pidDir)
	h, err := g.Acquire(context.Background(), "worker")
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background()))
}

func fmtPID(pid int, purpose string) string {
	return strconv.Itoa(pid) + ":" + purpose
}
