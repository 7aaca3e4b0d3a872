package guard

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeKernel struct {
	running  atomic.Bool
	restarts atomic.Int32
	stopped  atomic.Int32
	fail     atomic.Bool

	mu    sync.Mutex
	ports []int
}

func (k *fakeKernel) restart(_ context.Context, port int) error {
	k.restarts.Add(1)
	k.mu.Lock()
	k.ports = append(k.ports, port)
	k.mu.Unlock()
	if k.fail.Load() {
		return errors.New("bind: address in use")
	}
	k.running.Store(true)
	return nil
}

func files(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "sing-box")
	cfg := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(bin, nil, 0o755))
	require.NoError(t, os.WriteFile(cfg, []byte("{}"), 0o644))
	return bin, cfg
}

func newGuard(t *testing.T, k *fakeKernel, bin, cfg string) *Guard {
	t.Helper()
	g := New(Options{
		Interval:   10 * time.Millisecond,
		Binary:     bin,
		ConfigPath: func() string { return cfg },
		IsRunning:  k.running.Load,
		Restart:    k.restart,
		OnStopped:  func(int) { k.stopped.Add(1) },
	})
	t.Cleanup(g.Disarm)
	return g
}

func TestGuardRestartsCrashedKernel(t *testing.T) {
	bin, cfg := files(t)
	k := &fakeKernel{}
	k.running.Store(true)
	g := newGuard(t, k, bin, cfg)
	g.Arm(9090)
	assert.True(t, g.IsArmed())

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, k.restarts.Load(), "a live kernel is left alone")

	k.running.Store(false)
	require.Eventually(t, func() bool { return k.restarts.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), k.stopped.Load())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), k.restarts.Load())
	assert.True(t, g.IsArmed())

	g.Disarm()
	assert.False(t, g.IsArmed())
}

func TestGuardRetriesWithoutLimit(t *testing.T) {
	bin, cfg := files(t)
	k := &fakeKernel{}
	k.fail.Store(true)
	g := newGuard(t, k, bin, cfg)
	g.Arm(9090)
	require.Eventually(t, func() bool { return k.restarts.Load() >= 10 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, g.IsArmed())

	k.fail.Store(false)
	require.Eventually(t, k.running.Load, time.Second, 5*time.Millisecond)
}

func TestGuardDisarmsWhenConfigMissing(t *testing.T) {
	bin, cfg := files(t)
	require.NoError(t, os.Remove(cfg))
	k := &fakeKernel{}
	g := newGuard(t, k, bin, cfg)
	g.Arm(9090)
	require.Eventually(t, func() bool { return !g.IsArmed() }, time.Second, 5*time.Millisecond)
	assert.Zero(t, k.restarts.Load())
}

func TestGuardDisarmsWhenBinaryMissing(t *testing.T) {
	bin, cfg := files(t)
	require.NoError(t, os.Remove(bin))
	k := &fakeKernel{}
	g := newGuard(t, k, bin, cfg)
	g.Arm(9090)
	require.Eventually(t, func() bool { return !g.IsArmed() }, time.Second, 5*time.Millisecond)
	assert.Zero(t, k.restarts.Load())

	// a later arm starts a fresh loop
	require.NoError(t, os.WriteFile(bin, nil, 0o755))
	g.Arm(9091)
	require.Eventually(t, func() bool { return k.restarts.Load() > 0 }, time.Second, 5*time.Millisecond)
}

func TestGuardRearmUpdatesPort(t *testing.T) {
	bin, cfg := files(t)
	k := &fakeKernel{}
	k.running.Store(true)
	g := newGuard(t, k, bin, cfg)
	g.Arm(9090)
	g.Arm(9191)
	g.Arm(9292)
	assert.Equal(t, 9292, g.Port())

	k.running.Store(false)
	require.Eventually(t, func() bool { return k.restarts.Load() == 1 }, time.Second, 5*time.Millisecond)
	g.Disarm()
	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Equal(t, []int{9292}, k.ports, "one loop, latest port")
}

func TestGuardDisarmIdempotent(t *testing.T) {
	g := New(Options{IsRunning: func() bool { return true }})
	g.Disarm()
	g.Arm(1)
	g.Disarm()
	g.Disarm()
	assert.False(t, g.IsArmed())
}

func TestFlag(t *testing.T) {
	var f Flag
	assert.False(t, f.IsArmed())
	f.Arm()
	assert.True(t, f.IsArmed())
	f.Disarm()
	assert.False(t, f.IsArmed())
}
