//go:build unix

package kernel

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dosgo/xkernel/comm"
)

// fakeKernel mimics the sing-box command line. "check" accepts configs
// containing "ok", "run" exits at once for configs containing "crash".
const fakeKernel = `#!/bin/sh
case "$1" in
check)
	if grep -q ok "$3"; then exit 0; fi
	echo "decode config: invalid" >&2
	exit 1 ;;
version)
	echo "sing-box version 1.11.4"
	echo ""
	echo "Environment: go1.23.1 linux/amd64"
	exit 0 ;;
run)
	if grep -q crash "$5"; then echo "FATAL start service: bind: address in use"; exit 1; fi
	echo "started"
	trap 'exit 0' TERM
	while true; do sleep 0.05; done ;;
esac
exit 2
`

type fakeProcs struct {
	mu      sync.Mutex
	running bool
	killed  []int
	named   int
}

func (f *fakeProcs) IsProcessRunning(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeProcs) KillByName(string, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.named++
	f.running = false
	return nil
}

func (f *fakeProcs) KillByPid(pid int) error {
	f.mu.Lock()
	f.killed = append(f.killed, pid)
	f.mu.Unlock()
	p, err := os.FindProcess(pid)
	if err == nil {
		p.Kill()
	}
	return nil
}

type fakeProxy struct{ disabled int }

func (p *fakeProxy) Enable(string, []string) error { return nil }
func (p *fakeProxy) Disable() error                { p.disabled++; return nil }

func setup(t *testing.T) (*Supervisor, *fakeProcs, *fakeProxy, string) {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "sing-box")
	require.NoError(t, os.WriteFile(bin, []byte(fakeKernel), 0o755))
	procs := &fakeProcs{}
	proxy := &fakeProxy{}
	s := New(Options{
		Binary:      bin,
		WorkDir:     dir,
		SettleDelay: 150 * time.Millisecond,
		GraceDelay:  time.Second,
		Procs:       procs,
		Proxy:       proxy,
	})
	t.Cleanup(func() { s.StopWithTimeout(context.Background(), 3*time.Second) })
	return s, procs, proxy, dir
}

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestCheckConfigMissingPath(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "invoked")
	bin := filepath.Join(dir, "sing-box")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\ntouch "+marker+"\n"), 0o755))
	s := New(Options{Binary: bin, WorkDir: dir, Procs: &fakeProcs{}})

	err := s.CheckConfigValidity(context.Background(), filepath.Join(dir, "nope.json"))
	assert.ErrorIs(t, err, comm.ErrConfig)
	assert.NoFileExists(t, marker, "the kernel must not be invoked for a missing config")
}

func TestCheckConfigInvalid(t *testing.T) {
	s, _, _, dir := setup(t)
	err := s.CheckConfigValidity(context.Background(), writeConfig(t, dir, "bad.json", `{"bad":1}`))
	require.ErrorIs(t, err, comm.ErrConfig)
	assert.Contains(t, err.Error(), "decode config: invalid")
	assert.NoError(t, s.CheckConfigValidity(context.Background(), writeConfig(t, dir, "good.json", `{"ok":1}`)))
}

func TestCheckConfigMissingBinary(t *testing.T) {
	dir := t.TempDir()
	s := New(Options{Binary: filepath.Join(dir, "sing-box"), WorkDir: dir, Procs: &fakeProcs{}})
	err := s.CheckConfigValidity(context.Background(), writeConfig(t, dir, "c.json", `{"ok":1}`))
	assert.ErrorIs(t, err, comm.ErrConfig)
}

func TestStartStop(t *testing.T) {
	s, procs, proxy, dir := setup(t)
	ctx := context.Background()
	path := writeConfig(t, dir, "config.json", `{"ok":1}`)

	require.NoError(t, s.Start(ctx, path, false))
	assert.True(t, s.IsRunning())
	assert.NotZero(t, s.PID())
	assert.Equal(t, path, s.ConfigPath())
	assert.Equal(t, 1, procs.named, "strays are cleared before spawning")
	require.Eventually(t, func() bool {
		return comm.Tail(filepath.Join(dir, "kernel.log"), 5) != ""
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
	assert.Zero(t, s.PID())
	assert.Equal(t, 1, proxy.disabled)
}

func TestStartBadConfigKeepsRunningKernel(t *testing.T) {
	s, _, _, dir := setup(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, writeConfig(t, dir, "config.json", `{"ok":1}`), false))
	pid := s.PID()

	err := s.Start(ctx, writeConfig(t, dir, "bad.json", `{}`), false)
	assert.ErrorIs(t, err, comm.ErrConfig)
	assert.Equal(t, pid, s.PID())
	assert.True(t, s.IsRunning())
}

func TestStartReplacesRunningKernel(t *testing.T) {
	s, _, _, dir := setup(t)
	ctx := context.Background()
	path := writeConfig(t, dir, "config.json", `{"ok":1}`)
	require.NoError(t, s.Start(ctx, path, false))
	first := s.PID()
	require.NoError(t, s.Restart(ctx, path, false))
	assert.NotEqual(t, first, s.PID())
	assert.True(t, s.IsRunning())
}

func TestStartCrashReportsStartFailed(t *testing.T) {
	s, _, _, dir := setup(t)
	err := s.Start(context.Background(), writeConfig(t, dir, "config.json", `{"ok":1,"crash":1}`), false)
	require.ErrorIs(t, err, comm.ErrStartFailed)
	assert.Contains(t, err.Error(), "address in use")
	assert.False(t, s.IsRunning())
}

func TestStopNothingRunning(t *testing.T) {
	s, _, _, _ := setup(t)
	assert.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}

func TestStopDetectsExternalKernel(t *testing.T) {
	s, procs, _, _ := setup(t)
	procs.running = true
	assert.True(t, s.IsRunning(), "falls back to the process table")
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.IsRunning())
}

func TestStopFailsWhenKernelSurvives(t *testing.T) {
	s, _, _, _ := setup(t)
	s.opts.Procs = stubborn{}
	err := s.Stop(context.Background())
	assert.ErrorIs(t, err, comm.ErrStopFailed)
}

type stubborn struct{}

func (stubborn) IsProcessRunning(string) bool { return true }
func (stubborn) KillByName(string, int) error { return nil }
func (stubborn) KillByPid(int) error          { return nil }

func TestStopWithTimeoutForcesKill(t *testing.T) {
	s, procs, _, dir := setup(t)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx, writeConfig(t, dir, "config.json", `{"ok":1}`), false))
	s.opts.SettleDelay = 5 * time.Second

	err := s.StopWithTimeout(ctx, 100*time.Millisecond)
	require.ErrorIs(t, err, comm.ErrTimeout)
	procs.mu.Lock()
	defer procs.mu.Unlock()
	assert.Greater(t, procs.named, 1)
}

func TestVersion(t *testing.T) {
	s, _, _, _ := setup(t)
	v, err := s.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.11.4", v)
}

func TestParseVersion(t *testing.T) {
	tests := map[string]string{
		"sing-box version 1.10.0-beta.3\n\nEnvironment: go1.22": "1.10.0-beta.3",
		`{"version":"v1.9.7","go":"go1.21"}`:                     "1.9.7",
		"v1.8":                                                   "1.8",
		"nothing here":                                           "",
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseVersion([]byte(in)), in)
	}
}
