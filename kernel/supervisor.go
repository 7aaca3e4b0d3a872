// Package kernel supervises the sing-box process: config check, spawn,
// stop and liveness.
package kernel

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dosgo/xkernel/comm"
	"github.com/dosgo/xkernel/comm/proc"
)

// SystemProxy switches the OS proxy settings.
type SystemProxy interface {
	Enable(addr string, bypass []string) error
	Disable() error
}

// Elevator spawns a process with elevated privileges and returns its pid.
type Elevator interface {
	Spawn(ctx context.Context, bin string, args []string, dir string) (int, error)
}

// ProcessTable finds and kills processes by executable name.
type ProcessTable interface {
	IsProcessRunning(name string) bool
	KillByName(name string, exceptPID int) error
	KillByPid(pid int) error
}

type Options struct {
	Binary  string
	WorkDir string
	// LogFile receives the kernel's stdout and stderr.
	LogFile string
	// SettleDelay is waited after spawn and after stop before checking
	// liveness.
	SettleDelay time.Duration
	// GraceDelay bounds how long a graceful stop may take before the pid
	// is killed.
	GraceDelay time.Duration

	Proxy    SystemProxy
	Elevator Elevator
	Procs    ProcessTable
	Logger   *zap.Logger
}

// handle is one spawned kernel. done is closed once the process is reaped;
// for elevated spawns there is no cmd and done is nil.
type handle struct {
	cmd  *exec.Cmd
	pid  int
	done chan struct{}
	log  *os.File
}

func (h *handle) exited() bool {
	if h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Supervisor owns at most one kernel process.
type Supervisor struct {
	opts   Options
	name   string
	logger *zap.Logger

	mu         sync.Mutex
	cur        *handle
	configPath string
}

func New(opts Options) *Supervisor {
	if opts.SettleDelay == 0 {
		opts.SettleDelay = time.Second
	}
	if opts.GraceDelay == 0 {
		opts.GraceDelay = 3 * time.Second
	}
	if opts.Procs == nil {
		opts.Procs = proc.System{}
	}
	if opts.LogFile == "" && opts.WorkDir != "" {
		opts.LogFile = filepath.Join(opts.WorkDir, "kernel.log")
	}
	return &Supervisor{
		opts:   opts,
		name:   filepath.Base(opts.Binary),
		logger: comm.OrNop(opts.Logger).With(zap.String("component", "kernel")),
	}
}

func (s *Supervisor) Binary() string { return s.opts.Binary }

func (s *Supervisor) LogFile() string { return s.opts.LogFile }

// ConfigPath is the config of the last successful start.
func (s *Supervisor) ConfigPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configPath
}

// PID of the held process, 0 when none is held or it has exited.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.exited() {
		return 0
	}
	return s.cur.pid
}

// CheckConfigValidity runs "<kernel> check --config path". A missing file or
// binary fails without running anything.
func (s *Supervisor) CheckConfigValidity(ctx context.Context, path string) error {
	if path == "" || !comm.Exists(path) {
		return comm.Errorf(comm.ErrConfig, "check", "config %q not found", path)
	}
	if !comm.Exists(s.opts.Binary) {
		return comm.Errorf(comm.ErrConfig, "check", "kernel binary %q not found", s.opts.Binary)
	}
	cmd := exec.CommandContext(ctx, s.opts.Binary, "check", "--config", path)
	cmd.Dir = s.opts.WorkDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return &comm.Error{Kind: comm.ErrConfig, Op: "check", Msg: msg, Err: err}
	}
	return nil
}

// Start validates path, clears stray kernels, spawns a new one and checks
// that it survives the settle delay.
func (s *Supervisor) Start(ctx context.Context, path string, tun bool) error {
	if err := s.CheckConfigValidity(ctx, path); err != nil {
		return err
	}
	s.mu.Lock()
	own := 0
	if s.cur != nil && !s.cur.exited() {
		own = s.cur.pid
	}
	s.mu.Unlock()
	if err := s.opts.Procs.KillByName(s.name, own); err != nil {
		s.logger.Warn("kill stray kernels", zap.Error(err))
	}
	if own != 0 {
		s.logger.Info("replacing running kernel", zap.Int("pid", own))
		s.terminate(s.take())
	}

	args := []string{"run", "-D", s.opts.WorkDir}
	if path != "" {
		args = append(args, "-c", path)
	}
	h, err := s.spawn(ctx, args, tun)
	if err != nil {
		return comm.NewError(comm.ErrStartFailed, "start", err)
	}
	s.mu.Lock()
	s.cur = h
	s.configPath = path
	s.mu.Unlock()
	s.logger.Info("kernel spawned", zap.Int("pid", h.pid), zap.String("config", path), zap.Bool("tun", tun))

	if err := sleep(ctx, s.opts.SettleDelay); err != nil {
		return comm.NewError(comm.ErrStartFailed, "start", err)
	}
	if !s.alive(h) {
		tail := strings.TrimSpace(comm.Tail(s.opts.LogFile, 20))
		s.logger.Error("kernel exited during startup", zap.String("log", tail))
		return comm.Errorf(comm.ErrStartFailed, "start", "kernel exited during startup: %s", tail)
	}
	return nil
}

func needsElevation(tun bool) bool {
	return tun && runtime.GOOS != "windows" && os.Geteuid() != 0
}

func (s *Supervisor) spawn(ctx context.Context, args []string, tun bool) (*handle, error) {
	if needsElevation(tun) && s.opts.Elevator != nil {
		pid, err := s.opts.Elevator.Spawn(ctx, s.opts.Binary, args, s.opts.WorkDir)
		if err != nil {
			return nil, fmt.Errorf("elevated spawn: %w", err)
		}
		return &handle{pid: pid}, nil
	}
	var logFile *os.File
	if s.opts.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.opts.LogFile), 0755); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(s.opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return nil, err
		}
		logFile = f
	}
	cmd := exec.Command(s.opts.Binary, args...)
	cmd.Dir = s.opts.WorkDir
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	hideWindow(cmd)
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return nil, err
	}
	h := &handle{cmd: cmd, pid: cmd.Process.Pid, done: make(chan struct{}), log: logFile}
	go func() {
		err := cmd.Wait()
		if h.log != nil {
			h.log.Close()
		}
		close(h.done)
		s.logger.Debug("kernel process exited", zap.Int("pid", h.pid), zap.Error(err))
	}()
	return h, nil
}

// take detaches the held handle.
func (s *Supervisor) take() *handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.cur
	s.cur = nil
	return h
}

// terminate stops h gracefully, killing by pid when the graceful request
// fails or the process outlives GraceDelay.
func (s *Supervisor) terminate(h *handle) {
	if h == nil || h.exited() {
		return
	}
	if h.cmd == nil {
		if err := s.opts.Procs.KillByPid(h.pid); err != nil {
			s.logger.Warn("kill elevated kernel", zap.Int("pid", h.pid), zap.Error(err))
		}
		return
	}
	if err := interrupt(h.cmd.Process); err != nil {
		s.logger.Debug("graceful stop failed, killing", zap.Int("pid", h.pid), zap.Error(err))
		s.kill(h)
		return
	}
	select {
	case <-h.done:
	case <-time.After(s.opts.GraceDelay):
		s.logger.Warn("kernel ignored stop request, killing", zap.Int("pid", h.pid))
		s.kill(h)
	}
}

func (s *Supervisor) kill(h *handle) {
	if err := s.opts.Procs.KillByPid(h.pid); err != nil {
		s.logger.Warn("kill kernel", zap.Int("pid", h.pid), zap.Error(err))
		if h.cmd != nil {
			h.cmd.Process.Kill()
		}
	}
	if h.done != nil {
		select {
		case <-h.done:
		case <-time.After(s.opts.GraceDelay):
		}
	}
}

// Stop disables the system proxy, terminates the held kernel and any
// strays, then verifies nothing is left. Stopping when nothing runs
// succeeds.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.opts.Proxy != nil {
		if err := s.opts.Proxy.Disable(); err != nil {
			s.logger.Warn("disable system proxy", zap.Error(err))
		}
	}
	h := s.take()
	if h == nil && !s.opts.Procs.IsProcessRunning(s.name) {
		return nil
	}
	s.terminate(h)
	if err := s.opts.Procs.KillByName(s.name, 0); err != nil {
		s.logger.Warn("kill stray kernels", zap.Error(err))
	}
	if err := sleep(ctx, s.opts.SettleDelay); err != nil {
		return comm.NewError(comm.ErrStopFailed, "stop", err)
	}
	if s.IsRunning() {
		return comm.Errorf(comm.ErrStopFailed, "stop", "kernel still running")
	}
	s.logger.Info("kernel stopped")
	return nil
}

// StopWithTimeout bounds Stop by d. On timeout every kernel is killed by
// pid and name and an ErrTimeout error is returned; ErrStopFailed is
// returned instead when even that leaves one running.
func (s *Supervisor) StopWithTimeout(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	result := make(chan error, 1)
	go func() { result <- s.Stop(ctx) }()
	select {
	case err := <-result:
		if ctx.Err() == nil {
			return err
		}
	case <-ctx.Done():
	}
	s.logger.Warn("stop timed out, forcing", zap.Duration("timeout", d))
	if h := s.take(); h != nil {
		s.opts.Procs.KillByPid(h.pid)
	}
	s.opts.Procs.KillByName(s.name, 0)
	if s.IsRunning() {
		return comm.Errorf(comm.ErrStopFailed, "stop", "kernel survived forced kill")
	}
	return comm.NewError(comm.ErrTimeout, "stop", ctx.Err())
}

// Restart is Stop followed by Start.
func (s *Supervisor) Restart(ctx context.Context, path string, tun bool) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	return s.Start(ctx, path, tun)
}

// IsRunning asks the held handle first and falls back to the process
// table when no live handle is held.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	h := s.cur
	s.mu.Unlock()
	if h != nil && h.done != nil && !h.exited() {
		return true
	}
	return s.opts.Procs.IsProcessRunning(s.name)
}

func (s *Supervisor) alive(h *handle) bool {
	if h.done != nil {
		return !h.exited()
	}
	return s.opts.Procs.IsProcessRunning(s.name)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
