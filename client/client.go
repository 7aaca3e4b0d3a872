// Package client wires the settings resolver, config synthesizer, kernel
// supervisor, watchdog and event relay into start/stop/status operations.
package client

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dosgo/xkernel/comm"
	"github.com/dosgo/xkernel/comm/sysproxy"
	"github.com/dosgo/xkernel/confgen"
	"github.com/dosgo/xkernel/guard"
	"github.com/dosgo/xkernel/kernel"
	"github.com/dosgo/xkernel/param"
	"github.com/dosgo/xkernel/relay"
	"github.com/dosgo/xkernel/settings"
	"github.com/dosgo/xkernel/state"
)

const (
	EventState   = "kernel-state"
	EventStopped = "kernel-stopped"
)

type Options struct {
	App      param.AppConfig
	Store    settings.Store
	Emitter  relay.Emitter
	Proxy    kernel.SystemProxy
	Elevator kernel.Elevator
	Procs    kernel.ProcessTable
	Logger   *zap.Logger

	// Zero values keep the package defaults.
	SettleDelay time.Duration
	GraceDelay  time.Duration
	RetryDelay  time.Duration
}

// StartOutcome describes a kernel that came up.
type StartOutcome struct {
	PID           int             `json:"pid"`
	APIPort       int             `json:"api_port"`
	ProxyPort     int             `json:"proxy_port"`
	Mode          param.ProxyMode `json:"mode"`
	ConfigPath    string          `json:"config_path"`
	ConfigChanged bool            `json:"config_changed"`
	Guarded       bool            `json:"guarded"`
}

type StatusReport struct {
	State          string `json:"state"`
	ProcessRunning bool   `json:"process_running"`
	APIReady       bool   `json:"api_ready"`
	TelemetryReady bool   `json:"telemetry_ready"`
	Version        string `json:"version,omitempty"`
	PID            int    `json:"pid,omitempty"`
	APIPort        int    `json:"api_port,omitempty"`
	Error          string `json:"error,omitempty"`
}

type HealthReport struct {
	Healthy bool     `json:"healthy"`
	Issues  []string `json:"issues"`
}

type stateEvent struct {
	State   string `json:"state"`
	APIPort int    `json:"api_port"`
}

type Client struct {
	app      param.AppConfig
	logger   *zap.Logger
	store    settings.Store
	emitter  relay.Emitter
	proxy    kernel.SystemProxy
	state    *state.Manager
	settings *settings.Resolver
	kernel   *kernel.Supervisor
	guard    *guard.Guard
	relay    *relay.Relay

	mu      sync.Mutex
	active  param.RuntimeConfig
	lastErr error
}

func New(opts Options) *Client {
	logger := comm.OrNop(opts.Logger)
	if opts.Store == nil {
		opts.Store = settings.NewMemoryStore()
	}
	if opts.Emitter == nil {
		opts.Emitter = relay.EmitterFunc(func(string, any) {})
	}
	if opts.Proxy == nil {
		opts.Proxy = sysproxy.Proxy{}
	}
	c := &Client{
		app:      opts.App,
		logger:   logger,
		store:    opts.Store,
		emitter:  opts.Emitter,
		proxy:    opts.Proxy,
		state:    state.NewManager(),
		settings: settings.NewResolver(opts.Store, logger),
	}
	c.kernel = kernel.New(kernel.Options{
		Binary:      opts.App.KernelPath,
		WorkDir:     opts.App.WorkDir,
		LogFile:     opts.App.KernelLog(),
		SettleDelay: opts.SettleDelay,
		GraceDelay:  opts.GraceDelay,
		Proxy:       opts.Proxy,
		Elevator:    opts.Elevator,
		Procs:       opts.Procs,
		Logger:      logger,
	})
	c.relay = relay.New(relay.Options{
		Emitter:    opts.Emitter,
		Logger:     logger,
		RetryDelay: opts.RetryDelay,
	})
	c.guard = guard.New(guard.Options{
		Interval:   opts.App.GuardInterval,
		Binary:     opts.App.KernelPath,
		ConfigPath: c.kernel.ConfigPath,
		IsRunning:  c.kernel.IsRunning,
		Restart:    c.restartCrashed,
		OnStopped:  c.crashed,
		Logger:     logger,
	})
	return c
}

func (c *Client) State() state.KernelState { return c.state.State() }

func (c *Client) Settings() *settings.Resolver { return c.settings }

func (c *Client) Kernel() *kernel.Supervisor { return c.kernel }

func (c *Client) emitState() {
	st, port := c.state.Snapshot()
	c.emitter.Emit(EventState, stateEvent{State: st.String(), APIPort: port})
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

// Start resolves the settings, brings the config file up to date and
// spawns the kernel. Only one start can be in flight.
func (c *Client) Start(ctx context.Context, o *param.Overrides) (StartOutcome, error) {
	if !c.state.TryTransitionToStarting() {
		return StartOutcome{}, comm.Errorf(comm.ErrAlreadyRunning, "start", "kernel is %s", c.state.State())
	}
	c.emitState()
	out, err := c.start(ctx, o)
	if err != nil {
		c.fail(err)
		c.state.MarkFailed()
		c.emitState()
		c.logger.Error("start failed", zap.Error(err))
		return out, err
	}
	c.fail(nil)
	c.emitState()
	return out, nil
}

func (c *Client) start(ctx context.Context, o *param.Overrides) (StartOutcome, error) {
	cfg, err := c.settings.Resolve(ctx, o)
	if err != nil {
		return StartOutcome{}, err
	}
	path := c.app.ConfigPath()
	changed, err := c.ensureConfig(ctx, path, cfg)
	if err != nil {
		return StartOutcome{}, err
	}
	// the settle wait outlives the caller
	if err := c.kernel.Start(context.WithoutCancel(ctx), path, cfg.TunEnabled()); err != nil {
		if !errors.Is(err, comm.ErrConfig) {
			c.reap()
		}
		return StartOutcome{}, err
	}
	if !c.state.MarkRunning(cfg.APIPort) {
		c.reap()
		return StartOutcome{}, comm.Errorf(comm.ErrStartFailed, "start", "stop requested during start")
	}
	c.mu.Lock()
	c.active = cfg
	c.mu.Unlock()

	if cfg.Mode == param.ModeSystem {
		addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.ProxyPort))
		if err := c.proxy.Enable(addr, cfg.Bypass); err != nil {
			c.logger.Warn("enable system proxy", zap.Error(err))
		}
	}
	c.relay.Start(cfg.APIPort, cfg.Secret)
	if cfg.KeepAlive {
		c.guard.Arm(cfg.APIPort)
	}
	c.logger.Info("kernel running",
		zap.Int("pid", c.kernel.PID()), zap.Int("api_port", cfg.APIPort),
		zap.Int("proxy_port", cfg.ProxyPort), zap.String("mode", string(cfg.Mode)))
	return StartOutcome{
		PID:           c.kernel.PID(),
		APIPort:       cfg.APIPort,
		ProxyPort:     cfg.ProxyPort,
		Mode:          cfg.Mode,
		ConfigPath:    path,
		ConfigChanged: changed,
		Guarded:       cfg.KeepAlive,
	}, nil
}

// reap stops a kernel spawned by a start that did not complete.
func (c *Client) reap() {
	if err := c.kernel.StopWithTimeout(context.Background(), c.app.StopTimeout); err != nil && !errors.Is(err, comm.ErrTimeout) {
		c.logger.Error("stop kernel after failed start", zap.Error(err))
	}
}

// ensureConfig patches the document at path with cfg, generating it from
// the stored subscription when it is missing or unreadable.
func (c *Client) ensureConfig(ctx context.Context, path string, cfg param.RuntimeConfig) (bool, error) {
	doc, err := confgen.LoadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("regenerating unreadable config", zap.String("path", path), zap.Error(err))
		}
		if doc, err = c.generate(ctx, cfg); err != nil {
			return false, err
		}
	}
	doc, err = confgen.ApplySettings(doc, cfg)
	if err != nil {
		return false, comm.NewError(comm.ErrConfig, "apply settings", err)
	}
	changed, err := confgen.WriteFile(path, doc)
	if err != nil {
		return false, comm.NewError(comm.ErrConfig, "write config", err)
	}
	if changed {
		c.logger.Info("config written", zap.String("path", path))
	}
	return changed, nil
}

func (c *Client) generate(ctx context.Context, cfg param.RuntimeConfig) (confgen.Document, error) {
	raw, err := c.settings.Subscription(ctx)
	if err != nil {
		return nil, comm.NewError(comm.ErrConfig, "load subscription", err)
	}
	nodes := confgen.ExtractNodes(raw)
	c.logger.Debug("generating config", zap.Int("nodes", len(nodes)))
	doc, err := confgen.GenerateConfig(cfg, nodes)
	if err != nil {
		return nil, comm.NewError(comm.ErrConfig, "generate config", err)
	}
	return doc, nil
}

// Stop disarms the watchdog and detaches the relay before stopping the
// kernel. A stop that times out has still killed the kernel and counts as
// success.
func (c *Client) Stop(ctx context.Context) error {
	c.guard.Disarm()
	c.relay.Stop()
	tracked := c.state.TryTransitionToStopping()
	if tracked {
		c.emitState()
	}
	err := c.kernel.StopWithTimeout(ctx, c.app.StopTimeout)
	if errors.Is(err, comm.ErrTimeout) {
		c.logger.Warn("kernel killed after stop timeout", zap.Error(err))
		err = nil
	}
	if err != nil {
		c.fail(err)
		if tracked {
			c.state.MarkFailed()
			c.emitState()
		}
		return err
	}
	c.state.MarkStopped()
	c.emitState()
	return nil
}

// Shutdown stops the kernel and closes the settings store.
func (c *Client) Shutdown(ctx context.Context) error {
	return errors.Join(c.Stop(ctx), c.store.Close())
}

// Close releases the settings store and leaves the kernel alone.
func (c *Client) Close() error {
	return c.store.Close()
}

func (c *Client) IsRunning() bool {
	return c.kernel.IsRunning()
}

// crashed runs on the watchdog goroutine when the kernel is found dead.
func (c *Client) crashed(apiPort int) {
	c.relay.Stop()
	if c.state.MarkCrashed() {
		c.emitState()
	}
	c.emitter.Emit(EventStopped, stateEvent{State: state.Crashed.String(), APIPort: apiPort})
}

// restartCrashed restarts the kernel for the watchdog with the settings of the
// session it was armed for.
func (c *Client) restartCrashed(ctx context.Context, apiPort int) error {
	if !c.state.TryTransitionToStarting() {
		return comm.Errorf(comm.ErrAlreadyRunning, "restart", "kernel is %s", c.state.State())
	}
	c.mu.Lock()
	cfg := c.active
	c.mu.Unlock()
	path := c.kernel.ConfigPath()
	if path == "" {
		path = c.app.ConfigPath()
	}
	if err := c.kernel.Start(ctx, path, cfg.TunEnabled()); err != nil {
		c.fail(err)
		c.state.MarkFailed()
		c.emitState()
		return err
	}
	c.state.MarkRunning(apiPort)
	c.fail(nil)
	c.emitState()
	c.relay.Start(apiPort, cfg.Secret)
	c.logger.Info("kernel recovered", zap.Int("pid", c.kernel.PID()), zap.Int("api_port", apiPort))
	return nil
}

// GenerateConfig builds a complete document for s from nodes.
func (c *Client) GenerateConfig(s param.RuntimeConfig, nodes []confgen.Node) (confgen.Document, error) {
	return confgen.GenerateConfig(s, nodes)
}

// ApplySettings re-applies s onto doc.
func (c *Client) ApplySettings(doc confgen.Document, s param.RuntimeConfig) (confgen.Document, error) {
	return confgen.ApplySettings(doc, s)
}

// ImportSubscription extracts the nodes of raw, writes a freshly generated
// config and stores raw for later regenerations. It returns the node count.
func (c *Client) ImportSubscription(ctx context.Context, raw string) (int, error) {
	nodes := confgen.ExtractNodes(raw)
	if len(nodes) == 0 {
		return 0, comm.Errorf(comm.ErrConfig, "import", "no usable nodes in subscription")
	}
	cfg, err := c.settings.Resolve(ctx, nil)
	if err != nil {
		return 0, err
	}
	doc, err := confgen.GenerateConfig(cfg, nodes)
	if err != nil {
		return 0, comm.NewError(comm.ErrConfig, "import", err)
	}
	if _, err := confgen.WriteFile(c.app.ConfigPath(), doc); err != nil {
		return 0, comm.NewError(comm.ErrConfig, "import", err)
	}
	if err := c.settings.SaveSubscription(ctx, raw); err != nil {
		return 0, comm.NewError(comm.ErrConfig, "import", err)
	}
	c.logger.Info("subscription imported", zap.Int("nodes", len(nodes)))
	return len(nodes), nil
}

// SaveSettings persists cfg. While the kernel runs the document on disk is
// patched as well; the kernel picks it up on its next start.
func (c *Client) SaveSettings(ctx context.Context, cfg param.RuntimeConfig) error {
	if err := c.settings.Save(ctx, cfg); err != nil {
		return err
	}
	if c.state.State() != state.Running {
		return nil
	}
	resolved, err := c.settings.Resolve(ctx, nil)
	if err != nil {
		return err
	}
	_, err = c.ensureConfig(ctx, c.app.ConfigPath(), resolved)
	return err
}
