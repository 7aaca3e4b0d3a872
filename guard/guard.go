// Package guard restarts the kernel when it dies without being asked to.
package guard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dosgo/xkernel/comm"
)

const DefaultInterval = 8 * time.Second

type Options struct {
	Interval time.Duration
	// Binary and ConfigPath must both exist for a restart to be tried.
	Binary     string
	ConfigPath func() string
	IsRunning  func() bool
	// Restart brings the kernel back for the api port the guard was armed with.
	Restart   func(ctx context.Context, apiPort int) error
	OnStopped func(apiPort int)
	Logger    *zap.Logger
}

// Guard polls the kernel at a fixed interval. Restarts are retried every
// tick without limit; the loop only gives up when the binary or config is
// gone.
type Guard struct {
	opts    Options
	logger  *zap.Logger
	armed   Flag
	port    atomic.Int64
	failLog rate.Sometimes

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Guard {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Guard{
		opts:    opts,
		logger:  comm.OrNop(opts.Logger).With(zap.String("component", "guard")),
		failLog: rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// Arm starts the loop for apiPort. Arming an armed guard only updates the
// port.
func (g *Guard) Arm(apiPort int) {
	g.port.Store(int64(apiPort))
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done != nil {
		select {
		case <-g.done:
		default:
			g.armed.Arm()
			return
		}
	}
	if g.cancel != nil {
		g.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.done = make(chan struct{})
	g.armed.Arm()
	go g.loop(ctx, g.done)
	g.logger.Info("armed", zap.Int("port", apiPort))
}

// Disarm stops the loop and waits for it to exit.
func (g *Guard) Disarm() {
	g.armed.Disarm()
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.cancel = nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	g.logger.Info("disarmed")
}

func (g *Guard) IsArmed() bool {
	return g.armed.IsArmed()
}

func (g *Guard) Port() int {
	return int(g.port.Load())
}

func (g *Guard) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !g.armed.IsArmed() {
			return
		}
		if !g.tick(ctx) {
			g.armed.Disarm()
			return
		}
	}
}

// tick checks the kernel once. It returns false to disarm permanently.
func (g *Guard) tick(ctx context.Context) bool {
	if g.opts.IsRunning() {
		return true
	}
	port := g.Port()
	g.logger.Warn("kernel stopped unexpectedly", zap.Int("port", port))
	if g.opts.OnStopped != nil {
		g.opts.OnStopped(port)
	}
	path := ""
	if g.opts.ConfigPath != nil {
		path = g.opts.ConfigPath()
	}
	if !comm.Exists(g.opts.Binary) || path == "" || !comm.Exists(path) {
		g.logger.Error("kernel binary or config missing, giving up",
			zap.String("binary", g.opts.Binary), zap.String("config", path))
		return false
	}
	if err := g.opts.Restart(ctx, port); err != nil {
		if ctx.Err() != nil {
			return true
		}
		g.failLog.Do(func() {
			g.logger.Error("restart failed, retrying every tick", zap.Error(err), zap.Duration("interval", g.opts.Interval))
		})
		g.logger.Debug("restart failed", zap.Error(err))
		return true
	}
	g.logger.Info("kernel restarted", zap.Int("port", port))
	return true
}
