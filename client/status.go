package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dosgo/xkernel/comm"
	"github.com/dosgo/xkernel/comm/dnsprobe"
	"github.com/dosgo/xkernel/comm/netstat"
	"github.com/dosgo/xkernel/state"
)

const probeTimeout = 3 * time.Second

// GetStatus reports on the kernel behind apiPort; 0 means the port of the
// current session.
func (c *Client) GetStatus(ctx context.Context, apiPort int) StatusReport {
	st, port := c.state.Snapshot()
	if apiPort == 0 {
		apiPort = port
	}
	r := StatusReport{
		State:          st.String(),
		ProcessRunning: c.kernel.IsRunning(),
		PID:            c.kernel.PID(),
		APIPort:        apiPort,
		TelemetryReady: st == state.Running && c.relay.Ready(),
	}
	if apiPort != 0 && r.ProcessRunning {
		r.APIReady = c.apiReady(apiPort, r.PID)
	}
	if v, err := c.kernel.Version(ctx); err == nil {
		r.Version = v
	} else {
		c.logger.Debug("kernel version", zap.Error(err))
	}
	c.mu.Lock()
	if c.lastErr != nil {
		r.Error = c.lastErr.Error()
	}
	c.mu.Unlock()
	if r.Error == "" {
		if failed := c.relay.Failed(); len(failed) > 0 && st == state.Running {
			r.Error = fmt.Sprintf("telemetry channels down: %v", failed)
		}
	}
	return r
}

// apiReady checks the control api accepts connections and, when the socket
// table is readable, that our kernel is the one listening.
func (c *Client) apiReady(port, pid int) bool {
	if !comm.CheckTcp("127.0.0.1", strconv.Itoa(port)) {
		return false
	}
	owner, err := netstat.PortOwner(port)
	if err != nil || owner == 0 || pid == 0 {
		return true
	}
	if owner != pid {
		c.logger.Warn("control api port owned by another process", zap.Int("port", port), zap.Int("owner", owner))
		return false
	}
	return true
}

// CheckHealth runs every preflight check concurrently.
func (c *Client) CheckHealth(ctx context.Context) HealthReport {
	var (
		mu     sync.Mutex
		issues []string
	)
	report := func(format string, args ...any) {
		mu.Lock()
		issues = append(issues, fmt.Sprintf(format, args...))
		mu.Unlock()
	}

	cfg, err := c.settings.Get(ctx)
	if err != nil {
		report("settings: %v", err)
	}
	running := c.state.State() == state.Running

	var g errgroup.Group
	g.Go(func() error {
		if !comm.Exists(c.app.KernelPath) {
			report("kernel binary %s not found", c.app.KernelPath)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.kernel.CheckConfigValidity(ctx, c.app.ConfigPath()); err != nil {
			report("config: %v", err)
		}
		return nil
	})
	domain := "www.gstatic.com"
	if u, err := url.Parse(cfg.ProbeURL); err == nil && u.Hostname() != "" {
		domain = u.Hostname()
	}
	for name, addr := range map[string]string{"domestic": cfg.DNS.Domestic, "resolver": cfg.DNS.Resolver} {
		if addr == "" {
			continue
		}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			rtt, err := dnsprobe.Probe(pctx, addr, domain)
			switch {
			case errors.Is(err, dnsprobe.ErrSkipped):
			case err != nil:
				report("dns %s %s: %v", name, addr, err)
			default:
				c.logger.Debug("dns probe", zap.String("server", addr), zap.Duration("rtt", rtt))
			}
			return nil
		})
	}
	if !running {
		for name, port := range map[string]int{"api": cfg.APIPort, "proxy": cfg.ProxyPort} {
			if port == 0 {
				continue
			}
			g.Go(func() error {
				if comm.PortFree(port) {
					return nil
				}
				if owner, err := netstat.PortOwner(port); err == nil && owner != 0 {
					report("%s port %d in use by pid %d", name, port, owner)
				} else {
					report("%s port %d in use", name, port)
				}
				return nil
			})
		}
	}
	g.Wait()

	sort.Strings(issues)
	if issues == nil {
		issues = []string{}
	}
	return HealthReport{Healthy: len(issues) == 0, Issues: issues}
}
