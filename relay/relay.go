// Package relay streams the kernel's telemetry websockets to the UI.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/dosgo/xkernel/comm"
)

const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 2 * time.Second

	// EventFailed is emitted with the channel name once its retries are used up.
	EventFailed = "kernel-relay-failed"
)

// Emitter publishes an event to the UI layer.
type Emitter interface {
	Emit(event string, payload any)
}

type EmitterFunc func(event string, payload any)

func (f EmitterFunc) Emit(event string, payload any) { f(event, payload) }

type Options struct {
	Emitter    Emitter
	Logger     *zap.Logger
	MaxRetries int
	RetryDelay time.Duration
	// Host defaults to 127.0.0.1.
	Host string
}

type status int32

const (
	idle status = iota
	connecting
	connected
	failed
)

// Relay runs one task per channel for the current session.
type Relay struct {
	opts    Options
	logger  *zap.Logger
	stopped atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	states [len(dispatch)]atomic.Int32
}

func New(opts Options) *Relay {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Emitter == nil {
		opts.Emitter = EmitterFunc(func(string, any) {})
	}
	return &Relay{opts: opts, logger: comm.OrNop(opts.Logger).With(zap.String("component", "relay"))}
}

// Start attaches every channel to the kernel at apiPort, replacing any
// previous session.
func (r *Relay) Start(apiPort int, token string) {
	r.Stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped.Store(false)
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.group = &errgroup.Group{}
	for _, ch := range Channels {
		r.states[ch].Store(int32(connecting))
		r.group.Go(func() error {
			r.run(ctx, ch, r.endpoint(ch, apiPort, token))
			return nil
		})
	}
	r.logger.Info("relay started", zap.Int("port", apiPort))
}

// Stop cancels every channel task and waits for them.
func (r *Relay) Stop() {
	r.stopped.Store(true)
	r.mu.Lock()
	cancel, group := r.cancel, r.group
	r.cancel, r.group = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	group.Wait()
	for i := range r.states {
		r.states[i].Store(int32(idle))
	}
	r.logger.Info("relay stopped")
}

// Ready reports whether every channel is currently connected.
func (r *Relay) Ready() bool {
	for i := range r.states {
		if status(r.states[i].Load()) != connected {
			return false
		}
	}
	return true
}

// Failed lists channels that exhausted their retries.
func (r *Relay) Failed() []Channel {
	var out []Channel
	for _, ch := range Channels {
		if status(r.states[ch].Load()) == failed {
			out = append(out, ch)
		}
	}
	return out
}

func (r *Relay) endpoint(ch Channel, port int, token string) string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(r.opts.Host, strconv.Itoa(port)),
		Path:   "/" + ch.String(),
	}
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// run streams ch, reconnecting up to MaxRetries times in a row after the
// first connection fails.
func (r *Relay) run(ctx context.Context, ch Channel, endpoint string) {
	logger := r.logger.With(zap.Stringer("channel", ch))
	attempts := 0
	for {
		if r.stopped.Load() || ctx.Err() != nil {
			return
		}
		r.states[ch].Store(int32(connecting))
		delivered, err := r.stream(ctx, ch, endpoint)
		if r.stopped.Load() || ctx.Err() != nil {
			return
		}
		if delivered {
			attempts = 0
		}
		attempts++
		if attempts > r.opts.MaxRetries {
			r.states[ch].Store(int32(failed))
			logger.Error("channel failed", zap.Int("attempts", attempts), zap.Error(err))
			r.opts.Emitter.Emit(EventFailed, ch.String())
			return
		}
		logger.Warn("channel disconnected, retrying", zap.Int("attempt", attempts), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.opts.RetryDelay):
		}
	}
}

// stream holds one connection until it breaks or ctx ends. delivered is
// true when at least one message got through.
func (r *Relay) stream(ctx context.Context, ch Channel, endpoint string) (delivered bool, err error) {
	u, _ := url.Parse(endpoint)
	config, err := websocket.NewConfig(endpoint, "http://"+u.Host)
	if err != nil {
		return false, err
	}
	config.Dialer = &net.Dialer{Timeout: 5 * time.Second}
	ws, err := websocket.DialConfig(config)
	if err != nil {
		return false, comm.NewError(comm.ErrNetwork, "relay."+ch.String(), err)
	}
	defer ws.Close()
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()
	r.states[ch].Store(int32(connected))

	for {
		var frame []byte
		if err := websocket.Message.Receive(ws, &frame); err != nil {
			if err == io.EOF {
				err = fmt.Errorf("closed by kernel")
			}
			return delivered, comm.NewError(comm.ErrNetwork, "relay."+ch.String(), err)
		}
		for _, line := range bytes.Split(frame, []byte("\n")) {
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			payload, err := ch.Parse(line)
			if err != nil {
				r.logger.Warn("drop unparsable message", zap.Stringer("channel", ch), zap.Error(err))
				continue
			}
			delivered = true
			r.opts.Emitter.Emit(ch.Event(), payload)
		}
	}
}
