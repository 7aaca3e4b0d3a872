package relay

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/net/websocket"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events map[string][]any
}

func (r *recorder) Emit(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string][]any{}
	}
	r.events[event] = append(r.events[event], payload)
}

func (r *recorder) get(event string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events[event]...)
}

// kernelAPI serves the four telemetry paths. Each connection sends frames
// then blocks until the client goes away.
func kernelAPI(t *testing.T, token string, frames map[string][]string) (*httptest.Server, int) {
	t.Helper()
	mux := http.NewServeMux()
	for _, ch := range Channels {
		path := "/" + ch.String()
		mux.Handle(path, websocket.Handler(func(ws *websocket.Conn) {
			if ws.Request().URL.Query().Get("token") != token {
				return
			}
			for _, f := range frames[path] {
				if err := websocket.Message.Send(ws, f); err != nil {
					return
				}
			}
			var discard []byte
			for websocket.Message.Receive(ws, &discard) == nil {
			}
		}))
	}
	srv := httptest.NewServer(mux)
	_, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return srv, p
}

func TestChannelNames(t *testing.T) {
	assert.Equal(t, "traffic", Traffic.String())
	assert.Equal(t, "kernel-connections", Connections.Event())
	assert.Equal(t, "channel(9)", Channel(9).String())
}

func TestRelayForwardsParsedFrames(t *testing.T) {
	srv, port := kernelAPI(t, "s3cret", map[string][]string{
		"/traffic": {`{"up":1,"down":2}`, "not json", `{"up":3,"down":4}` + "\n"},
		"/memory":  {`{"inuse":100,"oslimit":0}`},
		"/logs":    {`{"type":"info","payload":"hello"}`},
		"/connections": {`{"downloadTotal":5,"uploadTotal":6,"connections":[{"id":"c1","metadata":{"host":"example.com"},"chains":["auto"]}]}`},
	})
	defer srv.Close()

	rec := &recorder{}
	r := New(Options{Emitter: rec, RetryDelay: 10 * time.Millisecond})
	r.Start(port, "s3cret")
	defer r.Stop()

	require.Eventually(t, func() bool {
		return len(rec.get(Traffic.Event())) == 2 &&
			len(rec.get(Memory.Event())) == 1 &&
			len(rec.get(Logs.Event())) == 1 &&
			len(rec.get(Connections.Event())) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, r.Ready())

	assert.Equal(t, []any{TrafficFrame{Up: 1, Down: 2}, TrafficFrame{Up: 3, Down: 4}}, rec.get(Traffic.Event()))
	assert.Equal(t, LogFrame{Type: "info", Payload: "hello"}, rec.get(Logs.Event())[0])
	conns := rec.get(Connections.Event())[0].(ConnectionsFrame)
	assert.Equal(t, "example.com", conns.Connections[0].Metadata.Host)
	assert.Empty(t, rec.get(EventFailed))
}

func TestRelayGivesUpAfterRetries(t *testing.T) {
	// wrong token: the server closes every connection straight away
	srv, port := kernelAPI(t, "right", nil)
	defer srv.Close()

	rec := &recorder{}
	r := New(Options{Emitter: rec, MaxRetries: 3, RetryDelay: 5 * time.Millisecond})
	r.Start(port, "wrong")
	defer r.Stop()

	require.Eventually(t, func() bool {
		return len(rec.get(EventFailed)) == len(Channels)
	}, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, Channels, r.Failed())
	assert.False(t, r.Ready())
}

func TestRelayRetryBudget(t *testing.T) {
	var mu sync.Mutex
	dials := map[string]int{}
	mux := http.NewServeMux()
	for _, ch := range Channels {
		path := "/" + ch.String()
		mux.Handle(path, websocket.Handler(func(*websocket.Conn) {
			mu.Lock()
			dials[path]++
			mu.Unlock()
		}))
	}
	srv := httptest.NewServer(mux)
	defer srv.Close()
	port := srv.Listener.Addr().(*net.TCPAddr).Port

	rec := &recorder{}
	r := New(Options{Emitter: rec, MaxRetries: 2, RetryDelay: 5 * time.Millisecond})
	r.Start(port, "any")
	defer r.Stop()

	require.Eventually(t, func() bool {
		return len(rec.get(EventFailed)) == len(Channels)
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	for _, ch := range Channels {
		assert.Equal(t, 3, dials["/"+ch.String()], "first connection plus two retries on %s", ch)
	}
}

func TestRelayStopCancelsInFlightRetries(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	rec := &recorder{}
	r := New(Options{Emitter: rec, RetryDelay: time.Hour})
	r.Start(port, "x")
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not return")
	}
	assert.Empty(t, rec.get(EventFailed))
	assert.Empty(t, r.Failed())
}

func TestRelayRestartReplacesSession(t *testing.T) {
	srv, port := kernelAPI(t, "t", map[string][]string{"/memory": {`{"inuse":1}`}})
	defer srv.Close()

	rec := &recorder{}
	r := New(Options{Emitter: rec})
	r.Start(port, "t")
	require.Eventually(t, r.Ready, 5*time.Second, 10*time.Millisecond)
	r.Start(port, "t")
	require.Eventually(t, func() bool { return len(rec.get(Memory.Event())) == 2 }, 5*time.Second, 10*time.Millisecond)
	r.Stop()
	r.Stop()
	assert.False(t, r.Ready())
}
