package restapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/dosgo/xkernel/client"
	"github.com/dosgo/xkernel/param"
)

type reply struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type noProxy struct{}

func (noProxy) Enable(string, []string) error { return nil }
func (noProxy) Disable() error                { return nil }

type noProcs struct{}

func (noProcs) IsProcessRunning(string) bool { return false }
func (noProcs) KillByName(string, int) error { return nil }
func (noProcs) KillByPid(int) error          { return nil }

func newServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	app := param.DefaultAppConfig(t.TempDir())
	hub := NewHub(nil)
	cli := client.New(client.Options{App: app, Emitter: hub, Proxy: noProxy{}, Procs: noProcs{}, SettleDelay: 10 * time.Millisecond})
	srv := httptest.NewServer(New(cli, hub, "tok", nil).Handler())
	t.Cleanup(srv.Close)
	return srv, hub
}

func call(t *testing.T, srv *httptest.Server, form url.Values) reply {
	t.Helper()
	resp, err := http.PostForm(srv.URL+"/api", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	var r reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	return r
}

func TestTokenRequired(t *testing.T) {
	srv, _ := newServer(t)
	r := call(t, srv, url.Values{"cmd": {"status"}, "token": {"nope"}})
	assert.Equal(t, -1, r.Code)
	assert.Equal(t, "token error", r.Msg)

	resp, err := http.Get(srv.URL + "/events?token=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUnknownCommand(t *testing.T) {
	srv, _ := newServer(t)
	r := call(t, srv, url.Values{"cmd": {"dance"}, "token": {"tok"}})
	assert.Equal(t, -1, r.Code)
	assert.Contains(t, r.Msg, "dance")
}

func TestReadSave(t *testing.T) {
	srv, _ := newServer(t)
	r := call(t, srv, url.Values{"cmd": {"save"}, "token": {"tok"}, "jsonStr": {`{"proxy_port":1080,"allow_lan":true}`}})
	require.Equal(t, 0, r.Code, r.Msg)

	r = call(t, srv, url.Values{"cmd": {"read"}, "token": {"tok"}})
	require.Equal(t, 0, r.Code, r.Msg)
	var cfg param.RuntimeConfig
	require.NoError(t, json.Unmarshal(r.Data, &cfg))
	assert.Equal(t, 1080, cfg.ProxyPort)
	assert.True(t, cfg.AllowLAN)
	assert.Equal(t, param.ModeSystem, cfg.Mode, "keys missing from jsonStr keep their value")

	r = call(t, srv, url.Values{"cmd": {"save"}, "token": {"tok"}, "jsonStr": {`{"proxy_port":9090}`}})
	assert.Equal(t, 1, r.Code, "api and proxy port collide")
}

func TestStatusAndStartFailure(t *testing.T) {
	srv, _ := newServer(t)
	r := call(t, srv, url.Values{"cmd": {"status"}, "token": {"tok"}})
	require.Equal(t, 0, r.Code)
	var st client.StatusReport
	require.NoError(t, json.Unmarshal(r.Data, &st))
	assert.Equal(t, "stopped", st.State)
	assert.False(t, st.ProcessRunning)

	r = call(t, srv, url.Values{"cmd": {"start"}, "token": {"tok"}})
	assert.Equal(t, 1, r.Code, "no kernel binary is a config error")
	assert.Contains(t, r.Msg, "not found")

	r = call(t, srv, url.Values{"cmd": {"stop"}, "token": {"tok"}})
	assert.Equal(t, 0, r.Code)
}

func TestHealthReportsMissingBinary(t *testing.T) {
	srv, _ := newServer(t)
	r := call(t, srv, url.Values{"cmd": {"health"}, "token": {"tok"}})
	require.Equal(t, 0, r.Code)
	var h client.HealthReport
	require.NoError(t, json.Unmarshal(r.Data, &h))
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.Issues)
}

func TestEventsBroadcast(t *testing.T) {
	srv, hub := newServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?token=tok"
	ws, err := websocket.Dial(wsURL, "", srv.URL)
	require.NoError(t, err)
	defer ws.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Emit("kernel-traffic", map[string]int{"up": 1})
	var msg string
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, websocket.Message.Receive(ws, &msg))
	assert.JSONEq(t, `{"event":"kernel-traffic","payload":{"up":1}}`, msg)

	// a failing start still reports its state transitions
	call(t, srv, url.Values{"cmd": {"start"}, "token": {"tok"}})
	require.NoError(t, websocket.Message.Receive(ws, &msg))
	assert.Contains(t, msg, `"event":"kernel-state"`)
}

func TestServeStopsWithContext(t *testing.T) {
	hub := NewHub(nil)
	cli := client.New(client.Options{App: param.DefaultAppConfig(t.TempDir()), Emitter: hub, Proxy: noProxy{}, Procs: noProcs{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(cli, hub, "", nil).Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}
