// Package restapi is the local token-guarded control api of the supervisor.
package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"

	"github.com/dosgo/xkernel/client"
	"github.com/dosgo/xkernel/comm"
	"github.com/dosgo/xkernel/param"
)

// Result codes beyond 0 (ok) and -1 (bad request) name the error kind.
var codes = []struct {
	kind error
	code int
}{
	{comm.ErrConfig, 1},
	{comm.ErrAlreadyRunning, 2},
	{comm.ErrNotRunning, 3},
	{comm.ErrStartFailed, 4},
	{comm.ErrStopFailed, 5},
	{comm.ErrNetwork, 6},
	{comm.ErrTimeout, 7},
}

func errCode(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.kind) {
			return c.code
		}
	}
	return -1
}

type Server struct {
	cli    *client.Client
	hub    *Hub
	token  string
	logger *zap.Logger
}

func New(cli *client.Client, hub *Hub, token string, logger *zap.Logger) *Server {
	if hub == nil {
		hub = NewHub(logger)
	}
	return &Server{cli: cli, hub: hub, token: token, logger: comm.OrNop(logger).With(zap.String("component", "api"))}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api", s.apiAction)
	events := websocket.Server{Handler: s.hub.serve}
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r.URL.Query().Get("token")) {
			http.Error(w, "token error", http.StatusUnauthorized)
			return
		}
		events.ServeHTTP(w, r)
	})
	return mux
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return comm.NewError(comm.ErrNetwork, "api listen", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}()
	s.logger.Info("api listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) authorized(token string) bool {
	return s.token == "" || token == s.token
}

func (s *Server) apiAction(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	cmd := r.Form.Get("cmd")
	if !s.authorized(r.Form.Get("token")) {
		jsonBack(w, -1, "token error", nil)
		return
	}
	if cmd != "console" {
		s.logger.Info("api call", zap.String("cmd", cmd), zap.String("remote", r.RemoteAddr))
	}
	ctx := r.Context()
	switch cmd {
	case "start":
		var o *param.Overrides
		if raw := r.Form.Get("overrides"); raw != "" {
			o = &param.Overrides{}
			if err := json.Unmarshal([]byte(raw), o); err != nil {
				jsonBack(w, -1, "bad overrides: "+err.Error(), nil)
				return
			}
		}
		out, err := s.cli.Start(ctx, o)
		result(w, out, err)
	case "stop":
		result(w, nil, s.cli.Stop(ctx))
	case "status":
		port, _ := strconv.Atoi(r.Form.Get("port"))
		result(w, s.cli.GetStatus(ctx, port), nil)
	case "health":
		result(w, s.cli.CheckHealth(ctx), nil)
	case "console":
		line, _ := strconv.Atoi(r.Form.Get("line"))
		result(w, map[string]string{"out": comm.Tail(s.cli.Kernel().LogFile(), line)}, nil)
	case "clearConsole":
		result(w, nil, os.WriteFile(s.cli.Kernel().LogFile(), nil, 0644))
	case "read":
		cfg, err := s.cli.Settings().Get(ctx)
		result(w, cfg, err)
	case "save":
		cfg, err := s.cli.Settings().Get(ctx)
		if err == nil {
			err = json.Unmarshal([]byte(r.Form.Get("jsonStr")), &cfg)
			if err != nil {
				err = comm.NewError(comm.ErrConfig, "save", err)
			}
		}
		if err == nil {
			err = s.cli.SaveSettings(ctx, cfg)
		}
		result(w, nil, err)
	case "import":
		n, err := s.cli.ImportSubscription(ctx, r.Form.Get("subscription"))
		result(w, map[string]int{"nodes": n}, err)
	default:
		jsonBack(w, -1, "unknown cmd "+strconv.Quote(cmd), nil)
	}
}

func result(w http.ResponseWriter, data any, err error) {
	if err != nil {
		jsonBack(w, errCode(err), err.Error(), nil)
		return
	}
	jsonBack(w, 0, "", data)
}

func jsonBack(w http.ResponseWriter, code int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"code": code, "msg": msg, "data": data})
}
