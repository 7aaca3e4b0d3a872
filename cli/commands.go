package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dosgo/xkernel/client"
	"github.com/dosgo/xkernel/confgen"
	"github.com/dosgo/xkernel/param"
	"github.com/dosgo/xkernel/relay"
	"github.com/dosgo/xkernel/restapi"
	"github.com/dosgo/xkernel/settings"
)

var (
	mode      string
	apiPort   int
	proxyPort int
	keepAlive bool
	noStart   bool
	outFile   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the kernel and serve the local api until interrupted",
	RunE:  runKernel,
}

var genCmd = &cobra.Command{
	Use:   "gen [subscription-file]",
	Short: "Generate a kernel config from a subscription file (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  genConfig,
}

var importCmd = &cobra.Command{
	Use:   "import [subscription-file]",
	Short: "Store a subscription and regenerate the kernel config from it",
	Args:  cobra.ExactArgs(1),
	RunE:  importSubscription,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run the preflight health checks",
	RunE:  checkHealth,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Ask a running xkernel for the kernel status",
	RunE:  queryStatus,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the xkernel and kernel versions",
	RunE:  printVersion,
}

func init() {
	runCmd.Flags().StringVar(&mode, "mode", "", "proxy mode: system, tun or manual")
	runCmd.Flags().IntVar(&apiPort, "api-port", 0, "control api port, 0 picks a free port")
	runCmd.Flags().IntVar(&proxyPort, "proxy-port", 0, "mixed inbound port")
	runCmd.Flags().BoolVar(&keepAlive, "keep-alive", true, "restart the kernel when it dies")
	runCmd.Flags().BoolVar(&noStart, "no-start", false, "serve the api without starting the kernel")
	genCmd.Flags().StringVarP(&outFile, "out", "o", "", "write here instead of the kernel config path")
}

// overrides maps the flags the user actually set.
func overrides(cmd *cobra.Command) (*param.Overrides, error) {
	o := &param.Overrides{}
	flags := cmd.Flags()
	if flags.Changed("mode") {
		m, err := param.ParseMode(mode)
		if err != nil {
			return nil, err
		}
		o.Mode = &m
	}
	if flags.Changed("api-port") {
		o.APIPort = &apiPort
	}
	if flags.Changed("proxy-port") {
		o.ProxyPort = &proxyPort
	}
	if flags.Changed("keep-alive") {
		o.KeepAlive = &keepAlive
	}
	return o, nil
}

func newClient(ctx context.Context, emitter relay.Emitter) (*client.Client, error) {
	store, err := settings.OpenSQLite(ctx, app.SettingsDB, logger)
	if err != nil {
		return nil, err
	}
	return client.New(client.Options{App: app, Store: store, Emitter: emitter, Logger: logger}), nil
}

func runKernel(cmd *cobra.Command, args []string) error {
	o, err := overrides(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := restapi.NewHub(logger)
	cli, err := newClient(ctx, hub)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), app.StopTimeout+2*time.Second)
		defer cancel()
		if err := cli.Shutdown(sctx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	}()

	if !noStart {
		out, err := cli.Start(ctx, o)
		if err != nil {
			return err
		}
		logger.Info("kernel started", zap.Int("pid", out.PID), zap.Int("api_port", out.APIPort))
	}
	return restapi.New(cli, hub, app.APIToken, logger).Serve(ctx, app.APIListen)
}

func readInput(name string) (string, error) {
	var (
		data []byte
		err  error
	)
	if name == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(name)
	}
	return string(data), err
}

func genConfig(cmd *cobra.Command, args []string) error {
	raw, err := readInput(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cli, err := newClient(ctx, nil)
	if err != nil {
		return err
	}
	defer cli.Close()
	cfg, err := cli.Settings().Resolve(ctx, nil)
	if err != nil {
		return err
	}
	nodes := confgen.ExtractNodes(raw)
	doc, err := cli.GenerateConfig(cfg, nodes)
	if err != nil {
		return err
	}
	path := outFile
	if path == "" {
		path = app.ConfigPath()
	}
	if _, err := confgen.WriteFile(path, doc); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d nodes written to %s\n", len(nodes), path)
	return nil
}

func importSubscription(cmd *cobra.Command, args []string) error {
	raw, err := readInput(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	cli, err := newClient(ctx, nil)
	if err != nil {
		return err
	}
	defer cli.Close()
	n, err := cli.ImportSubscription(ctx, raw)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d nodes\n", n)
	return nil
}

func checkHealth(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cli, err := newClient(ctx, nil)
	if err != nil {
		return err
	}
	defer cli.Close()
	h := cli.CheckHealth(ctx)
	for _, issue := range h.Issues {
		fmt.Fprintln(cmd.OutOrStdout(), "-", issue)
	}
	if !h.Healthy {
		return fmt.Errorf("%d health issues", len(h.Issues))
	}
	fmt.Fprintln(cmd.OutOrStdout(), "healthy")
	return nil
}

func queryStatus(cmd *cobra.Command, args []string) error {
	q := url.Values{"cmd": {"status"}, "token": {app.APIToken}}
	hc := &http.Client{Timeout: 10 * time.Second}
	resp, err := hc.Get("http://" + app.APIListen + "/api?" + q.Encode())
	if err != nil {
		return fmt.Errorf("xkernel api not reachable: %w", err)
	}
	defer resp.Body.Close()
	var back struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&back); err != nil {
		return err
	}
	if back.Code != 0 {
		return fmt.Errorf("status: %s", back.Msg)
	}
	var st client.StatusReport
	if err := json.Unmarshal(back.Data, &st); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(st, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

func printVersion(cmd *cobra.Command, args []string) error {
	fmt.Fprintf(cmd.OutOrStdout(), "xkernel %s\n", param.Version)
	ctx := cmd.Context()
	cli, err := newClient(ctx, nil)
	if err != nil {
		return err
	}
	defer cli.Close()
	v, err := cli.Kernel().Version(ctx)
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "sing-box: %v\n", err)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sing-box %s\n", v)
	return nil
}
