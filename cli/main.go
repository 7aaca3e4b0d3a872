package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dosgo/xkernel/comm"
	"github.com/dosgo/xkernel/param"
)

var (
	confFile string
	verbose  bool
	jsonLogs bool

	app    param.AppConfig
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "xkernel",
	Short: "sing-box kernel supervisor",
	Long: `xkernel runs the sing-box kernel, keeps its configuration in step with
the saved settings and subscription, restarts it when it dies and exposes a
local api for the UI.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		conf, existed, err := comm.ReadConf(confFile)
		if err != nil {
			return err
		}
		app = conf
		level := app.LogLevel
		if verbose {
			level = "debug"
		}
		logger, err = comm.NewLogger(level, jsonLogs || app.LogJSON)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		if !existed {
			logger.Info("wrote default config", zap.String("path", confFile))
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&confFile, "config", "c", "xkernel.yaml", "app config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "json logs")

	rootCmd.AddCommand(runCmd, genCmd, importCmd, checkCmd, statusCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
