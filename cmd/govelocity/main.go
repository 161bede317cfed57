package main

import (
	"fmt"
	"os"

	"github.com/datallboy/govelocity/internal/app"
	"github.com/datallboy/govelocity/internal/infra/config"
	"github.com/datallboy/govelocity/internal/infra/logger"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "govelocity",
	Short:        "Multi-threaded HTTP downloader that fetches a file in parallel byte ranges.",
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default ./config.yaml, then /config/config.yaml)")

	rootCmd.AddCommand(getCmd, catCmd, serveCmd)
}

// bootstrap loads the config, opens the log and wires the application.
func bootstrap() (*app.Context, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}

	appCtx, err := app.NewContext(cfg, log)
	if err != nil {
		log.Close()
		return nil, err
	}

	if n, err := appCtx.Store.MarkInterrupted(); err != nil {
		log.Warn("Could not clean up interrupted jobs: %v", err)
	} else if n > 0 {
		log.Warn("Marked %d interrupted job(s) as failed", n)
	}

	return appCtx, nil
}
