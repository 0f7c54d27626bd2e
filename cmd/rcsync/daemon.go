package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rc-construcoes/rcsync/internal/config"
	"github.com/rc-construcoes/rcsync/internal/core"
	"github.com/rc-construcoes/rcsync/internal/dashboard"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon",
	Long: `Run the sync engine continuously: probe connectivity, drain the
journal when the server is reachable, and ingest server deltas.

With dashboard_addr configured, a WebSocket dashboard broadcasts sync
events to connected clients.

Example usage:
  rcsync daemon
  rcsync daemon --config /etc/rcsync.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, v, err := loadConfig()
		if err != nil {
			fatal("%v", err)
		}

		logger := daemonLogger(cfg)
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		c, err := core.Open(ctx, cfg, logger)
		if err != nil {
			fatal("%v", err)
		}
		if c.Store.IsFallback() {
			logger.Printf("WARNING: running on an in-memory store, data will not survive restart")
		}

		var dash *dashboard.Server
		if cfg.DashboardAddr != "" {
			dash = dashboard.NewServer(&dashboard.Config{
				Addr:   cfg.DashboardAddr,
				Logger: logger,
				Snapshot: func(ctx context.Context) (any, error) {
					return c.Snapshot(ctx)
				},
			})
			if err := dash.Start(); err != nil {
				fatal("%v", err)
			}
			handler := dashboard.NewHandler(dash, logger)
			handler.Attach(c.Bus)
			defer handler.Detach()
			fmt.Printf("Dashboard: ws://%s/ws\n", dash.Addr())
		}

		// Most settings need a restart; the watch just makes that visible.
		config.Watch(v, logger, func(*config.Config) {
			logger.Printf("configuration changed on disk; restart to apply")
		})

		c.Start(ctx)
		fmt.Printf("Syncing against %s (data: %s)\n", cfg.ServerURL, cfg.DataDir)
		fmt.Println("Press Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if dash != nil {
			_ = dash.Stop()
		}
		if err := c.Close(); err != nil {
			logger.Printf("shutdown error: %v", err)
		}
	},
}

// daemonLogger builds the daemon's logger, rotated via lumberjack when a log
// file is configured.
func daemonLogger(cfg *config.Config) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		})
	}
	return log.New(out, "[rcsync] ", log.LstdFlags)
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
