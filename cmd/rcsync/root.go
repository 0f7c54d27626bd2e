// rcsync is the offline-first data client for RC Construções. It keeps a
// local SQLite copy of the business data, journals offline edits, and syncs
// them against the authoritative API when connectivity allows.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rc-construcoes/rcsync/internal/config"
	"github.com/rc-construcoes/rcsync/internal/core"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "rcsync",
	Short: "Offline-first data client for RC Construções",
	Long: `rcsync keeps a local, offline-capable copy of the RC Construções
business data (clients, budgets, contracts, financial entries) and syncs
local edits against the authoritative server.

Edits made while offline are journaled and pushed in order once the server
is reachable again. Conflicting edits are merged field by field where
possible and parked for a decision otherwise (see 'rcsync resolve').`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./rcsync.yaml or ~/.rcsync/rcsync.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "session", Title: "Session commands:"},
		&cobra.Group{ID: "dev", Title: "Development commands:"},
	)
}

// loadConfig reads the configuration honoring the --config flag.
func loadConfig() (*config.Config, *viper.Viper, error) {
	return config.Load(configFile)
}

// openCore wires the full subsystem for a one-shot command. The caller must
// Close it.
func openCore(ctx context.Context, logger *log.Logger) (*core.Core, *config.Config, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	c, err := core.Open(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return c, cfg, nil
}

// quietLogger discards component logs so one-shot commands print only their
// own output. Problems still surface through returned errors and the
// snapshot.
func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
