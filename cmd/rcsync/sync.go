package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rc-construcoes/rcsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle now",
	Long: `Run a single push+pull cycle synchronously and report the result.

Requires a signed-in session and a reachable server.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c, cfg, err := openCore(ctx, log.New(os.Stderr, "[rcsync] ", log.LstdFlags))
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		if !c.Gate.IsAuthenticated() {
			fatal("not signed in; run 'rcsync login' first")
		}

		c.Monitor.Probe(ctx)
		if !c.Monitor.Online() {
			fatal("server %s is unreachable", cfg.ServerURL)
		}

		start := time.Now()
		if err := c.SyncNow(ctx); err != nil {
			fatal("sync failed: %v", err)
		}

		snap, err := c.Snapshot(ctx)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pending: %d change(s)\n", snap.PendingChanges)
		if len(snap.Conflicts) > 0 {
			fmt.Printf("   %s %d conflict(s); run %s\n",
				ui.RenderWarn("⚠"), len(snap.Conflicts), ui.RenderAccent("rcsync resolve"))
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
