package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rc-construcoes/rcsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show local store and sync state",
	Long: `Display the state of the local store: who is signed in, how many
changes await sync, and which records are parked in conflict.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c, cfg, err := openCore(ctx, quietLogger())
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		snap, err := c.Snapshot(ctx)
		if err != nil {
			fatal("%v", err)
		}

		fmt.Println()
		fmt.Println(ui.RenderTitle("rcsync status"))
		fmt.Printf("   Server:   %s\n", ui.RenderAccent(cfg.ServerURL))
		fmt.Printf("   Database: %s\n", ui.RenderMuted(cfg.DatabasePath()))

		if c.Store.IsQuarantined() {
			fmt.Printf("   Store:    %s\n", ui.RenderError("quarantined (read-only, migration failed)"))
		} else if snap.Fallback {
			fmt.Printf("   Store:    %s\n", ui.RenderWarn("in-memory fallback"))
		} else {
			fmt.Printf("   Store:    %s\n", ui.RenderPass("ok"))
		}

		if snap.Principal != nil {
			fmt.Printf("   Session:  %s (%s)\n", ui.RenderPass(snap.Principal.Username), snap.Principal.Role)
		} else {
			fmt.Printf("   Session:  %s\n", ui.RenderWarn("signed out"))
		}

		fmt.Printf("   Pending:  %d change(s)\n", snap.PendingChanges)
		if snap.LastSyncAt > 0 {
			fmt.Printf("   Last sync: %s\n", time.UnixMilli(snap.LastSyncAt).Format(time.RFC3339))
		}

		if len(snap.Conflicts) > 0 {
			fmt.Printf("\n   %s %d conflict(s) need a decision:\n", ui.RenderWarn("⚠"), len(snap.Conflicts))
			for _, conflict := range snap.Conflicts {
				fmt.Printf("     - %s/%d\n", conflict.Entity, conflict.LocalID)
			}
			fmt.Printf("   Run %s to resolve.\n", ui.RenderAccent("rcsync resolve"))
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
