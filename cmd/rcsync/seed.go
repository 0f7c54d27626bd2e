package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/rc-construcoes/rcsync/internal/seed"
	"github.com/rc-construcoes/rcsync/internal/ui"
)

var (
	seedFile  string
	seedClear bool
)

var seedCmd = &cobra.Command{
	Use:     "seed",
	GroupID: "dev",
	Short:   "Load demo fixtures into the local store",
	Long: `Insert demo data (users, clients, budgets, contracts, financial
entries) into the local store. Seeded records are journaled like user edits
and pushed on the next sync.

With --clear, all local data and the journal are wiped first; the signed-in
user's own account row is kept.

Example usage:
  rcsync seed
  rcsync seed --file fixtures.yaml
  rcsync seed --clear`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c, _, err := openCore(ctx, log.New(os.Stderr, "[seed] ", log.LstdFlags))
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		if seedClear {
			var keep int64
			if p, err := c.Gate.Principal(); err == nil {
				keep = p.ID
			}
			if err := seed.Clear(ctx, c.Store, keep); err != nil {
				fatal("%v", err)
			}
			fmt.Printf("%s Cleared local data\n", ui.RenderPass("✓"))
		}

		fixtures, err := seed.Load(seedFile)
		if err != nil {
			fatal("%v", err)
		}
		if err := seed.Apply(ctx, c.Store, fixtures, nil); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Fixtures loaded; run %s to push them\n",
			ui.RenderPass("✓"), ui.RenderAccent("rcsync sync"))
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "fixtures file (default: embedded demo data)")
	seedCmd.Flags().BoolVar(&seedClear, "clear", false, "wipe local data and journal first")
	rootCmd.AddCommand(seedCmd)
}
