package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/rc-construcoes/rcsync/internal/syncer"
	"github.com/rc-construcoes/rcsync/internal/ui"
)

var (
	resolveEntity string
	resolveID     int64
	resolveChoice string
)

var resolveCmd = &cobra.Command{
	Use:     "resolve",
	GroupID: "sync",
	Short:   "Resolve records parked in conflict",
	Long: `Decide what happens to records whose local edits collided with newer
server versions.

keepLocal re-submits the local edit against the server's current version;
acceptServer discards the local edit and takes the server's copy.

Without flags an interactive picker walks through each conflict:
  rcsync resolve
  rcsync resolve --entity clients --id 42 --choice acceptServer`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c, _, err := openCore(ctx, quietLogger())
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		if resolveEntity != "" || resolveID != 0 || resolveChoice != "" {
			if resolveEntity == "" || resolveID == 0 || resolveChoice == "" {
				fatal("--entity, --id and --choice must be given together")
			}
			if err := c.ResolveConflict(ctx, resolveEntity, resolveID, resolveChoice); err != nil {
				fatal("%v", err)
			}
			fmt.Printf("%s Resolved %s/%d (%s)\n", ui.RenderPass("✓"), resolveEntity, resolveID, resolveChoice)
			return
		}

		conflicts, err := c.Engine.Conflicts(ctx)
		if err != nil {
			fatal("%v", err)
		}
		if len(conflicts) == 0 {
			fmt.Printf("%s No conflicts\n", ui.RenderPass("✓"))
			return
		}

		for _, conflict := range conflicts {
			choice, err := promptChoice(conflict)
			if err != nil {
				fatal("%v", err)
			}
			if choice == "" {
				continue
			}
			if err := c.ResolveConflict(ctx, conflict.Entity, conflict.LocalID, choice); err != nil {
				fatal("failed to resolve %s/%d: %v", conflict.Entity, conflict.LocalID, err)
			}
			fmt.Printf("%s Resolved %s/%d (%s)\n", ui.RenderPass("✓"), conflict.Entity, conflict.LocalID, choice)
		}
	},
}

// promptChoice asks the user what to do with one conflict. Empty means skip.
func promptChoice(conflict syncer.Conflict) (string, error) {
	title := fmt.Sprintf("%s/%d conflicts with a newer server version", conflict.Entity, conflict.LocalID)
	if len(conflict.Server) > 0 {
		title += "\n\nServer copy:\n" + string(conflict.Server)
	}

	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(title).
			Options(
				huh.NewOption("Keep my edit (re-submit against server version)", syncer.ChoiceKeepLocal),
				huh.NewOption("Accept the server's copy (discard my edit)", syncer.ChoiceAcceptServer),
				huh.NewOption("Skip for now", ""),
			).
			Value(&choice),
	))
	if err := form.Run(); err != nil {
		return "", err
	}
	return choice, nil
}

func init() {
	resolveCmd.Flags().StringVar(&resolveEntity, "entity", "", "entity of the record to resolve")
	resolveCmd.Flags().Int64Var(&resolveID, "id", 0, "local id of the record to resolve")
	resolveCmd.Flags().StringVar(&resolveChoice, "choice", "", "keepLocal or acceptServer")
	rootCmd.AddCommand(resolveCmd)
}
