package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/rc-construcoes/rcsync/internal/api"
	"github.com/rc-construcoes/rcsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login [username]",
	GroupID: "session",
	Short:   "Sign in to the server",
	Long: `Sign in and store the session locally. The session survives restarts;
pending offline changes are pushed on the next sync after signing in.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var username, password string
		if len(args) > 0 {
			username = args[0]
		}

		var fields []huh.Field
		if username == "" {
			fields = append(fields, huh.NewInput().Title("Username").Value(&username))
		}
		fields = append(fields, huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&password))

		if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
			fatal("%v", err)
		}

		ctx := context.Background()
		c, _, err := openCore(ctx, quietLogger())
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		if err := c.SignIn(ctx, username, password); err != nil {
			var limited *api.RateLimitedError
			if errors.As(err, &limited) {
				fatal("too many failed attempts; try again in %v", limited.RetryAfter)
			}
			fatal("login failed: %v", err)
		}
		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), username)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "session",
	Short:   "Sign out",
	Long: `Discard the stored session. Pending offline changes are kept and
resume syncing after the next sign-in.`,
	Run: func(cmd *cobra.Command, args []string) {
		c, _, err := openCore(context.Background(), quietLogger())
		if err != nil {
			fatal("%v", err)
		}
		defer c.Close()

		if err := c.SignOut(); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
