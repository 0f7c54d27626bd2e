package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rc-construcoes/rcsync/internal/mockserver"
)

var mockAddr string

var mockServerCmd = &cobra.Command{
	Use:     "mock-server",
	GroupID: "dev",
	Short:   "Run an in-memory API server for local development",
	Long: `Run an in-memory implementation of the authoritative API.

Accounts: admin/admin123. Data lives in memory and is lost on exit.

Example usage:
  rcsync mock-server
  rcsync mock-server --addr :3000`,
	Run: func(cmd *cobra.Command, args []string) {
		srv := &http.Server{
			Addr:         mockAddr,
			Handler:      mockserver.New().Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		fmt.Printf("Mock API listening on %s\n", mockAddr)
		fmt.Println("Press Ctrl+C to stop...")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("%v", err)
		}
	},
}

func init() {
	mockServerCmd.Flags().StringVar(&mockAddr, "addr", "127.0.0.1:3000", "listen address")
	rootCmd.AddCommand(mockServerCmd)
}
