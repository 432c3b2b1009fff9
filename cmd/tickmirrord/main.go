// Command tickmirrord runs the ticket-cache synchronization service:
// it receives code-forge webhooks, reconciles tracked repositories
// against their remote index documents, and drains the manual-refresh
// job queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tickmirror/tickmirror/internal/config"
	"github.com/tickmirror/tickmirror/internal/debug"
	"github.com/tickmirror/tickmirror/internal/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile     string
	verboseFlag bool

	cfg *config.Config

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "tickmirrord",
	Short:         "Ticket cache synchronization service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug.SetVerbose(verboseFlag)
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		return telemetry.Init(rootCtx, "tickmirrord", Version)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(serveCmd, refreshCmd, drainCmd, versionCmd)

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the tickmirrord version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tickmirrord %s\n", Version)
	},
}
