package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var drainLimit int

// Batch size bounds for the manual drain surface.
const (
	minDrainLimit = 1
	maxDrainLimit = 25
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Process one batch of queued refresh jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		if drainLimit < minDrainLimit || drainLimit > maxDrainLimit {
			return fmt.Errorf("limit must be between %d and %d", minDrainLimit, maxDrainLimit)
		}

		w, err := buildWiring()
		if err != nil {
			return err
		}
		defer func() { _ = w.store.Close() }()

		stats, err := w.queue.ProcessQueuedJobs(cmd.Context(), drainLimit)
		if err != nil {
			return err
		}
		fmt.Printf("claimed %d, succeeded %d, requeued %d, failed %d\n",
			stats.Claimed, stats.Succeeded, stats.Requeued, stats.Failed)
		return nil
	},
}

func init() {
	drainCmd.Flags().IntVar(&drainLimit, "limit", 5, "maximum jobs to claim (1-25)")
}
