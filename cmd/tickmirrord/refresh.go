package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tickmirror/tickmirror/internal/refresh"
)

var (
	refreshForce     bool
	refreshRequester string
)

var refreshCmd = &cobra.Command{
	Use:   "refresh <owner/repo>",
	Short: "Enqueue a manual refresh for a tracked repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		w, err := buildWiring()
		if err != nil {
			return err
		}
		defer func() { _ = w.store.Close() }()

		job, enqueued, err := w.queue.Enqueue(cmd.Context(), args[0], refreshRequester, refreshForce, refresh.DefaultMaxAttempts)
		if err != nil {
			var quotaErr *refresh.QuotaError
			if errors.As(err, &quotaErr) {
				return fmt.Errorf("refresh quota exceeded (%s scope); retry in %ds",
					quotaErr.Scope, quotaErr.RetryAfterSeconds)
			}
			return err
		}
		fmt.Println(fmtJobLine(job.ID, enqueued))
		return nil
	},
}

func init() {
	refreshCmd.Flags().BoolVar(&refreshForce, "force", false, "sync even if the index SHA is unchanged")
	refreshCmd.Flags().StringVar(&refreshRequester, "requester", "cli", "requester identity for quota accounting")
}
