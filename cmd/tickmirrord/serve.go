package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tickmirror/tickmirror/internal/config"
	"github.com/tickmirror/tickmirror/internal/debug"
	"github.com/tickmirror/tickmirror/internal/forge"
	"github.com/tickmirror/tickmirror/internal/reconcile"
	"github.com/tickmirror/tickmirror/internal/refresh"
	"github.com/tickmirror/tickmirror/internal/storage"
	"github.com/tickmirror/tickmirror/internal/storage/sqlite"
	"github.com/tickmirror/tickmirror/internal/types"
	"github.com/tickmirror/tickmirror/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook endpoint and queue drain loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// wiring bundles the long-lived components the commands share.
type wiring struct {
	store  *sqlite.SQLiteStore
	tokens forge.TokenSource
	engine *reconcile.Engine
	queue  *refresh.Queue
}

func buildWiring() (*wiring, error) {
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := registerRepos(store); err != nil {
		_ = store.Close()
		return nil, err
	}
	client := forge.NewGitHubClient()
	engine := reconcile.New(store, client, cfg.IndexPath)
	tokens := forge.StaticTokenSource(cfg.ForgeToken)
	queue := refresh.New(store, tokens, engine, refresh.Options{
		QuotaWindow:    cfg.QuotaWindow,
		RequesterQuota: cfg.RequesterQuota,
		RepoQuota:      cfg.RepoQuota,
	})
	return &wiring{store: store, tokens: tokens, engine: engine, queue: queue}, nil
}

// registerRepos upserts the tracked repositories from repos.yaml so a
// repository row exists before its first webhook arrives.
func registerRepos(store storage.Store) error {
	entries, err := config.LoadRepos(cfg.ReposFile)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, entry := range entries {
		if _, err := store.GetRepoByFullName(ctx, entry.FullName); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		repo := &types.Repository{
			ID:         uuid.NewString(),
			FullName:   entry.FullName,
			Prefix:     entry.Prefix,
			InstallID:  entry.InstallID,
			SyncStatus: types.SyncIdle,
		}
		if err := store.CreateRepo(ctx, repo); err != nil {
			return err
		}
		debug.Logf("serve: registered repository %s\n", entry.FullName)
	}
	return nil
}

func runServe(ctx context.Context) error {
	if cfg.WebhookSecret == "" {
		// The gate fails closed anyway; refuse to start so the
		// misconfiguration is caught at deploy time instead.
		return errors.New("webhook_secret is not configured")
	}

	w, err := buildWiring()
	if err != nil {
		return err
	}
	defer func() { _ = w.store.Close() }()

	server := webhook.NewServer(webhook.ServerConfig{
		Store:  w.store,
		Secret: []byte(cfg.WebhookSecret),
		Engine: w.engine,
		Tokens: w.tokens,
	})

	// Drain loop: the bounded-retry backstop for syncs the webhook
	// path missed or failed.
	go func() {
		ticker := time.NewTicker(cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, err := w.queue.ProcessQueuedJobs(ctx, cfg.DrainLimit)
				if err != nil {
					debug.Logf("serve: drain: %v\n", err)
					continue
				}
				if stats.Claimed > 0 {
					debug.Logf("serve: drained %d jobs (%d ok, %d requeued, %d failed)\n",
						stats.Claimed, stats.Succeeded, stats.Requeued, stats.Failed)
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		debug.Printf("tickmirrord listening on %s\n", cfg.ListenAddr)
		errCh <- server.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func fmtJobLine(job string, enqueued bool) string {
	if enqueued {
		return fmt.Sprintf("queued refresh job %s", job)
	}
	return fmt.Sprintf("refresh already active, job %s", job)
}
