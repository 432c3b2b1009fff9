// Package refresh implements the durable manual-refresh job queue: the
// quota-limited, retrying backstop for missed or failed webhook syncs.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tickmirror/tickmirror/internal/debug"
	"github.com/tickmirror/tickmirror/internal/forge"
	"github.com/tickmirror/tickmirror/internal/reconcile"
	"github.com/tickmirror/tickmirror/internal/storage"
	"github.com/tickmirror/tickmirror/internal/telemetry"
	"github.com/tickmirror/tickmirror/internal/types"
)

// ErrRepoNotFound is returned by Enqueue for an untracked repository.
var ErrRepoNotFound = errors.New("refresh: repository not found")

// QuotaError is returned when a sliding-window quota rejects an
// enqueue. Callers translate it into a rate-limit response using
// RetryAfterSeconds.
type QuotaError struct {
	Scope             string // "requester" or "repository"
	RetryAfterSeconds int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("refresh quota exceeded for %s, retry after %ds", e.Scope, e.RetryAfterSeconds)
}

// Queue defaults.
const (
	DefaultMaxAttempts    = 3
	DefaultQuotaWindow    = 15 * time.Minute
	DefaultRequesterQuota = 10
	DefaultRepoQuota      = 5

	// Backoff schedule for requeued jobs: min(backoffCap, backoffBase · 2^(attempts-1)).
	backoffBase = 30 * time.Second
	backoffCap  = 15 * time.Minute

	// maxParallelJobs bounds concurrent sync execution within one
	// ProcessQueuedJobs call. Claims are already exclusive; this only
	// limits forge API pressure.
	maxParallelJobs = 4
)

// Options tune the queue; zero values take the defaults above.
type Options struct {
	QuotaWindow    time.Duration
	RequesterQuota int
	RepoQuota      int
}

// Queue coordinates refresh jobs between the store, the forge token
// source, and the reconciliation engine.
type Queue struct {
	store  storage.Store
	tokens forge.TokenSource
	engine *reconcile.Engine
	opts   Options

	now func() time.Time // test hook
}

// New creates a queue.
func New(store storage.Store, tokens forge.TokenSource, engine *reconcile.Engine, opts Options) *Queue {
	if opts.QuotaWindow <= 0 {
		opts.QuotaWindow = DefaultQuotaWindow
	}
	if opts.RequesterQuota <= 0 {
		opts.RequesterQuota = DefaultRequesterQuota
	}
	if opts.RepoQuota <= 0 {
		opts.RepoQuota = DefaultRepoQuota
	}
	return &Queue{store: store, tokens: tokens, engine: engine, opts: opts, now: time.Now}
}

// Enqueue requests a refresh for fullName. Enqueue is idempotent per
// repository: if an active (queued or running) job exists it is
// returned unchanged with enqueued=false and no quota is consumed.
func (q *Queue) Enqueue(ctx context.Context, fullName, requester string, force bool, maxAttempts int) (job *types.RefreshJob, enqueued bool, err error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	repo, err := q.store.GetRepoByFullName(ctx, fullName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, false, ErrRepoNotFound
		}
		return nil, false, err
	}

	if active, err := q.store.GetActiveJob(ctx, repo.ID); err == nil {
		return active, false, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}

	now := q.now()
	windowStart := now.Add(-q.opts.QuotaWindow)

	if err := q.checkQuota(ctx, "requester", q.opts.RequesterQuota, windowStart, now, func() (int, time.Time, error) {
		return q.store.CountJobsByRequesterSince(ctx, requester, windowStart)
	}); err != nil {
		return nil, false, err
	}
	if err := q.checkQuota(ctx, "repository", q.opts.RepoQuota, windowStart, now, func() (int, time.Time, error) {
		return q.store.CountJobsByRepoSince(ctx, repo.ID, windowStart)
	}); err != nil {
		return nil, false, err
	}

	job = &types.RefreshJob{
		ID:            uuid.NewString(),
		RepoID:        repo.ID,
		Requester:     requester,
		Force:         force,
		Status:        types.JobQueued,
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		// Lost the insert race to a concurrent enqueue (possibly on
		// another instance): surface the winner, same as the active-job
		// check above.
		if errors.Is(err, storage.ErrActiveJobExists) {
			if active, aerr := q.store.GetActiveJob(ctx, repo.ID); aerr == nil {
				return active, false, nil
			}
			return nil, false, err
		}
		return nil, false, err
	}
	if err := q.store.SetRepoSyncStatus(ctx, repo.ID, types.SyncQueued, ""); err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// checkQuota applies one sliding-window quota. RetryAfterSeconds is
// derived from the oldest in-window job's age: once it slides out of
// the window, a slot frees up.
func (q *Queue) checkQuota(ctx context.Context, scope string, limit int, windowStart, now time.Time, count func() (int, time.Time, error)) error {
	n, oldest, err := count()
	if err != nil {
		return err
	}
	if n < limit {
		return nil
	}
	retryAfter := int(q.opts.QuotaWindow.Seconds())
	if !oldest.IsZero() {
		if remaining := q.opts.QuotaWindow - now.Sub(oldest); remaining > 0 {
			retryAfter = int(remaining.Seconds()) + 1
		}
	}
	return &QuotaError{Scope: scope, RetryAfterSeconds: retryAfter}
}

// Stats aggregates one ProcessQueuedJobs batch.
type Stats struct {
	Claimed   int
	Succeeded int
	Failed    int
	Requeued  int
}

// ProcessQueuedJobs claims up to limit due jobs and runs each through
// the reconciliation engine. It never propagates a job's failure as an
// error: per-job outcomes land on the job and repository rows, and the
// returned Stats summarize the batch.
func (q *Queue) ProcessQueuedJobs(ctx context.Context, limit int) (Stats, error) {
	now := q.now()
	jobs, err := q.store.ClaimQueuedJobs(ctx, limit, now)
	if err != nil {
		return Stats{}, err
	}

	var mu sync.Mutex
	stats := Stats{Claimed: len(jobs)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelJobs)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			outcome := q.runJob(gctx, job)
			telemetry.RecordJobResult(gctx, outcome)
			mu.Lock()
			switch outcome {
			case "succeeded":
				stats.Succeeded++
			case "requeued":
				stats.Requeued++
			default:
				stats.Failed++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	return stats, nil
}

// runJob executes one claimed job and returns its outcome: "succeeded",
// "requeued", or "failed". Panics from the sync path are converted into
// the failure outcome; nothing escapes this boundary.
func (q *Queue) runJob(ctx context.Context, job *types.RefreshJob) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			debug.Logf("refresh: job %s panicked: %v\n", job.ID, r)
			outcome = q.failOrRequeue(ctx, job, "", reconcile.CodeSyncException, fmt.Sprintf("panic: %v", r))
		}
	}()

	repo, err := q.store.GetRepo(ctx, job.RepoID)
	if err != nil {
		// The repository vanished after enqueue. Not transient: no
		// amount of retrying brings it back.
		return q.failPermanently(ctx, job, "", reconcile.CodeRepoNotFound, "repository no longer exists")
	}
	if repo.InstallID == 0 {
		return q.failPermanently(ctx, job, repo.ID, "install_missing", "repository has no forge installation")
	}

	acquired, err := q.store.TryAcquireRepoSyncLock(ctx, repo.ID)
	if err != nil {
		return q.failOrRequeue(ctx, job, repo.ID, reconcile.CodeSyncFailed, err.Error())
	}
	if !acquired {
		// A webhook-driven sync holds the lock. Transient: back off
		// without touching the forge API, and leave the repository row
		// alone — the lock holder owns it.
		return q.failOrRequeue(ctx, job, "", "lock_contended", "sync lock held by another worker")
	}
	defer func() {
		if err := q.store.ReleaseRepoSyncLock(ctx, repo.ID); err != nil {
			debug.Logf("refresh: releasing sync lock for %s: %v\n", repo.FullName, err)
		}
	}()

	if err := q.store.SetRepoSyncStatus(ctx, repo.ID, types.SyncSyncing, ""); err != nil {
		return q.failOrRequeue(ctx, job, repo.ID, reconcile.CodeSyncFailed, err.Error())
	}

	token, err := q.tokens.InstallationToken(ctx, repo.InstallID)
	if err != nil {
		return q.failOrRequeue(ctx, job, repo.ID, "token_unavailable", err.Error())
	}

	res := q.engine.SyncRepo(ctx, repo.FullName, token, job.Force)
	telemetry.RecordSyncResult(ctx, repo.FullName, res.Changed, res.ErrorCode)
	if !res.Success {
		msg := res.ErrorCode
		if res.Err != nil {
			msg = res.Err.Error()
		}
		return q.failOrRequeue(ctx, job, repo.ID, res.ErrorCode, msg)
	}

	now := q.now()
	job.Status = types.JobSucceeded
	job.ErrorCode = ""
	job.ErrorMessage = ""
	job.FinishedAt = &now
	if err := q.store.UpdateJob(ctx, job); err != nil {
		debug.Logf("refresh: recording success for job %s: %v\n", job.ID, err)
	}
	return "succeeded"
}

// failOrRequeue requeues the job with capped exponential backoff when
// attempts remain, and fails it permanently otherwise. The error is
// recorded on both the job and the repository.
func (q *Queue) failOrRequeue(ctx context.Context, job *types.RefreshJob, repoID, code, message string) string {
	if job.Attempts < job.MaxAttempts {
		job.Status = types.JobQueued
		job.ErrorCode = code
		job.ErrorMessage = message
		job.NextAttemptAt = q.now().Add(BackoffDelay(job.Attempts))
		if err := q.store.UpdateJob(ctx, job); err != nil {
			debug.Logf("refresh: requeue of job %s: %v\n", job.ID, err)
		}
		q.recordRepoError(ctx, repoID, code, message)
		return "requeued"
	}
	return q.failPermanently(ctx, job, repoID, code, message)
}

func (q *Queue) failPermanently(ctx context.Context, job *types.RefreshJob, repoID, code, message string) string {
	now := q.now()
	job.Status = types.JobFailed
	job.ErrorCode = code
	job.ErrorMessage = message
	job.FinishedAt = &now
	if err := q.store.UpdateJob(ctx, job); err != nil {
		debug.Logf("refresh: recording failure for job %s: %v\n", job.ID, err)
	}
	q.recordRepoError(ctx, repoID, code, message)
	return "failed"
}

func (q *Queue) recordRepoError(ctx context.Context, repoID, code, message string) {
	if repoID == "" {
		return
	}
	if err := q.store.SetRepoSyncStatus(ctx, repoID, types.SyncError, code+": "+message); err != nil {
		debug.Logf("refresh: recording error on repo %s: %v\n", repoID, err)
	}
}

// BackoffDelay returns the requeue delay after the given attempt count:
// min(backoffCap, backoffBase · 2^(attempts-1)).
func BackoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := uint(attempts - 1)
	if shift > 30 {
		shift = 30
	}
	d := backoffBase << shift
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
