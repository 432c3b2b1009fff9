// Package storage defines the durable store port consumed by the
// webhook, reconciliation, and refresh-queue packages.
//
// The interface deliberately exposes three atomic primitives —
// insert-if-absent delivery records, compare-and-set repo locks, and
// conditional job claims — because all of tickmirror's concurrency
// correctness lives in them. Implementations must make those operations
// atomic against shared state (not just in-process memory) so the
// system stays correct with multiple service instances running.
//
// Concrete implementations live in the memory (test double) and sqlite
// (production) sub-packages.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/tickmirror/tickmirror/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrActiveJobExists is returned by InsertJob when the repository
// already has a queued or running job. The uniqueness check must live
// in the store, not the caller: two service instances enqueueing
// concurrently both pass a read-then-insert check.
var ErrActiveJobExists = errors.New("active job exists")

// Store is the persistence port. Consumers depend on this interface
// rather than a concrete type so the memory double can stand in for the
// sqlite adapter in tests.
type Store interface {
	// Webhook replay protection. Both return true when the record was
	// newly inserted, false when the key had been seen before. Records
	// are append-only: never updated, never deleted.
	RecordDelivery(ctx context.Context, deliveryID string) (bool, error)
	RecordIdempotencyKey(ctx context.Context, key string) (bool, error)

	// Repositories.
	CreateRepo(ctx context.Context, repo *types.Repository) error
	GetRepo(ctx context.Context, id string) (*types.Repository, error)
	GetRepoByFullName(ctx context.Context, fullName string) (*types.Repository, error)
	SetRepoSyncStatus(ctx context.Context, repoID string, status types.SyncStatus, syncError string) error
	SetRepoSynced(ctx context.Context, repoID, headSHA, indexSHA string, at time.Time) error
	TouchRepoSyncedAt(ctx context.Context, repoID string, at time.Time) error

	// Per-repository sync lock. TryAcquireRepoSyncLock is an atomic
	// compare-and-set; it returns false without error when another
	// holder has the lock. Implementations expire stale holds so a
	// crashed instance cannot wedge a repository.
	TryAcquireRepoSyncLock(ctx context.Context, repoID string) (bool, error)
	ReleaseRepoSyncLock(ctx context.Context, repoID string) error

	// Tickets. DeleteTicketsNotIn removes every cached ticket for the
	// repository whose ID is absent from keep (full wipe when keep is
	// empty) and returns the number deleted.
	UpsertTickets(ctx context.Context, repoID string, tickets []*types.Ticket) error
	DeleteTicketsNotIn(ctx context.Context, repoID string, keep []string) (int, error)
	ListTickets(ctx context.Context, repoID string) ([]*types.Ticket, error)
	FindTicketsByShortID(ctx context.Context, repoID string, shortIDs []string) ([]*types.Ticket, error)

	// Raw index documents, kept as an audit trail of applied syncs.
	SaveIndexBlob(ctx context.Context, repoID, sha string, content []byte) error

	// Ticket↔PR links. ReplacePRLinks atomically deletes all existing
	// links for (repoID, prNumber) and inserts the given set, which may
	// be empty. UpdatePRChecksState returns the number of links updated.
	ReplacePRLinks(ctx context.Context, repoID string, prNumber int, links []*types.TicketPRLink) error
	UpdatePRChecksState(ctx context.Context, repoID string, prNumber int, state types.ChecksState) (int, error)
	ListPRLinksForTicket(ctx context.Context, repoID, ticketID string) ([]*types.TicketPRLink, error)

	// Pending changes.
	GetPendingChange(ctx context.Context, repoID, ticketID string, prNumber int) (*types.PendingChange, error)
	SetPendingChangeStatus(ctx context.Context, repoID, ticketID string, prNumber int, status types.PendingChangeStatus) error

	// Refresh jobs. InsertJob enforces at most one queued or running
	// job per repository, returning ErrActiveJobExists on conflict.
	// ClaimQueuedJobs atomically flips up to limit jobs
	// that are queued and due (NextAttemptAt <= now) to running,
	// incrementing Attempts, and returns only the jobs this call
	// actually flipped — two concurrent claimers never both receive the
	// same job.
	InsertJob(ctx context.Context, job *types.RefreshJob) error
	GetJob(ctx context.Context, id string) (*types.RefreshJob, error)
	UpdateJob(ctx context.Context, job *types.RefreshJob) error
	GetActiveJob(ctx context.Context, repoID string) (*types.RefreshJob, error)
	ClaimQueuedJobs(ctx context.Context, limit int, now time.Time) ([]*types.RefreshJob, error)

	// Quota window aggregates: count of jobs created at or after since,
	// and the creation time of the oldest such job (zero when count is
	// 0).
	CountJobsByRequesterSince(ctx context.Context, requester string, since time.Time) (int, time.Time, error)
	CountJobsByRepoSince(ctx context.Context, repoID string, since time.Time) (int, time.Time, error)

	Close() error
}
