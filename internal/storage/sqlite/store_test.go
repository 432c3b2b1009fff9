package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tickmirror/tickmirror/internal/storage"
	"github.com/tickmirror/tickmirror/internal/types"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateRepo(t *testing.T, store *SQLiteStore, id, fullName string) *types.Repository {
	t.Helper()
	repo := &types.Repository{
		ID:        id,
		FullName:  fullName,
		Prefix:    "TK",
		InstallID: 42,
	}
	if err := store.CreateRepo(context.Background(), repo); err != nil {
		t.Fatalf("creating repo: %v", err)
	}
	return repo
}

func TestRecordDelivery(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	fresh, err := store.RecordDelivery(ctx, "d1")
	if err != nil || !fresh {
		t.Fatalf("first record: fresh=%v err=%v", fresh, err)
	}
	fresh, err = store.RecordDelivery(ctx, "d1")
	if err != nil || fresh {
		t.Errorf("replay: fresh=%v err=%v", fresh, err)
	}
	if fresh, _ := store.RecordDelivery(ctx, "d2"); !fresh {
		t.Error("distinct delivery id reported as seen")
	}
}

func TestRecordIdempotencyKey(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if fresh, _ := store.RecordIdempotencyKey(ctx, "acme/widgets:refs/heads/main:abc"); !fresh {
		t.Error("first key not fresh")
	}
	if fresh, _ := store.RecordIdempotencyKey(ctx, "acme/widgets:refs/heads/main:abc"); fresh {
		t.Error("repeated key reported fresh")
	}
}

func TestRepoRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	got, err := store.GetRepoByFullName(ctx, "acme/widgets")
	if err != nil {
		t.Fatalf("GetRepoByFullName: %v", err)
	}
	if got.ID != "repo-1" || got.Prefix != "TK" || got.InstallID != 42 {
		t.Errorf("repo = %+v", got)
	}
	if got.SyncStatus != types.SyncIdle {
		t.Errorf("fresh repo status = %q, want idle", got.SyncStatus)
	}

	if _, err := store.GetRepo(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing repo err = %v", err)
	}

	// Re-registering the same full name updates in place.
	if err := store.CreateRepo(ctx, &types.Repository{
		ID: "repo-other", FullName: "acme/widgets", Prefix: "WID", InstallID: 7,
	}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	got, _ = store.GetRepoByFullName(ctx, "acme/widgets")
	if got.ID != "repo-1" || got.Prefix != "WID" || got.InstallID != 7 {
		t.Errorf("repo after re-register = %+v", got)
	}
}

func TestRepoSyncBookkeeping(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	if err := store.SetRepoSyncStatus(ctx, "repo-1", types.SyncError, "index_missing: gone"); err != nil {
		t.Fatalf("SetRepoSyncStatus: %v", err)
	}
	got, _ := store.GetRepo(ctx, "repo-1")
	if got.SyncStatus != types.SyncError || got.SyncError != "index_missing: gone" {
		t.Errorf("after error: %+v", got)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := store.SetRepoSynced(ctx, "repo-1", "head1", "sha1", at); err != nil {
		t.Fatalf("SetRepoSynced: %v", err)
	}
	got, _ = store.GetRepo(ctx, "repo-1")
	if got.SyncStatus != types.SyncIdle || got.SyncError != "" {
		t.Errorf("synced repo: status=%q err=%q", got.SyncStatus, got.SyncError)
	}
	if got.HeadSHA != "head1" || got.LastIndexSHA != "sha1" {
		t.Errorf("synced repo SHAs: %+v", got)
	}
	if got.LastSyncedAt == nil || !got.LastSyncedAt.Equal(at) {
		t.Errorf("LastSyncedAt = %v, want %v", got.LastSyncedAt, at)
	}

	later := at.Add(time.Hour)
	if err := store.TouchRepoSyncedAt(ctx, "repo-1", later); err != nil {
		t.Fatalf("TouchRepoSyncedAt: %v", err)
	}
	got, _ = store.GetRepo(ctx, "repo-1")
	if !got.LastSyncedAt.Equal(later) {
		t.Errorf("LastSyncedAt after touch = %v", got.LastSyncedAt)
	}

	if err := store.SetRepoSyncStatus(ctx, "nope", types.SyncIdle, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing repo update err = %v", err)
	}
}

func TestRepoSyncLock(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	acquired, err := store.TryAcquireRepoSyncLock(ctx, "repo-1")
	if err != nil || !acquired {
		t.Fatalf("first acquire: acquired=%v err=%v", acquired, err)
	}
	if acquired, _ := store.TryAcquireRepoSyncLock(ctx, "repo-1"); acquired {
		t.Error("second acquire succeeded while lock held")
	}
	if err := store.ReleaseRepoSyncLock(ctx, "repo-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if acquired, _ := store.TryAcquireRepoSyncLock(ctx, "repo-1"); !acquired {
		t.Error("acquire failed after release")
	}

	// Locks are per repository.
	mustCreateRepo(t, store, "repo-2", "acme/gadgets")
	if acquired, _ := store.TryAcquireRepoSyncLock(ctx, "repo-2"); !acquired {
		t.Error("unrelated repo lock blocked")
	}
}

func TestLockLeaseExpiry(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	// Simulate a crashed holder by backdating the lock past its lease.
	stale := time.Now().Add(-lockLease - time.Second).UnixMilli()
	if _, err := store.db.ExecContext(ctx,
		"UPDATE repos SET lock_acquired_at = ? WHERE id = ?", stale, "repo-1"); err != nil {
		t.Fatalf("backdating lock: %v", err)
	}

	acquired, err := store.TryAcquireRepoSyncLock(ctx, "repo-1")
	if err != nil || !acquired {
		t.Errorf("stale lock not stolen: acquired=%v err=%v", acquired, err)
	}
}

func TestTicketLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	mk := func(id, title string) *types.Ticket {
		return &types.Ticket{
			RepoID:    "repo-1",
			ID:        id,
			ShortID:   types.ShortID(id),
			DisplayID: types.DisplayID("TK", id),
			Title:     title,
			State:     "open",
			Priority:  "medium",
			Labels:    []string{"bug", "p1"},
			IndexSHA:  "sha1",
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
			CachedAt:  time.Now().UTC().Truncate(time.Millisecond),
		}
	}
	a := mk("01KHVX92AAAAAAAAAAAAAAAAAA", "A")
	b := mk("01KHVX93BBBBBBBBBBBBBBBBBB", "B")
	if err := store.UpsertTickets(ctx, "repo-1", []*types.Ticket{a, b}); err != nil {
		t.Fatalf("UpsertTickets: %v", err)
	}

	tickets, err := store.ListTickets(ctx, "repo-1")
	if err != nil || len(tickets) != 2 {
		t.Fatalf("ListTickets: %d tickets, err=%v", len(tickets), err)
	}
	if got := tickets[0]; got.Title != "A" || len(got.Labels) != 2 || got.Labels[0] != "bug" {
		t.Errorf("tickets[0] = %+v", got)
	}

	// Upsert updates in place on the same id.
	a.Title = "A renamed"
	a.State = "closed"
	if err := store.UpsertTickets(ctx, "repo-1", []*types.Ticket{a}); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	tickets, _ = store.ListTickets(ctx, "repo-1")
	if len(tickets) != 2 || tickets[0].Title != "A renamed" || tickets[0].State != "closed" {
		t.Errorf("after re-upsert: %+v", tickets[0])
	}

	found, err := store.FindTicketsByShortID(ctx, "repo-1", []string{"01KHVX93", "01NOPE00"})
	if err != nil || len(found) != 1 || found[0].ID != b.ID {
		t.Errorf("FindTicketsByShortID: %v (err=%v)", found, err)
	}

	deleted, err := store.DeleteTicketsNotIn(ctx, "repo-1", []string{b.ID})
	if err != nil || deleted != 1 {
		t.Fatalf("DeleteTicketsNotIn: deleted=%d err=%v", deleted, err)
	}
	tickets, _ = store.ListTickets(ctx, "repo-1")
	if len(tickets) != 1 || tickets[0].ID != b.ID {
		t.Errorf("after delete: %+v", tickets)
	}

	// Keeping nothing wipes the cache.
	deleted, err = store.DeleteTicketsNotIn(ctx, "repo-1", nil)
	if err != nil || deleted != 1 {
		t.Errorf("wipe: deleted=%d err=%v", deleted, err)
	}
}

func TestPRLinks(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	link := func(ticketID string, pr int) *types.TicketPRLink {
		return &types.TicketPRLink{
			RepoID:      "repo-1",
			TicketID:    ticketID,
			PRNumber:    pr,
			Title:       "Fix",
			State:       "open",
			ChecksState: types.ChecksUnknown,
			UpdatedAt:   time.Now().UTC(),
		}
	}

	if err := store.ReplacePRLinks(ctx, "repo-1", 7, []*types.TicketPRLink{
		link("ticket-a", 7), link("ticket-b", 7),
	}); err != nil {
		t.Fatalf("ReplacePRLinks: %v", err)
	}

	n, err := store.UpdatePRChecksState(ctx, "repo-1", 7, types.ChecksPass)
	if err != nil || n != 2 {
		t.Errorf("UpdatePRChecksState: n=%d err=%v", n, err)
	}

	links, err := store.ListPRLinksForTicket(ctx, "repo-1", "ticket-a")
	if err != nil || len(links) != 1 {
		t.Fatalf("ListPRLinksForTicket: %v (err=%v)", links, err)
	}
	if links[0].ChecksState != types.ChecksPass {
		t.Errorf("checks state = %q", links[0].ChecksState)
	}

	// Replacement drops links the new set no longer contains.
	if err := store.ReplacePRLinks(ctx, "repo-1", 7, []*types.TicketPRLink{link("ticket-b", 7)}); err != nil {
		t.Fatalf("second ReplacePRLinks: %v", err)
	}
	links, _ = store.ListPRLinksForTicket(ctx, "repo-1", "ticket-a")
	if len(links) != 0 {
		t.Errorf("stale link survived replacement: %+v", links)
	}

	// Replacing with an empty set clears the PR entirely.
	if err := store.ReplacePRLinks(ctx, "repo-1", 7, nil); err != nil {
		t.Fatalf("clearing ReplacePRLinks: %v", err)
	}
	if n, _ := store.UpdatePRChecksState(ctx, "repo-1", 7, types.ChecksFail); n != 0 {
		t.Errorf("update touched %d rows after clear", n)
	}
}

func TestJobLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	now := time.Now().UTC().Truncate(time.Millisecond)
	job := &types.RefreshJob{
		ID:            "job-1",
		RepoID:        "repo-1",
		Requester:     "alice",
		Force:         true,
		Status:        types.JobQueued,
		MaxAttempts:   3,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := store.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	got, err := store.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !got.Force || got.Status != types.JobQueued || !got.NextAttemptAt.Equal(now) {
		t.Errorf("job = %+v", got)
	}

	active, err := store.GetActiveJob(ctx, "repo-1")
	if err != nil || active.ID != "job-1" {
		t.Errorf("GetActiveJob: %v (err=%v)", active, err)
	}

	finished := now.Add(time.Minute)
	got.Status = types.JobSucceeded
	got.FinishedAt = &finished
	if err := store.UpdateJob(ctx, got); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if _, err := store.GetActiveJob(ctx, "repo-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("succeeded job still active: %v", err)
	}
}

func TestInsertJobOneActivePerRepo(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	now := time.Now().UTC().Truncate(time.Millisecond)
	mkJob := func(id string, status types.JobStatus) *types.RefreshJob {
		return &types.RefreshJob{
			ID: id, RepoID: "repo-1", Requester: "alice",
			Status: status, MaxAttempts: 3,
			NextAttemptAt: now, CreatedAt: now, UpdatedAt: now,
		}
	}

	if err := store.InsertJob(ctx, mkJob("job-1", types.JobQueued)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := store.InsertJob(ctx, mkJob("job-2", types.JobQueued)); !errors.Is(err, storage.ErrActiveJobExists) {
		t.Errorf("second active insert err = %v, want ErrActiveJobExists", err)
	}

	// Finished jobs do not block a new enqueue.
	done, _ := store.GetJob(ctx, "job-1")
	finished := now.Add(time.Minute)
	done.Status = types.JobSucceeded
	done.FinishedAt = &finished
	if err := store.UpdateJob(ctx, done); err != nil {
		t.Fatalf("finishing job-1: %v", err)
	}
	if err := store.InsertJob(ctx, mkJob("job-3", types.JobQueued)); err != nil {
		t.Errorf("insert after completion: %v", err)
	}
}

func TestClaimQueuedJobs(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	now := time.Now().UTC().Truncate(time.Millisecond)
	insert := func(id string, due time.Time) {
		t.Helper()
		if err := store.InsertJob(ctx, &types.RefreshJob{
			ID: id, RepoID: "repo-" + id, Requester: "alice",
			Status: types.JobQueued, MaxAttempts: 3,
			NextAttemptAt: due, CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("inserting %s: %v", id, err)
		}
	}
	insert("due-1", now.Add(-time.Minute))
	insert("due-2", now.Add(-time.Second))
	insert("future", now.Add(time.Hour))

	claimed, err := store.ClaimQueuedJobs(ctx, 10, now)
	if err != nil {
		t.Fatalf("ClaimQueuedJobs: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d jobs, want 2", len(claimed))
	}
	for _, j := range claimed {
		if j.Status != types.JobRunning || j.Attempts != 1 {
			t.Errorf("claimed job %s: status=%q attempts=%d", j.ID, j.Status, j.Attempts)
		}
	}

	// A second claim finds nothing: the first flipped them to running.
	again, err := store.ClaimQueuedJobs(ctx, 10, now)
	if err != nil || len(again) != 0 {
		t.Errorf("second claim: %d jobs, err=%v", len(again), err)
	}

	// The future job becomes claimable once its time arrives.
	later, err := store.ClaimQueuedJobs(ctx, 10, now.Add(2*time.Hour))
	if err != nil || len(later) != 1 || later[0].ID != "future" {
		t.Errorf("future claim: %v (err=%v)", later, err)
	}
}

func TestClaimRespectsLimit(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		if err := store.InsertJob(ctx, &types.RefreshJob{
			ID: id, RepoID: "repo-" + id, Requester: "alice",
			Status: types.JobQueued, MaxAttempts: 3,
			NextAttemptAt: now.Add(-time.Minute), CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("inserting job %d: %v", i, err)
		}
	}

	claimed, err := store.ClaimQueuedJobs(ctx, 2, now)
	if err != nil || len(claimed) != 2 {
		t.Errorf("claimed %d jobs, want 2 (err=%v)", len(claimed), err)
	}
}

func TestCountJobs(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	base := time.Now().UTC().Truncate(time.Millisecond)
	insert := func(id, requester string, created time.Time) {
		t.Helper()
		if err := store.InsertJob(ctx, &types.RefreshJob{
			ID: id, RepoID: "repo-1", Requester: requester,
			Status: types.JobSucceeded, MaxAttempts: 3,
			NextAttemptAt: created, CreatedAt: created, UpdatedAt: created,
		}); err != nil {
			t.Fatalf("inserting %s: %v", id, err)
		}
	}
	insert("j1", "alice", base.Add(-10*time.Minute))
	insert("j2", "alice", base.Add(-5*time.Minute))
	insert("j3", "bob", base.Add(-20*time.Minute))

	since := base.Add(-15 * time.Minute)
	count, oldest, err := store.CountJobsByRequesterSince(ctx, "alice", since)
	if err != nil || count != 2 {
		t.Fatalf("requester count = %d, err=%v", count, err)
	}
	if !oldest.Equal(base.Add(-10 * time.Minute)) {
		t.Errorf("oldest = %v, want %v", oldest, base.Add(-10*time.Minute))
	}

	count, _, err = store.CountJobsByRepoSince(ctx, "repo-1", since)
	if err != nil || count != 2 {
		t.Errorf("repo count = %d, err=%v", count, err)
	}

	count, oldest, err = store.CountJobsByRequesterSince(ctx, "carol", since)
	if err != nil || count != 0 || !oldest.IsZero() {
		t.Errorf("empty count = %d, oldest = %v, err=%v", count, oldest, err)
	}
}

func TestPendingChanges(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	mustCreateRepo(t, store, "repo-1", "acme/widgets")

	if _, err := store.GetPendingChange(ctx, "repo-1", "ticket-a", 7); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing pending change err = %v", err)
	}

	now := time.Now().UTC()
	if _, err := store.db.ExecContext(ctx, `
		INSERT INTO pending_changes (repo_id, ticket_id, pr_number, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		"repo-1", "ticket-a", 7, string(types.PendingCreatingPR), millis(now), millis(now)); err != nil {
		t.Fatalf("seeding pending change: %v", err)
	}

	if err := store.SetPendingChangeStatus(ctx, "repo-1", "ticket-a", 7, types.PendingMergeable); err != nil {
		t.Fatalf("SetPendingChangeStatus: %v", err)
	}
	pc, err := store.GetPendingChange(ctx, "repo-1", "ticket-a", 7)
	if err != nil || pc.Status != types.PendingMergeable {
		t.Errorf("pending change = %+v (err=%v)", pc, err)
	}

	if err := store.SetPendingChangeStatus(ctx, "repo-1", "ticket-a", 99, types.PendingMerged); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("update of missing row err = %v", err)
	}
}
