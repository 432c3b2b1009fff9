// Package memory provides an in-memory Store used by tests. It mirrors
// the sqlite adapter's semantics, including lock lease expiry and the
// claim-only-what-you-flipped contract, so domain packages can be
// tested without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tickmirror/tickmirror/internal/storage"
	"github.com/tickmirror/tickmirror/internal/types"
)

// lockLease is how long a sync lock may be held before another acquirer
// may steal it. Matches the sqlite adapter.
const lockLease = 2 * time.Minute

type prLinkKey struct {
	ticketID string
	prNumber int
}

type pendingKey struct {
	ticketID string
	prNumber int
}

// MemoryStore implements storage.Store with mutex-guarded maps.
type MemoryStore struct {
	mu sync.Mutex

	deliveries      map[string]time.Time
	idempotencyKeys map[string]time.Time

	repos     map[string]*types.Repository // by ID
	repoNames map[string]string            // full name → ID
	locks     map[string]time.Time         // repo ID → acquired at

	tickets map[string]map[string]*types.Ticket // repo ID → ticket ID → row
	blobs   map[string][]byte                   // repoID+"@"+sha → content

	prLinks map[string]map[prLinkKey]*types.TicketPRLink
	pending map[string]map[pendingKey]*types.PendingChange

	jobs map[string]*types.RefreshJob
}

// New creates an empty in-memory store.
func New() *MemoryStore {
	return &MemoryStore{
		deliveries:      make(map[string]time.Time),
		idempotencyKeys: make(map[string]time.Time),
		repos:           make(map[string]*types.Repository),
		repoNames:       make(map[string]string),
		locks:           make(map[string]time.Time),
		tickets:         make(map[string]map[string]*types.Ticket),
		blobs:           make(map[string][]byte),
		prLinks:         make(map[string]map[prLinkKey]*types.TicketPRLink),
		pending:         make(map[string]map[pendingKey]*types.PendingChange),
		jobs:            make(map[string]*types.RefreshJob),
	}
}

var _ storage.Store = (*MemoryStore)(nil)

func (m *MemoryStore) RecordDelivery(ctx context.Context, deliveryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.deliveries[deliveryID]; seen {
		return false, nil
	}
	m.deliveries[deliveryID] = time.Now()
	return true, nil
}

func (m *MemoryStore) RecordIdempotencyKey(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.idempotencyKeys[key]; seen {
		return false, nil
	}
	m.idempotencyKeys[key] = time.Now()
	return true, nil
}

func (m *MemoryStore) CreateRepo(ctx context.Context, repo *types.Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *repo
	m.repos[repo.ID] = &cp
	m.repoNames[repo.FullName] = repo.ID
	return nil
}

func (m *MemoryStore) GetRepo(ctx context.Context, id string) (*types.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *repo
	return &cp, nil
}

func (m *MemoryStore) GetRepoByFullName(ctx context.Context, fullName string) (*types.Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.repoNames[fullName]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m.repos[id]
	return &cp, nil
}

func (m *MemoryStore) SetRepoSyncStatus(ctx context.Context, repoID string, status types.SyncStatus, syncError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[repoID]
	if !ok {
		return storage.ErrNotFound
	}
	repo.SyncStatus = status
	repo.SyncError = syncError
	repo.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetRepoSynced(ctx context.Context, repoID, headSHA, indexSHA string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[repoID]
	if !ok {
		return storage.ErrNotFound
	}
	repo.SyncStatus = types.SyncIdle
	repo.SyncError = ""
	repo.HeadSHA = headSHA
	repo.LastIndexSHA = indexSHA
	t := at
	repo.LastSyncedAt = &t
	repo.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) TouchRepoSyncedAt(ctx context.Context, repoID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[repoID]
	if !ok {
		return storage.ErrNotFound
	}
	t := at
	repo.LastSyncedAt = &t
	repo.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) TryAcquireRepoSyncLock(ctx context.Context, repoID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if acquired, held := m.locks[repoID]; held && now.Sub(acquired) < lockLease {
		return false, nil
	}
	m.locks[repoID] = now
	return true, nil
}

func (m *MemoryStore) ReleaseRepoSyncLock(ctx context.Context, repoID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, repoID)
	return nil
}

func (m *MemoryStore) UpsertTickets(ctx context.Context, repoID string, tickets []*types.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.tickets[repoID]
	if rows == nil {
		rows = make(map[string]*types.Ticket)
		m.tickets[repoID] = rows
	}
	for _, t := range tickets {
		cp := *t
		rows[t.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) DeleteTicketsNotIn(ctx context.Context, repoID string, keep []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keepSet := make(map[string]bool, len(keep))
	for _, id := range keep {
		keepSet[id] = true
	}
	deleted := 0
	for id := range m.tickets[repoID] {
		if !keepSet[id] {
			delete(m.tickets[repoID], id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) ListTickets(ctx context.Context, repoID string) ([]*types.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Ticket
	for _, t := range m.tickets[repoID] {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) FindTicketsByShortID(ctx context.Context, repoID string, shortIDs []string) ([]*types.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]bool, len(shortIDs))
	for _, s := range shortIDs {
		want[s] = true
	}
	var out []*types.Ticket
	for _, t := range m.tickets[repoID] {
		if want[t.ShortID] {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveIndexBlob(ctx context.Context, repoID, sha string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[repoID+"@"+sha] = append([]byte(nil), content...)
	return nil
}

func (m *MemoryStore) ReplacePRLinks(ctx context.Context, repoID string, prNumber int, links []*types.TicketPRLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.prLinks[repoID]
	if rows == nil {
		rows = make(map[prLinkKey]*types.TicketPRLink)
		m.prLinks[repoID] = rows
	}
	for k := range rows {
		if k.prNumber == prNumber {
			delete(rows, k)
		}
	}
	for _, l := range links {
		cp := *l
		rows[prLinkKey{l.TicketID, prNumber}] = &cp
	}
	return nil
}

func (m *MemoryStore) UpdatePRChecksState(ctx context.Context, repoID string, prNumber int, state types.ChecksState) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := 0
	for k, l := range m.prLinks[repoID] {
		if k.prNumber == prNumber {
			l.ChecksState = state
			l.UpdatedAt = time.Now()
			updated++
		}
	}
	return updated, nil
}

func (m *MemoryStore) ListPRLinksForTicket(ctx context.Context, repoID, ticketID string) ([]*types.TicketPRLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.TicketPRLink
	for k, l := range m.prLinks[repoID] {
		if k.ticketID == ticketID {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PRNumber < out[j].PRNumber })
	return out, nil
}

func (m *MemoryStore) GetPendingChange(ctx context.Context, repoID, ticketID string, prNumber int) (*types.PendingChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pending[repoID][pendingKey{ticketID, prNumber}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *pc
	return &cp, nil
}

func (m *MemoryStore) SetPendingChangeStatus(ctx context.Context, repoID, ticketID string, prNumber int, status types.PendingChangeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.pending[repoID][pendingKey{ticketID, prNumber}]
	if !ok {
		return storage.ErrNotFound
	}
	pc.Status = status
	pc.UpdatedAt = time.Now()
	return nil
}

// PutPendingChange seeds a pending change row. Test helper; the editing
// surface that creates these in production is out of scope.
func (m *MemoryStore) PutPendingChange(pc *types.PendingChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.pending[pc.RepoID]
	if rows == nil {
		rows = make(map[pendingKey]*types.PendingChange)
		m.pending[pc.RepoID] = rows
	}
	cp := *pc
	rows[pendingKey{pc.TicketID, pc.PRNumber}] = &cp
}

func (m *MemoryStore) InsertJob(ctx context.Context, job *types.RefreshJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// One active job per repository, like the sqlite adapter's partial
	// unique index.
	if job.Status.Active() {
		for _, existing := range m.jobs {
			if existing.RepoID == job.RepoID && existing.Status.Active() {
				return storage.ErrActiveJobExists
			}
		}
	}
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*types.RefreshJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, job *types.RefreshJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *job
	cp.UpdatedAt = time.Now()
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetActiveJob(ctx context.Context, repoID string) (*types.RefreshJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.RepoID == repoID && job.Status.Active() {
			cp := *job
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *MemoryStore) ClaimQueuedJobs(ctx context.Context, limit int, now time.Time) ([]*types.RefreshJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*types.RefreshJob
	for _, job := range m.jobs {
		if job.Status == types.JobQueued && !job.NextAttemptAt.After(now) {
			due = append(due, job)
		}
	}
	// Oldest first, like the sqlite adapter's ORDER BY.
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*types.RefreshJob, 0, len(due))
	for _, job := range due {
		job.Status = types.JobRunning
		job.Attempts++
		job.UpdatedAt = now
		cp := *job
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (m *MemoryStore) CountJobsByRequesterSince(ctx context.Context, requester string, since time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countJobs(since, func(j *types.RefreshJob) bool { return j.Requester == requester })
}

func (m *MemoryStore) CountJobsByRepoSince(ctx context.Context, repoID string, since time.Time) (int, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countJobs(since, func(j *types.RefreshJob) bool { return j.RepoID == repoID })
}

func (m *MemoryStore) countJobs(since time.Time, match func(*types.RefreshJob) bool) (int, time.Time, error) {
	count := 0
	var oldest time.Time
	for _, job := range m.jobs {
		if !match(job) || job.CreatedAt.Before(since) {
			continue
		}
		count++
		if oldest.IsZero() || job.CreatedAt.Before(oldest) {
			oldest = job.CreatedAt
		}
	}
	return count, oldest, nil
}

func (m *MemoryStore) Close() error { return nil }
