package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tickmirror/tickmirror/internal/forge"
	"github.com/tickmirror/tickmirror/internal/storage"
	"github.com/tickmirror/tickmirror/internal/storage/memory"
	"github.com/tickmirror/tickmirror/internal/types"
)

// fakeClient serves a canned repo and index document.
type fakeClient struct {
	repo     *forge.RepoInfo
	file     *forge.IndexFile
	repoErr  error
	fileErr  error
	fetches  int
	panicOn  bool
}

func (f *fakeClient) GetRepo(ctx context.Context, token, fullName string) (*forge.RepoInfo, error) {
	if f.repoErr != nil {
		return nil, f.repoErr
	}
	return f.repo, nil
}

func (f *fakeClient) GetFile(ctx context.Context, token, fullName, path, ref string) (*forge.IndexFile, error) {
	f.fetches++
	if f.panicOn {
		panic("content client exploded")
	}
	if f.fileErr != nil {
		return nil, f.fileErr
	}
	return f.file, nil
}

// countingStore records ticket write calls on top of the memory store.
type countingStore struct {
	storage.Store
	upserts int
	deletes int
}

func (c *countingStore) UpsertTickets(ctx context.Context, repoID string, tickets []*types.Ticket) error {
	c.upserts++
	return c.Store.UpsertTickets(ctx, repoID, tickets)
}

func (c *countingStore) DeleteTicketsNotIn(ctx context.Context, repoID string, keep []string) (int, error) {
	c.deletes++
	return c.Store.DeleteTicketsNotIn(ctx, repoID, keep)
}

func indexDoc(ids ...string) []byte {
	doc := `{"format_version":1,"tickets":[`
	for i, id := range ids {
		if i > 0 {
			doc += ","
		}
		doc += fmt.Sprintf(`{"id":%q,"title":"Ticket %s","state":"OPEN","priority":"High"}`, id, id)
	}
	return []byte(doc + `]}`)
}

func setupEngine(t *testing.T, client forge.ContentClient) (*Engine, *memory.MemoryStore, *types.Repository) {
	t.Helper()
	store := memory.New()
	repo := &types.Repository{
		ID:       "repo-1",
		FullName: "acme/widgets",
		Prefix:   "TK",
	}
	if err := store.CreateRepo(context.Background(), repo); err != nil {
		t.Fatalf("creating repo: %v", err)
	}
	return New(store, client, ""), store, repo
}

const (
	ulidA = "01KHVX92AAAAAAAAAAAAAAAAAA"
	ulidB = "01KHVX93BBBBBBBBBBBBBBBBBB"
	ulidC = "01KHVX94CCCCCCCCCCCCCCCCCC"
)

func TestSyncRepoFirstSync(t *testing.T) {
	client := &fakeClient{
		repo: &forge.RepoInfo{FullName: "acme/widgets", DefaultBranch: "main", HeadSHA: "head1"},
		file: &forge.IndexFile{Content: indexDoc(ulidA, ulidB), SHA: "sha1"},
	}
	engine, store, repo := setupEngine(t, client)

	res := engine.SyncRepo(context.Background(), "acme/widgets", "tok", false)
	if !res.Success || !res.Changed {
		t.Fatalf("expected successful changed sync, got %+v", res)
	}
	if res.TicketCount != 2 || res.IndexSHA != "sha1" {
		t.Errorf("unexpected result: %+v", res)
	}

	tickets, _ := store.ListTickets(context.Background(), repo.ID)
	if len(tickets) != 2 {
		t.Fatalf("cached %d tickets, want 2", len(tickets))
	}
	first := tickets[0]
	if first.ShortID != "01KHVX92" || first.DisplayID != "TK-01KHVX92" {
		t.Errorf("identifier derivation: short=%q display=%q", first.ShortID, first.DisplayID)
	}
	if first.State != "open" || first.Priority != "high" {
		t.Errorf("normalization: state=%q priority=%q", first.State, first.Priority)
	}

	updated, _ := store.GetRepo(context.Background(), repo.ID)
	if updated.SyncStatus != types.SyncIdle || updated.LastIndexSHA != "sha1" || updated.HeadSHA != "head1" {
		t.Errorf("repo row after sync: %+v", updated)
	}
	if updated.LastSyncedAt == nil {
		t.Error("LastSyncedAt not set")
	}
}

func TestSyncRepoUnchangedSHAIsNoOp(t *testing.T) {
	client := &fakeClient{
		repo: &forge.RepoInfo{FullName: "acme/widgets", DefaultBranch: "main", HeadSHA: "head1"},
		file: &forge.IndexFile{Content: indexDoc(ulidA), SHA: "sha1"},
	}
	engine, store, repo := setupEngine(t, client)
	if res := engine.SyncRepo(context.Background(), "acme/widgets", "tok", false); !res.Success {
		t.Fatalf("first sync failed: %+v", res)
	}

	counting := &countingStore{Store: store}
	engine2 := New(counting, client, "")

	before, _ := store.GetRepo(context.Background(), repo.ID)
	time.Sleep(2 * time.Millisecond)

	res := engine2.SyncRepo(context.Background(), "acme/widgets", "tok", false)
	if !res.Success || res.Changed {
		t.Fatalf("expected unchanged no-op, got %+v", res)
	}
	if counting.upserts != 0 || counting.deletes != 0 {
		t.Errorf("no-op sync performed writes: %d upserts, %d deletes", counting.upserts, counting.deletes)
	}

	after, _ := store.GetRepo(context.Background(), repo.ID)
	if !after.LastSyncedAt.After(*before.LastSyncedAt) {
		t.Error("no-op sync did not bump LastSyncedAt")
	}
}

func TestSyncRepoForceBypassesSHACheck(t *testing.T) {
	client := &fakeClient{
		repo: &forge.RepoInfo{FullName: "acme/widgets", DefaultBranch: "main", HeadSHA: "head1"},
		file: &forge.IndexFile{Content: indexDoc(ulidA), SHA: "sha1"},
	}
	engine, _, _ := setupEngine(t, client)
	engine.SyncRepo(context.Background(), "acme/widgets", "tok", false)

	res := engine.SyncRepo(context.Background(), "acme/widgets", "tok", true)
	if !res.Success || !res.Changed {
		t.Fatalf("forced sync should re-apply, got %+v", res)
	}
}

func TestSyncRepoRemovesAbsentTickets(t *testing.T) {
	client := &fakeClient{
		repo: &forge.RepoInfo{FullName: "acme/widgets", DefaultBranch: "main", HeadSHA: "head1"},
		file: &forge.IndexFile{Content: indexDoc(ulidA, ulidB), SHA: "sha1"},
	}
	engine, store, repo := setupEngine(t, client)
	engine.SyncRepo(context.Background(), "acme/widgets", "tok", false)

	// Index transitions {A,B} → {B,C}.
	client.file = &forge.IndexFile{Content: indexDoc(ulidB, ulidC), SHA: "sha2"}
	res := engine.SyncRepo(context.Background(), "acme/widgets", "tok", false)
	if !res.Success || !res.Changed {
		t.Fatalf("second sync: %+v", res)
	}

	tickets, _ := store.ListTickets(context.Background(), repo.ID)
	if len(tickets) != 2 {
		t.Fatalf("cached %d tickets, want 2", len(tickets))
	}
	if tickets[0].ID != ulidB || tickets[1].ID != ulidC {
		t.Errorf("cache holds %s, %s; want exactly {B, C}", tickets[0].ID, tickets[1].ID)
	}
}

func TestSyncRepoEmptyIndexWipesCache(t *testing.T) {
	client := &fakeClient{
		repo: &forge.RepoInfo{FullName: "acme/widgets", DefaultBranch: "main", HeadSHA: "head1"},
		file: &forge.IndexFile{Content: indexDoc(ulidA), SHA: "sha1"},
	}
	engine, store, repo := setupEngine(t, client)
	engine.SyncRepo(context.Background(), "acme/widgets", "tok", false)

	client.file = &forge.IndexFile{Content: []byte(`{"format_version":1,"tickets":[]}`), SHA: "sha2"}
	res := engine.SyncRepo(context.Background(), "acme/widgets", "tok", false)
	if !res.Success {
		t.Fatalf("empty-index sync: %+v", res)
	}
	tickets, _ := store.ListTickets(context.Background(), repo.ID)
	if len(tickets) != 0 {
		t.Errorf("cache holds %d tickets after empty index, want 0", len(tickets))
	}
}

func TestSyncRepoErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*fakeClient)
		wantCode string
	}{
		{"repo fetch failed", func(c *fakeClient) { c.repoErr = errors.New("boom") }, CodeRepoFetchFailed},
		{"index missing", func(c *fakeClient) { c.fileErr = fmt.Errorf("wrap: %w", forge.ErrNotFound) }, CodeIndexMissing},
		{"wrong format version", func(c *fakeClient) {
			c.file = &forge.IndexFile{Content: []byte(`{"format_version":2,"tickets":[]}`), SHA: "s"}
		}, CodeIndexInvalidFormat},
		{"tickets not an array", func(c *fakeClient) {
			c.file = &forge.IndexFile{Content: []byte(`{"format_version":1,"tickets":{}}`), SHA: "s"}
		}, CodeIndexInvalidFormat},
		{"tickets null", func(c *fakeClient) {
			c.file = &forge.IndexFile{Content: []byte(`{"format_version":1,"tickets":null}`), SHA: "s"}
		}, CodeIndexInvalidFormat},
		{"tickets absent", func(c *fakeClient) {
			c.file = &forge.IndexFile{Content: []byte(`{"format_version":1}`), SHA: "s"}
		}, CodeIndexInvalidFormat},
		{"not json", func(c *fakeClient) {
			c.file = &forge.IndexFile{Content: []byte(`not json`), SHA: "s"}
		}, CodeIndexInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeClient{
				repo: &forge.RepoInfo{FullName: "acme/widgets", DefaultBranch: "main"},
				file: &forge.IndexFile{Content: indexDoc(ulidA), SHA: "sha1"},
			}
			tt.mutate(client)
			engine, store, repo := setupEngine(t, client)

			res := engine.SyncRepo(context.Background(), "acme/widgets", "tok", false)
			if res.Success {
				t.Fatalf("expected failure, got %+v", res)
			}
			if res.ErrorCode != tt.wantCode {
				t.Errorf("error code = %q, want %q", res.ErrorCode, tt.wantCode)
			}

			updated, _ := store.GetRepo(context.Background(), repo.ID)
			if updated.SyncStatus != types.SyncError {
				t.Errorf("repo status = %q, want error", updated.SyncStatus)
			}
		})
	}
}

func TestSyncRepoNullTicketsDoesNotWipeCache(t *testing.T) {
	client := &fakeClient{
		repo: &forge.RepoInfo{FullName: "acme/widgets", DefaultBranch: "main", HeadSHA: "head1"},
		file: &forge.IndexFile{Content: indexDoc(ulidA), SHA: "sha1"},
	}
	engine, store, repo := setupEngine(t, client)
	if res := engine.SyncRepo(context.Background(), "acme/widgets", "tok", false); !res.Success {
		t.Fatalf("seeding sync: %+v", res)
	}

	client.file = &forge.IndexFile{Content: []byte(`{"format_version":1,"tickets":null}`), SHA: "sha2"}
	res := engine.SyncRepo(context.Background(), "acme/widgets", "tok", false)
	if res.Success || res.ErrorCode != CodeIndexInvalidFormat {
		t.Fatalf("null tickets accepted: %+v", res)
	}

	tickets, _ := store.ListTickets(context.Background(), repo.ID)
	if len(tickets) != 1 {
		t.Errorf("cache holds %d tickets after rejected sync, want 1", len(tickets))
	}
}

func TestSyncRepoUppercasesTicketIDs(t *testing.T) {
	lower := "01khvx92aaaaaaaaaaaaaaaaaa"
	client := &fakeClient{
		repo: &forge.RepoInfo{FullName: "acme/widgets", DefaultBranch: "main", HeadSHA: "head1"},
		file: &forge.IndexFile{Content: indexDoc(lower), SHA: "sha1"},
	}
	engine, store, repo := setupEngine(t, client)
	if res := engine.SyncRepo(context.Background(), "acme/widgets", "tok", false); !res.Success {
		t.Fatalf("first sync: %+v", res)
	}

	tickets, _ := store.ListTickets(context.Background(), repo.ID)
	if len(tickets) != 1 || tickets[0].ID != ulidA {
		t.Fatalf("cached id = %q, want %q", tickets[0].ID, ulidA)
	}

	// The same ticket re-cased in the index must update in place, not
	// churn delete+insert.
	client.file = &forge.IndexFile{Content: indexDoc(ulidA), SHA: "sha2"}
	res := engine.SyncRepo(context.Background(), "acme/widgets", "tok", false)
	if !res.Success || res.TicketCount != 1 {
		t.Fatalf("re-cased sync: %+v", res)
	}
	tickets, _ = store.ListTickets(context.Background(), repo.ID)
	if len(tickets) != 1 || tickets[0].ID != ulidA {
		t.Errorf("tickets after re-cased sync: %+v", tickets)
	}
}

func TestSyncRepoUntrackedRepo(t *testing.T) {
	engine := New(memory.New(), &fakeClient{}, "")
	res := engine.SyncRepo(context.Background(), "nobody/nothing", "tok", false)
	if res.Success || res.ErrorCode != CodeRepoNotFound {
		t.Errorf("expected repo_not_found, got %+v", res)
	}
}

func TestSyncRepoNeverPanics(t *testing.T) {
	client := &fakeClient{
		repo:    &forge.RepoInfo{FullName: "acme/widgets", DefaultBranch: "main"},
		panicOn: true,
	}
	engine, store, repo := setupEngine(t, client)

	res := engine.SyncRepo(context.Background(), "acme/widgets", "tok", false)
	if res.Success || res.ErrorCode != CodeSyncException {
		t.Errorf("panic should surface as sync_exception, got %+v", res)
	}
	updated, _ := store.GetRepo(context.Background(), repo.ID)
	if updated.SyncStatus != types.SyncError {
		t.Errorf("repo status = %q, want error", updated.SyncStatus)
	}
}
