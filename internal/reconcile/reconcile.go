// Package reconcile implements the SHA-first incremental sync of a
// repository's ticket index into the cache.
//
// The engine does not acquire the repository sync lock itself; callers
// (the webhook push handler and the refresh queue) must hold the lock
// before invoking SyncRepo. Acquiring here as well would deadlock the
// queue path.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tickmirror/tickmirror/internal/debug"
	"github.com/tickmirror/tickmirror/internal/forge"
	"github.com/tickmirror/tickmirror/internal/storage"
	"github.com/tickmirror/tickmirror/internal/types"
)

// Error codes recorded on the repository row and returned to callers.
const (
	CodeRepoNotFound       = "repo_not_found"
	CodeRepoFetchFailed    = "repo_fetch_failed"
	CodeIndexMissing       = "index_missing"
	CodeIndexInvalidFormat = "index_invalid_format"
	CodeSyncFailed         = "sync_failed"
	CodeSyncException      = "sync_exception"
)

// indexFormatVersion is the only index document schema this engine
// understands.
const indexFormatVersion = 1

// DefaultIndexPath is where the index document lives in a tracked
// repository unless configured otherwise.
const DefaultIndexPath = ".tickets/index.json"

// Result is the outcome of a sync. SyncRepo always returns one; it
// never panics, because the refresh queue depends on tagged results
// rather than recovery at its own boundary.
type Result struct {
	Success     bool
	Changed     bool
	TicketCount int
	IndexSHA    string
	ErrorCode   string
	Err         error
}

// Engine performs repository synchronization against the store.
type Engine struct {
	store     storage.Store
	client    forge.ContentClient
	indexPath string
}

// New creates an engine. indexPath may be empty to use DefaultIndexPath.
func New(store storage.Store, client forge.ContentClient, indexPath string) *Engine {
	if indexPath == "" {
		indexPath = DefaultIndexPath
	}
	return &Engine{store: store, client: client, indexPath: indexPath}
}

type indexDocument struct {
	FormatVersion int             `json:"format_version"`
	Tickets       json.RawMessage `json:"tickets"`
}

type indexTicket struct {
	ID        string   `json:"id"`
	ShortID   string   `json:"short_id"`
	DisplayID string   `json:"display_id"`
	Title     string   `json:"title"`
	State     string   `json:"state"`
	Priority  string   `json:"priority"`
	Labels    []string `json:"labels"`
	Assignee  string   `json:"assignee"`
	Reviewer  string   `json:"reviewer"`
	Path      string   `json:"path"`
}

// SyncRepo reconciles the cached tickets for fullName against the
// remote index document. Precondition: the caller holds the repository
// sync lock.
//
// When the remote index blob SHA matches the repository's LastIndexSHA
// and force is false, the sync is a no-op costing one read and zero
// writes: LastSyncedAt is bumped and Changed is false.
func (e *Engine) SyncRepo(ctx context.Context, fullName, token string, force bool) (res Result) {
	repo, err := e.store.GetRepoByFullName(ctx, fullName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{ErrorCode: CodeRepoNotFound, Err: fmt.Errorf("repository %s is not tracked", fullName)}
		}
		return Result{ErrorCode: CodeSyncFailed, Err: err}
	}

	// Anything unexpected past this point must still produce a tagged
	// result, with the failure recorded on the repository row.
	defer func() {
		if r := recover(); r != nil {
			res = e.fail(ctx, repo.ID, CodeSyncException, fmt.Errorf("panic during sync of %s: %v", fullName, r))
		}
	}()

	if err := e.store.SetRepoSyncStatus(ctx, repo.ID, types.SyncSyncing, ""); err != nil {
		return Result{ErrorCode: CodeSyncFailed, Err: err}
	}

	info, err := e.client.GetRepo(ctx, token, fullName)
	if err != nil {
		return e.fail(ctx, repo.ID, CodeRepoFetchFailed, err)
	}

	file, err := e.client.GetFile(ctx, token, fullName, e.indexPath, info.DefaultBranch)
	if err != nil {
		if errors.Is(err, forge.ErrNotFound) {
			return e.fail(ctx, repo.ID, CodeIndexMissing, fmt.Errorf("%s not found on %s", e.indexPath, info.DefaultBranch))
		}
		return e.fail(ctx, repo.ID, CodeRepoFetchFailed, err)
	}

	if file.SHA == repo.LastIndexSHA && !force {
		debug.Logf("reconcile: %s index unchanged at %s\n", fullName, file.SHA)
		now := time.Now()
		if err := e.store.TouchRepoSyncedAt(ctx, repo.ID, now); err != nil {
			return e.fail(ctx, repo.ID, CodeSyncFailed, err)
		}
		if err := e.store.SetRepoSyncStatus(ctx, repo.ID, types.SyncIdle, ""); err != nil {
			return e.fail(ctx, repo.ID, CodeSyncFailed, err)
		}
		return Result{Success: true, Changed: false, IndexSHA: file.SHA}
	}

	entries, err := parseIndex(file.Content)
	if err != nil {
		// Terminal: retrying cannot fix a malformed document. The
		// caller decides whether to retry after the index is repaired.
		return e.fail(ctx, repo.ID, CodeIndexInvalidFormat, err)
	}

	if err := e.store.SaveIndexBlob(ctx, repo.ID, file.SHA, file.Content); err != nil {
		return e.fail(ctx, repo.ID, CodeSyncFailed, err)
	}

	now := time.Now()
	tickets := make([]*types.Ticket, 0, len(entries))
	keep := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.ID == "" {
			debug.Logf("reconcile: %s index entry with empty id skipped\n", fullName)
			continue
		}
		// Identifiers are normalized to uppercase so a re-cased index
		// entry updates its row instead of churning delete+insert.
		entry.ID = strings.ToUpper(entry.ID)
		tickets = append(tickets, buildTicket(repo, entry, file.SHA, info.HeadSHA, now))
		keep = append(keep, entry.ID)
	}

	if err := e.store.UpsertTickets(ctx, repo.ID, tickets); err != nil {
		return e.fail(ctx, repo.ID, CodeSyncFailed, err)
	}

	deleted, err := e.store.DeleteTicketsNotIn(ctx, repo.ID, keep)
	if err != nil {
		return e.fail(ctx, repo.ID, CodeSyncFailed, err)
	}
	if deleted > 0 {
		debug.Logf("reconcile: %s removed %d stale tickets\n", fullName, deleted)
	}

	if err := e.store.SetRepoSynced(ctx, repo.ID, info.HeadSHA, file.SHA, now); err != nil {
		return e.fail(ctx, repo.ID, CodeSyncFailed, err)
	}

	debug.Logf("reconcile: %s synced %d tickets at %s\n", fullName, len(tickets), file.SHA)
	return Result{Success: true, Changed: true, TicketCount: len(tickets), IndexSHA: file.SHA}
}

// fail records the error on the repository row and returns the tagged
// result. Recording failures are logged but do not mask the original
// error.
func (e *Engine) fail(ctx context.Context, repoID, code string, err error) Result {
	msg := code
	if err != nil {
		msg = fmt.Sprintf("%s: %v", code, err)
	}
	if serr := e.store.SetRepoSyncStatus(ctx, repoID, types.SyncError, msg); serr != nil {
		debug.Logf("reconcile: recording %s on %s failed: %v\n", code, repoID, serr)
	}
	return Result{ErrorCode: code, Err: err}
}

// parseIndex validates the document shape: format_version must be 1 and
// tickets must be a JSON array.
func parseIndex(content []byte) ([]indexTicket, error) {
	var doc indexDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("index document is not valid JSON: %w", err)
	}
	if doc.FormatVersion != indexFormatVersion {
		return nil, fmt.Errorf("unsupported index format_version %d", doc.FormatVersion)
	}
	raw := bytes.TrimSpace(doc.Tickets)
	if len(raw) == 0 {
		return nil, errors.New("index document has no tickets field")
	}
	// json.Unmarshal happily decodes "null" into a nil slice, and a nil
	// ticket list would wipe the whole cache. Only an actual array is a
	// valid ticket list.
	if raw[0] != '[' {
		return nil, errors.New("index tickets is not an array")
	}
	var entries []indexTicket
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("index tickets is not an array: %w", err)
	}
	return entries, nil
}

func buildTicket(repo *types.Repository, entry indexTicket, indexSHA, headSHA string, now time.Time) *types.Ticket {
	short := types.ShortID(entry.ID)
	if entry.ShortID != "" {
		short = types.ShortID(entry.ShortID)
	}
	display := entry.DisplayID
	if display == "" {
		display = types.DisplayID(repo.Prefix, entry.ID)
	}
	created := now
	if t, ok := types.ULIDTime(entry.ID); ok {
		created = t
	}
	return &types.Ticket{
		RepoID:    repo.ID,
		ID:        entry.ID,
		ShortID:   short,
		DisplayID: display,
		Title:     entry.Title,
		State:     types.NormalizeState(entry.State),
		Priority:  types.NormalizePriority(entry.Priority),
		Labels:    entry.Labels,
		Assignee:  entry.Assignee,
		Reviewer:  entry.Reviewer,
		Path:      entry.Path,
		IndexSHA:  indexSHA,
		HeadSHA:   headSHA,
		CreatedAt: created,
		CachedAt:  now,
	}
}

// Remediation returns user-visible guidance for a sync error code.
func Remediation(code string) string {
	switch code {
	case CodeRepoNotFound:
		return "Repository is not tracked. Connect it before refreshing."
	case CodeIndexMissing:
		return "index.json is missing from the repository. Rebuild the index and push it."
	case CodeIndexInvalidFormat:
		return "index.json is malformed. Rebuild the index with the ticket tool and push it."
	case CodeRepoFetchFailed:
		return "Could not reach the code-forge. Check the installation token and try again."
	default:
		return "Sync failed. Check the repository's sync error for details."
	}
}
