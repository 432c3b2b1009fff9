// Package sqlite implements the storage port on SQLite via database/sql.
//
// All times are stored as unix milliseconds so comparisons in SQL are
// plain integer comparisons. The sync lock and job claims are expressed
// as conditional UPDATEs so their atomicity holds across processes
// sharing the database file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tickmirror/tickmirror/internal/storage"
	"github.com/tickmirror/tickmirror/internal/types"
)

// lockLease is how long a sync lock may be held before another
// acquirer may steal it. Keeps a crashed instance from wedging a
// repository.
const lockLease = 2 * time.Minute

// SQLiteStore implements storage.Store.
type SQLiteStore struct {
	db *sql.DB
}

var _ storage.Store = (*SQLiteStore)(nil)

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	// Serialized access keeps the conditional-update primitives honest
	// under SQLITE_BUSY; WAL keeps readers off the writers' backs.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// insertIfAbsent inserts a seen-marker row and reports whether it was
// new. OR IGNORE makes the insert race-safe: exactly one concurrent
// caller observes rows=1.
func (s *SQLiteStore) insertIfAbsent(ctx context.Context, table, column, value string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO "+table+" ("+column+", seen_at) VALUES (?, ?)",
		value, nowMillis())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) RecordDelivery(ctx context.Context, deliveryID string) (bool, error) {
	return s.insertIfAbsent(ctx, "deliveries", "delivery_id", deliveryID)
}

func (s *SQLiteStore) RecordIdempotencyKey(ctx context.Context, key string) (bool, error) {
	return s.insertIfAbsent(ctx, "idempotency_keys", "key", key)
}

func (s *SQLiteStore) CreateRepo(ctx context.Context, repo *types.Repository) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repos (id, full_name, prefix, install_id, default_branch,
			sync_status, sync_error, last_index_sha, head_sha, last_synced_at,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(full_name) DO UPDATE SET
			prefix = excluded.prefix,
			install_id = excluded.install_id,
			updated_at = excluded.updated_at`,
		repo.ID, repo.FullName, repo.Prefix, repo.InstallID, repo.DefaultBranch,
		string(orIdle(repo.SyncStatus)), repo.SyncError, repo.LastIndexSHA, repo.HeadSHA,
		nullableMillis(repo.LastSyncedAt), now, now)
	return err
}

func orIdle(s types.SyncStatus) types.SyncStatus {
	if s == "" {
		return types.SyncIdle
	}
	return s
}

const repoColumns = `id, full_name, prefix, install_id, default_branch,
	sync_status, sync_error, last_index_sha, head_sha, last_synced_at,
	created_at, updated_at`

func scanRepo(row *sql.Row) (*types.Repository, error) {
	var repo types.Repository
	var status string
	var lastSynced sql.NullInt64
	var created, updated int64
	err := row.Scan(&repo.ID, &repo.FullName, &repo.Prefix, &repo.InstallID,
		&repo.DefaultBranch, &status, &repo.SyncError, &repo.LastIndexSHA,
		&repo.HeadSHA, &lastSynced, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	repo.SyncStatus = types.SyncStatus(status)
	if lastSynced.Valid {
		t := fromMillis(lastSynced.Int64)
		repo.LastSyncedAt = &t
	}
	repo.CreatedAt = fromMillis(created)
	repo.UpdatedAt = fromMillis(updated)
	return &repo, nil
}

func (s *SQLiteStore) GetRepo(ctx context.Context, id string) (*types.Repository, error) {
	return scanRepo(s.db.QueryRowContext(ctx,
		"SELECT "+repoColumns+" FROM repos WHERE id = ?", id))
}

func (s *SQLiteStore) GetRepoByFullName(ctx context.Context, fullName string) (*types.Repository, error) {
	return scanRepo(s.db.QueryRowContext(ctx,
		"SELECT "+repoColumns+" FROM repos WHERE full_name = ?", fullName))
}

func (s *SQLiteStore) SetRepoSyncStatus(ctx context.Context, repoID string, status types.SyncStatus, syncError string) error {
	return s.updateRepo(ctx, repoID,
		"UPDATE repos SET sync_status = ?, sync_error = ?, updated_at = ? WHERE id = ?",
		string(status), syncError, nowMillis(), repoID)
}

func (s *SQLiteStore) SetRepoSynced(ctx context.Context, repoID, headSHA, indexSHA string, at time.Time) error {
	return s.updateRepo(ctx, repoID, `
		UPDATE repos SET sync_status = 'idle', sync_error = '',
			head_sha = ?, last_index_sha = ?, last_synced_at = ?, updated_at = ?
		WHERE id = ?`,
		headSHA, indexSHA, millis(at), nowMillis(), repoID)
}

func (s *SQLiteStore) TouchRepoSyncedAt(ctx context.Context, repoID string, at time.Time) error {
	return s.updateRepo(ctx, repoID,
		"UPDATE repos SET last_synced_at = ?, updated_at = ? WHERE id = ?",
		millis(at), nowMillis(), repoID)
}

func (s *SQLiteStore) updateRepo(ctx context.Context, repoID, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// TryAcquireRepoSyncLock is a compare-and-set on lock_acquired_at: the
// update only lands when the lock is free or its lease has expired, and
// RowsAffected tells us whether this caller won.
func (s *SQLiteStore) TryAcquireRepoSyncLock(ctx context.Context, repoID string) (bool, error) {
	now := nowMillis()
	staleBefore := now - lockLease.Milliseconds()
	res, err := s.db.ExecContext(ctx, `
		UPDATE repos SET lock_acquired_at = ?
		WHERE id = ? AND (lock_acquired_at IS NULL OR lock_acquired_at <= ?)`,
		now, repoID, staleBefore)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseRepoSyncLock(ctx context.Context, repoID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE repos SET lock_acquired_at = NULL WHERE id = ?", repoID)
	return err
}

func (s *SQLiteStore) SaveIndexBlob(ctx context.Context, repoID, sha string, content []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_blobs (repo_id, sha, content, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(repo_id, sha) DO NOTHING`,
		repoID, sha, content, nowMillis())
	return err
}
