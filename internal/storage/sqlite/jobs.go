package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/tickmirror/tickmirror/internal/storage"
	"github.com/tickmirror/tickmirror/internal/types"
)

const jobColumns = `id, repo_id, requester, force, status, attempts,
	max_attempts, next_attempt_at, error_code, error_message, created_at,
	updated_at, finished_at`

func (s *SQLiteStore) InsertJob(ctx context.Context, job *types.RefreshJob) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.RepoID, job.Requester, boolInt(job.Force), string(job.Status),
		job.Attempts, job.MaxAttempts, millis(job.NextAttemptAt), job.ErrorCode,
		job.ErrorMessage, millis(job.CreatedAt), millis(job.UpdatedAt),
		nullableMillis(job.FinishedAt))
	// Violation of idx_jobs_one_active: another enqueue won the race.
	if err != nil && strings.Contains(err.Error(), "refresh_jobs.repo_id") {
		return storage.ErrActiveJobExists
	}
	return err
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *types.RefreshJob) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE refresh_jobs SET status = ?, attempts = ?, next_attempt_at = ?,
			error_code = ?, error_message = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		string(job.Status), job.Attempts, millis(job.NextAttemptAt),
		job.ErrorCode, job.ErrorMessage, nowMillis(),
		nullableMillis(job.FinishedAt), job.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanJob(scan func(dest ...interface{}) error) (*types.RefreshJob, error) {
	var job types.RefreshJob
	var force int
	var status string
	var next, created, updated int64
	var finished sql.NullInt64
	err := scan(&job.ID, &job.RepoID, &job.Requester, &force, &status,
		&job.Attempts, &job.MaxAttempts, &next, &job.ErrorCode,
		&job.ErrorMessage, &created, &updated, &finished)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job.Force = force != 0
	job.Status = types.JobStatus(status)
	job.NextAttemptAt = fromMillis(next)
	job.CreatedAt = fromMillis(created)
	job.UpdatedAt = fromMillis(updated)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		job.FinishedAt = &t
	}
	return &job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*types.RefreshJob, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+" FROM refresh_jobs WHERE id = ?", id)
	return scanJob(row.Scan)
}

func (s *SQLiteStore) GetActiveJob(ctx context.Context, repoID string) (*types.RefreshJob, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+jobColumns+` FROM refresh_jobs
		WHERE repo_id = ? AND status IN ('queued', 'running')
		ORDER BY created_at LIMIT 1`, repoID)
	return scanJob(row.Scan)
}

// ClaimQueuedJobs selects due queued jobs and flips each to running
// with a conditional UPDATE inside one transaction. Only jobs the
// UPDATE actually flipped are returned, so two workers claiming
// concurrently partition the set instead of sharing it.
func (s *SQLiteStore) ClaimQueuedJobs(ctx context.Context, limit int, now time.Time) ([]*types.RefreshJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM refresh_jobs
		WHERE status = 'queued' AND next_attempt_at <= ?
		ORDER BY next_attempt_at LIMIT ?`,
		millis(now), limit)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		candidates = append(candidates, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimedIDs []string
	for _, id := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE refresh_jobs
			SET status = 'running', attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status = 'queued'`,
			millis(now), id)
		if err != nil {
			return nil, err
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			claimedIDs = append(claimedIDs, id)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(claimedIDs) == 0 {
		return nil, nil
	}

	query := "SELECT " + jobColumns + " FROM refresh_jobs WHERE id IN (?" +
		strings.Repeat(",?", len(claimedIDs)-1) + ") ORDER BY next_attempt_at"
	args := make([]interface{}, len(claimedIDs))
	for i, id := range claimedIDs {
		args[i] = id
	}
	jrows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = jrows.Close() }()

	var jobs []*types.RefreshJob
	for jrows.Next() {
		job, err := scanJob(jrows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, jrows.Err()
}

func (s *SQLiteStore) countJobs(ctx context.Context, where string, arg string, since time.Time) (int, time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(MIN(created_at), 0) FROM refresh_jobs
		WHERE `+where+` = ? AND created_at >= ?`,
		arg, millis(since))
	var count int
	var oldest int64
	if err := row.Scan(&count, &oldest); err != nil {
		return 0, time.Time{}, err
	}
	if count == 0 {
		return 0, time.Time{}, nil
	}
	return count, fromMillis(oldest), nil
}

func (s *SQLiteStore) CountJobsByRequesterSince(ctx context.Context, requester string, since time.Time) (int, time.Time, error) {
	return s.countJobs(ctx, "requester", requester, since)
}

func (s *SQLiteStore) CountJobsByRepoSince(ctx context.Context, repoID string, since time.Time) (int, time.Time, error) {
	return s.countJobs(ctx, "repo_id", repoID, since)
}
