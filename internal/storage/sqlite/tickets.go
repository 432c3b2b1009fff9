package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/tickmirror/tickmirror/internal/types"
)

func (s *SQLiteStore) UpsertTickets(ctx context.Context, repoID string, tickets []*types.Ticket) error {
	if len(tickets) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tickets (repo_id, id, short_id, display_id, title, state,
			priority, labels, assignee, reviewer, path, index_sha, head_sha,
			created_at, cached_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_id, id) DO UPDATE SET
			short_id = excluded.short_id,
			display_id = excluded.display_id,
			title = excluded.title,
			state = excluded.state,
			priority = excluded.priority,
			labels = excluded.labels,
			assignee = excluded.assignee,
			reviewer = excluded.reviewer,
			path = excluded.path,
			index_sha = excluded.index_sha,
			head_sha = excluded.head_sha,
			created_at = excluded.created_at,
			cached_at = excluded.cached_at`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range tickets {
		labels, err := json.Marshal(t.Labels)
		if err != nil {
			return err
		}
		if t.Labels == nil {
			labels = []byte("[]")
		}
		if _, err := stmt.ExecContext(ctx, repoID, t.ID, t.ShortID, t.DisplayID,
			t.Title, t.State, t.Priority, string(labels), t.Assignee, t.Reviewer,
			t.Path, t.IndexSHA, t.HeadSHA, millis(t.CreatedAt), millis(t.CachedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteTicketsNotIn(ctx context.Context, repoID string, keep []string) (int, error) {
	query := "DELETE FROM tickets WHERE repo_id = ?"
	args := []interface{}{repoID}
	if len(keep) > 0 {
		query += " AND id NOT IN (?" + strings.Repeat(",?", len(keep)-1) + ")"
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const ticketColumns = `repo_id, id, short_id, display_id, title, state,
	priority, labels, assignee, reviewer, path, index_sha, head_sha,
	created_at, cached_at`

func scanTickets(rows *sql.Rows) ([]*types.Ticket, error) {
	var out []*types.Ticket
	for rows.Next() {
		var t types.Ticket
		var labels string
		var created, cached int64
		if err := rows.Scan(&t.RepoID, &t.ID, &t.ShortID, &t.DisplayID, &t.Title,
			&t.State, &t.Priority, &labels, &t.Assignee, &t.Reviewer, &t.Path,
			&t.IndexSHA, &t.HeadSHA, &created, &cached); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(labels), &t.Labels); err != nil {
			return nil, err
		}
		t.CreatedAt = fromMillis(created)
		t.CachedAt = fromMillis(cached)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTickets(ctx context.Context, repoID string) ([]*types.Ticket, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+ticketColumns+" FROM tickets WHERE repo_id = ? ORDER BY id", repoID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTickets(rows)
}

func (s *SQLiteStore) FindTicketsByShortID(ctx context.Context, repoID string, shortIDs []string) ([]*types.Ticket, error) {
	if len(shortIDs) == 0 {
		return nil, nil
	}
	query := "SELECT " + ticketColumns + " FROM tickets WHERE repo_id = ? AND short_id IN (?" +
		strings.Repeat(",?", len(shortIDs)-1) + ") ORDER BY id"
	args := []interface{}{repoID}
	for _, id := range shortIDs {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTickets(rows)
}
