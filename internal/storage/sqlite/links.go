package sqlite

import (
	"context"
	"database/sql"

	"github.com/tickmirror/tickmirror/internal/storage"
	"github.com/tickmirror/tickmirror/internal/types"
)

// ReplacePRLinks deletes and reinserts all links for a PR number in one
// transaction, so a retitled or rebranched PR can never leave stale
// links behind.
func (s *SQLiteStore) ReplacePRLinks(ctx context.Context, repoID string, prNumber int, links []*types.TicketPRLink) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pr_links WHERE repo_id = ? AND pr_number = ?",
		repoID, prNumber); err != nil {
		return err
	}
	for _, l := range links {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO pr_links (repo_id, ticket_id, pr_number, url, title,
				state, merged, mergeable_state, checks_state, head_ref,
				head_sha, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			repoID, l.TicketID, prNumber, l.URL, l.Title, l.State,
			boolInt(l.Merged), l.MergeableState, string(l.ChecksState),
			l.HeadRef, l.HeadSHA, millis(l.UpdatedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdatePRChecksState(ctx context.Context, repoID string, prNumber int, state types.ChecksState) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pr_links SET checks_state = ?, updated_at = ?
		WHERE repo_id = ? AND pr_number = ?`,
		string(state), nowMillis(), repoID, prNumber)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) ListPRLinksForTicket(ctx context.Context, repoID, ticketID string) ([]*types.TicketPRLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT repo_id, ticket_id, pr_number, url, title, state, merged,
			mergeable_state, checks_state, head_ref, head_sha, updated_at
		FROM pr_links WHERE repo_id = ? AND ticket_id = ? ORDER BY pr_number`,
		repoID, ticketID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*types.TicketPRLink
	for rows.Next() {
		var l types.TicketPRLink
		var merged int
		var checks string
		var updated int64
		if err := rows.Scan(&l.RepoID, &l.TicketID, &l.PRNumber, &l.URL, &l.Title,
			&l.State, &merged, &l.MergeableState, &checks, &l.HeadRef, &l.HeadSHA,
			&updated); err != nil {
			return nil, err
		}
		l.Merged = merged != 0
		l.ChecksState = types.ChecksState(checks)
		l.UpdatedAt = fromMillis(updated)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetPendingChange(ctx context.Context, repoID, ticketID string, prNumber int) (*types.PendingChange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT repo_id, ticket_id, pr_number, status, created_at, updated_at
		FROM pending_changes WHERE repo_id = ? AND ticket_id = ? AND pr_number = ?`,
		repoID, ticketID, prNumber)
	var pc types.PendingChange
	var status string
	var created, updated int64
	err := row.Scan(&pc.RepoID, &pc.TicketID, &pc.PRNumber, &status, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pc.Status = types.PendingChangeStatus(status)
	pc.CreatedAt = fromMillis(created)
	pc.UpdatedAt = fromMillis(updated)
	return &pc, nil
}

func (s *SQLiteStore) SetPendingChangeStatus(ctx context.Context, repoID, ticketID string, prNumber int, status types.PendingChangeStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_changes SET status = ?, updated_at = ?
		WHERE repo_id = ? AND ticket_id = ? AND pr_number = ?`,
		string(status), nowMillis(), repoID, ticketID, prNumber)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
