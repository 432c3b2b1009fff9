package sqlite

const schema = `
-- Webhook replay protection. Append-only: existence means "seen".
CREATE TABLE IF NOT EXISTS deliveries (
    delivery_id TEXT PRIMARY KEY,
    seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    key TEXT PRIMARY KEY,
    seen_at INTEGER NOT NULL
);

-- Tracked repositories. lock_acquired_at doubles as the sync lock:
-- NULL means unlocked, a stale timestamp is treated as expired.
CREATE TABLE IF NOT EXISTS repos (
    id TEXT PRIMARY KEY,
    full_name TEXT NOT NULL UNIQUE,
    prefix TEXT NOT NULL DEFAULT 'TK',
    install_id INTEGER NOT NULL DEFAULT 0,
    default_branch TEXT NOT NULL DEFAULT '',
    sync_status TEXT NOT NULL DEFAULT 'idle',
    sync_error TEXT NOT NULL DEFAULT '',
    last_index_sha TEXT NOT NULL DEFAULT '',
    head_sha TEXT NOT NULL DEFAULT '',
    last_synced_at INTEGER,
    lock_acquired_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

-- Cached ticket rows, fully derived from the index document.
CREATE TABLE IF NOT EXISTS tickets (
    repo_id TEXT NOT NULL,
    id TEXT NOT NULL,
    short_id TEXT NOT NULL,
    display_id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT 'open',
    priority TEXT NOT NULL DEFAULT 'medium',
    labels TEXT NOT NULL DEFAULT '[]',
    assignee TEXT NOT NULL DEFAULT '',
    reviewer TEXT NOT NULL DEFAULT '',
    path TEXT NOT NULL DEFAULT '',
    index_sha TEXT NOT NULL DEFAULT '',
    head_sha TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    cached_at INTEGER NOT NULL,
    PRIMARY KEY (repo_id, id)
);
CREATE INDEX IF NOT EXISTS idx_tickets_short ON tickets(repo_id, short_id);

-- Raw index documents kept for audit.
CREATE TABLE IF NOT EXISTS index_blobs (
    repo_id TEXT NOT NULL,
    sha TEXT NOT NULL,
    content BLOB NOT NULL,
    saved_at INTEGER NOT NULL,
    PRIMARY KEY (repo_id, sha)
);

-- Ticket to pull-request links, wholesale-replaced per PR number.
CREATE TABLE IF NOT EXISTS pr_links (
    repo_id TEXT NOT NULL,
    ticket_id TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    state TEXT NOT NULL DEFAULT '',
    merged INTEGER NOT NULL DEFAULT 0,
    mergeable_state TEXT NOT NULL DEFAULT '',
    checks_state TEXT NOT NULL DEFAULT 'unknown',
    head_ref TEXT NOT NULL DEFAULT '',
    head_sha TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (repo_id, ticket_id, pr_number)
);
CREATE INDEX IF NOT EXISTS idx_pr_links_pr ON pr_links(repo_id, pr_number);

-- In-flight proposed ticket edits routed through PRs.
CREATE TABLE IF NOT EXISTS pending_changes (
    repo_id TEXT NOT NULL,
    ticket_id TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (repo_id, ticket_id, pr_number)
);

-- Refresh jobs, retained after completion for audit.
CREATE TABLE IF NOT EXISTS refresh_jobs (
    id TEXT PRIMARY KEY,
    repo_id TEXT NOT NULL,
    requester TEXT NOT NULL DEFAULT '',
    force INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL DEFAULT 'queued',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    next_attempt_at INTEGER NOT NULL,
    error_code TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    finished_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON refresh_jobs(status, next_attempt_at);
-- At most one queued|running job per repository, enforced at the
-- database so concurrent enqueues across instances cannot both land.
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active
    ON refresh_jobs(repo_id) WHERE status IN ('queued', 'running');
CREATE INDEX IF NOT EXISTS idx_jobs_repo ON refresh_jobs(repo_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_requester ON refresh_jobs(requester, created_at);
`
