// Package types defines the core data model shared by all tickmirror
// packages: cached repositories, tickets, ticket↔PR links, pending
// changes, and refresh jobs.
//
// Every row here is derived state. The git repository on the code-forge
// is the source of truth; deleting and rebuilding any of these rows from
// the remote index document is always correct.
package types

import (
	"strings"
	"time"
)

// SyncStatus is the synchronization state of a tracked repository.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncQueued  SyncStatus = "queued"
	SyncSyncing SyncStatus = "syncing"
	SyncError   SyncStatus = "error"
)

// Repository is one tracked git repository on the code-forge.
// Updated only by the reconciliation engine or the sync lock owner.
type Repository struct {
	ID            string
	FullName      string // "owner/name"
	Prefix        string // ticket display prefix, e.g. "TK"
	InstallID     int64  // code-forge app installation; 0 = not bound
	DefaultBranch string
	SyncStatus    SyncStatus
	SyncError     string
	LastIndexSHA  string // blob SHA of the last index document applied
	HeadSHA       string
	LastSyncedAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Ticket is a cached row mirrored from the repository's index document.
// Keyed by (RepoID, ID); fully replaced by reconciliation, never
// hand-edited.
type Ticket struct {
	RepoID    string
	ID        string // full ULID identifier
	ShortID   string // first 8 chars of ID, uppercased
	DisplayID string // "<PREFIX>-<shortid>"
	Title     string
	State     string // lowercased
	Priority  string // lowercased
	Labels    []string
	Assignee  string
	Reviewer  string
	Path      string // file path within the repository
	IndexSHA  string // provenance: index blob this row came from
	HeadSHA   string
	CreatedAt time.Time // derived from the ULID time component
	CachedAt  time.Time
}

// ChecksState classifies the CI state of a pull request head.
type ChecksState string

const (
	ChecksUnknown ChecksState = "unknown"
	ChecksRunning ChecksState = "running"
	ChecksPass    ChecksState = "pass"
	ChecksFail    ChecksState = "fail"
)

// TicketPRLink associates a cached ticket with a pull request that
// references it. All links for a given PR number are wholesale-replaced
// on each pull_request event so stale links cannot survive a retitled
// or rebranched PR.
type TicketPRLink struct {
	RepoID         string
	TicketID       string
	PRNumber       int
	URL            string
	Title          string
	State          string // "open" or "closed"
	Merged         bool
	MergeableState string // forge mergeable_state: clean, dirty, blocked, ...
	ChecksState    ChecksState
	HeadRef        string
	HeadSHA        string
	UpdatedAt      time.Time
}

// PendingChangeStatus is the lifecycle state of an in-flight proposed
// ticket edit routed through a pull request.
type PendingChangeStatus string

const (
	PendingCreatingPR    PendingChangeStatus = "creating_pr"
	PendingChecks        PendingChangeStatus = "pending_checks"
	PendingWaitingReview PendingChangeStatus = "waiting_review"
	PendingMergeable     PendingChangeStatus = "mergeable"
	PendingConflict      PendingChangeStatus = "conflict"
	PendingMerged        PendingChangeStatus = "merged"
	PendingClosed        PendingChangeStatus = "closed"
	PendingFailed        PendingChangeStatus = "failed"
)

// Terminal reports whether the status excludes the change from active
// reconciliation.
func (s PendingChangeStatus) Terminal() bool {
	switch s {
	case PendingMerged, PendingClosed, PendingFailed:
		return true
	}
	return false
}

// PendingChange tracks a proposed ticket edit flowing through a PR.
// Created by the editing surface (out of scope here); status-updated by
// the pull_request event handler.
type PendingChange struct {
	RepoID    string
	TicketID  string
	PRNumber  int
	Status    PendingChangeStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// JobStatus is the lifecycle state of a refresh job. Jobs progress
// monotonically: queued → running → (queued | succeeded | failed).
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Active reports whether the status counts against the one-active-job-
// per-repository invariant.
func (s JobStatus) Active() bool {
	return s == JobQueued || s == JobRunning
}

// RefreshJob is a durable manual-refresh request. Retained for audit
// after completion.
type RefreshJob struct {
	ID            string
	RepoID        string
	Requester     string
	Force         bool
	Status        JobStatus
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	ErrorCode     string
	ErrorMessage  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	FinishedAt    *time.Time
}

// NormalizeState lowercases a ticket state, defaulting empty to "open".
func NormalizeState(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "open"
	}
	return s
}

// NormalizePriority lowercases a ticket priority, defaulting empty to
// "medium".
func NormalizePriority(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return "medium"
	}
	return p
}
