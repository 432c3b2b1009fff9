package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tickmirror/tickmirror/internal/debug"
	"github.com/tickmirror/tickmirror/internal/linkage"
	"github.com/tickmirror/tickmirror/internal/storage"
	"github.com/tickmirror/tickmirror/internal/telemetry"
	"github.com/tickmirror/tickmirror/internal/types"
)

// supportedPRActions are the pull_request actions that trigger link
// resolution. Everything else is acknowledged without writes.
var supportedPRActions = map[string]bool{
	"opened":      true,
	"reopened":    true,
	"synchronize": true,
	"closed":      true,
}

// handlePush runs a webhook-driven sync. This is the one path that
// propagates sync failure as an HTTP error (500), deliberately, so the
// forge's redelivery machinery retries for us; the refresh queue is the
// bounded-retry backstop.
func (s *Server) handlePush(ctx context.Context, body []byte) (int, map[string]interface{}) {
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Repository.FullName == "" {
		return http.StatusBadRequest, errBody("invalid_payload")
	}

	repo, err := s.store.GetRepoByFullName(ctx, payload.Repository.FullName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return http.StatusOK, map[string]interface{}{
				"ok": true, "message": "Ignored push for untracked repository",
			}
		}
		return http.StatusInternalServerError, errBody("store_error")
	}

	acquired, err := s.store.TryAcquireRepoSyncLock(ctx, repo.ID)
	if err != nil {
		return http.StatusInternalServerError, errBody("store_error")
	}
	if !acquired {
		// Another sync holds the lock. Do not touch the forge API; the
		// SHA comparison guarantees the running sync converges to the
		// same state. The idempotency key is deliberately not consumed
		// here, so a redelivery of this push can still sync the commit.
		debug.Logf("webhook: push for %s skipped, sync lock held\n", repo.FullName)
		return http.StatusOK, map[string]interface{}{"ok": true, "skipped": "locked"}
	}

	var res map[string]interface{}
	status := http.StatusOK
	func() {
		defer func() {
			if err := s.store.ReleaseRepoSyncLock(ctx, repo.ID); err != nil {
				debug.Logf("webhook: releasing sync lock for %s: %v\n", repo.FullName, err)
			}
		}()

		// Second replay guard: the same logical push redelivered under a
		// new delivery id still syncs only once. Recorded only once the
		// lock is held, so a skipped push does not burn its key.
		idemKey := fmt.Sprintf("%s:%s:%s", payload.Repository.FullName, payload.Ref, payload.After)
		fresh, err := s.store.RecordIdempotencyKey(ctx, idemKey)
		if err != nil {
			status, res = http.StatusInternalServerError, errBody("store_error")
			return
		}
		if !fresh {
			res = map[string]interface{}{
				"ok": true, "deduped": true, "dedupeReason": "idempotency_key",
			}
			return
		}

		token, err := s.tokens.InstallationToken(ctx, repo.InstallID)
		if err != nil {
			status, res = http.StatusInternalServerError, errBody("token_unavailable")
			return
		}

		result := s.engine.SyncRepo(ctx, repo.FullName, token, false)
		telemetry.RecordSyncResult(ctx, repo.FullName, result.Changed, result.ErrorCode)
		if !result.Success {
			// Error already recorded on the repository row; surface a
			// 500 so the forge redelivers.
			status, res = http.StatusInternalServerError, map[string]interface{}{
				"ok": false, "error": result.ErrorCode,
			}
			return
		}
		res = map[string]interface{}{
			"ok":          true,
			"changed":     result.Changed,
			"ticketCount": result.TicketCount,
		}
	}()
	return status, res
}

// handlePullRequest resolves ticket references and wholesale-replaces
// the PR's link rows. Zero matched tickets still clears stale links.
func (s *Server) handlePullRequest(ctx context.Context, body []byte) (int, map[string]interface{}) {
	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Repository.FullName == "" {
		return http.StatusBadRequest, errBody("invalid_payload")
	}

	if !supportedPRActions[payload.Action] {
		return http.StatusOK, map[string]interface{}{
			"ok": true, "message": "Ignored pull_request action " + payload.Action,
		}
	}

	repo, err := s.store.GetRepoByFullName(ctx, payload.Repository.FullName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return http.StatusOK, map[string]interface{}{
				"ok": true, "message": "Ignored pull_request for untracked repository",
			}
		}
		return http.StatusInternalServerError, errBody("store_error")
	}

	pr := payload.PullRequest
	shortIDs := linkage.ExtractShortIDs(repo.Prefix, pr.Title, pr.Body, pr.Head.Ref)

	var tickets []*types.Ticket
	if len(shortIDs) > 0 {
		tickets, err = s.store.FindTicketsByShortID(ctx, repo.ID, shortIDs)
		if err != nil {
			return http.StatusInternalServerError, errBody("store_error")
		}
	}

	now := time.Now()
	links := make([]*types.TicketPRLink, 0, len(tickets))
	for _, ticket := range tickets {
		links = append(links, &types.TicketPRLink{
			RepoID:         repo.ID,
			TicketID:       ticket.ID,
			PRNumber:       pr.Number,
			URL:            pr.HTMLURL,
			Title:          pr.Title,
			State:          pr.State,
			Merged:         pr.Merged,
			MergeableState: pr.MergeableState,
			ChecksState:    types.ChecksUnknown,
			HeadRef:        pr.Head.Ref,
			HeadSHA:        pr.Head.SHA,
			UpdatedAt:      now,
		})
	}

	if err := s.store.ReplacePRLinks(ctx, repo.ID, pr.Number, links); err != nil {
		return http.StatusInternalServerError, errBody("store_error")
	}

	// Advance any pending change that rides this PR.
	for _, link := range links {
		if _, err := s.store.GetPendingChange(ctx, repo.ID, link.TicketID, pr.Number); err != nil {
			continue
		}
		next := linkage.PendingStatusFor(link)
		if err := s.store.SetPendingChangeStatus(ctx, repo.ID, link.TicketID, pr.Number, next); err != nil {
			debug.Logf("webhook: pending change update for %s PR #%d: %v\n", link.TicketID, pr.Number, err)
		}
	}

	return http.StatusOK, map[string]interface{}{
		"ok":          true,
		"linked":      len(links),
		"ticketCount": len(tickets),
	}
}

// handleCheck maps a check event onto the checks state of every
// distinct PR it references.
func (s *Server) handleCheck(ctx context.Context, eventKind string, body []byte) (int, map[string]interface{}) {
	var payload checkPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Repository.FullName == "" {
		return http.StatusBadRequest, errBody("invalid_payload")
	}

	check := payload.CheckRun
	if eventKind == "check_suite" {
		check = payload.CheckSuite
	}
	if check == nil {
		return http.StatusBadRequest, errBody("invalid_payload")
	}

	repo, err := s.store.GetRepoByFullName(ctx, payload.Repository.FullName)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return http.StatusOK, map[string]interface{}{
				"ok": true, "message": "Ignored " + eventKind + " for untracked repository",
			}
		}
		return http.StatusInternalServerError, errBody("store_error")
	}

	// Collapse duplicate PR references before updating.
	numbers := map[int]bool{}
	for _, ref := range check.PullRequests {
		numbers[ref.Number] = true
	}
	if len(numbers) == 0 {
		return http.StatusOK, map[string]interface{}{
			"ok": true, "message": "No linked pull requests",
		}
	}

	state := linkage.MapChecksState(check.Status, check.Conclusion)
	updated := 0
	for number := range numbers {
		n, err := s.store.UpdatePRChecksState(ctx, repo.ID, number, state)
		if err != nil {
			return http.StatusInternalServerError, errBody("store_error")
		}
		updated += n
	}

	return http.StatusOK, map[string]interface{}{
		"ok":          true,
		"checksState": string(state),
		"updated":     updated,
	}
}
