// Package linkage extracts ticket references from pull requests and
// derives CI and merge-readiness classifications from forge state.
package linkage

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/tickmirror/tickmirror/internal/types"
)

// Reference patterns are compiled per prefix and cached. One pattern
// covers both reference forms: the display form ("TK-01KHVX92", any
// case) and the branch-slug form ("feat/tk-01khvx92").
var (
	patternMu   sync.Mutex
	refPatterns = map[string]*regexp.Regexp{}
)

func patternFor(prefix string) *regexp.Regexp {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := refPatterns[prefix]; ok {
		return re
	}
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(prefix) + `-([0-9a-z]{8})\b`)
	refPatterns[prefix] = re
	return re
}

// ExtractShortIDs scans the given texts (typically PR title, body, and
// head branch name) for ticket references with the given prefix and
// returns the deduplicated, uppercased 8-character short identifiers in
// sorted order.
func ExtractShortIDs(prefix string, texts ...string) []string {
	re := patternFor(prefix)
	seen := map[string]bool{}
	for _, text := range texts {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			seen[strings.ToUpper(match[1])] = true
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MapChecksState maps a forge check status/conclusion pair to a
// ChecksState. Empty strings stand for null payload fields.
func MapChecksState(status, conclusion string) types.ChecksState {
	if status == "" {
		return types.ChecksUnknown
	}
	if status != "completed" {
		return types.ChecksRunning
	}
	switch conclusion {
	case "":
		return types.ChecksUnknown
	case "success":
		return types.ChecksPass
	case "failure", "cancelled", "timed_out", "action_required":
		return types.ChecksFail
	default:
		return types.ChecksUnknown
	}
}

// Readiness classifies a ticket's linked pull requests. Order matters:
// lower values are worse, and a ticket reports its worst open PR.
type Readiness int

const (
	ReadinessConflict Readiness = iota
	ReadinessFailingChecks
	ReadinessWaitingReview
	ReadinessUnknown
	ReadinessMergeableNow
)

func (r Readiness) String() string {
	switch r {
	case ReadinessConflict:
		return "conflict"
	case ReadinessFailingChecks:
		return "failing_checks"
	case ReadinessWaitingReview:
		return "waiting_review"
	case ReadinessMergeableNow:
		return "mergeable_now"
	default:
		return "unknown"
	}
}

// classifyPR ranks a single open pull request.
func classifyPR(link *types.TicketPRLink) Readiness {
	switch link.MergeableState {
	case "dirty", "blocked":
		return ReadinessConflict
	}
	switch link.ChecksState {
	case types.ChecksFail:
		return ReadinessFailingChecks
	case types.ChecksPass:
		if link.MergeableState == "clean" {
			return ReadinessMergeableNow
		}
		return ReadinessWaitingReview
	case types.ChecksRunning:
		return ReadinessWaitingReview
	default:
		return ReadinessUnknown
	}
}

// ClassifyReadiness reports the single worst classification across a
// ticket's open, unmerged linked PRs, or ReadinessUnknown when none are
// open.
func ClassifyReadiness(links []*types.TicketPRLink) Readiness {
	worst := ReadinessMergeableNow
	anyOpen := false
	for _, link := range links {
		if link.Merged || link.State != "open" {
			continue
		}
		anyOpen = true
		if c := classifyPR(link); c < worst {
			worst = c
		}
	}
	if !anyOpen {
		return ReadinessUnknown
	}
	return worst
}

// PendingStatusFor maps a PR's current state onto the pending-change
// lifecycle, used to advance PendingChange rows from pull_request
// events.
func PendingStatusFor(link *types.TicketPRLink) types.PendingChangeStatus {
	switch {
	case link.Merged:
		return types.PendingMerged
	case link.State == "closed":
		return types.PendingClosed
	}
	switch classifyPR(link) {
	case ReadinessConflict:
		return types.PendingConflict
	case ReadinessMergeableNow:
		return types.PendingMergeable
	case ReadinessFailingChecks:
		return types.PendingFailed
	case ReadinessWaitingReview:
		return types.PendingWaitingReview
	default:
		return types.PendingChecks
	}
}
