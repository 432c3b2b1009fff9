package webhook

// Minimal payload shapes for the webhook kinds this service consumes.
// Fields the handlers do not read are omitted.

type repoRef struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
}

type pushPayload struct {
	Ref        string  `json:"ref"`
	After      string  `json:"after"`
	Repository repoRef `json:"repository"`
}

type pullRequestPayload struct {
	Action      string  `json:"action"`
	Repository  repoRef `json:"repository"`
	PullRequest struct {
		Number         int    `json:"number"`
		HTMLURL        string `json:"html_url"`
		Title          string `json:"title"`
		Body           string `json:"body"`
		State          string `json:"state"`
		Merged         bool   `json:"merged"`
		MergeableState string `json:"mergeable_state"`
		Head           struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
}

type checkRef struct {
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	PullRequests []struct {
		Number int `json:"number"`
	} `json:"pull_requests"`
}

type checkPayload struct {
	Repository repoRef   `json:"repository"`
	CheckRun   *checkRef `json:"check_run"`
	CheckSuite *checkRef `json:"check_suite"`
}
