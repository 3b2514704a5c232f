// Package router implements the Command Router: normalized webhook event
// handling, slash-command parsing and dispatch, and the PR/check-run event
// handlers.
package router

// EventKind identifies which GitHub webhook event a normalized Event came
// from.
type EventKind string

const (
	EventIssues       EventKind = "issues"
	EventIssueComment EventKind = "issue_comment"
	EventPullRequest  EventKind = "pull_request"
	EventCheckRun     EventKind = "check_run"
)

// Event is a normalized webhook payload: exactly the fields the router
// needs, independent of GitHub's wire shape.
type Event struct {
	Kind        EventKind
	Action      string
	Repo        string // "owner/name"
	IssueNumber int    // 0 if not applicable
	Author      string

	// IssueComment fields.
	CommentBody string

	// Issues fields.
	IssueTitle string
	IssueBody  string
	Labels     []string

	// PullRequest fields.
	PRNumber   int
	HeadBranch string
	Merged     bool
}

// AgentLabels is the default label set that, when present on an opened or
// newly-labeled issue, triggers Task creation.
var AgentLabels = map[string]bool{
	"agent-ok":         true,
	"good-first-issue": true,
}

func hasAgentLabel(labels []string) bool {
	for _, l := range labels {
		if AgentLabels[l] {
			return true
		}
	}
	return false
}
