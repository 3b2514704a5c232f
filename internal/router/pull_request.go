package router

import (
	"context"
	"regexp"
	"strconv"

	"github.com/agentswarm/orchestrator/internal/apperr"
	"github.com/agentswarm/orchestrator/internal/task"
)

// agentBranchRe matches the agent/<issue number>-<slug> branch naming
// scheme the dispatcher uses when opening PRs.
var agentBranchRe = regexp.MustCompile(`^agent/(\d+)`)

// handlePullRequestEvent resolves a Task from the PR's head branch and,
// when the PR closes, transitions to COMPLETED (merged) or ARCHIVED
// (closed unmerged). Other actions are ignored.
func (r *Router) handlePullRequestEvent(ctx context.Context, ev Event) error {
	if ev.Action != "closed" {
		return nil
	}

	m := agentBranchRe.FindStringSubmatch(ev.HeadBranch)
	if m == nil {
		return nil
	}
	issueNumber, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}

	t, err := r.machine.GetTaskForIssue(ctx, ev.Repo, issueNumber)
	if err != nil {
		return r.skip("no task found for closed pr's branch", err, "repo", ev.Repo, "branch", ev.HeadBranch)
	}

	target := task.StateArchived
	if ev.Merged {
		target = task.StateCompleted
	}

	_, err = r.machine.Transition(ctx, t.ID, target, nil)
	if err != nil {
		return r.skip("failed to transition task on pr close", err, "task", t.ID)
	}

	if _, lockErr := r.locks.Release(ctx, t.ID, t.Repo); lockErr != nil && !apperr.Is(lockErr, apperr.ErrStoreUnavailable) {
		r.log.Warn("failed to release locks after pr close", "task", t.ID, "error", lockErr.Error())
	}
	return nil
}
