package router

import (
	"context"

	"github.com/agentswarm/orchestrator/internal/apperr"
	"github.com/agentswarm/orchestrator/internal/task"
)

// handleIssueEvent creates a Task the first time an issue is opened or
// labeled with a recognized agent label, and enqueues planning. Re-running
// against an issue that already has a Task is a no-op.
func (r *Router) handleIssueEvent(ctx context.Context, ev Event) error {
	if ev.Action != "opened" && ev.Action != "labeled" {
		return nil
	}
	if !hasAgentLabel(ev.Labels) {
		return nil
	}

	t, err := r.machine.GetTaskForIssue(ctx, ev.Repo, ev.IssueNumber)
	if err == nil {
		return nil // already tracked; opened/labeled again is a no-op
	}
	if !apperr.Is(err, apperr.ErrTaskNotFound) {
		return err
	}

	t, err = r.machine.CreateTask(ctx, ev.Repo, ev.IssueNumber, ev.IssueTitle)
	if err != nil {
		return r.skip("failed to create task for labeled issue", err, "repo", ev.Repo, "issue", ev.IssueNumber)
	}

	t, err = r.machine.Transition(ctx, t.ID, task.StatePlanning, nil)
	if err != nil {
		return r.skip("failed to transition new task to planning", err, "task", t.ID)
	}

	return r.dispatcher.EnqueuePlanning(ctx, t)
}
