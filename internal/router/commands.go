package router

import (
	"context"
	"strings"
	"time"

	"github.com/agentswarm/orchestrator/internal/apperr"
	"github.com/agentswarm/orchestrator/internal/task"
)

// handleCommentEvent extracts every slash command from a created comment
// and processes them in textual order, each evaluated against the task's
// then-current state. A command whose precondition fails is logged and
// skipped, never raised.
func (r *Router) handleCommentEvent(ctx context.Context, ev Event) error {
	if ev.Action != "created" {
		return nil
	}

	commands := ParseCommands(ev.CommentBody)
	for _, cmd := range commands {
		if err := r.dispatchCommand(ctx, ev, cmd); err != nil {
			return err // only StoreUnavailable/RemoteAPIFailure reach here
		}
	}
	return nil
}

func (r *Router) dispatchCommand(ctx context.Context, ev Event, cmd Command) error {
	switch cmd.Verb {
	case "approve":
		return r.handleApprove(ctx, ev, cmd.Args)
	case "agent-review":
		return r.handleAgentReview(ctx, ev)
	case "agent-fix":
		return r.handleAgentFix(ctx, ev)
	case "agent-plan":
		return r.handleAgentPlan(ctx, ev)
	case "approve-plan":
		return r.handleApprovePlan(ctx, ev)
	case "agent-stop":
		return r.handleAgentStop(ctx, ev)
	case "agent-pm":
		return r.handleAgentPM(ctx, ev, cmd.Args)
	case "approve-vision":
		return r.handleApproveVision(ctx, ev)
	case "refine-feature":
		return r.handleRefineFeature(ctx, ev, cmd.Args)
	case "approve-feature":
		return r.handleApproveFeature(ctx, ev)
	case "add-feature":
		return r.handleAddFeature(ctx, ev, cmd.Args)
	case "prioritize":
		return r.handlePrioritize(ctx, ev, cmd.Args)
	case "handoff":
		return r.handleHandoff(ctx, ev, cmd.Args)
	default:
		r.log.Debug("unrecognized slash command", "verb", cmd.Verb, "repo", ev.Repo, "issue", ev.IssueNumber)
		return nil
	}
}

func (r *Router) requireState(ctx context.Context, ev Event, allowed ...task.State) (*task.Task, bool, error) {
	t, err := r.machine.GetTaskForIssue(ctx, ev.Repo, ev.IssueNumber)
	if err != nil {
		return nil, false, r.skip("command precondition: no task found", err, "repo", ev.Repo, "issue", ev.IssueNumber)
	}
	for _, s := range allowed {
		if t.State == s {
			return t, true, nil
		}
	}
	r.log.Info("command precondition failed: wrong state", "task", t.ID, "state", t.State, "allowed", allowed)
	return t, false, nil
}

func (r *Router) handleApprove(ctx context.Context, ev Event, args string) error {
	t, ok, err := r.requireState(ctx, ev, task.StatePlanReview)
	if err != nil || !ok {
		return err
	}
	if _, err := r.machine.RecordDecision(ctx, t.ID, task.DecisionPlanApproval, ev.Author, "/approve", args, nil); err != nil {
		return err
	}
	t, err = r.machine.Transition(ctx, t.ID, task.StateApproved, nil)
	if err != nil {
		return r.skip("failed to transition on /approve", err, "task", t.ID)
	}
	return r.dispatcher.EnqueueExecution(ctx, t)
}

func (r *Router) handleAgentReview(ctx context.Context, ev Event) error {
	t, ok, err := r.requireState(ctx, ev, task.StatePROpen)
	if err != nil || !ok {
		return err
	}
	if _, err := r.machine.RecordDecision(ctx, t.ID, task.DecisionPRReviewDelegation, ev.Author, "/agent-review", "", nil); err != nil {
		return err
	}
	t, err = r.machine.Transition(ctx, t.ID, task.StatePRAgentReview, nil)
	if err != nil {
		return r.skip("failed to transition on /agent-review", err, "task", t.ID)
	}
	return r.dispatcher.EnqueueReview(ctx, t)
}

func (r *Router) handleAgentFix(ctx context.Context, ev Event) error {
	t, ok, err := r.requireState(ctx, ev, task.StatePROpen)
	if err != nil || !ok {
		return err
	}
	if _, err := r.machine.RecordDecision(ctx, t.ID, task.DecisionPRFixDelegation, ev.Author, "/agent-fix", "", nil); err != nil {
		return err
	}
	t, err = r.machine.Transition(ctx, t.ID, task.StatePRAgentFix, nil)
	if err != nil {
		return r.skip("failed to transition on /agent-fix", err, "task", t.ID)
	}
	return r.dispatcher.EnqueueFix(ctx, t)
}

// handleAgentPlan creates a Task if absent, then records planner_requested
// and enqueues the planner. Usable from any state.
func (r *Router) handleAgentPlan(ctx context.Context, ev Event) error {
	t, err := r.machine.GetTaskForIssue(ctx, ev.Repo, ev.IssueNumber)
	if apperr.Is(err, apperr.ErrTaskNotFound) {
		t, err = r.machine.CreateTask(ctx, ev.Repo, ev.IssueNumber, ev.IssueTitle)
	}
	if err != nil {
		return r.skip("failed to resolve/create task for /agent-plan", err, "repo", ev.Repo, "issue", ev.IssueNumber)
	}

	if _, err := r.machine.RecordDecision(ctx, t.ID, task.DecisionPlannerRequested, ev.Author, "/agent-plan", "", nil); err != nil {
		return err
	}
	return r.dispatcher.EnqueuePlanner(ctx, t)
}

// handleApprovePlan records a planner_approval decision only; it drives no
// state transition. Sub-issues are created by the dispatcher when /agent-plan
// runs the planner; approving the breakdown creates none.
func (r *Router) handleApprovePlan(ctx context.Context, ev Event) error {
	t, err := r.machine.GetTaskForIssue(ctx, ev.Repo, ev.IssueNumber)
	if err != nil {
		return r.skip("no task found for /approve-plan", err, "repo", ev.Repo, "issue", ev.IssueNumber)
	}
	_, err = r.machine.RecordDecision(ctx, t.ID, task.DecisionPlannerApproval, ev.Author, "/approve-plan", "", nil)
	return err
}

// handleAgentStop records an agent_stop decision. It never releases file
// locks; they expire by TTL or are released on the normal terminal-
// transition path. No cancellation flag is set and nothing is signalled to
// the dispatcher, so an agent run already in flight continues to completion.
func (r *Router) handleAgentStop(ctx context.Context, ev Event) error {
	t, err := r.machine.GetTaskForIssue(ctx, ev.Repo, ev.IssueNumber)
	if err != nil {
		return r.skip("no task found for /agent-stop", err, "repo", ev.Repo, "issue", ev.IssueNumber)
	}
	if task.IsTerminal(t.State) {
		r.log.Info("ignoring /agent-stop on terminal task", "task", t.ID, "state", t.State)
		return nil
	}
	_, err = r.machine.RecordDecision(ctx, t.ID, task.DecisionAgentStop, ev.Author, "/agent-stop", "", nil)
	return err
}

func (r *Router) handleAgentPM(ctx context.Context, ev Event, args string) error {
	mode := strings.TrimSpace(args)
	if mode == "" {
		mode = "vision"
	}

	t, err := r.machine.GetTaskForIssue(ctx, ev.Repo, ev.IssueNumber)
	if apperr.Is(err, apperr.ErrTaskNotFound) {
		t, err = r.machine.CreateTask(ctx, ev.Repo, ev.IssueNumber, ev.IssueTitle)
	}
	if err != nil {
		return r.skip("failed to resolve/create task for /agent-pm", err, "repo", ev.Repo, "issue", ev.IssueNumber)
	}

	if _, err := r.machine.RecordDecision(ctx, t.ID, task.DecisionPMInvoked, ev.Author, "/agent-pm "+mode, "", map[string]interface{}{"mode": mode}); err != nil {
		return err
	}

	if t.State == task.StateQueued {
		t, err = r.machine.Transition(ctx, t.ID, task.StatePMVision, nil)
		if err != nil {
			return r.skip("failed to transition on /agent-pm", err, "task", t.ID)
		}
	}
	return r.dispatcher.EnqueuePM(ctx, t, mode)
}

func (r *Router) handleApproveVision(ctx context.Context, ev Event) error {
	t, ok, err := r.requireState(ctx, ev, task.StatePMVisionReview)
	if err != nil || !ok {
		return err
	}
	if _, err := r.machine.RecordDecision(ctx, t.ID, task.DecisionVisionApproval, ev.Author, "/approve-vision", "", nil); err != nil {
		return err
	}
	if _, err := r.machine.Transition(ctx, t.ID, task.StatePMBacklog, nil); err != nil {
		return r.skip("failed to transition on /approve-vision", err, "task", t.ID)
	}
	return nil
}

func (r *Router) handleRefineFeature(ctx context.Context, ev Event, args string) error {
	t, ok, err := r.requireState(ctx, ev, task.StatePMFeatureReview)
	if err != nil || !ok {
		return err
	}
	_, err = r.machine.RecordDecision(ctx, t.ID, task.DecisionFeatureFeedback, ev.Author, "/refine-feature", args, nil)
	return err
}

func (r *Router) handleApproveFeature(ctx context.Context, ev Event) error {
	t, ok, err := r.requireState(ctx, ev, task.StatePMFeatureReview)
	if err != nil || !ok {
		return err
	}
	_, err = r.machine.RecordDecision(ctx, t.ID, task.DecisionFeatureApproval, ev.Author, "/approve-feature", "", nil)
	return err
}

func (r *Router) handleAddFeature(ctx context.Context, ev Event, args string) error {
	t, ok, err := r.requireState(ctx, ev, task.StatePMBacklog, task.StatePMFeatureReview)
	if err != nil || !ok {
		return err
	}
	_, err = r.machine.RecordDecision(ctx, t.ID, task.DecisionFeatureAdded, ev.Author, "/add-feature", args, nil)
	return err
}

func (r *Router) handlePrioritize(ctx context.Context, ev Event, args string) error {
	t, ok, err := r.requireState(ctx, ev, task.StatePMBacklog, task.StatePMFeatureReview)
	if err != nil || !ok {
		return err
	}

	fields := strings.Fields(args)
	metadata := map[string]interface{}{}
	if len(fields) >= 1 {
		metadata["feature_id"] = fields[0]
	}
	if len(fields) >= 2 {
		metadata["priority"] = fields[1]
	}

	_, err = r.machine.RecordDecision(ctx, t.ID, task.DecisionPrioritization, ev.Author, "/prioritize", args, metadata)
	return err
}

func (r *Router) handleHandoff(ctx context.Context, ev Event, args string) error {
	t, ok, err := r.requireState(ctx, ev, task.StatePMFeatureReview)
	if err != nil || !ok {
		return err
	}

	featureID := strings.TrimSpace(args)
	if _, err := r.machine.RecordDecision(ctx, t.ID, task.DecisionPMHandoff, ev.Author, "/handoff", featureID, map[string]interface{}{"feature_id": featureID}); err != nil {
		return err
	}

	t, err = r.machine.Transition(ctx, t.ID, task.StatePMHandoffPlanner, nil)
	if err != nil {
		return r.skip("failed to transition to handoff-planner", err, "task", t.ID)
	}
	t, err = r.machine.Transition(ctx, t.ID, task.StatePlanning, nil)
	if err != nil {
		return r.skip("failed to transition handoff-planner to planning", err, "task", t.ID)
	}
	return r.dispatcher.EnqueuePlanning(ctx, t)
}

// AcquireForExecution checks and acquires file locks for a task's
// predicted file set, surfacing a conflict back to the issue as a
// "blocked by task X on file F" comment. The dispatcher calls this
// immediately before invoking the Worker on EXECUTING, rather than the
// router itself owning file-lock timing, because acquisition needs the
// predicted file list only the dispatcher's file-analysis step produces.
func (r *Router) AcquireForExecution(ctx context.Context, t *task.Task, paths []string, ttlSeconds int) (bool, error) {
	result, err := r.locks.Acquire(ctx, t.ID, t.Repo, paths, time.Duration(ttlSeconds)*time.Second)
	if err != nil {
		return false, err
	}
	if result.Acquired {
		return true, nil
	}

	if r.metrics != nil {
		r.metrics.LockConflicts.Inc()
	}

	owner, repo, ok := strings.Cut(t.Repo, "/")
	if !ok {
		owner, repo = t.Repo, ""
	}
	body := "blocked by task " + result.ConflictingTaskID + " on file " + result.ConflictingFile
	if err := r.commenter.CreateIssueComment(ctx, owner, repo, t.IssueNumber, body); err != nil {
		r.log.Warn("failed to post lock conflict comment", "task", t.ID, "error", err.Error())
	}
	return false, nil
}
