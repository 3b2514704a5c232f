// Package task defines the Task aggregate and the State Machine that
// mutates it.
package task

import (
	"strconv"
	"time"
)

// State is one of the closed set of task lifecycle states. No value outside
// this set is ever written to a Task.
type State string

const (
	StateQueued          State = "QUEUED"
	StatePlanning        State = "PLANNING"
	StatePlanReview      State = "PLAN_REVIEW"
	StateApproved        State = "APPROVED"
	StateExecuting       State = "EXECUTING"
	StatePROpen          State = "PR_OPEN"
	StatePRAgentReview   State = "PR_AGENT_REVIEW"
	StatePRAgentFix      State = "PR_AGENT_FIX"
	StateFailed          State = "FAILED"
	StateFixerReview     State = "FIXER_REVIEW"
	StateHumanEscalation State = "HUMAN_ESCALATION"
	StateCompleted       State = "COMPLETED"
	StateArchived        State = "ARCHIVED"

	StatePMVision         State = "PM_VISION"
	StatePMVisionReview   State = "PM_VISION_REVIEW"
	StatePMBacklog        State = "PM_BACKLOG"
	StatePMFeatureReview  State = "PM_FEATURE_REVIEW"
	StatePMHandoffPlanner State = "PM_HANDOFF_PLANNER"
)

// terminalStates are states a Task never leaves once entered.
var terminalStates = map[State]bool{
	StateCompleted: true,
	StateArchived:  true,
}

// IsTerminal reports whether s is a terminal state.
func IsTerminal(s State) bool {
	return terminalStates[s]
}

// transitions is the closed transition table. A Transition call that is not
// listed here (as fromState -> toState) fails with apperr.ErrInvalidTransition.
var transitions = map[State]map[State]bool{
	StateQueued: {StatePlanning: true, StatePMVision: true},

	StatePlanning:   {StatePlanReview: true},
	StatePlanReview: {StateApproved: true, StatePlanning: true},
	StateApproved:   {StateExecuting: true},
	StateExecuting:  {StatePROpen: true, StateFailed: true},

	StatePROpen: {
		StatePRAgentReview: true,
		StatePRAgentFix:    true,
		StateCompleted:     true,
		StateArchived:      true,
	},
	StatePRAgentReview: {StatePROpen: true},
	StatePRAgentFix:    {StatePROpen: true},

	StateFailed:          {StateFixerReview: true},
	StateFixerReview:     {StateExecuting: true, StateHumanEscalation: true},
	StateHumanEscalation: {StateQueued: true, StateArchived: true},

	StatePMVision:         {StatePMVisionReview: true},
	StatePMVisionReview:   {StatePMVision: true, StatePMBacklog: true},
	StatePMBacklog:        {StatePMFeatureReview: true, StatePMVision: true},
	StatePMFeatureReview:  {StatePMBacklog: true, StatePMHandoffPlanner: true},
	StatePMHandoffPlanner: {StatePlanning: true},
}

// CanTransition reports whether moving from "from" to "to" is permitted by
// the transition table.
func CanTransition(from, to State) bool {
	if from == to {
		return true // no-op transitions are always allowed; see Transition.
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// DecisionType enumerates the recognized Decision.Type values recorded by
// the command router and agent driver.
type DecisionType string

const (
	DecisionPlanApproval       DecisionType = "plan_approval"
	DecisionPRReviewDelegation DecisionType = "pr_review_delegation"
	DecisionPRFixDelegation    DecisionType = "pr_fix_delegation"
	DecisionVisionApproval     DecisionType = "vision_approval"
	DecisionFeatureApproval    DecisionType = "feature_approval"
	DecisionPMHandoff          DecisionType = "pm_handoff"
	DecisionPrioritization     DecisionType = "prioritization"
	DecisionAgentStop          DecisionType = "agent_stop"
	DecisionPlannerApproval    DecisionType = "planner_approval"
	DecisionPlannerRequested   DecisionType = "planner_requested"
	DecisionPMInvoked          DecisionType = "pm_invoked"
	DecisionFeatureFeedback    DecisionType = "feature_feedback"
	DecisionFeatureAdded       DecisionType = "feature_added"
)

// Decision is an append-only record of a human or system action taken
// against a Task. Never mutated or removed once written.
type Decision struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      DecisionType           `json:"type"`
	Human     string                 `json:"human"`
	Action    string                 `json:"action"`
	Comment   string                 `json:"comment,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// PlanVersion is one opaque plan payload produced by an agent run (a Worker
// plan or a product-manager vision draft).
// The orchestrator core never interprets its Payload; it is the agent
// driver/LLM collaborator's content to render and parse.
type PlanVersion struct {
	Version   int                    `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	Payload   map[string]interface{} `json:"payload"`
}

// History holds the append-only record of a Task's plans and decisions.
type History struct {
	PlanVersions       []PlanVersion `json:"plan_versions"`
	CurrentPlanVersion int           `json:"current_plan_version"`
	Decisions          []Decision    `json:"decisions"`
}

// Timeline records when a Task passed each lifecycle milestone. Every field
// but UpdatedAt is set-once, first-entry-wins.
type Timeline struct {
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FirstPlanAt *time.Time `json:"first_plan_at,omitempty"`
	ApprovedAt  *time.Time `json:"approved_at,omitempty"`
	PROpenedAt  *time.Time `json:"pr_opened_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AgentBookkeeping tracks agent-invocation and token-spend state for a Task.
type AgentBookkeeping struct {
	InvocationIDs    []string       `json:"invocation_ids,omitempty"`
	CurrentAgentID   string         `json:"current_agent_id,omitempty"`
	TokensUsed       map[string]int `json:"tokens_used,omitempty"` // model -> tokens
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
}

// FailureBookkeeping tracks the most recent failure and retry count.
type FailureBookkeeping struct {
	LastError  string `json:"last_error,omitempty"`
	RetryCount int    `json:"retry_count"`
}

// Task is the orchestrator's central aggregate: one per GitHub issue under
// agent management.
type Task struct {
	ID          string `json:"id"` // "issue-<issue_number>"
	Repo        string `json:"repo"`
	IssueNumber int    `json:"issue_number"`
	IssueTitle  string `json:"issue_title"`

	State State `json:"state"`

	Branch   string `json:"branch,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`

	Timeline Timeline `json:"timeline"`
	History  History  `json:"history"`

	Agent   AgentBookkeeping   `json:"agent"`
	Failure FailureBookkeeping `json:"failure"`

	// LocksHeld is an informational path set; it is not authoritative
	// (the File Lock Registry is) and exists so a Task snapshot shows what
	// it believes it holds without a second query.
	LocksHeld []string `json:"locks_held,omitempty"`
}

// TaskID builds the internal id for a (repo, issue number) pair. Callers
// should treat the format as an implementation detail; use GetTaskForIssue
// instead of constructing ids directly.
func TaskID(issueNumber int) string {
	return "issue-" + strconv.Itoa(issueNumber)
}
