package router

import (
	"context"

	"github.com/agentswarm/orchestrator/internal/apperr"
	"github.com/agentswarm/orchestrator/internal/locks"
	"github.com/agentswarm/orchestrator/internal/logging"
	"github.com/agentswarm/orchestrator/internal/metrics"
	"github.com/agentswarm/orchestrator/internal/task"
)

// Dispatcher is the Agent Driver seam the router hands off to once a
// command or event has produced a state change that requires agent work -
// e.g. "enqueue planning" after /approve. The router never calls an LLM or
// code-hosting client directly; it only decides whether and when to ask
// the dispatcher to run something.
type Dispatcher interface {
	EnqueuePlanning(ctx context.Context, t *task.Task) error
	EnqueueExecution(ctx context.Context, t *task.Task) error
	EnqueueReview(ctx context.Context, t *task.Task) error
	EnqueueFix(ctx context.Context, t *task.Task) error
	EnqueuePlanner(ctx context.Context, t *task.Task) error
	EnqueuePM(ctx context.Context, t *task.Task, mode string) error
}

// Commenter posts comments back to GitHub, the narrow slice of ghclient.Client
// the router needs to surface lock conflicts.
type Commenter interface {
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error
}

// Router is the Command Router.
type Router struct {
	machine    *task.Machine
	locks      *locks.Registry
	dispatcher Dispatcher
	commenter  Commenter
	metrics    *metrics.Metrics
	log        *logging.Logger
}

// New builds a Router over its collaborators.
func New(machine *task.Machine, lockRegistry *locks.Registry, dispatcher Dispatcher, commenter Commenter, log *logging.Logger) *Router {
	return &Router{
		machine:    machine,
		locks:      lockRegistry,
		dispatcher: dispatcher,
		commenter:  commenter,
		log:        log,
	}
}

// WithMetrics attaches the process's collectors; a nil-metrics Router
// simply skips recording.
func (r *Router) WithMetrics(m *metrics.Metrics) *Router {
	r.metrics = m
	return r
}

// Handle dispatches a normalized Event to the right handler. Unknown kinds
// are ignored and return nil.
func (r *Router) Handle(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventIssues:
		return r.handleIssueEvent(ctx, ev)
	case EventIssueComment:
		return r.handleCommentEvent(ctx, ev)
	case EventPullRequest:
		return r.handlePullRequestEvent(ctx, ev)
	case EventCheckRun:
		return nil // reserved for a future CI agent
	default:
		r.log.Debug("ignoring unrecognized event kind", "kind", ev.Kind)
		return nil
	}
}

// skip logs a precondition failure and returns nil: the router's blanket
// log-and-skip policy for InvalidTransition/TaskNotFound/DuplicateTask
// encountered while processing a command, so a webhook handler never
// raises on these and always returns 200.
func (r *Router) skip(reason string, err error, kv ...interface{}) error {
	if err == nil {
		return nil
	}
	if !apperr.Is(err, apperr.ErrInvalidTransition) &&
		!apperr.Is(err, apperr.ErrTaskNotFound) && !apperr.Is(err, apperr.ErrDuplicateTask) {
		return err // StoreUnavailable/RemoteAPIFailure bubble up for a 5xx retry.
	}
	r.log.Info(reason, append(kv, "error", err.Error())...)
	return nil
}
